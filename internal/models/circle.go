// Package models defines the persistent records of the CirclePool
// ledger: circles, members, payout orders, and the append-only payment
// and payout logs.
package models

import (
	"time"
)

// TinybarPerHbar is the number of tinybar in one HBAR.
const TinybarPerHbar = 100_000_000

// Circle is a rotating savings group. The ledger owns the durable row;
// the chain owns the authoritative numeric state (pay date, round and
// cycle counters, committed payout order). Cached chain state on this
// struct is overwritten whenever the chain disagrees.
type Circle struct {
	ID              string    `json:"id"`
	Slug            string    `json:"slug"`
	BlockchainID    uint64    `json:"blockchainId"`
	Name            string    `json:"name"`
	StartDate       time.Time `json:"startDate"`
	PayDate         time.Time `json:"payDate"`
	CycleDays       int       `json:"cycleDays"`
	AmountTinybar   int64     `json:"amountTinybar"`
	LeftPercent     int       `json:"leftPercent"`
	InterestPercent int       `json:"interestPercent"`
	Started         bool      `json:"started"`
	Round           uint64    `json:"round"`
	Cycle           uint64    `json:"cycle"`

	// PayoutOrder is the serialized rotation committed at start
	// transition; nil while Started is false.
	PayoutOrder []PayoutOrderEntry `json:"payoutOrder,omitempty"`

	Members []CircleMember `json:"members,omitempty"`

	CreatedAt time.Time `json:"createdAt"`
	UpdatedAt time.Time `json:"updatedAt"`
}

// AmountHbar returns the per-member contribution in HBAR for display.
func (c *Circle) AmountHbar() float64 {
	return float64(c.AmountTinybar) / TinybarPerHbar
}

// CircleMember binds a user identity to a circle.
type CircleMember struct {
	ID         string    `json:"id"`
	CircleID   string    `json:"circleId"`
	AccountID  string    `json:"accountId"`
	EVMAddress string    `json:"evmAddress"`
	PayDate    time.Time `json:"payDate"`
	Paid       bool      `json:"paid"`
	CreatedAt  time.Time `json:"createdAt"`
}

// PayoutOrderEntry is one slot of a circle's committed rotation. The
// on-chain order is authoritative; this record mirrors it with the
// native identity and the computed per-slot due date.
type PayoutOrderEntry struct {
	AccountID  string    `json:"accountId"`
	EVMAddress string    `json:"evmAddress"`
	PayDate    time.Time `json:"payDate"`
	Paid       bool      `json:"paid"`
}

// Payment mirrors one row of the contract's payment log. Rows are
// append-only; they are both the display record and the detection
// signal for "did a disbursement or refund actually happen on-chain".
type Payment struct {
	ID              string    `json:"id"`
	CircleID        string    `json:"circleId"`
	ChainPaymentID  uint64    `json:"chainPaymentId"`
	ReceiverAccount string    `json:"receiverAccount"`
	AmountTinybar   int64     `json:"amountTinybar"`
	TxRef           string    `json:"txRef"`
	PaidAt          time.Time `json:"paidAt"`
}

// PayoutKind distinguishes a rotation disbursement from a refund event.
type PayoutKind string

const (
	PayoutDisbursement PayoutKind = "disbursement"
	PayoutRefund       PayoutKind = "refund"
)

// Payout is an append-only disbursement/refund log row.
type Payout struct {
	ID               string     `json:"id"`
	CircleID         string     `json:"circleId"`
	RecipientAccount string     `json:"recipientAccount"`
	AmountTinybar    int64      `json:"amountTinybar"`
	TxRef            string     `json:"txRef"`
	Kind             PayoutKind `json:"kind"`
	PaidAt           time.Time  `json:"paidAt"`
}
