// Package chain provides read/write access to the CirclePool contract.
// The gateway is the only component that talks to the chain; everything
// above it works with typed records decoded against the fixed contract
// ABI.
package chain

import (
	"context"
	"fmt"
	"time"
)

// CircleState is the authoritative on-chain view of one circle, decoded
// once from the contract's getCircle return shape.
type CircleState struct {
	PayDate         time.Time
	AmountTinybar   int64
	StartDate       time.Time
	DurationDays    uint64
	Round           uint64
	Cycle           uint64
	Admin           string   // canonical execution address
	Members         []string // canonical execution addresses
	LoanableTinybar int64
	InterestPercent uint64
	LeftPercent     uint64
}

// PaymentEntry is one row of the contract's payment log.
type PaymentEntry struct {
	ID            uint64
	CircleID      uint64
	Receiver      string // canonical execution address
	AmountTinybar int64
	Timestamp     time.Time
}

// Receipt summarizes a confirmed state-changing transaction.
type Receipt struct {
	TxHash      string
	BlockNumber uint64
	GasUsed     uint64
}

// Gateway is the narrow contract-facing interface the reconciler
// consumes. Implementations must apply request-level timeouts; no call
// may block indefinitely.
type Gateway interface {
	// GetCircle returns the authoritative on-chain state of a circle.
	GetCircle(ctx context.Context, id uint64) (*CircleState, error)

	// GetMembers returns the circle's on-chain member list as canonical
	// execution addresses.
	GetMembers(ctx context.Context, id uint64) ([]string, error)

	// SetPayoutOrder commits a rotation on-chain. The contract rejects
	// orders whose length differs from the member count.
	SetPayoutOrder(ctx context.Context, id uint64, order []string) (*Receipt, error)

	// CheckPayDate triggers due-date processing for the given circles.
	// The contract reverts per id when that circle's pay date has not
	// passed on-chain.
	CheckPayDate(ctx context.Context, ids []uint64) (*Receipt, error)

	// GetPayments returns the full on-chain payment log; callers filter
	// by recency.
	GetPayments(ctx context.Context) ([]PaymentEntry, error)
}

// GatewayError wraps chain access failures with the failing operation.
type GatewayError struct {
	Op     string
	Err    error
	Revert string // decoded revert reason, empty for transport failures
}

func (e *GatewayError) Error() string {
	if e.Revert != "" {
		return fmt.Sprintf("chain gateway error [%s]: %v (revert: %s)", e.Op, e.Err, e.Revert)
	}
	return fmt.Sprintf("chain gateway error [%s]: %v", e.Op, e.Err)
}

func (e *GatewayError) Unwrap() error {
	return e.Err
}

// NewGatewayError creates a new GatewayError.
func NewGatewayError(op string, err error, revert string) *GatewayError {
	return &GatewayError{Op: op, Err: err, Revert: revert}
}
