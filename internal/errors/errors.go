// Package errors defines the error taxonomy of the reconciliation
// engine. Each category carries different handling semantics: expected
// conditions are logged and skipped, per-circle failures are counted
// and isolated, and critical divergences are surfaced loudly because
// chain and ledger state have split for that circle.
package errors

import (
	"errors"
	"fmt"
)

// Category classifies a reconciliation error
type Category string

const (
	// CategoryExpected marks retryable, non-alarming conditions: pay date
	// not yet passed on-chain, zero on-chain members, no new payment
	// entries after a check.
	CategoryExpected Category = "expected"
	// CategoryDataQuality marks ledger rows that cannot be trusted, such
	// as a member record missing its address.
	CategoryDataQuality Category = "data_quality"
	// CategoryCountMismatch marks payout-order length vs on-chain member
	// count disagreements.
	CategoryCountMismatch Category = "count_mismatch"
	// CategoryCriticalDivergence marks a confirmed chain mutation whose
	// ledger write then failed. The two stores no longer agree for that
	// circle until manually reconciled.
	CategoryCriticalDivergence Category = "critical_divergence"
	// CategoryChain marks chain gateway failures (RPC, revert, timeout).
	CategoryChain Category = "chain"
	// CategoryLedger marks ledger store failures.
	CategoryLedger Category = "ledger"
)

// Sentinel conditions for the expected branch of the taxonomy.
var (
	// ErrPayDateNotReached indicates the chain's authoritative pay date
	// has not passed yet for a circle.
	ErrPayDateNotReached = errors.New("pay date has not passed on-chain")

	// ErrNoOnChainMembers indicates a circle has no members registered
	// on-chain yet.
	ErrNoOnChainMembers = errors.New("circle has no on-chain members")

	// ErrInvalidIdentity indicates an account identity that is neither a
	// valid execution address nor a native account id.
	ErrInvalidIdentity = errors.New("invalid account identity format")
)

// ReconcileError wraps an error with its category and circle context
type ReconcileError struct {
	Category Category
	Circle   string // circle slug, empty for non-circle-scoped failures
	Op       string // operation that failed (e.g. "SetPayoutOrder")
	Message  string
	Cause    error
}

func (e *ReconcileError) Error() string {
	msg := e.Message
	if msg == "" && e.Cause != nil {
		msg = e.Cause.Error()
	}
	if e.Circle != "" {
		return fmt.Sprintf("%s [%s:%s]: %s", e.Category, e.Circle, e.Op, msg)
	}
	return fmt.Sprintf("%s [%s]: %s", e.Category, e.Op, msg)
}

func (e *ReconcileError) Unwrap() error {
	return e.Cause
}

// NewExpected wraps an expected, retryable condition.
func NewExpected(circle, op string, cause error) *ReconcileError {
	return &ReconcileError{Category: CategoryExpected, Circle: circle, Op: op, Cause: cause}
}

// NewDataQuality marks a ledger row that cannot be trusted.
func NewDataQuality(circle, op, message string) *ReconcileError {
	return &ReconcileError{Category: CategoryDataQuality, Circle: circle, Op: op, Message: message}
}

// NewCountMismatch marks a payout-order length that does not equal the
// on-chain member count. Distinguished from generic chain reverts so
// operators can tell a membership drift from an RPC problem.
func NewCountMismatch(circle string, orderLen, chainCount int) *ReconcileError {
	return &ReconcileError{
		Category: CategoryCountMismatch,
		Circle:   circle,
		Op:       "SetPayoutOrder",
		Message:  fmt.Sprintf("payout order has %d entries but chain reports %d members", orderLen, chainCount),
	}
}

// NewCriticalDivergence marks a confirmed chain mutation whose ledger
// write failed. Never counted as processed, never silently swallowed.
func NewCriticalDivergence(circle, op string, cause error) *ReconcileError {
	return &ReconcileError{
		Category: CategoryCriticalDivergence,
		Circle:   circle,
		Op:       op,
		Message:  "chain transaction confirmed but ledger write failed; stores have diverged",
		Cause:    cause,
	}
}

// NewChainError wraps a chain gateway failure.
func NewChainError(circle, op string, cause error) *ReconcileError {
	return &ReconcileError{Category: CategoryChain, Circle: circle, Op: op, Cause: cause}
}

// NewLedgerError wraps a ledger store failure.
func NewLedgerError(circle, op string, cause error) *ReconcileError {
	return &ReconcileError{Category: CategoryLedger, Circle: circle, Op: op, Cause: cause}
}

func categoryOf(err error) (Category, bool) {
	var re *ReconcileError
	if errors.As(err, &re) {
		return re.Category, true
	}
	return "", false
}

// IsExpected reports whether err is a retryable, non-alarming condition.
func IsExpected(err error) bool {
	if errors.Is(err, ErrPayDateNotReached) || errors.Is(err, ErrNoOnChainMembers) {
		return true
	}
	cat, ok := categoryOf(err)
	return ok && cat == CategoryExpected
}

// IsCriticalDivergence reports whether err marks diverged stores.
func IsCriticalDivergence(err error) bool {
	cat, ok := categoryOf(err)
	return ok && cat == CategoryCriticalDivergence
}

// IsCountMismatch reports whether err is a payout-order count mismatch.
func IsCountMismatch(err error) bool {
	cat, ok := categoryOf(err)
	return ok && cat == CategoryCountMismatch
}

// IsDataQuality reports whether err marks an untrustworthy ledger row.
func IsDataQuality(err error) bool {
	cat, ok := categoryOf(err)
	return ok && cat == CategoryDataQuality
}
