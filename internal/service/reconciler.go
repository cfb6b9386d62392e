package service

import (
	"context"
	"encoding/json"
	stderrors "errors"
	"fmt"
	"time"

	"github.com/circlepool/circlepool/internal/chain"
	"github.com/circlepool/circlepool/internal/errors"
	"github.com/circlepool/circlepool/internal/hedera"
	"github.com/circlepool/circlepool/internal/logging"
	"github.com/circlepool/circlepool/internal/models"
)

// Job selects which reconciliation procedures a run executes.
type Job string

const (
	JobStartDate Job = "startdate"
	JobPayDate   Job = "paydate"
	JobAll       Job = "all"
)

// ParseJob validates a job selector.
func ParseJob(s string) (Job, error) {
	switch Job(s) {
	case JobStartDate, JobPayDate, JobAll:
		return Job(s), nil
	default:
		return "", fmt.Errorf("unknown job selector %q (want startdate, paydate, or all)", s)
	}
}

// LedgerStore is the slice of the ledger the reconciler consumes.
type LedgerStore interface {
	GetCircles(ctx context.Context) ([]*models.Circle, error)
	SetStartedWithPayoutOrder(ctx context.Context, circleID string, order []models.PayoutOrderEntry) error
	UpdateChainState(ctx context.Context, circleID string, payDate time.Time, round, cycle uint64) error
	RecordDisbursement(ctx context.Context, circleID, recipientAccount string, amountTinybar int64, txRef string, paidAt time.Time, payDate time.Time, round, cycle uint64) error
	RecordRefund(ctx context.Context, circleID string, amountTinybar int64, txRef string, paidAt time.Time) error
}

// PaymentMirror appends chain payment log entries to the ledger.
type PaymentMirror interface {
	Mirror(ctx context.Context, p *models.Payment) error
}

// RunGuard serializes reconciler runs and stores the last report.
type RunGuard interface {
	Acquire(ctx context.Context) error
	Release(ctx context.Context) error
	StoreLastReport(ctx context.Context, reportJSON []byte) error
}

// JobResult reports one procedure's outcome.
type JobResult struct {
	Success      bool   `json:"success"`
	Processed    int    `json:"processed"`
	Failed       int    `json:"failed"`
	Skipped      int    `json:"skipped"`
	Inconclusive int    `json:"inconclusive,omitempty"`
	Error        string `json:"error,omitempty"`
}

// Report is the aggregate outcome of one reconciler invocation.
type Report struct {
	Jobs      map[Job]*JobResult `json:"jobs"`
	Success   bool               `json:"success"`
	Timestamp time.Time          `json:"timestamp"`
}

// errInconclusive marks a checkPayDate call that confirmed on-chain but
// produced no new payment log entries. Not a failure: state was
// resynced and the next tick re-verifies.
var errInconclusive = stderrors.New("no new payment entries after check; resynced")

// Reconciler coordinates the circle lifecycle across the chain and the
// ledger. It owns no persistent state; every invocation re-derives its
// actions from the two stores.
type Reconciler struct {
	gateway        chain.Gateway
	store          LedgerStore
	payments       PaymentMirror
	guard          RunGuard // optional
	logger         *logging.Logger
	payDateBuffer  time.Duration
	driftTolerance time.Duration
	now            func() time.Time
}

// ReconcilerConfig bundles the reconciler's dependencies and tuning.
type ReconcilerConfig struct {
	Gateway        chain.Gateway
	Store          LedgerStore
	Payments       PaymentMirror
	Guard          RunGuard
	Logger         *logging.Logger
	PayDateBuffer  time.Duration
	DriftTolerance time.Duration
}

// NewReconciler creates a reconciler.
func NewReconciler(cfg *ReconcilerConfig) (*Reconciler, error) {
	if cfg.Gateway == nil {
		return nil, fmt.Errorf("chain gateway cannot be nil")
	}
	if cfg.Store == nil {
		return nil, fmt.Errorf("ledger store cannot be nil")
	}
	if cfg.Logger == nil {
		return nil, fmt.Errorf("logger cannot be nil")
	}

	payDateBuffer := cfg.PayDateBuffer
	if payDateBuffer == 0 {
		payDateBuffer = 5 * time.Minute
	}
	driftTolerance := cfg.DriftTolerance
	if driftTolerance == 0 {
		driftTolerance = time.Minute
	}

	return &Reconciler{
		gateway:        cfg.Gateway,
		store:          cfg.Store,
		payments:       cfg.Payments,
		guard:          cfg.Guard,
		logger:         cfg.Logger,
		payDateBuffer:  payDateBuffer,
		driftTolerance: driftTolerance,
		now:            time.Now,
	}, nil
}

// Run executes the selected jobs and returns the aggregate report. For
// the all selector, partial success is success: the run succeeds when
// at least one sub-job succeeded or at least one circle was processed.
func (r *Reconciler) Run(ctx context.Context, job Job) (*Report, error) {
	if r.guard != nil {
		if err := r.guard.Acquire(ctx); err != nil {
			return nil, err
		}
		defer func() {
			if err := r.guard.Release(ctx); err != nil {
				r.logger.WithError(err).Warn("Failed to release run lock")
			}
		}()
	}

	report := &Report{
		Jobs:      make(map[Job]*JobResult),
		Timestamp: r.now().UTC(),
	}

	if job == JobStartDate || job == JobAll {
		report.Jobs[JobStartDate] = r.CheckStartDate(ctx)
	}
	if job == JobPayDate || job == JobAll {
		report.Jobs[JobPayDate] = r.CheckPayDate(ctx)
	}

	processed := 0
	anySucceeded := false
	for _, res := range report.Jobs {
		processed += res.Processed
		if res.Success {
			anySucceeded = true
		}
	}
	report.Success = anySucceeded || processed > 0

	if r.guard != nil {
		if raw, err := json.Marshal(report); err == nil {
			if err := r.guard.StoreLastReport(ctx, raw); err != nil {
				r.logger.WithError(err).Warn("Failed to store run report")
			}
		}
	}

	return report, nil
}

// CheckStartDate transitions every pending circle whose start date has
// passed: commit a shuffled payout order on-chain, then mirror it into
// the ledger and flip started. The chain mutation always precedes the
// ledger mutation; a ledger failure after a confirmed chain commit is a
// critical divergence.
func (r *Reconciler) CheckStartDate(ctx context.Context) *JobResult {
	result := &JobResult{}

	circles, err := r.store.GetCircles(ctx)
	if err != nil {
		// Infrastructure failure: no per-circle recovery is meaningful.
		result.Error = fmt.Sprintf("ledger unreachable: %v", err)
		return result
	}

	now := r.now()
	for _, c := range circles {
		if c.Started || c.StartDate.After(now) {
			continue
		}

		log := r.logger.WithFields(map[string]interface{}{
			"circle": c.Slug,
			"job":    string(JobStartDate),
		})

		err := r.startCircle(ctx, c, log)
		switch {
		case err == nil:
			result.Processed++
		case errors.IsExpected(err):
			// Not fatal; retried on the next invocation.
			log.WithError(err).Info("Start transition skipped")
			result.Skipped++
		case errors.IsCriticalDivergence(err):
			log.WithField("category", string(errors.CategoryCriticalDivergence)).
				WithError(err).
				Error("Chain committed a payout order but the ledger write failed; manual reconciliation required")
			result.Failed++
		default:
			log.WithError(err).Error("Start transition failed")
			result.Failed++
		}
	}

	result.Success = result.Error == ""
	return result
}

// startCircle runs the start transition for one circle.
func (r *Reconciler) startCircle(ctx context.Context, c *models.Circle, log *logging.Logger) error {
	members, err := r.resolveMembers(ctx, c, log)
	if err != nil {
		return err
	}
	if len(members) == 0 {
		return errors.NewExpected(c.Slug, "GetMembers", errors.ErrNoOnChainMembers)
	}

	order := GenerateOrder(members)

	// The contract enforces the length match; validate before spending a
	// transaction on a certain revert.
	if len(order) != len(members) {
		return errors.NewCountMismatch(c.Slug, len(order), len(members))
	}

	receipt, err := r.gateway.SetPayoutOrder(ctx, c.BlockchainID, order)
	if err != nil {
		// No ledger mutation happened; the circle stays eligible and a
		// fresh order is generated on retry.
		if chain.IsOrderLengthRevert(err) {
			return errors.NewCountMismatch(c.Slug, len(order), len(members))
		}
		return errors.NewChainError(c.Slug, "SetPayoutOrder", err)
	}

	entries := make([]models.PayoutOrderEntry, len(order))
	for i, addr := range order {
		entries[i] = models.PayoutOrderEntry{
			AccountID:  hedera.ToAccountID(addr),
			EVMAddress: addr,
			PayDate:    c.PayDate.Add(time.Duration(i*c.CycleDays) * 24 * time.Hour),
			Paid:       false,
		}
	}

	if err := r.store.SetStartedWithPayoutOrder(ctx, c.ID, entries); err != nil {
		return errors.NewCriticalDivergence(c.Slug, "SetStartedWithPayoutOrder", err)
	}

	log.WithFields(map[string]interface{}{
		"members": len(order),
		"tx":      receipt.TxHash,
	}).Info("Circle started with committed payout order")
	return nil
}

// resolveMembers returns the member list the payout order is built
// over. The on-chain list is ground truth; the ledger's rows are only a
// fallback when the chain query itself fails, and then only when every
// row carries a usable address.
func (r *Reconciler) resolveMembers(ctx context.Context, c *models.Circle, log *logging.Logger) ([]string, error) {
	members, err := r.gateway.GetMembers(ctx, c.BlockchainID)
	if err == nil {
		if len(members) != len(c.Members) {
			// Observability signal, not an error: the chain list wins.
			log.WithFields(map[string]interface{}{
				"chainMembers":  len(members),
				"ledgerMembers": len(c.Members),
			}).Warn("Member count mismatch between chain and ledger; using chain list")
		}
		return members, nil
	}

	log.WithError(err).Warn("On-chain member query failed; falling back to ledger member rows")

	fallback := make([]string, 0, len(c.Members))
	for _, m := range c.Members {
		if m.EVMAddress == "" && m.AccountID == "" {
			return nil, errors.NewDataQuality(c.Slug, "GetMembers",
				fmt.Sprintf("member row %s has no address; refusing to start with an incomplete rotation", m.ID))
		}
		identity := m.EVMAddress
		if identity == "" {
			identity = m.AccountID
		}
		addr, convErr := hedera.ToEVMAddress(identity)
		if convErr != nil {
			return nil, errors.NewDataQuality(c.Slug, "GetMembers",
				fmt.Sprintf("member row %s has malformed address %q: %v", m.ID, identity, convErr))
		}
		fallback = append(fallback, addr)
	}
	return fallback, nil
}

// CheckPayDate detects due circles, triggers the contract's due-date
// processing, and propagates the resulting disbursement or refund back
// into the ledger. Circles are processed one at a time so one circle's
// revert cannot block the others.
func (r *Reconciler) CheckPayDate(ctx context.Context) *JobResult {
	result := &JobResult{}

	circles, err := r.store.GetCircles(ctx)
	if err != nil {
		result.Error = fmt.Sprintf("ledger unreachable: %v", err)
		return result
	}

	now := r.now()
	for _, c := range circles {
		// The buffer absorbs clock and confirmation skew between the
		// ledger and the chain's consensus time.
		if !c.Started || c.PayDate.After(now.Add(r.payDateBuffer)) {
			continue
		}

		log := r.logger.WithFields(map[string]interface{}{
			"circle": c.Slug,
			"job":    string(JobPayDate),
		})

		err := r.processDueCircle(ctx, c, log)
		switch {
		case err == nil:
			result.Processed++
		case stderrors.Is(err, errInconclusive):
			log.Info("Check produced no new payment entries; resynced, will re-verify next tick")
			result.Inconclusive++
		case errors.IsExpected(err):
			log.WithError(err).Info("Pay cycle skipped")
			result.Skipped++
		case errors.IsCriticalDivergence(err):
			log.WithField("category", string(errors.CategoryCriticalDivergence)).
				WithError(err).
				Error("Chain processed a pay cycle but the ledger write failed; manual reconciliation required")
			result.Failed++
		default:
			log.WithError(err).Error("Pay cycle processing failed")
			result.Failed++
		}
	}

	result.Success = result.Error == ""
	return result
}

// processDueCircle runs one circle's pay cycle.
func (r *Reconciler) processDueCircle(ctx context.Context, c *models.Circle, log *logging.Logger) error {
	state, err := r.gateway.GetCircle(ctx, c.BlockchainID)
	if err != nil {
		return errors.NewChainError(c.Slug, "GetCircle", err)
	}

	// Drift self-heal: the chain wins every reconciliation tie. Runs
	// before anything else so earlier partial failures converge even if
	// the rest of this cycle fails.
	if err := r.resyncDrift(ctx, c, state, log); err != nil {
		return err
	}

	now := r.now()
	if state.PayDate.After(now) {
		// The ledger cache was stale; do not force a transaction the
		// chain would reject.
		return errors.NewExpected(c.Slug, "CheckPayDate", errors.ErrPayDateNotReached)
	}

	// Captured before submission; chain timestamps have second
	// resolution, so lean a little early.
	cutoff := now.Add(-2 * time.Second)

	receipt, err := r.gateway.CheckPayDate(ctx, []uint64{c.BlockchainID})
	if err != nil {
		if stderrors.Is(err, errors.ErrPayDateNotReached) {
			return errors.NewExpected(c.Slug, "CheckPayDate", errors.ErrPayDateNotReached)
		}
		return errors.NewChainError(c.Slug, "CheckPayDate", err)
	}

	// The receipt does not enumerate effects; they are inferred from new
	// payment log entries. This is a heuristic carried over from the
	// contract's interface, not a guarantee.
	entries, err := r.gateway.GetPayments(ctx)
	if err != nil {
		return errors.NewCriticalDivergence(c.Slug, "GetPayments", err)
	}

	var fresh []chain.PaymentEntry
	for _, e := range entries {
		if e.CircleID == c.BlockchainID && e.Timestamp.After(cutoff) {
			fresh = append(fresh, e)
		}
	}

	if err := r.mirrorPayments(ctx, c, fresh); err != nil {
		return errors.NewCriticalDivergence(c.Slug, "MirrorPayments", err)
	}

	switch {
	case len(fresh) == 1:
		return r.recordDisbursement(ctx, c, fresh[0], receipt, log)
	case len(fresh) > 1:
		return r.recordRefunds(ctx, c, fresh, receipt, log)
	default:
		// The chain may have advanced without minting a log entry, or
		// the entry has not indexed yet. Resync and surface the state
		// explicitly instead of conflating it with success.
		if state, err := r.gateway.GetCircle(ctx, c.BlockchainID); err == nil {
			if err := r.resyncDrift(ctx, c, state, log); err != nil {
				return err
			}
		}
		return errInconclusive
	}
}

// resyncDrift overwrites the ledger's cached chain state when it has
// diverged materially from the chain's authoritative values.
func (r *Reconciler) resyncDrift(ctx context.Context, c *models.Circle, state *chain.CircleState, log *logging.Logger) error {
	drift := c.PayDate.Sub(state.PayDate)
	if drift < 0 {
		drift = -drift
	}
	if drift <= r.driftTolerance && c.Round == state.Round && c.Cycle == state.Cycle {
		return nil
	}

	if err := r.store.UpdateChainState(ctx, c.ID, state.PayDate, state.Round, state.Cycle); err != nil {
		return errors.NewLedgerError(c.Slug, "UpdateChainState", err)
	}

	log.WithFields(map[string]interface{}{
		"ledgerPayDate": c.PayDate.UTC().Format(time.RFC3339),
		"chainPayDate":  state.PayDate.UTC().Format(time.RFC3339),
		"drift":         drift.String(),
	}).Warn("Ledger state drifted from chain; corrected")

	c.PayDate = state.PayDate
	c.Round = state.Round
	c.Cycle = state.Cycle
	return nil
}

// mirrorPayments appends new chain payment entries to the ledger's
// payment log. Mirroring is idempotent on the chain payment id.
func (r *Reconciler) mirrorPayments(ctx context.Context, c *models.Circle, fresh []chain.PaymentEntry) error {
	if r.payments == nil {
		return nil
	}
	for _, e := range fresh {
		p := &models.Payment{
			CircleID:        c.ID,
			ChainPaymentID:  e.ID,
			ReceiverAccount: hedera.ToAccountID(e.Receiver),
			AmountTinybar:   e.AmountTinybar,
			PaidAt:          e.Timestamp,
		}
		if err := r.payments.Mirror(ctx, p); err != nil {
			return err
		}
	}
	return nil
}

// recordDisbursement writes the payout row and advances the cached
// chain state to the post-transaction values.
func (r *Reconciler) recordDisbursement(ctx context.Context, c *models.Circle, entry chain.PaymentEntry, receipt *chain.Receipt, log *logging.Logger) error {
	state, err := r.gateway.GetCircle(ctx, c.BlockchainID)
	if err != nil {
		return errors.NewCriticalDivergence(c.Slug, "GetCircle", err)
	}

	recipient := hedera.ToAccountID(entry.Receiver)
	err = r.store.RecordDisbursement(ctx, c.ID, recipient, entry.AmountTinybar,
		receipt.TxHash, entry.Timestamp, state.PayDate, state.Round, state.Cycle)
	if err != nil {
		return errors.NewCriticalDivergence(c.Slug, "RecordDisbursement", err)
	}

	log.WithFields(map[string]interface{}{
		"recipient":     recipient,
		"amountTinybar": entry.AmountTinybar,
		"tx":            receipt.TxHash,
	}).Info("Disbursement recorded")
	return nil
}

// recordRefunds writes one refund event for the circle as a whole and
// advances the cached chain state. Per-member refunds stay discoverable
// through the mirrored payment log.
func (r *Reconciler) recordRefunds(ctx context.Context, c *models.Circle, fresh []chain.PaymentEntry, receipt *chain.Receipt, log *logging.Logger) error {
	var total int64
	for _, e := range fresh {
		total += e.AmountTinybar
	}

	if err := r.store.RecordRefund(ctx, c.ID, total, receipt.TxHash, r.now()); err != nil {
		return errors.NewCriticalDivergence(c.Slug, "RecordRefund", err)
	}

	state, err := r.gateway.GetCircle(ctx, c.BlockchainID)
	if err != nil {
		return errors.NewCriticalDivergence(c.Slug, "GetCircle", err)
	}
	if err := r.store.UpdateChainState(ctx, c.ID, state.PayDate, state.Round, state.Cycle); err != nil {
		return errors.NewCriticalDivergence(c.Slug, "UpdateChainState", err)
	}

	log.WithFields(map[string]interface{}{
		"refunds":      len(fresh),
		"totalTinybar": total,
		"tx":           receipt.TxHash,
	}).Info("Refund cycle recorded")
	return nil
}
