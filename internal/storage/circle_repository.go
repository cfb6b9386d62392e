package storage

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"

	"github.com/circlepool/circlepool/internal/models"
)

// ErrCircleNotFound is returned when a lookup matches no circle row.
var ErrCircleNotFound = errors.New("circle not found")

// CircleRepository handles circle and payout persistence
type CircleRepository struct {
	db *PostgresDB
}

// NewCircleRepository creates a new circle repository
func NewCircleRepository(db *PostgresDB) *CircleRepository {
	return &CircleRepository{db: db}
}

const circleColumns = `id, slug, blockchain_id, name, start_date, pay_date, cycle_days,
	amount_tinybar, left_percent, interest_percent, started, round, cycle,
	payout_order, created_at, updated_at`

// GetCircles retrieves all circles with their member rows.
func (r *CircleRepository) GetCircles(ctx context.Context) ([]*models.Circle, error) {
	query := fmt.Sprintf(`SELECT %s FROM circles ORDER BY created_at`, circleColumns)

	rows, err := r.db.Pool().Query(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("failed to list circles: %w", err)
	}
	defer rows.Close()

	var circles []*models.Circle
	byID := make(map[string]*models.Circle)
	for rows.Next() {
		circle, err := scanCircle(rows)
		if err != nil {
			return nil, err
		}
		circles = append(circles, circle)
		byID[circle.ID] = circle
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circles: %w", err)
	}

	memberRows, err := r.db.Pool().Query(ctx, `
		SELECT id, circle_id, account_id, COALESCE(evm_address, ''), pay_date, paid, created_at
		FROM circle_members
		ORDER BY created_at
	`)
	if err != nil {
		return nil, fmt.Errorf("failed to list circle members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var m models.CircleMember
		var payDate *time.Time
		if err := memberRows.Scan(&m.ID, &m.CircleID, &m.AccountID, &m.EVMAddress, &payDate, &m.Paid, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan circle member: %w", err)
		}
		if payDate != nil {
			m.PayDate = *payDate
		}
		if circle, ok := byID[m.CircleID]; ok {
			circle.Members = append(circle.Members, m)
		}
	}
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circle members: %w", err)
	}

	return circles, nil
}

// GetBySlug retrieves one circle with its member rows.
func (r *CircleRepository) GetBySlug(ctx context.Context, slug string) (*models.Circle, error) {
	query := fmt.Sprintf(`SELECT %s FROM circles WHERE slug = $1`, circleColumns)

	rows, err := r.db.Pool().Query(ctx, query, slug)
	if err != nil {
		return nil, fmt.Errorf("failed to get circle: %w", err)
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, fmt.Errorf("failed to get circle: %w", err)
		}
		return nil, fmt.Errorf("%w: %s", ErrCircleNotFound, slug)
	}
	circle, err := scanCircle(rows)
	if err != nil {
		return nil, err
	}
	rows.Close()

	memberRows, err := r.db.Pool().Query(ctx, `
		SELECT id, circle_id, account_id, COALESCE(evm_address, ''), pay_date, paid, created_at
		FROM circle_members
		WHERE circle_id = $1
		ORDER BY created_at
	`, circle.ID)
	if err != nil {
		return nil, fmt.Errorf("failed to list circle members: %w", err)
	}
	defer memberRows.Close()

	for memberRows.Next() {
		var m models.CircleMember
		var payDate *time.Time
		if err := memberRows.Scan(&m.ID, &m.CircleID, &m.AccountID, &m.EVMAddress, &payDate, &m.Paid, &m.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan circle member: %w", err)
		}
		if payDate != nil {
			m.PayDate = *payDate
		}
		circle.Members = append(circle.Members, m)
	}
	if err := memberRows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating circle members: %w", err)
	}

	return circle, nil
}

// SetStartedWithPayoutOrder flips started and stores the committed
// rotation in one statement. Called only after the on-chain commit
// confirmed.
func (r *CircleRepository) SetStartedWithPayoutOrder(ctx context.Context, circleID string, order []models.PayoutOrderEntry) error {
	orderJSON, err := json.Marshal(order)
	if err != nil {
		return fmt.Errorf("failed to marshal payout order: %w", err)
	}

	result, err := r.db.Pool().Exec(ctx, `
		UPDATE circles
		SET started = TRUE, payout_order = $2, updated_at = $3
		WHERE id = $1
	`, circleID, orderJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to start circle: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCircleNotFound, circleID)
	}
	return nil
}

// UpdateChainState overwrites the cached pay date and progress counters
// with the chain's authoritative values. Drift correction path.
func (r *CircleRepository) UpdateChainState(ctx context.Context, circleID string, payDate time.Time, round, cycle uint64) error {
	result, err := r.db.Pool().Exec(ctx, `
		UPDATE circles
		SET pay_date = $2, round = $3, cycle = $4, updated_at = $5
		WHERE id = $1
	`, circleID, payDate, round, cycle, time.Now())
	if err != nil {
		return fmt.Errorf("failed to update circle chain state: %w", err)
	}
	if result.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", ErrCircleNotFound, circleID)
	}
	return nil
}

// RecordDisbursement appends a disbursement payout row, marks the
// recipient's rotation slot paid, and advances the cached chain state,
// all in one transaction.
func (r *CircleRepository) RecordDisbursement(ctx context.Context, circleID, recipientAccount string, amountTinybar int64, txRef string, paidAt time.Time, payDate time.Time, round, cycle uint64) error {
	tx, err := r.db.Pool().Begin(ctx)
	if err != nil {
		return fmt.Errorf("failed to begin transaction: %w", err)
	}
	defer tx.Rollback(ctx) //nolint:errcheck

	_, err = tx.Exec(ctx, `
		INSERT INTO payouts (id, circle_id, recipient_account, amount_tinybar, tx_ref, kind, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New().String(), circleID, recipientAccount, amountTinybar, txRef, models.PayoutDisbursement, paidAt)
	if err != nil {
		return fmt.Errorf("failed to insert payout: %w", err)
	}

	var orderJSON []byte
	err = tx.QueryRow(ctx, `SELECT payout_order FROM circles WHERE id = $1 FOR UPDATE`, circleID).Scan(&orderJSON)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return fmt.Errorf("%w: %s", ErrCircleNotFound, circleID)
		}
		return fmt.Errorf("failed to load payout order: %w", err)
	}

	if len(orderJSON) > 0 {
		var order []models.PayoutOrderEntry
		if err := json.Unmarshal(orderJSON, &order); err != nil {
			return fmt.Errorf("failed to unmarshal payout order: %w", err)
		}
		for i := range order {
			if order[i].AccountID == recipientAccount && !order[i].Paid {
				order[i].Paid = true
				break
			}
		}
		orderJSON, err = json.Marshal(order)
		if err != nil {
			return fmt.Errorf("failed to marshal payout order: %w", err)
		}
	}

	_, err = tx.Exec(ctx, `
		UPDATE circles
		SET pay_date = $2, round = $3, cycle = $4, payout_order = $5, updated_at = $6
		WHERE id = $1
	`, circleID, payDate, round, cycle, orderJSON, time.Now())
	if err != nil {
		return fmt.Errorf("failed to advance circle state: %w", err)
	}

	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("failed to commit disbursement: %w", err)
	}
	return nil
}

// RecordRefund appends one refund payout row representing the refund
// event for the circle as a whole. Individual member refunds remain
// discoverable from the mirrored payment log.
func (r *CircleRepository) RecordRefund(ctx context.Context, circleID string, amountTinybar int64, txRef string, paidAt time.Time) error {
	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO payouts (id, circle_id, recipient_account, amount_tinybar, tx_ref, kind, paid_at)
		VALUES ($1, $2, '', $3, $4, $5, $6)
	`, uuid.New().String(), circleID, amountTinybar, txRef, models.PayoutRefund, paidAt)
	if err != nil {
		return fmt.Errorf("failed to insert refund: %w", err)
	}
	return nil
}

// ListPayouts returns payout rows for a circle, newest first.
func (r *CircleRepository) ListPayouts(ctx context.Context, circleID string, limit int) ([]*models.Payout, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, circle_id, recipient_account, amount_tinybar, tx_ref, kind, paid_at
		FROM payouts
		WHERE circle_id = $1
		ORDER BY paid_at DESC
		LIMIT $2
	`, circleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payouts: %w", err)
	}
	defer rows.Close()

	var payouts []*models.Payout
	for rows.Next() {
		var p models.Payout
		if err := rows.Scan(&p.ID, &p.CircleID, &p.RecipientAccount, &p.AmountTinybar, &p.TxRef, &p.Kind, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payout: %w", err)
		}
		payouts = append(payouts, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payouts: %w", err)
	}
	return payouts, nil
}

func scanCircle(rows pgx.Rows) (*models.Circle, error) {
	var c models.Circle
	var orderJSON []byte

	err := rows.Scan(
		&c.ID,
		&c.Slug,
		&c.BlockchainID,
		&c.Name,
		&c.StartDate,
		&c.PayDate,
		&c.CycleDays,
		&c.AmountTinybar,
		&c.LeftPercent,
		&c.InterestPercent,
		&c.Started,
		&c.Round,
		&c.Cycle,
		&orderJSON,
		&c.CreatedAt,
		&c.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to scan circle: %w", err)
	}

	if len(orderJSON) > 0 {
		if err := json.Unmarshal(orderJSON, &c.PayoutOrder); err != nil {
			return nil, fmt.Errorf("failed to unmarshal payout order: %w", err)
		}
	}

	return &c, nil
}
