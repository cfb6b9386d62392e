package storage

import (
	"context"
	"fmt"

	"github.com/google/uuid"

	"github.com/circlepool/circlepool/internal/models"
)

// PaymentRepository handles the mirrored on-chain payment log
type PaymentRepository struct {
	db *PostgresDB
}

// NewPaymentRepository creates a new payment repository
func NewPaymentRepository(db *PostgresDB) *PaymentRepository {
	return &PaymentRepository{db: db}
}

// Mirror inserts a chain payment entry, ignoring rows already mirrored.
// chain_payment_id is unique, so re-mirroring after a partial failure is
// idempotent.
func (r *PaymentRepository) Mirror(ctx context.Context, p *models.Payment) error {
	if p.ID == "" {
		p.ID = uuid.New().String()
	}

	_, err := r.db.Pool().Exec(ctx, `
		INSERT INTO payments (id, circle_id, chain_payment_id, receiver_account, amount_tinybar, tx_ref, paid_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		ON CONFLICT (chain_payment_id) DO NOTHING
	`, p.ID, p.CircleID, p.ChainPaymentID, p.ReceiverAccount, p.AmountTinybar, p.TxRef, p.PaidAt)
	if err != nil {
		return fmt.Errorf("failed to mirror payment: %w", err)
	}
	return nil
}

// ListByCircle returns mirrored payment rows for a circle, newest first.
func (r *PaymentRepository) ListByCircle(ctx context.Context, circleID string, limit int) ([]*models.Payment, error) {
	rows, err := r.db.Pool().Query(ctx, `
		SELECT id, circle_id, chain_payment_id, receiver_account, amount_tinybar, tx_ref, paid_at
		FROM payments
		WHERE circle_id = $1
		ORDER BY paid_at DESC
		LIMIT $2
	`, circleID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list payments: %w", err)
	}
	defer rows.Close()

	var payments []*models.Payment
	for rows.Next() {
		var p models.Payment
		if err := rows.Scan(&p.ID, &p.CircleID, &p.ChainPaymentID, &p.ReceiverAccount, &p.AmountTinybar, &p.TxRef, &p.PaidAt); err != nil {
			return nil, fmt.Errorf("failed to scan payment: %w", err)
		}
		payments = append(payments, &p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("error iterating payments: %w", err)
	}
	return payments, nil
}
