package store

import (
	"context"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// RecordTransaction writes a reporting row for a money movement between two
// parties. These rows are a display view; wallet_ledger is the source of
// truth for balances.
func (s *Store) RecordTransaction(ctx context.Context, t Transaction) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO transactions (id, type, from_user_id, to_user_id, amount_cents, loan_id, repayment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), t.Type, t.FromUserID, t.ToUserID, t.AmountCents, t.LoanID, t.RepaymentID)
	return err
}

// RecordFee writes a write-only fee audit row. Never read back for balance
// computation.
func (s *Store) RecordFee(ctx context.Context, f FeeRecord) error {
	_, err := s.pool.Exec(ctx, `
		INSERT INTO fees (id, type, amount_cents, loan_id, repayment_id)
		VALUES ($1, $2, $3, $4, $5)
	`, uuid.New(), f.Type, f.AmountCents, f.LoanID, f.RepaymentID)
	return err
}

func (s *Store) ListUserTransactions(ctx context.Context, userID uuid.UUID) ([]Transaction, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, type, from_user_id, to_user_id, amount_cents, loan_id, repayment_id, created_at
		FROM transactions
		WHERE from_user_id = $1 OR to_user_id = $1
		ORDER BY created_at DESC
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Transaction
	for rows.Next() {
		var t Transaction
		if err := rows.Scan(&t.ID, &t.Type, &t.FromUserID, &t.ToUserID, &t.AmountCents, &t.LoanID, &t.RepaymentID, &t.CreatedAt); err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

// RecordSubscriptionEvent writes the subscription transaction row and the
// webhook event id in one transaction. A duplicate event id returns
// ErrEventProcessed with no row written.
func (s *Store) RecordSubscriptionEvent(ctx context.Context, eventID, eventType string, t Transaction) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if err := recordEventTx(ctx, tx, eventID, eventType); err != nil {
		return err
	}
	_, err = tx.Exec(ctx, `
		INSERT INTO transactions (id, type, from_user_id, to_user_id, amount_cents, loan_id, repayment_id)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
	`, uuid.New(), t.Type, t.FromUserID, t.ToUserID, t.AmountCents, t.LoanID, t.RepaymentID)
	if err != nil {
		return err
	}
	return tx.Commit(ctx)
}

func recordEventTx(ctx context.Context, tx pgx.Tx, eventID, eventType string) error {
	tag, err := tx.Exec(ctx, `
		INSERT INTO webhook_events (event_id, event_type) VALUES ($1, $2)
		ON CONFLICT (event_id) DO NOTHING
	`, eventID, eventType)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrEventProcessed
	}
	return nil
}
