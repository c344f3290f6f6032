package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

// GetWallet returns the wallet for a user, creating it on first reference.
func (s *Store) GetWallet(ctx context.Context, userID uuid.UUID) (Wallet, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Wallet{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	w, err := ensureWallet(ctx, tx, userID)
	if err != nil {
		return Wallet{}, err
	}
	if err := tx.Commit(ctx); err != nil {
		return Wallet{}, err
	}
	return w, nil
}

// CreditWallet adds amountCents to the user's available balance and appends a
// ledger entry, atomically. Returns the new balance.
func (s *Store) CreditWallet(ctx context.Context, userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	balance, err := creditTx(ctx, tx, userID, amountCents, refType, refID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// DebitWallet removes amountCents from the user's available balance. The
// balance check runs inside the same transaction as the mutation; on
// ErrInsufficientFunds nothing is written.
func (s *Store) DebitWallet(ctx context.Context, userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return 0, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	balance, err := debitTx(ctx, tx, userID, amountCents, refType, refID)
	if err != nil {
		return 0, err
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	return balance, nil
}

// ListLedger returns all ledger entries for a wallet in creation order.
func (s *Store) ListLedger(ctx context.Context, userID uuid.UUID) ([]LedgerEntry, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, user_id, amount_cents, direction, balance_after_cents,
			reference_type, reference_id, created_at
		FROM wallet_ledger
		WHERE user_id = $1
		ORDER BY id
	`, userID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var entries []LedgerEntry
	for rows.Next() {
		var e LedgerEntry
		if err := rows.Scan(&e.ID, &e.UserID, &e.AmountCents, &e.Direction, &e.BalanceAfterCents, &e.ReferenceType, &e.ReferenceID, &e.CreatedAt); err != nil {
			return nil, err
		}
		entries = append(entries, e)
	}
	return entries, rows.Err()
}

func ensureWallet(ctx context.Context, tx pgx.Tx, userID uuid.UUID) (Wallet, error) {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallets (user_id) VALUES ($1)
		ON CONFLICT (user_id) DO NOTHING
	`, userID)
	if err != nil {
		if isForeignKeyViolation(err) {
			return Wallet{}, ErrUserNotFound
		}
		return Wallet{}, err
	}

	var w Wallet
	err = tx.QueryRow(ctx, `
		SELECT user_id, available_cents, pending_cents, created_at, updated_at
		FROM wallets
		WHERE user_id = $1
		FOR UPDATE
	`, userID).Scan(&w.UserID, &w.AvailableCents, &w.PendingCents, &w.CreatedAt, &w.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Wallet{}, ErrUserNotFound
		}
		return Wallet{}, err
	}
	return w, nil
}

func creditTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	w, err := ensureWallet(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	balance := w.AvailableCents + amountCents
	if err := applyBalance(ctx, tx, userID, balance); err != nil {
		return 0, err
	}
	if err := insertLedgerEntry(ctx, tx, userID, amountCents, DirectionCredit, balance, refType, refID); err != nil {
		return 0, err
	}
	return balance, nil
}

func debitTx(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	w, err := ensureWallet(ctx, tx, userID)
	if err != nil {
		return 0, err
	}

	if w.AvailableCents < amountCents {
		return 0, ErrInsufficientFunds
	}

	balance := w.AvailableCents - amountCents
	if err := applyBalance(ctx, tx, userID, balance); err != nil {
		return 0, err
	}
	if err := insertLedgerEntry(ctx, tx, userID, amountCents, DirectionDebit, balance, refType, refID); err != nil {
		return 0, err
	}
	return balance, nil
}

func applyBalance(ctx context.Context, tx pgx.Tx, userID uuid.UUID, balance int64) error {
	_, err := tx.Exec(ctx, `
		UPDATE wallets SET available_cents = $1, updated_at = now() WHERE user_id = $2
	`, balance, userID)
	return err
}

func insertLedgerEntry(ctx context.Context, tx pgx.Tx, userID uuid.UUID, amountCents int64, direction string, balanceAfter int64, refType, refID string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO wallet_ledger (user_id, amount_cents, direction, balance_after_cents, reference_type, reference_id)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, userID, amountCents, direction, balanceAfter, refType, refID)
	return err
}
