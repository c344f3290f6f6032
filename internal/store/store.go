// Package store is the pgx-backed persistence layer. Every multi-row
// lifecycle write runs inside one transaction so no intermediate state is
// observable by concurrent readers.
package store

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

type Store struct {
	pool *pgxpool.Pool
}

func New(pool *pgxpool.Pool) *Store {
	return &Store{pool: pool}
}

type CreateUserInput struct {
	Email        string
	Role         string
	IsSuperUser  bool
	LendingTerms []LendingTier
}

func (s *Store) CreateUser(ctx context.Context, input CreateUserInput) (User, error) {
	terms, err := json.Marshal(input.LendingTerms)
	if err != nil {
		return User{}, err
	}
	if input.LendingTerms == nil {
		terms = []byte("[]")
	}

	id := uuid.New()
	row := s.pool.QueryRow(ctx, `
		INSERT INTO users (id, email, role, is_super_user, lending_terms)
		VALUES ($1, $2, $3, $4, $5)
		RETURNING id, email, role, is_super_user, lending_terms,
			COALESCE(gateway_customer_id, ''), COALESCE(gateway_account_id, ''), created_at
	`, id, input.Email, input.Role, input.IsSuperUser, terms)

	u, err := scanUser(row)
	if err != nil {
		if isUniqueViolation(err) {
			return User{}, ErrUserExists
		}
		return User{}, err
	}
	return u, nil
}

func (s *Store) GetUser(ctx context.Context, id uuid.UUID) (User, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, email, role, is_super_user, lending_terms,
			COALESCE(gateway_customer_id, ''), COALESCE(gateway_account_id, ''), created_at
		FROM users
		WHERE id = $1
	`, id)

	u, err := scanUser(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return User{}, ErrUserNotFound
		}
		return User{}, err
	}
	return u, nil
}

func (s *Store) SetGatewayCustomer(ctx context.Context, userID uuid.UUID, customerID string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE users SET gateway_customer_id = $1 WHERE id = $2", customerID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

func (s *Store) SetGatewayAccount(ctx context.Context, userID uuid.UUID, accountID string) error {
	tag, err := s.pool.Exec(ctx, "UPDATE users SET gateway_account_id = $1 WHERE id = $2", accountID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return nil
}

// AttachGatewayCustomer stores the customer id and records the webhook event
// id in one transaction. A failed attach rolls back the event record, so a
// redelivered event retries it; a duplicate returns ErrEventProcessed.
func (s *Store) AttachGatewayCustomer(ctx context.Context, userID uuid.UUID, customerID, eventID, eventType string) error {
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
	tag, err := tx.Exec(ctx, "UPDATE users SET gateway_customer_id = $1 WHERE id = $2", customerID, userID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrUserNotFound
	}
	return tx.Commit(ctx)
}

func scanUser(row pgx.Row) (User, error) {
	var (
		u     User
		terms []byte
	)
	err := row.Scan(&u.ID, &u.Email, &u.Role, &u.IsSuperUser, &terms, &u.GatewayCustomerID, &u.GatewayAccountID, &u.CreatedAt)
	if err != nil {
		return User{}, err
	}
	if len(terms) > 0 {
		if err := json.Unmarshal(terms, &u.LendingTerms); err != nil {
			return User{}, err
		}
	}
	return u, nil
}

func isUniqueViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23505"
}

func isForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) {
		return false
	}
	return pgErr.Code == "23503"
}
