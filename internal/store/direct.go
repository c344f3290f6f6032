package store

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type CreateDirectRequestInput struct {
	BorrowerID  uuid.UUID
	LenderID    uuid.UUID
	AmountCents int64
	Months      int
	APRBps      int64
}

func (s *Store) CreateDirectRequest(ctx context.Context, input CreateDirectRequestInput) (DirectLoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO direct_loan_requests (id, borrower_id, lender_id, amount_cents, months, apr_bps)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, borrower_id, lender_id, amount_cents, months, apr_bps, status, created_at, updated_at
	`, uuid.New(), input.BorrowerID, input.LenderID, input.AmountCents, input.Months, input.APRBps)
	return scanDirectRequest(row)
}

func (s *Store) GetDirectRequest(ctx context.Context, id uuid.UUID) (DirectLoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, borrower_id, lender_id, amount_cents, months, apr_bps, status, created_at, updated_at
		FROM direct_loan_requests WHERE id = $1
	`, id)
	req, err := scanDirectRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return DirectLoanRequest{}, ErrNotFound
		}
		return DirectLoanRequest{}, err
	}
	return req, nil
}

// CounterDirectRequest mutates the terms of a PENDING negotiation. The row
// stays PENDING so either side may counter again.
func (s *Store) CounterDirectRequest(ctx context.Context, id uuid.UUID, amountCents int64, months int, aprBps int64) (DirectLoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE direct_loan_requests
		SET amount_cents = $2, months = $3, apr_bps = $4, updated_at = now()
		WHERE id = $1 AND status = $5
		RETURNING id, borrower_id, lender_id, amount_cents, months, apr_bps, status, created_at, updated_at
	`, id, amountCents, months, aprBps, DirectPending)

	req, err := scanDirectRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetDirectRequest(ctx, id); gerr == nil {
				return DirectLoanRequest{}, ErrStateConflict
			}
			return DirectLoanRequest{}, ErrNotFound
		}
		return DirectLoanRequest{}, err
	}
	return req, nil
}

func (s *Store) DeclineDirectRequest(ctx context.Context, id uuid.UUID) (DirectLoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE direct_loan_requests SET status = $2, updated_at = now()
		WHERE id = $1 AND status = $3
		RETURNING id, borrower_id, lender_id, amount_cents, months, apr_bps, status, created_at, updated_at
	`, id, DirectDeclined, DirectPending)

	req, err := scanDirectRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetDirectRequest(ctx, id); gerr == nil {
				return DirectLoanRequest{}, ErrStateConflict
			}
			return DirectLoanRequest{}, ErrNotFound
		}
		return DirectLoanRequest{}, err
	}
	return req, nil
}

// ApproveDirectRequest flips a PENDING negotiation to APPROVED and creates
// the loan with its schedule and contract document atomically, mirroring
// offer acceptance.
func (s *Store) ApproveDirectRequest(ctx context.Context, params ApproveDirectParams) (Loan, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Loan{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var req DirectLoanRequest
	err = tx.QueryRow(ctx, `
		SELECT id, borrower_id, lender_id, amount_cents, months, apr_bps, status, created_at, updated_at
		FROM direct_loan_requests WHERE id = $1 FOR UPDATE
	`, params.DirectRequestID).Scan(&req.ID, &req.BorrowerID, &req.LenderID, &req.AmountCents,
		&req.Months, &req.APRBps, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrNotFound
		}
		return Loan{}, err
	}
	if req.Status != DirectPending {
		return Loan{}, ErrStateConflict
	}

	if _, err := tx.Exec(ctx, `
		UPDATE direct_loan_requests SET status = $2, updated_at = now() WHERE id = $1
	`, req.ID, DirectApproved); err != nil {
		return Loan{}, err
	}

	loan, err := insertLoan(ctx, tx, Loan{
		ID:              uuid.New(),
		DirectRequestID: &req.ID,
		BorrowerID:      req.BorrowerID,
		LenderID:        req.LenderID,
		PrincipalCents:  req.AmountCents,
		RateBps:         req.APRBps,
		TermMonths:      req.Months,
	})
	if err != nil {
		return Loan{}, err
	}

	if err := insertSchedule(ctx, tx, loan.ID, params.Installments); err != nil {
		return Loan{}, err
	}
	if err := insertDocument(ctx, tx, loan.ID, "contract", params.Contract); err != nil {
		return Loan{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

func scanDirectRequest(row pgx.Row) (DirectLoanRequest, error) {
	var req DirectLoanRequest
	err := row.Scan(&req.ID, &req.BorrowerID, &req.LenderID, &req.AmountCents,
		&req.Months, &req.APRBps, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	return req, err
}
