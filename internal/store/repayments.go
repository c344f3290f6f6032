package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

func (s *Store) GetRepayment(ctx context.Context, id uuid.UUID) (Repayment, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, loan_id, sequence, due_date, base_cents, banking_fee_cents,
			platform_fee_cents, total_cents, amount_paid_cents, status, paid_at
		FROM repayments WHERE id = $1
	`, id)
	rp, err := scanRepayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Repayment{}, ErrNotFound
		}
		return Repayment{}, err
	}
	return rp, nil
}

func (s *Store) ListLoanRepayments(ctx context.Context, loanID uuid.UUID) ([]Repayment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, loan_id, sequence, due_date, base_cents, banking_fee_cents,
			platform_fee_cents, total_cents, amount_paid_cents, status, paid_at
		FROM repayments WHERE loan_id = $1 ORDER BY sequence
	`, loanID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Repayment
	for rows.Next() {
		rp, err := scanRepayment(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, rp)
	}
	return out, rows.Err()
}

// ListDueRepayments returns PENDING installments with a due date at or before
// now, with the loan parties the settlement path needs.
func (s *Store) ListDueRepayments(ctx context.Context, now time.Time) ([]DueRepayment, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT r.id, r.loan_id, r.sequence, r.due_date, r.base_cents, r.banking_fee_cents,
			r.platform_fee_cents, r.total_cents, r.amount_paid_cents, r.status, r.paid_at,
			l.borrower_id, l.lender_id
		FROM repayments r
		JOIN loans l ON l.id = r.loan_id
		WHERE r.status = $1 AND r.due_date <= $2
		ORDER BY r.due_date
	`, RepaymentPending, now)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []DueRepayment
	for rows.Next() {
		var d DueRepayment
		err := rows.Scan(&d.Repayment.ID, &d.Repayment.LoanID, &d.Repayment.Sequence,
			&d.Repayment.DueDate, &d.Repayment.BaseCents, &d.Repayment.BankingFeeCents,
			&d.Repayment.PlatformFeeCents, &d.Repayment.TotalCents, &d.Repayment.AmountPaidCents,
			&d.Repayment.Status, &d.Repayment.PaidAt, &d.BorrowerID, &d.LenderID)
		if err != nil {
			return nil, err
		}
		d.LoanID = d.Repayment.LoanID
		out = append(out, d)
	}
	return out, rows.Err()
}

// SettleRepayment marks one installment PAID and moves the balances, all in
// one transaction: optional borrower wallet debit of the full charge, lender
// credited the base, platform credited the fees (the platform-fee leg is
// omitted when zero), PAID flip, and the PAID_OFF check on the loan. The
// stored fee breakdown is charged verbatim, never recomputed.
func (s *Store) SettleRepayment(ctx context.Context, params SettleRepaymentParams) (SettlementResult, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return SettlementResult{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if params.EventID != "" {
		if err := recordEventTx(ctx, tx, params.EventID, params.EventType); err != nil {
			return SettlementResult{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		SELECT id, loan_id, sequence, due_date, base_cents, banking_fee_cents,
			platform_fee_cents, total_cents, amount_paid_cents, status, paid_at
		FROM repayments WHERE id = $1 FOR UPDATE
	`, params.RepaymentID)
	rp, err := scanRepayment(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return SettlementResult{}, ErrNotFound
		}
		return SettlementResult{}, err
	}
	if rp.Status != RepaymentPending {
		return SettlementResult{}, ErrStateConflict
	}

	ref := rp.ID.String()
	if params.FromWallet {
		if _, err := debitTx(ctx, tx, params.BorrowerID, params.AmountPaidCents, "repayment", ref); err != nil {
			return SettlementResult{}, err
		}
	}
	if _, err := creditTx(ctx, tx, params.LenderID, rp.BaseCents, "repayment", ref); err != nil {
		return SettlementResult{}, err
	}
	feeCents := rp.BankingFeeCents + rp.PlatformFeeCents
	if feeCents > 0 {
		if _, err := creditTx(ctx, tx, params.PlatformUserID, feeCents, "fees", ref); err != nil {
			return SettlementResult{}, err
		}
	}

	row = tx.QueryRow(ctx, `
		UPDATE repayments SET status = $2, amount_paid_cents = $3, paid_at = now()
		WHERE id = $1
		RETURNING id, loan_id, sequence, due_date, base_cents, banking_fee_cents,
			platform_fee_cents, total_cents, amount_paid_cents, status, paid_at
	`, rp.ID, RepaymentPaid, params.AmountPaidCents)
	rp, err = scanRepayment(row)
	if err != nil {
		return SettlementResult{}, err
	}

	var pending int
	err = tx.QueryRow(ctx, `
		SELECT COUNT(*) FROM repayments WHERE loan_id = $1 AND status = $2
	`, rp.LoanID, RepaymentPending).Scan(&pending)
	if err != nil {
		return SettlementResult{}, err
	}

	paidOff := pending == 0
	if paidOff {
		if _, err := tx.Exec(ctx, "UPDATE loans SET status = $2 WHERE id = $1", rp.LoanID, LoanPaidOff); err != nil {
			return SettlementResult{}, err
		}
	}

	if err := tx.Commit(ctx); err != nil {
		return SettlementResult{}, err
	}

	return SettlementResult{Repayment: rp, LoanID: rp.LoanID, LoanPaidOff: paidOff}, nil
}

// ReplaceSchedule rewrites a loan's installments in one transaction. Used by
// the recalculation tool. PAID rows are preserved unless touchPaid is set.
func (s *Store) ReplaceSchedule(ctx context.Context, loanID uuid.UUID, installments []RepaymentInput, touchPaid bool) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if _, err := lockLoanStatus(ctx, tx, loanID); err != nil {
		return err
	}

	paidSequences := map[int]bool{}
	if !touchPaid {
		rows, err := tx.Query(ctx, `
			SELECT sequence FROM repayments WHERE loan_id = $1 AND status = $2
		`, loanID, RepaymentPaid)
		if err != nil {
			return err
		}
		for rows.Next() {
			var seq int
			if err := rows.Scan(&seq); err != nil {
				rows.Close()
				return err
			}
			paidSequences[seq] = true
		}
		rows.Close()
		if err := rows.Err(); err != nil {
			return err
		}
	}

	if touchPaid {
		if _, err := tx.Exec(ctx, "DELETE FROM repayments WHERE loan_id = $1", loanID); err != nil {
			return err
		}
	} else {
		if _, err := tx.Exec(ctx, "DELETE FROM repayments WHERE loan_id = $1 AND status = $2", loanID, RepaymentPending); err != nil {
			return err
		}
	}

	for _, in := range installments {
		if paidSequences[in.Sequence] {
			continue
		}
		_, err := tx.Exec(ctx, `
			INSERT INTO repayments (id, loan_id, sequence, due_date, base_cents,
				banking_fee_cents, platform_fee_cents, total_cents)
			VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		`, uuid.New(), loanID, in.Sequence, in.DueDate, in.BaseCents,
			in.BankingFeeCents, in.PlatformFeeCents, in.TotalCents)
		if err != nil {
			return err
		}
	}

	return tx.Commit(ctx)
}

func scanRepayment(row pgx.Row) (Repayment, error) {
	var rp Repayment
	err := row.Scan(&rp.ID, &rp.LoanID, &rp.Sequence, &rp.DueDate, &rp.BaseCents,
		&rp.BankingFeeCents, &rp.PlatformFeeCents, &rp.TotalCents,
		&rp.AmountPaidCents, &rp.Status, &rp.PaidAt)
	return rp, err
}
