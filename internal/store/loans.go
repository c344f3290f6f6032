package store

import (
	"context"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
)

type CreateLoanRequestInput struct {
	BorrowerID     uuid.UUID
	AmountCents    int64
	DurationMonths int
	RateBps        int64
	Purpose        string
}

func (s *Store) CreateLoanRequest(ctx context.Context, input CreateLoanRequestInput) (LoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO loan_requests (id, borrower_id, amount_cents, duration_months, rate_bps, purpose)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING id, borrower_id, amount_cents, duration_months, rate_bps, purpose, status, created_at, updated_at
	`, uuid.New(), input.BorrowerID, input.AmountCents, input.DurationMonths, input.RateBps, input.Purpose)
	return scanLoanRequest(row)
}

type UpdateLoanRequestInput struct {
	ID             uuid.UUID
	AmountCents    int64
	DurationMonths int
	RateBps        int64
	Purpose        string
}

// UpdateLoanRequest edits a request's terms. Only OPEN requests may change.
func (s *Store) UpdateLoanRequest(ctx context.Context, input UpdateLoanRequestInput) (LoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		UPDATE loan_requests
		SET amount_cents = $2, duration_months = $3, rate_bps = $4, purpose = $5, updated_at = now()
		WHERE id = $1 AND status = $6
		RETURNING id, borrower_id, amount_cents, duration_months, rate_bps, purpose, status, created_at, updated_at
	`, input.ID, input.AmountCents, input.DurationMonths, input.RateBps, input.Purpose, RequestOpen)

	req, err := scanLoanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			if _, gerr := s.GetLoanRequest(ctx, input.ID); gerr == nil {
				return LoanRequest{}, ErrStateConflict
			}
			return LoanRequest{}, ErrNotFound
		}
		return LoanRequest{}, err
	}
	return req, nil
}

func (s *Store) GetLoanRequest(ctx context.Context, id uuid.UUID) (LoanRequest, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, borrower_id, amount_cents, duration_months, rate_bps, purpose, status, created_at, updated_at
		FROM loan_requests WHERE id = $1
	`, id)
	req, err := scanLoanRequest(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoanRequest{}, ErrNotFound
		}
		return LoanRequest{}, err
	}
	return req, nil
}

func (s *Store) ListOpenLoanRequests(ctx context.Context) ([]LoanRequest, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, borrower_id, amount_cents, duration_months, rate_bps, purpose, status, created_at, updated_at
		FROM loan_requests WHERE status = $1 ORDER BY created_at DESC
	`, RequestOpen)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []LoanRequest
	for rows.Next() {
		req, err := scanLoanRequest(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, req)
	}
	return out, rows.Err()
}

type CreateOfferInput struct {
	RequestID      uuid.UUID
	LenderID       uuid.UUID
	AmountCents    int64
	DurationMonths int
	RateBps        int64
	Message        string
}

func (s *Store) CreateOffer(ctx context.Context, input CreateOfferInput) (LoanOffer, error) {
	row := s.pool.QueryRow(ctx, `
		INSERT INTO loan_offers (id, request_id, lender_id, amount_cents, duration_months, rate_bps, message)
		VALUES ($1, $2, $3, $4, $5, $6, $7)
		RETURNING id, request_id, lender_id, amount_cents, duration_months, rate_bps, message, status, created_at
	`, uuid.New(), input.RequestID, input.LenderID, input.AmountCents, input.DurationMonths, input.RateBps, input.Message)
	return scanOffer(row)
}

func (s *Store) GetOffer(ctx context.Context, id uuid.UUID) (LoanOffer, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, request_id, lender_id, amount_cents, duration_months, rate_bps, message, status, created_at
		FROM loan_offers WHERE id = $1
	`, id)
	offer, err := scanOffer(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return LoanOffer{}, ErrNotFound
		}
		return LoanOffer{}, err
	}
	return offer, nil
}

// AcceptOffer applies the whole acceptance atomically: the offer flips to
// ACCEPTED, sibling OPEN offers to REJECTED, the request to CLOSED, and the
// loan with its full repayment schedule and contract document is created. A
// failure at any step rolls back every write.
func (s *Store) AcceptOffer(ctx context.Context, params AcceptOfferParams) (Loan, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Loan{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	var offer LoanOffer
	err = tx.QueryRow(ctx, `
		SELECT id, request_id, lender_id, amount_cents, duration_months, rate_bps, message, status, created_at
		FROM loan_offers WHERE id = $1 FOR UPDATE
	`, params.OfferID).Scan(&offer.ID, &offer.RequestID, &offer.LenderID, &offer.AmountCents,
		&offer.DurationMonths, &offer.RateBps, &offer.Message, &offer.Status, &offer.CreatedAt)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrNotFound
		}
		return Loan{}, err
	}
	if offer.Status != OfferOpen {
		return Loan{}, ErrStateConflict
	}

	var (
		borrowerID    uuid.UUID
		requestStatus string
	)
	err = tx.QueryRow(ctx, `
		SELECT borrower_id, status FROM loan_requests WHERE id = $1 FOR UPDATE
	`, offer.RequestID).Scan(&borrowerID, &requestStatus)
	if err != nil {
		return Loan{}, err
	}
	if requestStatus != RequestOpen {
		return Loan{}, ErrStateConflict
	}

	if _, err := tx.Exec(ctx, "UPDATE loan_offers SET status = $1 WHERE id = $2", OfferAccepted, offer.ID); err != nil {
		return Loan{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE loan_offers SET status = $1 WHERE request_id = $2 AND id <> $3 AND status = $4
	`, OfferRejected, offer.RequestID, offer.ID, OfferOpen); err != nil {
		return Loan{}, err
	}
	if _, err := tx.Exec(ctx, `
		UPDATE loan_requests SET status = $1, updated_at = now() WHERE id = $2
	`, RequestClosed, offer.RequestID); err != nil {
		return Loan{}, err
	}

	loan, err := insertLoan(ctx, tx, Loan{
		ID:             uuid.New(),
		RequestID:      &offer.RequestID,
		OfferID:        &offer.ID,
		BorrowerID:     borrowerID,
		LenderID:       offer.LenderID,
		PrincipalCents: offer.AmountCents,
		RateBps:        offer.RateBps,
		TermMonths:     offer.DurationMonths,
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

func (s *Store) GetLoan(ctx context.Context, id uuid.UUID) (Loan, error) {
	row := s.pool.QueryRow(ctx, `
		SELECT id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status, disbursed_cents,
			platform_fee_cents, COALESCE(gateway_transfer_id, ''), funded_at, created_at
		FROM loans WHERE id = $1
	`, id)
	loan, err := scanLoan(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return Loan{}, ErrNotFound
		}
		return Loan{}, err
	}
	return loan, nil
}

func (s *Store) ListLoansByIDs(ctx context.Context, ids []uuid.UUID) ([]Loan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status, disbursed_cents,
			platform_fee_cents, COALESCE(gateway_transfer_id, ''), funded_at, created_at
		FROM loans WHERE id = ANY($1) ORDER BY created_at
	`, ids)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLoans(rows)
}

func (s *Store) ListLoansFundedSince(ctx context.Context, since time.Time) ([]Loan, error) {
	rows, err := s.pool.Query(ctx, `
		SELECT id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status, disbursed_cents,
			platform_fee_cents, COALESCE(gateway_transfer_id, ''), funded_at, created_at
		FROM loans WHERE funded_at >= $1 ORDER BY funded_at
	`, since)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectLoans(rows)
}

func collectLoans(rows pgx.Rows) ([]Loan, error) {
	var out []Loan
	for rows.Next() {
		loan, err := scanLoan(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, loan)
	}
	return out, rows.Err()
}

// FundLoanFromWallet performs the internal disbursement: lender debited the
// principal, borrower credited the net amount, platform credited the fee, and
// the loan flipped to FUNDED, all in one transaction.
func (s *Store) FundLoanFromWallet(ctx context.Context, params FundFromWalletParams) (Loan, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Loan{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	status, err := lockLoanStatus(ctx, tx, params.LoanID)
	if err != nil {
		return Loan{}, err
	}
	if status != LoanAccepted {
		return Loan{}, ErrStateConflict
	}

	ref := params.LoanID.String()
	if _, err := debitTx(ctx, tx, params.LenderID, params.PrincipalCents, "disbursement", ref); err != nil {
		return Loan{}, err
	}
	if _, err := creditTx(ctx, tx, params.BorrowerID, params.NetCents, "disbursement", ref); err != nil {
		return Loan{}, err
	}
	if params.FeeCents > 0 {
		if _, err := creditTx(ctx, tx, params.PlatformUserID, params.FeeCents, "platform_fee", ref); err != nil {
			return Loan{}, err
		}
	}

	row := tx.QueryRow(ctx, `
		UPDATE loans
		SET status = $2, disbursed_cents = $3, platform_fee_cents = $4, funded_at = now()
		WHERE id = $1
		RETURNING id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status, disbursed_cents,
			platform_fee_cents, COALESCE(gateway_transfer_id, ''), funded_at, created_at
	`, params.LoanID, LoanFunded, params.NetCents, params.FeeCents)
	loan, err := scanLoan(row)
	if err != nil {
		return Loan{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

// MarkLoanProcessing moves an ACCEPTED loan to PROCESSING ahead of a gateway
// transfer. Only a webhook moves it out of PROCESSING.
func (s *Store) MarkLoanProcessing(ctx context.Context, loanID uuid.UUID, transferID string, feeCents int64) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loans SET status = $2, gateway_transfer_id = $3, platform_fee_cents = $4
		WHERE id = $1 AND status = $5
	`, loanID, LoanProcessing, transferID, feeCents, LoanAccepted)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrStateConflict
	}
	return nil
}

// SetLoanTransferID records the gateway transfer id on a PROCESSING loan.
func (s *Store) SetLoanTransferID(ctx context.Context, loanID uuid.UUID, transferID string) error {
	tag, err := s.pool.Exec(ctx, `
		UPDATE loans SET gateway_transfer_id = $2 WHERE id = $1
	`, loanID, transferID)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

// ResolveLoanFunding finalizes a PROCESSING loan from a gateway webhook,
// recording the event id in the same transaction so a redelivery is a no-op.
func (s *Store) ResolveLoanFunding(ctx context.Context, params ResolveFundingParams) (Loan, error) {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{})
	if err != nil {
		return Loan{}, err
	}
	defer func() {
		_ = tx.Rollback(ctx)
	}()

	if params.EventID != "" {
		if err := recordEventTx(ctx, tx, params.EventID, params.EventType); err != nil {
			return Loan{}, err
		}
	}

	status, err := lockLoanStatus(ctx, tx, params.LoanID)
	if err != nil {
		return Loan{}, err
	}
	if status != LoanProcessing {
		return Loan{}, ErrStateConflict
	}

	next := LoanFailed
	if params.Funded {
		next = LoanFunded
	}

	row := tx.QueryRow(ctx, `
		UPDATE loans
		SET status = $2,
			disbursed_cents = CASE WHEN $3 THEN $4 ELSE disbursed_cents END,
			funded_at = CASE WHEN $3 THEN now() ELSE funded_at END
		WHERE id = $1
		RETURNING id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status, disbursed_cents,
			platform_fee_cents, COALESCE(gateway_transfer_id, ''), funded_at, created_at
	`, params.LoanID, next, params.Funded, params.DisbursedCents)
	loan, err := scanLoan(row)
	if err != nil {
		return Loan{}, err
	}

	if err := tx.Commit(ctx); err != nil {
		return Loan{}, err
	}
	return loan, nil
}

func lockLoanStatus(ctx context.Context, tx pgx.Tx, loanID uuid.UUID) (string, error) {
	var status string
	err := tx.QueryRow(ctx, "SELECT status FROM loans WHERE id = $1 FOR UPDATE", loanID).Scan(&status)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", ErrNotFound
		}
		return "", err
	}
	return status, nil
}

func insertLoan(ctx context.Context, tx pgx.Tx, loan Loan) (Loan, error) {
	row := tx.QueryRow(ctx, `
		INSERT INTO loans (id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING id, request_id, offer_id, direct_request_id, borrower_id, lender_id,
			principal_cents, rate_bps, term_months, status, disbursed_cents,
			platform_fee_cents, COALESCE(gateway_transfer_id, ''), funded_at, created_at
	`, loan.ID, loan.RequestID, loan.OfferID, loan.DirectRequestID, loan.BorrowerID, loan.LenderID,
		loan.PrincipalCents, loan.RateBps, loan.TermMonths, LoanAccepted)
	return scanLoan(row)
}

func insertSchedule(ctx context.Context, tx pgx.Tx, loanID uuid.UUID, installments []RepaymentInput) error {
	for _, in := range installments {
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
	return nil
}

func insertDocument(ctx context.Context, tx pgx.Tx, loanID uuid.UUID, kind, content string) error {
	_, err := tx.Exec(ctx, `
		INSERT INTO documents (id, loan_id, kind, content) VALUES ($1, $2, $3, $4)
	`, uuid.New(), loanID, kind, content)
	return err
}

func scanLoanRequest(row pgx.Row) (LoanRequest, error) {
	var req LoanRequest
	err := row.Scan(&req.ID, &req.BorrowerID, &req.AmountCents, &req.DurationMonths,
		&req.RateBps, &req.Purpose, &req.Status, &req.CreatedAt, &req.UpdatedAt)
	return req, err
}

func scanOffer(row pgx.Row) (LoanOffer, error) {
	var o LoanOffer
	err := row.Scan(&o.ID, &o.RequestID, &o.LenderID, &o.AmountCents,
		&o.DurationMonths, &o.RateBps, &o.Message, &o.Status, &o.CreatedAt)
	return o, err
}

func scanLoan(row pgx.Row) (Loan, error) {
	var l Loan
	err := row.Scan(&l.ID, &l.RequestID, &l.OfferID, &l.DirectRequestID, &l.BorrowerID, &l.LenderID,
		&l.PrincipalCents, &l.RateBps, &l.TermMonths, &l.Status, &l.DisbursedCents,
		&l.PlatformFeeCents, &l.GatewayTransferID, &l.FundedAt, &l.CreatedAt)
	return l, err
}
