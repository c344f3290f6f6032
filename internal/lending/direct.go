package lending

import (
	"context"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerfund.app/internal/fees"
	"peerfund.app/internal/store"
)

// DirectInput is a proposed or countered set of direct-negotiation terms.
// APRBps nil means "snap to the lender's configured rate for the amount".
type DirectInput struct {
	AmountCents int64
	Months      int
	APRBps      *int64
}

// CreateDirectRequest opens a borrower-initiated, lender-targeted negotiation
// that bypasses the open marketplace. Terms are validated against the
// lender's tier rate table.
func (s *Service) CreateDirectRequest(ctx context.Context, borrowerID, lenderID uuid.UUID, input DirectInput) (store.DirectLoanRequest, error) {
	if borrowerID == lenderID {
		return store.DirectLoanRequest{}, validationf("cannot request a loan from yourself")
	}
	lender, err := s.store.GetUser(ctx, lenderID)
	if err != nil {
		return store.DirectLoanRequest{}, err
	}
	aprBps, err := resolveTierRate(lender.LendingTerms, input)
	if err != nil {
		return store.DirectLoanRequest{}, err
	}
	return s.store.CreateDirectRequest(ctx, store.CreateDirectRequestInput{
		BorrowerID:  borrowerID,
		LenderID:    lenderID,
		AmountCents: input.AmountCents,
		Months:      input.Months,
		APRBps:      aprBps,
	})
}

// CounterDirectRequest mutates the terms of a PENDING negotiation. Either
// party may counter; the proposal is re-validated against the lender's
// current rate table each time.
func (s *Service) CounterDirectRequest(ctx context.Context, actorID, requestID uuid.UUID, input DirectInput) (store.DirectLoanRequest, error) {
	req, err := s.store.GetDirectRequest(ctx, requestID)
	if err != nil {
		return store.DirectLoanRequest{}, err
	}
	if actorID != req.BorrowerID && actorID != req.LenderID {
		return store.DirectLoanRequest{}, ErrForbidden
	}
	if req.Status != store.DirectPending {
		return store.DirectLoanRequest{}, store.ErrStateConflict
	}

	lender, err := s.store.GetUser(ctx, req.LenderID)
	if err != nil {
		return store.DirectLoanRequest{}, err
	}
	aprBps, err := resolveTierRate(lender.LendingTerms, input)
	if err != nil {
		return store.DirectLoanRequest{}, err
	}
	return s.store.CounterDirectRequest(ctx, requestID, input.AmountCents, input.Months, aprBps)
}

// ApproveDirectRequest turns a PENDING negotiation into a loan with its full
// schedule, atomically. Only the targeted lender may approve.
func (s *Service) ApproveDirectRequest(ctx context.Context, lenderID, requestID uuid.UUID) (store.Loan, error) {
	req, err := s.store.GetDirectRequest(ctx, requestID)
	if err != nil {
		return store.Loan{}, err
	}
	if req.LenderID != lenderID {
		return store.Loan{}, ErrForbidden
	}
	if req.Status != store.DirectPending {
		return store.Loan{}, store.ErrStateConflict
	}

	borrower, err := s.store.GetUser(ctx, req.BorrowerID)
	if err != nil {
		return store.Loan{}, err
	}
	installments, err := s.buildSchedule(req.AmountCents, req.APRBps, req.Months, borrower.IsSuperUser)
	if err != nil {
		return store.Loan{}, err
	}

	loan, err := s.store.ApproveDirectRequest(ctx, store.ApproveDirectParams{
		DirectRequestID: requestID,
		Installments:    installments,
		Contract:        contractText(req.AmountCents, req.APRBps, req.Months),
	})
	if err != nil {
		return store.Loan{}, err
	}

	s.logger.Info("direct request approved",
		zap.String("loan_id", loan.ID.String()),
		zap.String("direct_request_id", requestID.String()))
	return loan, nil
}

func (s *Service) DeclineDirectRequest(ctx context.Context, lenderID, requestID uuid.UUID) (store.DirectLoanRequest, error) {
	req, err := s.store.GetDirectRequest(ctx, requestID)
	if err != nil {
		return store.DirectLoanRequest{}, err
	}
	if req.LenderID != lenderID {
		return store.DirectLoanRequest{}, ErrForbidden
	}
	return s.store.DeclineDirectRequest(ctx, requestID)
}

// resolveTierRate validates a proposal against the lender's tier rate table.
// An explicit APR must match the tier's configured rate; a missing APR snaps
// to it.
func resolveTierRate(tiers []store.LendingTier, input DirectInput) (int64, error) {
	if input.AmountCents <= 0 {
		return 0, validationf("amount must be positive")
	}
	if input.Months < 1 {
		return 0, validationf("duration must be at least one month")
	}

	tier, ok := findTier(tiers, input.AmountCents)
	if !ok {
		return 0, validationf("lender does not lend at this amount; allowed tiers: %s", tierSummary(tiers))
	}
	if input.APRBps == nil {
		return tier.APRBps, nil
	}
	if *input.APRBps != tier.APRBps {
		return 0, validationf("lender's rate for this amount is %d bps", tier.APRBps)
	}
	return tier.APRBps, nil
}

// findTier picks the smallest enabled tier whose ceiling covers the amount.
func findTier(tiers []store.LendingTier, amountCents int64) (store.LendingTier, bool) {
	var (
		best  store.LendingTier
		found bool
	)
	for _, t := range tiers {
		if !t.Enabled || amountCents > t.MaxAmountCents {
			continue
		}
		if !found || t.MaxAmountCents < best.MaxAmountCents {
			best = t
			found = true
		}
	}
	return best, found
}

func tierSummary(tiers []store.LendingTier) string {
	out := ""
	for _, t := range tiers {
		if !t.Enabled {
			continue
		}
		if out != "" {
			out += ", "
		}
		out += "up to $" + fees.FromCents(t.MaxAmountCents).StringFixed(2)
	}
	if out == "" {
		return "none"
	}
	return out
}
