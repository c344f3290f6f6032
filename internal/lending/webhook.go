package lending

import (
	"context"
	"errors"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerfund.app/internal/gateway"
	"peerfund.app/internal/store"
)

// HandleGatewayEvent applies one verified webhook event. Every event id is
// recorded persistently inside the same transaction as its state change, so
// a redelivered event is a no-op and wallets are never double-credited.
// Errors discovered here have no caller to report to; they are logged and
// the loan is moved to FAILED where the event says so.
func (s *Service) HandleGatewayEvent(ctx context.Context, ev gateway.Event) error {
	switch ev.Type {
	case gateway.EventPaymentSucceeded:
		return s.settleFromEvent(ctx, ev)

	case gateway.EventPaymentProcessing:
		s.logger.Info("payment processing", zap.String("event_id", ev.ID))
		return nil

	case gateway.EventPaymentFailed:
		return s.failFromEvent(ctx, ev)

	case gateway.EventTransferCreated:
		return s.resolveFunding(ctx, ev, true)

	case gateway.EventTransferFailed:
		return s.resolveFunding(ctx, ev, false)

	case gateway.EventSetupIntentSucceeded:
		return s.attachCustomer(ctx, ev)

	case gateway.EventCheckoutSessionComplete:
		return s.recordSubscription(ctx, ev)

	default:
		s.logger.Warn("unhandled webhook event type", zap.String("type", ev.Type))
		return nil
	}
}

// settleFromEvent drives the same settlement sequence as an interactive
// payment, with the event id recorded in the settlement transaction. The
// borrower's wallet is not debited: the money arrived over bank rails.
func (s *Service) settleFromEvent(ctx context.Context, ev gateway.Event) error {
	repaymentID, err := uuid.Parse(ev.Metadata["repayment_id"])
	if err != nil {
		s.logger.Warn("payment event without repayment_id", zap.String("event_id", ev.ID))
		return nil
	}

	rp, err := s.store.GetRepayment(ctx, repaymentID)
	if err != nil {
		return err
	}
	loan, err := s.store.GetLoan(ctx, rp.LoanID)
	if err != nil {
		return err
	}

	amount := ev.AmountCents
	if amount == 0 {
		amount = rp.TotalCents
	}

	result, err := s.store.SettleRepayment(ctx, store.SettleRepaymentParams{
		RepaymentID:     repaymentID,
		BorrowerID:      loan.BorrowerID,
		LenderID:        loan.LenderID,
		PlatformUserID:  s.platformUserID,
		FromWallet:      false,
		AmountPaidCents: amount,
		EventID:         ev.ID,
		EventType:       ev.Type,
	})
	if err != nil {
		if errors.Is(err, store.ErrEventProcessed) {
			s.logger.Info("duplicate webhook delivery skipped", zap.String("event_id", ev.ID))
			return nil
		}
		if errors.Is(err, store.ErrStateConflict) {
			// Already settled interactively; the gateway still delivers
			// its success event for the charge.
			s.logger.Info("success event for settled repayment skipped",
				zap.String("repayment_id", repaymentID.String()), zap.String("event_id", ev.ID))
			return nil
		}
		return err
	}

	s.emitSettlementAudit(loan, result.Repayment)
	return nil
}

func (s *Service) failFromEvent(ctx context.Context, ev gateway.Event) error {
	if loanID, err := uuid.Parse(ev.Metadata["loan_id"]); err == nil {
		return s.resolveLoan(ctx, ev, loanID, false)
	}
	// A failed installment charge leaves the repayment PENDING; the
	// scheduler or the borrower will retry.
	s.logger.Warn("payment failed",
		zap.String("event_id", ev.ID),
		zap.String("repayment_id", ev.Metadata["repayment_id"]))
	return nil
}

func (s *Service) resolveFunding(ctx context.Context, ev gateway.Event, funded bool) error {
	loanID, err := uuid.Parse(ev.Metadata["loan_id"])
	if err != nil {
		s.logger.Warn("transfer event without loan_id", zap.String("event_id", ev.ID))
		return nil
	}
	return s.resolveLoan(ctx, ev, loanID, funded)
}

func (s *Service) resolveLoan(ctx context.Context, ev gateway.Event, loanID uuid.UUID, funded bool) error {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return err
	}

	disbursed := ev.AmountCents
	if disbursed == 0 {
		disbursed = loan.PrincipalCents - loan.PlatformFeeCents
	}

	resolved, err := s.store.ResolveLoanFunding(ctx, store.ResolveFundingParams{
		LoanID:         loanID,
		Funded:         funded,
		DisbursedCents: disbursed,
		EventID:        ev.ID,
		EventType:      ev.Type,
	})
	if err != nil {
		if errors.Is(err, store.ErrEventProcessed) {
			return nil
		}
		if errors.Is(err, store.ErrStateConflict) {
			// Loan already left PROCESSING; nothing for this event to do.
			s.logger.Info("funding event for non-processing loan skipped",
				zap.String("loan_id", loanID.String()), zap.String("event_id", ev.ID))
			return nil
		}
		return err
	}

	if funded {
		s.emitDisbursementAudit(resolved, resolved.PlatformFeeCents, resolved.DisbursedCents)
		s.logger.Info("loan funded via gateway", zap.String("loan_id", loanID.String()))
	} else {
		s.logger.Warn("loan funding failed", zap.String("loan_id", loanID.String()))
	}
	return nil
}

// attachCustomer stores the gateway customer id with the event id in one
// transaction. A failed attach leaves the event unrecorded, so redelivery
// retries it.
func (s *Service) attachCustomer(ctx context.Context, ev gateway.Event) error {
	userID, err := uuid.Parse(ev.Metadata["user_id"])
	if err != nil {
		s.logger.Warn("setup event without user_id", zap.String("event_id", ev.ID))
		return nil
	}
	err = s.store.AttachGatewayCustomer(ctx, userID, ev.Metadata["customer_id"], ev.ID, ev.Type)
	if errors.Is(err, store.ErrEventProcessed) {
		return nil
	}
	return err
}

func (s *Service) recordSubscription(ctx context.Context, ev gateway.Event) error {
	userID, err := uuid.Parse(ev.Metadata["user_id"])
	if err != nil {
		s.logger.Warn("checkout event without user_id", zap.String("event_id", ev.ID))
		return nil
	}
	err = s.store.RecordSubscriptionEvent(ctx, ev.ID, ev.Type, store.Transaction{
		Type:        store.TxnSubscription,
		FromUserID:  userID,
		ToUserID:    s.platformUserID,
		AmountCents: ev.AmountCents,
	})
	if errors.Is(err, store.ErrEventProcessed) {
		return nil
	}
	return err
}
