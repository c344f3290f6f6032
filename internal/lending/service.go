// Package lending is the loan lifecycle state machine. It validates and
// authorizes lifecycle calls, computes fees and schedules, and drives money
// movement through the wallet ledger and the payment gateway. It depends on
// the Store interface so tests can substitute an in-memory fake.
package lending

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerfund.app/internal/audit"
	"peerfund.app/internal/fees"
	"peerfund.app/internal/gateway"
	"peerfund.app/internal/schedule"
	"peerfund.app/internal/store"
)

// Store is the persistence contract the state machine needs. *store.Store
// implements it against Postgres.
type Store interface {
	GetUser(ctx context.Context, id uuid.UUID) (store.User, error)
	AttachGatewayCustomer(ctx context.Context, userID uuid.UUID, customerID, eventID, eventType string) error
	RecordSubscriptionEvent(ctx context.Context, eventID, eventType string, txn store.Transaction) error

	CreateLoanRequest(ctx context.Context, input store.CreateLoanRequestInput) (store.LoanRequest, error)
	UpdateLoanRequest(ctx context.Context, input store.UpdateLoanRequestInput) (store.LoanRequest, error)
	GetLoanRequest(ctx context.Context, id uuid.UUID) (store.LoanRequest, error)
	CreateOffer(ctx context.Context, input store.CreateOfferInput) (store.LoanOffer, error)
	GetOffer(ctx context.Context, id uuid.UUID) (store.LoanOffer, error)
	AcceptOffer(ctx context.Context, params store.AcceptOfferParams) (store.Loan, error)

	GetLoan(ctx context.Context, id uuid.UUID) (store.Loan, error)
	FundLoanFromWallet(ctx context.Context, params store.FundFromWalletParams) (store.Loan, error)
	MarkLoanProcessing(ctx context.Context, loanID uuid.UUID, transferID string, feeCents int64) error
	SetLoanTransferID(ctx context.Context, loanID uuid.UUID, transferID string) error
	ResolveLoanFunding(ctx context.Context, params store.ResolveFundingParams) (store.Loan, error)

	GetRepayment(ctx context.Context, id uuid.UUID) (store.Repayment, error)
	SettleRepayment(ctx context.Context, params store.SettleRepaymentParams) (store.SettlementResult, error)
	ListDueRepayments(ctx context.Context, now time.Time) ([]store.DueRepayment, error)

	CreateDirectRequest(ctx context.Context, input store.CreateDirectRequestInput) (store.DirectLoanRequest, error)
	GetDirectRequest(ctx context.Context, id uuid.UUID) (store.DirectLoanRequest, error)
	CounterDirectRequest(ctx context.Context, id uuid.UUID, amountCents int64, months int, aprBps int64) (store.DirectLoanRequest, error)
	DeclineDirectRequest(ctx context.Context, id uuid.UUID) (store.DirectLoanRequest, error)
	ApproveDirectRequest(ctx context.Context, params store.ApproveDirectParams) (store.Loan, error)

	CreditWallet(ctx context.Context, userID uuid.UUID, amountCents int64, refType, refID string) (int64, error)
}

type Service struct {
	store          Store
	gateway        gateway.Client
	audit          audit.Sink
	logger         *zap.Logger
	rates          fees.Rates
	platformUserID uuid.UUID
}

func NewService(st Store, gw gateway.Client, sink audit.Sink, logger *zap.Logger, rates fees.Rates, platformUserID uuid.UUID) *Service {
	return &Service{
		store:          st,
		gateway:        gw,
		audit:          sink,
		logger:         logger,
		rates:          rates,
		platformUserID: platformUserID,
	}
}

// Funding and payment modes.
const (
	ModeWallet  = "wallet"
	ModeGateway = "gateway"
)

type RequestInput struct {
	AmountCents    int64
	DurationMonths int
	RateBps        int64
	Purpose        string
}

func (s *Service) CreateLoanRequest(ctx context.Context, borrowerID uuid.UUID, input RequestInput) (store.LoanRequest, error) {
	if err := validateTerms(input.AmountCents, input.DurationMonths, input.RateBps); err != nil {
		return store.LoanRequest{}, err
	}
	return s.store.CreateLoanRequest(ctx, store.CreateLoanRequestInput{
		BorrowerID:     borrowerID,
		AmountCents:    input.AmountCents,
		DurationMonths: input.DurationMonths,
		RateBps:        input.RateBps,
		Purpose:        input.Purpose,
	})
}

func (s *Service) UpdateLoanRequest(ctx context.Context, actorID, requestID uuid.UUID, input RequestInput) (store.LoanRequest, error) {
	if err := validateTerms(input.AmountCents, input.DurationMonths, input.RateBps); err != nil {
		return store.LoanRequest{}, err
	}
	req, err := s.store.GetLoanRequest(ctx, requestID)
	if err != nil {
		return store.LoanRequest{}, err
	}
	if req.BorrowerID != actorID {
		return store.LoanRequest{}, ErrForbidden
	}
	return s.store.UpdateLoanRequest(ctx, store.UpdateLoanRequestInput{
		ID:             requestID,
		AmountCents:    input.AmountCents,
		DurationMonths: input.DurationMonths,
		RateBps:        input.RateBps,
		Purpose:        input.Purpose,
	})
}

type OfferInput struct {
	AmountCents    int64
	DurationMonths int
	RateBps        int64
	Message        string
}

func (s *Service) SubmitOffer(ctx context.Context, lenderID, requestID uuid.UUID, input OfferInput) (store.LoanOffer, error) {
	if err := validateTerms(input.AmountCents, input.DurationMonths, input.RateBps); err != nil {
		return store.LoanOffer{}, err
	}
	req, err := s.store.GetLoanRequest(ctx, requestID)
	if err != nil {
		return store.LoanOffer{}, err
	}
	if req.Status != store.RequestOpen {
		return store.LoanOffer{}, store.ErrStateConflict
	}
	if req.BorrowerID == lenderID {
		return store.LoanOffer{}, validationf("a borrower cannot offer on their own request")
	}
	return s.store.CreateOffer(ctx, store.CreateOfferInput{
		RequestID:      requestID,
		LenderID:       lenderID,
		AmountCents:    input.AmountCents,
		DurationMonths: input.DurationMonths,
		RateBps:        input.RateBps,
		Message:        input.Message,
	})
}

// AcceptOffer turns an open offer into a funded-pending loan: the offer is
// accepted, sibling offers rejected, the request closed, and the loan with
// its full term-add repayment schedule and contract document created in one
// atomic store operation.
func (s *Service) AcceptOffer(ctx context.Context, borrowerID, offerID uuid.UUID) (store.Loan, error) {
	offer, err := s.store.GetOffer(ctx, offerID)
	if err != nil {
		return store.Loan{}, err
	}
	if offer.Status != store.OfferOpen {
		return store.Loan{}, store.ErrStateConflict
	}
	req, err := s.store.GetLoanRequest(ctx, offer.RequestID)
	if err != nil {
		return store.Loan{}, err
	}
	if req.BorrowerID != borrowerID {
		return store.Loan{}, ErrForbidden
	}

	borrower, err := s.store.GetUser(ctx, borrowerID)
	if err != nil {
		return store.Loan{}, err
	}

	installments, err := s.buildSchedule(offer.AmountCents, offer.RateBps, offer.DurationMonths, borrower.IsSuperUser)
	if err != nil {
		return store.Loan{}, err
	}

	loan, err := s.store.AcceptOffer(ctx, store.AcceptOfferParams{
		OfferID:      offerID,
		Installments: installments,
		Contract:     contractText(offer.AmountCents, offer.RateBps, offer.DurationMonths),
	})
	if err != nil {
		return store.Loan{}, err
	}

	s.logger.Info("offer accepted",
		zap.String("loan_id", loan.ID.String()),
		zap.String("offer_id", offerID.String()),
		zap.Int64("principal_cents", loan.PrincipalCents))
	return loan, nil
}

// FundLoan disburses the principal. ModeWallet moves money between internal
// wallets atomically with the FUNDED flip. ModeGateway marks the loan
// PROCESSING and hands off to the payment gateway; only a webhook moves it
// to FUNDED or FAILED.
func (s *Service) FundLoan(ctx context.Context, lenderID, loanID uuid.UUID, mode string) (store.Loan, error) {
	loan, err := s.store.GetLoan(ctx, loanID)
	if err != nil {
		return store.Loan{}, err
	}
	if loan.LenderID != lenderID {
		return store.Loan{}, ErrForbidden
	}
	if loan.Status != store.LoanAccepted {
		return store.Loan{}, store.ErrStateConflict
	}

	borrower, err := s.store.GetUser(ctx, loan.BorrowerID)
	if err != nil {
		return store.Loan{}, err
	}
	lender, err := s.store.GetUser(ctx, lenderID)
	if err != nil {
		return store.Loan{}, err
	}

	fee := fees.DisbursementFee(fees.FromCents(loan.PrincipalCents), s.rates, borrower.IsSuperUser, lender.IsSuperUser)
	feeCents := fees.Cents(fee)
	netCents := loan.PrincipalCents - feeCents

	switch mode {
	case ModeWallet:
		funded, err := s.store.FundLoanFromWallet(ctx, store.FundFromWalletParams{
			LoanID:         loanID,
			LenderID:       lenderID,
			BorrowerID:     loan.BorrowerID,
			PlatformUserID: s.platformUserID,
			PrincipalCents: loan.PrincipalCents,
			NetCents:       netCents,
			FeeCents:       feeCents,
		})
		if err != nil {
			return store.Loan{}, err
		}
		s.emitDisbursementAudit(funded, feeCents, netCents)
		return funded, nil

	case ModeGateway:
		if borrower.GatewayAccountID == "" {
			return store.Loan{}, validationf("borrower has no payout-capable account")
		}
		if err := s.store.MarkLoanProcessing(ctx, loanID, "", feeCents); err != nil {
			return store.Loan{}, err
		}
		transferID, err := s.gateway.CreateTransfer(ctx, gateway.TransferRequest{
			AmountCents:        netCents,
			DestinationAccount: borrower.GatewayAccountID,
			FeeCents:           feeCents,
			Metadata:           map[string]string{"loan_id": loanID.String()},
		})
		if err != nil {
			if transferOutcomeUnknown(err) {
				// The transfer may have gone through. The loan stays
				// PROCESSING; the transfer webhook decides its fate.
				s.logger.Warn("gateway transfer outcome unknown",
					zap.String("loan_id", loanID.String()), zap.Error(err))
				return store.Loan{}, fmt.Errorf("%w: %v", gateway.ErrGateway, err)
			}
			if _, rerr := s.store.ResolveLoanFunding(ctx, store.ResolveFundingParams{LoanID: loanID, Funded: false}); rerr != nil {
				s.logger.Error("failed to mark loan FAILED after gateway error",
					zap.String("loan_id", loanID.String()), zap.Error(rerr))
			}
			return store.Loan{}, fmt.Errorf("%w: %v", gateway.ErrGateway, err)
		}
		if err := s.store.SetLoanTransferID(ctx, loanID, transferID); err != nil {
			s.logger.Warn("could not record transfer id",
				zap.String("loan_id", loanID.String()), zap.Error(err))
		}
		return s.store.GetLoan(ctx, loanID)

	default:
		return store.Loan{}, validationf("unknown funding mode %q", mode)
	}
}

// PayRepayment settles one installment interactively. The tendered amount
// must cover the stored total charge. ModeWallet debits the borrower's
// wallet for the full charge inside the settlement transaction; ModeGateway
// charges the borrower's saved payment method off-session.
func (s *Service) PayRepayment(ctx context.Context, borrowerID, repaymentID uuid.UUID, amountCents int64, mode, paymentMethodID string) (store.SettlementResult, error) {
	rp, err := s.store.GetRepayment(ctx, repaymentID)
	if err != nil {
		return store.SettlementResult{}, err
	}
	if rp.Status != store.RepaymentPending {
		return store.SettlementResult{}, store.ErrStateConflict
	}
	loan, err := s.store.GetLoan(ctx, rp.LoanID)
	if err != nil {
		return store.SettlementResult{}, err
	}
	if loan.BorrowerID != borrowerID {
		return store.SettlementResult{}, ErrForbidden
	}
	if amountCents < rp.TotalCents {
		return store.SettlementResult{}, validationf("minimum payment is %d cents", rp.TotalCents)
	}

	fromWallet := false
	switch mode {
	case ModeWallet:
		fromWallet = true
	case ModeGateway:
		borrower, err := s.store.GetUser(ctx, borrowerID)
		if err != nil {
			return store.SettlementResult{}, err
		}
		if borrower.GatewayCustomerID == "" {
			return store.SettlementResult{}, validationf("borrower has no gateway customer")
		}
		status, err := s.gateway.ChargeOffSession(ctx, borrower.GatewayCustomerID, paymentMethodID, amountCents,
			map[string]string{"repayment_id": repaymentID.String()})
		if err != nil {
			return store.SettlementResult{}, fmt.Errorf("%w: %v", gateway.ErrGateway, err)
		}
		switch status {
		case gateway.ChargeSucceeded:
		case gateway.ChargeProcessing:
			return store.SettlementResult{}, ErrPaymentPending
		default:
			return store.SettlementResult{}, fmt.Errorf("%w: charge status %s", gateway.ErrGateway, status)
		}
	default:
		return store.SettlementResult{}, validationf("unknown payment mode %q", mode)
	}

	result, err := s.store.SettleRepayment(ctx, store.SettleRepaymentParams{
		RepaymentID:     repaymentID,
		BorrowerID:      loan.BorrowerID,
		LenderID:        loan.LenderID,
		PlatformUserID:  s.platformUserID,
		FromWallet:      fromWallet,
		AmountPaidCents: amountCents,
	})
	if err != nil {
		return store.SettlementResult{}, err
	}

	s.emitSettlementAudit(loan, result.Repayment)
	return result, nil
}

// RunDueRepayments is the auto-repayment batch: every PENDING installment
// due at or before now is driven through the same settlement path as an
// interactive payment, using the persisted charge breakdown. Each repayment
// is isolated; a failure is logged and the batch continues.
func (s *Service) RunDueRepayments(ctx context.Context, now time.Time) (processed, failed int) {
	due, err := s.store.ListDueRepayments(ctx, now)
	if err != nil {
		s.logger.Error("listing due repayments failed", zap.Error(err))
		return 0, 0
	}

	for _, d := range due {
		result, err := s.store.SettleRepayment(ctx, store.SettleRepaymentParams{
			RepaymentID:     d.Repayment.ID,
			BorrowerID:      d.BorrowerID,
			LenderID:        d.LenderID,
			PlatformUserID:  s.platformUserID,
			FromWallet:      true,
			AmountPaidCents: d.Repayment.TotalCents,
		})
		if err != nil {
			failed++
			s.logger.Warn("auto-repayment failed",
				zap.String("repayment_id", d.Repayment.ID.String()),
				zap.String("loan_id", d.LoanID.String()),
				zap.Error(err))
			continue
		}
		processed++
		loan := store.Loan{ID: d.LoanID, BorrowerID: d.BorrowerID, LenderID: d.LenderID}
		s.emitSettlementAudit(loan, result.Repayment)
	}
	return processed, failed
}

// Deposit credits a user's wallet through the ledger contract.
func (s *Service) Deposit(ctx context.Context, userID uuid.UUID, amountCents int64) (int64, error) {
	if amountCents <= 0 {
		return 0, validationf("deposit amount must be positive")
	}
	return s.store.CreditWallet(ctx, userID, amountCents, "deposit", uuid.NewString())
}

func (s *Service) buildSchedule(principalCents, rateBps int64, termMonths int, borrowerSuperUser bool) ([]store.RepaymentInput, error) {
	installments, err := schedule.TermAdd(
		fees.FromCents(principalCents),
		fees.RateFromBps(rateBps),
		termMonths,
		time.Now().UTC(),
		s.rates,
		borrowerSuperUser,
	)
	if err != nil {
		return nil, &ValidationError{Msg: err.Error()}
	}
	return toRepaymentInputs(installments), nil
}

func toRepaymentInputs(installments []schedule.Installment) []store.RepaymentInput {
	out := make([]store.RepaymentInput, 0, len(installments))
	for _, in := range installments {
		out = append(out, store.RepaymentInput{
			Sequence:         in.Sequence,
			DueDate:          in.DueDate,
			BaseCents:        fees.Cents(in.Base),
			BankingFeeCents:  fees.Cents(in.BankingFee),
			PlatformFeeCents: fees.Cents(in.PlatformFee),
			TotalCents:       fees.Cents(in.Total),
		})
	}
	return out
}

// emitSettlementAudit records the reporting rows for a settled installment:
// base to the lender, banking fee to the platform, and the platform fee leg
// only when one was charged.
func (s *Service) emitSettlementAudit(loan store.Loan, rp store.Repayment) {
	loanID := loan.ID
	rpID := rp.ID
	entry := audit.Entry{
		Transactions: []store.Transaction{
			{Type: store.TxnRepayment, FromUserID: loan.BorrowerID, ToUserID: loan.LenderID,
				AmountCents: rp.BaseCents, LoanID: &loanID, RepaymentID: &rpID},
			{Type: store.TxnBankFee, FromUserID: loan.BorrowerID, ToUserID: s.platformUserID,
				AmountCents: rp.BankingFeeCents, LoanID: &loanID, RepaymentID: &rpID},
		},
		Fees: []store.FeeRecord{
			{Type: store.FeeBank, AmountCents: rp.BankingFeeCents, LoanID: &loanID, RepaymentID: &rpID},
		},
	}
	if rp.PlatformFeeCents > 0 {
		entry.Transactions = append(entry.Transactions, store.Transaction{
			Type: store.TxnPlatformFee, FromUserID: loan.BorrowerID, ToUserID: s.platformUserID,
			AmountCents: rp.PlatformFeeCents, LoanID: &loanID, RepaymentID: &rpID,
		})
		entry.Fees = append(entry.Fees, store.FeeRecord{
			Type: store.FeePlatform, AmountCents: rp.PlatformFeeCents, LoanID: &loanID, RepaymentID: &rpID,
		})
	}
	s.audit.Emit(entry)
}

func (s *Service) emitDisbursementAudit(loan store.Loan, feeCents, netCents int64) {
	loanID := loan.ID
	entry := audit.Entry{
		Transactions: []store.Transaction{
			{Type: store.TxnDisbursement, FromUserID: loan.LenderID, ToUserID: loan.BorrowerID,
				AmountCents: netCents, LoanID: &loanID},
		},
	}
	if feeCents > 0 {
		entry.Transactions = append(entry.Transactions, store.Transaction{
			Type: store.TxnPlatformFee, FromUserID: loan.LenderID, ToUserID: s.platformUserID,
			AmountCents: feeCents, LoanID: &loanID,
		})
		entry.Fees = append(entry.Fees, store.FeeRecord{
			Type: store.FeePlatform, AmountCents: feeCents, LoanID: &loanID,
		})
	}
	s.audit.Emit(entry)
}

// transferOutcomeUnknown reports whether a transfer error leaves the gateway
// outcome undecided: timeouts and cancellations, where the transfer may have
// been created despite the failed call.
func transferOutcomeUnknown(err error) bool {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(err, context.Canceled) {
		return true
	}
	var nerr net.Error
	return errors.As(err, &nerr) && nerr.Timeout()
}

func validateTerms(amountCents int64, months int, rateBps int64) error {
	if amountCents <= 0 {
		return validationf("amount must be positive")
	}
	if months < 1 {
		return validationf("duration must be at least one month")
	}
	if rateBps < 0 {
		return validationf("interest rate cannot be negative")
	}
	return nil
}

func contractText(principalCents, rateBps int64, termMonths int) string {
	return fmt.Sprintf(
		"LOAN AGREEMENT\nPrincipal: %s\nInterest rate: %s%% + %d%% spread\nTerm: %d months\nGenerated: %s\n",
		fees.FromCents(principalCents).StringFixed(2),
		fees.RateFromBps(rateBps).String(),
		schedule.TermSpreadPct,
		termMonths,
		time.Now().UTC().Format(time.RFC3339),
	)
}
