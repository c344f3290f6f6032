package store

import (
	"time"

	"github.com/google/uuid"
)

const (
	RequestOpen   = "OPEN"
	RequestClosed = "CLOSED"

	OfferOpen     = "OPEN"
	OfferAccepted = "ACCEPTED"
	OfferRejected = "REJECTED"

	DirectPending  = "PENDING"
	DirectApproved = "APPROVED"
	DirectDeclined = "DECLINED"

	LoanAccepted   = "ACCEPTED"
	LoanProcessing = "PROCESSING"
	LoanFunded     = "FUNDED"
	LoanFailed     = "FAILED"
	LoanPaidOff    = "PAID_OFF"

	RepaymentPending = "PENDING"
	RepaymentPaid    = "PAID"
)

const (
	DirectionCredit = "CREDIT"
	DirectionDebit  = "DEBIT"
)

const (
	TxnRepayment    = "REPAYMENT"
	TxnBankFee      = "BANK_FEE"
	TxnPlatformFee  = "PLATFORM_FEE"
	TxnDisbursement = "DISBURSEMENT"
	TxnSubscription = "SUPERUSER_SUBSCRIPTION"
	TxnAdminFee     = "ADMIN_FEE"

	FeeBank     = "BANK_FEE"
	FeePlatform = "PLATFORM_FEE"
)

// LendingTier is one row of a lender's rate table: loans up to MaxAmountCents
// may be written at APRBps when Enabled.
type LendingTier struct {
	MaxAmountCents int64 `json:"max_amount_cents"`
	Enabled        bool  `json:"enabled"`
	APRBps         int64 `json:"apr_bps"`
}

type User struct {
	ID                uuid.UUID
	Email             string
	Role              string
	IsSuperUser       bool
	LendingTerms      []LendingTier
	GatewayCustomerID string
	GatewayAccountID  string
	CreatedAt         time.Time
}

type Wallet struct {
	UserID         uuid.UUID
	AvailableCents int64
	PendingCents   int64
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

type LedgerEntry struct {
	ID                int64
	UserID            uuid.UUID
	AmountCents       int64
	Direction         string
	BalanceAfterCents int64
	ReferenceType     string
	ReferenceID       string
	CreatedAt         time.Time
}

type LoanRequest struct {
	ID             uuid.UUID `json:"id"`
	BorrowerID     uuid.UUID `json:"borrower_id"`
	AmountCents    int64     `json:"amount_cents"`
	DurationMonths int       `json:"duration_months"`
	RateBps        int64     `json:"rate_bps"`
	Purpose        string    `json:"purpose"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
	UpdatedAt      time.Time `json:"updated_at"`
}

type LoanOffer struct {
	ID             uuid.UUID `json:"id"`
	RequestID      uuid.UUID `json:"request_id"`
	LenderID       uuid.UUID `json:"lender_id"`
	AmountCents    int64     `json:"amount_cents"`
	DurationMonths int       `json:"duration_months"`
	RateBps        int64     `json:"rate_bps"`
	Message        string    `json:"message,omitempty"`
	Status         string    `json:"status"`
	CreatedAt      time.Time `json:"created_at"`
}

type DirectLoanRequest struct {
	ID          uuid.UUID `json:"id"`
	BorrowerID  uuid.UUID `json:"borrower_id"`
	LenderID    uuid.UUID `json:"lender_id"`
	AmountCents int64     `json:"amount_cents"`
	Months      int       `json:"months"`
	APRBps      int64     `json:"apr_bps"`
	Status      string    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	UpdatedAt   time.Time `json:"updated_at"`
}

type Loan struct {
	ID                uuid.UUID
	RequestID         *uuid.UUID
	OfferID           *uuid.UUID
	DirectRequestID   *uuid.UUID
	BorrowerID        uuid.UUID
	LenderID          uuid.UUID
	PrincipalCents    int64
	RateBps           int64
	TermMonths        int
	Status            string
	DisbursedCents    int64
	PlatformFeeCents  int64
	GatewayTransferID string
	FundedAt          *time.Time
	CreatedAt         time.Time
}

type Repayment struct {
	ID               uuid.UUID
	LoanID           uuid.UUID
	Sequence         int
	DueDate          time.Time
	BaseCents        int64
	BankingFeeCents  int64
	PlatformFeeCents int64
	TotalCents       int64
	AmountPaidCents  int64
	Status           string
	PaidAt           *time.Time
}

// DueRepayment pairs a due installment with the loan parties the settlement
// path needs.
type DueRepayment struct {
	Repayment  Repayment
	LoanID     uuid.UUID
	BorrowerID uuid.UUID
	LenderID   uuid.UUID
}

type Transaction struct {
	ID          uuid.UUID  `json:"id"`
	Type        string     `json:"type"`
	FromUserID  uuid.UUID  `json:"from_user_id"`
	ToUserID    uuid.UUID  `json:"to_user_id"`
	AmountCents int64      `json:"amount_cents"`
	LoanID      *uuid.UUID `json:"loan_id,omitempty"`
	RepaymentID *uuid.UUID `json:"repayment_id,omitempty"`
	CreatedAt   time.Time  `json:"created_at"`
}

type FeeRecord struct {
	ID          uuid.UUID
	Type        string
	AmountCents int64
	LoanID      *uuid.UUID
	RepaymentID *uuid.UUID
	CreatedAt   time.Time
}

type Document struct {
	ID        uuid.UUID
	LoanID    uuid.UUID
	Kind      string
	Content   string
	CreatedAt time.Time
}

// RepaymentInput is one installment to persist when a schedule is created.
type RepaymentInput struct {
	Sequence         int
	DueDate          time.Time
	BaseCents        int64
	BankingFeeCents  int64
	PlatformFeeCents int64
	TotalCents       int64
}

// AcceptOfferParams drives the atomic offer-acceptance write: offer accepted,
// sibling offers rejected, request closed, loan and schedule and contract
// document created.
type AcceptOfferParams struct {
	OfferID      uuid.UUID
	Installments []RepaymentInput
	Contract     string
}

// ApproveDirectParams drives the atomic approval of a direct loan request.
type ApproveDirectParams struct {
	DirectRequestID uuid.UUID
	Installments    []RepaymentInput
	Contract        string
}

// FundFromWalletParams moves the principal from the lender's wallet to the
// borrower's, with the disbursement fee going to the platform wallet, and
// flips the loan to FUNDED, all in one transaction.
type FundFromWalletParams struct {
	LoanID         uuid.UUID
	LenderID       uuid.UUID
	BorrowerID     uuid.UUID
	PlatformUserID uuid.UUID
	PrincipalCents int64
	NetCents       int64
	FeeCents       int64
}

// SettleRepaymentParams drives the atomic settlement of one installment. When
// FromWallet is set, the borrower's wallet is debited the full TotalCents
// before the lender and platform are credited. A zero PlatformFeeCents leg is
// omitted entirely. EventID, when set, is recorded inside the same
// transaction; a duplicate returns ErrEventProcessed with no effect.
type SettleRepaymentParams struct {
	RepaymentID     uuid.UUID
	BorrowerID      uuid.UUID
	LenderID        uuid.UUID
	PlatformUserID  uuid.UUID
	FromWallet      bool
	AmountPaidCents int64
	EventID         string
	EventType       string
}

// SettlementResult reports what the settlement transaction did.
type SettlementResult struct {
	Repayment   Repayment
	LoanID      uuid.UUID
	LoanPaidOff bool
}

// ResolveFundingParams finalizes a PROCESSING loan from a gateway webhook.
type ResolveFundingParams struct {
	LoanID         uuid.UUID
	Funded         bool
	DisbursedCents int64
	EventID        string
	EventType      string
}
