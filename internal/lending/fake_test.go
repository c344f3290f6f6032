package lending

import (
	"context"
	"errors"
	"maps"
	"slices"
	"sync"
	"time"

	"github.com/google/uuid"

	"peerfund.app/internal/audit"
	"peerfund.app/internal/gateway"
	"peerfund.app/internal/store"
)

// memStore is an in-memory Store for exercising the state machine without
// Postgres. Atomic operations snapshot all state up front and restore it on
// any error, mirroring the transaction semantics of the real store.
type memStore struct {
	mu sync.Mutex

	users        map[uuid.UUID]store.User
	wallets      map[uuid.UUID]store.Wallet
	ledger       []store.LedgerEntry
	requests     map[uuid.UUID]store.LoanRequest
	offers       map[uuid.UUID]store.LoanOffer
	directs      map[uuid.UUID]store.DirectLoanRequest
	loans        map[uuid.UUID]store.Loan
	repayments   map[uuid.UUID]store.Repayment
	documents    []store.Document
	transactions []store.Transaction
	events       map[string]string

	nextLedgerID int64

	// Failure injection.
	failAcceptAfterWrites bool
	failCreditUser        uuid.UUID
}

var errInjected = errors.New("injected store failure")

func newMemStore() *memStore {
	return &memStore{
		users:      make(map[uuid.UUID]store.User),
		wallets:    make(map[uuid.UUID]store.Wallet),
		requests:   make(map[uuid.UUID]store.LoanRequest),
		offers:     make(map[uuid.UUID]store.LoanOffer),
		directs:    make(map[uuid.UUID]store.DirectLoanRequest),
		loans:      make(map[uuid.UUID]store.Loan),
		repayments: make(map[uuid.UUID]store.Repayment),
		events:     make(map[string]string),
	}
}

func (m *memStore) addUser(superUser bool, tiers []store.LendingTier) uuid.UUID {
	m.mu.Lock()
	defer m.mu.Unlock()
	id := uuid.New()
	m.users[id] = store.User{
		ID:           id,
		Email:        id.String() + "@example.com",
		Role:         "member",
		IsSuperUser:  superUser,
		LendingTerms: tiers,
		CreatedAt:    time.Now(),
	}
	return id
}

func (m *memStore) setGatewayIDs(userID uuid.UUID, customerID, accountID string) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u := m.users[userID]
	u.GatewayCustomerID = customerID
	u.GatewayAccountID = accountID
	m.users[userID] = u
}

func (m *memStore) balance(userID uuid.UUID) int64 {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.wallets[userID].AvailableCents
}

func (m *memStore) ledgerEntries(userID uuid.UUID) []store.LedgerEntry {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.LedgerEntry
	for _, e := range m.ledger {
		if e.UserID == userID {
			out = append(out, e)
		}
	}
	return out
}

func (m *memStore) loanRepayments(loanID uuid.UUID) []store.Repayment {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []store.Repayment
	for _, rp := range m.repayments {
		if rp.LoanID == loanID {
			out = append(out, rp)
		}
	}
	slices.SortFunc(out, func(a, b store.Repayment) int { return a.Sequence - b.Sequence })
	return out
}

type memSnapshot struct {
	users        map[uuid.UUID]store.User
	wallets      map[uuid.UUID]store.Wallet
	ledger       []store.LedgerEntry
	requests     map[uuid.UUID]store.LoanRequest
	offers       map[uuid.UUID]store.LoanOffer
	directs      map[uuid.UUID]store.DirectLoanRequest
	loans        map[uuid.UUID]store.Loan
	repayments   map[uuid.UUID]store.Repayment
	documents    []store.Document
	transactions []store.Transaction
	events       map[string]string
	nextLedgerID int64
}

func (m *memStore) snapshot() memSnapshot {
	return memSnapshot{
		users:        maps.Clone(m.users),
		wallets:      maps.Clone(m.wallets),
		ledger:       slices.Clone(m.ledger),
		requests:     maps.Clone(m.requests),
		offers:       maps.Clone(m.offers),
		directs:      maps.Clone(m.directs),
		loans:        maps.Clone(m.loans),
		repayments:   maps.Clone(m.repayments),
		documents:    slices.Clone(m.documents),
		transactions: slices.Clone(m.transactions),
		events:       maps.Clone(m.events),
		nextLedgerID: m.nextLedgerID,
	}
}

func (m *memStore) restore(s memSnapshot) {
	m.users = s.users
	m.wallets = s.wallets
	m.ledger = s.ledger
	m.requests = s.requests
	m.offers = s.offers
	m.directs = s.directs
	m.loans = s.loans
	m.repayments = s.repayments
	m.documents = s.documents
	m.transactions = s.transactions
	m.events = s.events
	m.nextLedgerID = s.nextLedgerID
}

// atomically runs fn under the lock with all-or-nothing semantics.
func (m *memStore) atomically(fn func() error) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	snap := m.snapshot()
	if err := fn(); err != nil {
		m.restore(snap)
		return err
	}
	return nil
}

func (m *memStore) credit(userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	if m.failCreditUser != uuid.Nil && userID == m.failCreditUser {
		return 0, errInjected
	}
	w := m.wallets[userID]
	w.UserID = userID
	w.AvailableCents += amountCents
	m.wallets[userID] = w
	m.appendLedger(userID, amountCents, store.DirectionCredit, w.AvailableCents, refType, refID)
	return w.AvailableCents, nil
}

func (m *memStore) debit(userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	w := m.wallets[userID]
	if w.AvailableCents < amountCents {
		return 0, store.ErrInsufficientFunds
	}
	w.AvailableCents -= amountCents
	m.wallets[userID] = w
	m.appendLedger(userID, amountCents, store.DirectionDebit, w.AvailableCents, refType, refID)
	return w.AvailableCents, nil
}

func (m *memStore) appendLedger(userID uuid.UUID, amountCents int64, direction string, balance int64, refType, refID string) {
	m.nextLedgerID++
	m.ledger = append(m.ledger, store.LedgerEntry{
		ID:                m.nextLedgerID,
		UserID:            userID,
		AmountCents:       amountCents,
		Direction:         direction,
		BalanceAfterCents: balance,
		ReferenceType:     refType,
		ReferenceID:       refID,
		CreatedAt:         time.Now(),
	})
}

func (m *memStore) recordEvent(eventID, eventType string) error {
	if _, seen := m.events[eventID]; seen {
		return store.ErrEventProcessed
	}
	m.events[eventID] = eventType
	return nil
}

func (m *memStore) GetUser(_ context.Context, id uuid.UUID) (store.User, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	u, ok := m.users[id]
	if !ok {
		return store.User{}, store.ErrUserNotFound
	}
	return u, nil
}

func (m *memStore) AttachGatewayCustomer(_ context.Context, userID uuid.UUID, customerID, eventID, eventType string) error {
	return m.atomically(func() error {
		if err := m.recordEvent(eventID, eventType); err != nil {
			return err
		}
		u, ok := m.users[userID]
		if !ok {
			return store.ErrUserNotFound
		}
		u.GatewayCustomerID = customerID
		m.users[userID] = u
		return nil
	})
}

func (m *memStore) RecordSubscriptionEvent(_ context.Context, eventID, eventType string, txn store.Transaction) error {
	return m.atomically(func() error {
		if err := m.recordEvent(eventID, eventType); err != nil {
			return err
		}
		txn.ID = uuid.New()
		txn.CreatedAt = time.Now()
		m.transactions = append(m.transactions, txn)
		return nil
	})
}

func (m *memStore) CreateLoanRequest(_ context.Context, input store.CreateLoanRequestInput) (store.LoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := store.LoanRequest{
		ID:             uuid.New(),
		BorrowerID:     input.BorrowerID,
		AmountCents:    input.AmountCents,
		DurationMonths: input.DurationMonths,
		RateBps:        input.RateBps,
		Purpose:        input.Purpose,
		Status:         store.RequestOpen,
		CreatedAt:      time.Now(),
	}
	m.requests[req.ID] = req
	return req, nil
}

func (m *memStore) UpdateLoanRequest(_ context.Context, input store.UpdateLoanRequestInput) (store.LoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[input.ID]
	if !ok {
		return store.LoanRequest{}, store.ErrNotFound
	}
	if req.Status != store.RequestOpen {
		return store.LoanRequest{}, store.ErrStateConflict
	}
	req.AmountCents = input.AmountCents
	req.DurationMonths = input.DurationMonths
	req.RateBps = input.RateBps
	req.Purpose = input.Purpose
	req.UpdatedAt = time.Now()
	m.requests[input.ID] = req
	return req, nil
}

func (m *memStore) GetLoanRequest(_ context.Context, id uuid.UUID) (store.LoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.requests[id]
	if !ok {
		return store.LoanRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (m *memStore) CreateOffer(_ context.Context, input store.CreateOfferInput) (store.LoanOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer := store.LoanOffer{
		ID:             uuid.New(),
		RequestID:      input.RequestID,
		LenderID:       input.LenderID,
		AmountCents:    input.AmountCents,
		DurationMonths: input.DurationMonths,
		RateBps:        input.RateBps,
		Message:        input.Message,
		Status:         store.OfferOpen,
		CreatedAt:      time.Now(),
	}
	m.offers[offer.ID] = offer
	return offer, nil
}

func (m *memStore) GetOffer(_ context.Context, id uuid.UUID) (store.LoanOffer, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	offer, ok := m.offers[id]
	if !ok {
		return store.LoanOffer{}, store.ErrNotFound
	}
	return offer, nil
}

func (m *memStore) AcceptOffer(_ context.Context, params store.AcceptOfferParams) (store.Loan, error) {
	var loan store.Loan
	err := m.atomically(func() error {
		offer, ok := m.offers[params.OfferID]
		if !ok {
			return store.ErrNotFound
		}
		if offer.Status != store.OfferOpen {
			return store.ErrStateConflict
		}
		req, ok := m.requests[offer.RequestID]
		if !ok {
			return store.ErrNotFound
		}
		if req.Status != store.RequestOpen {
			return store.ErrStateConflict
		}

		offer.Status = store.OfferAccepted
		m.offers[offer.ID] = offer
		if m.failAcceptAfterWrites {
			return errInjected
		}

		for id, sib := range m.offers {
			if sib.RequestID == req.ID && sib.ID != offer.ID && sib.Status == store.OfferOpen {
				sib.Status = store.OfferRejected
				m.offers[id] = sib
			}
		}
		req.Status = store.RequestClosed
		m.requests[req.ID] = req

		reqID, offerID := req.ID, offer.ID
		loan = m.insertLoan(store.Loan{
			RequestID:      &reqID,
			OfferID:        &offerID,
			BorrowerID:     req.BorrowerID,
			LenderID:       offer.LenderID,
			PrincipalCents: offer.AmountCents,
			RateBps:        offer.RateBps,
			TermMonths:     offer.DurationMonths,
		}, params.Installments, params.Contract)
		return nil
	})
	return loan, err
}

func (m *memStore) insertLoan(loan store.Loan, installments []store.RepaymentInput, contract string) store.Loan {
	loan.ID = uuid.New()
	loan.Status = store.LoanAccepted
	loan.CreatedAt = time.Now()
	m.loans[loan.ID] = loan
	for _, in := range installments {
		rp := store.Repayment{
			ID:               uuid.New(),
			LoanID:           loan.ID,
			Sequence:         in.Sequence,
			DueDate:          in.DueDate,
			BaseCents:        in.BaseCents,
			BankingFeeCents:  in.BankingFeeCents,
			PlatformFeeCents: in.PlatformFeeCents,
			TotalCents:       in.TotalCents,
			Status:           store.RepaymentPending,
		}
		m.repayments[rp.ID] = rp
	}
	m.documents = append(m.documents, store.Document{
		ID:        uuid.New(),
		LoanID:    loan.ID,
		Kind:      "contract",
		Content:   contract,
		CreatedAt: time.Now(),
	})
	return loan
}

func (m *memStore) GetLoan(_ context.Context, id uuid.UUID) (store.Loan, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[id]
	if !ok {
		return store.Loan{}, store.ErrNotFound
	}
	return loan, nil
}

func (m *memStore) FundLoanFromWallet(_ context.Context, params store.FundFromWalletParams) (store.Loan, error) {
	var loan store.Loan
	err := m.atomically(func() error {
		l, ok := m.loans[params.LoanID]
		if !ok {
			return store.ErrNotFound
		}
		if l.Status != store.LoanAccepted {
			return store.ErrStateConflict
		}

		ref := params.LoanID.String()
		if _, err := m.debit(params.LenderID, params.PrincipalCents, "loan_disbursement", ref); err != nil {
			return err
		}
		if _, err := m.credit(params.BorrowerID, params.NetCents, "loan_disbursement", ref); err != nil {
			return err
		}
		if params.FeeCents > 0 {
			if _, err := m.credit(params.PlatformUserID, params.FeeCents, "platform_fee", ref); err != nil {
				return err
			}
		}

		now := time.Now()
		l.Status = store.LoanFunded
		l.DisbursedCents = params.NetCents
		l.PlatformFeeCents = params.FeeCents
		l.FundedAt = &now
		m.loans[l.ID] = l
		loan = l
		return nil
	})
	return loan, err
}

func (m *memStore) MarkLoanProcessing(_ context.Context, loanID uuid.UUID, transferID string, feeCents int64) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[loanID]
	if !ok {
		return store.ErrNotFound
	}
	if loan.Status != store.LoanAccepted {
		return store.ErrStateConflict
	}
	loan.Status = store.LoanProcessing
	loan.GatewayTransferID = transferID
	loan.PlatformFeeCents = feeCents
	m.loans[loanID] = loan
	return nil
}

func (m *memStore) SetLoanTransferID(_ context.Context, loanID uuid.UUID, transferID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	loan, ok := m.loans[loanID]
	if !ok {
		return store.ErrNotFound
	}
	loan.GatewayTransferID = transferID
	m.loans[loanID] = loan
	return nil
}

func (m *memStore) ResolveLoanFunding(_ context.Context, params store.ResolveFundingParams) (store.Loan, error) {
	var loan store.Loan
	err := m.atomically(func() error {
		if params.EventID != "" {
			if err := m.recordEvent(params.EventID, params.EventType); err != nil {
				return err
			}
		}
		l, ok := m.loans[params.LoanID]
		if !ok {
			return store.ErrNotFound
		}
		if l.Status != store.LoanProcessing {
			return store.ErrStateConflict
		}
		if params.Funded {
			now := time.Now()
			l.Status = store.LoanFunded
			l.DisbursedCents = params.DisbursedCents
			l.FundedAt = &now
		} else {
			l.Status = store.LoanFailed
		}
		m.loans[l.ID] = l
		loan = l
		return nil
	})
	return loan, err
}

func (m *memStore) GetRepayment(_ context.Context, id uuid.UUID) (store.Repayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	rp, ok := m.repayments[id]
	if !ok {
		return store.Repayment{}, store.ErrNotFound
	}
	return rp, nil
}

func (m *memStore) SettleRepayment(_ context.Context, params store.SettleRepaymentParams) (store.SettlementResult, error) {
	var result store.SettlementResult
	err := m.atomically(func() error {
		if params.EventID != "" {
			if err := m.recordEvent(params.EventID, params.EventType); err != nil {
				return err
			}
		}
		rp, ok := m.repayments[params.RepaymentID]
		if !ok {
			return store.ErrNotFound
		}
		if rp.Status != store.RepaymentPending {
			return store.ErrStateConflict
		}

		ref := rp.ID.String()
		if params.FromWallet {
			if _, err := m.debit(params.BorrowerID, params.AmountPaidCents, "repayment", ref); err != nil {
				return err
			}
		}
		if _, err := m.credit(params.LenderID, rp.BaseCents, "repayment", ref); err != nil {
			return err
		}
		if feeCents := rp.BankingFeeCents + rp.PlatformFeeCents; feeCents > 0 {
			if _, err := m.credit(params.PlatformUserID, feeCents, "repayment_fees", ref); err != nil {
				return err
			}
		}

		now := time.Now()
		rp.Status = store.RepaymentPaid
		rp.AmountPaidCents = params.AmountPaidCents
		rp.PaidAt = &now
		m.repayments[rp.ID] = rp

		remaining := 0
		for _, other := range m.repayments {
			if other.LoanID == rp.LoanID && other.Status == store.RepaymentPending {
				remaining++
			}
		}
		paidOff := remaining == 0
		if paidOff {
			loan := m.loans[rp.LoanID]
			loan.Status = store.LoanPaidOff
			m.loans[rp.LoanID] = loan
		}
		result = store.SettlementResult{Repayment: rp, LoanID: rp.LoanID, LoanPaidOff: paidOff}
		return nil
	})
	return result, err
}

func (m *memStore) ListDueRepayments(_ context.Context, now time.Time) ([]store.DueRepayment, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var due []store.DueRepayment
	for _, rp := range m.repayments {
		if rp.Status != store.RepaymentPending || rp.DueDate.After(now) {
			continue
		}
		loan := m.loans[rp.LoanID]
		due = append(due, store.DueRepayment{
			Repayment:  rp,
			LoanID:     loan.ID,
			BorrowerID: loan.BorrowerID,
			LenderID:   loan.LenderID,
		})
	}
	slices.SortFunc(due, func(a, b store.DueRepayment) int {
		return a.Repayment.DueDate.Compare(b.Repayment.DueDate)
	})
	return due, nil
}

func (m *memStore) CreateDirectRequest(_ context.Context, input store.CreateDirectRequestInput) (store.DirectLoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req := store.DirectLoanRequest{
		ID:          uuid.New(),
		BorrowerID:  input.BorrowerID,
		LenderID:    input.LenderID,
		AmountCents: input.AmountCents,
		Months:      input.Months,
		APRBps:      input.APRBps,
		Status:      store.DirectPending,
		CreatedAt:   time.Now(),
	}
	m.directs[req.ID] = req
	return req, nil
}

func (m *memStore) GetDirectRequest(_ context.Context, id uuid.UUID) (store.DirectLoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.directs[id]
	if !ok {
		return store.DirectLoanRequest{}, store.ErrNotFound
	}
	return req, nil
}

func (m *memStore) CounterDirectRequest(_ context.Context, id uuid.UUID, amountCents int64, months int, aprBps int64) (store.DirectLoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.directs[id]
	if !ok {
		return store.DirectLoanRequest{}, store.ErrNotFound
	}
	if req.Status != store.DirectPending {
		return store.DirectLoanRequest{}, store.ErrStateConflict
	}
	req.AmountCents = amountCents
	req.Months = months
	req.APRBps = aprBps
	req.UpdatedAt = time.Now()
	m.directs[id] = req
	return req, nil
}

func (m *memStore) DeclineDirectRequest(_ context.Context, id uuid.UUID) (store.DirectLoanRequest, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	req, ok := m.directs[id]
	if !ok {
		return store.DirectLoanRequest{}, store.ErrNotFound
	}
	if req.Status != store.DirectPending {
		return store.DirectLoanRequest{}, store.ErrStateConflict
	}
	req.Status = store.DirectDeclined
	req.UpdatedAt = time.Now()
	m.directs[id] = req
	return req, nil
}

func (m *memStore) ApproveDirectRequest(_ context.Context, params store.ApproveDirectParams) (store.Loan, error) {
	var loan store.Loan
	err := m.atomically(func() error {
		req, ok := m.directs[params.DirectRequestID]
		if !ok {
			return store.ErrNotFound
		}
		if req.Status != store.DirectPending {
			return store.ErrStateConflict
		}
		req.Status = store.DirectApproved
		req.UpdatedAt = time.Now()
		m.directs[req.ID] = req

		directID := req.ID
		loan = m.insertLoan(store.Loan{
			DirectRequestID: &directID,
			BorrowerID:      req.BorrowerID,
			LenderID:        req.LenderID,
			PrincipalCents:  req.AmountCents,
			RateBps:         req.APRBps,
			TermMonths:      req.Months,
		}, params.Installments, params.Contract)
		return nil
	})
	return loan, err
}

func (m *memStore) CreditWallet(_ context.Context, userID uuid.UUID, amountCents int64, refType, refID string) (int64, error) {
	var balance int64
	err := m.atomically(func() error {
		var err error
		balance, err = m.credit(userID, amountCents, refType, refID)
		return err
	})
	return balance, err
}

// memSink collects audit entries synchronously.
type memSink struct {
	mu      sync.Mutex
	entries []audit.Entry
}

func (s *memSink) Emit(entry audit.Entry) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.entries = append(s.entries, entry)
}

func (s *memSink) all() []audit.Entry {
	s.mu.Lock()
	defer s.mu.Unlock()
	return slices.Clone(s.entries)
}

// stubGateway scripts gateway responses.
type stubGateway struct {
	transferID   string
	transferErr  error
	chargeStatus string
	chargeErr    error
}

func (g *stubGateway) CreateCustomer(context.Context, string) (string, error) {
	return "cus_stub", nil
}

func (g *stubGateway) CreatePayoutAccount(context.Context, string) (string, error) {
	return "acct_stub", nil
}

func (g *stubGateway) CreateTransfer(context.Context, gateway.TransferRequest) (string, error) {
	if g.transferErr != nil {
		return "", g.transferErr
	}
	if g.transferID == "" {
		return "tr_stub", nil
	}
	return g.transferID, nil
}

func (g *stubGateway) ChargeOffSession(context.Context, string, string, int64, map[string]string) (string, error) {
	if g.chargeErr != nil {
		return "", g.chargeErr
	}
	if g.chargeStatus == "" {
		return gateway.ChargeSucceeded, nil
	}
	return g.chargeStatus, nil
}
