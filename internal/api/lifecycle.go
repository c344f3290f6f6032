package api

import (
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerfund.app/internal/lending"
	"peerfund.app/internal/store"
)

type loanRequestBody struct {
	AmountCents    int64  `json:"amount_cents"`
	DurationMonths int    `json:"duration_months"`
	RateBps        int64  `json:"rate_bps"`
	Purpose        string `json:"purpose"`
}

type offerBody struct {
	AmountCents    int64  `json:"amount_cents"`
	DurationMonths int    `json:"duration_months"`
	RateBps        int64  `json:"rate_bps"`
	Message        string `json:"message"`
}

type fundBody struct {
	Mode string `json:"mode"`
}

type payBody struct {
	AmountCents     int64  `json:"amount_cents"`
	Mode            string `json:"mode"`
	PaymentMethodID string `json:"payment_method_id"`
}

type directRequestBody struct {
	LenderID    uuid.UUID `json:"lender_id"`
	AmountCents int64     `json:"amount_cents"`
	Months      int       `json:"months"`
	APRBps      *int64    `json:"apr_bps"`
}

type counterBody struct {
	AmountCents int64  `json:"amount_cents"`
	Months      int    `json:"months"`
	APRBps      *int64 `json:"apr_bps"`
}

type loanResponse struct {
	ID               uuid.UUID  `json:"id"`
	BorrowerID       uuid.UUID  `json:"borrower_id"`
	LenderID         uuid.UUID  `json:"lender_id"`
	PrincipalCents   int64      `json:"principal_cents"`
	RateBps          int64      `json:"rate_bps"`
	TermMonths       int        `json:"term_months"`
	Status           string     `json:"status"`
	DisbursedCents   int64      `json:"disbursed_cents"`
	PlatformFeeCents int64      `json:"platform_fee_cents"`
	FundedAt         *time.Time `json:"funded_at,omitempty"`
	CreatedAt        time.Time  `json:"created_at"`
}

type repaymentResponse struct {
	ID               uuid.UUID  `json:"id"`
	LoanID           uuid.UUID  `json:"loan_id"`
	Sequence         int        `json:"sequence"`
	DueDate          time.Time  `json:"due_date"`
	BaseCents        int64      `json:"base_cents"`
	BankingFeeCents  int64      `json:"banking_fee_cents"`
	PlatformFeeCents int64      `json:"platform_fee_cents"`
	TotalCents       int64      `json:"total_cents"`
	AmountPaidCents  int64      `json:"amount_paid_cents"`
	Status           string     `json:"status"`
	PaidAt           *time.Time `json:"paid_at,omitempty"`
}

func (s *Server) handleLoanRequests(w http.ResponseWriter, r *http.Request) {
	switch r.Method {
	case http.MethodPost:
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "missing_actor")
			return
		}
		var body loanRequestBody
		if err := decodeStrict(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		req, err := s.service.CreateLoanRequest(r.Context(), actor, lending.RequestInput{
			AmountCents:    body.AmountCents,
			DurationMonths: body.DurationMonths,
			RateBps:        body.RateBps,
			Purpose:        body.Purpose,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.logger.Info("loan request created", zap.String("request_id", req.ID.String()))
		writeJSON(w, http.StatusCreated, req)

	case http.MethodGet:
		reqs, err := s.store.ListOpenLoanRequests(r.Context())
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, reqs)

	default:
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
	}
}

// handleLoanRequestByID routes /v1/loan-requests/{id}[/offers].
func (s *Server) handleLoanRequestByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/loan-requests/"), "/")
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		req, err := s.store.GetLoanRequest(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	case len(parts) == 1 && r.Method == http.MethodPatch:
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "missing_actor")
			return
		}
		var body loanRequestBody
		if err := decodeStrict(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		req, err := s.service.UpdateLoanRequest(r.Context(), actor, id, lending.RequestInput{
			AmountCents:    body.AmountCents,
			DurationMonths: body.DurationMonths,
			RateBps:        body.RateBps,
			Purpose:        body.Purpose,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	case len(parts) == 2 && parts[1] == "offers" && r.Method == http.MethodPost:
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "missing_actor")
			return
		}
		var body offerBody
		if err := decodeStrict(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		offer, err := s.service.SubmitOffer(r.Context(), actor, id, lending.OfferInput{
			AmountCents:    body.AmountCents,
			DurationMonths: body.DurationMonths,
			RateBps:        body.RateBps,
			Message:        body.Message,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.logger.Info("offer submitted", zap.String("offer_id", offer.ID.String()))
		writeJSON(w, http.StatusCreated, offer)

	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

// handleOfferByID routes /v1/offers/{id}/accept.
func (s *Server) handleOfferByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/offers/"), "/")
	if len(parts) != 2 || parts[1] != "accept" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	actor, ok := actorID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_actor")
		return
	}

	loan, err := s.service.AcceptOffer(r.Context(), actor, id)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, toLoanResponse(loan))
}

// handleLoanByID routes /v1/loans/{id}[/fund|/repayments].
func (s *Server) handleLoanByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/loans/"), "/")
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		loan, err := s.store.GetLoan(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toLoanResponse(loan))

	case len(parts) == 2 && parts[1] == "fund" && r.Method == http.MethodPost:
		actor, ok := actorID(r)
		if !ok {
			writeError(w, http.StatusBadRequest, "missing_actor")
			return
		}
		var body fundBody
		if err := decodeStrict(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		mode := body.Mode
		if mode == "" {
			mode = lending.ModeWallet
		}
		loan, err := s.service.FundLoan(r.Context(), actor, id, mode)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		s.logger.Info("loan funding initiated",
			zap.String("loan_id", loan.ID.String()),
			zap.String("status", loan.Status))
		writeJSON(w, http.StatusOK, toLoanResponse(loan))

	case len(parts) == 2 && parts[1] == "repayments" && r.Method == http.MethodGet:
		repayments, err := s.store.ListLoanRepayments(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		out := make([]repaymentResponse, 0, len(repayments))
		for _, rp := range repayments {
			out = append(out, toRepaymentResponse(rp))
		}
		writeJSON(w, http.StatusOK, out)

	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

// handleRepaymentByID routes /v1/repayments/{id}/pay.
func (s *Server) handleRepaymentByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/repayments/"), "/")
	if len(parts) != 2 || parts[1] != "pay" || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}
	actor, ok := actorID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_actor")
		return
	}

	var body payBody
	if err := decodeStrict(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	mode := body.Mode
	if mode == "" {
		mode = lending.ModeWallet
	}

	result, err := s.service.PayRepayment(r.Context(), actor, id, body.AmountCents, mode, body.PaymentMethodID)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	s.logger.Info("repayment settled",
		zap.String("repayment_id", id.String()),
		zap.Bool("loan_paid_off", result.LoanPaidOff))
	writeJSON(w, http.StatusOK, toRepaymentResponse(result.Repayment))
}

func (s *Server) handleDirectRequests(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	actor, ok := actorID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_actor")
		return
	}

	var body directRequestBody
	if err := decodeStrict(r, &body); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	req, err := s.service.CreateDirectRequest(r.Context(), actor, body.LenderID, lending.DirectInput{
		AmountCents: body.AmountCents,
		Months:      body.Months,
		APRBps:      body.APRBps,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, req)
}

// handleDirectRequestByID routes /v1/direct-requests/{id}[/counter|/approve|/decline].
func (s *Server) handleDirectRequestByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/direct-requests/"), "/")
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	if len(parts) == 1 && r.Method == http.MethodGet {
		req, err := s.store.GetDirectRequest(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)
		return
	}

	if len(parts) != 2 || r.Method != http.MethodPost {
		writeError(w, http.StatusNotFound, "not_found")
		return
	}
	actor, ok := actorID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_actor")
		return
	}

	switch parts[1] {
	case "counter":
		var body counterBody
		if err := decodeStrict(r, &body); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		req, err := s.service.CounterDirectRequest(r.Context(), actor, id, lending.DirectInput{
			AmountCents: body.AmountCents,
			Months:      body.Months,
			APRBps:      body.APRBps,
		})
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	case "approve":
		loan, err := s.service.ApproveDirectRequest(r.Context(), actor, id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusCreated, toLoanResponse(loan))

	case "decline":
		req, err := s.service.DeclineDirectRequest(r.Context(), actor, id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, req)

	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

func toLoanResponse(l store.Loan) loanResponse {
	return loanResponse{
		ID:               l.ID,
		BorrowerID:       l.BorrowerID,
		LenderID:         l.LenderID,
		PrincipalCents:   l.PrincipalCents,
		RateBps:          l.RateBps,
		TermMonths:       l.TermMonths,
		Status:           l.Status,
		DisbursedCents:   l.DisbursedCents,
		PlatformFeeCents: l.PlatformFeeCents,
		FundedAt:         l.FundedAt,
		CreatedAt:        l.CreatedAt,
	}
}

func toRepaymentResponse(rp store.Repayment) repaymentResponse {
	return repaymentResponse{
		ID:               rp.ID,
		LoanID:           rp.LoanID,
		Sequence:         rp.Sequence,
		DueDate:          rp.DueDate,
		BaseCents:        rp.BaseCents,
		BankingFeeCents:  rp.BankingFeeCents,
		PlatformFeeCents: rp.PlatformFeeCents,
		TotalCents:       rp.TotalCents,
		AmountPaidCents:  rp.AmountPaidCents,
		Status:           rp.Status,
		PaidAt:           rp.PaidAt,
	}
}
