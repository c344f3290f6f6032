package api

import (
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerfund.app/internal/gateway"
	"peerfund.app/internal/store"
)

type createUserRequest struct {
	Email        string              `json:"email"`
	Role         string              `json:"role"`
	IsSuperUser  bool                `json:"is_super_user"`
	LendingTerms []store.LendingTier `json:"lending_terms"`
}

type userResponse struct {
	ID           uuid.UUID           `json:"id"`
	Email        string              `json:"email"`
	Role         string              `json:"role"`
	IsSuperUser  bool                `json:"is_super_user"`
	LendingTerms []store.LendingTier `json:"lending_terms,omitempty"`
	CreatedAt    time.Time           `json:"created_at"`
}

type walletResponse struct {
	UserID         uuid.UUID `json:"user_id"`
	AvailableCents int64     `json:"available_cents"`
	PendingCents   int64     `json:"pending_cents"`
}

type ledgerEntryResponse struct {
	ID                int64     `json:"id"`
	AmountCents       int64     `json:"amount_cents"`
	Direction         string    `json:"direction"`
	BalanceAfterCents int64     `json:"balance_after_cents"`
	ReferenceType     string    `json:"reference_type"`
	ReferenceID       string    `json:"reference_id"`
	CreatedAt         time.Time `json:"created_at"`
}

type depositRequest struct {
	AmountCents int64 `json:"amount_cents"`
}

type gatewayIDsRequest struct {
	CustomerID string `json:"customer_id"`
	AccountID  string `json:"account_id"`
}

func (s *Server) handleUsers(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	var req createUserRequest
	if err := decodeStrict(r, &req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	if strings.TrimSpace(req.Email) == "" {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}
	role := req.Role
	if role == "" {
		role = "member"
	}

	user, err := s.store.CreateUser(r.Context(), store.CreateUserInput{
		Email:        strings.TrimSpace(req.Email),
		Role:         role,
		IsSuperUser:  req.IsSuperUser,
		LendingTerms: req.LendingTerms,
	})
	if err != nil {
		s.writeServiceError(w, err)
		return
	}

	s.logger.Info("user created",
		zap.String("user_id", user.ID.String()),
		zap.Bool("super_user", user.IsSuperUser))
	writeJSON(w, http.StatusCreated, toUserResponse(user))
}

// handleUserByID routes /v1/users/{id}[/gateway].
func (s *Server) handleUserByID(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/users/"), "/")
	id, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		user, err := s.store.GetUser(r.Context(), id)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, toUserResponse(user))

	case len(parts) == 2 && parts[1] == "gateway" && r.Method == http.MethodPost:
		var req gatewayIDsRequest
		if err := decodeStrict(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if req.CustomerID == "" && req.AccountID == "" {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		if req.CustomerID != "" {
			if err := s.store.SetGatewayCustomer(r.Context(), id, req.CustomerID); err != nil {
				s.writeServiceError(w, err)
				return
			}
		}
		if req.AccountID != "" {
			if err := s.store.SetGatewayAccount(r.Context(), id, req.AccountID); err != nil {
				s.writeServiceError(w, err)
				return
			}
		}
		s.logger.Info("gateway ids attached", zap.String("user_id", id.String()))
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})

	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

// handleWallets routes /v1/wallets/{userID}[/ledger|/deposit].
func (s *Server) handleWallets(w http.ResponseWriter, r *http.Request) {
	parts := strings.Split(strings.TrimPrefix(r.URL.Path, "/v1/wallets/"), "/")
	userID, err := uuid.Parse(parts[0])
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_id")
		return
	}

	switch {
	case len(parts) == 1 && r.Method == http.MethodGet:
		wallet, err := s.store.GetWallet(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, walletResponse{
			UserID:         wallet.UserID,
			AvailableCents: wallet.AvailableCents,
			PendingCents:   wallet.PendingCents,
		})

	case len(parts) == 2 && parts[1] == "ledger" && r.Method == http.MethodGet:
		entries, err := s.store.ListLedger(r.Context(), userID)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		out := make([]ledgerEntryResponse, 0, len(entries))
		for _, e := range entries {
			out = append(out, ledgerEntryResponse{
				ID:                e.ID,
				AmountCents:       e.AmountCents,
				Direction:         e.Direction,
				BalanceAfterCents: e.BalanceAfterCents,
				ReferenceType:     e.ReferenceType,
				ReferenceID:       e.ReferenceID,
				CreatedAt:         e.CreatedAt,
			})
		}
		writeJSON(w, http.StatusOK, out)

	case len(parts) == 2 && parts[1] == "deposit" && r.Method == http.MethodPost:
		var req depositRequest
		if err := decodeStrict(r, &req); err != nil {
			writeError(w, http.StatusBadRequest, "invalid_request")
			return
		}
		balance, err := s.service.Deposit(r.Context(), userID, req.AmountCents)
		if err != nil {
			s.writeServiceError(w, err)
			return
		}
		writeJSON(w, http.StatusOK, walletResponse{UserID: userID, AvailableCents: balance})

	default:
		writeError(w, http.StatusNotFound, "not_found")
	}
}

func (s *Server) handleTransactions(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	actor, ok := actorID(r)
	if !ok {
		writeError(w, http.StatusBadRequest, "missing_actor")
		return
	}

	txns, err := s.store.ListUserTransactions(r.Context(), actor)
	if err != nil {
		s.writeServiceError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, txns)
}

func (s *Server) handleAutopayRun(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}
	processed, failed := s.autopay.RunOnce(r.Context())
	writeJSON(w, http.StatusOK, map[string]int{"processed": processed, "failed": failed})
}

// handleGatewayWebhook verifies the event signature before any state
// mutation; a bad signature is rejected with no side effects.
func (s *Server) handleGatewayWebhook(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		writeError(w, http.StatusMethodNotAllowed, "method_not_allowed")
		return
	}

	payload, err := io.ReadAll(http.MaxBytesReader(w, r.Body, 1<<20))
	if err != nil {
		writeError(w, http.StatusBadRequest, "invalid_request")
		return
	}

	ev, err := gateway.ParseEvent(payload, r.Header.Get("X-Gateway-Signature"), s.webhookSecret)
	if err != nil {
		s.logger.Warn("webhook rejected", zap.Error(err))
		writeError(w, http.StatusBadRequest, "invalid_event")
		return
	}

	if err := s.service.HandleGatewayEvent(r.Context(), ev); err != nil {
		s.logger.Error("webhook processing failed",
			zap.String("event_id", ev.ID),
			zap.String("type", ev.Type),
			zap.Error(err))
		writeError(w, http.StatusInternalServerError, "internal_error")
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{"received": ev.ID})
}

func toUserResponse(u store.User) userResponse {
	return userResponse{
		ID:           u.ID,
		Email:        u.Email,
		Role:         u.Role,
		IsSuperUser:  u.IsSuperUser,
		LendingTerms: u.LendingTerms,
		CreatedAt:    u.CreatedAt,
	}
}
