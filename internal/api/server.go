package api

import (
	"crypto/subtle"
	"net/http"
	"strings"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"peerfund.app/internal/lending"
	"peerfund.app/internal/scheduler"
	"peerfund.app/internal/store"
)

type Server struct {
	store         *store.Store
	service       *lending.Service
	autopay       *scheduler.Scheduler
	authToken     string
	webhookSecret string
	logger        *zap.Logger
}

func NewServer(st *store.Store, svc *lending.Service, autopay *scheduler.Scheduler, authToken, webhookSecret string, logger *zap.Logger) *Server {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Server{
		store:         st,
		service:       svc,
		autopay:       autopay,
		authToken:     authToken,
		webhookSecret: webhookSecret,
		logger:        logger,
	}
}

func (s *Server) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/v1/users", s.authMiddleware(http.HandlerFunc(s.handleUsers)))
	mux.Handle("/v1/users/", s.authMiddleware(http.HandlerFunc(s.handleUserByID)))
	mux.Handle("/v1/wallets/", s.authMiddleware(http.HandlerFunc(s.handleWallets)))
	mux.Handle("/v1/loan-requests", s.authMiddleware(http.HandlerFunc(s.handleLoanRequests)))
	mux.Handle("/v1/loan-requests/", s.authMiddleware(http.HandlerFunc(s.handleLoanRequestByID)))
	mux.Handle("/v1/offers/", s.authMiddleware(http.HandlerFunc(s.handleOfferByID)))
	mux.Handle("/v1/loans/", s.authMiddleware(http.HandlerFunc(s.handleLoanByID)))
	mux.Handle("/v1/repayments/", s.authMiddleware(http.HandlerFunc(s.handleRepaymentByID)))
	mux.Handle("/v1/direct-requests", s.authMiddleware(http.HandlerFunc(s.handleDirectRequests)))
	mux.Handle("/v1/direct-requests/", s.authMiddleware(http.HandlerFunc(s.handleDirectRequestByID)))
	mux.Handle("/v1/transactions", s.authMiddleware(http.HandlerFunc(s.handleTransactions)))
	mux.Handle("/v1/autopay/run", s.authMiddleware(http.HandlerFunc(s.handleAutopayRun)))
	// Webhooks authenticate by signature, not bearer token.
	mux.Handle("/webhooks/gateway", http.HandlerFunc(s.handleGatewayWebhook))
	return mux
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		token := extractBearerToken(r.Header.Get("Authorization"))
		if !secureCompare(token, s.authToken) {
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// actorID is the authenticated user identity, resolved upstream and carried
// on the request. Lifecycle entrypoints require it.
func actorID(r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(strings.TrimSpace(r.Header.Get("X-User-ID")))
	if err != nil {
		return uuid.Nil, false
	}
	return id, true
}

func extractBearerToken(header string) string {
	if header == "" {
		return ""
	}
	parts := strings.SplitN(header, " ", 2)
	if len(parts) != 2 {
		return ""
	}
	if !strings.EqualFold(parts[0], "Bearer") {
		return ""
	}
	return strings.TrimSpace(parts[1])
}

func secureCompare(a, b string) bool {
	if len(a) != len(b) {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(a), []byte(b)) == 1
}
