package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"eduvault-payments/internal/usecase"
)

const DefaultCallbackPath = "/api/v1/payments/mpesa/callback"

// Server exposes the subscription API and the provider callback.
type Server struct {
	payUC          usecase.PaymentUseCase
	subUC          usecase.SubscriptionUseCase
	auth           *AuthManager
	callbackPath   string
	requestTimeout time.Duration
	log            *zerolog.Logger
}

// NewServer constructs the HTTP layer. callbackPath must match the path
// portion of the callback URL registered with the provider.
func NewServer(payUC usecase.PaymentUseCase, subUC usecase.SubscriptionUseCase, auth *AuthManager, callbackPath string, requestTimeout time.Duration, logger *zerolog.Logger) *Server {
	if callbackPath == "" {
		callbackPath = DefaultCallbackPath
	}
	compLog := logger.With().Str("component", "HTTPServer").Logger()
	return &Server{
		payUC:          payUC,
		subUC:          subUC,
		auth:           auth,
		callbackPath:   callbackPath,
		requestTimeout: requestTimeout,
		log:            &compLog,
	}
}

// Routes returns the full handler tree.
func (s *Server) Routes() http.Handler {
	r := chi.NewRouter()
	r.Use(TraceID(), RequestLog(s.log), Recover(s.log))

	r.Get("/health", handleHealth)
	r.Handle("/metrics", promhttp.Handler())
	r.Post(s.callbackPath, s.handleCallback)

	r.Group(func(r chi.Router) {
		r.Use(Timeout(s.requestTimeout), s.auth.Authenticate())

		r.Post("/api/v1/subscriptions", s.handleInitiate)
		r.Get("/api/v1/subscriptions/{id}", s.handleGetSubscription)
		r.Get("/api/v1/subscriptions/{id}/query", s.handleQuerySubscription)
		r.Get("/api/v1/entitlements/{courseId}/{year}", s.handleEntitlement)
	})
	return r
}
