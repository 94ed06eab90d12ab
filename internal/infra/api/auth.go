package api

import (
	"context"
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/infra/logging"
)

// ===== Subscriber JWT =====

// AuthManager verifies the HS256 tokens the platform issues to subscribers.
// The subscriber id is the token subject.
type AuthManager struct {
	secret     []byte
	issuer     string
	cookieName string
	now        func() time.Time
}

func NewAuthManager(secret, issuer, cookieName string) *AuthManager {
	if cookieName == "" {
		cookieName = "eduvault_session"
	}
	return &AuthManager{secret: []byte(secret), issuer: issuer, cookieName: cookieName, now: time.Now}
}

type SubscriberClaims struct {
	Role string `json:"role,omitempty"`
	jwt.RegisteredClaims
}

// Mint signs a subscriber token. Used by the dev token command and tests.
func (a *AuthManager) Mint(subscriberID string, ttl time.Duration) (string, error) {
	if subscriberID == "" {
		return "", domain.ErrInvalidArgument
	}
	now := a.now()
	claims := SubscriberClaims{
		Role: "subscriber",
		RegisteredClaims: jwt.RegisteredClaims{
			Issuer:    a.issuer,
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			Subject:   subscriberID,
		},
	}
	return jwt.NewWithClaims(jwt.SigningMethodHS256, claims).SignedString(a.secret)
}

func (a *AuthManager) ParseFromRequest(r *http.Request) (*SubscriberClaims, error) {
	// Authorization: Bearer <jwt>
	if hdr := r.Header.Get("Authorization"); hdr != "" {
		if strings.HasPrefix(strings.ToLower(hdr), "bearer ") {
			return a.parse(strings.TrimSpace(hdr[7:]))
		}
		return nil, domain.ErrUnauthorized
	}
	// Cookie
	if c, err := r.Cookie(a.cookieName); err == nil {
		return a.parse(c.Value)
	}
	return nil, domain.ErrUnauthorized
}

func (a *AuthManager) parse(tok string) (*SubscriberClaims, error) {
	opts := []jwt.ParserOption{
		jwt.WithValidMethods([]string{jwt.SigningMethodHS256.Alg()}),
		jwt.WithTimeFunc(a.now),
	}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}
	claims := &SubscriberClaims{}
	tkn, err := jwt.ParseWithClaims(tok, claims, func(t *jwt.Token) (any, error) {
		return a.secret, nil
	}, opts...)
	if err != nil || !tkn.Valid {
		return nil, errors.Join(domain.ErrUnauthorized, err)
	}
	if claims.Subject == "" {
		return nil, domain.ErrUnauthorized
	}
	return claims, nil
}

type subscriberKey struct{}

// Authenticate rejects requests without a valid subscriber token and puts
// the subscriber id in the context.
func (a *AuthManager) Authenticate() Middleware {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			claims, err := a.ParseFromRequest(r)
			if err != nil {
				writeJSON(w, http.StatusUnauthorized, errorBody{Error: "unauthorized", Message: "missing or invalid token"})
				return
			}
			ctx := context.WithValue(r.Context(), subscriberKey{}, claims.Subject)
			ctx = logging.WithSubscriberID(ctx, claims.Subject)
			next.ServeHTTP(w, r.WithContext(ctx))
		})
	}
}

func subscriberFrom(ctx context.Context) string {
	v, _ := ctx.Value(subscriberKey{}).(string)
	return v
}
