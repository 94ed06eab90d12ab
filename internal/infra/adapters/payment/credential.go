package payment

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strconv"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/infra/metrics"
)

const (
	tokenSafetyMargin  = 5 * time.Minute
	defaultTokenExpiry = time.Hour
)

// tokenCache holds the Daraja bearer token. Refreshes are collapsed through
// singleflight and the mutex is never held while talking to the provider.
type tokenCache struct {
	mu        sync.RWMutex
	token     string
	expiresAt time.Time
	group     singleflight.Group
}

func (c *tokenCache) get(now time.Time) (string, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	if c.token == "" || !now.Before(c.expiresAt) {
		return "", false
	}
	return c.token, true
}

func (c *tokenCache) set(token string, expiresAt time.Time) {
	c.mu.Lock()
	c.token, c.expiresAt = token, expiresAt
	c.mu.Unlock()
}

func (c *tokenCache) invalidate() {
	c.mu.Lock()
	c.token, c.expiresAt = "", time.Time{}
	c.mu.Unlock()
}

// accessToken returns a bearer token that is valid for at least the safety margin.
func (g *MpesaGateway) accessToken(ctx context.Context) (string, error) {
	if tok, ok := g.tokens.get(g.now()); ok {
		return tok, nil
	}
	v, err, _ := g.tokens.group.Do("token", func() (any, error) {
		if tok, ok := g.tokens.get(g.now()); ok {
			return tok, nil
		}
		tok, ttl, err := g.fetchToken(ctx)
		if err != nil {
			metrics.IncTokenRefresh("error")
			return "", err
		}
		metrics.IncTokenRefresh("ok")
		g.tokens.set(tok, g.now().Add(cacheTTL(ttl)))
		return tok, nil
	})
	if err != nil {
		return "", err
	}
	return v.(string), nil
}

func cacheTTL(providerTTL time.Duration) time.Duration {
	if providerTTL <= 0 {
		providerTTL = defaultTokenExpiry
	}
	if providerTTL <= 2*tokenSafetyMargin {
		return providerTTL / 2
	}
	return providerTTL - tokenSafetyMargin
}

func (g *MpesaGateway) fetchToken(ctx context.Context) (string, time.Duration, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, g.baseURL+"/oauth/v1/generate?grant_type=client_credentials", nil)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", domain.ErrCredentialUnavailable, err)
	}
	req.SetBasicAuth(g.cfg.ConsumerKey, g.cfg.ConsumerSecret)

	resp, err := g.client.Do(req)
	if err != nil {
		return "", 0, fmt.Errorf("%w: %v", domain.ErrCredentialUnavailable, err)
	}
	defer resp.Body.Close()
	body, _ := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if resp.StatusCode != http.StatusOK {
		return "", 0, fmt.Errorf("%w: oauth http %d: %s", domain.ErrCredentialUnavailable, resp.StatusCode, truncate(string(body), 256))
	}

	var out struct {
		AccessToken string `json:"access_token"`
		ExpiresIn   code   `json:"expires_in"`
	}
	if err := json.Unmarshal(body, &out); err != nil {
		return "", 0, fmt.Errorf("%w: decode oauth response: %v", domain.ErrCredentialUnavailable, err)
	}
	if out.AccessToken == "" {
		return "", 0, fmt.Errorf("%w: empty access_token", domain.ErrCredentialUnavailable)
	}
	secs, _ := strconv.Atoi(string(out.ExpiresIn))
	return out.AccessToken, time.Duration(secs) * time.Second, nil
}
