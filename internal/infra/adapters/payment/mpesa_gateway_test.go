package payment

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/adapter"
)

type fakeDaraja struct {
	tokenCalls int32
	pushCalls  int32
	lastPush   stkPushRequest
	mu         sync.Mutex

	tokenStatus int
	expiresIn   string
	push        func(w http.ResponseWriter, r *http.Request)
	query       func(w http.ResponseWriter, r *http.Request)
}

func (f *fakeDaraja) handler(t *testing.T) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/oauth/v1/generate", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.tokenCalls, 1)
		if u, p, ok := r.BasicAuth(); !ok || u != "key" || p != "secret" {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		if f.tokenStatus != 0 {
			w.WriteHeader(f.tokenStatus)
			return
		}
		exp := f.expiresIn
		if exp == "" {
			exp = "3599"
		}
		_ = json.NewEncoder(w).Encode(map[string]string{"access_token": "tok-1", "expires_in": exp})
	})
	mux.HandleFunc("/mpesa/stkpush/v1/processrequest", func(w http.ResponseWriter, r *http.Request) {
		atomic.AddInt32(&f.pushCalls, 1)
		if r.Header.Get("Authorization") != "Bearer tok-1" {
			t.Errorf("missing bearer token, got %q", r.Header.Get("Authorization"))
		}
		var body stkPushRequest
		_ = json.NewDecoder(r.Body).Decode(&body)
		f.mu.Lock()
		f.lastPush = body
		f.mu.Unlock()
		if f.push != nil {
			f.push(w, r)
			return
		}
		_, _ = w.Write([]byte(`{"MerchantRequestID":"29115-1","CheckoutRequestID":"ws_CO_1","ResponseCode":"0","ResponseDescription":"Success. Request accepted for processing","CustomerMessage":"Success. Request accepted for processing"}`))
	})
	mux.HandleFunc("/mpesa/stkpushquery/v1/query", func(w http.ResponseWriter, r *http.Request) {
		f.query(w, r)
	})
	return mux
}

func newTestGateway(t *testing.T, f *fakeDaraja) *MpesaGateway {
	t.Helper()
	srv := httptest.NewServer(f.handler(t))
	t.Cleanup(srv.Close)
	g, err := NewMpesaGateway(MpesaConfig{
		BaseURL:        srv.URL,
		ConsumerKey:    "key",
		ConsumerSecret: "secret",
		ShortCode:      "174379",
		Passkey:        "passkey",
		CallbackURL:    "https://example.test/api/v1/payments/mpesa/callback",
		Timeout:        2 * time.Second,
	})
	if err != nil {
		t.Fatalf("NewMpesaGateway: %v", err)
	}
	g.now = func() time.Time { return time.Date(2025, 3, 1, 7, 4, 5, 0, time.UTC) }
	return g
}

func TestNewMpesaGateway_Validation(t *testing.T) {
	if _, err := NewMpesaGateway(MpesaConfig{}); err == nil {
		t.Error("expected error for empty credentials")
	}
	if _, err := NewMpesaGateway(MpesaConfig{ConsumerKey: "k", ConsumerSecret: "s", ShortCode: "1", Passkey: "p", CallbackURL: "not a url"}); err == nil {
		t.Error("expected error for relative callback url")
	}
}

func TestMpesaGateway_InitiatePush(t *testing.T) {
	f := &fakeDaraja{}
	g := newTestGateway(t, f)

	ack, err := g.InitiatePush(context.Background(), adapter.PushRequest{
		Phone: "0712345678", Amount: 100, Reference: "EV01HQXYZABCDEF", Description: "Year 1 access to course",
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ack.CheckoutRequestID != "ws_CO_1" || ack.MerchantRequestID != "29115-1" {
		t.Errorf("unexpected ack %+v", ack)
	}
	if len(ack.Raw) == 0 {
		t.Error("expected raw acknowledgement")
	}

	f.mu.Lock()
	sent := f.lastPush
	f.mu.Unlock()
	if sent.Timestamp != "20250301100405" {
		t.Errorf("expected EAT timestamp 20250301100405, got %s", sent.Timestamp)
	}
	wantPw := base64.StdEncoding.EncodeToString([]byte("174379" + "passkey" + "20250301100405"))
	if sent.Password != wantPw {
		t.Errorf("unexpected password %s", sent.Password)
	}
	if sent.PhoneNumber != "254712345678" || sent.PartyA != "254712345678" || sent.PartyB != "174379" {
		t.Errorf("unexpected parties %+v", sent)
	}
	if sent.TransactionType != TransactionTypePayBill || sent.Amount != 100 {
		t.Errorf("unexpected type/amount %+v", sent)
	}
	if len(sent.AccountReference) > 12 || len(sent.TransactionDesc) > 13 {
		t.Errorf("reference/description not truncated: %q %q", sent.AccountReference, sent.TransactionDesc)
	}
}

func TestMpesaGateway_InitiatePush_InvalidInput(t *testing.T) {
	f := &fakeDaraja{}
	g := newTestGateway(t, f)

	for _, amount := range []int64{0, 70001} {
		_, err := g.InitiatePush(context.Background(), adapter.PushRequest{Phone: "0712345678", Amount: amount})
		var fe *domain.FieldError
		if !errors.As(err, &fe) || fe.Field != "amount" {
			t.Errorf("amount %d: expected amount field error, got %v", amount, err)
		}
	}
	_, err := g.InitiatePush(context.Background(), adapter.PushRequest{Phone: "0812345678", Amount: 100})
	if !errors.Is(err, domain.ErrInvalidArgument) {
		t.Errorf("expected invalid phone to be rejected, got %v", err)
	}
	if n := atomic.LoadInt32(&f.pushCalls); n != 0 {
		t.Errorf("expected no provider call for invalid input, got %d", n)
	}
}

func TestMpesaGateway_InitiatePush_Rejected(t *testing.T) {
	f := &fakeDaraja{push: func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadRequest)
		_, _ = w.Write([]byte(`{"requestId":"r-1","errorCode":"400.002.02","errorMessage":"Bad Request - Invalid BusinessShortCode"}`))
	}}
	g := newTestGateway(t, f)

	_, err := g.InitiatePush(context.Background(), adapter.PushRequest{Phone: "0712345678", Amount: 100})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
	if msg := domain.ProviderMessage(err); msg != "Bad Request - Invalid BusinessShortCode" {
		t.Errorf("unexpected provider message %q", msg)
	}
}

func TestMpesaGateway_InitiatePush_NonZeroResponseCode(t *testing.T) {
	f := &fakeDaraja{push: func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"CheckoutRequestID":"","ResponseCode":"1","ResponseDescription":"Rejected"}`))
	}}
	g := newTestGateway(t, f)

	_, err := g.InitiatePush(context.Background(), adapter.PushRequest{Phone: "0712345678", Amount: 100})
	if !errors.Is(err, domain.ErrGatewayRejected) {
		t.Fatalf("expected ErrGatewayRejected, got %v", err)
	}
}

func TestMpesaGateway_InitiatePush_Unavailable(t *testing.T) {
	cases := map[string]func(w http.ResponseWriter, r *http.Request){
		"server error": func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusServiceUnavailable)
		},
		"garbage body": func(w http.ResponseWriter, r *http.Request) {
			_, _ = w.Write([]byte(`<html>gateway timeout</html>`))
		},
		"timeout": func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(300 * time.Millisecond)
		},
	}
	for name, h := range cases {
		t.Run(name, func(t *testing.T) {
			g := newTestGateway(t, &fakeDaraja{push: h})
			ctx, cancel := context.WithTimeout(context.Background(), 100*time.Millisecond)
			defer cancel()
			_, err := g.InitiatePush(ctx, adapter.PushRequest{Phone: "0712345678", Amount: 100})
			if !errors.Is(err, domain.ErrGatewayUnavailable) {
				t.Fatalf("expected ErrGatewayUnavailable, got %v", err)
			}
			if domain.Rejected(err) {
				t.Error("unavailable must not be reported as rejected")
			}
		})
	}
}

func TestMpesaGateway_TokenCached(t *testing.T) {
	f := &fakeDaraja{}
	g := newTestGateway(t, f)

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := g.accessToken(context.Background()); err != nil {
				t.Errorf("accessToken: %v", err)
			}
		}()
	}
	wg.Wait()
	if n := atomic.LoadInt32(&f.tokenCalls); n != 1 {
		t.Errorf("expected one token fetch, got %d", n)
	}

	// 3599s from the provider is cached for 3599s minus the 5 minute margin.
	base := g.now()
	g.now = func() time.Time { return base.Add(54 * time.Minute) }
	_, _ = g.accessToken(context.Background())
	if n := atomic.LoadInt32(&f.tokenCalls); n != 1 {
		t.Errorf("expected token still cached at 54m, got %d fetches", n)
	}
	g.now = func() time.Time { return base.Add(55 * time.Minute) }
	_, _ = g.accessToken(context.Background())
	if n := atomic.LoadInt32(&f.tokenCalls); n != 2 {
		t.Errorf("expected refresh at 55m, got %d fetches", n)
	}
}

func TestMpesaGateway_TokenFailure(t *testing.T) {
	g := newTestGateway(t, &fakeDaraja{tokenStatus: http.StatusUnauthorized})

	_, err := g.accessToken(context.Background())
	if !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected ErrCredentialUnavailable, got %v", err)
	}
	_, err = g.InitiatePush(context.Background(), adapter.PushRequest{Phone: "0712345678", Amount: 100})
	if !errors.Is(err, domain.ErrGatewayUnavailable) || !errors.Is(err, domain.ErrCredentialUnavailable) {
		t.Fatalf("expected unavailable wrapping credential failure, got %v", err)
	}
}

func TestMpesaGateway_QueryPushStatus(t *testing.T) {
	tests := []struct {
		name      string
		status    int
		body      string
		wantClass model.ResultClass
		wantErr   error
	}{
		{"success", 200, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"0","ResultDesc":"The service request is processed successfully."}`, model.ResultSucceeded, nil},
		{"cancelled", 200, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"1032","ResultDesc":"Request cancelled by user"}`, model.ResultFailed, nil},
		{"numeric result code", 200, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":1037,"ResultDesc":"DS timeout"}`, model.ResultFailed, nil},
		{"still processing", 500, `{"requestId":"r","errorCode":"500.001.1001","errorMessage":"The transaction is being processed"}`, model.ResultPending, nil},
		{"unknown code", 200, `{"ResponseCode":"0","CheckoutRequestID":"ws_CO_1","ResultCode":"8006","ResultDesc":"Security credential is locked"}`, model.ResultUnrecognized, nil},
		{"bad request", 400, `{"requestId":"r","errorCode":"400.002.02","errorMessage":"Invalid CheckoutRequestID"}`, 0, domain.ErrGatewayRejected},
		{"server down", 503, ``, 0, domain.ErrGatewayUnavailable},
	}
	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			f := &fakeDaraja{query: func(w http.ResponseWriter, r *http.Request) {
				var req stkQueryRequest
				_ = json.NewDecoder(r.Body).Decode(&req)
				if req.CheckoutRequestID != "ws_CO_1" || req.BusinessShortCode != "174379" {
					t.Errorf("unexpected query body %+v", req)
				}
				w.WriteHeader(tc.status)
				_, _ = w.Write([]byte(tc.body))
			}}
			g := newTestGateway(t, f)

			out, err := g.QueryPushStatus(context.Background(), "ws_CO_1")
			if tc.wantErr != nil {
				if !errors.Is(err, tc.wantErr) {
					t.Fatalf("expected %v, got %v", tc.wantErr, err)
				}
				return
			}
			if err != nil {
				t.Fatalf("unexpected error: %v", err)
			}
			if out.Class != tc.wantClass {
				t.Errorf("expected class %s, got %s", tc.wantClass, out.Class)
			}
			if out.Source != model.OutcomeSourcePoll || out.ExternalCorrelationID != "ws_CO_1" {
				t.Errorf("unexpected outcome %+v", out)
			}
			if out.Succeeded != (tc.wantClass == model.ResultSucceeded) {
				t.Errorf("Succeeded mismatch for class %s", out.Class)
			}
		})
	}
}

func TestCacheTTL(t *testing.T) {
	if got := cacheTTL(3600 * time.Second); got != 55*time.Minute {
		t.Errorf("expected 55m, got %v", got)
	}
	if got := cacheTTL(0); got != 55*time.Minute {
		t.Errorf("expected default 55m, got %v", got)
	}
	if got := cacheTTL(4 * time.Minute); got != 2*time.Minute {
		t.Errorf("expected short tokens to be halved, got %v", got)
	}
}
