package payment

import (
	"bytes"
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/adapter"
	"eduvault-payments/internal/infra/metrics"
)

var _ adapter.PaymentGateway = (*MpesaGateway)(nil)

const (
	SandboxBaseURL    = "https://sandbox.safaricom.co.ke"
	ProductionBaseURL = "https://api.safaricom.co.ke"

	TransactionTypePayBill  = "CustomerPayBillOnline"
	TransactionTypeBuyGoods = "CustomerBuyGoodsOnline"

	MinPushAmount = 1
	MaxPushAmount = 70000

	maxReferenceLen   = 12
	maxDescriptionLen = 13
	maxBodyBytes      = 1 << 20
)

// MpesaConfig is what the Daraja client needs; cmd/app maps config.MpesaConfig onto it.
type MpesaConfig struct {
	BaseURL         string
	ConsumerKey     string
	ConsumerSecret  string
	ShortCode       string
	PartyB          string // defaults to ShortCode; set to the till number for buy-goods
	Passkey         string
	CallbackURL     string
	TransactionType string
	Timeout         time.Duration
}

// MpesaGateway implements adapter.PaymentGateway against the Safaricom Daraja STK push API.
type MpesaGateway struct {
	cfg     MpesaConfig
	baseURL string
	client  *http.Client
	now     func() time.Time
	tokens  tokenCache
}

func NewMpesaGateway(cfg MpesaConfig) (*MpesaGateway, error) {
	if cfg.ConsumerKey == "" || cfg.ConsumerSecret == "" {
		return nil, errors.New("mpesa consumer key/secret empty")
	}
	if cfg.ShortCode == "" || cfg.Passkey == "" {
		return nil, errors.New("mpesa shortcode/passkey empty")
	}
	if u, err := url.Parse(cfg.CallbackURL); err != nil || u.Scheme == "" || u.Host == "" {
		return nil, fmt.Errorf("invalid callback url %q", cfg.CallbackURL)
	}
	if cfg.BaseURL == "" {
		cfg.BaseURL = SandboxBaseURL
	}
	if cfg.PartyB == "" {
		cfg.PartyB = cfg.ShortCode
	}
	if cfg.TransactionType == "" {
		cfg.TransactionType = TransactionTypePayBill
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = 15 * time.Second
	}
	return &MpesaGateway{
		cfg:     cfg,
		baseURL: strings.TrimRight(cfg.BaseURL, "/"),
		client:  &http.Client{Timeout: cfg.Timeout},
		now:     time.Now,
	}, nil
}

func (g *MpesaGateway) Name() string { return "mpesa" }

func (g *MpesaGateway) NormalizePhone(raw string) (string, error) {
	return normalizeAndValidate(raw)
}

func (g *MpesaGateway) ParseCallback(raw []byte) (*model.TransactionOutcome, error) {
	return parseCallback(raw)
}

// password returns base64(shortcode + passkey + timestamp) and the timestamp.
func (g *MpesaGateway) password() (string, string) {
	ts := g.now().In(eat).Format(darajaTimeLayout)
	return base64.StdEncoding.EncodeToString([]byte(g.cfg.ShortCode + g.cfg.Passkey + ts)), ts
}

type stkPushRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	TransactionType   string `json:"TransactionType"`
	Amount            int64  `json:"Amount"`
	PartyA            string `json:"PartyA"`
	PartyB            string `json:"PartyB"`
	PhoneNumber       string `json:"PhoneNumber"`
	CallBackURL       string `json:"CallBackURL"`
	AccountReference  string `json:"AccountReference"`
	TransactionDesc   string `json:"TransactionDesc"`
}

type stkPushResponse struct {
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResponseCode        code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	CustomerMessage     string `json:"CustomerMessage"`
}

type stkQueryRequest struct {
	BusinessShortCode string `json:"BusinessShortCode"`
	Password          string `json:"Password"`
	Timestamp         string `json:"Timestamp"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
}

type stkQueryResponse struct {
	ResponseCode        code   `json:"ResponseCode"`
	ResponseDescription string `json:"ResponseDescription"`
	MerchantRequestID   string `json:"MerchantRequestID"`
	CheckoutRequestID   string `json:"CheckoutRequestID"`
	ResultCode          code   `json:"ResultCode"`
	ResultDesc          string `json:"ResultDesc"`
}

// darajaError is the body Daraja sends with non-2xx answers.
type darajaError struct {
	RequestID    string `json:"requestId"`
	ErrorCode    string `json:"errorCode"`
	ErrorMessage string `json:"errorMessage"`
}

// InitiatePush sends an STK push and returns once Daraja acknowledges it.
func (g *MpesaGateway) InitiatePush(ctx context.Context, req adapter.PushRequest) (*adapter.PushAcknowledgement, error) {
	if req.Amount < MinPushAmount || req.Amount > MaxPushAmount {
		return nil, domain.NewFieldError("amount", fmt.Sprintf("must be between %d and %d", MinPushAmount, MaxPushAmount))
	}
	phone, err := normalizeAndValidate(req.Phone)
	if err != nil {
		return nil, err
	}

	started := time.Now()
	ack, err := g.initiate(ctx, phone, req)
	metrics.ObserveGatewayCall("initiate", callResult(err), started)
	return ack, err
}

func (g *MpesaGateway) initiate(ctx context.Context, phone string, req adapter.PushRequest) (*adapter.PushAcknowledgement, error) {
	const op = "mpesa.initiate"
	pw, ts := g.password()
	payload := stkPushRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          pw,
		Timestamp:         ts,
		TransactionType:   g.cfg.TransactionType,
		Amount:            req.Amount,
		PartyA:            phone,
		PartyB:            g.cfg.PartyB,
		PhoneNumber:       phone,
		CallBackURL:       g.cfg.CallbackURL,
		AccountReference:  truncate(req.Reference, maxReferenceLen),
		TransactionDesc:   truncate(req.Description, maxDescriptionLen),
	}

	status, body, err := g.post(ctx, op, "/mpesa/stkpush/v1/processrequest", payload)
	if err != nil {
		return nil, err
	}
	if status < 200 || status >= 300 {
		return nil, g.httpError(op, status, body)
	}

	var out stkPushResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Status: status, Raw: string(body), Err: err}
	}
	if out.ResponseCode != "0" {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayRejected, Op: op, Status: status, Code: string(out.ResponseCode), Message: out.ResponseDescription, Raw: string(body)}
	}
	if out.CheckoutRequestID == "" {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Status: status, Message: "acknowledgement without CheckoutRequestID", Raw: string(body)}
	}
	return &adapter.PushAcknowledgement{
		CheckoutRequestID:   out.CheckoutRequestID,
		MerchantRequestID:   out.MerchantRequestID,
		ResponseCode:        string(out.ResponseCode),
		ResponseDescription: out.ResponseDescription,
		CustomerMessage:     out.CustomerMessage,
		Raw:                 json.RawMessage(body),
	}, nil
}

// QueryPushStatus asks Daraja how a push ended. "Still processing" comes back
// as a pending outcome, not an error.
func (g *MpesaGateway) QueryPushStatus(ctx context.Context, checkoutRequestID string) (*model.TransactionOutcome, error) {
	if strings.TrimSpace(checkoutRequestID) == "" {
		return nil, domain.NewFieldError("checkoutRequestId", "is required")
	}
	started := time.Now()
	out, err := g.query(ctx, checkoutRequestID)
	metrics.ObserveGatewayCall("query", callResult(err), started)
	return out, err
}

func (g *MpesaGateway) query(ctx context.Context, checkoutRequestID string) (*model.TransactionOutcome, error) {
	const op = "mpesa.query"
	pw, ts := g.password()
	status, body, err := g.post(ctx, op, "/mpesa/stkpushquery/v1/query", stkQueryRequest{
		BusinessShortCode: g.cfg.ShortCode,
		Password:          pw,
		Timestamp:         ts,
		CheckoutRequestID: checkoutRequestID,
	})
	if err != nil {
		return nil, err
	}

	if status < 200 || status >= 300 {
		var de darajaError
		if json.Unmarshal(body, &de) == nil && model.ClassifyResultCode(de.ErrorCode) == model.ResultPending {
			return &model.TransactionOutcome{
				ExternalCorrelationID: checkoutRequestID,
				ResultCode:            de.ErrorCode,
				ResultDescription:     de.ErrorMessage,
				Class:                 model.ResultPending,
				Source:                model.OutcomeSourcePoll,
				Raw:                   body,
			}, nil
		}
		return nil, g.httpError(op, status, body)
	}

	var out stkQueryResponse
	if err := json.Unmarshal(body, &out); err != nil {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Status: status, Raw: string(body), Err: err}
	}
	if out.ResponseCode != "" && out.ResponseCode != "0" {
		return nil, &domain.GatewayError{Kind: domain.ErrGatewayRejected, Op: op, Status: status, Code: string(out.ResponseCode), Message: out.ResponseDescription, Raw: string(body)}
	}
	if out.CheckoutRequestID == "" {
		out.CheckoutRequestID = checkoutRequestID
	}
	class := model.ClassifyResultCode(string(out.ResultCode))
	return &model.TransactionOutcome{
		ExternalCorrelationID: out.CheckoutRequestID,
		MerchantRequestID:     out.MerchantRequestID,
		ResultCode:            string(out.ResultCode),
		ResultDescription:     out.ResultDesc,
		Class:                 class,
		Succeeded:             class == model.ResultSucceeded,
		Source:                model.OutcomeSourcePoll,
		Raw:                   body,
	}, nil
}

// post sends an authenticated JSON request. Transport failures and missing
// credentials come back as GatewayUnavailable; callers inspect the status.
func (g *MpesaGateway) post(ctx context.Context, op, path string, payload any) (int, []byte, error) {
	tok, err := g.accessToken(ctx)
	if err != nil {
		return 0, nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: err}
	}
	b, err := json.Marshal(payload)
	if err != nil {
		return 0, nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: err}
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, g.baseURL+path, bytes.NewReader(b))
	if err != nil {
		return 0, nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: err}
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("Authorization", "Bearer "+tok)

	resp, err := g.client.Do(req)
	if err != nil {
		return 0, nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Err: err}
	}
	defer resp.Body.Close()
	body, err := io.ReadAll(io.LimitReader(resp.Body, maxBodyBytes))
	if err != nil {
		return 0, nil, &domain.GatewayError{Kind: domain.ErrGatewayUnavailable, Op: op, Status: resp.StatusCode, Err: err}
	}
	if resp.StatusCode == http.StatusUnauthorized {
		g.tokens.invalidate()
	}
	return resp.StatusCode, body, nil
}

// httpError classifies a non-2xx answer: 4xx is the provider refusing our
// input, everything else (including 401 after a token rotation) is retryable.
func (g *MpesaGateway) httpError(op string, status int, body []byte) error {
	var de darajaError
	_ = json.Unmarshal(body, &de)
	kind := domain.ErrGatewayUnavailable
	if status >= 400 && status < 500 && status != http.StatusUnauthorized && status != http.StatusTooManyRequests {
		kind = domain.ErrGatewayRejected
	}
	msg := de.ErrorMessage
	if msg == "" {
		msg = fmt.Sprintf("http %d", status)
	}
	return &domain.GatewayError{Kind: kind, Op: op, Status: status, Code: de.ErrorCode, Message: msg, Raw: string(body)}
}

func callResult(err error) string {
	switch {
	case err == nil:
		return "ok"
	case errors.Is(err, domain.ErrGatewayRejected):
		return "rejected"
	case errors.Is(err, domain.ErrInvalidArgument):
		return "invalid"
	default:
		return "unavailable"
	}
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}
