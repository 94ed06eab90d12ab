package payment

import (
	"bytes"
	"encoding/json"
	"fmt"
	"math"
	"strconv"
	"strings"
	"time"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
)

// eat is East Africa Time. Daraja timestamps carry no zone and are always local Nairobi time.
var eat = time.FixedZone("EAT", 3*60*60)

const darajaTimeLayout = "20060102150405"

// code accepts Daraja result codes sent either as JSON strings or numbers.
type code string

func (c *code) UnmarshalJSON(b []byte) error {
	b = bytes.TrimSpace(b)
	if len(b) == 0 || bytes.Equal(b, []byte("null")) {
		*c = ""
		return nil
	}
	if b[0] == '"' {
		var s string
		if err := json.Unmarshal(b, &s); err != nil {
			return err
		}
		*c = code(strings.TrimSpace(s))
		return nil
	}
	var n json.Number
	if err := json.Unmarshal(b, &n); err != nil {
		return err
	}
	*c = code(n.String())
	return nil
}

type callbackItem struct {
	Name  string          `json:"Name"`
	Value json.RawMessage `json:"Value"`
}

type stkCallback struct {
	MerchantRequestID string `json:"MerchantRequestID"`
	CheckoutRequestID string `json:"CheckoutRequestID"`
	ResultCode        code   `json:"ResultCode"`
	ResultDesc        string `json:"ResultDesc"`
	CallbackMetadata  *struct {
		Item []callbackItem `json:"Item"`
	} `json:"CallbackMetadata"`
}

type callbackEnvelope struct {
	Body *struct {
		StkCallback *stkCallback `json:"stkCallback"`
	} `json:"Body"`
}

// parseCallback flattens {Body:{stkCallback:{...}}} into a TransactionOutcome.
func parseCallback(raw []byte) (*model.TransactionOutcome, error) {
	var env callbackEnvelope
	if err := json.Unmarshal(raw, &env); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrCallbackMalformed, err)
	}
	if env.Body == nil || env.Body.StkCallback == nil {
		return nil, fmt.Errorf("%w: missing Body.stkCallback", domain.ErrCallbackMalformed)
	}
	cb := env.Body.StkCallback
	if strings.TrimSpace(cb.CheckoutRequestID) == "" {
		return nil, fmt.Errorf("%w: missing CheckoutRequestID", domain.ErrCallbackMalformed)
	}
	if cb.ResultCode == "" {
		return nil, fmt.Errorf("%w: missing ResultCode", domain.ErrCallbackMalformed)
	}

	class := model.ClassifyResultCode(string(cb.ResultCode))
	out := &model.TransactionOutcome{
		ExternalCorrelationID: cb.CheckoutRequestID,
		MerchantRequestID:     cb.MerchantRequestID,
		ResultCode:            string(cb.ResultCode),
		ResultDescription:     cb.ResultDesc,
		Class:                 class,
		Succeeded:             class == model.ResultSucceeded,
		Source:                model.OutcomeSourceCallback,
		Raw:                   append([]byte(nil), raw...),
	}
	if cb.CallbackMetadata == nil {
		return out, nil
	}

	for _, it := range cb.CallbackMetadata.Item {
		v := itemText(it.Value)
		if v == "" {
			continue
		}
		switch it.Name {
		case "Amount":
			if f, err := strconv.ParseFloat(v, 64); err == nil {
				a := int64(math.Round(f))
				out.Amount = &a
			}
		case "MpesaReceiptNumber":
			out.ReceiptID = v
		case "TransactionDate":
			if t, err := time.ParseInLocation(darajaTimeLayout, v, eat); err == nil {
				out.TransactionTime = &t
			}
		case "PhoneNumber":
			out.SubscriberPhone = v
		}
	}
	return out, nil
}

// itemText renders a metadata Value as text. Numbers keep their literal
// digits so 20191219102115 does not turn into 2.0191219102115e+13.
func itemText(raw json.RawMessage) string {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return ""
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return ""
		}
		return strings.TrimSpace(s)
	}
	return string(raw)
}
