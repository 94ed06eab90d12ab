package model

import "time"

// ResultClass is what a provider result code means for the ledger.
type ResultClass int

const (
	ResultUnrecognized ResultClass = iota
	ResultSucceeded
	ResultFailed
	ResultPending
)

func (c ResultClass) String() string {
	switch c {
	case ResultSucceeded:
		return "succeeded"
	case ResultFailed:
		return "failed"
	case ResultPending:
		return "pending"
	default:
		return "unrecognized"
	}
}

// M-Pesa STK result codes seen on callbacks and status queries.
const (
	ResultCodeSuccess           = "0"
	ResultCodeInsufficientFunds = "1"
	ResultCodeRuleLimited       = "17"
	ResultCodeSystemBusy        = "26"
	ResultCodeSubscriberLocked  = "1001"
	ResultCodeTxExpired         = "1019"
	ResultCodePushSendFailed    = "1025"
	ResultCodeCancelledByUser   = "1032"
	ResultCodeUnreachable       = "1037"
	ResultCodeInvalidPIN        = "2001"
	ResultCodePushError         = "9999"
	ResultCodeStillProcessing   = "4999"
	ErrorCodeBeingProcessed     = "500.001.1001"
)

var resultCodeClasses = map[string]ResultClass{
	ResultCodeSuccess:           ResultSucceeded,
	ResultCodeStillProcessing:   ResultPending,
	ErrorCodeBeingProcessed:     ResultPending,
	ResultCodeInsufficientFunds: ResultFailed,
	ResultCodeRuleLimited:       ResultFailed,
	ResultCodeSystemBusy:        ResultFailed,
	ResultCodeSubscriberLocked:  ResultFailed,
	ResultCodeTxExpired:         ResultFailed,
	ResultCodePushSendFailed:    ResultFailed,
	ResultCodeCancelledByUser:   ResultFailed,
	ResultCodeUnreachable:       ResultFailed,
	ResultCodeInvalidPIN:        ResultFailed,
	ResultCodePushError:         ResultFailed,
}

// ClassifyResultCode maps a provider result code to a ResultClass. Both the
// callback and the polling path go through here.
func ClassifyResultCode(code string) ResultClass {
	if c, ok := resultCodeClasses[code]; ok {
		return c
	}
	return ResultUnrecognized
}

type OutcomeSource string

const (
	OutcomeSourceCallback OutcomeSource = "callback"
	OutcomeSourcePoll     OutcomeSource = "poll"
)

// TransactionOutcome is the flat view of a provider result, whichever way it arrived.
type TransactionOutcome struct {
	ExternalCorrelationID string
	MerchantRequestID     string
	ResultCode            string
	ResultDescription     string
	Succeeded             bool
	Class                 ResultClass
	Amount                *int64
	ReceiptID             string
	TransactionTime       *time.Time
	SubscriberPhone       string
	Source                OutcomeSource
	Raw                   []byte
}

// CallbackAck is the only response the provider ever gets from the webhook.
type CallbackAck struct {
	ResultCode int    `json:"ResultCode"`
	ResultDesc string `json:"ResultDesc"`
}

func AcceptedAck() CallbackAck {
	return CallbackAck{ResultCode: 0, ResultDesc: "Accepted"}
}
