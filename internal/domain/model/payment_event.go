package model

import "time"

type PaymentEventSource string

const (
	EventSourceInitiate PaymentEventSource = "initiate"
	EventSourceCallback PaymentEventSource = "callback"
	EventSourcePoll     PaymentEventSource = "poll"
	EventSourceSweep    PaymentEventSource = "sweep"
)

type PaymentEventKind string

const (
	EventKindAcknowledged PaymentEventKind = "acknowledged"
	EventKindRejected     PaymentEventKind = "rejected"
	EventKindUnavailable  PaymentEventKind = "unavailable"
	EventKindCompleted    PaymentEventKind = "completed"
	EventKindFailed       PaymentEventKind = "failed"
	EventKindExpired      PaymentEventKind = "expired"
	EventKindStillPending PaymentEventKind = "still_pending"
	EventKindUnmatched    PaymentEventKind = "unmatched"
	EventKindMalformed    PaymentEventKind = "malformed"
	EventKindIgnored      PaymentEventKind = "ignored"
)

// PaymentEvent is an append-only audit entry for every provider interaction.
// SubscriptionID is nil for callbacks that matched nothing or could not be parsed.
type PaymentEvent struct {
	ID             string
	SubscriptionID *string
	CorrelationID  string
	Source         PaymentEventSource
	Kind           PaymentEventKind
	ResultCode     string
	ResultDesc     string
	Payload        []byte
	CreatedAt      time.Time
}
