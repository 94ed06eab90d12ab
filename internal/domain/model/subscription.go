package model

import (
	"math"
	"strconv"
	"strings"
	"time"

	"eduvault-payments/internal/domain"
)

type SubscriptionStatus string

const (
	SubscriptionStatusPending   SubscriptionStatus = "pending"   // push sent (or about to be); awaiting provider outcome
	SubscriptionStatusCompleted SubscriptionStatus = "completed" // provider confirmed payment
	SubscriptionStatusFailed    SubscriptionStatus = "failed"    // provider declined, or initiation failed
	SubscriptionStatusExpired   SubscriptionStatus = "expired"   // never resolved within the pending window
	SubscriptionStatusCancelled SubscriptionStatus = "cancelled" // administrative action
)

// IsTerminal reports whether no further provider outcome may change the status.
func (s SubscriptionStatus) IsTerminal() bool {
	return s != SubscriptionStatusPending
}

const (
	PaymentMethodMpesa = "mpesa"

	MinCourseYear = 1
	MaxCourseYear = 6

	DefaultEntitlementDuration = 30 * 24 * time.Hour
)

// EntitlementKey identifies what a subscription grants access to.
type EntitlementKey struct {
	SubscriberID string
	CourseID     string
	Year         int
}

func (k EntitlementKey) Validate() error {
	if strings.TrimSpace(k.SubscriberID) == "" {
		return domain.NewFieldError("subscriberId", "is required")
	}
	if strings.TrimSpace(k.CourseID) == "" {
		return domain.NewFieldError("courseId", "is required")
	}
	if k.Year < MinCourseYear || k.Year > MaxCourseYear {
		return domain.NewFieldError("year", "must be between 1 and 6")
	}
	return nil
}

func (k EntitlementKey) String() string {
	return k.SubscriberID + ":" + k.CourseID + ":" + strconv.Itoa(k.Year)
}

// DisplayMetadata is snapshotted at initiation for receipts and admin views.
// Never used for entitlement decisions.
type DisplayMetadata struct {
	CourseName      string `json:"course_name,omitempty"`
	InstitutionName string `json:"institution_name,omitempty"`
	SubscriberName  string `json:"subscriber_name,omitempty"`
}

// EntitlementWindow is the [Start, Expiry) interval a completed subscription grants.
type EntitlementWindow struct {
	Start  time.Time
	Expiry time.Time
}

func NewEntitlementWindow(start time.Time, d time.Duration) EntitlementWindow {
	if d <= 0 {
		d = DefaultEntitlementDuration
	}
	return EntitlementWindow{Start: start, Expiry: start.Add(d)}
}

// Subscription is one subscription attempt/period in the ledger.
type Subscription struct {
	ID                        string
	SubscriberID              string
	CourseID                  string
	Year                      int
	Amount                    int64 // whole currency units
	Currency                  string
	PaymentMethod             string
	SubscriberPhone           string // canonical 254XXXXXXXXX
	ExternalCorrelationID     *string
	ExternalMerchantRequestID *string
	ExternalReceiptID         *string
	Status                    SubscriptionStatus
	IsEntitled                bool // cache only; see IsCurrentlyActive
	StartTime                 time.Time
	ExpiryTime                time.Time
	CompletedAt               *time.Time
	FailureReason             *string
	Metadata                  DisplayMetadata
	CreatedAt                 time.Time
	UpdatedAt                 time.Time
}

// NewPendingSubscription builds a pending ledger row. The entitlement window
// starts now, at initiation.
func NewPendingSubscription(id string, key EntitlementKey, amount int64, currency, phone string, d time.Duration, now time.Time, meta DisplayMetadata) (*Subscription, error) {
	if id == "" || amount <= 0 || currency == "" || phone == "" {
		return nil, domain.ErrInvalidArgument
	}
	if err := key.Validate(); err != nil {
		return nil, err
	}
	w := NewEntitlementWindow(now, d)
	return &Subscription{
		ID:              id,
		SubscriberID:    key.SubscriberID,
		CourseID:        key.CourseID,
		Year:            key.Year,
		Amount:          amount,
		Currency:        currency,
		PaymentMethod:   PaymentMethodMpesa,
		SubscriberPhone: phone,
		Status:          SubscriptionStatusPending,
		StartTime:       w.Start,
		ExpiryTime:      w.Expiry,
		Metadata:        meta,
		CreatedAt:       now,
		UpdatedAt:       now,
	}, nil
}

func (s *Subscription) Key() EntitlementKey {
	return EntitlementKey{SubscriberID: s.SubscriberID, CourseID: s.CourseID, Year: s.Year}
}

// IsCurrentlyActive is the entitlement predicate. It is recomputed from status
// and expiry on every read; IsEntitled alone is never enough because nothing
// clears it the instant the window closes.
func (s *Subscription) IsCurrentlyActive(now time.Time) bool {
	if s == nil {
		return false
	}
	return s.IsEntitled && s.Status == SubscriptionStatusCompleted && now.Before(s.ExpiryTime)
}

// DaysRemaining rounds up partial days; zero when not active.
func (s *Subscription) DaysRemaining(now time.Time) int {
	if !s.IsCurrentlyActive(now) {
		return 0
	}
	left := s.ExpiryTime.Sub(now)
	return int(math.Ceil(left.Hours() / 24))
}

func (s *Subscription) CorrelationID() string {
	if s == nil || s.ExternalCorrelationID == nil {
		return ""
	}
	return *s.ExternalCorrelationID
}
