//go:build !integration

package usecase_test

import (
	"context"
	"errors"
	"io"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v4"
	"github.com/rs/zerolog"

	"eduvault-payments/internal/domain"
	"eduvault-payments/internal/domain/model"
	"eduvault-payments/internal/domain/ports/adapter"
	"eduvault-payments/internal/domain/ports/repository"
	"eduvault-payments/internal/infra/adapters/payment"
)

// -----------------------------
// Utilities: tiny helpers
// -----------------------------

var fixedNow = time.Date(2025, 3, 14, 9, 0, 0, 0, time.UTC)

// testClock is a settable clock shared between the use case and the test.
type testClock struct {
	mu sync.Mutex
	t  time.Time
}

func newTestClock(t time.Time) *testClock { return &testClock{t: t} }

func (c *testClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.t
}

func (c *testClock) Advance(d time.Duration) {
	c.mu.Lock()
	c.t = c.t.Add(d)
	c.mu.Unlock()
}

func cloneSub(s *model.Subscription) *model.Subscription {
	c := *s
	return &c
}

func strp(s string) *string { return &s }

// =============================
// Adapters
// =============================

// ---- Mock PaymentGateway (adapter) ----

// MockPaymentGateway uses the in-memory gateway for phone handling, callback
// parsing and the push/query round trip unless a Func hook overrides it.
type MockPaymentGateway struct {
	*payment.NoopPaymentGateway

	mu     sync.Mutex
	Pushes []adapter.PushRequest
	Polls  []string

	InitiatePushFunc    func(ctx context.Context, req adapter.PushRequest) (*adapter.PushAcknowledgement, error)
	QueryPushStatusFunc func(ctx context.Context, checkoutID string) (*model.TransactionOutcome, error)
}

var _ adapter.PaymentGateway = (*MockPaymentGateway)(nil)

func NewMockPaymentGateway() *MockPaymentGateway {
	return &MockPaymentGateway{NoopPaymentGateway: payment.NewNoopPaymentGateway()}
}

func (m *MockPaymentGateway) InitiatePush(ctx context.Context, req adapter.PushRequest) (*adapter.PushAcknowledgement, error) {
	m.mu.Lock()
	m.Pushes = append(m.Pushes, req)
	m.mu.Unlock()
	if m.InitiatePushFunc != nil {
		return m.InitiatePushFunc(ctx, req)
	}
	return m.NoopPaymentGateway.InitiatePush(ctx, req)
}

func (m *MockPaymentGateway) QueryPushStatus(ctx context.Context, checkoutID string) (*model.TransactionOutcome, error) {
	m.mu.Lock()
	m.Polls = append(m.Polls, checkoutID)
	m.mu.Unlock()
	if m.QueryPushStatusFunc != nil {
		return m.QueryPushStatusFunc(ctx, checkoutID)
	}
	return m.NoopPaymentGateway.QueryPushStatus(ctx, checkoutID)
}

func (m *MockPaymentGateway) PushCount() int {
	m.mu.Lock()
	defer m.mu.Unlock()
	return len(m.Pushes)
}

// ---- In-memory Locker (implements adapter.Locker) ----

type MockLocker struct {
	mu    sync.Mutex
	held  map[string]string
	ErrOn map[string]error
}

var _ adapter.Locker = (*MockLocker)(nil)

func NewMockLocker() *MockLocker {
	return &MockLocker{held: map[string]string{}, ErrOn: map[string]error{}}
}

func (l *MockLocker) TryLock(ctx context.Context, key string, ttl time.Duration) (string, error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if err, bad := l.ErrOn[key]; bad {
		return "", err
	}
	if tok, ok := l.held[key]; ok && tok != "" {
		return "", domain.ErrPaymentInProgress
	}
	tok := uuid.NewString()
	l.held[key] = tok
	return tok, nil
}

func (l *MockLocker) Unlock(ctx context.Context, key, token string) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.held[key] == token {
		delete(l.held, key)
		return nil
	}
	return errors.New("unlock token mismatch")
}

func (l *MockLocker) Held(key string) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	_, ok := l.held[key]
	return ok
}

// ---- In-memory RateLimiter ----

type MockRateLimiter struct {
	mu     sync.Mutex
	counts map[string]int
	Err    error
}

var _ adapter.RateLimiter = (*MockRateLimiter)(nil)

func NewMockRateLimiter() *MockRateLimiter {
	return &MockRateLimiter{counts: map[string]int{}}
}

func (r *MockRateLimiter) Allow(ctx context.Context, key string, limit int, window time.Duration) (bool, error) {
	if r.Err != nil {
		return false, r.Err
	}
	r.mu.Lock()
	defer r.mu.Unlock()
	r.counts[key]++
	return r.counts[key] <= limit, nil
}

// =============================
// Repositories
// =============================

// ---- Mock SubscriptionRepository ----

// MockSubscriptionRepo is an in-memory ledger. Status transitions honour the
// same "only while pending" condition the SQL implementation uses.
type MockSubscriptionRepo struct {
	mu   sync.Mutex
	rows map[string]*model.Subscription

	CreatePendingFunc            func(ctx context.Context, tx repository.Tx, s *model.Subscription) error
	FindActiveEntitlementFunc    func(ctx context.Context, tx repository.Tx, key model.EntitlementKey, now time.Time) (*model.Subscription, error)
	SetExternalCorrelationIDFunc func(ctx context.Context, tx repository.Tx, id, correlationID, merchantRequestID string) error
}

var _ repository.SubscriptionRepository = (*MockSubscriptionRepo)(nil)

func NewMockSubscriptionRepo() *MockSubscriptionRepo {
	return &MockSubscriptionRepo{rows: map[string]*model.Subscription{}}
}

// Put seeds a row directly.
func (m *MockSubscriptionRepo) Put(s *model.Subscription) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.rows[s.ID] = cloneSub(s)
}

func (m *MockSubscriptionRepo) Get(id string) *model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		return cloneSub(s)
	}
	return nil
}

func (m *MockSubscriptionRepo) All() []*model.Subscription {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]*model.Subscription, 0, len(m.rows))
	for _, s := range m.rows {
		out = append(out, cloneSub(s))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}

func (m *MockSubscriptionRepo) CreatePending(ctx context.Context, tx repository.Tx, s *model.Subscription) error {
	if m.CreatePendingFunc != nil {
		return m.CreatePendingFunc(ctx, tx, s)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	if _, ok := m.rows[s.ID]; ok {
		return domain.ErrAlreadyExists
	}
	m.rows[s.ID] = cloneSub(s)
	return nil
}

func (m *MockSubscriptionRepo) FindByID(ctx context.Context, tx repository.Tx, id string) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	if s, ok := m.rows[id]; ok {
		return cloneSub(s), nil
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) FindByCorrelationID(ctx context.Context, tx repository.Tx, correlationID string, status model.SubscriptionStatus) (*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.CorrelationID() == correlationID && (status == "" || s.Status == status) {
			return cloneSub(s), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) FindActiveEntitlement(ctx context.Context, tx repository.Tx, key model.EntitlementKey, now time.Time) (*model.Subscription, error) {
	if m.FindActiveEntitlementFunc != nil {
		return m.FindActiveEntitlementFunc(ctx, tx, key, now)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	for _, s := range m.rows {
		if s.Key() == key && s.IsCurrentlyActive(now) {
			return cloneSub(s), nil
		}
	}
	return nil, domain.ErrNotFound
}

func (m *MockSubscriptionRepo) FindPendingOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, limit int) ([]*model.Subscription, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.Subscription
	for _, s := range m.rows {
		if s.Status == model.SubscriptionStatusPending && s.CreatedAt.Before(cutoff) {
			out = append(out, cloneSub(s))
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (m *MockSubscriptionRepo) SetExternalCorrelationID(ctx context.Context, tx repository.Tx, id, correlationID, merchantRequestID string) error {
	if m.SetExternalCorrelationIDFunc != nil {
		return m.SetExternalCorrelationIDFunc(ctx, tx, id, correlationID, merchantRequestID)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok {
		return domain.ErrNotFound
	}
	if s.ExternalCorrelationID != nil {
		return domain.ErrConflict
	}
	s.ExternalCorrelationID = strp(correlationID)
	if merchantRequestID != "" {
		s.ExternalMerchantRequestID = strp(merchantRequestID)
	}
	return nil
}

// transition applies fn only while the row is pending.
func (m *MockSubscriptionRepo) transition(id string, fn func(s *model.Subscription)) (bool, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	s, ok := m.rows[id]
	if !ok || s.Status != model.SubscriptionStatusPending {
		return false, nil
	}
	fn(s)
	return true, nil
}

func (m *MockSubscriptionRepo) MarkCompleted(ctx context.Context, tx repository.Tx, id, receiptID string, completedAt time.Time, window *model.EntitlementWindow) (bool, error) {
	return m.transition(id, func(s *model.Subscription) {
		s.Status = model.SubscriptionStatusCompleted
		s.IsEntitled = true
		s.ExternalReceiptID = strp(receiptID)
		at := completedAt
		s.CompletedAt = &at
		if window != nil {
			s.StartTime, s.ExpiryTime = window.Start, window.Expiry
		}
	})
}

func (m *MockSubscriptionRepo) MarkFailed(ctx context.Context, tx repository.Tx, id, reason string) (bool, error) {
	return m.transition(id, func(s *model.Subscription) {
		s.Status = model.SubscriptionStatusFailed
		s.FailureReason = strp(reason)
	})
}

func (m *MockSubscriptionRepo) MarkExpired(ctx context.Context, tx repository.Tx, id, reason string) (bool, error) {
	return m.transition(id, func(s *model.Subscription) {
		s.Status = model.SubscriptionStatusExpired
		s.FailureReason = strp(reason)
	})
}

func (m *MockSubscriptionRepo) ExpirePendingOlderThan(ctx context.Context, tx repository.Tx, cutoff time.Time, reason string) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.Status == model.SubscriptionStatusPending && s.CreatedAt.Before(cutoff) {
			s.Status = model.SubscriptionStatusExpired
			s.FailureReason = strp(reason)
			n++
		}
	}
	return n, nil
}

func (m *MockSubscriptionRepo) ClearLapsedEntitlements(ctx context.Context, tx repository.Tx, now time.Time) (int64, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var n int64
	for _, s := range m.rows {
		if s.IsEntitled && !now.Before(s.ExpiryTime) {
			s.IsEntitled = false
			n++
		}
	}
	return n, nil
}

// ---- Mock PaymentEventRepository ----

type MockPaymentEventRepo struct {
	mu     sync.Mutex
	events []*model.PaymentEvent

	AppendFunc func(ctx context.Context, tx repository.Tx, ev *model.PaymentEvent) error
}

var _ repository.PaymentEventRepository = (*MockPaymentEventRepo)(nil)

func NewMockPaymentEventRepo() *MockPaymentEventRepo {
	return &MockPaymentEventRepo{}
}

func (m *MockPaymentEventRepo) Append(ctx context.Context, tx repository.Tx, ev *model.PaymentEvent) error {
	if m.AppendFunc != nil {
		return m.AppendFunc(ctx, tx, ev)
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	c := *ev
	m.events = append(m.events, &c)
	return nil
}

func (m *MockPaymentEventRepo) ListBySubscription(ctx context.Context, tx repository.Tx, subscriptionID string) ([]*model.PaymentEvent, error) {
	m.mu.Lock()
	defer m.mu.Unlock()
	var out []*model.PaymentEvent
	for _, ev := range m.events {
		if ev.SubscriptionID != nil && *ev.SubscriptionID == subscriptionID {
			out = append(out, ev)
		}
	}
	return out, nil
}

// Kinds returns every recorded event kind in append order.
func (m *MockPaymentEventRepo) Kinds() []model.PaymentEventKind {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]model.PaymentEventKind, 0, len(m.events))
	for _, ev := range m.events {
		out = append(out, ev.Kind)
	}
	return out
}

func (m *MockPaymentEventRepo) Count(kind model.PaymentEventKind) int {
	n := 0
	for _, k := range m.Kinds() {
		if k == kind {
			n++
		}
	}
	return n
}

// ---- Mock CatalogRepository ----

type MockCatalogRepo struct {
	DescribeFunc func(ctx context.Context, tx repository.Tx, subscriberID, courseID string) (*model.DisplayMetadata, error)
}

var _ repository.CatalogRepository = (*MockCatalogRepo)(nil)

func (m *MockCatalogRepo) Describe(ctx context.Context, tx repository.Tx, subscriberID, courseID string) (*model.DisplayMetadata, error) {
	if m.DescribeFunc != nil {
		return m.DescribeFunc(ctx, tx, subscriberID, courseID)
	}
	return &model.DisplayMetadata{CourseName: "Anatomy", InstitutionName: "Nairobi Uni", SubscriberName: "Wanjiku"}, nil
}

// ---- Mock TransactionManager ----

type MockTxManager struct {
	WithTxFunc func(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error
}

func NewMockTxManager() *MockTxManager {
	return &MockTxManager{}
}

var _ repository.TransactionManager = (*MockTxManager)(nil)

// WithTx runs fn immediately with NoTX unless WithTxFunc is set.
func (m *MockTxManager) WithTx(ctx context.Context, txOpt pgx.TxOptions, fn func(ctx context.Context, tx repository.Tx) error) error {
	if m.WithTxFunc != nil {
		return m.WithTxFunc(ctx, txOpt, fn)
	}
	return fn(ctx, repository.NoTX)
}

// newTestLogger creates a silent zerolog.Logger for use in tests.
// It writes to io.Discard to prevent logs from cluttering test output.
func newTestLogger() *zerolog.Logger {
	logger := zerolog.New(io.Discard)
	return &logger
}
