package services

import (
	"context"
	"time"

	"tradescope_go_backend/internal/models"

	"github.com/google/uuid"
	"github.com/stretchr/testify/mock"
)

type MockCounterStore struct {
	mock.Mock
}

func (m *MockCounterStore) Incr(ctx context.Context, key string, window time.Duration) (int64, error) {
	args := m.Called(ctx, key, window)
	return args.Get(0).(int64), args.Error(1)
}

type MockUsageLedger struct {
	mock.Mock
}

func (m *MockUsageLedger) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	args := m.Called(ctx, record)
	return args.Error(0)
}

func (m *MockUsageLedger) GetQuota(ctx context.Context, accountID uuid.UUID) (QuotaStatus, error) {
	args := m.Called(ctx, accountID)
	return args.Get(0).(QuotaStatus), args.Error(1)
}

func (m *MockUsageLedger) ResetPeriod(ctx context.Context, accountID uuid.UUID, now time.Time) error {
	args := m.Called(ctx, accountID, now)
	return args.Error(0)
}

func (m *MockUsageLedger) ResetDuePeriods(ctx context.Context, now time.Time) (int64, error) {
	args := m.Called(ctx, now)
	return args.Get(0).(int64), args.Error(1)
}

func (m *MockUsageLedger) SummarizeUsage(ctx context.Context, accountID uuid.UUID, period string) (*UsageSummary, error) {
	args := m.Called(ctx, accountID, period)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*UsageSummary), args.Error(1)
}

func (m *MockUsageLedger) OverageAccounts(ctx context.Context) ([]models.Account, error) {
	args := m.Called(ctx)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]models.Account), args.Error(1)
}

// fakeModelStream replays a scripted sequence of lifecycle events and then
// surfaces a terminal error, if any.
type fakeModelStream struct {
	events []LifecycleEvent
	err    error
	pos    int
	closed bool
}

func (s *fakeModelStream) Next() bool {
	if s.pos < len(s.events) {
		s.pos++
		return true
	}
	return false
}

func (s *fakeModelStream) Current() LifecycleEvent {
	return s.events[s.pos-1]
}

func (s *fakeModelStream) Err() error {
	return s.err
}

func (s *fakeModelStream) Close() error {
	s.closed = true
	return nil
}

type fakeModelClient struct {
	stream    *fakeModelStream
	submitErr error
	lastModel string
}

func (c *fakeModelClient) StreamMessage(ctx context.Context, req StreamRequest, system string) (ModelStream, error) {
	if c.submitErr != nil {
		return nil, c.submitErr
	}
	return c.stream, nil
}

func (c *fakeModelClient) ModelFor(req StreamRequest) string {
	if c.lastModel != "" {
		return c.lastModel
	}
	return "test-model"
}

func testAccount(tier string, used, limit int64) *models.Account {
	return &models.Account{
		ID:               uuid.New(),
		Auth0ID:          "auth0|test",
		Tier:             tier,
		TokenLimit:       limit,
		TokensUsedPeriod: used,
		PeriodStart:      time.Now().UTC(),
	}
}

func drainEvents(events <-chan StreamEvent) []StreamEvent {
	var collected []StreamEvent
	for ev := range events {
		collected = append(collected, ev)
	}
	return collected
}
