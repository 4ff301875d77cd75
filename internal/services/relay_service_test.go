package services

import (
	"context"
	"errors"
	"testing"
	"time"

	apperrors "tradescope_go_backend/internal/errors"
	"tradescope_go_backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
)

func countTerminalEvents(events []StreamEvent) int {
	terminal := 0
	for _, ev := range events {
		if ev.Type == EventStreamComplete || ev.Type == EventStreamError {
			terminal++
		}
	}
	return terminal
}

func newRelay(client ModelClient, ledger UsageLedger) *RelayService {
	return NewRelayService(client, ledger, "system prompt", time.Second, zerolog.Nop())
}

func TestStreamChatSuccess(t *testing.T) {
	client := &fakeModelClient{stream: &fakeModelStream{
		events: []LifecycleEvent{
			{Kind: EventMessageStart, MessageID: "msg_123", Usage: TokenUsage{InputTokens: 100, CacheReadTokens: 50}},
			{Kind: EventTextDelta, Text: "Hel"},
			{Kind: EventTextDelta, Text: "lo"},
			{Kind: EventUsageDelta, Usage: TokenUsage{OutputTokens: 20}},
			{Kind: EventMessageStop},
		},
	}}
	ledger := new(MockUsageLedger)
	account := testAccount(models.TierFree, 0, 100000)

	var written *models.UsageRecord
	ledger.On("RecordUsage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		written = args.Get(1).(*models.UsageRecord)
	}).Return(nil).Once()
	ledger.On("GetQuota", mock.Anything, account.ID).Return(QuotaStatus{Used: 170, Limit: 100000, Remaining: 99830}, nil).Once()

	relay := newRelay(client, ledger)
	events := make(chan StreamEvent, 64)
	text, usage, err := relay.StreamChat(context.Background(), account, StreamRequest{Message: "hi"}, events)

	require.NoError(t, err)
	assert.Equal(t, "Hello", text)
	assert.Equal(t, TokenUsage{InputTokens: 100, OutputTokens: 20, CacheReadTokens: 50}, usage)

	collected := drainEvents(events)
	require.Len(t, collected, 5)
	assert.Equal(t, EventStreamStart, collected[0].Type)
	assert.Equal(t, EventMessageStarted, collected[1].Type)
	assert.Equal(t, "msg_123", collected[1].MessageID)
	assert.Equal(t, 1, countTerminalEvents(collected))

	// Sum of forwarded deltas matches the accumulated response.
	var deltas string
	for _, ev := range collected {
		if ev.Type == EventContentDelta {
			deltas += ev.Text
		}
	}
	assert.Equal(t, text, deltas)

	complete := collected[len(collected)-1]
	assert.Equal(t, EventStreamComplete, complete.Type)
	require.NotNil(t, complete.Usage)
	assert.Equal(t, usage, *complete.Usage)
	require.NotNil(t, complete.QuotaRemaining)
	assert.Equal(t, int64(99830), *complete.QuotaRemaining)

	// The ledger write carries the same merged totals.
	require.NotNil(t, written)
	assert.True(t, written.Success)
	assert.Equal(t, int64(100), written.InputTokens)
	assert.Equal(t, int64(20), written.OutputTokens)
	assert.Equal(t, int64(50), written.CacheReadTokens)
	assert.Equal(t, models.RequestTypeChat, written.RequestType)
}

func TestStreamChatUpstreamFailureMidStream(t *testing.T) {
	client := &fakeModelClient{stream: &fakeModelStream{
		events: []LifecycleEvent{
			{Kind: EventMessageStart, MessageID: "msg_456", Usage: TokenUsage{InputTokens: 80}},
			{Kind: EventTextDelta, Text: "par"},
		},
		err: errors.New("Overloaded: upstream at capacity"),
	}}
	ledger := new(MockUsageLedger)
	account := testAccount(models.TierPro, 0, 2000000)

	recorded := make(chan *models.UsageRecord, 1)
	ledger.On("RecordUsage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(*models.UsageRecord)
	}).Return(nil).Once()

	relay := newRelay(client, ledger)
	events := make(chan StreamEvent, 64)
	_, _, err := relay.StreamChat(context.Background(), account, StreamRequest{Message: "hi"}, events)
	require.Error(t, err)

	collected := drainEvents(events)
	require.NotEmpty(t, collected)
	assert.Equal(t, EventStreamStart, collected[0].Type)
	assert.Equal(t, 1, countTerminalEvents(collected))

	terminal := collected[len(collected)-1]
	assert.Equal(t, EventStreamError, terminal.Type)
	assert.Equal(t, string(apperrors.ErrorTypeUpstreamOverloaded), terminal.Code)

	// The failed record is persisted off the request path.
	select {
	case record := <-recorded:
		assert.False(t, record.Success)
		assert.Equal(t, string(apperrors.ErrorTypeUpstreamOverloaded), record.ErrorCode)
		assert.Equal(t, int64(80), record.InputTokens)
	case <-time.After(2 * time.Second):
		t.Fatal("failed usage record was never written")
	}
}

func TestStreamChatLedgerFailureStillCompletes(t *testing.T) {
	client := &fakeModelClient{stream: &fakeModelStream{
		events: []LifecycleEvent{
			{Kind: EventMessageStart, MessageID: "msg_789", Usage: TokenUsage{InputTokens: 10}},
			{Kind: EventTextDelta, Text: "ok"},
			{Kind: EventUsageDelta, Usage: TokenUsage{OutputTokens: 5}},
		},
	}}
	ledger := new(MockUsageLedger)
	account := testAccount(models.TierFree, 100, 100000)

	ledger.On("RecordUsage", mock.Anything, mock.Anything).Return(errors.New("db down")).Once()
	ledger.On("GetQuota", mock.Anything, account.ID).Return(QuotaStatus{}, errors.New("db down")).Once()

	relay := newRelay(client, ledger)
	events := make(chan StreamEvent, 64)
	_, _, err := relay.StreamChat(context.Background(), account, StreamRequest{Message: "hi"}, events)
	require.NoError(t, err)

	collected := drainEvents(events)
	terminal := collected[len(collected)-1]
	assert.Equal(t, EventStreamComplete, terminal.Type)
	require.NotNil(t, terminal.QuotaRemaining)
	// Remaining derived from the admission snapshot when the ledger is down.
	assert.Equal(t, int64(100000-100-15), *terminal.QuotaRemaining)
}

func TestStreamChatSubmitFailure(t *testing.T) {
	client := &fakeModelClient{submitErr: errors.New("429: rate limit exceeded")}
	ledger := new(MockUsageLedger)
	account := testAccount(models.TierFree, 0, 100000)

	recorded := make(chan *models.UsageRecord, 1)
	ledger.On("RecordUsage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(*models.UsageRecord)
	}).Return(nil).Once()

	relay := newRelay(client, ledger)
	events := make(chan StreamEvent, 64)
	_, _, err := relay.StreamChat(context.Background(), account, StreamRequest{Message: "hi"}, events)
	require.Error(t, err)

	collected := drainEvents(events)
	require.Len(t, collected, 2)
	assert.Equal(t, EventStreamStart, collected[0].Type)
	assert.Equal(t, EventStreamError, collected[1].Type)
	assert.Equal(t, string(apperrors.ErrorTypeUpstreamRateLimited), collected[1].Code)

	select {
	case record := <-recorded:
		assert.False(t, record.Success)
		assert.Zero(t, record.TotalTokens)
	case <-time.After(2 * time.Second):
		t.Fatal("failed usage record was never written")
	}
}

func TestStreamChatClientDisconnect(t *testing.T) {
	client := &fakeModelClient{stream: &fakeModelStream{
		events: []LifecycleEvent{
			{Kind: EventMessageStart, MessageID: "msg_dc", Usage: TokenUsage{InputTokens: 40}},
			{Kind: EventTextDelta, Text: "partial"},
		},
	}}
	ledger := new(MockUsageLedger)
	account := testAccount(models.TierPro, 0, 2000000)

	recorded := make(chan *models.UsageRecord, 1)
	ledger.On("RecordUsage", mock.Anything, mock.Anything).Run(func(args mock.Arguments) {
		recorded <- args.Get(1).(*models.UsageRecord)
	}).Return(nil).Once()

	ctx, cancel := context.WithCancel(context.Background())
	cancel() // client already gone

	relay := newRelay(client, ledger)
	events := make(chan StreamEvent) // unbuffered: nobody is reading
	_, _, err := relay.StreamChat(ctx, account, StreamRequest{Message: "hi"}, events)
	require.Error(t, err)

	collected := drainEvents(events)
	// No terminal event can reach a disconnected client.
	assert.Equal(t, 0, countTerminalEvents(collected))

	select {
	case record := <-recorded:
		assert.False(t, record.Success)
		assert.Equal(t, "CLIENT_DISCONNECTED", record.ErrorCode)
	case <-time.After(2 * time.Second):
		t.Fatal("best-effort usage record was never written")
	}
}
