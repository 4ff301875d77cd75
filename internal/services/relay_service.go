package services

import (
	"context"
	"errors"
	"strings"
	"time"

	"tradescope_go_backend/internal/models"

	"github.com/rs/zerolog"
)

const (
	EventStreamStart    = "stream_start"
	EventMessageStarted = "message_start"
	EventContentDelta   = "content_delta"
	EventStreamComplete = "stream_complete"
	EventStreamError    = "stream_error"
)

// StreamEvent is one frame of the client-facing event stream. Exactly one
// stream_start opens the sequence and exactly one terminal event
// (stream_complete or stream_error) closes it.
type StreamEvent struct {
	Type           string      `json:"type"`
	MessageID      string      `json:"messageId,omitempty"`
	Text           string      `json:"text,omitempty"`
	Usage          *TokenUsage `json:"usage,omitempty"`
	QuotaRemaining *int64      `json:"quotaRemaining,omitempty"`
	Code           string      `json:"code,omitempty"`
	Message        string      `json:"message,omitempty"`
}

// RelayService drives one upstream generation per admitted request and
// re-emits the normalized event sequence to the client connection.
type RelayService struct {
	model        ModelClient
	ledger       UsageLedger
	systemPrompt string
	gracePeriod  time.Duration
	log          zerolog.Logger
}

// NewRelayService wires the relay. The system prompt is loaded once at
// startup and immutable from here on.
func NewRelayService(model ModelClient, ledger UsageLedger, systemPrompt string, gracePeriod time.Duration, logger zerolog.Logger) *RelayService {
	if gracePeriod <= 0 {
		gracePeriod = 5 * time.Second
	}
	return &RelayService{
		model:        model,
		ledger:       ledger,
		systemPrompt: systemPrompt,
		gracePeriod:  gracePeriod,
		log:          logger,
	}
}

// StreamChat emits the StreamEvent sequence on events (closing the channel
// when done) and returns the accumulated response text and merged usage for
// the caller. The ledger write happens here, after the generation settles;
// its failure never suppresses the client-facing terminal event.
func (s *RelayService) StreamChat(ctx context.Context, account *models.Account, req StreamRequest, events chan<- StreamEvent) (string, TokenUsage, error) {
	defer close(events)

	start := time.Now()
	var usage TokenUsage
	var accumulated strings.Builder

	emit := func(ev StreamEvent) bool {
		select {
		case events <- ev:
			return true
		case <-ctx.Done():
			return false
		}
	}

	// Sent before the upstream call so the client can render immediately.
	emit(StreamEvent{Type: EventStreamStart})

	stream, err := s.model.StreamMessage(ctx, req, s.systemPrompt)
	if err != nil {
		s.failStream(account, req, usage, start, err, emit)
		return "", usage, err
	}
	defer stream.Close()

consume:
	for stream.Next() {
		ev := stream.Current()
		switch ev.Kind {
		case EventMessageStart:
			usage.Merge(ev.Usage)
			if !emit(StreamEvent{Type: EventMessageStarted, MessageID: ev.MessageID}) {
				break consume
			}
		case EventTextDelta:
			accumulated.WriteString(ev.Text)
			// Forwarded at production cadence, never buffered to the end.
			if !emit(StreamEvent{Type: EventContentDelta, Text: ev.Text}) {
				break consume
			}
		case EventUsageDelta:
			usage.Merge(ev.Usage)
		case EventMessageStop:
		}
	}

	if ctx.Err() != nil {
		s.recordAsync(account, req, usage, start, false, "CLIENT_DISCONNECTED")
		return accumulated.String(), usage, ctx.Err()
	}

	if err := stream.Err(); err != nil {
		if errors.Is(err, context.Canceled) {
			// Client went away: the upstream read was cancelled with it. No
			// terminal event can reach the client; record what we know.
			s.recordAsync(account, req, usage, start, false, "CLIENT_DISCONNECTED")
			return accumulated.String(), usage, err
		}
		s.failStream(account, req, usage, start, err, emit)
		return accumulated.String(), usage, err
	}

	record := s.buildRecord(account, req, usage, start, true, "")
	if err := s.ledger.RecordUsage(ctx, record); err != nil {
		// Bookkeeping failure is invisible to the client; reconciled later.
		s.log.Error().Err(err).
			Str("account_id", account.ID.String()).
			Int64("total_tokens", usage.Total()).
			Msg("usage ledger write failed, needs reconciliation")
	}

	remaining := s.quotaRemaining(ctx, account, usage)
	emit(StreamEvent{
		Type:           EventStreamComplete,
		Usage:          &usage,
		QuotaRemaining: &remaining,
	})

	return accumulated.String(), usage, nil
}

// failStream emits the single stream_error terminal event and records the
// zero-or-partial usage of the failed call off the request path.
func (s *RelayService) failStream(account *models.Account, req StreamRequest, usage TokenUsage, start time.Time, cause error, emit func(StreamEvent) bool) {
	code := ClassifyUpstreamError(cause)
	s.log.Warn().Err(cause).
		Str("account_id", account.ID.String()).
		Str("code", string(code)).
		Msg("upstream generation failed")

	emit(StreamEvent{
		Type:    EventStreamError,
		Code:    string(code),
		Message: "The model provider could not complete this request. Please try again.",
	})

	s.recordAsync(account, req, usage, start, false, string(code))
}

// recordAsync persists a usage row outside the request lifecycle, bounded by
// the disconnect grace period.
func (s *RelayService) recordAsync(account *models.Account, req StreamRequest, usage TokenUsage, start time.Time, success bool, errorCode string) {
	record := s.buildRecord(account, req, usage, start, success, errorCode)
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), s.gracePeriod)
		defer cancel()
		if err := s.ledger.RecordUsage(ctx, record); err != nil {
			s.log.Error().Err(err).
				Str("account_id", record.AccountID.String()).
				Str("error_code", errorCode).
				Msg("failed to record usage for failed request")
		}
	}()
}

func (s *RelayService) buildRecord(account *models.Account, req StreamRequest, usage TokenUsage, start time.Time, success bool, errorCode string) *models.UsageRecord {
	model := s.systemModelName(req)
	return &models.UsageRecord{
		AccountID:           account.ID,
		ConversationID:      req.ConversationID,
		InputTokens:         usage.InputTokens,
		OutputTokens:        usage.OutputTokens,
		CacheReadTokens:     usage.CacheReadTokens,
		CacheCreationTokens: usage.CacheCreationTokens,
		TotalTokens:         usage.Total(),
		Model:               model,
		RequestType:         req.RequestType(),
		Success:             success,
		LatencyMs:           time.Since(start).Milliseconds(),
		ErrorCode:           errorCode,
	}
}

func (s *RelayService) systemModelName(req StreamRequest) string {
	if selector, ok := s.model.(interface{ ModelFor(StreamRequest) string }); ok {
		return selector.ModelFor(req)
	}
	return ""
}

// quotaRemaining fetches the post-write remaining allowance; if the ledger is
// unreachable it is derived from the admission-time snapshot instead.
func (s *RelayService) quotaRemaining(ctx context.Context, account *models.Account, usage TokenUsage) int64 {
	quota, err := s.ledger.GetQuota(ctx, account.ID)
	if err != nil {
		s.log.Warn().Err(err).Msg("quota read after stream failed, using admission snapshot")
		remaining := account.TokenLimit - account.TokensUsedPeriod - usage.Total()
		if remaining < 0 {
			return 0
		}
		return remaining
	}
	return quota.Remaining
}
