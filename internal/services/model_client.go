package services

import (
	"context"
	"errors"
	"fmt"
	"strings"

	apperrors "tradescope_go_backend/internal/errors"
	"tradescope_go_backend/internal/models"

	"github.com/anthropics/anthropic-sdk-go"
	"github.com/anthropics/anthropic-sdk-go/option"
	"github.com/anthropics/anthropic-sdk-go/packages/ssestream"
	"github.com/google/uuid"
)

const (
	MaxMessageChars  = 50000
	MaxHistoryTurns  = 20
	MaxImages        = 5
	MaxImageBytes    = 5 * 1024 * 1024
	MaxOutputTokens  = 8192
	DefaultMaxTokens = 4096
)

var allowedMediaTypes = map[string]bool{
	"image/png":  true,
	"image/jpeg": true,
	"image/webp": true,
}

type ImageAttachment struct {
	Data      string // base64-encoded bytes
	MediaType string
	Label     string
}

type HistoryTurn struct {
	Role    string // "user" or "assistant"
	Content string
}

// StreamRequest is one incoming chat call. It lives only for the duration of
// the HTTP connection that carries it.
type StreamRequest struct {
	Message        string
	ConversationID *uuid.UUID
	History        []HistoryTurn
	Images         []ImageAttachment
	MaxTokens      int
}

// RequestType classifies the request for metering.
func (r StreamRequest) RequestType() string {
	if len(r.Images) > 0 {
		return models.RequestTypeVision
	}
	if len(r.History) > 0 {
		return models.RequestTypeMultiContext
	}
	return models.RequestTypeChat
}

// ValidateStreamRequest enforces the request bounds before any upstream
// submission. Violations are admission-time errors, not upstream errors.
func ValidateStreamRequest(req StreamRequest) error {
	if len(req.Message) == 0 || len(req.Message) > MaxMessageChars {
		return apperrors.New400Error(fmt.Sprintf("message must be between 1 and %d characters", MaxMessageChars))
	}
	if len(req.History) > MaxHistoryTurns {
		return apperrors.New400Error(fmt.Sprintf("conversation history is limited to %d turns", MaxHistoryTurns))
	}
	for _, turn := range req.History {
		if turn.Role != "user" && turn.Role != "assistant" {
			return apperrors.New400Error("history roles must be 'user' or 'assistant'")
		}
		if len(turn.Content) > MaxMessageChars {
			return apperrors.New400Error(fmt.Sprintf("history turns are limited to %d characters", MaxMessageChars))
		}
	}
	if len(req.Images) > MaxImages {
		return apperrors.New400Error(fmt.Sprintf("at most %d images are allowed per request", MaxImages))
	}
	for _, img := range req.Images {
		if !allowedMediaTypes[img.MediaType] {
			return apperrors.New400Error(fmt.Sprintf("unsupported image media type %q", img.MediaType))
		}
		if len(img.Data) == 0 || len(img.Data) > MaxImageBytes {
			return apperrors.New400Error("image data must be non-empty and at most 5MB")
		}
	}
	if req.MaxTokens < 0 || req.MaxTokens > MaxOutputTokens {
		return apperrors.New400Error(fmt.Sprintf("maxTokens must be between 1 and %d", MaxOutputTokens))
	}
	return nil
}

// TokenUsage is the merged consumption of one upstream call. The provider
// reports it split across lifecycle events: message_start carries the input
// and cache counts, message_delta carries the output count.
type TokenUsage struct {
	InputTokens         int64 `json:"inputTokens"`
	OutputTokens        int64 `json:"outputTokens"`
	CacheReadTokens     int64 `json:"cacheReadTokens"`
	CacheCreationTokens int64 `json:"cacheCreationTokens"`
}

// Merge folds a partial usage update in. Zero fields in the update leave the
// accumulated value untouched.
func (u *TokenUsage) Merge(partial TokenUsage) {
	if partial.InputTokens > 0 {
		u.InputTokens = partial.InputTokens
	}
	if partial.OutputTokens > 0 {
		u.OutputTokens = partial.OutputTokens
	}
	if partial.CacheReadTokens > 0 {
		u.CacheReadTokens = partial.CacheReadTokens
	}
	if partial.CacheCreationTokens > 0 {
		u.CacheCreationTokens = partial.CacheCreationTokens
	}
}

func (u TokenUsage) Total() int64 {
	return u.InputTokens + u.OutputTokens + u.CacheReadTokens + u.CacheCreationTokens
}

type LifecycleEventKind int

const (
	EventMessageStart LifecycleEventKind = iota
	EventTextDelta
	EventUsageDelta
	EventMessageStop
)

// LifecycleEvent is one provider-neutral event from the upstream stream.
type LifecycleEvent struct {
	Kind      LifecycleEventKind
	MessageID string
	Text      string
	Usage     TokenUsage
}

// AnthropicModelClient implements ModelClient on the Anthropic Messages API.
type AnthropicModelClient struct {
	client       anthropic.Client
	modelDefault string
	modelVision  string
}

func NewAnthropicModelClient(apiKey, modelDefault, modelVision string) *AnthropicModelClient {
	return &AnthropicModelClient{
		client:       anthropic.NewClient(option.WithAPIKey(apiKey)),
		modelDefault: modelDefault,
		modelVision:  modelVision,
	}
}

// ModelFor selects the upstream variant; requests carrying images need the
// vision-capable model.
func (c *AnthropicModelClient) ModelFor(req StreamRequest) string {
	if len(req.Images) > 0 {
		return c.modelVision
	}
	return c.modelDefault
}

func (c *AnthropicModelClient) StreamMessage(ctx context.Context, req StreamRequest, system string) (ModelStream, error) {
	if err := ValidateStreamRequest(req); err != nil {
		return nil, err
	}

	maxTokens := req.MaxTokens
	if maxTokens == 0 {
		maxTokens = DefaultMaxTokens
	}

	params := anthropic.MessageNewParams{
		Model:     anthropic.Model(c.ModelFor(req)),
		MaxTokens: int64(maxTokens),
		// The cache directive lets repeated calls within the provider's
		// caching window reuse the processed instruction tokens.
		System: []anthropic.TextBlockParam{{
			Text:         system,
			CacheControl: anthropic.NewCacheControlEphemeralParam(),
		}},
		Messages: buildMessages(req),
	}

	stream := c.client.Messages.NewStreaming(ctx, params)
	return &anthropicStream{stream: stream}, nil
}

// buildMessages translates the request into the provider's ordered turn
// structure: prior turns first, then the new user turn with any image blocks
// ahead of the text.
func buildMessages(req StreamRequest) []anthropic.MessageParam {
	messages := make([]anthropic.MessageParam, 0, len(req.History)+1)
	for _, turn := range req.History {
		if turn.Role == "assistant" {
			messages = append(messages, anthropic.NewAssistantMessage(anthropic.NewTextBlock(turn.Content)))
		} else {
			messages = append(messages, anthropic.NewUserMessage(anthropic.NewTextBlock(turn.Content)))
		}
	}

	blocks := make([]anthropic.ContentBlockParamUnion, 0, len(req.Images)+1)
	for _, img := range req.Images {
		blocks = append(blocks, anthropic.NewImageBlockBase64(img.MediaType, img.Data))
	}
	blocks = append(blocks, anthropic.NewTextBlock(req.Message))
	messages = append(messages, anthropic.NewUserMessage(blocks...))

	return messages
}

// anthropicStream adapts the SDK event stream to the neutral iterator,
// skipping event types the relay has no use for.
type anthropicStream struct {
	stream  *ssestream.Stream[anthropic.MessageStreamEventUnion]
	current LifecycleEvent
}

func (s *anthropicStream) Next() bool {
	for s.stream.Next() {
		event := s.stream.Current()
		switch ev := event.AsAny().(type) {
		case anthropic.MessageStartEvent:
			s.current = LifecycleEvent{
				Kind:      EventMessageStart,
				MessageID: ev.Message.ID,
				Usage: TokenUsage{
					InputTokens:         ev.Message.Usage.InputTokens,
					CacheReadTokens:     ev.Message.Usage.CacheReadInputTokens,
					CacheCreationTokens: ev.Message.Usage.CacheCreationInputTokens,
				},
			}
			return true
		case anthropic.ContentBlockDeltaEvent:
			if delta, ok := ev.Delta.AsAny().(anthropic.TextDelta); ok {
				s.current = LifecycleEvent{Kind: EventTextDelta, Text: delta.Text}
				return true
			}
		case anthropic.MessageDeltaEvent:
			s.current = LifecycleEvent{
				Kind:  EventUsageDelta,
				Usage: TokenUsage{OutputTokens: ev.Usage.OutputTokens},
			}
			return true
		case anthropic.MessageStopEvent:
			s.current = LifecycleEvent{Kind: EventMessageStop}
			return true
		}
	}
	return false
}

func (s *anthropicStream) Current() LifecycleEvent {
	return s.current
}

func (s *anthropicStream) Err() error {
	return s.stream.Err()
}

func (s *anthropicStream) Close() error {
	return s.stream.Close()
}

// ClassifyUpstreamError maps a provider failure to the wire error code.
func ClassifyUpstreamError(err error) apperrors.ErrorType {
	var apiErr *anthropic.Error
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case 429:
			return apperrors.ErrorTypeUpstreamRateLimited
		case 529, 503:
			return apperrors.ErrorTypeUpstreamOverloaded
		default:
			return apperrors.ErrorTypeUpstreamError
		}
	}

	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "overloaded"):
		return apperrors.ErrorTypeUpstreamOverloaded
	case strings.Contains(msg, "rate limit"), strings.Contains(msg, "rate_limit"):
		return apperrors.ErrorTypeUpstreamRateLimited
	default:
		return apperrors.ErrorTypeUpstreamError
	}
}
