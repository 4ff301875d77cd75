package services

import (
	"context"
	"time"

	"tradescope_go_backend/internal/models"

	"github.com/google/uuid"
)

// UsageLedger is the durable store of per-request consumption and per-account
// quota state. Writes are at-least-once; failures are logged and reconciled.
type UsageLedger interface {
	RecordUsage(ctx context.Context, record *models.UsageRecord) error
	GetQuota(ctx context.Context, accountID uuid.UUID) (QuotaStatus, error)
	ResetPeriod(ctx context.Context, accountID uuid.UUID, now time.Time) error
	ResetDuePeriods(ctx context.Context, now time.Time) (int64, error)
	SummarizeUsage(ctx context.Context, accountID uuid.UUID, period string) (*UsageSummary, error)
	OverageAccounts(ctx context.Context) ([]models.Account, error)
}

// ModelStream iterates provider-neutral lifecycle events for one generation.
type ModelStream interface {
	Next() bool
	Current() LifecycleEvent
	Err() error
	Close() error
}

// ModelClient submits a chat request upstream in streaming mode.
type ModelClient interface {
	StreamMessage(ctx context.Context, req StreamRequest, system string) (ModelStream, error)
}

// AdmissionChecker decides whether an authenticated request may proceed.
type AdmissionChecker interface {
	Check(ctx context.Context, account *models.Account) AdmissionDecision
}

// ChatRelay drives one generation and emits the wire event sequence on the
// events channel, closing it after the terminal event. The accumulated text
// and merged usage are returned to the caller.
type ChatRelay interface {
	StreamChat(ctx context.Context, account *models.Account, req StreamRequest, events chan<- StreamEvent) (string, TokenUsage, error)
}
