package models

import (
	"time"

	"github.com/google/uuid"
)

const (
	RequestTypeChat         = "chat"
	RequestTypeVision       = "vision"
	RequestTypeMultiContext = "multi-context"
)

// UsageRecord is one row per completed or failed upstream call. Rows are
// append-only and never updated after creation so historical billing data
// stays stable even if pricing changes.
type UsageRecord struct {
	ID                  uint      `gorm:"primary_key"`
	AccountID           uuid.UUID `gorm:"type:uuid;index;not null"`
	ConversationID      *uuid.UUID `gorm:"type:uuid;index"`
	InputTokens         int64
	OutputTokens        int64
	CacheReadTokens     int64
	CacheCreationTokens int64
	TotalTokens         int64
	Model               string
	RequestType         string `gorm:"index"`
	Success             bool
	LatencyMs           int64
	ErrorCode           string
	EstimatedCostUSD    float64
	PeriodBucket        string `gorm:"index"`
	CreatedAt           time.Time
}

// PeriodBucketFor returns the billing-period bucket a timestamp falls into.
func PeriodBucketFor(t time.Time) string {
	return t.UTC().Format("2006-01")
}
