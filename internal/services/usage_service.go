package services

import (
	"context"
	"time"

	"tradescope_go_backend/internal/models"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// QuotaStatus is the current-period quota snapshot for one account.
type QuotaStatus struct {
	Used      int64  `json:"used"`
	Limit     int64  `json:"limit"`
	Remaining int64  `json:"remaining"`
	Tier      string `json:"tier"`
}

// UsageSummary aggregates an account's usage rows for one period bucket.
type UsageSummary struct {
	PeriodBucket        string           `json:"periodBucket"`
	Requests            int64            `json:"requests"`
	FailedRequests      int64            `json:"failedRequests"`
	InputTokens         int64            `json:"inputTokens"`
	OutputTokens        int64            `json:"outputTokens"`
	CacheReadTokens     int64            `json:"cacheReadTokens"`
	CacheCreationTokens int64            `json:"cacheCreationTokens"`
	TotalTokens         int64            `json:"totalTokens"`
	EstimatedCostUSD    float64          `json:"estimatedCostUsd"`
	ByRequestType       map[string]int64 `json:"byRequestType"`
}

// UsageService implements UsageLedger on the relational store.
type UsageService struct {
	db *gorm.DB
}

func NewUsageService(db *gorm.DB) *UsageService {
	return &UsageService{db: db}
}

// RecordUsage appends a usage row and bumps the account's running period
// total in the same transaction, so concurrent requests from one account
// never lose an increment. Derived fields (total, cost, period bucket) are
// filled in here.
func (s *UsageService) RecordUsage(ctx context.Context, record *models.UsageRecord) error {
	now := time.Now().UTC()
	if record.TotalTokens == 0 {
		record.TotalTokens = record.InputTokens + record.OutputTokens +
			record.CacheReadTokens + record.CacheCreationTokens
	}
	if record.PeriodBucket == "" {
		record.PeriodBucket = models.PeriodBucketFor(now)
	}
	if record.EstimatedCostUSD == 0 {
		record.EstimatedCostUSD = EstimateCost(record.Model, TokenUsage{
			InputTokens:         record.InputTokens,
			OutputTokens:        record.OutputTokens,
			CacheReadTokens:     record.CacheReadTokens,
			CacheCreationTokens: record.CacheCreationTokens,
		})
	}

	return s.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(record).Error; err != nil {
			return err
		}
		if record.TotalTokens == 0 {
			return nil
		}
		return tx.Model(&models.Account{}).
			Where("id = ?", record.AccountID).
			UpdateColumn("tokens_used_period", gorm.Expr("tokens_used_period + ?", record.TotalTokens)).Error
	})
}

// GetQuota reads the account's current-period usage and limit.
func (s *UsageService) GetQuota(ctx context.Context, accountID uuid.UUID) (QuotaStatus, error) {
	var account models.Account
	if err := s.db.WithContext(ctx).First(&account, "id = ?", accountID).Error; err != nil {
		return QuotaStatus{}, err
	}
	return QuotaStatus{
		Used:      account.TokensUsedPeriod,
		Limit:     account.TokenLimit,
		Remaining: account.QuotaRemaining(),
		Tier:      account.Tier,
	}, nil
}

// ResetPeriod zeroes one account's period counter and starts a new period.
// Invoked by the external billing scheduler at period rollover.
func (s *UsageService) ResetPeriod(ctx context.Context, accountID uuid.UUID, now time.Time) error {
	return s.db.WithContext(ctx).Model(&models.Account{}).
		Where("id = ?", accountID).
		Updates(map[string]interface{}{
			"tokens_used_period": 0,
			"period_start":       now.UTC(),
		}).Error
}

// ResetDuePeriods rolls over every account whose billing period has elapsed.
// Returns the number of accounts reset.
func (s *UsageService) ResetDuePeriods(ctx context.Context, now time.Time) (int64, error) {
	cutoff := now.UTC().AddDate(0, -1, 0)
	result := s.db.WithContext(ctx).Model(&models.Account{}).
		Where("period_start <= ?", cutoff).
		Updates(map[string]interface{}{
			"tokens_used_period": 0,
			"period_start":       now.UTC(),
		})
	return result.RowsAffected, result.Error
}

// SummarizeUsage aggregates the account's rows for one period bucket.
func (s *UsageService) SummarizeUsage(ctx context.Context, accountID uuid.UUID, period string) (*UsageSummary, error) {
	summary := UsageSummary{
		PeriodBucket:  period,
		ByRequestType: make(map[string]int64),
	}

	row := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select(`COUNT(*) AS requests,
			COUNT(*) FILTER (WHERE NOT success) AS failed_requests,
			COALESCE(SUM(input_tokens), 0) AS input_tokens,
			COALESCE(SUM(output_tokens), 0) AS output_tokens,
			COALESCE(SUM(cache_read_tokens), 0) AS cache_read_tokens,
			COALESCE(SUM(cache_creation_tokens), 0) AS cache_creation_tokens,
			COALESCE(SUM(total_tokens), 0) AS total_tokens,
			COALESCE(SUM(estimated_cost_usd), 0) AS estimated_cost_usd`).
		Where("account_id = ? AND period_bucket = ?", accountID, period).
		Row()
	if err := row.Scan(
		&summary.Requests,
		&summary.FailedRequests,
		&summary.InputTokens,
		&summary.OutputTokens,
		&summary.CacheReadTokens,
		&summary.CacheCreationTokens,
		&summary.TotalTokens,
		&summary.EstimatedCostUSD,
	); err != nil {
		return nil, err
	}

	type typeCount struct {
		RequestType string
		Count       int64
	}
	var counts []typeCount
	if err := s.db.WithContext(ctx).Model(&models.UsageRecord{}).
		Select("request_type, COUNT(*) AS count").
		Where("account_id = ? AND period_bucket = ?", accountID, period).
		Group("request_type").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, tc := range counts {
		summary.ByRequestType[tc.RequestType] = tc.Count
	}

	return &summary, nil
}

// OverageAccounts lists paid accounts past their included allowance that have
// a billing subscription item to report against.
func (s *UsageService) OverageAccounts(ctx context.Context) ([]models.Account, error) {
	var accounts []models.Account
	err := s.db.WithContext(ctx).
		Where("tier <> ? AND tokens_used_period > token_limit AND stripe_subscription_item <> ''", models.TierFree).
		Find(&accounts).Error
	if err != nil {
		return nil, err
	}
	return accounts, nil
}
