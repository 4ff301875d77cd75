package services

import (
	"context"
	"fmt"
	"time"

	"tradescope_go_backend/internal/counter"
	apperrors "tradescope_go_backend/internal/errors"
	"tradescope_go_backend/internal/models"

	"github.com/rs/zerolog"
)

// TierLimits are the per-window request ceilings for a subscription tier.
type TierLimits struct {
	PerMinute int64
	PerHour   int64
}

var tierLimits = map[string]TierLimits{
	models.TierFree:       {PerMinute: 10, PerHour: 50},
	models.TierPro:        {PerMinute: 30, PerHour: 300},
	models.TierEnterprise: {PerMinute: 60, PerHour: 1_000_000},
}

// LimitsForTier returns the ceilings for a tier, defaulting unknown tiers to
// the free ceilings.
func LimitsForTier(tier string) TierLimits {
	if limits, ok := tierLimits[tier]; ok {
		return limits
	}
	return tierLimits[models.TierFree]
}

// AdmissionDecision is the outcome of one admission pass.
type AdmissionDecision struct {
	Allowed        bool
	Code           apperrors.ErrorType
	RetryAfter     int
	RateRemaining  int64
	QuotaUsed      int64
	QuotaLimit     int64
	QuotaRemaining int64
	Tier           string
}

// AdmissionService composes the rate check and the quota check into one
// pass/fail decision. Identity verification happens upstream in the auth
// middleware, so Check always starts from an authenticated account.
type AdmissionService struct {
	counters counter.Store
	ledger   UsageLedger
	log      zerolog.Logger
	now      func() time.Time
}

func NewAdmissionService(counters counter.Store, ledger UsageLedger, logger zerolog.Logger) *AdmissionService {
	return &AdmissionService{
		counters: counters,
		ledger:   ledger,
		log:      logger,
		now:      time.Now,
	}
}

func (s *AdmissionService) Check(ctx context.Context, account *models.Account) AdmissionDecision {
	limits := LimitsForTier(account.Tier)
	now := s.now().UTC()

	// Fixed windows keyed by wall-clock bucket. The expiry outlives the
	// window so a bucket never vanishes while it can still be read.
	minuteKey := fmt.Sprintf("rate:%s:m:%d", account.ID, now.Unix()/60)
	hourKey := fmt.Sprintf("rate:%s:h:%d", account.ID, now.Unix()/3600)

	minuteCount, minuteErr := s.counters.Incr(ctx, minuteKey, 2*time.Minute)
	hourCount, hourErr := s.counters.Incr(ctx, hourKey, 2*time.Hour)

	if minuteErr != nil || hourErr != nil {
		// Counter store outage must not take down the proxy: fail open and
		// treat the unreadable window as non-limiting.
		s.log.Warn().
			AnErr("minute_err", minuteErr).
			AnErr("hour_err", hourErr).
			Str("account_id", account.ID.String()).
			Msg("counter store unavailable, rate check failing open")
		if minuteErr != nil {
			minuteCount = 0
		}
		if hourErr != nil {
			hourCount = 0
		}
	}

	if minuteCount > limits.PerMinute {
		return AdmissionDecision{
			Code:       apperrors.ErrorTypeRateLimited,
			RetryAfter: int(60 - now.Unix()%60),
			Tier:       account.Tier,
		}
	}
	if hourCount > limits.PerHour {
		return AdmissionDecision{
			Code:       apperrors.ErrorTypeRateLimited,
			RetryAfter: int(3600 - now.Unix()%3600),
			Tier:       account.Tier,
		}
	}

	rateRemaining := limits.PerMinute - minuteCount
	if hourRemaining := limits.PerHour - hourCount; hourRemaining < rateRemaining {
		rateRemaining = hourRemaining
	}
	if rateRemaining < 0 {
		rateRemaining = 0
	}

	quota, err := s.ledger.GetQuota(ctx, account.ID)
	if err != nil {
		// Same fail-open policy for the ledger read; usage is reconciled
		// from the ledger once it recovers.
		s.log.Warn().Err(err).
			Str("account_id", account.ID.String()).
			Msg("ledger unreachable, quota check failing open")
		quota = QuotaStatus{
			Used:      account.TokensUsedPeriod,
			Limit:     account.TokenLimit,
			Remaining: account.QuotaRemaining(),
			Tier:      account.Tier,
		}
	}

	// Paid tiers run into overage instead of being blocked.
	if quota.Used >= quota.Limit && !account.IsPaid() {
		return AdmissionDecision{
			Code:       apperrors.ErrorTypeQuotaExceeded,
			QuotaUsed:  quota.Used,
			QuotaLimit: quota.Limit,
			Tier:       account.Tier,
		}
	}

	return AdmissionDecision{
		Allowed:        true,
		RateRemaining:  rateRemaining,
		QuotaUsed:      quota.Used,
		QuotaLimit:     quota.Limit,
		QuotaRemaining: quota.Remaining,
		Tier:           account.Tier,
	}
}
