package services

import (
	"context"
	"fmt"
	"time"

	"tradescope_go_backend/internal/models"

	"github.com/rs/zerolog"
	"github.com/stripe/stripe-go/v79"
	"github.com/stripe/stripe-go/v79/usagerecord"
)

// StripeBillingService periodically reports overage token counts for paid
// accounts to the billing processor. Reports use "set" semantics plus an
// idempotency key, so re-reporting the same figure is harmless and metering
// stays at-least-once overall.
type StripeBillingService struct {
	ledger   UsageLedger
	interval time.Duration
	log      zerolog.Logger
}

func NewStripeBillingService(secretKey string, ledger UsageLedger, interval time.Duration, logger zerolog.Logger) *StripeBillingService {
	stripe.Key = secretKey
	if interval <= 0 {
		interval = 15 * time.Minute
	}
	return &StripeBillingService{
		ledger:   ledger,
		interval: interval,
		log:      logger,
	}
}

// Run loops until the context is cancelled.
func (s *StripeBillingService) Run(ctx context.Context) {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.ReportOverages(ctx)
		}
	}
}

// ReportOverages reports every paid over-quota account's overage. Individual
// failures are logged and retried on the next tick.
func (s *StripeBillingService) ReportOverages(ctx context.Context) {
	accounts, err := s.ledger.OverageAccounts(ctx)
	if err != nil {
		s.log.Error().Err(err).Msg("failed to query overage accounts")
		return
	}

	for _, account := range accounts {
		overage := account.TokensUsedPeriod - account.TokenLimit
		if err := s.reportUsage(account, overage); err != nil {
			s.log.Error().Err(err).
				Str("account_id", account.ID.String()).
				Int64("overage_tokens", overage).
				Msg("failed to report overage usage")
			continue
		}
		s.log.Info().
			Str("account_id", account.ID.String()).
			Int64("overage_tokens", overage).
			Msg("reported overage usage")
	}
}

func (s *StripeBillingService) reportUsage(account models.Account, overage int64) error {
	params := &stripe.UsageRecordParams{
		SubscriptionItem: stripe.String(account.StripeSubscriptionItem),
		Quantity:         stripe.Int64(overage),
		Timestamp:        stripe.Int64(time.Now().Unix()),
		Action:           stripe.String(string(stripe.UsageRecordActionSet)),
	}
	params.SetIdempotencyKey(fmt.Sprintf("overage-%s-%s-%d",
		account.ID, models.PeriodBucketFor(time.Now()), overage))

	_, err := usagerecord.New(params)
	return err
}
