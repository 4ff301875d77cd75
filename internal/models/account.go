package models

import (
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

const (
	TierFree       = "free"
	TierPro        = "pro"
	TierEnterprise = "enterprise"
)

// Account is created on the first successful authentication of an identity
// and carries the quota state for the current billing period.
type Account struct {
	ID                     uuid.UUID `gorm:"type:uuid;primary_key;default:gen_random_uuid()"`
	Auth0ID                string    `gorm:"unique;not null"`
	Email                  string
	Name                   string
	Tier                   string `gorm:"not null;default:'free'"`
	TokenLimit             int64  `gorm:"not null;default:0"`
	TokensUsedPeriod       int64  `gorm:"not null;default:0"`
	PeriodStart            time.Time
	StripeCustomerID       string
	StripeSubscriptionItem string
	LastSeenAt             time.Time
	CreatedAt              time.Time
	UpdatedAt              time.Time
	DeletedAt              gorm.DeletedAt `gorm:"index"`
}

// QuotaRemaining is the allowance left in the current period, floored at zero.
func (a *Account) QuotaRemaining() int64 {
	remaining := a.TokenLimit - a.TokensUsedPeriod
	if remaining < 0 {
		return 0
	}
	return remaining
}

// IsPaid reports whether the account is on a tier that may run into overage
// instead of being hard-blocked at its quota.
func (a *Account) IsPaid() bool {
	return a.Tier == TierPro || a.Tier == TierEnterprise
}
