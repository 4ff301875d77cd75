package services

import (
	"time"

	"tradescope_go_backend/internal/models"

	"gorm.io/gorm"
)

type AccountService struct {
	db         *gorm.DB
	tierLimits map[string]int64
}

func NewAccountService(db *gorm.DB, freeLimit, proLimit, enterpriseLimit int64) *AccountService {
	return &AccountService{
		db: db,
		tierLimits: map[string]int64{
			models.TierFree:       freeLimit,
			models.TierPro:        proLimit,
			models.TierEnterprise: enterpriseLimit,
		},
	}
}

// GetOrCreateAccount looks up the account for an identity-provider subject,
// creating it on the free tier on first sight and bumping last_seen_at.
func (s *AccountService) GetOrCreateAccount(auth0ID, email, name string) (*models.Account, error) {
	now := time.Now().UTC()
	account := models.Account{
		Auth0ID:     auth0ID,
		Email:       email,
		Name:        name,
		Tier:        models.TierFree,
		TokenLimit:  s.tierLimits[models.TierFree],
		PeriodStart: now,
		LastSeenAt:  now,
	}
	result := s.db.Where(models.Account{Auth0ID: auth0ID}).FirstOrCreate(&account)
	if result.Error != nil {
		return nil, result.Error
	}

	if result.RowsAffected == 0 {
		if err := s.db.Model(&models.Account{}).
			Where("id = ?", account.ID).
			UpdateColumn("last_seen_at", now).Error; err != nil {
			return nil, err
		}
		account.LastSeenAt = now
	}

	return &account, nil
}

// TokenLimitForTier returns the included period allowance for a tier.
func (s *AccountService) TokenLimitForTier(tier string) int64 {
	return s.tierLimits[tier]
}
