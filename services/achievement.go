package services

import (
	"context"
	"log"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lucky-packet-engine/models"
)

// AchievementService evaluates unlock criteria against freshly recomputed
// per-user stats. The unique constraint on (user_id, achievement_code) is
// what makes unlocking exactly-once: a racing duplicate insert is a
// constraint no-op, not a double reward.
type AchievementService struct {
	DB    *gorm.DB
	Stats *StatsCache

	definitions []models.AchievementDefinition
}

func NewAchievementService(db *gorm.DB, stats *StatsCache) *AchievementService {
	return &AchievementService{DB: db, Stats: stats}
}

// SeedDefinitions upserts the built-in catalog and loads it. Called once at
// startup; definitions are immutable afterwards.
func (s *AchievementService) SeedDefinitions() error {
	for _, def := range models.AchievementCatalog {
		def.ID = uuid.NewString()
		if err := s.DB.Clauses(clause.OnConflict{
			Columns:   []clause.Column{{Name: "code"}},
			DoNothing: true,
		}).Create(&def).Error; err != nil {
			return err
		}
	}
	return s.DB.Order("code").Find(&s.definitions).Error
}

// Definitions returns the loaded catalog.
func (s *AchievementService) Definitions() []models.AchievementDefinition {
	return s.definitions
}

// Evaluate recomputes the user's metrics and attempts an unlock for every
// newly-satisfied definition, returning only the unlocks inserted by this
// call. Safe to run concurrently for the same user.
func (s *AchievementService) Evaluate(ctx context.Context, userID string) ([]models.UserAchievementUnlock, error) {
	stats, err := s.Stats.ComputeUser(userID)
	if err != nil {
		return nil, err
	}

	var unlocked []models.UserAchievementUnlock
	for _, def := range s.definitions {
		if s.metricValue(stats, def.Metric) < def.Target {
			continue
		}

		unlock := models.UserAchievementUnlock{
			ID:              uuid.NewString(),
			UserID:          userID,
			AchievementCode: def.Code,
		}
		res := s.DB.WithContext(ctx).
			Clauses(clause.OnConflict{DoNothing: true}).
			Create(&unlock)
		if res.Error != nil {
			return unlocked, res.Error
		}
		if res.RowsAffected > 0 {
			unlocked = append(unlocked, unlock)
			log.Printf("🏆 achievement unlocked: %s → %s", def.Code, userID)
		}
	}
	return unlocked, nil
}

func (s *AchievementService) metricValue(stats *UserStats, metric models.Metric) int64 {
	switch metric {
	case models.MetricPacketsSent:
		return stats.PacketsSent
	case models.MetricClaimsReceived:
		return stats.ClaimsReceived
	case models.MetricLuckiestClaims:
		return stats.LuckiestClaims
	case models.MetricTotalClaimedGwei:
		return stats.TotalClaimedGwei
	case models.MetricActiveDayStreak:
		return stats.ActiveDayStreak
	case models.MetricReferrals:
		return stats.Referrals
	}
	return 0
}

// UnlocksFor lists a user's unlocks, newest first.
func (s *AchievementService) UnlocksFor(userID string) ([]models.UserAchievementUnlock, error) {
	var unlocks []models.UserAchievementUnlock
	err := s.DB.Where("user_id = ?", userID).Order("unlocked_at DESC").Find(&unlocks).Error
	return unlocks, err
}

// UnlockCounts returns per-achievement unlock totals for the stats endpoint.
func (s *AchievementService) UnlockCounts() (map[string]int64, error) {
	type row struct {
		AchievementCode string
		N               int64
	}
	var rows []row
	if err := s.DB.Model(&models.UserAchievementUnlock{}).
		Select("achievement_code, count(*) as n").
		Group("achievement_code").
		Scan(&rows).Error; err != nil {
		return nil, err
	}
	counts := make(map[string]int64, len(rows))
	for _, r := range rows {
		counts[r.AchievementCode] = r.N
	}
	return counts, nil
}
