package models

import (
	"time"
)

// Metric is the closed set of per-user aggregates achievements can target.
// A closed enum keeps the evaluator a uniform switch instead of open-ended
// dynamic criteria dispatch.
type Metric string

const (
	MetricPacketsSent      Metric = "packets_sent"
	MetricClaimsReceived   Metric = "claims_received"
	MetricLuckiestClaims   Metric = "luckiest_claims"
	MetricTotalClaimedGwei Metric = "total_claimed_gwei"
	MetricActiveDayStreak  Metric = "active_day_streak"
	MetricReferrals        Metric = "referrals"
)

// AchievementDefinition: static config, seeded once at startup and immutable after.
type AchievementDefinition struct {
	ID          string `gorm:"primaryKey;type:uuid" json:"id"`
	Code        string `gorm:"uniqueIndex;not null" json:"code"` // e.g., "FIRST_PACKET"
	Name        string `gorm:"not null" json:"name"`
	Description string `json:"description"`
	Rarity      string `gorm:"type:varchar(16);default:'common'" json:"rarity"`

	Metric Metric `gorm:"type:varchar(32);not null" json:"metric"`
	Target int64  `gorm:"not null" json:"target"`

	CreatedAt time.Time `gorm:"autoCreateTime" json:"created_at"`
}

// UserAchievementUnlock: awarded instance. The unique index on
// (user_id, achievement_code) is the exactly-once guarantee: a racing second
// insert is a constraint no-op, never a double reward.
type UserAchievementUnlock struct {
	ID              string    `gorm:"primaryKey;type:uuid" json:"id"`
	UserID          string    `gorm:"uniqueIndex:ux_user_achievement,priority:1;index;not null" json:"user_id"`
	AchievementCode string    `gorm:"uniqueIndex:ux_user_achievement,priority:2;not null" json:"achievement_code"`
	UnlockedAt      time.Time `gorm:"autoCreateTime" json:"unlocked_at"`
}

// AchievementCatalog is the built-in definition set.
var AchievementCatalog = []AchievementDefinition{
	{
		Code:        "FIRST_PACKET",
		Name:        "First Gift",
		Description: "Funded your first lucky packet",
		Rarity:      "common",
		Metric:      MetricPacketsSent,
		Target:      1,
	},
	{
		Code:        "GENEROUS_10",
		Name:        "Generous Soul",
		Description: "Funded 10 lucky packets",
		Rarity:      "rare",
		Metric:      MetricPacketsSent,
		Target:      10,
	},
	{
		Code:        "FIRST_CLAIM",
		Name:        "Beginner's Luck",
		Description: "Claimed your first share",
		Rarity:      "common",
		Metric:      MetricClaimsReceived,
		Target:      1,
	},
	{
		Code:        "LUCKY_STREAK",
		Name:        "Fortune's Favorite",
		Description: "Grabbed the luckiest share 3 times",
		Rarity:      "epic",
		Metric:      MetricLuckiestClaims,
		Target:      3,
	},
	{
		Code:        "WHALE_CLAIM",
		Name:        "Whale Watcher",
		Description: "Claimed 1 ETH in total",
		Rarity:      "epic",
		Metric:      MetricTotalClaimedGwei,
		Target:      1_000_000_000, // 1 ETH in gwei
	},
	{
		Code:        "WEEK_STREAK",
		Name:        "Regular",
		Description: "Active 7 days in a row",
		Rarity:      "rare",
		Metric:      MetricActiveDayStreak,
		Target:      7,
	},
	{
		Code:        "RECRUITER",
		Name:        "Recruiter",
		Description: "Referred 5 friends",
		Rarity:      "rare",
		Metric:      MetricReferrals,
		Target:      5,
	},
}
