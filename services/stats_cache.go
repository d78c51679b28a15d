package services

import (
	"encoding/json"
	"fmt"
	"math/big"
	"strings"
	"time"

	"github.com/hashicorp/golang-lru/v2/expirable"
	"golang.org/x/sync/singleflight"
	"gorm.io/gorm"

	"lucky-packet-engine/models"
)

const GlobalStatsKey = "global"

// UserStatsKey is the cache key for one user's aggregate stats.
func UserStatsKey(userID string) string { return "user:" + userID }

// GlobalStats is the payload behind GET /api/v1/stats.
type GlobalStats struct {
	TotalGifts    int64   `json:"totalGifts"`
	TotalClaimed  int64   `json:"totalClaimed"`
	TotalRefunded int64   `json:"totalRefunded"`
	TotalPending  int64   `json:"totalPending"`
	TotalExpired  int64   `json:"totalExpired"`
	TotalValueETH float64 `json:"totalValueETH"`
	TotalUsers    int64   `json:"totalUsers"`
	Stats24h      struct {
		GiftsCreated int64 `json:"giftsCreated"`
		GiftsClaimed int64 `json:"giftsClaimed"`
	} `json:"stats24h"`
}

// UserStats is the per-user aggregate payload. TotalClaimedGwei is the exact
// integer sum the achievement engine compares against; the ETH float is for
// display only.
type UserStats struct {
	UserID           string  `json:"userId"`
	PacketsSent      int64   `json:"packetsSent"`
	ClaimsReceived   int64   `json:"claimsReceived"`
	TotalClaimedETH  float64 `json:"totalClaimedETH"`
	TotalClaimedGwei int64   `json:"-"`
	LuckiestClaims   int64   `json:"luckiestClaims"`
	ActiveDayStreak  int64   `json:"activeDayStreak"`
	Referrals        int64   `json:"referrals"`
}

// StatsCache serves aggregate statistics from a TTL cache over the store.
// Concurrent misses for one key collapse into a single recompute via
// singleflight; mutating events invalidate keys explicitly, so the TTL only
// bounds staleness for keys no event touched.
type StatsCache struct {
	DB    *gorm.DB
	ttl   time.Duration
	store *expirable.LRU[string, []byte]
	group singleflight.Group
}

func NewStatsCache(db *gorm.DB, ttl time.Duration) *StatsCache {
	return &StatsCache{
		DB:    db,
		ttl:   ttl,
		store: expirable.NewLRU[string, []byte](4096, nil, ttl),
	}
}

// Get returns the cached payload for key, recomputing on miss. The cached
// value is marshaled bytes, so repeat hits within the TTL are byte-identical.
func (s *StatsCache) Get(key string) ([]byte, error) {
	if payload, ok := s.store.Get(key); ok {
		return payload, nil
	}

	payload, err, _ := s.group.Do(key, func() (any, error) {
		// Re-check under the flight: a racing caller may have populated it.
		if cached, ok := s.store.Get(key); ok {
			return cached, nil
		}
		fresh, err := s.recompute(key)
		if err != nil {
			return nil, err
		}
		s.store.Add(key, fresh)
		return fresh, nil
	})
	if err != nil {
		return nil, err
	}
	return payload.([]byte), nil
}

// Invalidate drops the given keys so the next read recomputes.
func (s *StatsCache) Invalidate(keys ...string) {
	for _, k := range keys {
		s.store.Remove(k)
	}
}

func (s *StatsCache) recompute(key string) ([]byte, error) {
	if key == GlobalStatsKey {
		stats, err := s.computeGlobal()
		if err != nil {
			return nil, err
		}
		return json.Marshal(stats)
	}
	userID, ok := strings.CutPrefix(key, "user:")
	if !ok {
		return nil, fmt.Errorf("unrecognized stats key %q", key)
	}
	stats, err := s.ComputeUser(userID)
	if err != nil {
		return nil, err
	}
	return json.Marshal(stats)
}

func (s *StatsCache) computeGlobal() (*GlobalStats, error) {
	var stats GlobalStats

	type stateCount struct {
		State models.PacketState
		N     int64
	}
	var counts []stateCount
	if err := s.DB.Model(&models.Packet{}).
		Select("state, count(*) as n").
		Group("state").
		Scan(&counts).Error; err != nil {
		return nil, err
	}
	for _, c := range counts {
		stats.TotalGifts += c.N
		switch c.State {
		case models.PacketStateFullyClaimed:
			stats.TotalClaimed += c.N
		case models.PacketStateRefunded:
			stats.TotalRefunded += c.N
		case models.PacketStateExpired:
			stats.TotalExpired += c.N
		case models.PacketStateCreated, models.PacketStatePendingRandomness, models.PacketStateActive:
			stats.TotalPending += c.N
		}
	}

	var totalWei float64
	if err := s.DB.Model(&models.Packet{}).
		Select("COALESCE(SUM(CAST(total_amount AS numeric)), 0)").
		Scan(&totalWei).Error; err != nil {
		return nil, err
	}
	stats.TotalValueETH = totalWei / 1e18

	// Distinct participants: creators plus claimants.
	if err := s.DB.Raw(`
		SELECT COUNT(*) FROM (
			SELECT creator AS addr FROM packets WHERE deleted_at IS NULL
			UNION
			SELECT claimant AS addr FROM claims WHERE deleted_at IS NULL
		) participants
	`).Scan(&stats.TotalUsers).Error; err != nil {
		return nil, err
	}

	cutoff := time.Now().UTC().Add(-24 * time.Hour)
	if err := s.DB.Model(&models.Packet{}).
		Where("created_at > ?", cutoff).
		Count(&stats.Stats24h.GiftsCreated).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.Claim{}).
		Where("claimed_at > ?", cutoff).
		Count(&stats.Stats24h.GiftsClaimed).Error; err != nil {
		return nil, err
	}

	return &stats, nil
}

// ComputeUser recomputes one user's aggregates straight from the store.
// The achievement engine calls this directly so its comparison never runs
// against a stale snapshot.
func (s *StatsCache) ComputeUser(userID string) (*UserStats, error) {
	stats := UserStats{UserID: userID}

	if err := s.DB.Model(&models.Packet{}).
		Where("creator = ?", userID).
		Count(&stats.PacketsSent).Error; err != nil {
		return nil, err
	}
	if err := s.DB.Model(&models.Claim{}).
		Where("claimant = ?", userID).
		Count(&stats.ClaimsReceived).Error; err != nil {
		return nil, err
	}

	// Wei sums exceed float64 precision past 2^53; keep the sum textual and
	// reduce it with math/big so gwei totals stay exact.
	var claimedWei string
	if err := s.DB.Model(&models.Claim{}).
		Where("claimant = ?", userID).
		Select("COALESCE(SUM(CAST(amount AS numeric)), 0)").
		Scan(&claimedWei).Error; err != nil {
		return nil, err
	}
	if wei, ok := new(big.Int).SetString(claimedWei, 10); ok {
		stats.TotalClaimedGwei = new(big.Int).Div(wei, big.NewInt(1_000_000_000)).Int64()
	}
	stats.TotalClaimedETH = float64(stats.TotalClaimedGwei) / 1e9

	// Luckiest claim: the largest share within its packet.
	if err := s.DB.Raw(`
		SELECT COUNT(*) FROM claims c
		WHERE c.claimant = ? AND c.deleted_at IS NULL
		  AND CAST(c.amount AS numeric) = (
			SELECT MAX(CAST(c2.amount AS numeric)) FROM claims c2
			WHERE c2.packet_id = c.packet_id AND c2.deleted_at IS NULL
		  )
	`, userID).Scan(&stats.LuckiestClaims).Error; err != nil {
		return nil, err
	}

	streak, err := s.activeDayStreak(userID)
	if err != nil {
		return nil, err
	}
	stats.ActiveDayStreak = streak

	if err := s.DB.Model(&models.Referral{}).
		Where("referrer_id = ?", userID).
		Count(&stats.Referrals).Error; err != nil {
		return nil, err
	}

	return &stats, nil
}

// activeDayStreak counts consecutive UTC days of activity (creating or
// claiming) ending today or yesterday. Timestamps are bucketed into days in
// Go rather than in SQL so the query stays portable.
func (s *StatsCache) activeDayStreak(userID string) (int64, error) {
	var stamps []struct{ Ts time.Time }
	if err := s.DB.Raw(`
		SELECT created_at AS ts FROM packets
		WHERE creator = ? AND deleted_at IS NULL
		UNION
		SELECT claimed_at AS ts FROM claims
		WHERE claimant = ? AND deleted_at IS NULL
	`, userID, userID).Scan(&stamps).Error; err != nil {
		return 0, err
	}
	if len(stamps) == 0 {
		return 0, nil
	}

	days := make(map[time.Time]struct{}, len(stamps))
	for _, row := range stamps {
		days[row.Ts.UTC().Truncate(24*time.Hour)] = struct{}{}
	}

	today := time.Now().UTC().Truncate(24 * time.Hour)
	start := today
	if _, ok := days[start]; !ok {
		start = today.Add(-24 * time.Hour)
		if _, ok := days[start]; !ok {
			return 0, nil // streak broken before today
		}
	}

	streak := int64(0)
	for d := start; ; d = d.Add(-24 * time.Hour) {
		if _, ok := days[d]; !ok {
			break
		}
		streak++
	}
	return streak, nil
}
