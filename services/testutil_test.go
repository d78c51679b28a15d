package services

import (
	"fmt"
	"math/big"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/models"
)

func newTestDB(t *testing.T) *gorm.DB {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)

	// A :memory: database exists per connection; cap the pool so every
	// session sees the same schema.
	sqlDB, err := db.DB()
	require.NoError(t, err)
	sqlDB.SetMaxOpenConns(1)

	require.NoError(t, db.AutoMigrate(
		&models.Packet{},
		&models.Claim{},
		&models.VRFRequest{},
		&models.EventLedgerEntry{},
		&models.ChainCursor{},
		&models.AchievementDefinition{},
		&models.UserAchievementUnlock{},
		&models.Referral{},
	))
	return db
}

type testEngine struct {
	DB           *gorm.DB
	Reconciler   *Reconciler
	Stats        *StatsCache
	Achievements *AchievementService
	Broadcaster  *Broadcaster
}

func newTestEngine(t *testing.T) *testEngine {
	t.Helper()
	db := newTestDB(t)
	stats := NewStatsCache(db, time.Minute)
	achievements := NewAchievementService(db, stats)
	require.NoError(t, achievements.SeedDefinitions())
	broadcaster := NewBroadcaster()
	rec := NewReconciler(db, NewLedgerService(db), stats, achievements, broadcaster, chain.DefaultSplit)
	rec.WaitFanout = true
	return &testEngine{
		DB:           db,
		Reconciler:   rec,
		Stats:        stats,
		Achievements: achievements,
		Broadcaster:  broadcaster,
	}
}

func testTxHash(block uint64, logIndex uint) common.Hash {
	return common.BytesToHash([]byte(fmt.Sprintf("tx-%d-%d", block, logIndex)))
}

func createdEvent(packetID string, total int64, shares int, isRandom bool, block uint64, logIndex uint) chain.Event {
	return chain.Event{
		Type:        chain.EventTypePacketCreated,
		ChainID:     "1",
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      testTxHash(block, logIndex),
		PacketCreated: &chain.PacketCreatedPayload{
			PacketID:     packetID,
			Creator:      common.HexToAddress("0x00000000000000000000000000000000000000aa"),
			Token:        common.Address{},
			TotalAmount:  big.NewInt(total),
			ShareCount:   shares,
			IsRandom:     isRandom,
			Message:      "gm",
			ExpiresAt:    time.Now().UTC().Add(time.Hour),
			VRFRequestID: "req-" + packetID,
		},
	}
}

func claimedEvent(packetID string, claimant common.Address, amount int64, claimIndex int, block uint64, logIndex uint) chain.Event {
	return chain.Event{
		Type:        chain.EventTypeClaimed,
		ChainID:     "1",
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      testTxHash(block, logIndex),
		Claimed: &chain.ClaimedPayload{
			PacketID:   packetID,
			Claimant:   claimant,
			Amount:     big.NewInt(amount),
			ClaimIndex: claimIndex,
		},
	}
}

func vrfEvent(packetID, seed string, block uint64, logIndex uint) chain.Event {
	return chain.Event{
		Type:        chain.EventTypeVRFFulfilled,
		ChainID:     "1",
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      testTxHash(block, logIndex),
		VRFFulfilled: &chain.VRFFulfilledPayload{
			PacketID:  packetID,
			RequestID: "req-" + packetID,
			Seed:      seed,
		},
	}
}

func refundedEvent(packetID string, amount int64, block uint64, logIndex uint) chain.Event {
	return chain.Event{
		Type:        chain.EventTypeRefunded,
		ChainID:     "1",
		BlockNumber: block,
		LogIndex:    logIndex,
		TxHash:      testTxHash(block, logIndex),
		Refunded: &chain.RefundedPayload{
			PacketID: packetID,
			Amount:   big.NewInt(amount),
		},
	}
}

func claimant(n byte) common.Address {
	return common.BytesToAddress([]byte{0xc1, n})
}

func loadPacket(t *testing.T, db *gorm.DB, id string) models.Packet {
	t.Helper()
	var p models.Packet
	require.NoError(t, db.First(&p, "id = ?", id).Error)
	return p
}
