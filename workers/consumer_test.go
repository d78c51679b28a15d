package workers

import (
	"context"
	"errors"
	"fmt"
	"math/big"
	"sync"
	"testing"
	"time"

	"github.com/ethereum/go-ethereum/common"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gorm.io/driver/sqlite"
	"gorm.io/gorm"
	"gorm.io/gorm/logger"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/models"
	"lucky-packet-engine/services"
)

type stubFeed struct {
	ch chan chain.Event
}

func (f *stubFeed) Events() <-chan chain.Event { return f.ch }

func (f *stubFeed) Run(ctx context.Context) error {
	<-ctx.Done()
	return ctx.Err()
}

func newConsumerDeps(t *testing.T) (*gorm.DB, *services.Reconciler) {
	t.Helper()
	db, err := gorm.Open(sqlite.Open(":memory:"), &gorm.Config{
		Logger: logger.Default.LogMode(logger.Silent),
	})
	require.NoError(t, err)
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

	stats := services.NewStatsCache(db, time.Minute)
	achievements := services.NewAchievementService(db, stats)
	require.NoError(t, achievements.SeedDefinitions())
	rec := services.NewReconciler(db, services.NewLedgerService(db), stats, achievements, services.NewBroadcaster(), chain.DefaultSplit)
	return db, rec
}

func newConsumerFixture(t *testing.T) (*gorm.DB, *ChainConsumer, *stubFeed) {
	t.Helper()
	db, rec := newConsumerDeps(t)
	feed := &stubFeed{ch: make(chan chain.Event, 16)}
	consumer := NewChainConsumer(db, rec, "1", func(models.ChainCursor) EventFeed { return feed })
	return db, consumer, feed
}

func testEvent(packetID string, block uint64) chain.Event {
	return chain.Event{
		Type:        chain.EventTypePacketCreated,
		ChainID:     "1",
		BlockNumber: block,
		LogIndex:    0,
		TxHash:      common.BytesToHash([]byte(fmt.Sprintf("tx-%s-%d", packetID, block))),
		PacketCreated: &chain.PacketCreatedPayload{
			PacketID:    packetID,
			Creator:     common.HexToAddress("0xaa"),
			TotalAmount: big.NewInt(100),
			ShareCount:  2,
			Message:     "hi",
			ExpiresAt:   time.Now().UTC().Add(time.Hour),
		},
	}
}

func waitUntil(t *testing.T, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(10 * time.Millisecond)
	}
	t.Fatal("condition not met in time")
}

func TestConsumerAppliesEventsInOrderAndAdvancesCursor(t *testing.T) {
	db, consumer, feed := newConsumerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumer.Run(ctx)

	feed.ch <- testEvent("p1", 10)
	feed.ch <- testEvent("p2", 11)

	waitUntil(t, func() bool {
		var n int64
		return db.Model(&models.Packet{}).Count(&n).Error == nil && n == 2
	})

	var cursor models.ChainCursor
	require.NoError(t, db.First(&cursor, "chain_id = ?", "1").Error)
	assert.EqualValues(t, 11, cursor.BlockNumber)
	assert.EqualValues(t, 1, cursor.LogIndex)
}

func TestConsumerRollsBackOnReorgBeforeResuming(t *testing.T) {
	db, consumer, feed := newConsumerFixture(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go consumer.Run(ctx)

	feed.ch <- testEvent("p1", 10)
	feed.ch <- testEvent("p2", 11)
	feed.ch <- chain.Event{Type: chain.EventTypeReorg, ChainID: "1", ReorgFromBlock: 11}
	// Canonical replacement for the orphaned block.
	feed.ch <- testEvent("p3", 11)

	waitUntil(t, func() bool {
		var n int64
		return db.Model(&models.Packet{}).Where("id = ?", "p3").Count(&n).Error == nil && n == 1
	})

	var gone int64
	require.NoError(t, db.Model(&models.Packet{}).Where("id = ?", "p2").Count(&gone).Error)
	assert.Zero(t, gone, "packet from the orphaned block must be rolled back")

	var kept int64
	require.NoError(t, db.Model(&models.Packet{}).Where("id = ?", "p1").Count(&kept).Error)
	assert.EqualValues(t, 1, kept)
}

// deadFeed simulates an upstream that fails immediately: the event channel is
// already closed and Run reports the failure.
type deadFeed struct{}

func (deadFeed) Events() <-chan chain.Event {
	ch := make(chan chain.Event)
	close(ch)
	return ch
}

func (deadFeed) Run(context.Context) error { return errors.New("upstream gone") }

func TestConsumerReconnectsAfterFeedFailure(t *testing.T) {
	db, rec := newConsumerDeps(t)

	live := &stubFeed{ch: make(chan chain.Event, 16)}
	var mu sync.Mutex
	attempts := 0
	consumer := NewChainConsumer(db, rec, "1", func(models.ChainCursor) EventFeed {
		mu.Lock()
		defer mu.Unlock()
		attempts++
		if attempts == 1 {
			return deadFeed{}
		}
		return live
	})

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	go consumer.Run(ctx)

	live.ch <- testEvent("p1", 10)

	waitUntil(t, func() bool {
		var n int64
		return db.Model(&models.Packet{}).Where("id = ?", "p1").Count(&n).Error == nil && n == 1
	})

	mu.Lock()
	defer mu.Unlock()
	assert.GreaterOrEqual(t, attempts, 2, "a failed feed must be rebuilt from the cursor")
}
