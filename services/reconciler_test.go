package services

import (
	"context"
	"encoding/json"
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"lucky-packet-engine/models"
)

func TestHandleAppliesAndPersists(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 30, 3, false, 10, 0)))
	require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(1), 10, 0, 11, 0)))

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, models.PacketStateActive, packet.State)
	assert.Equal(t, 1, packet.ClaimCount)
	assert.Equal(t, "20", packet.RemainingAmount)

	var entries int64
	require.NoError(t, eng.DB.Model(&models.EventLedgerEntry{}).Count(&entries).Error)
	assert.EqualValues(t, 2, entries)
}

func TestDuplicateDeliveryIsIdempotent(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 30, 3, false, 10, 0)))
	claim := claimedEvent("p1", claimant(1), 10, 0, 11, 0)
	require.NoError(t, eng.Reconciler.Handle(ctx, claim))

	before := loadPacket(t, eng.DB, "p1")

	// Same (txHash, logIndex) redelivered: final state must be identical.
	require.NoError(t, eng.Reconciler.Handle(ctx, claim))

	after := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, before.State, after.State)
	assert.Equal(t, before.ClaimCount, after.ClaimCount)
	assert.Equal(t, before.RemainingAmount, after.RemainingAmount)
	assert.Equal(t, before.Version, after.Version)

	var claims int64
	require.NoError(t, eng.DB.Model(&models.Claim{}).Count(&claims).Error)
	assert.EqualValues(t, 1, claims)
}

func TestRejectedEventLeavesNoLedgerEntry(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 20, 2, false, 10, 0)))
	require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(1), 10, 0, 11, 0)))
	require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(2), 10, 1, 12, 0)))

	// Fully claimed: the extra claim is a no-op and never enters the ledger,
	// so a later canonical ordering could still apply it.
	extra := claimedEvent("p1", claimant(3), 10, 2, 13, 0)
	require.NoError(t, eng.Reconciler.Handle(ctx, extra))

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, models.PacketStateFullyClaimed, packet.State)
	assert.Equal(t, 2, packet.ClaimCount)

	var entries int64
	require.NoError(t, eng.DB.Model(&models.EventLedgerEntry{}).
		Where("tx_hash = ?", extra.TxHash.Hex()).Count(&entries).Error)
	assert.Zero(t, entries)
}

func TestConcurrentClaimsOnOnePacketKeepInvariants(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 100, 10, false, 10, 0)))

	var wg sync.WaitGroup
	for i := 0; i < 10; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			ev := claimedEvent("p1", claimant(byte(i)), 10, i, 11, uint(i))
			assert.NoError(t, eng.Reconciler.Handle(ctx, ev))
		}(i)
	}
	wg.Wait()

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, models.PacketStateFullyClaimed, packet.State)
	assert.Equal(t, 10, packet.ClaimCount)
	assert.Equal(t, "0", packet.RemainingAmount)

	// sum(claims.amount) <= totalAmount and len(claims) <= shareCount
	var sum float64
	require.NoError(t, eng.DB.Model(&models.Claim{}).
		Select("COALESCE(SUM(CAST(amount AS numeric)), 0)").Scan(&sum).Error)
	assert.LessOrEqual(t, sum, float64(100))
}

func TestVRFDelayedThenFulfilled(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 1_000_000, 4, true, 10, 0)))

	// Sweep with a zero timeout flags the pending request as delayed.
	sweeper := NewSweeper(eng.DB, eng.Stats, eng.Broadcaster, 0)
	sweeper.FlagDelayedVRF()

	var vrf models.VRFRequest
	require.NoError(t, eng.DB.First(&vrf, "packet_id = ?", "p1").Error)
	assert.Equal(t, models.VRFStatusPending, vrf.Status)
	assert.NotNil(t, vrf.DelayedSince)
	assert.Equal(t, models.PacketStatePendingRandomness, loadPacket(t, eng.DB, "p1").State)

	// Fulfillment still lands and clears the delay flag. Read into a fresh
	// struct: GORM leaves a stale non-nil pointer untouched when re-scanning
	// a now-NULL column.
	seed := "0x2222222222222222222222222222222222222222222222222222222222222222"
	require.NoError(t, eng.Reconciler.Handle(ctx, vrfEvent("p1", seed, 12, 0)))

	var fulfilled models.VRFRequest
	require.NoError(t, eng.DB.First(&fulfilled, "packet_id = ?", "p1").Error)
	assert.Equal(t, models.VRFStatusFulfilled, fulfilled.Status)
	assert.Nil(t, fulfilled.DelayedSince)

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, models.PacketStateActive, packet.State)
	require.NotNil(t, packet.VRFSeed)
	assert.Equal(t, seed, *packet.VRFSeed)
}

func TestReorgRollbackThenCanonicalReplay(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 30, 3, false, 10, 0)))
	claims := []struct {
		n     byte
		block uint64
	}{{1, 12}, {2, 13}, {3, 14}}
	for i, c := range claims {
		require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(c.n), 10, i, c.block, 0)))
	}
	// Second packet created inside the soon-to-be-orphaned range.
	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p2", 50, 5, false, 13, 1)))

	want := loadPacket(t, eng.DB, "p1")
	require.Equal(t, models.PacketStateFullyClaimed, want.State)

	// Reorg invalidates blocks >= 13.
	require.NoError(t, eng.Reconciler.RollbackFrom(ctx, "1", 13))

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, models.PacketStateActive, packet.State)
	assert.Equal(t, 1, packet.ClaimCount)
	assert.Equal(t, "20", packet.RemainingAmount)

	// p2 was born in the rolled-back range: it never existed.
	var count int64
	require.NoError(t, eng.DB.Model(&models.Packet{}).Where("id = ?", "p2").Count(&count).Error)
	assert.Zero(t, count)

	var entries int64
	require.NoError(t, eng.DB.Model(&models.EventLedgerEntry{}).
		Where("block_number >= ?", 13).Count(&entries).Error)
	assert.Zero(t, entries)

	// Canonical re-emission of the same range restores the pre-reorg state.
	for i, c := range claims[1:] {
		require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(c.n), 10, i+1, c.block, 0)))
	}
	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p2", 50, 5, false, 13, 1)))

	got := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, want.State, got.State)
	assert.Equal(t, want.ClaimCount, got.ClaimCount)
	assert.Equal(t, want.RemainingAmount, got.RemainingAmount)
	assert.Equal(t, models.PacketStateActive, loadPacket(t, eng.DB, "p2").State)
}

func TestBroadcastOrderFollowsCommitOrder(t *testing.T) {
	eng := newTestEngine(t)
	// Production fan-out: stats/achievements run async, but the broadcast
	// must still follow commit order.
	eng.Reconciler.WaitFanout = false
	ctx := context.Background()

	rc := newRecordingClient("viewer")
	eng.Broadcaster.Subscribe(rc.client, "p1")

	const shares = 60
	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", shares, shares, false, 10, 0)))
	for i := 0; i < shares; i++ {
		require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(byte(i)), 1, i, 11+uint64(i), 0)))
	}

	waitFor(t, func() bool {
		rc.mu.Lock()
		defer rc.mu.Unlock()
		return len(rc.frames) == shares+1
	})

	type frame struct {
		Seq  uint64 `json:"seq"`
		Data struct {
			ClaimCount int `json:"claim_count"`
		} `json:"data"`
	}
	rc.mu.Lock()
	defer rc.mu.Unlock()
	for i, raw := range rc.frames {
		var f frame
		require.NoError(t, json.Unmarshal(raw, &f))
		assert.EqualValues(t, i+1, f.Seq)
		assert.Equal(t, i, f.Data.ClaimCount, "seq %d must carry the state of commit %d", f.Seq, i)
	}
}

func TestRollbackIsScopedToOneChain(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 30, 3, false, 10, 0)))
	require.NoError(t, eng.Reconciler.Handle(ctx, claimedEvent("p1", claimant(1), 10, 0, 12, 0)))

	// A second chain with activity at the same heights.
	otherCreated := createdEvent("p2", 30, 3, false, 10, 1)
	otherCreated.ChainID = "2"
	require.NoError(t, eng.Reconciler.Handle(ctx, otherCreated))
	otherClaim := claimedEvent("p2", claimant(2), 10, 0, 12, 1)
	otherClaim.ChainID = "2"
	require.NoError(t, eng.Reconciler.Handle(ctx, otherClaim))

	otherRandom := createdEvent("p3", 1_000_000, 4, true, 10, 2)
	otherRandom.ChainID = "2"
	require.NoError(t, eng.Reconciler.Handle(ctx, otherRandom))
	otherVRF := vrfEvent("p3", "0x4444444444444444444444444444444444444444444444444444444444444444", 12, 2)
	otherVRF.ChainID = "2"
	require.NoError(t, eng.Reconciler.Handle(ctx, otherVRF))

	// Reorg on chain 1 only.
	require.NoError(t, eng.Reconciler.RollbackFrom(ctx, "1", 11))

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, 0, packet.ClaimCount)
	assert.Equal(t, "30", packet.RemainingAmount)

	var chain1Claims int64
	require.NoError(t, eng.DB.Model(&models.Claim{}).Where("packet_id = ?", "p1").Count(&chain1Claims).Error)
	assert.Zero(t, chain1Claims)

	// Chain 2's rows at the same heights are untouched.
	var chain2Claims int64
	require.NoError(t, eng.DB.Model(&models.Claim{}).Where("packet_id = ?", "p2").Count(&chain2Claims).Error)
	assert.EqualValues(t, 1, chain2Claims)
	assert.Equal(t, 1, loadPacket(t, eng.DB, "p2").ClaimCount)

	var vrf models.VRFRequest
	require.NoError(t, eng.DB.First(&vrf, "packet_id = ?", "p3").Error)
	assert.Equal(t, models.VRFStatusFulfilled, vrf.Status)
	assert.Equal(t, models.PacketStateActive, loadPacket(t, eng.DB, "p3").State)
}

func TestReorgRevertsVRFFulfillment(t *testing.T) {
	eng := newTestEngine(t)
	ctx := context.Background()

	require.NoError(t, eng.Reconciler.Handle(ctx, createdEvent("p1", 1_000_000, 4, true, 10, 0)))
	seed := "0x3333333333333333333333333333333333333333333333333333333333333333"
	require.NoError(t, eng.Reconciler.Handle(ctx, vrfEvent("p1", seed, 15, 0)))
	require.Equal(t, models.PacketStateActive, loadPacket(t, eng.DB, "p1").State)

	require.NoError(t, eng.Reconciler.RollbackFrom(ctx, "1", 15))

	packet := loadPacket(t, eng.DB, "p1")
	assert.Equal(t, models.PacketStatePendingRandomness, packet.State)
	assert.Nil(t, packet.VRFSeed)

	var vrf models.VRFRequest
	require.NoError(t, eng.DB.First(&vrf, "packet_id = ?", "p1").Error)
	assert.Equal(t, models.VRFStatusPending, vrf.Status)
	assert.Nil(t, vrf.ResultSeed)
}
