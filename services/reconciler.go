package services

import (
	"context"
	"errors"
	"fmt"
	"log"
	"math/big"
	"sync"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/models"
)

// errRejected aborts the storage transaction for a no-op event without
// recording a ledger entry, so a later in-order redelivery can still apply.
var errRejected = errors.New("event rejected by state machine")

// Reconciler is the single entry point for applying chain events. It owns the
// Packet aggregate: dedup check, state machine apply and persistence happen in
// one transaction, then cache invalidation, achievement evaluation and
// broadcast fan out asynchronously.
type Reconciler struct {
	DB           *gorm.DB
	Ledger       *LedgerService
	Stats        *StatsCache
	Achievements *AchievementService
	Broadcaster  *Broadcaster
	Split        chain.SplitFunc

	// Per-packet serialization: events for one packet apply in order while
	// different packets proceed concurrently.
	mu    sync.Mutex
	locks map[string]*sync.Mutex

	// WaitFanout, when set, makes fan-out synchronous. Tests only.
	WaitFanout bool
}

func NewReconciler(db *gorm.DB, ledger *LedgerService, stats *StatsCache, achievements *AchievementService, broadcaster *Broadcaster, split chain.SplitFunc) *Reconciler {
	if split == nil {
		split = chain.DefaultSplit
	}
	return &Reconciler{
		DB:           db,
		Ledger:       ledger,
		Stats:        stats,
		Achievements: achievements,
		Broadcaster:  broadcaster,
		Split:        split,
		locks:        make(map[string]*sync.Mutex),
	}
}

func (r *Reconciler) packetLock(packetID string) *sync.Mutex {
	r.mu.Lock()
	defer r.mu.Unlock()
	l, ok := r.locks[packetID]
	if !ok {
		l = &sync.Mutex{}
		r.locks[packetID] = l
	}
	return l
}

// Handle applies one event. Duplicate deliveries short-circuit silently;
// invalid transitions are dropped and flagged, never returned as errors:
// a malformed event must not halt processing of subsequent packets.
func (r *Reconciler) Handle(ctx context.Context, ev chain.Event) error {
	if ev.Type == chain.EventTypeReorg {
		return r.RollbackFrom(ctx, ev.ChainID, ev.ReorgFromBlock)
	}

	lock := r.packetLock(ev.PacketID())
	lock.Lock()
	defer lock.Unlock()

	// Version-conflict retry loop: a concurrent writer that lost the
	// optimistic check re-reads current state and reapplies.
	var outcome Outcome
	var err error
	for attempt := 0; attempt < 3; attempt++ {
		outcome, err = r.apply(ctx, ev)
		if !errors.Is(err, ErrVersionConflict) {
			break
		}
		log.Printf("🔁 [reconciler] version conflict on packet %s, retrying", ev.PacketID())
	}
	if errors.Is(err, errRejected) {
		log.Printf("⚠️ [reconciler] flagged for review: %s: %s", ev, outcome.RejectReason)
		return nil
	}
	if err != nil {
		return err
	}
	if outcome.Packet == nil {
		// Duplicate delivery; no effects re-emitted.
		return nil
	}

	r.fanOut(ctx, ev, outcome)
	return nil
}

// apply runs dedup + state machine + persistence in one storage transaction.
// An Outcome with a nil Packet means the event was already applied.
func (r *Reconciler) apply(ctx context.Context, ev chain.Event) (Outcome, error) {
	var outcome Outcome

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		result, err := r.Ledger.ApplyOnce(tx, ev)
		if err != nil {
			return err
		}
		if result == AlreadyApplied {
			log.Printf("[reconciler] duplicate delivery ignored: %s", ev)
			outcome = Outcome{}
			return nil
		}

		packet, vrf, err := r.loadAggregate(tx, ev)
		if err != nil {
			return err
		}

		now := time.Now().UTC()
		if CheckExpiry(packet, now) {
			// Lazy expiry observed while handling an event for this packet.
			if err := r.savePacket(tx, packet); err != nil {
				return err
			}
		}

		outcome = ApplyEvent(packet, vrf, ev, r.Split, now)
		if outcome.Rejected {
			return errRejected
		}
		return r.persist(tx, ev, outcome, now)
	})

	return outcome, err
}

func (r *Reconciler) loadAggregate(tx *gorm.DB, ev chain.Event) (*models.Packet, *models.VRFRequest, error) {
	var packet models.Packet
	err := tx.First(&packet, "id = ?", ev.PacketID()).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		var vrf *models.VRFRequest
		if ev.Type == chain.EventTypeVRFFulfilled {
			vrf = r.loadVRF(tx, ev.VRFFulfilled.RequestID)
		}
		return nil, vrf, nil
	}
	if err != nil {
		return nil, nil, err
	}

	var vrf *models.VRFRequest
	if ev.Type == chain.EventTypeVRFFulfilled {
		vrf = r.loadVRF(tx, ev.VRFFulfilled.RequestID)
	}
	return &packet, vrf, nil
}

func (r *Reconciler) loadVRF(tx *gorm.DB, requestID string) *models.VRFRequest {
	var vrf models.VRFRequest
	if err := tx.First(&vrf, "request_id = ?", requestID).Error; err != nil {
		return nil
	}
	return &vrf
}

func (r *Reconciler) persist(tx *gorm.DB, ev chain.Event, outcome Outcome, now time.Time) error {
	switch ev.Type {
	case chain.EventTypePacketCreated:
		if err := tx.Create(outcome.Packet).Error; err != nil {
			return err
		}
		if outcome.Packet.IsRandom {
			vrf := models.VRFRequest{
				ID:          uuid.NewString(),
				RequestID:   ev.PacketCreated.VRFRequestID,
				PacketID:    outcome.Packet.ID,
				Status:      models.VRFStatusPending,
				RequestedAt: now,
			}
			if err := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&vrf).Error; err != nil {
				return err
			}
		}
		return nil

	case chain.EventTypeVRFFulfilled:
		res := tx.Model(&models.VRFRequest{}).
			Where("request_id = ? AND status = ?", outcome.VRFRequestID, models.VRFStatusPending).
			Updates(map[string]any{
				"status":             models.VRFStatusFulfilled,
				"result_seed":        outcome.VRFSeed,
				"fulfilled_at_block": ev.BlockNumber,
				"delayed_since":      nil,
			})
		if res.Error != nil {
			return res.Error
		}
		return r.savePacket(tx, outcome.Packet)

	case chain.EventTypeClaimed:
		claim := outcome.NewClaim
		claim.ID = uuid.NewString()
		res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(claim)
		if res.Error != nil {
			return res.Error
		}
		if res.RowsAffected == 0 {
			// Second claim by the same claimant; the unique constraint is
			// the invariant, the event is dropped.
			return errRejected
		}
		if claim.Flagged {
			log.Printf("⚠️ [reconciler] flagged claim on packet %s by %s: %s", claim.PacketID, claim.Claimant, claim.FlagReason)
		}
		return r.savePacket(tx, outcome.Packet)

	case chain.EventTypeRefunded:
		return r.savePacket(tx, outcome.Packet)
	}
	return fmt.Errorf("persist: unhandled event type %q", ev.Type)
}

// savePacket writes the mutated aggregate guarded by the optimistic version
// check; losing the race surfaces ErrVersionConflict and the caller retries.
func (r *Reconciler) savePacket(tx *gorm.DB, p *models.Packet) error {
	res := tx.Model(&models.Packet{}).
		Where("id = ? AND version = ?", p.ID, p.Version).
		Updates(map[string]any{
			"state":            p.State,
			"remaining_amount": p.RemainingAmount,
			"claim_count":      p.ClaimCount,
			"vrf_seed":         p.VRFSeed,
			"version":          p.Version + 1,
		})
	if res.Error != nil {
		return res.Error
	}
	if res.RowsAffected == 0 {
		return ErrVersionConflict
	}
	p.Version++
	return nil
}

// fanOut triggers the post-commit actions. Cache invalidation and achievement
// evaluation are independently at-least-once with idempotent effects, so they
// may run asynchronously. The broadcast is not: its seq number must follow
// commit order, so it is published inline while the per-packet lock is still
// held. Publish never blocks; slow clients are dropped, not waited on.
func (r *Reconciler) fanOut(ctx context.Context, ev chain.Event, outcome Outcome) {
	run := func(f func()) { go f() }
	if r.WaitFanout {
		run = func(f func()) { f() }
	}

	for _, effect := range outcome.Effects {
		switch effect.Kind {
		case EffectInvalidateStats:
			users := effect.Users
			run(func() {
				keys := []string{GlobalStatsKey}
				for _, u := range users {
					keys = append(keys, UserStatsKey(u))
				}
				r.Stats.Invalidate(keys...)
			})
		case EffectEvaluateAchievements:
			users := effect.Users
			run(func() {
				for _, u := range users {
					if _, err := r.Achievements.Evaluate(ctx, u); err != nil {
						log.Printf("❌ [reconciler] achievement evaluation failed for %s: %v", u, err)
					}
				}
			})
		case EffectBroadcast:
			r.Broadcaster.PublishPacketUpdate(outcome.Packet)
		}
	}
}

// RollbackFrom undoes every mutation attributable to blocks >= fromBlock:
// ledger entries go, claims go, packets created in the range go, VRF
// fulfillments recorded there revert to pending, and surviving packets are
// rebuilt from their remaining rows. This is the one mutation whose ordering
// matters; the consumer blocks intake until it succeeds.
func (r *Reconciler) RollbackFrom(ctx context.Context, chainID string, fromBlock uint64) error {
	var touchedUsers []string

	err := r.DB.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		affected, err := r.Ledger.RollbackFrom(tx, chainID, fromBlock)
		if err != nil {
			return err
		}

		// Claims from rolled-back blocks, scoped to this chain's packets: a
		// reorg on one chain must not touch another chain's rows at the same
		// heights.
		chainScope := "packet_id IN (SELECT id FROM packets WHERE chain_id = ? AND deleted_at IS NULL)"
		var staleClaims []models.Claim
		if err := tx.Where("block_number >= ? AND "+chainScope, fromBlock, chainID).Find(&staleClaims).Error; err != nil {
			return err
		}
		for _, c := range staleClaims {
			touchedUsers = append(touchedUsers, c.Claimant)
		}
		// Hard delete: a rolled-back claim never existed, and a lingering
		// soft-deleted row would trip the (packet_id, claimant) constraint
		// when the canonical event re-applies.
		if err := tx.Unscoped().
			Where("block_number >= ? AND "+chainScope, fromBlock, chainID).
			Delete(&models.Claim{}).Error; err != nil {
			return err
		}

		// VRF fulfillments recorded in the range revert to pending.
		if err := tx.Model(&models.VRFRequest{}).
			Where("fulfilled_at_block >= ? AND "+chainScope, fromBlock, chainID).
			Updates(map[string]any{
				"status":             models.VRFStatusPending,
				"result_seed":        nil,
				"fulfilled_at_block": nil,
			}).Error; err != nil {
			return err
		}

		// Packets born in the rolled-back range never existed.
		if err := tx.Unscoped().Where("chain_id = ? AND created_at_block >= ?", chainID, fromBlock).
			Delete(&models.Packet{}).Error; err != nil {
			return err
		}
		if err := tx.Unscoped().
			Where("packet_id NOT IN (SELECT id FROM packets)").
			Delete(&models.VRFRequest{}).Error; err != nil {
			return err
		}

		for _, packetID := range affected {
			if err := r.rebuildPacket(tx, packetID, fromBlock); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reorg rollback from block %d: %w", fromBlock, err)
	}

	keys := []string{GlobalStatsKey}
	for _, u := range touchedUsers {
		keys = append(keys, UserStatsKey(u))
	}
	r.Stats.Invalidate(keys...)
	log.Printf("♻️ [reconciler] reorg rollback complete from block %d on chain %s", fromBlock, chainID)
	return nil
}

// rebuildPacket recomputes a surviving packet's counters and state from the
// rows that outlived the rollback.
func (r *Reconciler) rebuildPacket(tx *gorm.DB, packetID string, fromBlock uint64) error {
	var packet models.Packet
	err := tx.First(&packet, "id = ?", packetID).Error
	if errors.Is(err, gorm.ErrRecordNotFound) {
		return nil // deleted above: created within the rolled-back range
	}
	if err != nil {
		return err
	}

	var claims []models.Claim
	if err := tx.Where("packet_id = ?", packetID).Find(&claims).Error; err != nil {
		return err
	}

	remaining := packet.Total()
	for _, c := range claims {
		amt, ok := new(big.Int).SetString(c.Amount, 10)
		if !ok {
			continue
		}
		remaining.Sub(remaining, amt)
	}
	packet.ClaimCount = len(claims)
	packet.RemainingAmount = remaining.String()

	var vrf models.VRFRequest
	hasPendingVRF := packet.IsRandom &&
		tx.First(&vrf, "packet_id = ? AND status = ?", packetID, models.VRFStatusPending).Error == nil

	var refunds int64
	if err := tx.Model(&models.EventLedgerEntry{}).
		Where("packet_id = ? AND event_type = ? AND block_number < ?", packetID, string(chain.EventTypeRefunded), fromBlock).
		Count(&refunds).Error; err != nil {
		return err
	}

	switch {
	case refunds > 0:
		packet.State = models.PacketStateRefunded
	case hasPendingVRF:
		packet.State = models.PacketStatePendingRandomness
		packet.VRFSeed = nil
	case packet.ClaimCount >= packet.ShareCount || remaining.Sign() == 0:
		packet.State = models.PacketStateFullyClaimed
	default:
		packet.State = models.PacketStateActive
	}

	return tx.Model(&models.Packet{}).
		Where("id = ?", packet.ID).
		Updates(map[string]any{
			"state":            packet.State,
			"remaining_amount": packet.RemainingAmount,
			"claim_count":      packet.ClaimCount,
			"vrf_seed":         packet.VRFSeed,
			"version":          packet.Version + 1,
		}).Error
}
