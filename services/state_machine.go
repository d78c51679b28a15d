package services

import (
	"fmt"
	"math/big"
	"time"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/models"
)

// EffectKind enumerates the fan-out actions a transition asks for. The state
// machine only names them; the reconciler executes them after commit.
type EffectKind string

const (
	EffectInvalidateStats      EffectKind = "invalidate_stats"
	EffectEvaluateAchievements EffectKind = "evaluate_achievements"
	EffectBroadcast            EffectKind = "broadcast"
)

// Effect is one requested side effect. Users lists the addresses whose
// per-user cache keys / achievements are affected.
type Effect struct {
	Kind  EffectKind
	Users []string
}

// Outcome is the result of applying one event to a packet aggregate.
// Rejected outcomes are no-ops flagged for operator review, never errors:
// a malformed or out-of-order event must not halt the consumer.
type Outcome struct {
	Packet   *models.Packet
	NewClaim *models.Claim

	// VRFFulfilled is set when the event fulfilled a randomness request.
	VRFRequestID string
	VRFSeed      string

	Effects []Effect

	Rejected     bool
	RejectReason string
}

func rejected(reason string) Outcome {
	return Outcome{Rejected: true, RejectReason: reason}
}

// ApplyEvent is the pure transition function: (aggregate, event) → outcome.
// It never touches the store; the reconciler persists whatever comes back.
func ApplyEvent(packet *models.Packet, vrf *models.VRFRequest, ev chain.Event, split chain.SplitFunc, now time.Time) Outcome {
	switch ev.Type {
	case chain.EventTypePacketCreated:
		return applyCreated(packet, ev)
	case chain.EventTypeVRFFulfilled:
		return applyVRFFulfilled(packet, vrf, ev)
	case chain.EventTypeClaimed:
		return applyClaimed(packet, ev, split, now)
	case chain.EventTypeRefunded:
		return applyRefunded(packet, ev)
	}
	return rejected(fmt.Sprintf("unhandled event type %q", ev.Type))
}

func applyCreated(packet *models.Packet, ev chain.Event) Outcome {
	if packet != nil {
		return rejected("packet already initialized")
	}
	p := ev.PacketCreated

	state := models.PacketStateActive
	if p.IsRandom {
		state = models.PacketStatePendingRandomness
	}

	agg := &models.Packet{
		ID:              p.PacketID,
		ChainID:         ev.ChainID,
		Creator:         p.Creator.Hex(),
		Token:           p.Token.Hex(),
		TotalAmount:     p.TotalAmount.String(),
		RemainingAmount: p.TotalAmount.String(),
		ShareCount:      p.ShareCount,
		IsRandom:        p.IsRandom,
		Message:         p.Message,
		State:           state,
		CreatedAtBlock:  ev.BlockNumber,
		ExpiresAt:       p.ExpiresAt,
	}

	return Outcome{
		Packet: agg,
		Effects: []Effect{
			{Kind: EffectInvalidateStats, Users: []string{agg.Creator}},
			{Kind: EffectEvaluateAchievements, Users: []string{agg.Creator}},
			{Kind: EffectBroadcast},
		},
	}
}

func applyVRFFulfilled(packet *models.Packet, vrf *models.VRFRequest, ev chain.Event) Outcome {
	if packet == nil {
		return rejected("vrf fulfillment for unknown packet")
	}
	// Guard against out-of-order delivery: a fulfillment landing on any other
	// state is dropped as a no-op and surfaced to operators.
	if packet.State != models.PacketStatePendingRandomness {
		return rejected(fmt.Sprintf("vrf fulfillment in state %q", packet.State))
	}
	if vrf != nil && vrf.Status == models.VRFStatusFulfilled {
		return rejected("vrf request already fulfilled")
	}

	seed := ev.VRFFulfilled.Seed
	packet.State = models.PacketStateActive
	packet.VRFSeed = &seed

	return Outcome{
		Packet:       packet,
		VRFRequestID: ev.VRFFulfilled.RequestID,
		VRFSeed:      seed,
		Effects: []Effect{
			{Kind: EffectBroadcast},
		},
	}
}

func applyClaimed(packet *models.Packet, ev chain.Event, split chain.SplitFunc, now time.Time) Outcome {
	if packet == nil {
		return rejected("claim for unknown packet")
	}
	if packet.State != models.PacketStateActive {
		return rejected(fmt.Sprintf("claim in state %q", packet.State))
	}
	if packet.ClaimCount >= packet.ShareCount {
		return rejected("claim count already at share count")
	}

	c := ev.Claimed
	amount := c.Amount
	remaining := packet.Remaining()
	if amount.Cmp(remaining) > 0 {
		return rejected("claim amount exceeds remaining balance")
	}

	claim := &models.Claim{
		PacketID:    packet.ID,
		Claimant:    c.Claimant.Hex(),
		Amount:      amount.String(),
		ClaimIndex:  c.ClaimIndex,
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
		BlockNumber: ev.BlockNumber,
		ClaimedAt:   now,
	}

	// For random packets the reported amount must be reproducible from the
	// stored seed. A mismatch is accepted but flagged for investigation:
	// the chain already moved the funds, so the engine records the truth
	// and raises the flag instead of crashing.
	if packet.IsRandom {
		if packet.VRFSeed == nil {
			claim.Flagged = true
			claim.FlagReason = "claim on random packet with no stored seed"
		} else if expected := split(*packet.VRFSeed, packet.Total(), packet.ShareCount, c.ClaimIndex); expected.Cmp(amount) != 0 {
			claim.Flagged = true
			claim.FlagReason = fmt.Sprintf("amount %s not reproducible from seed (expected %s)", amount, expected)
		}
	}

	packet.ClaimCount++
	packet.RemainingAmount = new(big.Int).Sub(remaining, amount).String()

	if packet.ClaimCount == packet.ShareCount || packet.Remaining().Sign() == 0 {
		packet.State = models.PacketStateFullyClaimed
	}

	return Outcome{
		Packet:   packet,
		NewClaim: claim,
		Effects: []Effect{
			{Kind: EffectInvalidateStats, Users: []string{packet.Creator, claim.Claimant}},
			{Kind: EffectEvaluateAchievements, Users: []string{claim.Claimant}},
			{Kind: EffectBroadcast},
		},
	}
}

func applyRefunded(packet *models.Packet, ev chain.Event) Outcome {
	if packet == nil {
		return rejected("refund for unknown packet")
	}
	// Refund is terminal and only reachable from Expired.
	if packet.State != models.PacketStateExpired {
		return rejected(fmt.Sprintf("refund in state %q", packet.State))
	}

	packet.State = models.PacketStateRefunded
	packet.RemainingAmount = "0"

	return Outcome{
		Packet: packet,
		Effects: []Effect{
			{Kind: EffectInvalidateStats, Users: []string{packet.Creator}},
			{Kind: EffectBroadcast},
		},
	}
}

// CheckExpiry applies the lazily-derived expiry transition: Active packets
// past their deadline with an unclaimed remainder become Expired. Derived
// from wall clock, not from a chain event.
func CheckExpiry(packet *models.Packet, now time.Time) bool {
	if packet == nil || packet.State != models.PacketStateActive {
		return false
	}
	if now.Before(packet.ExpiresAt) {
		return false
	}
	if packet.Remaining().Sign() <= 0 {
		return false
	}
	packet.State = models.PacketStateExpired
	return true
}
