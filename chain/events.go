package chain

import (
	"fmt"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum/common"
)

// EventType identifies the domain meaning of a normalized contract log.
type EventType string

const (
	EventTypePacketCreated EventType = "packet_created"
	EventTypeClaimed       EventType = "claimed"
	EventTypeVRFFulfilled  EventType = "vrf_fulfilled"
	EventTypeRefunded      EventType = "refunded"

	// EventTypeReorg is synthesized by the source itself when the upstream
	// head rolls back below a previously seen block. It carries no log
	// coordinates; ReorgFromBlock is the first invalidated block.
	EventTypeReorg EventType = "reorg"
)

// PacketCreatedPayload mirrors the contract's PacketCreated log.
type PacketCreatedPayload struct {
	PacketID    string
	Creator     common.Address
	Token       common.Address
	TotalAmount *big.Int
	ShareCount  int
	IsRandom    bool
	Message     string
	ExpiresAt   time.Time

	// VRFRequestID is set only for random packets; the contract requests
	// randomness in the same transaction that creates the packet.
	VRFRequestID string
}

// ClaimedPayload mirrors the contract's Claimed log. Amount is the
// on-chain-reported share; for random packets the engine validates it against
// the stored seed rather than trusting it blindly.
type ClaimedPayload struct {
	PacketID   string
	Claimant   common.Address
	Amount     *big.Int
	ClaimIndex int
}

// VRFFulfilledPayload mirrors the oracle callback log.
type VRFFulfilledPayload struct {
	PacketID  string
	RequestID string
	Seed      string // 0x-prefixed 32-byte seed
}

// RefundedPayload mirrors the contract's Refunded log.
type RefundedPayload struct {
	PacketID string
	Amount   *big.Int
}

// Event is one normalized, ordered domain event. Within a chain the
// (BlockNumber, LogIndex) key is monotonically non-decreasing except across a
// Reorg, after which the source re-emits the canonical range.
type Event struct {
	Type    EventType
	ChainID string

	BlockNumber   uint64
	LogIndex      uint
	TxHash        common.Hash
	Confirmations uint64

	PacketCreated *PacketCreatedPayload
	Claimed       *ClaimedPayload
	VRFFulfilled  *VRFFulfilledPayload
	Refunded      *RefundedPayload

	ReorgFromBlock uint64
}

// PacketID returns the packet the event addresses, or "" for Reorg events.
func (e Event) PacketID() string {
	switch e.Type {
	case EventTypePacketCreated:
		return e.PacketCreated.PacketID
	case EventTypeClaimed:
		return e.Claimed.PacketID
	case EventTypeVRFFulfilled:
		return e.VRFFulfilled.PacketID
	case EventTypeRefunded:
		return e.Refunded.PacketID
	}
	return ""
}

func (e Event) String() string {
	if e.Type == EventTypeReorg {
		return fmt.Sprintf("reorg(from=%d)", e.ReorgFromBlock)
	}
	return fmt.Sprintf("%s(packet=%s block=%d log=%d tx=%s)",
		e.Type, e.PacketID(), e.BlockNumber, e.LogIndex, e.TxHash.Hex())
}
