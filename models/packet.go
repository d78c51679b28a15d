package models

import (
	"math/big"
	"time"
)

// PacketState is the lifecycle state of a lucky packet aggregate.
// Transitions are owned exclusively by the reconciler's state machine.
type PacketState string

const (
	PacketStateCreated           PacketState = "created"
	PacketStatePendingRandomness PacketState = "pending_randomness"
	PacketStateActive            PacketState = "active"
	PacketStateFullyClaimed      PacketState = "fully_claimed"
	PacketStateExpired           PacketState = "expired"
	PacketStateRefunded          PacketState = "refunded"
)

// Terminal reports whether no further transitions may occur out of s.
func (s PacketState) Terminal() bool {
	switch s {
	case PacketStateFullyClaimed, PacketStateRefunded:
		return true
	}
	return false
}

// Packet mirrors the on-chain lucky packet. ID is the on-chain packet id
// (decimal string), not a surrogate key, so events can address it directly.
// Amounts are wei kept as decimal strings; arithmetic happens via math/big.
type Packet struct {
	ID      string `gorm:"primaryKey" json:"id"`
	ChainID string `gorm:"index;not null" json:"chain_id"`
	Creator string `gorm:"index;not null" json:"creator"`
	Token   string `json:"token"` // zero address = native ETH

	TotalAmount     string `gorm:"type:numeric(78,0);not null" json:"total_amount"`
	RemainingAmount string `gorm:"type:numeric(78,0);not null" json:"remaining_amount"`
	ShareCount      int    `gorm:"not null" json:"share_count"`
	ClaimCount      int    `gorm:"default:0" json:"claim_count"`
	IsRandom        bool   `gorm:"not null" json:"is_random"`
	Message         string `json:"message"`

	State   PacketState `gorm:"type:varchar(32);index;not null" json:"state"`
	VRFSeed *string     `json:"vrf_seed,omitempty"`

	// Version backs the optimistic concurrency check on updates; a writer
	// that observes a stale version retries against current state.
	Version int `gorm:"default:0" json:"-"`

	CreatedAtBlock uint64    `gorm:"index" json:"created_at_block"`
	ExpiresAt      time.Time `gorm:"index" json:"expires_at"`

	Claims []Claim `gorm:"foreignKey:PacketID" json:"claims,omitempty"`

	Timestamps
}

// Remaining parses RemainingAmount; a corrupt column is treated as zero
// rather than propagated, since the store is the source of truth.
func (p *Packet) Remaining() *big.Int {
	v, ok := new(big.Int).SetString(p.RemainingAmount, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}

// Total parses TotalAmount.
func (p *Packet) Total() *big.Int {
	v, ok := new(big.Int).SetString(p.TotalAmount, 10)
	if !ok {
		return new(big.Int)
	}
	return v
}
