package models

import "time"

// Claim is one recipient's share of a packet. The composite unique index on
// (packet_id, claimant) is the "at most one claim per claimant" invariant;
// duplicate chain deliveries die at the constraint, not in application code.
type Claim struct {
	ID       string `gorm:"primaryKey;type:uuid" json:"id"`
	PacketID string `gorm:"uniqueIndex:ux_packet_claimant,priority:1;index;not null" json:"packet_id"`
	Claimant string `gorm:"uniqueIndex:ux_packet_claimant,priority:2;not null" json:"claimant"`

	Amount     string `gorm:"type:numeric(78,0);not null" json:"amount"`
	ClaimIndex int    `gorm:"not null" json:"claim_index"`

	// Source event coordinates, kept for reorg rollback.
	TxHash      string `gorm:"not null" json:"tx_hash"`
	LogIndex    uint   `gorm:"not null" json:"log_index"`
	BlockNumber uint64 `gorm:"index;not null" json:"block_number"`

	// Flagged marks a claim whose on-chain amount could not be reproduced
	// from the stored VRF seed. Flagged claims are kept for investigation.
	Flagged    bool   `gorm:"default:false" json:"flagged,omitempty"`
	FlagReason string `json:"flag_reason,omitempty"`

	ClaimedAt time.Time `json:"claimed_at"`

	Timestamps
}
