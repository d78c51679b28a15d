package models

import "time"

type VRFStatus string

const (
	VRFStatusPending   VRFStatus = "pending"
	VRFStatusFulfilled VRFStatus = "fulfilled"
	VRFStatusTimedOut  VRFStatus = "timed_out"
)

// VRFRequest tracks one randomness request for a random-split packet.
// The unique index on request_id makes a second Fulfilled transition for the
// same request a constraint violation instead of a double apply.
type VRFRequest struct {
	ID        string `gorm:"primaryKey;type:uuid" json:"id"`
	RequestID string `gorm:"uniqueIndex;not null" json:"request_id"`
	PacketID  string `gorm:"index;not null" json:"packet_id"`

	Status     VRFStatus `gorm:"type:varchar(16);index;not null" json:"status"`
	ResultSeed *string   `json:"result_seed,omitempty"`

	RequestedAt      time.Time `gorm:"not null" json:"requested_at"`
	FulfilledAtBlock *uint64   `gorm:"index" json:"fulfilled_at_block,omitempty"`

	// DelayedSince is set by the sweeper once fulfillment has been awaited
	// past the configured timeout. The packet stays PendingRandomness; this
	// only surfaces the wait to callers.
	DelayedSince *time.Time `json:"delayed_since,omitempty"`

	Timestamps
}
