package models

import "time"

// EventLedgerEntry is the idempotency record for one applied chain event.
// The composite unique index on (tx_hash, log_index) is what guarantees
// at-most-once application under redelivery, restarts and concurrent workers.
type EventLedgerEntry struct {
	ID       string `gorm:"primaryKey;type:uuid"`
	TxHash   string `gorm:"type:varchar(66);uniqueIndex:ux_tx_log,priority:1;not null"`
	LogIndex uint   `gorm:"uniqueIndex:ux_tx_log,priority:2;not null"`

	ChainID     string `gorm:"index;not null"`
	BlockNumber uint64 `gorm:"index;not null"`
	EventType   string `gorm:"type:varchar(32);not null"`
	PacketID    string `gorm:"index"`

	AppliedAt time.Time `gorm:"autoCreateTime"`
}

func (EventLedgerEntry) TableName() string { return "event_ledger" }

// ChainCursor remembers the last applied event coordinates per chain so a
// restarted consumer resumes replay where it left off.
type ChainCursor struct {
	ChainID     string `gorm:"primaryKey"`
	BlockNumber uint64 `gorm:"not null"`
	LogIndex    uint   `gorm:"not null"`

	Timestamps
}
