package services

import (
	"github.com/google/uuid"
	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/models"
)

// ApplyResult reports whether an event's ledger entry was inserted by this
// call or already existed.
type ApplyResult int

const (
	Applied ApplyResult = iota
	AlreadyApplied
)

type LedgerService struct {
	DB *gorm.DB
}

func NewLedgerService(db *gorm.DB) *LedgerService {
	return &LedgerService{DB: db}
}

// ApplyOnce inserts the idempotency record for ev inside tx. The unique
// constraint on (tx_hash, log_index) does the heavy lifting: a redelivered
// event inserts zero rows and reports AlreadyApplied, so the caller can
// short-circuit without re-running side effects. Because it runs in the same
// transaction as the aggregate mutation, ledger entry and state commit or
// roll back together.
func (s *LedgerService) ApplyOnce(tx *gorm.DB, ev chain.Event) (ApplyResult, error) {
	entry := models.EventLedgerEntry{
		ID:          uuid.NewString(),
		TxHash:      ev.TxHash.Hex(),
		LogIndex:    ev.LogIndex,
		ChainID:     ev.ChainID,
		BlockNumber: ev.BlockNumber,
		EventType:   string(ev.Type),
		PacketID:    ev.PacketID(),
	}

	res := tx.Clauses(clause.OnConflict{DoNothing: true}).Create(&entry)
	if res.Error != nil {
		return AlreadyApplied, res.Error
	}
	if res.RowsAffected == 0 {
		return AlreadyApplied, nil
	}
	return Applied, nil
}

// RollbackFrom removes every ledger entry attributable to blocks >= fromBlock
// and returns the packet ids they touched, so the reconciler can rebuild
// those aggregates from surviving rows.
func (s *LedgerService) RollbackFrom(tx *gorm.DB, chainID string, fromBlock uint64) ([]string, error) {
	var packetIDs []string
	if err := tx.Model(&models.EventLedgerEntry{}).
		Distinct("packet_id").
		Where("chain_id = ? AND block_number >= ? AND packet_id <> ''", chainID, fromBlock).
		Pluck("packet_id", &packetIDs).Error; err != nil {
		return nil, err
	}

	if err := tx.
		Where("chain_id = ? AND block_number >= ?", chainID, fromBlock).
		Delete(&models.EventLedgerEntry{}).Error; err != nil {
		return nil, err
	}
	return packetIDs, nil
}
