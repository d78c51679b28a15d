package workers

import (
	"context"
	"log"
	"time"

	"gorm.io/gorm"
	"gorm.io/gorm/clause"

	"lucky-packet-engine/chain"
	"lucky-packet-engine/models"
	"lucky-packet-engine/services"
)

// EventFeed is the consumption contract the consumer needs from a source:
// an ordered event channel plus a Run loop that owns the upstream connection.
type EventFeed interface {
	Events() <-chan chain.Event
	Run(ctx context.Context) error
}

// ChainConsumer drains one chain's ordered event feed into the reconciler.
// Events for a single chain are processed in arrival order; transient source
// failures reconnect with exponential backoff and no state is mutated until
// an event is successfully delivered.
type ChainConsumer struct {
	DB         *gorm.DB
	Reconciler *services.Reconciler
	ChainID    string

	// NewFeed builds a fresh source from the persisted cursor, so every
	// (re)connect replays exactly the unapplied range.
	NewFeed func(cursor models.ChainCursor) EventFeed
}

func NewChainConsumer(db *gorm.DB, rec *services.Reconciler, chainID string, newFeed func(models.ChainCursor) EventFeed) *ChainConsumer {
	return &ChainConsumer{
		DB:         db,
		Reconciler: rec,
		ChainID:    chainID,
		NewFeed:    newFeed,
	}
}

// Run consumes until ctx is cancelled, reconnecting on feed errors.
func (c *ChainConsumer) Run(ctx context.Context) {
	backoff := time.Second

	for {
		if ctx.Err() != nil {
			log.Printf("[consumer:%s] stopped", c.ChainID)
			return
		}

		cursor := c.loadCursor()
		feed := c.NewFeed(cursor)

		runErr := make(chan error, 1)
		go func() { runErr <- feed.Run(ctx) }()

		if err := c.drain(ctx, feed); err != nil {
			log.Printf("❌ [consumer:%s] %v, reconnecting in %s", c.ChainID, err, backoff)
		}
		if err := <-runErr; err != nil && ctx.Err() == nil {
			log.Printf("❌ [consumer:%s] feed stopped: %v, reconnecting in %s", c.ChainID, err, backoff)
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *ChainConsumer) drain(ctx context.Context, feed EventFeed) error {
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case ev, ok := <-feed.Events():
			if !ok {
				return nil // feed closed; Run reports why
			}
			if ev.Type == chain.EventTypeReorg {
				c.rollback(ctx, ev)
				continue
			}
			if err := c.Reconciler.Handle(ctx, ev); err != nil {
				// Store-level failure. Retry in place: intake for this chain
				// stays blocked so per-chain order holds.
				if !c.retryHandle(ctx, ev) {
					return ctx.Err()
				}
			}
			c.saveCursor(ev)
		}
	}
}

// rollback retries until the reorg rollback commits. Applying new events atop
// an un-rolled-back state would corrupt invariants, so intake halts here.
// This is the one failure treated as fatal-until-recovered.
func (c *ChainConsumer) rollback(ctx context.Context, ev chain.Event) {
	backoff := time.Second
	for {
		err := c.Reconciler.RollbackFrom(ctx, ev.ChainID, ev.ReorgFromBlock)
		if err == nil {
			c.resetCursorBelow(ev.ReorgFromBlock)
			return
		}
		log.Printf("🛑 [consumer:%s] rollback failed, intake halted: %v", c.ChainID, err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(backoff):
		}
		if backoff < time.Minute {
			backoff *= 2
		}
	}
}

func (c *ChainConsumer) retryHandle(ctx context.Context, ev chain.Event) bool {
	backoff := time.Second
	for {
		select {
		case <-ctx.Done():
			return false
		case <-time.After(backoff):
		}
		if err := c.Reconciler.Handle(ctx, ev); err == nil {
			return true
		} else {
			log.Printf("❌ [consumer:%s] retry failed for %s: %v", c.ChainID, ev, err)
		}
		if backoff < 30*time.Second {
			backoff *= 2
		}
	}
}

func (c *ChainConsumer) loadCursor() models.ChainCursor {
	var cursor models.ChainCursor
	if err := c.DB.First(&cursor, "chain_id = ?", c.ChainID).Error; err != nil {
		return models.ChainCursor{ChainID: c.ChainID}
	}
	return cursor
}

func (c *ChainConsumer) saveCursor(ev chain.Event) {
	cursor := models.ChainCursor{
		ChainID:     c.ChainID,
		BlockNumber: ev.BlockNumber,
		LogIndex:    ev.LogIndex + 1,
	}
	if err := c.DB.Clauses(clause.OnConflict{
		Columns:   []clause.Column{{Name: "chain_id"}},
		UpdateAll: true,
	}).Create(&cursor).Error; err != nil {
		log.Printf("[consumer:%s] failed to save cursor: %v", c.ChainID, err)
	}
}

func (c *ChainConsumer) resetCursorBelow(fromBlock uint64) {
	if err := c.DB.Model(&models.ChainCursor{}).
		Where("chain_id = ? AND block_number >= ?", c.ChainID, fromBlock).
		Updates(map[string]any{"block_number": fromBlock, "log_index": 0}).Error; err != nil {
		log.Printf("[consumer:%s] failed to reset cursor: %v", c.ChainID, err)
	}
}
