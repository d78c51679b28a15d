package chain

import (
	"context"
	"fmt"
	"log"
	"math/big"
	"time"

	"github.com/ethereum/go-ethereum"
	"github.com/ethereum/go-ethereum/common"
	"github.com/ethereum/go-ethereum/core/types"
	"github.com/ethereum/go-ethereum/crypto"
)

// Contract log signatures, matched against Topics[0].
var (
	packetCreatedSig  = crypto.Keccak256Hash([]byte("PacketCreated(uint256,address,address,uint256,uint256,bool,uint256,uint256,string)"))
	packetClaimedSig  = crypto.Keccak256Hash([]byte("PacketClaimed(uint256,address,uint256,uint256)"))
	vrfFulfilledSig   = crypto.Keccak256Hash([]byte("RandomnessFulfilled(uint256,uint256,bytes32)"))
	packetRefundedSig = crypto.Keccak256Hash([]byte("PacketRefunded(uint256,uint256)"))
)

// rpcClient is the slice of the eth RPC surface the source needs.
// *ethclient.Client satisfies it.
type rpcClient interface {
	ethereum.LogFilterer
	BlockNumber(ctx context.Context) (uint64, error)
	SubscribeNewHead(ctx context.Context, ch chan<- *types.Header) (ethereum.Subscription, error)
}

// SourceConfig configures one chain's event source.
type SourceConfig struct {
	ChainID  string
	Contract common.Address

	// ConfirmationDepth is how many blocks deep a log must sit before it is
	// emitted; shallower logs wait in a buffer and are released (with their
	// confirmation count re-stamped) as the head advances.
	ConfirmationDepth uint64

	// Replay resumes from this cursor (inclusive block, exclusive log index).
	StartBlock    uint64
	StartLogIndex uint
}

// EventSource normalizes raw contract logs into ordered typed events.
// It holds no business state: everything it emits can be re-derived from the
// chain, and the reconciler downstream owns dedup and persistence.
type EventSource struct {
	client rpcClient
	cfg    SourceConfig
	out    chan Event

	headBlock uint64
	headHash  common.Hash

	// pending holds decoded events awaiting ConfirmationDepth, in log order.
	pending []Event
}

func NewEventSource(client rpcClient, cfg SourceConfig) *EventSource {
	return &EventSource{
		client: client,
		cfg:    cfg,
		out:    make(chan Event, 256),
	}
}

// Events is the ordered output stream. Closed when Run returns.
func (s *EventSource) Events() <-chan Event { return s.out }

// Run replays logs from the configured cursor, then follows the live feed.
// It returns on context cancellation or on a subscription error; the caller
// owns reconnection with backoff.
func (s *EventSource) Run(ctx context.Context) error {
	defer close(s.out)

	// Subscriptions first, replay second: a log mined between the filter
	// call and the subscription setup would otherwise be lost. Done this way
	// round it is at worst delivered twice, and the ledger drops duplicates.
	logsCh := make(chan types.Log, 256)
	logSub, err := s.client.SubscribeFilterLogs(ctx, ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
	}, logsCh)
	if err != nil {
		return fmt.Errorf("subscribe logs: %w", err)
	}
	defer logSub.Unsubscribe()

	headsCh := make(chan *types.Header, 16)
	headSub, err := s.client.SubscribeNewHead(ctx, headsCh)
	if err != nil {
		return fmt.Errorf("subscribe heads: %w", err)
	}
	defer headSub.Unsubscribe()

	head, err := s.client.BlockNumber(ctx)
	if err != nil {
		return fmt.Errorf("fetch head: %w", err)
	}
	s.headBlock = head

	if err := s.replay(ctx, head); err != nil {
		return err
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case err := <-logSub.Err():
			return fmt.Errorf("log subscription: %w", err)
		case err := <-headSub.Err():
			return fmt.Errorf("head subscription: %w", err)
		case h := <-headsCh:
			s.onHead(ctx, h)
		case l := <-logsCh:
			if l.Removed {
				// go-ethereum signals removed logs on short reorgs; the head
				// tracker emits the authoritative Reorg event, so the stale
				// log is simply not forwarded.
				continue
			}
			s.emit(ctx, l)
		}
	}
}

func (s *EventSource) replay(ctx context.Context, head uint64) error {
	query := ethereum.FilterQuery{
		Addresses: []common.Address{s.cfg.Contract},
		FromBlock: new(big.Int).SetUint64(s.cfg.StartBlock),
		ToBlock:   new(big.Int).SetUint64(head),
	}
	logs, err := s.client.FilterLogs(ctx, query)
	if err != nil {
		return fmt.Errorf("replay filter: %w", err)
	}

	log.Printf("[chain:%s] replaying %d logs from block %d to %d", s.cfg.ChainID, len(logs), s.cfg.StartBlock, head)
	for _, l := range logs {
		if l.BlockNumber == s.cfg.StartBlock && l.Index < s.cfg.StartLogIndex {
			continue // already applied before the cursor
		}
		s.emit(ctx, l)
	}
	return nil
}

// onHead tracks the chain head for confirmation counting, announces a reorg
// whenever the head moves backwards or the parent linkage breaks, and releases
// buffered events that reached the confirmation depth.
func (s *EventSource) onHead(ctx context.Context, h *types.Header) {
	num := h.Number.Uint64()
	switch {
	case num <= s.headBlock && h.Hash() != s.headHash:
		log.Printf("[chain:%s] ⚠️ head rolled back: saw %d, now %d, announcing reorg", s.cfg.ChainID, s.headBlock, num)
		s.dropPendingFrom(num)
		s.send(ctx, Event{
			Type:           EventTypeReorg,
			ChainID:        s.cfg.ChainID,
			ReorgFromBlock: num,
		})
	case num == s.headBlock+1 && s.headHash != (common.Hash{}) && h.ParentHash != s.headHash:
		log.Printf("[chain:%s] ⚠️ parent hash mismatch at block %d, announcing reorg", s.cfg.ChainID, num)
		s.dropPendingFrom(s.headBlock)
		s.send(ctx, Event{
			Type:           EventTypeReorg,
			ChainID:        s.cfg.ChainID,
			ReorgFromBlock: s.headBlock,
		})
	}
	s.headBlock = num
	s.headHash = h.Hash()
	s.flushConfirmed(ctx)
}

func (s *EventSource) emit(ctx context.Context, l types.Log) {
	ev, ok := s.decode(l)
	if !ok {
		return
	}
	s.enqueue(ctx, ev)
}

// enqueue forwards ev once it sits ConfirmationDepth blocks deep; shallower
// events wait in the pending buffer until the head advances far enough.
func (s *EventSource) enqueue(ctx context.Context, ev Event) {
	if s.confirmations(ev.BlockNumber) >= s.cfg.ConfirmationDepth {
		ev.Confirmations = s.confirmations(ev.BlockNumber)
		s.send(ctx, ev)
		return
	}
	s.pending = append(s.pending, ev)
}

// flushConfirmed releases pending events that reached the depth, re-stamping
// their confirmation count against the current head. pending is in log order
// and confirmation is monotone in block number, so order is preserved.
func (s *EventSource) flushConfirmed(ctx context.Context) {
	if len(s.pending) == 0 {
		return
	}
	kept := s.pending[:0]
	for _, ev := range s.pending {
		if s.confirmations(ev.BlockNumber) >= s.cfg.ConfirmationDepth {
			ev.Confirmations = s.confirmations(ev.BlockNumber)
			s.send(ctx, ev)
		} else {
			kept = append(kept, ev)
		}
	}
	s.pending = kept
}

// dropPendingFrom discards buffered events at or above the reorged block.
// They were never delivered downstream, so the rollback has nothing to undo.
func (s *EventSource) dropPendingFrom(fromBlock uint64) {
	kept := s.pending[:0]
	for _, ev := range s.pending {
		if ev.BlockNumber < fromBlock {
			kept = append(kept, ev)
		}
	}
	s.pending = kept
}

func (s *EventSource) send(ctx context.Context, ev Event) {
	select {
	case s.out <- ev:
	case <-ctx.Done():
	}
}

func (s *EventSource) confirmations(blockNumber uint64) uint64 {
	if s.headBlock < blockNumber {
		return 0
	}
	return s.headBlock - blockNumber + 1
}

// decode maps a raw log onto a typed event. Unknown topics are skipped:
// the contract emits logs the engine has no interest in.
func (s *EventSource) decode(l types.Log) (Event, bool) {
	if len(l.Topics) == 0 {
		return Event{}, false
	}

	ev := Event{
		ChainID:       s.cfg.ChainID,
		BlockNumber:   l.BlockNumber,
		LogIndex:      l.Index,
		TxHash:        l.TxHash,
		Confirmations: s.confirmations(l.BlockNumber),
	}

	switch l.Topics[0] {
	case packetCreatedSig:
		if len(l.Topics) < 3 {
			return Event{}, false
		}
		ev.Type = EventTypePacketCreated
		ev.PacketCreated = &PacketCreatedPayload{
			PacketID:     topicBig(l.Topics[1]).String(),
			Creator:      common.BytesToAddress(l.Topics[2].Bytes()),
			Token:        wordAddr(l.Data, 0),
			TotalAmount:  wordBig(l.Data, 1),
			ShareCount:   int(wordBig(l.Data, 2).Int64()),
			IsRandom:     wordBool(l.Data, 3),
			ExpiresAt:    time.Unix(wordBig(l.Data, 4).Int64(), 0).UTC(),
			VRFRequestID: wordBig(l.Data, 5).String(),
			Message:      wordString(l.Data, 6),
		}
		return ev, true

	case packetClaimedSig:
		if len(l.Topics) < 3 {
			return Event{}, false
		}
		ev.Type = EventTypeClaimed
		ev.Claimed = &ClaimedPayload{
			PacketID:   topicBig(l.Topics[1]).String(),
			Claimant:   common.BytesToAddress(l.Topics[2].Bytes()),
			Amount:     wordBig(l.Data, 0),
			ClaimIndex: int(wordBig(l.Data, 1).Int64()),
		}
		return ev, true

	case vrfFulfilledSig:
		if len(l.Topics) < 2 {
			return Event{}, false
		}
		ev.Type = EventTypeVRFFulfilled
		ev.VRFFulfilled = &VRFFulfilledPayload{
			PacketID:  topicBig(l.Topics[1]).String(),
			RequestID: wordBig(l.Data, 0).String(),
			Seed:      common.BytesToHash(word(l.Data, 1)).Hex(),
		}
		return ev, true

	case packetRefundedSig:
		if len(l.Topics) < 2 {
			return Event{}, false
		}
		ev.Type = EventTypeRefunded
		ev.Refunded = &RefundedPayload{
			PacketID: topicBig(l.Topics[1]).String(),
			Amount:   wordBig(l.Data, 0),
		}
		return ev, true
	}
	return Event{}, false
}

// --- ABI word helpers (static layout, 32-byte words) ---

func topicBig(t common.Hash) *big.Int {
	return new(big.Int).SetBytes(t.Bytes())
}

func word(data []byte, i int) []byte {
	off := i * 32
	if len(data) < off+32 {
		return make([]byte, 32)
	}
	return data[off : off+32]
}

func wordBig(data []byte, i int) *big.Int {
	return new(big.Int).SetBytes(word(data, i))
}

func wordAddr(data []byte, i int) common.Address {
	return common.BytesToAddress(word(data, i))
}

func wordBool(data []byte, i int) bool {
	return wordBig(data, i).Sign() != 0
}

// wordString resolves a dynamic string slot: word i holds the byte offset of
// the length-prefixed payload.
func wordString(data []byte, i int) string {
	off := wordBig(data, i)
	if !off.IsInt64() {
		return ""
	}
	o := int(off.Int64())
	if len(data) < o+32 {
		return ""
	}
	n := new(big.Int).SetBytes(data[o : o+32])
	if !n.IsInt64() {
		return ""
	}
	ln := int(n.Int64())
	if ln < 0 || len(data) < o+32+ln {
		return ""
	}
	return string(data[o+32 : o+32+ln])
}
