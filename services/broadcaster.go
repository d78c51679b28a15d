package services

import (
	"encoding/json"
	"log"
	"sync"

	"lucky-packet-engine/models"
)

// PacketUpdate is one message delivered to a packet's room. Seq is monotonic
// per packet and follows the reconciler's commit order, so clients can detect
// and discard out-of-order duplicates.
type PacketUpdate struct {
	Event    string `json:"event"`
	PacketID string `json:"packetId"`
	Seq      uint64 `json:"seq"`
	Data     any    `json:"data"`
}

// BroadcastClient is one connected viewer. Send returns an error when the
// underlying connection is gone; the broadcaster then drops the client.
type BroadcastClient struct {
	ID    string
	queue chan []byte
	done  chan struct{}
	once  sync.Once
}

// NewBroadcastClient wires a client around a write function (typically a
// websocket WriteMessage). The queue is bounded: a slow consumer that lets it
// fill is dropped rather than allowed to block other subscribers.
func NewBroadcastClient(id string, write func([]byte) error) *BroadcastClient {
	c := &BroadcastClient{
		ID:    id,
		queue: make(chan []byte, 64),
		done:  make(chan struct{}),
	}
	go func() {
		for {
			select {
			case msg := <-c.queue:
				if err := write(msg); err != nil {
					c.Close()
					return
				}
			case <-c.done:
				return
			}
		}
	}()
	return c
}

// Close stops the client's writer loop. Idempotent.
func (c *BroadcastClient) Close() {
	c.once.Do(func() { close(c.done) })
}

func (c *BroadcastClient) closed() bool {
	select {
	case <-c.done:
		return true
	default:
		return false
	}
}

// offer enqueues without blocking; false means the queue was full or the
// client is gone.
func (c *BroadcastClient) offer(msg []byte) bool {
	if c.closed() {
		return false
	}
	select {
	case c.queue <- msg:
		return true
	default:
		return false
	}
}

// Broadcaster maintains per-packet subscriber rooms. Delivery is best-effort:
// no persistence or replay. A reconnecting client re-fetches current state
// over REST and resubscribes.
type Broadcaster struct {
	mu    sync.RWMutex
	rooms map[string]map[*BroadcastClient]struct{}
	seqs  map[string]uint64
}

func NewBroadcaster() *Broadcaster {
	return &Broadcaster{
		rooms: make(map[string]map[*BroadcastClient]struct{}),
		seqs:  make(map[string]uint64),
	}
}

// Subscribe adds the client to a packet's room.
func (b *Broadcaster) Subscribe(c *BroadcastClient, packetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	room, ok := b.rooms[packetID]
	if !ok {
		room = make(map[*BroadcastClient]struct{})
		b.rooms[packetID] = room
	}
	room[c] = struct{}{}
}

// Unsubscribe removes the client from a packet's room.
func (b *Broadcaster) Unsubscribe(c *BroadcastClient, packetID string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if room, ok := b.rooms[packetID]; ok {
		delete(room, c)
		if len(room) == 0 {
			delete(b.rooms, packetID)
		}
	}
}

// Drop removes the client from every room and closes it.
func (b *Broadcaster) Drop(c *BroadcastClient) {
	b.mu.Lock()
	for packetID, room := range b.rooms {
		delete(room, c)
		if len(room) == 0 {
			delete(b.rooms, packetID)
		}
	}
	b.mu.Unlock()
	c.Close()
}

// Publish delivers a message to every current member of the packet's room,
// stamped with the next per-packet sequence number. Non-blocking with respect
// to the caller: unresponsive clients are dropped.
func (b *Broadcaster) Publish(packetID, event string, data any) {
	b.mu.Lock()
	b.seqs[packetID]++
	update := PacketUpdate{
		Event:    event,
		PacketID: packetID,
		Seq:      b.seqs[packetID],
		Data:     data,
	}
	msg, err := json.Marshal(update)
	if err != nil {
		b.mu.Unlock()
		log.Printf("❌ [broadcast] marshal failed for packet %s: %v", packetID, err)
		return
	}

	var slow []*BroadcastClient
	for c := range b.rooms[packetID] {
		if !c.offer(msg) {
			slow = append(slow, c)
		}
	}
	b.mu.Unlock()

	for _, c := range slow {
		log.Printf("⚠️ [broadcast] dropping slow client %s from packet %s", c.ID, packetID)
		b.Drop(c)
	}
}

// PublishPacketUpdate pushes the packet's current projection to its room.
func (b *Broadcaster) PublishPacketUpdate(packet *models.Packet) {
	b.Publish(packet.ID, "packet:update", packet)
}

// RoomSize reports current membership, used by tests and diagnostics.
func (b *Broadcaster) RoomSize(packetID string) int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms[packetID])
}
