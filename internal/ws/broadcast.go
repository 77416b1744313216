package ws

import (
	"encoding/json"
	"log"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/memwatch/memwatch/internal/event"
	"github.com/memwatch/memwatch/internal/threshold"
)

type client struct {
	conn *websocket.Conn
	send chan []byte
}

func newClient(conn *websocket.Conn) *client {
	c := &client{
		conn: conn,
		send: make(chan []byte, 64),
	}
	go c.writePump()
	return c
}

func (c *client) writePump() {
	defer c.conn.Close()
	for msg := range c.send {
		if err := c.conn.WriteMessage(websocket.TextMessage, msg); err != nil {
			return
		}
	}
}

func (c *client) close() {
	close(c.send)
}

// Broadcaster fans threshold events and pool snapshots out to websocket
// clients. Events are batched under a short throttle; full pool snapshots go
// out on a fixed ticker.
type Broadcaster struct {
	mu      sync.RWMutex
	clients map[*client]bool

	store *event.Store
	pools func() []threshold.PoolStatus

	throttle       time.Duration
	snapshotTicker *time.Ticker

	flushMu       sync.Mutex
	pendingEvents []event.Record
	flushTimer    *time.Timer
}

// NewBroadcaster wires the event store and a live pool-status source. pools
// is invoked from the snapshot loop and on client connect.
func NewBroadcaster(store *event.Store, pools func() []threshold.PoolStatus, throttle, snapshotInterval time.Duration) *Broadcaster {
	b := &Broadcaster{
		clients:  make(map[*client]bool),
		store:    store,
		pools:    pools,
		throttle: throttle,
	}

	b.snapshotTicker = time.NewTicker(snapshotInterval)
	go b.snapshotLoop()

	return b
}

func (b *Broadcaster) AddClient(conn *websocket.Conn) *client {
	c := newClient(conn)

	b.mu.Lock()
	b.clients[c] = true
	b.mu.Unlock()

	snapshot := WSMessage{
		Type: MsgSnapshot,
		Payload: SnapshotPayload{
			Pools:  b.pools(),
			Events: b.store.Recent(),
		},
	}
	data, _ := json.Marshal(snapshot)

	select {
	case c.send <- data:
	default:
		// Client too slow, drop the snapshot
	}

	return c
}

func (b *Broadcaster) RemoveClient(c *client) {
	b.mu.Lock()
	if _, ok := b.clients[c]; ok {
		delete(b.clients, c)
		c.close()
	}
	b.mu.Unlock()
}

// QueueEvent batches a routed event for the next throttled flush.
func (b *Broadcaster) QueueEvent(rec event.Record) {
	b.flushMu.Lock()
	defer b.flushMu.Unlock()

	b.pendingEvents = append(b.pendingEvents, rec)

	if b.flushTimer == nil {
		b.flushTimer = time.AfterFunc(b.throttle, b.flush)
	}
}

func (b *Broadcaster) flush() {
	b.flushMu.Lock()
	events := b.pendingEvents
	b.pendingEvents = nil
	b.flushTimer = nil
	b.flushMu.Unlock()

	if len(events) == 0 {
		return
	}

	b.broadcast(WSMessage{
		Type:    MsgEvents,
		Payload: EventsPayload{Events: events},
	})
}

func (b *Broadcaster) snapshotLoop() {
	for range b.snapshotTicker.C {
		b.broadcast(WSMessage{
			Type:    MsgPools,
			Payload: PoolsPayload{Pools: b.pools()},
		})
	}
}

func (b *Broadcaster) broadcast(msg WSMessage) {
	data, err := json.Marshal(msg)
	if err != nil {
		log.Printf("broadcast marshal error: %v", err)
		return
	}

	b.mu.RLock()
	clients := make([]*client, 0, len(b.clients))
	for c := range b.clients {
		clients = append(clients, c)
	}
	b.mu.RUnlock()

	for _, c := range clients {
		select {
		case c.send <- data:
		default:
			// Client can't keep up, disconnect it
			log.Printf("ws client too slow, disconnecting")
			b.RemoveClient(c)
		}
	}
}

func (b *Broadcaster) ClientCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.clients)
}
