// Package realtime relays chat messages between the participants of a
// consultation. Connections join rooms by consultation id and every message
// sent to a room reaches its other members at most once.
package realtime

import (
	"context"
	"errors"
	"sort"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
)

const roomPrefix = "consultation-"

// DefaultBufferSize is the per-connection outbound queue length.
const DefaultBufferSize = 256

var ErrUnknownConnection = errors.New("realtime: unknown connection")

// RoomName maps a consultation id to its room.
func RoomName(consultationID string) string {
	return roomPrefix + consultationID
}

// Client is one open connection. Frames queued for it are read from Send;
// the channel is closed when the connection is disconnected.
type Client struct {
	ID   string
	send chan []byte
	// rooms is guarded by the owning Broker's mutex.
	rooms map[string]struct{}
}

func (c *Client) Send() <-chan []byte {
	return c.send
}

// Observer is told about connection and message activity.
type Observer interface {
	ConnectionOpened()
	ConnectionClosed()
	RoomCountChanged(n int)
	MessageRelayed(delivered int)
	MessageDropped()
}

// Publisher forwards relayed messages to other nodes.
type Publisher interface {
	Publish(ctx context.Context, room, senderID string, payload []byte) error
}

type nopObserver struct{}

func (nopObserver) ConnectionOpened()    {}
func (nopObserver) ConnectionClosed()    {}
func (nopObserver) RoomCountChanged(int) {}
func (nopObserver) MessageRelayed(int)   {}
func (nopObserver) MessageDropped()      {}

// Broker owns the room table. All state changes go through Connect, Join,
// Leave and Disconnect.
type Broker struct {
	mu    sync.RWMutex
	rooms map[string]map[string]*Client
	conns map[string]*Client

	bufSize   int
	observer  Observer
	publisher Publisher
	logger    zerolog.Logger
}

type Option func(*Broker)

func WithBufferSize(n int) Option {
	return func(b *Broker) {
		if n > 0 {
			b.bufSize = n
		}
	}
}

func WithObserver(o Observer) Option {
	return func(b *Broker) {
		if o != nil {
			b.observer = o
		}
	}
}

func WithLogger(l zerolog.Logger) Option {
	return func(b *Broker) { b.logger = l }
}

func NewBroker(opts ...Option) *Broker {
	b := &Broker{
		rooms:    make(map[string]map[string]*Client),
		conns:    make(map[string]*Client),
		bufSize:  DefaultBufferSize,
		observer: nopObserver{},
		logger:   zerolog.Nop(),
	}
	for _, opt := range opts {
		opt(b)
	}
	return b
}

// SetPublisher attaches a cross-node publisher. Call it before serving.
func (b *Broker) SetPublisher(p Publisher) {
	b.mu.Lock()
	b.publisher = p
	b.mu.Unlock()
}

// Connect registers a new connection with a fresh id.
func (b *Broker) Connect() *Client {
	c := &Client{
		ID:    uuid.NewString(),
		send:  make(chan []byte, b.bufSize),
		rooms: make(map[string]struct{}),
	}

	b.mu.Lock()
	b.conns[c.ID] = c
	b.mu.Unlock()

	b.observer.ConnectionOpened()
	b.logger.Debug().Str("conn_id", c.ID).Msg("connection opened")
	return c
}

// Join adds the connection to room. Joining a room twice is a no-op.
func (b *Broker) Join(connID, room string) error {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownConnection
	}
	members := b.rooms[room]
	if members == nil {
		members = make(map[string]*Client)
		b.rooms[room] = members
	}
	members[connID] = c
	c.rooms[room] = struct{}{}
	n := len(b.rooms)
	b.mu.Unlock()

	b.observer.RoomCountChanged(n)
	b.logger.Debug().Str("conn_id", connID).Str("room", room).Msg("joined room")
	return nil
}

// Leave removes the connection from room. Leaving a room the connection is
// not in is not an error.
func (b *Broker) Leave(connID, room string) error {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return ErrUnknownConnection
	}
	b.removeLocked(c, room)
	n := len(b.rooms)
	b.mu.Unlock()

	b.observer.RoomCountChanged(n)
	return nil
}

func (b *Broker) removeLocked(c *Client, room string) {
	delete(c.rooms, room)
	if members, ok := b.rooms[room]; ok {
		delete(members, c.ID)
		if len(members) == 0 {
			delete(b.rooms, room)
		}
	}
}

// Relay queues payload for every member of room except the sender and
// forwards it to other nodes when a publisher is attached. Members whose
// queue is full miss the message. It returns the number of local
// recipients.
func (b *Broker) Relay(ctx context.Context, room, senderID string, payload []byte) int {
	delivered := b.deliver(room, senderID, payload)

	b.mu.RLock()
	pub := b.publisher
	b.mu.RUnlock()
	if pub != nil {
		if err := pub.Publish(ctx, room, senderID, payload); err != nil {
			b.logger.Warn().Err(err).Str("room", room).Msg("publish to other nodes failed")
		}
	}
	return delivered
}

func (b *Broker) deliver(room, excludeID string, payload []byte) int {
	delivered := 0
	b.mu.RLock()
	for id, c := range b.rooms[room] {
		if id == excludeID {
			continue
		}
		select {
		case c.send <- payload:
			delivered++
		default:
			b.observer.MessageDropped()
			b.logger.Warn().Str("conn_id", id).Str("room", room).Msg("send buffer full, message dropped")
		}
	}
	b.mu.RUnlock()

	b.observer.MessageRelayed(delivered)
	return delivered
}

// Disconnect removes the connection from every room and closes its send
// channel. Unknown ids are ignored, so it is safe to call more than once.
func (b *Broker) Disconnect(connID string) {
	b.mu.Lock()
	c, ok := b.conns[connID]
	if !ok {
		b.mu.Unlock()
		return
	}
	for room := range c.rooms {
		b.removeLocked(c, room)
	}
	delete(b.conns, connID)
	close(c.send)
	n := len(b.rooms)
	b.mu.Unlock()

	b.observer.ConnectionClosed()
	b.observer.RoomCountChanged(n)
	b.logger.Debug().Str("conn_id", connID).Msg("connection closed")
}

// Members lists the connection ids in room, sorted.
func (b *Broker) Members(room string) []string {
	b.mu.RLock()
	ids := make([]string, 0, len(b.rooms[room]))
	for id := range b.rooms[room] {
		ids = append(ids, id)
	}
	b.mu.RUnlock()
	sort.Strings(ids)
	return ids
}

func (b *Broker) RoomCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.rooms)
}

func (b *Broker) ConnectionCount() int {
	b.mu.RLock()
	defer b.mu.RUnlock()
	return len(b.conns)
}
