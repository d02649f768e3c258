// Package bus is the typed messaging layer between peers: point-to-point
// sends and best-effort broadcast over a pluggable transport, with a
// per-kind handler registry.
package bus

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"gridmesh/internal/timing"
	"gridmesh/logging"
	"gridmesh/protocol"
)

var (
	ErrConnection  = errors.New("transport failure")
	ErrUnknownPeer = errors.New("peer has no known addresses")
)

// Transport moves raw bytes between peers. The production transport is
// libp2p streams; tests inject fakes.
type Transport interface {
	// Send dials one of addrs, writes payload, and closes the stream.
	Send(ctx context.Context, addrs []string, payload []byte) error
	// Start begins accepting inbound payloads, delivering each to
	// receive on the transport's own goroutine.
	Start(receive func(payload []byte)) error
	Close() error
}

// Handler receives validated envelopes of a subscribed kind.
type Handler func(env protocol.Envelope)

// Subscription is the unsubscribe handle returned by Subscribe.
type Subscription interface {
	Unsubscribe()
}

type subscription struct {
	bus  *Bus
	kind protocol.Kind
	id   int
}

func (s *subscription) Unsubscribe() {
	s.bus.mu.Lock()
	defer s.bus.mu.Unlock()
	handlers := s.bus.handlers[s.kind]
	for i, h := range handlers {
		if h.id == s.id {
			s.bus.handlers[s.kind] = append(handlers[:i], handlers[i+1:]...)
			return
		}
	}
}

type handlerEntry struct {
	id int
	fn Handler
}

type peerEntry struct {
	addrs []string
}

// Bus routes protocol envelopes between this node and its connected
// peers. Delivery is best effort: SendTo surfaces its error, Broadcast
// only reports an aggregate failure count.
type Bus struct {
	self      protocol.NodeID
	transport Transport

	mu       sync.RWMutex
	peers    map[protocol.NodeID]peerEntry
	handlers map[protocol.Kind][]handlerEntry
	nextID   int
}

func New(self protocol.NodeID, transport Transport) *Bus {
	return &Bus{
		self:      self,
		transport: transport,
		peers:     make(map[protocol.NodeID]peerEntry),
		handlers:  make(map[protocol.Kind][]handlerEntry),
	}
}

// Start begins dispatching inbound messages.
func (b *Bus) Start() error {
	return b.transport.Start(b.dispatch)
}

func (b *Bus) Close() error {
	return b.transport.Close()
}

func (b *Bus) Self() protocol.NodeID { return b.self }

// AddPeer records how to reach a peer. Fed by peer:announce handling
// and bootstrap config.
func (b *Bus) AddPeer(id protocol.NodeID, addrs []string) {
	if id == b.self {
		return
	}
	b.mu.Lock()
	b.peers[id] = peerEntry{addrs: append([]string(nil), addrs...)}
	b.mu.Unlock()
}

func (b *Bus) RemovePeer(id protocol.NodeID) {
	b.mu.Lock()
	delete(b.peers, id)
	b.mu.Unlock()
}

// Peers returns the ids of all currently connected peers.
func (b *Bus) Peers() []protocol.NodeID {
	b.mu.RLock()
	defer b.mu.RUnlock()
	out := make([]protocol.NodeID, 0, len(b.peers))
	for id := range b.peers {
		out = append(out, id)
	}
	return out
}

// SendTo delivers one envelope to one peer: open, write, close.
func (b *Bus) SendTo(ctx context.Context, to protocol.NodeID, env protocol.Envelope) error {
	b.mu.RLock()
	peer, ok := b.peers[to]
	b.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, to.Short())
	}
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.transport.Send(ctx, peer.addrs, payload); err != nil {
		return fmt.Errorf("%w: send %s to %s: %v", ErrConnection, env.Type, to.Short(), err)
	}
	return nil
}

// SendToAddrs delivers one envelope straight to a set of dial
// addresses, bypassing the peer table. Used to introduce ourselves to
// bootstrap peers whose node ids we do not know yet.
func (b *Bus) SendToAddrs(ctx context.Context, addrs []string, env protocol.Envelope) error {
	payload, err := json.Marshal(env)
	if err != nil {
		return fmt.Errorf("encode envelope: %w", err)
	}
	if err := b.transport.Send(ctx, addrs, payload); err != nil {
		return fmt.Errorf("%w: send %s: %v", ErrConnection, env.Type, err)
	}
	return nil
}

// Broadcast fans the envelope out to every connected peer with
// independent send attempts. Partial failures are tolerated and only
// logged; the return value is the aggregate failure count and callers
// must not assume delivery.
func (b *Bus) Broadcast(ctx context.Context, env protocol.Envelope) int {
	b.mu.RLock()
	targets := make(map[protocol.NodeID]peerEntry, len(b.peers))
	for id, p := range b.peers {
		targets[id] = p
	}
	b.mu.RUnlock()

	payload, err := json.Marshal(env)
	if err != nil {
		logging.Error("Broadcast dropped: cannot encode envelope", logging.Bus,
			"kind", env.Type, "error", err)
		return len(targets)
	}

	failed := 0
	for id, p := range targets {
		if err := b.transport.Send(ctx, p.addrs, payload); err != nil {
			failed++
			logging.Warn("Broadcast send failed", logging.Bus,
				"kind", env.Type, "peer", id.Short(), "error", err)
		}
	}
	if failed > 0 {
		logging.Info("Broadcast completed with failures", logging.Bus,
			"kind", env.Type, "peers", len(targets), "failed", failed)
	}
	return failed
}

// Subscribe registers a handler for a message kind. Multiple handlers
// may subscribe to the same kind; a panicking handler never blocks
// delivery to the others.
func (b *Bus) Subscribe(kind protocol.Kind, h Handler) Subscription {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.nextID++
	b.handlers[kind] = append(b.handlers[kind], handlerEntry{id: b.nextID, fn: h})
	return &subscription{bus: b, kind: kind, id: b.nextID}
}

func (b *Bus) dispatch(payload []byte) {
	defer timing.TimeOperation("bus.dispatch")()
	var env protocol.Envelope
	if err := json.Unmarshal(payload, &env); err != nil {
		logging.Warn("Dropping undecodable message", logging.Bus, "error", err)
		return
	}
	if err := protocol.Validate(env); err != nil {
		logging.Warn("Dropping invalid message", logging.Bus,
			"kind", env.Type, "error", err)
		return
	}

	b.mu.RLock()
	handlers := make([]handlerEntry, len(b.handlers[env.Type]))
	copy(handlers, b.handlers[env.Type])
	b.mu.RUnlock()

	for _, h := range handlers {
		b.invoke(h, env)
	}
}

func (b *Bus) invoke(h handlerEntry, env protocol.Envelope) {
	defer func() {
		if r := recover(); r != nil {
			logging.Error("Message handler panicked", logging.Bus,
				"kind", env.Type, "handler", h.id, "panic", r)
		}
	}()
	h.fn(env)
}
