package transport

import (
	"fmt"
	"sync"
)

// MemoryTransport is an in-process transport for tests.
// Call Connect(otherTransport.ID()) to wire two transports together and
// Disconnect to tear the link down again. A global registry maps string IDs
// to MemoryTransport instances. Link names are the peer transport IDs.
type MemoryTransport struct {
	id     string
	events chan Event

	mu     sync.RWMutex
	peers  map[string]*MemoryTransport
	closed bool
}

var (
	registryMu sync.Mutex
	registry   = map[string]*MemoryTransport{}
	nextID     int
)

// NewMemory creates a MemoryTransport with a unique ID.
func NewMemory() *MemoryTransport {
	registryMu.Lock()
	nextID++
	id := fmt.Sprintf("mem-%d", nextID)
	t := &MemoryTransport{
		id:     id,
		events: make(chan Event, 1024),
		peers:  make(map[string]*MemoryTransport),
	}
	registry[id] = t
	registryMu.Unlock()
	return t
}

func (t *MemoryTransport) ID() string { return t.id }

func (t *MemoryTransport) Start() error { return nil }

func (t *MemoryTransport) Connect(addr string) error {
	registryMu.Lock()
	other, ok := registry[addr]
	registryMu.Unlock()
	if !ok {
		return fmt.Errorf("memory transport: no peer with id %q", addr)
	}

	t.mu.Lock()
	_, already := t.peers[addr]
	t.peers[addr] = other
	t.mu.Unlock()
	if already {
		return nil
	}

	// Also wire the reverse so the other side can send back
	other.mu.Lock()
	other.peers[t.id] = t
	other.mu.Unlock()

	t.emit(Event{Kind: LinkUp, Link: addr})
	other.emit(Event{Kind: LinkUp, Link: t.id})
	return nil
}

// Disconnect drops the link to addr on both sides, emitting LinkDown events.
func (t *MemoryTransport) Disconnect(addr string) {
	t.mu.Lock()
	other, ok := t.peers[addr]
	delete(t.peers, addr)
	t.mu.Unlock()
	if !ok {
		return
	}
	other.mu.Lock()
	delete(other.peers, t.id)
	other.mu.Unlock()

	t.emit(Event{Kind: LinkDown, Link: addr})
	other.emit(Event{Kind: LinkDown, Link: t.id})
}

func (t *MemoryTransport) Send(link string, data []byte) error {
	t.mu.RLock()
	p, ok := t.peers[link]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, link)
	}
	buf := append([]byte(nil), data...)
	select {
	case p.events <- Event{Kind: Data, Link: t.id, Data: buf}:
	default:
		// Drop if the peer's inbound buffer is full (backpressure)
	}
	return nil
}

func (t *MemoryTransport) emit(ev Event) {
	t.mu.RLock()
	closed := t.closed
	t.mu.RUnlock()
	if closed {
		return
	}
	t.events <- ev
}

func (t *MemoryTransport) Events() <-chan Event {
	return t.events
}

func (t *MemoryTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *MemoryTransport) Close() error {
	registryMu.Lock()
	delete(registry, t.id)
	registryMu.Unlock()

	t.mu.Lock()
	peers := make([]string, 0, len(t.peers))
	for id := range t.peers {
		peers = append(peers, id)
	}
	t.mu.Unlock()
	for _, id := range peers {
		t.Disconnect(id)
	}

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
