package transport

import (
	"encoding/binary"
	"fmt"
	"io"
	"net"
	"sync"

	"github.com/sirupsen/logrus"
)

// MaxFrameSize bounds a single framed payload.
const MaxFrameSize = 1 << 20

// TCPTransport implements Transport over raw TCP connections.
// Framing: each payload is preceded by a 4-byte big-endian length.
// Links are named by the remote address.
type TCPTransport struct {
	listenAddr string
	listener   net.Listener
	events     chan Event
	log        *logrus.Entry

	mu     sync.RWMutex
	peers  map[string]*tcpLink // addr → link
	closed bool
}

type tcpLink struct {
	conn net.Conn
	wmu  sync.Mutex
}

// NewTCP creates a TCPTransport listening on listenAddr. A nil logger
// selects the logrus standard logger.
func NewTCP(listenAddr string, logger *logrus.Logger) *TCPTransport {
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	return &TCPTransport{
		listenAddr: listenAddr,
		events:     make(chan Event, 512),
		peers:      make(map[string]*tcpLink),
		log:        logger.WithField("component", "tcp-transport"),
	}
}

func (t *TCPTransport) Start() error {
	ln, err := net.Listen("tcp", t.listenAddr)
	if err != nil {
		return err
	}
	t.listener = ln
	go t.acceptLoop()
	return nil
}

// Addr returns the bound listen address, or nil before Start.
func (t *TCPTransport) Addr() net.Addr {
	if t.listener == nil {
		return nil
	}
	return t.listener.Addr()
}

func (t *TCPTransport) Connect(addr string) error {
	t.mu.RLock()
	_, already := t.peers[addr]
	t.mu.RUnlock()
	if already {
		return nil
	}

	conn, err := net.Dial("tcp", addr)
	if err != nil {
		return err
	}
	t.addPeer(addr, conn)
	return nil
}

func (t *TCPTransport) Send(link string, data []byte) error {
	if len(data) > MaxFrameSize {
		return fmt.Errorf("transport: frame of %d bytes exceeds %d", len(data), MaxFrameSize)
	}
	t.mu.RLock()
	l, ok := t.peers[link]
	t.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownLink, link)
	}

	var hdr [4]byte
	binary.BigEndian.PutUint32(hdr[:], uint32(len(data)))
	l.wmu.Lock()
	defer l.wmu.Unlock()
	if _, err := l.conn.Write(hdr[:]); err != nil {
		return err
	}
	_, err := l.conn.Write(data)
	return err
}

func (t *TCPTransport) Events() <-chan Event {
	return t.events
}

func (t *TCPTransport) PeerCount() int {
	t.mu.RLock()
	defer t.mu.RUnlock()
	return len(t.peers)
}

func (t *TCPTransport) Close() error {
	if t.listener != nil {
		t.listener.Close()
	}
	t.mu.Lock()
	t.closed = true
	for _, l := range t.peers {
		l.conn.Close()
	}
	t.mu.Unlock()
	return nil
}

func (t *TCPTransport) acceptLoop() {
	for {
		conn, err := t.listener.Accept()
		if err != nil {
			return
		}
		addr := conn.RemoteAddr().String()
		t.addPeer(addr, conn)
	}
}

// addPeer registers conn under addr. A second connection for an address
// that already has a live link is closed; the first one keeps the name.
func (t *TCPTransport) addPeer(addr string, conn net.Conn) {
	t.mu.Lock()
	if _, dup := t.peers[addr]; t.closed || dup {
		t.mu.Unlock()
		conn.Close()
		if dup {
			t.log.WithField("peer", addr).Debug("Duplicate connection, closing")
		}
		return
	}
	l := &tcpLink{conn: conn}
	t.peers[addr] = l
	t.mu.Unlock()
	t.events <- Event{Kind: LinkUp, Link: addr}
	go t.readLoop(addr, l)
}

func (t *TCPTransport) readLoop(addr string, l *tcpLink) {
	conn := l.conn
	defer func() {
		conn.Close()
		t.mu.Lock()
		owned := t.peers[addr] == l
		if owned {
			delete(t.peers, addr)
		}
		closed := t.closed
		t.mu.Unlock()
		if owned && !closed {
			t.events <- Event{Kind: LinkDown, Link: addr}
		}
	}()

	for {
		var hdr [4]byte
		if _, err := io.ReadFull(conn, hdr[:]); err != nil {
			return
		}
		sz := int(binary.BigEndian.Uint32(hdr[:]))
		if sz > MaxFrameSize {
			t.log.WithFields(logrus.Fields{"peer": addr, "size": sz}).Warn("Oversized frame, closing link")
			return
		}
		buf := make([]byte, sz)
		if _, err := io.ReadFull(conn, buf); err != nil {
			return
		}
		select {
		case t.events <- Event{Kind: Data, Link: addr, Data: buf}:
		default:
			// Drop if incoming buffer is full (backpressure)
		}
	}
}
