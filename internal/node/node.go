// Package node implements the mesh protocol engine.
//
// Design:
//   - One goroutine owns all protocol state: the neighbor table, the active
//     round and tree, the routing tables and the DTN queue. Transport events,
//     caller commands and timer firings are all serialised into it.
//   - Timers never touch state directly. A firing posts a (kind, generation)
//     pair to the loop, which ignores it if the timer was re-armed or
//     cancelled in the meantime.
//   - Sends are fire-and-forget. Reliability comes from periodic tree
//     refresh and store-and-forward buffering, not retransmission.
package node

import (
	"errors"
	"fmt"
	"math/rand"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/meshdtn/internal/config"
	"github.com/Operative-001/meshdtn/internal/dtn"
	"github.com/Operative-001/meshdtn/internal/metrics"
	"github.com/Operative-001/meshdtn/internal/protocol"
	"github.com/Operative-001/meshdtn/internal/seen"
	"github.com/Operative-001/meshdtn/internal/topology"
	"github.com/Operative-001/meshdtn/internal/transport"
)

const (
	messageQueueDepth = 64
	commandQueueDepth = 16
)

var (
	ErrStopped     = errors.New("node: stopped")
	ErrUnknownPeer = errors.New("node: no link to peer")
)

// Config configures a Node.
type Config struct {
	NodeID    string
	Name      string
	Transport transport.Transport
	Bootstrap []string // peer addresses to connect on start

	// Protocol timers and sizes. A zero value selects config.DefaultProtocol;
	// otherwise zero durations and sizes fall back to their defaults
	// individually.
	Protocol config.ProtocolConfig

	Observer Observer
	Logger   *logrus.Logger

	// InitialQueue restores a saved DTN queue, oldest first.
	InitialQueue []protocol.Bundle

	Now  func() time.Time // defaults to time.Now
	Rand *rand.Rand       // neighbor selection for spray and delegation
}

// Status is a point-in-time snapshot of the engine.
type Status struct {
	ID            string            `json:"id"`
	Name          string            `json:"name"`
	Leader        bool              `json:"leader"`
	Root          string            `json:"root,omitempty"`
	Parent        string            `json:"parent,omitempty"`
	Round         topology.Round    `json:"round"`
	Neighbors     []string          `json:"neighbors"`
	Links         int               `json:"links"`
	Peers         map[string]string `json:"peers"`
	Tree          string            `json:"tree"`
	QueueDepth    int               `json:"queue_depth"`
	QueueCapacity int               `json:"queue_capacity"`
}

// Node is the mesh protocol engine.
type Node struct {
	cfg   Config
	proto config.ProtocolConfig
	tr    transport.Transport
	obs   Observer
	log   *logrus.Entry
	now   func() time.Time
	rng   *rand.Rand
	seen  *seen.Cache

	// Owned by the loop goroutine.
	id       string
	name     string
	nb       *neighborTable
	round    topology.Round
	parent   string
	leader   bool
	lastTree *topology.Tree
	routes   routingTable // committed: last completed subtree
	building routingTable // active round, not yet complete
	queue    *dtn.Queue
	timers   [timerKinds]*time.Timer
	gens     [timerKinds]uint64

	messages chan protocol.Bundle
	cmds     chan func()
	fired    chan timerFire

	startOnce sync.Once
	started   bool
	stopOnce  sync.Once
	stopCh    chan struct{}
	doneCh    chan struct{}
}

// New creates a Node. Config.NodeID and Config.Transport are required.
func New(cfg Config) (*Node, error) {
	if cfg.NodeID == "" {
		return nil, errors.New("node: NodeID is required")
	}
	if cfg.Transport == nil {
		return nil, errors.New("node: Transport is required")
	}
	proto := withProtocolDefaults(cfg.Protocol)

	obs := cfg.Observer
	if obs == nil {
		obs = NopObserver{}
	}
	logger := cfg.Logger
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	now := cfg.Now
	if now == nil {
		now = time.Now
	}
	rng := cfg.Rand
	if rng == nil {
		rng = rand.New(rand.NewSource(time.Now().UnixNano()))
	}
	name := cfg.Name
	if name == "" {
		name = "Node " + cfg.NodeID
	}

	n := &Node{
		cfg:      cfg,
		proto:    proto,
		tr:       cfg.Transport,
		obs:      obs,
		log:      logger.WithField("node", cfg.NodeID),
		now:      now,
		rng:      rng,
		seen:     seen.New(proto.SeenExpiry, now),
		id:       cfg.NodeID,
		name:     name,
		nb:       newNeighborTable(),
		routes:   routingTable{},
		building: routingTable{},
		queue:    dtn.NewQueue(proto.DTNCapacity),
		messages: make(chan protocol.Bundle, messageQueueDepth),
		cmds:     make(chan func(), commandQueueDepth),
		fired:    make(chan timerFire, timerKinds),
		stopCh:   make(chan struct{}),
		doneCh:   make(chan struct{}),
	}
	for _, b := range cfg.InitialQueue {
		if ev, _ := n.queue.Push(b); ev != nil {
			n.log.WithField("bundle", ev.ID).Warn("Restored queue exceeds capacity, dropping oldest")
		}
	}
	metrics.QueueDepth.WithLabelValues(n.id).Set(float64(n.queue.Len()))
	return n, nil
}

func withProtocolDefaults(p config.ProtocolConfig) config.ProtocolConfig {
	def := config.DefaultProtocol()
	if p == (config.ProtocolConfig{}) {
		return def
	}
	if p.ElectionTimeout <= 0 {
		p.ElectionTimeout = def.ElectionTimeout
	}
	if p.StaleRoundAfter <= 0 {
		p.StaleRoundAfter = def.StaleRoundAfter
	}
	if p.MaintenanceInterval <= 0 {
		p.MaintenanceInterval = def.MaintenanceInterval
	}
	if p.DTNCapacity <= 0 {
		p.DTNCapacity = def.DTNCapacity
	}
	if p.MessageTTL <= 0 {
		p.MessageTTL = def.MessageTTL
	}
	if p.SeenExpiry <= 0 {
		p.SeenExpiry = def.SeenExpiry
	}
	return p
}

// ID returns this node's id.
func (n *Node) ID() string { return n.id }

// Start begins the node: starts transport, connects to bootstrap peers,
// and launches the engine goroutine.
func (n *Node) Start() error {
	var err error
	n.startOnce.Do(func() {
		if err = n.tr.Start(); err != nil {
			err = fmt.Errorf("node: transport start: %w", err)
			return
		}
		n.started = true
		go n.loop()
		for _, addr := range n.cfg.Bootstrap {
			if cerr := n.tr.Connect(addr); cerr != nil {
				n.log.WithFields(logrus.Fields{"addr": addr, "error": cerr}).Warn("Bootstrap connect failed")
			}
		}
	})
	return err
}

// Stop shuts down the node and its transport.
func (n *Node) Stop() {
	n.stopOnce.Do(func() {
		close(n.stopCh)
		if n.started {
			<-n.doneCh
		} else {
			n.cancelTimers()
		}
		n.seen.Close()
		n.tr.Close() //nolint:errcheck
	})
}

// Messages returns a channel of bundles delivered to this node.
func (n *Node) Messages() <-chan protocol.Bundle {
	return n.messages
}

// Send originates a chat message to destID and routes it. The returned
// bundle is the one placed on the network.
func (n *Node) Send(destID, content string) (protocol.Bundle, error) {
	if destID == "" {
		return protocol.Bundle{}, errors.New("node: empty destination")
	}
	var b protocol.Bundle
	err := n.do(func() { b = n.originate(destID, content) })
	return b, err
}

// Alarm floods a DANGER alarm with text to every neighbor.
func (n *Node) Alarm(text string) error {
	return n.do(func() { n.raiseAlarm(text) })
}

// Rename changes the display name and restarts the protocol state so the
// new name propagates through a fresh HELLO on every live link.
func (n *Node) Rename(name string) error {
	name = strings.TrimSpace(name)
	if name == "" {
		return errors.New("node: empty name")
	}
	return n.do(func() { n.rename(name) })
}

// Status returns a snapshot of the engine state.
func (n *Node) Status() (Status, error) {
	var s Status
	err := n.do(func() { s = n.status() })
	return s, err
}

// QueueSnapshot returns the buffered bundles, oldest first.
func (n *Node) QueueSnapshot() ([]protocol.Bundle, error) {
	var out []protocol.Bundle
	err := n.do(func() { out = n.queue.Snapshot() })
	return out, err
}

// do runs fn on the engine goroutine and waits for it to finish.
func (n *Node) do(fn func()) error {
	done := make(chan struct{})
	select {
	case n.cmds <- func() { fn(); close(done) }:
	case <-n.stopCh:
		return ErrStopped
	}
	select {
	case <-done:
		return nil
	case <-n.stopCh:
		return ErrStopped
	}
}

// loop is the single owner of protocol state.
func (n *Node) loop() {
	defer close(n.doneCh)
	defer n.cancelTimers()
	events := n.tr.Events()
	for {
		select {
		case <-n.stopCh:
			return
		case ev, ok := <-events:
			if !ok {
				return
			}
			n.handleEvent(ev)
		case fn := <-n.cmds:
			fn()
		case tf := <-n.fired:
			n.handleTimer(tf)
		}
	}
}

func (n *Node) handleEvent(ev transport.Event) {
	switch ev.Kind {
	case transport.LinkUp:
		n.sendHello(ev.Link)
	case transport.LinkDown:
		n.linkDown(ev.Link)
	case transport.Data:
		n.handleIncomingPacket(ev.Link, ev.Data)
	}
}

// handleIncomingPacket classifies a raw packet and dispatches it.
// Malformed packets are dropped without propagating an error.
func (n *Node) handleIncomingPacket(link string, data []byte) {
	pkt, err := protocol.Decode(data)
	if err != nil {
		metrics.PacketsDropped.WithLabelValues("malformed").Inc()
		n.log.WithFields(logrus.Fields{"link": link, "error": err}).Debug("Dropping malformed packet")
		return
	}
	metrics.PacketsReceived.WithLabelValues(string(pkt.Kind())).Inc()

	h := pkt.Hdr()
	if h.Sender == n.id {
		metrics.PacketsDropped.WithLabelValues("self").Inc()
		return
	}
	n.nb.setName(h.Sender, h.SenderName)
	n.nb.bind(h.Sender, link)

	switch p := pkt.(type) {
	case *protocol.Hello:
		n.handleHello(link, p)
	case *protocol.Token:
		n.handleToken(p)
	case *protocol.Alarm:
		n.handleAlarm(p)
	case *protocol.Message:
		n.handleMessage(p)
	}
}

// handleHello records the neighbor. Only a first sighting has election side
// effects.
func (n *Node) handleHello(link string, p *protocol.Hello) {
	if !n.nb.add(p.Sender, link) {
		return
	}
	metrics.Neighbors.WithLabelValues(n.id).Set(float64(len(n.nb.live)))
	n.info("Neighbor connected", logrus.Fields{"peer": p.Sender, "name": n.nb.name(p.Sender)})
	n.restartElectionTimer()
	if n.proto.RebuildOnHello {
		n.startRound(true)
	}
}

// linkDown removes the neighbor from every table and rebuilds the tree.
func (n *Node) linkDown(link string) {
	id, gone := n.nb.dropLink(link)
	if !gone {
		if id != "" {
			n.log.WithFields(logrus.Fields{"peer": id, "link": link}).Debug("Redundant link down, neighbor still reachable")
		}
		return
	}
	metrics.Neighbors.WithLabelValues(n.id).Set(float64(len(n.nb.live)))
	n.routes.dropHop(id)
	n.building.dropHop(id)
	n.info("Neighbor disconnected", logrus.Fields{"peer": id, "was_parent": id == n.parent})
	if id == n.parent {
		n.parent = ""
	}
	n.publishPeers()
	n.startRound(true)
}

func (n *Node) sendHello(link string) {
	n.sendOnLink(link, &protocol.Hello{Header: protocol.Header{
		Source:    n.id,
		Timestamp: n.now().UnixMilli(),
	}})
}

// send stamps the local identity onto p and hands it to the transport.
func (n *Node) send(nodeID string, p protocol.Packet) error {
	link, ok := n.nb.link(nodeID)
	if !ok {
		return fmt.Errorf("%w: %s", ErrUnknownPeer, nodeID)
	}
	return n.sendOnLink(link, p)
}

func (n *Node) sendOnLink(link string, p protocol.Packet) error {
	h := p.Hdr()
	h.Sender = n.id
	h.SenderName = n.name
	data, err := protocol.Encode(p)
	if err != nil {
		return err
	}
	if err := n.tr.Send(link, data); err != nil {
		n.log.WithFields(logrus.Fields{"link": link, "type": p.Kind(), "error": err}).Debug("Send failed")
		return err
	}
	metrics.PacketsSent.WithLabelValues(string(p.Kind())).Inc()
	return nil
}

func (n *Node) raiseAlarm(text string) {
	a := &protocol.Alarm{
		Header: protocol.Header{Source: n.id, Timestamp: n.now().UnixMilli(), Safety: protocol.Danger},
		Text:   text,
	}
	n.seen.Add(alarmKey(a))
	n.info("Raising alarm", logrus.Fields{"text": text})
	for _, id := range n.nb.neighbors() {
		n.send(id, a) //nolint:errcheck
	}
}

// handleAlarm surfaces a DANGER alarm and floods it to every neighbor
// except the one it came from. Repeats are suppressed by the seen cache.
func (n *Node) handleAlarm(a *protocol.Alarm) {
	if a.Safety != protocol.Danger {
		return
	}
	if !n.seen.Add(alarmKey(a)) {
		metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		return
	}
	text := a.Text
	if text == "" {
		text = string(protocol.Danger)
	}
	from := a.Sender
	n.info("Alarm received", logrus.Fields{"source": a.Source, "text": text})
	n.obs.AlarmRaised(a.Source, text)
	for _, id := range n.nb.neighbors() {
		if id != from {
			n.send(id, a) //nolint:errcheck
		}
	}
}

func alarmKey(a *protocol.Alarm) string {
	return fmt.Sprintf("alarm/%s/%d", a.Source, a.Timestamp)
}

func (n *Node) rename(name string) {
	n.name = name
	n.info("Display name changed, restarting engine", logrus.Fields{"name": name})
	n.cancelTimers()
	n.setLeader(false)
	n.round = topology.Round{}
	n.parent = ""
	n.lastTree = nil
	n.routes = routingTable{}
	n.building = routingTable{}
	for _, id := range n.nb.neighbors() {
		if link, ok := n.nb.link(id); ok {
			n.sendHello(link)
		}
	}
	n.publishPeers()
	n.restartElectionTimer()
}

func (n *Node) status() Status {
	s := Status{
		ID:            n.id,
		Name:          n.name,
		Leader:        n.leader,
		Parent:        n.parent,
		Round:         n.round,
		Neighbors:     n.nb.neighbors(),
		Links:         n.tr.PeerCount(),
		Peers:         n.peers(),
		QueueDepth:    n.queue.Len(),
		QueueCapacity: n.queue.Cap(),
	}
	if n.lastTree != nil {
		s.Root = n.lastTree.Root()
		s.Tree = n.renderTree()
	}
	return s
}

func (n *Node) newBundle(destID, content string) protocol.Bundle {
	return protocol.Bundle{
		ID:            uuid.NewString(),
		SenderID:      n.id,
		DestinationID: destID,
		Content:       content,
		Timestamp:     n.now().UnixMilli(),
	}
}

// info logs an informational protocol event and mirrors it to the
// observer's log stream.
func (n *Node) info(msg string, fields logrus.Fields) {
	n.log.WithFields(fields).Info(msg)
	n.obs.Log(formatLine(msg, fields))
}

func formatLine(msg string, fields logrus.Fields) string {
	keys := make([]string, 0, len(fields))
	for k := range fields {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	var b strings.Builder
	b.WriteString(msg)
	for _, k := range keys {
		fmt.Fprintf(&b, " %s=%v", k, fields[k])
	}
	return b.String()
}
