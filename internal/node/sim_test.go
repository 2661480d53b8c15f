package node

import (
	"math/rand"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/sirupsen/logrus"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/Operative-001/meshdtn/internal/config"
	"github.com/Operative-001/meshdtn/internal/protocol"
	"github.com/Operative-001/meshdtn/internal/topology"
	"github.com/Operative-001/meshdtn/internal/transport"
)

// simNet drives a set of engines deterministically on the test goroutine.
// Link names are the peer node ids, packets are delivered in FIFO order and
// the shared clock advances one millisecond per reading.
type simNet struct {
	t       *testing.T
	clock   int64
	nodes   map[string]*Node
	obs     map[string]*recorder
	links   map[[2]string]bool
	pending []simPacket
}

type simPacket struct {
	from, to string
	data     []byte
}

func newSimNet(t *testing.T) *simNet {
	return &simNet{
		t:     t,
		clock: 1_700_000_000_000,
		nodes: make(map[string]*Node),
		obs:   make(map[string]*recorder),
		links: make(map[[2]string]bool),
	}
}

func (s *simNet) now() time.Time {
	s.clock++
	return time.UnixMilli(s.clock)
}

func (s *simNet) advance(d time.Duration) { s.clock += d.Milliseconds() }

func simProtocol(rebuild bool) config.ProtocolConfig {
	p := config.DefaultProtocol()
	p.ElectionTimeout = time.Hour
	p.MaintenanceInterval = time.Hour
	p.RebuildOnHello = rebuild
	return p
}

func (s *simNet) add(id string, proto config.ProtocolConfig) *Node {
	s.t.Helper()
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	rec := &recorder{}
	n, err := New(Config{
		NodeID:    id,
		Name:      "Node " + id,
		Transport: &simTransport{net: s, id: id},
		Protocol:  proto,
		Observer:  rec,
		Logger:    logger,
		Now:       s.now,
		Rand:      rand.New(rand.NewSource(1)),
	})
	require.NoError(s.t, err)
	s.t.Cleanup(n.Stop)
	s.nodes[id] = n
	s.obs[id] = rec
	return n
}

func linkKey(a, b string) [2]string {
	if a > b {
		a, b = b, a
	}
	return [2]string{a, b}
}

func (s *simNet) connect(a, b string) {
	s.links[linkKey(a, b)] = true
	s.nodes[a].handleEvent(transport.Event{Kind: transport.LinkUp, Link: b})
	s.nodes[b].handleEvent(transport.Event{Kind: transport.LinkUp, Link: a})
}

func (s *simNet) disconnect(a, b string) {
	delete(s.links, linkKey(a, b))
	s.nodes[a].handleEvent(transport.Event{Kind: transport.LinkDown, Link: b})
	s.nodes[b].handleEvent(transport.Event{Kind: transport.LinkDown, Link: a})
}

// run delivers queued packets until the network is quiet.
func (s *simNet) run() {
	s.t.Helper()
	for steps := 0; len(s.pending) > 0; steps++ {
		require.Less(s.t, steps, 100000, "network did not settle")
		p := s.pending[0]
		s.pending = s.pending[1:]
		if !s.links[linkKey(p.from, p.to)] {
			continue
		}
		s.nodes[p.to].handleEvent(transport.Event{Kind: transport.Data, Link: p.from, Data: p.data})
	}
}

// elect makes id's election timer fire after a quiet period.
func (s *simNet) elect(id string) {
	s.advance(10 * time.Second)
	n := s.nodes[id]
	n.handleTimer(timerFire{kind: electionTimer, gen: n.gens[electionTimer]})
	s.run()
}

func (s *simNet) leaders() []string {
	var out []string
	for id, n := range s.nodes {
		if n.leader {
			out = append(out, id)
		}
	}
	sort.Strings(out)
	return out
}

type simTransport struct {
	net *simNet
	id  string
}

func (t *simTransport) Start() error { return nil }
func (t *simTransport) Connect(addr string) error { t.net.connect(t.id, addr); return nil }
func (t *simTransport) Events() <-chan transport.Event { return nil }
func (t *simTransport) Close() error { return nil }

func (t *simTransport) PeerCount() int {
	c := 0
	for k := range t.net.links {
		if k[0] == t.id || k[1] == t.id {
			c++
		}
	}
	return c
}

func (t *simTransport) Send(link string, data []byte) error {
	if !t.net.links[linkKey(t.id, link)] {
		return transport.ErrUnknownLink
	}
	t.net.pending = append(t.net.pending, simPacket{from: t.id, to: link, data: data})
	return nil
}

type recorder struct {
	NopObserver
	mu     sync.Mutex
	alarms []string
	queues [][]protocol.Bundle
	tree   string
	peers  map[string]string
}

func (r *recorder) AlarmRaised(source, text string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.alarms = append(r.alarms, source+":"+text)
}

func (r *recorder) QueueChanged(q []protocol.Bundle) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.queues = append(r.queues, q)
}

func (r *recorder) TopologyUpdated(tree string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.tree = tree
}

func (r *recorder) PeersUpdated(p map[string]string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.peers = p
}

func (r *recorder) alarmCount() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.alarms)
}

// line builds A-B-C and elects A.
func line(t *testing.T) *simNet {
	s := newSimNet(t)
	for _, id := range []string{"A", "B", "C"} {
		s.add(id, simProtocol(false))
	}
	s.connect("A", "B")
	s.connect("B", "C")
	s.run()
	s.elect("A")
	return s
}

func received(n *Node) []protocol.Bundle {
	var out []protocol.Bundle
	for {
		select {
		case b := <-n.messages:
			out = append(out, b)
		default:
			return out
		}
	}
}

func TestElectionOnLine(t *testing.T) {
	s := line(t)
	a, b, c := s.nodes["A"], s.nodes["B"], s.nodes["C"]

	assert.Equal(t, []string{"A"}, s.leaders())
	assert.Equal(t, "", a.parent)
	assert.Equal(t, "A", b.parent)
	assert.Equal(t, "B", c.parent)

	assert.Equal(t, "B", a.routes["C"])
	assert.Equal(t, "B", a.routes["B"])
	assert.Equal(t, "C", b.routes["C"])
	assert.Equal(t, 3, a.lastTree.Len())

	hop, ok := b.nextHop("C")
	require.True(t, ok)
	assert.Equal(t, "C", hop)
	hop, ok = c.nextHop("A")
	require.True(t, ok)
	assert.Equal(t, "B", hop)

	assert.Equal(t, map[string]string{"B": "Node B", "C": "Node C"}, a.peers())
	assert.Contains(t, s.obs["A"].tree, "Node A (me) ✓")
}

func TestMessageRoutedAcrossTree(t *testing.T) {
	s := line(t)

	b := s.nodes["C"].originate("A", "hi from C")
	s.run()
	got := received(s.nodes["A"])
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Equal(t, "hi from C", got[0].Content)
	assert.False(t, got[0].IsDTN)

	s.nodes["A"].originate("C", "hi from A")
	s.run()
	require.Len(t, received(s.nodes["C"]), 1)
	assert.Empty(t, received(s.nodes["B"]))
}

func TestConvergenceOnRandomTopology(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for trial := 0; trial < 5; trial++ {
		s := newSimNet(t)
		ids := []string{"N0", "N1", "N2", "N3", "N4", "N5", "N6", "N7"}
		for _, id := range ids {
			s.add(id, simProtocol(true))
		}
		// Spanning chain for connectivity, plus random chords.
		perm := rng.Perm(len(ids))
		for i := 1; i < len(perm); i++ {
			s.connect(ids[perm[i-1]], ids[perm[i]])
		}
		for i := 0; i < 6; i++ {
			a, b := ids[rng.Intn(len(ids))], ids[rng.Intn(len(ids))]
			if a != b && !s.links[linkKey(a, b)] {
				s.connect(a, b)
			}
		}
		s.run()

		leaders := s.leaders()
		require.Len(t, leaders, 1, "trial %d", trial)
		leader := s.nodes[leaders[0]]
		for id, n := range s.nodes {
			assert.Equal(t, leader.round, n.round, "trial %d node %s", trial, id)
			cur, hops := id, 0
			for cur != leader.id {
				cur = s.nodes[cur].parent
				require.NotEmpty(t, cur, "trial %d: %s has no path to leader", trial, id)
				hops++
				require.Less(t, hops, len(ids), "trial %d: parent cycle from %s", trial, id)
			}
		}
		assert.Equal(t, len(ids), leader.lastTree.Len())
	}
}

func TestStatusReportsRootAndLinks(t *testing.T) {
	s := line(t)
	st := s.nodes["B"].status()
	assert.Equal(t, "A", st.Root)
	assert.Equal(t, 2, st.Links)
	assert.Equal(t, []string{"A", "C"}, st.Neighbors)
	assert.Equal(t, "A", st.Parent)
}

func TestOrphanRestartsAsSource(t *testing.T) {
	s := newSimNet(t)
	b := s.add("B", simProtocol(false))
	c := s.add("C", simProtocol(false))
	s.connect("B", "C")
	s.run()

	// A token from a source B has no link to: B is ready with no parent.
	tree := topology.New("A")
	require.NoError(t, tree.AddChild("A", "B"))
	require.NoError(t, tree.AddChild("B", "C"))
	data, err := protocol.Encode(&protocol.Token{
		Header: protocol.Header{Source: "A", Sender: "C", Timestamp: s.clock},
		Tree:   tree,
	})
	require.NoError(t, err)
	b.handleIncomingPacket("C", data)
	s.run()

	assert.Equal(t, "B", b.round.Source)
	assert.Equal(t, []string{"B"}, s.leaders())
	assert.Equal(t, "B", c.parent)
	assert.Equal(t, b.round, c.round)
	assert.Equal(t, 2, b.lastTree.Len())
}

func TestStaleTimerGenerationIgnored(t *testing.T) {
	s := line(t)
	a := s.nodes["A"]
	round := a.round
	old := a.gens[electionTimer]

	a.restartElectionTimer()
	s.advance(10 * time.Second)
	a.handleTimer(timerFire{kind: electionTimer, gen: old})

	assert.Equal(t, round, a.round)
	assert.Empty(t, s.pending)
}

func TestElectionTimerWaitsForStaleRound(t *testing.T) {
	s := line(t)
	a := s.nodes["A"]
	round := a.round

	a.restartElectionTimer()
	a.handleTimer(timerFire{kind: electionTimer, gen: a.gens[electionTimer]})
	assert.Equal(t, round, a.round, "round is still fresh")
	assert.Empty(t, s.pending)

	s.advance(9 * time.Second)
	a.handleTimer(timerFire{kind: electionTimer, gen: a.gens[electionTimer]})
	assert.True(t, a.round.NewerThan(round))
	assert.Equal(t, "A", a.round.Source)
	s.run()
	assert.Equal(t, []string{"A"}, s.leaders())
}

func TestMaintenanceTimerOnlyActsOnLeader(t *testing.T) {
	s := line(t)
	a, b := s.nodes["A"], s.nodes["B"]
	round := b.round

	b.handleTimer(timerFire{kind: maintenanceTimer, gen: b.gens[maintenanceTimer]})
	assert.Equal(t, round, b.round)
	assert.Empty(t, s.pending)

	a.handleTimer(timerFire{kind: maintenanceTimer, gen: a.gens[maintenanceTimer]})
	s.run()
	assert.True(t, a.round.NewerThan(round))
	assert.Equal(t, []string{"A"}, s.leaders())
	for _, id := range []string{"B", "C"} {
		assert.Equal(t, a.round, s.nodes[id].round, id)
	}
	assert.Equal(t, "B", a.routes["C"], "committed routes survive maintenance")
}

func TestStaleRoundDropped(t *testing.T) {
	s := line(t)
	b := s.nodes["B"]
	active := b.round

	tok := &protocol.Token{
		Header: protocol.Header{Source: "C", Sender: "A", Timestamp: active.Timestamp - 1},
		Tree:   b.lastTree.Clone(),
	}
	data, err := protocol.Encode(tok)
	require.NoError(t, err)
	b.handleIncomingPacket("A", data)

	assert.Equal(t, active, b.round)
	assert.Empty(t, s.pending)
}

func TestDuplicateHelloHasNoElectionSideEffects(t *testing.T) {
	s := newSimNet(t)
	s.add("A", simProtocol(true))
	s.add("B", simProtocol(true))
	s.connect("A", "B")
	s.run()
	round := s.nodes["B"].round
	gen := s.nodes["B"].gens[electionTimer]

	s.nodes["A"].sendHello("B")
	s.run()
	assert.Equal(t, round, s.nodes["B"].round)
	assert.Equal(t, gen, s.nodes["B"].gens[electionTimer])
	assert.Equal(t, []string{"A"}, s.nodes["B"].nb.neighbors())
}

func TestNeighborSurvivesRedundantLinkDown(t *testing.T) {
	s := newSimNet(t)
	a := s.add("A", simProtocol(false))
	hello, err := protocol.Encode(&protocol.Hello{Header: protocol.Header{Source: "X", Sender: "X", Timestamp: 1}})
	require.NoError(t, err)

	a.handleIncomingPacket("x-out", hello)
	a.handleIncomingPacket("x-in", hello)
	require.Equal(t, []string{"X"}, a.nb.neighbors())
	round := a.round

	a.handleEvent(transport.Event{Kind: transport.LinkDown, Link: "x-in"})
	assert.Equal(t, []string{"X"}, a.nb.neighbors())
	link, ok := a.nb.link("X")
	require.True(t, ok)
	assert.Equal(t, "x-out", link)
	assert.Equal(t, round, a.round, "no rebuild while X is reachable")

	alarm, err := protocol.Encode(&protocol.Alarm{
		Header: protocol.Header{Source: "X", Sender: "X", Timestamp: 2, Safety: protocol.Danger},
		Text:   "smoke",
	})
	require.NoError(t, err)
	a.handleIncomingPacket("x-out", alarm)
	assert.Equal(t, []string{"X:smoke"}, s.obs["A"].alarms)
	assert.True(t, a.nb.isLive("X"))

	a.handleEvent(transport.Event{Kind: transport.LinkDown, Link: "x-out"})
	assert.Empty(t, a.nb.neighbors())
	_, ok = a.nb.link("X")
	assert.False(t, ok)
}

func TestLinkDownSelfHeals(t *testing.T) {
	s := line(t)
	s.disconnect("A", "B")
	s.run()

	a, b, c := s.nodes["A"], s.nodes["B"], s.nodes["C"]
	assert.True(t, a.leader)
	assert.True(t, b.leader)
	assert.Equal(t, "B", c.parent)
	assert.Empty(t, a.routes)
	assert.Equal(t, 1, a.lastTree.Len())
	assert.False(t, b.lastTree.Has("A"))
	assert.NotContains(t, c.peers(), "A")
}

func TestMalformedPacketDropped(t *testing.T) {
	s := line(t)
	b := s.nodes["B"]
	round := b.round
	for _, raw := range []string{`{garbage`, `{"type":"NOPE","senderId":"A"}`, `{"type":"DFS_TOKEN","senderId":"A","sourceId":"A"}`} {
		b.handleIncomingPacket("A", []byte(raw))
	}
	assert.Equal(t, round, b.round)
	assert.Empty(t, s.pending)
}

func TestPacketFromSelfIgnored(t *testing.T) {
	s := line(t)
	b := s.nodes["B"]
	data, err := protocol.Encode(&protocol.Alarm{
		Header: protocol.Header{Source: "B", Sender: "B", Timestamp: 1, Safety: protocol.Danger},
		Text:   "echo",
	})
	require.NoError(t, err)
	b.handleIncomingPacket("A", data)
	assert.Zero(t, s.obs["B"].alarmCount())
}

func TestRenamePropagatesWithoutReelection(t *testing.T) {
	s := line(t)
	b := s.nodes["B"]
	round := b.round

	s.nodes["A"].rename("Alpha")
	s.run()

	assert.Equal(t, "Alpha", b.nb.name("A"))
	assert.Equal(t, round, b.round)
	assert.False(t, s.nodes["A"].leader)
	assert.True(t, s.nodes["A"].round.IsZero())
}

func TestAlarmFloodsOnce(t *testing.T) {
	s := newSimNet(t)
	for _, id := range []string{"A", "B", "C", "D"} {
		s.add(id, simProtocol(false))
	}
	s.connect("A", "B")
	s.connect("B", "C")
	s.connect("C", "A")
	s.connect("C", "D")
	s.run()

	s.nodes["A"].raiseAlarm("fire")
	s.run()

	assert.Zero(t, s.obs["A"].alarmCount())
	for _, id := range []string{"B", "C", "D"} {
		assert.Equal(t, []string{"A:fire"}, s.obs[id].alarms, id)
	}
}

func TestNonDangerAlarmIgnored(t *testing.T) {
	s := line(t)
	data, err := protocol.Encode(&protocol.Alarm{
		Header: protocol.Header{Source: "A", Sender: "A", Timestamp: 5, Safety: protocol.Warning},
		Text:   "meh",
	})
	require.NoError(t, err)
	s.nodes["B"].handleIncomingPacket("A", data)
	s.run()
	assert.Zero(t, s.obs["B"].alarmCount())
	assert.Zero(t, s.obs["C"].alarmCount())
}

func TestSprayOnUnreachableDestination(t *testing.T) {
	s := newSimNet(t)
	for _, id := range []string{"A", "B", "C", "E"} {
		s.add(id, simProtocol(false))
	}
	s.connect("A", "B")
	s.connect("A", "C")
	s.connect("C", "E")
	s.run()
	s.elect("A")
	require.Equal(t, 4, s.nodes["A"].lastTree.Len())

	b := s.nodes["A"].originate("D", "are you there")
	s.run()

	a := s.nodes["A"]
	require.Equal(t, 1, a.queue.Len())
	assert.True(t, a.queue.Snapshot()[0].IsDTN)
	copies := s.nodes["B"].queue.Len() + s.nodes["C"].queue.Len()
	assert.Equal(t, 1, copies)
	assert.Zero(t, s.nodes["E"].queue.Len())
	for _, id := range []string{"B", "C"} {
		for _, q := range s.nodes[id].queue.Snapshot() {
			assert.Equal(t, b.ID, q.ID)
		}
	}
	require.NotEmpty(t, s.obs["A"].queues)
}

func TestSprayCappedByNeighborCount(t *testing.T) {
	s := newSimNet(t)
	ids := []string{"A", "N1", "N2", "N3", "N4", "N5", "N6", "N7", "N8"}
	for _, id := range ids {
		s.add(id, simProtocol(false))
	}
	for i := 1; i < len(ids); i++ {
		s.connect(ids[i-1], ids[i])
	}
	s.run()
	s.elect("A")
	a := s.nodes["A"]
	require.Equal(t, 9, a.lastTree.Len())

	a.originate("Z", "into the void")
	s.run()

	// L is 3 but A has a single neighbor to hand copies to.
	assert.Equal(t, 1, a.queue.Len())
	copies := 0
	for _, id := range ids[1:] {
		copies += s.nodes[id].queue.Len()
	}
	assert.Equal(t, 1, copies)
	assert.Equal(t, 1, s.nodes["N1"].queue.Len())
}

func TestFullQueueDelegatesOldest(t *testing.T) {
	s := newSimNet(t)
	s.add("A", simProtocol(false))
	s.add("B", simProtocol(false))
	s.connect("A", "B")
	s.run()
	s.elect("A")

	a := s.nodes["A"]
	var first string
	for i := 0; i < 6; i++ {
		b := a.originate("Z", "msg")
		if i == 0 {
			first = b.ID
		}
	}
	s.run()

	assert.Equal(t, 5, a.queue.Len())
	assert.False(t, a.queue.Contains(first))
	assert.True(t, s.nodes["B"].queue.Contains(first))
}

func TestFullQueueWithoutNeighborsDropsOldest(t *testing.T) {
	s := newSimNet(t)
	a := s.add("A", simProtocol(false))
	for i := 0; i < 6; i++ {
		a.originate("Z", "msg")
	}
	assert.Equal(t, 5, a.queue.Len())
}

func TestBufferedBundleDeliveredWhenDestinationJoins(t *testing.T) {
	s := newSimNet(t)
	for _, id := range []string{"A", "B", "C"} {
		s.add(id, simProtocol(true))
	}
	s.connect("A", "B")
	s.run()

	b := s.nodes["A"].originate("C", "later")
	s.run()
	require.True(t, s.nodes["A"].queue.Contains(b.ID))

	s.connect("B", "C")
	s.run()
	// Nodes visited early in a DFS only see a partial tree, so let the
	// origin run the next round itself.
	s.elect("A")

	got := received(s.nodes["C"])
	require.Len(t, got, 1)
	assert.Equal(t, b.ID, got[0].ID)
	assert.Zero(t, s.nodes["A"].queue.Len())
}

func TestHopLimitStoresInsteadOfDropping(t *testing.T) {
	s := line(t)
	bundle := protocol.Bundle{ID: "ttl-1", SenderID: "A", DestinationID: "C", Content: "x"}
	data, err := protocol.Encode(&protocol.Message{
		Header: protocol.Header{Source: "A", Sender: "A", Timestamp: 7},
		Bundle: bundle,
		TTL:    1,
	})
	require.NoError(t, err)
	s.nodes["B"].handleIncomingPacket("A", data)
	s.run()

	assert.True(t, s.nodes["B"].queue.Contains("ttl-1"))
	assert.Empty(t, received(s.nodes["C"]))
}

func TestDeliveryIsAtMostOnce(t *testing.T) {
	s := line(t)
	msg := &protocol.Message{
		Header: protocol.Header{Source: "B", Sender: "B", Timestamp: 9},
		Bundle: protocol.Bundle{ID: "dup", SenderID: "B", DestinationID: "A", Content: "once"},
	}
	data, err := protocol.Encode(msg)
	require.NoError(t, err)
	a := s.nodes["A"]
	a.handleIncomingPacket("B", data)
	a.handleIncomingPacket("B", data)
	assert.Len(t, received(a), 1)
}

func TestRestoredQueueRetriedOnTopology(t *testing.T) {
	s := newSimNet(t)
	restored := protocol.Bundle{ID: "saved", SenderID: "A", DestinationID: "B", Content: "from disk", IsDTN: true}
	logger := logrus.New()
	logger.SetLevel(logrus.WarnLevel)
	a, err := New(Config{
		NodeID:       "A",
		Transport:    &simTransport{net: s, id: "A"},
		Protocol:     simProtocol(false),
		Logger:       logger,
		Now:          s.now,
		InitialQueue: []protocol.Bundle{restored},
	})
	require.NoError(t, err)
	t.Cleanup(a.Stop)
	s.nodes["A"] = a
	s.obs["A"] = &recorder{}
	s.add("B", simProtocol(false))
	require.Equal(t, 1, a.queue.Len())

	s.connect("A", "B")
	s.run()
	s.elect("A")

	got := received(s.nodes["B"])
	require.Len(t, got, 1)
	assert.Equal(t, "saved", got[0].ID)
	assert.Zero(t, a.queue.Len())
}
