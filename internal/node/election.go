package node

import (
	"time"

	"github.com/sirupsen/logrus"

	"github.com/Operative-001/meshdtn/internal/metrics"
	"github.com/Operative-001/meshdtn/internal/protocol"
	"github.com/Operative-001/meshdtn/internal/topology"
)

type timerKind int

const (
	electionTimer timerKind = iota
	maintenanceTimer
	timerKinds
)

func (k timerKind) String() string {
	if k == maintenanceTimer {
		return "maintenance"
	}
	return "election"
}

type timerFire struct {
	kind timerKind
	gen  uint64
}

// arm (re)starts the timer of kind. A previous arming is invalidated even if
// its callback is already in flight.
func (n *Node) arm(kind timerKind, d time.Duration) {
	n.disarm(kind)
	gen := n.gens[kind]
	n.timers[kind] = time.AfterFunc(d, func() {
		select {
		case n.fired <- timerFire{kind: kind, gen: gen}:
		case <-n.stopCh:
		}
	})
}

func (n *Node) disarm(kind timerKind) {
	n.gens[kind]++
	if t := n.timers[kind]; t != nil {
		t.Stop()
		n.timers[kind] = nil
	}
}

func (n *Node) cancelTimers() {
	for k := timerKind(0); k < timerKinds; k++ {
		n.disarm(k)
	}
}

func (n *Node) restartElectionTimer() {
	n.arm(electionTimer, n.proto.ElectionTimeout)
}

func (n *Node) handleTimer(tf timerFire) {
	if tf.gen != n.gens[tf.kind] {
		return
	}
	n.timers[tf.kind] = nil
	switch tf.kind {
	case electionTimer:
		idle := time.Duration(n.now().UnixMilli()-n.round.Timestamp) * time.Millisecond
		if n.round.IsZero() || idle > n.proto.StaleRoundAfter {
			n.startRound(false)
		}
	case maintenanceTimer:
		if n.leader {
			n.startRound(true)
		}
	}
}

// startRound originates a new round rooted at this node. Election rounds
// discard the committed routes; maintenance rounds keep them until the new
// tree completes.
func (n *Node) startRound(maintenance bool) {
	ts := n.now().UnixMilli()
	if ts <= n.round.Timestamp {
		ts = n.round.Timestamp + 1
	}
	kind := protocol.KindDFSToken
	if maintenance {
		kind = protocol.KindCPLToken
	} else {
		n.routes = routingTable{}
		n.info("No recent round activity, starting election", logrus.Fields{"round": ts})
	}
	metrics.RoundsStarted.WithLabelValues(string(kind)).Inc()

	r := topology.Round{Timestamp: ts, Source: n.id}
	n.adoptRound(r)
	n.processToken(&protocol.Token{
		Header:      protocol.Header{Source: n.id, Sender: n.id, Timestamp: ts},
		Maintenance: maintenance,
		Tree:        topology.New(n.id),
	})
}

// adoptRound switches to a newer round. Partial routing state from the
// previous round is discarded, and leadership is given up to any other
// source.
func (n *Node) adoptRound(r topology.Round) {
	n.round = r
	n.parent = ""
	n.building = routingTable{}
	if n.leader && r.Source != n.id {
		n.setLeader(false)
	}
}

// handleToken applies round arbitration, then advances the DFS.
func (n *Node) handleToken(t *protocol.Token) {
	r := t.Round()
	switch {
	case r.NewerThan(n.round):
		n.adoptRound(r)
	case n.round.NewerThan(r):
		metrics.PacketsDropped.WithLabelValues("stale_round").Inc()
		n.log.WithFields(logrus.Fields{"round": r, "active": n.round}).Debug("Dropping token from older round")
		return
	}
	n.processToken(t)
}

// processToken performs one DFS step for the active round.
func (n *Node) processToken(t *protocol.Token) {
	tree := t.Tree
	me, ok := tree.Get(n.id)
	if !ok {
		metrics.PacketsDropped.WithLabelValues("not_in_tree").Inc()
		return
	}
	if me.Ready && t.Source != n.id {
		metrics.PacketsDropped.WithLabelValues("duplicate").Inc()
		return
	}

	sender := t.Sender
	if tree.IsChild(n.id, sender) {
		for _, id := range tree.Subtree(sender) {
			n.building[id] = sender
		}
	} else if sender != n.id {
		n.parent = sender
	}

	for _, nb := range n.nb.neighbors() {
		if tree.Has(nb) {
			continue
		}
		if err := tree.AddChild(n.id, nb); err != nil {
			n.log.WithError(err).Warn("Cannot extend tree")
			return
		}
		n.observeTree(tree)
		n.forwardToken(nb, t)
		return
	}

	tree.MarkReady(n.id) //nolint:errcheck
	n.routes = n.building.clone()
	n.observeTree(tree)

	switch {
	case n.parent != "":
		n.forwardToken(n.parent, t)
	case t.Source == n.id:
		n.becomeLeader(t.Maintenance)
	default:
		n.info("Orphaned in active round, restarting", logrus.Fields{"round": n.round})
		n.startRound(true)
	}
}

func (n *Node) forwardToken(to string, t *protocol.Token) {
	out := &protocol.Token{
		Header: protocol.Header{
			Source:    t.Source,
			Timestamp: t.Timestamp,
			Safety:    t.Safety,
		},
		Maintenance: t.Maintenance,
		Tree:        t.Tree,
	}
	n.send(to, out) //nolint:errcheck
}

func (n *Node) becomeLeader(maintenance bool) {
	if !n.leader {
		n.info("Elected leader", logrus.Fields{"round": n.round, "nodes": n.lastTree.Len()})
	} else if !maintenance {
		n.info("Re-elected leader", logrus.Fields{"round": n.round})
	}
	n.setLeader(true)
	n.arm(maintenanceTimer, n.proto.MaintenanceInterval)
}

func (n *Node) setLeader(leader bool) {
	if !leader {
		n.disarm(maintenanceTimer)
	}
	if n.leader == leader {
		return
	}
	n.leader = leader
	metrics.Leader.WithLabelValues(n.id).Set(metrics.Bool(leader))
	n.obs.LeaderChanged(leader)
}

// observeTree records the latest tree view and runs everything that
// depends on it.
func (n *Node) observeTree(tree *topology.Tree) {
	n.lastTree = tree.Clone()
	n.publishPeers()
	n.obs.TopologyUpdated(n.renderTree())
	n.deliveryCheck()
}

// peers returns every node in the last known tree except this one, with
// display names.
func (n *Node) peers() map[string]string {
	out := make(map[string]string)
	if n.lastTree == nil {
		return out
	}
	for _, id := range n.lastTree.IDs() {
		if id != n.id {
			out[id] = n.nb.name(id)
		}
	}
	return out
}

func (n *Node) publishPeers() {
	n.obs.PeersUpdated(n.peers())
}

func (n *Node) renderTree() string {
	if n.lastTree == nil {
		return ""
	}
	return n.lastTree.Render(func(id string) string {
		if id == n.id {
			return n.name + " (me)"
		}
		return n.nb.name(id)
	})
}
