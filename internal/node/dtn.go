package node

import (
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/meshdtn/internal/dtn"
	"github.com/Operative-001/meshdtn/internal/metrics"
	"github.com/Operative-001/meshdtn/internal/protocol"
)

// spray keeps one local copy of a freshly originated bundle and hands
// L-1 more copies, under the same id, to distinct random neighbors.
func (n *Node) spray(b protocol.Bundle) {
	size := 1
	if n.lastTree != nil {
		size = n.lastTree.Len()
	}
	l := dtn.SprayFactor(size)

	b.IsDTN = true
	n.store(b)

	nbs := n.nb.neighbors()
	sent := 0
	for _, i := range n.rng.Perm(len(nbs)) {
		if sent >= l-1 {
			break
		}
		if n.sendBundle(nbs[i], b) == nil {
			sent++
		}
	}
	metrics.Bundles.WithLabelValues("sprayed").Add(float64(sent))
	n.log.WithFields(logrus.Fields{"bundle": b.ID, "copies": l, "sprayed": sent}).Debug("Sprayed bundle")
}

// store buffers b. A full queue evicts its oldest bundle, which is
// delegated to a random neighbor rather than dropped.
func (n *Node) store(b protocol.Bundle) {
	b.IsDTN = true
	evicted, added := n.queue.Push(b)
	if !added {
		return
	}
	metrics.Bundles.WithLabelValues("stored").Inc()
	if evicted != nil {
		n.delegate(*evicted)
	}
	n.publishQueue()
}

func (n *Node) delegate(b protocol.Bundle) {
	nbs := n.nb.neighbors()
	if len(nbs) == 0 {
		metrics.Bundles.WithLabelValues("lost").Inc()
		n.log.WithField("bundle", b.ID).Warn("Queue full and no neighbor to delegate to, dropping oldest")
		return
	}
	to := nbs[n.rng.Intn(len(nbs))]
	if err := n.sendBundle(to, b); err != nil {
		metrics.Bundles.WithLabelValues("lost").Inc()
		n.log.WithFields(logrus.Fields{"bundle": b.ID, "to": to, "error": err}).Warn("Delegation failed")
		return
	}
	metrics.Bundles.WithLabelValues("delegated").Inc()
	n.info("Queue full, delegated oldest bundle", logrus.Fields{"bundle": b.ID, "to": to})
}

func (n *Node) sendBundle(to string, b protocol.Bundle) error {
	return n.send(to, &protocol.Message{
		Header: protocol.Header{Source: b.SenderID, Timestamp: n.now().UnixMilli()},
		Bundle: b,
		TTL:    n.proto.MessageTTL,
	})
}

// deliveryCheck re-routes every buffered bundle whose destination has
// appeared in the current tree.
func (n *Node) deliveryCheck() {
	if n.lastTree == nil || n.queue.Len() == 0 {
		return
	}
	ready := n.queue.TakeWhere(func(b protocol.Bundle) bool {
		return n.lastTree.Has(b.DestinationID)
	})
	if len(ready) == 0 {
		return
	}
	n.publishQueue()
	for _, b := range ready {
		n.log.WithFields(logrus.Fields{"bundle": b.ID, "dest": b.DestinationID}).Debug("Destination reachable, retrying")
		n.route(b, n.proto.MessageTTL)
	}
}

func (n *Node) publishQueue() {
	metrics.QueueDepth.WithLabelValues(n.id).Set(float64(n.queue.Len()))
	n.obs.QueueChanged(n.queue.Snapshot())
}
