package node

import (
	"github.com/sirupsen/logrus"

	"github.com/Operative-001/meshdtn/internal/metrics"
	"github.com/Operative-001/meshdtn/internal/protocol"
)

// routingTable maps a destination id to the neighbor it is reached through.
type routingTable map[string]string

func (rt routingTable) clone() routingTable {
	out := make(routingTable, len(rt))
	for k, v := range rt {
		out[k] = v
	}
	return out
}

// dropHop removes every entry that routes through hop.
func (rt routingTable) dropHop(hop string) {
	for dest, via := range rt {
		if via == hop || dest == hop {
			delete(rt, dest)
		}
	}
}

// nextHop picks the live neighbor to forward a bundle for dest through.
// A destination outside the current tree has no next hop.
func (n *Node) nextHop(dest string) (string, bool) {
	if n.lastTree == nil || !n.lastTree.Has(dest) {
		return "", false
	}
	if n.nb.isLive(dest) {
		return dest, true
	}
	if via, ok := n.routes[dest]; ok && n.nb.isLive(via) {
		return via, true
	}
	if n.parent != "" && n.nb.isLive(n.parent) {
		return n.parent, true
	}
	return "", false
}

// originate creates a bundle addressed to dest and routes it.
func (n *Node) originate(dest, content string) protocol.Bundle {
	b := n.newBundle(dest, content)
	metrics.Bundles.WithLabelValues("originated").Inc()
	n.route(b, n.proto.MessageTTL)
	return b
}

func (n *Node) handleMessage(m *protocol.Message) {
	b := m.Bundle
	if b.DestinationID == n.id {
		n.deliver(b)
		return
	}
	ttl := m.TTL
	if ttl <= 0 {
		ttl = n.proto.MessageTTL
	}
	ttl--
	if ttl <= 0 {
		n.log.WithField("bundle", b.ID).Debug("Hop limit reached, buffering")
		n.store(b)
		return
	}
	n.route(b, ttl)
}

// route forwards b one hop toward its destination, or falls back to
// store-and-forward when no live next hop exists.
func (n *Node) route(b protocol.Bundle, ttl int) {
	if b.DestinationID == n.id {
		n.deliver(b)
		return
	}
	if n.queue.Remove(b.ID) {
		n.publishQueue()
	}

	if hop, ok := n.nextHop(b.DestinationID); ok {
		out := b
		out.IsDTN = false
		err := n.send(hop, &protocol.Message{
			Header: protocol.Header{Source: b.SenderID, Timestamp: n.now().UnixMilli()},
			Bundle: out,
			TTL:    ttl,
		})
		if err == nil {
			metrics.Bundles.WithLabelValues("forwarded").Inc()
			return
		}
	}

	n.info("Destination unreachable, storing", logrus.Fields{"bundle": b.ID, "dest": b.DestinationID})
	if b.SenderID == n.id && !b.IsDTN {
		n.spray(b)
		return
	}
	n.store(b)
}

// deliver hands b to the application at most once per bundle id.
func (n *Node) deliver(b protocol.Bundle) {
	if !n.seen.Add("bundle/" + b.ID) {
		metrics.Bundles.WithLabelValues("duplicate").Inc()
		return
	}
	metrics.Bundles.WithLabelValues("delivered").Inc()
	n.info("Message delivered", logrus.Fields{"bundle": b.ID, "from": b.SenderID})
	select {
	case n.messages <- b:
	default:
		n.log.WithField("bundle", b.ID).Warn("Message channel full, dropping delivery")
	}
}
