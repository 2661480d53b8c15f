package node

import "github.com/Operative-001/meshdtn/internal/protocol"

// Observer receives UI-facing snapshots from the engine. Methods are called
// from the engine goroutine in event order and must not block or call back
// into the Node. Received chat messages are delivered on Node.Messages
// instead.
type Observer interface {
	// PeersUpdated reports every node in the current tree except this one,
	// keyed by id with the last known display name.
	PeersUpdated(peers map[string]string)
	// TopologyUpdated reports the printable tree.
	TopologyUpdated(tree string)
	// QueueChanged reports the store-and-forward queue, oldest first.
	QueueChanged(queue []protocol.Bundle)
	LeaderChanged(leader bool)
	AlarmRaised(source, text string)
	Log(line string)
}

// NopObserver ignores every notification. Embed it to implement a subset.
type NopObserver struct{}

func (NopObserver) PeersUpdated(map[string]string) {}
func (NopObserver) TopologyUpdated(string) {}
func (NopObserver) QueueChanged([]protocol.Bundle) {}
func (NopObserver) LeaderChanged(bool) {}
func (NopObserver) AlarmRaised(string, string) {}
func (NopObserver) Log(string) {}
