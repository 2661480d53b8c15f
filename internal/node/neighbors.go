package node

// neighborTable tracks which physical links are up and the identity
// announced on each. Node ids and transport link names are distinct: the
// mapping is learned from HELLO, or from any packet on an unmapped link. A
// neighbor may be reachable over several links at once (an outbound and an
// inbound TCP connection, say) and stays live until the last one drops.
type neighborTable struct {
	live  []string            // node ids with an up link, in first-sighting order
	links map[string][]string // node id → links, oldest first
	nodes map[string]string   // link → node id
	names map[string]string   // node id → display name (advisory, may be stale)
}

func newNeighborTable() *neighborTable {
	return &neighborTable{
		links: make(map[string][]string),
		nodes: make(map[string]string),
		names: make(map[string]string),
	}
}

// bind records that id is reachable over link.
func (t *neighborTable) bind(id, link string) {
	if cur, ok := t.nodes[link]; ok {
		if cur == id {
			return
		}
		t.dropLink(link)
	}
	t.nodes[link] = id
	t.links[id] = append(t.links[id], link)
}

// unbind forgets link and reports whether its node has no links left.
func (t *neighborTable) unbind(link string) (string, bool) {
	id, ok := t.nodes[link]
	if !ok {
		return "", false
	}
	delete(t.nodes, link)
	ls := t.links[id]
	for i, l := range ls {
		if l == link {
			ls = append(ls[:i], ls[i+1:]...)
			break
		}
	}
	if len(ls) > 0 {
		t.links[id] = ls
		return id, false
	}
	delete(t.links, id)
	return id, true
}

// add marks id live over link. It reports true only on the first sighting.
func (t *neighborTable) add(id, link string) bool {
	t.bind(id, link)
	if t.isLive(id) {
		return false
	}
	t.live = append(t.live, id)
	return true
}

// dropLink forgets link. The neighbor behind it is removed, and reported,
// only when this was its last link.
func (t *neighborTable) dropLink(link string) (string, bool) {
	id, last := t.unbind(link)
	if !last {
		return id, false
	}
	for i, n := range t.live {
		if n == id {
			t.live = append(t.live[:i], t.live[i+1:]...)
			break
		}
	}
	return id, true
}

func (t *neighborTable) isLive(id string) bool {
	for _, n := range t.live {
		if n == id {
			return true
		}
	}
	return false
}

// link returns the oldest surviving link to id.
func (t *neighborTable) link(id string) (string, bool) {
	ls := t.links[id]
	if len(ls) == 0 {
		return "", false
	}
	return ls[0], true
}

// neighbors returns the live neighbor ids in first-sighting order.
func (t *neighborTable) neighbors() []string {
	return append([]string(nil), t.live...)
}

func (t *neighborTable) setName(id, name string) {
	if name != "" {
		t.names[id] = name
	}
}

func (t *neighborTable) name(id string) string {
	if n, ok := t.names[id]; ok {
		return n
	}
	return "Node " + id
}
