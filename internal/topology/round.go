package topology

import "fmt"

// Round identifies one execution of the election/tree-build protocol.
// Rounds are totally ordered: a higher Timestamp wins, and on a tie the
// lexicographically higher Source wins.
type Round struct {
	Timestamp int64  // unix milliseconds at the source when the round started
	Source    string // node id of the round originator
}

// Compare returns +1 if r is newer than o, -1 if o is newer, 0 if they are
// the same round.
func (r Round) Compare(o Round) int {
	switch {
	case r.Timestamp > o.Timestamp:
		return 1
	case r.Timestamp < o.Timestamp:
		return -1
	case r.Source > o.Source:
		return 1
	case r.Source < o.Source:
		return -1
	}
	return 0
}

// NewerThan reports whether r strictly wins over o.
func (r Round) NewerThan(o Round) bool { return r.Compare(o) > 0 }

// IsZero reports whether no round has been recorded.
func (r Round) IsZero() bool { return r.Timestamp == 0 && r.Source == "" }

func (r Round) String() string {
	return fmt.Sprintf("%d/%s", r.Timestamp, r.Source)
}
