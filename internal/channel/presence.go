package channel

import (
	"github.com/rickgao/realtime-bridge/internal/protocol"
)

// presenceChange is one key whose sessions changed.
type presenceChange struct {
	key     string
	current []protocol.PresenceMeta
	changed []protocol.PresenceMeta
}

// presenceSet tracks sessions per key, merged from presence_state and
// presence_diff frames. Sessions are identified by their phx_ref.
type presenceSet struct {
	state protocol.PresenceState
}

func newPresenceSet() *presenceSet {
	return &presenceSet{state: make(protocol.PresenceState)}
}

func metaRef(m protocol.PresenceMeta) string {
	return string(m["phx_ref"])
}

func refSet(metas []protocol.PresenceMeta) map[string]bool {
	set := make(map[string]bool, len(metas))
	for _, m := range metas {
		set[metaRef(m)] = true
	}
	return set
}

// syncState replaces the state with a full snapshot.
func (p *presenceSet) syncState(next protocol.PresenceState) (joins, leaves []presenceChange) {
	for key, entry := range p.state {
		if _, ok := next[key]; !ok {
			leaves = append(leaves, presenceChange{key: key, changed: entry.Metas})
		}
	}

	for key, entry := range next {
		cur, ok := p.state[key]
		if !ok {
			joins = append(joins, presenceChange{key: key, current: entry.Metas, changed: entry.Metas})
			continue
		}

		curRefs := refSet(cur.Metas)
		nextRefs := refSet(entry.Metas)

		var joined, left []protocol.PresenceMeta
		for _, m := range entry.Metas {
			if !curRefs[metaRef(m)] {
				joined = append(joined, m)
			}
		}
		for _, m := range cur.Metas {
			if !nextRefs[metaRef(m)] {
				left = append(left, m)
			}
		}
		if len(joined) > 0 {
			joins = append(joins, presenceChange{key: key, current: entry.Metas, changed: joined})
		}
		if len(left) > 0 {
			leaves = append(leaves, presenceChange{key: key, current: entry.Metas, changed: left})
		}
	}

	p.state = clone(next)
	return joins, leaves
}

// syncDiff applies joins then leaves.
func (p *presenceSet) syncDiff(diff protocol.PresenceDiff) (joins, leaves []presenceChange) {
	for key, entry := range diff.Joins {
		cur := p.state[key]
		joinedRefs := refSet(entry.Metas)

		metas := make([]protocol.PresenceMeta, 0, len(cur.Metas)+len(entry.Metas))
		for _, m := range cur.Metas {
			if !joinedRefs[metaRef(m)] {
				metas = append(metas, m)
			}
		}
		metas = append(metas, entry.Metas...)

		p.state[key] = protocol.PresenceEntry{Metas: metas}
		joins = append(joins, presenceChange{key: key, current: metas, changed: entry.Metas})
	}

	for key, entry := range diff.Leaves {
		cur, ok := p.state[key]
		if !ok {
			continue
		}
		leftRefs := refSet(entry.Metas)

		var metas []protocol.PresenceMeta
		for _, m := range cur.Metas {
			if !leftRefs[metaRef(m)] {
				metas = append(metas, m)
			}
		}

		if len(metas) == 0 {
			delete(p.state, key)
		} else {
			p.state[key] = protocol.PresenceEntry{Metas: metas}
		}
		leaves = append(leaves, presenceChange{key: key, current: metas, changed: entry.Metas})
	}

	return joins, leaves
}

// snapshot returns a copy safe to hand to callbacks.
func (p *presenceSet) snapshot() protocol.PresenceState {
	return clone(p.state)
}

func clone(s protocol.PresenceState) protocol.PresenceState {
	out := make(protocol.PresenceState, len(s))
	for k, v := range s {
		out[k] = protocol.PresenceEntry{Metas: append([]protocol.PresenceMeta(nil), v.Metas...)}
	}
	return out
}
