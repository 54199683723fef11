package realtime

import (
	"encoding/json"
	"sync"
)

// Meta is one presence entry for a key, as tracked by one connection.
type Meta map[string]any

// Ref is the server-assigned reference identifying this entry.
func (m Meta) Ref() string {
	s, _ := m["phx_ref"].(string)
	return s
}

// String returns the string field key, or "" if absent.
func (m Meta) String(key string) string {
	s, _ := m[key].(string)
	return s
}

// State maps presence keys to their entries.
type State map[string][]Meta

func (s State) clone() State {
	out := make(State, len(s))
	for k, metas := range s {
		cp := make([]Meta, len(metas))
		copy(cp, metas)
		out[k] = cp
	}
	return out
}

type presenceEntry struct {
	Metas []Meta `json:"metas"`
}

type wireState map[string]presenceEntry

type Diff struct {
	Joins  State
	Leaves State
}

type wireDiff struct {
	Joins  wireState `json:"joins"`
	Leaves wireState `json:"leaves"`
}

func (w wireState) state() State {
	out := make(State, len(w))
	for k, e := range w {
		out[k] = e.Metas
	}
	return out
}

type presenceEvent struct {
	join    bool
	key     string
	current []Meta
	changed []Meta
}

// syncState replaces state with next and reports the joins and leaves that
// the replacement implies.
func syncState(state, next State) (State, []presenceEvent) {
	joins := State{}
	leaves := State{}

	for key, metas := range state {
		if _, ok := next[key]; !ok {
			leaves[key] = metas
		}
	}
	for key, newMetas := range next {
		cur, ok := state[key]
		if !ok {
			joins[key] = newMetas
			continue
		}
		curRefs := refSet(cur)
		newRefs := refSet(newMetas)
		var joined, left []Meta
		for _, m := range newMetas {
			if !curRefs[m.Ref()] {
				joined = append(joined, m)
			}
		}
		for _, m := range cur {
			if !newRefs[m.Ref()] {
				left = append(left, m)
			}
		}
		if len(joined) > 0 {
			joins[key] = joined
		}
		if len(left) > 0 {
			leaves[key] = left
		}
	}

	return syncDiff(state, Diff{Joins: joins, Leaves: leaves})
}

// syncDiff applies a diff to state. Entries joining under an existing key
// are appended after the entries already present.
func syncDiff(state State, diff Diff) (State, []presenceEvent) {
	out := state.clone()
	var events []presenceEvent

	for key, newMetas := range diff.Joins {
		cur := out[key]
		joinedRefs := refSet(newMetas)
		var merged []Meta
		for _, m := range cur {
			if !joinedRefs[m.Ref()] {
				merged = append(merged, m)
			}
		}
		merged = append(merged, newMetas...)
		out[key] = merged
		events = append(events, presenceEvent{join: true, key: key, current: cur, changed: newMetas})
	}

	for key, leftMetas := range diff.Leaves {
		cur, ok := out[key]
		if !ok {
			continue
		}
		leftRefs := refSet(leftMetas)
		var remaining []Meta
		for _, m := range cur {
			if !leftRefs[m.Ref()] {
				remaining = append(remaining, m)
			}
		}
		events = append(events, presenceEvent{key: key, current: remaining, changed: leftMetas})
		if len(remaining) == 0 {
			delete(out, key)
		} else {
			out[key] = remaining
		}
	}

	return out, events
}

func refSet(metas []Meta) map[string]bool {
	set := make(map[string]bool, len(metas))
	for _, m := range metas {
		set[m.Ref()] = true
	}
	return set
}

// Presence mirrors the presence state of a channel. Diffs arriving before
// the first full state are held back and applied after it.
type Presence struct {
	mu      sync.Mutex
	state   State
	synced  bool
	pending []Diff

	onJoin  func(key string, current, joined []Meta)
	onLeave func(key string, current, left []Meta)
	onSync  func()
}

func newPresence() *Presence {
	return &Presence{state: State{}}
}

func (p *Presence) OnJoin(fn func(key string, current, joined []Meta)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onJoin = fn
}

func (p *Presence) OnLeave(fn func(key string, current, left []Meta)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onLeave = fn
}

// OnSync registers fn to run after every full state or applied diff.
func (p *Presence) OnSync(fn func()) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.onSync = fn
}

// State returns a copy of the current presence state.
func (p *Presence) State() State {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.state.clone()
}

// reset forgets sync progress so that diffs for a new join wait for that
// join's full state.
func (p *Presence) reset() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.synced = false
	p.pending = nil
}

func (p *Presence) handleState(raw json.RawMessage) error {
	var ws wireState
	if err := json.Unmarshal(raw, &ws); err != nil {
		return err
	}

	p.mu.Lock()
	next, events := syncState(p.state, ws.state())
	for _, d := range p.pending {
		var more []presenceEvent
		next, more = syncDiff(next, d)
		events = append(events, more...)
	}
	p.state = next
	p.pending = nil
	p.synced = true
	onJoin, onLeave, onSync := p.onJoin, p.onLeave, p.onSync
	p.mu.Unlock()

	fire(events, onJoin, onLeave)
	if onSync != nil {
		onSync()
	}
	return nil
}

func (p *Presence) handleDiff(raw json.RawMessage) error {
	var wd wireDiff
	if err := json.Unmarshal(raw, &wd); err != nil {
		return err
	}
	diff := Diff{Joins: wd.Joins.state(), Leaves: wd.Leaves.state()}

	p.mu.Lock()
	if !p.synced {
		p.pending = append(p.pending, diff)
		p.mu.Unlock()
		return nil
	}
	next, events := syncDiff(p.state, diff)
	p.state = next
	onJoin, onLeave, onSync := p.onJoin, p.onLeave, p.onSync
	p.mu.Unlock()

	fire(events, onJoin, onLeave)
	if onSync != nil {
		onSync()
	}
	return nil
}

func fire(events []presenceEvent, onJoin, onLeave func(string, []Meta, []Meta)) {
	for _, ev := range events {
		switch {
		case ev.join && onJoin != nil:
			onJoin(ev.key, ev.current, ev.changed)
		case !ev.join && onLeave != nil:
			onLeave(ev.key, ev.current, ev.changed)
		}
	}
}
