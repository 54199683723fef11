package roomsync

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"
	"time"

	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/stats"
	"github.com/npezzotti/go-uzzap/internal/types"
)

// Scope selects the presence channel a tracker joins.
type Scope struct {
	topic  string
	roomID string
}

// GlobalScope is shared by every client and counts users per room.
var GlobalScope = Scope{topic: "global_presence"}

// RoomScope is the presence channel of a single room.
func RoomScope(id string) Scope {
	return Scope{topic: "room:" + id + ":presence", roomID: id}
}

func (s Scope) Topic() string {
	return s.topic
}

// PresenceTracker announces the current user on a presence channel and
// keeps counts derived from the channel's presence state. Counts are
// recomputed from the full state on every sync.
type PresenceTracker struct {
	rt    Realtime
	ident Identity
	scope Scope
	log   *log.Logger
	stats stats.StatsProvider

	mu         sync.Mutex
	channel    *realtime.Channel
	roomID     string
	onlineAt   time.Time
	count      int
	roomCounts map[string]int
	online     []types.Presence
	stopIdent  func()
	changes    chan struct{}
}

func NewPresenceTracker(rt Realtime, ident Identity, scope Scope, logger *log.Logger, sp stats.StatsProvider) *PresenceTracker {
	if sp == nil {
		sp = stats.Discard{}
	}
	return &PresenceTracker{
		rt:         rt,
		ident:      ident,
		scope:      scope,
		log:        logger,
		stats:      sp,
		roomID:     scope.roomID,
		roomCounts: make(map[string]int),
		changes:    make(chan struct{}, 1),
	}
}

// Join subscribes to the presence channel keyed by the session user id.
// The user is tracked each time the channel reports SUBSCRIBED, so
// presence is restored after a rejoin.
func (p *PresenceTracker) Join(ctx context.Context) error {
	p.mu.Lock()
	if p.channel != nil {
		p.mu.Unlock()
		return nil
	}
	ident := p.ident.Identity()
	ch := p.rt.Channel(p.scope.topic, realtime.ChannelOptions{PresenceKey: ident.UserId})
	ch.Presence().OnSync(func() { p.onSync(ch) })
	ch.Presence().OnJoin(func(key string, _, joined []realtime.Meta) {
		p.log.Printf("%s: %s joined (%d)", p.scope.topic, key, len(joined))
	})
	ch.Presence().OnLeave(func(key string, _, left []realtime.Meta) {
		p.log.Printf("%s: %s left (%d)", p.scope.topic, key, len(left))
	})
	p.channel = ch
	p.onlineAt = time.Now().UTC()

	updates, cancel := p.ident.Subscribe()
	p.stopIdent = cancel
	p.mu.Unlock()

	go func() {
		for ident := range updates {
			p.retrack(ident)
		}
	}()

	err := ch.Subscribe(ctx, func(status realtime.SubscribeStatus, err error) {
		if status == realtime.StatusSubscribed {
			if err := p.track(ch, p.ident.Identity()); err != nil {
				p.log.Printf("track %s: %v", p.scope.topic, err)
			}
			return
		}
		if err != nil {
			p.log.Printf("%s subscription %s: %v", p.scope.topic, status, err)
		}
	})
	if err != nil {
		return fmt.Errorf("join presence %s: %w", p.scope.topic, err)
	}
	return nil
}

func (p *PresenceTracker) track(ch *realtime.Channel, ident session.Identity) error {
	p.mu.Lock()
	if p.channel != ch {
		p.mu.Unlock()
		return nil
	}
	payload := types.Presence{
		UserId:   ident.UserId,
		Username: ident.Username,
		RoomId:   p.roomID,
		OnlineAt: p.onlineAt,
	}
	p.mu.Unlock()
	return ch.Track(payload)
}

func (p *PresenceTracker) retrack(ident session.Identity) {
	p.mu.Lock()
	ch := p.channel
	p.mu.Unlock()
	if ch == nil || ch.State() != realtime.StateJoined {
		return
	}
	if err := p.track(ch, ident); err != nil {
		p.log.Printf("track %s: %v", p.scope.topic, err)
	}
}

// SetRoom changes the room announced on the channel. On a room scope the
// room is fixed by the scope.
func (p *PresenceTracker) SetRoom(roomID string) {
	p.mu.Lock()
	if p.roomID == roomID {
		p.mu.Unlock()
		return
	}
	p.roomID = roomID
	p.mu.Unlock()
	p.retrack(p.ident.Identity())
}

func (p *PresenceTracker) onSync(ch *realtime.Channel) {
	state := ch.Presence().State()
	count, roomCounts, online := summarize(state)

	p.mu.Lock()
	if p.channel != ch {
		p.mu.Unlock()
		return
	}
	p.count = count
	p.roomCounts = roomCounts
	p.online = online
	p.mu.Unlock()

	p.stats.Incr(stats.PresenceSyncs)
	signal(p.changes)
}

// summarize derives the distinct key count, distinct keys per announced
// room and one presence per key from a presence state.
func summarize(state realtime.State) (int, map[string]int, []types.Presence) {
	perRoom := make(map[string]map[string]bool)
	online := make([]types.Presence, 0, len(state))

	for key, metas := range state {
		for _, m := range metas {
			room := m.String("room_id")
			if room == "" {
				continue
			}
			if perRoom[room] == nil {
				perRoom[room] = make(map[string]bool)
			}
			perRoom[room][key] = true
		}
		if len(metas) == 0 {
			continue
		}
		first := metas[0]
		pr := types.Presence{
			UserId:   first.String("user_id"),
			Username: first.String("username"),
			RoomId:   first.String("room_id"),
		}
		if pr.UserId == "" {
			pr.UserId = key
		}
		if at, err := time.Parse(time.RFC3339Nano, first.String("online_at")); err == nil {
			pr.OnlineAt = at
		}
		online = append(online, pr)
	}

	sort.Slice(online, func(i, j int) bool {
		if online[i].Username != online[j].Username {
			return online[i].Username < online[j].Username
		}
		return online[i].UserId < online[j].UserId
	})

	roomCounts := make(map[string]int, len(perRoom))
	for room, keys := range perRoom {
		roomCounts[room] = len(keys)
	}
	return len(state), roomCounts, online
}

// Leave withdraws the user and unsubscribes. Counts are reset.
func (p *PresenceTracker) Leave(ctx context.Context) error {
	p.mu.Lock()
	ch := p.channel
	p.channel = nil
	p.count = 0
	p.roomCounts = make(map[string]int)
	p.online = nil
	stop := p.stopIdent
	p.stopIdent = nil
	p.mu.Unlock()

	if stop != nil {
		stop()
	}
	if ch == nil {
		return nil
	}
	signal(p.changes)

	if ch.State() == realtime.StateJoined {
		if err := ch.Untrack(); err != nil {
			p.log.Printf("untrack %s: %v", p.scope.topic, err)
		}
	}
	if err := ch.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("leave presence %s: %w", p.scope.topic, err)
	}
	return nil
}

// Count is the number of distinct users present.
func (p *PresenceTracker) Count() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.count
}

// RoomCounts is the number of distinct users announcing each room.
func (p *PresenceTracker) RoomCounts() map[string]int {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make(map[string]int, len(p.roomCounts))
	for k, v := range p.roomCounts {
		out[k] = v
	}
	return out
}

// Online returns one presence per user, ordered by username.
func (p *PresenceTracker) Online() []types.Presence {
	p.mu.Lock()
	defer p.mu.Unlock()
	out := make([]types.Presence, len(p.online))
	copy(out, p.online)
	return out
}

func (p *PresenceTracker) Scope() Scope {
	return p.scope
}

func (p *PresenceTracker) Changes() <-chan struct{} {
	return p.changes
}
