package roomsync

import (
	"context"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/stats"
	"github.com/npezzotti/go-uzzap/internal/types"
)

const messagesTable = "messages"

// Realtime opens channels on a realtime connection. *realtime.Socket
// implements it.
type Realtime interface {
	Channel(name string, opts realtime.ChannelOptions) *realtime.Channel
}

// Identity is the current user as seen by the components. *session.Store
// implements it.
type Identity interface {
	Identity() session.Identity
	Subscribe() (<-chan session.Identity, func())
}

// RoomTopic is the channel carrying new messages for room id.
func RoomTopic(id string) string {
	return "room:" + id
}

// MessageSync holds the message log of the open room. The log is seeded
// by a fetch and then extended by pushed inserts in delivery order.
type MessageSync struct {
	repo     database.Repository
	rt       Realtime
	ident    Identity
	notifier Notifier
	log      *log.Logger
	stats    stats.StatsProvider

	mu        sync.Mutex
	roomID    string
	gen       uint64
	entries   []types.Entry
	seen      map[string]bool
	loading   bool
	channel   *realtime.Channel
	stopIdent func()
	changes   chan struct{}
}

func NewMessageSync(repo database.Repository, rt Realtime, ident Identity, notifier Notifier, logger *log.Logger, sp stats.StatsProvider) *MessageSync {
	if sp == nil {
		sp = stats.Discard{}
	}
	return &MessageSync{
		repo:     repo,
		rt:       rt,
		ident:    ident,
		notifier: notifier,
		log:      logger,
		stats:    sp,
		changes:  make(chan struct{}, 1),
	}
}

// Open subscribes to new messages of roomID, then loads its log. A
// different room that is already open is closed first. A failed fetch is
// reported and returned, but the subscription stays open.
func (m *MessageSync) Open(ctx context.Context, roomID string) error {
	if roomID == "" {
		return nil
	}

	m.mu.Lock()
	if m.roomID == roomID && m.channel != nil {
		m.mu.Unlock()
		return nil
	}
	prev := m.channel
	m.gen++
	gen := m.gen
	m.roomID = roomID
	m.entries = nil
	m.seen = make(map[string]bool)
	m.loading = true
	ch := m.rt.Channel(RoomTopic(roomID), realtime.ChannelOptions{}).
		OnChange(realtime.ChangeFilter{
			Event:  realtime.ChangeInsert,
			Table:  messagesTable,
			Filter: "room_id=eq." + roomID,
		}, func(c realtime.Change) { m.onInsert(gen, c) })
	m.channel = ch
	m.watchIdentityLocked()
	m.mu.Unlock()
	signal(m.changes)

	if prev != nil {
		if err := prev.Unsubscribe(ctx); err != nil {
			m.log.Printf("leave %s: %v", prev.Topic(), err)
		}
	}

	if err := ch.Subscribe(ctx, func(status realtime.SubscribeStatus, err error) {
		m.onStatus(roomID, status, err)
	}); err != nil {
		m.log.Printf("subscribe to room %s: %v", roomID, err)
	}

	m.mu.Lock()
	stale := m.gen != gen
	m.mu.Unlock()
	if stale {
		ch.Unsubscribe(ctx)
		return nil
	}

	// Inserts pushed while the fetch runs are already in entries; fetched
	// rows go ahead of them and seen drops the overlap.
	msgs, fetchErr := m.repo.ListMessages(ctx, roomID)

	m.mu.Lock()
	if m.gen != gen {
		m.mu.Unlock()
		return nil
	}
	m.loading = false
	if fetchErr == nil {
		username := m.ident.Identity().Username
		fetched := make([]types.Entry, 0, len(msgs)+len(m.entries))
		for _, msg := range msgs {
			if m.seen[msg.Id] {
				continue
			}
			m.seen[msg.Id] = true
			fetched = append(fetched, entryFor(msg, username))
		}
		m.entries = append(fetched, m.entries...)
	}
	m.mu.Unlock()
	signal(m.changes)

	if fetchErr != nil {
		m.log.Printf("load messages for room %s: %v", roomID, fetchErr)
		m.stats.Incr(stats.FetchFailures)
		m.notifier.Notify(failure("Failed to load messages", fetchErr))
		return fmt.Errorf("open room %s: %w", roomID, fetchErr)
	}
	return nil
}

func (m *MessageSync) onStatus(roomID string, status realtime.SubscribeStatus, err error) {
	switch status {
	case realtime.StatusChannelError, realtime.StatusTimedOut:
		m.log.Printf("room %s subscription %s: %v", roomID, status, err)
	}
}

func entryFor(msg types.Message, username string) types.Entry {
	return types.Entry{Message: msg, IsCurrentUser: msg.Sender == username}
}

func (m *MessageSync) onInsert(gen uint64, c realtime.Change) {
	var msg types.Message
	if err := c.Decode(&msg); err != nil {
		m.log.Printf("decode message: %v", err)
		return
	}

	m.mu.Lock()
	if m.gen != gen || m.seen[msg.Id] {
		m.mu.Unlock()
		return
	}
	m.seen[msg.Id] = true
	m.entries = append(m.entries, entryFor(msg, m.ident.Identity().Username))
	m.mu.Unlock()

	m.stats.Incr(stats.MessagesReceived)
	signal(m.changes)
}

// Send writes text to the open room. Blank text, or no open room, is
// ignored. The entry shows as pending until the write returns; on failure
// it is removed and the error returned so the caller can keep its input.
func (m *MessageSync) Send(ctx context.Context, text string) error {
	text = strings.TrimSpace(text)

	m.mu.Lock()
	roomID, gen := m.roomID, m.gen
	if text == "" || roomID == "" {
		m.mu.Unlock()
		return nil
	}
	sender := m.ident.Identity().Username
	ref := uuid.NewString()
	m.entries = append(m.entries, types.Entry{
		Message: types.Message{
			RoomId:    roomID,
			Sender:    sender,
			Text:      text,
			CreatedAt: time.Now().UTC(),
		},
		IsCurrentUser: true,
		Pending:       true,
		ClientRef:     ref,
	})
	m.mu.Unlock()
	signal(m.changes)

	msg, err := m.repo.CreateMessage(ctx, database.CreateMessageParams{
		RoomId: roomID,
		Sender: sender,
		Text:   text,
	})

	m.mu.Lock()
	if m.gen == gen {
		if i := m.pendingIndexLocked(ref); i >= 0 {
			if err != nil || m.seen[msg.Id] {
				m.entries = append(m.entries[:i], m.entries[i+1:]...)
			} else {
				m.seen[msg.Id] = true
				m.entries[i] = entryFor(msg, sender)
			}
		}
	}
	m.mu.Unlock()
	signal(m.changes)

	if err != nil {
		m.log.Printf("send message to room %s: %v", roomID, err)
		m.stats.Incr(stats.SendFailures)
		m.notifier.Notify(failure("Failed to send message. Please try again.", err))
		return fmt.Errorf("send message: %w", err)
	}
	m.stats.Incr(stats.MessagesSent)
	return nil
}

func (m *MessageSync) pendingIndexLocked(ref string) int {
	for i := len(m.entries) - 1; i >= 0; i-- {
		if m.entries[i].Pending && m.entries[i].ClientRef == ref {
			return i
		}
	}
	return -1
}

// Close unsubscribes from the open room and clears the log. Fetches still
// in flight are discarded when they complete.
func (m *MessageSync) Close(ctx context.Context) error {
	m.mu.Lock()
	ch := m.channel
	m.channel = nil
	m.gen++
	m.roomID = ""
	m.entries = nil
	m.seen = nil
	m.loading = false
	stop := m.stopIdent
	m.stopIdent = nil
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	signal(m.changes)

	if ch == nil {
		return nil
	}
	if err := ch.Unsubscribe(ctx); err != nil {
		return fmt.Errorf("close room: %w", err)
	}
	return nil
}

func (m *MessageSync) watchIdentityLocked() {
	if m.stopIdent != nil {
		return
	}
	updates, cancel := m.ident.Subscribe()
	m.stopIdent = cancel
	go func() {
		for ident := range updates {
			m.refreshIdentity(ident.Username)
		}
	}()
}

func (m *MessageSync) refreshIdentity(username string) {
	m.mu.Lock()
	for i := range m.entries {
		m.entries[i].IsCurrentUser = m.entries[i].Sender == username
	}
	m.mu.Unlock()
	signal(m.changes)
}

// Messages returns a copy of the log.
func (m *MessageSync) Messages() []types.Entry {
	m.mu.Lock()
	defer m.mu.Unlock()
	out := make([]types.Entry, len(m.entries))
	copy(out, m.entries)
	return out
}

func (m *MessageSync) Loading() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.loading
}

func (m *MessageSync) RoomID() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.roomID
}

// Changes delivers a wake-up after the log or loading state changes.
func (m *MessageSync) Changes() <-chan struct{} {
	return m.changes
}
