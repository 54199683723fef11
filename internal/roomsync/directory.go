package roomsync

import (
	"context"
	"errors"
	"fmt"
	"log"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/npezzotti/go-uzzap/internal/database"
	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/region"
	"github.com/npezzotti/go-uzzap/internal/stats"
	"github.com/npezzotti/go-uzzap/internal/types"
	"golang.org/x/sync/errgroup"
)

const (
	roomsTable          = "chat_rooms"
	RoomChangesTopic    = "chat_rooms_changes"
	MessageChangesTopic = "messages_changes"

	defaultFetchLimit = 8
)

var validate = validator.New(validator.WithRequiredStructEnabled())

// CreateRoomRequest is the user input for a new room.
type CreateRoomRequest struct {
	Name        string `json:"name" validate:"required,max=100"`
	Region      string `json:"region" validate:"required"`
	Province    string `json:"province,omitempty"`
	Description string `json:"description,omitempty" validate:"max=500"`
}

// View is the directory as shown for a search query.
type View struct {
	Query  string  `json:"query"`
	Total  int     `json:"total"`
	Groups []Group `json:"groups"`
}

// Directory is the list of rooms with participant counts, activity and
// unread counts kept current from realtime feeds.
type Directory struct {
	repo     database.Repository
	rt       Realtime
	notifier Notifier
	log      *log.Logger
	stats    stats.StatsProvider

	// FetchLimit bounds concurrent last-message fetches during Load.
	FetchLimit int
	now        func() time.Time

	mu         sync.RWMutex
	entries    []types.RoomEntry
	activity   map[string]time.Time
	counts     map[string]int
	activeRoom string
	expanded   map[string]bool
	loading    bool
	channels   []*realtime.Channel
	changes    chan struct{}
}

func NewDirectory(repo database.Repository, rt Realtime, notifier Notifier, logger *log.Logger, sp stats.StatsProvider) *Directory {
	if sp == nil {
		sp = stats.Discard{}
	}
	return &Directory{
		repo:       repo,
		rt:         rt,
		notifier:   notifier,
		log:        logger,
		stats:      sp,
		FetchLimit: defaultFetchLimit,
		now:        time.Now,
		activity:   make(map[string]time.Time),
		counts:     make(map[string]int),
		expanded:   make(map[string]bool),
		changes:    make(chan struct{}, 1),
	}
}

// Load fetches the rooms ordered by name and the latest message of each.
// A room whose latest message cannot be fetched is listed without
// activity. If the rooms cannot be fetched the directory is left empty.
func (d *Directory) Load(ctx context.Context) error {
	d.mu.Lock()
	d.loading = true
	d.mu.Unlock()
	signal(d.changes)

	rooms, err := d.repo.ListRooms(ctx)
	if err != nil {
		d.mu.Lock()
		d.entries = nil
		d.loading = false
		d.mu.Unlock()
		signal(d.changes)

		d.log.Printf("load rooms: %v", err)
		d.stats.Incr(stats.FetchFailures)
		d.notifier.Notify(failure("Failed to load chat rooms. Please try again.", err))
		return fmt.Errorf("load rooms: %w", err)
	}

	entries := make([]types.RoomEntry, len(rooms))

	var g errgroup.Group
	g.SetLimit(max(d.FetchLimit, 1))
	for i, room := range rooms {
		entries[i].Room = room
		g.Go(func() error {
			msg, err := d.repo.LastMessage(ctx, room.Id)
			if err != nil {
				d.log.Printf("last message for room %s: %v", room.Id, err)
				return nil
			}
			if msg != nil {
				entries[i].LastMessage = msg.Text
				entries[i].LastMessageTime = msg.CreatedAt
			}
			return nil
		})
	}
	g.Wait()

	d.mu.Lock()
	d.activity = make(map[string]time.Time, len(entries))
	for i := range entries {
		entries[i].Participants = d.counts[entries[i].Id]
		if !entries[i].LastMessageTime.IsZero() {
			d.activity[entries[i].Id] = entries[i].LastMessageTime
		}
	}
	d.entries = entries
	d.loading = false
	d.mu.Unlock()
	signal(d.changes)
	return nil
}

// Watch subscribes to room and message changes. Both subscriptions are
// attempted; their errors are joined.
func (d *Directory) Watch(ctx context.Context) error {
	d.mu.Lock()
	if len(d.channels) > 0 {
		d.mu.Unlock()
		return nil
	}
	rooms := d.rt.Channel(RoomChangesTopic, realtime.ChannelOptions{}).
		OnChange(realtime.ChangeFilter{Event: "*", Table: roomsTable}, d.onRoomChange)
	messages := d.rt.Channel(MessageChangesTopic, realtime.ChannelOptions{}).
		OnChange(realtime.ChangeFilter{Event: realtime.ChangeInsert, Table: messagesTable}, d.onMessage)
	d.channels = []*realtime.Channel{rooms, messages}
	d.mu.Unlock()

	var errs []error
	for _, ch := range []*realtime.Channel{rooms, messages} {
		topic := ch.Topic()
		err := ch.Subscribe(ctx, func(status realtime.SubscribeStatus, err error) {
			if status != realtime.StatusSubscribed && err != nil {
				d.log.Printf("%s subscription %s: %v", topic, status, err)
			}
		})
		if err != nil {
			errs = append(errs, fmt.Errorf("watch: %w", err))
		}
	}
	return errors.Join(errs...)
}

// Unwatch ends the subscriptions opened by Watch.
func (d *Directory) Unwatch(ctx context.Context) error {
	d.mu.Lock()
	channels := d.channels
	d.channels = nil
	d.mu.Unlock()

	var errs []error
	for _, ch := range channels {
		if err := ch.Unsubscribe(ctx); err != nil {
			errs = append(errs, fmt.Errorf("unwatch %s: %w", ch.Topic(), err))
		}
	}
	return errors.Join(errs...)
}

func (d *Directory) onRoomChange(c realtime.Change) {
	switch c.Type {
	case realtime.ChangeInsert:
		var room types.Room
		if err := c.Decode(&room); err != nil {
			d.log.Printf("decode room insert: %v", err)
			return
		}
		d.upsert(room, true)
	case realtime.ChangeUpdate:
		var room types.Room
		if err := c.Decode(&room); err != nil {
			d.log.Printf("decode room update: %v", err)
			return
		}
		d.upsert(room, false)
	case realtime.ChangeDelete:
		var old struct {
			Id string `json:"id"`
		}
		if err := c.DecodeOld(&old); err != nil || old.Id == "" {
			d.log.Printf("decode room delete: %v", err)
			return
		}
		d.remove(old.Id)
	}
}

// upsert replaces the static fields of a listed room, keeping the derived
// ones, or appends the room when it is not listed.
func (d *Directory) upsert(room types.Room, inserted bool) {
	d.mu.Lock()
	defer signal(d.changes)
	defer d.mu.Unlock()

	for i := range d.entries {
		if d.entries[i].Id == room.Id {
			d.entries[i].Room = room
			return
		}
	}
	d.entries = append(d.entries, types.RoomEntry{Room: room})
	if inserted {
		d.activity[room.Id] = d.now()
	}
}

func (d *Directory) remove(id string) {
	d.mu.Lock()
	for i := range d.entries {
		if d.entries[i].Id == id {
			d.entries = append(d.entries[:i], d.entries[i+1:]...)
			delete(d.activity, id)
			break
		}
	}
	d.mu.Unlock()
	signal(d.changes)
}

func (d *Directory) onMessage(c realtime.Change) {
	var msg types.Message
	if err := c.Decode(&msg); err != nil {
		d.log.Printf("decode message insert: %v", err)
		return
	}

	d.mu.Lock()
	for i := range d.entries {
		e := &d.entries[i]
		if e.Id != msg.RoomId {
			continue
		}
		d.activity[e.Id] = d.now()
		e.LastMessage = msg.Text
		e.LastMessageTime = msg.CreatedAt
		if msg.RoomId != d.activeRoom {
			e.UnreadCount++
		}
		break
	}
	d.mu.Unlock()
	signal(d.changes)
}

// SetPresence sets participant counts by room id. Rooms missing from
// counts have no participants.
func (d *Directory) SetPresence(counts map[string]int) {
	d.mu.Lock()
	d.counts = make(map[string]int, len(counts))
	for k, v := range counts {
		d.counts[k] = max(v, 0)
	}
	for i := range d.entries {
		d.entries[i].Participants = d.counts[d.entries[i].Id]
	}
	d.mu.Unlock()
	signal(d.changes)
}

// MarkRead clears the activity flag and unread count of a room.
func (d *Directory) MarkRead(id string) {
	d.mu.Lock()
	d.markReadLocked(id)
	d.mu.Unlock()
	signal(d.changes)
}

func (d *Directory) markReadLocked(id string) {
	for i := range d.entries {
		if d.entries[i].Id == id {
			delete(d.activity, id)
			d.entries[i].UnreadCount = 0
			return
		}
	}
}

// SetActiveRoom records the room being viewed, which accrues no unread
// messages, and marks it read. An empty id clears it.
func (d *Directory) SetActiveRoom(id string) {
	d.mu.Lock()
	d.activeRoom = id
	if id != "" {
		d.markReadLocked(id)
	}
	d.mu.Unlock()
	signal(d.changes)
}

// snapshotLocked copies the listed rooms with HasActivity evaluated at
// the current time, so a flag raised by a message lapses after the
// activity window.
func (d *Directory) snapshotLocked() []types.RoomEntry {
	now := d.now()
	out := make([]types.RoomEntry, len(d.entries))
	copy(out, d.entries)
	for i := range out {
		out[i].HasActivity = types.HasActivity(d.activity[out[i].Id], now)
	}
	return out
}

// Entries returns a copy of the listed rooms.
func (d *Directory) Entries() []types.RoomEntry {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.snapshotLocked()
}

// Entry returns the listed room with id.
func (d *Directory) Entry(id string) (types.RoomEntry, bool) {
	d.mu.RLock()
	defer d.mu.RUnlock()
	for _, e := range d.snapshotLocked() {
		if e.Id == id {
			return e, true
		}
	}
	return types.RoomEntry{}, false
}

func (d *Directory) Loading() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.loading
}

func (d *Directory) Changes() <-chan struct{} {
	return d.changes
}

// View filters the rooms by query and groups them by region. A region
// starts expanded when it has any rooms at all; Other always starts
// expanded.
func (d *Directory) View(query string) View {
	d.mu.RLock()
	defer d.mu.RUnlock()

	entries := d.snapshotLocked()
	populated := make(map[string]bool)
	for _, e := range entries {
		populated[region.Bucket(e.Region)] = true
	}

	filtered := FilterRooms(entries, query)
	groups := GroupRooms(filtered)
	for i := range groups {
		g := &groups[i]
		expanded, toggled := d.expanded[g.Region]
		if !toggled {
			expanded = g.Region == region.Other || populated[g.Region]
		}
		g.Expanded = expanded
	}

	return View{Query: query, Total: len(filtered), Groups: groups}
}

// ToggleRegion flips whether a region bucket is expanded.
func (d *Directory) ToggleRegion(code string) {
	code = region.Bucket(code)

	d.mu.Lock()
	expanded, toggled := d.expanded[code]
	if !toggled {
		expanded = code == region.Other
		for _, e := range d.entries {
			if region.Bucket(e.Region) == code {
				expanded = true
				break
			}
		}
	}
	d.expanded[code] = !expanded
	d.mu.Unlock()
	signal(d.changes)
}

// CreateRoom validates req and creates the room. The created room is
// listed right away; the insert pushed later only refreshes it.
func (d *Directory) CreateRoom(ctx context.Context, req CreateRoomRequest) (types.Room, error) {
	req.Name = strings.TrimSpace(req.Name)
	req.Region = strings.TrimSpace(req.Region)
	req.Province = strings.TrimSpace(req.Province)
	req.Description = strings.TrimSpace(req.Description)

	if desc, err := validateRoom(req); err != nil {
		d.notifier.Notify(Notification{
			Title:       titleError,
			Description: desc,
			Variant:     VariantDestructive,
			Kind:        KindInvalid,
			Err:         err,
		})
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	room, err := d.repo.CreateRoom(ctx, database.CreateRoomParams{
		Name:        req.Name,
		Region:      req.Region,
		Province:    req.Province,
		Category:    region.Category(req.Region, req.Province),
		Description: req.Description,
	})
	if err != nil {
		d.log.Printf("create room %q: %v", req.Name, err)
		d.notifier.Notify(failure("Failed to create chat room. Please try again.", err))
		return types.Room{}, fmt.Errorf("create room: %w", err)
	}

	d.upsert(room, true)
	d.notifier.Notify(info("Success", "Chat room created successfully!"))
	return room, nil
}

// validateRoom returns the message shown to the user along with the error.
func validateRoom(req CreateRoomRequest) (string, error) {
	if err := validate.Struct(req); err != nil {
		var verrs validator.ValidationErrors
		if !errors.As(err, &verrs) || len(verrs) == 0 {
			return "Please check the room details", err
		}
		switch fe := verrs[0]; fe.Field() {
		case "Name":
			if fe.Tag() == "required" {
				return "Please provide a room name", err
			}
			return "Room name must be at most 100 characters", err
		case "Region":
			return "Please select a region", err
		default:
			return "Description must be at most 500 characters", err
		}
	}

	if !region.IsKnown(req.Region) {
		return "Please select a region", fmt.Errorf("%w: unknown region %q", ErrInvalid, req.Region)
	}
	if req.Province != "" && !region.HasProvince(req.Region, req.Province) {
		return "Please select a province in " + req.Region,
			fmt.Errorf("%w: province %q is not in %s", ErrInvalid, req.Province, req.Region)
	}
	return "", nil
}

// RoomInfo fetches a room for its detail header.
func (d *Directory) RoomInfo(ctx context.Context, id string) (types.Room, error) {
	room, err := d.repo.GetRoom(ctx, id)
	if err != nil {
		d.log.Printf("get room %s: %v", id, err)
		d.notifier.Notify(failure("Failed to load room details", err))
		return types.Room{}, fmt.Errorf("room info: %w", err)
	}
	return room, nil
}
