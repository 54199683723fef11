package realtime

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-uzzap/internal/stats"
)

type ChannelState int

const (
	StateClosed ChannelState = iota
	StateJoining
	StateJoined
	StateLeaving
	StateErrored
)

func (s ChannelState) String() string {
	switch s {
	case StateClosed:
		return "closed"
	case StateJoining:
		return "joining"
	case StateJoined:
		return "joined"
	case StateLeaving:
		return "leaving"
	case StateErrored:
		return "errored"
	default:
		return "unknown"
	}
}

// SubscribeStatus is reported to the status callback passed to Subscribe.
type SubscribeStatus string

const (
	StatusSubscribed   SubscribeStatus = "SUBSCRIBED"
	StatusChannelError SubscribeStatus = "CHANNEL_ERROR"
	StatusTimedOut     SubscribeStatus = "TIMED_OUT"
	StatusClosed       SubscribeStatus = "CLOSED"
)

type ChannelOptions struct {
	// PresenceKey identifies this client in the channel's presence state.
	PresenceKey   string
	BroadcastSelf bool
}

type binding struct {
	filter ChangeFilter
	fn     func(Change)
}

type Channel struct {
	socket   *Socket
	topic    string
	opts     ChannelOptions
	presence *Presence

	mu          sync.Mutex
	state       ChannelState
	joinRef     string
	joinResult  chan error
	joinTimer   *time.Timer
	leaveRef    string
	leaveDone   chan struct{}
	bindings    []*binding
	onStatus    func(SubscribeStatus, error)
	rejoinDelay backoff.BackOff
	rejoinTimer *time.Timer
}

func newChannel(s *Socket, topic string, opts ChannelOptions) *Channel {
	return &Channel{
		socket:      s,
		topic:       topic,
		opts:        opts,
		presence:    newPresence(),
		rejoinDelay: s.opts.NewBackOff(),
	}
}

func (c *Channel) Topic() string {
	return c.topic
}

func (c *Channel) State() ChannelState {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.state
}

func (c *Channel) Presence() *Presence {
	return c.presence
}

// OnChange registers fn for row changes matching filter. Filters are sent
// with the join, so they must be registered before Subscribe.
func (c *Channel) OnChange(filter ChangeFilter, fn func(Change)) *Channel {
	if filter.Schema == "" {
		filter.Schema = defaultSchema
	}
	if filter.Event == "" {
		filter.Event = "*"
	}
	filter.Id = 0

	c.mu.Lock()
	defer c.mu.Unlock()
	c.bindings = append(c.bindings, &binding{filter: filter, fn: fn})
	return c
}

// Subscribe joins the channel and waits for the server's reply. onStatus,
// if not nil, is called on every status change for the life of the
// subscription, including rejoins after a reconnect. The status of the
// initial join is reported before Subscribe returns.
func (c *Channel) Subscribe(ctx context.Context, onStatus func(SubscribeStatus, error)) error {
	c.mu.Lock()
	if c.state != StateClosed {
		state := c.state
		c.mu.Unlock()
		return fmt.Errorf("subscribe %s: channel is %s", c.topic, state)
	}
	c.onStatus = onStatus
	c.mu.Unlock()

	c.socket.register(c)

	result, err := c.join(false)
	if err != nil {
		return fmt.Errorf("subscribe %s: %w", c.topic, err)
	}

	select {
	case err := <-result:
		if err != nil {
			return fmt.Errorf("subscribe %s: %w", c.topic, err)
		}
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (c *Channel) joinPayloadLocked() JoinPayload {
	filters := make([]ChangeFilter, 0, len(c.bindings))
	for _, b := range c.bindings {
		f := b.filter
		f.Id = 0
		filters = append(filters, f)
	}
	return JoinPayload{
		Config: JoinConfig{
			Broadcast:       BroadcastConfig{Self: c.opts.BroadcastSelf},
			Presence:        PresenceConfig{Key: c.opts.PresenceKey},
			PostgresChanges: filters,
		},
		AccessToken: c.socket.apiKey,
	}
}

// join sends a join for the channel. With onlyIfErrored it does nothing
// unless the channel is waiting to be rejoined.
func (c *Channel) join(onlyIfErrored bool) (<-chan error, error) {
	c.mu.Lock()
	if onlyIfErrored && c.state != StateErrored {
		c.mu.Unlock()
		return nil, nil
	}
	ref := c.socket.makeRef()
	c.joinRef = ref
	c.setStateLocked(StateJoining)
	result := make(chan error, 1)
	c.joinResult = result
	c.stopTimersLocked()
	c.joinTimer = time.AfterFunc(c.socket.opts.JoinTimeout, func() { c.joinTimedOut(ref) })
	payload := c.joinPayloadLocked()
	c.mu.Unlock()

	c.presence.reset()

	msg, err := newMessage(c.topic, EventJoin, payload, ref, ref)
	if err == nil {
		err = c.socket.push(msg)
	}
	if err != nil {
		c.mu.Lock()
		if c.joinRef == ref && c.state == StateJoining {
			c.stopTimersLocked()
			c.joinResult = nil
			c.setStateLocked(StateErrored)
		}
		c.mu.Unlock()
		return nil, err
	}

	return result, nil
}

// rejoin re-sends the join for a channel that lost its subscription.
func (c *Channel) rejoin() {
	if !c.socket.IsConnected() {
		return
	}
	if _, err := c.join(true); err != nil {
		c.socket.log.Printf("rejoin %s: %v", c.topic, err)
		c.scheduleRejoin()
	}
}

func (c *Channel) scheduleRejoin() {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.state != StateErrored {
		return
	}
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
	}
	c.rejoinTimer = time.AfterFunc(c.rejoinDelay.NextBackOff(), c.rejoin)
}

func (c *Channel) joinTimedOut(ref string) {
	c.mu.Lock()
	if c.joinRef != ref || c.state != StateJoining {
		c.mu.Unlock()
		return
	}
	c.setStateLocked(StateErrored)
	result := c.joinResult
	c.joinResult = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	if msg, err := newMessage(c.topic, EventLeave, nil, c.socket.makeRef(), ref); err == nil {
		c.socket.push(msg)
	}
	c.socket.log.Printf("join %s timed out", c.topic)
	notify(onStatus, StatusTimedOut, ErrJoinTimeout)
	if result != nil {
		result <- ErrJoinTimeout
	}
	c.scheduleRejoin()
}

// setStateLocked keeps the active subscription gauge in step with the
// joined state.
func (c *Channel) setStateLocked(next ChannelState) {
	if c.state == next {
		return
	}
	if c.state == StateJoined {
		c.socket.stats.Decr(stats.ActiveSubscriptions)
	}
	if next == StateJoined {
		c.socket.stats.Incr(stats.ActiveSubscriptions)
	}
	c.state = next
}

func (c *Channel) stopTimersLocked() {
	if c.joinTimer != nil {
		c.joinTimer.Stop()
		c.joinTimer = nil
	}
	if c.rejoinTimer != nil {
		c.rejoinTimer.Stop()
		c.rejoinTimer = nil
	}
}

func notify(fn func(SubscribeStatus, error), status SubscribeStatus, err error) {
	if fn != nil {
		fn(status, err)
	}
}

func (c *Channel) handle(msg *Message) {
	c.mu.Lock()
	joinRef := c.joinRef
	c.mu.Unlock()

	if msg.JoinRef != "" && msg.JoinRef != joinRef {
		return
	}

	switch msg.Event {
	case EventReply:
		c.handleReply(msg)
	case EventClose:
		c.handleClose()
	case EventError:
		c.handleError(msg.Payload)
	case EventPostgresChanges:
		c.handleChange(msg.Payload)
	case EventPresenceState:
		if err := c.presence.handleState(msg.Payload); err != nil {
			c.socket.log.Printf("%s: bad presence state: %v", c.topic, err)
		}
	case EventPresenceDiff:
		if err := c.presence.handleDiff(msg.Payload); err != nil {
			c.socket.log.Printf("%s: bad presence diff: %v", c.topic, err)
		}
	case EventSystem:
		c.handleSystem(msg.Payload)
	}
}

func (c *Channel) handleReply(msg *Message) {
	var reply ReplyPayload
	if err := json.Unmarshal(msg.Payload, &reply); err != nil {
		c.socket.log.Printf("%s: bad reply: %v", c.topic, err)
		return
	}

	c.mu.Lock()
	switch {
	case msg.Ref != "" && msg.Ref == c.leaveRef:
		if c.leaveDone != nil {
			close(c.leaveDone)
			c.leaveDone = nil
		}
		c.mu.Unlock()

	case msg.Ref == c.joinRef && c.state == StateJoining:
		c.stopTimersLocked()
		result := c.joinResult
		c.joinResult = nil
		onStatus := c.onStatus

		if reply.Status != ReplyOK {
			c.setStateLocked(StateErrored)
			c.mu.Unlock()

			err := fmt.Errorf("join rejected: %s", reply.Reason())
			c.socket.log.Printf("join %s: %v", c.topic, err)
			notify(onStatus, StatusChannelError, err)
			if result != nil {
				result <- err
			}
			c.scheduleRejoin()
			return
		}

		c.assignIdsLocked(reply.Response)
		c.setStateLocked(StateJoined)
		c.rejoinDelay.Reset()
		c.mu.Unlock()

		notify(onStatus, StatusSubscribed, nil)
		if result != nil {
			result <- nil
		}

	default:
		c.mu.Unlock()
	}
}

// assignIdsLocked records the server's subscription id for each change
// filter so pushed changes can be routed by id.
func (c *Channel) assignIdsLocked(raw json.RawMessage) {
	for _, b := range c.bindings {
		b.filter.Id = 0
	}

	var resp joinReplyResponse
	if len(raw) == 0 || json.Unmarshal(raw, &resp) != nil {
		return
	}
	for _, server := range resp.PostgresChanges {
		for _, b := range c.bindings {
			if b.filter.Id == 0 && b.filter.same(server) {
				b.filter.Id = server.Id
				break
			}
		}
	}
}

func (c *Channel) handleClose() {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateLeaving {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.setStateLocked(StateClosed)
	onStatus := c.onStatus
	c.mu.Unlock()

	c.socket.remove(c)
	notify(onStatus, StatusClosed, nil)
}

func (c *Channel) handleError(raw json.RawMessage) {
	c.mu.Lock()
	if c.state != StateJoined && c.state != StateJoining {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.setStateLocked(StateErrored)
	result := c.joinResult
	c.joinResult = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	err := fmt.Errorf("channel error: %s", string(raw))
	if result != nil {
		result <- err
	}
	c.socket.log.Printf("%s: %v", c.topic, err)
	notify(onStatus, StatusChannelError, err)
	c.scheduleRejoin()
}

func (c *Channel) handleSystem(raw json.RawMessage) {
	var sys SystemPayload
	if err := json.Unmarshal(raw, &sys); err != nil {
		return
	}
	if sys.Status != ReplyError {
		return
	}

	c.mu.Lock()
	onStatus := c.onStatus
	c.mu.Unlock()

	err := fmt.Errorf("%s: %s", sys.Extension, sys.Message)
	c.socket.log.Printf("%s: %v", c.topic, err)
	notify(onStatus, StatusChannelError, err)
}

func (c *Channel) handleChange(raw json.RawMessage) {
	var p changePayload
	if err := json.Unmarshal(raw, &p); err != nil {
		c.socket.log.Printf("%s: bad change payload: %v", c.topic, err)
		return
	}

	c.mu.Lock()
	var matched []func(Change)
	for _, b := range c.bindings {
		if b.filter.Id != 0 && len(p.Ids) > 0 {
			if slices.Contains(p.Ids, b.filter.Id) {
				matched = append(matched, b.fn)
			}
			continue
		}
		if b.filter.matches(p.Data) {
			matched = append(matched, b.fn)
		}
	}
	c.mu.Unlock()

	for _, fn := range matched {
		fn(p.Data)
	}
}

// socketDown marks a live subscription as errored after the connection
// drops; the socket rejoins it once reconnected.
func (c *Channel) socketDown() {
	c.mu.Lock()
	if c.state != StateJoined && c.state != StateJoining {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.setStateLocked(StateErrored)
	result := c.joinResult
	c.joinResult = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	if result != nil {
		result <- ErrNotConnected
	}
	notify(onStatus, StatusChannelError, ErrNotConnected)
}

func (c *Channel) closeLocal() {
	c.mu.Lock()
	if c.state == StateClosed {
		c.mu.Unlock()
		return
	}
	c.stopTimersLocked()
	c.setStateLocked(StateClosed)
	result := c.joinResult
	c.joinResult = nil
	onStatus := c.onStatus
	c.mu.Unlock()

	if result != nil {
		result <- ErrChannelClosed
	}
	c.socket.remove(c)
	notify(onStatus, StatusClosed, nil)
}

// Unsubscribe leaves the channel and waits for the server to acknowledge,
// the join timeout, or ctx, whichever comes first.
func (c *Channel) Unsubscribe(ctx context.Context) error {
	c.mu.Lock()
	if c.state == StateClosed || c.state == StateLeaving {
		c.mu.Unlock()
		return nil
	}
	c.stopTimersLocked()
	joinRef := c.joinRef
	pending := c.joinResult
	c.joinResult = nil
	ref := c.socket.makeRef()
	done := make(chan struct{})
	c.leaveRef = ref
	c.leaveDone = done
	c.setStateLocked(StateLeaving)
	c.mu.Unlock()

	if pending != nil {
		pending <- ErrChannelClosed
	}

	var err error
	msg, merr := newMessage(c.topic, EventLeave, nil, ref, joinRef)
	if merr == nil && c.socket.push(msg) == nil {
		timer := time.NewTimer(c.socket.opts.JoinTimeout)
		defer timer.Stop()
		select {
		case <-done:
		case <-timer.C:
			c.socket.log.Printf("leave %s timed out", c.topic)
		case <-ctx.Done():
			err = ctx.Err()
		}
	}

	c.mu.Lock()
	c.leaveRef = ""
	c.leaveDone = nil
	c.setStateLocked(StateClosed)
	onStatus := c.onStatus
	c.mu.Unlock()

	c.socket.remove(c)
	notify(onStatus, StatusClosed, nil)
	return err
}

// Track announces payload as this client's presence on the channel.
func (c *Channel) Track(payload any) error {
	return c.pushPresence(presencePush{Type: EventPresence, Event: "track", Payload: payload})
}

// Untrack withdraws this client's presence without leaving the channel.
func (c *Channel) Untrack() error {
	return c.pushPresence(presencePush{Type: EventPresence, Event: "untrack"})
}

func (c *Channel) pushPresence(p presencePush) error {
	c.mu.Lock()
	state, joinRef := c.state, c.joinRef
	c.mu.Unlock()

	switch state {
	case StateJoined:
	case StateClosed, StateLeaving:
		return fmt.Errorf("%s %s: %w", p.Event, c.topic, ErrChannelClosed)
	default:
		return fmt.Errorf("%s %s: %w", p.Event, c.topic, ErrNotJoined)
	}

	msg, err := newMessage(c.topic, EventPresence, p, c.socket.makeRef(), joinRef)
	if err != nil {
		return err
	}
	if err := c.socket.push(msg); err != nil {
		return fmt.Errorf("%s %s: %w", p.Event, c.topic, err)
	}
	return nil
}
