package realtime

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log"
	"net/url"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-uzzap/internal/stats"
)

var (
	ErrNotConnected  = errors.New("realtime: not connected")
	ErrJoinTimeout   = errors.New("realtime: join timed out")
	ErrChannelClosed = errors.New("realtime: channel closed")
	ErrNotJoined     = errors.New("realtime: channel not joined")
	ErrSendBuffer    = errors.New("realtime: send buffer full")
)

const (
	writeWait      = 10 * time.Second
	readWait       = 60 * time.Second
	maxMessageSize = 1 << 20
	sendBufferSize = 256

	DefaultTimeout           = 10 * time.Second
	DefaultHeartbeatInterval = 25 * time.Second
)

type Options struct {
	JoinTimeout       time.Duration
	HeartbeatInterval time.Duration
	Dialer            *websocket.Dialer
	// NewBackOff returns the delay policy used between reconnect attempts
	// and channel rejoins.
	NewBackOff func() backoff.BackOff
}

func defaultBackOff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Second
	b.MaxInterval = 10 * time.Second
	b.RandomizationFactor = 0.5
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}

// Socket is a connection to the realtime service that multiplexes
// channels. Incoming frames are dispatched on a single read goroutine, so
// callbacks for one channel run in delivery order.
type Socket struct {
	endpoint string
	apiKey   string
	opts     Options
	log      *log.Logger
	stats    stats.StatsProvider

	ref atomic.Uint64

	mu       sync.Mutex
	conn     *connection
	channels []*Channel
	ctx      context.Context
	cancel   context.CancelFunc
	done     chan struct{}
}

type connection struct {
	ws       *websocket.Conn
	send     chan []byte
	stop     chan struct{}
	stopOnce sync.Once

	hbMu      sync.Mutex
	heartbeat string
}

func (c *connection) close() {
	c.stopOnce.Do(func() {
		close(c.stop)
		c.ws.Close()
	})
}

func (c *connection) write(msgType int, data []byte) error {
	c.ws.SetWriteDeadline(time.Now().Add(writeWait))
	return c.ws.WriteMessage(msgType, data)
}

func (c *connection) pendingHeartbeat() string {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	return c.heartbeat
}

func (c *connection) setHeartbeat(ref string) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	c.heartbeat = ref
}

func (c *connection) ackHeartbeat(ref string) {
	c.hbMu.Lock()
	defer c.hbMu.Unlock()
	if c.heartbeat == ref {
		c.heartbeat = ""
	}
}

// NewSocket creates a socket for the realtime endpoint, e.g.
// wss://<project>.supabase.co/realtime/v1/websocket. It does not dial
// until Connect is called.
func NewSocket(endpoint, apiKey string, opts Options, logger *log.Logger, sp stats.StatsProvider) *Socket {
	if opts.JoinTimeout <= 0 {
		opts.JoinTimeout = DefaultTimeout
	}
	if opts.HeartbeatInterval <= 0 {
		opts.HeartbeatInterval = DefaultHeartbeatInterval
	}
	if opts.Dialer == nil {
		opts.Dialer = websocket.DefaultDialer
	}
	if opts.NewBackOff == nil {
		opts.NewBackOff = defaultBackOff
	}
	if sp == nil {
		sp = stats.Discard{}
	}

	return &Socket{
		endpoint: endpoint,
		apiKey:   apiKey,
		opts:     opts,
		log:      logger,
		stats:    sp,
	}
}

// Connect dials the service and keeps the connection alive until Close,
// reconnecting with backoff and rejoining channels when it drops.
func (s *Socket) Connect(ctx context.Context) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.done != nil {
		return nil
	}

	conn, err := s.dial(ctx)
	if err != nil {
		return fmt.Errorf("connect: %w", err)
	}

	s.ctx, s.cancel = context.WithCancel(context.Background())
	s.done = make(chan struct{})
	s.conn = conn
	go s.run(conn)

	s.log.Printf("connected to %s", s.endpoint)
	return nil
}

func (s *Socket) dial(ctx context.Context) (*connection, error) {
	u, err := url.Parse(s.endpoint)
	if err != nil {
		return nil, fmt.Errorf("parse endpoint: %w", err)
	}
	q := u.Query()
	q.Set("apikey", s.apiKey)
	q.Set("vsn", protocolVersion)
	u.RawQuery = q.Encode()

	ws, resp, err := s.opts.Dialer.DialContext(ctx, u.String(), nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("dial: %w (HTTP %d)", err, resp.StatusCode)
		}
		return nil, fmt.Errorf("dial: %w", err)
	}
	ws.SetReadLimit(maxMessageSize)

	return &connection{
		ws:   ws,
		send: make(chan []byte, sendBufferSize),
		stop: make(chan struct{}),
	}, nil
}

func (s *Socket) run(c *connection) {
	defer close(s.done)

	for {
		go s.writePump(c)
		s.readPump(c)
		c.close()

		s.mu.Lock()
		if s.conn == c {
			s.conn = nil
		}
		s.mu.Unlock()

		if s.ctx.Err() != nil {
			s.closeChannels()
			return
		}

		s.log.Println("connection lost, reconnecting")
		for _, ch := range s.snapshot() {
			ch.socketDown()
		}

		next := s.reconnect()
		if next == nil {
			s.closeChannels()
			return
		}
		s.stats.Incr(stats.Reconnects)

		s.mu.Lock()
		s.conn = next
		s.mu.Unlock()
		s.log.Println("reconnected")

		for _, ch := range s.snapshot() {
			ch.rejoin()
		}
		c = next
	}
}

func (s *Socket) reconnect() *connection {
	var next *connection
	op := func() error {
		c, err := s.dial(s.ctx)
		if err != nil {
			return err
		}
		next = c
		return nil
	}
	notify := func(err error, d time.Duration) {
		s.log.Printf("reconnect failed: %v, retrying in %s", err, d.Round(time.Millisecond))
	}

	if err := backoff.RetryNotify(op, backoff.WithContext(s.opts.NewBackOff(), s.ctx), notify); err != nil {
		return nil
	}
	return next
}

func (s *Socket) writePump(c *connection) {
	ticker := time.NewTicker(s.opts.HeartbeatInterval)
	defer func() {
		ticker.Stop()
		c.close()
	}()

	for {
		select {
		case data := <-c.send:
			if err := c.write(websocket.TextMessage, data); err != nil {
				s.logWriteErr(err)
				return
			}
		case <-c.stop:
			return
		case <-ticker.C:
			if ref := c.pendingHeartbeat(); ref != "" {
				s.log.Printf("heartbeat %s not acknowledged, closing connection", ref)
				return
			}
			ref := s.makeRef()
			msg, _ := newMessage(phoenixTopic, EventHeartbeat, nil, ref, "")
			data, err := json.Marshal(msg)
			if err != nil {
				s.log.Println("failed to serialize heartbeat:", err)
				continue
			}
			c.setHeartbeat(ref)
			if err := c.write(websocket.TextMessage, data); err != nil {
				s.logWriteErr(err)
				return
			}
		}
	}
}

func (s *Socket) logWriteErr(err error) {
	if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
		s.log.Printf("write message: %v", err)
	}
}

func (s *Socket) readPump(c *connection) {
	c.ws.SetReadDeadline(time.Now().Add(readWait))
	c.ws.SetPongHandler(func(string) error {
		c.ws.SetReadDeadline(time.Now().Add(readWait))
		return nil
	})

	for {
		_, raw, err := c.ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) && s.ctx.Err() == nil {
				s.log.Printf("read message: %v", err)
			}
			return
		}
		c.ws.SetReadDeadline(time.Now().Add(readWait))

		var msg Message
		if err := json.Unmarshal(raw, &msg); err != nil {
			s.log.Println("error parsing message:", err)
			continue
		}
		s.dispatch(c, &msg)
	}
}

func (s *Socket) dispatch(c *connection, msg *Message) {
	if msg.Topic == phoenixTopic {
		if msg.Event == EventReply {
			c.ackHeartbeat(msg.Ref)
		}
		return
	}

	for _, ch := range s.snapshot() {
		if ch.topic == msg.Topic {
			ch.handle(msg)
		}
	}
}

// Close leaves the connection down for good. Channels still registered are
// closed without a leave round trip.
func (s *Socket) Close() error {
	s.mu.Lock()
	if s.cancel == nil {
		s.mu.Unlock()
		return nil
	}
	s.cancel()
	c, done := s.conn, s.done
	s.mu.Unlock()

	if c != nil {
		c.ws.WriteControl(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""),
			time.Now().Add(writeWait))
		c.close()
	}
	<-done
	return nil
}

func (s *Socket) IsConnected() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.conn != nil
}

// Channel returns a channel for name. It is not joined until Subscribe.
func (s *Socket) Channel(name string, opts ChannelOptions) *Channel {
	return newChannel(s, Topic(name), opts)
}

func (s *Socket) makeRef() string {
	return strconv.FormatUint(s.ref.Add(1), 10)
}

func (s *Socket) push(msg *Message) error {
	data, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode %s: %w", msg.Event, err)
	}

	s.mu.Lock()
	c := s.conn
	s.mu.Unlock()
	if c == nil {
		return ErrNotConnected
	}

	select {
	case <-c.stop:
		return ErrNotConnected
	default:
	}

	select {
	case c.send <- data:
		return nil
	default:
		return ErrSendBuffer
	}
}

func (s *Socket) register(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, existing := range s.channels {
		if existing == ch {
			return
		}
	}
	s.channels = append(s.channels, ch)
}

func (s *Socket) remove(ch *Channel) {
	s.mu.Lock()
	defer s.mu.Unlock()
	for i, existing := range s.channels {
		if existing == ch {
			s.channels = append(s.channels[:i], s.channels[i+1:]...)
			return
		}
	}
}

func (s *Socket) snapshot() []*Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*Channel, len(s.channels))
	copy(out, s.channels)
	return out
}

func (s *Socket) closeChannels() {
	for _, ch := range s.snapshot() {
		ch.closeLocal()
	}
}
