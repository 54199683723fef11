package realtime_test

import (
	"context"
	"errors"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/realtime/realtimetest"
	"github.com/npezzotti/go-uzzap/internal/stats"
	"github.com/npezzotti/go-uzzap/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type statusRecorder struct {
	mu       sync.Mutex
	statuses []realtime.SubscribeStatus
}

func (r *statusRecorder) record(s realtime.SubscribeStatus, _ error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.statuses = append(r.statuses, s)
}

func (r *statusRecorder) all() []realtime.SubscribeStatus {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]realtime.SubscribeStatus(nil), r.statuses...)
}

func (r *statusRecorder) count(s realtime.SubscribeStatus) int {
	n := 0
	for _, got := range r.all() {
		if got == s {
			n++
		}
	}
	return n
}

func fastOptions() realtime.Options {
	return realtime.Options{
		JoinTimeout:       200 * time.Millisecond,
		HeartbeatInterval: time.Second,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	}
}

func newSocket(t *testing.T, srv *realtimetest.Server, opts realtime.Options, sp stats.StatsProvider) *realtime.Socket {
	t.Helper()
	s := realtime.NewSocket(srv.URL(), "anon-key", opts, testutil.TestLogger(t), sp)
	require.NoError(t, s.Connect(context.Background()), "expected socket to connect")
	t.Cleanup(func() { s.Close() })
	return s
}

func TestConnectFailure(t *testing.T) {
	srv := realtimetest.NewServer()
	url := srv.URL()
	srv.Close()

	s := realtime.NewSocket(url, "anon-key", fastOptions(), testutil.TestLogger(t), nil)
	err := s.Connect(context.Background())
	assert.Error(t, err, "expected error connecting to a closed server")
	assert.False(t, s.IsConnected())
}

func TestSubscribeReceivesChanges(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	s := newSocket(t, srv, fastOptions(), nil)

	received := make(chan realtime.Change, 4)
	rec := &statusRecorder{}
	ch := s.Channel("room:r1", realtime.ChannelOptions{}).
		OnChange(realtime.ChangeFilter{Event: realtime.ChangeInsert, Table: "messages", Filter: "room_id=eq.r1"}, func(c realtime.Change) {
			received <- c
		})

	require.NoError(t, ch.Subscribe(context.Background(), rec.record))
	assert.Equal(t, realtime.StateJoined, ch.State())
	assert.Equal(t, []realtime.SubscribeStatus{realtime.StatusSubscribed}, rec.all())

	filters := srv.JoinFilters("room:r1")
	require.Len(t, filters, 1)
	assert.Equal(t, "public", filters[0].Schema, "expected default schema")
	assert.Equal(t, "room_id=eq.r1", filters[0].Filter)

	srv.SendChange("room:r1", "messages", realtime.ChangeUpdate, map[string]string{"id": "ignored"}, nil)
	srv.SendChange("room:r1", "messages", realtime.ChangeInsert, map[string]string{"id": "m1", "text": "hello"}, nil)

	select {
	case c := <-received:
		var msg struct {
			Id   string `json:"id"`
			Text string `json:"text"`
		}
		require.NoError(t, c.Decode(&msg))
		assert.Equal(t, "m1", msg.Id)
		assert.Equal(t, "hello", msg.Text)
		assert.Equal(t, realtime.ChangeInsert, c.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected change to be delivered")
	}

	select {
	case c := <-received:
		t.Fatalf("unexpected extra change: %+v", c)
	case <-time.After(50 * time.Millisecond):
	}
}

func TestSubscribeRejected(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	srv.Reject("room:secret", "Unauthorized")
	s := newSocket(t, srv, fastOptions(), nil)

	rec := &statusRecorder{}
	ch := s.Channel("room:secret", realtime.ChannelOptions{})
	err := ch.Subscribe(context.Background(), rec.record)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized", "expected server reason in error")
	assert.GreaterOrEqual(t, rec.count(realtime.StatusChannelError), 1)

	srv.Allow("room:secret")
	ok := testutil.Eventually(t, 2*time.Second, func() bool {
		return ch.State() == realtime.StateJoined
	})
	assert.True(t, ok, "expected channel to rejoin once allowed")
}

func TestSubscribeTimeout(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	srv.Ignore("room:slow")
	s := newSocket(t, srv, fastOptions(), nil)

	rec := &statusRecorder{}
	ch := s.Channel("room:slow", realtime.ChannelOptions{})
	err := ch.Subscribe(context.Background(), rec.record)
	assert.True(t, errors.Is(err, realtime.ErrJoinTimeout), "expected join timeout, got %v", err)
	assert.GreaterOrEqual(t, rec.count(realtime.StatusTimedOut), 1)

	require.NoError(t, ch.Unsubscribe(context.Background()))
	assert.Equal(t, realtime.StateClosed, ch.State())
}

func TestSubscribeContextCanceled(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	srv.Ignore("room:slow")
	s := newSocket(t, srv, realtime.Options{JoinTimeout: time.Minute}, nil)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	err := s.Channel("room:slow", realtime.ChannelOptions{}).Subscribe(ctx, nil)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestPresenceTrack(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	s1 := newSocket(t, srv, fastOptions(), nil)
	s2 := newSocket(t, srv, fastOptions(), nil)

	c1 := s1.Channel("room:r1:presence", realtime.ChannelOptions{PresenceKey: "u1"})
	c2 := s2.Channel("room:r1:presence", realtime.ChannelOptions{PresenceKey: "u2"})

	assert.ErrorIs(t, c1.Track(map[string]string{"username": "a"}), realtime.ErrChannelClosed, "expected track before subscribe to fail")

	require.NoError(t, c1.Subscribe(context.Background(), nil))
	require.NoError(t, c2.Subscribe(context.Background(), nil))
	require.NoError(t, c1.Track(map[string]string{"username": "alice"}))
	require.NoError(t, c2.Track(map[string]string{"username": "bob"}))

	ok := testutil.Eventually(t, 2*time.Second, func() bool {
		return len(c1.Presence().State()) == 2 && len(c2.Presence().State()) == 2
	})
	require.True(t, ok, "expected both clients to see two presences")
	assert.Equal(t, "bob", c1.Presence().State()["u2"][0].String("username"))

	require.NoError(t, c2.Unsubscribe(context.Background()))
	ok = testutil.Eventually(t, 2*time.Second, func() bool {
		return len(c1.Presence().State()) == 1
	})
	assert.True(t, ok, "expected leaving client to drop out of presence")
	assert.ErrorIs(t, c2.Track(map[string]string{"username": "bob"}), realtime.ErrChannelClosed)

	require.NoError(t, c1.Untrack())
	ok = testutil.Eventually(t, 2*time.Second, func() bool {
		return len(c1.Presence().State()) == 0
	})
	assert.True(t, ok, "expected untrack to remove own presence")
}

func TestReconnectRejoins(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	su := stats.NewStatsUpdater(http.NewServeMux())
	for _, m := range stats.Metrics {
		su.RegisterMetric(m)
	}
	su.Run()
	defer su.Stop()

	s := newSocket(t, srv, fastOptions(), su)

	received := make(chan realtime.Change, 4)
	rec := &statusRecorder{}
	ch := s.Channel("chat_rooms_changes", realtime.ChannelOptions{}).
		OnChange(realtime.ChangeFilter{Event: "*", Table: "chat_rooms"}, func(c realtime.Change) { received <- c })
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))

	srv.DropConnections()

	ok := testutil.Eventually(t, 3*time.Second, func() bool {
		return srv.Accepted() >= 2 && rec.count(realtime.StatusSubscribed) >= 2
	})
	require.True(t, ok, "expected socket to reconnect and rejoin, statuses: %v", rec.all())
	assert.GreaterOrEqual(t, rec.count(realtime.StatusChannelError), 1, "expected channel error when connection dropped")

	ok = testutil.Eventually(t, time.Second, func() bool {
		return su.Value(stats.Reconnects) == 1 && su.Value(stats.ActiveSubscriptions) == 1
	})
	assert.True(t, ok, "expected reconnect to be counted and one active subscription")

	srv.SendChange("chat_rooms_changes", "chat_rooms", realtime.ChangeDelete, nil, map[string]string{"id": "r1"})
	select {
	case c := <-received:
		assert.Equal(t, realtime.ChangeDelete, c.Type)
	case <-time.After(2 * time.Second):
		t.Fatal("expected change after rejoin")
	}
}

func TestHeartbeat(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	opts := fastOptions()
	opts.HeartbeatInterval = 50 * time.Millisecond
	newSocket(t, srv, opts, nil)

	ok := testutil.Eventually(t, 2*time.Second, func() bool {
		return len(srv.Received(realtime.EventHeartbeat)) >= 3
	})
	assert.True(t, ok, "expected periodic heartbeats")
	assert.Equal(t, 1, srv.Accepted(), "expected acknowledged heartbeats to keep the connection")
}

func TestCloseClosesChannels(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	s := realtime.NewSocket(srv.URL(), "anon-key", fastOptions(), testutil.TestLogger(t), nil)
	require.NoError(t, s.Connect(context.Background()))

	rec := &statusRecorder{}
	ch := s.Channel("global_presence", realtime.ChannelOptions{PresenceKey: "u1"})
	require.NoError(t, ch.Subscribe(context.Background(), rec.record))

	require.NoError(t, s.Close())
	assert.False(t, s.IsConnected())
	assert.Equal(t, realtime.StateClosed, ch.State())
	assert.Equal(t, 1, rec.count(realtime.StatusClosed))
	assert.NoError(t, s.Close(), "expected second close to be a no-op")
}
