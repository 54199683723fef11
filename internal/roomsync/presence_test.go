package roomsync

import (
	"context"
	"testing"
	"time"

	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/realtime/realtimetest"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/stats"
	"github.com/npezzotti/go-uzzap/internal/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTracker(t *testing.T, srv *realtimetest.Server, scope Scope, sp stats.StatsProvider) (*PresenceTracker, *session.Store) {
	t.Helper()
	ident := newIdentity(t)
	p := NewPresenceTracker(newSocket(t, srv), ident, scope, testutil.TestLogger(t), sp)
	t.Cleanup(func() { p.Leave(context.Background()) })
	return p, ident
}

func TestScopeTopics(t *testing.T) {
	assert.Equal(t, "room:r1:presence", RoomScope("r1").Topic())
	assert.Equal(t, "global_presence", GlobalScope.Topic())
}

func TestSummarize(t *testing.T) {
	tcases := []struct {
		name      string
		state     realtime.State
		wantCount int
		wantRooms map[string]int
	}{
		{
			name:      "empty",
			state:     realtime.State{},
			wantCount: 0,
			wantRooms: map[string]int{},
		},
		{
			name: "distinct keys",
			state: realtime.State{
				"u1": {{"phx_ref": "1", "username": "a", "room_id": "r1"}},
				"u2": {{"phx_ref": "2", "username": "b", "room_id": "r1"}},
				"u3": {{"phx_ref": "3", "username": "c", "room_id": "r2"}},
			},
			wantCount: 3,
			wantRooms: map[string]int{"r1": 2, "r2": 1},
		},
		{
			name: "one key many connections",
			state: realtime.State{
				"u1": {
					{"phx_ref": "1", "username": "a", "room_id": "r1"},
					{"phx_ref": "2", "username": "a", "room_id": "r1"},
					{"phx_ref": "3", "username": "a", "room_id": "r2"},
				},
				"u2": {{"phx_ref": "4", "username": "b"}},
			},
			wantCount: 2,
			wantRooms: map[string]int{"r1": 1, "r2": 1},
		},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			count, rooms, online := summarize(tc.state)
			assert.Equal(t, tc.wantCount, count)
			assert.Equal(t, tc.wantRooms, rooms)
			assert.Len(t, online, tc.wantCount)
		})
	}
}

func TestPresenceJoinTracks(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	sp := stats.NewPermissiveMock()
	p, ident := newTracker(t, srv, RoomScope("r1"), sp)
	require.NoError(t, p.Join(context.Background()))

	topic := RoomScope("r1").Topic()
	assert.Equal(t, ident.UserId(), srv.PresenceKey(topic), "expected presence keyed by user id")

	ok := testutil.Eventually(t, 2*time.Second, func() bool { return p.Count() == 1 })
	require.True(t, ok, "expected own presence to be counted")

	tracked := srv.Tracked(topic)
	assert.Equal(t, ident.UserId(), tracked.String("user_id"))
	assert.Equal(t, ident.Username(), tracked.String("username"))
	assert.Equal(t, "r1", tracked.String("room_id"))
	assert.NotEmpty(t, tracked.String("online_at"))

	online := p.Online()
	require.Len(t, online, 1)
	assert.Equal(t, ident.Username(), online[0].Username)
	assert.False(t, online[0].OnlineAt.IsZero())
	sp.AssertCalled(t, "Incr", stats.PresenceSyncs)

	assert.NoError(t, p.Join(context.Background()), "expected second join to be a no-op")
}

func TestPresenceCountFromSnapshot(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	p, ident := newTracker(t, srv, GlobalScope, nil)
	require.NoError(t, p.Join(context.Background()))
	ok := testutil.Eventually(t, 2*time.Second, func() bool { return p.Count() == 1 })
	require.True(t, ok)

	topic := GlobalScope.Topic()
	srv.SendPresenceDiff(topic,
		map[string][]realtime.Meta{
			"x1": {{"phx_ref": "a1", "room_id": "zz"}},
			"x2": {{"phx_ref": "a2", "room_id": "zz"}},
		},
		map[string][]realtime.Meta{ident.UserId(): {{"phx_ref": "nope"}}},
	)
	srv.SendPresenceState(topic, map[string][]realtime.Meta{
		"u1": {{"phx_ref": "1", "username": "a", "room_id": "r1"}},
		"u2": {{"phx_ref": "2", "username": "b", "room_id": "r1"}, {"phx_ref": "3", "username": "b", "room_id": "r1"}},
		"u3": {{"phx_ref": "4", "username": "c", "room_id": "r2"}},
	})

	ok = testutil.Eventually(t, 2*time.Second, func() bool {
		rooms := p.RoomCounts()
		return len(rooms) == 2 && rooms["r1"] == 2 && rooms["r2"] == 1
	})
	require.True(t, ok, "expected counts from the latest snapshot, got %v", p.RoomCounts())
	assert.Equal(t, 3, p.Count())
}

func TestPresenceRetracksOnIdentityChange(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	p, ident := newTracker(t, srv, RoomScope("r1"), nil)
	require.NoError(t, p.Join(context.Background()))

	topic := RoomScope("r1").Topic()
	ok := testutil.Eventually(t, 2*time.Second, func() bool { return srv.Tracked(topic) != nil })
	require.True(t, ok)

	require.NoError(t, ident.SetUsername("neo"))
	ok = testutil.Eventually(t, 2*time.Second, func() bool {
		return srv.Tracked(topic).String("username") == "neo"
	})
	assert.True(t, ok, "expected presence to be tracked again with the new name")
	assert.Equal(t, ident.UserId(), srv.PresenceKey(topic), "expected presence key to stay the user id")
}

func TestPresenceSetRoom(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	p, _ := newTracker(t, srv, GlobalScope, nil)
	require.NoError(t, p.Join(context.Background()))
	ok := testutil.Eventually(t, 2*time.Second, func() bool { return p.Count() == 1 })
	require.True(t, ok)
	assert.Empty(t, p.RoomCounts())

	p.SetRoom("r7")
	ok = testutil.Eventually(t, 2*time.Second, func() bool { return p.RoomCounts()["r7"] == 1 })
	assert.True(t, ok, "expected room to be announced, got %v", p.RoomCounts())
	assert.Equal(t, 1, p.Count())
}

func TestPresenceLeave(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()

	p, _ := newTracker(t, srv, RoomScope("r1"), nil)
	require.NoError(t, p.Join(context.Background()))
	ok := testutil.Eventually(t, 2*time.Second, func() bool { return p.Count() == 1 })
	require.True(t, ok)

	require.NoError(t, p.Leave(context.Background()))
	assert.Equal(t, 0, p.Count())
	assert.Empty(t, p.Online())
	ok = testutil.Eventually(t, 2*time.Second, func() bool { return !srv.Joined(RoomScope("r1").Topic()) })
	assert.True(t, ok, "expected channel to be left")
	assert.NoError(t, p.Leave(context.Background()), "expected second leave to be a no-op")
}

func TestPresenceJoinRejected(t *testing.T) {
	srv := realtimetest.NewServer()
	defer srv.Close()
	srv.Reject(GlobalScope.Topic(), "Unauthorized")

	p, _ := newTracker(t, srv, GlobalScope, nil)
	err := p.Join(context.Background())
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unauthorized")
	assert.Equal(t, 0, p.Count())
}
