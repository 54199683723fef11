package roomsync

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/npezzotti/go-uzzap/internal/realtime"
	"github.com/npezzotti/go-uzzap/internal/realtime/realtimetest"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/testutil"
	"github.com/stretchr/testify/require"
)

type recorder struct {
	mu sync.Mutex
	ns []Notification
}

func (r *recorder) Notify(n Notification) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.ns = append(r.ns, n)
}

func (r *recorder) all() []Notification {
	r.mu.Lock()
	defer r.mu.Unlock()
	return append([]Notification(nil), r.ns...)
}

func (r *recorder) descriptions() []string {
	var out []string
	for _, n := range r.all() {
		out = append(out, n.Description)
	}
	return out
}

func newIdentity(t *testing.T) *session.Store {
	t.Helper()
	s, err := session.Open("", testutil.TestLogger(t))
	require.NoError(t, err)
	return s
}

func newSocket(t *testing.T, srv *realtimetest.Server) *realtime.Socket {
	t.Helper()
	opts := realtime.Options{
		JoinTimeout:       500 * time.Millisecond,
		HeartbeatInterval: time.Second,
		NewBackOff: func() backoff.BackOff {
			return backoff.NewConstantBackOff(20 * time.Millisecond)
		},
	}
	s := realtime.NewSocket(srv.URL(), "anon-key", opts, testutil.TestLogger(t), nil)
	require.NoError(t, s.Connect(context.Background()))
	t.Cleanup(func() { s.Close() })
	return s
}

func messageRecord(id, roomID, sender, text string) map[string]string {
	return map[string]string{
		"id":         id,
		"room_id":    roomID,
		"sender":     sender,
		"text":       text,
		"created_at": "2024-05-01T10:00:00Z",
	}
}
