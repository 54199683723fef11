package main

import (
	"bytes"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/golang-jwt/jwt"
	"github.com/npezzotti/go-uzzap/internal/roomsync"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/testutil"
	"github.com/npezzotti/go-uzzap/internal/types"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func apiKey(t *testing.T) string {
	t.Helper()
	tok, err := jwt.NewWithClaims(jwt.SigningMethodHS256, jwt.MapClaims{
		"role": "anon",
		"exp":  time.Now().Add(time.Hour).Unix(),
	}).SignedString([]byte("test-secret"))
	require.NoError(t, err)
	return tok
}

func TestStringSliceFlag(t *testing.T) {
	var s stringSliceFlag
	require.NoError(t, s.Set("http://a.test, http://b.test"))
	require.NoError(t, s.Set("http://c.test,"))

	assert.Equal(t, stringSliceFlag{"http://a.test", "http://b.test", "http://c.test"}, s)
	assert.Equal(t, "http://a.test,http://b.test,http://c.test", s.String())
}

func TestRunWithoutCommand(t *testing.T) {
	tcases := []struct {
		name string
		args []string
		want string
	}{
		{name: "no args", args: nil, want: "usage: uzzap"},
		{name: "help", args: []string{"help"}, want: "set-username"},
		{name: "version", args: []string{"version"}, want: "uzzap " + version},
	}

	for _, tc := range tcases {
		t.Run(tc.name, func(t *testing.T) {
			out := &bytes.Buffer{}
			err := run(tc.args, strings.NewReader(""), out, testutil.TestLogger(t))
			require.NoError(t, err)
			assert.Contains(t, out.String(), tc.want)
		})
	}
}

func TestRunUnknownCommand(t *testing.T) {
	err := run([]string{"dance"}, strings.NewReader(""), &bytes.Buffer{}, testutil.TestLogger(t))
	assert.EqualError(t, err, `unknown command "dance"`)
}

func TestRunRequiresBackend(t *testing.T) {
	err := run([]string{"-url=", "-key=", "rooms"}, strings.NewReader(""), &bytes.Buffer{}, testutil.TestLogger(t))
	assert.EqualError(t, err, "backend url cannot be empty")
}

func TestRunIdentity(t *testing.T) {
	path := filepath.Join(t.TempDir(), "identity.json")
	logger := testutil.TestLogger(t)

	out := &bytes.Buffer{}
	require.NoError(t, run([]string{"-identity", path, "whoami"}, strings.NewReader(""), out, logger))
	assert.Contains(t, out.String(), "Guest")

	out.Reset()
	require.NoError(t, run([]string{"-identity", path, "set-username", "retro", "kid"}, strings.NewReader(""), out, logger))
	assert.Contains(t, out.String(), "retro kid")

	store, err := session.Open(path, logger)
	require.NoError(t, err)
	assert.Equal(t, "retro kid", store.Username())

	err = run([]string{"-identity", path, "set-username", "  "}, strings.NewReader(""), out, logger)
	assert.ErrorIs(t, err, session.ErrInvalidUsername)
}

func TestRunCreateRoom(t *testing.T) {
	var got map[string]any
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Method != http.MethodPost || r.URL.Path != "/rest/v1/chat_rooms" {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			w.WriteHeader(http.StatusBadRequest)
			return
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusCreated)
		json.NewEncoder(w).Encode([]types.Room{{
			Id:       "r1",
			Name:     "Lobby",
			Region:   "NCR",
			Province: "Manila",
		}})
	}))
	defer srv.Close()

	out := &bytes.Buffer{}
	err := run([]string{
		"-url", srv.URL,
		"-key", apiKey(t),
		"-dsn=",
		"-identity=",
		"create-room", "-name", "Lobby", "-region", "NCR", "-province", "Manila",
	}, strings.NewReader(""), out, testutil.TestLogger(t))
	require.NoError(t, err)

	assert.Equal(t, "Lobby", got["name"])
	assert.Equal(t, "NCR", got["region"])
	assert.Contains(t, out.String(), "Chat room created successfully!")
	assert.Contains(t, out.String(), "Lobby (Manila)")
}

func TestRunCreateRoomInvalid(t *testing.T) {
	out := &bytes.Buffer{}
	err := run([]string{
		"-url", "http://localhost:1",
		"-key", apiKey(t),
		"-dsn=",
		"-identity=",
		"create-room", "-region", "NCR",
	}, strings.NewReader(""), out, testutil.TestLogger(t))

	require.Error(t, err)
	assert.Equal(t, roomsync.KindInvalid, roomsync.Classify(err))
	assert.Contains(t, out.String(), "Please provide a room name")
}

func TestRenderRoomLine(t *testing.T) {
	now := time.Now()
	line := renderRoomLine(types.RoomEntry{
		Room:            types.Room{Id: "r1", Name: "Lobby", Province: "Manila"},
		Participants:    3,
		UnreadCount:     2,
		HasActivity:     true,
		LastMessage:     "hello",
		LastMessageTime: now,
	})

	for _, want := range []string{"Lobby", "Manila", "r1", "3", "+2", "hello"} {
		assert.Contains(t, line, want)
	}

	quiet := renderRoomLine(types.RoomEntry{Room: types.Room{Id: "r2", Name: "Quiet"}})
	assert.NotContains(t, quiet, "●")
	assert.NotContains(t, quiet, "+")
}

func TestRenderView(t *testing.T) {
	out := &bytes.Buffer{}
	renderView(out, roomsync.View{
		Query: "lob",
		Total: 1,
		Groups: []roomsync.Group{
			{Region: "NCR", Title: "1. National Capital Region (NCR)", Expanded: true, Rooms: []types.RoomEntry{
				{Room: types.Room{Id: "r1", Name: "Lobby"}},
			}},
			{Region: "Other", Title: "Other Categories", Expanded: false, Rooms: []types.RoomEntry{
				{Room: types.Room{Id: "r9", Name: "Hidden"}},
			}},
		},
	})

	s := out.String()
	assert.Contains(t, s, `1 rooms matching "lob"`)
	assert.Contains(t, s, "National Capital Region")
	assert.Contains(t, s, "Lobby")
	assert.Contains(t, s, "Other Categories")
	assert.NotContains(t, s, "Hidden")
}

func TestRenderEntry(t *testing.T) {
	e := types.Entry{Message: types.Message{Sender: "Guest_ab", Text: "hi all", CreatedAt: time.Now()}}
	line := renderEntry(e)
	assert.Contains(t, line, "Guest_ab:")
	assert.Contains(t, line, "hi all")
}

func TestPrintNotifier(t *testing.T) {
	out := &bytes.Buffer{}
	n := newPrintNotifier(out)
	n.Notify(roomsync.Notification{Title: "Error", Description: "Failed to send message. Please try again.", Variant: roomsync.VariantDestructive})

	assert.Contains(t, out.String(), "Error:")
	assert.Contains(t, out.String(), "Failed to send message. Please try again.")
}
