package api

import (
	"context"

	"github.com/npezzotti/go-uzzap/internal/roomsync"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/types"
	"github.com/stretchr/testify/mock"
)

type mockDirectory struct {
	mock.Mock
}

func (m *mockDirectory) View(query string) roomsync.View {
	return m.Called(query).Get(0).(roomsync.View)
}

func (m *mockDirectory) Entries() []types.RoomEntry {
	entries, _ := m.Called().Get(0).([]types.RoomEntry)
	return entries
}

func (m *mockDirectory) Entry(id string) (types.RoomEntry, bool) {
	args := m.Called(id)
	return args.Get(0).(types.RoomEntry), args.Bool(1)
}

func (m *mockDirectory) SetActiveRoom(id string) {
	m.Called(id)
}

func (m *mockDirectory) CreateRoom(ctx context.Context, req roomsync.CreateRoomRequest) (types.Room, error) {
	args := m.Called(ctx, req)
	return args.Get(0).(types.Room), args.Error(1)
}

func (m *mockDirectory) RoomInfo(ctx context.Context, id string) (types.Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Room), args.Error(1)
}

type mockMessages struct {
	mock.Mock
}

func (m *mockMessages) Open(ctx context.Context, roomID string) error {
	return m.Called(ctx, roomID).Error(0)
}

func (m *mockMessages) Send(ctx context.Context, text string) error {
	return m.Called(ctx, text).Error(0)
}

func (m *mockMessages) Messages() []types.Entry {
	entries, _ := m.Called().Get(0).([]types.Entry)
	return entries
}

func (m *mockMessages) Loading() bool {
	return m.Called().Bool(0)
}

func (m *mockMessages) RoomID() string {
	return m.Called().String(0)
}

type mockPinger struct {
	mock.Mock
}

func (m *mockPinger) Ping(ctx context.Context) error {
	return m.Called(ctx).Error(0)
}

type fakePresence struct {
	count  int
	rooms  map[string]int
	online []types.Presence
	room   string
}

func (f *fakePresence) SetRoom(roomID string)      { f.room = roomID }
func (f *fakePresence) Count() int                 { return f.count }
func (f *fakePresence) RoomCounts() map[string]int { return f.rooms }
func (f *fakePresence) Online() []types.Presence   { return f.online }

type fakeSession struct {
	ident session.Identity
	err   error
}

func (f *fakeSession) Identity() session.Identity {
	return f.ident
}

func (f *fakeSession) SetUsername(name string) error {
	if f.err != nil {
		return f.err
	}
	f.ident.Username = name
	return nil
}
