package database

import (
	"context"

	"github.com/npezzotti/go-uzzap/internal/types"
	"github.com/stretchr/testify/mock"
)

type MockRepository struct {
	mock.Mock
}

func (m *MockRepository) Ping(ctx context.Context) error {
	args := m.Called(ctx)
	return args.Error(0)
}

func (m *MockRepository) ListRooms(ctx context.Context) ([]types.Room, error) {
	args := m.Called(ctx)
	rooms, _ := args.Get(0).([]types.Room)
	return rooms, args.Error(1)
}

func (m *MockRepository) GetRoom(ctx context.Context, id string) (types.Room, error) {
	args := m.Called(ctx, id)
	return args.Get(0).(types.Room), args.Error(1)
}

func (m *MockRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Room), args.Error(1)
}

func (m *MockRepository) ListMessages(ctx context.Context, roomId string) ([]types.Message, error) {
	args := m.Called(ctx, roomId)
	msgs, _ := args.Get(0).([]types.Message)
	return msgs, args.Error(1)
}

func (m *MockRepository) LastMessage(ctx context.Context, roomId string) (*types.Message, error) {
	args := m.Called(ctx, roomId)
	msg, _ := args.Get(0).(*types.Message)
	return msg, args.Error(1)
}

func (m *MockRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	args := m.Called(ctx, params)
	return args.Get(0).(types.Message), args.Error(1)
}

func (m *MockRepository) SearchProfiles(ctx context.Context, query string, limit int) ([]types.Profile, error) {
	args := m.Called(ctx, query, limit)
	profiles, _ := args.Get(0).([]types.Profile)
	return profiles, args.Error(1)
}
