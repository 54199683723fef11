package database

import (
	"context"
	"strings"

	"github.com/npezzotti/go-uzzap/internal/types"
)

type CreateRoomParams struct {
	Name        string `json:"name"`
	Region      string `json:"region,omitempty"`
	Province    string `json:"province,omitempty"`
	Category    string `json:"category,omitempty"`
	Description string `json:"description,omitempty"`
}

type CreateMessageParams struct {
	RoomId string `json:"room_id"`
	Sender string `json:"sender"`
	Text   string `json:"text"`
}

// Repository is the client's view of the backend collections chat_rooms,
// messages and profiles.
type Repository interface {
	Ping(ctx context.Context) error
	ListRooms(ctx context.Context) ([]types.Room, error)
	GetRoom(ctx context.Context, id string) (types.Room, error)
	CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error)
	// ListMessages returns every message of a room, oldest first.
	ListMessages(ctx context.Context, roomId string) ([]types.Message, error)
	// LastMessage returns nil when the room has no messages.
	LastMessage(ctx context.Context, roomId string) (*types.Message, error)
	CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error)
	SearchProfiles(ctx context.Context, query string, limit int) ([]types.Profile, error)
}

var likeEscaper = strings.NewReplacer(`\`, `\\`, `%`, `\%`, `_`, `\_`)

// escapeLike quotes the pattern characters of s so that a search matches
// it literally in both repository implementations.
func escapeLike(s string) string {
	return likeEscaper.Replace(s)
}
