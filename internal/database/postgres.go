package database

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"net"

	"github.com/lib/pq"
	"github.com/npezzotti/go-uzzap/internal/types"
)

const (
	roomColumns    = "id, name, region, province, category, description, created_at, updated_at"
	messageColumns = "id, room_id, sender, text, created_at"
	profileColumns = "id, username, status, last_seen"

	listRoomsQuery    = "SELECT " + roomColumns + " FROM chat_rooms ORDER BY name ASC"
	getRoomQuery      = "SELECT " + roomColumns + " FROM chat_rooms WHERE id = $1 LIMIT 1"
	createRoomQuery   = "INSERT INTO chat_rooms (name, region, province, category, description) VALUES ($1, $2, $3, $4, $5) RETURNING " + roomColumns
	listMessagesQuery = "SELECT " + messageColumns + " FROM messages WHERE room_id = $1 ORDER BY created_at ASC"
	lastMessageQuery  = "SELECT " + messageColumns + " FROM messages WHERE room_id = $1 ORDER BY created_at DESC LIMIT 1"
	createMsgQuery    = "INSERT INTO messages (room_id, sender, text) VALUES ($1, $2, $3) RETURNING " + messageColumns
	searchProfQuery   = "SELECT " + profileColumns + " FROM profiles WHERE username ILIKE $1 ORDER BY username ASC LIMIT $2"
)

// PgRepository reads and writes the backend tables directly, for
// self-hosted deployments.
type PgRepository struct {
	conn *sql.DB
}

func NewPgRepository(dsn string) (*PgRepository, error) {
	db, err := sql.Open("postgres", dsn)
	if err != nil {
		return nil, err
	}

	if err := db.Ping(); err != nil {
		db.Close()
		return nil, err
	}

	return &PgRepository{conn: db}, nil
}

func (db *PgRepository) Close() error {
	if db.conn != nil {
		return db.conn.Close()
	}
	return nil
}

func (db *PgRepository) Ping(ctx context.Context) error {
	if err := db.conn.PingContext(ctx); err != nil {
		return fmt.Errorf("database.Ping: %w", pgError(err))
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanRoom(row rowScanner) (types.Room, error) {
	var (
		room                                    types.Room
		region, province, category, description sql.NullString
	)
	err := row.Scan(
		&room.Id,
		&room.Name,
		&region,
		&province,
		&category,
		&description,
		&room.CreatedAt,
		&room.UpdatedAt,
	)
	room.Region = region.String
	room.Province = province.String
	room.Category = category.String
	room.Description = description.String
	return room, err
}

func scanMessage(row rowScanner) (types.Message, error) {
	var msg types.Message
	err := row.Scan(
		&msg.Id,
		&msg.RoomId,
		&msg.Sender,
		&msg.Text,
		&msg.CreatedAt,
	)
	return msg, err
}

func (db *PgRepository) ListRooms(ctx context.Context) ([]types.Room, error) {
	rows, err := db.conn.QueryContext(ctx, listRoomsQuery)
	if err != nil {
		return nil, fmt.Errorf("database.ListRooms: %w", pgError(err))
	}
	defer rows.Close()

	rooms := []types.Room{}
	for rows.Next() {
		room, err := scanRoom(rows)
		if err != nil {
			return nil, fmt.Errorf("database.ListRooms: scan: %w", err)
		}
		rooms = append(rooms, room)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database.ListRooms: %w", pgError(err))
	}

	return rooms, nil
}

func (db *PgRepository) GetRoom(ctx context.Context, id string) (types.Room, error) {
	room, err := scanRoom(db.conn.QueryRowContext(ctx, getRoomQuery, id))
	if err != nil {
		return types.Room{}, fmt.Errorf("database.GetRoom: room %q: %w", id, pgError(err))
	}
	return room, nil
}

func (db *PgRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	row := db.conn.QueryRowContext(ctx, createRoomQuery,
		params.Name,
		nullString(params.Region),
		nullString(params.Province),
		nullString(params.Category),
		nullString(params.Description),
	)

	room, err := scanRoom(row)
	if err != nil {
		return types.Room{}, fmt.Errorf("database.CreateRoom: %w", pgError(err))
	}
	return room, nil
}

func (db *PgRepository) ListMessages(ctx context.Context, roomId string) ([]types.Message, error) {
	rows, err := db.conn.QueryContext(ctx, listMessagesQuery, roomId)
	if err != nil {
		return nil, fmt.Errorf("database.ListMessages: %w", pgError(err))
	}
	defer rows.Close()

	msgs := []types.Message{}
	for rows.Next() {
		msg, err := scanMessage(rows)
		if err != nil {
			return nil, fmt.Errorf("database.ListMessages: scan: %w", err)
		}
		msgs = append(msgs, msg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database.ListMessages: %w", pgError(err))
	}

	return msgs, nil
}

func (db *PgRepository) LastMessage(ctx context.Context, roomId string) (*types.Message, error) {
	msg, err := scanMessage(db.conn.QueryRowContext(ctx, lastMessageQuery, roomId))
	if errors.Is(err, sql.ErrNoRows) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("database.LastMessage: %w", pgError(err))
	}
	return &msg, nil
}

func (db *PgRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	msg, err := scanMessage(db.conn.QueryRowContext(ctx, createMsgQuery, params.RoomId, params.Sender, params.Text))
	if err != nil {
		return types.Message{}, fmt.Errorf("database.CreateMessage: %w", pgError(err))
	}
	return msg, nil
}

func (db *PgRepository) SearchProfiles(ctx context.Context, query string, limit int) ([]types.Profile, error) {
	rows, err := db.conn.QueryContext(ctx, searchProfQuery, "%"+escapeLike(query)+"%", limit)
	if err != nil {
		return nil, fmt.Errorf("database.SearchProfiles: %w", pgError(err))
	}
	defer rows.Close()

	profiles := []types.Profile{}
	for rows.Next() {
		var (
			p        types.Profile
			status   sql.NullString
			lastSeen sql.NullTime
		)
		if err := rows.Scan(&p.Id, &p.Username, &status, &lastSeen); err != nil {
			return nil, fmt.Errorf("database.SearchProfiles: scan: %w", err)
		}
		p.Status = types.ParseStatus(status.String)
		if lastSeen.Valid {
			t := lastSeen.Time
			p.LastSeen = &t
		}
		profiles = append(profiles, p)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("database.SearchProfiles: %w", pgError(err))
	}

	return profiles, nil
}

func nullString(s string) sql.NullString {
	return sql.NullString{String: s, Valid: s != ""}
}

// pgError maps driver errors onto the package sentinels.
func pgError(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return fmt.Errorf("%w: %w", ErrNotFound, err)
	}

	var pqErr *pq.Error
	if errors.As(err, &pqErr) {
		switch pqErr.Code {
		case "23505":
			return fmt.Errorf("%w: %w", ErrConflict, err)
		case "23503":
			return fmt.Errorf("%w: %w", ErrNotFound, err)
		case "42501":
			return fmt.Errorf("%w: %w", ErrForbidden, err)
		case "28000", "28P01":
			return fmt.Errorf("%w: %w", ErrUnauthorized, err)
		}
		return err
	}

	var netErr net.Error
	if errors.As(err, &netErr) {
		return fmt.Errorf("%w: %w", ErrNetwork, err)
	}

	return err
}
