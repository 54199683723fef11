package database

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/npezzotti/go-uzzap/internal/types"
)

const (
	roomsTable    = "chat_rooms"
	messagesTable = "messages"
	profilesTable = "profiles"
)

// RestRepository talks to the backend's PostgREST query API.
type RestRepository struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	log        *log.Logger
}

// NewRestRepository creates a repository for the query API rooted at
// baseURL, e.g. https://<project>.supabase.co/rest/v1.
func NewRestRepository(baseURL, apiKey string, logger *log.Logger) *RestRepository {
	return &RestRepository{
		baseURL: strings.TrimRight(baseURL, "/"),
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		log: logger,
	}
}

func (r *RestRepository) Ping(ctx context.Context) error {
	params := url.Values{}
	params.Set("select", "id")
	params.Set("limit", "1")

	var rows []struct{}
	if err := r.get(ctx, roomsTable, params, &rows); err != nil {
		return fmt.Errorf("database.Ping: %w", err)
	}
	return nil
}

func (r *RestRepository) ListRooms(ctx context.Context) ([]types.Room, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("order", "name.asc")

	rooms := []types.Room{}
	if err := r.get(ctx, roomsTable, params, &rooms); err != nil {
		return nil, fmt.Errorf("database.ListRooms: %w", err)
	}
	return rooms, nil
}

func (r *RestRepository) GetRoom(ctx context.Context, id string) (types.Room, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("id", "eq."+id)
	params.Set("limit", "1")

	var rooms []types.Room
	if err := r.get(ctx, roomsTable, params, &rooms); err != nil {
		return types.Room{}, fmt.Errorf("database.GetRoom: %w", err)
	}
	if len(rooms) == 0 {
		return types.Room{}, fmt.Errorf("database.GetRoom: room %q: %w", id, ErrNotFound)
	}
	return rooms[0], nil
}

func (r *RestRepository) CreateRoom(ctx context.Context, params CreateRoomParams) (types.Room, error) {
	var rooms []types.Room
	if err := r.insert(ctx, roomsTable, params, &rooms); err != nil {
		return types.Room{}, fmt.Errorf("database.CreateRoom: %w", err)
	}
	if len(rooms) == 0 {
		return types.Room{}, fmt.Errorf("database.CreateRoom: empty representation")
	}
	return rooms[0], nil
}

func (r *RestRepository) ListMessages(ctx context.Context, roomId string) ([]types.Message, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("room_id", "eq."+roomId)
	params.Set("order", "created_at.asc")

	msgs := []types.Message{}
	if err := r.get(ctx, messagesTable, params, &msgs); err != nil {
		return nil, fmt.Errorf("database.ListMessages: %w", err)
	}
	return msgs, nil
}

func (r *RestRepository) LastMessage(ctx context.Context, roomId string) (*types.Message, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("room_id", "eq."+roomId)
	params.Set("order", "created_at.desc")
	params.Set("limit", "1")

	var msgs []types.Message
	if err := r.get(ctx, messagesTable, params, &msgs); err != nil {
		return nil, fmt.Errorf("database.LastMessage: %w", err)
	}
	if len(msgs) == 0 {
		return nil, nil
	}
	return &msgs[0], nil
}

func (r *RestRepository) CreateMessage(ctx context.Context, params CreateMessageParams) (types.Message, error) {
	var msgs []types.Message
	if err := r.insert(ctx, messagesTable, params, &msgs); err != nil {
		return types.Message{}, fmt.Errorf("database.CreateMessage: %w", err)
	}
	if len(msgs) == 0 {
		return types.Message{}, fmt.Errorf("database.CreateMessage: empty representation")
	}
	return msgs[0], nil
}

func (r *RestRepository) SearchProfiles(ctx context.Context, query string, limit int) ([]types.Profile, error) {
	params := url.Values{}
	params.Set("select", "*")
	params.Set("username", "ilike.%"+escapeLike(query)+"%")
	params.Set("limit", strconv.Itoa(limit))

	profiles := []types.Profile{}
	if err := r.get(ctx, profilesTable, params, &profiles); err != nil {
		return nil, fmt.Errorf("database.SearchProfiles: %w", err)
	}
	return profiles, nil
}

func (r *RestRepository) get(ctx context.Context, table string, params url.Values, out any) error {
	return r.doRequest(ctx, http.MethodGet, "/"+table+"?"+params.Encode(), nil, out)
}

func (r *RestRepository) insert(ctx context.Context, table string, body any, out any) error {
	return r.doRequest(ctx, http.MethodPost, "/"+table, body, out)
}

func (r *RestRepository) doRequest(ctx context.Context, method, path string, body any, out any) error {
	var reqBody io.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("marshal body: %w", err)
		}
		reqBody = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, r.baseURL+path, reqBody)
	if err != nil {
		return fmt.Errorf("create request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("apikey", r.apiKey)
	req.Header.Set("Authorization", "Bearer "+r.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Prefer", "return=representation")
	}

	resp, err := r.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return fmt.Errorf("do request: %w", ctx.Err())
		}
		return fmt.Errorf("do request: %w: %w", ErrNetwork, err)
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		respBody, readErr := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		if readErr != nil {
			return newApiError(resp.StatusCode, "", fmt.Sprintf("failed to read body: %v", readErr))
		}
		var pgErr struct {
			Code    string `json:"code"`
			Message string `json:"message"`
		}
		if json.Unmarshal(respBody, &pgErr) == nil && pgErr.Message != "" {
			return newApiError(resp.StatusCode, pgErr.Code, pgErr.Message)
		}
		return newApiError(resp.StatusCode, "", strings.TrimSpace(string(respBody)))
	}

	if out != nil {
		if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
			return fmt.Errorf("decode response: %w", err)
		}
	}

	r.log.Printf("%s %s: %d", method, path, resp.StatusCode)
	return nil
}
