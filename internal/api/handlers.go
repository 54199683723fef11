package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/npezzotti/go-uzzap/internal/roomsync"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/types"
)

type SendMessageRequest struct {
	Text string `json:"text"`
}

type UpdateSessionRequest struct {
	Username string `json:"username"`
}

type RoomResponse struct {
	types.Room
	Header       string `json:"header"`
	Participants int    `json:"participants"`
	UnreadCount  int    `json:"unread_count"`
}

type MessagesResponse struct {
	RoomId   string        `json:"room_id"`
	Loading  bool          `json:"loading"`
	Messages []types.Entry `json:"messages"`
}

type PresenceResponse struct {
	Count      int              `json:"count"`
	RoomCounts map[string]int   `json:"room_counts"`
	Online     []types.Presence `json:"online"`
}

type TabResponse struct {
	Tab   roomsync.Tab      `json:"tab"`
	Rooms []types.RoomEntry `json:"rooms"`
}

func (s *Server) writeJson(w http.ResponseWriter, statusCode int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	if v == nil {
		return
	}

	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.log.Printf("json encode: %v", err)
	}
}

func (s *Server) writeError(w http.ResponseWriter, errResp *ApiError) {
	if errResp.StatusCode >= http.StatusInternalServerError {
		s.log.Println(errResp)
	}
	s.writeJson(w, errResp.StatusCode, errResp)
}

func (s *Server) healthCheck(w http.ResponseWriter, r *http.Request) {
	if err := s.Repo.Ping(r.Context()); err != nil {
		s.writeError(w, NewInternalServerError(err))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

// listRooms returns the grouped directory view, or a flat list ordered for
// a tab when tab is set.
func (s *Server) listRooms(w http.ResponseWriter, r *http.Request) {
	query := r.URL.Query().Get("q")
	tab := r.URL.Query().Get("tab")

	if tab == "" {
		s.writeJson(w, http.StatusOK, s.Directory.View(query))
		return
	}

	t := roomsync.ParseTab(tab)
	rooms := roomsync.ByTab(roomsync.FilterRooms(s.Directory.Entries(), query), t)
	s.writeJson(w, http.StatusOK, TabResponse{Tab: t, Rooms: rooms})
}

func (s *Server) getRoom(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")

	room, err := s.Directory.RoomInfo(r.Context(), id)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	resp := RoomResponse{Room: room, Header: room.Header()}
	if e, ok := s.Directory.Entry(id); ok {
		resp.Participants = e.Participants
		resp.UnreadCount = e.UnreadCount
	}
	s.writeJson(w, http.StatusOK, resp)
}

func (s *Server) createRoom(w http.ResponseWriter, r *http.Request) {
	var req roomsync.CreateRoomRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	room, err := s.Directory.CreateRoom(r.Context(), req)
	if err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	s.writeJson(w, http.StatusCreated, room)
}

// openRoom makes id the room whose log is held, marks it as viewed and
// announces it on the presence channel.
func (s *Server) openRoom(r *http.Request, id string) error {
	if s.Messages.RoomID() != id {
		if err := s.Messages.Open(r.Context(), id); err != nil {
			return err
		}
	}
	s.Directory.SetActiveRoom(id)
	s.Presence.SetRoom(id)
	return nil
}

func (s *Server) messagesResponse() MessagesResponse {
	return MessagesResponse{
		RoomId:   s.Messages.RoomID(),
		Loading:  s.Messages.Loading(),
		Messages: s.Messages.Messages(),
	}
}

func (s *Server) getMessages(w http.ResponseWriter, r *http.Request) {
	if err := s.openRoom(r, r.PathValue("id")); err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	s.writeJson(w, http.StatusOK, s.messagesResponse())
}

func (s *Server) sendMessage(w http.ResponseWriter, r *http.Request) {
	var req SendMessageRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil || strings.TrimSpace(req.Text) == "" {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.openRoom(r, r.PathValue("id")); err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	if err := s.Messages.Send(r.Context(), req.Text); err != nil {
		s.writeError(w, errorFor(err))
		return
	}

	s.writeJson(w, http.StatusCreated, s.messagesResponse())
}

func (s *Server) getPresence(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, PresenceResponse{
		Count:      s.Presence.Count(),
		RoomCounts: s.Presence.RoomCounts(),
		Online:     s.Presence.Online(),
	})
}

func (s *Server) getSession(w http.ResponseWriter, _ *http.Request) {
	s.writeJson(w, http.StatusOK, s.Session.Identity())
}

func (s *Server) updateSession(w http.ResponseWriter, r *http.Request) {
	var req UpdateSessionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		s.writeError(w, NewBadRequestError())
		return
	}

	if err := s.Session.SetUsername(req.Username); err != nil {
		if errors.Is(err, session.ErrInvalidUsername) {
			errResp := NewBadRequestError()
			errResp.Err = err
			s.writeError(w, errResp)
			return
		}
		s.writeError(w, NewInternalServerError(err))
		return
	}

	s.writeJson(w, http.StatusOK, s.Session.Identity())
}
