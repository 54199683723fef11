// Package api serves the synchronized chat state over local HTTP so an
// external view layer can render it.
package api

import (
	"context"
	"fmt"
	"log"
	"net/http"

	"github.com/gorilla/handlers"
	"github.com/npezzotti/go-uzzap/internal/config"
	"github.com/npezzotti/go-uzzap/internal/roomsync"
	"github.com/npezzotti/go-uzzap/internal/session"
	"github.com/npezzotti/go-uzzap/internal/types"
)

type Pinger interface {
	Ping(ctx context.Context) error
}

type Directory interface {
	View(query string) roomsync.View
	Entries() []types.RoomEntry
	Entry(id string) (types.RoomEntry, bool)
	SetActiveRoom(id string)
	CreateRoom(ctx context.Context, req roomsync.CreateRoomRequest) (types.Room, error)
	RoomInfo(ctx context.Context, id string) (types.Room, error)
}

type Messages interface {
	Open(ctx context.Context, roomID string) error
	Send(ctx context.Context, text string) error
	Messages() []types.Entry
	Loading() bool
	RoomID() string
}

type Presence interface {
	SetRoom(roomID string)
	Count() int
	RoomCounts() map[string]int
	Online() []types.Presence
}

type Session interface {
	Identity() session.Identity
	SetUsername(name string) error
}

// Components are the state holders exposed by the server.
type Components struct {
	Repo      Pinger
	Directory Directory
	Messages  Messages
	Presence  Presence
	Session   Session
}

type Server struct {
	log *log.Logger
	Components
	srv *http.Server
}

// NewServer registers the API routes on mux, which may already carry
// other handlers such as /debug/vars.
func NewServer(mux *http.ServeMux, logger *log.Logger, c Components, cfg *config.Config) *Server {
	s := &Server{
		log:        logger,
		Components: c,
	}

	mux.HandleFunc("GET /healthz", s.healthCheck)
	mux.HandleFunc("GET /api/rooms", noCache(s.listRooms))
	mux.HandleFunc("POST /api/rooms", s.createRoom)
	mux.HandleFunc("GET /api/rooms/{id}", noCache(s.getRoom))
	mux.HandleFunc("GET /api/rooms/{id}/messages", noCache(s.getMessages))
	mux.HandleFunc("POST /api/rooms/{id}/messages", s.sendMessage)
	mux.HandleFunc("GET /api/presence", noCache(s.getPresence))
	mux.HandleFunc("GET /api/session", noCache(s.getSession))
	mux.HandleFunc("PUT /api/session", s.updateSession)

	h := handlers.CORS(
		handlers.MaxAge(3600),
		handlers.AllowedOrigins(cfg.AllowedOrigins),
		handlers.AllowedMethods([]string{http.MethodGet, http.MethodPost, http.MethodPut, http.MethodOptions}),
		handlers.AllowedHeaders([]string{"Origin", "Content-Type", "Accept"}),
	)(mux)

	h = handlers.LoggingHandler(logger.Writer(), h)
	h = s.errorHandler(h)

	s.srv = &http.Server{
		Addr:    cfg.ListenAddr,
		Handler: h,
	}
	return s
}

func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

func (s *Server) Start() error {
	s.log.Printf("starting server on %s\n", s.srv.Addr)
	return s.srv.ListenAndServe()
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Println("shutting down HTTP server...")
	if err := s.srv.Shutdown(ctx); err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}

	return nil
}
