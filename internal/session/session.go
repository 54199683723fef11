package session

import (
	"encoding/json"
	"errors"
	"fmt"
	"io/fs"
	"log"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/teris-io/shortid"
)

const (
	guestPrefix    = "Guest-"
	maxUsernameLen = 32
)

var ErrInvalidUsername = errors.New("username must be between 1 and 32 characters")

// Identity is who the local user is: a pseudo-random id and a display name.
type Identity struct {
	UserId   string `json:"user_id"`
	Username string `json:"username"`
}

// Store holds the current identity, persists it to a file and notifies
// subscribers when it changes.
type Store struct {
	mu      sync.RWMutex
	path    string
	ident   Identity
	subs    map[int]chan Identity
	nextSub int
	log     *log.Logger
}

// GuestName returns the default display name for a user id.
func GuestName(userId string) string {
	if len(userId) > 5 {
		userId = userId[:5]
	}
	return guestPrefix + userId
}

// Open loads the identity stored at path, creating and persisting a new
// guest identity if none exists. An empty path keeps the identity in
// memory only.
func Open(path string, logger *log.Logger) (*Store, error) {
	s := &Store{
		path: path,
		subs: make(map[int]chan Identity),
		log:  logger,
	}

	if path != "" {
		ident, err := load(path)
		switch {
		case err == nil:
			s.ident = ident
			return s, nil
		case !errors.Is(err, fs.ErrNotExist):
			logger.Printf("discarding unreadable identity file %q: %v", path, err)
		}
	}

	id, err := shortid.Generate()
	if err != nil {
		return nil, fmt.Errorf("generate user id: %w", err)
	}
	s.ident = Identity{UserId: id, Username: GuestName(id)}

	if err := s.save(s.ident); err != nil {
		return nil, err
	}
	logger.Printf("created identity %s (%s)", s.ident.UserId, s.ident.Username)

	return s, nil
}

func load(path string) (Identity, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return Identity{}, err
	}

	var ident Identity
	if err := json.Unmarshal(data, &ident); err != nil {
		return Identity{}, fmt.Errorf("decode identity: %w", err)
	}
	if ident.UserId == "" {
		return Identity{}, errors.New("identity has no user id")
	}
	if ident.Username == "" {
		ident.Username = GuestName(ident.UserId)
	}
	return ident, nil
}

func (s *Store) save(ident Identity) error {
	if s.path == "" {
		return nil
	}

	if err := os.MkdirAll(filepath.Dir(s.path), 0o700); err != nil {
		return fmt.Errorf("create identity dir: %w", err)
	}
	data, err := json.MarshalIndent(ident, "", "  ")
	if err != nil {
		return fmt.Errorf("encode identity: %w", err)
	}

	tmp := s.path + ".tmp"
	if err := os.WriteFile(tmp, data, 0o600); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	if err := os.Rename(tmp, s.path); err != nil {
		return fmt.Errorf("write identity: %w", err)
	}
	return nil
}

func (s *Store) Identity() Identity {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.ident
}

func (s *Store) UserId() string {
	return s.Identity().UserId
}

func (s *Store) Username() string {
	return s.Identity().Username
}

// SetUsername changes the display name, persists it and notifies
// subscribers. Setting the current name again is a no-op.
func (s *Store) SetUsername(name string) error {
	name = strings.TrimSpace(name)
	if name == "" || len([]rune(name)) > maxUsernameLen {
		return ErrInvalidUsername
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if name == s.ident.Username {
		return nil
	}

	next := s.ident
	next.Username = name
	if err := s.save(next); err != nil {
		return err
	}
	s.ident = next
	s.log.Printf("username changed to %q", name)

	for _, ch := range s.subs {
		publish(ch, next)
	}
	return nil
}

// publish keeps only the latest identity in a subscriber's buffer.
func publish(ch chan Identity, ident Identity) {
	select {
	case ch <- ident:
		return
	default:
	}
	select {
	case <-ch:
	default:
	}
	select {
	case ch <- ident:
	default:
	}
}

// Subscribe returns a channel receiving the identity after each change and
// a function that ends the subscription and closes the channel.
func (s *Store) Subscribe() (<-chan Identity, func()) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id := s.nextSub
	s.nextSub++
	ch := make(chan Identity, 1)
	s.subs[id] = ch

	var once sync.Once
	return ch, func() {
		once.Do(func() {
			s.mu.Lock()
			defer s.mu.Unlock()
			delete(s.subs, id)
			close(ch)
		})
	}
}
