package types

import (
	"time"
)

// ActivityWindow is how recent a room's last message must be for the room
// to be flagged as active.
const ActivityWindow = time.Hour

type Room struct {
	Id          string    `json:"id"`
	Name        string    `json:"name"`
	Region      string    `json:"region,omitempty"`
	Province    string    `json:"province,omitempty"`
	Category    string    `json:"category,omitempty"`
	Description string    `json:"description,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
	UpdatedAt   time.Time `json:"updated_at,omitempty"`
}

// Header returns the display title used on a room's detail view.
func (r Room) Header() string {
	switch {
	case r.Province != "":
		return r.Name + " (" + r.Province + ")"
	case r.Region != "":
		return r.Name + " (" + r.Region + ")"
	default:
		return r.Name
	}
}

// RoomEntry is a room as listed in the directory, with fields derived
// locally from presence and the message feed.
type RoomEntry struct {
	Room
	Participants    int       `json:"participants"`
	HasActivity     bool      `json:"has_activity"`
	UnreadCount     int       `json:"unread_count"`
	LastMessage     string    `json:"last_message,omitempty"`
	LastMessageTime time.Time `json:"last_message_time,omitempty"`
}

type Message struct {
	Id        string    `json:"id"`
	RoomId    string    `json:"room_id"`
	Sender    string    `json:"sender"`
	Text      string    `json:"text"`
	CreatedAt time.Time `json:"created_at"`
}

// Entry is a message as held in a room's local log.
type Entry struct {
	Message
	IsCurrentUser bool   `json:"is_current_user"`
	Pending       bool   `json:"pending,omitempty"`
	ClientRef     string `json:"client_ref,omitempty"`
}

type Status string

const (
	StatusOnline  Status = "online"
	StatusAway    Status = "away"
	StatusBusy    Status = "busy"
	StatusOffline Status = "offline"
)

// ParseStatus maps unknown values to offline.
func ParseStatus(s string) Status {
	switch Status(s) {
	case StatusOnline, StatusAway, StatusBusy:
		return Status(s)
	default:
		return StatusOffline
	}
}

type Profile struct {
	Id       string     `json:"id"`
	Username string     `json:"username"`
	Status   Status     `json:"status"`
	LastSeen *time.Time `json:"last_seen,omitempty"`
}

type Buddy struct {
	Profile
	HasNewMessages bool `json:"has_new_messages,omitempty"`
}

// Presence is the state a client announces on a presence channel.
type Presence struct {
	UserId   string    `json:"user_id"`
	Username string    `json:"username"`
	RoomId   string    `json:"room_id,omitempty"`
	OnlineAt time.Time `json:"online_at"`
}

// HasActivity reports whether a message sent at last counts as recent
// activity at now.
func HasActivity(last, now time.Time) bool {
	if last.IsZero() {
		return false
	}
	return now.Sub(last) < ActivityWindow
}
