package realtime

import (
	"encoding/json"
	"fmt"
	"time"
)

const (
	EventJoin            = "phx_join"
	EventReply           = "phx_reply"
	EventLeave           = "phx_leave"
	EventClose           = "phx_close"
	EventError           = "phx_error"
	EventHeartbeat       = "heartbeat"
	EventPostgresChanges = "postgres_changes"
	EventPresenceState   = "presence_state"
	EventPresenceDiff    = "presence_diff"
	EventPresence        = "presence"
	EventSystem          = "system"

	phoenixTopic = "phoenix"
	topicPrefix  = "realtime:"

	ReplyOK    = "ok"
	ReplyError = "error"

	protocolVersion = "1.0.0"
	defaultSchema   = "public"
)

// Topic returns the wire topic for a channel name.
func Topic(name string) string {
	return topicPrefix + name
}

// Message is a Phoenix v1 JSON frame.
type Message struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     string          `json:"ref,omitempty"`
	JoinRef string          `json:"join_ref,omitempty"`
}

func newMessage(topic, event string, payload any, ref, joinRef string) (*Message, error) {
	if payload == nil {
		payload = struct{}{}
	}
	raw, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode %s payload: %w", event, err)
	}
	return &Message{
		Topic:   topic,
		Event:   event,
		Payload: raw,
		Ref:     ref,
		JoinRef: joinRef,
	}, nil
}

type ReplyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

// Reason extracts the server's explanation from an error reply.
func (r ReplyPayload) Reason() string {
	var resp struct {
		Reason string `json:"reason"`
	}
	if json.Unmarshal(r.Response, &resp) == nil && resp.Reason != "" {
		return resp.Reason
	}
	return string(r.Response)
}

type JoinPayload struct {
	Config      JoinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

type JoinConfig struct {
	Broadcast       BroadcastConfig `json:"broadcast"`
	Presence        PresenceConfig  `json:"presence"`
	PostgresChanges []ChangeFilter  `json:"postgres_changes"`
}

type BroadcastConfig struct {
	Self bool `json:"self"`
	Ack  bool `json:"ack"`
}

type PresenceConfig struct {
	Key string `json:"key"`
}

// ChangeFilter selects row changes on one table. Event is INSERT, UPDATE,
// DELETE or * for all of them.
type ChangeFilter struct {
	Id     int    `json:"id,omitempty"`
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

func (f ChangeFilter) same(o ChangeFilter) bool {
	return f.Event == o.Event && f.Schema == o.Schema && f.Table == o.Table && f.Filter == o.Filter
}

func (f ChangeFilter) matches(c Change) bool {
	if f.Table != c.Table {
		return false
	}
	if f.Schema != "" && c.Schema != "" && f.Schema != c.Schema {
		return false
	}
	return f.Event == "*" || f.Event == c.Type
}

type joinReplyResponse struct {
	PostgresChanges []ChangeFilter `json:"postgres_changes"`
}

const (
	ChangeInsert = "INSERT"
	ChangeUpdate = "UPDATE"
	ChangeDelete = "DELETE"
)

// Change is a committed row change pushed on a channel.
type Change struct {
	Type            string          `json:"type"`
	Schema          string          `json:"schema"`
	Table           string          `json:"table"`
	CommitTimestamp time.Time       `json:"commit_timestamp"`
	Record          json.RawMessage `json:"record,omitempty"`
	OldRecord       json.RawMessage `json:"old_record,omitempty"`
}

// Decode unmarshals the new row into v.
func (c Change) Decode(v any) error {
	if len(c.Record) == 0 {
		return fmt.Errorf("%s on %s has no record", c.Type, c.Table)
	}
	return json.Unmarshal(c.Record, v)
}

// DecodeOld unmarshals the previous row into v. Deletes usually carry only
// the primary key.
func (c Change) DecodeOld(v any) error {
	if len(c.OldRecord) == 0 {
		return fmt.Errorf("%s on %s has no old record", c.Type, c.Table)
	}
	return json.Unmarshal(c.OldRecord, v)
}

type changePayload struct {
	Ids  []int  `json:"ids"`
	Data Change `json:"data"`
}

type presencePush struct {
	Type    string `json:"type"`
	Event   string `json:"event"`
	Payload any    `json:"payload,omitempty"`
}

type SystemPayload struct {
	Status    string `json:"status"`
	Extension string `json:"extension"`
	Message   string `json:"message"`
	Channel   string `json:"channel"`
}
