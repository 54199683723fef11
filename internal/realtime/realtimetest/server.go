// Package realtimetest provides an in-process realtime service for tests.
// It speaks enough of the Phoenix v1 protocol to join and leave channels,
// answer heartbeats, track presence and push row changes.
package realtimetest

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"sync"

	"github.com/gorilla/websocket"
	"github.com/npezzotti/go-uzzap/internal/realtime"
)

type conn struct {
	ws  *websocket.Conn
	wmu sync.Mutex
}

func (c *conn) send(msg realtime.Message) {
	c.wmu.Lock()
	defer c.wmu.Unlock()
	c.ws.WriteJSON(msg)
}

type member struct {
	conn    *conn
	topic   string
	joinRef string
	key     string
	filters []realtime.ChangeFilter
	tracked realtime.Meta
}

type Server struct {
	*httptest.Server

	upgrader websocket.Upgrader

	mu       sync.Mutex
	conns    map[*conn]bool
	accepted int
	members  []*member
	received []realtime.Message
	reject   map[string]string
	ignore   map[string]bool
	nextId   int
	nextRef  int
}

func NewServer() *Server {
	s := &Server{
		conns:  make(map[*conn]bool),
		reject: make(map[string]string),
		ignore: make(map[string]bool),
		nextId: 1000,
	}
	s.Server = httptest.NewServer(http.HandlerFunc(s.serveWs))
	return s
}

// URL returns the websocket endpoint of the server.
func (s *Server) URL() string {
	return "ws" + strings.TrimPrefix(s.Server.URL, "http") + "/realtime/v1/websocket"
}

func (s *Server) serveWs(w http.ResponseWriter, r *http.Request) {
	if r.URL.Query().Get("apikey") == "" {
		http.Error(w, "missing apikey", http.StatusUnauthorized)
		return
	}
	ws, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	c := &conn{ws: ws}

	s.mu.Lock()
	s.conns[c] = true
	s.accepted++
	s.mu.Unlock()

	defer s.drop(c)
	for {
		var msg realtime.Message
		if err := ws.ReadJSON(&msg); err != nil {
			return
		}
		s.handle(c, msg)
	}
}

func (s *Server) drop(c *conn) {
	c.ws.Close()

	s.mu.Lock()
	delete(s.conns, c)
	var gone []*member
	kept := s.members[:0]
	for _, m := range s.members {
		if m.conn == c {
			gone = append(gone, m)
		} else {
			kept = append(kept, m)
		}
	}
	s.members = kept
	s.mu.Unlock()

	for _, m := range gone {
		if m.tracked != nil {
			s.broadcastDiff(m.topic, nil, map[string][]realtime.Meta{m.key: {m.tracked}})
		}
	}
}

func (s *Server) handle(c *conn, msg realtime.Message) {
	s.mu.Lock()
	s.received = append(s.received, msg)
	s.mu.Unlock()

	switch msg.Event {
	case realtime.EventHeartbeat:
		s.reply(c, msg, realtime.ReplyOK, map[string]any{})
	case realtime.EventJoin:
		s.handleJoin(c, msg)
	case realtime.EventLeave:
		s.handleLeave(c, msg)
	case realtime.EventPresence:
		s.handlePresence(c, msg)
	}
}

func (s *Server) reply(c *conn, msg realtime.Message, status string, response any) {
	payload, _ := json.Marshal(map[string]any{"status": status, "response": response})
	c.send(realtime.Message{
		Topic:   msg.Topic,
		Event:   realtime.EventReply,
		Payload: payload,
		Ref:     msg.Ref,
		JoinRef: msg.JoinRef,
	})
}

func (s *Server) handleJoin(c *conn, msg realtime.Message) {
	s.mu.Lock()
	if s.ignore[msg.Topic] {
		s.mu.Unlock()
		return
	}
	if reason, ok := s.reject[msg.Topic]; ok {
		s.mu.Unlock()
		s.reply(c, msg, realtime.ReplyError, map[string]string{"reason": reason})
		return
	}

	var join realtime.JoinPayload
	json.Unmarshal(msg.Payload, &join)

	m := &member{
		conn:    c,
		topic:   msg.Topic,
		joinRef: msg.JoinRef,
		key:     join.Config.Presence.Key,
	}
	for _, f := range join.Config.PostgresChanges {
		f.Id = s.nextId
		s.nextId++
		m.filters = append(m.filters, f)
	}
	s.removeMemberLocked(c, msg.Topic)
	s.members = append(s.members, m)
	state := s.stateLocked(msg.Topic)
	s.mu.Unlock()

	s.reply(c, msg, realtime.ReplyOK, map[string]any{"postgres_changes": m.filters})
	s.sendTo(m, realtime.EventPresenceState, state)
}

func (s *Server) handleLeave(c *conn, msg realtime.Message) {
	s.mu.Lock()
	m := s.removeMemberLocked(c, msg.Topic)
	s.mu.Unlock()

	s.reply(c, msg, realtime.ReplyOK, map[string]any{})
	if m != nil && m.tracked != nil {
		s.broadcastDiff(msg.Topic, nil, map[string][]realtime.Meta{m.key: {m.tracked}})
	}
}

func (s *Server) handlePresence(c *conn, msg realtime.Message) {
	var push struct {
		Event   string        `json:"event"`
		Payload realtime.Meta `json:"payload"`
	}
	json.Unmarshal(msg.Payload, &push)

	s.mu.Lock()
	m := s.memberLocked(c, msg.Topic)
	if m == nil {
		s.mu.Unlock()
		return
	}
	prev := m.tracked
	var next realtime.Meta
	if push.Event == "track" {
		next = realtime.Meta{}
		for k, v := range push.Payload {
			next[k] = v
		}
		s.nextRef++
		next["phx_ref"] = "ref" + strconv.Itoa(s.nextRef)
	}
	m.tracked = next
	key := m.key
	s.mu.Unlock()

	s.reply(c, msg, realtime.ReplyOK, map[string]any{})

	var joins, leaves map[string][]realtime.Meta
	if next != nil {
		joins = map[string][]realtime.Meta{key: {next}}
	}
	if prev != nil {
		leaves = map[string][]realtime.Meta{key: {prev}}
	}
	if joins != nil || leaves != nil {
		s.broadcastDiff(msg.Topic, joins, leaves)
	}
}

func (s *Server) memberLocked(c *conn, topic string) *member {
	for _, m := range s.members {
		if m.conn == c && m.topic == topic {
			return m
		}
	}
	return nil
}

func (s *Server) removeMemberLocked(c *conn, topic string) *member {
	for i, m := range s.members {
		if m.conn == c && m.topic == topic {
			s.members = append(s.members[:i], s.members[i+1:]...)
			return m
		}
	}
	return nil
}

type entry struct {
	Metas []realtime.Meta `json:"metas"`
}

func (s *Server) stateLocked(topic string) map[string]entry {
	state := map[string]entry{}
	for _, m := range s.members {
		if m.topic == topic && m.tracked != nil {
			e := state[m.key]
			e.Metas = append(e.Metas, m.tracked)
			state[m.key] = e
		}
	}
	return state
}

func (s *Server) sendTo(m *member, event string, payload any) {
	raw, _ := json.Marshal(payload)
	m.conn.send(realtime.Message{Topic: m.topic, Event: event, Payload: raw, JoinRef: m.joinRef})
}

func (s *Server) topicMembers(topic string) []*member {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []*member
	for _, m := range s.members {
		if m.topic == topic {
			out = append(out, m)
		}
	}
	return out
}

func toWire(metas map[string][]realtime.Meta) map[string]entry {
	out := map[string]entry{}
	for k, v := range metas {
		out[k] = entry{Metas: v}
	}
	return out
}

func (s *Server) broadcastDiff(topic string, joins, leaves map[string][]realtime.Meta) {
	payload := map[string]any{"joins": toWire(joins), "leaves": toWire(leaves)}
	for _, m := range s.topicMembers(topic) {
		s.sendTo(m, realtime.EventPresenceDiff, payload)
	}
}

// SendPresenceState pushes a full presence state to every member of the
// channel name.
func (s *Server) SendPresenceState(name string, state map[string][]realtime.Meta) {
	topic := realtime.Topic(name)
	for _, m := range s.topicMembers(topic) {
		s.sendTo(m, realtime.EventPresenceState, toWire(state))
	}
}

// SendPresenceDiff pushes a presence diff to every member of the channel
// name.
func (s *Server) SendPresenceDiff(name string, joins, leaves map[string][]realtime.Meta) {
	s.broadcastDiff(realtime.Topic(name), joins, leaves)
}

// SendChange pushes a row change to every member of the channel name whose
// filters select it.
func (s *Server) SendChange(name, table, typ string, record, oldRecord any) {
	topic := realtime.Topic(name)
	rec, _ := json.Marshal(record)
	var old json.RawMessage
	if oldRecord != nil {
		old, _ = json.Marshal(oldRecord)
	}

	for _, m := range s.topicMembers(topic) {
		var ids []int
		for _, f := range m.filters {
			if f.Table == table && (f.Event == "*" || f.Event == typ) {
				ids = append(ids, f.Id)
			}
		}
		if len(ids) == 0 {
			continue
		}
		s.sendTo(m, realtime.EventPostgresChanges, map[string]any{
			"ids": ids,
			"data": map[string]any{
				"type":             typ,
				"schema":           "public",
				"table":            table,
				"commit_timestamp": "2024-05-01T10:00:00Z",
				"record":           json.RawMessage(rec),
				"old_record":       old,
			},
		})
	}
}

// SendEvent pushes an arbitrary event to every member of the channel name.
func (s *Server) SendEvent(name, event string, payload any) {
	topic := realtime.Topic(name)
	for _, m := range s.topicMembers(topic) {
		s.sendTo(m, event, payload)
	}
}

// Reject makes joins to channel name fail with reason.
func (s *Server) Reject(name, reason string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.reject[realtime.Topic(name)] = reason
}

// Ignore makes joins to channel name go unanswered.
func (s *Server) Ignore(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ignore[realtime.Topic(name)] = true
}

// Allow undoes Reject and Ignore for channel name.
func (s *Server) Allow(name string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.reject, realtime.Topic(name))
	delete(s.ignore, realtime.Topic(name))
}

// Joined reports whether some connection is a member of channel name.
func (s *Server) Joined(name string) bool {
	return len(s.topicMembers(realtime.Topic(name))) > 0
}

// JoinFilters returns the change filters, with assigned ids, that the
// member of channel name joined with.
func (s *Server) JoinFilters(name string) []realtime.ChangeFilter {
	members := s.topicMembers(realtime.Topic(name))
	if len(members) == 0 {
		return nil
	}
	return members[0].filters
}

// PresenceKey returns the presence key the member of channel name joined with.
func (s *Server) PresenceKey(name string) string {
	members := s.topicMembers(realtime.Topic(name))
	if len(members) == 0 {
		return ""
	}
	return members[0].key
}

// Tracked returns the presence tracked by the member of channel name.
func (s *Server) Tracked(name string) realtime.Meta {
	members := s.topicMembers(realtime.Topic(name))
	if len(members) == 0 {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	return members[0].tracked
}

// Received returns every frame with the given event received so far.
func (s *Server) Received(event string) []realtime.Message {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []realtime.Message
	for _, m := range s.received {
		if m.Event == event {
			out = append(out, m)
		}
	}
	return out
}

// Accepted returns the number of websocket connections accepted so far.
func (s *Server) Accepted() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.accepted
}

// DropConnections closes every open websocket connection.
func (s *Server) DropConnections() {
	s.mu.Lock()
	conns := make([]*conn, 0, len(s.conns))
	for c := range s.conns {
		conns = append(conns, c)
	}
	s.mu.Unlock()

	for _, c := range conns {
		c.ws.Close()
	}
}

func (s *Server) Close() {
	s.DropConnections()
	s.Server.Close()
}
