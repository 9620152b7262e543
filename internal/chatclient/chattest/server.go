// Package chattest provides an in-memory chat backend for tests. A Server
// holds the shared state (users, channels, messages, unread counters); each
// Dial returns a connection implementing chatclient.Backend for one page
// session, so two sessions of different users can talk to each other.
package chattest

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/referly/messenger/internal/chat"
	"github.com/referly/messenger/internal/chatclient"
)

// Operation names accepted by Fail.
const (
	OpConnect  = "connect"
	OpQuery    = "query"
	OpWatch    = "watch"
	OpCreate   = "create"
	OpSend     = "send"
	OpDelete   = "delete"
	OpHide     = "hide"
	OpMarkRead = "mark_read"
)

type channelState struct {
	channel  chat.Channel // Messages is always nil here
	messages []chat.Message
	unread   map[string]int
	hidden   map[string]bool
	seq      int
}

// Server is the shared backend state.
type Server struct {
	mu        sync.Mutex
	users     map[string]chat.User
	channels  map[string]*channelState
	conns     map[*Conn]struct{}
	failures  map[string]error
	calls     map[string]int
	clock     time.Time
	seq       int
	watchGate chan struct{}
}

// NewServer creates an empty backend.
func NewServer() *Server {
	return &Server{
		users:    make(map[string]chat.User),
		channels: make(map[string]*channelState),
		conns:    make(map[*Conn]struct{}),
		failures: make(map[string]error),
		calls:    make(map[string]int),
		clock:    time.Date(2024, 1, 1, 9, 0, 0, 0, time.UTC),
	}
}

// Token returns the credential token the server accepts for userID.
func Token(userID string) string {
	return "token-" + userID
}

// Credential builds a valid credential for a registered user.
func (s *Server) Credential(userID string) chat.Credential {
	s.mu.Lock()
	defer s.mu.Unlock()
	u := s.users[userID]
	return chat.Credential{UserID: userID, DisplayName: u.DisplayName, AvatarURL: u.AvatarURL, Token: Token(userID)}
}

// AddUser registers (or replaces) a user.
func (s *Server) AddUser(u chat.User) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.users[u.ID] = u
}

// UpsertUser is the admin call used by the counterpart sync hook.
func (s *Server) UpsertUser(_ context.Context, u chat.User) error {
	s.AddUser(u)
	s.mu.Lock()
	s.calls["upsert"]++
	s.mu.Unlock()
	return nil
}

// HasUser reports whether the backend knows userID.
func (s *Server) HasUser(userID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.users[userID]
	return ok
}

// Fail makes every subsequent call of op return err. A nil err clears it.
func (s *Server) Fail(op string, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if err == nil {
		delete(s.failures, op)
		return
	}
	s.failures[op] = err
}

// Calls returns how many times op reached the server.
func (s *Server) Calls(op string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.calls[op]
}

// HoldWatch makes Watch calls block until the returned release func runs.
func (s *Server) HoldWatch() (release func()) {
	gate := make(chan struct{})
	s.mu.Lock()
	s.watchGate = gate
	s.mu.Unlock()

	var once sync.Once
	return func() {
		once.Do(func() {
			s.mu.Lock()
			if s.watchGate == gate {
				s.watchGate = nil
			}
			s.mu.Unlock()
			close(gate)
		})
	}
}

// SeedChannel creates a channel directly, owned by the first member.
func (s *Server) SeedChannel(memberIDs ...string) chat.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	st := s.newChannelLocked(memberIDs)
	return s.snapshotLocked(st, "", 0)
}

// Post appends a message as authorID, as if sent from another client, and
// delivers the resulting events.
func (s *Server) Post(channelID, authorID, text string) (chat.Message, error) {
	s.mu.Lock()
	msg, deliveries, err := s.postLocked(channelID, authorID, text)
	s.mu.Unlock()
	if err != nil {
		return chat.Message{}, err
	}
	deliver(deliveries)
	return msg, nil
}

// Edit changes a message's text and emits message.updated.
func (s *Server) Edit(channelID, messageID, text string) error {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return chatclient.ErrNotFound
	}
	var updated *chat.Message
	for i := range st.messages {
		if st.messages[i].ID == messageID {
			st.messages[i].Text = text
			st.messages[i].UpdatedAt = s.tickLocked()
			m := st.messages[i]
			updated = &m
			break
		}
	}
	if updated == nil {
		s.mu.Unlock()
		return chatclient.ErrNotFound
	}
	deliveries := s.watchersLocked(st, chat.Event{Type: chat.EventMessageUpdated, ChannelID: channelID, Message: updated})
	s.mu.Unlock()
	deliver(deliveries)
	return nil
}

// Retract removes a message and emits message.deleted.
func (s *Server) Retract(channelID, messageID string) error {
	s.mu.Lock()
	st, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return chatclient.ErrNotFound
	}
	idx := -1
	for i := range st.messages {
		if st.messages[i].ID == messageID {
			idx = i
			break
		}
	}
	if idx < 0 {
		s.mu.Unlock()
		return chatclient.ErrNotFound
	}
	removed := st.messages[idx]
	st.messages = append(st.messages[:idx], st.messages[idx+1:]...)
	deliveries := s.watchersLocked(st, chat.Event{Type: chat.EventMessageDeleted, ChannelID: channelID, Message: &removed})
	s.mu.Unlock()
	deliver(deliveries)
	return nil
}

// ChannelsOf returns the channels visible to userID (not hidden), most
// recent first.
func (s *Server) ChannelsOf(userID string) []chat.Channel {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.visibleLocked(userID, false, 0)
}

// ChannelExists reports whether a channel is still present on the server.
func (s *Server) ChannelExists(channelID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	_, ok := s.channels[channelID]
	return ok
}

// Unread returns userID's unread counter for a channel.
func (s *Server) Unread(channelID, userID string) int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if st, ok := s.channels[channelID]; ok {
		return st.unread[userID]
	}
	return 0
}

// Dial opens a new connection. It is not authenticated until Connect.
func (s *Server) Dial() *Conn {
	c := &Conn{server: s, watched: make(map[string]bool)}
	s.mu.Lock()
	s.conns[c] = struct{}{}
	s.mu.Unlock()
	return c
}

// ---------------------------------------------------------------------------
// internals (mu held)
// ---------------------------------------------------------------------------

type delivery struct {
	conn *Conn
	ev   chat.Event
}

func deliver(ds []delivery) {
	for _, d := range ds {
		d.conn.emit(d.ev)
	}
}

func (s *Server) tickLocked() time.Time {
	s.clock = s.clock.Add(time.Second)
	return s.clock
}

func (s *Server) failLocked(op string) error {
	s.calls[op]++
	return s.failures[op]
}

func (s *Server) newChannelLocked(memberIDs []string) *channelState {
	now := s.tickLocked()
	s.seq++
	ch := chat.Channel{
		ID:        uuid.New().String(),
		Type:      chat.ChannelTypeMessaging,
		Members:   make(map[string]chat.Member, len(memberIDs)),
		CreatedBy: memberIDs[0],
	}
	for i, id := range memberIDs {
		role := chat.MemberRoleMember
		if i == 0 {
			role = chat.MemberRoleOwner
		}
		ch.Members[id] = chat.Member{User: s.users[id], Role: role, JoinedAt: now}
	}
	st := &channelState{
		channel: ch,
		unread:  make(map[string]int),
		hidden:  make(map[string]bool),
		seq:     s.seq,
	}
	s.channels[ch.ID] = st
	return st
}

func (s *Server) snapshotLocked(st *channelState, userID string, limit int) chat.Channel {
	ch := st.channel
	ch.Members = make(map[string]chat.Member, len(st.channel.Members))
	for id, m := range st.channel.Members {
		m.User = s.users[id]
		ch.Members[id] = m
	}
	ch.UnreadCount = st.unread[userID]
	msgs := st.messages
	if limit > 0 && len(msgs) > limit {
		msgs = msgs[len(msgs)-limit:]
	}
	ch.Messages = append([]chat.Message(nil), msgs...)
	return ch
}

func (s *Server) visibleLocked(userID string, withState bool, limit int) []chat.Channel {
	var states []*channelState
	for _, st := range s.channels {
		if _, ok := st.channel.Members[userID]; !ok || st.hidden[userID] {
			continue
		}
		states = append(states, st)
	}
	sort.Slice(states, func(i, j int) bool {
		a, b := states[i], states[j]
		if !a.channel.LastMessageAt.Equal(b.channel.LastMessageAt) {
			return a.channel.LastMessageAt.After(b.channel.LastMessageAt)
		}
		return a.seq > b.seq
	})
	out := make([]chat.Channel, 0, len(states))
	for _, st := range states {
		ch := s.snapshotLocked(st, userID, limit)
		if !withState {
			ch.Messages = nil
		}
		out = append(out, ch)
	}
	return out
}

func (s *Server) postLocked(channelID, authorID, text string) (chat.Message, []delivery, error) {
	st, ok := s.channels[channelID]
	if !ok {
		return chat.Message{}, nil, chatclient.ErrNotFound
	}
	if _, ok := st.channel.Members[authorID]; !ok {
		return chat.Message{}, nil, chatclient.ErrForbidden
	}
	msg := chat.Message{
		ID:        uuid.New().String(),
		ChannelID: channelID,
		AuthorID:  authorID,
		Text:      text,
		CreatedAt: s.tickLocked(),
	}
	st.messages = append(st.messages, msg)
	st.channel.LastMessageAt = msg.CreatedAt
	for id := range st.channel.Members {
		st.hidden[id] = false
		if id != authorID {
			st.unread[id]++
		}
	}

	var ds []delivery
	for c := range s.conns {
		if _, member := st.channel.Members[c.userID]; !member || !c.connected {
			continue
		}
		m := msg
		if c.watched[channelID] {
			ds = append(ds, delivery{c, chat.Event{Type: chat.EventMessageNew, ChannelID: channelID, Message: &m}})
		} else if c.userID != authorID {
			ds = append(ds, delivery{c, chat.Event{
				Type:        chat.EventNotificationMessageNew,
				ChannelID:   channelID,
				Message:     &m,
				UnreadCount: st.unread[c.userID],
			}})
		}
	}
	return msg, ds, nil
}

func (s *Server) watchersLocked(st *channelState, ev chat.Event) []delivery {
	var ds []delivery
	for c := range s.conns {
		if c.connected && c.watched[st.channel.ID] {
			ds = append(ds, delivery{c, ev})
		}
	}
	return ds
}

// ---------------------------------------------------------------------------
// Conn
// ---------------------------------------------------------------------------

// Conn is one authenticated page-session connection. It implements
// chatclient.Backend.
type Conn struct {
	server    *Server
	userID    string
	connected bool
	watched   map[string]bool // guarded by server.mu

	emitMu  sync.Mutex
	handler func(chat.Event)
}

var _ chatclient.Backend = (*Conn)(nil)

func (c *Conn) emit(ev chat.Event) {
	c.emitMu.Lock()
	defer c.emitMu.Unlock()
	if c.handler != nil {
		c.handler(ev)
	}
}

func (c *Conn) Connect(_ context.Context, cred chat.Credential) (chat.User, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := s.failLocked(OpConnect); err != nil {
		return chat.User{}, err
	}
	if cred.Token != Token(cred.UserID) {
		return chat.User{}, chatclient.ErrUnauthorized
	}
	u, ok := s.users[cred.UserID]
	if !ok {
		u = chat.User{ID: cred.UserID, DisplayName: cred.DisplayName, AvatarURL: cred.AvatarURL}
		s.users[u.ID] = u
	}
	c.userID = cred.UserID
	c.connected = true
	return u, nil
}

func (c *Conn) QueryChannels(_ context.Context, q chatclient.ChannelQuery) ([]chat.Channel, error) {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.checkLocked(OpQuery); err != nil {
		return nil, err
	}
	if q.Filter.MemberIncludes != c.userID {
		return nil, chatclient.ErrForbidden
	}
	channels := s.visibleLocked(c.userID, q.State, q.MessageLimit)
	if q.Watch {
		for _, ch := range channels {
			c.watched[ch.ID] = true
		}
	}
	return channels, nil
}

func (c *Conn) Watch(ctx context.Context, channelID string) (chat.Channel, error) {
	s := c.server
	s.mu.Lock()
	gate := s.watchGate
	s.mu.Unlock()
	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return chat.Channel{}, ctx.Err()
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.checkLocked(OpWatch); err != nil {
		return chat.Channel{}, err
	}
	st, ok := s.channels[channelID]
	if !ok {
		return chat.Channel{}, chatclient.ErrNotFound
	}
	if _, member := st.channel.Members[c.userID]; !member {
		return chat.Channel{}, chatclient.ErrForbidden
	}
	c.watched[channelID] = true
	return s.snapshotLocked(st, c.userID, 0), nil
}

func (c *Conn) Unwatch(_ context.Context, channelID string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(c.watched, channelID)
	return nil
}

func (c *Conn) CreateChannel(_ context.Context, memberIDs []string) (chat.Channel, error) {
	s := c.server
	s.mu.Lock()
	if err := c.checkLocked(OpCreate); err != nil {
		s.mu.Unlock()
		return chat.Channel{}, err
	}
	if len(memberIDs) == 0 || memberIDs[0] != c.userID {
		s.mu.Unlock()
		return chat.Channel{}, fmt.Errorf("chattest: creator must be the first member: %w", chatclient.ErrForbidden)
	}
	for _, id := range memberIDs {
		if _, ok := s.users[id]; !ok {
			s.mu.Unlock()
			return chat.Channel{}, fmt.Errorf("chattest: unknown user %q: %w", id, chatclient.ErrNotFound)
		}
	}
	st := s.newChannelLocked(memberIDs)
	ch := s.snapshotLocked(st, c.userID, 0)

	var ds []delivery
	for other := range s.conns {
		if other.connected && other != c && ch.HasMember(other.userID) {
			snap := s.snapshotLocked(st, other.userID, 0)
			ds = append(ds, delivery{other, chat.Event{Type: chat.EventNotificationAdded, ChannelID: ch.ID, Channel: &snap}})
		}
	}
	s.mu.Unlock()
	deliver(ds)
	return ch, nil
}

func (c *Conn) SendMessage(_ context.Context, channelID, text string) (chat.Message, error) {
	s := c.server
	s.mu.Lock()
	if err := c.checkLocked(OpSend); err != nil {
		s.mu.Unlock()
		return chat.Message{}, err
	}
	msg, ds, err := s.postLocked(channelID, c.userID, text)
	s.mu.Unlock()
	if err != nil {
		return chat.Message{}, err
	}
	deliver(ds)
	return msg, nil
}

// DeleteChannel succeeds only for the channel owner or an admin. Every
// connected member gets channel.deleted.
func (c *Conn) DeleteChannel(_ context.Context, channelID string) error {
	s := c.server
	s.mu.Lock()
	if err := c.checkLocked(OpDelete); err != nil {
		s.mu.Unlock()
		return err
	}
	st, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return chatclient.ErrNotFound
	}
	if st.channel.CreatedBy != c.userID && s.users[c.userID].Role != chat.RoleAdmin {
		s.mu.Unlock()
		return chatclient.ErrForbidden
	}
	var ds []delivery
	for other := range s.conns {
		if other.connected && st.channel.HasMember(other.userID) {
			ds = append(ds, delivery{other, chat.Event{Type: chat.EventChannelDeleted, ChannelID: channelID}})
		}
	}
	delete(s.channels, channelID)
	s.mu.Unlock()
	deliver(ds)
	return nil
}

// HideChannel hides the channel for the caller only and tells every
// session of the caller.
func (c *Conn) HideChannel(_ context.Context, channelID string) error {
	s := c.server
	s.mu.Lock()
	if err := c.checkLocked(OpHide); err != nil {
		s.mu.Unlock()
		return err
	}
	st, ok := s.channels[channelID]
	if !ok {
		s.mu.Unlock()
		return chatclient.ErrNotFound
	}
	if _, member := st.channel.Members[c.userID]; !member {
		s.mu.Unlock()
		return chatclient.ErrForbidden
	}
	st.hidden[c.userID] = true

	var ds []delivery
	for other := range s.conns {
		if other.connected && other.userID == c.userID {
			ds = append(ds, delivery{other, chat.Event{Type: chat.EventChannelHidden, ChannelID: channelID}})
		}
	}
	s.mu.Unlock()
	deliver(ds)
	return nil
}

func (c *Conn) MarkRead(_ context.Context, channelID string) error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	if err := c.checkLocked(OpMarkRead); err != nil {
		return err
	}
	st, ok := s.channels[channelID]
	if !ok {
		return chatclient.ErrNotFound
	}
	st.unread[c.userID] = 0
	return nil
}

func (c *Conn) Subscribe(handler func(chat.Event)) func() {
	c.emitMu.Lock()
	c.handler = handler
	c.emitMu.Unlock()
	return func() {
		c.emitMu.Lock()
		c.handler = nil
		c.emitMu.Unlock()
	}
}

func (c *Conn) Disconnect() error {
	s := c.server
	s.mu.Lock()
	defer s.mu.Unlock()
	c.connected = false
	delete(s.conns, c)
	return nil
}

func (c *Conn) checkLocked(op string) error {
	if err := c.server.failLocked(op); err != nil {
		return err
	}
	if !c.connected {
		return chatclient.ErrUnauthorized
	}
	return nil
}
