package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"

	"loftyeyes/internal/platform"
)

const (
	writeWait       = 10 * time.Second
	minReconnect    = 250 * time.Millisecond
	phoenixTopic    = "phoenix"
	eventJoin       = "phx_join"
	eventLeave      = "phx_leave"
	eventReply      = "phx_reply"
	eventError      = "phx_error"
	eventClose      = "phx_close"
	eventHeartbeat  = "heartbeat"
	eventAccess     = "access_token"
	eventPgChanges  = "postgres_changes"
	eventSystem     = "system"
	replyStatusOK   = "ok"
	defaultDBSchema = "public"
)

var errConnectionLost = errors.New("realtime connection lost")

type phxMessage struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload"`
	Ref     *string         `json:"ref"`
}

func (m phxMessage) ref() string {
	if m.Ref == nil {
		return ""
	}
	return *m.Ref
}

type replyPayload struct {
	Status   string          `json:"status"`
	Response json.RawMessage `json:"response"`
}

type changePayload struct {
	Data struct {
		Type            string          `json:"type"`
		Table           string          `json:"table"`
		Record          json.RawMessage `json:"record"`
		OldRecord       json.RawMessage `json:"old_record"`
		CommitTimestamp string          `json:"commit_timestamp"`
	} `json:"data"`
}

type pgChangeConfig struct {
	Event  string `json:"event"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	Filter string `json:"filter,omitempty"`
}

type joinConfig struct {
	Broadcast struct {
		Ack  bool `json:"ack"`
		Self bool `json:"self"`
	} `json:"broadcast"`
	Presence struct {
		Key string `json:"key"`
	} `json:"presence"`
	PostgresChanges []pgChangeConfig `json:"postgres_changes"`
	Private         bool             `json:"private"`
}

type joinPayload struct {
	Config      joinConfig `json:"config"`
	AccessToken string     `json:"access_token,omitempty"`
}

// socket multiplexes every change subscription of one client over a single
// Phoenix websocket. It dials on first use and redials with backoff, joining
// every live channel again after each reconnect.
type socket struct {
	url       string
	heartbeat time.Duration
	maxDelay  time.Duration
	token     func() string
	dialer    *websocket.Dialer

	ctx    context.Context
	cancel context.CancelFunc
	refs   atomic.Uint64

	writeMu sync.Mutex

	mu       sync.Mutex
	started  bool
	closed   bool
	conn     *websocket.Conn
	ready    chan struct{}
	channels map[string]*channel
	pending  map[string]chan phxMessage
}

func newSocket(url string, heartbeat, maxDelay time.Duration, token func() string) *socket {
	ctx, cancel := context.WithCancel(context.Background())
	return &socket{
		url:       url,
		heartbeat: heartbeat,
		maxDelay:  maxDelay,
		token:     token,
		dialer:    websocket.DefaultDialer,
		ctx:       ctx,
		cancel:    cancel,
		ready:     make(chan struct{}),
		channels:  map[string]*channel{},
		pending:   map[string]chan phxMessage{},
	}
}

type channel struct {
	socket  *socket
	topic   string
	sub     platform.Subscription
	handler func(platform.ChangeEvent)

	joined atomic.Bool
	once   sync.Once
}

func (c *channel) Topic() string {
	return c.topic
}

func (c *channel) Close() error {
	c.once.Do(func() {
		c.socket.leave(c)
	})
	return nil
}

func (s *socket) subscribe(ctx context.Context, sub platform.Subscription, handler func(platform.ChangeEvent)) (platform.Channel, error) {
	if sub.Table == "" {
		return nil, errors.New("subscribe: table is required")
	}
	if handler == nil {
		return nil, errors.New("subscribe: handler is required")
	}
	name := sub.Topic
	if name == "" {
		name = sub.Table + ":" + uuid.NewString()
	}
	ch := &channel{
		socket:  s,
		topic:   "realtime:" + name,
		sub:     sub,
		handler: handler,
	}

	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil, errors.New("subscribe: client closed")
	}
	if _, exists := s.channels[ch.topic]; exists {
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe: topic %s already joined", ch.topic)
	}
	s.channels[ch.topic] = ch
	if !s.started {
		s.started = true
		go s.run()
	}
	s.mu.Unlock()

	if err := s.join(ctx, ch); err != nil {
		s.mu.Lock()
		delete(s.channels, ch.topic)
		s.mu.Unlock()
		return nil, fmt.Errorf("subscribe %s: %w", sub.Table, err)
	}
	return ch, nil
}

func (s *socket) join(ctx context.Context, ch *channel) error {
	conn, err := s.waitConnected(ctx)
	if err != nil {
		return err
	}
	reply, err := s.request(ctx, conn, phxMessage{
		Topic:   ch.topic,
		Event:   eventJoin,
		Payload: s.joinPayload(ch.sub),
	})
	if err != nil {
		return err
	}
	if err := checkReply(reply); err != nil {
		return err
	}
	ch.joined.Store(true)
	return nil
}

func (s *socket) joinPayload(sub platform.Subscription) json.RawMessage {
	event := string(platform.EventAll)
	if len(sub.Events) == 1 {
		event = string(sub.Events[0])
	}
	var payload joinPayload
	payload.Config.PostgresChanges = []pgChangeConfig{{
		Event:  event,
		Schema: defaultDBSchema,
		Table:  sub.Table,
		Filter: serverFilter(sub.Where),
	}}
	payload.AccessToken = s.token()
	encoded, _ := json.Marshal(payload)
	return encoded
}

// serverFilter narrows the server-side stream when the condition list is a
// single plain comparison. Everything else is filtered locally.
func serverFilter(where []platform.Cond) string {
	if len(where) != 1 || where[0].IsOr() {
		return ""
	}
	cond := where[0]
	switch cond.Op {
	case platform.OpEq, platform.OpNeq, platform.OpLt, platform.OpLte, platform.OpGt, platform.OpGte:
		return cond.Column + "=" + string(cond.Op) + "." + formatValue(cond.Value)
	case platform.OpIn:
		value, err := encodeOperand(cond, false)
		if err != nil {
			return ""
		}
		return cond.Column + "=in." + value
	}
	return ""
}

func checkReply(reply phxMessage) error {
	var parsed replyPayload
	if err := json.Unmarshal(reply.Payload, &parsed); err != nil {
		return fmt.Errorf("decode join reply: %w", err)
	}
	if parsed.Status != replyStatusOK {
		return fmt.Errorf("join rejected: %s %s", parsed.Status, string(parsed.Response))
	}
	return nil
}

func (s *socket) leave(ch *channel) {
	s.mu.Lock()
	if s.channels[ch.topic] == ch {
		delete(s.channels, ch.topic)
	}
	conn := s.conn
	s.mu.Unlock()
	if conn == nil || !ch.joined.Load() {
		return
	}
	if err := s.write(conn, phxMessage{Topic: ch.topic, Event: eventLeave, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}); err != nil {
		slog.Debug("realtime leave failed", "topic", ch.topic, "error", err)
	}
}

func (s *socket) pushAccessToken(token string) {
	s.mu.Lock()
	conn := s.conn
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		channels = append(channels, ch)
	}
	s.mu.Unlock()
	if conn == nil {
		return
	}
	payload, _ := json.Marshal(map[string]string{"access_token": token})
	for _, ch := range channels {
		if !ch.joined.Load() {
			continue
		}
		if err := s.write(conn, phxMessage{Topic: ch.topic, Event: eventAccess, Payload: payload, Ref: s.nextRef()}); err != nil {
			slog.Warn("realtime token push failed", "topic", ch.topic, "error", err)
			return
		}
	}
}

func (s *socket) close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	conn := s.conn
	s.channels = map[string]*channel{}
	s.mu.Unlock()

	s.cancel()
	if conn != nil {
		s.writeMu.Lock()
		_ = conn.WriteControl(websocket.CloseMessage, websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""), time.Now().Add(writeWait))
		s.writeMu.Unlock()
		_ = conn.Close()
	}
	return nil
}

func (s *socket) run() {
	attempt := 0
	for {
		if s.ctx.Err() != nil {
			return
		}
		conn, _, err := s.dialer.DialContext(s.ctx, s.url, nil)
		if err != nil {
			delay := backoff(attempt, s.maxDelay)
			attempt++
			slog.Warn("realtime dial failed", "error", err, "retry_in", delay)
			select {
			case <-s.ctx.Done():
				return
			case <-time.After(delay):
			}
			continue
		}
		attempt = 0
		if !s.attach(conn) {
			_ = conn.Close()
			return
		}
		s.rejoin(conn)
		err = s.serve(conn)
		s.detach(conn)
		if s.ctx.Err() != nil {
			return
		}
		slog.Warn("realtime connection lost", "error", err)
	}
}

func backoff(attempt int, maxDelay time.Duration) time.Duration {
	delay := minReconnect
	for i := 0; i < attempt && delay < maxDelay; i++ {
		delay *= 2
	}
	if delay > maxDelay {
		delay = maxDelay
	}
	return delay
}

func (s *socket) attach(conn *websocket.Conn) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return false
	}
	s.conn = conn
	close(s.ready)
	return true
}

func (s *socket) detach(conn *websocket.Conn) {
	s.mu.Lock()
	if s.conn == conn {
		s.conn = nil
		s.ready = make(chan struct{})
	}
	pending := s.pending
	s.pending = map[string]chan phxMessage{}
	s.mu.Unlock()
	_ = conn.Close()
	for _, waiter := range pending {
		close(waiter)
	}
}

// rejoin restores channels that were joined on a previous connection.
func (s *socket) rejoin(conn *websocket.Conn) {
	s.mu.Lock()
	channels := make([]*channel, 0, len(s.channels))
	for _, ch := range s.channels {
		if ch.joined.Load() {
			channels = append(channels, ch)
		}
	}
	s.mu.Unlock()
	for _, ch := range channels {
		go func(ch *channel) {
			ctx, cancel := context.WithTimeout(s.ctx, writeWait)
			defer cancel()
			reply, err := s.request(ctx, conn, phxMessage{Topic: ch.topic, Event: eventJoin, Payload: s.joinPayload(ch.sub)})
			if err == nil {
				err = checkReply(reply)
			}
			if err != nil {
				slog.Warn("realtime rejoin failed", "topic", ch.topic, "error", err)
				return
			}
			slog.Debug("realtime channel rejoined", "topic", ch.topic)
		}(ch)
	}
}

func (s *socket) serve(conn *websocket.Conn) error {
	stop := make(chan struct{})
	defer close(stop)
	go s.heartbeatLoop(conn, stop)

	readWait := 2 * s.heartbeat
	_ = conn.SetReadDeadline(time.Now().Add(readWait))
	for {
		_, data, err := conn.ReadMessage()
		if err != nil {
			return err
		}
		_ = conn.SetReadDeadline(time.Now().Add(readWait))
		var msg phxMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("realtime message decode failed", "error", err)
			continue
		}
		s.route(msg)
	}
}

func (s *socket) heartbeatLoop(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := time.NewTicker(s.heartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			msg := phxMessage{Topic: phoenixTopic, Event: eventHeartbeat, Payload: json.RawMessage(`{}`), Ref: s.nextRef()}
			if err := s.write(conn, msg); err != nil {
				_ = conn.Close()
				return
			}
		}
	}
}

func (s *socket) route(msg phxMessage) {
	switch msg.Event {
	case eventReply:
		s.mu.Lock()
		waiter, ok := s.pending[msg.ref()]
		if ok {
			delete(s.pending, msg.ref())
		}
		s.mu.Unlock()
		if ok {
			waiter <- msg
		}
	case eventPgChanges:
		s.mu.Lock()
		ch := s.channels[msg.Topic]
		s.mu.Unlock()
		if ch == nil {
			return
		}
		event, err := decodeChange(msg.Payload)
		if err != nil {
			slog.Warn("realtime change decode failed", "topic", msg.Topic, "error", err)
			return
		}
		if ch.sub.Accepts(event) {
			ch.handler(event)
		}
	case eventError, eventClose:
		slog.Warn("realtime channel event", "topic", msg.Topic, "event", msg.Event)
	case eventSystem:
		slog.Debug("realtime system message", "topic", msg.Topic, "payload", string(msg.Payload))
	}
}

func decodeChange(raw json.RawMessage) (platform.ChangeEvent, error) {
	var payload changePayload
	if err := json.Unmarshal(raw, &payload); err != nil {
		return platform.ChangeEvent{}, err
	}
	event := platform.ChangeEvent{
		Type:  platform.EventType(payload.Data.Type),
		Table: payload.Data.Table,
		New:   nonEmptyRecord(payload.Data.Record),
		Old:   nonEmptyRecord(payload.Data.OldRecord),
	}
	if payload.Data.CommitTimestamp != "" {
		if parsed, err := time.Parse(time.RFC3339Nano, payload.Data.CommitTimestamp); err == nil {
			event.CommitTimestamp = parsed
		}
	}
	return event, nil
}

func nonEmptyRecord(raw json.RawMessage) json.RawMessage {
	switch string(raw) {
	case "", "null", "{}":
		return nil
	}
	return raw
}

func (s *socket) nextRef() *string {
	ref := strconv.FormatUint(s.refs.Add(1), 10)
	return &ref
}

func (s *socket) waitConnected(ctx context.Context) (*websocket.Conn, error) {
	for {
		s.mu.Lock()
		conn, ready, closed := s.conn, s.ready, s.closed
		s.mu.Unlock()
		if closed {
			return nil, errors.New("client closed")
		}
		if conn != nil {
			return conn, nil
		}
		select {
		case <-ready:
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-s.ctx.Done():
			return nil, errors.New("client closed")
		}
	}
}

// request writes msg with a fresh ref and waits for the matching reply.
func (s *socket) request(ctx context.Context, conn *websocket.Conn, msg phxMessage) (phxMessage, error) {
	msg.Ref = s.nextRef()
	waiter := make(chan phxMessage, 1)
	s.mu.Lock()
	if s.conn != conn {
		s.mu.Unlock()
		return phxMessage{}, errConnectionLost
	}
	s.pending[*msg.Ref] = waiter
	s.mu.Unlock()

	if err := s.write(conn, msg); err != nil {
		s.mu.Lock()
		delete(s.pending, *msg.Ref)
		s.mu.Unlock()
		return phxMessage{}, err
	}
	select {
	case reply, ok := <-waiter:
		if !ok {
			return phxMessage{}, errConnectionLost
		}
		return reply, nil
	case <-ctx.Done():
		s.mu.Lock()
		delete(s.pending, *msg.Ref)
		s.mu.Unlock()
		return phxMessage{}, ctx.Err()
	}
}

func (s *socket) write(conn *websocket.Conn, msg phxMessage) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if err := conn.SetWriteDeadline(time.Now().Add(writeWait)); err != nil {
		return err
	}
	return conn.WriteJSON(msg)
}
