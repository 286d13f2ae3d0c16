package supabase

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/gorilla/websocket"

	"loftyeyes/internal/platform"
)

// fakeRealtime accepts Phoenix joins and lets a test push change events.
type fakeRealtime struct {
	t        *testing.T
	upgrader websocket.Upgrader

	mu      sync.Mutex
	conns   []*websocket.Conn
	joins   chan phxMessage
	leaves  chan phxMessage
	tokens  chan phxMessage
	queries chan string
}

func newFakeRealtime(t *testing.T) (*fakeRealtime, *Backend) {
	t.Helper()

	fake := &fakeRealtime{
		t:       t,
		joins:   make(chan phxMessage, 16),
		leaves:  make(chan phxMessage, 16),
		tokens:  make(chan phxMessage, 16),
		queries: make(chan string, 16),
	}
	server := httptest.NewServer(http.HandlerFunc(fake.serve))
	t.Cleanup(server.Close)

	backend, err := New(Config{
		URL:               server.URL,
		AnonKey:           "anon-key",
		HeartbeatInterval: time.Second,
		MaxReconnectDelay: 100 * time.Millisecond,
	})
	if err != nil {
		t.Fatalf("New() error = %v", err)
	}
	return fake, backend
}

func (f *fakeRealtime) serve(w http.ResponseWriter, r *http.Request) {
	if r.URL.Path != "/realtime/v1/websocket" {
		http.NotFound(w, r)
		return
	}
	f.queries <- r.URL.RawQuery
	conn, err := f.upgrader.Upgrade(w, r, nil)
	if err != nil {
		return
	}
	f.mu.Lock()
	f.conns = append(f.conns, conn)
	f.mu.Unlock()

	for {
		var msg phxMessage
		if err := conn.ReadJSON(&msg); err != nil {
			return
		}
		switch msg.Event {
		case eventJoin:
			f.joins <- msg
			f.reply(conn, msg, `{"status":"ok","response":{"postgres_changes":[]}}`)
		case eventLeave:
			f.leaves <- msg
		case eventAccess:
			f.tokens <- msg
		case eventHeartbeat:
			f.reply(conn, msg, `{"status":"ok","response":{}}`)
		}
	}
}

func (f *fakeRealtime) reply(conn *websocket.Conn, msg phxMessage, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	_ = conn.WriteJSON(phxMessage{Topic: msg.Topic, Event: eventReply, Payload: json.RawMessage(payload), Ref: msg.Ref})
}

func (f *fakeRealtime) push(topic, payload string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	conn := f.conns[len(f.conns)-1]
	if err := conn.WriteJSON(phxMessage{Topic: topic, Event: eventPgChanges, Payload: json.RawMessage(payload)}); err != nil {
		f.t.Errorf("push error = %v", err)
	}
}

func (f *fakeRealtime) dropConnections() {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, conn := range f.conns {
		_ = conn.Close()
	}
}

func receive(t *testing.T, ch <-chan phxMessage, what string) phxMessage {
	t.Helper()
	select {
	case msg := <-ch:
		return msg
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for %s", what)
	}
	return phxMessage{}
}

func TestSubscribeJoinsWithPostgresChangesConfig(t *testing.T) {
	fake, backend := newFakeRealtime(t)
	client := connectTestClient(t, backend)

	sub := platform.Subscription{
		Topic:  "messages:me",
		Table:  platform.TableMessages,
		Events: []platform.EventType{platform.EventInsert},
		Where:  []platform.Cond{platform.Eq("receiver_id", "me")},
	}
	channel, err := client.Subscribe(context.Background(), sub, func(platform.ChangeEvent) {})
	if err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	if channel.Topic() != "realtime:messages:me" {
		t.Fatalf("Topic() = %q", channel.Topic())
	}

	query := <-fake.queries
	if !strings.Contains(query, "apikey=anon-key") || !strings.Contains(query, "vsn=1.0.0") {
		t.Fatalf("socket query = %q", query)
	}

	join := receive(t, fake.joins, "join")
	var payload joinPayload
	if err := json.Unmarshal(join.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal(join) error = %v", err)
	}
	if payload.AccessToken != "user-token" {
		t.Fatalf("access_token = %q, want user-token", payload.AccessToken)
	}
	changes := payload.Config.PostgresChanges
	if len(changes) != 1 || changes[0].Table != "messages" || changes[0].Event != "INSERT" || changes[0].Filter != "receiver_id=eq.me" {
		t.Fatalf("postgres_changes = %+v", changes)
	}

	if err := channel.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	leave := receive(t, fake.leaves, "leave")
	if leave.Topic != "realtime:messages:me" {
		t.Fatalf("leave topic = %q", leave.Topic)
	}
}

func TestChangeEventsAreFilteredLocally(t *testing.T) {
	fake, backend := newFakeRealtime(t)
	client := connectTestClient(t, backend)

	events := make(chan platform.ChangeEvent, 4)
	sub := platform.Subscription{
		Topic: "chat",
		Table: platform.TableMessages,
		Where: []platform.Cond{platform.Between("sender_id", "receiver_id", "me", "you")},
	}
	if _, err := client.Subscribe(context.Background(), sub, func(event platform.ChangeEvent) { events <- event }); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	join := receive(t, fake.joins, "join")
	var payload joinPayload
	_ = json.Unmarshal(join.Payload, &payload)
	if payload.Config.PostgresChanges[0].Filter != "" {
		t.Fatalf("filter = %q, want none for or-filter", payload.Config.PostgresChanges[0].Filter)
	}

	fake.push("realtime:chat", `{"data":{"type":"INSERT","table":"messages","record":{"id":"x","sender_id":"me","receiver_id":"other"},"commit_timestamp":"2024-05-01T10:00:00Z"}}`)
	fake.push("realtime:chat", `{"data":{"type":"INSERT","table":"messages","record":{"id":"m1","sender_id":"you","receiver_id":"me"},"commit_timestamp":"2024-05-01T10:00:01Z"}}`)

	select {
	case event := <-events:
		var row struct {
			ID string `json:"id"`
		}
		if err := event.Decode(&row); err != nil {
			t.Fatalf("Decode() error = %v", err)
		}
		if row.ID != "m1" {
			t.Fatalf("event id = %q, want m1", row.ID)
		}
		if event.CommitTimestamp.IsZero() {
			t.Fatalf("CommitTimestamp is zero")
		}
	case <-time.After(3 * time.Second):
		t.Fatalf("timed out waiting for change event")
	}
	select {
	case event := <-events:
		t.Fatalf("unexpected extra event %+v", event)
	default:
	}
}

func TestSocketRejoinsAfterReconnect(t *testing.T) {
	fake, backend := newFakeRealtime(t)
	client := connectTestClient(t, backend)

	sub := platform.Subscription{Topic: "profiles", Table: platform.TableProfiles}
	if _, err := client.Subscribe(context.Background(), sub, func(platform.ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	receive(t, fake.joins, "first join")

	fake.dropConnections()

	rejoin := receive(t, fake.joins, "rejoin")
	if rejoin.Topic != "realtime:profiles" {
		t.Fatalf("rejoin topic = %q", rejoin.Topic)
	}
}

func TestSetAccessTokenPushesToJoinedChannels(t *testing.T) {
	fake, backend := newFakeRealtime(t)
	client := connectTestClient(t, backend)

	sub := platform.Subscription{Topic: "profiles", Table: platform.TableProfiles}
	if _, err := client.Subscribe(context.Background(), sub, func(platform.ChangeEvent) {}); err != nil {
		t.Fatalf("Subscribe() error = %v", err)
	}
	receive(t, fake.joins, "join")

	client.SetAccessToken("fresh-token")
	msg := receive(t, fake.tokens, "access_token push")
	var payload map[string]string
	if err := json.Unmarshal(msg.Payload, &payload); err != nil {
		t.Fatalf("Unmarshal() error = %v", err)
	}
	if payload["access_token"] != "fresh-token" {
		t.Fatalf("payload = %v", payload)
	}
}

func TestBackoffIsCapped(t *testing.T) {
	if got := backoff(0, time.Second); got != minReconnect {
		t.Fatalf("backoff(0) = %v, want %v", got, minReconnect)
	}
	if got := backoff(10, time.Second); got != time.Second {
		t.Fatalf("backoff(10) = %v, want 1s", got)
	}
}

func TestServerFilter(t *testing.T) {
	cases := []struct {
		where []platform.Cond
		want  string
	}{
		{nil, ""},
		{[]platform.Cond{platform.Eq("id", "abc")}, "id=eq.abc"},
		{[]platform.Cond{platform.In("id", "a", "b")}, "id=in.(a,b)"},
		{[]platform.Cond{platform.Eq("a", "1"), platform.Eq("b", "2")}, ""},
		{[]platform.Cond{platform.Is("typing_to", nil)}, ""},
	}
	for _, tc := range cases {
		if got := serverFilter(tc.where); got != tc.want {
			t.Fatalf("serverFilter(%v) = %q, want %q", tc.where, got, tc.want)
		}
	}
}
