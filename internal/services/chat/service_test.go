package chat

import (
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"
	"time"

	"loftyeyes/internal/config"
	"loftyeyes/internal/db"
	"loftyeyes/internal/platform"
	"loftyeyes/internal/platform/platformtest"
)

func TestOpenLoadsHistoryAndPartner(t *testing.T) {
	env := newTestEnv(t)
	var ids []string
	for i := 0; i < 5; i++ {
		from, to := env.me, env.partner
		if i%2 == 1 {
			from, to = env.partner, env.me
		}
		ids = append(ids, env.send(t, from, to, fmt.Sprintf("m%d", i)))
	}
	env.send(t, env.partner, env.stranger, "not for me")

	cfg := testConfig()
	cfg.ChatHistoryLimit = 3
	conv := env.open(t, cfg)

	state := waitForState(t, conv, func(s State) bool { return !s.Loading && s.HasPartner })
	if len(state.Messages) != 3 {
		t.Fatalf("len(Messages) = %d, want 3", len(state.Messages))
	}
	for i, want := range []string{"m2", "m3", "m4"} {
		if state.Messages[i].Content != want {
			t.Fatalf("Messages[%d].Content = %q, want %q", i, state.Messages[i].Content, want)
		}
	}
	if state.Partner.DisplayName() != "Bob Stone" || !state.PartnerOnline {
		t.Fatalf("partner = %+v online=%v", state.Partner, state.PartnerOnline)
	}

	// The read receipt also flips m1, which is older than the loaded page.
	eventually(t, func() bool { return env.status(ids[1]) == string(StatusRead) })
	time.Sleep(50 * time.Millisecond)
	conv.loop.Sync()
	state = conv.State()
	if len(state.Messages) != 3 || state.Messages[0].Content != "m2" {
		t.Fatalf("Messages after read receipts = %+v, want m2..m4", state.Messages)
	}
}

func TestUpdatesOutsideLoadedPageAreIgnored(t *testing.T) {
	env := newTestEnv(t)
	old := env.send(t, env.me, env.partner, "old")
	time.Sleep(2 * time.Millisecond)
	env.send(t, env.me, env.partner, "recent")

	cfg := testConfig()
	cfg.ChatHistoryLimit = 1
	conv := env.open(t, cfg)
	waitForState(t, conv, func(s State) bool { return !s.Loading && len(s.Messages) == 1 })

	env.setStatus(t, old, StatusDelivered)
	conv.loop.Sync()
	state := conv.State()
	if len(state.Messages) != 1 || state.Messages[0].Content != "recent" {
		t.Fatalf("Messages = %+v, want only recent", state.Messages)
	}
}

func TestFetchWithoutUnreadSendsNoReceipt(t *testing.T) {
	env := newTestEnv(t)
	env.send(t, env.me, env.partner, "one")
	env.send(t, env.me, env.partner, "two")

	conv := env.open(t, testConfig())
	waitForState(t, conv, func(s State) bool { return !s.Loading && len(s.Messages) == 2 })
	if err := conv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if got := env.count("update " + platform.TableMessages); got != 0 {
		t.Fatalf("message updates = %d, want 0", got)
	}
}

func TestOpenValidatesPartner(t *testing.T) {
	env := newTestEnv(t)
	service := NewService(testIdentity{user: env.me.user, client: env.me.client}, nil, testConfig())

	if _, err := service.Open(context.Background(), "  "); err == nil {
		t.Fatalf("Open() expected error for empty partner")
	}
	if _, err := service.Open(context.Background(), env.me.user.ID); err == nil {
		t.Fatalf("Open() expected error for self conversation")
	}

	signedOut := NewService(testIdentity{}, nil, testConfig())
	if _, err := signedOut.Open(context.Background(), env.partner.user.ID); !errors.Is(err, ErrNotSignedIn) {
		t.Fatalf("Open() error = %v, want ErrNotSignedIn", err)
	}
}

func TestSendReplacesOptimisticCopy(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	waitForState(t, conv, func(s State) bool { return !s.Loading })

	sent, err := conv.Send("  if x<y and y>z then  ")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	if !sent.Pending || sent.Content != "if x<y and y>z then" {
		t.Fatalf("Send() = %+v, want pending sanitized copy", sent)
	}

	state := waitForState(t, conv, func(s State) bool {
		return len(s.Messages) == 1 && !s.Messages[0].Pending
	})
	if state.Messages[0].ID != sent.ID || state.Messages[0].Status != StatusSent {
		t.Fatalf("Messages[0] = %+v, want confirmed %s", state.Messages[0], sent.ID)
	}

	rows := env.backend.Rows(platform.TableMessages)
	if len(rows) != 1 || rows[0]["id"] != sent.ID {
		t.Fatalf("stored messages = %v", rows)
	}

	first, second := Participants(env.me.user.ID, env.partner.user.ID)
	eventually(t, func() bool {
		conversations := env.backend.Rows(platform.TableConversations)
		return len(conversations) == 1 &&
			conversations[0]["participant_1"] == first &&
			conversations[0]["participant_2"] == second &&
			conversations[0]["last_message"] == "if x<y and y>z then"
	})
}

func TestSendRejectsEmptyContent(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())

	if _, err := conv.Send(" \x00\t \n"); !errors.Is(err, ErrEmptyMessage) {
		t.Fatalf("Send() error = %v, want ErrEmptyMessage", err)
	}
}

func TestSendFailureMarksMessageFailed(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	waitForState(t, conv, func(s State) bool { return !s.Loading })

	env.backend.FailNextOp("insert", platform.TableMessages, errors.New("boom"))
	if _, err := conv.Send("hello"); err != nil {
		t.Fatalf("Send() error = %v", err)
	}

	state := waitForState(t, conv, func(s State) bool {
		return len(s.Messages) == 1 && s.Messages[0].Failed
	})
	if state.Error != "Failed to send message" {
		t.Fatalf("Error = %q", state.Error)
	}
	if len(env.backend.Rows(platform.TableConversations)) != 0 {
		t.Fatalf("conversation upserted after failed send")
	}

	conv.DismissError()
	waitForState(t, conv, func(s State) bool { return s.Error == "" })
}

// quietClient stores inserts without returning them and drops INSERT events.
type quietClient struct {
	platform.Client
}

func (q quietClient) Insert(ctx context.Context, table string, rows any) (platform.Rows, error) {
	if _, err := q.Client.Insert(ctx, table, rows); err != nil {
		return nil, err
	}
	return platform.Rows("[]"), nil
}

func (q quietClient) Subscribe(ctx context.Context, sub platform.Subscription, handler func(platform.ChangeEvent)) (platform.Channel, error) {
	return q.Client.Subscribe(ctx, sub, func(event platform.ChangeEvent) {
		if event.Type != platform.EventInsert {
			handler(event)
		}
	})
}

func TestSendWithoutReturnedRowConfirms(t *testing.T) {
	env := newTestEnv(t)
	service := NewService(testIdentity{user: env.me.user, client: quietClient{env.me.client}}, nil, testConfig())
	conv, err := service.Open(context.Background(), env.partner.user.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conv.Close() })
	waitForState(t, conv, func(s State) bool { return !s.Loading })

	sent, err := conv.Send("hello")
	if err != nil {
		t.Fatalf("Send() error = %v", err)
	}
	state := waitForState(t, conv, func(s State) bool {
		return len(s.Messages) == 1 && !s.Messages[0].Pending
	})
	if state.Messages[0].ID != sent.ID || state.Messages[0].Failed {
		t.Fatalf("Messages[0] = %+v, want confirmed %s", state.Messages[0], sent.ID)
	}
}

func TestIncomingMessageIsMarkedRead(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	waitForState(t, conv, func(s State) bool { return !s.Loading })

	id := env.send(t, env.partner, env.me, "hi")

	waitForState(t, conv, func(s State) bool {
		return len(s.Messages) == 1 && s.Messages[0].Status == StatusRead
	})
	eventually(t, func() bool { return env.status(id) == string(StatusRead) })
}

func TestInactiveViewDefersReadReceipts(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	conv.SetActive(false)
	waitForState(t, conv, func(s State) bool { return !s.Loading })

	id := env.send(t, env.partner, env.me, "hi")
	waitForState(t, conv, func(s State) bool { return len(s.Messages) == 1 })
	conv.loop.Sync()
	if got := env.status(id); got != string(StatusSent) {
		t.Fatalf("status while inactive = %q, want sent", got)
	}

	conv.SetActive(true)
	eventually(t, func() bool { return env.status(id) == string(StatusRead) })
}

func TestStatusUpdatesNeverRegress(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	waitForState(t, conv, func(s State) bool { return !s.Loading })

	id := env.send(t, env.me, env.partner, "hello")
	waitForState(t, conv, func(s State) bool { return len(s.Messages) == 1 })

	env.setStatus(t, id, StatusRead)
	waitForState(t, conv, func(s State) bool { return s.Messages[0].Status == StatusRead })

	env.setStatus(t, id, StatusDelivered)
	conv.loop.Sync()
	if state := conv.State(); state.Messages[0].Status != StatusRead {
		t.Fatalf("Status = %q after stale update, want read", state.Messages[0].Status)
	}
}

func TestSetTypingThrottlesWrites(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	partnerID := env.partner.user.ID

	conv.SetTyping(true)
	eventually(t, func() bool { return env.profile(env.me.user.ID)["typing_to"] == partnerID })

	conv.SetTyping(true)
	conv.SetTyping(false)
	eventually(t, func() bool { return env.profile(env.me.user.ID)["typing_to"] == nil })

	if got := env.count("update " + platform.TableProfiles); got != 2 {
		t.Fatalf("profile updates = %d, want 2", got)
	}
}

func TestCloseClearsTypingAndUnsubscribes(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())

	conv.SetTyping(true)
	eventually(t, func() bool { return env.profile(env.me.user.ID)["typing_to"] != nil })

	if err := conv.Close(); err != nil {
		t.Fatalf("Close() error = %v", err)
	}
	if env.profile(env.me.user.ID)["typing_to"] != nil {
		t.Fatalf("typing_to still set after Close")
	}
	if got := env.backend.Subscribers(platform.TableMessages); got != 0 {
		t.Fatalf("Subscribers(messages) = %d, want 0", got)
	}
	if _, err := conv.Send("late"); !errors.Is(err, ErrClosed) {
		t.Fatalf("Send() after Close error = %v, want ErrClosed", err)
	}
}

func TestPartnerTypingExpires(t *testing.T) {
	env := newTestEnv(t)
	conv := env.open(t, testConfig())
	waitForState(t, conv, func(s State) bool { return s.HasPartner })

	_, err := env.partner.client.Update(context.Background(), platform.TableProfiles, map[string]any{
		"typing_to": env.me.user.ID,
		"typing_at": time.Now().UTC(),
	}, []platform.Cond{platform.Eq("id", env.partner.user.ID)})
	if err != nil {
		t.Fatalf("Update() error = %v", err)
	}

	waitForState(t, conv, func(s State) bool { return s.PartnerTyping })
	waitForState(t, conv, func(s State) bool { return !s.PartnerTyping })
}

func TestCachedHistoryShownWhenFetchFails(t *testing.T) {
	env := newTestEnv(t)
	store := newTestStore(t)
	cached := db.Message{
		ID:          "cached-1",
		SenderID:    env.partner.user.ID,
		ReceiverID:  env.me.user.ID,
		Content:     "from cache",
		MessageType: string(MessageText),
		Status:      string(StatusRead),
		CreatedAt:   time.Now().UTC().Add(-time.Hour),
	}
	if err := store.CacheMessages(context.Background(), env.me.user.ID, []db.Message{cached}, time.Now().UTC()); err != nil {
		t.Fatalf("CacheMessages() error = %v", err)
	}
	env.backend.FailNextOp("select", platform.TableMessages, errors.New("offline"))

	service := NewService(testIdentity{user: env.me.user, client: env.me.client}, store, testConfig())
	conv, err := service.Open(context.Background(), env.partner.user.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conv.Close() })

	state := waitForState(t, conv, func(s State) bool { return !s.Loading && len(s.Messages) == 1 })
	if state.Messages[0].Content != "from cache" {
		t.Fatalf("Messages[0] = %+v", state.Messages[0])
	}
}

func TestFetchedMessagesAreCached(t *testing.T) {
	env := newTestEnv(t)
	store := newTestStore(t)
	env.send(t, env.me, env.partner, "one")
	env.send(t, env.partner, env.me, "two")

	service := NewService(testIdentity{user: env.me.user, client: env.me.client}, store, testConfig())
	conv, err := service.Open(context.Background(), env.partner.user.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conv.Close() })

	eventually(t, func() bool {
		cached, err := store.CachedMessages(context.Background(), env.me.user.ID, env.partner.user.ID, 10)
		return err == nil && len(cached) == 2
	})
}

func TestUpsertMessageOrdersAndMerges(t *testing.T) {
	base := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	var list []Message
	list, _ = upsertMessage(list, Message{ID: "b", CreatedAt: base.Add(time.Minute)})
	list, _ = upsertMessage(list, Message{ID: "c", CreatedAt: base})
	list, _ = upsertMessage(list, Message{ID: "a", CreatedAt: base})

	for i, want := range []string{"a", "c", "b"} {
		if list[i].ID != want {
			t.Fatalf("list[%d].ID = %q, want %q", i, list[i].ID, want)
		}
	}
	if list[0].Status != StatusSent {
		t.Fatalf("default Status = %q, want sent", list[0].Status)
	}

	list, changed := upsertMessage(list, Message{ID: "b", CreatedAt: base.Add(time.Minute), Status: StatusRead})
	if !changed || list[2].Status != StatusRead {
		t.Fatalf("upsert read: changed=%v status=%q", changed, list[2].Status)
	}
	list, changed = upsertMessage(list, Message{ID: "b", CreatedAt: base.Add(time.Minute), Status: StatusDelivered})
	if changed || list[2].Status != StatusRead {
		t.Fatalf("upsert delivered: changed=%v status=%q", changed, list[2].Status)
	}
	if len(list) != 3 {
		t.Fatalf("len(list) = %d, want 3", len(list))
	}
}

func TestMergeClearsPendingAndKeepsTimestamp(t *testing.T) {
	local := Message{ID: "x", CreatedAt: time.Unix(100, 0), Pending: true}
	merged := mergeMessage(local, Message{ID: "x", Content: "hi", Status: StatusSent})
	if merged.Pending || merged.Failed {
		t.Fatalf("merged = %+v, want confirmed", merged)
	}
	if !merged.CreatedAt.Equal(local.CreatedAt) {
		t.Fatalf("CreatedAt = %v, want %v", merged.CreatedAt, local.CreatedAt)
	}
}

func TestMaxStatus(t *testing.T) {
	tests := []struct {
		a, b Status
		want Status
	}{
		{"", "", StatusSent},
		{StatusSent, StatusDelivered, StatusDelivered},
		{StatusRead, StatusDelivered, StatusRead},
		{StatusDelivered, StatusSent, StatusDelivered},
	}
	for _, tt := range tests {
		if got := MaxStatus(tt.a, tt.b); got != tt.want {
			t.Fatalf("MaxStatus(%q, %q) = %q, want %q", tt.a, tt.b, got, tt.want)
		}
	}
}

func TestProfileDisplay(t *testing.T) {
	profile := Profile{Username: "bob", FullName: "  Bob  van Stone "}
	if got := profile.DisplayName(); got != "Bob  van Stone" {
		t.Fatalf("DisplayName() = %q", got)
	}
	if got := profile.Initials(); got != "BV" {
		t.Fatalf("Initials() = %q, want BV", got)
	}
	if got := (Profile{}).DisplayName(); got != "Unknown" {
		t.Fatalf("DisplayName() = %q, want Unknown", got)
	}

	now := time.Now()
	stale := Profile{Online: true, UpdatedAt: now.Add(-2 * time.Minute)}
	if stale.OnlineAt(now, time.Minute) {
		t.Fatalf("OnlineAt() = true for stale heartbeat")
	}
}

func TestParticipantsOrdersIDs(t *testing.T) {
	first, second := Participants("b", "a")
	if first != "a" || second != "b" {
		t.Fatalf("Participants() = %q, %q", first, second)
	}
}

type testIdentity struct {
	user   platform.User
	client platform.Client
}

func (i testIdentity) User() platform.User     { return i.user }
func (i testIdentity) Client() platform.Client { return i.client }

type testUser struct {
	user   platform.User
	client platform.Client
}

type testEnv struct {
	backend  *platformtest.Backend
	me       testUser
	partner  testUser
	stranger testUser
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()
	backend := platformtest.New()
	env := &testEnv{backend: backend}
	env.me = connectUser(t, backend, "alice@example.com", map[string]any{"username": "alice", "full_name": "Alice"})
	env.partner = connectUser(t, backend, "bob@example.com", map[string]any{"username": "bob", "full_name": "Bob Stone", "online": true})
	env.stranger = connectUser(t, backend, "carol@example.com", map[string]any{"username": "carol"})
	return env
}

func connectUser(t *testing.T, backend *platformtest.Backend, email string, profile map[string]any) testUser {
	t.Helper()
	user := backend.AddUser(email, "secret", nil)
	client, err := backend.Connect(backend.Session(user))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	profile["id"] = user.ID
	if _, err := client.Insert(context.Background(), platform.TableProfiles, []map[string]any{profile}); err != nil {
		t.Fatalf("Insert(profiles) error = %v", err)
	}
	return testUser{user: user, client: client}
}

func (e *testEnv) open(t *testing.T, cfg config.Config) *Conversation {
	t.Helper()
	service := NewService(testIdentity{user: e.me.user, client: e.me.client}, nil, cfg)
	conv, err := service.Open(context.Background(), e.partner.user.ID)
	if err != nil {
		t.Fatalf("Open() error = %v", err)
	}
	t.Cleanup(func() { conv.Close() })
	return conv
}

func (e *testEnv) send(t *testing.T, from, to testUser, content string) string {
	t.Helper()
	rows, err := from.client.Insert(context.Background(), platform.TableMessages, []map[string]any{{
		"sender_id":    from.user.ID,
		"receiver_id":  to.user.ID,
		"content":      content,
		"message_type": "text",
	}})
	if err != nil {
		t.Fatalf("Insert(messages) error = %v", err)
	}
	var stored Message
	if err := rows.First(&stored); err != nil {
		t.Fatalf("First() error = %v", err)
	}
	return stored.ID
}

func (e *testEnv) setStatus(t *testing.T, id string, status Status) {
	t.Helper()
	_, err := e.partner.client.Update(context.Background(), platform.TableMessages,
		map[string]any{"status": status}, []platform.Cond{platform.Eq("id", id)})
	if err != nil {
		t.Fatalf("Update(messages) error = %v", err)
	}
}

func (e *testEnv) status(id string) string {
	for _, row := range e.backend.Rows(platform.TableMessages) {
		if row["id"] == id {
			status, _ := row["status"].(string)
			return status
		}
	}
	return ""
}

func (e *testEnv) profile(id string) map[string]any {
	for _, row := range e.backend.Rows(platform.TableProfiles) {
		if row["id"] == id {
			return row
		}
	}
	return nil
}

func (e *testEnv) count(op string) int {
	count := 0
	for _, candidate := range e.backend.Ops() {
		if candidate == op {
			count++
		}
	}
	return count
}

func testConfig() config.Config {
	return config.Config{
		ChatHistoryLimit:  50,
		CacheHistoryLimit: 100,
		MaxMessageLength:  40,
		TypingTimeout:     200 * time.Millisecond,
		TypingRefresh:     time.Hour,
		PresenceTTL:       time.Minute,
		RequestTimeout:    2 * time.Second,
	}
}

func waitForState(t *testing.T, conv *Conversation, ready func(State) bool) State {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for {
		state := conv.State()
		if ready(state) {
			return state
		}
		if time.Now().After(deadline) {
			t.Fatalf("state never became ready: %+v", state)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func eventually(t *testing.T, ready func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !ready() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not met before deadline")
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func newTestStore(t *testing.T) *db.Store {
	t.Helper()
	store, err := db.OpenSQLite(filepath.Join(t.TempDir(), "test.sqlite"))
	if err != nil {
		t.Fatalf("OpenSQLite() error = %v", err)
	}
	t.Cleanup(func() {
		_ = store.Close()
	})
	return store
}
