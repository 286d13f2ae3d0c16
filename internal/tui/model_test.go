package tui

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"

	"loftyeyes/internal/config"
	"loftyeyes/internal/platform"
	"loftyeyes/internal/platform/platformtest"
	"loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/contacts"
)

type fakeList struct {
	state     contacts.State
	updates   chan contacts.State
	refreshed int
	dismissed int
}

func newFakeList(names ...string) *fakeList {
	list := &fakeList{updates: make(chan contacts.State, 1)}
	for i, name := range names {
		list.state.Contacts = append(list.state.Contacts, contacts.Contact{
			Profile: chat.Profile{ID: string(rune('a' + i)), Username: strings.ToLower(name), FullName: name},
		})
	}
	return list
}

func (f *fakeList) State() contacts.State           { return f.state }
func (f *fakeList) Updates() <-chan contacts.State { return f.updates }
func (f *fakeList) Refresh()                        { f.refreshed++ }
func (f *fakeList) DismissError()                   { f.dismissed++ }

type fakeStarter struct {
	partner chat.Profile
	err     error
	asked   string
}

func (f *fakeStarter) StartConversation(_ context.Context, username string) (chat.Profile, error) {
	f.asked = username
	return f.partner, f.err
}

type failingOpener struct{}

func (failingOpener) Open(context.Context, string) (*chat.Conversation, error) {
	return nil, errors.New("offline")
}

func TestViewListsContacts(t *testing.T) {
	list := newFakeList("Bob", "Carol")
	list.state.Contacts[1].Online = true
	list.state.Contacts[1].UnreadCount = 3
	m := NewModel(context.Background(), list, failingOpener{}, &fakeStarter{}, 100)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	view := m.View()
	for _, want := range []string{"Bob", "Carol", "3", "No messages yet", "Select a chat to start messaging"} {
		if !strings.Contains(view, want) {
			t.Fatalf("View() missing %q:\n%s", want, view)
		}
	}
}

func TestViewShowsLoading(t *testing.T) {
	list := newFakeList()
	list.state.Loading = true
	m := NewModel(context.Background(), list, failingOpener{}, &fakeStarter{}, 100)

	if view := m.View(); !strings.Contains(view, "Loading contacts...") {
		t.Fatalf("View() = %s", view)
	}
}

func TestCursorStaysInRange(t *testing.T) {
	m := NewModel(context.Background(), newFakeList("Bob", "Carol"), failingOpener{}, &fakeStarter{}, 100)

	m.Update(tea.KeyMsg{Type: tea.KeyUp})
	if m.cursor != 0 {
		t.Fatalf("cursor = %d, want 0", m.cursor)
	}
	m.Update(tea.KeyMsg{Type: tea.KeyDown})
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("j")})
	if m.cursor != 1 {
		t.Fatalf("cursor = %d, want 1", m.cursor)
	}

	m.Update(contactsMsg{state: contacts.State{}, ok: true})
	if m.cursor != 0 {
		t.Fatalf("cursor after shrink = %d, want 0", m.cursor)
	}
}

func TestContactUpdatesAreApplied(t *testing.T) {
	list := newFakeList()
	m := NewModel(context.Background(), list, failingOpener{}, &fakeStarter{}, 100)

	updated := newFakeList("Dana").state
	list.updates <- updated
	msg := m.Init()()
	_, cmd := m.Update(msg)
	if cmd == nil {
		t.Fatalf("Update(contactsMsg) returned no follow-up command")
	}
	if !strings.Contains(m.View(), "Dana") {
		t.Fatalf("View() missing Dana:\n%s", m.View())
	}
}

func TestNewChatPromptReportsUnknownUser(t *testing.T) {
	starter := &fakeStarter{err: contacts.ErrUnknownUser}
	m := NewModel(context.Background(), newFakeList(), failingOpener{}, starter, 100)

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("n")})
	if m.focus != panelNewChat {
		t.Fatalf("focus = %v, want new chat prompt", m.focus)
	}
	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("zed")})
	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatalf("Update(enter) returned no command")
	}
	m.Update(cmd())

	if starter.asked != "zed" {
		t.Fatalf("StartConversation() username = %q, want zed", starter.asked)
	}
	if !strings.Contains(m.View(), "No user with that username") {
		t.Fatalf("View() missing error:\n%s", m.View())
	}

	m.Update(tea.KeyMsg{Type: tea.KeyCtrlD})
	if m.status != "" {
		t.Fatalf("status = %q after dismiss", m.status)
	}
}

func TestOpenFailureShowsError(t *testing.T) {
	m := NewModel(context.Background(), newFakeList("Bob"), failingOpener{}, &fakeStarter{}, 100)

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if cmd == nil {
		t.Fatalf("Update(enter) returned no command")
	}
	m.Update(cmd())
	if m.conv != nil {
		t.Fatalf("conv = %v, want nil", m.conv)
	}
	if !strings.Contains(m.View(), "Failed to open conversation") {
		t.Fatalf("View() missing error:\n%s", m.View())
	}
}

func TestStatusMark(t *testing.T) {
	tests := []struct {
		msg  chat.Message
		want string
	}{
		{chat.Message{Status: chat.StatusSent}, "✓"},
		{chat.Message{Status: chat.StatusDelivered}, "✓✓"},
		{chat.Message{Status: chat.StatusRead}, "✓✓ (read)"},
		{chat.Message{Status: chat.StatusSent, Pending: true}, "…"},
		{chat.Message{Status: chat.StatusSent, Pending: true, Failed: true}, "!"},
	}
	for _, tt := range tests {
		if got := statusMark(tt.msg); got != tt.want {
			t.Fatalf("statusMark(%+v) = %q, want %q", tt.msg, got, tt.want)
		}
	}
}

func TestOpenAndSendMessage(t *testing.T) {
	backend := platformtest.New()
	alice := connectUser(t, backend, "alice@example.com", "alice", "Alice Doe")
	bob := connectUser(t, backend, "bob@example.com", "bob", "Bob Stone")

	chats := chat.NewService(alice, nil, config.Config{
		ChatHistoryLimit: 50,
		MaxMessageLength: 100,
		TypingTimeout:    time.Second,
		TypingRefresh:    time.Hour,
		PresenceTTL:      time.Minute,
		RequestTimeout:   2 * time.Second,
	})
	list := &fakeList{updates: make(chan contacts.State, 1)}
	list.state.Contacts = []contacts.Contact{{Profile: chat.Profile{ID: bob.user.ID, FullName: "Bob Stone"}}}

	m := NewModel(context.Background(), list, chats, &fakeStarter{}, 100)
	t.Cleanup(m.Close)
	m.Update(tea.WindowSizeMsg{Width: 100, Height: 30})

	_, cmd := m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	m.Update(cmd())
	if m.conv == nil {
		t.Fatalf("conversation not opened, status = %q", m.status)
	}
	if m.focus != panelInput {
		t.Fatalf("focus = %v, want input", m.focus)
	}

	m.Update(tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune("hello bob")})
	m.Update(tea.KeyMsg{Type: tea.KeyEnter})
	if m.input.Value() != "" {
		t.Fatalf("input = %q after send, want empty", m.input.Value())
	}

	eventually(t, func() bool {
		for _, row := range backend.Rows(platform.TableMessages) {
			if row["content"] == "hello bob" && row["receiver_id"] == bob.user.ID {
				return true
			}
		}
		return false
	})

	var state chat.State
	eventually(t, func() bool {
		state = m.conv.State()
		return len(state.Messages) == 1 && !state.Messages[0].Pending
	})
	m.Update(conversationMsg{conv: m.conv, state: state, ok: true})
	if view := m.View(); !strings.Contains(view, "hello bob") || !strings.Contains(view, "✓") {
		t.Fatalf("View() missing sent message:\n%s", view)
	}
}

type testUser struct {
	user   platform.User
	client platform.Client
}

func (u testUser) User() platform.User     { return u.user }
func (u testUser) Client() platform.Client { return u.client }

func connectUser(t *testing.T, backend *platformtest.Backend, email, username, fullName string) testUser {
	t.Helper()
	user := backend.AddUser(email, "secret", nil)
	client, err := backend.Connect(backend.Session(user))
	if err != nil {
		t.Fatalf("Connect() error = %v", err)
	}
	t.Cleanup(func() { client.Close() })
	_, err = client.Insert(context.Background(), platform.TableProfiles, []map[string]any{{
		"id":        user.ID,
		"username":  username,
		"full_name": fullName,
	}})
	if err != nil {
		t.Fatalf("Insert(profiles) error = %v", err)
	}
	return testUser{user: user, client: client}
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
