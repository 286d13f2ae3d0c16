// Package tui is the terminal front-end: a contacts sidebar next to the open
// conversation, driven by the same live views the web front-end uses.
package tui

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/charmbracelet/bubbles/key"
	"github.com/charmbracelet/bubbles/textinput"
	"github.com/charmbracelet/bubbles/viewport"
	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"

	"loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/contacts"
)

// ContactView is a live contact list. *contacts.List satisfies it.
type ContactView interface {
	State() contacts.State
	Updates() <-chan contacts.State
	Refresh()
	DismissError()
}

// ChatOpener opens conversation views. *chat.Service satisfies it.
type ChatOpener interface {
	Open(ctx context.Context, partnerID string) (*chat.Conversation, error)
}

// Starter creates conversations by username. *contacts.Service satisfies it.
type Starter interface {
	StartConversation(ctx context.Context, username string) (chat.Profile, error)
}

type panel int

const (
	panelContacts panel = iota
	panelInput
	panelNewChat
)

const sidebarWidth = 32

type contactsMsg struct {
	state contacts.State
	ok    bool
}

type conversationMsg struct {
	conv  *chat.Conversation
	state chat.State
	ok    bool
}

type openedMsg struct {
	conv *chat.Conversation
	err  error
}

type startedMsg struct {
	partner chat.Profile
	err     error
}

type Model struct {
	ctx      context.Context
	keys     keyMap
	contacts ContactView
	chats    ChatOpener
	starter  Starter

	list   contacts.State
	cursor int

	conv      *chat.Conversation
	convState chat.State

	focus    panel
	input    textinput.Model
	prompt   textinput.Model
	viewport viewport.Model
	width    int
	height   int
	status   string
}

func NewModel(ctx context.Context, list ContactView, chats ChatOpener, starter Starter, maxLength int) *Model {
	input := textinput.New()
	input.Placeholder = "Type a message..."
	input.Prompt = "> "
	if maxLength > 0 {
		input.CharLimit = maxLength
	}

	prompt := textinput.New()
	prompt.Placeholder = "username"
	prompt.Prompt = "@"

	return &Model{
		ctx:      ctx,
		keys:     defaultKeyMap(),
		contacts: list,
		chats:    chats,
		starter:  starter,
		list:     list.State(),
		input:    input,
		prompt:   prompt,
		viewport: viewport.New(40, 10),
	}
}

func (m *Model) Init() tea.Cmd {
	return waitContacts(m.contacts.Updates())
}

// Close releases the open conversation, if any.
func (m *Model) Close() {
	if m.conv != nil {
		_ = m.conv.Close()
		m.conv = nil
	}
}

func waitContacts(updates <-chan contacts.State) tea.Cmd {
	return func() tea.Msg {
		state, ok := <-updates
		return contactsMsg{state: state, ok: ok}
	}
}

func waitConversation(conv *chat.Conversation) tea.Cmd {
	updates := conv.Updates()
	return func() tea.Msg {
		state, ok := <-updates
		return conversationMsg{conv: conv, state: state, ok: ok}
	}
}

func (m *Model) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width = msg.Width
		m.height = msg.Height
		m.resize()
		return m, nil

	case tea.FocusMsg:
		if m.conv != nil {
			m.conv.SetActive(true)
		}
		return m, nil

	case tea.BlurMsg:
		if m.conv != nil {
			m.conv.SetActive(false)
		}
		return m, nil

	case contactsMsg:
		if !msg.ok {
			return m, nil
		}
		m.list = msg.state
		m.clampCursor()
		return m, waitContacts(m.contacts.Updates())

	case conversationMsg:
		if msg.conv != m.conv || !msg.ok {
			return m, nil
		}
		m.convState = msg.state
		m.refreshMessages()
		return m, waitConversation(msg.conv)

	case openedMsg:
		if msg.err != nil {
			m.status = "Failed to open conversation"
			return m, nil
		}
		m.Close()
		m.conv = msg.conv
		m.convState = msg.conv.State()
		m.conv.SetActive(true)
		m.status = ""
		m.refreshMessages()
		m.setFocus(panelInput)
		return m, waitConversation(msg.conv)

	case startedMsg:
		if msg.err != nil {
			m.status = startError(msg.err)
			return m, nil
		}
		m.contacts.Refresh()
		m.status = "Chat with " + msg.partner.DisplayName() + " started"
		m.setFocus(panelContacts)
		return m, m.open(msg.partner.ID)

	case tea.KeyMsg:
		return m.handleKey(msg)
	}
	return m, nil
}

func (m *Model) handleKey(msg tea.KeyMsg) (tea.Model, tea.Cmd) {
	if key.Matches(msg, m.keys.Quit) {
		return m, tea.Quit
	}
	if key.Matches(msg, m.keys.Dismiss) {
		m.status = ""
		m.contacts.DismissError()
		if m.conv != nil {
			m.conv.DismissError()
		}
		return m, nil
	}

	switch m.focus {
	case panelNewChat:
		switch {
		case key.Matches(msg, m.keys.Back):
			m.setFocus(panelContacts)
			return m, nil
		case key.Matches(msg, m.keys.Open):
			username := m.prompt.Value()
			m.prompt.Reset()
			return m, m.start(username)
		}
		var cmd tea.Cmd
		m.prompt, cmd = m.prompt.Update(msg)
		return m, cmd

	case panelInput:
		switch {
		case key.Matches(msg, m.keys.Back), key.Matches(msg, m.keys.Tab):
			m.setFocus(panelContacts)
			return m, nil
		case key.Matches(msg, m.keys.Open):
			m.send()
			return m, nil
		}
		var cmd tea.Cmd
		m.input, cmd = m.input.Update(msg)
		if m.conv != nil {
			m.conv.SetTyping(strings.TrimSpace(m.input.Value()) != "")
		}
		return m, cmd
	}

	visible := m.visibleContacts()
	switch {
	case msg.String() == "q":
		return m, tea.Quit
	case key.Matches(msg, m.keys.Up):
		if m.cursor > 0 {
			m.cursor--
		}
	case key.Matches(msg, m.keys.Down):
		if m.cursor < len(visible)-1 {
			m.cursor++
		}
	case key.Matches(msg, m.keys.Tab):
		if m.conv != nil {
			m.setFocus(panelInput)
		}
	case key.Matches(msg, m.keys.NewChat):
		m.setFocus(panelNewChat)
	case key.Matches(msg, m.keys.Open):
		if m.cursor < len(visible) {
			return m, m.open(visible[m.cursor].ID)
		}
	}
	return m, nil
}

func (m *Model) open(partnerID string) tea.Cmd {
	ctx, chats := m.ctx, m.chats
	return func() tea.Msg {
		conv, err := chats.Open(ctx, partnerID)
		return openedMsg{conv: conv, err: err}
	}
}

func (m *Model) start(username string) tea.Cmd {
	ctx, starter := m.ctx, m.starter
	return func() tea.Msg {
		partner, err := starter.StartConversation(ctx, username)
		return startedMsg{partner: partner, err: err}
	}
}

func (m *Model) send() {
	if m.conv == nil {
		return
	}
	_, err := m.conv.Send(m.input.Value())
	switch {
	case errors.Is(err, chat.ErrEmptyMessage):
		return
	case err != nil:
		m.status = "Failed to send message"
		return
	}
	m.input.Reset()
}

func startError(err error) string {
	switch {
	case errors.Is(err, contacts.ErrUnknownUser):
		return "No user with that username"
	case errors.Is(err, contacts.ErrSelf):
		return "You cannot start a chat with yourself"
	}
	return "Failed to start conversation"
}

func (m *Model) setFocus(p panel) {
	m.focus = p
	m.input.Blur()
	m.prompt.Blur()
	switch p {
	case panelInput:
		m.input.Focus()
	case panelNewChat:
		m.prompt.Focus()
	}
}

func (m *Model) visibleContacts() []contacts.Contact {
	return m.list.Contacts
}

func (m *Model) clampCursor() {
	if n := len(m.visibleContacts()); m.cursor >= n {
		m.cursor = max(n-1, 0)
	}
}

func (m *Model) resize() {
	width := max(m.width-sidebarWidth-6, 20)
	height := max(m.height-8, 3)
	m.viewport.Width = width
	m.viewport.Height = height
	m.input.Width = width - 4
	m.refreshMessages()
}

func (m *Model) refreshMessages() {
	var b strings.Builder
	for i, msg := range m.convState.Messages {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderMessage(msg))
	}
	m.viewport.SetContent(b.String())
	m.viewport.GotoBottom()
}

func (m *Model) renderMessage(msg chat.Message) string {
	clock := msg.CreatedAt.Local().Format("15:04")
	if !msg.FromMe(m.convState.Me) {
		return otherMessageStyle.Render(msg.Content) + " " + mutedStyle.Render(clock)
	}
	style := ownMessageStyle
	if msg.Failed {
		style = failedMessageStyle
	}
	line := mutedStyle.Render(clock+" "+statusMark(msg)) + " " + style.Render(msg.Content)
	width := max(m.viewport.Width, lipgloss.Width(line))
	return lipgloss.PlaceHorizontal(width, lipgloss.Right, line)
}

func statusMark(msg chat.Message) string {
	switch {
	case msg.Failed:
		return "!"
	case msg.Pending:
		return "…"
	case msg.Status == chat.StatusRead:
		return "✓✓ (read)"
	case msg.Status == chat.StatusDelivered:
		return "✓✓"
	}
	return "✓"
}

func (m *Model) View() string {
	sidebar := focused(panelStyle, m.focus != panelInput).
		Width(sidebarWidth).
		Render(m.sidebarView())
	main := focused(panelStyle, m.focus == panelInput).
		Render(m.chatView())

	body := lipgloss.JoinHorizontal(lipgloss.Top, sidebar, main)
	footer := mutedStyle.Render("tab switch • enter open/send • n new chat • ctrl+d dismiss • ctrl+c quit")
	if text := m.errorText(); text != "" {
		footer = errorStyle.Render(text) + "\n" + footer
	}
	return lipgloss.JoinVertical(lipgloss.Left, body, footer)
}

func (m *Model) errorText() string {
	var parts []string
	for _, text := range []string{m.status, m.list.Error, m.convState.Error} {
		if text != "" {
			parts = append(parts, text)
		}
	}
	return strings.Join(parts, " • ")
}

func (m *Model) sidebarView() string {
	var b strings.Builder
	b.WriteString(titleStyle.Render("LoftyEyes"))
	b.WriteString("\n")
	if m.focus == panelNewChat {
		b.WriteString(m.prompt.View())
		b.WriteString("\n")
	}
	b.WriteString("\n")

	visible := m.visibleContacts()
	switch {
	case m.list.Loading && len(visible) == 0:
		b.WriteString(mutedStyle.Render("Loading contacts..."))
	case len(visible) == 0:
		b.WriteString(mutedStyle.Render("No conversations yet. Press n to start one!"))
	}
	for i, contact := range visible {
		if i > 0 {
			b.WriteString("\n")
		}
		b.WriteString(m.renderContact(contact, i == m.cursor))
	}
	return b.String()
}

func (m *Model) renderContact(contact contacts.Contact, selected bool) string {
	dot := mutedStyle.Render("○")
	if contact.Online {
		dot = onlineStyle.Render("●")
	}
	name := dot + " " + contact.DisplayName()
	if contact.UnreadCount > 0 {
		name += " " + badgeStyle.Render(fmt.Sprint(contact.UnreadCount))
	}
	preview := mutedStyle.Render(truncate(contact.Preview(), sidebarWidth-6))
	if selected {
		return selectedItemStyle.Render(name + "\n" + preview)
	}
	return itemStyle.Render(name + "\n" + preview)
}

func (m *Model) chatView() string {
	if m.conv == nil {
		return mutedStyle.Render("Select a chat to start messaging")
	}
	header := titleStyle.Render(m.convState.Partner.DisplayName())
	switch {
	case m.convState.PartnerTyping:
		header += " " + onlineStyle.Render("typing…")
	case m.convState.PartnerOnline:
		header += " " + onlineStyle.Render("online")
	default:
		header += " " + mutedStyle.Render("offline")
	}

	var content string
	switch {
	case m.convState.Loading && len(m.convState.Messages) == 0:
		content = mutedStyle.Render("Loading messages...")
	case len(m.convState.Messages) == 0:
		content = mutedStyle.Render("No messages yet. Say hi!")
	default:
		content = m.viewport.View()
	}
	return lipgloss.JoinVertical(lipgloss.Left, header, content, m.input.View())
}

func truncate(s string, n int) string {
	runes := []rune(s)
	if n <= 0 || len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}

// Run shows the terminal UI until the user quits or ctx ends.
func Run(ctx context.Context, list ContactView, chats ChatOpener, starter Starter, maxLength int) error {
	model := NewModel(ctx, list, chats, starter, maxLength)
	defer model.Close()

	program := tea.NewProgram(model,
		tea.WithAltScreen(),
		tea.WithReportFocus(),
		tea.WithContext(ctx),
	)
	if _, err := program.Run(); err != nil && !errors.Is(err, tea.ErrProgramKilled) {
		return fmt.Errorf("run terminal ui: %w", err)
	}
	return nil
}
