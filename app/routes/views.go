package routes

import (
	"time"

	chatsvc "loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/contacts"
)

type serverMessage struct {
	Type  string `json:"type"`
	State any    `json:"state"`
}

type clientMessage struct {
	Type    string `json:"type"`
	Content string `json:"content"`
	Active  bool   `json:"active"`
}

type contactView struct {
	ID            string     `json:"id"`
	Name          string     `json:"name"`
	Initials      string     `json:"initials"`
	Online        bool       `json:"online"`
	Preview       string     `json:"preview"`
	LastMessageAt *time.Time `json:"last_message_at"`
	UnreadCount   int        `json:"unread_count"`
}

type contactsView struct {
	Loading  bool          `json:"loading"`
	Error    string        `json:"error,omitempty"`
	Contacts []contactView `json:"contacts"`
}

type messageView struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	SenderID   string         `json:"sender_id"`
	ReceiverID string         `json:"receiver_id"`
	CreatedAt  time.Time      `json:"created_at"`
	Status     chatsvc.Status `json:"status"`
	Pending    bool           `json:"pending"`
	Failed     bool           `json:"failed"`
}

type conversationView struct {
	PartnerID     string        `json:"partner_id"`
	PartnerName   string        `json:"partner_name"`
	PartnerOnline bool          `json:"partner_online"`
	PartnerTyping bool          `json:"partner_typing"`
	Loading       bool          `json:"loading"`
	Error         string        `json:"error,omitempty"`
	Messages      []messageView `json:"messages"`
}

func newContactsView(state contacts.State) contactsView {
	view := contactsView{
		Loading:  state.Loading,
		Error:    state.Error,
		Contacts: make([]contactView, 0, len(state.Contacts)),
	}
	for _, contact := range state.Contacts {
		view.Contacts = append(view.Contacts, contactView{
			ID:            contact.ID,
			Name:          contact.DisplayName(),
			Initials:      contact.Initials(),
			Online:        contact.Online,
			Preview:       contact.Preview(),
			LastMessageAt: contact.LastMessageAt,
			UnreadCount:   contact.UnreadCount,
		})
	}
	return view
}

func newConversationView(state chatsvc.State) conversationView {
	view := conversationView{
		PartnerID:     state.PartnerID,
		PartnerOnline: state.PartnerOnline,
		PartnerTyping: state.PartnerTyping,
		Loading:       state.Loading,
		Error:         state.Error,
		Messages:      make([]messageView, 0, len(state.Messages)),
	}
	if state.HasPartner {
		view.PartnerName = state.Partner.DisplayName()
	}
	for _, msg := range state.Messages {
		view.Messages = append(view.Messages, messageView{
			ID:         msg.ID,
			Content:    msg.Content,
			SenderID:   msg.SenderID,
			ReceiverID: msg.ReceiverID,
			CreatedAt:  msg.CreatedAt,
			Status:     msg.Status,
			Pending:    msg.Pending,
			Failed:     msg.Failed,
		})
	}
	return view
}
