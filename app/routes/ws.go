package routes

import (
	"context"
	"encoding/json"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"slices"
	"strings"
	"time"

	"github.com/gorilla/websocket"

	chatsvc "loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/contacts"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  1024,
	WriteBufferSize: 1024,
	CheckOrigin:     checkOrigin,
}

// checkOrigin accepts same-host pages and the configured allowed origins.
func checkOrigin(r *http.Request) bool {
	origin := r.Header.Get("Origin")
	if origin == "" {
		return true
	}
	parsed, err := url.Parse(origin)
	if err != nil {
		return false
	}
	if strings.EqualFold(parsed.Host, r.Host) {
		return true
	}
	return slices.Contains(getDeps().Config.AllowedOrigins, origin)
}

// WebSocketGET streams contact and conversation snapshots to the page and
// applies the page's send, typing, visibility and dismiss messages. Contact
// snapshots are narrowed by the page's q search term.
func WebSocketGET(w http.ResponseWriter, r *http.Request) {
	session := getDeps().Sessions.Get(r)
	if session == nil || !session.Auth.SignedIn() {
		http.Error(w, "not signed in", http.StatusUnauthorized)
		return
	}

	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		slog.Warn("websocket upgrade failed", "error", err)
		return
	}
	c := newConn(ws)
	c.start()
	session.attach()
	defer session.detach()

	ctx, cancel := context.WithTimeout(context.Background(), getDeps().Config.RequestTimeout)
	list, err := session.Contacts.Open(ctx)
	if err != nil {
		cancel()
		slog.Error("failed to open contact list", "session", session.ID, "error", err)
		c.close(websocket.CloseInternalServerErr, "contacts unavailable")
		return
	}

	var conv *chatsvc.Conversation
	if partnerID := strings.TrimSpace(r.URL.Query().Get("chat")); partnerID != "" {
		conv, err = session.Chat.Open(ctx, partnerID)
		if err != nil {
			slog.Error("failed to open conversation", "session", session.ID, "partner_id", partnerID, "error", err)
		}
	}
	cancel()

	forwarded := make(chan struct{})
	go func() {
		defer close(forwarded)
		forward(c, list, conv, strings.TrimSpace(r.URL.Query().Get("q")))
	}()

	readLoop(ws, list, conv)

	c.close(websocket.CloseNormalClosure, "")
	<-forwarded
	if conv != nil {
		_ = conv.Close()
	}
	_ = list.Close()
}

func forward(c *conn, list *contacts.List, conv *chatsvc.Conversation, search string) {
	if err := c.sendJSON(serverMessage{Type: "contacts", State: newContactsView(searched(list.State(), search))}); err != nil {
		return
	}
	contactUpdates := list.Updates()
	var conversationUpdates <-chan chatsvc.State
	if conv != nil {
		conversationUpdates = conv.Updates()
		if err := c.sendJSON(serverMessage{Type: "conversation", State: newConversationView(conv.State())}); err != nil {
			return
		}
	}

	for {
		var err error
		select {
		case <-c.done():
			return
		case state, ok := <-contactUpdates:
			if !ok {
				contactUpdates = nil
				continue
			}
			err = c.sendJSON(serverMessage{Type: "contacts", State: newContactsView(searched(state, search))})
		case state, ok := <-conversationUpdates:
			if !ok {
				conversationUpdates = nil
				continue
			}
			err = c.sendJSON(serverMessage{Type: "conversation", State: newConversationView(state)})
		}
		if err != nil {
			return
		}
	}
}

func searched(state contacts.State, term string) contacts.State {
	state.Contacts = state.Search(term)
	return state
}

func readLoop(ws *websocket.Conn, list *contacts.List, conv *chatsvc.Conversation) {
	ws.SetReadLimit(maxClientFrame)
	_ = ws.SetReadDeadline(time.Now().Add(pongWait))
	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(pongWait))
	})

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				slog.Warn("websocket read failed", "error", err)
			}
			return
		}
		_ = ws.SetReadDeadline(time.Now().Add(pongWait))

		var msg clientMessage
		if err := json.Unmarshal(data, &msg); err != nil {
			slog.Warn("invalid websocket message", "error", err)
			continue
		}
		handleClientMessage(msg, list, conv)
	}
}

func handleClientMessage(msg clientMessage, list *contacts.List, conv *chatsvc.Conversation) {
	switch msg.Type {
	case "dismiss":
		list.DismissError()
		if conv != nil {
			conv.DismissError()
		}
	case "send":
		if conv == nil {
			return
		}
		if _, err := conv.Send(msg.Content); err != nil && !errors.Is(err, chatsvc.ErrEmptyMessage) {
			slog.Warn("failed to queue message", "partner_id", conv.PartnerID(), "error", err)
		}
	case "typing":
		if conv != nil {
			conv.SetTyping(msg.Active)
		}
	case "visibility":
		if conv != nil {
			conv.SetActive(msg.Active)
		}
	default:
		slog.Warn("unknown websocket message", "type", msg.Type)
	}
}
