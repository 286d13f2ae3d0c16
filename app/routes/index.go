package routes

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"time"

	g "maragu.dev/gomponents"
	c "maragu.dev/gomponents/components"
	h "maragu.dev/gomponents/html"

	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/contacts"
)

// initialLoadWait bounds how long the first render waits for the contact
// list to load before showing the loading state.
const initialLoadWait = 2 * time.Second

type indexPage struct {
	Title            string
	Flash            string
	Me               platform.User
	Contacts         []contacts.Contact
	Loading          bool
	Search           string
	Selected         string
	Partner          contacts.Contact
	HasPartner       bool
	MaxMessageLength int
}

func indexView(p indexPage) g.Node {
	return layout(p.Title, p.Flash,
		h.Div(h.Class("app"), h.Data("me", p.Me.ID), h.Data("chat", p.Selected), h.Data("search", p.Search),
			h.Aside(h.Class("sidebar"),
				h.Header(
					brand(),
					h.Form(h.Method("post"), h.Action("/auth/logout"),
						h.Button(h.Class("ghost"), h.Title("Sign out"), g.Text("Sign out")),
					),
				),
				h.Form(h.Method("get"), h.Action("/"), h.Class("search"),
					g.If(p.Selected != "", h.Input(h.Type("hidden"), h.Name("chat"), h.Value(p.Selected))),
					h.Input(h.Name("q"), h.Value(p.Search), h.Placeholder("Search chats...")),
				),
				h.Ul(h.ID("contacts"), h.Class("contacts"), contactItems(p)),
				h.Form(h.Method("post"), h.Action("/chats"), h.Class("new-chat"),
					h.Input(h.Name("username"), h.Placeholder("Username"), h.Required()),
					h.Button(h.Type("submit"), g.Text("New Chat")),
				),
			),
			h.Section(h.Class("chat"), chatPanel(p)),
		),
		h.Script(h.Src("/app.js")),
	)
}

func contactItems(p indexPage) g.Node {
	switch {
	case p.Loading:
		return h.Li(h.Class("empty"), g.Text("Loading contacts..."))
	case len(p.Contacts) == 0:
		return h.Li(h.Class("empty"), g.Text("No conversations yet. Start a new chat!"))
	}
	return g.Map(p.Contacts, func(contact contacts.Contact) g.Node {
		return h.Li(c.Classes{"selected": contact.ID == p.Selected},
			h.A(h.Href("/?chat="+url.QueryEscape(contact.ID)),
				h.Span(h.Class("avatar"), g.Text(contact.Initials()),
					g.If(contact.Online, h.I(h.Class("dot"))),
				),
				h.Span(h.Class("meta"),
					h.Strong(g.Text(contact.DisplayName())),
					h.Small(g.Text(clock(contact.LastMessageAt))),
					h.Span(h.Class("preview"), g.Text(contact.Preview())),
					g.If(contact.UnreadCount > 0, h.Span(h.Class("badge"), g.Text(strconv.Itoa(contact.UnreadCount)))),
				),
			),
		)
	})
}

func chatPanel(p indexPage) g.Node {
	if !p.HasPartner {
		return h.Div(h.Class("empty"), g.Text("Select a chat to start messaging"))
	}
	presence := "Offline"
	if p.Partner.Online {
		presence = "Online"
	}
	return g.Group{
		h.Header(
			h.Span(h.Class("avatar"), g.Text(p.Partner.Initials())),
			h.Div(
				h.Strong(h.ID("partner-name"), g.Text(p.Partner.DisplayName())),
				h.Small(h.ID("presence"), g.Text(presence)),
			),
		),
		h.Div(h.ID("error"), h.Class("error"), g.Attr("hidden")),
		h.Ol(h.ID("messages"), h.Class("messages")),
		h.Form(h.ID("composer"), h.Class("composer"),
			h.Input(h.ID("input"), h.AutoComplete("off"), h.Placeholder("Type a message..."),
				h.MaxLength(strconv.Itoa(p.MaxMessageLength))),
			h.Button(h.Type("submit"), g.Text("Send")),
		),
	}
}

// requireSession returns the signed-in browser session or redirects to the
// auth page.
func requireSession(w http.ResponseWriter, r *http.Request) *BrowserSession {
	session := getDeps().Sessions.Get(r)
	if session == nil || !session.Auth.SignedIn() {
		http.Redirect(w, r, "/auth", http.StatusSeeOther)
		return nil
	}
	return session
}

func IndexGET(w http.ResponseWriter, r *http.Request) {
	session := requireSession(w, r)
	if session == nil {
		return
	}
	dependencies := getDeps()

	list, err := session.ContactList(r.Context())
	if err != nil {
		slog.Error("failed to open contact list", "session", session.ID, "error", err)
		http.Error(w, "failed to load contacts", http.StatusBadGateway)
		return
	}
	state := waitLoaded(r.Context(), list, initialLoadWait)

	search := strings.TrimSpace(r.URL.Query().Get("q"))
	selected := strings.TrimSpace(r.URL.Query().Get("chat"))
	data := indexPage{
		Title:            "Chats",
		Flash:            joinFlash(dependencies.Sessions.TakeFlash(w, r), state.Error),
		Me:               session.Auth.User(),
		Contacts:         state.Search(search),
		Loading:          state.Loading,
		Search:           search,
		Selected:         selected,
		MaxMessageLength: dependencies.Config.MaxMessageLength,
	}
	if selected != "" {
		data.Partner, data.HasPartner = state.Find(selected)
		if !data.HasPartner {
			data.Partner = contacts.Contact{}
			data.Partner.ID = selected
			data.HasPartner = true
		}
	}
	render(w, http.StatusOK, indexView(data))
}

// ChatsPOST starts a conversation with the user named in the form and
// selects it.
func ChatsPOST(w http.ResponseWriter, r *http.Request) {
	session := requireSession(w, r)
	if session == nil {
		return
	}
	dependencies := getDeps()

	ctx, cancel := context.WithTimeout(r.Context(), dependencies.Config.RequestTimeout)
	defer cancel()
	partner, err := session.Contacts.StartConversation(ctx, r.PostFormValue("username"))
	if err != nil {
		slog.Warn("failed to start conversation", "session", session.ID, "error", err)
		switch {
		case errors.Is(err, contacts.ErrUnknownUser):
			dependencies.Sessions.SetFlash(w, "No user with that username")
		case errors.Is(err, contacts.ErrSelf):
			dependencies.Sessions.SetFlash(w, "You cannot start a chat with yourself")
		default:
			dependencies.Sessions.SetFlash(w, "Failed to start conversation")
		}
		http.Redirect(w, r, "/", http.StatusSeeOther)
		return
	}
	if list, err := session.ContactList(r.Context()); err == nil {
		list.Refresh()
	}
	http.Redirect(w, r, "/?chat="+url.QueryEscape(partner.ID), http.StatusSeeOther)
}

func waitLoaded(ctx context.Context, list *contacts.List, limit time.Duration) contacts.State {
	state := list.State()
	if !state.Loading {
		return state
	}
	timer := time.NewTimer(limit)
	defer timer.Stop()
	updates := list.Updates()
	for state.Loading {
		select {
		case next, ok := <-updates:
			if !ok {
				return list.State()
			}
			state = next
		case <-timer.C:
			return state
		case <-ctx.Done():
			return state
		}
	}
	return state
}

func joinFlash(messages ...string) string {
	parts := make([]string, 0, len(messages))
	for _, message := range messages {
		if message != "" {
			parts = append(parts, message)
		}
	}
	return strings.Join(parts, " · ")
}
