package contacts

import (
	"context"
	"fmt"
	"log/slog"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/loop"
)

type State struct {
	Me       string
	Contacts []Contact
	Loading  bool
	Error    string
}

// Search filters the snapshot's contacts. See the package level Search.
func (s State) Search(term string) []Contact {
	return Search(s.Contacts, term)
}

// Find returns the contact with the given profile id.
func (s State) Find(id string) (Contact, bool) {
	for _, contact := range s.Contacts {
		if contact.ID == id {
			return contact, true
		}
	}
	return Contact{}, false
}

// List is a live view of the user's contacts. Fields below loop are owned
// by the loop goroutine.
type List struct {
	svc      *Service
	client   platform.Client
	me       string
	ctx      context.Context
	cancel   context.CancelFunc
	notifier *loop.Notifier[State]
	channels []platform.Channel

	closeOnce sync.Once

	// requested numbers conversation fetches; only the newest result is kept.
	requested atomic.Uint64

	feedMu     sync.Mutex
	feed       platform.Channel
	feedKey    string
	feedGen    uint64
	feedTopics int
	feedClosed bool

	loop          *loop.Loop
	applied       uint64
	conversations []chat.ConversationRow
	profiles      map[string]chat.Profile
	unread        map[string]int
	loading       bool
	errText       string
	tick          *time.Timer
}

type statusPatch struct {
	Status chat.Status `json:"status"`
}

type unreadRow struct {
	SenderID string `json:"sender_id"`
}

func (l *List) State() State {
	return l.notifier.Latest()
}

func (l *List) Updates() <-chan State {
	return l.notifier.Updates()
}

// Refresh refetches conversations and unread counts.
func (l *List) Refresh() {
	l.loop.Go(l.fetchConversations)
	l.loop.Go(l.fetchUnread)
}

func (l *List) DismissError() {
	l.loop.Dispatch(func() {
		if l.errText == "" {
			return
		}
		l.errText = ""
		l.publish()
	})
}

func (l *List) Close() error {
	l.closeOnce.Do(l.shutdown)
	return nil
}

func (l *List) shutdown() {
	l.cancel()
	for _, channel := range l.channels {
		if err := channel.Close(); err != nil {
			slog.Warn("failed to close channel", "topic", channel.Topic(), "error", err)
		}
	}
	l.feedMu.Lock()
	l.feedClosed = true
	if l.feed != nil {
		if err := l.feed.Close(); err != nil {
			slog.Warn("failed to close channel", "topic", l.feed.Topic(), "error", err)
		}
		l.feed = nil
	}
	l.feedMu.Unlock()
	l.loop.Dispatch(func() {
		if l.tick != nil {
			l.tick.Stop()
			l.tick = nil
		}
	})
	l.loop.Sync()
	l.loop.Stop()
	l.notifier.Close()
}

func (l *List) requestContext() (context.Context, context.CancelFunc) {
	return context.WithTimeout(l.ctx, l.svc.cfg.RequestTimeout)
}

func (l *List) fetchConversations() {
	gen := l.requested.Add(1)
	ctx, cancel := l.requestContext()
	defer cancel()

	rows, err := l.client.Select(ctx, platform.From(platform.TableConversations).
		Filter(participantOf(l.me)).
		OrderBy(platform.Desc("last_message_at")))
	var conversations []chat.ConversationRow
	if err == nil {
		err = rows.Decode(&conversations)
	}
	if err != nil {
		l.fail("failed to fetch conversations", err)
		return
	}

	ids := make([]string, 0, len(conversations))
	for _, conversation := range conversations {
		ids = append(ids, conversation.Other(l.me))
	}
	l.watchProfiles(ctx, gen, ids)

	var profiles []chat.Profile
	if len(ids) > 0 {
		rows, err = l.client.Select(ctx, platform.From(platform.TableProfiles).
			Filter(platform.In("id", ids...)))
		if err == nil {
			err = rows.Decode(&profiles)
		}
		if err != nil {
			l.fail("failed to fetch contact profiles", err)
			return
		}
	}

	l.loop.Dispatch(func() {
		if gen < l.applied {
			return
		}
		l.applied = gen
		l.conversations = conversations
		for _, profile := range profiles {
			l.profiles[profile.ID] = profile
		}
		l.loading = false
		l.publish()
	})
}

// watchProfiles points the profile feed at the given contacts. Results of
// fetches older than the current feed are ignored.
func (l *List) watchProfiles(ctx context.Context, gen uint64, ids []string) {
	sorted := append([]string(nil), ids...)
	sort.Strings(sorted)
	key := strings.Join(sorted, ",")

	l.feedMu.Lock()
	defer l.feedMu.Unlock()
	if l.feedClosed || gen < l.feedGen {
		return
	}
	l.feedGen = gen
	if key == l.feedKey {
		return
	}

	var channel platform.Channel
	if len(sorted) > 0 {
		l.feedTopics++
		var err error
		channel, err = l.client.Subscribe(ctx, platform.Subscription{
			Topic:  fmt.Sprintf("contacts:profiles:%s:%d", l.me, l.feedTopics),
			Table:  platform.TableProfiles,
			Events: []platform.EventType{platform.EventUpdate},
			Where:  []platform.Cond{platform.In("id", sorted...)},
		}, l.onProfileEvent)
		if err != nil {
			slog.Error("failed to subscribe to contact profiles", "user_id", l.me, "error", err)
			return
		}
	}
	if l.feed != nil {
		if err := l.feed.Close(); err != nil {
			slog.Warn("failed to close channel", "topic", l.feed.Topic(), "error", err)
		}
	}
	l.feed = channel
	l.feedKey = key
}

func (l *List) fail(msg string, err error) {
	slog.Error(msg, "user_id", l.me, "error", err)
	l.loop.Dispatch(func() {
		l.loading = false
		l.errText = "Failed to load contacts"
		l.publish()
	})
}

func (l *List) fetchUnread() {
	ctx, cancel := l.requestContext()
	defer cancel()

	rows, err := l.client.Select(ctx, platform.From(platform.TableMessages).
		Select("sender_id").
		Filter(
			platform.Eq("receiver_id", l.me),
			platform.In("status", chat.StatusSent, chat.StatusDelivered),
		))
	var unread []unreadRow
	if err == nil {
		err = rows.Decode(&unread)
	}
	if err != nil {
		slog.Error("failed to count unread messages", "user_id", l.me, "error", err)
		return
	}

	counts := make(map[string]int, len(unread))
	for _, row := range unread {
		counts[row.SenderID]++
	}
	l.loop.Dispatch(func() {
		l.unread = counts
		l.publish()
	})
}

// markDelivered acknowledges every message that reached the user while
// they were away.
func (l *List) markDelivered() {
	ctx, cancel := l.requestContext()
	defer cancel()

	_, err := l.client.Update(ctx, platform.TableMessages, statusPatch{Status: chat.StatusDelivered}, []platform.Cond{
		platform.Eq("receiver_id", l.me),
		platform.Eq("status", chat.StatusSent),
	})
	if err != nil {
		slog.Error("failed to mark messages delivered", "user_id", l.me, "error", err)
	}
}

func (l *List) onProfileEvent(event platform.ChangeEvent) {
	var profile chat.Profile
	if err := event.Decode(&profile); err != nil {
		slog.Warn("failed to decode profile event", "error", err)
		return
	}
	l.loop.Dispatch(func() {
		if _, known := l.profiles[profile.ID]; !known {
			return
		}
		l.profiles[profile.ID] = profile
		l.publish()
	})
}

func (l *List) onConversationEvent(platform.ChangeEvent) {
	l.loop.Go(l.fetchConversations)
}

func (l *List) onMessageEvent(event platform.ChangeEvent) {
	var msg chat.Message
	if err := event.Decode(&msg); err != nil {
		slog.Warn("failed to decode message event", "error", err)
		return
	}
	if event.Type == platform.EventInsert && msg.Status == chat.StatusSent {
		l.loop.Go(func() {
			ctx, cancel := l.requestContext()
			defer cancel()
			_, err := l.client.Update(ctx, platform.TableMessages, statusPatch{Status: chat.StatusDelivered}, []platform.Cond{
				platform.Eq("id", msg.ID),
				platform.Eq("status", chat.StatusSent),
			})
			if err != nil {
				slog.Error("failed to mark message delivered", "message_id", msg.ID, "error", err)
			}
		})
	}
	l.loop.Go(l.fetchUnread)
}

// scheduleTick republishes periodically so presence lapses show up without
// a profile event.
func (l *List) scheduleTick() {
	interval := l.svc.cfg.PresenceTTL / 2
	if interval <= 0 {
		return
	}
	l.tick = l.loop.After(interval, func() {
		l.publish()
		l.scheduleTick()
	})
}

func (l *List) snapshot() State {
	now := l.svc.now()
	contacts := make([]Contact, 0, len(l.conversations))
	created := make(map[string]time.Time, len(l.conversations))
	for _, conversation := range l.conversations {
		otherID := conversation.Other(l.me)
		profile, ok := l.profiles[otherID]
		if !ok {
			profile = chat.Profile{ID: otherID}
		}
		profile.Online = profile.OnlineAt(now, l.svc.cfg.PresenceTTL)
		contact := Contact{
			Profile:        profile,
			ConversationID: conversation.ID,
			LastMessageAt:  conversation.LastMessageAt,
			UnreadCount:    l.unread[otherID],
		}
		if conversation.LastMessage != nil {
			contact.LastMessage = strings.TrimSpace(*conversation.LastMessage)
		}
		created[conversation.ID] = conversation.CreatedAt
		contacts = append(contacts, contact)
	}
	sortContacts(contacts, created)
	return State{
		Me:       l.me,
		Contacts: contacts,
		Loading:  l.loading,
		Error:    l.errText,
	}
}

func (l *List) publish() {
	l.notifier.Publish(l.snapshot())
}
