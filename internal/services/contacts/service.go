// Package contacts keeps the signed-in user's conversation list in sync:
// partner profiles, last activity, unread counts and delivery receipts.
package contacts

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"loftyeyes/internal/config"
	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/loop"
)

var (
	ErrUnknownUser = errors.New("user not found")
	ErrSelf        = errors.New("cannot start a conversation with yourself")
)

// Contact is the other participant of one of the user's conversations.
type Contact struct {
	chat.Profile
	ConversationID string     `json:"conversation_id"`
	LastMessage    string     `json:"last_message"`
	LastMessageAt  *time.Time `json:"last_message_at"`
	UnreadCount    int        `json:"unread_count"`
}

// Preview is the sidebar line under the contact's name.
func (c Contact) Preview() string {
	if c.LastMessage == "" {
		return "No messages yet"
	}
	return c.LastMessage
}

func (c Contact) lastActivity(fallback time.Time) time.Time {
	if c.LastMessageAt != nil {
		return *c.LastMessageAt
	}
	return fallback
}

type Service struct {
	identity chat.Identity
	cfg      config.Config
	now      func() time.Time
}

func NewService(identity chat.Identity, cfg config.Config) *Service {
	return &Service{identity: identity, cfg: cfg, now: time.Now}
}

// Open starts the contact list view for the signed-in user. The caller must
// Close it.
func (s *Service) Open(ctx context.Context) (*List, error) {
	client := s.identity.Client()
	me := s.identity.User()
	if client == nil || me.ID == "" {
		return nil, chat.ErrNotSignedIn
	}

	viewCtx, cancel := context.WithCancel(context.Background())
	list := &List{
		svc:      s,
		client:   client,
		me:       me.ID,
		ctx:      viewCtx,
		cancel:   cancel,
		loop:     loop.New(),
		profiles: map[string]chat.Profile{},
		unread:   map[string]int{},
		loading:  true,
	}
	list.notifier = loop.NewNotifier(list.snapshot())

	subscriptions := []struct {
		sub     platform.Subscription
		handler func(platform.ChangeEvent)
	}{
		{
			sub: platform.Subscription{
				Topic:  "contacts:conversations:" + me.ID,
				Table:  platform.TableConversations,
				Events: []platform.EventType{platform.EventAll},
				Where:  []platform.Cond{participantOf(me.ID)},
			},
			handler: list.onConversationEvent,
		},
		{
			sub: platform.Subscription{
				Topic:  "contacts:inbox:" + me.ID,
				Table:  platform.TableMessages,
				Events: []platform.EventType{platform.EventInsert, platform.EventUpdate},
				Where:  []platform.Cond{platform.Eq("receiver_id", me.ID)},
			},
			handler: list.onMessageEvent,
		},
	}
	for _, entry := range subscriptions {
		channel, err := client.Subscribe(ctx, entry.sub, entry.handler)
		if err != nil {
			list.shutdown()
			return nil, fmt.Errorf("subscribe to %s: %w", entry.sub.Table, err)
		}
		list.channels = append(list.channels, channel)
	}

	list.loop.Go(list.markDelivered)
	list.loop.Go(list.fetchConversations)
	list.loop.Go(list.fetchUnread)
	list.loop.Dispatch(list.scheduleTick)
	return list, nil
}

// StartConversation finds the profile with username and makes sure a
// conversation with it exists. It returns the partner's profile.
func (s *Service) StartConversation(ctx context.Context, username string) (chat.Profile, error) {
	username = strings.TrimPrefix(strings.TrimSpace(username), "@")
	if username == "" {
		return chat.Profile{}, errors.New("username is required")
	}
	client := s.identity.Client()
	me := s.identity.User()
	if client == nil || me.ID == "" {
		return chat.Profile{}, chat.ErrNotSignedIn
	}

	rows, err := client.Select(ctx, platform.From(platform.TableProfiles).
		Filter(platform.Eq("username", username)).
		Take(1))
	if err != nil {
		return chat.Profile{}, fmt.Errorf("find profile: %w", err)
	}
	var partner chat.Profile
	if err := rows.First(&partner); err != nil {
		if errors.Is(err, platform.ErrNotFound) {
			return chat.Profile{}, ErrUnknownUser
		}
		return chat.Profile{}, fmt.Errorf("decode profile: %w", err)
	}
	if partner.ID == me.ID {
		return chat.Profile{}, ErrSelf
	}

	first, second := chat.Participants(me.ID, partner.ID)
	_, err = client.Upsert(ctx, platform.TableConversations, map[string]string{
		"participant_1": first,
		"participant_2": second,
	}, "participant_1", "participant_2")
	if err != nil {
		return chat.Profile{}, fmt.Errorf("create conversation: %w", err)
	}
	return partner, nil
}

// Search returns the contacts whose full name or username contains term,
// ignoring case. An empty term returns every contact.
func Search(contacts []Contact, term string) []Contact {
	term = strings.ToLower(strings.TrimSpace(term))
	if term == "" {
		return contacts
	}
	out := make([]Contact, 0, len(contacts))
	for _, contact := range contacts {
		if strings.Contains(strings.ToLower(contact.FullName), term) ||
			strings.Contains(strings.ToLower(contact.Username), term) {
			out = append(out, contact)
		}
	}
	return out
}

func participantOf(userID string) platform.Cond {
	return platform.Or(
		platform.And(platform.Eq("participant_1", userID)),
		platform.And(platform.Eq("participant_2", userID)),
	)
}

func sortContacts(contacts []Contact, created map[string]time.Time) {
	sort.SliceStable(contacts, func(i, j int) bool {
		a := contacts[i].lastActivity(created[contacts[i].ConversationID])
		b := contacts[j].lastActivity(created[contacts[j].ConversationID])
		if !a.Equal(b) {
			return a.After(b)
		}
		return contacts[i].ID < contacts[j].ID
	})
}
