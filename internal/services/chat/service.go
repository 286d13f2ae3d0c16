package chat

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"loftyeyes/internal/config"
	"loftyeyes/internal/db"
	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/loop"
)

var (
	ErrEmptyMessage = errors.New("message is empty")
	ErrNotSignedIn  = errors.New("not signed in")
	ErrClosed       = errors.New("conversation closed")
)

// Identity exposes the signed-in user and their platform client.
// *auth.Manager satisfies it.
type Identity interface {
	User() platform.User
	Client() platform.Client
}

// Cache keeps message history locally. *db.Store satisfies it.
type Cache interface {
	CacheMessages(ctx context.Context, ownerID string, messages []db.Message, now time.Time) error
	CachedMessages(ctx context.Context, ownerID, partnerID string, limit int) ([]db.Message, error)
	PruneMessages(ctx context.Context, ownerID, partnerID string, keep int) (int64, error)
}

type Service struct {
	identity Identity
	cache    Cache
	cfg      config.Config
	now      func() time.Time
}

func NewService(identity Identity, cache Cache, cfg config.Config) *Service {
	return &Service{identity: identity, cache: cache, cfg: cfg, now: time.Now}
}

// Open starts a synchronized view of the conversation between the signed-in
// user and partnerID. The caller must Close it.
func (s *Service) Open(ctx context.Context, partnerID string) (*Conversation, error) {
	partnerID = strings.TrimSpace(partnerID)
	if partnerID == "" {
		return nil, errors.New("partner id is required")
	}
	client := s.identity.Client()
	me := s.identity.User()
	if client == nil || me.ID == "" {
		return nil, ErrNotSignedIn
	}
	if partnerID == me.ID {
		return nil, errors.New("cannot open a conversation with yourself")
	}

	viewCtx, cancel := context.WithCancel(context.Background())
	conv := &Conversation{
		svc:       s,
		client:    client,
		me:        me.ID,
		partnerID: partnerID,
		ctx:       viewCtx,
		cancel:    cancel,
		loop:      loop.New(),
		loading:   true,
		active:    true,
	}
	conv.notifier = loop.NewNotifier(conv.snapshot())

	messagesChannel, err := client.Subscribe(ctx, platform.Subscription{
		Topic:  fmt.Sprintf("messages:%s:%s", me.ID, partnerID),
		Table:  platform.TableMessages,
		Events: []platform.EventType{platform.EventInsert, platform.EventUpdate},
		Where:  []platform.Cond{platform.Between("sender_id", "receiver_id", me.ID, partnerID)},
	}, conv.onMessageEvent)
	if err != nil {
		conv.shutdown()
		return nil, fmt.Errorf("subscribe to messages: %w", err)
	}
	conv.channels = append(conv.channels, messagesChannel)

	profileChannel, err := client.Subscribe(ctx, platform.Subscription{
		Topic:  fmt.Sprintf("profile:%s:%s", me.ID, partnerID),
		Table:  platform.TableProfiles,
		Events: []platform.EventType{platform.EventUpdate},
		Where:  []platform.Cond{platform.Eq("id", partnerID)},
	}, conv.onProfileEvent)
	if err != nil {
		conv.shutdown()
		return nil, fmt.Errorf("subscribe to partner profile: %w", err)
	}
	conv.channels = append(conv.channels, profileChannel)

	conv.loop.Go(conv.loadCached)
	conv.loop.Go(conv.fetchMessages)
	conv.loop.Go(conv.fetchPartner)
	return conv, nil
}

func (s *Service) cacheMessages(ctx context.Context, ownerID string, messages []Message) {
	if s.cache == nil {
		return
	}
	rows := make([]db.Message, 0, len(messages))
	for _, msg := range messages {
		if msg.Pending || msg.Failed || msg.ID == "" {
			continue
		}
		rows = append(rows, toCached(msg))
	}
	if err := s.cache.CacheMessages(ctx, ownerID, rows, s.now().UTC()); err != nil {
		slog.Warn("failed to cache messages", "owner_id", ownerID, "error", err)
	}
}
