package chat

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/loop"
)

// State is a snapshot of a conversation view.
type State struct {
	Me            string
	PartnerID     string
	Partner       Profile
	HasPartner    bool
	Messages      []Message
	Loading       bool
	PartnerTyping bool
	PartnerOnline bool
	Error         string
}

// Conversation mirrors the messages between the signed-in user and one
// partner. Every field below loop is owned by the loop goroutine.
type Conversation struct {
	svc       *Service
	client    platform.Client
	me        string
	partnerID string
	ctx       context.Context
	cancel    context.CancelFunc
	notifier  *loop.Notifier[State]
	channels  []platform.Channel

	closeOnce sync.Once

	loop       *loop.Loop
	partner    Profile
	hasPartner bool
	messages   []Message
	loading    bool
	active     bool
	errText    string
	typingSent bool
	typingAt   time.Time
	expiry     *time.Timer
}

type newMessage struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	MessageType MessageType `json:"message_type"`
	Status      Status      `json:"status"`
}

type conversationUpsert struct {
	Participant1  string    `json:"participant_1"`
	Participant2  string    `json:"participant_2"`
	LastMessage   string    `json:"last_message"`
	LastMessageAt time.Time `json:"last_message_at"`
}

type typingPatch struct {
	TypingTo *string    `json:"typing_to"`
	TypingAt *time.Time `json:"typing_at"`
}

type statusPatch struct {
	Status Status `json:"status"`
}

func (c *Conversation) PartnerID() string {
	return c.partnerID
}

func (c *Conversation) State() State {
	return c.notifier.Latest()
}

// Updates delivers snapshots after every change. Only the newest unread
// snapshot is kept. The channel closes with the conversation.
func (c *Conversation) Updates() <-chan State {
	return c.notifier.Updates()
}

// Send sanitizes content, shows it immediately as pending and inserts it.
// The returned message is the optimistic copy.
func (c *Conversation) Send(content string) (Message, error) {
	text := SanitizeText(content, c.svc.cfg.MaxMessageLength)
	if text == "" {
		return Message{}, ErrEmptyMessage
	}
	msg := Message{
		ID:          uuid.NewString(),
		Content:     text,
		SenderID:    c.me,
		ReceiverID:  c.partnerID,
		CreatedAt:   c.svc.now().UTC(),
		MessageType: MessageText,
		Status:      StatusSent,
		Pending:     true,
	}
	ok := c.loop.Dispatch(func() {
		c.messages, _ = upsertMessage(c.messages, msg)
		c.clearTyping()
		c.publish()
		c.request(func(ctx context.Context) { c.insert(ctx, msg) })
	})
	if !ok {
		return Message{}, ErrClosed
	}
	return msg, nil
}

func (c *Conversation) insert(ctx context.Context, msg Message) {
	rows, err := c.client.Insert(ctx, platform.TableMessages, []newMessage{{
		ID:          msg.ID,
		Content:     msg.Content,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		MessageType: msg.MessageType,
		Status:      msg.Status,
	}})
	if err != nil {
		slog.Error("failed to send message", "message_id", msg.ID, "receiver_id", msg.ReceiverID, "error", err)
		c.loop.Dispatch(func() {
			for index := range c.messages {
				if c.messages[index].ID == msg.ID {
					c.messages[index].Pending = false
					c.messages[index].Failed = true
				}
			}
			c.errText = "Failed to send message"
			c.publish()
		})
		return
	}

	var stored Message
	if err := rows.First(&stored); err == nil {
		c.loop.Dispatch(func() { c.applyMessage(stored) })
		c.svc.cacheMessages(ctx, c.me, []Message{stored})
	} else {
		c.loop.Dispatch(func() { c.confirm(msg.ID) })
		c.svc.cacheMessages(ctx, c.me, []Message{{
			ID:          msg.ID,
			Content:     msg.Content,
			SenderID:    msg.SenderID,
			ReceiverID:  msg.ReceiverID,
			CreatedAt:   msg.CreatedAt,
			MessageType: msg.MessageType,
			Status:      msg.Status,
		}})
	}

	first, second := Participants(c.me, c.partnerID)
	_, err = c.client.Upsert(ctx, platform.TableConversations, conversationUpsert{
		Participant1:  first,
		Participant2:  second,
		LastMessage:   msg.Content,
		LastMessageAt: c.svc.now().UTC(),
	}, "participant_1", "participant_2")
	if err != nil {
		slog.Error("failed to update conversation", "partner_id", c.partnerID, "error", err)
	}
}

// SetTyping publishes the user's typing state to the partner. Repeated true
// calls write at most once per typing refresh interval.
func (c *Conversation) SetTyping(typing bool) {
	c.loop.Dispatch(func() {
		if !typing {
			c.clearTyping()
			return
		}
		now := c.svc.now().UTC()
		if c.typingSent && now.Sub(c.typingAt) < c.svc.cfg.TypingRefresh {
			return
		}
		c.typingSent = true
		c.typingAt = now
		partner := c.partnerID
		c.request(func(ctx context.Context) {
			c.writeTyping(ctx, typingPatch{TypingTo: &partner, TypingAt: &now})
		})
	})
}

// clearTyping runs on the loop.
func (c *Conversation) clearTyping() {
	if !c.typingSent {
		return
	}
	c.typingSent = false
	c.request(func(ctx context.Context) {
		c.writeTyping(ctx, typingPatch{})
	})
}

func (c *Conversation) writeTyping(ctx context.Context, patch typingPatch) {
	_, err := c.client.Update(ctx, platform.TableProfiles, patch, []platform.Cond{platform.Eq("id", c.me)})
	if err != nil {
		slog.Warn("failed to update typing state", "user_id", c.me, "error", err)
	}
}

// SetActive tells the view whether the user can see it. Read receipts are
// only sent while active.
func (c *Conversation) SetActive(active bool) {
	c.loop.Dispatch(func() {
		c.active = active
		if active && c.hasUnread() {
			c.markRead()
		}
	})
}

func (c *Conversation) DismissError() {
	c.loop.Dispatch(func() {
		if c.errText == "" {
			return
		}
		c.errText = ""
		c.publish()
	})
}

// Close unsubscribes, clears the typing indicator and stops the loop.
func (c *Conversation) Close() error {
	c.closeOnce.Do(func() {
		var clearTyping bool
		c.loop.Dispatch(func() {
			clearTyping = c.typingSent
			c.typingSent = false
		})
		c.loop.Sync()

		if clearTyping {
			ctx, cancel := context.WithTimeout(context.Background(), c.svc.cfg.RequestTimeout)
			c.writeTyping(ctx, typingPatch{})
			cancel()
		}
		c.shutdown()
	})
	return nil
}

func (c *Conversation) shutdown() {
	c.cancel()
	for _, channel := range c.channels {
		if err := channel.Close(); err != nil {
			slog.Warn("failed to close channel", "topic", channel.Topic(), "error", err)
		}
	}
	c.loop.Stop()
	if c.expiry != nil {
		c.expiry.Stop()
	}
	c.notifier.Close()
}

// request runs fn off the loop with the request timeout.
func (c *Conversation) request(fn func(ctx context.Context)) {
	c.loop.Go(func() {
		ctx, cancel := context.WithTimeout(c.ctx, c.svc.cfg.RequestTimeout)
		defer cancel()
		fn(ctx)
	})
}

func (c *Conversation) loadCached() {
	if c.svc.cache == nil {
		return
	}
	cached, err := c.svc.cache.CachedMessages(c.ctx, c.me, c.partnerID, c.svc.cfg.ChatHistoryLimit)
	if err != nil {
		slog.Warn("failed to load cached messages", "partner_id", c.partnerID, "error", err)
		return
	}
	if len(cached) == 0 {
		return
	}
	messages := make([]Message, 0, len(cached))
	for _, row := range cached {
		messages = append(messages, fromCached(row))
	}
	c.loop.Dispatch(func() {
		changed := false
		for _, msg := range messages {
			var updated bool
			c.messages, updated = upsertMessage(c.messages, msg)
			changed = changed || updated
		}
		if changed {
			c.publish()
		}
	})
}

func (c *Conversation) fetchMessages() {
	ctx, cancel := context.WithTimeout(c.ctx, c.svc.cfg.RequestTimeout)
	defer cancel()

	rows, err := c.client.Select(ctx, platform.From(platform.TableMessages).
		Filter(platform.Between("sender_id", "receiver_id", c.me, c.partnerID)).
		OrderBy(platform.Desc("created_at"), platform.Desc("id")).
		Take(c.svc.cfg.ChatHistoryLimit))
	var fetched []Message
	if err == nil {
		err = rows.Decode(&fetched)
	}
	if err != nil {
		slog.Error("failed to fetch messages", "partner_id", c.partnerID, "error", err)
		c.loop.Dispatch(func() {
			c.loading = false
			c.publish()
		})
		return
	}

	c.loop.Dispatch(func() {
		for _, msg := range fetched {
			c.messages, _ = upsertMessage(c.messages, msg)
		}
		c.loading = false
		c.publish()
		if c.active && c.hasUnread() {
			c.markRead()
		}
	})

	if c.svc.cache != nil {
		c.svc.cacheMessages(ctx, c.me, fetched)
		if _, err := c.svc.cache.PruneMessages(ctx, c.me, c.partnerID, c.svc.cfg.CacheHistoryLimit); err != nil {
			slog.Warn("failed to prune cached messages", "partner_id", c.partnerID, "error", err)
		}
	}
}

func (c *Conversation) fetchPartner() {
	ctx, cancel := context.WithTimeout(c.ctx, c.svc.cfg.RequestTimeout)
	defer cancel()

	rows, err := c.client.Select(ctx, platform.From(platform.TableProfiles).
		Filter(platform.Eq("id", c.partnerID)).
		Take(1))
	var profile Profile
	if err == nil {
		err = rows.First(&profile)
	}
	if err != nil {
		slog.Error("failed to fetch partner profile", "partner_id", c.partnerID, "error", err)
		return
	}
	c.loop.Dispatch(func() { c.applyPartner(profile) })
}

func (c *Conversation) onMessageEvent(event platform.ChangeEvent) {
	var msg Message
	if err := event.Decode(&msg); err != nil {
		slog.Warn("failed to decode message event", "error", err)
		return
	}
	c.loop.Dispatch(func() {
		if event.Type == platform.EventUpdate && !c.inWindow(msg) {
			return
		}
		c.applyMessage(msg)
		if event.Type == platform.EventInsert && c.active && c.isUnreadIncoming(msg) {
			c.markRead()
		}
	})
	c.loop.Go(func() {
		c.svc.cacheMessages(c.ctx, c.me, []Message{msg})
	})
}

func (c *Conversation) onProfileEvent(event platform.ChangeEvent) {
	var profile Profile
	if err := event.Decode(&profile); err != nil {
		slog.Warn("failed to decode profile event", "error", err)
		return
	}
	c.loop.Dispatch(func() { c.applyPartner(profile) })
}

// inWindow reports whether msg is already shown or sorts after the oldest
// message shown. Updates to older rows would open gaps in the history.
func (c *Conversation) inWindow(msg Message) bool {
	if len(c.messages) == 0 {
		return false
	}
	for _, existing := range c.messages {
		if existing.ID == msg.ID {
			return true
		}
	}
	return !less(msg, c.messages[0])
}

// confirm clears the pending state of a sent message whose insert returned
// no row.
func (c *Conversation) confirm(id string) {
	for index := range c.messages {
		if c.messages[index].ID == id && (c.messages[index].Pending || c.messages[index].Failed) {
			c.messages[index].Pending = false
			c.messages[index].Failed = false
			c.publish()
			return
		}
	}
}

func (c *Conversation) applyMessage(msg Message) {
	var changed bool
	c.messages, changed = upsertMessage(c.messages, msg)
	if changed {
		c.publish()
	}
}

func (c *Conversation) applyPartner(profile Profile) {
	if profile.ID != c.partnerID {
		return
	}
	c.partner = profile
	c.hasPartner = true
	c.scheduleExpiry()
	c.publish()
}

// scheduleExpiry republishes when the partner's typing or presence state
// lapses without a new profile event.
func (c *Conversation) scheduleExpiry() {
	if c.expiry != nil {
		c.expiry.Stop()
		c.expiry = nil
	}
	now := c.svc.now()
	var next time.Duration
	if c.partner.TypingToAt(c.me, now, c.svc.cfg.TypingTimeout) {
		next = c.partner.TypingAt.Add(c.svc.cfg.TypingTimeout).Sub(now)
	}
	if c.partner.OnlineAt(now, c.svc.cfg.PresenceTTL) && !c.partner.UpdatedAt.IsZero() {
		lapse := c.partner.UpdatedAt.Add(c.svc.cfg.PresenceTTL).Sub(now)
		if next == 0 || lapse < next {
			next = lapse
		}
	}
	if next <= 0 {
		return
	}
	c.expiry = c.loop.After(next+10*time.Millisecond, func() {
		c.expiry = nil
		c.scheduleExpiry()
		c.publish()
	})
}

func (c *Conversation) isUnreadIncoming(msg Message) bool {
	return msg.SenderID == c.partnerID && msg.ReceiverID == c.me && msg.Status != StatusRead
}

func (c *Conversation) hasUnread() bool {
	for _, msg := range c.messages {
		if c.isUnreadIncoming(msg) {
			return true
		}
	}
	return false
}

// markRead runs on the loop. Local copies flip immediately; the store
// update echoes back through the change feed.
func (c *Conversation) markRead() {
	changed := false
	for index := range c.messages {
		if c.isUnreadIncoming(c.messages[index]) {
			c.messages[index].Status = StatusRead
			changed = true
		}
	}
	if changed {
		c.publish()
	}
	me, partner := c.me, c.partnerID
	c.request(func(ctx context.Context) {
		_, err := c.client.Update(ctx, platform.TableMessages, statusPatch{Status: StatusRead}, []platform.Cond{
			platform.Eq("receiver_id", me),
			platform.Eq("sender_id", partner),
			platform.In("status", StatusSent, StatusDelivered),
		})
		if err != nil {
			slog.Error("failed to mark messages read", "partner_id", partner, "error", err)
		}
	})
}

func (c *Conversation) snapshot() State {
	now := c.svc.now()
	messages := make([]Message, len(c.messages))
	copy(messages, c.messages)
	return State{
		Me:            c.me,
		PartnerID:     c.partnerID,
		Partner:       c.partner,
		HasPartner:    c.hasPartner,
		Messages:      messages,
		Loading:       c.loading,
		PartnerTyping: c.hasPartner && c.partner.TypingToAt(c.me, now, c.svc.cfg.TypingTimeout),
		PartnerOnline: c.hasPartner && c.partner.OnlineAt(now, c.svc.cfg.PresenceTTL),
		Error:         c.errText,
	}
}

func (c *Conversation) publish() {
	c.notifier.Publish(c.snapshot())
}
