package chat

import (
	"sort"
	"strings"
	"time"

	"loftyeyes/internal/db"
)

type Status string

const (
	StatusSent      Status = "sent"
	StatusDelivered Status = "delivered"
	StatusRead      Status = "read"
)

func (s Status) rank() int {
	switch s {
	case StatusDelivered:
		return 1
	case StatusRead:
		return 2
	}
	return 0
}

// MaxStatus returns the further along of two statuses.
func MaxStatus(a, b Status) Status {
	if b.rank() > a.rank() {
		return b
	}
	if a == "" {
		return StatusSent
	}
	return a
}

type MessageType string

const (
	MessageText  MessageType = "text"
	MessageImage MessageType = "image"
	MessageFile  MessageType = "file"
)

type Message struct {
	ID          string      `json:"id"`
	Content     string      `json:"content"`
	SenderID    string      `json:"sender_id"`
	ReceiverID  string      `json:"receiver_id"`
	CreatedAt   time.Time   `json:"created_at"`
	MessageType MessageType `json:"message_type"`
	Status      Status      `json:"status"`

	// Pending marks an optimistic copy the store has not confirmed yet.
	Pending bool `json:"-"`
	// Failed marks a send the store rejected.
	Failed bool `json:"-"`
}

func (m Message) FromMe(userID string) bool {
	return m.SenderID == userID
}

type Profile struct {
	ID        string     `json:"id"`
	Username  string     `json:"username"`
	FullName  string     `json:"full_name"`
	AvatarURL *string    `json:"avatar_url"`
	UpdatedAt time.Time  `json:"updated_at"`
	Online    bool       `json:"online"`
	TypingTo  *string    `json:"typing_to"`
	TypingAt  *time.Time `json:"typing_at"`
}

func (p Profile) DisplayName() string {
	if name := strings.TrimSpace(p.FullName); name != "" {
		return name
	}
	if name := strings.TrimSpace(p.Username); name != "" {
		return name
	}
	return "Unknown"
}

func (p Profile) Initials() string {
	fields := strings.Fields(p.DisplayName())
	var initials []rune
	for _, field := range fields {
		initials = append(initials, []rune(strings.ToUpper(field))[0])
		if len(initials) == 2 {
			break
		}
	}
	return string(initials)
}

// OnlineAt reports presence: the online flag counts only while the last
// heartbeat is younger than ttl.
func (p Profile) OnlineAt(now time.Time, ttl time.Duration) bool {
	if !p.Online {
		return false
	}
	if ttl <= 0 || p.UpdatedAt.IsZero() {
		return true
	}
	return now.Sub(p.UpdatedAt) < ttl
}

// TypingToAt reports whether the profile is typing to userID at now.
func (p Profile) TypingToAt(userID string, now time.Time, timeout time.Duration) bool {
	if p.TypingTo == nil || *p.TypingTo != userID || p.TypingAt == nil {
		return false
	}
	return now.Sub(*p.TypingAt) < timeout
}

// ConversationRow is a row of the conversations table.
type ConversationRow struct {
	ID            string     `json:"id"`
	Participant1  string     `json:"participant_1"`
	Participant2  string     `json:"participant_2"`
	LastMessage   *string    `json:"last_message"`
	LastMessageAt *time.Time `json:"last_message_at"`
	CreatedAt     time.Time  `json:"created_at"`
}

// Other returns the participant that is not userID.
func (c ConversationRow) Other(userID string) string {
	if c.Participant1 == userID {
		return c.Participant2
	}
	return c.Participant1
}

// Participants orders two user ids the way the conversations table stores them.
func Participants(a, b string) (string, string) {
	if a < b {
		return a, b
	}
	return b, a
}

func less(a, b Message) bool {
	if !a.CreatedAt.Equal(b.CreatedAt) {
		return a.CreatedAt.Before(b.CreatedAt)
	}
	return a.ID < b.ID
}

// mergeMessage folds a stored copy into the local one. The stored row wins
// except that status never moves backwards.
func mergeMessage(local, stored Message) Message {
	merged := stored
	merged.Status = MaxStatus(local.Status, stored.Status)
	merged.Pending = false
	merged.Failed = false
	if merged.CreatedAt.IsZero() {
		merged.CreatedAt = local.CreatedAt
	}
	return merged
}

// upsertMessage inserts or merges msg by id and keeps list ordered by
// (created_at, id). It reports whether the list changed.
func upsertMessage(list []Message, msg Message) ([]Message, bool) {
	for index, existing := range list {
		if existing.ID != msg.ID {
			continue
		}
		merged := mergeMessage(existing, msg)
		if merged == existing {
			return list, false
		}
		list[index] = merged
		if !merged.CreatedAt.Equal(existing.CreatedAt) {
			sortMessages(list)
		}
		return list, true
	}
	if msg.Status == "" {
		msg.Status = StatusSent
	}
	position := sort.Search(len(list), func(i int) bool { return less(msg, list[i]) })
	list = append(list, Message{})
	copy(list[position+1:], list[position:])
	list[position] = msg
	return list, true
}

func sortMessages(list []Message) {
	sort.SliceStable(list, func(i, j int) bool { return less(list[i], list[j]) })
}

func toCached(msg Message) db.Message {
	return db.Message{
		ID:          msg.ID,
		SenderID:    msg.SenderID,
		ReceiverID:  msg.ReceiverID,
		Content:     msg.Content,
		MessageType: string(msg.MessageType),
		Status:      string(msg.Status),
		CreatedAt:   msg.CreatedAt,
	}
}

func fromCached(cached db.Message) Message {
	return Message{
		ID:          cached.ID,
		SenderID:    cached.SenderID,
		ReceiverID:  cached.ReceiverID,
		Content:     cached.Content,
		MessageType: MessageType(cached.MessageType),
		Status:      Status(cached.Status),
		CreatedAt:   cached.CreatedAt,
	}
}
