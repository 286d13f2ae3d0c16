// Package platform describes the hosted backend the chat client talks to:
// a query interface over stored rows, a change feed of row events, and auth.
package platform

import (
	"context"
	"errors"
	"time"
)

const (
	TableMessages      = "messages"
	TableConversations = "conversations"
	TableProfiles      = "profiles"
)

var (
	ErrNotFound             = errors.New("not found")
	ErrUnauthorized         = errors.New("unauthorized")
	ErrConfirmationRequired = errors.New("email confirmation required")
)

type User struct {
	ID       string         `json:"id"`
	Email    string         `json:"email"`
	Metadata map[string]any `json:"user_metadata,omitempty"`
}

// MetadataString returns a string value from the user's sign-up metadata.
func (u User) MetadataString(key string) string {
	if u.Metadata == nil {
		return ""
	}
	value, ok := u.Metadata[key].(string)
	if !ok {
		return ""
	}
	return value
}

type Session struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token"`
	ExpiresAt    time.Time `json:"expires_at"`
	User         User      `json:"user"`
}

func (s Session) Valid() bool {
	return s.AccessToken != "" && s.User.ID != ""
}

func (s Session) ExpiresWithin(now time.Time, margin time.Duration) bool {
	if s.ExpiresAt.IsZero() {
		return false
	}
	return !now.Add(margin).Before(s.ExpiresAt)
}

type Querier interface {
	Select(ctx context.Context, query Query) (Rows, error)
	Insert(ctx context.Context, table string, rows any) (Rows, error)
	Update(ctx context.Context, table string, patch any, where []Cond) (Rows, error)
	Upsert(ctx context.Context, table string, rows any, onConflict ...string) (Rows, error)
}

type ChangeFeed interface {
	// Subscribe delivers row events for the subscription until the returned
	// channel is closed. Handlers run on the feed's goroutine and must not block.
	Subscribe(ctx context.Context, sub Subscription, handler func(ChangeEvent)) (Channel, error)
}

type Channel interface {
	Topic() string
	Close() error
}

// Client is a connection to the platform on behalf of one signed-in user.
type Client interface {
	Querier
	ChangeFeed
	SetAccessToken(token string)
	Close() error
}

type SignUpRequest struct {
	Email    string
	Password string
	Metadata map[string]any
}

type Auth interface {
	SignUp(ctx context.Context, req SignUpRequest) (Session, error)
	SignIn(ctx context.Context, email, password string) (Session, error)
	SignOut(ctx context.Context, accessToken string) error
	Refresh(ctx context.Context, refreshToken string) (Session, error)
	User(ctx context.Context, accessToken string) (User, error)
}

type Backend interface {
	Auth
	Connect(session Session) (Client, error)
}
