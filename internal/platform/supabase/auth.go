package supabase

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/supabase-community/gotrue-go"
	"github.com/supabase-community/gotrue-go/types"

	"loftyeyes/internal/platform"
)

// authClient returns a GoTrue client for one call. token is sent as the
// bearer when set.
func (b *Backend) authClient(ex *exchange, token string) gotrue.Client {
	client := b.auth.WithClient(http.Client{Transport: ex})
	if token != "" {
		client = client.WithToken(token)
	}
	return client
}

func toUser(user types.User) platform.User {
	return platform.User{
		ID:       user.ID.String(),
		Email:    user.Email,
		Metadata: user.UserMetadata,
	}
}

func toSession(session types.Session, now time.Time) platform.Session {
	out := platform.Session{
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
	}
	if session.User.ID != uuid.Nil {
		out.User = toUser(session.User)
	}
	switch {
	case session.ExpiresAt > 0:
		out.ExpiresAt = time.Unix(session.ExpiresAt, 0).UTC()
	case session.ExpiresIn > 0:
		out.ExpiresAt = now.Add(time.Duration(session.ExpiresIn) * time.Second).UTC()
	}
	return out
}

func (b *Backend) SignUp(ctx context.Context, req platform.SignUpRequest) (platform.Session, error) {
	email := strings.TrimSpace(req.Email)
	if email == "" || req.Password == "" {
		return platform.Session{}, errors.New("sign up: email and password are required")
	}
	ex, cancel := b.exchange(ctx)
	defer cancel()

	resp, err := b.authClient(ex, "").Signup(types.SignupRequest{
		Email:    email,
		Password: req.Password,
		Data:     req.Metadata,
	})
	if err != nil {
		return platform.Session{}, fmt.Errorf("sign up: %w", ex.fail(err))
	}
	if resp.Session.AccessToken == "" {
		return platform.Session{}, platform.ErrConfirmationRequired
	}
	return toSession(resp.Session, time.Now()), nil
}

func (b *Backend) SignIn(ctx context.Context, email, password string) (platform.Session, error) {
	email = strings.TrimSpace(email)
	if email == "" || password == "" {
		return platform.Session{}, errors.New("sign in: email and password are required")
	}
	ex, cancel := b.exchange(ctx)
	defer cancel()

	resp, err := b.authClient(ex, "").SignInWithEmailPassword(email, password)
	if err != nil {
		return platform.Session{}, fmt.Errorf("sign in: %w", ex.fail(err))
	}
	return validSession(resp.Session)
}

func (b *Backend) Refresh(ctx context.Context, refreshToken string) (platform.Session, error) {
	if refreshToken == "" {
		return platform.Session{}, fmt.Errorf("refresh session: %w", platform.ErrUnauthorized)
	}
	ex, cancel := b.exchange(ctx)
	defer cancel()

	resp, err := b.authClient(ex, "").RefreshToken(refreshToken)
	if err != nil {
		return platform.Session{}, fmt.Errorf("refresh session: %w", ex.fail(err))
	}
	return validSession(resp.Session)
}

func validSession(session types.Session) (platform.Session, error) {
	out := toSession(session, time.Now())
	if !out.Valid() {
		return platform.Session{}, errors.New("token response without session")
	}
	return out, nil
}

func (b *Backend) SignOut(ctx context.Context, accessToken string) error {
	if accessToken == "" {
		return nil
	}
	ex, cancel := b.exchange(ctx)
	defer cancel()

	if err := b.authClient(ex, accessToken).Logout(); err != nil {
		return fmt.Errorf("sign out: %w", ex.fail(err))
	}
	return nil
}

func (b *Backend) User(ctx context.Context, accessToken string) (platform.User, error) {
	if accessToken == "" {
		return platform.User{}, platform.ErrUnauthorized
	}
	ex, cancel := b.exchange(ctx)
	defer cancel()

	resp, err := b.authClient(ex, accessToken).GetUser()
	if err != nil {
		return platform.User{}, fmt.Errorf("get user: %w", ex.fail(err))
	}
	if resp.ID == uuid.Nil {
		return platform.User{}, platform.ErrUnauthorized
	}
	return toUser(resp.User), nil
}
