// Package auth keeps the signed-in session of one front-end: it restores and
// persists sessions, refreshes tokens before they expire, keeps the user's
// profile row present and marks the user online while signed in.
package auth

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"html"
	"log/slog"
	"strings"
	"sync"
	"time"
	"unicode"

	"github.com/microcosm-cc/bluemonday"

	"loftyeyes/internal/db"
	"loftyeyes/internal/platform"
)

type Event string

const (
	EventInitialSession Event = "INITIAL_SESSION"
	EventSignedIn       Event = "SIGNED_IN"
	EventSignedOut      Event = "SIGNED_OUT"
	EventTokenRefreshed Event = "TOKEN_REFRESHED"
)

var ErrSignedOut = errors.New("not signed in")

// SessionStore persists sessions between runs. *db.Store satisfies it.
type SessionStore interface {
	SaveSession(ctx context.Context, session db.Session) error
	LoadSession(ctx context.Context, key string) (db.Session, error)
	DeleteSession(ctx context.Context, key string) error
}

type Options struct {
	// Key names the persisted session slot.
	Key               string
	RefreshMargin     time.Duration
	PresenceHeartbeat time.Duration
	RequestTimeout    time.Duration
	Now               func() time.Time
}

type Manager struct {
	backend platform.Backend
	store   SessionStore
	opts    Options

	mu        sync.Mutex
	session   platform.Session
	client    platform.Client
	stop      context.CancelFunc
	loops     sync.WaitGroup
	listeners map[int]func(Event, platform.Session)
	nextID    int
}

func NewManager(backend platform.Backend, store SessionStore, opts Options) *Manager {
	if opts.Key == "" {
		opts.Key = "default"
	}
	if opts.RefreshMargin <= 0 {
		opts.RefreshMargin = time.Minute
	}
	if opts.PresenceHeartbeat <= 0 {
		opts.PresenceHeartbeat = 30 * time.Second
	}
	if opts.RequestTimeout <= 0 {
		opts.RequestTimeout = 15 * time.Second
	}
	if opts.Now == nil {
		opts.Now = time.Now
	}
	return &Manager{
		backend:   backend,
		store:     store,
		opts:      opts,
		listeners: map[int]func(Event, platform.Session){},
	}
}

// OnAuthStateChange registers fn for every session change and returns a
// function that removes it.
func (m *Manager) OnAuthStateChange(fn func(Event, platform.Session)) func() {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.nextID++
	id := m.nextID
	m.listeners[id] = fn
	return func() {
		m.mu.Lock()
		defer m.mu.Unlock()
		delete(m.listeners, id)
	}
}

func (m *Manager) Session() platform.Session {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session
}

func (m *Manager) User() platform.User {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.User
}

// Client returns the platform client of the current session, or nil.
func (m *Manager) Client() platform.Client {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.client
}

func (m *Manager) SignedIn() bool {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.session.Valid()
}

// Restore loads the persisted session, refreshing it when it is about to
// expire. A missing or unusable session is not an error: the manager simply
// stays signed out.
func (m *Manager) Restore(ctx context.Context) (platform.Session, error) {
	session, err := m.load(ctx)
	if errors.Is(err, db.ErrNotFound) {
		m.notify(EventInitialSession, platform.Session{})
		return platform.Session{}, nil
	}
	if err != nil {
		m.notify(EventInitialSession, platform.Session{})
		return platform.Session{}, err
	}

	if session.ExpiresWithin(m.opts.Now(), m.opts.RefreshMargin) {
		refreshed, err := m.backend.Refresh(ctx, session.RefreshToken)
		if err != nil {
			slog.Warn("failed to refresh persisted session", "user_id", session.User.ID, "error", err)
			m.forget(ctx)
			m.notify(EventInitialSession, platform.Session{})
			return platform.Session{}, nil
		}
		session = refreshed
	}
	if err := m.establish(ctx, session, EventInitialSession); err != nil {
		return platform.Session{}, err
	}
	return session, nil
}

func (m *Manager) SignIn(ctx context.Context, email, password string) error {
	session, err := m.backend.SignIn(ctx, strings.TrimSpace(email), password)
	if err != nil {
		return fmt.Errorf("sign in: %w", err)
	}
	return m.establish(ctx, session, EventSignedIn)
}

// SignUp registers a user with full_name and username metadata. It returns
// platform.ErrConfirmationRequired when the account must be confirmed by
// email before a session exists.
func (m *Manager) SignUp(ctx context.Context, email, password, fullName, username string) error {
	session, err := m.backend.SignUp(ctx, platform.SignUpRequest{
		Email:    strings.TrimSpace(email),
		Password: password,
		Metadata: map[string]any{
			"full_name": SanitizeName(fullName),
			"username":  SanitizeName(username),
		},
	})
	if err != nil {
		return fmt.Errorf("sign up: %w", err)
	}
	return m.establish(ctx, session, EventSignedIn)
}

// SignOut marks the profile offline, revokes the session and clears it
// locally. The local session is cleared even when revocation fails.
func (m *Manager) SignOut(ctx context.Context) error {
	m.mu.Lock()
	session, client := m.session, m.client
	m.mu.Unlock()
	if !session.Valid() {
		return ErrSignedOut
	}

	if client != nil {
		if err := m.setOnline(ctx, client, session.User.ID, false); err != nil {
			slog.Error("failed to mark profile offline", "user_id", session.User.ID, "error", err)
		}
	}
	revokeErr := m.backend.SignOut(ctx, session.AccessToken)

	m.teardown(true)
	m.forget(ctx)
	m.notify(EventSignedOut, platform.Session{})

	if revokeErr != nil {
		return fmt.Errorf("sign out: %w", revokeErr)
	}
	return nil
}

// Close stops background work and releases the client without signing out.
func (m *Manager) Close() error {
	m.teardown(true)
	return nil
}

// Refresh exchanges the refresh token for a new session and hands the new
// access token to the live client.
func (m *Manager) Refresh(ctx context.Context) error {
	m.mu.Lock()
	current := m.session
	m.mu.Unlock()
	if !current.Valid() {
		return ErrSignedOut
	}

	refreshed, err := m.backend.Refresh(ctx, current.RefreshToken)
	if err != nil {
		return fmt.Errorf("refresh session: %w", err)
	}

	m.mu.Lock()
	if m.session.AccessToken != current.AccessToken {
		m.mu.Unlock()
		return nil
	}
	m.session = refreshed
	client := m.client
	m.mu.Unlock()

	if client != nil {
		client.SetAccessToken(refreshed.AccessToken)
	}
	m.persist(ctx, refreshed)
	m.notify(EventTokenRefreshed, refreshed)
	return nil
}

// Heartbeat marks the signed-in user online with a fresh timestamp.
func (m *Manager) Heartbeat(ctx context.Context) error {
	m.mu.Lock()
	session, client := m.session, m.client
	m.mu.Unlock()
	if client == nil || !session.Valid() {
		return ErrSignedOut
	}
	return m.setOnline(ctx, client, session.User.ID, true)
}

func (m *Manager) establish(ctx context.Context, session platform.Session, event Event) error {
	client, err := m.backend.Connect(session)
	if err != nil {
		return fmt.Errorf("connect platform client: %w", err)
	}

	m.teardown(true)

	loopCtx, stop := context.WithCancel(context.Background())
	m.mu.Lock()
	m.session = session
	m.client = client
	m.stop = stop
	m.loops.Add(2)
	m.mu.Unlock()

	go m.refreshLoop(loopCtx)
	go m.presenceLoop(loopCtx)

	m.persist(ctx, session)
	m.notify(event, session)
	m.ensureProfile(ctx, client, session.User)
	return nil
}

// teardown stops the background loops and closes the client. wait must be
// false when called from one of the loops.
func (m *Manager) teardown(wait bool) {
	m.mu.Lock()
	stop, client := m.stop, m.client
	m.stop = nil
	m.client = nil
	m.session = platform.Session{}
	m.mu.Unlock()

	if stop != nil {
		stop()
	}
	if wait {
		m.loops.Wait()
	}
	if client != nil {
		if err := client.Close(); err != nil {
			slog.Warn("failed to close platform client", "error", err)
		}
	}
}

func (m *Manager) refreshLoop(ctx context.Context) {
	defer m.loops.Done()
	for {
		m.mu.Lock()
		expiresAt := m.session.ExpiresAt
		m.mu.Unlock()
		if expiresAt.IsZero() {
			return
		}

		wait := expiresAt.Sub(m.opts.Now()) - m.opts.RefreshMargin
		if wait < 0 {
			wait = 0
		}
		timer := time.NewTimer(wait)
		select {
		case <-ctx.Done():
			timer.Stop()
			return
		case <-timer.C:
		}

		refreshCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
		err := m.Refresh(refreshCtx)
		cancel()
		if err == nil || ctx.Err() != nil {
			continue
		}
		if errors.Is(err, platform.ErrUnauthorized) {
			slog.Warn("session refresh rejected, signing out locally", "error", err)
			m.teardown(false)
			m.forget(context.Background())
			m.notify(EventSignedOut, platform.Session{})
			return
		}
		slog.Warn("session refresh failed", "error", err)
		select {
		case <-ctx.Done():
			return
		case <-time.After(m.opts.RefreshMargin / 2):
		}
	}
}

func (m *Manager) presenceLoop(ctx context.Context) {
	defer m.loops.Done()
	ticker := time.NewTicker(m.opts.PresenceHeartbeat)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			beatCtx, cancel := context.WithTimeout(ctx, m.opts.RequestTimeout)
			if err := m.Heartbeat(beatCtx); err != nil && ctx.Err() == nil {
				slog.Warn("presence heartbeat failed", "error", err)
			}
			cancel()
		}
	}
}

type profileID struct {
	ID string `json:"id"`
}

type newProfile struct {
	ID        string    `json:"id"`
	Username  string    `json:"username"`
	FullName  string    `json:"full_name"`
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}

type presencePatch struct {
	Online    bool      `json:"online"`
	UpdatedAt time.Time `json:"updated_at"`
}

// ensureProfile creates the user's profile row on first sign-in and marks it
// online otherwise. Failures are logged only.
func (m *Manager) ensureProfile(ctx context.Context, client platform.Client, user platform.User) {
	rows, err := client.Select(ctx, platform.From(platform.TableProfiles).
		Select("id").
		Filter(platform.Eq("id", user.ID)).
		Take(1))
	if err != nil {
		slog.Error("failed to check profile", "user_id", user.ID, "error", err)
		return
	}

	var existing profileID
	err = rows.First(&existing)
	if err == nil {
		if err := m.setOnline(ctx, client, user.ID, true); err != nil {
			slog.Error("failed to mark profile online", "user_id", user.ID, "error", err)
		}
		return
	}
	if !errors.Is(err, platform.ErrNotFound) {
		slog.Error("failed to decode profile", "user_id", user.ID, "error", err)
		return
	}

	fallback := FallbackName(user.Email)
	profile := newProfile{
		ID:        user.ID,
		Username:  firstNonEmpty(SanitizeName(user.MetadataString("username")), fallback),
		FullName:  firstNonEmpty(SanitizeName(user.MetadataString("full_name")), fallback),
		Online:    true,
		UpdatedAt: m.opts.Now().UTC(),
	}
	if _, err := client.Insert(ctx, platform.TableProfiles, []newProfile{profile}); err != nil {
		slog.Error("failed to create profile", "user_id", user.ID, "error", err)
	}
}

func (m *Manager) setOnline(ctx context.Context, client platform.Client, userID string, online bool) error {
	_, err := client.Update(ctx, platform.TableProfiles, presencePatch{
		Online:    online,
		UpdatedAt: m.opts.Now().UTC(),
	}, []platform.Cond{platform.Eq("id", userID)})
	if err != nil {
		return fmt.Errorf("update presence: %w", err)
	}
	return nil
}

// FallbackName derives a display name from the local part of an email.
func FallbackName(email string) string {
	local, _, _ := strings.Cut(strings.TrimSpace(email), "@")
	if local == "" {
		return "user"
	}
	return local
}

var namePolicy = bluemonday.StrictPolicy()

// SanitizeName reduces a profile name to plain single-line text.
func SanitizeName(input string) string {
	if input == "" {
		return ""
	}
	cleaned := strings.Map(func(r rune) rune {
		if unicode.IsControl(r) {
			return -1
		}
		return r
	}, input)
	return strings.TrimSpace(html.UnescapeString(namePolicy.Sanitize(cleaned)))
}

func firstNonEmpty(values ...string) string {
	for _, value := range values {
		if strings.TrimSpace(value) != "" {
			return strings.TrimSpace(value)
		}
	}
	return ""
}

func (m *Manager) notify(event Event, session platform.Session) {
	m.mu.Lock()
	listeners := make([]func(Event, platform.Session), 0, len(m.listeners))
	for _, fn := range m.listeners {
		listeners = append(listeners, fn)
	}
	m.mu.Unlock()
	for _, fn := range listeners {
		fn(event, session)
	}
}

func (m *Manager) load(ctx context.Context) (platform.Session, error) {
	if m.store == nil {
		return platform.Session{}, db.ErrNotFound
	}
	stored, err := m.store.LoadSession(ctx, m.opts.Key)
	if err != nil {
		return platform.Session{}, err
	}
	session := platform.Session{
		AccessToken:  stored.AccessToken,
		RefreshToken: stored.RefreshToken,
		User:         platform.User{ID: stored.UserID, Email: stored.Email},
	}
	if stored.ExpiresAt.Valid {
		session.ExpiresAt = stored.ExpiresAt.Time
	}
	if stored.MetadataJSON != "" {
		if err := json.Unmarshal([]byte(stored.MetadataJSON), &session.User.Metadata); err != nil {
			slog.Warn("discarding unreadable session metadata", "key", m.opts.Key, "error", err)
		}
	}
	if !session.Valid() {
		return platform.Session{}, db.ErrNotFound
	}
	return session, nil
}

func (m *Manager) persist(ctx context.Context, session platform.Session) {
	if m.store == nil {
		return
	}
	metadata, err := json.Marshal(session.User.Metadata)
	if err != nil || len(session.User.Metadata) == 0 {
		metadata = nil
	}
	record := db.Session{
		Key:          m.opts.Key,
		UserID:       session.User.ID,
		Email:        session.User.Email,
		AccessToken:  session.AccessToken,
		RefreshToken: session.RefreshToken,
		ExpiresAt:    sql.NullTime{Time: session.ExpiresAt, Valid: !session.ExpiresAt.IsZero()},
		MetadataJSON: string(metadata),
		UpdatedAt:    m.opts.Now().UTC(),
	}
	if err := m.store.SaveSession(ctx, record); err != nil {
		slog.Error("failed to persist session", "key", m.opts.Key, "error", err)
	}
}

func (m *Manager) forget(ctx context.Context) {
	if m.store == nil {
		return
	}
	if err := m.store.DeleteSession(ctx, m.opts.Key); err != nil {
		slog.Error("failed to delete persisted session", "key", m.opts.Key, "error", err)
	}
}
