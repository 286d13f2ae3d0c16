package routes

import (
	"context"
	"encoding/base64"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"loftyeyes/internal/config"
	"loftyeyes/internal/db"
	"loftyeyes/internal/platform"
	"loftyeyes/internal/services/auth"
	chatsvc "loftyeyes/internal/services/chat"
	"loftyeyes/internal/services/contacts"
)

const (
	sessionCookie = "loftyeyes_session"
	flashCookie   = "loftyeyes_flash"
	sessionMaxAge = 30 * 24 * time.Hour
)

// BrowserSession is one browser's signed-in state. Its auth session is
// persisted in the local store under the cookie id, so it survives restarts
// and evictions.
type BrowserSession struct {
	ID       string
	Auth     *auth.Manager
	Chat     *chatsvc.Service
	Contacts *contacts.Service

	mu       sync.Mutex
	list     *contacts.List
	sockets  int
	lastSeen time.Time
}

// ContactList returns the session's live contact list, opening it on first
// use.
func (s *BrowserSession) ContactList(ctx context.Context) (*contacts.List, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.list != nil {
		return s.list, nil
	}
	list, err := s.Contacts.Open(ctx)
	if err != nil {
		return nil, err
	}
	s.list = list
	return list, nil
}

func (s *BrowserSession) touch() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.lastSeen = time.Now()
}

// attach and detach count the websockets streaming from this session.
func (s *BrowserSession) attach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets++
	s.lastSeen = time.Now()
}

func (s *BrowserSession) detach() {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.sockets--
	s.lastSeen = time.Now()
}

// idle reports whether the session has had no websocket and no request for
// longer than ttl.
func (s *BrowserSession) idle(now time.Time, ttl time.Duration) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.sockets <= 0 && now.Sub(s.lastSeen) > ttl
}

func (s *BrowserSession) closeList() {
	s.mu.Lock()
	list := s.list
	s.list = nil
	s.mu.Unlock()
	if list != nil {
		_ = list.Close()
	}
}

func (s *BrowserSession) close() {
	s.closeList()
	_ = s.Auth.Close()
}

// Sessions maps session cookies to signed-in browser sessions. Only signed-in
// sessions are held in memory; idle ones are closed by a janitor and restored
// from the local store on the next request.
type Sessions struct {
	backend platform.Backend
	store   *db.Store
	cfg     config.Config

	mu    sync.Mutex
	items map[string]*BrowserSession

	done      chan struct{}
	closeOnce sync.Once
}

func NewSessions(backend platform.Backend, store *db.Store, cfg config.Config) *Sessions {
	s := &Sessions{
		backend: backend,
		store:   store,
		cfg:     cfg,
		items:   map[string]*BrowserSession{},
		done:    make(chan struct{}),
	}
	if cfg.PresenceTTL > 0 {
		go s.janitor(cfg.PresenceTTL / 2)
	}
	return s
}

// Get returns the signed-in browser session named by the request cookie,
// restoring its persisted auth session on first sight. It returns nil when
// the cookie is missing or has no usable session behind it.
func (s *Sessions) Get(r *http.Request) *BrowserSession {
	cookie, err := r.Cookie(sessionCookie)
	if err != nil {
		return nil
	}
	if _, err := uuid.Parse(cookie.Value); err != nil {
		return nil
	}

	s.mu.Lock()
	session, ok := s.items[cookie.Value]
	s.mu.Unlock()
	if ok {
		session.touch()
		return session
	}

	session = s.newSession(cookie.Value)
	ctx, cancel := context.WithTimeout(r.Context(), s.cfg.RequestTimeout)
	defer cancel()
	if _, err := session.Auth.Restore(ctx); err != nil {
		slog.Warn("failed to restore browser session", "session", session.ID, "error", err)
	}
	if !session.Auth.SignedIn() {
		session.close()
		return nil
	}
	return s.keep(session)
}

// Begin returns the request's session, or a fresh one for a visitor about to
// sign in. A fresh session is only held once it is passed to Keep.
func (s *Sessions) Begin(r *http.Request) *BrowserSession {
	if session := s.Get(r); session != nil {
		return session
	}
	return s.newSession(uuid.NewString())
}

// Keep holds a signed-in session and points the browser's cookie at it.
func (s *Sessions) Keep(w http.ResponseWriter, session *BrowserSession) {
	session = s.keep(session)
	http.SetCookie(w, &http.Cookie{
		Name:     sessionCookie,
		Value:    session.ID,
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(sessionMaxAge.Seconds()),
	})
}

// Discard releases a session from Begin that never signed in.
func (s *Sessions) Discard(session *BrowserSession) {
	if !s.holds(session) {
		session.close()
	}
}

// Drop forgets a signed-out session and clears its cookie.
func (s *Sessions) Drop(w http.ResponseWriter, session *BrowserSession) {
	s.mu.Lock()
	if s.items[session.ID] == session {
		delete(s.items, session.ID)
	}
	s.mu.Unlock()
	session.close()
	http.SetCookie(w, &http.Cookie{Name: sessionCookie, Path: "/", MaxAge: -1})
}

// keep stores session unless another request stored one under the same id
// first, in which case that one wins.
func (s *Sessions) keep(session *BrowserSession) *BrowserSession {
	s.mu.Lock()
	existing, ok := s.items[session.ID]
	if !ok {
		s.items[session.ID] = session
	}
	s.mu.Unlock()
	if ok && existing != session {
		session.close()
		session = existing
	}
	session.touch()
	return session
}

func (s *Sessions) holds(session *BrowserSession) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.items[session.ID] == session
}

func (s *Sessions) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.items)
}

// SetFlash stores a one-shot notice for the next rendered page in a short
// lived cookie.
func (s *Sessions) SetFlash(w http.ResponseWriter, message string) {
	http.SetCookie(w, &http.Cookie{
		Name:     flashCookie,
		Value:    base64.RawURLEncoding.EncodeToString([]byte(message)),
		Path:     "/",
		HttpOnly: true,
		Secure:   s.cfg.SessionCookieSecure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   60,
	})
}

// TakeFlash returns and clears the request's pending notice.
func (s *Sessions) TakeFlash(w http.ResponseWriter, r *http.Request) string {
	cookie, err := r.Cookie(flashCookie)
	if err != nil {
		return ""
	}
	http.SetCookie(w, &http.Cookie{Name: flashCookie, Path: "/", MaxAge: -1})
	message, err := base64.RawURLEncoding.DecodeString(cookie.Value)
	if err != nil {
		return ""
	}
	return string(message)
}

func (s *Sessions) newSession(id string) *BrowserSession {
	manager := auth.NewManager(s.backend, s.store, auth.Options{
		Key:               "web:" + id,
		RefreshMargin:     s.cfg.RefreshMargin,
		PresenceHeartbeat: s.cfg.PresenceHeartbeat,
		RequestTimeout:    s.cfg.RequestTimeout,
	})
	session := &BrowserSession{
		ID:       id,
		Auth:     manager,
		Chat:     chatsvc.NewService(manager, s.store, s.cfg),
		Contacts: contacts.NewService(manager, s.cfg),
		lastSeen: time.Now(),
	}
	manager.OnAuthStateChange(func(event auth.Event, _ platform.Session) {
		if event == auth.EventSignedOut {
			session.closeList()
		}
	})
	return session
}

func (s *Sessions) janitor(interval time.Duration) {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case now := <-ticker.C:
			s.sweep(now)
		}
	}
}

// sweep closes sessions that are signed out or idle past the presence TTL.
// Their heartbeats stop, so their users go offline.
func (s *Sessions) sweep(now time.Time) int {
	s.mu.Lock()
	var evicted []*BrowserSession
	for id, session := range s.items {
		if !session.Auth.SignedIn() || session.idle(now, s.cfg.PresenceTTL) {
			delete(s.items, id)
			evicted = append(evicted, session)
		}
	}
	s.mu.Unlock()

	for _, session := range evicted {
		session.close()
	}
	if len(evicted) > 0 {
		slog.Info("evicted browser sessions", "count", len(evicted))
	}
	return len(evicted)
}

// Close stops the janitor and releases every browser session without
// signing it out.
func (s *Sessions) Close() {
	s.closeOnce.Do(func() { close(s.done) })
	s.mu.Lock()
	items := s.items
	s.items = map[string]*BrowserSession{}
	s.mu.Unlock()
	for _, session := range items {
		session.close()
	}
}
