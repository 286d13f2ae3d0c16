// Package platformtest provides an in-memory platform.Backend for tests. It
// keeps rows per table, evaluates filters with platform.Match and delivers
// change events synchronously to every matching subscription.
package platformtest

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"loftyeyes/internal/platform"
)

type account struct {
	user     platform.User
	password string
}

type subscription struct {
	id      int
	client  *Client
	sub     platform.Subscription
	handler func(platform.ChangeEvent)
}

type Backend struct {
	// RequireConfirmation makes SignUp register the user without a session.
	RequireConfirmation bool

	mu       sync.Mutex
	now      func() time.Time
	last     time.Time
	tables   map[string][]map[string]any
	accounts map[string]*account
	access   map[string]string
	refresh  map[string]string
	subs     map[int]*subscription
	nextSub  int
	failures map[string][]error
	ops      []string
}

var _ platform.Backend = (*Backend)(nil)

func New() *Backend {
	return &Backend{
		now:      time.Now,
		tables:   map[string][]map[string]any{},
		accounts: map[string]*account{},
		access:   map[string]string{},
		refresh:  map[string]string{},
		subs:     map[int]*subscription{},
		failures: map[string][]error{},
	}
}

// SetClock replaces the clock used for generated timestamps.
func (b *Backend) SetClock(now func() time.Time) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.now = now
}

// FailNext makes the next query on table return err. Auth calls use the
// pseudo table "auth". Subscriptions never fail.
func (b *Backend) FailNext(table string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	b.failures[table] = append(b.failures[table], err)
}

// FailNextOp is FailNext restricted to one operation: select, insert,
// update, upsert, or for auth signup, signin, signout, refresh, user.
func (b *Backend) FailNextOp(op, table string, err error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	key := op + " " + table
	b.failures[key] = append(b.failures[key], err)
}

// Ops lists the operations performed so far as "<op> <table>".
func (b *Backend) Ops() []string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return append([]string(nil), b.ops...)
}

// Rows returns a copy of every row stored in table.
func (b *Backend) Rows(table string) []map[string]any {
	b.mu.Lock()
	defer b.mu.Unlock()
	out := make([]map[string]any, 0, len(b.tables[table]))
	for _, row := range b.tables[table] {
		out = append(out, cloneRow(row))
	}
	return out
}

// Subscribers counts open subscriptions on table.
func (b *Backend) Subscribers(table string) int {
	b.mu.Lock()
	defer b.mu.Unlock()
	count := 0
	for _, sub := range b.subs {
		if sub.sub.Table == table {
			count++
		}
	}
	return count
}

// AddUser registers an account and returns its user.
func (b *Backend) AddUser(email, password string, metadata map[string]any) platform.User {
	b.mu.Lock()
	defer b.mu.Unlock()
	user := platform.User{ID: uuid.NewString(), Email: email, Metadata: metadata}
	b.accounts[email] = &account{user: user, password: password}
	return user
}

// Session issues a fresh session for a registered user.
func (b *Backend) Session(user platform.User) platform.Session {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.issueLocked(user)
}

// Revoke invalidates an access token so later calls made with it fail.
func (b *Backend) Revoke(accessToken string) {
	b.mu.Lock()
	defer b.mu.Unlock()
	delete(b.access, accessToken)
}

func (b *Backend) issueLocked(user platform.User) platform.Session {
	session := platform.Session{
		AccessToken:  "at-" + uuid.NewString(),
		RefreshToken: "rt-" + uuid.NewString(),
		ExpiresAt:    b.now().Add(time.Hour).UTC(),
		User:         user,
	}
	b.access[session.AccessToken] = user.ID
	b.refresh[session.RefreshToken] = user.ID
	return session
}

func (b *Backend) takeFailureLocked(table, op string) error {
	key := op + " " + table
	b.ops = append(b.ops, key)
	for _, candidate := range []string{key, table} {
		queue := b.failures[candidate]
		if len(queue) == 0 {
			continue
		}
		b.failures[candidate] = queue[1:]
		return queue[0]
	}
	return nil
}

func (b *Backend) userByIDLocked(id string) (platform.User, bool) {
	for _, acct := range b.accounts {
		if acct.user.ID == id {
			return acct.user, true
		}
	}
	return platform.User{}, false
}

func (b *Backend) SignUp(ctx context.Context, req platform.SignUpRequest) (platform.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailureLocked("auth", "signup"); err != nil {
		return platform.Session{}, err
	}
	if req.Email == "" || req.Password == "" {
		return platform.Session{}, errors.New("email and password are required")
	}
	if _, exists := b.accounts[req.Email]; exists {
		return platform.Session{}, errors.New("user already registered")
	}
	user := platform.User{ID: uuid.NewString(), Email: req.Email, Metadata: req.Metadata}
	b.accounts[req.Email] = &account{user: user, password: req.Password}
	if b.RequireConfirmation {
		return platform.Session{}, platform.ErrConfirmationRequired
	}
	return b.issueLocked(user), nil
}

func (b *Backend) SignIn(ctx context.Context, email, password string) (platform.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailureLocked("auth", "signin"); err != nil {
		return platform.Session{}, err
	}
	acct, ok := b.accounts[email]
	if !ok || acct.password != password {
		return platform.Session{}, errors.New("invalid login credentials")
	}
	return b.issueLocked(acct.user), nil
}

func (b *Backend) SignOut(ctx context.Context, accessToken string) error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailureLocked("auth", "signout"); err != nil {
		return err
	}
	delete(b.access, accessToken)
	return nil
}

func (b *Backend) Refresh(ctx context.Context, refreshToken string) (platform.Session, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailureLocked("auth", "refresh"); err != nil {
		return platform.Session{}, err
	}
	userID, ok := b.refresh[refreshToken]
	if !ok {
		return platform.Session{}, platform.ErrUnauthorized
	}
	delete(b.refresh, refreshToken)
	user, ok := b.userByIDLocked(userID)
	if !ok {
		return platform.Session{}, platform.ErrUnauthorized
	}
	return b.issueLocked(user), nil
}

func (b *Backend) User(ctx context.Context, accessToken string) (platform.User, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailureLocked("auth", "user"); err != nil {
		return platform.User{}, err
	}
	userID, ok := b.access[accessToken]
	if !ok {
		return platform.User{}, platform.ErrUnauthorized
	}
	user, ok := b.userByIDLocked(userID)
	if !ok {
		return platform.User{}, platform.ErrUnauthorized
	}
	return user, nil
}

func (b *Backend) Connect(session platform.Session) (platform.Client, error) {
	if !session.Valid() {
		return nil, platform.ErrUnauthorized
	}
	return &Client{backend: b, token: session.AccessToken}, nil
}

// Client acts as one user. Calls fail with ErrUnauthorized once its token
// has been revoked or signed out.
type Client struct {
	backend *Backend

	mu     sync.Mutex
	token  string
	closed bool
}

var _ platform.Client = (*Client)(nil)

func (c *Client) SetAccessToken(token string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = token
}

func (c *Client) authorizeLocked() error {
	c.mu.Lock()
	token, closed := c.token, c.closed
	c.mu.Unlock()
	if closed {
		return errors.New("client closed")
	}
	if _, ok := c.backend.access[token]; !ok {
		return platform.ErrUnauthorized
	}
	return nil
}

func (c *Client) Select(ctx context.Context, query platform.Query) (platform.Rows, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	if err := b.takeFailureLocked(query.Table, "select"); err != nil {
		return nil, err
	}
	if err := c.authorizeLocked(); err != nil {
		return nil, err
	}
	matched := make([]map[string]any, 0)
	for _, row := range b.tables[query.Table] {
		if platform.Match(row, query.Where) {
			matched = append(matched, cloneRow(row))
		}
	}
	sortRows(matched, query.Order)
	if query.Limit > 0 && len(matched) > query.Limit {
		matched = matched[:query.Limit]
	}
	return encodeRows(matched)
}

func (c *Client) Insert(ctx context.Context, table string, rows any) (platform.Rows, error) {
	b := c.backend
	b.mu.Lock()
	if err := b.takeFailureLocked(table, "insert"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := c.authorizeLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	incoming, err := decodeInput(rows)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	stored := make([]map[string]any, 0, len(incoming))
	events := make([]platform.ChangeEvent, 0, len(incoming))
	for _, row := range incoming {
		b.applyDefaultsLocked(table, row)
		if b.findLocked(table, row["id"]) >= 0 {
			b.mu.Unlock()
			return nil, fmt.Errorf("duplicate key on %s id %v", table, row["id"])
		}
		b.tables[table] = append(b.tables[table], row)
		stored = append(stored, cloneRow(row))
		events = append(events, b.eventLocked(platform.EventInsert, table, row, nil))
	}
	targets := b.targetsLocked()
	b.mu.Unlock()

	deliver(targets, events)
	return encodeRows(stored)
}

func (c *Client) Update(ctx context.Context, table string, patch any, where []platform.Cond) (platform.Rows, error) {
	b := c.backend
	b.mu.Lock()
	if err := b.takeFailureLocked(table, "update"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := c.authorizeLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if len(where) == 0 {
		b.mu.Unlock()
		return nil, errors.New("update without filter")
	}
	changes, err := decodeInput(patch)
	if err != nil || len(changes) != 1 {
		b.mu.Unlock()
		return nil, fmt.Errorf("update %s: patch must be a single object", table)
	}
	if err := checkUpdateColumns(table, changes[0]); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	c.mu.Lock()
	caller := b.access[c.token]
	c.mu.Unlock()
	stored := make([]map[string]any, 0)
	events := make([]platform.ChangeEvent, 0)
	for index, row := range b.tables[table] {
		if !platform.Match(row, where) || !canUpdate(table, row, caller) {
			continue
		}
		old := cloneRow(row)
		for key, value := range changes[0] {
			row[key] = value
		}
		b.tables[table][index] = row
		stored = append(stored, cloneRow(row))
		events = append(events, b.eventLocked(platform.EventUpdate, table, row, old))
	}
	targets := b.targetsLocked()
	b.mu.Unlock()

	deliver(targets, events)
	return encodeRows(stored)
}

// ErrPermissionDenied is returned for writes the schema's grants forbid.
var ErrPermissionDenied = errors.New("permission denied")

// checkUpdateColumns mirrors the column grants of supabase/schema.sql:
// messages may only have their status changed.
func checkUpdateColumns(table string, patch map[string]any) error {
	if table != platform.TableMessages {
		return nil
	}
	for column := range patch {
		if column != "status" {
			return fmt.Errorf("update %s.%s: %w", table, column, ErrPermissionDenied)
		}
	}
	return nil
}

// canUpdate mirrors the row policies: only a message's receiver may update it.
// Rows the caller may not touch are skipped, as row-level security does.
func canUpdate(table string, row map[string]any, caller string) bool {
	if table != platform.TableMessages {
		return true
	}
	return row["receiver_id"] == caller
}

func (c *Client) Upsert(ctx context.Context, table string, rows any, onConflict ...string) (platform.Rows, error) {
	b := c.backend
	b.mu.Lock()
	if err := b.takeFailureLocked(table, "upsert"); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	if err := c.authorizeLocked(); err != nil {
		b.mu.Unlock()
		return nil, err
	}
	incoming, err := decodeInput(rows)
	if err != nil {
		b.mu.Unlock()
		return nil, err
	}
	keys := onConflict
	if len(keys) == 0 {
		keys = []string{"id"}
	}
	stored := make([]map[string]any, 0, len(incoming))
	events := make([]platform.ChangeEvent, 0, len(incoming))
	for _, row := range incoming {
		where := make([]platform.Cond, 0, len(keys))
		for _, key := range keys {
			where = append(where, platform.Eq(key, row[key]))
		}
		index := -1
		for candidate, existing := range b.tables[table] {
			if platform.Match(existing, where) {
				index = candidate
				break
			}
		}
		if index < 0 {
			b.applyDefaultsLocked(table, row)
			b.tables[table] = append(b.tables[table], row)
			stored = append(stored, cloneRow(row))
			events = append(events, b.eventLocked(platform.EventInsert, table, row, nil))
			continue
		}
		existing := b.tables[table][index]
		old := cloneRow(existing)
		for key, value := range row {
			existing[key] = value
		}
		stored = append(stored, cloneRow(existing))
		events = append(events, b.eventLocked(platform.EventUpdate, table, existing, old))
	}
	targets := b.targetsLocked()
	b.mu.Unlock()

	deliver(targets, events)
	return encodeRows(stored)
}

func (c *Client) Subscribe(ctx context.Context, sub platform.Subscription, handler func(platform.ChangeEvent)) (platform.Channel, error) {
	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	b.ops = append(b.ops, "subscribe "+sub.Table)
	if err := c.authorizeLocked(); err != nil {
		return nil, err
	}
	b.nextSub++
	entry := &subscription{id: b.nextSub, client: c, sub: sub, handler: handler}
	b.subs[entry.id] = entry
	topic := sub.Topic
	if topic == "" {
		topic = fmt.Sprintf("%s:%d", sub.Table, entry.id)
	}
	return &channel{backend: b, id: entry.id, topic: "realtime:" + topic}, nil
}

func (c *Client) Close() error {
	c.mu.Lock()
	c.closed = true
	c.mu.Unlock()

	b := c.backend
	b.mu.Lock()
	defer b.mu.Unlock()
	for id, sub := range b.subs {
		if sub.client == c {
			delete(b.subs, id)
		}
	}
	return nil
}

type channel struct {
	backend *Backend
	id      int
	topic   string
}

func (c *channel) Topic() string {
	return c.topic
}

func (c *channel) Close() error {
	c.backend.mu.Lock()
	defer c.backend.mu.Unlock()
	delete(c.backend.subs, c.id)
	return nil
}

// Emit delivers an arbitrary change event as if the store had produced it.
func (b *Backend) Emit(event platform.ChangeEvent) {
	b.mu.Lock()
	targets := b.targetsLocked()
	b.mu.Unlock()
	deliver(targets, []platform.ChangeEvent{event})
}

func (b *Backend) targetsLocked() []*subscription {
	targets := make([]*subscription, 0, len(b.subs))
	for _, sub := range b.subs {
		targets = append(targets, sub)
	}
	sort.Slice(targets, func(i, j int) bool { return targets[i].id < targets[j].id })
	return targets
}

func deliver(targets []*subscription, events []platform.ChangeEvent) {
	for _, event := range events {
		for _, target := range targets {
			if target.sub.Accepts(event) {
				target.handler(event)
			}
		}
	}
}

func (b *Backend) eventLocked(eventType platform.EventType, table string, row, old map[string]any) platform.ChangeEvent {
	event := platform.ChangeEvent{Type: eventType, Table: table, CommitTimestamp: b.now().UTC()}
	event.New, _ = json.Marshal(row)
	if old != nil {
		event.Old, _ = json.Marshal(old)
	}
	return event
}

func (b *Backend) findLocked(table string, id any) int {
	if id == nil {
		return -1
	}
	for index, row := range b.tables[table] {
		if row["id"] == id {
			return index
		}
	}
	return -1
}

// applyDefaultsLocked fills the columns the database would default.
func (b *Backend) applyDefaultsLocked(table string, row map[string]any) {
	if _, ok := row["id"]; !ok && table != platform.TableProfiles {
		row["id"] = uuid.NewString()
	}
	stamp := b.tickLocked()
	switch table {
	case platform.TableMessages:
		setDefault(row, "created_at", stamp)
		setDefault(row, "status", "sent")
	case platform.TableConversations:
		setDefault(row, "created_at", stamp)
	case platform.TableProfiles:
		setDefault(row, "updated_at", stamp)
		setDefault(row, "online", false)
		setDefault(row, "typing_to", nil)
		setDefault(row, "typing_at", nil)
	}
}

// tickLocked returns a timestamp strictly after every earlier one.
func (b *Backend) tickLocked() string {
	now := b.now().UTC()
	if !now.After(b.last) {
		now = b.last.Add(time.Microsecond)
	}
	b.last = now
	return now.Format(time.RFC3339Nano)
}

func setDefault(row map[string]any, key string, value any) {
	if _, ok := row[key]; !ok {
		row[key] = value
	}
}

func decodeInput(input any) ([]map[string]any, error) {
	encoded, err := json.Marshal(input)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	var list []map[string]any
	if err := json.Unmarshal(encoded, &list); err == nil {
		return list, nil
	}
	var single map[string]any
	if err := json.Unmarshal(encoded, &single); err != nil {
		return nil, fmt.Errorf("rows must be objects: %w", err)
	}
	return []map[string]any{single}, nil
}

func encodeRows(rows []map[string]any) (platform.Rows, error) {
	encoded, err := json.Marshal(rows)
	if err != nil {
		return nil, fmt.Errorf("encode rows: %w", err)
	}
	return platform.Rows(encoded), nil
}

func cloneRow(row map[string]any) map[string]any {
	out := make(map[string]any, len(row))
	for key, value := range row {
		out[key] = value
	}
	return out
}

func sortRows(rows []map[string]any, orders []platform.Order) {
	if len(orders) == 0 {
		return
	}
	sort.SliceStable(rows, func(i, j int) bool {
		for _, order := range orders {
			less, equal := lessValue(rows[i][order.Column], rows[j][order.Column])
			if equal {
				continue
			}
			if order.Descending {
				return !less
			}
			return less
		}
		return false
	})
}

func lessValue(a, b any) (less bool, equal bool) {
	if platform.Match(map[string]any{"v": a}, []platform.Cond{platform.Eq("v", b)}) {
		return false, true
	}
	if a == nil {
		return true, false
	}
	if b == nil {
		return false, false
	}
	return platform.Match(map[string]any{"v": a}, []platform.Cond{platform.Lt("v", b)}), false
}
