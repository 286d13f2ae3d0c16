package supabase

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"testing"
	"time"

	"loftyeyes/internal/platform"
)

const testUserID = "0b6a3f9e-2c4d-4e8f-9a1b-3c5d7e9f1a2b"

func TestSignInParsesSession(t *testing.T) {
	backend, captured := newTestBackend(t, http.StatusOK, `{
		"access_token":"at","refresh_token":"rt","expires_in":3600,
		"user":{"id":"0b6a3f9e-2c4d-4e8f-9a1b-3c5d7e9f1a2b","email":"a@example.com","user_metadata":{"username":"alice"}}
	}`)

	before := time.Now()
	session, err := backend.SignIn(context.Background(), " a@example.com ", "secret")
	if err != nil {
		t.Fatalf("SignIn() error = %v", err)
	}
	if session.AccessToken != "at" || session.RefreshToken != "rt" || session.User.ID != testUserID {
		t.Fatalf("session = %+v", session)
	}
	if got := session.User.MetadataString("username"); got != "alice" {
		t.Fatalf("MetadataString(username) = %q, want alice", got)
	}
	if session.ExpiresAt.Before(before.Add(59 * time.Minute)) {
		t.Fatalf("ExpiresAt = %v, want about an hour from now", session.ExpiresAt)
	}

	req := captured.all()[0]
	if req.path != "/auth/v1/token" || req.query["grant_type"][0] != "password" {
		t.Fatalf("request = %s ?%v", req.path, req.query)
	}
	var body map[string]any
	if err := json.Unmarshal(req.body, &body); err != nil {
		t.Fatalf("Unmarshal(body) error = %v", err)
	}
	if body["email"] != "a@example.com" || body["password"] != "secret" {
		t.Fatalf("body = %v", body)
	}
}

func TestSignUpWithoutSessionNeedsConfirmation(t *testing.T) {
	backend, captured := newTestBackend(t, http.StatusOK, `{"id":"0b6a3f9e-2c4d-4e8f-9a1b-3c5d7e9f1a2b","email":"a@example.com"}`)

	_, err := backend.SignUp(context.Background(), platform.SignUpRequest{
		Email:    "a@example.com",
		Password: "secret",
		Metadata: map[string]any{"username": "alice"},
	})
	if !errors.Is(err, platform.ErrConfirmationRequired) {
		t.Fatalf("SignUp() error = %v, want ErrConfirmationRequired", err)
	}

	var body struct {
		Data map[string]any `json:"data"`
	}
	if err := json.Unmarshal(captured.all()[0].body, &body); err != nil {
		t.Fatalf("Unmarshal(body) error = %v", err)
	}
	if body.Data["username"] != "alice" {
		t.Fatalf("metadata = %v, want username alice", body.Data)
	}
}

func TestSignUpReturnsSessionWhenConfirmed(t *testing.T) {
	backend, _ := newTestBackend(t, http.StatusOK, `{"access_token":"at","refresh_token":"rt","expires_at":1900000000,"user":{"id":"0b6a3f9e-2c4d-4e8f-9a1b-3c5d7e9f1a2b"}}`)

	session, err := backend.SignUp(context.Background(), platform.SignUpRequest{Email: "a@example.com", Password: "secret"})
	if err != nil {
		t.Fatalf("SignUp() error = %v", err)
	}
	if !session.ExpiresAt.Equal(time.Unix(1900000000, 0)) {
		t.Fatalf("ExpiresAt = %v", session.ExpiresAt)
	}
}

func TestSignInRejectedCredentials(t *testing.T) {
	backend, _ := newTestBackend(t, http.StatusBadRequest, `{"error":"invalid_grant","error_description":"Invalid login credentials"}`)

	_, err := backend.SignIn(context.Background(), "a@example.com", "wrong")
	var apiErr *APIError
	if !errors.As(err, &apiErr) {
		t.Fatalf("SignIn() error = %v, want *APIError", err)
	}
	if apiErr.Code != "invalid_grant" || apiErr.Message != "Invalid login credentials" {
		t.Fatalf("apiErr = %+v", apiErr)
	}
}

func TestSignInRejectsMalformedUser(t *testing.T) {
	backend, _ := newTestBackend(t, http.StatusOK, `{"access_token":"at","refresh_token":"rt","user":{"id":"not-a-uuid"}}`)

	if _, err := backend.SignIn(context.Background(), "a@example.com", "secret"); err == nil {
		t.Fatalf("SignIn() error = nil, want decode error")
	}
}

func TestRefreshExpiredTokenIsUnauthorized(t *testing.T) {
	backend, captured := newTestBackend(t, http.StatusUnauthorized, `{"error":"invalid_grant","error_description":"Refresh Token Not Found"}`)

	_, err := backend.Refresh(context.Background(), "rt")
	if !errors.Is(err, platform.ErrUnauthorized) {
		t.Fatalf("Refresh() error = %v, want ErrUnauthorized", err)
	}
	req := captured.all()[0]
	if req.query["grant_type"][0] != "refresh_token" || req.header.Get("apikey") != "anon-key" {
		t.Fatalf("request = ?%v apikey=%q", req.query, req.header.Get("apikey"))
	}
	if _, err := backend.Refresh(context.Background(), ""); !errors.Is(err, platform.ErrUnauthorized) {
		t.Fatalf("Refresh(empty) error = %v, want ErrUnauthorized", err)
	}
	if got := len(captured.all()); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}

func TestSignOutSendsToken(t *testing.T) {
	backend, captured := newTestBackend(t, http.StatusNoContent, ``)

	if err := backend.SignOut(context.Background(), "at"); err != nil {
		t.Fatalf("SignOut() error = %v", err)
	}
	req := captured.all()[0]
	if req.path != "/auth/v1/logout" || req.header.Get("Authorization") != "Bearer at" {
		t.Fatalf("request = %s auth=%q", req.path, req.header.Get("Authorization"))
	}
	if err := backend.SignOut(context.Background(), ""); err != nil {
		t.Fatalf("SignOut(empty) error = %v", err)
	}
	if got := len(captured.all()); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}

func TestUserRequiresToken(t *testing.T) {
	backend, _ := newTestBackend(t, http.StatusOK, `{"id":"0b6a3f9e-2c4d-4e8f-9a1b-3c5d7e9f1a2b","email":"a@example.com"}`)

	if _, err := backend.User(context.Background(), ""); !errors.Is(err, platform.ErrUnauthorized) {
		t.Fatalf("User(empty) error = %v, want ErrUnauthorized", err)
	}
	user, err := backend.User(context.Background(), "at")
	if err != nil {
		t.Fatalf("User() error = %v", err)
	}
	if user.Email != "a@example.com" || user.ID != testUserID {
		t.Fatalf("user = %+v", user)
	}
}
