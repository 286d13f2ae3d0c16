package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	for _, name := range []string{"PORT", "LOFTY_DEV", "DATABASE_PATH", "TYPING_TIMEOUT_SECONDS", "TYPING_REFRESH_SECONDS", "ALLOWED_ORIGINS", "SESSION_COOKIE_SECURE"} {
		t.Setenv(name, "")
	}

	cfg := Load()
	if cfg.Port != "3000" {
		t.Fatalf("Port = %q, want 3000", cfg.Port)
	}
	if cfg.DatabasePath != "db/loftyeyes.sqlite" {
		t.Fatalf("DatabasePath = %q", cfg.DatabasePath)
	}
	if cfg.TypingTimeout != 3*time.Second || cfg.TypingRefresh != 2*time.Second {
		t.Fatalf("typing = %v/%v, want 3s/2s", cfg.TypingTimeout, cfg.TypingRefresh)
	}
	if !cfg.SessionCookieSecure {
		t.Fatalf("SessionCookieSecure = false, want true outside dev mode")
	}
	if len(cfg.AllowedOrigins) != 1 || cfg.AllowedOrigins[0] != "http://localhost:3000" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
}

func TestLoadClampsInvalidValues(t *testing.T) {
	t.Setenv("CHAT_HISTORY_LIMIT", "0")
	t.Setenv("CACHE_HISTORY_LIMIT", "10")
	t.Setenv("TYPING_TIMEOUT_SECONDS", "6")
	t.Setenv("TYPING_REFRESH_SECONDS", "9")
	t.Setenv("PRESENCE_HEARTBEAT_SECONDS", "20")
	t.Setenv("PRESENCE_TTL_SECONDS", "5")
	t.Setenv("MAX_MESSAGE_LENGTH", "nope")

	cfg := Load()
	if cfg.ChatHistoryLimit != 200 {
		t.Fatalf("ChatHistoryLimit = %d, want 200", cfg.ChatHistoryLimit)
	}
	if cfg.CacheHistoryLimit != 200 {
		t.Fatalf("CacheHistoryLimit = %d, want 200", cfg.CacheHistoryLimit)
	}
	if cfg.TypingRefresh != 4*time.Second {
		t.Fatalf("TypingRefresh = %v, want 4s", cfg.TypingRefresh)
	}
	if cfg.PresenceTTL != time.Minute {
		t.Fatalf("PresenceTTL = %v, want 1m", cfg.PresenceTTL)
	}
	if cfg.MaxMessageLength != 4000 {
		t.Fatalf("MaxMessageLength = %d, want 4000", cfg.MaxMessageLength)
	}
}

func TestLoadParsesListsAndFlags(t *testing.T) {
	t.Setenv("LOFTY_DEV", "1")
	t.Setenv("ALLOWED_ORIGINS", " https://a.example , ,https://b.example")
	t.Setenv("SESSION_COOKIE_SECURE", "")
	t.Setenv("SUPABASE_URL", "https://x.supabase.co/")

	cfg := Load()
	if !cfg.DevMode || cfg.SessionCookieSecure {
		t.Fatalf("DevMode = %v SessionCookieSecure = %v", cfg.DevMode, cfg.SessionCookieSecure)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[1] != "https://b.example" {
		t.Fatalf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.SupabaseURL != "https://x.supabase.co" {
		t.Fatalf("SupabaseURL = %q", cfg.SupabaseURL)
	}
}
