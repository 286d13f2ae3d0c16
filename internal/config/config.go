package config

import (
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"
)

const Version = "0.4.0"

type Config struct {
	Port                string
	DevMode             bool
	DatabasePath        string
	SupabaseURL         string
	SupabaseAnonKey     string
	ChatHistoryLimit    int
	CacheHistoryLimit   int
	MaxMessageLength    int
	TypingTimeout       time.Duration
	TypingRefresh       time.Duration
	PresenceHeartbeat   time.Duration
	PresenceTTL         time.Duration
	RealtimeHeartbeat   time.Duration
	RequestTimeout      time.Duration
	RefreshMargin       time.Duration
	SessionCookieSecure bool
	AllowedOrigins      []string
}

func Load() Config {
	devMode := os.Getenv("LOFTY_DEV") == "1"
	defaultDBPath := "db/loftyeyes.sqlite"
	if devMode {
		defaultDBPath = filepath.Join(os.TempDir(), "loftyeyes.sqlite")
	}

	cfg := Config{
		Port:                getenv("PORT", "3000"),
		DevMode:             devMode,
		DatabasePath:        getenv("DATABASE_PATH", defaultDBPath),
		SupabaseURL:         strings.TrimRight(getenv("SUPABASE_URL", ""), "/"),
		SupabaseAnonKey:     getenv("SUPABASE_ANON_KEY", ""),
		ChatHistoryLimit:    getenvInt("CHAT_HISTORY_LIMIT", 200),
		CacheHistoryLimit:   getenvInt("CACHE_HISTORY_LIMIT", 500),
		MaxMessageLength:    getenvInt("MAX_MESSAGE_LENGTH", 4000),
		TypingTimeout:       time.Duration(getenvInt("TYPING_TIMEOUT_SECONDS", 3)) * time.Second,
		TypingRefresh:       time.Duration(getenvInt("TYPING_REFRESH_SECONDS", 2)) * time.Second,
		PresenceHeartbeat:   time.Duration(getenvInt("PRESENCE_HEARTBEAT_SECONDS", 30)) * time.Second,
		PresenceTTL:         time.Duration(getenvInt("PRESENCE_TTL_SECONDS", 90)) * time.Second,
		RealtimeHeartbeat:   time.Duration(getenvInt("REALTIME_HEARTBEAT_SECONDS", 25)) * time.Second,
		RequestTimeout:      time.Duration(getenvInt("REQUEST_TIMEOUT_SECONDS", 15)) * time.Second,
		RefreshMargin:       time.Duration(getenvInt("SESSION_REFRESH_MARGIN_SECONDS", 60)) * time.Second,
		SessionCookieSecure: getenvBool("SESSION_COOKIE_SECURE", !devMode),
		AllowedOrigins:      getenvList("ALLOWED_ORIGINS", []string{"http://localhost:3000"}),
	}

	if cfg.ChatHistoryLimit < 1 {
		cfg.ChatHistoryLimit = 200
	}
	if cfg.CacheHistoryLimit < cfg.ChatHistoryLimit {
		cfg.CacheHistoryLimit = cfg.ChatHistoryLimit
	}
	if cfg.MaxMessageLength < 1 {
		cfg.MaxMessageLength = 4000
	}
	if cfg.TypingTimeout <= 0 {
		cfg.TypingTimeout = 3 * time.Second
	}
	if cfg.TypingRefresh <= 0 || cfg.TypingRefresh >= cfg.TypingTimeout {
		cfg.TypingRefresh = cfg.TypingTimeout * 2 / 3
	}
	if cfg.PresenceHeartbeat <= 0 {
		cfg.PresenceHeartbeat = 30 * time.Second
	}
	if cfg.PresenceTTL < 2*cfg.PresenceHeartbeat {
		cfg.PresenceTTL = 3 * cfg.PresenceHeartbeat
	}
	if cfg.RealtimeHeartbeat <= 0 {
		cfg.RealtimeHeartbeat = 25 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 15 * time.Second
	}
	if cfg.RefreshMargin <= 0 {
		cfg.RefreshMargin = time.Minute
	}

	return cfg
}

func getenv(name, fallback string) string {
	if value := os.Getenv(name); value != "" {
		return value
	}
	return fallback
}

func getenvInt(name string, fallback int) int {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.Atoi(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvBool(name string, fallback bool) bool {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	parsed, err := strconv.ParseBool(value)
	if err != nil {
		return fallback
	}
	return parsed
}

func getenvList(name string, fallback []string) []string {
	value := os.Getenv(name)
	if value == "" {
		return fallback
	}
	var out []string
	for _, item := range strings.Split(value, ",") {
		if item = strings.TrimSpace(item); item != "" {
			out = append(out, item)
		}
	}
	if len(out) == 0 {
		return fallback
	}
	return out
}
