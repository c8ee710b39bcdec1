package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"
)

type AppConfig struct {
	ListenAddr string

	RedisURL    string
	DatabaseURL string

	RequirePersistence bool

	AllowedOrigins []string

	SnippetDir string

	MinReadyPlayers   int
	CountdownTicks    int
	CountdownTick     time.Duration
	SessionTTLSec     int
	DefaultMaxPlayers int
	MaxPlayersLimit   int

	WSSendBuffer   int
	WSPingInterval time.Duration
}

func Load() (*AppConfig, error) {
	cfg := &AppConfig{
		ListenAddr:        ":8080",
		MinReadyPlayers:   2,
		CountdownTicks:    3,
		CountdownTick:     time.Second,
		SessionTTLSec:     21600,
		DefaultMaxPlayers: 4,
		MaxPlayersLimit:   8,
		WSSendBuffer:      64,
		WSPingInterval:    30 * time.Second,
	}

	if v := strings.TrimSpace(os.Getenv("LISTEN_ADDR")); v != "" {
		cfg.ListenAddr = v
	}
	cfg.RedisURL = strings.TrimSpace(os.Getenv("REDIS_URL"))
	cfg.DatabaseURL = strings.TrimSpace(os.Getenv("DATABASE_URL"))
	cfg.SnippetDir = strings.TrimSpace(os.Getenv("SNIPPET_DIR"))
	cfg.AllowedOrigins = splitList(os.Getenv("ALLOWED_ORIGINS"))

	if v := strings.TrimSpace(os.Getenv("REQUIRE_PERSISTENCE")); v != "" {
		b, err := strconv.ParseBool(v)
		if err == nil {
			cfg.RequirePersistence = b
		}
	}

	// Race lifecycle
	if n, ok := positiveInt("RACE_MIN_READY"); ok {
		cfg.MinReadyPlayers = n
	}
	if cfg.MinReadyPlayers < 2 {
		cfg.MinReadyPlayers = 2
	}
	if n, ok := positiveInt("RACE_COUNTDOWN_TICKS"); ok {
		cfg.CountdownTicks = n
	}
	if n, ok := positiveInt("RACE_COUNTDOWN_TICK_MS"); ok {
		cfg.CountdownTick = time.Duration(n) * time.Millisecond
	}
	if n, ok := positiveInt("SESSION_TTL_SEC"); ok {
		cfg.SessionTTLSec = n
	}
	if n, ok := positiveInt("ROOM_MAX_PLAYERS_LIMIT"); ok {
		cfg.MaxPlayersLimit = n
	}
	if n, ok := positiveInt("ROOM_DEFAULT_MAX_PLAYERS"); ok {
		cfg.DefaultMaxPlayers = n
	}
	if cfg.DefaultMaxPlayers > cfg.MaxPlayersLimit {
		cfg.DefaultMaxPlayers = cfg.MaxPlayersLimit
	}

	// Transport
	if n, ok := positiveInt("WS_SEND_BUFFER"); ok {
		cfg.WSSendBuffer = n
	}
	if n, ok := positiveInt("WS_PING_INTERVAL_SEC"); ok {
		cfg.WSPingInterval = time.Duration(n) * time.Second
	}

	if cfg.RequirePersistence && cfg.DatabaseURL == "" {
		return nil, errors.New("DATABASE_URL is required when REQUIRE_PERSISTENCE is set")
	}
	if cfg.DefaultMaxPlayers < cfg.MinReadyPlayers {
		return nil, errors.New("ROOM_DEFAULT_MAX_PLAYERS must not be below RACE_MIN_READY")
	}

	return cfg, nil
}

// SessionTTL returns the live session expiry as a duration.
func (c *AppConfig) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLSec) * time.Second
}

func positiveInt(key string) (int, bool) {
	v := strings.TrimSpace(os.Getenv(key))
	if v == "" {
		return 0, false
	}
	n, err := strconv.Atoi(v)
	if err != nil || n <= 0 {
		return 0, false
	}
	return n, true
}

func splitList(raw string) []string {
	var out []string
	for _, p := range strings.Split(raw, ",") {
		s := strings.TrimSpace(p)
		if s != "" {
			out = append(out, s)
		}
	}
	return out
}
