package config

import (
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"LISTEN_ADDR", "REDIS_URL", "DATABASE_URL", "SNIPPET_DIR", "ALLOWED_ORIGINS",
		"REQUIRE_PERSISTENCE", "RACE_MIN_READY", "RACE_COUNTDOWN_TICKS", "RACE_COUNTDOWN_TICK_MS",
		"SESSION_TTL_SEC", "ROOM_MAX_PLAYERS_LIMIT", "ROOM_DEFAULT_MAX_PLAYERS",
		"WS_SEND_BUFFER", "WS_PING_INTERVAL_SEC",
	} {
		t.Setenv(k, "")
	}
}

func TestLoadDefaults(t *testing.T) {
	clearEnv(t)
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":8080" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if cfg.MinReadyPlayers != 2 || cfg.CountdownTicks != 3 || cfg.CountdownTick != time.Second {
		t.Errorf("unexpected race defaults: %+v", cfg)
	}
	if cfg.DefaultMaxPlayers != 4 || cfg.MaxPlayersLimit != 8 {
		t.Errorf("unexpected room defaults: %+v", cfg)
	}
	if cfg.SessionTTL() != 6*time.Hour {
		t.Errorf("SessionTTL = %v", cfg.SessionTTL())
	}
}

func TestLoadOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("LISTEN_ADDR", ":9000")
	t.Setenv("ALLOWED_ORIGINS", " example.com , ,localhost:5173")
	t.Setenv("RACE_COUNTDOWN_TICK_MS", "250")
	t.Setenv("RACE_COUNTDOWN_TICKS", "5")
	t.Setenv("WS_SEND_BUFFER", "not-a-number")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.ListenAddr != ":9000" {
		t.Errorf("ListenAddr = %q", cfg.ListenAddr)
	}
	if len(cfg.AllowedOrigins) != 2 || cfg.AllowedOrigins[0] != "example.com" || cfg.AllowedOrigins[1] != "localhost:5173" {
		t.Errorf("AllowedOrigins = %v", cfg.AllowedOrigins)
	}
	if cfg.CountdownTick != 250*time.Millisecond || cfg.CountdownTicks != 5 {
		t.Errorf("countdown = %d x %v", cfg.CountdownTicks, cfg.CountdownTick)
	}
	if cfg.WSSendBuffer != 64 {
		t.Errorf("invalid WS_SEND_BUFFER should keep default, got %d", cfg.WSSendBuffer)
	}
}

func TestQuorumNeverBelowTwo(t *testing.T) {
	clearEnv(t)
	t.Setenv("RACE_MIN_READY", "1")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.MinReadyPlayers != 2 {
		t.Fatalf("MinReadyPlayers = %d, want 2", cfg.MinReadyPlayers)
	}
}

func TestRequirePersistence(t *testing.T) {
	clearEnv(t)
	t.Setenv("REQUIRE_PERSISTENCE", "true")
	if _, err := Load(); err == nil {
		t.Fatalf("expected error without DATABASE_URL")
	}
	t.Setenv("DATABASE_URL", "postgres://localhost/race")
	if _, err := Load(); err != nil {
		t.Fatalf("Load: %v", err)
	}
}

func TestDefaultMaxPlayersCappedByLimit(t *testing.T) {
	clearEnv(t)
	t.Setenv("ROOM_MAX_PLAYERS_LIMIT", "3")
	t.Setenv("ROOM_DEFAULT_MAX_PLAYERS", "6")
	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DefaultMaxPlayers != 3 {
		t.Fatalf("DefaultMaxPlayers = %d, want 3", cfg.DefaultMaxPlayers)
	}
}
