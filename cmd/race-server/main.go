package main

import (
	"context"
	"errors"
	"io/fs"
	"log"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/joho/godotenv"
	"github.com/park285/typerace-coordinator/internal/config"
	"github.com/park285/typerace-coordinator/internal/httpapi"
	"github.com/park285/typerace-coordinator/internal/hub"
	"github.com/park285/typerace-coordinator/internal/livesession"
	"github.com/park285/typerace-coordinator/internal/obslog"
	"github.com/park285/typerace-coordinator/internal/race"
	"github.com/park285/typerace-coordinator/internal/racestore"
	"github.com/park285/typerace-coordinator/internal/snippets"
	"github.com/park285/typerace-coordinator/internal/wsserver"
	"go.uber.org/zap"
)

func main() {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		log.Printf(".env load error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	defer obslog.Sync()

	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	lg := obslog.L()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	gw, err := openGateway(ctx, cfg, lg)
	if err != nil {
		cancel()
		lg.Fatal("store_init_failed", zap.Error(err))
	}
	sessions, closeSessions, err := openSessions(ctx, cfg, lg)
	cancel()
	if err != nil {
		lg.Fatal("session_store_init_failed", zap.Error(err))
	}

	catalog, err := snippets.New(cfg.SnippetDir)
	if err != nil {
		lg.Fatal("snippet_catalog_failed", zap.Error(err))
	}

	h := hub.New()
	coord := race.New(race.Config{
		MinReady:       cfg.MinReadyPlayers,
		CountdownTicks: cfg.CountdownTicks,
		TickInterval:   cfg.CountdownTick,
	}, gw, sessions, catalog, h, lg.Named("race"))
	ws := wsserver.New(coord, wsserver.Options{
		OriginPatterns: cfg.AllowedOrigins,
		SendBuffer:     cfg.WSSendBuffer,
		PingInterval:   cfg.WSPingInterval,
	}, lg.Named("ws"))
	api := httpapi.New(gw, catalog, h, ws, httpapi.Limits{
		DefaultMaxPlayers: cfg.DefaultMaxPlayers,
		MaxPlayersLimit:   cfg.MaxPlayersLimit,
		MinPlayers:        cfg.MinReadyPlayers,
	}, cfg.AllowedOrigins, lg.Named("http"))

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           api.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}
	go func() {
		lg.Info("server_listen", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			lg.Fatal("server_failed", zap.Error(err))
		}
	}()

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	<-sigCh
	lg.Info("server_shutdown")

	sctx, scancel := context.WithTimeout(context.Background(), 15*time.Second)
	defer scancel()
	if err := srv.Shutdown(sctx); err != nil {
		lg.Warn("server_shutdown_error", zap.Error(err))
	}
	if err := ws.Shutdown(sctx); err != nil {
		lg.Warn("ws_drain_incomplete", zap.Error(err))
	}
	coord.Shutdown()
	_ = closeSessions()
	_ = gw.Close()
}

func openGateway(ctx context.Context, cfg *config.AppConfig, lg *zap.Logger) (racestore.Gateway, error) {
	if cfg.DatabaseURL == "" {
		lg.Warn("store_memory", zap.String("reason", "DATABASE_URL not set; rooms are lost on restart"))
		return racestore.NewMemory(), nil
	}
	pg, err := racestore.NewPostgres(cfg.DatabaseURL)
	if err != nil {
		return nil, err
	}
	if err := pg.EnsureSchema(ctx); err != nil {
		_ = pg.Close()
		return nil, err
	}
	lg.Info("store_postgres")
	return pg, nil
}

func openSessions(ctx context.Context, cfg *config.AppConfig, lg *zap.Logger) (livesession.Store, func() error, error) {
	if cfg.RedisURL == "" {
		lg.Info("session_store_memory")
		return livesession.NewMemory(), func() error { return nil }, nil
	}
	rs, err := livesession.Dial(ctx, cfg.RedisURL, cfg.SessionTTL())
	if err != nil {
		return nil, nil, err
	}
	lg.Info("session_store_redis", zap.Duration("ttl", cfg.SessionTTL()))
	return rs, rs.Close, nil
}
