package main

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net/http"
	"os/signal"
	"syscall"
	"time"

	"go.uber.org/zap"

	"github.com/spressbot/spress/internal/challenge"
	appcfg "github.com/spressbot/spress/internal/config"
	"github.com/spressbot/spress/internal/domain"
	"github.com/spressbot/spress/internal/engine"
	"github.com/spressbot/spress/internal/httpapi"
	"github.com/spressbot/spress/internal/hub"
	"github.com/spressbot/spress/internal/match"
	"github.com/spressbot/spress/internal/notify"
	"github.com/spressbot/spress/internal/obslog"
	"github.com/spressbot/spress/internal/stats"
	"github.com/spressbot/spress/internal/store"
)

func main() {
	cfg, err := appcfg.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	if err := obslog.InitFromEnv(); err != nil {
		log.Fatalf("logger init error: %v", err)
	}
	logger := obslog.L()

	rdb, err := store.Open(cfg.RedisURL)
	if err != nil {
		logger.Fatal("redis connect failed", zap.Error(err))
	}
	defer rdb.Close()
	sessions := store.NewSessions(rdb, cfg.SessionTTL)

	var archive *store.Archive
	if cfg.DatabaseURL != "" {
		archive, err = store.NewArchive(cfg.DatabaseURL)
		if err != nil {
			logger.Fatal("postgres connect failed", zap.Error(err))
		}
		defer archive.Close()
	}

	provider, cleanup, err := buildProvider(cfg)
	if err != nil {
		logger.Fatal("engine init failed", zap.Error(err))
	}
	defer cleanup()

	recorder := stats.NewRecorder(rdb)
	pipeline := match.NewPipeline(match.Config{
		AIMoveDelay: cfg.AIMoveDelay,
		AITimeout:   cfg.AITimeout,
		RetireGrace: cfg.RetireGrace,
	}, sessions, provider)
	pipeline.AttachRecorder(recorder)
	if archive != nil {
		pipeline.AttachArchive(archive)
	}

	var botClient *notify.Client
	if cfg.BotAPIBaseURL != "" {
		botClient = notify.NewClient(cfg.BotAPIBaseURL)
		pipeline.AttachNotifier(notify.NewDispatcher(botClient, cfg.PublicURL))
	} else {
		logger.Warn("BOT_API_BASE_URL not set, chat notifications disabled")
	}

	h := hub.New(sessions, cfg.IdleGrace, cfg.StaleGrace)
	pipeline.AttachHub(h, h)
	h.AttachPipeline(pipeline)

	challenges := challenge.NewManager(sessions, cfg.ChallengeTTL)
	if botClient != nil {
		challenges.OnExpire(func(ch domain.PendingChallenge) {
			ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
			defer cancel()
			text := fmt.Sprintf("Challenge from %s expired.", ch.Challenger.DisplayName)
			if err := botClient.SendMessage(ctx, ch.OriginChannel, text, ""); err != nil {
				logger.Warn("challenge_expiry_notice_failed", zap.String("session_id", ch.SessionID), zap.Error(err))
			}
		})
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/ws", h.ServeWS)
	httpapi.New(sessions, pipeline, challenges, recorder).Register(mux)

	srv := &http.Server{
		Addr:              cfg.ListenAddr,
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}

	rootCtx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	go sweepLoop(rootCtx, sessions, cfg.SweepInterval, cfg.SweepMaxAge)

	go func() {
		logger.Info("server_listening", zap.String("addr", cfg.ListenAddr))
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			logger.Error("server error", zap.Error(err))
			stop()
		}
	}()

	<-rootCtx.Done()
	logger.Info("shutting down")

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		logger.Warn("shutdown incomplete", zap.Error(err))
	}
}

// buildProvider picks the UCI engine when a binary is configured, otherwise a
// random mover so solo games still work in development.
func buildProvider(cfg *appcfg.AppConfig) (engine.MoveProvider, func(), error) {
	if cfg.StockfishPath == "" {
		obslog.L().Warn("STOCKFISH_PATH not set, using random move provider")
		return engine.NewRandom(), func() {}, nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	uci, err := engine.NewUCI(ctx, cfg.StockfishPath)
	if err != nil {
		return nil, nil, err
	}
	return uci, func() { _ = uci.Close() }, nil
}

func sweepLoop(ctx context.Context, sessions *store.Sessions, interval, maxAge time.Duration) {
	t := time.NewTicker(interval)
	defer t.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-t.C:
			if _, err := sessions.PurgeInactive(ctx, maxAge); err != nil {
				obslog.L().Warn("session_sweep_failed", zap.Error(err))
			}
		}
	}
}
