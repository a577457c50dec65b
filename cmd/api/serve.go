package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"strings"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
	"golang.org/x/sync/errgroup"

	"github.com/zhouzirui/coachfeed/backend/internal/config"
	"github.com/zhouzirui/coachfeed/backend/internal/handler"
	"github.com/zhouzirui/coachfeed/backend/internal/model/persona"
	"github.com/zhouzirui/coachfeed/backend/internal/service/ai"
	"github.com/zhouzirui/coachfeed/backend/internal/service/chat"
	"github.com/zhouzirui/coachfeed/backend/internal/store"
	"github.com/zhouzirui/coachfeed/backend/internal/tail"
)

const shutdownTimeout = 10 * time.Second

func newServeCommand() *cobra.Command {
	var (
		configPath string
		addr       string
	)
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP API",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(configPath)
			if err != nil {
				return fmt.Errorf("failed to load configuration: %w", err)
			}
			if addr != "" {
				cfg.Server.Addr = addr
			}
			setupLogger(cfg.Log)
			return serve(cmd.Context(), cfg)
		},
	}
	cmd.Flags().StringVar(&configPath, "config", "", "YAML config file (defaults to $CONFIG_FILE)")
	cmd.Flags().StringVar(&addr, "addr", "", "listen address, overrides PORT")
	return cmd
}

func setupLogger(cfg config.LogConfig) {
	level, err := zerolog.ParseLevel(strings.ToLower(cfg.Level))
	if err != nil || cfg.Level == "" {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if cfg.Format == "json" {
		log.Logger = zerolog.New(os.Stderr).With().Timestamp().Logger()
		return
	}
	log.Logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339}).With().Timestamp().Logger()
}

func serve(ctx context.Context, cfg *config.Config) error {
	personaStore := persona.NewMemoryStore(persona.Seed())

	backend, err := openBackend(cfg.Store)
	if err != nil {
		return err
	}
	defer func() {
		if err := backend.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close message store")
		}
	}()

	bus, err := openBus(ctx, cfg.Tail)
	if err != nil {
		return err
	}
	defer func() {
		if err := bus.Close(); err != nil {
			log.Warn().Err(err).Msg("failed to close tail bus")
		}
	}()

	chatService := chat.NewService(backend,
		chat.WithBus(bus),
		chat.WithPollInterval(cfg.Tail.PollInterval),
	)

	var completer ai.Client = ai.Unavailable{}
	if cfg.AI.Enabled() {
		aiService, err := ai.NewService(ctx, cfg.AI, personaStore, chatService)
		if err != nil {
			log.Warn().Err(err).Msg("failed to initialize AI service, every reply will be the fallback - 请检查 Ark 模型相关环境变量")
		} else {
			completer = aiService
			log.Info().Str("model", cfg.AI.Model).Msg("AI service initialized")
		}
	} else {
		log.Warn().Msg("Ark 凭证未配置，所有回复将使用兜底文案")
	}
	completer = ai.NewRateLimited(completer, cfg.AI.RatePerMin)

	router := handler.NewRouter(personaStore, chatService, completer, cfg.Feed)
	srv := &http.Server{
		Addr:              cfg.Server.Addr,
		Handler:           router,
		ReadHeaderTimeout: 5 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	g, gctx := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info().
			Str("addr", cfg.Server.Addr).
			Str("store", cfg.Store.Driver).
			Str("bus", cfg.Tail.Bus).
			Msg("coachfeed backend listening")
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return err
		}
		return nil
	})
	g.Go(func() error {
		<-gctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	})
	return g.Wait()
}

func openBackend(cfg config.StoreConfig) (store.Backend, error) {
	switch cfg.Driver {
	case "sqlite":
		backend, err := store.NewSQLiteBackend(cfg.SQLitePath)
		if err != nil {
			return nil, fmt.Errorf("open sqlite store: %w", err)
		}
		return backend, nil
	default:
		return store.NewMemoryBackend(), nil
	}
}

func openBus(ctx context.Context, cfg config.TailConfig) (*tail.Bus, error) {
	logger := tail.NewLogger(log.Logger.With().Str("component", "tail").Logger())
	if cfg.Bus == "redis" {
		bus, err := tail.NewRedisBus(ctx, tail.RedisSettings{Addr: cfg.RedisAddr, Prefix: cfg.RedisPrefix}, logger)
		if err != nil {
			return nil, fmt.Errorf("open redis tail bus: %w", err)
		}
		return bus, nil
	}
	return tail.NewMemoryBus(logger), nil
}
