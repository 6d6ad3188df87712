package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"

	"github.com/spf13/cobra"
	"go.uber.org/fx"
	"go.uber.org/fx/fxevent"

	"github.com/friendlyfeed/friendlyfeed/internal/attachment"
	"github.com/friendlyfeed/friendlyfeed/internal/blob"
	fsprovider "github.com/friendlyfeed/friendlyfeed/internal/blob/providers/fs"
	"github.com/friendlyfeed/friendlyfeed/internal/blob/providers/memory"
	"github.com/friendlyfeed/friendlyfeed/internal/chat"
	"github.com/friendlyfeed/friendlyfeed/internal/completion"
	"github.com/friendlyfeed/friendlyfeed/internal/config"
	"github.com/friendlyfeed/friendlyfeed/internal/handlers"
	blobchecker "github.com/friendlyfeed/friendlyfeed/internal/healthcheck/checkers/blob"
	storechecker "github.com/friendlyfeed/friendlyfeed/internal/healthcheck/checkers/store"
	"github.com/friendlyfeed/friendlyfeed/internal/logger"
	"github.com/friendlyfeed/friendlyfeed/internal/message"
	"github.com/friendlyfeed/friendlyfeed/internal/message/memstore"
	"github.com/friendlyfeed/friendlyfeed/internal/message/pebblestore"
	"github.com/friendlyfeed/friendlyfeed/internal/message/pgstore"
	"github.com/friendlyfeed/friendlyfeed/internal/metrics"
	"github.com/friendlyfeed/friendlyfeed/internal/server"
)

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Run the HTTP server",
		RunE: func(cmd *cobra.Command, args []string) error {
			app := fx.New(serveOptions())
			if err := app.Err(); err != nil {
				return err
			}
			app.Run()
			return nil
		},
	}
}

func serveOptions() fx.Option {
	return fx.Options(
		fx.Provide(
			provideConfig,
			provideLogger,
			metrics.New,
			provideStore,
			provideMessageService,
			provideBlobService,
			provideOrchestrator,
			provideReplier,
			provideChatService,
			provideServerHandler(handlers.NewPingHandler),
			provideServerHandler(provideMessageHandler),
			provideServerHandler(provideMediaHandler),
			provideServerHandler(provideHealthHandler),
			provideServerHandler(handlers.NewMetricsHandler),
			provideServer,
		),
		fx.Invoke(startServer),
		fx.WithLogger(func(logger *slog.Logger) fxevent.Logger {
			return &fxevent.SlogLogger{Logger: logger.With(slog.String("component", "fx"))}
		}),
	)
}

func provideServerHandler(fn any) any {
	return fx.Annotate(
		fn,
		fx.As(new(server.Handler)),
		fx.ResultTags(`group:"server_handlers"`),
	)
}

func provideConfig() (config.Config, error) {
	cfg, err := loadConfig()
	if err != nil {
		return config.Config{}, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

func provideLogger(cfg config.Config) *slog.Logger {
	logger.Init(cfg.Log.Level, cfg.Log.Format)
	return logger.L
}

func provideStore(lc fx.Lifecycle, log *slog.Logger, cfg config.Config) (message.Store, error) {
	var (
		store message.Store
		err   error
	)
	switch cfg.Store.Driver {
	case config.DriverPebble:
		store, err = pebblestore.Open(log, cfg.Store.Path, pebblestore.Options{})
	case config.DriverPostgres:
		store, err = pgstore.Open(context.Background(), log, cfg.Store.PostgresDSN)
	default:
		store = memstore.New(log)
	}
	if err != nil {
		return nil, fmt.Errorf("open %s store: %w", cfg.Store.Driver, err)
	}
	log.Info("message store opened", slog.String("driver", cfg.Store.Driver))
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return store.Close() }})
	return store, nil
}

func provideMessageService(log *slog.Logger, store message.Store, m *metrics.Metrics) *message.Service {
	return message.NewService(log, store, m)
}

func provideBlobService(log *slog.Logger, cfg config.Config) (*blob.Service, error) {
	var provider blob.Provider
	if cfg.Attachments.Dir != "" {
		p, err := fsprovider.New(cfg.Attachments.Dir)
		if err != nil {
			return nil, fmt.Errorf("attachments dir: %w", err)
		}
		provider = p
	} else {
		provider = memory.New(fsprovider.MediaRoute)
	}
	return blob.NewService(log, provider, cfg.Attachments.BaseURL, cfg.Attachments.MaxUploadSize.Int64()), nil
}

func provideOrchestrator(lc fx.Lifecycle, log *slog.Logger, cfg config.Config, svc *message.Service, blobs *blob.Service, m *metrics.Metrics) *attachment.Orchestrator {
	o := attachment.New(log, svc, blobs,
		attachment.WithTimeout(cfg.Attachments.Timeout.Std()),
		attachment.WithListener(m.UploadTransition),
	)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return o.Wait(ctx) }})
	return o
}

func provideReplier(log *slog.Logger, cfg config.Config, svc *message.Service, m *metrics.Metrics) chat.Replier {
	cc := cfg.Completion
	if cc.Disabled {
		log.Info("completion bridge disabled")
		return nil
	}
	if cc.APIKey == "" {
		log.Warn("no completion api key configured; bot replies will fail")
	}
	client := completion.NewClient(log, cc.Endpoint, cc.APIKey, completion.Params{
		Model:            cc.Model,
		MaxTokens:        cc.MaxTokens,
		TopP:             cc.TopP,
		FrequencyPenalty: cc.FrequencyPenalty,
		PresencePenalty:  cc.PresencePenalty,
		Temperature:      cc.Temperature,
	}, nil)
	return completion.NewBridge(log, client, svc,
		completion.WithTimeout(cc.Timeout.Std()),
		completion.WithSuppressEmpty(cc.SuppressEmpty),
		completion.WithResultHook(m.CompletionFinished),
	)
}

func provideChatService(lc fx.Lifecycle, log *slog.Logger, svc *message.Service, replier chat.Replier, orchestrator *attachment.Orchestrator) *chat.Service {
	s := chat.NewService(log, svc, replier, orchestrator)
	lc.Append(fx.Hook{OnStop: func(ctx context.Context) error { return s.Wait(ctx) }})
	return s
}

func provideMessageHandler(log *slog.Logger, cfg config.Config, chatService *chat.Service, svc *message.Service, m *metrics.Metrics) *handlers.MessageHandler {
	return handlers.NewMessageHandler(log, chatService, svc, m, cfg.Attachments.MaxUploadSize.Int64())
}

func provideMediaHandler(log *slog.Logger, blobs *blob.Service) *handlers.MediaHandler {
	return handlers.NewMediaHandler(log, blobs)
}

func provideHealthHandler(log *slog.Logger, cfg config.Config, store message.Store, blobs *blob.Service) *handlers.HealthHandler {
	return handlers.NewHealthHandler(
		storechecker.NewChecker(log, store, cfg.Store.Driver),
		blobchecker.NewChecker(log, blobs),
	)
}

type serverParams struct {
	fx.In

	Logger         *slog.Logger
	Config         config.Config
	ServerHandlers []server.Handler `group:"server_handlers"`
}

func provideServer(params serverParams) (*server.Server, error) {
	if params.Config.Auth.JWTSecret == "" {
		return nil, fmt.Errorf("jwt secret is required: set [auth].jwt_secret or %s", config.EnvJWTSecret)
	}
	return server.NewServer(params.Logger, params.Config.Server.Addr, params.Config.Auth.JWTSecret, params.ServerHandlers...), nil
}

func startServer(lc fx.Lifecycle, logger *slog.Logger, srv *server.Server, shutdowner fx.Shutdowner, cfg config.Config) {
	lc.Append(fx.Hook{
		OnStart: func(ctx context.Context) error {
			logger.Info("starting friendlyfeed", slog.String("version", version), slog.String("addr", cfg.Server.Addr))
			go func() {
				if err := srv.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
					logger.Error("server failed", slog.Any("error", err))
					_ = shutdowner.Shutdown()
				}
			}()
			return nil
		},
		OnStop: func(ctx context.Context) error {
			if err := srv.Stop(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				return fmt.Errorf("server stop: %w", err)
			}
			return nil
		},
	})
}
