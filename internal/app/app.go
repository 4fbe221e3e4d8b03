// Package app wires the configured components into a running service.
package app

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/sirupsen/logrus"

	"lab-assistant/internal/config"
	"lab-assistant/internal/core"
	"lab-assistant/internal/db"
	httpserver "lab-assistant/internal/http"
	"lab-assistant/internal/llm"
	"lab-assistant/internal/session"
)

// App is a fully constructed service.
type App struct {
	Config    *config.Config
	Logger    *logrus.Logger
	Assistant *core.Assistant
	Store     session.Store
	Handler   http.Handler

	// repo is set for the SQL backends, whose expired rows are purged
	// periodically.
	repo *db.Repository
}

// New validates the configuration and builds every component.  A
// *pkg.ConfigError is returned before any listener or store exists.
func New(ctx context.Context, cfg *config.Config, logger *logrus.Logger) (*App, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = config.NewLogger(cfg.Logging, nil)
	}
	gen, err := NewGenerator(cfg.LLM, logger)
	if err != nil {
		return nil, err
	}
	languages, err := cfg.Languages()
	if err != nil {
		return nil, err
	}

	a := &App{Config: cfg, Logger: logger}
	if err := a.openStore(ctx); err != nil {
		return nil, err
	}

	reports := core.NewReportService(gen)
	chat := core.NewChatService(gen, core.NewSummarizer(gen, cfg.Retention(), logger))
	a.Assistant = core.NewAssistant(a.Store, reports, chat, core.AssistantOptions{
		Languages:      languages,
		RecordContext:  cfg.Conversation.RecordContext,
		MaxUploadBytes: cfg.Upload.MaxBytes,
	}, logger)

	if cfg.Logging.Level == "debug" {
		gin.SetMode(gin.DebugMode)
	} else {
		gin.SetMode(gin.ReleaseMode)
	}
	srv, err := httpserver.NewServer(a.Assistant, logger, cfg.Upload.MaxBytes)
	if err != nil {
		_ = a.Store.Close()
		return nil, fmt.Errorf("failed to construct server: %w", err)
	}
	a.Handler = srv
	return a, nil
}

// NewGenerator builds the OpenAI-compatible client wrapped with rate
// limiting, retries and a circuit breaker.
func NewGenerator(cfg config.LLMConfig, logger *logrus.Logger) (llm.Generator, error) {
	client, err := llm.NewOpenAIClient(llm.Config{
		APIKey:      cfg.APIKey,
		BaseURL:     cfg.BaseURL,
		Model:       cfg.Model,
		Temperature: cfg.Temperature,
	})
	if err != nil {
		return nil, err
	}
	return llm.NewResilientGenerator(client, cfg.Resilience(), logger), nil
}

func (a *App) openStore(ctx context.Context) error {
	sc := a.Config.Session
	switch sc.Backend {
	case config.BackendRedis:
		store, err := session.NewRedisStore(session.RedisConfig{
			URL:       sc.RedisURL,
			KeyPrefix: sc.RedisPrefix,
			TTL:       sc.TTL,
		})
		if err != nil {
			return err
		}
		a.Store = store
	case config.BackendPostgres, config.BackendSQLite:
		dialect, dsn := db.Postgres, sc.DatabaseURL
		if sc.Backend == config.BackendSQLite {
			dialect, dsn = db.SQLite, sc.SQLitePath
		}
		repo, err := db.Open(ctx, dialect, dsn, sc.TTL)
		if err != nil {
			return fmt.Errorf("failed to open %s session store: %w", sc.Backend, err)
		}
		a.repo = repo
		a.Store = repo
	default:
		a.Store = session.NewMemoryStore(sc.MaxSessions, sc.TTL)
	}
	a.Logger.WithField("backend", sc.Backend).Info("session store ready")
	return nil
}

// Run serves HTTP until ctx is cancelled, then shuts down gracefully.
func (a *App) Run(ctx context.Context) error {
	sc := a.Config.Server
	server := &http.Server{
		Addr:         sc.Addr(),
		Handler:      a.Handler,
		ReadTimeout:  sc.ReadTimeout,
		WriteTimeout: sc.WriteTimeout,
		IdleTimeout:  sc.IdleTimeout,
	}

	if a.repo != nil {
		go a.sweep(ctx)
	}

	errCh := make(chan error, 1)
	go func() {
		a.Logger.WithField("addr", server.Addr).Info("listening")
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), sc.ShutdownTimeout)
	defer cancel()
	a.Logger.Info("shutting down")
	return server.Shutdown(shutdownCtx)
}

// sweep purges expired sessions from the SQL store until ctx is done.
func (a *App) sweep(ctx context.Context) {
	interval := a.Config.Session.SweepInterval
	if interval <= 0 {
		interval = 5 * time.Minute
	}
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			n, err := a.repo.PurgeExpired(ctx)
			if err != nil {
				a.Logger.WithError(err).Warn("failed to purge expired sessions")
				continue
			}
			if n > 0 {
				a.Logger.WithField("sessions", n).Info("purged expired sessions")
			}
		}
	}
}

// Close releases the session store.
func (a *App) Close() error {
	return a.Store.Close()
}
