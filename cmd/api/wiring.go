package main

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"strings"

	"blackout/api/internal/app"
	"blackout/api/internal/archive"
	"blackout/api/internal/auth"
	"blackout/api/internal/config"
	"blackout/api/internal/email"
	"blackout/api/internal/feed"
	"blackout/api/internal/history"
	"blackout/api/internal/invite"
	"blackout/api/internal/presence"
	"blackout/api/internal/search"
	"blackout/api/internal/store"
)

// wiring is the wired process: database, optional backends and the
// application service on top of them.
type wiring struct {
	cfg     config.Config
	logger  *slog.Logger
	db      *sql.DB
	store   *store.PostgresStore
	service *app.Service
	search  *search.Service
	closers []func()
}

func (r *wiring) Close() {
	for i := len(r.closers) - 1; i >= 0; i-- {
		r.closers[i]()
	}
}

func openDatabase(ctx context.Context, cfg config.Config, logger *slog.Logger, migrate bool) (*sql.DB, error) {
	db, err := store.Open(ctx, cfg.DatabaseURL)
	if err != nil {
		return nil, fmt.Errorf("database connection failed: %w", err)
	}
	if migrate {
		applied, err := store.ApplyMigrations(ctx, db, cfg.MigrationsDir)
		if err != nil {
			db.Close()
			return nil, fmt.Errorf("migrations failed: %w", err)
		}
		if len(applied) > 0 {
			logger.Info("migrations applied", "versions", applied)
		}
	}
	return db, nil
}

func buildRuntime(ctx context.Context, cfg config.Config, logger *slog.Logger) (*wiring, error) {
	db, err := openDatabase(ctx, cfg, logger, true)
	if err != nil {
		return nil, err
	}
	rt := &wiring{cfg: cfg, logger: logger, db: db, store: store.NewPostgresStore(db)}
	rt.closers = append(rt.closers, func() { db.Close() })

	deps := app.Deps{Logger: logger, Fetcher: feed.NewHTTPFetcher(cfg.FeedTimeout)}

	if strings.TrimSpace(cfg.RedisURL) != "" {
		coordinator, err := presence.NewRedisCoordinator(cfg.RedisURL, cfg.PresenceTTL)
		if err != nil {
			rt.Close()
			return nil, fmt.Errorf("redis connection failed: %w", err)
		}
		rt.closers = append(rt.closers, func() { coordinator.Close() })
		deps.Presence = coordinator
		logger.Info("presence backed by redis")
	} else {
		logger.Info("presence kept in process memory")
	}

	mailer := email.NewService(email.Config{
		Host:     cfg.SMTPHost,
		Port:     cfg.SMTPPort,
		Username: cfg.SMTPUsername,
		Password: cfg.SMTPPassword,
		From:     cfg.SMTPFrom,
		FromName: cfg.SMTPFromName,
	})
	if !mailer.IsConfigured() {
		logger.Warn("smtp not configured; invitations will be logged only")
	}
	deps.Invites = invite.NewDispatcher(mailer, cfg.PublicBaseURL, logger)

	var meili *search.Meili
	if strings.TrimSpace(cfg.MeiliURL) != "" {
		meili = search.NewMeili(cfg.MeiliURL, cfg.MeiliMasterKey, logger)
		rt.closers = append(rt.closers, meili.Close)
	}
	rt.search = search.NewService(meili, search.NewPgFTS(db), logger)
	deps.Search = rt.search

	if strings.TrimSpace(cfg.ArchiveEndpoint) != "" {
		archiveStore, err := archive.New(ctx, archive.Config{
			Endpoint:  cfg.ArchiveEndpoint,
			AccessKey: cfg.ArchiveAccess,
			SecretKey: cfg.ArchiveSecret,
			Bucket:    cfg.ArchiveBucket,
			UseSSL:    cfg.ArchiveUseSSL,
		})
		if err != nil {
			logger.Warn("poem archive disabled", "error", err)
		} else {
			deps.Archive = archiveStore
		}
	}
	if strings.TrimSpace(cfg.HistoryDir) != "" {
		deps.History = history.New(cfg.HistoryDir)
	}

	gate, err := adminGate(ctx, cfg, logger)
	if err != nil {
		rt.Close()
		return nil, err
	}
	deps.Gate = gate

	rt.service = app.New(cfg, rt.store, deps)
	return rt, nil
}

func adminGate(ctx context.Context, cfg config.Config, logger *slog.Logger) (*auth.AdminGate, error) {
	switch {
	case strings.TrimSpace(cfg.AdminJWKSURL) != "":
		verifier, err := auth.NewJWKSVerifier(ctx, cfg.AdminJWKSURL, logger)
		if err != nil {
			return nil, fmt.Errorf("admin jwks: %w", err)
		}
		return auth.NewAdminGate(verifier, cfg.AdminEmails), nil
	case cfg.AdminJWTSecret != "":
		return auth.NewAdminGate(auth.NewHMACVerifier([]byte(cfg.AdminJWTSecret)), cfg.AdminEmails), nil
	default:
		logger.Warn("admin auth not configured; admin routes will reject every caller")
		return auth.NewAdminGate(nil, nil), nil
	}
}
