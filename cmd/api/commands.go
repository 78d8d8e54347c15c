package main

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"blackout/api/internal/app"
	"blackout/api/internal/auth"
	"blackout/api/internal/feed"
	"blackout/api/internal/lifecycle"
)

const shutdownTimeout = 10 * time.Second

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the HTTP API with the lifecycle sweeper and feed spawner",
	RunE:  runServe,
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, logger, err := loadConfig()
	if err != nil {
		return err
	}
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	rt, err := buildRuntime(ctx, cfg, logger)
	if err != nil {
		return err
	}
	defer rt.Close()

	var workers sync.WaitGroup
	workers.Add(3)
	go func() {
		defer workers.Done()
		rt.search.ReindexAllFromPG(ctx)
	}()
	go func() {
		defer workers.Done()
		lifecycle.NewSweeper(rt.store, rt.service, cfg.SweepInterval, logger).Run(ctx)
	}()
	go func() {
		defer workers.Done()
		feed.NewSpawner(rt.store, feed.NewHTTPFetcher(cfg.FeedTimeout), rt.service, cfg.FeedPollInterval, logger).Run(ctx)
	}()

	httpServer := app.NewHTTPServer(rt.service, cfg.CORSOrigins, logger)
	server := &http.Server{
		Addr:              cfg.Addr,
		Handler:           httpServer.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		ReadTimeout:       15 * time.Second,
		// Live channels are long-lived responses.
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}

	serveErr := make(chan error, 1)
	go func() {
		logger.Info("blackout api listening", "addr", cfg.Addr)
		if err := server.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			serveErr <- err
		}
		close(serveErr)
	}()

	select {
	case <-ctx.Done():
	case err := <-serveErr:
		if err != nil {
			stop()
			workers.Wait()
			return fmt.Errorf("server failed: %w", err)
		}
	}

	logger.Info("shutting down")
	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Error("shutdown error", "error", err)
	}
	workers.Wait()
	return nil
}

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Apply pending database migrations and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		db, err := openDatabase(cmd.Context(), cfg, logger, true)
		if err != nil {
			return err
		}
		return db.Close()
	},
}

var sweepCmd = &cobra.Command{
	Use:   "sweep",
	Short: "Run one lifecycle sweep pass and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := buildRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		result := lifecycle.NewSweeper(rt.store, rt.service, cfg.SweepInterval, logger).SweepOnce(cmd.Context(), time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "activated=%d closed=%d published=%d failed=%d\n",
			result.Activated, result.Closed, result.Published, result.Failed)
		return nil
	},
}

var pollCmd = &cobra.Command{
	Use:   "poll",
	Short: "Poll every stream feed once and exit",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := buildRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		spawner := feed.NewSpawner(rt.store, feed.NewHTTPFetcher(cfg.FeedTimeout), rt.service, cfg.FeedPollInterval, logger)
		result := spawner.PollOnce(cmd.Context(), time.Now())
		fmt.Fprintf(cmd.OutOrStdout(), "streams=%d created=%d skipped=%d failed=%d\n",
			result.Streams, result.Created, result.Skipped, result.Failed)
		return nil
	},
}

var streamsCmd = &cobra.Command{
	Use:   "streams",
	Short: "Manage feed streams",
}

// streamFile is the YAML layout accepted by "streams import".
type streamFile struct {
	Streams []struct {
		Title           string   `yaml:"title"`
		FeedURL         string   `yaml:"feedUrl"`
		MinParticipants int      `yaml:"minParticipants"`
		MaxParticipants int      `yaml:"maxParticipants"`
		DurationMinutes int      `yaml:"durationMinutes"`
		TimeOfDay       string   `yaml:"timeOfDay"`
		AutoPublish     bool     `yaml:"autoPublish"`
		ContentPaths    []string `yaml:"contentPaths"`
	} `yaml:"streams"`
}

var streamsImportCmd = &cobra.Command{
	Use:   "import <file.yaml>",
	Short: "Create streams listed in a YAML file",
	Args:  cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		raw, err := os.ReadFile(args[0])
		if err != nil {
			return fmt.Errorf("read %s: %w", args[0], err)
		}
		var file streamFile
		if err := yaml.Unmarshal(raw, &file); err != nil {
			return fmt.Errorf("parse %s: %w", args[0], err)
		}
		if len(file.Streams) == 0 {
			return fmt.Errorf("%s lists no streams", args[0])
		}

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		rt, err := buildRuntime(cmd.Context(), cfg, logger)
		if err != nil {
			return err
		}
		defer rt.Close()

		failed := 0
		for _, entry := range file.Streams {
			payload, err := rt.service.CreateStream(cmd.Context(), app.StreamInput{
				Title:           entry.Title,
				FeedURL:         entry.FeedURL,
				MinParticipants: entry.MinParticipants,
				MaxParticipants: entry.MaxParticipants,
				DurationMinutes: entry.DurationMinutes,
				TimeOfDay:       entry.TimeOfDay,
				AutoPublish:     entry.AutoPublish,
				ContentPaths:    entry.ContentPaths,
			})
			if err != nil {
				failed++
				fmt.Fprintf(cmd.ErrOrStderr(), "%s: %v\n", entry.Title, err)
				continue
			}
			stream := payload["stream"].(map[string]any)
			fmt.Fprintf(cmd.OutOrStdout(), "created %s (%s)\n", stream["slug"], stream["id"])
		}
		if failed > 0 {
			return fmt.Errorf("%d of %d streams failed", failed, len(file.Streams))
		}
		return nil
	},
}

var (
	adminEmail string
	adminTTL   time.Duration
)

var adminTokenCmd = &cobra.Command{
	Use:   "admin-token",
	Short: "Sign an HS256 admin token with ADMIN_JWT_SECRET",
	RunE: func(cmd *cobra.Command, args []string) error {
		cfg, _, err := loadConfig()
		if err != nil {
			return err
		}
		if cfg.AdminJWTSecret == "" {
			return errors.New("ADMIN_JWT_SECRET is not set")
		}
		token, err := auth.IssueToken([]byte(cfg.AdminJWTSecret), adminEmail, adminTTL)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), token)
		return nil
	},
}

func init() {
	streamsCmd.AddCommand(streamsImportCmd)

	adminTokenCmd.Flags().StringVar(&adminEmail, "email", "", "administrator email carried in the token")
	adminTokenCmd.Flags().DurationVar(&adminTTL, "ttl", 12*time.Hour, "token lifetime")
	_ = adminTokenCmd.MarkFlagRequired("email")
}
