package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/zane33/plexbridge/internal/database"
	internalhttp "github.com/zane33/plexbridge/internal/http"
	"github.com/zane33/plexbridge/internal/http/handlers"
	"github.com/zane33/plexbridge/internal/httpclient"
	"github.com/zane33/plexbridge/internal/relay"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/resolver"
	"github.com/zane33/plexbridge/internal/scheduler"
	"github.com/zane33/plexbridge/internal/supervisor"
	"github.com/zane33/plexbridge/internal/version"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the plexbridge server",
	Long: `Start the plexbridge HTTP server.

The server provides:
- HDHomeRun discovery endpoints for Plex (/discover.json, /lineup.json)
- Tuner streaming at /stream/{id} with shared upstream relay sessions
- Browser preview transcoding at /streams/preview/{id}
- REST API for channels and session monitoring
- OpenAPI documentation at /docs`,
	RunE: runServe,
}

func init() {
	rootCmd.AddCommand(serveCmd)

	serveCmd.Flags().String("host", "", "host to bind to (overrides config)")
	serveCmd.Flags().Int("port", 0, "port to listen on (overrides config)")
	serveCmd.Flags().String("database", "", "database DSN (overrides config)")
	serveCmd.Flags().String("ffmpeg", "", "ffmpeg binary path (overrides config)")
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}

	// Serve-level flag overrides, applied only when explicitly set.
	if cmd.Flags().Changed("host") {
		cfg.Server.Host, _ = cmd.Flags().GetString("host")
	}
	if cmd.Flags().Changed("port") {
		cfg.Server.Port, _ = cmd.Flags().GetInt("port")
	}
	if cmd.Flags().Changed("database") {
		cfg.Database.DSN, _ = cmd.Flags().GetString("database")
	}
	if cmd.Flags().Changed("ffmpeg") {
		cfg.FFmpeg.BinaryPath, _ = cmd.Flags().GetString("ffmpeg")
	}

	logger := initLogging(cfg)

	db, err := database.New(cfg.Database, logger)
	if err != nil {
		return fmt.Errorf("initializing database: %w", err)
	}
	defer db.Close()

	ctx := context.Background()
	if err := db.Migrate(ctx); err != nil {
		return fmt.Errorf("running migrations: %w", err)
	}

	channelRepo := repository.NewChannelRepository(db.DB)
	streamRepo := repository.NewStreamRepository(db.DB)
	auditRepo := repository.NewSessionAuditRepository(db.DB)

	// Resolver requests carry their own retry ladder; the shared client
	// stays retry-free so backoff timing is owned in one place.
	client := httpclient.New(httpclient.Config{
		Timeout:        cfg.Resolver.RequestTimeout,
		ConnectTimeout: cfg.Resolver.ConnectTimeout,
		Logger:         logger,
	})

	upstream := resolver.NewUpstream(client, cfg.Resolver, logger)
	segments := resolver.NewSegments(client, cfg.Resolver, logger)

	ffmpeg := supervisor.New(cfg.FFmpeg.BinaryPath, logger)
	registry := relay.NewRegistry(cfg, ffmpeg, upstream, auditRepo, logger)

	maint := scheduler.New(cfg.Audit, auditRepo, upstream, segments, logger)
	if err := maint.Start(); err != nil {
		return fmt.Errorf("starting scheduler: %w", err)
	}
	defer maint.Stop()

	server := internalhttp.NewServer(cfg.Server, logger, version.Version)

	streamHandler := handlers.NewStreamHandler(registry, channelRepo, streamRepo, segments, cfg, logger)
	streamHandler.RegisterChiRoutes(server.Router())
	streamHandler.Register(server.API())

	discoveryHandler := handlers.NewDiscoveryHandler(cfg, channelRepo, logger)
	discoveryHandler.RegisterChiRoutes(server.Router())

	apiHandler := handlers.NewAPIHandler(db, registry, channelRepo, auditRepo, logger)
	apiHandler.Register(server.API())

	// Graceful shutdown on SIGINT/SIGTERM: stop accepting connections,
	// then drain active relay sessions.
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)

	go func() {
		sig := <-sigChan
		logger.Info("received shutdown signal", slog.String("signal", sig.String()))
		cancel()
	}()

	logger.Info("starting plexbridge server",
		slog.String("address", cfg.Server.Address()),
		slog.String("version", version.Version),
		slog.String("ffmpeg", ffmpeg.Binary()),
		slog.Int("tuners", cfg.Streaming.MaxConcurrentStreams),
	)

	serveErr := server.ListenAndServe(runCtx)

	shutdownCtx, shutdownCancel := context.WithTimeout(ctx, cfg.Server.ShutdownTimeout)
	defer shutdownCancel()
	registry.Shutdown(shutdownCtx)

	return serveErr
}
