package handlers

import (
	"context"
	"net/http/httptest"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/stretchr/testify/require"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/database"
	"github.com/zane33/plexbridge/internal/httpclient"
	"github.com/zane33/plexbridge/internal/models"
	"github.com/zane33/plexbridge/internal/relay"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/resolver"
	"github.com/zane33/plexbridge/internal/supervisor"
)

// testEnv wires the full handler stack against a real sqlite catalog and
// /bin/sh standing in for the transcoder.
type testEnv struct {
	cfg      *config.Config
	db       *database.DB
	registry *relay.Registry
	channels repository.ChannelRepository
	streams  repository.StreamRepository
	audits   repository.SessionAuditRepository
	router   chi.Router
	server   *httptest.Server
}

func handlerTestConfig() *config.Config {
	cfg := &config.Config{}
	cfg.Streaming = config.StreamingConfig{
		MaxConcurrentStreams:  2,
		MaxConcurrentPreviews: 1,
		RingBufferBytes:       1 << 20,
		ChunkSizeBytes:        32 * 1024,
		StartupDeadline:       5 * time.Second,
		StallDeadline:         time.Minute,
		IdleGrace:             time.Minute,
		DrainDeadline:         500 * time.Millisecond,
		StopGrace:             time.Second,
		PreviewIdleTimeout:    time.Minute,
	}
	cfg.Templates = config.TemplatesConfig{
		MpegtsCopy:     "-c 'printf streaming; sleep 30' [URL]",
		MpegtsReencode: "-c 'printf reencoded; sleep 30' [URL]",
		PreviewMP4:     "-c 'printf preview; sleep 30' [URL]",
	}
	cfg.Resilience = config.ResilienceConfig{
		N1:           3,
		N2:           2,
		N3:           1,
		BaseBackoff:  5 * time.Millisecond,
		MaxBackoff:   50 * time.Millisecond,
		HealthyDwell: time.Minute,
	}
	cfg.Resolver = config.ResolverConfig{
		Quality:                "highest",
		VariantCacheTTL:        time.Minute,
		SegmentCacheMaxEntries: 16,
		ConnectTimeout:         time.Second,
		RequestTimeout:         2 * time.Second,
		SegmentTimeout:         2 * time.Second,
	}
	cfg.Device = config.DeviceConfig{
		FriendlyName: "plexbridge test",
		DeviceID:     "PLEXBRIDGE01",
		Manufacturer: "plexbridge",
		ModelNumber:  "HDTC-2US",
		FirmwareName: "hdhomeruntc_atsc",
	}
	return cfg
}

func newTestEnv(t *testing.T, mutate func(*config.Config)) *testEnv {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based handler tests are POSIX-only")
	}

	cfg := handlerTestConfig()
	if mutate != nil {
		mutate(cfg)
	}

	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(context.Background()))

	client := httpclient.New(httpclient.Config{Timeout: 2 * time.Second, ConnectTimeout: time.Second})
	upstream := resolver.NewUpstream(client, cfg.Resolver, nil)
	segments := resolver.NewSegments(client, cfg.Resolver, nil)

	audits := repository.NewSessionAuditRepository(db.DB)
	registry := relay.NewRegistry(cfg, supervisor.New("/bin/sh", nil), upstream, audits, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		registry.Shutdown(ctx)
	})

	channels := repository.NewChannelRepository(db.DB)
	streams := repository.NewStreamRepository(db.DB)

	router := chi.NewRouter()
	NewStreamHandler(registry, channels, streams, segments, cfg, nil).RegisterChiRoutes(router)
	NewDiscoveryHandler(cfg, channels, nil).RegisterChiRoutes(router)

	server := httptest.NewServer(router)
	t.Cleanup(server.Close)

	return &testEnv{
		cfg:      cfg,
		db:       db,
		registry: registry,
		channels: channels,
		streams:  streams,
		audits:   audits,
		router:   router,
		server:   server,
	}
}

// seedChannel creates a channel with one enabled stream and returns both.
func (e *testEnv) seedChannel(t *testing.T, number, name, url string) (*models.Channel, *models.Stream) {
	t.Helper()
	ctx := context.Background()

	channel := &models.Channel{Number: number, Name: name, Enabled: true}
	require.NoError(t, e.channels.Create(ctx, channel))

	stream := &models.Stream{ChannelID: channel.ID, URL: url, Enabled: true}
	require.NoError(t, e.streams.Create(ctx, stream))
	return channel, stream
}
