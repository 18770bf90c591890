package relay

import (
	"context"
	"path/filepath"
	"runtime"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/database"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/supervisor"
)

func newTestRegistry(t *testing.T, cfg *config.Config, audits repository.SessionAuditRepository) *Registry {
	t.Helper()
	if runtime.GOOS == "windows" {
		t.Skip("shell-based registry tests are POSIX-only")
	}
	r := NewRegistry(cfg, supervisor.New("/bin/sh", nil), testUpstreamResolver(cfg), audits, nil)
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		r.Shutdown(ctx)
	})
	return r
}

func openRequest(channel string) OpenRequest {
	return OpenRequest{
		ChannelID:   channel,
		ChannelName: "Channel " + channel,
		UpstreamURL: testUpstream,
		Aliases:     []string{"num-" + channel},
		RemoteAddr:  "10.0.0.5:1234",
		UserAgent:   "VLC/3.0.20",
	}
}

func TestRegistryOpenAndAttach(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	sess, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)

	// The session is reachable by id, channel id and alias alike.
	for _, key := range []string{sess.ID(), "ch-1", "num-ch-1"} {
		got, ok := r.Resolve(key)
		require.True(t, ok, key)
		assert.Equal(t, sess.ID(), got.ID())
	}

	got, sub, err := r.Attach("num-ch-1", "viewer", JoinReplay, "10.0.0.6:555", "VLC/3.0")
	require.NoError(t, err)
	defer got.Unsubscribe("viewer")

	data, err := got.Read(context.Background(), sub)
	require.NoError(t, err)
	assert.Equal(t, "streaming", string(data))

	assert.True(t, r.TouchActivity("ch-1"))
	assert.False(t, r.TouchActivity("no-such-channel"))
}

func TestRegistryConsumerAlias(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	sess, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)

	require.NoError(t, r.AddAlias("ch-1", "XYZ"))

	// The token routes to the same session as the channel keys.
	got, ok := r.Resolve("XYZ")
	require.True(t, ok)
	assert.Equal(t, sess.ID(), got.ID())
	assert.Equal(t, []string{"XYZ"}, sess.Status().ConsumerIDs)

	// Rebinding the same token to the same session is a no-op.
	require.NoError(t, r.AddAlias(sess.ID(), "XYZ"))
	assert.Equal(t, []string{"XYZ"}, sess.Status().ConsumerIDs)

	assert.Equal(t, KindNotFound, KindOf(r.AddAlias("no-such-session", "ABC")))
}

func TestRegistryConsumerAliasDisjoint(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	first, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	second, err := r.Open(context.Background(), openRequest("ch-2"))
	require.NoError(t, err)

	require.NoError(t, r.AddAlias(first.ID(), "XYZ"))
	err = r.AddAlias(second.ID(), "XYZ")
	assert.Equal(t, KindSessionConflict, KindOf(err))
	assert.Empty(t, second.Status().ConsumerIDs)

	// A consumer id may not shadow another session's primary id either.
	err = r.AddAlias(first.ID(), second.ID())
	assert.Equal(t, KindSessionConflict, KindOf(err))
}

func TestRegistryOpenRegistersConsumerID(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	req := openRequest("ch-1")
	req.ConsumerID = "XYZ"
	sess, err := r.Open(context.Background(), req)
	require.NoError(t, err)

	got, ok := r.Resolve("XYZ")
	require.True(t, ok)
	assert.Equal(t, sess.ID(), got.ID())
	assert.Equal(t, []string{"XYZ"}, sess.Status().ConsumerIDs)
}

func TestRegistryRejectsEmptyUpstream(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	req := openRequest("ch-1")
	req.UpstreamURL = ""
	_, err := r.Open(context.Background(), req)
	assert.Equal(t, KindBadUpstream, KindOf(err))
}

func TestRegistryConflictOnHealthySession(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	sess, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	waitState(t, sess, StateActive)

	_, err = r.Open(context.Background(), openRequest("ch-1"))
	assert.Equal(t, KindSessionConflict, KindOf(err))
	assert.Contains(t, DetailOf(err), "already streaming")
}

func TestRegistryReplacesUnhealthySession(t *testing.T) {
	cfg := relayTestConfig()
	// Keep the failing session parked in RECOVERING long enough to observe.
	cfg.Resilience.N1 = 100
	cfg.Resilience.BaseBackoff = 10 * time.Second
	cfg.Resilience.MaxBackoff = 10 * time.Second
	cfg.Templates.MpegtsCopy = "-c 'echo \"Connection timed out\" >&2; exit 1' [URL]"

	r := newTestRegistry(t, cfg, nil)

	old, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	waitState(t, old, StateRecovering)

	// Give the replacement a template that works.
	cfg.Templates.MpegtsCopy = "-c 'printf streaming; sleep 30' [URL]"
	r.classifier = NewClassifier(cfg)

	sess, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	assert.NotEqual(t, old.ID(), sess.ID())

	got, ok := r.Resolve("ch-1")
	require.True(t, ok)
	assert.Equal(t, sess.ID(), got.ID())

	select {
	case <-old.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("replaced session did not end")
	}
	reason, _ := old.EndReason()
	assert.Equal(t, EndReasonReplaced, reason)
}

func TestRegistryTunerCapacity(t *testing.T) {
	cfg := relayTestConfig()
	cfg.Streaming.MaxConcurrentStreams = 1
	r := newTestRegistry(t, cfg, nil)

	_, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)

	_, err = r.Open(context.Background(), openRequest("ch-2"))
	assert.Equal(t, KindCapacityExhausted, KindOf(err))

	// Previews draw from their own pool.
	preview := openRequest("ch-3")
	preview.Preview = true
	_, err = r.Open(context.Background(), preview)
	assert.NoError(t, err)
}

func TestRegistryPreviewCapacity(t *testing.T) {
	cfg := relayTestConfig()
	cfg.Streaming.MaxConcurrentPreviews = 1
	r := newTestRegistry(t, cfg, nil)

	first := openRequest("ch-1")
	first.Preview = true
	_, err := r.Open(context.Background(), first)
	require.NoError(t, err)

	second := openRequest("ch-2")
	second.Preview = true
	_, err = r.Open(context.Background(), second)
	assert.Equal(t, KindCapacityExhausted, KindOf(err))
}

func TestRegistryCloseUnregisters(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	sess, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)

	require.NoError(t, r.Close("ch-1", EndReasonClosed))
	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end after close")
	}

	_, ok := r.Resolve("ch-1")
	assert.False(t, ok, "ended sessions leave the alias table")
	_, ok = r.Resolve(sess.ID())
	assert.False(t, ok)

	// Reopening the channel mints a fresh session id.
	again, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	assert.NotEqual(t, sess.ID(), again.ID())
}

func TestRegistryCloseUnknown(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)
	assert.Equal(t, KindNotFound, KindOf(r.Close("nope", EndReasonClosed)))
}

func TestRegistrySnapshot(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	_, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	preview := openRequest("ch-2")
	preview.Preview = true
	_, err = r.Open(context.Background(), preview)
	require.NoError(t, err)

	snap := r.Snapshot()
	assert.Len(t, snap.Sessions, 2)
	assert.Equal(t, Capacity{Current: 1, Max: 2}, snap.Tuners)
	assert.Equal(t, Capacity{Current: 1, Max: 1}, snap.Previews)
}

func TestRegistryShutdown(t *testing.T) {
	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, nil)

	a, err := r.Open(context.Background(), openRequest("ch-1"))
	require.NoError(t, err)
	b, err := r.Open(context.Background(), openRequest("ch-2"))
	require.NoError(t, err)

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	r.Shutdown(ctx)

	for _, sess := range []*Session{a, b} {
		select {
		case <-sess.Done():
		default:
			t.Fatalf("session %s still running after shutdown", sess.ID())
		}
	}

	_, err = r.Open(context.Background(), openRequest("ch-3"))
	assert.Equal(t, KindInternal, KindOf(err))
}

func TestRegistryAuditTrail(t *testing.T) {
	if runtime.GOOS == "windows" {
		t.Skip("shell-based registry tests are POSIX-only")
	}
	ctx := context.Background()

	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, db.Migrate(ctx))

	cfg := relayTestConfig()
	r := newTestRegistry(t, cfg, repository.NewSessionAuditRepository(db.DB))

	sess, err := r.Open(ctx, openRequest("ch-1"))
	require.NoError(t, err)
	waitState(t, sess, StateActive)

	audits := repository.NewSessionAuditRepository(db.DB)
	audit, err := audits.GetBySessionID(ctx, sess.ID())
	require.NoError(t, err)
	require.NotNil(t, audit)
	assert.Equal(t, "Channel ch-1", audit.ChannelName)
	assert.Equal(t, "vlc", audit.ClientClass)
	assert.Equal(t, "10.0.0.5:1234", audit.ClientAddr)
	assert.Nil(t, audit.EndedAt)

	require.NoError(t, r.Close("ch-1", EndReasonClosed))
	select {
	case <-sess.Done():
	case <-time.After(10 * time.Second):
		t.Fatal("session did not end")
	}

	// onEnd finalises the row before Done is signalled.
	audit, err = audits.GetBySessionID(ctx, sess.ID())
	require.NoError(t, err)
	require.NotNil(t, audit)
	require.NotNil(t, audit.EndedAt)
	assert.Equal(t, EndReasonClosed, audit.EndReason)
	assert.Equal(t, int64(len("streaming")), audit.BytesOut)
}
