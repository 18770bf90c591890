package repository

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/database"
	"github.com/zane33/plexbridge/internal/models"
)

func testDB(t *testing.T) *database.DB {
	t.Helper()
	db, err := database.New(config.DatabaseConfig{
		Driver:   "sqlite",
		DSN:      filepath.Join(t.TempDir(), "test.db"),
		LogLevel: "silent",
	}, nil)
	require.NoError(t, err)
	require.NoError(t, db.Migrate(context.Background()))
	t.Cleanup(func() { _ = db.Close() })
	return db
}

func seedChannel(t *testing.T, db *database.DB, number, name string) *models.Channel {
	t.Helper()
	ch := &models.Channel{Number: number, Name: name, Enabled: true}
	require.NoError(t, NewChannelRepository(db.DB).Create(context.Background(), ch))
	return ch
}

func TestChannelRepository(t *testing.T) {
	db := testDB(t)
	repo := NewChannelRepository(db.DB)
	streams := NewStreamRepository(db.DB)
	ctx := context.Background()

	ch := seedChannel(t, db, "101", "BBC One")
	require.NoError(t, streams.Create(ctx, &models.Stream{
		ChannelID: ch.ID, URL: "http://up.example/b", Priority: 1, Enabled: true,
	}))
	require.NoError(t, streams.Create(ctx, &models.Stream{
		ChannelID: ch.ID, URL: "http://up.example/a", Priority: 0, Enabled: true,
	}))

	got, err := repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	require.NotNil(t, got)
	require.Len(t, got.Streams, 2)
	assert.Equal(t, "http://up.example/a", got.Streams[0].URL, "streams are priority ordered")

	got, err = repo.GetByNumber(ctx, "101")
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Equal(t, "BBC One", got.Name)

	missing, err := repo.GetByNumber(ctx, "999")
	require.NoError(t, err)
	assert.Nil(t, missing)

	disabled := seedChannel(t, db, "102", "Disabled")
	disabled.Enabled = false
	require.NoError(t, repo.Update(ctx, disabled))

	enabled, err := repo.GetEnabled(ctx)
	require.NoError(t, err)
	require.Len(t, enabled, 1)
	assert.Equal(t, "101", enabled[0].Number)

	require.NoError(t, repo.Delete(ctx, ch.ID))
	gone, err := repo.GetByID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Nil(t, gone)

	orphans, err := streams.GetByChannelID(ctx, ch.ID)
	require.NoError(t, err)
	assert.Empty(t, orphans, "channel delete cascades to streams")
}

func TestSessionAuditRepository(t *testing.T) {
	db := testDB(t)
	repo := NewSessionAuditRepository(db.DB)
	ctx := context.Background()

	audit := &models.SessionAudit{
		SessionID:   "11111111-2222-3333-4444-555555555555",
		ChannelName: "BBC One",
		ClientClass: "media-server",
		StartedAt:   time.Now().Add(-time.Hour),
	}
	require.NoError(t, repo.Create(ctx, audit))

	got, err := repo.GetBySessionID(ctx, audit.SessionID)
	require.NoError(t, err)
	require.NotNil(t, got)
	assert.Nil(t, got.EndedAt)

	ended := time.Now().Add(-30 * time.Minute)
	got.EndedAt = &ended
	got.EndReason = "closed"
	got.BytesOut = 1 << 20
	require.NoError(t, repo.Finalize(ctx, got))

	recent, err := repo.GetRecent(ctx, 10)
	require.NoError(t, err)
	require.Len(t, recent, 1)
	assert.Equal(t, "closed", recent[0].EndReason)
	assert.EqualValues(t, 1<<20, recent[0].BytesOut)

	// Purge only removes sessions ended before the cutoff.
	n, err := repo.PurgeEndedBefore(ctx, time.Now().Add(-time.Hour))
	require.NoError(t, err)
	assert.Zero(t, n)

	n, err = repo.PurgeEndedBefore(ctx, time.Now())
	require.NoError(t, err)
	assert.EqualValues(t, 1, n)

	gone, err := repo.GetBySessionID(ctx, audit.SessionID)
	require.NoError(t, err)
	assert.Nil(t, gone)
}

func TestSettingRepository(t *testing.T) {
	db := testDB(t)
	repo := NewSettingRepository(db.DB)
	ctx := context.Background()

	_, ok, err := repo.Get(ctx, "device.friendly_name")
	require.NoError(t, err)
	assert.False(t, ok)

	require.NoError(t, repo.Set(ctx, "device.friendly_name", "Lounge Tuner"))
	require.NoError(t, repo.Set(ctx, "device.friendly_name", "Lounge Tuner v2"))

	val, ok, err := repo.Get(ctx, "device.friendly_name")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "Lounge Tuner v2", val)

	all, err := repo.GetAll(ctx)
	require.NoError(t, err)
	assert.Len(t, all, 1)

	require.NoError(t, repo.Delete(ctx, "device.friendly_name"))
	_, ok, err = repo.Get(ctx, "device.friendly_name")
	require.NoError(t, err)
	assert.False(t, ok)
}
