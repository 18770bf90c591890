// Package repository defines data access interfaces for plexbridge entities.
// All database access goes through these interfaces, enabling easy testing
// and database backend switching.
package repository

import (
	"context"
	"time"

	"github.com/zane33/plexbridge/internal/models"
)

// ChannelRepository defines operations for channel persistence.
type ChannelRepository interface {
	// Create creates a new channel.
	Create(ctx context.Context, channel *models.Channel) error
	// GetByID retrieves a channel by ID, with streams preloaded.
	// Returns nil when the channel does not exist.
	GetByID(ctx context.Context, id models.ULID) (*models.Channel, error)
	// GetByNumber retrieves a channel by guide number, with streams preloaded.
	GetByNumber(ctx context.Context, number string) (*models.Channel, error)
	// GetAll retrieves all channels ordered by guide number.
	GetAll(ctx context.Context) ([]*models.Channel, error)
	// GetEnabled retrieves all enabled channels ordered by guide number,
	// with streams preloaded.
	GetEnabled(ctx context.Context) ([]*models.Channel, error)
	// Update updates an existing channel.
	Update(ctx context.Context, channel *models.Channel) error
	// Delete deletes a channel and its streams.
	Delete(ctx context.Context, id models.ULID) error
}

// StreamRepository defines operations for stream persistence.
type StreamRepository interface {
	// Create creates a new stream.
	Create(ctx context.Context, stream *models.Stream) error
	// GetByID retrieves a stream by ID. Returns nil when absent.
	GetByID(ctx context.Context, id models.ULID) (*models.Stream, error)
	// GetByChannelID retrieves all streams for a channel in priority order.
	GetByChannelID(ctx context.Context, channelID models.ULID) ([]*models.Stream, error)
	// Update updates an existing stream.
	Update(ctx context.Context, stream *models.Stream) error
	// Delete deletes a stream by ID.
	Delete(ctx context.Context, id models.ULID) error
}

// SessionAuditRepository defines operations for session audit persistence.
type SessionAuditRepository interface {
	// Create writes a new audit row when a session opens.
	Create(ctx context.Context, audit *models.SessionAudit) error
	// GetBySessionID retrieves the audit row for a runtime session UUID.
	GetBySessionID(ctx context.Context, sessionID string) (*models.SessionAudit, error)
	// Finalize records the terminal state of a session.
	Finalize(ctx context.Context, audit *models.SessionAudit) error
	// GetRecent returns the most recent audit rows, newest first.
	GetRecent(ctx context.Context, limit int) ([]*models.SessionAudit, error)
	// PurgeEndedBefore deletes audit rows for sessions that ended before the
	// cutoff. Returns the number of rows removed.
	PurgeEndedBefore(ctx context.Context, cutoff time.Time) (int64, error)
}

// SettingRepository defines operations for setting persistence.
type SettingRepository interface {
	// Get retrieves a setting value by key. Returns ok=false when absent.
	Get(ctx context.Context, key string) (string, bool, error)
	// Set creates or updates a setting.
	Set(ctx context.Context, key, value string) error
	// GetAll retrieves all settings.
	GetAll(ctx context.Context) ([]*models.Setting, error)
	// Delete removes a setting by key.
	Delete(ctx context.Context, key string) error
}
