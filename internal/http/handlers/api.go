package handlers

import (
	"context"
	"log/slog"
	"net/http"
	"time"

	"github.com/danielgtaylor/huma/v2"

	"github.com/zane33/plexbridge/internal/database"
	"github.com/zane33/plexbridge/internal/models"
	"github.com/zane33/plexbridge/internal/relay"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/version"
)

// APIHandler exposes the read-only management API over huma: health,
// catalog and session readouts.
type APIHandler struct {
	db       *database.DB
	registry *relay.Registry
	channels repository.ChannelRepository
	audits   repository.SessionAuditRepository
	logger   *slog.Logger
	started  time.Time
}

// NewAPIHandler creates the management API handler.
func NewAPIHandler(
	db *database.DB,
	registry *relay.Registry,
	channels repository.ChannelRepository,
	audits repository.SessionAuditRepository,
	logger *slog.Logger,
) *APIHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &APIHandler{
		db:       db,
		registry: registry,
		channels: channels,
		audits:   audits,
		logger:   logger.With(slog.String("component", "api_handler")),
		started:  time.Now(),
	}
}

// HealthOutput is the /health response.
type HealthOutput struct {
	Body struct {
		Status   string         `json:"status" example:"ok"`
		Version  string         `json:"version"`
		Uptime   string         `json:"uptime"`
		Database string         `json:"database" example:"ok"`
		Tuners   relay.Capacity `json:"tuners"`
		Previews relay.Capacity `json:"previews"`
	}
}

// ChannelsOutput is the /api/v1/channels response.
type ChannelsOutput struct {
	Body struct {
		Channels []*models.Channel `json:"channels"`
		Total    int               `json:"total"`
	}
}

// ActiveSessionsOutput is the /api/v1/streams/active response.
type ActiveSessionsOutput struct {
	Body struct {
		Sessions []relay.SessionStatus `json:"sessions"`
		Capacity relay.Capacity        `json:"capacity"`
		Previews relay.Capacity        `json:"preview_capacity"`
	}
}

// RecentSessionsInput carries the history limit.
type RecentSessionsInput struct {
	Limit int `query:"limit" default:"50" minimum:"1" maximum:"500"`
}

// RecentSessionsOutput is the /api/v1/sessions/recent response.
type RecentSessionsOutput struct {
	Body struct {
		Sessions []*models.SessionAudit `json:"sessions"`
	}
}

// Register registers the management API operations.
func (h *APIHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "getHealth",
		Method:      http.MethodGet,
		Path:        "/health",
		Summary:     "Health check",
		Tags:        []string{"System"},
	}, h.Health)

	huma.Register(api, huma.Operation{
		OperationID: "listChannels",
		Method:      http.MethodGet,
		Path:        "/api/v1/channels",
		Summary:     "List channels",
		Description: "Returns the full channel catalog with streams, ordered by guide number.",
		Tags:        []string{"Catalog"},
	}, h.ListChannels)

	huma.Register(api, huma.Operation{
		OperationID: "listActiveSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/streams/active",
		Summary:     "List active sessions",
		Tags:        []string{"Streaming"},
	}, h.ActiveSessions)

	huma.Register(api, huma.Operation{
		OperationID: "listRecentSessions",
		Method:      http.MethodGet,
		Path:        "/api/v1/sessions/recent",
		Summary:     "List recently ended sessions",
		Description: "Returns session audit rows, newest first.",
		Tags:        []string{"Streaming"},
	}, h.RecentSessions)
}

// Health reports liveness: database reachability and slot usage.
func (h *APIHandler) Health(ctx context.Context, _ *struct{}) (*HealthOutput, error) {
	out := &HealthOutput{}
	out.Body.Status = "ok"
	out.Body.Version = version.Version
	out.Body.Uptime = time.Since(h.started).Truncate(time.Second).String()

	out.Body.Database = "ok"
	if h.db != nil {
		if err := h.db.Ping(ctx); err != nil {
			out.Body.Status = "degraded"
			out.Body.Database = err.Error()
		}
	}

	snap := h.registry.Snapshot()
	out.Body.Tuners = snap.Tuners
	out.Body.Previews = snap.Previews
	return out, nil
}

// ListChannels returns the catalog.
func (h *APIHandler) ListChannels(ctx context.Context, _ *struct{}) (*ChannelsOutput, error) {
	channels, err := h.channels.GetAll(ctx)
	if err != nil {
		h.logger.Error("channel list failed", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("listing channels failed")
	}
	out := &ChannelsOutput{}
	out.Body.Channels = channels
	out.Body.Total = len(channels)
	return out, nil
}

// ActiveSessions returns the registry snapshot.
func (h *APIHandler) ActiveSessions(ctx context.Context, _ *struct{}) (*ActiveSessionsOutput, error) {
	snap := h.registry.Snapshot()
	out := &ActiveSessionsOutput{}
	out.Body.Sessions = snap.Sessions
	out.Body.Capacity = snap.Tuners
	out.Body.Previews = snap.Previews
	return out, nil
}

// RecentSessions returns the audit trail, newest first.
func (h *APIHandler) RecentSessions(ctx context.Context, input *RecentSessionsInput) (*RecentSessionsOutput, error) {
	if h.audits == nil {
		out := &RecentSessionsOutput{}
		out.Body.Sessions = []*models.SessionAudit{}
		return out, nil
	}
	sessions, err := h.audits.GetRecent(ctx, input.Limit)
	if err != nil {
		h.logger.Error("audit query failed", slog.String("error", err.Error()))
		return nil, huma.Error500InternalServerError("listing sessions failed")
	}
	out := &RecentSessionsOutput{}
	out.Body.Sessions = sessions
	return out, nil
}
