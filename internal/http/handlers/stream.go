package handlers

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"net/http"
	"path"
	"strconv"
	"strings"
	"time"

	"github.com/danielgtaylor/huma/v2"
	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/http/middleware"
	"github.com/zane33/plexbridge/internal/models"
	"github.com/zane33/plexbridge/internal/relay"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/resolver"
	"github.com/zane33/plexbridge/internal/version"
)

const contentTypeMPEGTS = "video/mp2t"

// StreamHandler serves the tuner, segment-proxy, preview and
// active-session endpoints.
type StreamHandler struct {
	registry *relay.Registry
	channels repository.ChannelRepository
	streams  repository.StreamRepository
	segments *resolver.Segments
	cfg      *config.Config
	logger   *slog.Logger
}

// NewStreamHandler creates a stream handler.
func NewStreamHandler(
	registry *relay.Registry,
	channels repository.ChannelRepository,
	streams repository.StreamRepository,
	segments *resolver.Segments,
	cfg *config.Config,
	logger *slog.Logger,
) *StreamHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &StreamHandler{
		registry: registry,
		channels: channels,
		streams:  streams,
		segments: segments,
		cfg:      cfg,
		logger:   logger.With(slog.String("component", "stream_handler")),
	}
}

// RegisterChiRoutes registers the streaming routes as raw chi handlers.
// These cannot go through huma: the tuner path needs open-ended chunked
// bodies and full control over when headers are committed.
func (h *StreamHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/stream/{id}", h.handleTuner)
	router.Head("/stream/{id}", h.handleTunerHead)
	router.Get("/stream/{id}/{segment}", h.handleSegment)

	router.Route("/streams", func(r chi.Router) {
		r.With(middleware.CORS()).Get("/preview/{id}", h.handlePreview)
		r.With(middleware.CORS()).Options("/preview/{id}", func(w http.ResponseWriter, r *http.Request) {})
		r.Get("/active", h.handleActive)
	})
}

// Register adds documentation-only entries for the raw streaming routes so
// they appear in the OpenAPI spec.
func (h *StreamHandler) Register(api huma.API) {
	huma.Register(api, huma.Operation{
		OperationID: "streamChannel",
		Method:      http.MethodGet,
		Path:        "/stream/{id}",
		Summary:     "Tuner stream entry",
		Description: "Streams a channel as MPEG-TS. `id` is a channel id, channel number or stream id. Handled by a raw router handler; this entry documents it.",
		Tags:        []string{"Streaming"},
		Responses: map[string]*huma.Response{
			"200": {Description: "MPEG-TS stream body"},
			"404": {Description: "Unknown channel or stream"},
			"409": {Description: "Channel already streaming"},
			"503": {Description: "All tuners in use"},
		},
	}, func(ctx context.Context, input *struct {
		ID string `path:"id"`
	}) (*huma.StreamResponse, error) {
		return nil, huma.Error500InternalServerError("handled by the raw router", nil)
	})
}

// catalogTarget is a resolved catalog lookup: the channel (when known) and
// the upstream stream to play.
type catalogTarget struct {
	ChannelID   string
	ChannelName string
	Number      string
	StreamID    string
	UpstreamURL string
}

func (t catalogTarget) aliases() []string {
	out := make([]string, 0, 3)
	if t.Number != "" {
		out = append(out, t.Number)
	}
	if t.StreamID != "" && t.StreamID != t.ChannelID {
		out = append(out, t.StreamID)
	}
	return out
}

// lookupTarget resolves an id to a playable upstream. The id may be a
// channel ULID, a channel guide number, or a stream ULID.
func (h *StreamHandler) lookupTarget(ctx context.Context, id string) (*catalogTarget, error) {
	if ulid, err := models.ParseULID(id); err == nil {
		channel, err := h.channels.GetByID(ctx, ulid)
		if err != nil {
			return nil, relay.Wrap(relay.KindInternal, "channel lookup failed", err)
		}
		if channel != nil {
			return h.targetFromChannel(channel)
		}

		stream, err := h.streams.GetByID(ctx, ulid)
		if err != nil {
			return nil, relay.Wrap(relay.KindInternal, "stream lookup failed", err)
		}
		if stream != nil {
			target := &catalogTarget{
				ChannelID:   stream.ChannelID.String(),
				StreamID:    stream.ID.String(),
				UpstreamURL: stream.URL,
			}
			if channel, err := h.channels.GetByID(ctx, stream.ChannelID); err == nil && channel != nil {
				target.ChannelName = channel.Name
				target.Number = channel.Number
			}
			return target, nil
		}
		return nil, relay.Ef(relay.KindNotFound, "no channel or stream with id %s", id)
	}

	channel, err := h.channels.GetByNumber(ctx, id)
	if err != nil {
		return nil, relay.Wrap(relay.KindInternal, "channel lookup failed", err)
	}
	if channel == nil {
		return nil, relay.Ef(relay.KindNotFound, "no channel %q", id)
	}
	return h.targetFromChannel(channel)
}

func (h *StreamHandler) targetFromChannel(channel *models.Channel) (*catalogTarget, error) {
	for i := range channel.Streams {
		s := &channel.Streams[i]
		if !s.Enabled {
			continue
		}
		return &catalogTarget{
			ChannelID:   channel.ID.String(),
			ChannelName: channel.Name,
			Number:      channel.Number,
			StreamID:    s.ID.String(),
			UpstreamURL: s.URL,
		}, nil
	}
	return nil, relay.Ef(relay.KindBadUpstream, "channel %s has no enabled stream", channel.Name)
}

func (h *StreamHandler) setTunerHeaders(w http.ResponseWriter) {
	w.Header().Set("Content-Type", contentTypeMPEGTS)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Plexbridge-Version", version.Version)
}

// handleTunerHead answers the media server's probe. It must be cheap: 200
// with stream headers, no body, and no session or subscriber created.
func (h *StreamHandler) handleTunerHead(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if sess, ok := h.registry.Resolve(id); ok {
		h.registry.TouchActivity(id)
		h.bindConsumer(sess, r.URL.Query().Get("session"))
		h.setTunerHeaders(w)
		w.WriteHeader(http.StatusOK)
		return
	}

	if _, err := h.lookupTarget(r.Context(), id); err != nil {
		tunerError(w, err)
		return
	}
	h.setTunerHeaders(w)
	w.WriteHeader(http.StatusOK)
}

// handleTuner is the tuner entry: attach to a running session for the
// channel, or open one, and stream MPEG-TS until the client goes away.
func (h *StreamHandler) handleTuner(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sess, sub, err := h.attachOrOpen(r, id)
	if err != nil {
		tunerError(w, err)
		return
	}
	defer sess.Unsubscribe(sub.ID)
	h.bindConsumer(sess, r.URL.Query().Get("session"))

	h.setTunerHeaders(w)
	w.WriteHeader(http.StatusOK)

	h.pumpToClient(w, r, sess, sub)
}

// attachOrOpen joins an existing session for the id or opens a new one.
// Tuner clients replay the buffered window so reconnects after a recovery
// show a minimal gap.
func (h *StreamHandler) attachOrOpen(r *http.Request, id string) (*relay.Session, *relay.Subscriber, error) {
	subID := uuid.NewString()

	sess, sub, err := h.registry.Attach(id, subID, relay.JoinReplay, r.RemoteAddr, r.UserAgent())
	if err == nil {
		return sess, sub, nil
	}
	if relay.KindOf(err) != relay.KindNotFound {
		return nil, nil, err
	}

	target, err := h.lookupTarget(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}

	_, err = h.registry.Open(r.Context(), relay.OpenRequest{
		ChannelID:   target.ChannelID,
		ChannelName: target.ChannelName,
		UpstreamURL: target.UpstreamURL,
		Aliases:     target.aliases(),
		ConsumerID:  r.URL.Query().Get("session"),
		Quality:     resolver.ParseQuality(h.cfg.Resolver.Quality),
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	})
	if err != nil && relay.KindOf(err) != relay.KindSessionConflict {
		return nil, nil, err
	}
	// A conflict here means another request opened the session between our
	// failed attach and the open; join it instead.
	return h.registry.Attach(id, subID, relay.JoinReplay, r.RemoteAddr, r.UserAgent())
}

// bindConsumer registers the client's own session token as an alias. A
// token already bound to a different session is logged and ignored; a
// bad probe parameter must not interrupt playback.
func (h *StreamHandler) bindConsumer(sess *relay.Session, consumerID string) {
	if consumerID == "" {
		return
	}
	if err := h.registry.AddAlias(sess.ID(), consumerID); err != nil {
		h.logger.Warn("consumer id not bound",
			slog.String("session_id", sess.ID()),
			slog.String("consumer_id", consumerID),
			slog.String("error", err.Error()),
		)
	}
}

// pumpToClient copies hub chunks to the response until the stream ends or
// the client disconnects.
func (h *StreamHandler) pumpToClient(w http.ResponseWriter, r *http.Request, sess *relay.Session, sub *relay.Subscriber) {
	flusher, _ := w.(http.Flusher)

	for {
		data, err := sess.Read(r.Context(), sub)
		if err != nil {
			var detach *relay.DetachError
			switch {
			case errors.Is(err, io.EOF):
				// Session ended; the client observes a clean close.
			case errors.As(err, &detach):
				h.logger.Warn("subscriber detached",
					slog.String("session_id", sess.ID()),
					slog.String("subscriber_id", sub.ID),
					slog.String("reason", detach.Reason),
				)
			case r.Context().Err() != nil:
				// Client went away; nothing to write.
			default:
				h.logger.Error("subscriber read failed",
					slog.String("session_id", sess.ID()),
					slog.String("error", err.Error()),
				)
			}
			return
		}

		if _, err := w.Write(data); err != nil {
			// Downstream write failure is the client's problem, not the
			// session's. Other subscribers keep playing.
			return
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
}

// handleSegment is the HLS segment proxy. Playlist requests return the
// media playlist with segment URIs rewritten onto this base path; segment
// requests pass upstream bytes through.
func (h *StreamHandler) handleSegment(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	name := chi.URLParam(r, "segment")

	sess, ok := h.registry.Resolve(id)
	if !ok {
		tunerError(w, relay.Ef(relay.KindNotFound, "no session for %q", id))
		return
	}
	h.registry.TouchActivity(id)

	resolved := sess.Resolved()
	if resolved.Kind != models.StreamKindHLS || resolved.URL == "" {
		tunerError(w, relay.Ef(relay.KindNotFound, "session %s is not serving HLS", sess.ID()))
		return
	}

	if strings.HasSuffix(name, ".m3u8") {
		h.serveRewrittenPlaylist(w, r, id, resolved.URL)
		return
	}

	segURL := h.segments.Resolve(r.Context(), resolved.URL, name)
	resp, err := h.segments.Fetch(r.Context(), segURL)
	if err != nil {
		h.logger.Warn("segment fetch failed",
			slog.String("session_id", sess.ID()),
			slog.String("segment", name),
			slog.String("error", err.Error()),
		)
		tunerError(w, relay.Wrap(relay.KindUpstreamUnavailable, "segment fetch failed", err))
		return
	}
	defer resp.Body.Close()

	contentType := resp.Header.Get("Content-Type")
	if contentType == "" {
		contentType = contentTypeMPEGTS
	}
	w.Header().Set("Content-Type", contentType)
	if cl := resp.Header.Get("Content-Length"); cl != "" {
		w.Header().Set("Content-Length", cl)
	}
	w.WriteHeader(http.StatusOK)
	_, _ = io.Copy(w, resp.Body)
}

func (h *StreamHandler) serveRewrittenPlaylist(w http.ResponseWriter, r *http.Request, id, playlistURL string) {
	resp, err := h.segments.Fetch(r.Context(), playlistURL)
	if err != nil {
		tunerError(w, relay.Wrap(relay.KindUpstreamUnavailable, "playlist fetch failed", err))
		return
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		tunerError(w, relay.Wrap(relay.KindUpstreamUnavailable, "playlist read failed", err))
		return
	}

	base := "/stream/" + id + "/"
	rewritten, err := resolver.RewritePlaylist(data, func(uri string) string {
		name := uri
		if i := strings.IndexAny(name, "?#"); i >= 0 {
			name = name[:i]
		}
		return base + path.Base(name)
	})
	if err != nil {
		tunerError(w, relay.Wrap(relay.KindBadUpstream, "playlist parse failed", err))
		return
	}

	w.Header().Set("Content-Type", "application/vnd.apple.mpegurl")
	w.Header().Set("Cache-Control", "no-store")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write(rewritten)
}

// handlePreview serves browser previews: MP4 re-encode by default, raw
// MPEG-TS with transcode=false, optional quality and timeout parameters.
// Failures surface directly as JSON; previews have no recovery ladder.
func (h *StreamHandler) handlePreview(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	transcode := true
	if v := r.URL.Query().Get("transcode"); v != "" {
		if b, err := strconv.ParseBool(v); err == nil {
			transcode = b
		}
	}
	quality := resolver.ParseQuality(r.URL.Query().Get("quality"))

	ctx := r.Context()
	if v := r.URL.Query().Get("timeout"); v != "" {
		if ms, err := strconv.Atoi(v); err == nil && ms > 0 {
			var cancel context.CancelFunc
			ctx, cancel = context.WithTimeout(ctx, time.Duration(ms)*time.Millisecond)
			defer cancel()
		}
	}

	sess, sub, err := h.attachOrOpenPreview(r, id, quality, transcode)
	if err != nil {
		jsonError(w, err)
		return
	}
	defer sess.Unsubscribe(sub.ID)

	contentType := "video/mp4"
	if !transcode {
		contentType = contentTypeMPEGTS
	}
	w.Header().Set("Content-Type", contentType)
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("X-Plexbridge-Version", version.Version)
	w.WriteHeader(http.StatusOK)

	r2 := r.WithContext(ctx)
	h.pumpToClient(w, r2, sess, sub)
}

func (h *StreamHandler) attachOrOpenPreview(r *http.Request, id string, quality resolver.Quality, transcode bool) (*relay.Session, *relay.Subscriber, error) {
	subID := uuid.NewString()
	alias := "preview:" + id

	// Previews join live: the viewer wants "now", not the buffered window.
	sess, sub, err := h.registry.Attach(alias, subID, relay.JoinLive, r.RemoteAddr, r.UserAgent())
	if err == nil {
		return sess, sub, nil
	}
	if relay.KindOf(err) != relay.KindNotFound {
		return nil, nil, err
	}

	target, err := h.lookupTarget(r.Context(), id)
	if err != nil {
		return nil, nil, err
	}

	req := relay.OpenRequest{
		ChannelID:   target.ChannelID,
		ChannelName: target.ChannelName,
		UpstreamURL: target.UpstreamURL,
		Aliases:     []string{alias},
		Preview:     true,
		Quality:     quality,
		RemoteAddr:  r.RemoteAddr,
		UserAgent:   r.UserAgent(),
	}
	if !transcode {
		req.TemplateOverride = h.cfg.Templates.MpegtsCopy
	}

	if _, err := h.registry.Open(r.Context(), req); err != nil && relay.KindOf(err) != relay.KindSessionConflict {
		return nil, nil, err
	}
	return h.registry.Attach(alias, subID, relay.JoinLive, r.RemoteAddr, r.UserAgent())
}

// activeResponse is the registry snapshot plus capacity readouts.
type activeResponse struct {
	Sessions []relay.SessionStatus `json:"sessions"`
	Capacity relay.Capacity        `json:"capacity"`
	Previews relay.Capacity        `json:"preview_capacity"`
}

func (h *StreamHandler) handleActive(w http.ResponseWriter, r *http.Request) {
	snap := h.registry.Snapshot()
	writeJSON(w, http.StatusOK, activeResponse{
		Sessions: snap.Sessions,
		Capacity: snap.Tuners,
		Previews: snap.Previews,
	})
}
