package resolver

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"path"
	"strings"
	"time"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/httpclient"
	"github.com/zane33/plexbridge/internal/observability"
)

const (
	// segmentRetryBase is the initial backoff between segment retries.
	segmentRetryBase = 250 * time.Millisecond
	// segmentMaxRetries bounds retries for network errors and 5xx.
	segmentMaxRetries = 5
	// playlistCacheCap caps the media-playlist TTL relative to target
	// duration. Live playlists rotate quickly; stale entries cause 404s.
	playlistCacheCap = 30 * time.Second
)

// Segments resolves segment names against their media playlist and fetches
// segment bytes with a retry policy tuned for live HLS.
type Segments struct {
	client *httpclient.Client
	cfg    config.ResolverConfig
	logger *slog.Logger
	cache  *ttlCache[*mediaEntry]

	// retryBase is overridable in tests.
	retryBase time.Duration
}

type mediaEntry struct {
	media *playlist.Media
	url   string
}

// NewSegments creates a segment resolver. The client must not retry on its
// own; the per-status policy lives here.
func NewSegments(client *httpclient.Client, cfg config.ResolverConfig, logger *slog.Logger) *Segments {
	if logger == nil {
		logger = slog.Default()
	}
	return &Segments{
		client:    client,
		cfg:       cfg,
		logger:    logger.With(slog.String("component", "segments")),
		cache:     newTTLCache[*mediaEntry](cfg.SegmentCacheMaxEntries),
		retryBase: segmentRetryBase,
	}
}

// Resolve maps a segment name from a rewritten playlist back to its
// absolute upstream URL. Lookup is exact URI first, then basename match.
// When the playlist cannot be fetched or the name is absent, the name is
// joined onto the playlist's base URL so playback degrades instead of
// failing outright.
func (s *Segments) Resolve(ctx context.Context, playlistURL, name string) string {
	entry, err := s.playlist(ctx, playlistURL)
	if err != nil {
		s.logger.Debug("playlist unavailable for segment lookup, using base join",
			slog.String("playlist", observability.RedactURL(playlistURL)),
			slog.String("segment", name),
			slog.String("error", err.Error()),
		)
		return absolutize(playlistURL, name)
	}

	for _, seg := range entry.media.Segments {
		if seg != nil && seg.URI == name {
			return absolutize(entry.url, seg.URI)
		}
	}
	for _, seg := range entry.media.Segments {
		if seg == nil {
			continue
		}
		if segmentBasename(seg.URI) == name {
			return absolutize(entry.url, seg.URI)
		}
	}
	return absolutize(entry.url, name)
}

// Fetch downloads one segment. Network errors and 5xx are retried with
// exponential backoff; a 404 is retried exactly once, since live playlists
// may briefly reference a segment before it is published; a 403 fails
// immediately because retrying an auth rejection only burns the token
// faster. The caller owns the response body.
func (s *Segments) Fetch(ctx context.Context, segmentURL string) (*http.Response, error) {
	var lastErr error
	notFoundRetried := false
	delay := s.retryBase

	for attempt := 0; attempt <= segmentMaxRetries; attempt++ {
		if attempt > 0 {
			select {
			case <-ctx.Done():
				return nil, ctx.Err()
			case <-time.After(delay):
			}
			delay *= 2
		}

		reqCtx, cancel := context.WithTimeout(ctx, s.cfg.SegmentTimeout)
		resp, err := s.get(reqCtx, segmentURL)
		if err != nil {
			cancel()
			if ctx.Err() != nil {
				return nil, ctx.Err()
			}
			lastErr = err
			continue
		}

		switch {
		case resp.StatusCode < 300:
			// Body lifetime is tied to the request context.
			resp.Body = &cancelReadCloser{ReadCloser: resp.Body, cancel: cancel}
			return resp, nil
		case resp.StatusCode == http.StatusForbidden:
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("segment fetch forbidden: %s", observability.RedactURL(segmentURL))
		case resp.StatusCode == http.StatusNotFound:
			resp.Body.Close()
			cancel()
			if notFoundRetried {
				return nil, fmt.Errorf("segment not found: %s", observability.RedactURL(segmentURL))
			}
			notFoundRetried = true
			lastErr = fmt.Errorf("segment returned 404")
		case resp.StatusCode >= 500:
			resp.Body.Close()
			cancel()
			lastErr = fmt.Errorf("segment returned %d", resp.StatusCode)
		default:
			resp.Body.Close()
			cancel()
			return nil, fmt.Errorf("segment returned %d: %s", resp.StatusCode, observability.RedactURL(segmentURL))
		}
	}
	return nil, fmt.Errorf("segment fetch exhausted retries: %w", lastErr)
}

// SweepCache removes expired playlists and returns the count.
func (s *Segments) SweepCache() int {
	return s.cache.sweep()
}

// playlist returns the parsed media playlist, cached for a few target
// durations.
func (s *Segments) playlist(ctx context.Context, playlistURL string) (*mediaEntry, error) {
	if entry, ok := s.cache.get(playlistURL); ok {
		return entry, nil
	}

	reqCtx, cancel := context.WithTimeout(ctx, s.cfg.RequestTimeout)
	defer cancel()

	resp, err := s.get(reqCtx, playlistURL)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("playlist returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, fmt.Errorf("reading playlist: %w", err)
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("parsing playlist: %w", err)
	}
	media, ok := pl.(*playlist.Media)
	if !ok {
		return nil, fmt.Errorf("expected media playlist at %s", observability.RedactURL(playlistURL))
	}

	entry := &mediaEntry{media: media, url: resp.Request.URL.String()}
	s.cache.put(playlistURL, entry, playlistTTL(media.TargetDuration))
	return entry, nil
}

func (s *Segments) get(ctx context.Context, rawURL string) (*http.Response, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, rawURL, nil)
	if err != nil {
		return nil, err
	}
	return s.client.Do(req)
}

// playlistTTL is three target durations, capped.
func playlistTTL(targetDuration int) time.Duration {
	if targetDuration <= 0 {
		targetDuration = 6
	}
	ttl := 3 * time.Duration(targetDuration) * time.Second
	if ttl > playlistCacheCap {
		ttl = playlistCacheCap
	}
	return ttl
}

// segmentBasename strips the directory and query string from a segment URI.
func segmentBasename(uri string) string {
	if idx := strings.Index(uri, "?"); idx >= 0 {
		uri = uri[:idx]
	}
	if parsed, err := url.Parse(uri); err == nil && parsed.Path != "" {
		return path.Base(parsed.Path)
	}
	return path.Base(uri)
}

// cancelReadCloser releases the request context when the body is closed.
type cancelReadCloser struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelReadCloser) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
