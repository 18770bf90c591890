// Package resolver turns the upstream URLs stored on channel streams into
// the concrete URLs a transcoder can open. It unwraps tracking-beacon
// redirects, selects an HLS variant from master playlists, and resolves
// segment names for proxied playlists.
package resolver

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"net/url"
	"sort"
	"strings"

	"github.com/bluenviron/gohlslib/v2/pkg/playlist"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/httpclient"
	"github.com/zane33/plexbridge/internal/models"
	"github.com/zane33/plexbridge/internal/observability"
)

// Quality selects which variant of a master playlist to play.
type Quality string

const (
	QualityHighest Quality = "highest"
	QualityLowest  Quality = "lowest"
	QualityMedium  Quality = "medium"
)

// ParseQuality validates a quality string, falling back to highest.
func ParseQuality(s string) Quality {
	switch Quality(strings.ToLower(s)) {
	case QualityLowest:
		return QualityLowest
	case QualityMedium:
		return QualityMedium
	default:
		return QualityHighest
	}
}

// maxPlaylistBytes bounds how much of an upstream manifest is read.
const maxPlaylistBytes = 256 * 1024

// Resolved is the outcome of upstream resolution. URL is always usable:
// when resolution fails at any stage the original URL is carried through
// unchanged so playback can still be attempted.
type Resolved struct {
	// URL is the address the transcoder should open.
	URL string `json:"url"`
	// Kind reports what the resolver found at the URL.
	Kind models.StreamKind `json:"kind"`
	// Encrypted is set when the playlist declares content keys. Encrypted
	// HLS is never collapsed to a variant; the transcoder gets the master.
	Encrypted bool `json:"encrypted,omitempty"`
	// MasterURL is the master playlist the variant was chosen from, when
	// variant selection happened.
	MasterURL string `json:"master_url,omitempty"`
	// Bandwidth, Resolution and Codecs describe the selected variant.
	Bandwidth  int      `json:"bandwidth,omitempty"`
	Resolution string   `json:"resolution,omitempty"`
	Codecs     []string `json:"codecs,omitempty"`
	// TargetDuration is the media playlist target duration in seconds,
	// when one was observed.
	TargetDuration int `json:"target_duration,omitempty"`
}

// ResolveOptions tune a single resolution.
type ResolveOptions struct {
	// Quality overrides the configured variant choice when non-empty.
	Quality Quality
	// BypassCache forces a fresh fetch of the master playlist. Renewal
	// after decoder corruption sets this so a poisoned variant is not
	// handed back.
	BypassCache bool
}

// Upstream resolves channel stream URLs to playable URLs.
type Upstream struct {
	client  *httpclient.Client
	cfg     config.ResolverConfig
	logger  *slog.Logger
	cache   *ttlCache[Resolved]
	beacons map[string]struct{}
}

// NewUpstream creates an upstream resolver.
func NewUpstream(client *httpclient.Client, cfg config.ResolverConfig, logger *slog.Logger) *Upstream {
	if logger == nil {
		logger = slog.Default()
	}
	beacons := make(map[string]struct{}, len(cfg.BeaconParams))
	for _, p := range cfg.BeaconParams {
		beacons[strings.ToLower(p)] = struct{}{}
	}
	return &Upstream{
		client:  client,
		cfg:     cfg,
		logger:  logger.With(slog.String("component", "resolver")),
		cache:   newTTLCache[Resolved](512),
		beacons: beacons,
	}
}

// Resolve maps a stored upstream URL to the URL a subprocess should open.
// It never fails: every error path degrades to the most specific URL known
// so far, so the caller can still try to play.
func (r *Upstream) Resolve(ctx context.Context, rawURL string, opts ResolveOptions) Resolved {
	quality := opts.Quality
	if quality == "" {
		quality = ParseQuality(r.cfg.Quality)
	}

	// The cache is keyed on the stored URL, not the post-beacon-unwrap
	// one, so Invalidate with the stored URL always hits and a cache hit
	// skips the unwrap round-trip.
	cacheKey := rawURL + "|" + string(quality)
	if !opts.BypassCache {
		if cached, ok := r.cache.get(cacheKey); ok {
			return cached
		}
	}

	final := r.unwrapBeacon(ctx, rawURL)
	resolved := r.resolvePlaylist(ctx, final, quality)
	if resolved.Kind == models.StreamKindHLS {
		r.cache.put(cacheKey, resolved, r.cfg.VariantCacheTTL)
	}
	return resolved
}

// Invalidate drops any cached resolution for the URL, across qualities.
func (r *Upstream) Invalidate(rawURL string) {
	for _, q := range []Quality{QualityHighest, QualityLowest, QualityMedium} {
		r.cache.delete(rawURL + "|" + string(q))
	}
}

// SweepCache removes expired variant selections and returns the count.
func (r *Upstream) SweepCache() int {
	return r.cache.sweep()
}

// unwrapBeacon follows tracking redirects for URLs that carry a known
// beacon query parameter. Redirect hops are capped by the HTTP client; any
// failure keeps the original URL.
func (r *Upstream) unwrapBeacon(ctx context.Context, rawURL string) string {
	parsed, err := url.Parse(rawURL)
	if err != nil {
		return rawURL
	}
	if !r.hasBeaconParam(parsed) {
		return rawURL
	}

	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodHead, rawURL, nil)
	if err != nil {
		return rawURL
	}
	resp, err := r.client.Do(req)
	if err != nil {
		r.logger.Debug("beacon unwrap failed, keeping original URL",
			slog.String("url", observability.RedactURL(rawURL)),
			slog.String("error", err.Error()),
		)
		return rawURL
	}
	defer resp.Body.Close()

	if resp.StatusCode >= http.StatusBadRequest {
		return rawURL
	}
	final := resp.Request.URL.String()
	if final != rawURL {
		r.logger.Debug("unwrapped beacon redirect",
			slog.String("from", observability.RedactURL(rawURL)),
			slog.String("to", observability.RedactURL(final)),
		)
	}
	return final
}

func (r *Upstream) hasBeaconParam(u *url.URL) bool {
	for key := range u.Query() {
		if _, ok := r.beacons[strings.ToLower(key)]; ok {
			return true
		}
	}
	return false
}

func (r *Upstream) resolvePlaylist(ctx context.Context, finalURL string, quality Quality) Resolved {
	if parsed, err := url.Parse(finalURL); err == nil {
		if strings.HasSuffix(strings.ToLower(parsed.Path), ".ts") {
			return Resolved{URL: finalURL, Kind: models.StreamKindTS}
		}
	}

	data, fetchedURL, err := r.fetchPlaylist(ctx, finalURL)
	if err != nil {
		r.logger.Warn("playlist fetch failed, keeping original URL",
			slog.String("url", observability.RedactURL(finalURL)),
			slog.String("error", err.Error()),
		)
		return Resolved{URL: finalURL, Kind: models.StreamKindTS}
	}

	if !bytes.HasPrefix(bytes.TrimSpace(data), []byte("#EXTM3U")) {
		return Resolved{URL: fetchedURL, Kind: models.StreamKindTS}
	}

	// Encrypted HLS is passed through untouched: the transcoder handles
	// key retrieval itself, and collapsing to a variant would hide
	// session-scoped keys.
	if bytes.Contains(data, []byte("#EXT-X-KEY")) || bytes.Contains(data, []byte("#EXT-X-SESSION-KEY")) {
		return Resolved{URL: fetchedURL, Kind: models.StreamKindHLS, Encrypted: true}
	}

	pl, err := playlist.Unmarshal(data)
	if err != nil {
		r.logger.Warn("unparseable playlist, passing through",
			slog.String("url", observability.RedactURL(fetchedURL)),
			slog.String("error", err.Error()),
		)
		return Resolved{URL: fetchedURL, Kind: models.StreamKindHLS}
	}

	switch p := pl.(type) {
	case *playlist.Multivariant:
		return r.resolveMaster(fetchedURL, p, quality)
	case *playlist.Media:
		return Resolved{
			URL:            fetchedURL,
			Kind:           models.StreamKindHLS,
			TargetDuration: p.TargetDuration,
		}
	default:
		return Resolved{URL: fetchedURL, Kind: models.StreamKindHLS}
	}
}

// resolveMaster selects a variant from a master playlist by bandwidth.
func (r *Upstream) resolveMaster(masterURL string, mv *playlist.Multivariant, quality Quality) Resolved {
	resolved := Resolved{URL: masterURL, Kind: models.StreamKindHLS, MasterURL: masterURL}

	if len(mv.Variants) == 0 {
		return resolved
	}

	variants := make([]*playlist.MultivariantVariant, len(mv.Variants))
	copy(variants, mv.Variants)
	sort.SliceStable(variants, func(i, j int) bool {
		return variants[i].Bandwidth > variants[j].Bandwidth
	})

	var chosen *playlist.MultivariantVariant
	switch quality {
	case QualityLowest:
		chosen = variants[len(variants)-1]
	case QualityMedium:
		chosen = variants[len(variants)/2]
	default:
		chosen = variants[0]
	}

	resolved.URL = absolutize(masterURL, chosen.URI)
	resolved.Bandwidth = int(chosen.Bandwidth)
	resolved.Resolution = chosen.Resolution
	resolved.Codecs = chosen.Codecs
	r.logger.Debug("selected variant",
		slog.String("master", observability.RedactURL(masterURL)),
		slog.String("quality", string(quality)),
		slog.Int("bandwidth", resolved.Bandwidth),
		slog.String("resolution", resolved.Resolution),
	)
	return resolved
}

// fetchPlaylist fetches manifest bytes. The returned URL reflects any
// redirects the server issued, so relative references resolve correctly.
func (r *Upstream) fetchPlaylist(ctx context.Context, rawURL string) ([]byte, string, error) {
	ctx, cancel := context.WithTimeout(ctx, r.cfg.RequestTimeout)
	defer cancel()

	resp, err := r.client.Get(ctx, rawURL)
	if err != nil {
		return nil, rawURL, err
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, rawURL, fmt.Errorf("upstream returned %d", resp.StatusCode)
	}

	data, err := io.ReadAll(io.LimitReader(resp.Body, maxPlaylistBytes))
	if err != nil {
		return nil, rawURL, fmt.Errorf("reading playlist: %w", err)
	}
	return data, resp.Request.URL.String(), nil
}

// absolutize resolves a possibly-relative reference against a base URL.
func absolutize(baseURL, ref string) string {
	if strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://") {
		return ref
	}
	base, err := url.Parse(baseURL)
	if err != nil {
		return ref
	}
	parsed, err := url.Parse(ref)
	if err != nil {
		return ref
	}
	return base.ResolveReference(parsed).String()
}

// CacheLen reports the current variant cache size.
func (r *Upstream) CacheLen() int { return r.cache.len() }
