package handlers

import (
	"fmt"
	"log/slog"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/version"
)

// DiscoveryHandler serves the HDHomeRun-style discovery surface the media
// server uses to find and enumerate the "tuner": device descriptor,
// channel lineup and an M3U export of the same lineup.
type DiscoveryHandler struct {
	cfg      *config.Config
	channels repository.ChannelRepository
	logger   *slog.Logger
}

// NewDiscoveryHandler creates a discovery handler.
func NewDiscoveryHandler(cfg *config.Config, channels repository.ChannelRepository, logger *slog.Logger) *DiscoveryHandler {
	if logger == nil {
		logger = slog.Default()
	}
	return &DiscoveryHandler{
		cfg:      cfg,
		channels: channels,
		logger:   logger.With(slog.String("component", "discovery_handler")),
	}
}

// RegisterChiRoutes registers the discovery routes.
func (h *DiscoveryHandler) RegisterChiRoutes(router chi.Router) {
	router.Get("/discover.json", h.handleDiscover)
	router.Get("/lineup.json", h.handleLineup)
	router.Get("/lineup_status.json", h.handleLineupStatus)
	router.Get("/playlist.m3u", h.handlePlaylist)
}

// deviceDescriptor mirrors the HDHomeRun discover.json shape the media
// server parses. Field names are part of that de facto protocol.
type deviceDescriptor struct {
	FriendlyName    string `json:"FriendlyName"`
	Manufacturer    string `json:"Manufacturer"`
	ModelNumber     string `json:"ModelNumber"`
	FirmwareName    string `json:"FirmwareName"`
	FirmwareVersion string `json:"FirmwareVersion"`
	DeviceID        string `json:"DeviceID"`
	DeviceAuth      string `json:"DeviceAuth"`
	TunerCount      int    `json:"TunerCount"`
	BaseURL         string `json:"BaseURL"`
	LineupURL       string `json:"LineupURL"`
}

type lineupEntry struct {
	GuideNumber string `json:"GuideNumber"`
	GuideName   string `json:"GuideName"`
	URL         string `json:"URL"`
}

type lineupStatus struct {
	ScanInProgress int      `json:"ScanInProgress"`
	ScanPossible   int      `json:"ScanPossible"`
	Source         string   `json:"Source"`
	SourceList     []string `json:"SourceList"`
}

// baseURL builds the externally visible base URL: configured override
// first, then whatever the request came in on, honouring proxy headers.
func (h *DiscoveryHandler) baseURL(r *http.Request) string {
	if base := h.cfg.Server.BaseURL; base != "" {
		return strings.TrimRight(base, "/")
	}

	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}
	if proto := r.Header.Get("X-Forwarded-Proto"); proto != "" {
		scheme = proto
	}

	host := r.Host
	if fwdHost := r.Header.Get("X-Forwarded-Host"); fwdHost != "" {
		host = fwdHost
	}

	return fmt.Sprintf("%s://%s", scheme, host)
}

func (h *DiscoveryHandler) tunerCount() int {
	if h.cfg.Device.TunerCount > 0 {
		return h.cfg.Device.TunerCount
	}
	return h.cfg.Streaming.MaxConcurrentStreams
}

func (h *DiscoveryHandler) handleDiscover(w http.ResponseWriter, r *http.Request) {
	base := h.baseURL(r)
	writeJSON(w, http.StatusOK, deviceDescriptor{
		FriendlyName:    h.cfg.Device.FriendlyName,
		Manufacturer:    h.cfg.Device.Manufacturer,
		ModelNumber:     h.cfg.Device.ModelNumber,
		FirmwareName:    h.cfg.Device.FirmwareName,
		FirmwareVersion: version.Version,
		DeviceID:        h.cfg.Device.DeviceID,
		DeviceAuth:      "",
		TunerCount:      h.tunerCount(),
		BaseURL:         base,
		LineupURL:       base + "/lineup.json",
	})
}

func (h *DiscoveryHandler) handleLineup(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.GetEnabled(r.Context())
	if err != nil {
		h.logger.Error("lineup query failed", slog.String("error", err.Error()))
		http.Error(w, "lineup unavailable", http.StatusInternalServerError)
		return
	}

	base := h.baseURL(r)
	lineup := make([]lineupEntry, 0, len(channels))
	for _, ch := range channels {
		lineup = append(lineup, lineupEntry{
			GuideNumber: ch.Number,
			GuideName:   ch.Name,
			URL:         base + "/stream/" + ch.ID.String(),
		})
	}
	writeJSON(w, http.StatusOK, lineup)
}

func (h *DiscoveryHandler) handleLineupStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, lineupStatus{
		ScanInProgress: 0,
		ScanPossible:   1,
		Source:         "Cable",
		SourceList:     []string{"Cable"},
	})
}

func (h *DiscoveryHandler) handlePlaylist(w http.ResponseWriter, r *http.Request) {
	channels, err := h.channels.GetEnabled(r.Context())
	if err != nil {
		h.logger.Error("playlist query failed", slog.String("error", err.Error()))
		http.Error(w, "playlist unavailable", http.StatusInternalServerError)
		return
	}

	base := h.baseURL(r)
	var b strings.Builder
	b.WriteString("#EXTM3U\n")
	for _, ch := range channels {
		b.WriteString(fmt.Sprintf("#EXTINF:-1 tvg-id=%q tvg-name=%q tvg-chno=%q", ch.EPGID, ch.Name, ch.Number))
		if ch.LogoURL != "" {
			b.WriteString(fmt.Sprintf(" tvg-logo=%q", ch.LogoURL))
		}
		if ch.GroupTitle != "" {
			b.WriteString(fmt.Sprintf(" group-title=%q", ch.GroupTitle))
		}
		b.WriteString("," + ch.Name + "\n")
		b.WriteString(base + "/stream/" + ch.ID.String() + "\n")
	}

	w.Header().Set("Content-Type", "audio/x-mpegurl")
	w.WriteHeader(http.StatusOK)
	_, _ = w.Write([]byte(b.String()))
}
