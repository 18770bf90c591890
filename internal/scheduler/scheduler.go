// Package scheduler runs the recurring maintenance jobs: session audit
// purges and resolver cache sweeps.
package scheduler

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/resolver"
)

// sweepSchedule is how often expired resolver cache entries are dropped.
// Entries self-expire on read; the sweep only bounds memory for channels
// nobody is watching.
const sweepSchedule = "@every 1m"

// Scheduler owns the cron runner for maintenance jobs.
type Scheduler struct {
	cfg      config.AuditConfig
	audits   repository.SessionAuditRepository
	upstream *resolver.Upstream
	segments *resolver.Segments
	logger   *slog.Logger

	mu   sync.Mutex
	cron *cron.Cron
}

// New creates a scheduler. Any of audits, upstream and segments may be
// nil; the corresponding job is skipped.
func New(cfg config.AuditConfig, audits repository.SessionAuditRepository, upstream *resolver.Upstream, segments *resolver.Segments, logger *slog.Logger) *Scheduler {
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:      cfg,
		audits:   audits,
		upstream: upstream,
		segments: segments,
		logger:   logger.With(slog.String("component", "scheduler")),
	}
}

// Start registers the jobs and starts the cron runner.
func (s *Scheduler) Start() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.cron != nil {
		return fmt.Errorf("scheduler already started")
	}

	c := cron.New()

	if s.audits != nil && s.cfg.PurgeCron != "" && s.cfg.Retention > 0 {
		if _, err := c.AddFunc(s.cfg.PurgeCron, s.purgeAudits); err != nil {
			return fmt.Errorf("invalid audit purge schedule %q: %w", s.cfg.PurgeCron, err)
		}
	}

	if s.upstream != nil || s.segments != nil {
		if _, err := c.AddFunc(sweepSchedule, s.sweepCaches); err != nil {
			return fmt.Errorf("registering cache sweep: %w", err)
		}
	}

	c.Start()
	s.cron = c

	s.logger.Info("scheduler started",
		slog.String("purge_cron", s.cfg.PurgeCron),
		slog.Duration("retention", s.cfg.Retention),
	)
	return nil
}

// Stop stops the cron runner and waits for running jobs to finish.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	c := s.cron
	s.cron = nil
	s.mu.Unlock()

	if c == nil {
		return
	}
	<-c.Stop().Done()
	s.logger.Info("scheduler stopped")
}

// purgeAudits deletes audit rows for sessions that ended before the
// retention cutoff.
func (s *Scheduler) purgeAudits() {
	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()

	cutoff := time.Now().Add(-s.cfg.Retention)
	removed, err := s.audits.PurgeEndedBefore(ctx, cutoff)
	if err != nil {
		s.logger.Error("audit purge failed", slog.String("error", err.Error()))
		return
	}
	if removed > 0 {
		s.logger.Info("purged session audits",
			slog.Int64("removed", removed),
			slog.Time("cutoff", cutoff),
		)
	}
}

// sweepCaches drops expired resolver cache entries.
func (s *Scheduler) sweepCaches() {
	var variants, playlists int
	if s.upstream != nil {
		variants = s.upstream.SweepCache()
	}
	if s.segments != nil {
		playlists = s.segments.SweepCache()
	}
	if variants > 0 || playlists > 0 {
		s.logger.Debug("swept resolver caches",
			slog.Int("variants", variants),
			slog.Int("playlists", playlists),
		)
	}
}
