package relay

import (
	"context"
	"log/slog"
	"sort"
	"sync"
	"time"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/observability"
	"github.com/zane33/plexbridge/internal/resolver"
	"github.com/zane33/plexbridge/internal/supervisor"
)

// State is the session lifecycle state.
type State string

const (
	StateStarting   State = "starting"
	StateActive     State = "active"
	StateRecovering State = "recovering"
	StateDraining   State = "draining"
	StateEnded      State = "ended"
)

// End reasons recorded on the session and its audit row.
const (
	EndReasonClosed        = "closed"
	EndReasonIdle          = "idle"
	EndReasonUnrecoverable = "unrecoverable"
	EndReasonShutdown      = "shutdown"
	EndReasonReplaced      = "replaced"
)

// SessionConfig carries everything a session needs at creation.
type SessionConfig struct {
	ID          string
	ChannelID   string
	ChannelName string
	UpstreamURL string
	Preview     bool
	Quality     resolver.Quality
	Template    string
	HLSExtra    string
	Resilient   bool
	ClientClass ClientClass

	Streaming  config.StreamingConfig
	Resilience config.ResilienceConfig
}

// Session owns one transcoder subprocess and the hub its output fans out
// through. It runs a single goroutine that drives the state machine;
// everything external goes through channels or the mutex-guarded snapshot.
type Session struct {
	id          string
	channelID   string
	channelName string
	upstreamURL string
	preview     bool
	quality     resolver.Quality
	template    string
	hlsExtra    string
	resilient   bool
	clientClass ClientClass

	scfg config.StreamingConfig
	rcfg config.ResilienceConfig

	sup    *supervisor.Supervisor
	res    *resolver.Upstream
	hub    *Hub
	logger *slog.Logger

	ctx    context.Context
	cancel context.CancelFunc
	done   chan struct{}

	closeOnce sync.Once
	closeReq  chan struct{}

	mu           sync.Mutex
	state        State
	stateChanged time.Time
	startedAt    time.Time
	firstByteAt  time.Time
	lastByteAt   time.Time
	activeSince  time.Time
	resolved     resolver.Resolved
	proc         *supervisor.Process
	restarts     int
	renewals     int
	lastErrKind  supervisor.ErrorKind
	endReason    string
	endDetail    string
	tsInfo       *TSInfo
	tsGiveUp     bool
	consumers    map[string]struct{}

	lad ladder

	// onEnd is invoked exactly once, after the session reaches ENDED.
	onEnd func(*Session)
}

// NewSession creates a session. Run must be called to start it.
func NewSession(cfg SessionConfig, sup *supervisor.Supervisor, res *resolver.Upstream, logger *slog.Logger, onEnd func(*Session)) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	ctx, cancel := context.WithCancel(context.Background())
	return &Session{
		id:          cfg.ID,
		channelID:   cfg.ChannelID,
		channelName: cfg.ChannelName,
		upstreamURL: cfg.UpstreamURL,
		preview:     cfg.Preview,
		quality:     cfg.Quality,
		template:    cfg.Template,
		hlsExtra:    cfg.HLSExtra,
		resilient:   cfg.Resilient && !cfg.Preview,
		clientClass: cfg.ClientClass,
		scfg:        cfg.Streaming,
		rcfg:        cfg.Resilience,
		sup:         sup,
		res:         res,
		hub: NewHub(HubConfig{
			RingBytes:  cfg.Streaming.RingBufferBytes.Int(),
			ChunkBytes: cfg.Streaming.ChunkSizeBytes.Int(),
		}),
		logger: logger.With(
			slog.String("component", "session"),
			slog.String("session_id", cfg.ID),
			slog.String("channel", cfg.ChannelName),
		),
		ctx:          ctx,
		cancel:       cancel,
		done:         make(chan struct{}),
		closeReq:     make(chan struct{}),
		state:        StateStarting,
		stateChanged: time.Now(),
		startedAt:    time.Now(),
		consumers:    make(map[string]struct{}),
		lad:          newLadder(cfg.Resilience),
	}
}

// ID returns the session id.
func (s *Session) ID() string { return s.id }

// ChannelID returns the channel this session plays.
func (s *Session) ChannelID() string { return s.channelID }

// Preview reports whether this is a preview session.
func (s *Session) Preview() bool { return s.preview }

// Done is closed once the session has ended.
func (s *Session) Done() <-chan struct{} { return s.done }

// State returns the current lifecycle state.
func (s *Session) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// Healthy reports whether the session is serving or still able to serve.
// The registry probes this when an alias conflict needs arbitration.
func (s *Session) Healthy() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	switch s.state {
	case StateStarting, StateActive:
		return true
	default:
		return false
	}
}

// Subscribe attaches a reader to the session's hub.
func (s *Session) Subscribe(id string, mode JoinMode, remoteAddr, userAgent string) (*Subscriber, error) {
	s.mu.Lock()
	state := s.state
	s.mu.Unlock()
	if state == StateEnded {
		return nil, E(KindNotFound, "session has ended")
	}
	sub, err := s.hub.Subscribe(id, mode, remoteAddr, userAgent)
	if err != nil {
		return nil, Wrap(KindNotFound, "session is shutting down", err)
	}
	return sub, nil
}

// Unsubscribe detaches a reader.
func (s *Session) Unsubscribe(id string) bool {
	return s.hub.Unsubscribe(id)
}

// Read proxies to the hub.
func (s *Session) Read(ctx context.Context, sub *Subscriber) ([]byte, error) {
	return s.hub.Read(ctx, sub)
}

// Touch refreshes the idle clock without attaching a reader.
func (s *Session) Touch() {
	s.hub.Touch()
}

// AddConsumerID records a client-supplied session token. The registry
// owns the alias table that routes the token; this set only feeds Status.
func (s *Session) AddConsumerID(id string) {
	s.mu.Lock()
	s.consumers[id] = struct{}{}
	s.mu.Unlock()
}

// ConsumerIDs returns the client-supplied tokens bound to this session.
func (s *Session) ConsumerIDs() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.consumerIDsLocked()
}

func (s *Session) consumerIDsLocked() []string {
	if len(s.consumers) == 0 {
		return nil
	}
	ids := make([]string, 0, len(s.consumers))
	for id := range s.consumers {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Close requests an orderly drain and shutdown. It returns immediately;
// wait on Done for completion.
func (s *Session) Close(reason string) {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		if s.endReason == "" {
			s.endReason = reason
		}
		s.mu.Unlock()
		close(s.closeReq)
	})
}

// Shutdown cancels the session without the drain courtesy.
func (s *Session) Shutdown() {
	s.Close(EndReasonShutdown)
	s.cancel()
}

// Run drives the session until it ends. It is meant to be called as a
// goroutine by the registry.
func (s *Session) Run() {
	defer close(s.done)
	defer s.finish()

	bypass := false
	escalateNext := false

	for {
		resolved := s.res.Resolve(s.ctx, s.upstreamURL, resolver.ResolveOptions{
			Quality:     s.quality,
			BypassCache: bypass,
		})
		s.mu.Lock()
		s.resolved = resolved
		s.mu.Unlock()
		bypass = false

		outcome := s.runProcess(resolved)

		switch outcome.kind {
		case outcomeClosed:
			s.setEnd(EndReasonClosed, outcome.detail)
			return
		case outcomeIdle:
			s.setEnd(EndReasonIdle, "no subscribers within the idle grace")
			return
		case outcomeShutdown:
			s.setEnd(EndReasonShutdown, "")
			return
		case outcomeRenew:
			// Planned renewal: upstream tokens age out, so the URL is
			// re-resolved before they do. Not a failure.
			s.mu.Lock()
			s.renewals++
			s.mu.Unlock()
			bypass = true
			continue
		case outcomeFailure:
			if !s.resilient {
				s.setEnd(EndReasonUnrecoverable, outcome.detail)
				return
			}

			escalate := outcome.escalate || escalateNext
			escalateNext = false
			layer := s.lad.plan(escalate)
			if layer == LayerGiveUp {
				s.setEnd(EndReasonUnrecoverable, outcome.detail)
				return
			}
			s.lad.record(layer)
			s.setState(StateRecovering)

			s.mu.Lock()
			s.restarts++
			if layer >= LayerRenew {
				s.renewals++
			}
			s.mu.Unlock()

			if layer >= LayerRenew {
				bypass = true
			}
			if layer == LayerRecreate {
				s.res.Invalidate(s.upstreamURL)
			}

			delay := s.lad.backoff()
			s.logger.Warn("recovering stream",
				slog.String("layer", layer.String()),
				slog.String("cause", outcome.detail),
				slog.Duration("backoff", delay),
			)
			select {
			case <-time.After(delay):
			case <-s.closeReq:
				s.setEnd(EndReasonClosed, "")
				return
			case <-s.ctx.Done():
				s.setEnd(EndReasonShutdown, "")
				return
			}
			if outcome.escalateMemo {
				escalateNext = true
			}
		}
	}
}

type outcomeKind int

const (
	outcomeFailure outcomeKind = iota
	outcomeClosed
	outcomeIdle
	outcomeRenew
	outcomeShutdown
)

type procOutcome struct {
	kind     outcomeKind
	detail   string
	escalate bool
	// escalateMemo carries decoder corruption observed during this run
	// into the next recovery decision without interrupting playback.
	escalateMemo bool
}

// runProcess spawns one subprocess and supervises it until it stops or a
// recovery trigger fires.
func (s *Session) runProcess(resolved resolver.Resolved) procOutcome {
	extra := ""
	if resolved.Kind == "hls" {
		extra = s.hlsExtra
	}
	args, err := supervisor.BuildArgs(s.template, resolved.URL, extra)
	if err != nil {
		return procOutcome{kind: outcomeFailure, detail: "invalid transcoder template: " + err.Error()}
	}

	proc, err := s.sup.Start(s.ctx, args, nil)
	if err != nil {
		if s.ctx.Err() != nil {
			return procOutcome{kind: outcomeShutdown}
		}
		return procOutcome{kind: outcomeFailure, detail: "spawn failed: " + err.Error()}
	}
	s.mu.Lock()
	s.proc = proc
	s.mu.Unlock()

	spawnedAt := time.Now()
	copierDone := make(chan struct{})
	go s.pump(proc, copierDone)

	stop := func() {
		proc.Stop(s.scfg.StopGrace)
		<-copierDone
		for range proc.Events() {
		}
	}

	ticker := time.NewTicker(time.Second)
	defer ticker.Stop()

	renewAt := time.Time{}
	if s.resilient && s.rcfg.PreemptiveRenewal > 0 {
		renewAt = spawnedAt.Add(s.rcfg.PreemptiveRenewal)
	}

	var escalateMemo bool
	dwellReset := false
	events := proc.Events()

	for {
		select {
		case <-s.closeReq:
			s.setState(StateDraining)
			stop()
			s.drain()
			return procOutcome{kind: outcomeClosed}

		case <-s.ctx.Done():
			stop()
			return procOutcome{kind: outcomeShutdown}

		case ev, ok := <-events:
			if !ok {
				// Exited was consumed on a previous iteration. A nil channel
				// blocks, so the select settles on the ticker and closeReq.
				events = nil
				continue
			}
			switch e := ev.(type) {
			case supervisor.Started:
				s.logger.Info("transcoder started", slog.Int("pid", e.PID))
			case supervisor.ClassifiedError:
				s.mu.Lock()
				s.lastErrKind = e.Kind
				s.mu.Unlock()
				s.logger.Warn("transcoder reported error",
					slog.String("kind", string(e.Kind)),
					slog.String("line", e.Line),
				)
				switch {
				case e.Kind == supervisor.ErrorDecoderCorruption:
					escalateMemo = true
				case e.Kind.Transient() || e.Kind == supervisor.ErrorDecryption:
					stop()
					return procOutcome{
						kind:         outcomeFailure,
						detail:       string(e.Kind),
						escalate:     e.Kind == supervisor.ErrorDecryption,
						escalateMemo: escalateMemo,
					}
				}
			case supervisor.Exited:
				<-copierDone
				detail := "transcoder exited"
				if e.Err != nil {
					detail = e.Err.Error()
				}
				s.mu.Lock()
				last := s.lastErrKind
				s.mu.Unlock()
				return procOutcome{
					kind:         outcomeFailure,
					detail:       detail,
					escalate:     last == supervisor.ErrorDecoderCorruption || last == supervisor.ErrorDecryption,
					escalateMemo: escalateMemo,
				}
			}

		case <-ticker.C:
			now := time.Now()
			s.mu.Lock()
			state := s.state
			first := s.firstByteAt
			lastByte := s.lastByteAt
			active := s.activeSince
			s.mu.Unlock()

			if first.IsZero() && now.Sub(spawnedAt) > s.scfg.StartupDeadline {
				stop()
				return procOutcome{kind: outcomeFailure, detail: "no output within the startup deadline"}
			}
			if state == StateActive && now.Sub(lastByte) > s.scfg.StallDeadline {
				stop()
				return procOutcome{kind: outcomeFailure, detail: "stream stalled", escalateMemo: escalateMemo}
			}
			if state == StateActive && !dwellReset && !active.IsZero() && now.Sub(active) > s.rcfg.HealthyDwell {
				s.lad.reset()
				dwellReset = true
			}
			if !renewAt.IsZero() && state == StateActive && now.After(renewAt) {
				stop()
				return procOutcome{kind: outcomeRenew}
			}

			if idleSince, ok := s.hub.IdleSince(); ok {
				grace := s.scfg.IdleGrace
				if s.preview {
					grace = s.scfg.PreviewIdleTimeout
				}
				if now.Sub(idleSince) > grace {
					s.setState(StateDraining)
					stop()
					return procOutcome{kind: outcomeIdle}
				}
			}

			s.maybeInspectTS()
		}
	}
}

// pump copies subprocess stdout into the hub. It runs once per spawned
// process and returns when the pipe drains.
func (s *Session) pump(proc *supervisor.Process, done chan<- struct{}) {
	defer close(done)

	buf := make([]byte, s.scfg.ChunkSizeBytes.Int())
	for {
		n, err := proc.Stdout().Read(buf)
		if n > 0 {
			now := time.Now()
			s.mu.Lock()
			s.lastByteAt = now
			if s.firstByteAt.IsZero() {
				s.firstByteAt = now
			}
			becameActive := s.state == StateStarting || s.state == StateRecovering
			if becameActive {
				s.activeSince = now
			}
			s.mu.Unlock()
			if becameActive {
				s.setState(StateActive)
			}
			if _, werr := s.hub.Write(buf[:n]); werr != nil {
				return
			}
		}
		if err != nil {
			return
		}
	}
}

// drain lets attached subscribers finish reading the buffered tail.
func (s *Session) drain() {
	s.hub.Close()
	deadline := time.After(s.scfg.DrainDeadline)
	ticker := time.NewTicker(100 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-deadline:
			return
		case <-s.ctx.Done():
			return
		case <-ticker.C:
			if s.hub.SubscriberCount() == 0 {
				return
			}
		}
	}
}

// maybeInspectTS parses PAT/PMT out of the buffered stream head once
// enough bytes exist. Preview output is MP4, not a transport stream.
func (s *Session) maybeInspectTS() {
	if s.preview {
		return
	}
	s.mu.Lock()
	have := s.tsInfo != nil || s.tsGiveUp
	s.mu.Unlock()
	if have {
		return
	}

	head := s.hub.Head()
	if len(head) < 188*20 {
		return
	}
	info, err := InspectTS(head)
	s.mu.Lock()
	if err == nil {
		s.tsInfo = info
	} else if len(head) >= headProbeBytes {
		s.tsGiveUp = true
	}
	s.mu.Unlock()
}

func (s *Session) setState(state State) {
	s.mu.Lock()
	if s.state != state && s.state != StateEnded {
		s.logger.Debug("session state change",
			slog.String("from", string(s.state)),
			slog.String("to", string(state)),
		)
		s.state = state
		s.stateChanged = time.Now()
	}
	s.mu.Unlock()
}

func (s *Session) setEnd(reason, detail string) {
	s.mu.Lock()
	if s.endReason == "" || reason == EndReasonUnrecoverable {
		s.endReason = reason
	}
	if s.endDetail == "" {
		s.endDetail = detail
	}
	s.mu.Unlock()
}

// finish moves the session to ENDED and fires the end callback.
func (s *Session) finish() {
	s.hub.Close()
	s.mu.Lock()
	s.state = StateEnded
	s.stateChanged = time.Now()
	reason := s.endReason
	s.mu.Unlock()
	s.cancel()

	s.logger.Info("session ended",
		slog.String("reason", reason),
		slog.Uint64("bytes", s.hub.TotalIn()),
	)
	if s.onEnd != nil {
		s.onEnd(s)
	}
}

// EndReason returns why the session ended, empty while it runs.
func (s *Session) EndReason() (string, string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.endReason, s.endDetail
}

// SessionStatus is the externally visible snapshot.
type SessionStatus struct {
	ID          string            `json:"id"`
	ChannelID   string            `json:"channel_id,omitempty"`
	ChannelName string            `json:"channel_name,omitempty"`
	State       State             `json:"state"`
	Preview     bool              `json:"preview,omitempty"`
	ClientClass ClientClass       `json:"client_class,omitempty"`
	ConsumerIDs []string          `json:"consumer_ids,omitempty"`
	Upstream    string            `json:"upstream"`
	Resolved    resolver.Resolved `json:"resolved"`
	StartedAt   time.Time         `json:"started_at"`
	FirstByteAt *time.Time        `json:"first_byte_at,omitempty"`
	LastByteAt  *time.Time        `json:"last_byte_at,omitempty"`
	BytesIn     uint64            `json:"bytes_in"`
	Restarts    int               `json:"restarts"`
	Renewals    int               `json:"renewals"`
	EndReason   string            `json:"end_reason,omitempty"`
	PID         int               `json:"pid,omitempty"`
	Process     *supervisor.Stats `json:"process,omitempty"`
	TS          *TSInfo           `json:"ts,omitempty"`
	Buffer      HubStats          `json:"buffer"`
}

// Status snapshots the session.
func (s *Session) Status() SessionStatus {
	s.mu.Lock()
	status := SessionStatus{
		ID:          s.id,
		ChannelID:   s.channelID,
		ChannelName: s.channelName,
		State:       s.state,
		Preview:     s.preview,
		ClientClass: s.clientClass,
		ConsumerIDs: s.consumerIDsLocked(),
		Upstream:    observability.RedactURL(s.upstreamURL),
		Resolved:    s.resolved,
		StartedAt:   s.startedAt,
		Restarts:    s.restarts,
		Renewals:    s.renewals,
		EndReason:   s.endReason,
		TS:          s.tsInfo,
	}
	if !s.firstByteAt.IsZero() {
		t := s.firstByteAt
		status.FirstByteAt = &t
	}
	if !s.lastByteAt.IsZero() {
		t := s.lastByteAt
		status.LastByteAt = &t
	}
	proc := s.proc
	s.mu.Unlock()

	status.Resolved.URL = observability.RedactURL(status.Resolved.URL)
	status.Resolved.MasterURL = observability.RedactURL(status.Resolved.MasterURL)
	status.BytesIn = s.hub.TotalIn()
	status.Buffer = s.hub.Stats()

	if proc != nil && status.State == StateActive {
		status.PID = proc.PID()
		if stats, err := proc.Stats(); err == nil {
			status.Process = &stats
		}
	}
	return status
}

// PeakSubscribers proxies the hub high-water mark for auditing.
func (s *Session) PeakSubscribers() int { return s.hub.PeakSubscribers() }

// BytesIn proxies the hub byte counter for auditing.
func (s *Session) BytesIn() uint64 { return s.hub.TotalIn() }

// Counters returns restart and renewal counts for auditing.
func (s *Session) Counters() (restarts, renewals int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.restarts, s.renewals
}

// UpstreamURL returns the original configured upstream.
func (s *Session) UpstreamURL() string { return s.upstreamURL }

// Resolved returns the current resolution result. The segment proxy needs
// the un-redacted playlist URL to locate segments.
func (s *Session) Resolved() resolver.Resolved {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.resolved
}

// ChannelName returns the display name of the channel.
func (s *Session) ChannelName() string { return s.channelName }

// ClientClass returns the classification that opened this session.
func (s *Session) ClientClass() ClientClass { return s.clientClass }
