package relay

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/zane33/plexbridge/internal/config"
	"github.com/zane33/plexbridge/internal/models"
	"github.com/zane33/plexbridge/internal/observability"
	"github.com/zane33/plexbridge/internal/repository"
	"github.com/zane33/plexbridge/internal/resolver"
	"github.com/zane33/plexbridge/internal/supervisor"
)

// OpenRequest describes a session to open.
type OpenRequest struct {
	ChannelID   string
	ChannelName string
	UpstreamURL string
	// Aliases are alternative lookup keys for the session, typically the
	// channel id and channel number. They survive recovery.
	Aliases []string
	// ConsumerID is the client-supplied session token, registered as an
	// alias when present so keep-alive probes carrying it resolve here.
	ConsumerID string
	Preview    bool
	Quality    resolver.Quality

	// TemplateOverride replaces the classified template when set. The
	// preview endpoint uses it for transcode=false requests.
	TemplateOverride string

	RemoteAddr string
	UserAgent  string
}

// Registry owns all live sessions and their alias table, enforces
// capacity, and writes the audit trail.
type Registry struct {
	cfg        *config.Config
	sup        *supervisor.Supervisor
	res        *resolver.Upstream
	classifier *Classifier
	audits     repository.SessionAuditRepository
	logger     *slog.Logger

	mu       sync.Mutex
	sessions map[string]*Session
	aliases  map[string]string
	closed   bool
}

// NewRegistry creates a registry. audits may be nil in tests.
func NewRegistry(cfg *config.Config, sup *supervisor.Supervisor, res *resolver.Upstream, audits repository.SessionAuditRepository, logger *slog.Logger) *Registry {
	if logger == nil {
		logger = slog.Default()
	}
	return &Registry{
		cfg:        cfg,
		sup:        sup,
		res:        res,
		classifier: NewClassifier(cfg),
		audits:     audits,
		logger:     logger.With(slog.String("component", "registry")),
		sessions:   make(map[string]*Session),
		aliases:    make(map[string]string),
	}
}

// Open creates and starts a new session. A conflicting healthy session on
// the same alias is rejected; an unhealthy one is replaced in place.
func (r *Registry) Open(ctx context.Context, req OpenRequest) (*Session, error) {
	if req.UpstreamURL == "" {
		return nil, E(KindBadUpstream, "channel has no upstream URL")
	}

	cl := r.classifier.Classify(req.UserAgent)
	template := cl.Template
	if req.Preview {
		template = r.cfg.Templates.PreviewMP4
	}
	if req.TemplateOverride != "" {
		template = req.TemplateOverride
	}

	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil, E(KindInternal, "registry is shutting down")
	}

	keys := append([]string{}, req.Aliases...)
	// Preview sessions are looked up only through their explicit aliases;
	// registering the channel id would collide with a tuner session on the
	// same channel, which is allowed to coexist.
	if req.ChannelID != "" && !req.Preview {
		keys = append(keys, req.ChannelID)
	}
	if req.ConsumerID != "" {
		keys = append(keys, req.ConsumerID)
	}

	var replaced *Session
	for _, key := range keys {
		id, ok := r.aliases[key]
		if !ok {
			continue
		}
		existing, ok := r.sessions[id]
		if !ok {
			continue
		}
		if existing.Healthy() {
			r.mu.Unlock()
			return nil, Ef(KindSessionConflict, "channel %s is already streaming", req.ChannelName)
		}
		replaced = existing
		break
	}

	tuners, previews := 0, 0
	for _, sess := range r.sessions {
		if sess == replaced {
			continue
		}
		if sess.Preview() {
			previews++
		} else {
			tuners++
		}
	}
	if req.Preview && previews >= r.cfg.Streaming.MaxConcurrentPreviews {
		r.mu.Unlock()
		return nil, Ef(KindCapacityExhausted, "all %d preview slots are in use", r.cfg.Streaming.MaxConcurrentPreviews)
	}
	if !req.Preview && tuners >= r.cfg.Streaming.MaxConcurrentStreams {
		r.mu.Unlock()
		return nil, Ef(KindCapacityExhausted, "all %d tuners are in use", r.cfg.Streaming.MaxConcurrentStreams)
	}

	sess := NewSession(SessionConfig{
		ID:          uuid.NewString(),
		ChannelID:   req.ChannelID,
		ChannelName: req.ChannelName,
		UpstreamURL: req.UpstreamURL,
		Preview:     req.Preview,
		Quality:     req.Quality,
		Template:    template,
		HLSExtra:    r.cfg.Templates.HLSExtraArgs,
		Resilient:   cl.Resilient,
		ClientClass: cl.Class,
		Streaming:   r.cfg.Streaming,
		Resilience:  r.cfg.Resilience,
	}, r.sup, r.res, r.logger, r.onEnd)

	r.sessions[sess.ID()] = sess
	for _, key := range keys {
		r.aliases[key] = sess.ID()
	}
	if req.ConsumerID != "" {
		sess.AddConsumerID(req.ConsumerID)
	}
	r.mu.Unlock()

	if replaced != nil {
		r.logger.Info("replacing unhealthy session",
			slog.String("old", replaced.ID()),
			slog.String("new", sess.ID()),
		)
		replaced.Close(EndReasonReplaced)
	}

	r.writeAudit(ctx, sess, req, cl)
	go sess.Run()

	r.logger.Info("session opened",
		slog.String("session_id", sess.ID()),
		slog.String("channel", req.ChannelName),
		slog.Bool("preview", req.Preview),
		slog.String("client_class", string(cl.Class)),
	)
	return sess, nil
}

// Resolve finds a session by id or alias.
func (r *Registry) Resolve(idOrAlias string) (*Session, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.resolveLocked(idOrAlias)
}

func (r *Registry) resolveLocked(idOrAlias string) (*Session, bool) {
	if sess, ok := r.sessions[idOrAlias]; ok {
		return sess, true
	}
	if id, ok := r.aliases[idOrAlias]; ok {
		if sess, ok := r.sessions[id]; ok {
			return sess, true
		}
	}
	return nil, false
}

// AddAlias binds a client-supplied consumer id to a live session. Media
// servers tag their keep-alive probes with their own session token; once
// bound, the token resolves to the same session. Consumer ids stay
// disjoint across live sessions: a token already bound elsewhere is
// rejected.
func (r *Registry) AddAlias(idOrAlias, consumerID string) error {
	if consumerID == "" {
		return E(KindInternal, "empty consumer id")
	}

	r.mu.Lock()
	defer r.mu.Unlock()

	sess, ok := r.resolveLocked(idOrAlias)
	if !ok {
		return Ef(KindNotFound, "no session for %q", idOrAlias)
	}
	if _, taken := r.sessions[consumerID]; taken && consumerID != sess.ID() {
		return Ef(KindSessionConflict, "consumer id %q names another session", consumerID)
	}
	if id, bound := r.aliases[consumerID]; bound && id != sess.ID() {
		return Ef(KindSessionConflict, "consumer id %q is bound to another session", consumerID)
	}

	r.aliases[consumerID] = sess.ID()
	sess.AddConsumerID(consumerID)
	return nil
}

// Attach resolves a session and subscribes a reader in one step.
func (r *Registry) Attach(idOrAlias, subscriberID string, mode JoinMode, remoteAddr, userAgent string) (*Session, *Subscriber, error) {
	sess, ok := r.Resolve(idOrAlias)
	if !ok {
		return nil, nil, Ef(KindNotFound, "no session for %q", idOrAlias)
	}
	sub, err := sess.Subscribe(subscriberID, mode, remoteAddr, userAgent)
	if err != nil {
		return nil, nil, err
	}
	return sess, sub, nil
}

// TouchActivity refreshes a session's idle clock without attaching. HEAD
// probes and playlist polls land here.
func (r *Registry) TouchActivity(idOrAlias string) bool {
	sess, ok := r.Resolve(idOrAlias)
	if !ok {
		return false
	}
	sess.Touch()
	return true
}

// Close requests an orderly shutdown of one session.
func (r *Registry) Close(idOrAlias, reason string) error {
	sess, ok := r.Resolve(idOrAlias)
	if !ok {
		return Ef(KindNotFound, "no session for %q", idOrAlias)
	}
	sess.Close(reason)
	return nil
}

// Capacity reports slot usage.
type Capacity struct {
	Current int `json:"current"`
	Max     int `json:"max"`
}

// Snapshot is the registry-wide view.
type Snapshot struct {
	Sessions []SessionStatus `json:"sessions"`
	Tuners   Capacity        `json:"capacity"`
	Previews Capacity        `json:"preview_capacity"`
}

// Snapshot captures all live sessions.
func (r *Registry) Snapshot() Snapshot {
	r.mu.Lock()
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	snap := Snapshot{
		Sessions: make([]SessionStatus, 0, len(sessions)),
		Tuners:   Capacity{Max: r.cfg.Streaming.MaxConcurrentStreams},
		Previews: Capacity{Max: r.cfg.Streaming.MaxConcurrentPreviews},
	}
	for _, sess := range sessions {
		status := sess.Status()
		snap.Sessions = append(snap.Sessions, status)
		if status.Preview {
			snap.Previews.Current++
		} else {
			snap.Tuners.Current++
		}
	}
	return snap
}

// Shutdown drains every session, waiting up to the context deadline
// before forcing the stragglers down.
func (r *Registry) Shutdown(ctx context.Context) {
	r.mu.Lock()
	r.closed = true
	sessions := make([]*Session, 0, len(r.sessions))
	for _, sess := range r.sessions {
		sessions = append(sessions, sess)
	}
	r.mu.Unlock()

	for _, sess := range sessions {
		sess.Close(EndReasonShutdown)
	}
	for _, sess := range sessions {
		select {
		case <-sess.Done():
		case <-ctx.Done():
			sess.Shutdown()
			<-sess.Done()
		}
	}
}

// onEnd unregisters an ended session and finalises its audit row.
func (r *Registry) onEnd(sess *Session) {
	r.mu.Lock()
	delete(r.sessions, sess.ID())
	for key, id := range r.aliases {
		if id == sess.ID() {
			delete(r.aliases, key)
		}
	}
	r.mu.Unlock()

	if r.audits == nil {
		return
	}
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	audit, err := r.audits.GetBySessionID(ctx, sess.ID())
	if err != nil || audit == nil {
		r.logger.Warn("audit row missing at session end", slog.String("session_id", sess.ID()))
		return
	}
	now := time.Now()
	reason, detail := sess.EndReason()
	restarts, renewals := sess.Counters()
	audit.EndedAt = &now
	audit.EndReason = reason
	audit.EndDetail = detail
	audit.BytesOut = int64(sess.BytesIn())
	audit.Restarts = restarts
	audit.Renewals = renewals
	audit.PeakSubscribers = sess.PeakSubscribers()
	if err := r.audits.Finalize(ctx, audit); err != nil {
		r.logger.Error("finalizing session audit", slog.String("error", err.Error()))
	}
}

func (r *Registry) writeAudit(ctx context.Context, sess *Session, req OpenRequest, cl Classification) {
	if r.audits == nil {
		return
	}
	channelID, _ := models.ParseULID(req.ChannelID)
	audit := &models.SessionAudit{
		SessionID:   sess.ID(),
		ChannelID:   channelID,
		ChannelName: req.ChannelName,
		UpstreamURL: observability.RedactURL(req.UpstreamURL),
		ClientAddr:  req.RemoteAddr,
		UserAgent:   req.UserAgent,
		ClientClass: string(cl.Class),
		Preview:     req.Preview,
		StartedAt:   time.Now(),
	}
	if err := r.audits.Create(ctx, audit); err != nil {
		r.logger.Error("writing session audit", slog.String("error", err.Error()))
	}
}
