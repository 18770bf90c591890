package relay

import (
	"context"
	"errors"
	"fmt"
	"io"
	"sync"
	"time"
)

// ErrHubClosed is returned when subscribing to or writing into a closed hub.
var ErrHubClosed = errors.New("hub closed")

// ReasonSlowSubscriber is the detach reason for subscribers that fell
// behind the ring.
const ReasonSlowSubscriber = "slow_subscriber"

// DetachError reports that the hub dropped a subscriber.
type DetachError struct {
	Reason string
}

func (e *DetachError) Error() string {
	return fmt.Sprintf("subscriber detached: %s", e.Reason)
}

// JoinMode selects where a new subscriber's cursor starts.
type JoinMode int

const (
	// JoinLive starts at the write head. Previews join live so the user
	// sees current content immediately.
	JoinLive JoinMode = iota
	// JoinReplay starts at the oldest buffered chunk. Tuners join in
	// replay so a channel change gets the prebuffered backlog at once.
	JoinReplay
)

// headProbeBytes is how much of the stream start the hub retains for
// container inspection.
const headProbeBytes = 64 * 1024

// HubConfig sizes the ring.
type HubConfig struct {
	// RingBytes bounds total buffered bytes.
	RingBytes int
	// ChunkBytes caps a single chunk; larger writes are split.
	ChunkBytes int
}

type hubChunk struct {
	seq  uint64
	data []byte
}

// Hub fans one producer stream out to many subscribers through a chunk
// ring. The producer never blocks: subscribers that fall off the back of
// the ring are detached instead.
type Hub struct {
	cfg HubConfig

	mu        sync.Mutex
	chunks    []hubChunk
	firstSeq  uint64
	nextSeq   uint64
	size      int
	subs      map[string]*Subscriber
	closed    bool
	head      []byte
	totalIn   uint64
	lastWrite time.Time
	lastEmpty time.Time
	peakSubs  int
}

// Subscriber is one attached reader. All fields are guarded by the hub
// mutex.
type Subscriber struct {
	ID         string
	RemoteAddr string
	UserAgent  string
	JoinedAt   time.Time

	cursor       uint64
	notify       chan struct{}
	detached     bool
	detachReason string
	bytesOut     uint64
}

// NewHub creates a hub.
func NewHub(cfg HubConfig) *Hub {
	if cfg.RingBytes <= 0 {
		cfg.RingBytes = 16 * 1024 * 1024
	}
	if cfg.ChunkBytes <= 0 {
		cfg.ChunkBytes = 64 * 1024
	}
	if cfg.ChunkBytes > cfg.RingBytes {
		cfg.ChunkBytes = cfg.RingBytes
	}
	return &Hub{
		cfg:       cfg,
		subs:      make(map[string]*Subscriber),
		lastEmpty: time.Now(),
	}
}

// Write appends producer bytes to the ring, splitting into capped chunks.
// It implements io.Writer and never blocks on subscribers.
func (h *Hub) Write(p []byte) (int, error) {
	total := len(p)
	for len(p) > 0 {
		n := len(p)
		if n > h.cfg.ChunkBytes {
			n = h.cfg.ChunkBytes
		}
		if err := h.append(p[:n]); err != nil {
			return total - len(p), err
		}
		p = p[n:]
	}
	return total, nil
}

func (h *Hub) append(data []byte) error {
	// The producer reuses its read buffer, so the chunk owns a copy.
	owned := make([]byte, len(data))
	copy(owned, data)

	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return ErrHubClosed
	}

	h.chunks = append(h.chunks, hubChunk{seq: h.nextSeq, data: owned})
	h.nextSeq++
	h.size += len(owned)
	h.totalIn += uint64(len(owned))
	h.lastWrite = time.Now()

	if len(h.head) < headProbeBytes {
		room := headProbeBytes - len(h.head)
		if room > len(owned) {
			room = len(owned)
		}
		h.head = append(h.head, owned[:room]...)
	}

	for h.size > h.cfg.RingBytes && len(h.chunks) > 0 {
		evicted := h.chunks[0]
		h.chunks = h.chunks[1:]
		h.firstSeq = evicted.seq + 1
		h.size -= len(evicted.data)
	}

	// A subscriber whose cursor points at an evicted chunk has lost data
	// and cannot be served a contiguous stream any more.
	for _, sub := range h.subs {
		if !sub.detached && sub.cursor < h.firstSeq {
			sub.detached = true
			sub.detachReason = ReasonSlowSubscriber
		}
	}

	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
	return nil
}

// Subscribe attaches a reader.
func (h *Hub) Subscribe(id string, mode JoinMode, remoteAddr, userAgent string) (*Subscriber, error) {
	h.mu.Lock()
	defer h.mu.Unlock()

	if h.closed {
		return nil, ErrHubClosed
	}

	sub := &Subscriber{
		ID:         id,
		RemoteAddr: remoteAddr,
		UserAgent:  userAgent,
		JoinedAt:   time.Now(),
		notify:     make(chan struct{}, 1),
	}
	switch mode {
	case JoinReplay:
		sub.cursor = h.firstSeq
	default:
		sub.cursor = h.nextSeq
	}

	h.subs[id] = sub
	if len(h.subs) > h.peakSubs {
		h.peakSubs = len(h.subs)
	}
	return sub, nil
}

// Unsubscribe detaches a reader. It reports whether the id was attached.
func (h *Hub) Unsubscribe(id string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()

	sub, ok := h.subs[id]
	if !ok {
		return false
	}
	delete(h.subs, id)
	if !sub.detached {
		sub.detached = true
		sub.detachReason = "unsubscribed"
	}
	select {
	case sub.notify <- struct{}{}:
	default:
	}
	if len(h.subs) == 0 {
		h.lastEmpty = time.Now()
	}
	return true
}

// Read returns the next run of buffered bytes for the subscriber, waiting
// for the producer when it has caught up. It returns io.EOF once the hub
// is closed and drained, and a DetachError if the hub dropped the
// subscriber.
func (h *Hub) Read(ctx context.Context, sub *Subscriber) ([]byte, error) {
	for {
		h.mu.Lock()
		if sub.detached {
			reason := sub.detachReason
			h.mu.Unlock()
			return nil, &DetachError{Reason: reason}
		}

		if sub.cursor < h.nextSeq {
			start := int(sub.cursor - h.firstSeq)
			n := 0
			for _, c := range h.chunks[start:] {
				n += len(c.data)
			}
			buf := make([]byte, 0, n)
			for _, c := range h.chunks[start:] {
				buf = append(buf, c.data...)
			}
			sub.cursor = h.nextSeq
			sub.bytesOut += uint64(len(buf))
			h.mu.Unlock()
			return buf, nil
		}

		closed := h.closed
		h.mu.Unlock()
		if closed {
			return nil, io.EOF
		}

		select {
		case <-sub.notify:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
}

// Close wakes all subscribers; readers drain what is buffered and then
// see EOF.
func (h *Hub) Close() {
	h.mu.Lock()
	if h.closed {
		h.mu.Unlock()
		return
	}
	h.closed = true
	subs := make([]*Subscriber, 0, len(h.subs))
	for _, sub := range h.subs {
		subs = append(subs, sub)
	}
	h.mu.Unlock()

	for _, sub := range subs {
		select {
		case sub.notify <- struct{}{}:
		default:
		}
	}
}

// SubscriberCount returns the number of attached subscribers.
func (h *Hub) SubscriberCount() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return len(h.subs)
}

// PeakSubscribers returns the high-water subscriber count.
func (h *Hub) PeakSubscribers() int {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.peakSubs
}

// IdleSince reports when the hub last became empty. ok is false while
// subscribers are attached.
func (h *Hub) IdleSince() (time.Time, bool) {
	h.mu.Lock()
	defer h.mu.Unlock()
	if len(h.subs) > 0 {
		return time.Time{}, false
	}
	return h.lastEmpty, true
}

// Touch pushes the idle clock forward without attaching a subscriber.
func (h *Hub) Touch() {
	h.mu.Lock()
	if len(h.subs) == 0 {
		h.lastEmpty = time.Now()
	}
	h.mu.Unlock()
}

// LastWrite returns when the producer last appended bytes.
func (h *Hub) LastWrite() time.Time {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.lastWrite
}

// TotalIn returns total bytes written by the producer.
func (h *Hub) TotalIn() uint64 {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.totalIn
}

// Head returns a copy of the retained stream start, for container
// inspection.
func (h *Hub) Head() []byte {
	h.mu.Lock()
	defer h.mu.Unlock()
	out := make([]byte, len(h.head))
	copy(out, h.head)
	return out
}

// HubStats is a point-in-time snapshot.
type HubStats struct {
	BufferedBytes int              `json:"buffered_bytes"`
	Chunks        int              `json:"chunks"`
	TotalIn       uint64           `json:"total_in"`
	Subscribers   []SubscriberInfo `json:"subscribers,omitempty"`
}

// SubscriberInfo describes one attached subscriber.
type SubscriberInfo struct {
	ID         string    `json:"id"`
	RemoteAddr string    `json:"remote_addr,omitempty"`
	UserAgent  string    `json:"user_agent,omitempty"`
	JoinedAt   time.Time `json:"joined_at"`
	BytesOut   uint64    `json:"bytes_out"`
	LagChunks  uint64    `json:"lag_chunks"`
}

// Stats snapshots the hub.
func (h *Hub) Stats() HubStats {
	h.mu.Lock()
	defer h.mu.Unlock()

	stats := HubStats{
		BufferedBytes: h.size,
		Chunks:        len(h.chunks),
		TotalIn:       h.totalIn,
	}
	for _, sub := range h.subs {
		stats.Subscribers = append(stats.Subscribers, SubscriberInfo{
			ID:         sub.ID,
			RemoteAddr: sub.RemoteAddr,
			UserAgent:  sub.UserAgent,
			JoinedAt:   sub.JoinedAt,
			BytesOut:   sub.bytesOut,
			LagChunks:  h.nextSeq - sub.cursor,
		})
	}
	return stats
}
