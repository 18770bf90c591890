package relay

import (
	"math"
	"time"

	"github.com/zane33/plexbridge/internal/config"
)

// Layer is a rung of the recovery ladder.
type Layer int

const (
	// LayerReconnect restarts the subprocess against the same resolved URL.
	LayerReconnect Layer = iota + 1
	// LayerRenew restarts with a freshly resolved URL, bypassing the
	// variant cache. Expired upstream tokens land here.
	LayerRenew
	// LayerRecreate tears the whole pipeline down and rebuilds it while
	// the session identity and aliases stay put.
	LayerRecreate
	// LayerGiveUp ends the session as unrecoverable.
	LayerGiveUp
)

func (l Layer) String() string {
	switch l {
	case LayerReconnect:
		return "reconnect"
	case LayerRenew:
		return "renew"
	case LayerRecreate:
		return "recreate"
	case LayerGiveUp:
		return "give_up"
	default:
		return "none"
	}
}

// backoffFactor grows the delay between recovery attempts.
const backoffFactor = 1.3

// ladder tracks consecutive recovery attempts per layer and plans the
// next one. It is driven from the session goroutine and needs no locking.
type ladder struct {
	cfg     config.ResilienceConfig
	l1      int
	l2      int
	l3      int
	attempt int
}

func newLadder(cfg config.ResilienceConfig) ladder {
	return ladder{cfg: cfg}
}

// plan decides the layer for the next recovery attempt. escalate skips
// straight to renewal; decoder corruption and decryption failures mean
// the current URL is poisoned and reconnecting to it is pointless.
func (l *ladder) plan(escalate bool) Layer {
	switch {
	case l.l3 >= l.cfg.N3:
		return LayerGiveUp
	case l.l2 >= l.cfg.N2:
		return LayerRecreate
	case escalate || l.l1 >= l.cfg.N1:
		return LayerRenew
	default:
		return LayerReconnect
	}
}

// record counts an attempt at the given layer.
func (l *ladder) record(layer Layer) {
	switch layer {
	case LayerReconnect:
		l.l1++
	case LayerRenew:
		l.l2++
	case LayerRecreate:
		l.l3++
	}
	l.attempt++
}

// backoff returns the delay before the next attempt.
func (l *ladder) backoff() time.Duration {
	d := time.Duration(float64(l.cfg.BaseBackoff) * math.Pow(backoffFactor, float64(l.attempt)))
	if d > l.cfg.MaxBackoff {
		d = l.cfg.MaxBackoff
	}
	if d < l.cfg.BaseBackoff {
		d = l.cfg.BaseBackoff
	}
	return d
}

// reset clears all counters after a healthy dwell.
func (l *ladder) reset() {
	l.l1, l.l2, l.l3, l.attempt = 0, 0, 0, 0
}
