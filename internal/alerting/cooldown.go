// internal/alerting/cooldown.go
package alerting

import (
	"context"
	"sync"
	"time"

	"iot-sensor-gateway/internal/data"
	"iot-sensor-gateway/internal/metrics"
)

const (
	DefaultCooldown = 5 * time.Minute
	DefaultMaxKeys  = 100 // compaction kicks in above this many tracked keys
)

// Gate decides whether an alert may go out.
type Gate interface {
	Admit(ctx context.Context, alert data.Alert) bool
}

// cooldownKey identifies a (device, alert type) pair. Threshold values are
// deliberately not part of the key.
func cooldownKey(a data.Alert) string {
	return a.DeviceID + ":" + string(a.Type)
}

// CooldownGate suppresses repeats of the same device/type pair inside a window.
type CooldownGate struct {
	mu      sync.Mutex
	last    map[string]time.Time
	window  time.Duration
	maxKeys int
	now     func() time.Time
}

type GateOption func(*CooldownGate)

// WithClock overrides the time source.
func WithClock(now func() time.Time) GateOption {
	return func(g *CooldownGate) { g.now = now }
}

// WithMaxKeys sets the key count above which stale entries are purged.
func WithMaxKeys(n int) GateOption {
	return func(g *CooldownGate) {
		if n > 0 {
			g.maxKeys = n
		}
	}
}

func NewCooldownGate(window time.Duration, opts ...GateOption) *CooldownGate {
	if window <= 0 {
		window = DefaultCooldown
	}
	g := &CooldownGate{
		last:    make(map[string]time.Time),
		window:  window,
		maxKeys: DefaultMaxKeys,
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(g)
	}
	return g
}

// Admit records the alert and returns true unless the same pair was admitted
// less than one window ago.
func (g *CooldownGate) Admit(_ context.Context, alert data.Alert) bool {
	key := cooldownKey(alert)

	g.mu.Lock()
	defer g.mu.Unlock()

	now := g.now()
	if last, ok := g.last[key]; ok && now.Sub(last) < g.window {
		return false
	}
	g.last[key] = now

	if len(g.last) > g.maxKeys {
		g.compact(now)
	}
	metrics.CooldownKeys.Set(float64(len(g.last)))
	return true
}

// compact drops entries that no longer suppress anything. Caller holds mu.
func (g *CooldownGate) compact(now time.Time) {
	for key, last := range g.last {
		if now.Sub(last) >= g.window {
			delete(g.last, key)
		}
	}
}

// Len returns the number of tracked keys.
func (g *CooldownGate) Len() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.last)
}
