package rotation

import (
	"errors"
	"math/rand"
	"sync"
	"time"
)

// Strategy selects how identities and backends are rotated.
type Strategy string

const (
	StrategyRandom     Strategy = "random"
	StrategyRoundRobin Strategy = "round_robin"
)

// ErrNoHealthyBackend is returned when backend rotation is enabled but the
// registry has no healthy candidate left. The engine never falls back to an
// unhealthy backend on its own; callers decide whether to go direct instead.
var ErrNoHealthyBackend = errors.New("no healthy backend available")

// backendHealth 是每个后端的健康状态，仅由 Registry 持有和修改。
// 不变式: healthy == false 时 unhealthySince 一定非零。
type backendHealth struct {
	healthy             bool
	unhealthySince      time.Time
	consecutiveFailures int
}

// Registry owns the set of registered backends plus their health state and
// the shared round-robin cursor. All access is serialized by one mutex; the
// lock is never held across network I/O or sleeps.
type Registry struct {
	mu       sync.Mutex
	backends []*Backend
	health   map[string]*backendHealth
	cursor   int

	failureThreshold int
	recoveryWindow   time.Duration

	now func() time.Time // overridable in tests
}

// NewRegistry creates an empty registry. A failureThreshold below 1 is
// clamped to 1: a single failure quarantines the backend.
func NewRegistry(failureThreshold int, recoveryWindow time.Duration) *Registry {
	if failureThreshold < 1 {
		failureThreshold = 1
	}
	if recoveryWindow <= 0 {
		recoveryWindow = 5 * time.Minute
	}
	return &Registry{
		health:           make(map[string]*backendHealth),
		failureThreshold: failureThreshold,
		recoveryWindow:   recoveryWindow,
		now:              time.Now,
	}
}

// Register adds a backend to the registry. Registering an already-known
// backend (same scheme://host:port) is a no-op.
func (r *Registry) Register(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	key := b.Key()
	if _, exists := r.health[key]; exists {
		return
	}
	r.backends = append(r.backends, b)
	r.health[key] = &backendHealth{healthy: true}
}

// Select picks a healthy backend according to the strategy, or returns
// ErrNoHealthyBackend when none remains.
func (r *Registry) Select(strategy Strategy) (*Backend, error) {
	return r.SelectExcluding(strategy, nil)
}

// SelectExcluding is Select with an additional caller-supplied exclusion
// set (keyed by Backend.Key). Retry uses it to avoid re-picking a backend
// that just failed while other healthy candidates remain.
func (r *Registry) SelectExcluding(strategy Strategy, excluded map[string]struct{}) (*Backend, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	candidates := make([]*Backend, 0, len(r.backends))
	for _, b := range r.backends {
		if _, skip := excluded[b.Key()]; skip {
			continue
		}
		if r.isHealthyLocked(b, now) {
			candidates = append(candidates, b)
		}
	}
	if len(candidates) == 0 {
		return nil, ErrNoHealthyBackend
	}

	if strategy == StrategyRandom {
		return candidates[rand.Intn(len(candidates))], nil
	}

	// Round-robin walks the insertion-ordered list from the shared cursor
	// and skips anything not in the candidate set.
	for range r.backends {
		b := r.backends[r.cursor]
		r.cursor = (r.cursor + 1) % len(r.backends)
		for _, c := range candidates {
			if c == b {
				return b, nil
			}
		}
	}
	// Unreachable while candidates is non-empty.
	return candidates[0], nil
}

// isHealthyLocked lazily applies the recovery-window rule: a backend that
// has been quarantined for at least recoveryWindow is re-admitted into the
// selection pool. Its failure counter is kept until a success is observed.
func (r *Registry) isHealthyLocked(b *Backend, now time.Time) bool {
	h, ok := r.health[b.Key()]
	if !ok {
		return false
	}
	if h.healthy {
		return true
	}
	if now.Sub(h.unhealthySince) >= r.recoveryWindow {
		h.healthy = true
		h.unhealthySince = time.Time{}
		return true
	}
	return false
}

// MarkSuccess records a successful dispatch through the backend.
func (r *Registry) MarkSuccess(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[b.Key()]
	if !ok {
		return
	}
	h.healthy = true
	h.unhealthySince = time.Time{}
	h.consecutiveFailures = 0
}

// MarkFailure records a dispatch failure attributable to the backend. The
// backend is quarantined once its consecutive failures reach the threshold.
func (r *Registry) MarkFailure(b *Backend) {
	r.mu.Lock()
	defer r.mu.Unlock()

	h, ok := r.health[b.Key()]
	if !ok {
		return
	}
	h.consecutiveFailures++
	if h.consecutiveFailures >= r.failureThreshold && h.healthy {
		h.healthy = false
		h.unhealthySince = r.now()
	}
}

// Snapshot returns consistent totals for statistics. The recovery-window
// rule is applied before counting so a due-for-retry backend counts as
// healthy.
func (r *Registry) Snapshot() (total, healthy int) {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	total = len(r.backends)
	for _, b := range r.backends {
		if r.isHealthyLocked(b, now) {
			healthy++
		}
	}
	return total, healthy
}
