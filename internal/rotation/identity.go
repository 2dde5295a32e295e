package rotation

import (
	"errors"
	"math/rand"
	"sync"
)

// defaultUserAgents 是内置的 User-Agent 池，覆盖主流桌面和移动浏览器。
var defaultUserAgents = []string{
	// Chrome on Windows
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",

	// Chrome on macOS
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",

	// Firefox on Windows
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64; rv:120.0) Gecko/20100101 Firefox/120.0",

	// Firefox on macOS
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10.15; rv:120.0) Gecko/20100101 Firefox/120.0",

	// Safari on macOS
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Safari/605.1.15",
	"Mozilla/5.0 (Macintosh; Intel Mac OS X 10_15_7) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.0 Safari/605.1.15",

	// Edge on Windows
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36 Edg/120.0.0.0",
	"Mozilla/5.0 (Windows NT 10.0; Win64; x64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36 Edg/119.0.0.0",

	// Chrome on Linux
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Safari/537.36",
	"Mozilla/5.0 (X11; Linux x86_64) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/119.0.0.0 Safari/537.36",

	// Firefox on Linux
	"Mozilla/5.0 (X11; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",
	"Mozilla/5.0 (X11; Ubuntu; Linux x86_64; rv:121.0) Gecko/20100101 Firefox/121.0",

	// Mobile Chrome
	"Mozilla/5.0 (Linux; Android 10; SM-G973F) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",
	"Mozilla/5.0 (Linux; Android 13; Pixel 7) AppleWebKit/537.36 (KHTML, like Gecko) Chrome/120.0.0.0 Mobile Safari/537.36",

	// Mobile Safari
	"Mozilla/5.0 (iPhone; CPU iPhone OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
	"Mozilla/5.0 (iPad; CPU OS 17_1 like Mac OS X) AppleWebKit/605.1.15 (KHTML, like Gecko) Version/17.1 Mobile/15E148 Safari/604.1",
}

// DefaultUserAgents returns a copy of the built-in User-Agent pool.
func DefaultUserAgents() []string {
	out := make([]string, len(defaultUserAgents))
	copy(out, defaultUserAgents)
	return out
}

// IdentityPool holds the read-only set of User-Agent strings and the
// shared round-robin cursor. The pool is never mutated after construction.
type IdentityPool struct {
	agents   []string
	strategy Strategy
	rotate   bool

	mu     sync.Mutex
	cursor int
}

// NewIdentityPool builds a pool from the given agents. A nil slice selects
// the built-in default pool; an explicitly empty slice is a configuration
// error because rotation would have nothing to pick from.
func NewIdentityPool(agents []string, strategy Strategy, rotate bool) (*IdentityPool, error) {
	if agents == nil {
		agents = DefaultUserAgents()
	}
	if len(agents) == 0 {
		return nil, errors.New("identity pool must not be empty")
	}
	pool := make([]string, len(agents))
	copy(pool, agents)
	return &IdentityPool{
		agents:   pool,
		strategy: strategy,
		rotate:   rotate,
	}, nil
}

// Next returns the identity for the next dispatch attempt. With rotation
// disabled it always returns the first identity in the pool.
func (p *IdentityPool) Next() string {
	if !p.rotate {
		return p.agents[0]
	}
	if p.strategy == StrategyRandom {
		return p.agents[rand.Intn(len(p.agents))]
	}

	p.mu.Lock()
	defer p.mu.Unlock()
	agent := p.agents[p.cursor]
	p.cursor = (p.cursor + 1) % len(p.agents)
	return agent
}

// Len returns the number of identities in the pool.
func (p *IdentityPool) Len() int {
	return len(p.agents)
}
