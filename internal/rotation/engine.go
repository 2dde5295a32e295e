package rotation

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/rs/zerolog"

	"rotaproxy/internal/shared/logger"
)

// Config is the immutable configuration snapshot of one Engine instance.
// Changing any field requires building a new Engine.
type Config struct {
	RotateIdentity bool
	RotateBackend  bool
	Strategy       Strategy
	VerifyTLS      bool

	RequestTimeout time.Duration // per-attempt hard upper bound, default 30s
	MaxRetries     int           // retries after the initial attempt, default 3
	BaseRetryDelay time.Duration // linear backoff unit, default 1s
	RateLimit      float64       // requests per second, 0 disables the gate

	// FailureThreshold 个连续失败后隔离后端, 默认 1 (首次失败即隔离)。
	FailureThreshold int
	// RecoveryWindow 之后被隔离的后端自动重新进入选择池, 默认 5 分钟。
	RecoveryWindow time.Duration

	// DefaultHeaders are applied to every outgoing request. The rotated
	// User-Agent and per-call caller headers both take precedence.
	DefaultHeaders http.Header

	// UserAgents overrides the built-in identity pool. nil selects the
	// default pool; an empty slice is rejected when rotation is enabled.
	UserAgents []string
}

func (c *Config) withDefaults() Config {
	out := *c
	if out.Strategy == "" {
		out.Strategy = StrategyRandom
	}
	if out.RequestTimeout <= 0 {
		out.RequestTimeout = 30 * time.Second
	}
	if out.BaseRetryDelay <= 0 {
		out.BaseRetryDelay = time.Second
	}
	if out.FailureThreshold <= 0 {
		out.FailureThreshold = 1
	}
	if out.RecoveryWindow <= 0 {
		out.RecoveryWindow = 5 * time.Minute
	}
	return out
}

func (c *Config) validate() error {
	if c.Strategy != StrategyRandom && c.Strategy != StrategyRoundRobin {
		return fmt.Errorf("unknown rotation strategy %q", c.Strategy)
	}
	if c.MaxRetries < 0 {
		return fmt.Errorf("max_retries must not be negative, got %d", c.MaxRetries)
	}
	if c.RateLimit < 0 {
		return fmt.Errorf("rate_limit must not be negative, got %v", c.RateLimit)
	}
	if c.UserAgents != nil && len(c.UserAgents) == 0 && c.RotateIdentity {
		return errors.New("identity rotation enabled with an empty user-agent pool")
	}
	return nil
}

// Request describes one caller request to be dispatched upstream.
type Request struct {
	Method string
	URL    string
	Header http.Header
	Body   []byte
	Query  url.Values
}

// DispatchError is the terminal failure of a dispatch: every attempt
// failed, or no healthy backend was left to try.
type DispatchError struct {
	Attempts int
	Identity string   // last identity tried, empty if none
	Backend  *Backend // last backend tried, nil if direct or none selected
	Err      error
}

func (e *DispatchError) Error() string {
	via := "direct"
	if e.Backend != nil {
		via = e.Backend.String()
	}
	return fmt.Sprintf("dispatch failed after %d attempt(s) via %s: %v", e.Attempts, via, e.Err)
}

func (e *DispatchError) Unwrap() error { return e.Err }

// IsTimeout reports whether the final transport error was a timeout.
func (e *DispatchError) IsTimeout() bool {
	var netErr net.Error
	if errors.As(e.Err, &netErr) && netErr.Timeout() {
		return true
	}
	return errors.Is(e.Err, context.DeadlineExceeded)
}

// Stats is the derived view over the engine's current pools. The JSON
// field names are the wire format of the /stats endpoint.
type Stats struct {
	TotalBackends   int      `json:"total_proxies"`
	HealthyBackends int      `json:"healthy_proxies"`
	TotalIdentities int      `json:"total_user_agents"`
	Strategy        string   `json:"rotation_strategy"`
	RateLimit       *float64 `json:"rate_limit"`
}

// Engine orchestrates identity and backend selection, the rate gate,
// retry with linear backoff, and health bookkeeping. One Engine instance
// is safe for concurrent use; Close releases pooled connections.
type Engine struct {
	cfg        Config
	identities *IdentityPool
	registry   *Registry
	limiter    *RateLimiter
	transport  Transport
	log        zerolog.Logger
}

// NewEngine validates the configuration once and allocates all engine
// state. The returned engine owns its registry and transport exclusively.
func NewEngine(cfg Config) (*Engine, error) {
	cfg = cfg.withDefaults()
	if err := cfg.validate(); err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	identities, err := NewIdentityPool(cfg.UserAgents, cfg.Strategy, cfg.RotateIdentity)
	if err != nil {
		return nil, fmt.Errorf("invalid engine config: %w", err)
	}

	return &Engine{
		cfg:        cfg,
		identities: identities,
		registry:   NewRegistry(cfg.FailureThreshold, cfg.RecoveryWindow),
		limiter:    NewRateLimiter(cfg.RateLimit),
		transport:  NewTransport(cfg.VerifyTLS, cfg.RequestTimeout),
		log:        logger.WithComponent("Rotation/Engine"),
	}, nil
}

// SetTransport swaps the transport delegate. Intended for tests; must be
// called before the first Execute.
func (e *Engine) SetTransport(t Transport) {
	e.transport = t
}

// RegisterBackend adds an upstream backend to the rotation pool.
// Registering the same backend twice is a no-op.
func (e *Engine) RegisterBackend(b *Backend) {
	e.registry.Register(b)
}

// Registry exposes the backend registry for health inspection.
func (e *Engine) Registry() *Registry {
	return e.registry
}

// Stats recomputes the statistics snapshot on demand.
func (e *Engine) Stats() Stats {
	total, healthy := e.registry.Snapshot()
	s := Stats{
		TotalBackends:   total,
		HealthyBackends: healthy,
		TotalIdentities: e.identities.Len(),
		Strategy:        string(e.cfg.Strategy),
	}
	if e.cfg.RateLimit > 0 {
		limit := e.cfg.RateLimit
		s.RateLimit = &limit
	}
	return s
}

// Execute dispatches one request upstream, rotating identity and backend
// per attempt. HTTP error statuses from the target are responses, not
// failures; only connection, TLS and timeout errors trigger retry. The
// caller owns the response body and must close it.
func (e *Engine) Execute(ctx context.Context, req *Request) (*http.Response, error) {
	if err := e.limiter.Acquire(ctx); err != nil {
		return nil, err
	}

	excluded := make(map[string]struct{})
	var lastErr error
	var lastIdentity string
	var lastBackend *Backend
	attempts := 0

	for attempt := 0; attempt <= e.cfg.MaxRetries; attempt++ {
		identity := e.identities.Next()
		lastIdentity = identity

		var backend *Backend
		if e.cfg.RotateBackend {
			var err error
			backend, err = e.registry.SelectExcluding(e.cfg.Strategy, excluded)
			if err != nil {
				// Retrying cannot help without backends; terminal.
				return nil, &DispatchError{
					Attempts: attempts,
					Identity: lastIdentity,
					Backend:  lastBackend,
					Err:      err,
				}
			}
		}
		lastBackend = backend
		attempts++

		httpReq, err := e.buildRequest(ctx, req, identity)
		if err != nil {
			return nil, &DispatchError{Attempts: attempts, Identity: identity, Backend: backend, Err: err}
		}

		e.log.Debug().
			Int("attempt", attempts).
			Str("method", req.Method).
			Str("url", req.URL).
			Str("backend", backendLabel(backend)).
			Msg("Dispatching attempt")

		resp, err := e.transport.Do(httpReq, backend)
		if err == nil {
			if backend != nil {
				e.registry.MarkSuccess(backend)
			}
			return resp, nil
		}

		lastErr = err
		if backend != nil {
			e.registry.MarkFailure(backend)
			excluded[backend.Key()] = struct{}{}
			e.log.Warn().Err(err).Str("backend", backend.String()).Msg("Backend marked unhealthy after failed attempt")
		} else {
			e.log.Warn().Err(err).Int("attempt", attempts).Msg("Direct attempt failed")
		}

		if attempt < e.cfg.MaxRetries {
			// Linear backoff: 1x, 2x, 3x the base delay.
			delay := e.cfg.BaseRetryDelay * time.Duration(attempt+1)
			timer := time.NewTimer(delay)
			select {
			case <-ctx.Done():
				timer.Stop()
				return nil, ctx.Err()
			case <-timer.C:
			}
		}
	}

	return nil, &DispatchError{
		Attempts: attempts,
		Identity: lastIdentity,
		Backend:  lastBackend,
		Err:      lastErr,
	}
}

// buildRequest materializes one attempt. Header precedence, lowest to
// highest: configured defaults, rotated User-Agent, caller headers.
func (e *Engine) buildRequest(ctx context.Context, req *Request, identity string) (*http.Request, error) {
	target := req.URL
	if len(req.Query) > 0 {
		u, err := url.Parse(target)
		if err != nil {
			return nil, fmt.Errorf("invalid target url: %w", err)
		}
		q := u.Query()
		for key, values := range req.Query {
			for _, v := range values {
				q.Add(key, v)
			}
		}
		u.RawQuery = q.Encode()
		target = u.String()
	}

	var body *bytes.Reader
	if len(req.Body) > 0 {
		body = bytes.NewReader(req.Body)
	} else {
		body = bytes.NewReader(nil)
	}

	httpReq, err := http.NewRequestWithContext(ctx, req.Method, target, body)
	if err != nil {
		return nil, err
	}

	for key, values := range e.cfg.DefaultHeaders {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	httpReq.Header.Set("User-Agent", identity)
	for key, values := range req.Header {
		httpReq.Header[key] = append([]string(nil), values...)
	}
	return httpReq, nil
}

// Close releases pooled transport connections. Safe to call once on every
// exit path.
func (e *Engine) Close() {
	e.transport.Close()
}

func backendLabel(b *Backend) string {
	if b == nil {
		return "direct"
	}
	return b.String()
}
