package discovery

import (
	"context"
	"net/http"
	"sync"
	"time"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
)

const defaultProbeURL = "http://httpbin.org/ip"

// Verifier probes candidate backends for reachability with bounded
// concurrency before they are admitted into the engine.
type Verifier struct {
	timeout     time.Duration
	concurrency int
	probeURL    string
	transport   rotation.Transport
}

// NewVerifier 创建一个新的 Verifier。
func NewVerifier(timeout time.Duration, concurrency int) *Verifier {
	if timeout <= 0 {
		timeout = 10 * time.Second
	}
	if concurrency <= 0 {
		concurrency = 20
	}
	return &Verifier{
		timeout:     timeout,
		concurrency: concurrency,
		probeURL:    defaultProbeURL,
		transport:   rotation.NewTransport(false, timeout),
	}
}

// Verify probes every candidate through itself and returns the ones that
// answered, preserving input order, capped at limit (0 = unlimited).
func (v *Verifier) Verify(ctx context.Context, candidates []*rotation.Backend, limit int) []*rotation.Backend {
	l := logger.WithComponent("Discovery/Verifier")
	if len(candidates) == 0 {
		return candidates
	}

	l.Info().Int("count", len(candidates)).Int("concurrency", v.concurrency).Msg("Starting verification batch...")

	working := make([]*rotation.Backend, len(candidates))
	var wg sync.WaitGroup
	semaphore := make(chan struct{}, v.concurrency)

	for i, b := range candidates {
		wg.Add(1)
		semaphore <- struct{}{}

		go func(idx int, backend *rotation.Backend) {
			defer wg.Done()
			defer func() { <-semaphore }()

			if err := v.probe(ctx, backend); err != nil {
				l.Debug().Err(err).Str("backend", backend.String()).Msg("Probe failed.")
				return
			}
			working[idx] = backend
		}(i, b)
	}
	wg.Wait()

	out := make([]*rotation.Backend, 0, len(candidates))
	for _, b := range working {
		if b == nil {
			continue
		}
		out = append(out, b)
		if limit > 0 && len(out) >= limit {
			break
		}
	}
	return out
}

// probe sends one small request through the backend. Any response,
// whatever the status code, proves the backend relays traffic.
func (v *Verifier) probe(ctx context.Context, backend *rotation.Backend) error {
	probeCtx, cancel := context.WithTimeout(ctx, v.timeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, "GET", v.probeURL, nil)
	if err != nil {
		return err
	}
	resp, err := v.transport.Do(req, backend)
	if err != nil {
		return err
	}
	resp.Body.Close()
	return nil
}

// Close releases the verifier's pooled connections.
func (v *Verifier) Close() {
	v.transport.Close()
}
