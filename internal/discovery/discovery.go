// Package discovery enumerates candidate egress backends from public
// proxy lists and optionally verifies reachability before handing them
// to the rotation engine.
package discovery

import (
	"context"
	"strconv"
	"strings"
	"sync"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
)

// Source 接口定义了从一个代理源抓取候选后端的行为。
type Source interface {
	// Fetch 执行抓取操作, 只负责抓取和初步解析, 不做可达性验证。
	Fetch(ctx context.Context) ([]*rotation.Backend, error)

	// Name 返回源的名称, 用于日志记录。
	Name() string
}

// Fetcher aggregates all configured sources, deduplicates their output
// and applies the caller's limit.
type Fetcher struct {
	sources  []Source
	verifier *Verifier
}

// NewFetcher builds a fetcher over the default public sources. The
// verifier may be nil when verification is never requested.
func NewFetcher(verifier *Verifier) *Fetcher {
	f := &Fetcher{verifier: verifier}
	for _, url := range defaultTextSources {
		f.AddSource(NewTextListSource(url))
	}
	f.AddSource(NewFreeProxyListSource())
	f.AddSource(NewProxyNovaSource())
	return f
}

// AddSource 添加一个抓取源。
func (f *Fetcher) AddSource(s Source) {
	f.sources = append(f.sources, s)
}

// Fetch runs every source concurrently, deduplicates by backend key and
// returns at most limit backends (0 = unlimited). With verify set, only
// backends that pass a reachability probe are returned; the limit then
// applies to verified backends.
func (f *Fetcher) Fetch(ctx context.Context, limit int, verify bool) []*rotation.Backend {
	l := logger.WithComponent("Discovery/Fetcher")

	var wg sync.WaitGroup
	fetched := make(chan []*rotation.Backend, len(f.sources))
	for _, s := range f.sources {
		wg.Add(1)
		go func(src Source) {
			defer wg.Done()
			backends, err := src.Fetch(ctx)
			if err != nil {
				l.Warn().Err(err).Str("source", src.Name()).Msg("Source failed.")
				return
			}
			if len(backends) > 0 {
				fetched <- backends
			}
		}(s)
	}
	wg.Wait()
	close(fetched)

	seen := make(map[string]struct{})
	unique := make([]*rotation.Backend, 0)
	for backends := range fetched {
		for _, b := range backends {
			if _, dup := seen[b.Key()]; dup {
				continue
			}
			seen[b.Key()] = struct{}{}
			unique = append(unique, b)
		}
	}
	l.Info().Int("count", len(unique)).Msg("Collected unique candidate backends.")

	if !verify {
		return capBackends(unique, limit)
	}
	if f.verifier == nil {
		l.Warn().Msg("Verification requested but no verifier configured; returning unverified backends.")
		return capBackends(unique, limit)
	}

	working := f.verifier.Verify(ctx, unique, limit)
	l.Info().Int("count", len(working)).Msg("Verification finished.")
	return working
}

func capBackends(backends []*rotation.Backend, limit int) []*rotation.Backend {
	if limit > 0 && len(backends) > limit {
		return backends[:limit]
	}
	return backends
}

// parseProxyLine parses one "host:port" line into a backend. Lines that
// do not look like a plausible host and port are dropped.
func parseProxyLine(line, scheme string) (*rotation.Backend, bool) {
	line = strings.TrimSpace(line)
	if line == "" || strings.HasPrefix(line, "#") {
		return nil, false
	}

	host, portStr, found := strings.Cut(line, ":")
	if !found {
		return nil, false
	}
	host = strings.TrimSpace(host)
	port, err := strconv.Atoi(strings.TrimSpace(portStr))
	if err != nil || port < 1 || port > 65535 {
		return nil, false
	}
	if !isValidHost(host) {
		return nil, false
	}
	return &rotation.Backend{Host: host, Port: port, Scheme: scheme}, true
}

func isValidHost(host string) bool {
	if host == "" || len(host) > 253 {
		return false
	}
	for _, c := range host {
		if c >= 'a' && c <= 'z' || c >= 'A' && c <= 'Z' || c >= '0' && c <= '9' || c == '.' || c == '-' {
			continue
		}
		return false
	}
	return true
}
