package main

import (
	"context"
	"flag"
	"fmt"
	"os"
	"os/signal"
	"path/filepath"
	"sync"
	"syscall"
	"time"

	"rotaproxy/internal/discovery"
	"rotaproxy/internal/rotation"
	"rotaproxy/internal/service/web"
	"rotaproxy/internal/shared/config"
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
)

func main() {
	configDir := flag.String("configdir", "configs", "Path to config directory")
	freeProxies := flag.Bool("free-proxies", false, "Fetch free proxies from public lists on startup")
	maxProxies := flag.Int("max-proxies", 0, "Cap on fetched free proxies (0 = unlimited)")
	strategy := flag.String("strategy", "", "Override rotation strategy: random or round_robin")
	rateLimit := flag.Float64("rate-limit", -1, "Override global rate limit in requests per second")
	flag.Parse()

	iniPath := filepath.Join(*configDir, "rotaproxy.ini")
	backendsPath := filepath.Join(*configDir, "backends.json")

	// 1. 加载 .ini 行为配置
	cfg := new(types.Config)
	if err := config.LoadIni(cfg, iniPath); err != nil {
		// Use standard fmt before logger is initialized.
		fmt.Fprintf(os.Stderr, "Fatal: Failed to load config file '%s': %v\n", iniPath, err)
		os.Exit(1)
	}
	if *strategy != "" {
		cfg.RotationConf.Strategy = *strategy
	}
	if *rateLimit >= 0 {
		cfg.RotationConf.RateLimit = *rateLimit
	}

	// 1.1 初始化日志系统
	if err := logger.Init(cfg.LogConf); err != nil {
		fmt.Fprintf(os.Stderr, "Fatal: Failed to initialize logger: %v\n", err)
		os.Exit(1)
	}

	// 2. 加载 backends.json 数据配置
	profiles, err := config.LoadBackends(backendsPath)
	if err != nil {
		logger.Fatal().Err(err).Msgf("Failed to load backends file '%s'", backendsPath)
	}
	logger.Info().Int("count", len(profiles)).Msg("Loaded configured backends.")

	// 2.1 可选: 从公开列表补充免费代理
	if *freeProxies || cfg.DiscoveryConf.Enabled {
		profiles = fetchFreeProxies(cfg, profiles, *maxProxies)
		if err := config.SaveBackends(backendsPath, profiles); err != nil {
			logger.Warn().Err(err).Msg("Failed to persist discovered backends.")
		}
	}

	// 3. 组装旋转引擎
	engine, err := rotation.NewEngine(engineConfig(cfg))
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to build rotation engine")
	}
	defer engine.Close()

	for _, p := range profiles {
		engine.RegisterBackend(&rotation.Backend{
			Host:     p.Host,
			Port:     p.Port,
			Scheme:   p.Scheme,
			Username: p.Username,
			Password: p.Password,
		})
	}

	// 4. 启动前端并等待退出信号
	var wg sync.WaitGroup
	stop := make(chan struct{})
	hub := web.NewHub()
	server, err := web.StartServer(&wg, cfg, engine, hub, stop)
	if err != nil {
		logger.Fatal().Err(err).Msg("Failed to start proxy frontend")
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
	sig := <-sigCh
	logger.Info().Str("signal", sig.String()).Msg("Shutting down.")

	close(stop)
	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		logger.Warn().Err(err).Msg("Frontend shutdown was not clean.")
	}
	wg.Wait()
}

// engineConfig 将 ini 配置映射为引擎配置。
func engineConfig(cfg *types.Config) rotation.Config {
	return rotation.Config{
		RotateIdentity:   cfg.RotationConf.RotateUserAgent,
		RotateBackend:    cfg.RotationConf.RotateBackend,
		Strategy:         rotation.Strategy(cfg.RotationConf.Strategy),
		VerifyTLS:        cfg.RotationConf.VerifyTLS,
		RequestTimeout:   time.Duration(cfg.RotationConf.TimeoutSeconds) * time.Second,
		MaxRetries:       cfg.RotationConf.MaxRetries,
		BaseRetryDelay:   time.Duration(cfg.RotationConf.RetryDelayMillis) * time.Millisecond,
		RateLimit:        cfg.RotationConf.RateLimit,
		FailureThreshold: cfg.RotationConf.FailureThreshold,
		RecoveryWindow:   time.Duration(cfg.RotationConf.RecoveryWindowSeconds) * time.Second,
	}
}

// fetchFreeProxies 抓取公开代理源并与已配置的后端合并去重。
func fetchFreeProxies(cfg *types.Config, existing []*types.BackendProfile, maxProxies int) []*types.BackendProfile {
	limit := maxProxies
	if limit <= 0 {
		limit = cfg.DiscoveryConf.MaxBackends
	}

	var verifier *discovery.Verifier
	if cfg.DiscoveryConf.Verify {
		timeout := time.Duration(cfg.DiscoveryConf.TimeoutSecs) * time.Second
		verifier = discovery.NewVerifier(timeout, cfg.DiscoveryConf.Concurrency)
		defer verifier.Close()
	}

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Minute)
	defer cancel()

	fetched := discovery.NewFetcher(verifier).Fetch(ctx, limit, cfg.DiscoveryConf.Verify)
	logger.Info().Int("count", len(fetched)).Msg("Free proxy fetch finished.")

	seen := make(map[string]struct{}, len(existing))
	merged := existing
	for _, p := range existing {
		key := fmt.Sprintf("%s://%s:%d", p.Scheme, p.Host, p.Port)
		seen[key] = struct{}{}
	}
	for _, b := range fetched {
		if _, dup := seen[b.Key()]; dup {
			continue
		}
		seen[b.Key()] = struct{}{}
		merged = append(merged, &types.BackendProfile{
			Host:   b.Host,
			Port:   b.Port,
			Scheme: b.Scheme,
		})
	}
	return merged
}
