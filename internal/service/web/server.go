package web

import (
	"fmt"
	"net"
	"net/http"
	"sync"
	"time"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/shared/types"
)

// statsBroadcastInterval 是向 WebSocket 客户端推送统计的周期。
const statsBroadcastInterval = 5 * time.Second

// NewMux wires the frontend routes: diagnostics, the websocket stats
// feed, and the catch-all forwarding handler. Forwarding paths embed
// "//" (e.g. /http://target), which ServeMux canonicalization would
// collapse and 301 away, so only the fixed routes go through the mux
// and everything else reaches HandleForward with the path intact.
func NewMux(handler *Handler, hub *Hub) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("/health", handler.HandleHealth)
	mux.HandleFunc("/stats", handler.HandleStats)
	mux.HandleFunc("/ws", func(w http.ResponseWriter, r *http.Request) {
		ServeWs(hub, w, r)
	})
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		switch r.URL.Path {
		case "/health", "/stats", "/ws":
			mux.ServeHTTP(w, r)
		default:
			handler.HandleForward(w, r)
		}
	})
}

// StartServer starts the proxy frontend and the stats broadcaster. The
// returned server is ready for a graceful Shutdown; stop ends the hub
// and broadcaster goroutines, closing any open websocket clients.
func StartServer(
	wg *sync.WaitGroup,
	cfg *types.Config,
	engine *rotation.Engine,
	hub *Hub,
	stop <-chan struct{},
) (*http.Server, error) {
	handler := NewHandler(engine)
	mux := NewMux(handler, hub)

	addr := fmt.Sprintf("%s:%d", cfg.ServerConf.Host, cfg.ServerConf.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	logger.Info().Msgf("Proxy frontend listening on http://%s", listener.Addr())
	logger.Info().Msgf("Usage: http://%s/http://target-url", listener.Addr())

	wg.Add(1)
	go func() {
		defer wg.Done()
		hub.Run(stop)
	}()

	wg.Add(1)
	go func() {
		defer wg.Done()
		ticker := time.NewTicker(statsBroadcastInterval)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				hub.BroadcastStats(engine.Stats())
			case <-stop:
				return
			}
		}
	}()

	server := &http.Server{Handler: mux}
	wg.Add(1)
	go func() {
		defer wg.Done()
		if err := server.Serve(listener); err != nil && err != http.ErrServerClosed {
			logger.Error().Err(err).Msg("Proxy frontend server error")
		}
		logger.Info().Msg("Proxy frontend stopped.")
	}()

	return server, nil
}
