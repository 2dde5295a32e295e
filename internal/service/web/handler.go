package web

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/url"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"rotaproxy/internal/rotation"
	"rotaproxy/internal/shared/logger"
	"rotaproxy/internal/target"
)

// maxBodyBytes 是转发请求体的上限 (10MB), 超过则直接拒绝。
const maxBodyBytes = 10 << 20

// hopByHopHeaders are stripped in both directions; they describe the
// connection, not the message.
var hopByHopHeaders = []string{
	"Connection",
	"Proxy-Connection",
	"Keep-Alive",
	"Proxy-Authenticate",
	"Proxy-Authorization",
	"Te",
	"Trailer",
	"Transfer-Encoding",
	"Upgrade",
}

// Handler is the dispatch frontend: it validates the path-embedded
// target, delegates to the rotation engine and maps outcomes to HTTP
// responses. The same handler backs the /health and /stats diagnostics.
type Handler struct {
	engine  *rotation.Engine
	maxBody int64
	log     zerolog.Logger

	// parseTarget is the target-validation collaborator; swapped in
	// tests that need to forward to loopback fixtures.
	parseTarget func(rawPath string) (*url.URL, error)
}

func NewHandler(engine *rotation.Engine) *Handler {
	return &Handler{
		engine:      engine,
		maxBody:     maxBodyBytes,
		log:         logger.WithComponent("Web/Handler"),
		parseTarget: target.Parse,
	}
}

// HandleHealth 处理 GET /health 请求。
// It succeeds as long as the engine is constructed, independent of
// backend health.
func (h *Handler) HandleHealth(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, map[string]string{
		"status":  "healthy",
		"service": "rotaproxy",
	})
}

// HandleStats 处理 GET /stats 请求。
func (h *Handler) HandleStats(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "Method not allowed", http.StatusMethodNotAllowed)
		return
	}
	writeJSON(w, http.StatusOK, h.engine.Stats())
}

// HandleForward forwards the request whose target is embedded in the
// path, e.g. GET /http://example.test/a.
func (h *Handler) HandleForward(w http.ResponseWriter, r *http.Request) {
	dispatchID := uuid.NewString()
	l := h.log.With().Str("dispatch_id", dispatchID).Logger()

	targetURL, err := h.parseTarget(r.URL.Path)
	if err != nil {
		code := http.StatusBadRequest
		if errors.Is(err, target.ErrForbiddenTarget) {
			code = http.StatusForbidden
		}
		l.Warn().Err(err).Str("path", r.URL.Path).Msg("Rejected target")
		writeError(w, code, err.Error())
		return
	}
	// The inbound query string passes through unchanged.
	if r.URL.RawQuery != "" {
		targetURL.RawQuery = r.URL.RawQuery
	}

	body, ok := h.readBody(w, r)
	if !ok {
		return
	}

	l.Info().Str("method", r.Method).Str("target", targetURL.String()).Msg("Forwarding request")

	resp, err := h.engine.Execute(r.Context(), &rotation.Request{
		Method: r.Method,
		URL:    targetURL.String(),
		Header: forwardableHeaders(r.Header),
		Body:   body,
	})
	if err != nil {
		h.writeDispatchFailure(w, l, err)
		return
	}
	defer resp.Body.Close()

	for _, name := range hopByHopHeaders {
		resp.Header.Del(name)
	}
	for key, values := range resp.Header {
		w.Header()[key] = values
	}
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		l.Debug().Err(err).Msg("Client went away while streaming the response")
	}
}

// readBody reads the request body under the size ceiling. It reports
// false after having written the error response itself.
func (h *Handler) readBody(w http.ResponseWriter, r *http.Request) ([]byte, bool) {
	if r.Body == nil || r.Body == http.NoBody {
		return nil, true
	}
	if r.ContentLength > h.maxBody {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return nil, false
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, h.maxBody))
	if err != nil {
		var maxBytesErr *http.MaxBytesError
		if errors.As(err, &maxBytesErr) {
			writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		} else {
			writeError(w, http.StatusBadRequest, "failed to read request body")
		}
		return nil, false
	}
	return body, true
}

func (h *Handler) writeDispatchFailure(w http.ResponseWriter, l zerolog.Logger, err error) {
	var dispatchErr *rotation.DispatchError
	switch {
	case errors.Is(err, rotation.ErrNoHealthyBackend):
		l.Error().Err(err).Msg("No healthy backend left for dispatch")
		writeJSON(w, http.StatusBadGateway, map[string]any{
			"error": "no healthy upstream backend available",
			"code":  http.StatusBadGateway,
		})
	case errors.As(err, &dispatchErr):
		code := http.StatusBadGateway
		if dispatchErr.IsTimeout() {
			code = http.StatusGatewayTimeout
		}
		l.Error().Err(err).Int("attempts", dispatchErr.Attempts).Msg("Dispatch failed after retries")
		writeJSON(w, code, map[string]any{
			"error":    dispatchErr.Error(),
			"attempts": dispatchErr.Attempts,
			"code":     code,
		})
	default:
		// Context cancellation or a malformed engine request.
		l.Warn().Err(err).Msg("Dispatch aborted")
		writeError(w, http.StatusBadGateway, err.Error())
	}
}

// forwardableHeaders drops hop-by-hop headers, Host, and the client's
// own User-Agent so the rotated identity is the one the target sees.
func forwardableHeaders(in http.Header) http.Header {
	out := in.Clone()
	for _, name := range hopByHopHeaders {
		out.Del(name)
	}
	out.Del("Host")
	out.Del("User-Agent")
	out.Del("Accept-Encoding") // let the transport negotiate compression
	return out
}

func writeJSON(w http.ResponseWriter, code int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, code int, message string) {
	writeJSON(w, code, map[string]any{
		"error": message,
		"code":  code,
	})
}
