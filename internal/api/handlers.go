package api

import (
	"crypto/subtle"
	"encoding/json"
	"errors"
	"math"
	"net/http"
	hpprof "net/http/pprof"
	"strconv"
	"strings"

	"golang.org/x/time/rate"

	"ingressd/internal/storage"
	logx "ingressd/pkg/logx"
)

const (
	defaultEventLimit = 50
	maxEventLimit     = 1000
)

func (s *Service) handler(cfg Config) http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("GET /v1/ingress/plugins", s.handleList)
	mux.HandleFunc("GET /v1/ingress/plugin/{$}", func(w http.ResponseWriter, r *http.Request) {
		writeError(w, http.StatusBadRequest, "missing plugin ID")
	})
	mux.HandleFunc("GET /v1/ingress/plugin/{id}", s.handlePlugin)
	mux.HandleFunc("GET /v1/ingress/plugin/{id}/events", s.handleEvents)

	if s.src.Status != nil {
		mux.HandleFunc("GET /debug/status", func(w http.ResponseWriter, r *http.Request) {
			writeJSON(w, http.StatusOK, s.src.Status())
		})
	}
	if cfg.Pprof {
		mux.HandleFunc("/debug/pprof/", hpprof.Index)
		mux.HandleFunc("/debug/pprof/cmdline", hpprof.Cmdline)
		mux.HandleFunc("/debug/pprof/profile", hpprof.Profile)
		mux.HandleFunc("/debug/pprof/symbol", hpprof.Symbol)
		mux.HandleFunc("/debug/pprof/trace", hpprof.Trace)
	}

	// Liveness stays reachable without the token.
	root := http.NewServeMux()
	root.HandleFunc("GET /healthz", func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusOK)
		_, _ = w.Write([]byte("ok"))
	})
	root.Handle("/", withAuth(cfg.Token, mux))
	return withRateLimit(cfg.RatePerSec, cfg.Burst, root)
}

func (s *Service) handleList(w http.ResponseWriter, r *http.Request) {
	if s.src.Plugins == nil {
		writeJSON(w, http.StatusOK, []pluginStub{})
		return
	}
	stubs := s.src.Plugins.Stubs()
	out := make([]pluginStub, 0, len(stubs))
	for _, st := range stubs {
		out = append(out, renderStub(st))
	}
	writeJSON(w, http.StatusOK, out)
}

func (s *Service) handlePlugin(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing plugin ID")
		return
	}
	if s.src.Plugins == nil {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	p, ok := s.src.Plugins.Get(id)
	if !ok {
		writeError(w, http.StatusNotFound, "plugin not found")
		return
	}
	writeJSON(w, http.StatusOK, renderPlugin(p))
}

func (s *Service) handleEvents(w http.ResponseWriter, r *http.Request) {
	id := strings.TrimSpace(r.PathValue("id"))
	if id == "" {
		writeError(w, http.StatusBadRequest, "missing plugin ID")
		return
	}
	limit := defaultEventLimit
	if raw := r.URL.Query().Get("limit"); raw != "" {
		n, err := strconv.Atoi(raw)
		if err != nil || n <= 0 {
			writeError(w, http.StatusBadRequest, "limit must be a positive integer")
			return
		}
		limit = min(n, maxEventLimit)
	}
	if s.src.Events == nil {
		writeError(w, http.StatusServiceUnavailable, "event history disabled")
		return
	}
	events, err := s.src.Events.HealthEvents(r.Context(), id, limit)
	if err != nil {
		if errors.Is(err, storage.ErrDisabled) || errors.Is(err, storage.ErrClosed) {
			writeError(w, http.StatusServiceUnavailable, "event history disabled")
			return
		}
		s.log.Warn("health events query failed", logx.String("plugin", id), logx.Err(err))
		writeError(w, http.StatusInternalServerError, "internal error")
		return
	}
	if events == nil {
		events = []storage.HealthEvent{}
	}
	writeJSON(w, http.StatusOK, events)
}

// withAuth accepts "Authorization: Bearer <token>" or ?token=<token>.
func withAuth(token string, next http.Handler) http.Handler {
	tok := strings.TrimSpace(token)
	if tok == "" {
		return next
	}
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		got := r.URL.Query().Get("token")
		if got == "" {
			const p = "Bearer "
			if ah := r.Header.Get("Authorization"); strings.HasPrefix(ah, p) {
				got = strings.TrimSpace(strings.TrimPrefix(ah, p))
			}
		}
		if got == "" || subtle.ConstantTimeCompare([]byte(got), []byte(tok)) != 1 {
			w.Header().Set("WWW-Authenticate", "Bearer")
			writeError(w, http.StatusUnauthorized, "unauthorized")
			return
		}
		next.ServeHTTP(w, r)
	})
}

// withRateLimit shares one token bucket across all clients.
func withRateLimit(perSec float64, burst int, next http.Handler) http.Handler {
	if perSec <= 0 {
		return next
	}
	if burst <= 0 {
		burst = max(1, int(math.Ceil(perSec)))
	}
	lim := rate.NewLimiter(rate.Limit(perSec), burst)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if !lim.Allow() {
			w.Header().Set("Retry-After", "1")
			writeError(w, http.StatusTooManyRequests, "rate limit exceeded")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	_ = enc.Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
