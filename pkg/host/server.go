package host

import (
	"encoding/json"
	"errors"
	"io"
	"net/http"

	"github.com/Sternrassler/offline-agent/pkg/logging"
	"github.com/Sternrassler/offline-agent/pkg/metrics"
	"github.com/Sternrassler/offline-agent/pkg/store"
	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog"
)

// maxPushPayload bounds push message bodies.
const maxPushPayload = 4 << 10

// hopHeaders are connection-level headers never forwarded.
var hopHeaders = []string{
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

// Server exposes a registration over HTTP. Requests outside /_agent are
// fetch events, in origin form or absolute proxy form.
type Server struct {
	reg    *Registration
	caches *store.Caches
	router chi.Router
	logger zerolog.Logger
}

// NewServer creates the HTTP surface for reg.
func NewServer(reg *Registration, caches *store.Caches) *Server {
	s := &Server{
		reg:    reg,
		caches: caches,
		logger: logging.NewLogger("http"),
	}

	r := chi.NewRouter()
	r.Use(middleware.Recoverer)
	r.Use(s.proxyForm)

	r.Route("/_agent", func(r chi.Router) {
		r.Get("/healthz", s.handleHealth)
		r.Handle("/metrics", metrics.Handler())
		r.Get("/status", s.handleStatus)
		r.Get("/caches", s.handleCaches)
		r.Post("/push", s.handlePush)
		r.Get("/notifications", s.handleNotifications)
		r.Post("/notifications/{id}/click", s.handleClick)
		r.Get("/clients", s.handleListClients)
		r.Post("/clients", s.handleAddClient)
		r.Delete("/clients/{id}", s.handleRemoveClient)
	})
	r.HandleFunc("/*", s.handleFetch)

	s.router = r
	return s
}

// ServeHTTP implements http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// proxyForm sends absolute-form requests straight to the fetch handler so
// that a proxied path never reaches the agent routes.
func (s *Server) proxyForm(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.IsAbs() {
			s.handleFetch(w, r)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleFetch(w http.ResponseWriter, r *http.Request) {
	out := s.outbound(r)

	resp, err := s.reg.Fetch(out)
	if err != nil {
		s.logger.Warn().Err(err).Str("url", out.URL.String()).Msg("Fetch failed")
		http.Error(w, "upstream fetch failed", http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	copyHeader(w.Header(), resp.Header)
	w.WriteHeader(resp.StatusCode)
	if _, err := io.Copy(w, resp.Body); err != nil {
		s.logger.Debug().Err(err).Str("url", out.URL.String()).Msg("Failed to write response body")
	}
}

// outbound turns an incoming server request into a client request for the
// resource it names.
func (s *Server) outbound(r *http.Request) *http.Request {
	target := *r.URL
	if !target.IsAbs() {
		scope := s.reg.Scope()
		target.Scheme = scope.Scheme
		target.Host = scope.Host
	}

	out := r.Clone(r.Context())
	out.URL = &target
	out.Host = target.Host
	out.RequestURI = ""
	for _, h := range hopHeaders {
		out.Header.Del(h)
	}
	return out
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Status())
}

func (s *Server) handleCaches(w http.ResponseWriter, r *http.Request) {
	names, err := s.caches.Names(r.Context())
	if err != nil {
		s.logger.Warn().Err(err).Msg("Failed to list caches")
		writeError(w, http.StatusInternalServerError, "list caches failed")
		return
	}
	if names == nil {
		names = []string{}
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"backend": s.caches.Backend().Name(),
		"caches":  names,
	})
}

func (s *Server) handlePush(w http.ResponseWriter, r *http.Request) {
	payload, err := io.ReadAll(io.LimitReader(r.Body, maxPushPayload+1))
	if err != nil {
		writeError(w, http.StatusBadRequest, "read payload failed")
		return
	}
	if len(payload) > maxPushPayload {
		writeError(w, http.StatusRequestEntityTooLarge, "payload too large")
		return
	}

	n, err := s.reg.Push(r.Context(), payload)
	if err != nil {
		s.writeEventError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, n)
}

func (s *Server) handleNotifications(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Tray().List())
}

func (s *Server) handleClick(w http.ResponseWriter, r *http.Request) {
	c, err := s.reg.Click(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		s.writeEventError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, c)
}

func (s *Server) handleListClients(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.reg.Clients().List())
}

type addClientRequest struct {
	URL string `json:"url"`
}

func (s *Server) handleAddClient(w http.ResponseWriter, r *http.Request) {
	var req addClientRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return
	}
	if req.URL == "" {
		req.URL = s.reg.Scope().String()
	}
	c, err := s.reg.Clients().Add(req.URL)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	if active := s.reg.Active(); active != nil {
		s.reg.Clients().Claim(active.Version())
		c.Controller = active.Version()
	}
	writeJSON(w, http.StatusCreated, c)
}

func (s *Server) handleRemoveClient(w http.ResponseWriter, r *http.Request) {
	if !s.reg.Clients().Remove(chi.URLParam(r, "id")) {
		writeError(w, http.StatusNotFound, "unknown client")
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) writeEventError(w http.ResponseWriter, err error) {
	switch {
	case errors.Is(err, ErrNoActiveAgent):
		writeError(w, http.StatusServiceUnavailable, err.Error())
	case errors.Is(err, ErrUnknownNotification), errors.Is(err, ErrUnknownClient):
		writeError(w, http.StatusNotFound, err.Error())
	default:
		s.logger.Warn().Err(err).Msg("Event failed")
		writeError(w, http.StatusInternalServerError, "event failed")
	}
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(v)
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}

func copyHeader(dst, src http.Header) {
	for k, vv := range src {
		for _, v := range vv {
			dst.Add(k, v)
		}
	}
}
