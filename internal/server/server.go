// Package server is the HTTP facade over the gateway: health, tool surface,
// execution, content delivery, and the websocket event stream. Execution
// errors stay HTTP 200 with success:false in the body; only transport
// problems (bad JSON, missing auth, unknown refs) use HTTP status codes.
package server

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"strings"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/trikhub/trikhub/internal/bus"
	"github.com/trikhub/trikhub/internal/config"
	"github.com/trikhub/trikhub/pkg/gateway"
)

// Server serves the gateway API over HTTP and websocket.
type Server struct {
	cfg *config.Config
	gw  *gateway.Gateway
	pub bus.EventPublisher
	log *slog.Logger

	upgrader    websocket.Upgrader
	rateLimiter *RateLimiter
	clients     map[string]*wsClient
	mu          sync.RWMutex

	httpServer *http.Server
	mux        *http.ServeMux
}

// New creates a gateway HTTP server. pub may be nil when no event stream is
// wanted; the /api/v1/events endpoint then refuses connections.
func New(cfg *config.Config, gw *gateway.Gateway, pub bus.EventPublisher) *Server {
	s := &Server{
		cfg:     cfg,
		gw:      gw,
		pub:     pub,
		log:     slog.Default(),
		clients: make(map[string]*wsClient),
	}
	s.upgrader = websocket.Upgrader{
		ReadBufferSize:  1024,
		WriteBufferSize: 1024,
		// The API is token-guarded, not cookie-guarded, so cross-origin
		// websocket connects carry no ambient authority.
		CheckOrigin: func(*http.Request) bool { return true },
	}

	// rateLimitRpm > 0 enables per-client limiting; 0 or negative disables.
	s.rateLimiter = NewRateLimiter(cfg.Server.RateLimitRPM, 5)
	return s
}

// BuildMux creates and caches the mux with all routes registered. Call this
// before Start when the mux is needed for additional listeners (tsnet).
func (s *Server) BuildMux() *http.ServeMux {
	if s.mux != nil {
		return s.mux
	}

	mux := http.NewServeMux()

	// Health stays unauthenticated so probes work without the token.
	mux.HandleFunc("GET /api/v1/health", s.handleHealth)

	mux.HandleFunc("GET /api/v1/tools", s.authMiddleware(s.handleTools))
	mux.HandleFunc("POST /api/v1/execute", s.authMiddleware(s.rateLimit(s.handleExecute)))
	mux.HandleFunc("GET /api/v1/content/{ref}", s.authMiddleware(s.handleContent))
	mux.HandleFunc("GET /api/v1/triks", s.authMiddleware(s.handleTriks))
	// Trik ids may be bare ("notes") or scoped ("@demo/search"); the scoped
	// form spans two path segments.
	mux.HandleFunc("GET /api/v1/storage/{trikId}/usage", s.authMiddleware(s.handleStorageUsage))
	mux.HandleFunc("GET /api/v1/storage/{scope}/{name}/usage", s.authMiddleware(s.handleStorageUsage))
	mux.HandleFunc("GET /api/v1/events", s.authMiddleware(s.handleEvents))

	s.mux = mux
	return mux
}

// Start listens on the configured address until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	mux := s.BuildMux()

	addr := s.cfg.ListenAddr()
	s.httpServer = &http.Server{
		Addr:    addr,
		Handler: mux,
	}

	s.log.Info("server.starting", "addr", addr, "auth", s.cfg.Server.Token != "")

	go func() {
		<-ctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.httpServer.Shutdown(shutdownCtx)
		s.closeClients()
	}()

	if err := s.httpServer.ListenAndServe(); err != http.ErrServerClosed {
		return fmt.Errorf("gateway server: %w", err)
	}
	return nil
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if token := s.cfg.Server.Token; token != "" {
			if extractBearerToken(r) != token {
				writeJSON(w, http.StatusUnauthorized, map[string]string{"error": "unauthorized"})
				return
			}
		}
		next(w, r)
	}
}

func (s *Server) rateLimit(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if !s.rateLimiter.Allow(clientKey(r)) {
			writeJSON(w, http.StatusTooManyRequests, map[string]string{"error": "rate limit exceeded"})
			return
		}
		next(w, r)
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":         "ok",
		"triks":          len(s.gw.Triks()),
		"activeSessions": s.gw.ActiveSessions(),
	})
}

func (s *Server) handleTools(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"tools": s.gw.ToolDefinitions()})
}

// executeRequest is the POST /api/v1/execute body.
type executeRequest struct {
	Tool                 string         `json:"tool"`
	Input                any            `json:"input"`
	SessionID            string         `json:"sessionId,omitempty"`
	ClarificationAnswers map[string]any `json:"clarificationAnswers,omitempty"`
}

func (s *Server) handleExecute(w http.ResponseWriter, r *http.Request) {
	var req executeRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid JSON: " + err.Error()})
		return
	}
	if req.Tool == "" {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "tool is required"})
		return
	}

	res := s.gw.ExecuteTool(r.Context(), req.Tool, req.Input, &gateway.ExecuteOptions{
		SessionID:            req.SessionID,
		ClarificationAnswers: req.ClarificationAnswers,
	})
	writeJSON(w, http.StatusOK, res)
}

func (s *Server) handleContent(w http.ResponseWriter, r *http.Request) {
	ref := r.PathValue("ref")
	delivery, ok := s.gw.DeliverContent(ref)
	if !ok {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": "content not found, expired, or already delivered"})
		return
	}
	writeJSON(w, http.StatusOK, delivery)
}

func (s *Server) handleTriks(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{"triks": s.gw.Triks()})
}

func (s *Server) handleStorageUsage(w http.ResponseWriter, r *http.Request) {
	trikID := r.PathValue("trikId")
	if trikID == "" {
		trikID = r.PathValue("scope") + "/" + r.PathValue("name")
	}
	if !s.gw.IsLoaded(trikID) {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": fmt.Sprintf("trik %q not loaded", trikID)})
		return
	}
	usage, err := s.gw.StorageUsage(r.Context(), trikID)
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"trikId": trikID, "usageBytes": usage})
}

func extractBearerToken(r *http.Request) string {
	auth := r.Header.Get("Authorization")
	const prefix = "Bearer "
	if !strings.HasPrefix(auth, prefix) {
		return ""
	}
	return strings.TrimSpace(auth[len(prefix):])
}

// clientKey identifies a caller for rate limiting: the source IP, with the
// port stripped so reconnects share a bucket.
func clientKey(r *http.Request) string {
	ip, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		ip = strings.TrimSuffix(strings.TrimPrefix(r.RemoteAddr, "["), "]")
	}
	return ip
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}
