package bridge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"time"

	gocache "github.com/patrickmn/go-cache"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
)

const (
	presetCacheKey = "presets"
	presetTimeout  = 5 * time.Second
	presetAction   = "list_output_presets"
)

// Handler serves the bridge's HTTP surface.
type Handler struct {
	cfg    config.BridgeConfig
	proxy  config.TransportConfig
	client *Client
	cache  *gocache.Cache
}

// NewHandler creates a handler over the given proxy client.
func NewHandler(cfg config.BridgeConfig, proxy config.TransportConfig, client *Client) *Handler {
	ttl := cfg.PresetCacheTTL
	if ttl <= 0 {
		ttl = 10 * time.Minute
	}
	return &Handler{
		cfg:    cfg,
		proxy:  proxy,
		client: client,
		cache:  gocache.New(ttl, 2*ttl),
	}
}

// Routes returns the bridge's HTTP mux.
func (h *Handler) Routes() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /api/jobs", h.SubmitJob)
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ready", h.Ready)
	mux.HandleFunc("GET /api/presets", h.Presets)
	return mux
}

// SubmitJob accepts a CommandPacket-shaped body, runs pre-flight, and
// forwards the command. The caller gets exactly one response: the
// executor's, or a structured timeout/transport error.
func (h *Handler) SubmitJob(w http.ResponseWriter, r *http.Request) {
	maxBody := h.cfg.MaxBodyBytes
	if maxBody <= 0 {
		maxBody = 50 << 20
	}
	body, err := io.ReadAll(http.MaxBytesReader(w, r.Body, maxBody))
	if err != nil {
		autoerr.FailEnvelope(autoerr.E(autoerr.CodeValidationError, "request body unreadable or over %d bytes", maxBody)).WriteJSON(w)
		return
	}

	var pkt packet.CommandPacket
	if err := json.Unmarshal(body, &pkt); err != nil {
		autoerr.FailEnvelope(autoerr.Wrap(autoerr.CodeValidationError, err, "body is not a valid command packet")).WriteJSON(w)
		return
	}
	if pkt.Command.Action == "" {
		autoerr.FailEnvelope(autoerr.E(autoerr.CodeValidationError, "command.action is required")).WriteJSON(w)
		return
	}
	if pkt.Application == "" {
		pkt.Application = h.client.application
	}

	if err := h.preflight(r.Context(), pkt.Application); err != nil {
		autoerr.FailEnvelope(err).WriteJSON(w)
		return
	}

	resp, err := h.client.Do(r.Context(), pkt)
	if err != nil {
		autoerr.FailEnvelope(err).WriteJSON(w)
		return
	}

	writeResponse(w, resp)
}

// preflight enforces the two checks that run before any frame is
// emitted: proxy connectivity, then executor readiness.
func (h *Handler) preflight(ctx context.Context, application string) error {
	if !h.client.Connected() {
		return autoerr.E(autoerr.CodeBridgeDisconnected, "bridge is not connected to the proxy").
			WithAction("check that the proxy process is running")
	}
	return h.client.CheckReady(ctx, application)
}

// writeResponse maps an executor response onto the uniform envelope,
// passing executor-reported statuses through verbatim.
func writeResponse(w http.ResponseWriter, resp packet.PacketResponse) {
	if resp.Error != nil {
		env := autoerr.Envelope{
			OK:     false,
			Status: resp.Status,
			Error: &autoerr.ErrorBody{
				Code:    autoerr.Code(resp.Error.Code),
				Message: resp.Error.Message,
				Action:  resp.Error.Action,
			},
		}
		env.WriteJSON(w)
		return
	}

	env := autoerr.Envelope{OK: true, Status: resp.Status, Output: resp.Output, Response: resp.Response}
	if env.Status == "" {
		env.Status = "ok"
	}
	env.WriteJSON(w)
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status    string `json:"status"`
	Connected bool   `json:"connected"`
	ProxyPort int    `json:"proxyPort"`
	Uptime    int64  `json:"uptime"`
	Forwarded int64  `json:"forwarded"`
	Failed    int64  `json:"failed"`
	TimedOut  int64  `json:"timedOut"`
}

// Health reports proxy connectivity and counters.
func (h *Handler) Health(w http.ResponseWriter, _ *http.Request) {
	forwarded, failed, timedOut := h.client.Counters()
	status := "ok"
	if !h.client.Connected() {
		status = "disconnected"
	}
	resp := HealthResponse{
		Status:    status,
		Connected: h.client.Connected(),
		ProxyPort: h.proxy.ProxyPort,
		Uptime:    h.client.Uptime(),
		Forwarded: forwarded,
		Failed:    failed,
		TimedOut:  timedOut,
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready  bool   `json:"ready"`
	Code   string `json:"code,omitempty"`
	Action string `json:"action,omitempty"`
}

// Ready reports whether a job submitted now would pass pre-flight.
func (h *Handler) Ready(w http.ResponseWriter, r *http.Request) {
	application := r.URL.Query().Get("application")
	if application == "" {
		application = h.client.application
	}

	if err := h.preflight(r.Context(), application); err != nil {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusServiceUnavailable)
		_ = json.NewEncoder(w).Encode(ReadyResponse{
			Ready:  false,
			Code:   string(autoerr.CodeOf(err)),
			Action: autoerr.ActionOf(err),
		})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(ReadyResponse{Ready: true})
}

// PresetsResponse is the body of GET /api/presets.
type PresetsResponse struct {
	Presets []string `json:"presets"`
}

// Presets queries the executor for available output presets with a short
// timeout, falling back to the configured safe list on any failure.
// Results are cached.
func (h *Handler) Presets(w http.ResponseWriter, r *http.Request) {
	if cached, ok := h.cache.Get(presetCacheKey); ok {
		if presets, ok := cached.([]string); ok {
			writePresets(w, presets)
			return
		}
	}

	presets := h.fetchPresets(r.Context())
	h.cache.SetDefault(presetCacheKey, presets)
	writePresets(w, presets)
}

func (h *Handler) fetchPresets(ctx context.Context) []string {
	fallback := h.cfg.PresetFallback
	if len(fallback) == 0 {
		fallback = []string{"High Quality Print"}
	}

	if err := h.preflight(ctx, h.client.application); err != nil {
		log.Warn(log.CatBridge, "preset query pre-flight failed, using fallback", "code", string(autoerr.CodeOf(err)))
		return fallback
	}

	queryCtx, cancel := context.WithTimeout(ctx, presetTimeout)
	defer cancel()

	resp, err := h.client.Do(queryCtx, packet.CommandPacket{
		Application: h.client.application,
		Command:     packet.Command{Action: presetAction},
	})
	if err != nil || resp.Error != nil {
		log.Warn(log.CatBridge, "preset query failed, using fallback")
		return fallback
	}

	var out struct {
		Presets []string `json:"presets"`
	}
	if err := json.Unmarshal(resp.Output, &out); err != nil || len(out.Presets) == 0 {
		return fallback
	}
	return out.Presets
}

func writePresets(w http.ResponseWriter, presets []string) {
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(PresetsResponse{Presets: presets})
}

// Server wraps the Handler with an http.Server for lifecycle management.
type Server struct {
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer creates a bridge server listening on addr.
func NewServer(addr string, handler *Handler) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	return &Server{
		listener: listener,
		port:     port,
		server: &http.Server{
			Handler:           handler.Routes(),
			ReadHeaderTimeout: 10 * time.Second,
		},
	}, nil
}

// Start blocks serving until stopped.
func (s *Server) Start() error {
	log.Info(log.CatBridge, "bridge listening", "addr", s.listener.Addr().String())
	err := s.server.Serve(s.listener)
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }
