package proxy

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/log"
)

var upgrader = websocket.Upgrader{
	ReadBufferSize:  4096,
	WriteBufferSize: 4096,
	CheckOrigin:     func(r *http.Request) bool { return true },
}

// ReadyResponse is the body of GET /ready.
type ReadyResponse struct {
	Ready     bool           `json:"ready"`
	Executors []Registration `json:"executors,omitempty"`
	Code      string         `json:"code,omitempty"`
	Action    string         `json:"action,omitempty"`
}

// MetricsResponse is the body of GET /metrics.
type MetricsResponse struct {
	Snapshot
	ActiveLocks int `json:"activeLocks"`
	IdemEntries int `json:"idemEntries"`
}

// Server wraps the Hub with an http.Server for lifecycle management.
type Server struct {
	hub      *Hub
	server   *http.Server
	listener net.Listener
	port     int
}

// NewServer creates a proxy server listening on addr. With port 0 the OS
// assigns one; use Port() after creation.
func NewServer(addr string, hub *Hub) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("failed to listen on %s: %w", addr, err)
	}

	port := 0
	if tcpAddr, ok := listener.Addr().(*net.TCPAddr); ok {
		port = tcpAddr.Port
	}

	s := &Server{hub: hub, listener: listener, port: port}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /ws", s.handleWS)
	mux.HandleFunc("GET /ready", s.handleReady)
	mux.HandleFunc("GET /metrics", s.handleMetrics)

	s.server = &http.Server{
		Handler:           mux,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s, nil
}

// Start blocks serving until the server is stopped or fails.
func (s *Server) Start() error {
	log.Info(log.CatProxy, "proxy listening", "addr", s.listener.Addr().String())
	return s.server.Serve(s.listener)
}

// Stop gracefully shuts down the server.
func (s *Server) Stop(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

// Port returns the bound port.
func (s *Server) Port() int { return s.port }

func (s *Server) handleWS(w http.ResponseWriter, r *http.Request) {
	ws, err := upgrader.Upgrade(w, r, nil)
	if err != nil {
		log.ErrorErr(log.CatProxy, "websocket upgrade failed", err)
		return
	}
	log.SafeGo("proxy.conn", func() { s.hub.HandleConn(ws) })
}

func (s *Server) handleReady(w http.ResponseWriter, r *http.Request) {
	application := r.URL.Query().Get("application")

	var resp ReadyResponse
	if application == "" {
		// No tag supplied: ready iff any executor at all is connected.
		execs := s.hub.Registry().Executors("")
		resp = ReadyResponse{Ready: len(execs) > 0, Executors: execs}
	} else if s.hub.Registry().Ready(application) {
		resp = ReadyResponse{Ready: true, Executors: s.hub.Registry().Executors(application)}
	}

	if !resp.Ready {
		resp.Code = string(autoerr.CodeNoExecutor)
		resp.Action = "start the desktop executor and wait for it to register"
	}

	w.Header().Set("Content-Type", "application/json")
	if !resp.Ready {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	_ = json.NewEncoder(w).Encode(resp)
}

func (s *Server) handleMetrics(w http.ResponseWriter, _ *http.Request) {
	resp := MetricsResponse{
		Snapshot:    s.hub.Metrics().Snapshot(),
		ActiveLocks: len(s.hub.Locks().Active()),
		IdemEntries: s.hub.idem.Len(),
	}
	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(resp)
}
