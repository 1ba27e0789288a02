package bridge

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"net/http/httptest"
	"strconv"
	"strings"
	"testing"
	"time"

	"github.com/gorilla/websocket"
	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/packet"
)

func disconnectedHandler(t *testing.T) *Handler {
	t.Helper()
	cfg := config.Defaults()
	client := NewClient(cfg.Transport, "indesign", packet.NewTimeouts(nil))
	return NewHandler(cfg.Bridge, cfg.Transport, client)
}

func decodeEnvelope(t *testing.T, rec *httptest.ResponseRecorder) autoerr.Envelope {
	t.Helper()
	var env autoerr.Envelope
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &env))
	return env
}

func TestSubmitJob_DisconnectedBridge(t *testing.T) {
	h := disconnectedHandler(t)

	body := `{"application":"indesign","command":{"action":"ping"}}`
	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(body))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)
	env := decodeEnvelope(t, rec)
	require.False(t, env.OK)
	require.Equal(t, autoerr.CodeBridgeDisconnected, env.Error.Code)
	require.NotEmpty(t, env.Error.Action)
}

func TestSubmitJob_MalformedBody(t *testing.T) {
	h := disconnectedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader("{not json"))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, autoerr.CodeValidationError, env.Error.Code)
}

func TestSubmitJob_MissingAction(t *testing.T) {
	h := disconnectedHandler(t)

	req := httptest.NewRequest(http.MethodPost, "/api/jobs", strings.NewReader(`{"command":{}}`))
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusBadRequest, rec.Code)
	env := decodeEnvelope(t, rec)
	require.Equal(t, autoerr.CodeValidationError, env.Error.Code)
	require.Contains(t, env.Error.Message, "command.action")
}

func TestHealth_Disconnected(t *testing.T) {
	h := disconnectedHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/health", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code, "health always answers, even when degraded")

	var resp HealthResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, "disconnected", resp.Status)
	require.False(t, resp.Connected)
	require.Equal(t, 18900, resp.ProxyPort)
}

func TestReady_Disconnected(t *testing.T) {
	h := disconnectedHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/ready", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusServiceUnavailable, rec.Code)

	var resp ReadyResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.False(t, resp.Ready)
	require.Equal(t, string(autoerr.CodeBridgeDisconnected), resp.Code)
}

func TestPresets_FallbackWhenDisconnected(t *testing.T) {
	h := disconnectedHandler(t)

	req := httptest.NewRequest(http.MethodGet, "/api/presets", nil)
	rec := httptest.NewRecorder()
	h.Routes().ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)

	var resp PresetsResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &resp))
	require.Equal(t, []string{"High Quality Print"}, resp.Presets)
}

func TestWriteResponse_ExecutorErrorPassThrough(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResponse(rec, packet.PacketResponse{
		Status: "error",
		Error:  &packet.WireError{Code: "UNKNOWN_COMMAND", Message: "no handler for frobnicate"},
	})

	env := decodeEnvelope(t, rec)
	require.False(t, env.OK)
	require.Equal(t, autoerr.CodeUnknownCommand, env.Error.Code)
	require.Equal(t, "no handler for frobnicate", env.Error.Message)
}

func TestWriteResponse_Success(t *testing.T) {
	rec := httptest.NewRecorder()
	writeResponse(rec, packet.PacketResponse{
		Status: "success",
		Output: json.RawMessage(`{"pages":4}`),
	})

	env := decodeEnvelope(t, rec)
	require.True(t, env.OK)
	require.Equal(t, "success", env.Status)
	require.JSONEq(t, `{"pages":4}`, string(env.Output))
}

func TestCheckReady_ProbesProxy(t *testing.T) {
	var gotApplication string
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/ready", r.URL.Path)
		gotApplication = r.URL.Query().Get("application")
		if gotApplication != "indesign" {
			w.WriteHeader(http.StatusServiceUnavailable)
			return
		}
		w.WriteHeader(http.StatusOK)
	}))
	defer proxy.Close()

	client := NewClient(transportFor(t, proxy.URL), "indesign", packet.NewTimeouts(nil))

	require.NoError(t, client.CheckReady(context.Background(), "indesign"))
	require.Equal(t, "indesign", gotApplication)

	err := client.CheckReady(context.Background(), "photoshop")
	require.Equal(t, autoerr.CodeNoExecutor, autoerr.CodeOf(err))
}

func TestCheckReady_ProxyDown(t *testing.T) {
	cfg := config.TransportConfig{ProxyHost: "127.0.0.1", ProxyPort: 1}
	client := NewClient(cfg, "indesign", packet.NewTimeouts(nil))

	err := client.CheckReady(context.Background(), "indesign")
	require.Equal(t, autoerr.CodeProxyDown, autoerr.CodeOf(err))
}

func TestDo_DisconnectedFailsFast(t *testing.T) {
	cfg := config.Defaults()
	client := NewClient(cfg.Transport, "indesign", packet.NewTimeouts(nil))

	_, err := client.Do(context.Background(), packet.CommandPacket{Command: packet.Command{Action: "ping"}})
	require.Equal(t, autoerr.CodeBridgeDisconnected, autoerr.CodeOf(err))

	_, failed, _ := client.Counters()
	require.Equal(t, int64(1), failed)
}

func TestDo_CallerCancellationStaysCoded(t *testing.T) {
	// A proxy that accepts the connection but never answers commands, so
	// the caller's deadline fires first.
	upgrader := websocket.Upgrader{}
	proxy := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		ws, err := upgrader.Upgrade(w, r, nil)
		if err != nil {
			return
		}
		defer func() { _ = ws.Close() }()
		for {
			if _, _, err := ws.ReadMessage(); err != nil {
				return
			}
		}
	}))
	defer proxy.Close()

	client := NewClient(transportFor(t, proxy.URL), "indesign", packet.NewTimeouts(nil))
	runCtx, stopRun := context.WithCancel(context.Background())
	defer stopRun()
	go client.Run(runCtx)

	require.Eventually(t, client.Connected, 2*time.Second, 10*time.Millisecond)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Do(ctx, packet.CommandPacket{Command: packet.Command{Action: "export_pdf"}})
	require.Equal(t, autoerr.CodeCommandTimeout, autoerr.CodeOf(err))
	require.ErrorIs(t, err, context.DeadlineExceeded)
}

func transportFor(t *testing.T, rawURL string) config.TransportConfig {
	t.Helper()
	hostPort := strings.TrimPrefix(rawURL, "http://")
	host, portStr, err := net.SplitHostPort(hostPort)
	require.NoError(t, err)
	port, err := strconv.Atoi(portStr)
	require.NoError(t, err)
	return config.TransportConfig{ProxyHost: host, ProxyPort: port}
}
