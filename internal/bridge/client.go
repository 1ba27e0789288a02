// Package bridge implements the HTTP-to-WebSocket bridge: it accepts job
// submissions over HTTP, forwards them as framed commands over a
// persistent WebSocket to the proxy, and correlates responses back to
// the waiting HTTP caller by request id.
package bridge

import (
	"context"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
)

const (
	readinessProbeTimeout = 2 * time.Second
	reconnectBase         = time.Second
	reconnectMax          = 30 * time.Second
)

// Client maintains the persistent WebSocket to the proxy. The receive
// loop is the single owner of the pending map's deliveries: handlers
// subscribe to their own request id via a one-shot channel that the loop
// resolves exactly once.
type Client struct {
	cfg         config.TransportConfig
	application string
	timeouts    packet.Timeouts

	mu      sync.Mutex
	ws      *websocket.Conn
	pending map[string]chan packet.PacketResponse

	connected atomic.Bool
	forwarded atomic.Int64
	failed    atomic.Int64
	timedOut  atomic.Int64
	startedAt time.Time

	httpc *http.Client
}

// NewClient creates a bridge client for one application tag.
func NewClient(cfg config.TransportConfig, application string, timeouts packet.Timeouts) *Client {
	return &Client{
		cfg:         cfg,
		application: application,
		timeouts:    timeouts,
		pending:     make(map[string]chan packet.PacketResponse),
		startedAt:   time.Now(),
		httpc:       &http.Client{Timeout: readinessProbeTimeout},
	}
}

// Run dials the proxy and services the connection until ctx is done,
// reconnecting with capped backoff after drops.
func (c *Client) Run(ctx context.Context) {
	backoff := reconnectBase
	for {
		if ctx.Err() != nil {
			return
		}

		ws, _, err := websocket.DefaultDialer.DialContext(ctx, c.cfg.ProxyURL(), nil)
		if err != nil {
			log.Warn(log.CatBridge, "proxy dial failed", "url", c.cfg.ProxyURL(), "retryIn", backoff.String())
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			if backoff *= 2; backoff > reconnectMax {
				backoff = reconnectMax
			}
			continue
		}
		backoff = reconnectBase

		if err := ws.WriteJSON(packet.Register{
			Type: packet.TypeRegister, Application: c.application, Role: packet.RoleBridge,
		}); err != nil {
			_ = ws.Close()
			continue
		}

		c.mu.Lock()
		c.ws = ws
		c.mu.Unlock()
		c.connected.Store(true)
		log.Info(log.CatBridge, "connected to proxy", "url", c.cfg.ProxyURL())

		c.readLoop(ctx, ws)

		c.connected.Store(false)
		c.mu.Lock()
		c.ws = nil
		c.mu.Unlock()
		c.failPending(autoerr.E(autoerr.CodeBridgeDisconnected, "proxy connection lost"))
	}
}

// readLoop resolves pending callers until the connection drops.
func (c *Client) readLoop(ctx context.Context, ws *websocket.Conn) {
	go func() {
		<-ctx.Done()
		_ = ws.Close()
	}()

	for {
		var resp packet.PacketResponse
		if err := ws.ReadJSON(&resp); err != nil {
			log.Info(log.CatBridge, "proxy connection closed", "reason", err.Error())
			return
		}
		if resp.Type == packet.TypeRegistrationResponse || resp.Type == packet.TypePong {
			continue
		}

		c.mu.Lock()
		ch, ok := c.pending[resp.RequestID]
		if ok {
			delete(c.pending, resp.RequestID)
		}
		c.mu.Unlock()

		if !ok {
			log.Warn(log.CatBridge, "unmatched response discarded", "requestId", resp.RequestID)
			continue
		}
		ch <- resp
	}
}

// failPending resolves every waiting caller with a disconnect error.
func (c *Client) failPending(err *autoerr.Error) {
	c.mu.Lock()
	stale := c.pending
	c.pending = make(map[string]chan packet.PacketResponse)
	c.mu.Unlock()

	for reqID, ch := range stale {
		ch <- packet.PacketResponse{
			Type:      packet.TypePacketResponse,
			RequestID: reqID,
			Status:    "error",
			Error:     &packet.WireError{Code: string(err.Code), Message: err.Message},
		}
	}
}

// Connected reports whether the proxy link is up.
func (c *Client) Connected() bool { return c.connected.Load() }

// Uptime returns seconds since the client was created.
func (c *Client) Uptime() int64 { return int64(time.Since(c.startedAt).Seconds()) }

// Counters returns (forwarded, failed, timedOut) totals.
func (c *Client) Counters() (int64, int64, int64) {
	return c.forwarded.Load(), c.failed.Load(), c.timedOut.Load()
}

// CheckReady issues the non-blocking readiness probe against the proxy's
// HTTP endpoint with a 2 s abort.
func (c *Client) CheckReady(ctx context.Context, application string) error {
	probeCtx, cancel := context.WithTimeout(ctx, readinessProbeTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(probeCtx, http.MethodGet, c.cfg.ReadyURL()+"?application="+application, nil)
	if err != nil {
		return autoerr.Wrap(autoerr.CodeProxyDown, err, "building readiness probe")
	}

	resp, err := c.httpc.Do(req)
	if err != nil {
		return autoerr.Wrap(autoerr.CodeProxyDown, err, "proxy readiness probe failed").
			WithAction("check that the proxy process is running")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode != http.StatusOK {
		return autoerr.E(autoerr.CodeNoExecutor, "no executor registered for application %q", application).
			WithAction("start the desktop executor and wait for it to register")
	}
	return nil
}

// Do forwards one command and blocks for the response or the
// command-class timeout. Pre-flight (connectivity + readiness) must have
// been run by the caller.
func (c *Client) Do(ctx context.Context, pkt packet.CommandPacket) (packet.PacketResponse, error) {
	if pkt.Command.RequestID == "" {
		pkt.Command.RequestID = packet.NewRequestID()
	}
	pkt.Type = packet.TypeCommandPacket
	if pkt.Application == "" {
		pkt.Application = c.application
	}

	ch := make(chan packet.PacketResponse, 1)

	c.mu.Lock()
	ws := c.ws
	if ws == nil {
		c.mu.Unlock()
		c.failed.Add(1)
		return packet.PacketResponse{}, autoerr.E(autoerr.CodeBridgeDisconnected, "bridge is not connected to the proxy").
			WithAction("check that the proxy process is running")
	}
	c.pending[pkt.Command.RequestID] = ch
	err := ws.WriteJSON(pkt)
	c.mu.Unlock()

	if err != nil {
		c.unregister(pkt.Command.RequestID)
		c.failed.Add(1)
		return packet.PacketResponse{}, autoerr.Wrap(autoerr.CodeBridgeDisconnected, err, "writing command frame")
	}

	timeout := c.timeouts.For(pkt.Command.Action)
	timer := time.NewTimer(timeout)
	defer timer.Stop()

	start := time.Now()
	select {
	case resp := <-ch:
		c.forwarded.Add(1)
		return resp, nil
	case <-timer.C:
		c.unregister(pkt.Command.RequestID)
		c.timedOut.Add(1)
		return packet.PacketResponse{}, autoerr.E(autoerr.CodeCommandTimeout,
			"command class %q timed out after %s (elapsed %s)",
			packet.ClassOf(pkt.Command.Action), timeout, time.Since(start).Round(time.Millisecond)).
			WithAction("retry, or raise the class timeout for long operations")
	case <-ctx.Done():
		c.unregister(pkt.Command.RequestID)
		c.failed.Add(1)
		return packet.PacketResponse{}, autoerr.Wrap(autoerr.CodeCommandTimeout, ctx.Err(),
			"command %q abandoned before a response arrived", pkt.Command.Action)
	}
}

func (c *Client) unregister(requestID string) {
	c.mu.Lock()
	delete(c.pending, requestID)
	c.mu.Unlock()
}
