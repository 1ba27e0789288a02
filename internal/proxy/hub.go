package proxy

import (
	"context"
	"encoding/json"
	"sync"
	"time"

	"github.com/gorilla/websocket"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
)

// wsConn wraps a WebSocket connection with write serialization.
// gorilla/websocket permits only one concurrent writer per connection.
type wsConn struct {
	id string
	ws *websocket.Conn
	mu sync.Mutex
}

func (c *wsConn) sendJSON(v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.ws.WriteJSON(v)
}

// pendingOp tracks one command forwarded to an executor awaiting its
// response. Duplicate submissions of the same request id attach as
// additional bridge recipients instead of dispatching again.
type pendingOp struct {
	requestID  string
	bridgeIDs  []string
	executorID string
	docKey     string
	action     string
	started    time.Time
	timer      *time.Timer
}

// Hub multiplexes bridges and executors. It owns the registry, the
// document lock manager, the idempotency cache, and the pending
// operation table.
type Hub struct {
	cfg      config.ProxyConfig
	registry *Registry
	locks    *LockManager
	idem     *IdemCache
	metrics  *Metrics
	timeouts packet.Timeouts

	mu      sync.Mutex
	conns   map[string]*wsConn
	pending map[string]*pendingOp
}

// NewHub creates a hub with fresh state.
func NewHub(cfg config.ProxyConfig, timeouts packet.Timeouts) *Hub {
	return &Hub{
		cfg:      cfg,
		registry: NewRegistry(),
		locks:    NewLockManager(cfg.LockWait),
		idem:     NewIdemCache(cfg.IdempotencyTTL, cfg.IdempotencyCap),
		metrics:  NewMetrics(),
		timeouts: timeouts,
		conns:    make(map[string]*wsConn),
		pending:  make(map[string]*pendingOp),
	}
}

// Registry exposes the executor registry for the readiness endpoint.
func (h *Hub) Registry() *Registry { return h.registry }

// Metrics exposes the metrics set for the metrics endpoint.
func (h *Hub) Metrics() *Metrics { return h.metrics }

// Locks exposes the lock manager snapshot for the metrics endpoint.
func (h *Hub) Locks() *LockManager { return h.locks }

// HandleConn runs the read loop for one upgraded connection until it
// closes. The connection starts unregistered; only a register frame
// promotes it.
func (h *Hub) HandleConn(ws *websocket.Conn) {
	conn := &wsConn{id: NewConnID(), ws: ws}

	h.mu.Lock()
	h.conns[conn.id] = conn
	h.mu.Unlock()

	log.Info(log.CatProxy, "connection opened", "connId", conn.id)

	ws.SetPongHandler(func(string) error {
		return ws.SetReadDeadline(time.Now().Add(h.pingInterval() * 3))
	})
	_ = ws.SetReadDeadline(time.Now().Add(h.pingInterval() * 3))

	stopPing := make(chan struct{})
	log.SafeGo("proxy.pinger."+conn.id, func() { h.pingLoop(conn, stopPing) })

	defer func() {
		close(stopPing)
		h.dropConn(conn)
	}()

	for {
		_, data, err := ws.ReadMessage()
		if err != nil {
			log.Info(log.CatProxy, "connection closed", "connId", conn.id, "reason", err.Error())
			return
		}

		var frame packet.Frame
		if err := json.Unmarshal(data, &frame); err != nil {
			log.Warn(log.CatProxy, "unparseable frame dropped", "connId", conn.id)
			continue
		}

		switch frame.Type {
		case packet.TypeRegister:
			h.handleRegister(conn, data)
		case packet.TypeCommandPacket:
			var pkt packet.CommandPacket
			if err := json.Unmarshal(data, &pkt); err != nil {
				log.Warn(log.CatProxy, "bad command packet", "connId", conn.id, "error", err.Error())
				continue
			}
			// Handled off the read loop so lock waits never stall reads.
			log.SafeGo("proxy.command."+pkt.Command.RequestID, func() { h.handleCommand(conn, pkt) })
		case packet.TypePacketResponse:
			var resp packet.PacketResponse
			if err := json.Unmarshal(data, &resp); err != nil {
				log.Warn(log.CatProxy, "bad packet response", "connId", conn.id, "error", err.Error())
				continue
			}
			h.handleResponse(resp)
		case packet.TypePing:
			_ = conn.sendJSON(map[string]string{"type": packet.TypePong})
		default:
			log.Warn(log.CatProxy, "unknown frame type", "connId", conn.id, "type", frame.Type)
		}
	}
}

func (h *Hub) pingInterval() time.Duration {
	if h.cfg.PingInterval > 0 {
		return h.cfg.PingInterval
	}
	return 30 * time.Second
}

func (h *Hub) pingLoop(conn *wsConn, stop <-chan struct{}) {
	ticker := time.NewTicker(h.pingInterval())
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			conn.mu.Lock()
			err := conn.ws.WriteControl(websocket.PingMessage, nil, time.Now().Add(5*time.Second))
			conn.mu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

func (h *Hub) handleRegister(conn *wsConn, data []byte) {
	var reg packet.Register
	if err := json.Unmarshal(data, &reg); err != nil || reg.Application == "" {
		_ = conn.sendJSON(packet.RegistrationResponse{
			Type: packet.TypeRegistrationResponse, OK: false, Message: "register requires application and role",
		})
		return
	}
	if reg.Role != packet.RoleExecutor && reg.Role != packet.RoleBridge {
		_ = conn.sendJSON(packet.RegistrationResponse{
			Type: packet.TypeRegistrationResponse, OK: false, Message: "unknown role " + reg.Role,
		})
		return
	}

	h.registry.Register(conn.id, reg.Application, reg.Role)
	log.Info(log.CatProxy, "registered", "connId", conn.id, "application", reg.Application, "role", reg.Role)
	_ = conn.sendJSON(packet.RegistrationResponse{Type: packet.TypeRegistrationResponse, OK: true})
}

// handleCommand routes one command frame from a bridge to an executor.
// A request id is dispatched at most once: completed requests replay
// from the idempotency cache, in-flight ones attach the caller to the
// pending op.
func (h *Hub) handleCommand(bridge *wsConn, pkt packet.CommandPacket) {
	reqID := pkt.Command.RequestID

	if cached, ok := h.idem.Lookup(reqID); ok {
		_ = bridge.sendJSON(cached)
		return
	}
	if h.attachDuplicate(reqID, bridge.id) {
		return
	}

	executor := h.pickExecutor(pkt.Application)
	if executor == nil {
		h.respondError(bridge, reqID, autoerr.E(autoerr.CodeNoExecutor,
			"no executor registered for application %q", pkt.Application).
			WithAction("start the desktop executor and wait for it to register"))
		return
	}

	docKey := pkt.Command.DocumentKey(pkt.Application)
	if err := h.locks.Acquire(context.Background(), docKey, reqID); err != nil {
		coded, ok := err.(*autoerr.Error)
		if !ok {
			coded = autoerr.Wrap(autoerr.CodeInternal, err, "lock acquisition")
		}
		h.respondError(bridge, reqID, coded)
		return
	}

	// The original may have finished, or still be in flight, while this
	// submission waited on the document lock.
	if cached, ok := h.idem.Lookup(reqID); ok {
		h.locks.Release(docKey, reqID)
		_ = bridge.sendJSON(cached)
		return
	}
	if h.attachDuplicate(reqID, bridge.id) {
		h.locks.Release(docKey, reqID)
		return
	}

	h.metrics.ObserveCommand(pkt.Command.Action)

	op := &pendingOp{
		requestID:  reqID,
		bridgeIDs:  []string{bridge.id},
		executorID: executor.id,
		docKey:     docKey,
		action:     pkt.Command.Action,
		started:    time.Now(),
	}
	// Safety net: if the executor never answers, release the lock so the
	// document does not stay wedged. The bridge enforces the real
	// command timeout; this fires well after it.
	safety := h.timeouts.For(pkt.Command.Action) * 2
	op.timer = time.AfterFunc(safety, func() { h.expireOp(reqID) })

	h.mu.Lock()
	h.pending[reqID] = op
	h.mu.Unlock()

	if err := executor.sendJSON(pkt); err != nil {
		if op := h.finishOp(reqID); op != nil {
			h.failOp(op, autoerr.Wrap(autoerr.CodeNoExecutor, err,
				"executor connection lost while forwarding").
				WithAction("retry once the executor reconnects"))
		}
		return
	}

	log.Debug(log.CatProxy, "command forwarded", "requestId", reqID, "action", pkt.Command.Action, "docKey", docKey)
}

// attachDuplicate joins a repeated request id to its in-flight op so the
// executor is invoked at most once; the eventual response fans out to
// every attached bridge.
func (h *Hub) attachDuplicate(requestID, bridgeID string) bool {
	h.mu.Lock()
	defer h.mu.Unlock()
	op, ok := h.pending[requestID]
	if !ok {
		return false
	}
	op.bridgeIDs = append(op.bridgeIDs, bridgeID)
	log.Info(log.CatProxy, "duplicate joined in-flight command", "requestId", requestID, "action", op.action)
	return true
}

// handleResponse correlates an executor response with its pending op and
// delivers it to every attached bridge exactly once each.
func (h *Hub) handleResponse(resp packet.PacketResponse) {
	h.mu.Lock()
	_, known := h.pending[resp.RequestID]
	h.mu.Unlock()
	if !known {
		log.Warn(log.CatProxy, "unmatched response discarded", "requestId", resp.RequestID)
		return
	}

	resp.Type = packet.TypePacketResponse
	// Cache before the document lock releases: a duplicate queued on the
	// lock must find the response the moment it acquires.
	h.idem.Store(resp)

	op := h.finishOp(resp.RequestID)
	if op == nil {
		return
	}

	code := ""
	if resp.Error != nil {
		code = resp.Error.Code
	}
	h.metrics.ObserveResult(code, time.Since(op.started))

	for _, id := range op.bridgeIDs {
		h.mu.Lock()
		bridge := h.conns[id]
		h.mu.Unlock()

		if bridge == nil {
			log.Warn(log.CatProxy, "bridge gone before response delivery", "requestId", resp.RequestID)
			continue
		}
		if err := bridge.sendJSON(resp); err != nil {
			log.Warn(log.CatProxy, "response delivery failed", "requestId", resp.RequestID, "error", err.Error())
		}
	}
}

// failOp delivers a coded error to every bridge attached to a finished op.
// The failure counts once against metrics regardless of fan-out.
func (h *Hub) failOp(op *pendingOp, err *autoerr.Error) {
	h.metrics.ObserveResult(string(err.Code), 0)
	wire := &packet.WireError{Code: string(err.Code), Message: err.Message, Action: err.Action}
	for _, id := range op.bridgeIDs {
		h.mu.Lock()
		bridge := h.conns[id]
		h.mu.Unlock()
		if bridge != nil {
			_ = bridge.sendJSON(packet.PacketResponse{
				Type:      packet.TypePacketResponse,
				RequestID: op.requestID,
				Status:    "error",
				Error:     wire,
			})
		}
	}
}

// finishOp removes a pending op, stops its safety timer, and releases its
// document lock. Returns nil if the op was already finished.
func (h *Hub) finishOp(requestID string) *pendingOp {
	h.mu.Lock()
	op, ok := h.pending[requestID]
	if ok {
		delete(h.pending, requestID)
	}
	h.mu.Unlock()

	if !ok {
		return nil
	}
	if op.timer != nil {
		op.timer.Stop()
	}
	h.locks.Release(op.docKey, op.requestID)
	return op
}

func (h *Hub) expireOp(requestID string) {
	if op := h.finishOp(requestID); op != nil {
		h.metrics.ObserveResult(string(autoerr.CodeProxyTimeout), time.Since(op.started))
		log.Warn(log.CatProxy, "pending op expired, lock released", "requestId", requestID, "action", op.action)
	}
}

// pickExecutor returns the longest-connected executor for an application.
func (h *Hub) pickExecutor(application string) *wsConn {
	regs := h.registry.Executors(application)
	if len(regs) == 0 {
		return nil
	}
	oldest := regs[0]
	for _, r := range regs[1:] {
		if r.ConnectedAt.Before(oldest.ConnectedAt) {
			oldest = r
		}
	}

	h.mu.Lock()
	defer h.mu.Unlock()
	return h.conns[oldest.ConnID]
}

func (h *Hub) respondError(bridge *wsConn, requestID string, err *autoerr.Error) {
	h.metrics.ObserveResult(string(err.Code), 0)
	_ = bridge.sendJSON(packet.PacketResponse{
		Type:      packet.TypePacketResponse,
		RequestID: requestID,
		Status:    "error",
		Error:     &packet.WireError{Code: string(err.Code), Message: err.Message, Action: err.Action},
	})
}

// dropConn unregisters a closed connection and fails any pending ops
// that were forwarded to it.
func (h *Hub) dropConn(conn *wsConn) {
	h.registry.Unregister(conn.id)

	h.mu.Lock()
	delete(h.conns, conn.id)
	var orphaned []*pendingOp
	for id, op := range h.pending {
		if op.executorID == conn.id {
			delete(h.pending, id)
			orphaned = append(orphaned, op)
		}
	}
	h.mu.Unlock()

	for _, op := range orphaned {
		if op.timer != nil {
			op.timer.Stop()
		}
		h.locks.Release(op.docKey, op.requestID)
		h.failOp(op, autoerr.E(autoerr.CodeNoExecutor,
			"executor disconnected during operation").
			WithAction("retry once the executor reconnects"))
	}
}
