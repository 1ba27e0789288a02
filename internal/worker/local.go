package worker

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
	"github.com/inkhaus/autopress/internal/ticket"
)

// LocalWorker drives the desktop application through the bridge's HTTP
// API: create document, place content, export to the resolved output
// path. Every command rides the command transport, so pre-flight,
// per-class timeouts, and document serialization all apply.
type LocalWorker struct {
	cfg   config.WorkersConfig
	httpc *http.Client
}

// NewLocalWorker creates a local interactive worker against the bridge.
func NewLocalWorker(cfg config.WorkersConfig) *LocalWorker {
	return &LocalWorker{
		cfg: cfg,
		// The client timeout sits above the longest command class; the
		// bridge enforces the real per-class timeout.
		httpc: &http.Client{Timeout: 150 * time.Second},
	}
}

func (w *LocalWorker) Kind() string       { return KindLocal }
func (w *LocalWorker) ServiceTag() string { return "desktop/" + w.cfg.Application }

// EstimatedCostUSD is zero: local production spends no external budget.
func (w *LocalWorker) EstimatedCostUSD(*ticket.JobTicket) float64 { return 0 }

// Produce runs the create / place / export command sequence.
func (w *LocalWorker) Produce(ctx context.Context, t *ticket.JobTicket) (*Result, error) {
	docArg, _ := json.Marshal(t.ID)
	typeArg, _ := json.Marshal(string(t.JobType))

	if _, err := w.submit(ctx, t, "create_document", map[string]json.RawMessage{
		"documentId": docArg,
		"template":   typeArg,
	}); err != nil {
		return nil, err
	}

	if len(t.Content) > 0 {
		if _, err := w.submit(ctx, t, "place_text_content", map[string]json.RawMessage{
			"documentId": docArg,
			"content":    t.Content,
		}); err != nil {
			return nil, err
		}
	}

	outArg, _ := json.Marshal(t.Resolved.OutputPath)
	if _, err := w.submit(ctx, t, "export_pdf", map[string]json.RawMessage{
		"documentId": docArg,
		"outputPath": outArg,
	}); err != nil {
		return nil, err
	}

	log.Info(log.CatWorker, "local production complete", "job", t.ID, "artifact", t.Resolved.OutputPath)
	return &Result{ArtifactPath: t.Resolved.OutputPath}, nil
}

// submit posts one command to the bridge and decodes the envelope.
func (w *LocalWorker) submit(ctx context.Context, t *ticket.JobTicket, action string, args map[string]json.RawMessage) (*autoerr.Envelope, error) {
	pkt := packet.CommandPacket{
		Application: t.Application,
		Command: packet.Command{
			Action:    action,
			RequestID: requestIDFor(t, action),
			Args:      args,
		},
	}

	body, err := json.Marshal(pkt)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "encoding %s command", action)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.BridgeURL+"/api/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "building %s request", action)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "bridge unreachable for %s", action).
			WithAction("check that the bridge process is running")
	}
	defer func() { _ = resp.Body.Close() }()

	var env autoerr.Envelope
	if err := json.NewDecoder(resp.Body).Decode(&env); err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "decoding %s response", action)
	}
	if !env.OK {
		code := autoerr.CodeWorkerFailed
		msg := "command " + action + " failed"
		if env.Error != nil {
			// Transport codes pass through so the orchestrator can tell
			// a missing executor from a bad document.
			code = env.Error.Code
			msg = env.Error.Message
		}
		return nil, autoerr.E(code, "%s", msg)
	}
	return &env, nil
}

// requestIDFor derives a stable per-command request id when the ticket
// carries one, making worker retries idempotent at the proxy.
func requestIDFor(t *ticket.JobTicket, action string) string {
	if t.RequestID == "" {
		return ""
	}
	return fmt.Sprintf("%s-%s", t.RequestID, action)
}
