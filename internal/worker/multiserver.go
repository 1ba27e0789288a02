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
	"github.com/inkhaus/autopress/internal/ticket"
)

// MultiServerWorker executes a named workflow as an ordered chain of
// external tool servers. Each stage receives the ticket plus the
// previous stage's artifact; the last stage's artifact is the result.
// There is no fallback: a missing workflow or server fails the job.
type MultiServerWorker struct {
	cfg       config.WorkersConfig
	endpoints map[string]string
	httpc     *http.Client
}

// NewMultiServerWorker creates a workflow worker. Returns nil when no
// tool servers are configured.
func NewMultiServerWorker(cfg config.WorkersConfig) *MultiServerWorker {
	if len(cfg.ToolServers) == 0 {
		return nil
	}
	eps := make(map[string]string, len(cfg.ToolServers))
	for _, ts := range cfg.ToolServers {
		eps[ts.Name] = ts.Endpoint
	}
	return &MultiServerWorker{
		cfg:       cfg,
		endpoints: eps,
		httpc:     &http.Client{Timeout: 5 * time.Minute},
	}
}

func (w *MultiServerWorker) Kind() string       { return KindMultiServer }
func (w *MultiServerWorker) ServiceTag() string { return "tool-servers" }

// EstimatedCostUSD is zero: tool servers report actual cost per stage.
func (w *MultiServerWorker) EstimatedCostUSD(*ticket.JobTicket) float64 { return 0 }

// stageRequest is the payload sent to each tool server.
type stageRequest struct {
	Ticket   *ticket.JobTicket `json:"ticket"`
	Artifact string            `json:"artifact,omitempty"`
	Stage    int               `json:"stage"`
	Workflow string            `json:"workflow"`
}

// stageResponse is one tool server's reply.
type stageResponse struct {
	OK       bool    `json:"ok"`
	Artifact string  `json:"artifact,omitempty"`
	Score    float64 `json:"score,omitempty"`
	CostUSD  float64 `json:"costUsd,omitempty"`
	Error    string  `json:"error,omitempty"`
}

// Produce runs the ticket's workflow stage by stage. The final stage's
// self-reported score is carried back as informational only.
func (w *MultiServerWorker) Produce(ctx context.Context, t *ticket.JobTicket) (*Result, error) {
	name := t.WorkflowName()
	if name == "" && t.Style == ticket.StyleTFU {
		name = "tfu"
	}
	if name == "" {
		return nil, autoerr.E(autoerr.CodeNoWorkerAvailable, "ticket %s forces multi-server but names no workflow", t.ID).
			WithAction("declare multiServer.workflow in the ticket")
	}

	servers, ok := w.cfg.Workflows[name]
	if !ok || len(servers) == 0 {
		return nil, autoerr.E(autoerr.CodeNoWorkerAvailable, "workflow %q is not configured", name).
			WithAction("register the workflow under workers.workflows")
	}

	result := &Result{ArtifactPath: t.Resolved.OutputPath}
	artifact := ""
	for i, server := range servers {
		endpoint, ok := w.endpoints[server]
		if !ok {
			return nil, autoerr.E(autoerr.CodeNoWorkerAvailable, "workflow %q names unknown tool server %q", name, server).
				WithAction("register the server under workers.tool_servers")
		}

		resp, err := w.runStage(ctx, endpoint, stageRequest{Ticket: t, Artifact: artifact, Stage: i, Workflow: name})
		if err != nil {
			return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "workflow %q stage %d (%s) failed", name, i, server)
		}

		if resp.Artifact != "" {
			artifact = resp.Artifact
		}
		result.CostUSD += resp.CostUSD
		if resp.Score > 0 {
			result.ReportedScore = resp.Score
		}
		log.Info(log.CatWorker, "workflow stage complete", "job", t.ID, "workflow", name,
			"stage", i, "server", server, "cost_usd", fmt.Sprintf("%.2f", resp.CostUSD))
	}

	if artifact != "" {
		result.ArtifactPath = artifact
	}
	return result, nil
}

func (w *MultiServerWorker) runStage(ctx context.Context, endpoint string, req stageRequest) (*stageResponse, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, err
	}
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, endpoint+"/v1/stage", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}
	httpReq.Header.Set("Content-Type", "application/json")

	httpResp, err := w.httpc.Do(httpReq)
	if err != nil {
		return nil, err
	}
	defer func() { _ = httpResp.Body.Close() }()

	if httpResp.StatusCode < 200 || httpResp.StatusCode >= 300 {
		return nil, fmt.Errorf("tool server returned %s", httpResp.Status)
	}

	var resp stageResponse
	if err := json.NewDecoder(httpResp.Body).Decode(&resp); err != nil {
		return nil, err
	}
	if !resp.OK {
		if resp.Error == "" {
			resp.Error = "stage reported failure"
		}
		return nil, fmt.Errorf("%s", resp.Error)
	}
	return &resp, nil
}
