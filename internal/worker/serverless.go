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

// ServerlessWorker submits tickets to the remote batch PDF service.
// Concurrency is capped with a semaphore so a burst of jobs cannot
// stampede the endpoint.
type ServerlessWorker struct {
	cfg   config.ServerlessConfig
	sem   chan struct{}
	httpc *http.Client
}

// NewServerlessWorker creates a batch worker. Returns nil when no
// endpoint is configured.
func NewServerlessWorker(cfg config.ServerlessConfig) *ServerlessWorker {
	if cfg.Endpoint == "" {
		return nil
	}
	n := cfg.Concurrency
	if n <= 0 {
		n = 1
	}
	return &ServerlessWorker{
		cfg:   cfg,
		sem:   make(chan struct{}, n),
		httpc: &http.Client{Timeout: 5 * time.Minute},
	}
}

func (w *ServerlessWorker) Kind() string       { return KindServerless }
func (w *ServerlessWorker) ServiceTag() string { return "serverless-pdf" }

func (w *ServerlessWorker) EstimatedCostUSD(*ticket.JobTicket) float64 {
	return w.cfg.CostPerJobUSD
}

// serverlessResponse is the batch service's reply.
type serverlessResponse struct {
	OK           bool    `json:"ok"`
	ArtifactPath string  `json:"artifactPath"`
	CostUSD      float64 `json:"costUsd"`
	Error        string  `json:"error,omitempty"`
}

// Produce posts the ticket and waits for the produced artifact.
func (w *ServerlessWorker) Produce(ctx context.Context, t *ticket.JobTicket) (*Result, error) {
	select {
	case w.sem <- struct{}{}:
		defer func() { <-w.sem }()
	case <-ctx.Done():
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, ctx.Err(), "waiting for serverless slot")
	}

	body, err := json.Marshal(t)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "encoding ticket %s", t.ID)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, w.cfg.Endpoint+"/v1/jobs", bytes.NewReader(body))
	if err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "building serverless request")
	}
	req.Header.Set("Content-Type", "application/json")
	if t.RequestID != "" {
		req.Header.Set("Idempotency-Key", t.RequestID)
	}

	resp, err := w.httpc.Do(req)
	if err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "serverless endpoint unreachable").
			WithAction("check the serverless service and retry")
	}
	defer func() { _ = resp.Body.Close() }()

	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		return nil, autoerr.E(autoerr.CodeWorkerFailed, "serverless endpoint returned %s", resp.Status)
	}

	var out serverlessResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, autoerr.Wrap(autoerr.CodeWorkerFailed, err, "decoding serverless response")
	}
	if !out.OK {
		msg := out.Error
		if msg == "" {
			msg = fmt.Sprintf("serverless job %s failed", t.ID)
		}
		return nil, autoerr.E(autoerr.CodeWorkerFailed, "%s", msg)
	}

	cost := out.CostUSD
	if cost == 0 {
		cost = w.cfg.CostPerJobUSD
	}
	artifact := out.ArtifactPath
	if artifact == "" {
		artifact = t.Resolved.OutputPath
	}

	log.Info(log.CatWorker, "serverless production complete", "job", t.ID, "artifact", artifact,
		"cost_usd", fmt.Sprintf("%.2f", cost))
	return &Result{ArtifactPath: artifact, CostUSD: cost}, nil
}
