package worker

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/config"
	"github.com/inkhaus/autopress/internal/ticket"
)

func stageServer(t *testing.T, name string, reply func(req stageRequest) stageResponse) *httptest.Server {
	t.Helper()
	return httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		require.Equal(t, "/v1/stage", r.URL.Path, "server %s", name)
		var req stageRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		_ = json.NewEncoder(w).Encode(reply(req))
	}))
}

func TestNewMultiServerWorker_NilWithoutServers(t *testing.T) {
	require.Nil(t, NewMultiServerWorker(config.WorkersConfig{}))
}

func TestMultiServerWorker_RunsStagesInOrder(t *testing.T) {
	var stages []string
	layout := stageServer(t, "layout", func(req stageRequest) stageResponse {
		stages = append(stages, fmt.Sprintf("layout:%d:%s", req.Stage, req.Artifact))
		return stageResponse{OK: true, Artifact: "/tmp/layout.indd", CostUSD: 0.02}
	})
	defer layout.Close()
	render := stageServer(t, "render", func(req stageRequest) stageResponse {
		stages = append(stages, fmt.Sprintf("render:%d:%s", req.Stage, req.Artifact))
		return stageResponse{OK: true, Artifact: "/tmp/final.pdf", Score: 0.91, CostUSD: 0.03}
	})
	defer render.Close()

	w := NewMultiServerWorker(config.WorkersConfig{
		ToolServers: []config.ToolServerConfig{
			{Name: "layout", Endpoint: layout.URL},
			{Name: "render", Endpoint: render.URL},
		},
		Workflows: map[string][]string{"tfu": {"layout", "render"}},
	})

	tk := localTicket("j1")
	tk.Style = ticket.StyleTFU

	result, err := w.Produce(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, "/tmp/final.pdf", result.ArtifactPath)
	require.InDelta(t, 0.05, result.CostUSD, 0.001, "stage costs accumulate")
	require.InDelta(t, 0.91, result.ReportedScore, 0.001, "self-reported score is carried, not trusted")
	require.Equal(t, []string{"layout:0:", "render:1:/tmp/layout.indd"}, stages)
}

func TestMultiServerWorker_MissingWorkflow(t *testing.T) {
	w := NewMultiServerWorker(config.WorkersConfig{
		ToolServers: []config.ToolServerConfig{{Name: "layout", Endpoint: "http://example"}},
		Workflows:   map[string][]string{},
	})

	tk := localTicket("j1")
	tk.MultiServer = &ticket.MultiServerSpec{Workflow: "brand-kit"}

	_, err := w.Produce(context.Background(), tk)
	require.Equal(t, autoerr.CodeNoWorkerAvailable, autoerr.CodeOf(err))
}

func TestMultiServerWorker_NoWorkflowNamed(t *testing.T) {
	w := NewMultiServerWorker(config.WorkersConfig{
		ToolServers: []config.ToolServerConfig{{Name: "layout", Endpoint: "http://example"}},
	})

	_, err := w.Produce(context.Background(), localTicket("j1"))
	require.Equal(t, autoerr.CodeNoWorkerAvailable, autoerr.CodeOf(err))
}

func TestMultiServerWorker_UnknownServerInWorkflow(t *testing.T) {
	w := NewMultiServerWorker(config.WorkersConfig{
		ToolServers: []config.ToolServerConfig{{Name: "layout", Endpoint: "http://example"}},
		Workflows:   map[string][]string{"tfu": {"missing"}},
	})

	tk := localTicket("j1")
	tk.Style = ticket.StyleTFU

	_, err := w.Produce(context.Background(), tk)
	require.Equal(t, autoerr.CodeNoWorkerAvailable, autoerr.CodeOf(err))
	require.Contains(t, err.Error(), `unknown tool server "missing"`)
}

func TestMultiServerWorker_StageFailure(t *testing.T) {
	layout := stageServer(t, "layout", func(req stageRequest) stageResponse {
		return stageResponse{OK: false, Error: "template missing brand fonts"}
	})
	defer layout.Close()

	w := NewMultiServerWorker(config.WorkersConfig{
		ToolServers: []config.ToolServerConfig{{Name: "layout", Endpoint: layout.URL}},
		Workflows:   map[string][]string{"tfu": {"layout"}},
	})

	tk := localTicket("j1")
	tk.Style = ticket.StyleTFU

	_, err := w.Produce(context.Background(), tk)
	require.Equal(t, autoerr.CodeWorkerFailed, autoerr.CodeOf(err))
	require.Contains(t, err.Error(), "template missing brand fonts")
	require.Contains(t, err.Error(), "stage 0")
}

func TestMultiServerWorker_StageWithoutArtifactKeepsPrevious(t *testing.T) {
	produce := stageServer(t, "produce", func(req stageRequest) stageResponse {
		return stageResponse{OK: true, Artifact: "/tmp/draft.pdf"}
	})
	defer produce.Close()
	check := stageServer(t, "check", func(req stageRequest) stageResponse {
		return stageResponse{OK: true, Score: 0.88}
	})
	defer check.Close()

	w := NewMultiServerWorker(config.WorkersConfig{
		ToolServers: []config.ToolServerConfig{
			{Name: "produce", Endpoint: produce.URL},
			{Name: "check", Endpoint: check.URL},
		},
		Workflows: map[string][]string{"tfu": {"produce", "check"}},
	})

	tk := localTicket("j1")
	tk.Style = ticket.StyleTFU

	result, err := w.Produce(context.Background(), tk)
	require.NoError(t, err)
	require.Equal(t, "/tmp/draft.pdf", result.ArtifactPath)
}

func TestSet_ByKind(t *testing.T) {
	local := NewLocalWorker(config.WorkersConfig{Application: "indesign"})
	s := Set{Local: local}

	require.Equal(t, local, s.ByKind(KindLocal))
	require.Nil(t, s.ByKind(KindServerless))
	require.Nil(t, s.ByKind("unknown"))
}
