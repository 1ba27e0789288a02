package router

import (
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/inkhaus/autopress/internal/autoerr"
	"github.com/inkhaus/autopress/internal/ticket"
	"github.com/inkhaus/autopress/internal/worker"
)

func TestDecide_Rules(t *testing.T) {
	tests := []struct {
		name           string
		ticket         ticket.JobTicket
		haveServerless bool
		want           Decision
	}{
		{
			name:   "world class runs hardened local",
			ticket: ticket.JobTicket{ID: "j", WorldClass: true, Worker: ticket.WorkerAuto},
			want:   Decision{Kind: worker.KindLocal, WorldClass: true, NoFallback: true, Rule: "world-class"},
		},
		{
			name:           "world class ignores batch economics",
			ticket:         ticket.JobTicket{ID: "j", WorldClass: true, Worker: ticket.WorkerAuto},
			haveServerless: true,
			want:           Decision{Kind: worker.KindLocal, WorldClass: true, NoFallback: true, Rule: "world-class"},
		},
		{
			name: "world class with forced workflow stays multi-server",
			ticket: ticket.JobTicket{ID: "j", WorldClass: true, Worker: ticket.WorkerAuto,
				MultiServer: &ticket.MultiServerSpec{Workflow: "brand-kit"}},
			want: Decision{Kind: worker.KindMultiServer, WorldClass: true, NoFallback: true,
				Workflow: "brand-kit", Rule: "world-class-multi-server"},
		},
		{
			name:   "mcp mode forces multi-server with no fallback",
			ticket: ticket.JobTicket{ID: "j", MCPMode: true, Worker: ticket.WorkerAuto},
			want:   Decision{Kind: worker.KindMultiServer, NoFallback: true, Rule: "forced-multi-server"},
		},
		{
			name:   "tfu style implies the tfu workflow",
			ticket: ticket.JobTicket{ID: "j", Style: ticket.StyleTFU, Worker: ticket.WorkerAuto},
			want: Decision{Kind: worker.KindMultiServer, NoFallback: true,
				Workflow: "tfu", Rule: "forced-multi-server"},
		},
		{
			name:           "explicit local preference wins over serverless",
			ticket:         ticket.JobTicket{ID: "j", Worker: ticket.WorkerLocal},
			haveServerless: true,
			want:           Decision{Kind: worker.KindLocal, Rule: "local-preference"},
		},
		{
			name: "high quality report class prefers local",
			ticket: ticket.JobTicket{ID: "j", Worker: ticket.WorkerAuto,
				JobType: ticket.JobAnnualReport, Quality: ticket.QualityHigh},
			haveServerless: true,
			want:           Decision{Kind: worker.KindLocal, Rule: "high-quality-report"},
		},
		{
			name:           "explicit serverless preference",
			ticket:         ticket.JobTicket{ID: "j", Worker: ticket.WorkerServerless},
			haveServerless: true,
			want:           Decision{Kind: worker.KindServerless, Rule: "serverless-preference"},
		},
		{
			name:           "auto takes serverless when configured",
			ticket:         ticket.JobTicket{ID: "j", Worker: ticket.WorkerAuto, JobType: ticket.JobGeneric},
			haveServerless: true,
			want:           Decision{Kind: worker.KindServerless, Rule: "auto-serverless"},
		},
		{
			name:   "auto falls back to local",
			ticket: ticket.JobTicket{ID: "j", Worker: ticket.WorkerAuto, JobType: ticket.JobGeneric},
			want:   Decision{Kind: worker.KindLocal, Rule: "auto-local"},
		},
	}

	for _, tc := range tests {
		t.Run(tc.name, func(t *testing.T) {
			tk := tc.ticket
			got, err := Decide(&tk, tc.haveServerless)
			require.NoError(t, err)
			require.Equal(t, tc.want, got)
		})
	}
}

func TestDecide_WorldClassServerlessRejected(t *testing.T) {
	tk := &ticket.JobTicket{ID: "j", WorldClass: true, Worker: ticket.WorkerServerless}
	_, err := Decide(tk, true)
	require.Equal(t, autoerr.CodeValidationError, autoerr.CodeOf(err))
}

func TestDecide_ServerlessPreferenceWithoutBackend(t *testing.T) {
	tk := &ticket.JobTicket{ID: "j", Worker: ticket.WorkerServerless}
	_, err := Decide(tk, false)
	require.Equal(t, autoerr.CodeNoWorkerAvailable, autoerr.CodeOf(err))
}

func TestDecide_HighQualityGenericStillAuto(t *testing.T) {
	tk := &ticket.JobTicket{ID: "j", Worker: ticket.WorkerAuto,
		JobType: ticket.JobGeneric, Quality: ticket.QualityHigh}
	got, err := Decide(tk, false)
	require.NoError(t, err)
	require.Equal(t, "auto-local", got.Rule)
}
