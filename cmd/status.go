package cmd

import (
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/spf13/cobra"

	"github.com/inkhaus/autopress/internal/bridge"
	"github.com/inkhaus/autopress/internal/guard"
	"github.com/inkhaus/autopress/internal/proxy"
)

var statusCmd = &cobra.Command{
	Use:   "status",
	Short: "Report transport health, executor readiness, and budget spend",
	RunE:  runStatus,
}

func init() {
	rootCmd.AddCommand(statusCmd)
}

// statusReport aggregates the live surfaces an operator checks first.
type statusReport struct {
	Bridge          *bridge.HealthResponse `json:"bridge,omitempty"`
	BridgeError     string                 `json:"bridgeError,omitempty"`
	Proxy           *proxy.MetricsResponse `json:"proxy,omitempty"`
	ProxyError      string                 `json:"proxyError,omitempty"`
	DailySpendUSD   float64                `json:"dailySpendUsd"`
	MonthlySpendUSD float64                `json:"monthlySpendUsd"`
}

func runStatus(_ *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	httpc := &http.Client{Timeout: 2 * time.Second}
	report := statusReport{}

	var health bridge.HealthResponse
	if err := fetchJSON(httpc, cfg.Workers.BridgeURL+"/health", &health); err != nil {
		report.BridgeError = err.Error()
	} else {
		report.Bridge = &health
	}

	var metrics proxy.MetricsResponse
	metricsURL := fmt.Sprintf("http://%s:%d/metrics", cfg.Transport.ProxyHost, cfg.Transport.ProxyPort)
	if err := fetchJSON(httpc, metricsURL, &metrics); err != nil {
		report.ProxyError = err.Error()
	} else {
		report.Proxy = &metrics
	}

	if ledger, err := guard.NewLedger(cfg.Budget, cfg.Paths.LedgerPath, nil); err == nil {
		report.DailySpendUSD = ledger.DailySpend()
		report.MonthlySpendUSD = ledger.MonthlySpend()
		_ = ledger.Close()
	}

	data, _ := json.MarshalIndent(report, "", "  ")
	fmt.Println(string(data))
	return nil
}

func fetchJSON(httpc *http.Client, url string, v any) error {
	resp, err := httpc.Get(url)
	if err != nil {
		return err
	}
	defer func() { _ = resp.Body.Close() }()
	return json.NewDecoder(resp.Body).Decode(v)
}
