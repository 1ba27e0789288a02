package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
	"github.com/inkhaus/autopress/internal/proxy"
)

var proxyCmd = &cobra.Command{
	Use:   "proxy",
	Short: "Run the WebSocket proxy hub daemon",
	Long: `The proxy hub terminates WebSocket connections from executors and
bridges, matches commands to executors, serializes per-document access,
and replays idempotent responses.

Example:
  autopress proxy                        # listen on the configured address
  autopress proxy --addr localhost:9001  # override the listen address`,
	RunE: runProxy,
}

var proxyAddr string

func init() {
	rootCmd.AddCommand(proxyCmd)
	proxyCmd.Flags().StringVar(&proxyAddr, "addr", "", "address to listen on (overrides config)")
}

func runProxy(_ *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	addr := proxyAddr
	if addr == "" {
		addr = cfg.Proxy.ListenAddr
	}

	hub := proxy.NewHub(cfg.Proxy, packet.NewTimeouts(cfg.TimeoutsMS))
	server, err := proxy.NewServer(addr, hub)
	if err != nil {
		return fmt.Errorf("creating proxy server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("Proxy hub started on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("proxy server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatProxy, "stopping proxy server", err)
	}

	fmt.Println("Proxy hub stopped")
	return nil
}
