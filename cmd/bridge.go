package cmd

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/inkhaus/autopress/internal/bridge"
	"github.com/inkhaus/autopress/internal/log"
	"github.com/inkhaus/autopress/internal/packet"
)

var bridgeCmd = &cobra.Command{
	Use:   "bridge",
	Short: "Run the HTTP to WebSocket bridge daemon",
	Long: `The bridge accepts command packets over HTTP, pre-flights executor
availability, and forwards commands to the proxy hub over a persistent
WebSocket connection. It reconnects with backoff when the hub drops.

Example:
  autopress bridge                       # listen on the configured address
  autopress bridge --addr localhost:9000 # override the listen address`,
	RunE: runBridge,
}

var bridgeAddr string

func init() {
	rootCmd.AddCommand(bridgeCmd)
	bridgeCmd.Flags().StringVar(&bridgeAddr, "addr", "", "address to listen on (overrides config)")
}

func runBridge(_ *cobra.Command, _ []string) error {
	if err := loadConfig(); err != nil {
		return err
	}

	addr := bridgeAddr
	if addr == "" {
		addr = cfg.Bridge.ListenAddr
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	client := bridge.NewClient(cfg.Transport, cfg.Workers.Application, packet.NewTimeouts(cfg.TimeoutsMS))
	log.SafeGo("bridge-client", func() { client.Run(ctx) })

	handler := bridge.NewHandler(cfg.Bridge, cfg.Transport, client)
	server, err := bridge.NewServer(addr, handler)
	if err != nil {
		return fmt.Errorf("creating bridge server: %w", err)
	}

	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)

	errCh := make(chan error, 1)
	go func() { errCh <- server.Start() }()

	fmt.Printf("Bridge started on port %d\n", server.Port())
	fmt.Println("Press Ctrl+C to stop")

	select {
	case sig := <-sigCh:
		fmt.Printf("\nReceived %s, shutting down...\n", sig)
	case err := <-errCh:
		if err != nil {
			return fmt.Errorf("bridge server error: %w", err)
		}
	}

	shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer shutdownCancel()
	if err := server.Stop(shutdownCtx); err != nil {
		log.ErrorErr(log.CatBridge, "stopping bridge server", err)
	}

	fmt.Println("Bridge stopped")
	return nil
}
