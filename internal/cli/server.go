package cli

import (
	"context"
	"fmt"
	"log"
	"os/signal"
	"syscall"
	"time"

	"github.com/spf13/cobra"

	"github.com/openclearing/hubd/internal/config"
	"github.com/openclearing/hubd/internal/di"
)

var scenarioFile string

// serverCmd represents the server command (default action)
var serverCmd = &cobra.Command{
	Use:   "server",
	Short: "Start the hub daemon",
	Long: `Start the hubd server which provides:
- the tick loop settling payments and clearing debt cycles
- a WebSocket endpoint for commands and event subscriptions
- Prometheus metrics and a health probe

This is the default command when no subcommand is specified.`,
	RunE: runServer,
}

func init() {
	rootCmd.AddCommand(serverCmd)

	// Set server as the default command
	rootCmd.RunE = serverCmd.RunE

	serverCmd.Flags().StringVar(&scenarioFile, "scenario", "", "scripted scenario file to replay")
}

func runServer(cmd *cobra.Command, args []string) error {
	cfg, err := config.LoadConfig(configFile)
	if err != nil {
		return err
	}
	// Flags override the file.
	if debug {
		cfg.Node.Debug = true
	}
	if standalone {
		cfg.Node.Standalone = true
	}
	if scenarioFile != "" {
		cfg.Node.ScenarioFile = scenarioFile
	}

	container := di.New()
	provider := di.NewProvider(container, cfg)
	if err := provider.RegisterAll(); err != nil {
		return err
	}

	orch, err := provider.GetOrchestrator()
	if err != nil {
		return err
	}
	server, err := provider.GetRPCServer()
	if err != nil {
		return err
	}

	if !quiet {
		fmt.Printf("hubd %s\n", rootCmd.Version)
		if cfg.Path() != "" {
			fmt.Printf("  config:   %s\n", cfg.Path())
		}
		fmt.Printf("  store:    %s\n", storeName(cfg))
		fmt.Printf("  listen:   %s\n", cfg.Server.ListenAddr)
		if cfg.Node.ScenarioFile != "" {
			fmt.Printf("  scenario: %s\n", cfg.Node.ScenarioFile)
		}
	}

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	errCh := make(chan error, 2)
	go func() { errCh <- orch.Run(ctx) }()
	go func() { errCh <- server.ListenAndServe() }()

	select {
	case <-ctx.Done():
		if !quiet {
			fmt.Println("shutting down")
		}
	case err := <-errCh:
		if err != nil {
			return err
		}
	}
	stop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := server.Shutdown(shutdownCtx); err != nil {
		log.Printf("rpc shutdown: %v", err)
	}
	if bus, err := provider.GetBus(); err == nil {
		if err := bus.Close(); err != nil {
			log.Printf("bus close: %v", err)
		}
	}
	if store, err := provider.GetStore(); err == nil {
		if err := store.Close(shutdownCtx); err != nil {
			log.Printf("store close: %v", err)
		}
	}
	return nil
}

func storeName(cfg *config.Config) string {
	if cfg.Node.Standalone {
		return "memory (standalone)"
	}
	return cfg.Database.Driver
}
