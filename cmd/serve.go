package cmd

import (
	"context"
	"fmt"
	"log"
	"os"
	"os/signal"
	"syscall"

	"github.com/fatih/color"
	"github.com/spf13/cobra"

	"github.com/agentplane/agentplane"
	"github.com/agentplane/agentplane/core/requestplane"
	"github.com/agentplane/agentplane/core/requestplane/dispatch"
)

// NewServeCommand creates the command that runs the request plane until
// interrupted. The invoker is the embedding program's bridge to the actual
// tier backends.
func NewServeCommand(invoker dispatch.Invoker) *cobra.Command {
	var configPath string
	var httpAddr string
	var dataDir string
	var region string
	var replicaURL string

	command := &cobra.Command{
		Use:          "serve",
		Short:        "Starts the request plane (admin API defaults to 127.0.0.1:8091)",
		SilenceUsage: true,
		RunE: func(command *cobra.Command, args []string) error {
			config, err := requestplane.LoadConfig(configPath)
			if err != nil {
				return err
			}

			// Flags and environment override the file
			if httpAddr != "" {
				config.Admin.Addr = httpAddr
			}
			if config.Admin.Addr == "" {
				config.Admin.Addr = "127.0.0.1:8091"
			}
			if dataDir != "" {
				config.DataDir = dataDir
			}
			if region != "" {
				config.Dispatch.Region = region
			}
			if replicaURL != "" {
				config.Registry.ReplicaURL = replicaURL
			}
			config.Admin.JWTSecret = requestplane.EnvOverride(config.Admin.JWTSecret, "AGENTPLANE_JWT_SECRET")
			config.Admin.BootstrapTokenHash = requestplane.EnvOverride(config.Admin.BootstrapTokenHash, "AGENTPLANE_BOOTSTRAP_HASH")

			plane, err := agentplane.New(config, invoker)
			if err != nil {
				return fmt.Errorf("failed to build request plane: %w", err)
			}

			ctx := context.Background()
			if err := plane.Start(ctx); err != nil {
				return fmt.Errorf("failed to start request plane: %w", err)
			}

			// Reload the file on change; only runtime tunables take effect
			var watcher *requestplane.ConfigWatcher
			if configPath != "" {
				watcher, err = requestplane.NewConfigWatcher(configPath)
				if err != nil {
					log.Printf("[Serve] Config watch disabled: %v", err)
				} else {
					watcher.OnReload(func(cfg *requestplane.Config) {
						log.Printf("[Serve] Config changed; structural options (dataDir, addresses) need a restart")
					})
					watcher.Start()
				}
			}

			printBanner(config)

			sigChan := make(chan os.Signal, 1)
			signal.Notify(sigChan, os.Interrupt, syscall.SIGTERM)
			<-sigChan

			log.Printf("[Serve] Shutting down...")
			if watcher != nil {
				watcher.Stop()
			}
			return plane.Stop()
		},
	}

	command.PersistentFlags().StringVar(
		&configPath,
		"config",
		"",
		"Path to the JSON config file (defaults apply when empty)",
	)

	command.PersistentFlags().StringVar(
		&httpAddr,
		"http",
		"",
		"TCP address for the operator API (default 127.0.0.1:8091)",
	)

	command.PersistentFlags().StringVar(
		&dataDir,
		"dir",
		"",
		"Directory for the embedded stores (default ap_data)",
	)

	command.PersistentFlags().StringVar(
		&region,
		"region",
		"",
		"Serving region of this deployment (default us-east-1)",
	)

	command.PersistentFlags().StringVar(
		&replicaURL,
		"replica-url",
		"",
		"s3://bucket/path replica target for the registry database (disabled when empty)",
	)

	return command
}

func printBanner(config *requestplane.Config) {
	bold := color.New(color.Bold).Add(color.FgGreen)
	bold.Printf("AgentPlane v%s serving region %s\n", agentplane.Version, config.Dispatch.Region)

	regular := color.New()
	regular.Printf("├─ Operator API: http://%s/api/admin/\n", config.Admin.Addr)
	regular.Printf("├─ Health:       http://%s/health/ready\n", config.Admin.Addr)
	regular.Printf("└─ Metrics:      http://%s/metrics\n", config.Admin.Addr)
}
