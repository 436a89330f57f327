// brigade routes natural-language 3D tasks to domain specialists, has a
// local model write the script, runs it on the scene engine, and learns from
// every outcome.
//
// It provides:
//   - serve: JSON-RPC over stdio (MCP clients) or HTTP
//   - stats: per-domain performance from the learning store
//   - domains: the specialist registry
package main

import (
	"context"
	"errors"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/agentoven/brigade/internal/config"
	"github.com/agentoven/brigade/pkg/server"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"github.com/spf13/cobra"
)

func main() {
	cfg := config.Load()
	setupLogging(cfg.LogLevel)

	rootCmd := &cobra.Command{
		Use:   "brigade",
		Short: "Multi-specialist orchestration for 3D scene tasks",
		Long: `brigade routes task descriptions to domain specialists. Each specialist
asks a local model for a script, runs it on the scene engine, and records
the outcome in the learning store.`,
		Version:       cfg.Version,
		SilenceUsage:  true,
		SilenceErrors: true,
	}
	rootCmd.PersistentFlags().StringVar(&cfg.DomainsFile, "domains", cfg.DomainsFile, "Domain registry YAML (built-in when empty)")
	rootCmd.PersistentFlags().StringVar(&cfg.Store.Driver, "store", cfg.Store.Driver, "Learning store driver: memory, sqlite, postgres")

	rootCmd.AddCommand(newServeCommand(cfg))
	rootCmd.AddCommand(newStatsCommand(cfg))
	rootCmd.AddCommand(newDomainsCommand(cfg))

	if err := rootCmd.Execute(); err != nil {
		log.Error().Err(err).Msg("brigade failed")
		os.Exit(1)
	}
}

// setupLogging writes to stderr; stdout belongs to the stdio transport.
func setupLogging(level string) {
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix
	log.Logger = log.Output(zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.RFC3339})
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(lvl)
}

func newServeCommand(cfg *config.Config) *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Serve JSON-RPC over stdio or HTTP",
		RunE: func(cmd *cobra.Command, args []string) error {
			switch cfg.Transport {
			case "stdio", "http":
			default:
				return fmt.Errorf("unknown transport %q (want stdio or http)", cfg.Transport)
			}

			ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
			defer stop()

			log.Info().Str("version", cfg.Version).Str("transport", cfg.Transport).Msg("🧑‍🍳 brigade starting...")
			srv, err := server.NewWithConfig(ctx, cfg)
			if err != nil {
				return fmt.Errorf("initialize server: %w", err)
			}
			defer func() {
				closeCtx, cancel := context.WithTimeout(context.Background(), 15*time.Second)
				defer cancel()
				if err := srv.Close(closeCtx); err != nil {
					log.Warn().Err(err).Msg("Shutdown finished with errors")
				}
			}()
			srv.Start()

			if cfg.Transport == "http" {
				return srv.ListenAndServe(ctx)
			}

			errCh := make(chan error, 1)
			go func() { errCh <- srv.ServeStdio(ctx, os.Stdin, os.Stdout) }()
			select {
			case err := <-errCh:
				if errors.Is(err, context.Canceled) {
					return nil
				}
				return err
			case <-ctx.Done():
			}

			// Let calls in flight record their outcome before the store closes.
			// A second signal kills the process.
			stop()
			log.Info().Dur("timeout", cfg.ShutdownTimeout).Msg("🛑 Shutting down gracefully...")
			select {
			case <-errCh:
			case <-time.After(cfg.ShutdownTimeout):
				log.Warn().Msg("Calls still in flight at shutdown timeout")
			}
			return nil
		},
	}
	cmd.Flags().StringVarP(&cfg.Transport, "transport", "t", cfg.Transport, "Transport: stdio or http")
	cmd.Flags().IntVarP(&cfg.Port, "port", "p", cfg.Port, "HTTP port (http transport)")
	return cmd
}
