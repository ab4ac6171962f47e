package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/store"
)

// app carries what PersistentPreRunE opened for the subcommand that runs.
type app struct {
	configPath string
	cfg        *config.Config
	log        *slog.Logger
	st         store.Store
}

func main() {
	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	if err := newRootCmd().ExecuteContext(ctx); err != nil {
		fmt.Fprintln(os.Stderr, err)
		cancel()
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	a := &app{}

	rootCmd := &cobra.Command{
		Use:           "fleetctl",
		Short:         "Inspect and operate the relay fleet",
		SilenceUsage:  true,
		SilenceErrors: true,
		CompletionOptions: cobra.CompletionOptions{
			DisableDefaultCmd: true,
		},
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			if cmd.Name() == "help" {
				return nil
			}
			return a.open(cmd.Context())
		},
		PersistentPostRunE: func(cmd *cobra.Command, args []string) error {
			return a.close()
		},
	}
	rootCmd.PersistentFlags().StringVarP(&a.configPath, "config", "c", "", "path to collector config file")

	// Registry commands
	rootCmd.AddCommand(a.unitsCmd())
	rootCmd.AddCommand(a.addUnitCmd())
	rootCmd.AddCommand(a.removeUnitCmd())
	rootCmd.AddCommand(a.manualFixCmd("hold", "Mark a unit as needing manual intervention", true))
	rootCmd.AddCommand(a.manualFixCmd("release", "Clear the manual intervention mark", false))

	// Cycle commands
	rootCmd.AddCommand(a.cycleCmd("check", "Run one evaluation cycle without remediation", false))
	rootCmd.AddCommand(a.cycleCmd("heal", "Run one evaluation cycle with remediation", true))

	// History commands
	rootCmd.AddCommand(a.incidentsCmd())
	rootCmd.AddCommand(a.restartsCmd())

	return rootCmd
}

func (a *app) open(ctx context.Context) error {
	cfg, err := config.Load(a.configPath)
	if err != nil {
		return err
	}
	a.cfg = cfg
	a.log = sl.SetupStderrLogger(cfg.Log.Level, cfg.Log.Format)

	openCtx, cancel := context.WithTimeout(ctx, cfg.Store.Timeout)
	defer cancel()

	st, err := store.Open(openCtx, a.log, cfg.Store)
	if err != nil {
		return fmt.Errorf("failed to open store: %w", err)
	}
	a.st = st
	return nil
}

func (a *app) close() error {
	if a.st == nil {
		return nil
	}
	err := a.st.Close()
	a.st = nil
	return err
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
