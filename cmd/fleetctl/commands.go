package main

import (
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"
	"github.com/speedwagon-io/relaywatch/internal/config"
	"github.com/speedwagon-io/relaywatch/internal/fleet"
	"github.com/speedwagon-io/relaywatch/internal/lib/logger/sl"
	"github.com/speedwagon-io/relaywatch/internal/model"
	"github.com/speedwagon-io/relaywatch/internal/monitor"
	"github.com/speedwagon-io/relaywatch/internal/notify"
	"github.com/speedwagon-io/relaywatch/internal/remediation"
)

func (a *app) unitsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "units",
		Short: "List registered units",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			units, err := a.st.ListUnits(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), units)
		},
	}
}

func (a *app) addUnitCmd() *cobra.Command {
	var (
		unit      model.Unit
		frequency float64
	)

	cmd := &cobra.Command{
		Use:   "add-unit [unit-id]",
		Short: "Register or update a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			unit.ID = args[0]
			if cmd.Flags().Changed("frequency") {
				unit.Frequency = &frequency
			}

			if err := a.st.UpsertUnit(cmd.Context(), &unit); err != nil {
				return err
			}
			stored, err := a.st.GetUnit(cmd.Context(), unit.ID)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), stored)
		},
	}

	cmd.Flags().StringVar(&unit.Name, "name", "", "display name")
	cmd.Flags().StringVar(&unit.Group, "group", "", "group or market")
	cmd.Flags().StringVar(&unit.Role, "role", "", "role")
	cmd.Flags().StringVar(&unit.ExpectedBinary, "binary", "", "expected runtime binary")
	cmd.Flags().StringVar(&unit.Service, "service", "", "systemd service")
	cmd.Flags().StringVar(&unit.Container, "container", "", "docker container")
	cmd.Flags().StringVar(&unit.RestartScript, "script", "", "restart script path")
	cmd.Flags().Float64Var(&frequency, "frequency", 0, "assigned frequency")
	return cmd
}

func (a *app) removeUnitCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "remove-unit [unit-id]",
		Short: "Remove a unit with its heartbeats and incidents",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.st.RemoveUnit(cmd.Context(), args[0]); err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), map[string]string{"removed": args[0]})
		},
	}
}

func (a *app) manualFixCmd(use, short string, manualFix bool) *cobra.Command {
	return &cobra.Command{
		Use:   use + " [unit-id]",
		Short: short,
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			if err := a.st.SetManualFix(cmd.Context(), args[0], manualFix); err != nil {
				return err
			}
			unit, err := a.st.GetUnit(cmd.Context(), args[0])
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), unit)
		},
	}
}

func (a *app) incidentsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "incidents",
		Short: "List open incidents",
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			incidents, err := a.st.OpenIncidents(cmd.Context())
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), incidents)
		},
	}
}

func (a *app) restartsCmd() *cobra.Command {
	var limit int

	cmd := &cobra.Command{
		Use:   "restarts [unit-id]",
		Short: "List recent restart attempts of a unit",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			attempts, err := a.st.RecentRestartAttempts(cmd.Context(), args[0], limit)
			if err != nil {
				return err
			}
			return printJSON(cmd.OutOrStdout(), attempts)
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of attempts")
	return cmd
}

// cycleCmd runs one monitor pass. Remediation takes the same lock as the
// collector: Redis when configured, otherwise a lease in the shared store.
func (a *app) cycleCmd(use, short string, heal bool) *cobra.Command {
	return &cobra.Command{
		Use:   use,
		Short: short,
		Args:  cobra.NoArgs,
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := cmd.Context()

			var opts []remediation.Option
			if a.cfg.Redis.Enabled {
				rdb := redis.NewClient(&redis.Options{
					Addr:     a.cfg.Redis.Address,
					Password: a.cfg.Redis.Password,
					DB:       a.cfg.Redis.DB,
				})
				defer rdb.Close()
				opts = append(opts, remediation.WithLocker(remediation.NewRedisLocker(a.log, rdb, a.cfg.Remediation.LockTTL)))
			}

			engine, err := remediation.FromConfig(a.log, a.cfg.Remediation, a.cfg.Monitor.Workers, a.st, a.st, opts...)
			if err != nil {
				return err
			}

			mon := monitor.NewMonitor(a.log, a.st,
				fleet.NewAggregator(a.log, a.st, a.cfg.Monitor.Workers),
				config.NewThresholdStore(a.cfg.Thresholds),
				a.cfg.Monitor.PollInterval,
				monitor.WithEngine(engine, false),
				monitor.WithNotifier(notify.NewLogNotifier(a.log)),
			)

			res, err := mon.RunCycle(ctx, heal)
			if res == nil {
				return err
			}
			if err != nil {
				a.log.Warn("cycle finished with errors", sl.Err(err))
			}
			return printJSON(cmd.OutOrStdout(), res)
		},
	}
}
