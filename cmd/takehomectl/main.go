// Package main provides takehomectl, the operator CLI for migrations, topics
// and one-shot maintenance jobs.
package main

import (
	"context"
	"fmt"
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/otpcare/takehome/internal/app"
	"github.com/otpcare/takehome/internal/config"
	"github.com/otpcare/takehome/internal/domain/takehome"
	"github.com/otpcare/takehome/internal/infrastructure/redpanda"
	"github.com/otpcare/takehome/internal/migrate"
	"github.com/otpcare/takehome/internal/reporting"
)

var configFile string

func main() {
	rootCmd := &cobra.Command{
		Use:          "takehomectl",
		Short:        "Take-home diversion control operations",
		SilenceUsage: true,
	}
	rootCmd.PersistentFlags().StringVar(&configFile, "config", "", "optional config file (.env or yaml)")

	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(topicsCmd())
	rootCmd.AddCommand(expireCmd())
	rootCmd.AddCommand(dispatchCmd())
	rootCmd.AddCommand(exportCmd())
	rootCmd.AddCommand(assessCmd())

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()
	if err := rootCmd.ExecuteContext(ctx); err != nil {
		os.Exit(1)
	}
}

func load() (*config.Config, *zap.Logger, error) {
	cfg, err := config.Load(configFile)
	if err != nil {
		return nil, nil, err
	}
	logger, err := cfg.Logger()
	if err != nil {
		return nil, nil, err
	}
	return cfg, logger, nil
}

// withApp runs fn against the wired services
func withApp(cmd *cobra.Command, fn func(ctx context.Context, a *app.App) error) error {
	cfg, logger, err := load()
	if err != nil {
		return err
	}
	defer logger.Sync()
	a, err := app.New(cmd.Context(), cfg, nil, logger)
	if err != nil {
		return err
	}
	defer a.Close()
	return fn(cmd.Context(), a)
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	run := func(fn func(ctx context.Context, m *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			if cfg.DatabaseURL == "" {
				return fmt.Errorf("DATABASE_URL is required")
			}
			db, err := migrate.Open(cfg.DatabaseURL)
			if err != nil {
				return err
			}
			defer db.Close()
			return fn(cmd.Context(), migrate.NewManager(db, migrate.Migrations(), migrate.WithLogger(logger)))
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: run(func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			if err != nil {
				return err
			}
			if len(applied) == 0 {
				fmt.Println("Schema is up to date.")
			}
			for _, name := range applied {
				fmt.Printf("applied %s\n", name)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: run(func(ctx context.Context, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if err != nil {
				return err
			}
			if name == "" {
				fmt.Println("Nothing to roll back.")
				return nil
			}
			fmt.Printf("rolled back %s\n", name)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show applied migrations",
		RunE: run(func(ctx context.Context, m *migrate.Manager) error {
			applied, err := m.Status(ctx)
			if err != nil {
				return err
			}
			fmt.Printf("%d migrations applied\n", len(applied))
			for _, name := range applied {
				fmt.Printf("  %s\n", name)
			}
			return nil
		}),
	})
	return cmd
}

func topicsCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "topics",
		Short: "Manage Redpanda topics",
	}

	admin := func(fn func(ctx context.Context, a *redpanda.Admin) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, _ []string) error {
			cfg, logger, err := load()
			if err != nil {
				return err
			}
			a, err := redpanda.NewAdmin(cfg.KafkaBrokers, logger)
			if err != nil {
				return err
			}
			defer a.Close()
			return fn(cmd.Context(), a)
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "ensure",
		Short: "Create the event, acknowledgement and dead letter topics",
		RunE: admin(func(ctx context.Context, a *redpanda.Admin) error {
			if err := a.EnsureTopics(ctx); err != nil {
				return err
			}
			for _, tc := range redpanda.DefaultTopicConfigs() {
				fmt.Printf("ok %s (%d partitions)\n", tc.Name, tc.Partitions)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List topics",
		RunE: admin(func(ctx context.Context, a *redpanda.Admin) error {
			topics, err := a.ListTopics(ctx)
			if err != nil {
				return err
			}
			for _, t := range topics {
				fmt.Println(t)
			}
			return nil
		}),
	})

	describe := &cobra.Command{
		Use:   "describe <topic>",
		Short: "Show partition leaders and replicas for a topic",
		Args:  cobra.ExactArgs(1),
	}
	describe.RunE = func(cmd *cobra.Command, args []string) error {
		return admin(func(ctx context.Context, a *redpanda.Admin) error {
			d, err := a.DescribeTopic(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Printf("%s (%d partitions)\n", d.Name, len(d.Partitions))
			for _, p := range d.Partitions {
				fmt.Printf("  partition %d leader=%d replicas=%v isr=%v\n", p.ID, p.Leader, p.Replicas, p.ISR)
			}
			return nil
		})(cmd, args)
	}
	cmd.AddCommand(describe)

	var group string
	lag := &cobra.Command{
		Use:   "lag",
		Short: "Show how far a consumer group trails its topics",
		RunE: admin(func(ctx context.Context, a *redpanda.Admin) error {
			if group == "" {
				cfg, _, err := load()
				if err != nil {
					return err
				}
				group = cfg.ConsumerGroup
			}
			lags, err := a.GroupLag(ctx, group)
			if err != nil {
				return err
			}
			for _, l := range lags {
				fmt.Printf("%s[%d] %d\n", l.Topic, l.Partition, l.Lag)
			}
			fmt.Printf("group %s total lag %d\n", group, redpanda.TotalLag(lags))
			return nil
		}),
	}
	lag.Flags().StringVar(&group, "group", "", "consumer group (default KAFKA_CONSUMER_GROUP)")
	cmd.AddCommand(lag)
	return cmd
}

func expireCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "expire-doses",
		Short: "Mark overdue, never-verified doses missing",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				if !a.Config.ExpiryEnabled {
					return fmt.Errorf("dose expiry is disabled; set EXPIRY_ENABLED=true")
				}
				n, err := a.Expirer.ExpireOverdue(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("expired %d doses\n", n)
				return nil
			})
		},
	}
}

func dispatchCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "dispatch-reports",
		Short: "Submit one batch of due diversion reports",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				relay, err := a.Relay()
				if err != nil {
					return err
				}
				res, err := relay.Dispatch(ctx)
				if err != nil {
					return err
				}
				fmt.Printf("attempted %d, synced %d, deferred %d, failed %d\n",
					res.Attempted, res.Synced, res.Deferred, res.Failed)
				return nil
			})
		},
	}
}

func exportCmd() *cobra.Command {
	var (
		out       string
		status    string
		patientID string
	)
	cmd := &cobra.Command{
		Use:   "export-reports",
		Short: "Write diversion reports to an xlsx workbook",
		RunE: func(cmd *cobra.Command, _ []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				f := takehome.ReportFilter{PatientID: patientID}
				for _, s := range strings.Split(status, ",") {
					if s = strings.TrimSpace(s); s == "" {
						continue
					}
					st := takehome.SyncStatus(s)
					if !st.Valid() {
						return fmt.Errorf("unknown status %q", s)
					}
					f.Statuses = append(f.Statuses, st)
				}
				reports, err := a.Reports.List(ctx, f)
				if err != nil {
					return err
				}
				book, err := reporting.ExportWorkbook(reports)
				if err != nil {
					return err
				}
				if out == "" {
					out = fmt.Sprintf("diversion-reports-%s.xlsx", time.Now().UTC().Format("20060102"))
				}
				if err := os.WriteFile(out, book, 0o644); err != nil {
					return err
				}
				fmt.Printf("wrote %d reports to %s\n", len(reports), out)
				return nil
			})
		},
	}
	cmd.Flags().StringVarP(&out, "out", "o", "", "output file")
	cmd.Flags().StringVar(&status, "status", "", "comma separated sync statuses")
	cmd.Flags().StringVar(&patientID, "patient", "", "only this patient's reports")
	return cmd
}

func assessCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "assess <patient-id>...",
		Short: "Run a risk assessment for each patient",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			return withApp(cmd, func(ctx context.Context, a *app.App) error {
				for _, id := range args {
					as, err := a.Risk.AssessPatient(ctx, id)
					if err != nil {
						return fmt.Errorf("assess %s: %w", id, err)
					}
					fmt.Printf("%s score=%.2f level=%s recommendation=%s\n",
						id, as.ComplianceScore, as.RiskLevel, as.TakehomeRecommendation)
				}
				return nil
			})
		},
	}
}
