package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"text/tabwriter"
	"time"

	"github.com/spf13/cobra"

	"warden.dev/internal/app"
	"warden.dev/internal/config"
	"warden.dev/internal/migrate"
	"warden.dev/internal/obs"
	"warden.dev/internal/store/pg"
	"warden.dev/internal/sweep"
)

func main() {
	if err := newRootCommand(os.Stdout).Execute(); err != nil {
		fmt.Fprintf(os.Stderr, "error: %v\n", err)
		os.Exit(1)
	}
}

func newRootCommand(out io.Writer) *cobra.Command {
	cmd := &cobra.Command{
		Use:           "wardenctl",
		Short:         "Operator tooling for the warden authorization engine",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			obs.InitLogger(os.Stderr, "warn", "console")
		},
	}
	cmd.SetOut(out)
	cmd.AddCommand(newMigrateCommand())
	cmd.AddCommand(newBootstrapCommand())
	cmd.AddCommand(newSweepCommand())
	return cmd
}

func commandContext(cmd *cobra.Command) context.Context {
	if ctx := cmd.Context(); ctx != nil {
		return ctx
	}
	return context.Background()
}

// loadConfig reads the server configuration. The JWT secret is not needed here.
func loadConfig(cmd *cobra.Command) (config.Config, error) {
	return config.Load(commandContext(cmd))
}

func newMigrateCommand() *cobra.Command {
	var timeout time.Duration
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Apply or inspect the postgres schema",
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}
	cmd.PersistentFlags().DurationVar(&timeout, "timeout", 30*time.Second, "Overall deadline for the operation")

	withManager := func(fn func(context.Context, *cobra.Command, *migrate.Manager) error) func(*cobra.Command, []string) error {
		return func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("WARDEN_PG_DSN is required for migrations")
			}
			st, err := pg.Open(cfg.Database.DSN, pg.DefaultPoolConfig())
			if err != nil {
				return err
			}
			defer st.Close()
			ctx, cancel := context.WithTimeout(commandContext(cmd), timeout)
			defer cancel()
			return fn(ctx, cmd, migrate.NewManager(st.DB()))
		}
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "up",
		Short: "Apply every pending migration",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			applied, err := m.Up(ctx)
			if errors.Is(err, migrate.ErrNothingApplied) {
				fmt.Fprintln(cmd.OutOrStdout(), "schema is up to date")
				return nil
			}
			if err != nil {
				return err
			}
			for _, name := range applied {
				fmt.Fprintln(cmd.OutOrStdout(), "applied", name)
			}
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "down",
		Short: "Roll back the most recent migration",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			name, err := m.Down(ctx)
			if errors.Is(err, migrate.ErrNothingApplied) {
				fmt.Fprintln(cmd.OutOrStdout(), "nothing to roll back")
				return nil
			}
			if err != nil {
				return err
			}
			fmt.Fprintln(cmd.OutOrStdout(), "rolled back", name)
			return nil
		}),
	})
	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "List migrations and when they were applied",
		RunE: withManager(func(ctx context.Context, cmd *cobra.Command, m *migrate.Manager) error {
			statuses, err := m.Status(ctx)
			if err != nil {
				return err
			}
			return printStatus(cmd.OutOrStdout(), statuses)
		}),
	})
	return cmd
}

func printStatus(w io.Writer, statuses []migrate.Status) error {
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "MIGRATION\tAPPLIED AT")
	for _, s := range statuses {
		at := "pending"
		if s.Applied && s.AppliedAt != nil {
			at = s.AppliedAt.UTC().Format(time.RFC3339)
		}
		fmt.Fprintf(tw, "%s\t%s\n", s.Name, at)
	}
	return tw.Flush()
}

func newBootstrapCommand() *cobra.Command {
	return &cobra.Command{
		Use:   "bootstrap",
		Short: "Seed the permission catalog and the system roles",
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			if cfg.Database.DSN == "" {
				return errors.New("WARDEN_PG_DSN is required: bootstrapping the in-memory store has no effect")
			}
			rt, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			res, err := rt.Auth.Bootstrap(ctx)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "permissions created: %d\nroles created: %d\ngrants created: %d\n",
				res.PermissionsCreated, res.RolesCreated, res.GrantsCreated)
			return nil
		},
	}
}

func newSweepCommand() *cobra.Command {
	return &cobra.Command{
		Use:       "sweep <task>",
		Short:     "Run one expiry sweep immediately",
		Args:      cobra.ExactArgs(1),
		ValidArgs: []string{sweep.TaskSessions, sweep.TaskUserRoles},
		RunE: func(cmd *cobra.Command, args []string) error {
			ctx := commandContext(cmd)
			cfg, err := loadConfig(cmd)
			if err != nil {
				return err
			}
			rt, err := app.Build(ctx, cfg)
			if err != nil {
				return err
			}
			defer rt.Close()
			s, err := rt.Sweeps()
			if err != nil {
				return err
			}
			n, err := s.RunOnce(ctx, args[0])
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "%s: %d affected\n", args[0], n)
			return nil
		},
	}
}
