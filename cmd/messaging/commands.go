package main

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"sort"

	"github.com/jedib0t/go-pretty/v6/table"
	"github.com/spf13/cobra"

	"github.com/LeventeLantos/church-dispatch/internal/config"
	"github.com/LeventeLantos/church-dispatch/internal/migrate"
	"github.com/LeventeLantos/church-dispatch/internal/model"
	"github.com/LeventeLantos/church-dispatch/internal/repo"
)

func migrateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "migrate",
		Short: "Apply database migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := storeConfig()
			if err != nil {
				return err
			}
			if cfg.Database.Store != config.StorePostgres {
				return errors.New("migrate requires STORE=postgres")
			}
			db, err := repo.OpenPostgres(cmd.Context(), cfg.Database.PostgresURL)
			if err != nil {
				return err
			}
			defer db.Close()
			if err := migrate.Run(cmd.Context(), db); err != nil {
				return err
			}
			files, err := migrate.Files()
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "migrations up to date (%d file(s))\n", len(files))
			return nil
		},
	}
}

func jobsCmd() *cobra.Command {
	var (
		status string
		limit  int
	)
	cmd := &cobra.Command{
		Use:   "jobs",
		Short: "List jobs by status, newest first",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openCLIStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			items, err := store.ListByStatus(cmd.Context(), model.Status(status), limit, 0)
			if err != nil {
				return err
			}
			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"ID", "Channel", "Destination", "Status", "Attempts", "Last Error", "Updated"})
			for _, j := range items {
				lastErr := ""
				if j.LastError != nil {
					lastErr = *j.LastError
				}
				tw.AppendRow(table.Row{j.ID, j.Channel, j.Destination, j.Status, j.AttemptCount, lastErr, j.UpdatedAt.Format("2006-01-02 15:04:05")})
			}
			tw.Render()
			return nil
		},
	}
	cmd.Flags().StringVar(&status, "status", string(model.Queued), "job status")
	cmd.Flags().IntVar(&limit, "limit", 20, "maximum rows")
	cmd.AddCommand(jobsStatsCmd())
	return cmd
}

func jobsStatsCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "stats",
		Short: "Count jobs per status",
		RunE: func(cmd *cobra.Command, args []string) error {
			store, closeStore, err := openCLIStore(cmd)
			if err != nil {
				return err
			}
			defer closeStore()

			stats, err := store.Stats(cmd.Context())
			if err != nil {
				return err
			}
			statuses := make([]string, 0, len(stats))
			for s := range stats {
				statuses = append(statuses, string(s))
			}
			sort.Strings(statuses)

			tw := table.NewWriter()
			tw.SetOutputMirror(cmd.OutOrStdout())
			tw.AppendHeader(table.Row{"Status", "Jobs"})
			for _, s := range statuses {
				tw.AppendRow(table.Row{s, stats[model.Status(s)]})
			}
			tw.Render()
			return nil
		},
	}
}

// storeConfig loads config validated only for store access, so CLI
// commands work without telephony credentials.
func storeConfig() (*config.Config, error) {
	cfg, err := config.Parse()
	if err != nil {
		return nil, err
	}
	if err := cfg.ValidateStore(); err != nil {
		return nil, err
	}
	return cfg, nil
}

func openCLIStore(cmd *cobra.Command) (repo.Store, func(), error) {
	cfg, err := storeConfig()
	if err != nil {
		return nil, nil, err
	}
	logger := slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}))
	return openStore(cmd.Context(), cfg, logger)
}
