package main

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/patientrecord/internal/config"
	"github.com/ehr/patientrecord/internal/domain/documents"
	"github.com/ehr/patientrecord/internal/platform/db"
	"github.com/ehr/patientrecord/internal/platform/logging"
)

const serviceName = "record-server"

// version is set at build time with -ldflags "-X main.version=...".
var version = "dev"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		os.Exit(1)
	}
}

func newRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:           serviceName,
		Short:         "Patient record API and document processing server",
		SilenceUsage: true,
	}

	rootCmd.AddCommand(serveCmd())
	rootCmd.AddCommand(migrateCmd())
	rootCmd.AddCommand(processCmd())
	rootCmd.AddCommand(retryPendingCmd())
	return rootCmd
}

// loadConfig loads and validates configuration and builds the logger from it.
func loadConfig() (*config.Config, zerolog.Logger, error) {
	cfg, err := config.Load()
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	if err := cfg.Validate(); err != nil {
		return nil, zerolog.Nop(), fmt.Errorf("invalid config: %w", err)
	}
	logger, err := logging.New(logging.ResolveFormat(cfg.LogFormat, cfg.IsDev()), cfg.LogLevel, serviceName, os.Stdout)
	if err != nil {
		return nil, zerolog.Nop(), err
	}
	return cfg, logger, nil
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the API server",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			return runServer(cfg, logger)
		},
	}
}

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}

	withMigrator := func(cmd *cobra.Command, fn func(ctx context.Context, m *db.Migrator) error) error {
		dir, _ := cmd.Flags().GetString("dir")

		cfg, logger, err := loadConfig()
		if err != nil {
			return err
		}
		if dir == "" {
			dir = cfg.MigrationsDir
		}

		ctx := cmd.Context()
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return fn(ctx, db.NewMigrator(pool, dir, logger))
	}

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				count, err := m.Up(ctx)
				if err != nil {
					return fmt.Errorf("migration failed: %w", err)
				}
				fmt.Fprintf(cmd.OutOrStdout(), "Applied %d migration(s) successfully.\n", count)
				return nil
			})
		},
	}
	upCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(upCmd)

	statusCmd := &cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withMigrator(cmd, func(ctx context.Context, m *db.Migrator) error {
				statuses, err := m.Status(ctx)
				if err != nil {
					return fmt.Errorf("failed to get migration status: %w", err)
				}
				printMigrationStatus(cmd, statuses)
				return nil
			})
		},
	}
	statusCmd.Flags().String("dir", "", "Path to migrations directory (default MIGRATIONS_DIR)")
	cmd.AddCommand(statusCmd)

	return cmd
}

func printMigrationStatus(cmd *cobra.Command, statuses []db.MigrationStatus) {
	out := cmd.OutOrStdout()
	fmt.Fprintf(out, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(out, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status := "pending"
		appliedAt := ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				appliedAt = s.AppliedAt.Format("2006-01-02 15:04:05")
			}
		}
		fmt.Fprintf(out, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, appliedAt)
	}
}

func processCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "process",
		Short: "Process one document in-process (manual retry)",
		RunE: func(cmd *cobra.Command, args []string) error {
			req, err := processRequestFromFlags(cmd)
			if err != nil {
				return err
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			out, err := app.processor.Process(ctx, req)
			if err != nil {
				return fmt.Errorf("process document %s: %w", req.DocumentID, err)
			}
			enc := json.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent("", "  ")
			return enc.Encode(out)
		},
	}
	cmd.Flags().String("document-id", "", "Document ID")
	cmd.Flags().String("update-id", "", "Update ID")
	cmd.Flags().String("patient-id", "", "Patient ID")
	return cmd
}

func processRequestFromFlags(cmd *cobra.Command) (documents.ProcessRequest, error) {
	var req documents.ProcessRequest
	for _, f := range []struct {
		flag string
		dst  *uuid.UUID
	}{
		{"document-id", &req.DocumentID},
		{"update-id", &req.UpdateID},
		{"patient-id", &req.PatientID},
	} {
		v, _ := cmd.Flags().GetString(f.flag)
		if v == "" {
			return req, fmt.Errorf("--%s is required", f.flag)
		}
		id, err := uuid.Parse(v)
		if err != nil {
			return req, fmt.Errorf("--%s must be a UUID: %w", f.flag, err)
		}
		*f.dst = id
	}
	return req, nil
}

func retryPendingCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "retry-pending",
		Short: "Process documents whose update is still pending, or whose extraction failed",
		RunE: func(cmd *cobra.Command, args []string) error {
			olderThan, _ := cmd.Flags().GetDuration("older-than")
			limit, _ := cmd.Flags().GetInt("limit")
			failed, _ := cmd.Flags().GetBool("failed")
			if limit <= 0 {
				return fmt.Errorf("--limit must be positive")
			}

			cfg, logger, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := cmd.Context()
			app, err := newApp(ctx, cfg, logger)
			if err != nil {
				return err
			}
			defer app.Close()

			list, kind := app.updates.ListPending, "pending"
			if failed {
				list, kind = app.updates.ListFailed, "failed"
			}
			res, err := retryWork(ctx, list, app.processor, time.Now().Add(-olderThan), limit, logger)
			if err != nil {
				return err
			}
			fmt.Fprintf(cmd.OutOrStdout(), "Retried %d %s document(s): %d processed, %d skipped, %d failed.\n",
				res.Total, kind, res.Processed, res.Skipped, res.Failed)
			return nil
		},
	}
	cmd.Flags().Duration("older-than", 10*time.Minute, "Only retry updates created (or, with --failed, last updated) before now minus this duration")
	cmd.Flags().Bool("failed", false, "Retry documents whose extraction failed instead of pending updates")
	cmd.Flags().Int("limit", 50, "Maximum number of documents to retry")
	return cmd
}
