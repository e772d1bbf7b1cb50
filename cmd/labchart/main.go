package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/rs/zerolog"
	"github.com/spf13/cobra"

	"github.com/ehr/labchart/internal/config"
	"github.com/ehr/labchart/internal/domain/labs"
	"github.com/ehr/labchart/internal/labparse"
	"github.com/ehr/labchart/internal/platform/auth"
	"github.com/ehr/labchart/internal/platform/db"
)

func main() {
	if err := rootCmd().ExecuteContext(context.Background()); err != nil {
		os.Exit(1)
	}
}

func rootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:          "labchart",
		Short:        "Lab report extraction and chart history service",
		SilenceUsage: true,
	}
	root.PersistentFlags().String("rules", "", "Extraction rules file (YAML or JSON); overrides LAB_RULES_FILE")

	root.AddCommand(serveCmd())
	root.AddCommand(parseCmd())
	root.AddCommand(ingestCmd())
	root.AddCommand(migrateCmd())
	root.AddCommand(rulesCmd())
	root.AddCommand(tokenCmd())
	return root
}

func newLogger(env, level string) zerolog.Logger {
	logger := zerolog.New(os.Stdout).With().Timestamp().Logger()
	if env == "development" {
		logger = zerolog.New(zerolog.ConsoleWriter{Out: os.Stdout}).With().Timestamp().Logger()
	}
	lvl, err := zerolog.ParseLevel(strings.ToLower(level))
	if err != nil || level == "" {
		lvl = zerolog.InfoLevel
	}
	return logger.Level(lvl)
}

// cliLogger logs to stderr so command output on stdout stays machine-readable.
func cliLogger(cfg *config.Config) zerolog.Logger {
	return newLogger(cfg.Env, cfg.LogLevel).Output(zerolog.ConsoleWriter{Out: os.Stderr})
}

// loadEngine compiles the effective extraction rules. The --rules flag wins
// over LAB_RULES_FILE.
func loadEngine(cmd *cobra.Command, cfg *config.Config, logger zerolog.Logger) (*labparse.Engine, error) {
	path := cfg.LabRulesFile
	if flag, _ := cmd.Flags().GetString("rules"); flag != "" {
		path = flag
	}
	rules, err := config.LoadRules(path)
	if err != nil {
		return nil, err
	}
	return labparse.NewEngine(rules, logger)
}

// openStore returns the configured chart store. The pool is nil for the
// file store.
func openStore(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (labs.ChartRepository, labs.IngestRunRepository, *pgxpool.Pool, error) {
	switch cfg.ChartStore {
	case config.StoreFile:
		store, err := labs.NewFileStore(cfg.ChartDir)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Str("dir", cfg.ChartDir).Msg("using file chart store")
		return store, store.Runs(), nil, nil
	default:
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, cfg.DBSchema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return nil, nil, nil, err
		}
		logger.Info().Str("schema", cfg.DBSchema).Msg("connected to database")
		return labs.NewChartRepoPG(pool), labs.NewIngestRunRepoPG(pool), pool, nil
	}
}

func writeJSON(w io.Writer, v interface{}) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}

func readInput(cmd *cobra.Command, path string) (string, error) {
	if path == "-" {
		raw, err := io.ReadAll(cmd.InOrStdin())
		return string(raw), err
	}
	raw, err := os.ReadFile(path)
	return string(raw), err
}

// -- parse --

func parseCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "parse <file|->",
		Short: "Extract lab observations from a report without storing them",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			engine, err := loadEngine(cmd, cfg, cliLogger(cfg))
			if err != nil {
				return err
			}
			text, err := readInput(cmd, args[0])
			if err != nil {
				return fmt.Errorf("read document: %w", err)
			}
			fallback, _ := cmd.Flags().GetString("date")

			res, err := engine.Parse(text, fallback)
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("date", "", "Fallback date (YYYY-MM-DD) when the report carries none")
	return cmd
}

// -- ingest --

func ingestCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "ingest <file>...",
		Short: "Parse reports and merge them into a patient's lab history",
		Args:  cobra.MinimumNArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			patient, _ := cmd.Flags().GetString("patient")
			format, _ := cmd.Flags().GetString("format")
			modeFlag, _ := cmd.Flags().GetString("mode")
			dryRun, _ := cmd.Flags().GetBool("dry-run")
			store, _ := cmd.Flags().GetString("store")

			patientID, err := uuid.Parse(patient)
			if err != nil {
				return fmt.Errorf("invalid --patient: %w", err)
			}

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			if store != "" {
				cfg.ChartStore = strings.ToLower(store)
			}
			if modeFlag != "" {
				cfg.LabMergeMode = strings.ToLower(modeFlag)
			}
			if err := cfg.ValidateStore(); err != nil {
				return err
			}
			mode, err := labs.ParseMergeMode(cfg.LabMergeMode)
			if err != nil {
				return err
			}

			logger := cliLogger(cfg)
			engine, err := loadEngine(cmd, cfg, logger)
			if err != nil {
				return err
			}

			docs, err := readDocuments(cmd, args, format)
			if err != nil {
				return err
			}

			ctx := cmd.Context()
			if ctx == nil {
				ctx = context.Background()
			}
			charts, runs, pool, err := openStore(ctx, cfg, logger)
			if err != nil {
				return err
			}
			if pool != nil {
				defer pool.Close()
			}

			svc := labs.NewService(charts, runs, engine, logger)
			res, err := svc.Ingest(ctx, patientID, docs, labs.IngestOptions{DryRun: dryRun, Mode: mode})
			if err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), res)
		},
	}
	cmd.Flags().String("patient", "", "Patient id (UUID)")
	cmd.Flags().String("format", labs.FormatText, "Document format: text or hl7v2")
	cmd.Flags().String("mode", "", "Duplicate-date policy: skip or overwrite (default LAB_MERGE_MODE)")
	cmd.Flags().Bool("dry-run", false, "Show the merge result without writing")
	cmd.Flags().String("store", "", "Chart store: postgres or file (default CHART_STORE)")
	_ = cmd.MarkFlagRequired("patient")
	return cmd
}

// readDocuments loads each file as one document, uploaded at the file's
// modification time.
func readDocuments(cmd *cobra.Command, paths []string, format string) ([]labs.Document, error) {
	docs := make([]labs.Document, 0, len(paths))
	for _, path := range paths {
		text, err := readInput(cmd, path)
		if err != nil {
			return nil, fmt.Errorf("read %s: %w", path, err)
		}
		uploaded := time.Now()
		if path != "-" {
			if info, err := os.Stat(path); err == nil {
				uploaded = info.ModTime()
			}
		}
		docs = append(docs, labs.Document{Text: text, UploadedAt: uploaded, Source: path, Format: format})
	}
	return docs, nil
}

// -- migrate --

func migrateCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "migrate",
		Short: "Run database migrations",
	}
	cmd.PersistentFlags().String("schema", "", "Target schema (default DB_SCHEMA)")

	upCmd := &cobra.Command{
		Use:   "up",
		Short: "Apply pending migrations",
		RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator, schema string) error {
			target, _ := cmd.Flags().GetInt("to")
			out := cmd.OutOrStdout()
			fmt.Fprintf(out, "Running migrations on schema: %s\n", schema)
			count, err := m.UpTo(cmd.Context(), target)
			if err != nil {
				return fmt.Errorf("migration failed: %w", err)
			}
			fmt.Fprintf(out, "Applied %d migration(s) successfully.\n", count)
			return nil
		}),
	}
	upCmd.Flags().Int("to", 0, "Stop after this version (0 applies all)")
	cmd.AddCommand(upCmd)

	cmd.AddCommand(&cobra.Command{
		Use:   "status",
		Short: "Show migration status",
		RunE: withMigrator(func(cmd *cobra.Command, m *db.Migrator, schema string) error {
			statuses, err := m.Status(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to get migration status: %w", err)
			}
			printMigrationStatus(cmd.OutOrStdout(), schema, statuses)
			return nil
		}),
	})

	return cmd
}

// withMigrator opens a pool for the configured database and hands run a
// migrator bound to the target schema.
func withMigrator(run func(cmd *cobra.Command, m *db.Migrator, schema string) error) func(*cobra.Command, []string) error {
	return func(cmd *cobra.Command, args []string) error {
		cfg, err := config.Load()
		if err != nil {
			return err
		}
		if cfg.DatabaseURL == "" {
			return fmt.Errorf("DATABASE_URL is required")
		}
		schema, _ := cmd.Flags().GetString("schema")
		if schema == "" {
			schema = cfg.DBSchema
		}

		ctx := cmd.Context()
		if ctx == nil {
			ctx = context.Background()
			cmd.SetContext(ctx)
		}
		pool, err := db.NewPool(ctx, cfg.DatabaseURL, schema, cfg.DBMaxConns, cfg.DBMinConns)
		if err != nil {
			return err
		}
		defer pool.Close()
		return run(cmd, db.NewMigrator(pool, db.Migrations(), schema), schema)
	}
}

func printMigrationStatus(w io.Writer, schema string, statuses []db.MigrationStatus) {
	fmt.Fprintf(w, "Migration status for schema: %s\n", schema)
	fmt.Fprintf(w, "%-10s %-40s %-10s %s\n", "VERSION", "NAME", "STATUS", "APPLIED AT")
	fmt.Fprintln(w, "---------- ---------------------------------------- ---------- --------------------")
	for _, s := range statuses {
		status, at := "pending", ""
		if s.Applied {
			status = "applied"
			if s.AppliedAt != nil {
				at = s.AppliedAt.Format(time.RFC3339)
			}
		}
		fmt.Fprintf(w, "%-10d %-40s %-10s %s\n", s.Version, s.Name, status, at)
	}
}

// -- rules --

func rulesCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "rules",
		Short: "Print the effective extraction rules and check that they compile",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load()
			if err != nil {
				return err
			}
			path := cfg.LabRulesFile
			if flag, _ := cmd.Flags().GetString("rules"); flag != "" {
				path = flag
			}
			rules, err := config.LoadRules(path)
			if err != nil {
				return err
			}
			if _, err := labparse.NewEngine(rules, zerolog.Nop()); err != nil {
				return err
			}
			return writeJSON(cmd.OutOrStdout(), rules)
		},
	}
}

// -- token --

func tokenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "token",
		Short: "Issue a signed API token for local testing or service accounts",
		RunE: func(cmd *cobra.Command, args []string) error {
			subject, _ := cmd.Flags().GetString("sub")
			roles, _ := cmd.Flags().GetStringSlice("roles")
			ttl, _ := cmd.Flags().GetDuration("ttl")

			cfg, err := config.Load()
			if err != nil {
				return err
			}
			token, err := auth.IssueToken(jwtConfig(cfg), subject, roles, ttl)
			if err != nil {
				return fmt.Errorf("issue token (is AUTH_SIGNING_KEY set?): %w", err)
			}
			fmt.Fprintln(cmd.OutOrStdout(), token)
			return nil
		},
	}
	cmd.Flags().String("sub", "labchart-cli", "Token subject")
	cmd.Flags().StringSlice("roles", []string{auth.RoleLabTech}, "Roles to grant")
	cmd.Flags().Duration("ttl", time.Hour, "Token lifetime")
	return cmd
}

func jwtConfig(cfg *config.Config) auth.JWTConfig {
	return auth.JWTConfig{
		Issuer:     cfg.AuthIssuer,
		Audience:   cfg.AuthAudience,
		SigningKey: []byte(cfg.AuthSigningKey),
		Skipper:    auth.AuthSkipper,
	}
}
