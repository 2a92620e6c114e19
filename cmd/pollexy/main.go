// Command pollexy runs the reminder server and manages its people, locations and messages.
package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"

	"github.com/BTreeMap/Pollexy/internal/availability"
	"github.com/BTreeMap/Pollexy/internal/config"
	"github.com/BTreeMap/Pollexy/internal/recurrence"
	"github.com/BTreeMap/Pollexy/internal/scheduler"
	"github.com/BTreeMap/Pollexy/internal/store"
	"github.com/spf13/cobra"
)

func main() {
	if err := newRootCmd().Execute(); err != nil {
		fmt.Fprintln(os.Stderr, "error:", err)
		os.Exit(1)
	}
}

// app carries the global flags and the configuration resolved from them.
type app struct {
	envFile  string
	stateDir string
	dbDSN    string
	memory   bool
	logLevel string
	jsonOut  bool

	cfg config.Config
}

func newRootCmd() *cobra.Command {
	a := &app{}
	rootCmd := &cobra.Command{
		Use:           "pollexy",
		Short:         "Pollexy delivers spoken reminders to people where they are",
		Long:          "Pollexy schedules recurring reminders, works out where each person is likely to be, and speaks the reminder there.",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return a.load()
		},
	}
	rootCmd.PersistentFlags().StringVar(&a.envFile, "env-file", "", "dotenv file to load before reading the environment (default .env)")
	rootCmd.PersistentFlags().StringVar(&a.stateDir, "state-dir", "", "state directory (overrides POLLEXY_STATE_DIR)")
	rootCmd.PersistentFlags().StringVar(&a.dbDSN, "db-dsn", "", "database DSN, a SQLite path or a postgres URL (overrides DATABASE_URL)")
	rootCmd.PersistentFlags().BoolVar(&a.memory, "memory", false, "use an in-memory store; nothing survives the process")
	rootCmd.PersistentFlags().StringVar(&a.logLevel, "log-level", "", "log level: debug, info, warn or error (overrides POLLEXY_LOG_LEVEL)")
	rootCmd.PersistentFlags().BoolVar(&a.jsonOut, "json", false, "print JSON instead of tables")

	rootCmd.AddCommand(a.serveCmd())
	rootCmd.AddCommand(a.personCmd())
	rootCmd.AddCommand(a.locationCmd())
	rootCmd.AddCommand(a.messageCmd())
	rootCmd.AddCommand(a.applyCmd())
	return rootCmd
}

// load resolves the configuration and installs the logger. Flags win over the environment.
func (a *app) load() error {
	var files []string
	if a.envFile != "" {
		files = append(files, a.envFile)
	}
	cfg, err := config.Load(files...)
	if err != nil {
		return err
	}
	if a.stateDir != "" {
		cfg.StateDir = a.stateDir
	}
	if a.dbDSN != "" {
		cfg.DatabaseURL = a.dbDSN
	}
	if a.memory {
		cfg.MemoryStore = true
	}
	if a.logLevel != "" {
		cfg.LogLevel = a.logLevel
	}
	level, err := config.ParseLogLevel(cfg.LogLevel)
	if err != nil {
		return err
	}
	initializeLogger(level)
	a.cfg = cfg
	return nil
}

// initializeLogger sets up structured logging on stderr so command output stays clean.
func initializeLogger(level slog.Level) {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level})
	slog.SetDefault(slog.New(handler))
	slog.Debug("Logger initialized", "level", level.String())
}

// withStore opens the configured store for the duration of fn.
func (a *app) withStore(ctx context.Context, fn func(ctx context.Context, st store.Store) error) error {
	if !a.cfg.MemoryStore && a.cfg.DatabaseURL == "" {
		if err := os.MkdirAll(a.cfg.StateDir, 0o755); err != nil {
			return fmt.Errorf("failed to create state directory %s: %w", a.cfg.StateDir, err)
		}
	}
	st, err := store.Open(a.cfg.StoreDSN())
	if err != nil {
		return err
	}
	defer st.Close()
	return fn(ctx, st)
}

// components is the scheduling core built on top of an open store.
type components struct {
	store    store.Store
	rec      *recurrence.Engine
	resolver *availability.Resolver
	engine   *scheduler.Engine
}

func (a *app) buildComponents(st store.Store) (*components, error) {
	loc, err := recurrence.NewEngine().LoadLocation(a.cfg.DefaultTimeZone)
	if err != nil {
		return nil, err
	}
	rec := recurrence.NewEngine(recurrence.WithDefaultLocation(loc))
	resolver := availability.NewResolver(rec)
	engine, err := scheduler.NewEngine(scheduler.Config{
		Store:            st,
		Queue:            st,
		Recurrence:       rec,
		Resolver:         resolver,
		MessageExpiry:    a.cfg.MessageExpiry,
		AdvanceOnFailure: a.cfg.AdvanceOnFailure,
	})
	if err != nil {
		return nil, err
	}
	return &components{store: st, rec: rec, resolver: resolver, engine: engine}, nil
}

// withEngine opens the store and builds the scheduling core for the duration of fn.
func (a *app) withEngine(ctx context.Context, fn func(ctx context.Context, c *components) error) error {
	return a.withStore(ctx, func(ctx context.Context, st store.Store) error {
		c, err := a.buildComponents(st)
		if err != nil {
			return err
		}
		return fn(ctx, c)
	})
}

func printJSON(w io.Writer, v any) error {
	enc := json.NewEncoder(w)
	enc.SetIndent("", "  ")
	return enc.Encode(v)
}
