package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"text/tabwriter"
	"time"

	"syncwake/internal/config"
	"syncwake/internal/domain"
	"syncwake/internal/state"

	"github.com/spf13/cobra"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "syncwake",
		Short: "syncwake: turn note and chat activity into agent wake-ups",
		Long: `syncwake watches a notes folder and polls chat backends, appends new
chat messages to per-conversation logs, and wakes an agent once a burst of
activity has settled.`,
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.syncwake/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(runCmd())
	root.AddCommand(statusCmd())
	root.AddCommand(resetCmd())
	root.AddCommand(configCmd())
	root.AddCommand(backfillCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(versionCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return config.ExpandPath(configPath)
	}
	return config.DefaultConfigPath()
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config and create the state and log directories",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("config already exists at %s (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			cfg.ExpandPaths()
			for _, dir := range []string{cfg.General.StateDir, cfg.Sync.LogRoot} {
				if err := os.MkdirAll(dir, 0o755); err != nil {
					return err
				}
			}
			logger.Info("initialized", "config", cfgPath, "state", cfg.General.StateDir, "logRoot", cfg.Sync.LogRoot)
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config")
	return cmd
}

func versionCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("syncwake", version)
		},
	}
}

// openStores loads the config and opens its state backend.
func openStores() (*config.Config, *state.Stores, error) {
	cfg, err := config.Load(resolveConfigPath())
	if err != nil {
		return nil, nil, fmt.Errorf("load config: %w", err)
	}
	stores, err := state.Open(stateConfig(cfg))
	if err != nil {
		return nil, nil, fmt.Errorf("open state: %w", err)
	}
	return cfg, stores, nil
}

func stateConfig(cfg *config.Config) state.Config {
	return state.Config{
		Backend: cfg.State.Backend,
		Dir:     cfg.General.StateDir,
		DBPath:  cfg.State.DBPath,
		Logger:  logger,
	}
}

func statusCmd() *cobra.Command {
	var asJSON bool
	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show cursors and last notification times per entity",
		RunE: func(cmd *cobra.Command, args []string) error {
			_, stores, err := openStores()
			if err != nil {
				return err
			}
			defer stores.Close()

			ctx := context.Background()
			cursors, err := stores.Cursors.List(ctx)
			if err != nil {
				return err
			}
			cooldowns, err := stores.Cooldowns.List(ctx)
			if err != nil {
				return err
			}
			rows := statusRows(cursors, cooldowns)
			if asJSON {
				data, _ := json.MarshalIndent(rows, "", "  ")
				fmt.Println(string(data))
				return nil
			}
			return printStatus(os.Stdout, rows)
		},
	}
	cmd.Flags().BoolVar(&asJSON, "json", false, "print as JSON")
	return cmd
}

type statusRow struct {
	Entity       string    `json:"entity"`
	Label        string    `json:"label,omitempty"`
	Position     int64     `json:"position"`
	LogLines     int64     `json:"log_lines,omitempty"`
	UpdatedAt    time.Time `json:"updated_at,omitempty"`
	LastNotified time.Time `json:"last_notified,omitempty"`
}

// statusRows joins cursors and cooldowns by entity id. An entity that was
// notified but never synced still gets a row.
func statusRows(cursors map[string]domain.Cursor, cooldowns map[string]time.Time) []statusRow {
	ids := make(map[string]struct{}, len(cursors))
	for id := range cursors {
		ids[id] = struct{}{}
	}
	for id := range cooldowns {
		ids[id] = struct{}{}
	}
	rows := make([]statusRow, 0, len(ids))
	for _, id := range state.SortedIDs(ids) {
		cur := cursors[id]
		rows = append(rows, statusRow{
			Entity:       id,
			Label:        cur.Label,
			Position:     cur.Position,
			LogLines:     cur.LogLines,
			UpdatedAt:    cur.UpdatedAt,
			LastNotified: cooldowns[id],
		})
	}
	return rows
}

func printStatus(w io.Writer, rows []statusRow) error {
	if len(rows) == 0 {
		_, err := fmt.Fprintln(w, "no entities tracked yet")
		return err
	}
	tw := tabwriter.NewWriter(w, 0, 4, 2, ' ', 0)
	fmt.Fprintln(tw, "ENTITY\tLABEL\tPOSITION\tLOG LINES\tUPDATED\tLAST NOTIFIED")
	for _, r := range rows {
		fmt.Fprintf(tw, "%s\t%s\t%d\t%d\t%s\t%s\n",
			r.Entity, r.Label, r.Position, r.LogLines, formatTime(r.UpdatedAt), formatTime(r.LastNotified))
	}
	return tw.Flush()
}

func formatTime(t time.Time) string {
	if t.IsZero() {
		return "-"
	}
	return t.Local().Format("2006-01-02 15:04:05")
}

func resetCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "reset [entity]",
		Short: "Forget an entity's cursor so the next sync starts over",
		Long: `Removes the stored cursor of one entity (e.g. telegram:12345 or
note:journal.md). Chat entities are re-read with the initial backfill limit
on their next change.`,
		Args: cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			_, stores, err := openStores()
			if err != nil {
				return err
			}
			defer stores.Close()

			ctx := context.Background()
			if _, found, err := stores.Cursors.Get(ctx, args[0]); err != nil {
				return err
			} else if !found {
				return fmt.Errorf("no cursor for %s", args[0])
			}
			if err := stores.Cursors.Reset(ctx, args[0]); err != nil {
				return err
			}
			logger.Info("cursor reset", "entity", args[0])
			return nil
		},
	}
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. sync.debounceMillis)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(cfg, args[0])
			if err != nil {
				return err
			}
			data, _ := json.MarshalIndent(val, "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "set [path] [value]",
		Short: "Set a config value (e.g. sync.cooldownSeconds 120)",
		Args:  cobra.ExactArgs(2),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			cfg, err := config.Load(cfgPath)
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			if err := config.SetByPath(cfg, args[0], args[1]); err != nil {
				return fmt.Errorf("set value: %w", err)
			}
			if err := config.Validate(cfg); err != nil {
				return err
			}
			if err := config.Save(cfgPath, cfg); err != nil {
				return fmt.Errorf("save config: %w", err)
			}
			logger.Info("config updated", "path", args[0], "value", args[1], "file", cfgPath)
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "list",
		Short: "List all config values",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			data, _ := json.MarshalIndent(config.Sanitize(cfg), "", "  ")
			fmt.Println(string(data))
			return nil
		},
	})

	cmd.AddCommand(&cobra.Command{
		Use:   "path",
		Short: "Show config file path",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println(resolveConfigPath())
		},
	})

	return cmd
}
