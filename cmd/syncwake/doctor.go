package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"time"

	"syncwake/internal/config"
	"syncwake/internal/state"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your syncwake installation",
		Long: `Verifies that syncwake's configuration, state backend, watch roots and
log root are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("syncwake doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'syncwake init' to create a default configuration.\n")
				return fmt.Errorf("config not found")
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. State backend writable
			switch cfg.State.Backend {
			case "sqlite":
				if err := checkDatabase(cfg.State.DBPath); err != nil {
					printFail("State (sqlite)", err.Error())
					failed++
				} else {
					printPass("State (sqlite)", cfg.State.DBPath)
					passed++
				}
			default:
				if err := checkWritableDir(cfg.General.StateDir); err != nil {
					printFail("State (file)", err.Error())
					failed++
				} else {
					printPass("State (file)", cfg.General.StateDir)
					passed++
				}
			}

			// 4. Log root writable
			if err := checkWritableDir(cfg.Sync.LogRoot); err != nil {
				printFail("Log root", err.Error())
				failed++
			} else {
				printPass("Log root", cfg.Sync.LogRoot)
				passed++
			}

			// 5. Watch roots
			if cfg.Watch.Enabled {
				for _, root := range cfg.Watch.Roots {
					if info, err := os.Stat(root); err != nil {
						printFail("Watch root", fmt.Sprintf("not found: %s", root))
						failed++
					} else if !info.IsDir() {
						printFail("Watch root", fmt.Sprintf("not a directory: %s", root))
						failed++
					} else {
						printPass("Watch root", root)
						passed++
					}
				}
			} else {
				printWarn("Watch", "disabled, notes will not be tracked")
				warned++
			}

			// 6. Chat sources
			sources := len(cfg.Sources.Bridges)
			if cfg.Sources.Telegram.Enabled {
				sources++
			}
			if sources == 0 {
				printWarn("Chat sources", "none configured")
				warned++
			} else {
				printPass("Chat sources", fmt.Sprintf("%d configured", sources))
				passed++
			}

			// 7. Notify target
			if cfg.Notify.Target == "none" {
				printWarn("Notify", "target is none, changes are synced without waking anyone")
				warned++
			} else if cfg.Notify.Target == "command" {
				if p, err := exec.LookPath(cfg.Notify.Command.Path); err != nil {
					printFail("Notify command", err.Error())
					failed++
				} else {
					printPass("Notify command", p)
					passed++
				}
			} else {
				printPass("Notify", cfg.Notify.Target)
				passed++
			}

			// 8. Metrics port
			if cfg.Metrics.Enabled {
				if err := checkAddr(cfg.Metrics.Addr); err != nil {
					printWarn("Metrics addr", fmt.Sprintf("%s may be in use: %v", cfg.Metrics.Addr, err))
					warned++
				} else {
					printPass("Metrics addr", cfg.Metrics.Addr+" available")
					passed++
				}
			}

			// 9. Log file writable
			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					printWarn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
					warned++
				} else {
					printPass("Log file", cfg.General.LogFile)
					passed++
				}
			}

			// Summary
			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", passed, warned, failed)
			if failed > 0 {
				fmt.Printf("\nPlease fix the failed checks before running syncwake.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nsyncwake should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! syncwake is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o755); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", state.DSN(dbPath))
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}

	// Try a write.
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_test (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_test")

	return nil
}

func checkWritableDir(dir string) error {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return fmt.Errorf("cannot create %s: %w", dir, err)
	}
	f, err := os.CreateTemp(dir, ".doctor-*")
	if err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	name := f.Name()
	f.Close()
	return os.Remove(name)
}

func checkAddr(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  [PASS] %-20s %s\n", check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  [FAIL] %-20s %s\n", check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  [WARN] %-20s %s\n", check, detail)
}
