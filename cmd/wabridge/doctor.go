package main

import (
	"context"
	"database/sql"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"time"

	"wabridge/internal/config"

	"github.com/spf13/cobra"
	_ "modernc.org/sqlite"
)

// checkResult tallies doctor outcomes.
type checkResult struct {
	passed, warned, failed int
}

func (r *checkResult) pass(check, detail string) { printPass(check, detail); r.passed++ }
func (r *checkResult) warn(check, detail string) { printWarn(check, detail); r.warned++ }
func (r *checkResult) fail(check, detail string) { printFail(check, detail); r.failed++ }

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on the wabridge installation",
		Long: `Verifies the configuration, the session and relay databases, the backend
and the ops server port. Reports pass/warn/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("wabridge doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			var r checkResult

			if _, err := os.Stat(cfgPath); err != nil {
				r.warn("Config file", fmt.Sprintf("not found at %s (defaults + environment)", cfgPath))
			} else {
				r.pass("Config file", cfgPath)
			}

			cfg, err := config.Load(cfgPath)
			if err != nil {
				r.fail("Config validation", err.Error())
				fmt.Printf("\nRun 'wabridge init' or 'wabridge wizard' to create a configuration.\n")
				return fmt.Errorf("configuration is invalid")
			}
			r.pass("Config validation", "valid")

			if err := os.MkdirAll(cfg.General.DataDir, 0o700); err != nil {
				r.fail("Data directory", err.Error())
			} else {
				r.pass("Data directory", cfg.General.DataDir)
			}

			if err := checkDatabase(cfg.Session.StorePath); err != nil {
				r.fail("Session store", err.Error())
			} else if paired, _ := sessionPaired(cfg.Session.StorePath); paired {
				r.pass("Session store", "linked device present")
			} else {
				r.warn("Session store", "no linked device yet; a pairing QR will be shown on serve")
			}

			if cfg.Store.Enabled {
				if err := checkDatabase(cfg.Store.DBPath); err != nil {
					r.fail("Relay database", err.Error())
				} else {
					r.pass("Relay database", cfg.Store.DBPath)
				}
			} else {
				r.warn("Relay database", "store disabled: no journal, no archive, no polling")
			}

			if cfg.Backend.Token == "" {
				r.warn("Backend token", "empty; the backend will reject forwarded messages")
			} else {
				r.pass("Backend token", "configured")
			}
			if err := checkBackend(cmd.Context(), cfg.Backend.BaseURL); err != nil {
				r.fail("Backend", err.Error())
			} else {
				r.pass("Backend", cfg.Backend.BaseURL)
			}

			if cfg.Server.Enabled {
				if cfg.ServerToken() == "" {
					r.warn("Ops token", "no server.authToken; protected endpoints refuse every request")
				} else {
					r.pass("Ops token", "configured")
				}
				if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
					r.warn("Ops port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
				} else {
					r.pass("Ops port", fmt.Sprintf("%s:%d available", cfg.Server.Host, cfg.Server.Port))
				}
			}

			if cfg.General.LogFile != "" {
				if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
					r.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
				} else {
					r.pass("Log file", cfg.General.LogFile)
				}
			}

			fmt.Printf("\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
			fmt.Printf("Results: %d passed, %d warnings, %d failed\n", r.passed, r.warned, r.failed)
			if r.failed > 0 {
				fmt.Printf("\nFix the failed checks before running 'wabridge serve'.\n")
				return fmt.Errorf("%d check(s) failed", r.failed)
			}
			if r.warned == 0 {
				fmt.Printf("\nAll checks passed. wabridge is ready to run.\n")
			}
			return nil
		},
	}
}

func checkDatabase(dbPath string) error {
	if err := os.MkdirAll(filepath.Dir(dbPath), 0o700); err != nil {
		return fmt.Errorf("cannot create database directory: %w", err)
	}

	db, err := sql.Open("sqlite", "file:"+dbPath+"?_pragma=busy_timeout(5000)")
	if err != nil {
		return fmt.Errorf("cannot open: %w", err)
	}
	defer db.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := db.ExecContext(ctx, "CREATE TABLE IF NOT EXISTS _doctor_probe (id INTEGER PRIMARY KEY)"); err != nil {
		return fmt.Errorf("not writable: %w", err)
	}
	db.ExecContext(ctx, "DROP TABLE IF EXISTS _doctor_probe")
	return nil
}

// sessionPaired reports whether the whatsmeow device table holds a device.
func sessionPaired(dbPath string) (bool, error) {
	db, err := sql.Open("sqlite", "file:"+dbPath+"?mode=ro")
	if err != nil {
		return false, err
	}
	defer db.Close()
	var n int
	if err := db.QueryRow("SELECT COUNT(*) FROM whatsmeow_device").Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// checkBackend only verifies the backend answers HTTP; any status counts.
func checkBackend(ctx context.Context, baseURL string) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodHead, baseURL, nil)
	if err != nil {
		return err
	}
	resp, err := http.DefaultClient.Do(req)
	if err != nil {
		return fmt.Errorf("unreachable: %w", err)
	}
	resp.Body.Close()
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, fmt.Sprint(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}

func printPass(check, detail string) {
	fmt.Printf("  %s %-18s %s\n", okStyle.Render("[PASS]"), check, detail)
}

func printFail(check, detail string) {
	fmt.Printf("  %s %-18s %s\n", failStyle.Render("[FAIL]"), check, detail)
}

func printWarn(check, detail string) {
	fmt.Printf("  %s %-18s %s\n", warnStyle.Render("[WARN]"), check, detail)
}
