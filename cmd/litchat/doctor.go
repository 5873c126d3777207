package main

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"os"
	"path/filepath"
	"strconv"
	"strings"
	"time"

	"litchat/internal/client"
	"litchat/internal/config"
	"litchat/internal/moderation"
	"litchat/internal/store"

	"github.com/spf13/cobra"
)

func doctorCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your LitChat installation",
		Long: `Verifies that LitChat's configuration, identity, message store and
server are correctly set up. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			fmt.Printf("LitChat Doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			passed := 0
			failed := 0
			warned := 0

			// 1. Config file exists
			if _, err := os.Stat(cfgPath); err != nil {
				printFail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'litchat init' to create a default configuration.\n")
				return nil
			}
			printPass("Config file", cfgPath)
			passed++

			// 2. Config loads and validates
			cfg, err := config.Load(cfgPath)
			if err != nil {
				printFail("Config validation", err.Error())
				fmt.Printf("\n%d passed, 1 failed\n", passed)
				return fmt.Errorf("config is invalid")
			}
			printPass("Config validation", "valid")
			passed++

			// 3. Identity
			mod, err := moderation.NewEngine(cfg.Moderation, logger)
			if err != nil {
				printFail("Blocked words", err.Error())
				failed++
			} else if err := mod.CheckIdentity(cfg.User.Name, cfg.User.Avatar); err != nil {
				printWarn("Identity", err.Error()+" (run 'litchat profile')")
				warned++
			} else {
				detail := cfg.User.Name
				if cfg.User.Avatar == "" {
					detail += " (no picture)"
				}
				printPass("Identity", detail)
				passed++
			}

			// 4. Message store reachable and migrated
			if err := checkStore(cfg); err != nil {
				printFail("Message store", err.Error())
				failed++
			} else {
				printPass("Message store", cfg.Store.Driver+" "+storeLabel(cfg))
				passed++
			}

			// 5. Server reachable, or its port free to serve on
			if err := checkServer(cfg.Client.ServerURL, cfg.Client.TimeoutSeconds); err != nil {
				printWarn("Server", fmt.Sprintf("%s unreachable: %v", cfg.Client.ServerURL, err))
				warned++
				if err := checkPort(cfg.Server.Host, cfg.Server.Port); err != nil {
					printWarn("Server port", fmt.Sprintf("port %d may be in use: %v", cfg.Server.Port, err))
					warned++
				} else {
					printPass("Server port", fmt.Sprintf(":%d available for 'litchat serve'", cfg.Server.Port))
					passed++
				}
			} else {
				printPass("Server", cfg.Client.ServerURL+" is healthy")
				passed++
			}

			// 6. Telegram bridge
			if cfg.Telegram.Enabled {
				if strings.Contains(cfg.Telegram.Token, "${") {
					printWarn("Telegram", "token references an unset environment variable")
					warned++
				} else {
					printPass("Telegram", fmt.Sprintf("bridging chat %d", cfg.Telegram.ChatID))
					passed++
				}
			}

			// 7. Check log file writable
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
				fmt.Printf("\nPlease fix the failed checks before running LitChat.\n")
				return fmt.Errorf("%d check(s) failed", failed)
			}
			if warned > 0 {
				fmt.Printf("\nLitChat should work but consider fixing the warnings.\n")
			} else {
				fmt.Printf("\nAll checks passed! LitChat is ready to run.\n")
			}
			return nil
		},
	}
}

func storeLabel(cfg *config.Config) string {
	if cfg.Store.Driver == "postgres" {
		return "(postgres URL configured)"
	}
	return cfg.Store.DBPath
}

// checkStore opens the configured store, which runs pending migrations, and
// pings it.
func checkStore(cfg *config.Config) error {
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	st, err := store.Open(ctx, cfg.Store.Driver, storeDSN(cfg), store.Options{}, logger)
	if err != nil {
		return err
	}
	defer st.Close()

	if err := st.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if s, ok := st.(*store.SQLiteStore); ok {
		v, err := store.GetSchemaVersion(s.DB())
		if err != nil {
			return fmt.Errorf("read schema version: %w", err)
		}
		if v < 1 {
			return fmt.Errorf("schema not migrated")
		}
	}
	return nil
}

func checkServer(serverURL string, timeoutSeconds int) error {
	httpClient := client.SharedHTTPClient(time.Duration(timeoutSeconds) * time.Second)
	resp, err := httpClient.Get(strings.TrimRight(serverURL, "/") + "/health")
	if err != nil {
		return err
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return fmt.Errorf("health returned %s", resp.Status)
	}
	return nil
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
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
