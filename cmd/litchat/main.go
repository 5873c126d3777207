package main

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net"
	"os"
	"os/signal"
	"path/filepath"
	"slices"
	"strconv"
	"strings"
	"syscall"
	"time"

	"litchat/internal/bus"
	"litchat/internal/channel"
	"litchat/internal/client"
	"litchat/internal/config"
	"litchat/internal/domain"
	"litchat/internal/moderation"
	"litchat/internal/room"
	"litchat/internal/store"

	"github.com/joho/godotenv"
	"github.com/spf13/cobra"
)

var (
	version    = "0.3.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
)

func main() {
	// A .env in the working directory may hold secrets referenced as ${VAR} in config.json.
	_ = godotenv.Load()

	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:   "litchat",
		Short: "LitChat: realtime chat room server and terminal client",
		Long:  "LitChat is a single-room realtime chat with optimistic sends, typing indicators and a Telegram bridge.",
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json (default: ~/.litchat/config.json)")

	root.AddCommand(initCmd())
	root.AddCommand(profileCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(chatCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(clearCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(backupCmd())
	root.AddCommand(restoreCmd())
	root.AddCommand(&cobra.Command{
		Use:   "version",
		Short: "Print the version",
		Run: func(cmd *cobra.Command, args []string) {
			fmt.Println("litchat", version)
		},
	})

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file, falling back to defaults when it is missing.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		if _, statErr := os.Stat(config.ExpandPath(cfgPath)); os.IsNotExist(statErr) {
			logger.Warn("config not found, using defaults", "path", cfgPath)
			cfg = config.Defaults()
			cfg.General.DataDir = config.ExpandPath(cfg.General.DataDir)
			cfg.Store.DBPath = config.ExpandPath(cfg.Store.DBPath)
			return cfg, nil
		}
		return nil, fmt.Errorf("load config: %w", err)
	}
	return cfg, nil
}

// setupLogger replaces the bootstrap logger with one honoring general.logLevel
// and general.logFile. The returned func closes the log file.
func setupLogger(cfg *config.Config) func() {
	var level slog.Level
	switch strings.ToLower(cfg.General.LogLevel) {
	case "debug":
		level = slog.LevelDebug
	case "warn":
		level = slog.LevelWarn
	case "error":
		level = slog.LevelError
	default:
		level = slog.LevelInfo
	}

	var w io.Writer = os.Stderr
	closeFn := func() {}
	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err == nil {
			f, err := os.OpenFile(cfg.General.LogFile, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0o644)
			if err == nil {
				w = f
				closeFn = func() { f.Close() }
			}
		}
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return closeFn
}

func initCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "init",
		Short: "Initialize config and data directory",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := resolveConfigPath()
			if _, err := os.Stat(cfgPath); err == nil {
				return fmt.Errorf("config already exists at %s (use 'litchat config set' or 'litchat profile')", cfgPath)
			}
			if err := os.MkdirAll(filepath.Dir(cfgPath), 0o755); err != nil {
				return err
			}
			cfg := config.Defaults()
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			dataDir := config.ExpandPath(cfg.General.DataDir)
			if err := os.MkdirAll(dataDir, 0o755); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath, "data", dataDir)
			fmt.Println("Next: run 'litchat profile' to pick a username and picture.")
			return nil
		},
	}
}

func serveCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the chat server (REST + WebSocket + optional Telegram bridge)",
		Long:  "Serves the message store over HTTP and pushes change events and typing signals over WebSocket. Press Ctrl+C to stop.",
		RunE:  runServe,
	}
}

func storeDSN(cfg *config.Config) string {
	if cfg.Store.Driver == "postgres" {
		return cfg.Store.PostgresURL
	}
	return cfg.Store.DBPath
}

func runServe(cmd *cobra.Command, args []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	defer setupLogger(cfg)()

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	hub := bus.NewHub(logger, cfg.Server.ReplayHistory)

	st, err := store.Open(ctx, cfg.Store.Driver, storeDSN(cfg), store.Options{
		Policy:    store.Policy{Admins: cfg.Server.Admins},
		Publisher: hub,
	}, logger)
	if err != nil {
		return fmt.Errorf("message store: %w", err)
	}
	defer st.Close()

	mod, err := moderation.NewEngine(cfg.Moderation, logger)
	if err != nil {
		return fmt.Errorf("moderation engine: %w", err)
	}

	metricsPath := ""
	if cfg.Metrics.Enabled {
		metricsPath = cfg.Metrics.Endpoint
	}
	gw, err := channel.NewGateway(channel.GatewayConfig{
		Addr:           net.JoinHostPort(cfg.Server.Host, strconv.Itoa(cfg.Server.Port)),
		Store:          st,
		Hub:            hub,
		Moderation:     mod,
		AllowedOrigins: cfg.Server.AllowedOrigins,
		MetricsPath:    metricsPath,
		Logger:         logger,
	})
	if err != nil {
		return err
	}

	if cfg.Telegram.Enabled && cfg.Telegram.Token != "" {
		tg := channel.NewTelegram(channel.TelegramConfig{
			Token:      cfg.Telegram.Token,
			ChatID:     cfg.Telegram.ChatID,
			AllowFrom:  cfg.Telegram.AllowFrom,
			ParseMode:  cfg.Telegram.ParseMode,
			Store:      st,
			Events:     hub,
			Moderation: mod,
			Logger:     logger,
		})
		go func() {
			if err := tg.Start(ctx); err != nil {
				logger.Error("telegram bridge error", "err", err)
			}
		}()
		logger.Info("telegram bridge enabled", "chat", cfg.Telegram.ChatID)
	} else {
		logger.Info("telegram bridge disabled")
	}

	logger.Info("server starting", "version", version, "driver", cfg.Store.Driver)
	if err := gw.Start(ctx); err != nil {
		return fmt.Errorf("gateway: %w", err)
	}
	logger.Info("shutdown complete")
	return nil
}

func chatCmd() *cobra.Command {
	var name, avatar, server string
	cmd := &cobra.Command{
		Use:   "chat",
		Short: "Join the room from the terminal",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if name != "" {
				cfg.User.Name = name
			}
			if avatar != "" {
				cfg.User.Avatar = avatar
			}
			if server != "" {
				cfg.Client.ServerURL = server
			}
			return runChat(cfg)
		},
	}
	cmd.Flags().StringVarP(&name, "name", "n", "", "username for this session (default: user.name)")
	cmd.Flags().StringVar(&avatar, "avatar", "", "profile picture URL for this session (default: user.avatar)")
	cmd.Flags().StringVarP(&server, "server", "s", "", "server URL (default: client.serverUrl)")
	return cmd
}

func runChat(cfg *config.Config) error {
	// Chat output owns the terminal; logs go to the log file or are quieted.
	if cfg.General.LogFile == "" && cfg.General.LogLevel != "debug" {
		cfg.General.LogLevel = "error"
	}
	defer setupLogger(cfg)()

	mod, err := moderation.NewEngine(cfg.Moderation, logger)
	if err != nil {
		return fmt.Errorf("moderation engine: %w", err)
	}
	if err := mod.CheckIdentity(cfg.User.Name, cfg.User.Avatar); err != nil {
		return fmt.Errorf("%w (run 'litchat profile' or pass --name)", err)
	}
	user := domain.Author{Name: strings.TrimSpace(cfg.User.Name), ID: cfg.User.ID, AvatarRef: cfg.User.Avatar}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	msgStore, err := client.NewHTTPStore(client.StoreConfig{
		BaseURL:    cfg.Client.ServerURL,
		Timeout:    time.Duration(cfg.Client.TimeoutSeconds) * time.Second,
		MaxRetries: cfg.Client.MaxRetries,
		Logger:     logger,
	})
	if err != nil {
		return err
	}

	// The room is created after the realtime client, which needs the room's
	// Reload as its reconnect hook.
	var r *room.Room
	rt, err := client.NewRealtime(client.RealtimeConfig{
		BaseURL:      cfg.Client.ServerURL,
		User:         user.Key(),
		ReconnectMax: time.Duration(cfg.Client.ReconnectMaxSeconds) * time.Second,
		OnReconnect: func(ctx context.Context) error {
			return r.Reload(ctx)
		},
		Logger: logger,
	})
	if err != nil {
		return err
	}
	defer rt.Close()

	dialCtx, cancel := context.WithTimeout(ctx, time.Duration(cfg.Client.TimeoutSeconds)*time.Second)
	err = rt.Dial(dialCtx)
	cancel()
	if err != nil {
		return fmt.Errorf("connect to %s: %w", cfg.Client.ServerURL, err)
	}

	cli := channel.NewCLI(channel.CLIConfig{Logger: logger})
	r, err = room.New(room.Config{
		User:        user,
		Store:       msgStore,
		Events:      rt,
		Presence:    rt,
		Moderation:  mod,
		Limiter:     room.NewLimiter(cfg.RateLimit.MessagesPerMinute, cfg.RateLimit.Burst),
		QuietPeriod: time.Duration(cfg.Presence.QuietPeriodMs) * time.Millisecond,
		OnChange:    cli.Notify,
		Logger:      logger,
	})
	if err != nil {
		return err
	}
	defer r.Close()

	if err := r.Open(ctx); err != nil {
		return err
	}
	go func() {
		if err := rt.Run(ctx); err != nil && ctx.Err() == nil {
			logger.Error("realtime connection stopped", "err", err)
		}
	}()

	return cli.Run(ctx, r)
}

func historyCmd() *cobra.Command {
	var format string
	var limit int
	var audit bool
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Export the stored messages (or the moderation audit log)",
		Long:  "Reads the server's message store directly. Run it on the server host.",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx := context.Background()
			st, err := store.Open(ctx, cfg.Store.Driver, storeDSN(cfg), store.Options{}, logger)
			if err != nil {
				return fmt.Errorf("message store: %w", err)
			}
			defer st.Close()

			var out any
			if audit {
				entries, err := st.Audit(ctx, limit)
				if err != nil {
					return err
				}
				out = entries
			} else {
				msgs, err := st.Query(ctx)
				if err != nil {
					return err
				}
				if limit > 0 && len(msgs) > limit {
					msgs = msgs[len(msgs)-limit:]
				}
				out = exportMessages(msgs)
			}
			return writeExport(os.Stdout, format, out)
		},
	}
	cmd.Flags().StringVarP(&format, "format", "f", "json", "output format: json or yaml")
	cmd.Flags().IntVarP(&limit, "limit", "n", 0, "only the newest N entries (0 = all messages, 50 audit entries)")
	cmd.Flags().BoolVar(&audit, "audit", false, "export the audit log instead of messages")
	return cmd
}

func clearCmd() *cobra.Command {
	var yes bool
	cmd := &cobra.Command{
		Use:   "clear",
		Short: "Delete every message in the room (admins only)",
		RunE: func(cmd *cobra.Command, args []string) error {
			if !yes {
				return fmt.Errorf("this removes every message for everyone; pass --yes to confirm")
			}
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			user := domain.Author{Name: cfg.User.Name, ID: cfg.User.ID}
			if user.Key() == "" {
				return fmt.Errorf("user.name is not set (run 'litchat profile')")
			}
			msgStore, err := client.NewHTTPStore(client.StoreConfig{
				BaseURL:    cfg.Client.ServerURL,
				Timeout:    time.Duration(cfg.Client.TimeoutSeconds) * time.Second,
				MaxRetries: cfg.Client.MaxRetries,
				Logger:     logger,
			})
			if err != nil {
				return err
			}
			if err := msgStore.Clear(context.Background(), user.Key()); err != nil {
				return fmt.Errorf("clear chat: %w", err)
			}
			logger.Info("chat cleared", "by", user.Key())
			return nil
		},
	}
	cmd.Flags().BoolVarP(&yes, "yes", "y", false, "confirm clearing the room")
	return cmd
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. user.name)",
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
		Short: "Set a config value (e.g. presence.quietPeriodMs 3000)",
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
			logger.Info("config updated", "path", args[0], "file", cfgPath)
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
			paths := config.ListPaths(config.Sanitize(cfg))
			keys := make([]string, 0, len(paths))
			for k := range paths {
				keys = append(keys, k)
			}
			slices.Sort(keys)
			for _, k := range keys {
				data, _ := json.Marshal(paths[k])
				fmt.Printf("%s = %s\n", k, data)
			}
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
