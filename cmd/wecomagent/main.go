package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"io/fs"
	"log/slog"
	"os"
	"path/filepath"
	"sort"
	"time"

	"github.com/joho/godotenv"
	"github.com/redis/go-redis/v9"
	"github.com/spf13/cobra"

	"wecomagent/internal/config"
	"wecomagent/internal/history"
	"wecomagent/internal/metrics"
	"wecomagent/pkg/tokenstore"
	"wecomagent/pkg/wecom"
)

var (
	version    = "0.1.0"
	logger     *slog.Logger
	configPath string // overridable via --config flag
	envFile    string // overridable via --env-file flag
)

func main() {
	logger = slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo}))

	root := &cobra.Command{
		Use:     "wecomagent",
		Short:   "wecomagent: send WeCom application messages",
		Long:    "wecomagent sends WeCom (WeChat Work) application messages from the command line, an HTTP relay or a RabbitMQ queue.",
		Version: version,
		PersistentPreRunE: func(cmd *cobra.Command, args []string) error {
			return loadEnv()
		},
		SilenceUsage: true,
	}

	root.PersistentFlags().StringVarP(&configPath, "config", "c", "", "path to config.json or config.yaml (default: ~/.wecomagent/config.json)")
	root.PersistentFlags().StringVar(&envFile, "env-file", "", "load environment variables from this .env file (default: ./.env if present)")

	root.AddCommand(initCmd())
	root.AddCommand(sendCmd())
	root.AddCommand(checkCmd())
	root.AddCommand(serveCmd())
	root.AddCommand(historyCmd())
	root.AddCommand(configCmd())
	root.AddCommand(doctorCmd())
	root.AddCommand(installDaemonCmd())
	root.AddCommand(uninstallDaemonCmd())

	if err := root.Execute(); err != nil {
		os.Exit(1)
	}
}

// loadEnv loads a .env file so ${VAR} references in the config resolve. A
// missing default ./.env is not an error.
func loadEnv() error {
	if envFile != "" {
		if err := godotenv.Load(config.ExpandPath(envFile)); err != nil {
			return fmt.Errorf("load env file: %w", err)
		}
		return nil
	}
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return fmt.Errorf("load .env: %w", err)
	}
	return nil
}

// resolveConfigPath returns the config path from --config flag or default.
func resolveConfigPath() string {
	if configPath != "" {
		return configPath
	}
	return config.DefaultConfigPath()
}

// loadConfig loads the config file and reconfigures the logger from it.
func loadConfig() (*config.Config, error) {
	cfgPath := resolveConfigPath()
	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, fmt.Errorf("load config: %w", err)
	}
	if cfg.General.EnvFile != "" && envFile == "" {
		// The env file named in the config only affects later expansion, so reload.
		if err := godotenv.Load(cfg.General.EnvFile); err != nil {
			return nil, fmt.Errorf("load env file %s: %w", cfg.General.EnvFile, err)
		}
		if cfg, err = config.Load(cfgPath); err != nil {
			return nil, fmt.Errorf("load config: %w", err)
		}
	}
	if err := setupLogger(cfg.General); err != nil {
		return nil, err
	}
	return cfg, nil
}

func setupLogger(g config.GeneralConfig) error {
	var level slog.Level
	if err := level.UnmarshalText([]byte(g.LogLevel)); err != nil {
		level = slog.LevelInfo
	}
	var w io.Writer = os.Stderr
	if g.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(g.LogFile), 0o755); err != nil {
			return fmt.Errorf("create log directory: %w", err)
		}
		f, err := os.OpenFile(g.LogFile, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
		if err != nil {
			return fmt.Errorf("open log file: %w", err)
		}
		w = io.MultiWriter(os.Stderr, f)
	}
	logger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: level}))
	return nil
}

// newClient builds a WeCom client with the configured token cache. The returned
// close func releases the cache connection and must be called when done.
func newClient(ctx context.Context, cfg *config.Config) (*wecom.Client, func(), error) {
	if !cfg.WeCom.Ready() {
		return nil, nil, fmt.Errorf("wecom.corpId and wecom.secret must be set (see 'wecomagent config set')")
	}

	store, closeStore, err := newTokenStore(ctx, cfg.TokenCache)
	if err != nil {
		return nil, nil, err
	}
	release := func() {
		if err := closeStore(); err != nil {
			logger.Warn("close token cache", "err", err)
		}
	}

	client, err := wecom.New(ctx, wecom.Config{
		CorpID:             cfg.WeCom.CorpID,
		Secret:             cfg.WeCom.Secret,
		BaseURL:            cfg.WeCom.BaseURL,
		HTTPClient:         wecom.SharedHTTPClient(cfg.WeCom.Timeout()),
		Logger:             logger,
		Store:              store,
		RefreshMargin:      cfg.WeCom.RefreshMargin(),
		MinRefreshInterval: minRefreshInterval(cfg.WeCom),
	})
	if err != nil {
		release()
		return nil, nil, err
	}
	metrics.Collector.TokenExpiry().Set(client.TokenExpiry().Unix())
	return client, release, nil
}

// newTokenStore opens the token cache backend. The close func is never nil.
func newTokenStore(ctx context.Context, tc config.TokenCacheConfig) (wecom.TokenStore, func() error, error) {
	if tc.Backend != "redis" {
		return wecom.NewMemoryStore(), func() error { return nil }, nil
	}
	rdb := redis.NewClient(&redis.Options{
		Addr:     tc.RedisAddr,
		Password: tc.RedisPassword,
		DB:       tc.RedisDB,
	})
	if err := rdb.Ping(ctx).Err(); err != nil {
		rdb.Close()
		return nil, nil, fmt.Errorf("redis token cache %s: %w", tc.RedisAddr, err)
	}
	return tokenstore.NewRedis(tokenstore.RedisConfig{Client: rdb, Prefix: tc.KeyPrefix}), rdb.Close, nil
}

// minRefreshInterval maps the config's 0 ("no throttle") onto the client's
// negative disable value.
func minRefreshInterval(w config.WeComConfig) time.Duration {
	if w.MinRefreshIntervalSeconds == 0 {
		return -1
	}
	return w.MinRefreshInterval()
}

// openHistory opens the delivery log when enabled. It returns nil without error
// when history is disabled.
func openHistory(cfg *config.Config) (*history.SQLiteStore, error) {
	if !cfg.History.Enabled {
		return nil, nil
	}
	store, err := history.Open(cfg.History.DBPath, logger)
	if err != nil {
		return nil, fmt.Errorf("history store: %w", err)
	}
	return store, nil
}

func initCmd() *cobra.Command {
	var force bool
	cmd := &cobra.Command{
		Use:   "init",
		Short: "Write a default config file",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			if _, err := os.Stat(cfgPath); err == nil && !force {
				return fmt.Errorf("%s already exists (use --force to overwrite)", cfgPath)
			}
			cfg := config.Defaults()
			cfg.WeCom.CorpID = "${WECOM_CORP_ID}"
			cfg.WeCom.Secret = "${WECOM_SECRET}"
			if err := config.Save(cfgPath, cfg); err != nil {
				return err
			}
			logger.Info("initialized", "config", cfgPath)
			fmt.Printf("Config written to %s\n", cfgPath)
			fmt.Printf("Set WECOM_CORP_ID and WECOM_SECRET (or edit the file) and 'wecomagent config set wecom.agentId <id>'.\n")
			return nil
		},
	}
	cmd.Flags().BoolVar(&force, "force", false, "overwrite an existing config file")
	return cmd
}

func checkCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "check",
		Short: "Fetch an access token to verify the credentials",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			ctx, cancel := context.WithTimeout(cmd.Context(), cfg.WeCom.Timeout()+5*time.Second)
			defer cancel()

			client, release, err := newClient(ctx, cfg)
			if err != nil {
				return err
			}
			defer release()
			expiry := client.TokenExpiry()
			fmt.Printf("Credentials OK for corp %s\n", cfg.WeCom.CorpID)
			fmt.Printf("Access token expires %s (in %s)\n", expiry.Format(time.RFC3339), time.Until(expiry).Round(time.Second))
			return nil
		},
	}
}

func historyCmd() *cobra.Command {
	var (
		limit  int
		asJSON bool
	)
	cmd := &cobra.Command{
		Use:   "history",
		Short: "Show recent deliveries",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(store *history.SQLiteStore) error {
				rows, err := store.Recent(cmd.Context(), limit)
				if err != nil {
					return err
				}
				if asJSON {
					data, _ := json.MarshalIndent(rows, "", "  ")
					fmt.Println(string(data))
					return nil
				}
				if len(rows) == 0 {
					fmt.Println("No deliveries recorded.")
					return nil
				}
				printDeliveries(rows)
				return nil
			})
		},
	}
	cmd.Flags().IntVarP(&limit, "limit", "n", 20, "number of deliveries to show")
	cmd.Flags().BoolVar(&asJSON, "json", false, "print JSON")

	cmd.AddCommand(&cobra.Command{
		Use:   "stats",
		Short: "Count recorded deliveries by result",
		RunE: func(cmd *cobra.Command, args []string) error {
			return withHistory(func(store *history.SQLiteStore) error {
				counts, err := store.CountByResult(cmd.Context())
				if err != nil {
					return err
				}
				results := make([]string, 0, len(counts))
				for r := range counts {
					results = append(results, r)
				}
				sort.Strings(results)
				for _, r := range results {
					fmt.Printf("%-10s %d\n", r, counts[r])
				}
				return nil
			})
		},
	})

	var olderThan time.Duration
	purge := &cobra.Command{
		Use:   "purge",
		Short: "Delete deliveries older than the retention period",
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := loadConfig()
			if err != nil {
				return err
			}
			if olderThan <= 0 {
				olderThan = time.Duration(cfg.History.RetentionDays) * 24 * time.Hour
			}
			return withHistory(func(store *history.SQLiteStore) error {
				n, err := store.Purge(cmd.Context(), olderThan)
				if err != nil {
					return err
				}
				fmt.Printf("Deleted %d deliveries older than %s\n", n, olderThan)
				return nil
			})
		},
	}
	purge.Flags().DurationVar(&olderThan, "older-than", 0, "age cutoff (default history.retentionDays)")
	cmd.AddCommand(purge)
	return cmd
}

// withHistory runs fn against the configured history store.
func withHistory(fn func(store *history.SQLiteStore) error) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	store, err := openHistory(cfg)
	if err != nil {
		return err
	}
	if store == nil {
		return fmt.Errorf("history is disabled (history.enabled=false)")
	}
	defer store.Close()
	return fn(store)
}

func printDeliveries(rows []history.Delivery) {
	for _, d := range rows {
		fmt.Printf("%s  %-6s %-9s agent=%d %-8s to=%s", d.CreatedAt.Format("2006-01-02 15:04:05"), d.Source, d.Result, d.AgentID, d.MsgType, recipients(d))
		if d.MsgID != "" {
			fmt.Printf(" msgid=%s", d.MsgID)
		}
		if d.ErrCode != 0 || (d.Result != "ok" && d.ErrMsg != "") {
			fmt.Printf(" err=%d %s", d.ErrCode, d.ErrMsg)
		}
		fmt.Println()
	}
}

func recipients(d history.Delivery) string {
	out := d.ToUser
	if d.ToParty != "" {
		out += " party:" + d.ToParty
	}
	if d.ToTag != "" {
		out += " tag:" + d.ToTag
	}
	return out
}

func configCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "config",
		Short: "View and modify configuration",
		Long:  "Get, set, and list configuration values. Changes are saved to the config file.",
	}

	cmd.AddCommand(&cobra.Command{
		Use:   "get [path]",
		Short: "Get a config value (e.g. wecom.agentId)",
		Args:  cobra.ExactArgs(1),
		RunE: func(cmd *cobra.Command, args []string) error {
			cfg, err := config.Load(resolveConfigPath())
			if err != nil {
				return fmt.Errorf("load config: %w", err)
			}
			val, err := config.GetByPath(config.Sanitize(cfg), args[0])
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
		Short: "Set a config value (e.g. wecom.agentId 1000002)",
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
