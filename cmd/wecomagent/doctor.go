package main

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"path/filepath"
	"strconv"
	"time"

	amqp "github.com/rabbitmq/amqp091-go"
	"github.com/spf13/cobra"

	"wecomagent/internal/config"
	"wecomagent/internal/history"
)

// checkup tallies doctor results.
type checkup struct {
	out                    io.Writer
	passed, warned, failed int
}

func (c *checkup) pass(check, detail string) {
	c.passed++
	fmt.Fprintf(c.out, "  [PASS] %-20s %s\n", check, detail)
}

func (c *checkup) fail(check, detail string) {
	c.failed++
	fmt.Fprintf(c.out, "  [FAIL] %-20s %s\n", check, detail)
}

func (c *checkup) warn(check, detail string) {
	c.warned++
	fmt.Fprintf(c.out, "  [WARN] %-20s %s\n", check, detail)
}

func doctorCmd() *cobra.Command {
	var offline bool
	cmd := &cobra.Command{
		Use:   "doctor",
		Short: "Run diagnostic checks on your wecomagent installation",
		Long: `Verifies the configuration, credentials, token cache, history database,
relay port and queue broker. Reports pass/fail for each check.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			cfgPath := config.ExpandPath(resolveConfigPath())
			fmt.Printf("wecomagent doctor v%s\n", version)
			fmt.Printf("━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n\n")

			c := &checkup{out: os.Stdout}
			if _, err := os.Stat(cfgPath); err != nil {
				c.fail("Config file", fmt.Sprintf("not found at %s", cfgPath))
				fmt.Printf("\nRun 'wecomagent init' to create a default configuration.\n")
				return fmt.Errorf("no config file")
			}
			c.pass("Config file", cfgPath)

			cfg, err := loadConfig()
			if err != nil {
				c.fail("Config validation", err.Error())
				return summarize(c)
			}
			c.pass("Config validation", "valid")

			runChecks(cmd.Context(), c, cfg, offline)
			return summarize(c)
		},
	}
	cmd.Flags().BoolVar(&offline, "offline", false, "skip checks that contact WeCom, Redis or RabbitMQ")
	return cmd
}

func runChecks(ctx context.Context, c *checkup, cfg *config.Config, offline bool) {
	if cfg.WeCom.Ready() {
		c.pass("Credentials", "corpId "+cfg.WeCom.CorpID)
	} else {
		c.fail("Credentials", "wecom.corpId and wecom.secret must be set")
	}
	if cfg.WeCom.AgentID > 0 {
		c.pass("Default agent", strconv.FormatInt(cfg.WeCom.AgentID, 10))
	} else {
		c.warn("Default agent", "wecom.agentId is 0; every request must carry agentid")
	}

	if !offline && cfg.TokenCache.Backend == "redis" {
		if err := checkRedis(ctx, cfg.TokenCache); err != nil {
			c.fail("Token cache", err.Error())
		} else {
			c.pass("Token cache", "redis "+cfg.TokenCache.RedisAddr)
		}
	} else {
		c.pass("Token cache", cfg.TokenCache.Backend)
	}

	if !offline && cfg.WeCom.Ready() {
		tctx, cancel := context.WithTimeout(ctx, cfg.WeCom.Timeout()+5*time.Second)
		client, release, err := newClient(tctx, cfg)
		cancel()
		if err != nil {
			c.fail("Access token", err.Error())
		} else {
			c.pass("Access token", "expires "+client.TokenExpiry().Format(time.RFC3339))
			release()
		}
	}

	if cfg.History.Enabled {
		if err := checkHistory(ctx, cfg.History.DBPath); err != nil {
			c.fail("History", err.Error())
		} else {
			c.pass("History", cfg.History.DBPath)
		}
	} else {
		c.warn("History", "disabled; deliveries are not recorded")
	}

	if cfg.Relay.Enabled {
		if err := checkPort(cfg.Relay.Host, cfg.Relay.Port); err != nil {
			c.warn("Relay port", fmt.Sprintf("%s:%d may be in use: %v", cfg.Relay.Host, cfg.Relay.Port, err))
		} else {
			c.pass("Relay port", fmt.Sprintf("%s:%d available", cfg.Relay.Host, cfg.Relay.Port))
		}
		if cfg.Relay.Secret == "" {
			c.warn("Relay secret", "empty; requests are not authenticated")
		}
	}

	if cfg.Queue.Enabled && !offline {
		if err := checkBroker(cfg.Queue.URL); err != nil {
			c.fail("Queue broker", err.Error())
		} else {
			c.pass("Queue broker", "queue "+cfg.Queue.Queue)
		}
	}

	if cfg.General.LogFile != "" {
		if err := os.MkdirAll(filepath.Dir(cfg.General.LogFile), 0o755); err != nil {
			c.warn("Log file", fmt.Sprintf("cannot create log directory: %v", err))
		} else {
			c.pass("Log file", cfg.General.LogFile)
		}
	}
}

func summarize(c *checkup) error {
	fmt.Fprintf(c.out, "\n━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━━\n")
	fmt.Fprintf(c.out, "Results: %d passed, %d warnings, %d failed\n", c.passed, c.warned, c.failed)
	if c.failed > 0 {
		return fmt.Errorf("%d check(s) failed", c.failed)
	}
	if c.warned == 0 {
		fmt.Fprintf(c.out, "\nAll checks passed.\n")
	}
	return nil
}

// checkHistory opens the database, which also applies migrations.
func checkHistory(ctx context.Context, dbPath string) error {
	store, err := history.Open(dbPath, logger)
	if err != nil {
		return err
	}
	defer store.Close()

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := store.Ping(ctx); err != nil {
		return fmt.Errorf("cannot ping: %w", err)
	}
	if _, err := store.CountByResult(ctx); err != nil {
		return fmt.Errorf("cannot query: %w", err)
	}
	return nil
}

func checkRedis(ctx context.Context, tc config.TokenCacheConfig) error {
	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	_, closeStore, err := newTokenStore(ctx, tc)
	if err != nil {
		return err
	}
	return closeStore()
}

func checkBroker(url string) error {
	conn, err := amqp.DialConfig(url, amqp.Config{Dial: amqp.DefaultDial(5 * time.Second)})
	if err != nil {
		return err
	}
	return conn.Close()
}

func checkPort(host string, port int) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(host, strconv.Itoa(port)))
	if err != nil {
		return err
	}
	ln.Close()
	return nil
}
