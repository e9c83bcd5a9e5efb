package cmd

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strconv"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/pflag"

	"github.com/udisondev/beam/registry"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Run the relay registry",
	Long: `Run the relay registry that maps short codes to connection tickets.

Settings are taken from flags, then BEAM_* environment variables, then the
YAML file given with --config, then built-in defaults.`,
	Args: cobra.NoArgs,
	Run:  runServe,
}

func init() {
	addServeFlags(serveCmd.Flags())
	rootCmd.AddCommand(serveCmd)
}

func addServeFlags(fs *pflag.FlagSet) {
	defaults := registry.DefaultConfig()
	fs.StringP("addr", "a", defaults.Addr, "Server listen address")
	fs.Duration("ttl", defaults.TTL, "How long a code stays valid")
	fs.Int("code-length", defaults.CodeLength, "Number of characters in a code")
	fs.String("alphabet", defaults.Alphabet, "Characters codes are drawn from")
	fs.Int("max-ticket-size", defaults.MaxTicketSize, "Largest accepted ticket in bytes")
	fs.Bool("single-use", defaults.SingleUse, "Allow each code to be resolved only once")
	fs.Duration("rate-window", defaults.RateWindow, "Per-source rate limit window")
	fs.Int("rate-limit", defaults.RateLimit, "Requests per source per window (0 disables)")
	fs.Float64("register-rate", defaults.RegisterRate, "Registrations per second across all sources (0 disables)")
	fs.Bool("trust-proxy", defaults.TrustProxy, "Take the source address from X-Forwarded-For")
	fs.StringP("config", "c", "", "YAML configuration file")
}

func runServe(cmd *cobra.Command, args []string) {
	setupLogging(slog.LevelInfo)

	cfg, err := loadServeConfig(cmd.Flags(), os.LookupEnv)
	if err != nil {
		exitWithError("Invalid configuration", err)
	}

	svc, err := registry.NewService(cfg)
	if err != nil {
		exitWithError("Invalid configuration", err)
	}

	slog.Info("Starting Beam registry",
		"addr", cfg.Addr,
		"ttl", cfg.TTL,
		"codeLength", cfg.CodeLength,
		"singleUse", cfg.SingleUse,
		"rateLimit", cfg.RateLimit,
		"rateWindow", cfg.RateWindow,
	)

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := registry.NewServer(svc).Run(ctx); err != nil {
		slog.Error("Registry error", "error", err)
		exitWithError("Registry error", err)
	}
	slog.Info("Registry stopped")
}

// setting binds one Config field to a flag and an environment variable.
type setting struct {
	flag  string
	env   string
	apply func(cfg *registry.Config, value string) error
}

var serveSettings = []setting{
	{"addr", "BEAM_ADDR", func(c *registry.Config, v string) error {
		c.Addr = v
		return nil
	}},
	{"ttl", "BEAM_TTL", func(c *registry.Config, v string) error {
		return parseInto(&c.TTL, v, time.ParseDuration)
	}},
	{"code-length", "BEAM_CODE_LENGTH", func(c *registry.Config, v string) error {
		return parseInto(&c.CodeLength, v, strconv.Atoi)
	}},
	{"alphabet", "BEAM_ALPHABET", func(c *registry.Config, v string) error {
		c.Alphabet = v
		return nil
	}},
	{"max-ticket-size", "BEAM_MAX_TICKET_SIZE", func(c *registry.Config, v string) error {
		return parseInto(&c.MaxTicketSize, v, strconv.Atoi)
	}},
	{"single-use", "BEAM_SINGLE_USE", func(c *registry.Config, v string) error {
		return parseInto(&c.SingleUse, v, strconv.ParseBool)
	}},
	{"rate-window", "BEAM_RATE_WINDOW", func(c *registry.Config, v string) error {
		return parseInto(&c.RateWindow, v, time.ParseDuration)
	}},
	{"rate-limit", "BEAM_RATE_LIMIT", func(c *registry.Config, v string) error {
		return parseInto(&c.RateLimit, v, strconv.Atoi)
	}},
	{"register-rate", "BEAM_REGISTER_RATE", func(c *registry.Config, v string) error {
		return parseInto(&c.RegisterRate, v, func(s string) (float64, error) {
			return strconv.ParseFloat(s, 64)
		})
	}},
	{"trust-proxy", "BEAM_TRUST_PROXY", func(c *registry.Config, v string) error {
		return parseInto(&c.TrustProxy, v, strconv.ParseBool)
	}},
}

func parseInto[T any](dst *T, value string, parse func(string) (T, error)) error {
	v, err := parse(value)
	if err != nil {
		return err
	}
	*dst = v
	return nil
}

// loadServeConfig builds the registry configuration. Priority, highest first:
// changed flags, environment, config file, defaults.
func loadServeConfig(fs *pflag.FlagSet, lookupEnv func(string) (string, bool)) (registry.Config, error) {
	cfg := registry.DefaultConfig()

	path, _ := fs.GetString("config")
	if !fs.Changed("config") {
		if env, ok := lookupEnv("BEAM_CONFIG"); ok && env != "" {
			path = env
		}
	}
	if path != "" {
		var err error
		if cfg, err = registry.LoadConfig(path); err != nil {
			return cfg, err
		}
	}

	for _, s := range serveSettings {
		if v, ok := lookupEnv(s.env); ok && v != "" {
			if err := s.apply(&cfg, v); err != nil {
				return cfg, fmt.Errorf("%s=%q: %w", s.env, v, err)
			}
		}
	}

	for _, s := range serveSettings {
		f := fs.Lookup(s.flag)
		if f == nil || !f.Changed {
			continue
		}
		if err := s.apply(&cfg, f.Value.String()); err != nil {
			return cfg, fmt.Errorf("--%s: %w", s.flag, err)
		}
	}

	return cfg, cfg.Validate()
}
