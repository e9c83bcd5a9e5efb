package registry

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

const (
	DefaultAddr          = "0.0.0.0:8080"
	DefaultCodeLength    = 6
	DefaultAlphabet      = "abcdefghjkmnpqrstuvwxyz23456789"
	DefaultTTL           = 10 * time.Minute
	DefaultMaxTicketSize = 16 * 1024 // 16 KB
	DefaultRateWindow    = time.Minute
	DefaultRateLimit     = 60
	DefaultRegisterRate  = 50 // registrations per second, all sources
	MaxInsertAttempts    = 10
	MaxAnswerWait        = 30 * time.Second
	MinCodeLength        = 4
	MaxCodeLength        = 32
	ReadHeaderTimeout    = 10 * time.Second
	ReadTimeout          = 30 * time.Second
	WriteTimeout         = MaxAnswerWait + 10*time.Second
	IdleTimeout          = 60 * time.Second
	ShutdownTimeout      = 15 * time.Second
)

// Config holds the registry deployment settings.
type Config struct {
	Addr          string        `yaml:"addr"`
	TTL           time.Duration `yaml:"ttl"`
	CodeLength    int           `yaml:"code_length"`
	Alphabet      string        `yaml:"alphabet"`
	MaxTicketSize int           `yaml:"max_ticket_size"`

	// SingleUse makes a code resolvable by exactly one caller.
	SingleUse bool `yaml:"single_use"`

	RateWindow   time.Duration `yaml:"rate_window"`
	RateLimit    int           `yaml:"rate_limit"`
	RegisterRate float64       `yaml:"register_rate"`

	// TrustProxy takes the source address from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy"`
}

// DefaultConfig returns the configuration used when nothing is overridden.
func DefaultConfig() Config {
	return Config{
		Addr:          DefaultAddr,
		TTL:           DefaultTTL,
		CodeLength:    DefaultCodeLength,
		Alphabet:      DefaultAlphabet,
		MaxTicketSize: DefaultMaxTicketSize,
		RateWindow:    DefaultRateWindow,
		RateLimit:     DefaultRateLimit,
		RegisterRate:  DefaultRegisterRate,
	}
}

// Validate checks the configuration for values the registry cannot run with.
func (c Config) Validate() error {
	if c.Addr == "" {
		return errors.New("addr must not be empty")
	}
	if c.TTL < time.Second {
		return fmt.Errorf("ttl must be at least 1s, got %s", c.TTL)
	}
	if c.CodeLength < MinCodeLength || c.CodeLength > MaxCodeLength {
		return fmt.Errorf("code length must be in [%d, %d], got %d", MinCodeLength, MaxCodeLength, c.CodeLength)
	}
	if err := validateAlphabet(c.Alphabet); err != nil {
		return err
	}
	if c.MaxTicketSize <= 0 {
		return errors.New("max ticket size must be positive")
	}
	if c.RateLimit < 0 {
		return errors.New("rate limit must not be negative")
	}
	if c.RateLimit > 0 && c.RateWindow <= 0 {
		return errors.New("rate window must be positive when rate limit is set")
	}
	if c.RegisterRate < 0 {
		return errors.New("register rate must not be negative")
	}
	return nil
}

// SweepInterval is how often expired entries are removed.
func (c Config) SweepInterval() time.Duration {
	return c.TTL / 2
}

func validateAlphabet(alphabet string) error {
	if len(alphabet) < 2 {
		return fmt.Errorf("alphabet must have at least 2 characters, got %q", alphabet)
	}
	seen := make(map[rune]bool, len(alphabet))
	for _, r := range alphabet {
		if !((r >= 'a' && r <= 'z') || (r >= '0' && r <= '9')) {
			return fmt.Errorf("alphabet may only contain lowercase letters and digits, got %q", r)
		}
		if seen[r] {
			return fmt.Errorf("alphabet has duplicate character %q", r)
		}
		seen[r] = true
	}
	return nil
}

// LoadConfig reads a YAML file over the defaults. Durations use Go syntax ("10m").
func LoadConfig(path string) (Config, error) {
	cfg := DefaultConfig()

	data, err := os.ReadFile(path)
	if err != nil {
		return cfg, fmt.Errorf("os.ReadFile: %w", err)
	}

	dec := yaml.NewDecoder(bytes.NewReader(data))
	dec.KnownFields(true)
	if err := dec.Decode(&cfg); err != nil && !errors.Is(err, io.EOF) {
		return cfg, fmt.Errorf("decode %s: %w", path, err)
	}

	return cfg, nil
}
