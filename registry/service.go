package registry

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/benbjohnson/clock"
)

// Registration is what a sender gets back from Register.
type Registration struct {
	Code       string
	Words      string
	ExpiresAt  time.Time
	ExpiresIn  time.Duration
	OwnerToken string
}

// Service applies registry policy (payload size, code format, rate limits)
// in front of a Store.
type Service struct {
	cfg     Config
	store   *Store
	format  CodeFormat
	limiter *Limiter
	global  *globalLimiter
	metrics *Metrics
	clock   clock.Clock
}

type serviceOptions struct {
	clock clock.Clock
	gen   Generator
}

type Option func(*serviceOptions)

// WithClock replaces the wall clock, mainly for tests.
func WithClock(clk clock.Clock) Option {
	return func(o *serviceOptions) { o.clock = clk }
}

// WithGenerator replaces the random code generator.
func WithGenerator(gen Generator) Option {
	return func(o *serviceOptions) { o.gen = gen }
}

func NewService(cfg Config, opts ...Option) (*Service, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	o := serviceOptions{clock: clock.New()}
	for _, opt := range opts {
		opt(&o)
	}
	if o.gen == nil {
		o.gen = NewRandomGenerator(cfg.Alphabet, cfg.CodeLength)
	}

	store := NewStore(o.gen, o.clock, cfg.TTL, cfg.SingleUse)
	limiter := NewLimiter(cfg.RateLimit, cfg.RateWindow, o.clock)

	return &Service{
		cfg:     cfg,
		store:   store,
		format:  CodeFormat{Length: cfg.CodeLength, Alphabet: cfg.Alphabet},
		limiter: limiter,
		global:  newGlobalLimiter(cfg.RegisterRate, o.clock),
		metrics: newMetrics(store, limiter),
		clock:   o.clock,
	}, nil
}

// Register stores ticket and returns the code it can be resolved with.
func (s *Service) Register(source string, ticket []byte) (Registration, error) {
	reg, err := s.register(source, ticket)
	s.metrics.registrations.WithLabelValues(resultLabel(err)).Inc()
	return reg, err
}

func (s *Service) register(source string, ticket []byte) (Registration, error) {
	if err := s.checkPayload(ticket); err != nil {
		return Registration{}, err
	}
	if !s.global.Allow() || !s.limiter.Allow(source) {
		slog.Debug("Registration rate limited", "source", source)
		return Registration{}, ErrRateLimited
	}

	e, err := s.store.Insert(ticket)
	if err != nil {
		if errors.Is(err, ErrCodeSpaceExhausted) {
			slog.Warn("Code space exhausted", "attempts", MaxInsertAttempts, "live", s.store.Len())
		}
		return Registration{}, err
	}

	slog.Debug("Code registered", "code", e.Code, "source", source, "size", len(ticket))

	return Registration{
		Code:       e.Code,
		Words:      Words(e.Code),
		ExpiresAt:  e.ExpiresAt,
		ExpiresIn:  e.ExpiresAt.Sub(e.CreatedAt),
		OwnerToken: e.OwnerToken,
	}, nil
}

// Resolve returns the ticket registered under code. Malformed codes fail with
// ErrInvalidCode before the rate limiter or the store are touched.
func (s *Service) Resolve(source, code string) ([]byte, error) {
	ticket, err := s.resolve(source, code)
	s.metrics.resolutions.WithLabelValues(resultLabel(err)).Inc()
	return ticket, err
}

func (s *Service) resolve(source, input string) ([]byte, error) {
	code, err := s.parseCode(input)
	if err != nil {
		return nil, err
	}
	if !s.limiter.Allow(source) {
		slog.Debug("Resolve rate limited", "source", source)
		return nil, ErrRateLimited
	}

	ticket, err := s.store.Resolve(code)
	if err != nil {
		return nil, err
	}

	slog.Debug("Code resolved", "code", code, "source", source)
	return ticket, nil
}

// PostAnswer attaches the receiver's answer to a code that has been resolved.
func (s *Service) PostAnswer(source, code string, answer []byte) error {
	err := s.postAnswer(source, code, answer)
	s.metrics.answers.WithLabelValues(resultLabel(err)).Inc()
	return err
}

func (s *Service) postAnswer(source, input string, answer []byte) error {
	code, err := s.parseCode(input)
	if err != nil {
		return err
	}
	if err := s.checkPayload(answer); err != nil {
		return err
	}
	if !s.limiter.Allow(source) {
		return ErrRateLimited
	}

	if err := s.store.SetAnswer(code, answer); err != nil {
		return err
	}

	slog.Debug("Answer posted", "code", code, "source", source)
	return nil
}

// AwaitAnswer blocks until the answer for code is posted, ctx is done, or
// wait elapses. On timeout it returns ErrAnswerPending so the caller can poll
// again. wait is clamped to MaxAnswerWait.
func (s *Service) AwaitAnswer(ctx context.Context, code, token string, wait time.Duration) ([]byte, error) {
	code, err := s.parseCode(code)
	if err != nil {
		return nil, err
	}
	if wait <= 0 || wait > MaxAnswerWait {
		wait = MaxAnswerWait
	}

	waitCtx, cancel := context.WithTimeout(ctx, wait)
	defer cancel()

	answer, err := s.store.Answer(waitCtx, code, token)
	if err != nil {
		if errors.Is(err, context.DeadlineExceeded) && ctx.Err() == nil {
			return nil, ErrAnswerPending
		}
		return nil, err
	}
	return answer, nil
}

// Sweep removes expired entries now.
func (s *Service) Sweep() int {
	n := s.store.Sweep(s.clock.Now())
	if n > 0 {
		s.metrics.swept.Add(float64(n))
		slog.Debug("Expired entries swept", "count", n)
	}
	return n
}

// RunSweeper sweeps every TTL/2 until ctx is done.
func (s *Service) RunSweeper(ctx context.Context) {
	ticker := s.clock.Ticker(s.cfg.SweepInterval())
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.Sweep()
		}
	}
}

// Len returns the number of live entries.
func (s *Service) Len() int {
	return s.store.Len()
}

func (s *Service) Metrics() *Metrics {
	return s.metrics
}

func (s *Service) Config() Config {
	return s.cfg
}

func (s *Service) parseCode(input string) (string, error) {
	code := Normalize(input)
	if !s.format.Valid(code) {
		return "", ErrInvalidCode
	}
	return code, nil
}

func (s *Service) checkPayload(p []byte) error {
	if len(p) == 0 {
		return ErrEmptyTicket
	}
	if len(p) > s.cfg.MaxTicketSize {
		return fmt.Errorf("%d bytes, max %d: %w", len(p), s.cfg.MaxTicketSize, ErrPayloadTooLarge)
	}
	return nil
}
