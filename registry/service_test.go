package registry

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/benbjohnson/clock"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newTestService(t *testing.T, mutate func(*Config), opts ...Option) (*Service, *clock.Mock) {
	t.Helper()
	cfg := DefaultConfig()
	cfg.RegisterRate = 0
	if mutate != nil {
		mutate(&cfg)
	}
	clk := newMockClock()
	svc, err := NewService(cfg, append([]Option{WithClock(clk)}, opts...)...)
	require.NoError(t, err)
	return svc, clk
}

func TestService_RegisterResolveScenario(t *testing.T) {
	svc, clk := newTestService(t, func(c *Config) { c.TTL = 2 * time.Second })

	reg, err := svc.Register("10.0.0.1", []byte("abc"))
	require.NoError(t, err)
	assert.Len(t, reg.Code, DefaultCodeLength)
	assert.Equal(t, Words(reg.Code), reg.Words)
	assert.Equal(t, 2*time.Second, reg.ExpiresIn)

	ticket, err := svc.Resolve("10.0.0.2", reg.Code)
	require.NoError(t, err)
	assert.Equal(t, []byte("abc"), ticket)

	clk.Add(3 * time.Second)

	_, err = svc.Resolve("10.0.0.2", reg.Code)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_ResolveAcceptsWordsAndCase(t *testing.T) {
	svc, _ := newTestService(t, nil)

	reg, err := svc.Register("src", []byte("abc"))
	require.NoError(t, err)

	for _, input := range []string{reg.Words, " " + reg.Code + " ", toUpper(reg.Code)} {
		ticket, err := svc.Resolve("src", input)
		require.NoError(t, err, input)
		assert.Equal(t, []byte("abc"), ticket)
	}
}

func toUpper(s string) string {
	b := []byte(s)
	for i, c := range b {
		if c >= 'a' && c <= 'z' {
			b[i] = c - 'a' + 'A'
		}
	}
	return string(b)
}

func TestService_PayloadLimits(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) { c.MaxTicketSize = 64 })

	_, err := svc.Register("src", make([]byte, 64))
	require.NoError(t, err)

	_, err = svc.Register("src", make([]byte, 65))
	assert.ErrorIs(t, err, ErrPayloadTooLarge)

	_, err = svc.Register("src", nil)
	assert.ErrorIs(t, err, ErrEmptyTicket)
}

func TestService_InvalidCodeSkipsLimiterAndStore(t *testing.T) {
	gen := &seqGenerator{codes: []string{"k3j9qz"}}
	svc, _ := newTestService(t, func(c *Config) { c.RateLimit = 1 }, WithGenerator(gen))

	for _, code := range []string{"short", "toolong1", "k3j9q1", "K3J9Q!", "kilo-banana"} {
		_, err := svc.Resolve("src", code)
		assert.ErrorIs(t, err, ErrInvalidCode, code)
	}
	assert.Equal(t, 0, svc.limiter.Tracked())
	assert.Equal(t, 0, gen.calls)

	// The single allowed request is still available.
	_, err := svc.Register("src", []byte("abc"))
	require.NoError(t, err)
	_, err = svc.Resolve("src", "k3j9qz")
	assert.ErrorIs(t, err, ErrRateLimited)

	assert.Equal(t, 5.0, testutil.ToFloat64(svc.metrics.resolutions.WithLabelValues("invalid_code")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.resolutions.WithLabelValues("rate_limited")))
}

func TestService_RateLimited(t *testing.T) {
	svc, clk := newTestService(t, func(c *Config) {
		c.RateLimit = 2
		c.RateWindow = time.Minute
	})

	_, err := svc.Register("src", []byte("a"))
	require.NoError(t, err)
	_, err = svc.Register("src", []byte("b"))
	require.NoError(t, err)
	_, err = svc.Register("src", []byte("c"))
	assert.ErrorIs(t, err, ErrRateLimited)

	_, err = svc.Register("other", []byte("d"))
	require.NoError(t, err)

	clk.Add(3 * time.Minute)
	_, err = svc.Register("src", []byte("e"))
	require.NoError(t, err)

	assert.Equal(t, 4.0, testutil.ToFloat64(svc.metrics.registrations.WithLabelValues("ok")))
	assert.Equal(t, 1.0, testutil.ToFloat64(svc.metrics.registrations.WithLabelValues("rate_limited")))
}

func TestService_GlobalRegisterRate(t *testing.T) {
	svc, clk := newTestService(t, func(c *Config) { c.RegisterRate = 1 })

	_, err := svc.Register("a", []byte("x"))
	require.NoError(t, err)
	_, err = svc.Register("b", []byte("x"))
	assert.ErrorIs(t, err, ErrRateLimited)

	clk.Add(time.Second)
	_, err = svc.Register("c", []byte("x"))
	require.NoError(t, err)
}

func TestService_GlobalRejectionKeepsSourceBudget(t *testing.T) {
	svc, clk := newTestService(t, func(c *Config) {
		c.RegisterRate = 1
		c.RateLimit = 2
		c.RateWindow = time.Minute
	})

	_, err := svc.Register("src", []byte("a"))
	require.NoError(t, err)
	_, err = svc.Register("src", []byte("b"))
	assert.ErrorIs(t, err, ErrRateLimited)

	clk.Add(time.Second)
	_, err = svc.Register("src", []byte("c"))
	require.NoError(t, err, "globally rejected request used up the source window")
}

func TestService_ForcedCollision(t *testing.T) {
	gen := &seqGenerator{codes: []string{"aaaaaa", "aaaaaa", "bbbbbb"}}
	svc, _ := newTestService(t, nil, WithGenerator(gen))

	first, err := svc.Register("src", []byte("one"))
	require.NoError(t, err)
	second, err := svc.Register("src", []byte("two"))
	require.NoError(t, err)

	assert.NotEqual(t, first.Code, second.Code)
	assert.Equal(t, uint64(1), svc.store.Collisions())
}

func TestService_CodeSpaceExhausted(t *testing.T) {
	svc, _ := newTestService(t, nil, WithGenerator(&seqGenerator{codes: []string{"aaaaaa"}}))

	_, err := svc.Register("src", []byte("one"))
	require.NoError(t, err)
	_, err = svc.Register("src", []byte("two"))
	assert.ErrorIs(t, err, ErrCodeSpaceExhausted)
}

func TestService_SingleUseConcurrent(t *testing.T) {
	svc, _ := newTestService(t, func(c *Config) {
		c.SingleUse = true
		c.RateLimit = 0
	})

	reg, err := svc.Register("src", []byte("abc"))
	require.NoError(t, err)

	const n = 32
	errs := make([]error, n)
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			_, errs[i] = svc.Resolve("src", reg.Code)
		}(i)
	}
	wg.Wait()

	ok := 0
	for _, err := range errs {
		if err == nil {
			ok++
			continue
		}
		assert.ErrorIs(t, err, ErrNotFound)
	}
	assert.Equal(t, 1, ok)
}

func TestService_AnswerRoundTrip(t *testing.T) {
	svc, _ := newTestService(t, nil)

	reg, err := svc.Register("sender", []byte("offer"))
	require.NoError(t, err)

	_, err = svc.AwaitAnswer(context.Background(), reg.Code, reg.OwnerToken, 20*time.Millisecond)
	assert.ErrorIs(t, err, ErrAnswerPending)

	_, err = svc.Resolve("receiver", reg.Code)
	require.NoError(t, err)
	require.NoError(t, svc.PostAnswer("receiver", reg.Words, []byte("answer")))
	assert.ErrorIs(t, svc.PostAnswer("receiver", reg.Code, []byte("again")), ErrAnswerExists)

	answer, err := svc.AwaitAnswer(context.Background(), reg.Code, reg.OwnerToken, time.Second)
	require.NoError(t, err)
	assert.Equal(t, []byte("answer"), answer)

	_, err = svc.AwaitAnswer(context.Background(), reg.Code, "wrong", time.Second)
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestService_AwaitAnswerCallerCancelled(t *testing.T) {
	svc, _ := newTestService(t, nil)

	reg, err := svc.Register("sender", []byte("offer"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err = svc.AwaitAnswer(ctx, reg.Code, reg.OwnerToken, time.Second)
	assert.ErrorIs(t, err, context.Canceled)
}

func TestService_RunSweeper(t *testing.T) {
	svc, clk := newTestService(t, func(c *Config) { c.TTL = 2 * time.Second })

	_, err := svc.Register("src", []byte("abc"))
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan struct{})
	go func() {
		svc.RunSweeper(ctx)
		close(done)
	}()

	// Let the sweeper create its ticker before time moves.
	time.Sleep(20 * time.Millisecond)
	clk.Add(3 * time.Second)

	require.Eventually(t, func() bool {
		return testutil.ToFloat64(svc.metrics.swept) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	<-done
}

func TestNewService_InvalidConfig(t *testing.T) {
	cfg := DefaultConfig()
	cfg.Alphabet = "aa"
	_, err := NewService(cfg)
	assert.Error(t, err)
}
