package llm

import (
	"context"
	"errors"
	"net"
	"net/http"
	"time"

	openai "github.com/sashabaranov/go-openai"
	"github.com/sirupsen/logrus"
	"github.com/sony/gobreaker"
	"golang.org/x/time/rate"

	"lab-assistant/pkg"
)

// ResilienceConfig bounds how the generator is called.
type ResilienceConfig struct {
	Timeout        time.Duration
	MaxRetries     int
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	RateLimit      float64 // calls per second, 0 disables limiting
	Burst          int
}

// withDefaults fills unset backoff and burst values.
func (c ResilienceConfig) withDefaults() ResilienceConfig {
	if c.InitialBackoff <= 0 {
		c.InitialBackoff = 500 * time.Millisecond
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = 8 * time.Second
	}
	if c.Burst <= 0 {
		c.Burst = 1
	}
	return c
}

// WorstCase is the longest a successful Generate can take: every attempt
// running into the timeout plus every backoff.  Rate limiting is not
// included.  Zero means unbounded.
func (c ResilienceConfig) WorstCase() time.Duration {
	if c.Timeout <= 0 {
		return 0
	}
	c = c.withDefaults()
	total := time.Duration(c.MaxRetries+1) * c.Timeout
	backoff := c.InitialBackoff
	for i := 0; i < c.MaxRetries; i++ {
		total += backoff
		backoff *= 2
		if backoff > c.MaxBackoff {
			backoff = c.MaxBackoff
		}
	}
	return total
}

// ResilientGenerator wraps a Generator with a rate limiter, a circuit
// breaker, a per-call timeout and bounded retries for transient failures.
type ResilientGenerator struct {
	next    Generator
	cfg     ResilienceConfig
	limiter *rate.Limiter
	breaker *gobreaker.CircuitBreaker
	logger  *logrus.Logger
	sleep   func(context.Context, time.Duration) error
}

// NewResilientGenerator wraps next.
func NewResilientGenerator(next Generator, cfg ResilienceConfig, logger *logrus.Logger) *ResilientGenerator {
	cfg = cfg.withDefaults()
	if logger == nil {
		logger = logrus.StandardLogger()
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.Burst)
	}
	breaker := gobreaker.NewCircuitBreaker(gobreaker.Settings{
		Name:        "generator",
		MaxRequests: 1,
		Interval:    60 * time.Second,
		Timeout:     30 * time.Second,
		ReadyToTrip: func(counts gobreaker.Counts) bool {
			return counts.ConsecutiveFailures >= 5
		},
		IsSuccessful: func(err error) bool {
			// Only upstream trouble should open the breaker.
			return err == nil || !transient(err)
		},
		OnStateChange: func(name string, from, to gobreaker.State) {
			logger.WithFields(logrus.Fields{
				"breaker": name,
				"from":    from.String(),
				"to":      to.String(),
			}).Warn("circuit breaker changed state")
		},
	})
	return &ResilientGenerator{
		next:    next,
		cfg:     cfg,
		limiter: limiter,
		breaker: breaker,
		logger:  logger,
		sleep:   sleepContext,
	}
}

// Generate calls the wrapped generator.  Non-transient failures are
// returned at once; transient ones are retried up to MaxRetries times.
func (g *ResilientGenerator) Generate(ctx context.Context, prompt string) (string, error) {
	backoff := g.cfg.InitialBackoff
	var lastErr error
	for attempt := 0; attempt <= g.cfg.MaxRetries; attempt++ {
		if attempt > 0 {
			g.logger.WithFields(logrus.Fields{
				"attempt": attempt,
				"backoff": backoff.String(),
			}).WithError(lastErr).Warn("retrying generation after transient failure")
			if err := g.sleep(ctx, backoff); err != nil {
				return "", &pkg.GenerationError{Detail: "cancelled while waiting to retry", Err: lastErr}
			}
			backoff *= 2
			if backoff > g.cfg.MaxBackoff {
				backoff = g.cfg.MaxBackoff
			}
		}
		text, err := g.once(ctx, prompt)
		if err == nil {
			return text, nil
		}
		lastErr = err
		if !transient(err) {
			break
		}
	}
	return "", asGenerationError(lastErr)
}

func (g *ResilientGenerator) once(ctx context.Context, prompt string) (string, error) {
	if g.limiter != nil {
		if err := g.limiter.Wait(ctx); err != nil {
			return "", &pkg.GenerationError{Detail: "rate limit wait aborted", Err: err}
		}
	}
	if g.cfg.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, g.cfg.Timeout)
		defer cancel()
	}
	out, err := g.breaker.Execute(func() (interface{}, error) {
		return g.next.Generate(ctx, prompt)
	})
	if err != nil {
		if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
			return "", &pkg.GenerationError{Detail: "generation service unavailable", Err: err}
		}
		return "", err
	}
	return out.(string), nil
}

// transient reports whether a failure is worth retrying: rate limiting,
// upstream 5xx responses and network errors.
func transient(err error) bool {
	if errors.Is(err, gobreaker.ErrOpenState) || errors.Is(err, gobreaker.ErrTooManyRequests) {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var apiErr *openai.APIError
	if errors.As(err, &apiErr) {
		return retryableStatus(apiErr.HTTPStatusCode)
	}
	var reqErr *openai.RequestError
	if errors.As(err, &reqErr) {
		return retryableStatus(reqErr.HTTPStatusCode)
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return true
	}
	return errors.Is(err, context.DeadlineExceeded)
}

func retryableStatus(code int) bool {
	return code == http.StatusTooManyRequests || code >= http.StatusInternalServerError
}

func asGenerationError(err error) error {
	var genErr *pkg.GenerationError
	if errors.As(err, &genErr) {
		return err
	}
	return &pkg.GenerationError{Detail: "upstream call failed", Err: err}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-t.C:
		return nil
	}
}
