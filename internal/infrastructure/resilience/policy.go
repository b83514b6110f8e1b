package resilience

import "time"

type BackoffMode string

const (
	// BackoffExponential multiplies the delay by RetryMultiplier after each attempt.
	BackoffExponential BackoffMode = "exponential"
	// BackoffLinear waits RetryInitialBackoff * attempt before the next attempt.
	BackoffLinear BackoffMode = "linear"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64
	RetryBackoff        BackoffMode

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32

	// OnRetry is called before every wait between attempts.
	OnRetry func(operation string, attempt int, err error)
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,
		RetryBackoff:        BackoffExponential,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// LinearConfig retries up to attempts times, waiting base*attempt in between.
func LinearConfig(attempts int, base time.Duration) Config {
	cfg := DefaultConfig()
	cfg.RetryMaxAttempts = attempts
	cfg.RetryInitialBackoff = base
	cfg.RetryMaxBackoff = base * time.Duration(max(attempts-1, 1))
	cfg.RetryBackoff = BackoffLinear
	cfg.BreakerEnabled = false
	return cfg
}

func (c Config) normalize() Config {
	out := c
	def := DefaultConfig()

	if out.RetryMaxAttempts <= 0 {
		out.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if out.RetryInitialBackoff <= 0 {
		out.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if out.RetryBackoff == "" {
		out.RetryBackoff = def.RetryBackoff
	}
	if out.RetryBackoff == BackoffLinear {
		longest := out.RetryInitialBackoff * time.Duration(max(out.RetryMaxAttempts-1, 1))
		if out.RetryMaxBackoff < longest {
			out.RetryMaxBackoff = longest
		}
	}
	if out.RetryMaxBackoff <= 0 {
		out.RetryMaxBackoff = def.RetryMaxBackoff
	}
	if out.RetryMaxBackoff < out.RetryInitialBackoff {
		out.RetryMaxBackoff = out.RetryInitialBackoff
	}
	if out.RetryMultiplier < 1.0 {
		out.RetryMultiplier = def.RetryMultiplier
	}

	if out.BreakerMinRequests == 0 {
		out.BreakerMinRequests = def.BreakerMinRequests
	}
	if out.BreakerFailureRatio <= 0 || out.BreakerFailureRatio > 1 {
		out.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if out.BreakerOpenTimeout <= 0 {
		out.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if out.BreakerHalfOpenMaxCalls == 0 {
		out.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}

	return out
}

// backoffFor returns the wait after the given failed attempt (1-based).
func (c Config) backoffFor(attempt int) time.Duration {
	var wait time.Duration
	switch c.RetryBackoff {
	case BackoffLinear:
		wait = c.RetryInitialBackoff * time.Duration(attempt)
	default:
		wait = c.RetryInitialBackoff
		for i := 1; i < attempt; i++ {
			wait = time.Duration(float64(wait) * c.RetryMultiplier)
			if wait > c.RetryMaxBackoff {
				break
			}
		}
	}
	if wait > c.RetryMaxBackoff {
		wait = c.RetryMaxBackoff
	}
	return wait
}
