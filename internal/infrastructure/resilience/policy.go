package resilience

import "time"

// Dependency names a remote collaborator of the evidence pipeline.
type Dependency string

const (
	DependencyLLM    Dependency = "llm"
	DependencyVector Dependency = "vector"
	DependencyRerank Dependency = "rerank"
	DependencyAudit  Dependency = "audit"
)

type Config struct {
	RetryMaxAttempts    int
	RetryInitialBackoff time.Duration
	RetryMaxBackoff     time.Duration
	RetryMultiplier     float64

	BreakerEnabled          bool
	BreakerMinRequests      uint32
	BreakerFailureRatio     float64
	BreakerOpenTimeout      time.Duration
	BreakerHalfOpenMaxCalls uint32
}

func DefaultConfig() Config {
	return Config{
		RetryMaxAttempts:    3,
		RetryInitialBackoff: 100 * time.Millisecond,
		RetryMaxBackoff:     400 * time.Millisecond,
		RetryMultiplier:     2.0,

		BreakerEnabled:          true,
		BreakerMinRequests:      10,
		BreakerFailureRatio:     0.5,
		BreakerOpenTimeout:      30 * time.Second,
		BreakerHalfOpenMaxCalls: 2,
	}
}

// ConfigFor returns the policy for dep. Rerank providers sit inside a short
// per-provider timeout and have fallbacks, so they get a single attempt and a
// breaker that trips early. Audit publishing is best effort.
func ConfigFor(dep Dependency) Config {
	cfg := DefaultConfig()
	switch dep {
	case DependencyRerank:
		cfg.RetryMaxAttempts = 1
		cfg.BreakerMinRequests = 5
		cfg.BreakerOpenTimeout = 15 * time.Second
	case DependencyAudit:
		cfg.RetryMaxAttempts = 2
		cfg.RetryMaxBackoff = 200 * time.Millisecond
	case DependencyVector:
		cfg.RetryInitialBackoff = 50 * time.Millisecond
		cfg.RetryMaxBackoff = 200 * time.Millisecond
	}
	return cfg
}

// CapAttempts lowers the retry budget to limit when limit is positive and smaller.
func (c Config) CapAttempts(limit int) Config {
	if limit > 0 && limit < c.RetryMaxAttempts {
		c.RetryMaxAttempts = limit
	}
	return c
}

func (c Config) normalize() Config {
	def := DefaultConfig()

	if c.RetryMaxAttempts <= 0 {
		c.RetryMaxAttempts = def.RetryMaxAttempts
	}
	if c.RetryInitialBackoff <= 0 {
		c.RetryInitialBackoff = def.RetryInitialBackoff
	}
	if c.RetryMaxBackoff < c.RetryInitialBackoff {
		c.RetryMaxBackoff = max(def.RetryMaxBackoff, c.RetryInitialBackoff)
	}
	if c.RetryMultiplier < 1.0 {
		c.RetryMultiplier = def.RetryMultiplier
	}

	if c.BreakerMinRequests == 0 {
		c.BreakerMinRequests = def.BreakerMinRequests
	}
	if c.BreakerFailureRatio <= 0 || c.BreakerFailureRatio > 1 {
		c.BreakerFailureRatio = def.BreakerFailureRatio
	}
	if c.BreakerOpenTimeout <= 0 {
		c.BreakerOpenTimeout = def.BreakerOpenTimeout
	}
	if c.BreakerHalfOpenMaxCalls == 0 {
		c.BreakerHalfOpenMaxCalls = def.BreakerHalfOpenMaxCalls
	}
	return c
}
