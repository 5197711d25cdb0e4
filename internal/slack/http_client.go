package slack

import (
	"net"
	"net/http"
	"time"
)

// NewHTTPClient creates an HTTP client tuned for the Slack Web API:
// connection pooling, keep-alive, and timeouts on every stage so a
// stalled call can never hang a reconciliation pipeline.
func NewHTTPClient() *http.Client {
	transport := &http.Transport{
		MaxIdleConns:        50,
		MaxIdleConnsPerHost: 10,
		MaxConnsPerHost:     20,
		IdleConnTimeout:     90 * time.Second,

		DialContext: (&net.Dialer{
			Timeout:   10 * time.Second,
			KeepAlive: 30 * time.Second,
		}).DialContext,

		TLSHandshakeTimeout:   10 * time.Second,
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 1 * time.Second,

		ForceAttemptHTTP2: true,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   30 * time.Second,
	}
}

// RetryConfig holds configuration for exponential backoff. The engine
// never retries inside a tick; this drives Socket Mode reconnects.
type RetryConfig struct {
	InitialBackoff time.Duration
	MaxBackoff     time.Duration
	Multiplier     float64
	Jitter         bool
}

func DefaultRetryConfig() RetryConfig {
	return RetryConfig{
		InitialBackoff: 1 * time.Second,
		MaxBackoff:     60 * time.Second,
		Multiplier:     2.0,
		Jitter:         true,
	}
}

// CalculateBackoff returns the wait before the given attempt,
// exponential with an upper bound and a deterministic jitter.
func CalculateBackoff(cfg RetryConfig, attempt int) time.Duration {
	backoff := cfg.InitialBackoff
	for i := 0; i < attempt; i++ {
		backoff = time.Duration(float64(backoff) * cfg.Multiplier)
		if backoff > cfg.MaxBackoff {
			backoff = cfg.MaxBackoff
			break
		}
	}

	if cfg.Jitter && backoff > 0 {
		jitterRange := int64(backoff) / 4
		if jitterRange > 0 {
			jitter := time.Duration((int64(attempt) * 137) % jitterRange)
			backoff += jitter
		}
	}

	return backoff
}
