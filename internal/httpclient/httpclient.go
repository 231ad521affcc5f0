package httpclient

import (
	"net/http"
	"time"
)

// Default returns an HTTP client with timeouts so that a dead upstream
// doesn't hang a playlist fetch forever. Use for manifest polling and probes.
func Default() *http.Client {
	return &http.Client{
		Timeout: 60 * time.Second,
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       30 * time.Second,
		},
	}
}

// ForStreaming returns a client with no overall timeout (a segment fetch may
// legitimately run for a full segment duration) but ResponseHeaderTimeout so
// a stalled origin is still detected quickly.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: &http.Transport{
			ResponseHeaderTimeout: 15 * time.Second,
			ExpectContinueTimeout: 5 * time.Second,
			IdleConnTimeout:       90 * time.Second,
		},
	}
}

// WithTimeout returns a client like Default but with its own overall
// deadline, for calls that need a timeout shorter or longer than Default's.
func WithTimeout(d time.Duration) *http.Client {
	c := Default()
	c.Timeout = d
	return c
}
