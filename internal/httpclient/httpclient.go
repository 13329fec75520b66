package httpclient

import (
	"log"
	"net/http"
	"time"

	"golang.org/x/net/http2"
)

// Default returns an HTTP client with timeouts so that dead upstreams don't hang tuner slots
// or a DVB-over-HTTP driver's control calls forever.
func Default() *http.Client {
	return &http.Client{
		Timeout:   60 * time.Second,
		Transport: newTransport(30 * time.Second),
	}
}

// ForStreaming returns a client with no overall timeout (the stream may be long-lived) but
// ResponseHeaderTimeout so that failover can happen when the upstream never responds.
func ForStreaming() *http.Client {
	return &http.Client{
		Transport: newTransport(90 * time.Second),
	}
}

// newTransport builds the *http.Transport both clients share, then upgrades
// it to HTTP/2 where the upstream supports it (some network-attached DVB
// tuners front their HTTP control surface with an h2-capable reverse proxy).
func newTransport(idleConnTimeout time.Duration) *http.Transport {
	t := &http.Transport{
		ResponseHeaderTimeout: 15 * time.Second,
		ExpectContinueTimeout: 5 * time.Second,
		IdleConnTimeout:       idleConnTimeout,
	}
	if err := http2.ConfigureTransport(t); err != nil {
		log.Printf("httpclient: http2 not configured: %v", err)
	}
	return t
}
