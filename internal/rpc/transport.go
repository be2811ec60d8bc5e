// Package rpc is the HTTP transport between a client and a ledger node:
// the wire shapes, the node client, and the transport tuning used for
// local development.
package rpc

import (
	"math/rand"
	"net/http"
	"time"
)

// NetworkConfig tunes the HTTP transport used to reach the node. The
// delay settings simulate network latency so local runs against an
// in-process node behave more like a remote one.
type NetworkConfig struct {
	DelayEnabled bool `json:"delay_enabled"`
	MinDelayMs   int  `json:"min_delay_ms"`
	MaxDelayMs   int  `json:"max_delay_ms"`
}

// delayedTransport sleeps a random duration within the configured range
// before each request.
type delayedTransport struct {
	base http.RoundTripper
	min  time.Duration
	max  time.Duration
}

func (d *delayedTransport) RoundTrip(req *http.Request) (*http.Response, error) {
	delay := d.min
	if d.max > d.min {
		delay += time.Duration(rand.Int63n(int64(d.max - d.min)))
	}
	time.Sleep(delay)
	return d.base.RoundTrip(req)
}

// NewHTTPClient builds the HTTP client the node client rides on, with
// latency simulation when the config asks for it.
func NewHTTPClient(config NetworkConfig, timeout time.Duration) *http.Client {
	transport := http.DefaultTransport
	if config.DelayEnabled {
		transport = &delayedTransport{
			base: http.DefaultTransport,
			min:  time.Duration(config.MinDelayMs) * time.Millisecond,
			max:  time.Duration(config.MaxDelayMs) * time.Millisecond,
		}
	}
	return &http.Client{
		Transport: transport,
		Timeout:   timeout,
	}
}
