// Package httpclient builds http.Clients whose every phase is bounded, so a
// hung upstream can only stall the request that touched it.
package httpclient

import (
	"net"
	"net/http"
	"time"
)

type Config struct {
	DialTimeout           time.Duration
	TLSHandshakeTimeout   time.Duration
	ResponseHeaderTimeout time.Duration
	Timeout               time.Duration
	MaxIdleConnsPerHost   int
}

func DefaultConfig() Config {
	return Config{
		DialTimeout:           5 * time.Second,
		TLSHandshakeTimeout:   5 * time.Second,
		ResponseHeaderTimeout: 10 * time.Second,
		Timeout:               15 * time.Second,
		MaxIdleConnsPerHost:   8,
	}
}

// WithTimeout returns the default config with a different total timeout.
func WithTimeout(total time.Duration) Config {
	cfg := DefaultConfig()
	if total > 0 {
		cfg.Timeout = total
		if cfg.ResponseHeaderTimeout > total {
			cfg.ResponseHeaderTimeout = total
		}
	}
	return cfg
}

func New(cfg Config) *http.Client {
	def := DefaultConfig()
	if cfg.DialTimeout == 0 {
		cfg.DialTimeout = def.DialTimeout
	}
	if cfg.TLSHandshakeTimeout == 0 {
		cfg.TLSHandshakeTimeout = def.TLSHandshakeTimeout
	}
	if cfg.ResponseHeaderTimeout == 0 {
		cfg.ResponseHeaderTimeout = def.ResponseHeaderTimeout
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = def.Timeout
	}
	if cfg.MaxIdleConnsPerHost == 0 {
		cfg.MaxIdleConnsPerHost = def.MaxIdleConnsPerHost
	}

	transport := &http.Transport{
		Proxy: http.ProxyFromEnvironment,
		DialContext: (&net.Dialer{
			Timeout:   cfg.DialTimeout,
			KeepAlive: 30 * time.Second,
		}).DialContext,
		TLSHandshakeTimeout:   cfg.TLSHandshakeTimeout,
		ResponseHeaderTimeout: cfg.ResponseHeaderTimeout,
		MaxIdleConnsPerHost:   cfg.MaxIdleConnsPerHost,
		IdleConnTimeout:       90 * time.Second,
	}

	return &http.Client{
		Transport: transport,
		Timeout:   cfg.Timeout,
	}
}
