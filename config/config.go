// Package config holds the frozen, immutable configuration for a
// verification run: timeouts, SMTP port and HELO name, delay bounds, DNS
// nameserver tiers, proxy, and logger.
package config

import (
	"log/slog"
	"time"

	"github.com/verimx/verimx/conn"
	"github.com/verimx/verimx/dns"
)

// Config is immutable once returned by DefaultConfig/New — no field is
// mutated after construction. Callers who need a variant build one with
// New and With... options; New returns a new value.
type Config struct {
	DNSLookupTimeout     time.Duration
	TCPConnectTimeout    time.Duration
	SMTPResponseTimeout  time.Duration
	ConnectionLifetime   time.Duration
	SMTPPort             int
	MinDelay, MaxDelay   time.Duration
	DefaultHELO          string
	DNSTiers             []dns.Tier
	Proxy                *conn.Proxy
	Logger               *slog.Logger
}

// DefaultConfig returns the frozen defaults from spec.md §6.
func DefaultConfig() Config {
	return Config{
		DNSLookupTimeout:    5000 * time.Millisecond,
		TCPConnectTimeout:   5000 * time.Millisecond,
		SMTPResponseTimeout: 10000 * time.Millisecond,
		ConnectionLifetime:  30000 * time.Millisecond,
		SMTPPort:            25,
		MinDelay:            100 * time.Millisecond,
		MaxDelay:            800 * time.Millisecond,
		DefaultHELO:         "verify.example.com",
		DNSTiers: []dns.Tier{
			{Name: "default", Nameservers: []string{"1.1.1.1:53", "8.8.8.8:53"}},
		},
		Logger: slog.Default(),
	}
}

// Option overrides a single field of a Config copy, leaving the receiver
// untouched — the functional-option analogue of the teacher's fluent
// server builder, generalized since this package has no incrementally
// configured listener.
type Option func(*Config)

// New builds a Config from DefaultConfig with opts applied in order.
func New(opts ...Option) Config {
	c := DefaultConfig()
	for _, opt := range opts {
		opt(&c)
	}
	return c
}

// WithTimeout overrides the SMTP per-command/response timeout.
func WithTimeout(d time.Duration) Option {
	return func(c *Config) { c.SMTPResponseTimeout = d }
}

// WithDNSLookupTimeout overrides the per-query DNS timeout.
func WithDNSLookupTimeout(d time.Duration) Option {
	return func(c *Config) { c.DNSLookupTimeout = d }
}

// WithTCPConnectTimeout overrides the direct-dial TCP connect timeout.
func WithTCPConnectTimeout(d time.Duration) Option {
	return func(c *Config) { c.TCPConnectTimeout = d }
}

// WithConnectionLifetime overrides the per-verification-run ceiling applied
// across DNS resolution, connect, and the SMTP session.
func WithConnectionLifetime(d time.Duration) Option {
	return func(c *Config) { c.ConnectionLifetime = d }
}

// WithDelayBounds overrides the [min,max] envelope the SMTP session clamps
// its pre-command jitter sleeps into.
func WithDelayBounds(min, max time.Duration) Option {
	return func(c *Config) { c.MinDelay, c.MaxDelay = min, max }
}

// WithProxy routes all connections through a SOCKS5 proxy.
func WithProxy(p *conn.Proxy) Option {
	return func(c *Config) { c.Proxy = p }
}

// WithHELO overrides the HELO/EHLO hostname sent to exchangers.
func WithHELO(helo string) Option {
	return func(c *Config) { c.DefaultHELO = helo }
}

// WithDNSTiers overrides the primary/fallback/secondary nameserver tiers.
func WithDNSTiers(tiers []dns.Tier) Option {
	return func(c *Config) { c.DNSTiers = tiers }
}

// WithLogger overrides the structured logger used throughout the pipeline.
func WithLogger(logger *slog.Logger) Option {
	return func(c *Config) { c.Logger = logger }
}

// WithSMTPPort overrides the SMTP port dialed on each exchanger (default 25).
func WithSMTPPort(port int) Option {
	return func(c *Config) { c.SMTPPort = port }
}
