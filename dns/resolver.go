// Package dns resolves MX records for a domain across a tiered set of
// nameservers with retry and exponential backoff, per spec.md §4.2.
package dns

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"regexp"
	"sort"
	"strings"
	"time"

	mdns "github.com/miekg/dns"
	"golang.org/x/net/idna"
)

// MX is a resolved mail exchanger, ascending priority meaning "try first".
type MX struct {
	Host     string
	Priority uint16
}

// Tier is one nameserver set to try before failing over to the next.
type Tier struct {
	Name        string
	Nameservers []string
}

// domainRE matches spec.md §4.2's basic label grammar: labels of 1-63 LDH
// characters, at least one dot, checked after IDN normalization.
var domainRE = regexp.MustCompile(`^([a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?\.)+[a-zA-Z0-9]([a-zA-Z0-9-]{0,61}[a-zA-Z0-9])?$`)

const (
	defaultRetries      = 2 // retries+1 == 3 attempts
	defaultQueryTimeout = 5 * time.Second
	backoffBase         = 500 * time.Millisecond
)

// exchanger is the subset of *mdns.Client this package depends on, narrowed
// so tests can substitute a fake nameserver without opening a real socket.
type exchanger interface {
	ExchangeContext(ctx context.Context, m *mdns.Msg, address string) (*mdns.Msg, time.Duration, error)
}

// Resolver resolves MX records over a set of nameserver tiers.
type Resolver struct {
	tiers        []Tier
	client       exchanger
	queryTimeout time.Duration
	logger       *slog.Logger
}

// New builds a Resolver over the given tiers, tried in order. If tiers is
// empty, a single tier backed by Cloudflare/Google public DNS is used. If
// lookupTimeout is zero, defaultQueryTimeout (spec.md §6's DNSLookupTimeout
// default) is used.
func New(tiers []Tier, lookupTimeout time.Duration, logger *slog.Logger) *Resolver {
	if len(tiers) == 0 {
		tiers = []Tier{{Name: "default", Nameservers: []string{"1.1.1.1:53", "8.8.8.8:53"}}}
	}
	if lookupTimeout == 0 {
		lookupTimeout = defaultQueryTimeout
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Resolver{
		tiers:        tiers,
		client:       &mdns.Client{Timeout: lookupTimeout},
		queryTimeout: lookupTimeout,
		logger:       logger,
	}
}

// newWithExchanger is used by tests to inject a fake nameserver exchanger.
func newWithExchanger(tiers []Tier, client exchanger) *Resolver {
	return &Resolver{tiers: tiers, client: client, queryTimeout: defaultQueryTimeout, logger: slog.Default()}
}

// ResolveMX resolves domain's MX records, validating and IDN-normalizing
// the domain first, then trying each nameserver tier in order with
// per-tier retry and exponential backoff.
func (r *Resolver) ResolveMX(ctx context.Context, domain string) ([]MX, error) {
	ascii, err := normalizeDomain(domain)
	if err != nil {
		return nil, newError(InvalidDomain, domain, "domain failed syntax validation", err)
	}

	var lastErr *Error
	for i, tier := range r.tiers {
		records, err := r.resolveTier(ctx, ascii, tier)
		if err == nil {
			sortMX(records)
			return records, nil
		}

		var derr *Error
		if errors.As(err, &derr) {
			lastErr = derr
		} else {
			lastErr = newError(SoftFail, ascii, err.Error(), err)
		}

		if !lastErr.Kind.Retryable() {
			// Hard fail, invalid domain, or empty answer short-circuits all tiers.
			return nil, lastErr
		}

		r.logger.Debug("dns tier exhausted, failing over",
			slog.String("domain", ascii),
			slog.Int("tier", i+1),
			slog.String("kind", lastErr.Kind.String()))
	}

	return nil, lastErr
}

// resolveTier performs up to defaultRetries+1 attempts against one tier's
// nameservers, backing off exponentially between soft-fail attempts.
func (r *Resolver) resolveTier(ctx context.Context, domain string, tier Tier) ([]MX, error) {
	var lastErr error

	for attempt := 1; attempt <= defaultRetries+1; attempt++ {
		records, err := r.queryOnce(ctx, domain, tier.Nameservers)
		if err == nil {
			return records, nil
		}

		var derr *Error
		if errors.As(err, &derr) && !derr.Kind.Retryable() {
			return nil, err
		}

		lastErr = err
		if attempt > defaultRetries {
			break
		}

		backoff := backoffBase * time.Duration(1<<(attempt-1))
		select {
		case <-ctx.Done():
			return nil, newError(Timeout, domain, "context cancelled during backoff", ctx.Err())
		case <-time.After(backoff):
		}
	}

	return nil, lastErr
}

// queryOnce races a single MX query against an independent r.queryTimeout
// timer (5s by default), shared by the tier's nameservers, and
// classifies the result per spec.md §4.2's rcode/timeout table.
func (r *Resolver) queryOnce(ctx context.Context, domain string, nameservers []string) ([]MX, error) {
	if len(nameservers) == 0 {
		return nil, newError(SoftFail, domain, "no nameservers configured", nil)
	}

	qctx, cancel := context.WithTimeout(ctx, r.queryTimeout)
	defer cancel()

	m := new(mdns.Msg)
	m.SetQuestion(ensureFQDN(domain), mdns.TypeMX)
	m.RecursionDesired = true

	var lastErr error
	for _, server := range nameservers {
		resp, _, err := r.client.ExchangeContext(qctx, m, server)
		if err != nil {
			if qctx.Err() != nil {
				return nil, newError(Timeout, domain, "query timed out", err)
			}
			lastErr = newError(SoftFail, domain, "exchange failed", err)
			continue
		}

		switch resp.Rcode {
		case mdns.RcodeSuccess:
			records := extractMX(resp)
			if len(records) == 0 {
				return nil, newError(NoMXRecords, domain, "no MX records in answer", nil)
			}
			return records, nil
		case mdns.RcodeNameError:
			return nil, newError(HardFail, domain, "NXDOMAIN", nil)
		case mdns.RcodeServerFailure:
			lastErr = newError(SoftFail, domain, "SERVFAIL", nil)
		case mdns.RcodeRefused:
			lastErr = newError(SoftFail, domain, "REFUSED", nil)
		default:
			lastErr = newError(SoftFail, domain, fmt.Sprintf("unexpected rcode %d", resp.Rcode), nil)
		}
	}

	if lastErr == nil {
		lastErr = newError(SoftFail, domain, "all nameservers exhausted", nil)
	}
	return nil, lastErr
}

func extractMX(resp *mdns.Msg) []MX {
	records := make([]MX, 0, len(resp.Answer))
	for _, rr := range resp.Answer {
		if mx, ok := rr.(*mdns.MX); ok {
			records = append(records, MX{
				Host:     strings.TrimSuffix(mx.Mx, "."),
				Priority: mx.Preference,
			})
		}
	}
	return records
}

func sortMX(records []MX) {
	sort.SliceStable(records, func(i, j int) bool {
		return records[i].Priority < records[j].Priority
	})
}

func ensureFQDN(domain string) string {
	if strings.HasSuffix(domain, ".") {
		return domain
	}
	return domain + "."
}

// normalizeDomain converts an internationalized domain to its ASCII
// (punycode) form and validates it against the LDH-label grammar.
func normalizeDomain(domain string) (string, error) {
	domain = strings.TrimSpace(domain)
	if domain == "" {
		return "", errors.New("empty domain")
	}

	ascii, err := idna.Lookup.ToASCII(domain)
	if err != nil {
		return "", fmt.Errorf("idna conversion failed: %w", err)
	}

	if len(ascii) > 253 || !domainRE.MatchString(ascii) {
		return "", fmt.Errorf("domain %q failed syntax validation", domain)
	}

	return ascii, nil
}
