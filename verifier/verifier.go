// Package verifier orchestrates DNS resolution, connection, and the SMTP
// session into a single deliverability check, synthesizing a Verdict from
// the target RCPT TO and a catch-all probe.
package verifier

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/oklog/ulid/v2"

	"github.com/verimx/verimx/conn"
	"github.com/verimx/verimx/dns"
	"github.com/verimx/verimx/response"
	"github.com/verimx/verimx/smtp"
)

// defaultConnectionLifetime is spec.md §6's TIMEOUTS.CONNECTION_LIFETIME
// default, applied as Verify's overall per-run ceiling.
const defaultConnectionLifetime = 30 * time.Second

// Status is the synthesized outcome of a verification run.
type Status int

const (
	Unknown Status = iota
	Valid
	Invalid
	CatchAll
	// Risky is retained for forward compatibility with a future
	// confidence-scored verdict; synthesizeVerdict never assigns it.
	Risky
)

func (s Status) String() string {
	switch s {
	case Valid:
		return "VALID"
	case Invalid:
		return "INVALID"
	case CatchAll:
		return "CATCH_ALL"
	case Risky:
		return "RISKY"
	default:
		return "UNKNOWN"
	}
}

// Details carries the SMTP-level evidence behind a Verdict.
type Details struct {
	SMTPCode       int
	SMTPMessage    string
	CatchAllActive bool
	Greylisted     bool
}

// Verdict is the fully classified result of one verification run.
type Verdict struct {
	Email   string
	Domain  string
	MX      string
	Status  Status
	Reason  string
	Details Details
}

// MXResolver is the subset of *dns.Resolver the verifier depends on,
// narrowed so tests can inject a fake resolver without a real DNS query.
type MXResolver interface {
	ResolveMX(ctx context.Context, domain string) ([]dns.MX, error)
}

// Options configures one Verify call. HELO, SMTPPort, ResponseTimeout, and
// ConnectionLifetime fall back to the config.DefaultConfig values when zero;
// see config.Config for the caller-facing builder.
type Options struct {
	HELO               string
	SMTPPort           int
	TCPConnectTimeout  time.Duration
	ResponseTimeout    time.Duration
	ConnectionLifetime time.Duration
	MinDelay           time.Duration
	MaxDelay           time.Duration
	Proxy              *conn.Proxy
	Resolver           MXResolver
	Logger             *slog.Logger
}

// Verify runs the full pipeline in spec for a single address: syntax gate,
// MX resolution, connect, EHLO, MAIL FROM, catch-all probe, target RCPT TO,
// QUIT, and verdict synthesis. It has no error result — every failure mode
// downgrades to an UNKNOWN or INVALID Verdict, matching
// the propagation policy that a verification run always produces a result.
func Verify(ctx context.Context, email string, opts Options) *Verdict {
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	traceID := ulid.Make().String()
	logger = logger.With(slog.String("trace_id", traceID))

	lifetime := opts.ConnectionLifetime
	if lifetime == 0 {
		lifetime = defaultConnectionLifetime
	}
	ctx, cancel := context.WithTimeout(ctx, lifetime)
	defer cancel()

	_, domain, ok := splitAddress(email)
	if !ok {
		logger.Warn("invalid address syntax", slog.String("email", email))
		return &Verdict{Email: email, Status: Invalid, Reason: "Invalid email syntax"}
	}

	logger.Info("resolving MX", slog.String("domain", domain))
	records, err := opts.Resolver.ResolveMX(ctx, domain)
	if err != nil || len(records) == 0 {
		if v := lifetimeVerdict(ctx, email, domain, "", logger); v != nil {
			return v
		}
		logger.Warn("MX resolution failed", slog.String("domain", domain), slog.Any("error", err))
		return &Verdict{Email: email, Domain: domain, Status: Invalid, Reason: "No MX records found"}
	}
	mx := records[0].Host

	port := opts.SMTPPort
	if port == 0 {
		port = 25
	}

	logger.Info("connecting", slog.String("mx", mx), slog.Int("port", port))
	outcome, err := conn.Connect(ctx, mx, port, opts.TCPConnectTimeout, opts.Proxy)
	if err != nil {
		if v := lifetimeVerdict(ctx, email, domain, mx, logger); v != nil {
			return v
		}
		logger.Warn("connection failed", slog.String("mx", mx), slog.Any("error", err))
		return &Verdict{Email: email, Domain: domain, MX: mx, Status: Unknown, Reason: err.Error()}
	}
	defer conn.Close(outcome.Conn)

	responseTimeout := opts.ResponseTimeout
	if responseTimeout == 0 {
		responseTimeout = 10 * time.Second
	}
	helo := opts.HELO
	if helo == "" {
		helo = "verify.example.com"
	}

	session := smtp.New(outcome.Conn, helo, responseTimeout, opts.MinDelay, opts.MaxDelay, logger)

	if _, err := session.Hello(ctx); err != nil {
		if v := lifetimeVerdict(ctx, email, domain, mx, logger); v != nil {
			return v
		}
		logger.Warn("EHLO/HELO failed", slog.Any("error", err))
		return &Verdict{Email: email, Domain: domain, MX: mx, Status: Unknown, Reason: err.Error()}
	}

	sender := fmt.Sprintf("verify@%s", domain)
	if _, err := session.MailFrom(ctx, sender); err != nil {
		if v := lifetimeVerdict(ctx, email, domain, mx, logger); v != nil {
			return v
		}
		logger.Warn("MAIL FROM failed", slog.Any("error", err))
		return &Verdict{Email: email, Domain: domain, MX: mx, Status: Unknown, Reason: err.Error()}
	}

	probeResp, err := session.RcptTo(ctx, probeAddress(domain))
	if err != nil {
		if v := lifetimeVerdict(ctx, email, domain, mx, logger); v != nil {
			return v
		}
		logger.Warn("catch-all probe failed", slog.Any("error", err))
		return &Verdict{Email: email, Domain: domain, MX: mx, Status: Unknown, Reason: err.Error()}
	}

	targetResp, err := session.RcptTo(ctx, email)
	if err != nil {
		if v := lifetimeVerdict(ctx, email, domain, mx, logger); v != nil {
			return v
		}
		logger.Warn("target RCPT TO failed", slog.Any("error", err))
		return &Verdict{Email: email, Domain: domain, MX: mx, Status: Unknown, Reason: err.Error()}
	}

	if v := lifetimeVerdict(ctx, email, domain, mx, logger); v != nil {
		return v
	}

	session.Quit(ctx)

	verdict := synthesizeVerdict(email, domain, mx, probeResp, targetResp)
	logger.Info("verdict", slog.String("status", verdict.Status.String()), slog.String("reason", verdict.Reason))
	return verdict
}

// lifetimeVerdict reports a timeout-class Verdict when ctx has already
// expired under the per-run ConnectionLifetime ceiling (spec.md §5), or nil
// if the caller should attribute the failure to whatever error it actually
// saw.
func lifetimeVerdict(ctx context.Context, email, domain, mx string, logger *slog.Logger) *Verdict {
	if !errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return nil
	}
	logger.Warn("connection lifetime ceiling exceeded", slog.String("email", email))
	return &Verdict{Email: email, Domain: domain, MX: mx, Status: Unknown, Reason: "Connection lifetime exceeded"}
}

// synthesizeVerdict applies spec.md §4.5's verdict table to the probe and
// target responses.
func synthesizeVerdict(email, domain, mx string, probe, target *response.Response) *Verdict {
	details := Details{
		SMTPCode:       target.Code,
		SMTPMessage:    target.Message,
		CatchAllActive: probe.IsSuccess(),
		Greylisted:     probe.IsTransient() || target.IsTransient(),
	}

	v := &Verdict{Email: email, Domain: domain, MX: mx, Details: details}

	switch {
	case probe.IsTransient() || target.IsTransient():
		v.Status = Unknown
		v.Reason = "Greylisted"
	case target.IsPermanent():
		v.Status = Invalid
		v.Reason = "Recipient rejected"
	case target.IsSuccess() && probe.IsSuccess():
		v.Status = CatchAll
		v.Reason = "Domain is Catch-All"
	case target.IsSuccess():
		v.Status = Valid
		v.Reason = "Recipient accepted"
	default:
		v.Status = Unknown
		v.Reason = fmt.Sprintf("unexpected response: %d %s", target.Code, target.Message)
	}

	return v
}

// splitAddress applies the minimal syntax gate from spec.md §4.5: exactly
// one '@', both sides non-empty.
func splitAddress(email string) (localPart, domain string, ok bool) {
	parts := strings.Split(email, "@")
	if len(parts) != 2 || parts[0] == "" || parts[1] == "" {
		return "", "", false
	}
	return parts[0], parts[1], true
}

// probeAddress builds the catch-all probe's recipient: a local part of
// "verify-" followed by 12 random hex characters, which could not plausibly
// be a real mailbox on the domain.
func probeAddress(domain string) string {
	buf := make([]byte, 6)
	if _, err := rand.Read(buf); err != nil {
		// crypto/rand failure is effectively unrecoverable; fall back to a
		// fixed-but-still-implausible local part rather than panicking.
		return fmt.Sprintf("verify-000000000000@%s", domain)
	}
	return fmt.Sprintf("verify-%s@%s", hex.EncodeToString(buf), domain)
}
