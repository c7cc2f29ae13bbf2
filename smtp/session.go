// Package smtp drives the client side of an RFC 5321 conversation
// (EHLO/HELO, MAIL FROM, RCPT TO, QUIT) over an already-connected socket,
// as a strictly linear state machine.
package smtp

import (
	"context"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"net"
	"time"

	"github.com/verimx/verimx/response"
)

// State is one node of the session's linear state machine.
type State int

const (
	Disconnected State = iota
	Connected
	HelloSent
	MailFromSent
	RcptToSent
	QuitSent
)

func (s State) String() string {
	switch s {
	case Disconnected:
		return "DISCONNECTED"
	case Connected:
		return "CONNECTED"
	case HelloSent:
		return "HELLO_SENT"
	case MailFromSent:
		return "MAIL_FROM_SENT"
	case RcptToSent:
		return "RCPT_TO_SENT"
	case QuitSent:
		return "QUIT_SENT"
	default:
		return "UNKNOWN"
	}
}

// jitter bands, in milliseconds, per spec.md §4.4's recommended values.
// Each is clamped into the session's configured [minDelay, maxDelay]
// envelope (spec.md §6's SMTP.MIN_DELAY/MAX_DELAY) before sleeping, so a
// caller-supplied delay override is never silently ignored.
var (
	jitterEHLO     = [2]int{100, 500}
	jitterHELO     = [2]int{200, 400}
	jitterMailFrom = [2]int{150, 800}
	jitterRcptTo   = [2]int{100, 600}
)

const (
	defaultMinDelay = 100 * time.Millisecond
	defaultMaxDelay = 800 * time.Millisecond
)

// Session drives one SMTP conversation over conn. It owns the read buffer
// and re-parses it from the start on every read, per this repository's
// resolution of the framing ambiguity: only a fully framed response
// consumes (resets) the buffer, because this protocol never pipelines
// commands — each write has exactly one reply before the next write.
type Session struct {
	conn            net.Conn
	hostname        string
	responseTimeout time.Duration
	minDelay        time.Duration
	maxDelay        time.Duration
	logger          *slog.Logger

	state State
	buf   []byte
}

// New wraps an already-connected, already-greeted socket (see conn.Connect)
// in a Session starting in the Connected state. minDelay/maxDelay bound the
// pre-command jitter sleeps (spec.md §6's SMTP.MIN_DELAY/MAX_DELAY); zero
// values fall back to the spec's 100ms/800ms defaults.
func New(c net.Conn, hostname string, responseTimeout, minDelay, maxDelay time.Duration, logger *slog.Logger) *Session {
	if logger == nil {
		logger = slog.Default()
	}
	if minDelay == 0 {
		minDelay = defaultMinDelay
	}
	if maxDelay == 0 {
		maxDelay = defaultMaxDelay
	}
	return &Session{
		conn:            c,
		hostname:        hostname,
		responseTimeout: responseTimeout,
		minDelay:        minDelay,
		maxDelay:        maxDelay,
		logger:          logger,
		state:           Connected,
	}
}

// State returns the session's current state.
func (s *Session) State() State { return s.state }

// Hello sends EHLO, falling back to HELO on {500, 501, 502}.
func (s *Session) Hello(ctx context.Context) (*response.Response, error) {
	if s.state != Connected {
		return nil, &ProtocolError{State: s.state, Command: "EHLO"}
	}

	s.sleepJitter(ctx, jitterEHLO)
	resp, err := s.command(ctx, fmt.Sprintf("EHLO %s", s.hostname))
	if err != nil {
		return nil, err
	}

	if resp.IsSuccess() {
		s.state = HelloSent
		return resp, nil
	}

	if resp.Code != 500 && resp.Code != 501 && resp.Code != 502 {
		return nil, fmt.Errorf("%w: EHLO rejected with %d %s", ErrHandshakeFailed, resp.Code, resp.Message)
	}

	s.sleepJitter(ctx, jitterHELO)
	resp, err = s.command(ctx, fmt.Sprintf("HELO %s", s.hostname))
	if err != nil {
		return nil, err
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("%w: HELO rejected with %d %s", ErrHandshakeFailed, resp.Code, resp.Message)
	}

	s.state = HelloSent
	return resp, nil
}

// MailFrom sends "MAIL FROM:<sender>".
func (s *Session) MailFrom(ctx context.Context, sender string) (*response.Response, error) {
	if s.state != HelloSent {
		return nil, &ProtocolError{State: s.state, Command: "MAIL FROM"}
	}

	s.sleepJitter(ctx, jitterMailFrom)
	resp, err := s.command(ctx, fmt.Sprintf("MAIL FROM:<%s>", sender))
	if err != nil {
		return nil, err
	}

	s.state = MailFromSent
	return resp, nil
}

// RcptTo sends "RCPT TO:<recipient>". It self-loops in RcptToSent, so it
// may be called repeatedly — once for the catch-all probe, once for the
// real target.
func (s *Session) RcptTo(ctx context.Context, recipient string) (*response.Response, error) {
	if s.state != MailFromSent && s.state != RcptToSent {
		return nil, &ProtocolError{State: s.state, Command: "RCPT TO"}
	}

	s.sleepJitter(ctx, jitterRcptTo)
	resp, err := s.command(ctx, fmt.Sprintf("RCPT TO:<%s>", recipient))
	if err != nil {
		return nil, err
	}

	s.state = RcptToSent
	return resp, nil
}

// Quit writes QUIT best-effort and always closes the socket. Errors
// writing QUIT are swallowed and the reply is not read; the caller is never
// left holding an error from what is, by design, an unobserved command.
func (s *Session) Quit(ctx context.Context) {
	defer func() {
		s.state = Disconnected
		s.conn.Close()
	}()

	if s.state == Disconnected {
		return
	}

	s.conn.SetWriteDeadline(time.Now().Add(s.responseTimeout))
	s.conn.Write([]byte("QUIT\r\n"))
	s.state = QuitSent
}

// command writes one line (with trailing CRLF) and reads the full response.
func (s *Session) command(ctx context.Context, line string) (*response.Response, error) {
	if err := s.conn.SetWriteDeadline(deadlineFor(ctx, s.responseTimeout)); err != nil {
		return nil, err
	}
	if _, err := s.conn.Write([]byte(line + "\r\n")); err != nil {
		return nil, fmt.Errorf("smtp: failed to write %q: %w", line, err)
	}

	return s.readResponse(ctx)
}

// readResponse accumulates bytes into s.buf and re-parses from the start
// on every read, per the session's buffering contract. A complete parse
// resets the buffer — there is never a leftover fragment to carry into
// the next command because this client never pipelines.
func (s *Session) readResponse(ctx context.Context) (*response.Response, error) {
	chunk := make([]byte, 4096)

	for {
		if err := s.conn.SetReadDeadline(deadlineFor(ctx, s.responseTimeout)); err != nil {
			return nil, err
		}

		n, err := s.conn.Read(chunk)
		if n > 0 {
			s.buf = append(s.buf, chunk[:n]...)
		}

		resp, complete, perr := response.Parse(s.buf)
		if perr != nil {
			s.buf = nil
			return nil, fmt.Errorf("smtp: malformed response: %w", perr)
		}
		if complete {
			s.buf = nil
			return resp, nil
		}

		if err != nil {
			return nil, fmt.Errorf("smtp: failed to read response: %w", err)
		}
	}
}

func deadlineFor(ctx context.Context, timeout time.Duration) time.Time {
	d := time.Now().Add(timeout)
	if ctxDeadline, ok := ctx.Deadline(); ok && ctxDeadline.Before(d) {
		return ctxDeadline
	}
	return d
}

// sleepJitter blocks for a uniformly random duration within band
// [min,max] milliseconds, clamped into the session's configured
// [minDelay, maxDelay] envelope, or until ctx is cancelled, whichever is
// first.
func (s *Session) sleepJitter(ctx context.Context, band [2]int) {
	lo, hi := s.clampBand(band)
	d := time.Duration(lo+rand.IntN(hi-lo+1)) * time.Millisecond

	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-t.C:
	case <-ctx.Done():
	}
}

// clampBand fits a recommended [lo,hi] millisecond band inside the
// session's [minDelay, maxDelay] envelope, so a caller-supplied delay
// override is never silently ignored.
func (s *Session) clampBand(band [2]int) (lo, hi int) {
	envLo := int(s.minDelay / time.Millisecond)
	envHi := int(s.maxDelay / time.Millisecond)

	lo, hi = band[0], band[1]
	if lo < envLo {
		lo = envLo
	}
	if hi > envHi {
		hi = envHi
	}
	if lo > hi {
		lo, hi = envLo, envHi
	}
	return lo, hi
}
