// Package conn opens the transport the SMTP session rides on — a direct
// TCP socket or a hand-rolled RFC 1928 SOCKS5 CONNECT — and validates the
// SMTP greeting banner before handing the socket to the caller.
package conn

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"time"
)

const (
	defaultConnectTimeout = 5 * time.Second
	proxyHandshakeTimeout = 10 * time.Second
	bannerTimeout         = 5 * time.Second
	closeLinger           = 1 * time.Second
)

// Proxy describes an optional SOCKS5 proxy to tunnel the connection through.
type Proxy struct {
	Address  string
	Username string
	Password string
}

// Outcome is the result of a successful Connect.
type Outcome struct {
	Conn       net.Conn
	Banner     string
	BannerCode int
}

// Connect dials host:port, optionally through a SOCKS5 proxy, and validates
// the SMTP greeting banner. On any failure the underlying socket is closed
// before Connect returns — the caller never has to clean up a partial
// connection. connectTimeout bounds the direct-dial path only (the SOCKS5
// path races its own fixed proxyHandshakeTimeout per spec.md §4.3); if zero,
// defaultConnectTimeout (spec.md §6's TCPConnectTimeout default) is used.
func Connect(ctx context.Context, host string, port int, connectTimeout time.Duration, proxy *Proxy) (*Outcome, error) {
	target := net.JoinHostPort(host, fmt.Sprintf("%d", port))
	if connectTimeout == 0 {
		connectTimeout = defaultConnectTimeout
	}

	var rawConn net.Conn
	var err error
	if proxy != nil {
		rawConn, err = dialViaSOCKS5(ctx, proxy, target)
	} else {
		rawConn, err = dialDirect(ctx, target, connectTimeout)
	}
	if err != nil {
		return nil, err
	}

	banner, code, err := readBanner(rawConn)
	if err != nil {
		rawConn.Close()
		return nil, err
	}

	return &Outcome{Conn: rawConn, Banner: banner, BannerCode: code}, nil
}

// dialDirect opens a direct TCP connection, racing the dial against
// connectTimeout, per spec.md §5's "TCP connect: 5s" default.
func dialDirect(ctx context.Context, target string, connectTimeout time.Duration) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, connectTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	c, err := dialer.DialContext(dctx, "tcp", target)
	if err != nil {
		if dctx.Err() != nil {
			return nil, newError(SocketTimeout, PhaseTarget, "dial timed out", err)
		}
		return nil, newError(SMTPConnectionFailed, PhaseTarget, "dial failed", err)
	}
	return c, nil
}

// readBanner waits for the SMTP greeting within bannerTimeout and validates
// it starts with "220 " or "220-".
func readBanner(c net.Conn) (string, int, error) {
	if err := c.SetReadDeadline(time.Now().Add(bannerTimeout)); err != nil {
		return "", 0, newError(SMTPBannerTimeout, PhaseSMTP, "failed to set read deadline", err)
	}
	defer c.SetReadDeadline(time.Time{})

	reader := bufio.NewReader(c)
	line, err := reader.ReadString('\n')
	if err != nil {
		if ne, ok := err.(net.Error); ok && ne.Timeout() {
			return "", 0, newError(SMTPBannerTimeout, PhaseSMTP, "no banner received within timeout", err)
		}
		return "", 0, newError(SMTPBannerInvalid, PhaseSMTP, "failed to read banner", err)
	}

	if len(line) < 4 || line[:3] != "220" || (line[3] != ' ' && line[3] != '-') {
		return "", 0, newError(SMTPBannerInvalid, PhaseSMTP, fmt.Sprintf("unexpected banner %q", line), nil)
	}

	// A multi-line greeting continues with "220-..." lines; drain them so
	// the session's own reader starts on a clean boundary.
	for len(line) >= 4 && line[3] == '-' {
		line, err = reader.ReadString('\n')
		if err != nil {
			return "", 0, newError(SMTPBannerInvalid, PhaseSMTP, "truncated multi-line banner", err)
		}
	}

	return line, 220, nil
}

// Close performs a graceful close: it signals the peer (TCP FIN via normal
// Close on most net.Conn implementations triggers this), waits briefly for
// the peer to respond, then force-closes regardless.
func Close(c net.Conn) error {
	if tc, ok := c.(*net.TCPConn); ok {
		tc.CloseWrite()
		tc.SetReadDeadline(time.Now().Add(closeLinger))
		buf := make([]byte, 1)
		for {
			if _, err := tc.Read(buf); err != nil {
				break
			}
		}
	}
	return c.Close()
}
