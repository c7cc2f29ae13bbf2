package conn

import (
	"bufio"
	"context"
	"errors"
	"net"
	"testing"
	"time"
)

// fakeServer starts a TCP listener on an ephemeral port and runs handle
// once per accepted connection in its own goroutine.
func fakeServer(t *testing.T, handle func(net.Conn)) string {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("failed to start fake server: %v", err)
	}
	t.Cleanup(func() { ln.Close() })

	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go handle(c)
		}
	}()
	return ln.Addr().String()
}

func TestConnect_DirectSuccess(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte("220 mx.example.com ESMTP ready\r\n"))
	})
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmtSscanfInt(portStr, &port)

	out, err := Connect(context.Background(), host, port, 0, nil)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer out.Conn.Close()

	if out.BannerCode != 220 {
		t.Errorf("BannerCode = %d, want 220", out.BannerCode)
	}
}

func TestConnect_InvalidBanner(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		c.Write([]byte("554 go away\r\n"))
	})
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmtSscanfInt(portStr, &port)

	_, err := Connect(context.Background(), host, port, 0, nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != SMTPBannerInvalid {
		t.Fatalf("expected SMTPBannerInvalid, got %v", err)
	}
}

func TestConnect_BannerTimeout(t *testing.T) {
	addr := fakeServer(t, func(c net.Conn) {
		defer c.Close()
		time.Sleep(6 * time.Second)
	})
	host, portStr, _ := net.SplitHostPort(addr)
	var port int
	fmtSscanfInt(portStr, &port)

	_, err := Connect(context.Background(), host, port, 0, nil)
	var cerr *Error
	if !errors.As(err, &cerr) || cerr.Kind != SMTPBannerTimeout {
		t.Fatalf("expected SMTPBannerTimeout, got %v", err)
	}
}

func TestConnect_SOCKS5Success(t *testing.T) {
	proxyAddr := fakeServer(t, serveSOCKS5(t, 0x00, "220 relay.example.com ESMTP\r\n"))

	out, err := Connect(context.Background(), "mail.target.example", 25, 0, &Proxy{Address: proxyAddr})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	defer out.Conn.Close()
	if out.BannerCode != 220 {
		t.Errorf("BannerCode = %d, want 220", out.BannerCode)
	}
}

func TestConnect_SOCKS5HostUnreachable(t *testing.T) {
	proxyAddr := fakeServer(t, serveSOCKS5(t, 0x04, ""))

	_, err := Connect(context.Background(), "mail.target.example", 25, 0, &Proxy{Address: proxyAddr})
	var cerr *Error
	if !errors.As(err, &cerr) {
		t.Fatalf("expected *Error, got %v", err)
	}
	if cerr.Phase != PhaseTarget || cerr.SOCKSCode != 0x04 {
		t.Errorf("got phase=%v code=0x%02x, want target/0x04", cerr.Phase, cerr.SOCKSCode)
	}
}

// serveSOCKS5 returns a handler that performs a minimal SOCKS5 server side
// of the handshake: no-auth, then a CONNECT reply with the given code, and
// (on success) writes banner on the tunneled stream.
func serveSOCKS5(t *testing.T, replyCode byte, banner string) func(net.Conn) {
	return func(c net.Conn) {
		defer c.Close()
		r := bufio.NewReader(c)

		// greeting: VER NMETHODS METHODS...
		hdr := make([]byte, 2)
		if _, err := readFullTest(r, hdr); err != nil {
			return
		}
		methods := make([]byte, hdr[1])
		readFullTest(r, methods)
		c.Write([]byte{0x05, 0x00}) // no auth required

		// CONNECT request: VER CMD RSV ATYP ADDR PORT
		req := make([]byte, 4)
		if _, err := readFullTest(r, req); err != nil {
			return
		}
		switch req[3] {
		case 0x01:
			readFullTest(r, make([]byte, 4+2))
		case 0x03:
			lenByte, _ := r.ReadByte()
			readFullTest(r, make([]byte, int(lenByte)+2))
		case 0x04:
			readFullTest(r, make([]byte, 16+2))
		}

		reply := []byte{0x05, replyCode, 0x00, 0x01, 0, 0, 0, 0, 0, 0}
		c.Write(reply)

		if replyCode == 0x00 && banner != "" {
			c.Write([]byte(banner))
		}
	}
}

func readFullTest(r *bufio.Reader, buf []byte) (int, error) {
	return readFull(r, buf)
}

// fmtSscanfInt parses a decimal port string without pulling in fmt.Sscanf
// for a single call site in every test function above.
func fmtSscanfInt(s string, out *int) {
	n := 0
	for _, c := range s {
		if c < '0' || c > '9' {
			break
		}
		n = n*10 + int(c-'0')
	}
	*out = n
}
