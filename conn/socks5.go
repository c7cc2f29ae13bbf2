package conn

import (
	"bufio"
	"context"
	"encoding/binary"
	"fmt"
	"net"
	"time"
)

const (
	socksVersion5     = 0x05
	socksCmdConnect   = 0x01
	socksAuthNone     = 0x00
	socksAuthUserPass = 0x02
	socksAuthNoMethod = 0xFF
	socksAddrIPv4     = 0x01
	socksAddrDomain   = 0x03
	socksAddrIPv6     = 0x04
)

// socksReply maps a SOCKS5 CONNECT reply code to its phase/type/retryable
// attribution, per spec.md §4.3's table.
type socksReply struct {
	phase     Phase
	kind      string
	retryable bool
}

var socksReplyTable = map[byte]socksReply{
	0x00: {PhaseProxy, "SUCCESS", false},
	0x01: {PhaseProxy, "GENERAL_FAILURE", true},
	0x02: {PhaseProxy, "RULESET_VIOLATION", false},
	0x03: {PhaseTarget, "NETWORK_UNREACHABLE", false},
	0x04: {PhaseTarget, "HOST_UNREACHABLE", false},
	0x05: {PhaseTarget, "CONNECTION_REFUSED", false},
	0x06: {PhaseTarget, "TTL_EXPIRED", false},
	0x07: {PhaseProxy, "COMMAND_NOT_SUPPORTED", false},
	0x08: {PhaseProxy, "ADDRESS_TYPE_NOT_SUPPORTED", false},
	0xFF: {PhaseProxy, "NO_AUTH_METHODS", false},
}

// dialViaSOCKS5 performs a direct TCP connection to the proxy, then drives
// an RFC 1928 CONNECT handshake to target, within proxyHandshakeTimeout.
//
// This is hand-rolled against the RFC rather than built on
// golang.org/x/net/proxy because the caller needs the raw reply byte and
// its phase/type classification — generic SOCKS5 dialers surface only an
// opaque error.
func dialViaSOCKS5(ctx context.Context, proxy *Proxy, target string) (net.Conn, error) {
	dctx, cancel := context.WithTimeout(ctx, proxyHandshakeTimeout)
	defer cancel()

	dialer := &net.Dialer{}
	c, err := dialer.DialContext(dctx, "tcp", proxy.Address)
	if err != nil {
		if dctx.Err() != nil {
			return nil, newError(SocketTimeout, PhaseProxy, "proxy dial timed out", err)
		}
		return nil, newError(ProxyAuthFailed, PhaseProxy, "failed to reach proxy", err)
	}

	if deadline, ok := dctx.Deadline(); ok {
		c.SetDeadline(deadline)
	}

	if err := socksHandshake(c, proxy, target); err != nil {
		c.Close()
		return nil, err
	}

	c.SetDeadline(time.Time{})
	return c, nil
}

func socksHandshake(c net.Conn, proxy *Proxy, target string) error {
	methods := []byte{socksAuthNone}
	if proxy.Username != "" {
		methods = []byte{socksAuthUserPass, socksAuthNone}
	}

	greeting := append([]byte{socksVersion5, byte(len(methods))}, methods...)
	if _, err := c.Write(greeting); err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to send SOCKS5 greeting", err)
	}

	r := bufio.NewReader(byteReader{c})
	resp := make([]byte, 2)
	if _, err := readFull(r, resp); err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to read SOCKS5 method selection", err)
	}
	if resp[0] != socksVersion5 {
		return newError(ProxyAuthFailed, PhaseProxy, fmt.Sprintf("unexpected SOCKS version %d", resp[0]), nil)
	}
	switch resp[1] {
	case socksAuthNone:
	case socksAuthUserPass:
		if err := socksAuthenticate(r, c, proxy); err != nil {
			return err
		}
	case socksAuthNoMethod:
		return classifySOCKSReply(0xFF, nil)
	default:
		return newError(ProxyAuthFailed, PhaseProxy, fmt.Sprintf("unsupported auth method %d", resp[1]), nil)
	}

	if err := sendConnectRequest(c, target); err != nil {
		return err
	}

	return readConnectReply(r)
}

// byteReader hands the handshake's bufio.Reader at most one byte per Read,
// so the reader never buffers bytes past the SOCKS5 reply — the SMTP banner
// that may follow in the same segment stays on the connection.
type byteReader struct{ c net.Conn }

func (b byteReader) Read(p []byte) (int, error) {
	if len(p) > 1 {
		p = p[:1]
	}
	return b.c.Read(p)
}

func socksAuthenticate(r *bufio.Reader, c net.Conn, proxy *Proxy) error {
	req := []byte{0x01}
	req = append(req, byte(len(proxy.Username)))
	req = append(req, []byte(proxy.Username)...)
	req = append(req, byte(len(proxy.Password)))
	req = append(req, []byte(proxy.Password)...)

	if _, err := c.Write(req); err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to send SOCKS5 credentials", err)
	}

	resp := make([]byte, 2)
	if _, err := readFull(r, resp); err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to read SOCKS5 auth reply", err)
	}
	if resp[1] != 0x00 {
		return newError(ProxyAuthFailed, PhaseProxy, "SOCKS5 authentication rejected", nil)
	}
	return nil
}

func sendConnectRequest(c net.Conn, target string) error {
	host, portStr, err := net.SplitHostPort(target)
	if err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "invalid target address", err)
	}
	var port uint16
	fmt.Sscanf(portStr, "%d", &port)

	req := []byte{socksVersion5, socksCmdConnect, 0x00}

	if ip := net.ParseIP(host); ip != nil {
		if ip4 := ip.To4(); ip4 != nil {
			req = append(req, socksAddrIPv4)
			req = append(req, ip4...)
		} else {
			req = append(req, socksAddrIPv6)
			req = append(req, ip.To16()...)
		}
	} else {
		req = append(req, socksAddrDomain, byte(len(host)))
		req = append(req, []byte(host)...)
	}

	portBytes := make([]byte, 2)
	binary.BigEndian.PutUint16(portBytes, port)
	req = append(req, portBytes...)

	if _, err := c.Write(req); err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to send SOCKS5 CONNECT request", err)
	}
	return nil
}

func readConnectReply(r *bufio.Reader) error {
	header := make([]byte, 4)
	if _, err := readFull(r, header); err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to read SOCKS5 CONNECT reply", err)
	}

	replyCode := header[1]
	if err := classifySOCKSReply(replyCode, nil); err != nil {
		drainSOCKSAddress(r, header[3])
		return err
	}

	return drainSOCKSAddress(r, header[3])
}

// drainSOCKSAddress consumes the BND.ADDR/BND.PORT trailer so the
// connection's read buffer starts exactly at the SMTP banner.
func drainSOCKSAddress(r *bufio.Reader, addrType byte) error {
	var addrLen int
	switch addrType {
	case socksAddrIPv4:
		addrLen = 4
	case socksAddrIPv6:
		addrLen = 16
	case socksAddrDomain:
		lenByte, err := r.ReadByte()
		if err != nil {
			return newError(ProxyAuthFailed, PhaseProxy, "failed to read SOCKS5 bound address length", err)
		}
		addrLen = int(lenByte)
	default:
		return newError(ProxyAuthFailed, PhaseProxy, "unknown SOCKS5 address type in reply", nil)
	}

	trailer := make([]byte, addrLen+2) // + BND.PORT
	_, err := readFull(r, trailer)
	if err != nil {
		return newError(ProxyAuthFailed, PhaseProxy, "failed to read SOCKS5 bound address", err)
	}
	return nil
}

func classifySOCKSReply(code byte, cause error) error {
	info, ok := socksReplyTable[code]
	if !ok {
		info = socksReply{phase: PhaseProxy, kind: "UNKNOWN", retryable: false}
	}
	if code == 0x00 {
		return nil
	}

	kind := SMTPConnectionFailed
	if info.phase == PhaseProxy {
		kind = ProxyAuthFailed
	}

	return &Error{
		Kind:      kind,
		Phase:     info.phase,
		SOCKSCode: code,
		Retryable: info.retryable,
		Message:   fmt.Sprintf("SOCKS5 CONNECT failed: %s (0x%02x)", info.kind, code),
		Cause:     cause,
	}
}

func readFull(r *bufio.Reader, buf []byte) (int, error) {
	total := 0
	for total < len(buf) {
		n, err := r.Read(buf[total:])
		total += n
		if err != nil {
			return total, err
		}
	}
	return total, nil
}
