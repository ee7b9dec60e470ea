package remote

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"net/url"
	"strconv"
	"strings"
	"time"

	"github.com/mdlayher/vsock"
)

// Address schemes understood by Dial and Listen.
const (
	SchemeTCP   = "tcp"
	SchemeVsock = "vsock"

	// SchemeUDS reaches a guest vsock port through the Unix socket a
	// Firecracker VMM exposes for it.
	SchemeUDS = "uds"
)

// DefaultVsockPort is the vsock port the device agent listens on.
const DefaultVsockPort = 1024

// Retry defaults for connection establishment.
const (
	dialMaxRetries  = 5
	dialBaseBackoff = 100 * time.Millisecond
)

// Address locates a device agent:
//
//	tcp://host:port
//	vsock://<cid>:<port>
//	uds:///path/to/vsock.sock?port=<port>
type Address struct {
	Scheme string
	Host   string // host:port for tcp, socket path for uds
	CID    uint32
	Port   uint32
}

// ParseAddress parses an agent address.
func ParseAddress(s string) (Address, error) {
	u, err := url.Parse(s)
	if err != nil {
		return Address{}, fmt.Errorf("parse address %q: %w", s, err)
	}

	switch u.Scheme {
	case SchemeTCP:
		if u.Host == "" {
			return Address{}, fmt.Errorf("address %q: missing host:port", s)
		}
		return Address{Scheme: SchemeTCP, Host: u.Host}, nil

	case SchemeVsock:
		cid, err := parseUint32(u.Hostname())
		if err != nil {
			return Address{}, fmt.Errorf("address %q: context id: %w", s, err)
		}
		port := uint32(DefaultVsockPort)
		if p := u.Port(); p != "" {
			if port, err = parseUint32(p); err != nil {
				return Address{}, fmt.Errorf("address %q: port: %w", s, err)
			}
		}
		return Address{Scheme: SchemeVsock, CID: cid, Port: port}, nil

	case SchemeUDS:
		if u.Path == "" {
			return Address{}, fmt.Errorf("address %q: missing socket path", s)
		}
		port := uint32(DefaultVsockPort)
		if p := u.Query().Get("port"); p != "" {
			if port, err = parseUint32(p); err != nil {
				return Address{}, fmt.Errorf("address %q: port: %w", s, err)
			}
		}
		return Address{Scheme: SchemeUDS, Host: u.Path, Port: port}, nil

	default:
		return Address{}, fmt.Errorf("address %q: unsupported scheme %q (want tcp, vsock or uds)", s, u.Scheme)
	}
}

func (a Address) String() string {
	switch a.Scheme {
	case SchemeVsock:
		return fmt.Sprintf("vsock://%d:%d", a.CID, a.Port)
	case SchemeUDS:
		return fmt.Sprintf("uds://%s?port=%d", a.Host, a.Port)
	default:
		return a.Scheme + "://" + a.Host
	}
}

// Listen opens a listener for the device agent. uds addresses are host-side
// only and cannot be listened on.
func Listen(a Address) (net.Listener, error) {
	switch a.Scheme {
	case SchemeTCP:
		return net.Listen("tcp", a.Host)
	case SchemeVsock:
		return vsock.Listen(a.Port, nil)
	default:
		return nil, fmt.Errorf("cannot listen on %s", a)
	}
}

// Dial connects to a device agent, retrying with exponential backoff.
func Dial(ctx context.Context, a Address) (net.Conn, error) {
	var lastErr error
	backoff := dialBaseBackoff

	for attempt := range dialMaxRetries {
		select {
		case <-ctx.Done():
			return nil, fmt.Errorf("dial agent: %w", ctx.Err())
		default:
		}

		conn, err := dialOnce(ctx, a)
		if err == nil {
			return conn, nil
		}
		lastErr = err
		if attempt < dialMaxRetries-1 {
			select {
			case <-time.After(backoff):
			case <-ctx.Done():
				return nil, fmt.Errorf("dial agent: %w", ctx.Err())
			}
			backoff *= 2
		}
	}

	return nil, fmt.Errorf("dial agent after %d attempts: %w", dialMaxRetries, lastErr)
}

func dialOnce(ctx context.Context, a Address) (net.Conn, error) {
	switch a.Scheme {
	case SchemeTCP:
		var d net.Dialer
		return d.DialContext(ctx, "tcp", a.Host)
	case SchemeVsock:
		return vsock.Dial(a.CID, a.Port, nil)
	case SchemeUDS:
		return dialVsockUDS(ctx, a.Host, a.Port)
	default:
		return nil, fmt.Errorf("cannot dial %s", a)
	}
}

// dialVsockUDS connects to Firecracker's UDS and sends the CONNECT handshake.
// Protocol: send "CONNECT <port>\n", receive "OK <host_port>\n".
func dialVsockUDS(ctx context.Context, udsPath string, port uint32) (net.Conn, error) {
	var d net.Dialer
	conn, err := d.DialContext(ctx, "unix", udsPath)
	if err != nil {
		return nil, fmt.Errorf("connect to UDS %s: %w", udsPath, err)
	}

	if _, err := fmt.Fprintf(conn, "CONNECT %d\n", port); err != nil {
		conn.Close()
		return nil, fmt.Errorf("send CONNECT: %w", err)
	}

	// Keep the buffered reader for all later reads; it may have read ahead.
	reader := bufio.NewReader(conn)
	response, err := reader.ReadString('\n')
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("read CONNECT response: %w", err)
	}

	response = strings.TrimSpace(response)
	if !strings.HasPrefix(response, "OK ") {
		conn.Close()
		return nil, fmt.Errorf("vsock CONNECT failed: %s", response)
	}

	return &bufferedConn{Conn: conn, r: reader}, nil
}

type bufferedConn struct {
	net.Conn
	r *bufio.Reader
}

func (c *bufferedConn) Read(p []byte) (int, error) { return c.r.Read(p) }

func parseUint32(s string) (uint32, error) {
	n, err := strconv.ParseUint(s, 10, 32)
	if err != nil {
		return 0, err
	}
	return uint32(n), nil
}
