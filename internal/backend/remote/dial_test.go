package remote

import (
	"bufio"
	"context"
	"fmt"
	"net"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestParseAddress(t *testing.T) {
	tests := []struct {
		in      string
		want    Address
		wantErr bool
	}{
		{in: "tcp://127.0.0.1:9000", want: Address{Scheme: SchemeTCP, Host: "127.0.0.1:9000"}},
		{in: "vsock://3:5005", want: Address{Scheme: SchemeVsock, CID: 3, Port: 5005}},
		{in: "vsock://42", want: Address{Scheme: SchemeVsock, CID: 42, Port: DefaultVsockPort}},
		{in: "uds:///run/fc/v.sock?port=52", want: Address{Scheme: SchemeUDS, Host: "/run/fc/v.sock", Port: 52}},
		{in: "uds:///run/fc/v.sock", want: Address{Scheme: SchemeUDS, Host: "/run/fc/v.sock", Port: DefaultVsockPort}},
		{in: "tcp://", wantErr: true},
		{in: "vsock://host:1", wantErr: true},
		{in: "vsock://3:port", wantErr: true},
		{in: "uds://", wantErr: true},
		{in: "http://example.com", wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.in, func(t *testing.T) {
			got, err := ParseAddress(tt.in)
			if tt.wantErr {
				if err == nil {
					t.Errorf("ParseAddress(%q) = %+v, want error", tt.in, got)
				}
				return
			}
			if err != nil {
				t.Fatalf("ParseAddress(%q): %v", tt.in, err)
			}
			if got != tt.want {
				t.Errorf("ParseAddress(%q) = %+v, want %+v", tt.in, got, tt.want)
			}
			if round, err := ParseAddress(got.String()); err != nil || round != got {
				t.Errorf("String() %q does not round trip: %+v, %v", got.String(), round, err)
			}
		})
	}
}

func TestListenRejectsUDS(t *testing.T) {
	if _, err := Listen(Address{Scheme: SchemeUDS, Host: "/tmp/x.sock", Port: 1}); err == nil {
		t.Error("expected error listening on a uds address")
	}
}

func TestDialTCPRetries(t *testing.T) {
	// Reserve a port, release it, and start listening after the first attempt.
	l, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	addr := l.Addr().String()
	l.Close()

	accepted := make(chan struct{})
	go func() {
		time.Sleep(150 * time.Millisecond)
		l, err := net.Listen("tcp", addr)
		if err != nil {
			t.Errorf("relisten: %v", err)
			close(accepted)
			return
		}
		defer l.Close()
		conn, err := l.Accept()
		if err == nil {
			conn.Close()
		}
		close(accepted)
	}()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	conn, err := Dial(ctx, Address{Scheme: SchemeTCP, Host: addr})
	if err != nil {
		t.Fatalf("Dial: %v", err)
	}
	conn.Close()
	<-accepted
}

func TestDialCancelled(t *testing.T) {
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	if _, err := Dial(ctx, Address{Scheme: SchemeTCP, Host: "127.0.0.1:1"}); err == nil {
		t.Error("expected error for cancelled context")
	}
}

// fakeVMM accepts one Unix connection and answers the CONNECT handshake.
func fakeVMM(t *testing.T, reply string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "v.sock")
	l, err := net.Listen("unix", path)
	if err != nil {
		t.Fatalf("listen unix: %v", err)
	}
	t.Cleanup(func() { l.Close() })

	go func() {
		conn, err := l.Accept()
		if err != nil {
			return
		}
		defer conn.Close()
		line, err := bufio.NewReader(conn).ReadString('\n')
		if err != nil {
			return
		}
		if !strings.HasPrefix(line, "CONNECT ") {
			fmt.Fprint(conn, "ERR bad handshake\n")
			return
		}
		// The reply and the first frame arrive together to exercise read-ahead.
		fmt.Fprint(conn, reply)
		WriteMessage(conn, &Response{Type: MsgResult, ID: 1})
		time.Sleep(100 * time.Millisecond)
	}()
	return path
}

func TestDialVsockUDS(t *testing.T) {
	path := fakeVMM(t, "OK 1073741824\n")

	conn, err := dialVsockUDS(context.Background(), path, 52)
	if err != nil {
		t.Fatalf("dialVsockUDS: %v", err)
	}
	defer conn.Close()

	var resp Response
	if err := ReadMessage(conn, &resp); err != nil {
		t.Fatalf("ReadMessage after handshake: %v", err)
	}
	if resp.ID != 1 {
		t.Errorf("resp.ID = %d, want 1", resp.ID)
	}
}

func TestDialVsockUDSRejected(t *testing.T) {
	path := fakeVMM(t, "FAILURE\n")

	if _, err := dialVsockUDS(context.Background(), path, 52); err == nil {
		t.Error("expected error for rejected CONNECT")
	}
}
