package transport

import (
	"errors"
	"net"
	"testing"
)

type fakeConn struct {
	net.Conn
	remoteAddr string
}

func (c fakeConn) RemoteAddr() net.Addr { return fakeAddr(c.remoteAddr) }

type fakeAddr string

func (a fakeAddr) Network() string { return "tcp" }
func (a fakeAddr) String() string  { return string(a) }

func TestCachingDialerReusesResolvedAddr(t *testing.T) {
	calls := 0
	dial, err := newCachingDialer(func(network, addr string) (net.Conn, error) {
		calls++
		return fakeConn{remoteAddr: "203.0.113.1:80"}, nil
	}, 10)
	if err != nil {
		t.Fatal(err)
	}

	if _, err := dial("tcp", "example.invalid:80"); err != nil {
		t.Fatal(err)
	}
	if _, err := dial("tcp", "example.invalid:80"); err != nil {
		t.Fatal(err)
	}

	if calls != 2 {
		t.Fatalf("expected underlying dial invoked twice (once to resolve, once to reuse the cached addr), got %d", calls)
	}
}

func TestCachingDialerCachesFailures(t *testing.T) {
	calls := 0
	wantErr := errors.New("no such host")
	dial, err := newCachingDialer(func(network, addr string) (net.Conn, error) {
		calls++
		return nil, wantErr
	}, 10)
	if err != nil {
		t.Fatal(err)
	}

	_, err1 := dial("tcp", "unreachable.invalid:80")
	_, err2 := dial("tcp", "unreachable.invalid:80")

	if err1 != wantErr || err2 != wantErr {
		t.Fatalf("expected cached failure to be replayed, got %v, %v", err1, err2)
	}
	if calls != 1 {
		t.Fatalf("expected underlying dial invoked once before the failure was cached, got %d", calls)
	}
}

func TestCachingDialerDefaultsToNetDialWhenNil(t *testing.T) {
	dial, err := newCachingDialer(nil, 10)
	if err != nil {
		t.Fatal(err)
	}
	if dial == nil {
		t.Fatal("expected a non-nil dial function")
	}
}
