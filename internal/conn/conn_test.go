package conn

import (
	"bufio"
	"net"
	"strconv"
	"testing"
	"time"
)

// echoServer accepts a single connection and echoes a single line back with
// a fixed reply, closing once disconnected. Good enough to exercise
// Connect/Send/Recv against a real non-blocking socket without a live
// memcached instance.
func echoServer(t *testing.T, reply string) (addr string, done chan struct{}) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	done = make(chan struct{})
	go func() {
		defer close(done)
		c, err := ln.Accept()
		if err != nil {
			return
		}
		defer c.Close()
		r := bufio.NewReader(c)
		if _, err := r.ReadString('\n'); err != nil {
			return
		}
		c.Write([]byte(reply))
	}()
	t.Cleanup(func() { ln.Close() })
	return ln.Addr().String(), done
}

func splitHostPort(t *testing.T, addr string) (string, int) {
	t.Helper()
	host, portStr, err := net.SplitHostPort(addr)
	if err != nil {
		t.Fatalf("split host port: %v", err)
	}
	port, err := strconv.Atoi(portStr)
	if err != nil {
		t.Fatalf("parse port %q: %v", portStr, err)
	}
	return host, port
}

func TestDisplayNamePrefersAlias(t *testing.T) {
	if got := displayName("10.0.0.1", 11211, "cache-a"); got != "cache-a" {
		t.Errorf("got %q, want cache-a", got)
	}
	if got := displayName("10.0.0.1", 11211, ""); got != "10.0.0.1:11211" {
		t.Errorf("got %q, want 10.0.0.1:11211", got)
	}
	if got := displayName("/var/run/mc.sock", 0, ""); got != "/var/run/mc.sock" {
		t.Errorf("got %q, want the socket path", got)
	}
}

func TestConnectSendRecvAgainstRealSocket(t *testing.T) {
	addr, done := echoServer(t, "STORED\r\n")
	host, port := splitHostPort(t, addr)

	c := New(host, port, "", 200*time.Millisecond, time.Second, 3, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	if !c.Alive() {
		t.Fatal("expected connection to be alive after Connect")
	}
	defer c.MarkDead("quit", 0)

	c.Writer.TakeBuffer([]byte("set foo 0 0 3\r\n"))
	for remaining := 1; remaining > 0; {
		var err error
		remaining, err = c.Send()
		if err != nil {
			t.Fatalf("Send: %v", err)
		}
	}

	deadline := time.Now().Add(time.Second)
	var n int
	var err error
	for time.Now().Before(deadline) {
		n, err = c.Recv(false)
		if err != nil {
			t.Fatalf("Recv: %v", err)
		}
		if n > 0 {
			break
		}
		time.Sleep(5 * time.Millisecond)
	}
	if n <= 0 {
		t.Fatal("expected to receive the server's reply")
	}

	<-done
}

func TestMarkDeadAndTryReconnect(t *testing.T) {
	addr, _ := echoServer(t, "STORED\r\n")
	host, port := splitHostPort(t, addr)

	c := New(host, port, "", 50*time.Millisecond, 10*time.Millisecond, 3, nil)
	if err := c.Connect(); err != nil {
		t.Fatalf("Connect: %v", err)
	}
	c.MarkDead("read error", 0)
	if c.Alive() {
		t.Fatal("expected connection to be dead after MarkDead")
	}
	if c.Fd() != -1 {
		t.Fatalf("expected fd reset to -1, got %d", c.Fd())
	}

	// Reconnect is blocked until deadUntil passes and the limiter allows it.
	time.Sleep(20 * time.Millisecond)
	// The listener stays open until test cleanup, so this attempt may well
	// succeed; its result is not asserted. The call only exercises the
	// not-alive decision path without panicking.
	_ = c.TryReconnect()
}

func TestPendingRepliesCounter(t *testing.T) {
	c := New("127.0.0.1", 11211, "", time.Second, time.Second, 3, nil)
	if c.PendingReplies() != 0 {
		t.Fatalf("expected 0 pending replies initially, got %d", c.PendingReplies())
	}
	c.IncPendingReplies()
	c.IncPendingReplies()
	if c.PendingReplies() != 2 {
		t.Fatalf("expected 2 pending replies, got %d", c.PendingReplies())
	}
	c.DecPendingReplies()
	if c.PendingReplies() != 1 {
		t.Fatalf("expected 1 pending reply, got %d", c.PendingReplies())
	}
	c.DecPendingReplies()
	c.DecPendingReplies() // underflow guard: must not go negative
	if c.PendingReplies() != 0 {
		t.Fatalf("expected pending replies clamped at 0, got %d", c.PendingReplies())
	}
}

func TestResetClearsPendingReplies(t *testing.T) {
	c := New("127.0.0.1", 11211, "", time.Second, time.Second, 3, nil)
	c.IncPendingReplies()
	c.Reset()
	if c.PendingReplies() != 0 {
		t.Fatalf("expected Reset to clear pending replies, got %d", c.PendingReplies())
	}
}

func TestIsUnixDomainDetection(t *testing.T) {
	c := New("/var/run/mc.sock", 0, "", time.Second, time.Second, 3, nil)
	if !c.isUnixDomain() {
		t.Fatal("expected a leading-slash host with port 0 to be UNIX-domain")
	}
	tcp := New("10.0.0.1", 11211, "", time.Second, time.Second, 3, nil)
	if tcp.isUnixDomain() {
		t.Fatal("expected a normal host:port pair not to be UNIX-domain")
	}
}
