package mcpool

import (
	"context"
	"net"
	"strconv"
	"testing"
	"time"

	"github.com/nishisan-dev/go-mcketama/internal/config"
)

// fakeMemcached accepts connections and replies VERSION to anything, good
// enough to exercise acquire/release/sweep without a real memcached.
func fakeMemcached(t *testing.T) (host string, port int) {
	t.Helper()
	ln, err := net.Listen("tcp", "127.0.0.1:0")
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	t.Cleanup(func() { ln.Close() })
	go func() {
		for {
			c, err := ln.Accept()
			if err != nil {
				return
			}
			go func(c net.Conn) {
				defer c.Close()
				buf := make([]byte, 4096)
				for {
					if _, err := c.Read(buf); err != nil {
						return
					}
					c.Write([]byte("VERSION 1.6.21\r\n"))
				}
			}(c)
		}
	}()
	h, p, _ := net.SplitHostPort(ln.Addr().String())
	portNum, _ := strconv.Atoi(p)
	return h, portNum
}

func newTestPool(t *testing.T, size int) *ClientPool {
	t.Helper()
	host, port := fakeMemcached(t)
	opts := &config.ClientOptions{
		Servers:          []config.ServerEntry{{Host: host, Port: port}},
		PollTimeoutMS:    500,
		ConnectTimeoutMS: 200,
		RetryTimeoutS:    1,
		HashFunction:     "MD5",
		Pool: config.PoolOptions{
			Size:            size,
			HealthCheckCron: "@every 1h", // never fires during the test
			IdleTimeout:     time.Minute,
		},
	}
	p, err := New(opts, nil)
	if err != nil {
		t.Fatalf("New: %v", err)
	}
	t.Cleanup(func() { p.Close(context.Background()) })
	return p
}

func TestAcquireReleaseRoundTrip(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	c, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire: %v", err)
	}
	if _, err := c.Version(); err != nil {
		t.Fatalf("Version: %v", err)
	}
	p.Release(c)

	stats := p.Stats()
	if stats.InUse != 0 || stats.Idle != 1 {
		t.Fatalf("unexpected stats after release: %+v", stats)
	}
}

func TestAcquireBlocksUntilRelease(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	c1, err := p.Acquire(ctx)
	if err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}

	done := make(chan struct{})
	go func() {
		c2, err := p.Acquire(ctx)
		if err != nil {
			t.Errorf("Acquire #2: %v", err)
			close(done)
			return
		}
		if c2 != c1 {
			t.Errorf("expected the same sole member to be handed back")
		}
		p.Release(c2)
		close(done)
	}()

	time.Sleep(20 * time.Millisecond)
	select {
	case <-done:
		t.Fatal("second Acquire returned before Release")
	default:
	}

	p.Release(c1)
	<-done
}

func TestAcquireRespectsContextCancellation(t *testing.T) {
	p := newTestPool(t, 1)
	ctx := context.Background()

	if _, err := p.Acquire(ctx); err != nil {
		t.Fatalf("Acquire #1: %v", err)
	}

	cctx, cancel := context.WithTimeout(ctx, 20*time.Millisecond)
	defer cancel()
	if _, err := p.Acquire(cctx); err == nil {
		t.Fatal("expected Acquire to fail once the context deadline passes")
	}
}

func TestStatsReportsProcessMetricsWithoutError(t *testing.T) {
	p := newTestPool(t, 2)
	stats := p.Stats()
	if stats.Size != 2 {
		t.Fatalf("expected pool size 2, got %d", stats.Size)
	}
}
