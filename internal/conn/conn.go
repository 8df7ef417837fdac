// Package conn implements Connection: one non-blocking TCP or UNIX-domain
// socket paired with a BufferWriter, a BufferReader and a PacketParser, plus
// the connect/retry/reconnect lifecycle spec.md §4.5 describes.
//
// Grounded on the teacher's internal/agent/control_channel.go for the
// identity/state/logger shape and reconnect bookkeeping, with the transport
// itself replaced: control_channel.go drives a blocking net.Conn behind
// goroutines, which cannot express spec.md §5's single-threaded
// poll()-driven model, so the socket layer here is built directly on
// golang.org/x/sys/unix non-blocking sockets instead — grounded on
// other_examples' raw-syscall socket handling (evio_unix.go's
// SetNonblock/accept-loop idiom, gaio's watcher). Reconnect pacing reuses
// the teacher's internal/agent/throttle.go token-bucket idiom
// (golang.org/x/time/rate), repurposed from bandwidth throttling to
// bounding how often a dead connection may attempt to redial.
package conn

import (
	"errors"
	"fmt"
	"log/slog"
	"net"
	"strings"
	"time"

	"golang.org/x/sys/unix"
	"golang.org/x/time/rate"

	"github.com/nishisan-dev/go-mcketama/internal/buffer"
	"github.com/nishisan-dev/go-mcketama/internal/parser"
)

// uioMaxIOV bounds a single Writev call, mirroring UIO_MAXIOV.
const uioMaxIOV = 1024

// Connection is one server endpoint: identity, a non-blocking socket, and
// the three buffers spec.md §3 assigns it.
type Connection struct {
	host  string
	port  int // 0 => UNIX-domain, Host holds the socket path
	alias string

	fd    int
	alive bool

	deadUntil   time.Time
	retriesUsed int

	connectTimeout time.Duration
	retryTimeout   time.Duration
	maxRetries     int

	reconnectLimiter *rate.Limiter

	Writer *buffer.BufferWriter
	Reader *buffer.BufferReader
	Parser *parser.PacketParser

	pendingReplies int

	logger *slog.Logger
}

// New creates a Connection in the not-yet-connected state. No network
// activity happens until Connect is called.
func New(host string, port int, alias string, connectTimeout, retryTimeout time.Duration, maxRetries int, logger *slog.Logger) *Connection {
	if logger == nil {
		logger = slog.Default()
	}
	r := buffer.NewBufferReader(buffer.DefaultMinCapacity, logger)
	c := &Connection{
		host:             host,
		port:             port,
		alias:            alias,
		fd:               -1,
		connectTimeout:   connectTimeout,
		retryTimeout:     retryTimeout,
		maxRetries:       maxRetries,
		reconnectLimiter: rate.NewLimiter(rate.Every(retryTimeout), 1),
		Writer:           buffer.NewBufferWriter(),
		Reader:           r,
		Parser:           parser.NewPacketParser(r),
		logger:           logger.With("component", "conn", "server", displayName(host, port, alias)),
	}
	return c
}

func displayName(host string, port int, alias string) string {
	if alias != "" {
		return alias
	}
	if port == 0 {
		return host
	}
	return fmt.Sprintf("%s:%d", host, port)
}

// Name returns the connection's display identity.
func (c *Connection) Name() string { return displayName(c.host, c.port, c.alias) }

// Alive reports current liveness, satisfying hashkit.LivenessChecker.
func (c *Connection) Alive() bool { return c.alive }

// Fd returns the connection's socket file descriptor, or -1 if not
// connected, for the pool's pollfd array.
func (c *Connection) Fd() int { return c.fd }

// PendingReplies returns the number of outstanding replies this Connection
// still expects from its last dispatch.
func (c *Connection) PendingReplies() int { return c.pendingReplies }

// IncPendingReplies and DecPendingReplies are called by the dispatch layer
// and the poll driver respectively as replies are registered and consumed.
func (c *Connection) IncPendingReplies() { c.pendingReplies++ }
func (c *Connection) DecPendingReplies() {
	if c.pendingReplies > 0 {
		c.pendingReplies--
	}
}

func (c *Connection) isUnixDomain() bool {
	return c.port == 0 && strings.HasPrefix(c.host, "/")
}

// Connect establishes the underlying socket. A no-op if already alive.
func (c *Connection) Connect() error {
	if c.alive {
		return nil
	}
	if c.isUnixDomain() {
		return c.connectUnix()
	}
	return c.connectTCP()
}

func (c *Connection) connectTCP() error {
	ips, err := net.LookupHost(c.host)
	if err != nil {
		return fmt.Errorf("resolving %s: %w", c.host, err)
	}
	var lastErr error
	for _, ip := range ips {
		if err := c.dialTCP(ip); err != nil {
			lastErr = err
			continue
		}
		c.alive = true
		c.retriesUsed = 0
		return nil
	}
	return lastErr
}

func (c *Connection) dialTCP(ip string) error {
	parsed := net.ParseIP(ip)
	family := unix.AF_INET
	if parsed.To4() == nil {
		family = unix.AF_INET6
	}

	fd, err := unix.Socket(family, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	closeOnErr := func(err error) error {
		unix.Close(fd)
		return err
	}

	if err := unix.SetNonblock(fd, true); err != nil {
		return closeOnErr(fmt.Errorf("set nonblock: %w", err))
	}
	_ = unix.SetsockoptInt(fd, unix.IPPROTO_TCP, unix.TCP_NODELAY, 1)
	_ = unix.SetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_KEEPALIVE, 1)

	var sa unix.Sockaddr
	if family == unix.AF_INET {
		addr := &unix.SockaddrInet4{Port: c.port}
		copy(addr.Addr[:], parsed.To4())
		sa = addr
	} else {
		addr := &unix.SockaddrInet6{Port: c.port}
		copy(addr.Addr[:], parsed.To16())
		sa = addr
	}

	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		return closeOnErr(fmt.Errorf("connect: %w", err))
	}
	if err == unix.EINPROGRESS {
		if err := waitWritable(fd, 6*c.connectTimeout); err != nil {
			return closeOnErr(err)
		}
		if soErr, gerr := unix.GetsockoptInt(fd, unix.SOL_SOCKET, unix.SO_ERROR); gerr != nil || soErr != 0 {
			if gerr != nil {
				return closeOnErr(gerr)
			}
			return closeOnErr(fmt.Errorf("connect: %w", unix.Errno(soErr)))
		}
	}

	c.fd = fd
	return nil
}

func (c *Connection) connectUnix() error {
	fd, err := unix.Socket(unix.AF_UNIX, unix.SOCK_STREAM, 0)
	if err != nil {
		return fmt.Errorf("socket: %w", err)
	}
	if err := unix.SetNonblock(fd, true); err != nil {
		unix.Close(fd)
		return fmt.Errorf("set nonblock: %w", err)
	}
	sa := &unix.SockaddrUnix{Name: c.host}
	err = unix.Connect(fd, sa)
	if err != nil && err != unix.EINPROGRESS {
		unix.Close(fd)
		return fmt.Errorf("connect: %w", err)
	}
	if err == unix.EINPROGRESS {
		if err := waitWritable(fd, 6*c.connectTimeout); err != nil {
			unix.Close(fd)
			return err
		}
	}
	c.fd = fd
	c.alive = true
	c.retriesUsed = 0
	return nil
}

func waitWritable(fd int, timeout time.Duration) error {
	pfd := []unix.PollFd{{Fd: int32(fd), Events: unix.POLLOUT}}
	n, err := unix.Poll(pfd, int(timeout/time.Millisecond))
	if err != nil {
		return fmt.Errorf("poll: %w", err)
	}
	if n == 0 {
		return errors.New("connect timed out waiting for writability")
	}
	if pfd[0].Revents&(unix.POLLERR|unix.POLLHUP) != 0 {
		return errors.New("connect failed")
	}
	return nil
}

// TryReconnect attempts to bring a dead connection back up, honoring the
// retry-count limit. It satisfies hashkit.LivenessChecker so a *Connection
// can be passed directly into hashkit.NewSelector.
func (c *Connection) TryReconnect() bool {
	return c.TryReconnectChecked(true)
}

// TryReconnectChecked is TryReconnect with explicit control over whether the
// retries-used limit is enforced. The pool does not bypass the limit this
// way: it restores the budget at the start of every call via ResetRetries,
// and every reconnect it triggers (directly or through hashkit's
// LivenessChecker.TryReconnect) goes through the checked path above.
func (c *Connection) TryReconnectChecked(checkRetries bool) bool {
	if c.alive {
		return true
	}
	if checkRetries && c.maxRetries > 0 && c.retriesUsed >= c.maxRetries {
		return false
	}
	if time.Now().Before(c.deadUntil) {
		return false
	}
	if !c.reconnectLimiter.Allow() {
		return false
	}
	c.retriesUsed++
	if err := c.Connect(); err != nil {
		c.deadUntil = time.Now().Add(c.retryTimeout)
		c.logger.Debug("reconnect attempt failed", "error", err, "retries_used", c.retriesUsed)
		return false
	}
	return true
}

// ResetRetries clears the retries-used budget. The pool calls this once at
// the start of every user operation (original_source/Connection.cpp tracks
// retries across the whole call, not per send).
func (c *Connection) ResetRetries() { c.retriesUsed = 0 }

// DeadUntil reports when this connection becomes eligible for a reconnect
// attempt again, for callers (the pool's poll loop) that want to skip a
// doomed TryReconnect call without paying the rate-limiter check.
func (c *Connection) DeadUntil() time.Time { return c.deadUntil }

// MarkDead closes the socket and blocks reconnection until now+delay+retry
// timeout. reason == "quit" suppresses the warning log (graceful teardown).
func (c *Connection) MarkDead(reason string, delay time.Duration) {
	if !c.alive {
		return
	}
	if reason != "quit" {
		c.logger.Warn("connection marked dead", "reason", reason)
	}
	c.deadUntil = time.Now().Add(delay + c.retryTimeout)
	unix.Close(c.fd)
	c.fd = -1
	c.alive = false
}

// Send performs one non-blocking writev of the writer's unsent spans,
// committing however many bytes actually went out, and returns the bytes
// still queued afterward. A transport failure is returned as an error; the
// caller (the pool) is responsible for MarkDead + retry/rewind.
func (c *Connection) Send() (int, error) {
	spans, n := c.Writer.GetReadPtr()
	if n == 0 {
		return 0, nil
	}
	if n > uioMaxIOV {
		spans = spans[:uioMaxIOV]
	}
	sent, err := unix.Writev(c.fd, spans)
	if err != nil {
		if err == unix.EAGAIN {
			return c.Writer.RemainingLen(), nil
		}
		return 0, fmt.Errorf("writev: %w", err)
	}
	c.Writer.CommitRead(sent)
	return c.Writer.RemainingLen(), nil
}

// Recv reads into a freshly prepared block of the reader, sized from the
// parser's oversized-value hint if one is pending. peek performs a
// MSG_PEEK-only probe (used to detect a pre-send reset) without committing
// any bytes. Returns (0, nil) on a graceful close (EOF) so callers can
// distinguish it from a transport error.
func (c *Connection) Recv(peek bool) (int, error) {
	dst := c.Reader.WriteSlice(buffer.DefaultMinCapacity)
	flags := 0
	if peek {
		flags = unix.MSG_PEEK
	}
	n, _, err := unix.Recvfrom(c.fd, dst, flags)
	if err != nil {
		if err == unix.EAGAIN {
			return -1, nil
		}
		return 0, fmt.Errorf("recv: %w", err)
	}
	if !peek {
		c.Reader.CommitWrite(n)
	}
	return n, nil
}

// Process steps the parser FSM once against whatever is currently buffered.
func (c *Connection) Process() error { return c.Parser.Process() }

// Reset zeroes all per-call state at the end of a user operation, satisfying
// spec.md §8 invariant 1.
func (c *Connection) Reset() {
	c.pendingReplies = 0
	c.retriesUsed = 0
	c.Parser.Reset()
	c.Reader.Reset()
	c.Writer.Reset()
}

// Rewind recovers mid-operation after a reconnect: the parser and reader are
// reset (the old reply stream is worthless) but the writer is rewound so its
// original command bytes can be retransmitted.
func (c *Connection) Rewind() {
	c.Parser.Rewind()
	c.Reader.Reset()
	c.Writer.Rewind()
}
