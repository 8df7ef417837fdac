package pool

import (
	"errors"
	"time"

	"golang.org/x/sys/unix"

	"github.com/nishisan-dev/go-mcketama/internal/buffer"
	"github.com/nishisan-dev/go-mcketama/internal/conn"
	"github.com/nishisan-dev/go-mcketama/internal/mcproto"
)

// callEntry tracks one connection's progress through the SENDING/RECEIVING
// half of the per-call state machine spec.md §4.6 describes.
type callEntry struct {
	c       *conn.Connection
	events  int16
	anySent bool
	done    bool
}

// runPollLoop drives every active connection's send/receive cycle with a
// single poll(2) call per iteration, per spec.md §4.6/§5's single-threaded
// cooperative model. It returns nil on an all-clean pass, or the
// last-surfaced non-OK error per the aggregation rule.
func (p *Pool) runPollLoop() *mcproto.Error {
	entries := make([]*callEntry, len(p.active))
	for i, c := range p.active {
		entries[i] = &callEntry{c: c, events: unix.POLLOUT}
	}
	remaining := len(entries)
	timeoutMs := int(p.pollTimeout / time.Millisecond)

	var lastErr *mcproto.Error

	for remaining > 0 {
		pfds := make([]unix.PollFd, 0, len(entries))
		owners := make([]*callEntry, 0, len(entries))
		for _, e := range entries {
			if e.done {
				continue
			}
			pfds = append(pfds, unix.PollFd{Fd: int32(e.c.Fd()), Events: e.events})
			owners = append(owners, e)
		}

		n, err := unix.Poll(pfds, timeoutMs)
		if err != nil {
			for _, e := range owners {
				e.c.MarkDead("poll error", 0)
				e.done = true
			}
			return mcproto.NewError(mcproto.CodePoll, err.Error())
		}
		if n == 0 {
			for _, e := range owners {
				e.c.MarkDead("poll timeout", 0)
				e.done = true
			}
			return mcproto.NewError(mcproto.CodePollTimeout, "poll timed out")
		}

		for i, pfd := range pfds {
			e := owners[i]

			if pfd.Revents&(unix.POLLERR|unix.POLLHUP|unix.POLLNVAL) != 0 {
				e.c.MarkDead("poll error", 0)
				if e.c.TryReconnect() {
					e.c.Rewind()
					e.events = unix.POLLOUT
					e.anySent = false
				} else {
					e.done = true
					remaining--
					lastErr = mcproto.NewError(mcproto.CodeConnPoll, "connection poll error")
				}
				continue
			}

			if pfd.Revents&unix.POLLIN != 0 && !e.anySent {
				n, rerr := e.c.Recv(true)
				if rerr != nil || n == 0 {
					e.c.MarkDead("peer closed before send", 0)
					if e.c.TryReconnect() {
						e.c.Rewind()
						e.events = unix.POLLOUT
						e.anySent = false
					} else {
						e.done = true
						remaining--
						lastErr = mcproto.NewError(mcproto.CodeRecv, "connection closed before send")
					}
					continue
				}
				// n == -1 (EAGAIN): spurious wakeup, nothing visible yet.
			}

			if pfd.Revents&unix.POLLOUT != 0 {
				left, serr := e.c.Send()
				if serr != nil {
					e.c.MarkDead("send error", 0)
					if e.c.TryReconnect() {
						e.c.Rewind()
						e.events = unix.POLLOUT
						e.anySent = false
					} else {
						e.done = true
						remaining--
						lastErr = mcproto.NewError(mcproto.CodeSend, serr.Error())
					}
					continue
				}
				if left == 0 {
					e.anySent = true
					e.events = unix.POLLIN
					if e.c.PendingReplies() == 0 {
						e.done = true
						remaining--
					}
				}
				continue
			}

			if pfd.Revents&unix.POLLIN != 0 {
				n, rerr := e.c.Recv(false)
				if rerr != nil || n == 0 {
					e.c.MarkDead("recv error", 0)
					if e.c.TryReconnect() {
						e.c.Rewind()
						e.events = unix.POLLOUT
						e.anySent = false
					} else {
						e.done = true
						remaining--
						lastErr = mcproto.NewError(mcproto.CodeRecv, "recv failed")
					}
					continue
				}
				if n < 0 {
					continue // EAGAIN: wait for the next poll iteration
				}

				perr := e.c.Process()
				switch {
				case perr == nil:
					e.events = 0
					e.done = true
					remaining--
				case errors.Is(perr, buffer.ErrIncomplete):
					// keep POLLIN, wait for more bytes
				default:
					var mcErr *mcproto.Error
					if errors.As(perr, &mcErr) {
						e.c.MarkDead(mcErr.Code.String(), 0)
						lastErr = mcErr
					} else {
						e.c.MarkDead("programming error", 0)
						lastErr = mcproto.NewError(mcproto.CodeProgramming, perr.Error())
					}
					e.done = true
					remaining--
				}
			}
		}
	}

	return lastErr
}
