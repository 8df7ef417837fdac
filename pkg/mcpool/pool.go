// Package mcpool implements ClientPool, the external collaborator spec.md §5
// describes for multi-threaded callers: a fixed-size, FIFO-fair pool of
// single-threaded mcclient.Client instances, each wrapping its own fleet of
// connections. A goroutine may only touch one Client at a time (spec.md §5's
// single-threaded-per-Client rule); ClientPool is how many goroutines share a
// fleet safely.
//
// Grounded on the teacher's internal/agent package: NewScheduler's
// cron-driven periodic job (here, a reconnect sweep instead of a backup run)
// and SystemMonitor's periodically-collected, mutex-guarded stats struct
// (here, process-level FD/RSS stats instead of host-level CPU/disk/load).
// The FIFO wait-queue/idle-eviction shape is supplemented from
// original_source/tests/test_client_pool.cpp, which exercises exactly this
// behavior in the reference implementation.
package mcpool

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/shirou/gopsutil/v3/process"

	"github.com/nishisan-dev/go-mcketama/internal/config"
	"github.com/nishisan-dev/go-mcketama/internal/hashkit"
	"github.com/nishisan-dev/go-mcketama/pkg/mcclient"
)

// pooledClient tracks one fleet-bound Client plus its last-release time, used
// by the idle-eviction sweep to decide when to recycle (Quit + rebuild) a
// long-idle member instead of leaving its sockets open indefinitely.
type pooledClient struct {
	client   *mcclient.Client
	lastUsed time.Time
	busy     int32 // atomic: 0 idle, 1 in use
}

func (pc *pooledClient) inUse() bool   { return atomic.LoadInt32(&pc.busy) == 1 }
func (pc *pooledClient) markInUse()    { atomic.StoreInt32(&pc.busy, 1) }
func (pc *pooledClient) clearInUse()   { atomic.StoreInt32(&pc.busy, 0) }

// ClientPool is a fixed-size, FIFO-ordered pool of Clients sharing the same
// server fleet and options.
type ClientPool struct {
	opts   *config.ClientOptions
	logger *slog.Logger

	mu      sync.Mutex
	all     []*pooledClient
	waiters []chan *pooledClient // FIFO queue: oldest waiter is waiters[0]

	idleTimeout time.Duration

	cron *cron.Cron

	closed bool
}

// NewFromFile loads YAML options from path and builds a ClientPool.
func NewFromFile(path string, logger *slog.Logger) (*ClientPool, error) {
	opts, err := config.Load(path)
	if err != nil {
		return nil, err
	}
	return New(opts, logger)
}

// New builds a ClientPool from already-loaded options, constructing
// opts.Pool.Size Client instances up front against the same server fleet.
func New(opts *config.ClientOptions, logger *slog.Logger) (*ClientPool, error) {
	if logger == nil {
		logger = slog.Default()
	}
	hashFn, err := opts.ResolveHashFunction()
	if err != nil {
		return nil, fmt.Errorf("building client pool: %w", err)
	}

	servers := make([]hashkit.ServerSpec, len(opts.Servers))
	for i, s := range opts.Servers {
		servers[i] = hashkit.ServerSpec{Host: s.Host, Port: s.Port, Alias: s.Alias}
	}

	p := &ClientPool{
		opts:        opts,
		logger:      logger.With("component", "client_pool"),
		idleTimeout: opts.Pool.IdleTimeout,
	}

	for i := 0; i < opts.Pool.Size; i++ {
		c := mcclient.New(mcclient.Options{
			Servers:        servers,
			ConnectTimeout: opts.ConnectTimeout(),
			RetryTimeout:   opts.RetryTimeout(),
			PollTimeout:    opts.PollTimeout(),
			MaxRetries:     opts.MaxRetries,
			HashFunction:   hashFn,
			EnableFailover: opts.EnableFailover,
			EnableFlushAll: opts.EnableFlushAll,
			Logger:         logger,
		})
		p.all = append(p.all, &pooledClient{client: c, lastUsed: time.Time{}})
	}

	sched := cron.New(cron.WithLogger(cron.VerbosePrintfLogger(slog.NewLogLogger(p.logger.Handler(), slog.LevelDebug))))
	if _, err := sched.AddFunc(opts.Pool.HealthCheckCron, p.sweep); err != nil {
		return nil, fmt.Errorf("registering health check sweep: %w", err)
	}
	p.cron = sched
	p.cron.Start()

	return p, nil
}

// Acquire blocks, FIFO-ordered, until a Client is available or ctx is
// cancelled. Callers must Release the Client when done.
func (p *ClientPool) Acquire(ctx context.Context) (*mcclient.Client, error) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil, fmt.Errorf("client pool is closed")
	}
	for _, pc := range p.all {
		if !pc.inUse() {
			pc.markInUse()
			p.mu.Unlock()
			return pc.client, nil
		}
	}
	wait := make(chan *pooledClient, 1)
	p.waiters = append(p.waiters, wait)
	p.mu.Unlock()

	select {
	case pc := <-wait:
		pc.markInUse()
		return pc.client, nil
	case <-ctx.Done():
		p.mu.Lock()
		p.removeWaiter(wait)
		p.mu.Unlock()
		return nil, ctx.Err()
	}
}

// Release returns c to the pool, waking the oldest waiter if any (FIFO
// fairness, per original_source/tests/test_client_pool.cpp).
func (p *ClientPool) Release(c *mcclient.Client) {
	p.mu.Lock()
	defer p.mu.Unlock()

	var pc *pooledClient
	for _, candidate := range p.all {
		if candidate.client == c {
			pc = candidate
			break
		}
	}
	if pc == nil {
		return // not a member of this pool
	}
	pc.lastUsed = time.Now()
	pc.clearInUse()

	if len(p.waiters) > 0 {
		next := p.waiters[0]
		p.waiters = p.waiters[1:]
		pc.markInUse()
		next <- pc
	}
}

func (p *ClientPool) removeWaiter(target chan *pooledClient) {
	for i, w := range p.waiters {
		if w == target {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// sweep runs on the cron schedule: it calls TryReconnect on every dead
// connection across every pooled client's fleet, matching spec.md §5's
// ClientPool responsibility of keeping idle members' sockets warm, plus
// recycles members idle past idleTimeout (Quit releases their sockets; the
// next Acquire redials lazily on first use).
func (p *ClientPool) sweep() {
	p.mu.Lock()
	members := make([]*pooledClient, len(p.all))
	copy(members, p.all)
	lastUsed := make([]time.Time, len(members))
	for i, pc := range members {
		lastUsed[i] = pc.lastUsed
	}
	p.mu.Unlock()

	now := time.Now()
	for i, pc := range members {
		if pc.inUse() {
			continue
		}
		if n, err := pc.client.Ping(); err != nil {
			p.logger.Debug("health check sweep found an unreachable fleet", "reachable", n, "error", err)
		}
		if p.idleTimeout > 0 && !lastUsed[i].IsZero() && now.Sub(lastUsed[i]) > p.idleTimeout {
			p.logger.Info("recycling idle client", "idle_for", now.Sub(lastUsed[i]))
			pc.client.Quit()
			p.mu.Lock()
			pc.lastUsed = time.Time{}
			p.mu.Unlock()
		}
	}
}

// Stats reports pool occupancy plus this process's open file descriptor
// count and resident memory, the way the teacher's SystemMonitor reports
// host-level metrics — here scoped to the process, via gopsutil's process
// subpackage. Any gopsutil failure degrades the corresponding field to zero
// rather than propagating an error, matching gopsutil's own tolerant idiom.
type Stats struct {
	Size     int
	InUse    int
	Idle     int
	Waiting  int
	OpenFDs  int32
	RSSBytes uint64
}

func (p *ClientPool) Stats() Stats {
	p.mu.Lock()
	s := Stats{Size: len(p.all), Waiting: len(p.waiters)}
	for _, pc := range p.all {
		if pc.inUse() {
			s.InUse++
		} else {
			s.Idle++
		}
	}
	p.mu.Unlock()

	if proc, err := process.NewProcess(int32(os.Getpid())); err == nil {
		if fds, err := proc.NumFDs(); err == nil {
			s.OpenFDs = fds
		}
		if mi, err := proc.MemoryInfo(); err == nil && mi != nil {
			s.RSSBytes = mi.RSS
		}
	}
	return s
}

// Close stops the health-check scheduler and quits every pooled client.
func (p *ClientPool) Close(ctx context.Context) {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return
	}
	p.closed = true
	members := make([]*pooledClient, len(p.all))
	copy(members, p.all)
	p.mu.Unlock()

	p.cron.Stop()
	for _, pc := range members {
		pc.client.Quit()
	}
}
