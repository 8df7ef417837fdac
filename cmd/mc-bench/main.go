// Command mc-bench exercises a Client against a live memcached fleet: it
// loads a YAML options file, runs a small fixed workload (set then get per
// key), and prints total and per-op latency plus the Ping reachability count
// to stdout.
//
// Grounded on the teacher's cmd/nbackup-agent/main.go: flag-based entry
// point, config.Load + logging.New wiring, and an --once-style single-run
// mode that exits non-zero on failure.
package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/nishisan-dev/go-mcketama/internal/config"
	"github.com/nishisan-dev/go-mcketama/internal/hashkit"
	"github.com/nishisan-dev/go-mcketama/internal/logging"
	"github.com/nishisan-dev/go-mcketama/pkg/mcclient"
	"github.com/nishisan-dev/go-mcketama/pkg/mcpool"
)

func main() {
	configPath := flag.String("config", "/etc/mc-bench/client.yaml", "path to client options file")
	keys := flag.Int("keys", 1000, "number of distinct keys to exercise")
	valueSize := flag.Int("value-size", 100, "value size in bytes")
	usePool := flag.Bool("pool", false, "acquire the client through a ClientPool instead of a bare Client")
	flag.Parse()

	cfg, err := config.Load(*configPath)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error loading config: %v\n", err)
		os.Exit(1)
	}

	logger, logCloser := logging.New(cfg.Logging.Level, cfg.Logging.Format, cfg.Logging.File)
	defer logCloser.Close()

	if *usePool {
		if err := runWithPool(cfg, logger, *keys, *valueSize); err != nil {
			logger.Error("workload failed", "error", err)
			os.Exit(1)
		}
		return
	}
	if err := runStandalone(cfg, *keys, *valueSize); err != nil {
		logger.Error("workload failed", "error", err)
		os.Exit(1)
	}
}

func buildClient(cfg *config.ClientOptions) (*mcclient.Client, error) {
	hashFn, err := cfg.ResolveHashFunction()
	if err != nil {
		return nil, fmt.Errorf("resolving hash function: %w", err)
	}
	servers := make([]hashkit.ServerSpec, len(cfg.Servers))
	for i, s := range cfg.Servers {
		servers[i] = hashkit.ServerSpec{Host: s.Host, Port: s.Port, Alias: s.Alias}
	}
	return mcclient.New(mcclient.Options{
		Servers:        servers,
		ConnectTimeout: cfg.ConnectTimeout(),
		RetryTimeout:   cfg.RetryTimeout(),
		PollTimeout:    cfg.PollTimeout(),
		MaxRetries:     cfg.MaxRetries,
		HashFunction:   hashFn,
		EnableFailover: cfg.EnableFailover,
		EnableFlushAll: cfg.EnableFlushAll,
	}), nil
}

func runStandalone(cfg *config.ClientOptions, keys, valueSize int) error {
	client, err := buildClient(cfg)
	if err != nil {
		return err
	}
	defer client.Quit()
	return runWorkload(client, keys, valueSize)
}

func runWithPool(cfg *config.ClientOptions, logger *slog.Logger, keys, valueSize int) error {
	pool, err := mcpool.New(cfg, logger)
	if err != nil {
		return fmt.Errorf("building client pool: %w", err)
	}
	defer pool.Close(context.Background())

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	client, err := pool.Acquire(ctx)
	if err != nil {
		return fmt.Errorf("acquiring client: %w", err)
	}
	defer pool.Release(client)

	return runWorkload(client, keys, valueSize)
}

func runWorkload(c *mcclient.Client, keys, valueSize int) error {
	value := make([]byte, valueSize)
	for i := range value {
		value[i] = byte('a' + i%26)
	}

	start := time.Now()
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("mc-bench:%d", i)
		if _, err := c.Set(key, value, 0, 0); err != nil {
			return fmt.Errorf("set %s: %w", key, err)
		}
	}
	setElapsed := time.Since(start)

	start = time.Now()
	for i := 0; i < keys; i++ {
		key := fmt.Sprintf("mc-bench:%d", i)
		if _, err := c.Get(key); err != nil {
			return fmt.Errorf("get %s: %w", key, err)
		}
	}
	getElapsed := time.Since(start)

	reachable, err := c.Ping()
	if err != nil {
		return fmt.Errorf("ping: %w", err)
	}

	fmt.Printf("keys=%d value_size=%d reachable_servers=%d\n", keys, valueSize, reachable)
	fmt.Printf("set: %v total, %v/op\n", setElapsed, setElapsed/time.Duration(keys))
	fmt.Printf("get: %v total, %v/op\n", getElapsed, getElapsed/time.Duration(keys))
	return nil
}
