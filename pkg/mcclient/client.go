// Package mcclient is the public facade binding dispatch, pool and hashkit
// behind one type: a single-threaded memcached Client, safe to use from one
// goroutine at a time (spec.md §5 — callers needing parallelism wrap
// multiple Clients in pkg/mcpool.ClientPool).
//
// Grounded on the teacher's top-level agent.Agent-style facade: a small
// public type whose methods delegate to internal packages, keeping internal/
// wiring details (pool construction, connection lifecycle) out of the
// caller's view.
package mcclient

import (
	"context"
	"log/slog"
	"time"

	"github.com/nishisan-dev/go-mcketama/internal/dispatch"
	"github.com/nishisan-dev/go-mcketama/internal/hashkit"
	"github.com/nishisan-dev/go-mcketama/internal/mcproto"
	"github.com/nishisan-dev/go-mcketama/internal/parser"
	"github.com/nishisan-dev/go-mcketama/internal/pool"
)

// Item is one retrieved key/value pair.
type Item struct {
	Key       string
	Value     []byte
	Flags     uint32
	CasUnique uint64
}

// Options configures a Client. It deliberately does not depend on
// internal/config's YAML loader — that loader is itself an external
// collaborator (spec.md §1); callers that want YAML-driven configuration
// use pkg/mcpool.ClientPool, which loads config.ClientOptions and builds
// this struct itself.
type Options struct {
	Servers        []hashkit.ServerSpec
	ConnectTimeout time.Duration
	RetryTimeout   time.Duration
	PollTimeout    time.Duration
	MaxRetries     int
	HashFunction   hashkit.Function
	EnableFailover bool
	EnableFlushAll bool
	Logger         *slog.Logger
}

// Client is one single-threaded memcached client bound to a fixed server
// fleet.
type Client struct {
	dispatch *dispatch.Client
}

// New builds a Client. No network activity happens until the first call.
func New(opts Options) *Client {
	p := pool.New(
		opts.Servers,
		opts.ConnectTimeout,
		opts.RetryTimeout,
		opts.PollTimeout,
		opts.MaxRetries,
		opts.HashFunction,
		opts.EnableFailover,
		opts.Logger,
	)
	return &Client{dispatch: dispatch.New(p, opts.EnableFlushAll)}
}

// Get fetches one or more keys in a single round trip per server they route to.
func (c *Client) Get(keys ...string) ([]Item, error) {
	byteKeys := make([][]byte, len(keys))
	for i, k := range keys {
		byteKeys[i] = []byte(k)
	}
	items, err := c.dispatch.Get(byteKeys)
	if err != nil {
		return nil, err
	}
	out := make([]Item, len(items))
	for i, it := range items {
		out[i] = Item{Key: it.Key, Value: it.Value, Flags: it.Flags, CasUnique: it.CasUnique}
	}
	return out, nil
}

// Set stores a value unconditionally.
func (c *Client) Set(key string, value []byte, flags uint32, exptime int32) (bool, error) {
	kind, err := c.dispatch.Set([]byte(key), value, flags, exptime, false)
	return kind == parser.MsgStored, err
}

// Add stores a value only if the key doesn't already exist.
func (c *Client) Add(key string, value []byte, flags uint32, exptime int32) (bool, error) {
	kind, err := c.dispatch.Add([]byte(key), value, flags, exptime, false)
	return kind == parser.MsgStored, err
}

// Replace stores a value only if the key already exists.
func (c *Client) Replace(key string, value []byte, flags uint32, exptime int32) (bool, error) {
	kind, err := c.dispatch.Replace([]byte(key), value, flags, exptime, false)
	return kind == parser.MsgStored, err
}

// Append tacks value onto the end of an existing key's data.
func (c *Client) Append(key string, value []byte) (bool, error) {
	kind, err := c.dispatch.Append([]byte(key), value, false)
	return kind == parser.MsgStored, err
}

// Prepend tacks value onto the front of an existing key's data.
func (c *Client) Prepend(key string, value []byte) (bool, error) {
	kind, err := c.dispatch.Prepend([]byte(key), value, false)
	return kind == parser.MsgStored, err
}

// Cas performs a compare-and-swap store. ok is true only on MsgStored; a
// cas mismatch (MsgExists) or missing key (MsgNotFound) returns ok=false
// with no error, and this method does not report which of the two it was.
func (c *Client) Cas(key string, value []byte, flags uint32, exptime int32, casUnique uint64) (bool, error) {
	kind, err := c.dispatch.Cas([]byte(key), value, flags, exptime, casUnique, false)
	return kind == parser.MsgStored, err
}

// Delete removes a key. found is false when the key didn't exist.
func (c *Client) Delete(key string) (found bool, err error) {
	kind, err := c.dispatch.Delete([]byte(key), false)
	return kind == parser.MsgDeleted, err
}

// Touch updates a key's expiration without fetching its value.
func (c *Client) Touch(key string, exptime int32) (found bool, err error) {
	kind, err := c.dispatch.Touch([]byte(key), exptime, false)
	return kind == parser.MsgTouched, err
}

// Incr and Decr adjust a numeric value. found is false on NOT_FOUND.
func (c *Client) Incr(key string, delta uint64) (value uint64, found bool, err error) {
	return c.dispatch.Incr([]byte(key), delta, false)
}

func (c *Client) Decr(key string, delta uint64) (value uint64, found bool, err error) {
	return c.dispatch.Decr([]byte(key), delta, false)
}

// Version returns each server's version string keyed by its display name.
func (c *Client) Version() (map[string]string, error) { return c.dispatch.Version() }

// Stats returns each server's STAT name/value pairs keyed by its display name.
func (c *Client) Stats() (map[string]map[string]string, error) { return c.dispatch.Stats() }

// FlushAll clears every server's cache. Refused unless EnableFlushAll was
// set in Options, per spec.md §6.
func (c *Client) FlushAll() error { return c.dispatch.FlushAll(false) }

// Ping health-checks every server by sending VERSION and discarding the reply
// text, returning how many servers are alive afterwards.
func (c *Client) Ping() (reachable int, err error) {
	n, perr := c.dispatch.Pool.Ping(context.Background())
	if perr != nil {
		return n, perr
	}
	return n, nil
}

// Quit sends a noreply QUIT to every server and releases every socket.
func (c *Client) Quit() { c.dispatch.Quit() }

// DisplayCode translates an error returned by any Client method back to the
// stable integer ladder spec.md §6 defines, for callers that need the
// original numeric codes rather than just a Go error.
func DisplayCode(err error) mcproto.Code {
	if err == nil {
		return mcproto.CodeOK
	}
	if mcErr, ok := err.(*mcproto.Error); ok {
		return mcErr.Code
	}
	return mcproto.CodeProgramming
}
