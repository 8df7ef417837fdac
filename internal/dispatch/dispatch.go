// Package dispatch is the thin command-formatting layer spec.md §1 names as
// an external collaborator to the core: it turns a Go method call into the
// literal ASCII wire frame mcproto.go defines, hands it to the pool, and
// translates the pool's result lists back into small domain types. The core
// (buffer/parser/hashkit/conn/pool) has no notion of "set" or "get" — only
// bytes, keys and replies; dispatch is where those verbs live.
//
// Grounded on the teacher's internal/protocol/control.go: a thin layer of
// one function per control-plane verb, each building a frame and calling
// into the lower transport layer, generalized from the backup agent's
// control messages to memcached's storage/retrieval/numeric/broadcast verbs.
package dispatch

import (
	"fmt"
	"strconv"

	"github.com/nishisan-dev/go-mcketama/internal/mcproto"
	"github.com/nishisan-dev/go-mcketama/internal/parser"
	"github.com/nishisan-dev/go-mcketama/internal/pool"
)

// Client binds a Pool to the dispatch verbs. EnableFlushAll mirrors
// spec.md §6's enable_flush_all guard.
type Client struct {
	Pool           *pool.Pool
	EnableFlushAll bool
}

// New wraps an already-constructed Pool.
func New(p *pool.Pool, enableFlushAll bool) *Client {
	return &Client{Pool: p, EnableFlushAll: enableFlushAll}
}

// Item is one retrieved key/value pair.
type Item struct {
	Key       string
	Value     []byte
	Flags     uint32
	CasUnique uint64
}

func storageFrame(cmd string, key []byte, flags uint32, exptime int32, value []byte, cas uint64, withCas bool, noreply bool) []byte {
	var b []byte
	b = append(b, cmd...)
	b = append(b, key...)
	b = append(b, ' ')
	b = strconv.AppendUint(b, uint64(flags), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(exptime), 10)
	b = append(b, ' ')
	b = strconv.AppendInt(b, int64(len(value)), 10)
	if withCas {
		b = append(b, ' ')
		b = strconv.AppendUint(b, cas, 10)
	}
	if noreply {
		b = append(b, mcproto.SuffixNoreply...)
	}
	b = append(b, mcproto.CRLF...)
	b = append(b, value...)
	b = append(b, mcproto.CRLF...)
	return b
}

func (c *Client) store(cmd string, key, value []byte, flags uint32, exptime int32, noreply bool) (parser.MessageKind, error) {
	return c.storeWithCas(cmd, key, value, flags, exptime, 0, false, noreply)
}

func (c *Client) storeWithCas(cmd string, key, value []byte, flags uint32, exptime int32, cas uint64, withCas bool, noreply bool) (parser.MessageKind, error) {
	frame := storageFrame(cmd, key, flags, exptime, value, cas, withCas, noreply)
	item := pool.KeyCommand{Key: key, Frame: frame, ExpectReply: !noreply}
	if err := c.Pool.DispatchKeyed([]pool.KeyCommand{item}, parser.ModeCounting); err != nil {
		c.Pool.ResetConnections()
		return 0, err
	}
	msgs := c.Pool.CollectMessages()
	c.Pool.ResetConnections()
	if noreply {
		return parser.MsgStored, nil
	}
	if len(msgs) == 0 {
		return 0, mcproto.NewError(mcproto.CodeServerError, "no reply received for storage command")
	}
	return msgs[0].Kind, nil
}

// Set, Add, Replace, Append and Prepend mirror the five storage verbs
// spec.md §6 lists. The returned MessageKind is one of
// MsgStored/MsgNotStored depending on the verb's semantics on the server.
func (c *Client) Set(key, value []byte, flags uint32, exptime int32, noreply bool) (parser.MessageKind, error) {
	return c.store(mcproto.CmdSet, key, value, flags, exptime, noreply)
}

func (c *Client) Add(key, value []byte, flags uint32, exptime int32, noreply bool) (parser.MessageKind, error) {
	return c.store(mcproto.CmdAdd, key, value, flags, exptime, noreply)
}

func (c *Client) Replace(key, value []byte, flags uint32, exptime int32, noreply bool) (parser.MessageKind, error) {
	return c.store(mcproto.CmdReplace, key, value, flags, exptime, noreply)
}

func (c *Client) Append(key, value []byte, noreply bool) (parser.MessageKind, error) {
	return c.store(mcproto.CmdAppend, key, value, 0, 0, noreply)
}

func (c *Client) Prepend(key, value []byte, noreply bool) (parser.MessageKind, error) {
	return c.store(mcproto.CmdPrepend, key, value, 0, 0, noreply)
}

// Cas performs a compare-and-swap store, returning MsgStored, MsgExists (cas
// mismatch) or MsgNotFound (key gone).
func (c *Client) Cas(key, value []byte, flags uint32, exptime int32, casUnique uint64, noreply bool) (parser.MessageKind, error) {
	return c.storeWithCas(mcproto.CmdCas, key, value, flags, exptime, casUnique, true, noreply)
}

// Delete removes a key, returning MsgDeleted or MsgNotFound.
func (c *Client) Delete(key []byte, noreply bool) (parser.MessageKind, error) {
	frame := []byte(mcproto.CmdDelete)
	frame = append(frame, key...)
	if noreply {
		frame = append(frame, mcproto.SuffixNoreply...)
	}
	frame = append(frame, mcproto.CRLF...)

	item := pool.KeyCommand{Key: key, Frame: frame, ExpectReply: !noreply}
	if err := c.Pool.DispatchKeyed([]pool.KeyCommand{item}, parser.ModeCounting); err != nil {
		c.Pool.ResetConnections()
		return 0, err
	}
	msgs := c.Pool.CollectMessages()
	c.Pool.ResetConnections()
	if noreply {
		return parser.MsgDeleted, nil
	}
	if len(msgs) == 0 {
		return 0, mcproto.NewError(mcproto.CodeServerError, "no reply received for delete")
	}
	return msgs[0].Kind, nil
}

// Touch updates a key's expiration, returning MsgTouched or MsgNotFound.
func (c *Client) Touch(key []byte, exptime int32, noreply bool) (parser.MessageKind, error) {
	frame := []byte(mcproto.CmdTouch)
	frame = append(frame, key...)
	frame = append(frame, ' ')
	frame = strconv.AppendInt(frame, int64(exptime), 10)
	if noreply {
		frame = append(frame, mcproto.SuffixNoreply...)
	}
	frame = append(frame, mcproto.CRLF...)

	item := pool.KeyCommand{Key: key, Frame: frame, ExpectReply: !noreply}
	if err := c.Pool.DispatchKeyed([]pool.KeyCommand{item}, parser.ModeCounting); err != nil {
		c.Pool.ResetConnections()
		return 0, err
	}
	msgs := c.Pool.CollectMessages()
	c.Pool.ResetConnections()
	if noreply {
		return parser.MsgTouched, nil
	}
	if len(msgs) == 0 {
		return 0, mcproto.NewError(mcproto.CodeServerError, "no reply received for touch")
	}
	return msgs[0].Kind, nil
}

func (c *Client) incrDecr(cmd string, key []byte, delta uint64, noreply bool) (uint64, bool, error) {
	frame := []byte(cmd)
	frame = append(frame, key...)
	frame = append(frame, ' ')
	frame = strconv.AppendUint(frame, delta, 10)
	if noreply {
		frame = append(frame, mcproto.SuffixNoreply...)
	}
	frame = append(frame, mcproto.CRLF...)

	item := pool.KeyCommand{Key: key, Frame: frame, ExpectReply: !noreply}
	if err := c.Pool.DispatchKeyed([]pool.KeyCommand{item}, parser.ModeCounting); err != nil {
		c.Pool.ResetConnections()
		return 0, false, err
	}
	unsigneds := c.Pool.CollectUnsigneds()
	msgs := c.Pool.CollectMessages()
	c.Pool.ResetConnections()
	if noreply {
		return 0, true, nil
	}
	if len(unsigneds) > 0 {
		return unsigneds[0].Value, true, nil
	}
	if len(msgs) > 0 && msgs[0].Kind == parser.MsgNotFound {
		return 0, false, nil
	}
	return 0, false, mcproto.NewError(mcproto.CodeServerError, "no reply received for incr/decr")
}

// Incr and Decr adjust a numeric value, returning (newValue, found, err).
// found is false when the key doesn't exist (memcached's NOT_FOUND).
func (c *Client) Incr(key []byte, delta uint64, noreply bool) (uint64, bool, error) {
	return c.incrDecr(mcproto.CmdIncr, key, delta, noreply)
}

func (c *Client) Decr(key []byte, delta uint64, noreply bool) (uint64, bool, error) {
	return c.incrDecr(mcproto.CmdDecr, key, delta, noreply)
}

// Get fetches one or more keys in a single batch, one network round trip per
// server the keys route to. Keys routing to the same connection are
// coalesced into a single "get k1 k2 ...\r\n" command rather than one frame
// per key, since the text protocol's multi-key GET answers with one
// VALUE*...END stream per command, not one END per key.
func (c *Client) Get(keys [][]byte) ([]Item, error) {
	byConn := make(map[int][][]byte, len(keys))
	invalid := 0
	for _, k := range keys {
		idx, ok := c.Pool.Route(k)
		if !ok {
			if !mcproto.IsValidKey(k) {
				invalid++
			}
			continue
		}
		byConn[idx] = append(byConn[idx], k)
	}
	if len(byConn) == 0 {
		if invalid > 0 {
			return nil, mcproto.NewError(mcproto.CodeInvalidKey, "no valid key routed to any server")
		}
		return nil, mcproto.NewError(mcproto.CodeServerError, "no server available to dispatch to")
	}

	frames := make(map[int][]byte, len(byConn))
	for idx, ks := range byConn {
		frame := []byte(mcproto.CmdGet)
		for _, k := range ks {
			frame = append(frame, ' ')
			frame = append(frame, k...)
		}
		frame = append(frame, mcproto.CRLF...)
		frames[idx] = frame
	}

	if err := c.Pool.DispatchGrouped(frames, parser.ModeEndState); err != nil {
		c.Pool.ResetConnections()
		return nil, err
	}
	retrievals := c.Pool.CollectRetrievals()
	c.Pool.ResetConnections()

	out := make([]Item, 0, len(retrievals))
	for _, r := range retrievals {
		out = append(out, Item{
			Key:       string(r.Key.Bytes()),
			Value:     r.DataBlock.Bytes(),
			Flags:     r.Flags,
			CasUnique: r.CasUnique,
		})
	}
	return out, nil
}

// Version broadcasts VERSION to every server, returning the version string
// keyed by the server's display name.
func (c *Client) Version() (map[string]string, error) {
	frame := []byte(mcproto.CmdVersion + mcproto.CRLF)
	if err := c.Pool.DispatchBroadcast(frame, true, parser.ModeEndState); err != nil {
		c.Pool.ResetConnections()
		return nil, err
	}
	results := c.Pool.CollectBroadcast()
	c.Pool.ResetConnections()

	out := make(map[string]string, len(results))
	for _, r := range results {
		if !r.OK || len(r.Lines) == 0 {
			continue
		}
		out[r.Host] = string(r.Lines[0].Line.Bytes())
	}
	return out, nil
}

// Stats broadcasts STATS, returning a name->value map per server.
func (c *Client) Stats() (map[string]map[string]string, error) {
	frame := []byte(mcproto.CmdStats + mcproto.CRLF)
	if err := c.Pool.DispatchBroadcast(frame, true, parser.ModeEndState); err != nil {
		c.Pool.ResetConnections()
		return nil, err
	}
	results := c.Pool.CollectBroadcast()
	c.Pool.ResetConnections()

	out := make(map[string]map[string]string, len(results))
	for _, r := range results {
		if !r.OK {
			continue
		}
		kv := make(map[string]string, len(r.Lines))
		for _, line := range r.Lines {
			// The parser already strips the "STAT " prefix (mcproto.TokStatSP)
			// before recording the line, so only "<name> <value>" remains.
			text := string(line.Line.Bytes())
			var k, v string
			if _, err := fmt.Sscanf(text, "%s %s", &k, &v); err == nil {
				kv[k] = v
			}
		}
		out[r.Host] = kv
	}
	return out, nil
}

// FlushAll broadcasts FLUSH_ALL. Refused with CodeProgramming unless
// EnableFlushAll is set, per spec.md §6.
func (c *Client) FlushAll(noreply bool) error {
	if !c.EnableFlushAll {
		return mcproto.NewError(mcproto.CodeProgramming, "flush_all is disabled (enable_flush_all=false)")
	}
	frame := []byte(mcproto.CmdFlushAll)
	if noreply {
		frame = append(frame, mcproto.SuffixNoreply...)
	}
	frame = append(frame, mcproto.CRLF...)
	if err := c.Pool.DispatchBroadcast(frame, !noreply, parser.ModeEndState); err != nil {
		c.Pool.ResetConnections()
		return err
	}
	c.Pool.ResetConnections()
	return nil
}

// Quit sends a noreply QUIT to every server, then marks every connection
// dead with reason "quit" (spec.md §9 item 4: unconditional, to release
// sockets, without waiting for any reply since there is none).
func (c *Client) Quit() {
	frame := []byte(mcproto.CmdQuit + mcproto.SuffixNoreply + mcproto.CRLF)
	_ = c.Pool.DispatchBroadcast(frame, false, parser.ModeEndState)
	c.Pool.ResetConnections()
	for _, conn := range c.Pool.Conns() {
		conn.MarkDead("quit", 0)
	}
}
