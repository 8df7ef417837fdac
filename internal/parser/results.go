// Package parser implements the incremental, resumable response decoder
// described by the component design's PacketParser: a finite-state machine
// that turns raw bytes sitting in a buffer.BufferReader into typed result
// lists without ever blocking on a short read.
//
// Grounded on the teacher's internal/agent protocol decoder (a resumable
// length-prefixed frame reader driven off its own ring buffer) generalized
// from one binary frame shape to the several ASCII reply shapes memcached
// uses.
package parser

import "github.com/nishisan-dev/go-mcketama/internal/buffer"

// MessageKind enumerates the single-line confirmation replies.
type MessageKind int

const (
	MsgExists MessageKind = iota
	MsgOK
	MsgStored
	MsgNotStored
	MsgNotFound
	MsgDeleted
	MsgTouched
)

func (k MessageKind) String() string {
	switch k {
	case MsgExists:
		return "EXISTS"
	case MsgOK:
		return "OK"
	case MsgStored:
		return "STORED"
	case MsgNotStored:
		return "NOT_STORED"
	case MsgNotFound:
		return "NOT_FOUND"
	case MsgDeleted:
		return "DELETED"
	case MsgTouched:
		return "TOUCHED"
	default:
		return "UNKNOWN"
	}
}

// RetrievalResult is one decoded VALUE reply. Valid iff BytesRemain == 0; a
// result is only ever appended to PacketParser.Retrievals once complete, so
// callers never observe BytesRemain > 0 on a collected result.
type RetrievalResult struct {
	Key         buffer.TokenData
	KeyLen      int
	DataBlock   buffer.TokenData
	Bytes       uint32
	BytesRemain uint32
	Flags       uint32
	CasUnique   uint64
}

// Valid reports whether the retrieval completed (all value bytes consumed).
func (r *RetrievalResult) Valid() bool { return r.BytesRemain == 0 }

// MessageResult is one single-line confirmation (STORED, DELETED, ...). Key
// is a plain copy, not a TokenData, since it originates from the expected-key
// queue the dispatch layer populated rather than from the wire.
type MessageResult struct {
	Kind MessageKind
	Key  []byte
}

// LineResult is one free-form text line (a STAT line or the VERSION reply),
// with the terminating CR stripped.
type LineResult struct {
	Line    buffer.TokenData
	LineLen int
}

// UnsignedResult is the numeric reply to incr/decr.
type UnsignedResult struct {
	Key   []byte
	Value uint64
}
