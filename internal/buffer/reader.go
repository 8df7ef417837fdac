package buffer

import (
	"bytes"
	"errors"
	"log/slog"
)

// Errors returned by BufferReader operations. ErrIncomplete is an internal,
// never-user-visible signal per spec.md §7 meaning "need more bytes before
// this step can make progress" — callers must leave all cursors untouched and
// retry once more bytes have been appended. ErrProgramming means the bytes
// present violate the expected grammar (a caller bug or a malformed peer).
var (
	ErrIncomplete  = errors.New("buffer: incomplete, need more bytes")
	ErrProgramming = errors.New("buffer: unexpected bytes")
)

// BufferReader is an ordered sequence of DataBlocks with a write cursor and a
// read cursor. Blocks before the read cursor may still have outstanding
// TokenData references but contain no unread bytes; blocks strictly after the
// write cursor do not exist yet.
type BufferReader struct {
	blocks      []*DataBlock
	minCapacity int
	logger      *slog.Logger

	writeIdx int // index of block currently being appended to, or len(blocks) if none

	readBlockIdx int
	readOffset   int
	readLeft     int

	pendingHint int // consulted once by PrepareWrite, then cleared
}

// NewBufferReader creates a reader with the given minimum block capacity.
// A minCapacity <= 0 falls back to DefaultMinCapacity.
func NewBufferReader(minCapacity int, logger *slog.Logger) *BufferReader {
	if minCapacity <= 0 {
		minCapacity = DefaultMinCapacity
	}
	return &BufferReader{minCapacity: minCapacity, logger: logger}
}

// ReadLeft returns the number of unread bytes behind the read cursor.
func (r *BufferReader) ReadLeft() int { return r.readLeft }

// PrepareWrite ensures at least one unfilled block exists, allocating a new
// block of size max(len, minCapacity) if the write cursor has no room. It
// returns min(len, remaining capacity of the current write block).
func (r *BufferReader) PrepareWrite(length int) int {
	first := len(r.blocks) == 0
	if r.writeIdx >= len(r.blocks) || r.blocks[r.writeIdx].remaining() == 0 {
		blockCap := length
		if blockCap < r.minCapacity {
			blockCap = r.minCapacity
		}
		if r.pendingHint > blockCap {
			blockCap = r.pendingHint
		}
		r.pendingHint = 0
		r.blocks = append(r.blocks, newDataBlock(blockCap))
		r.writeIdx = len(r.blocks) - 1
	}
	if first {
		r.readBlockIdx = r.writeIdx
		r.readOffset = r.blocks[r.writeIdx].size
	}
	avail := r.blocks[r.writeIdx].remaining()
	if length < avail {
		return length
	}
	return avail
}

// WriteSlice prepares room for up to length bytes and returns the writable
// region of the current write block (of size PrepareWrite(length), which may
// be less than length). The caller fills it directly — typically via a
// socket read — then reports the actual count through CommitWrite.
func (r *BufferReader) WriteSlice(length int) []byte {
	n := r.PrepareWrite(length)
	blk := r.blocks[r.writeIdx]
	return blk.data[blk.size : blk.size+n]
}

// CommitWrite advances the current write block's size by n bytes, rolling the
// write cursor forward when the block fills.
func (r *BufferReader) CommitWrite(n int) {
	blk := r.blocks[r.writeIdx]
	blk.size += n
	r.readLeft += n
	if blk.remaining() == 0 {
		r.writeIdx++
	}
}

// locate walks forward `skip` bytes from (blockIdx, offset), returning the
// landing position. skip must not exceed the bytes available from that point.
func (r *BufferReader) locate(blockIdx, offset, skip int) (int, int) {
	for {
		avail := r.blocks[blockIdx].size - offset
		if skip < avail {
			return blockIdx, offset + skip
		}
		skip -= avail
		blockIdx++
		offset = 0
		if skip == 0 {
			return blockIdx, 0
		}
	}
}

// Peek returns the byte `offset` past the read cursor without consuming it.
func (r *BufferReader) Peek(offset int) (byte, error) {
	if offset >= r.readLeft {
		return 0, ErrIncomplete
	}
	blockIdx, off := r.locate(r.readBlockIdx, r.readOffset, offset)
	return r.blocks[blockIdx].data[off], nil
}

// ReadUntil scans from the read cursor to the first occurrence of delim (not
// consumed), appending one slice per block traversed into out, and advances
// the read cursor past the scanned bytes (still not past delim itself).
// Returns the number of bytes emitted into out. Fails with ErrIncomplete,
// leaving the cursor untouched, if delim is not found among the unread bytes.
func (r *BufferReader) ReadUntil(delim byte, out *TokenData) (int, error) {
	blockIdx := r.readBlockIdx
	offset := r.readOffset
	n := 0
	var pending []Slice

	for {
		if blockIdx >= len(r.blocks) {
			return 0, ErrIncomplete
		}
		blk := r.blocks[blockIdx]
		seg := blk.data[offset:blk.size]
		if idx := bytes.IndexByte(seg, delim); idx >= 0 {
			if idx > 0 {
				pending = append(pending, Slice{block: blk, Offset: offset, Size: idx})
				n += idx
			}
			for _, s := range pending {
				out.appendSlice(s.block, s.Offset, s.Size)
			}
			r.readBlockIdx = blockIdx
			r.readOffset = offset + idx
			r.readLeft -= n
			return n, nil
		}
		if len(seg) > 0 {
			pending = append(pending, Slice{block: blk, Offset: offset, Size: len(seg)})
			n += len(seg)
		}
		blockIdx++
		offset = 0
	}
}

// SkipUntil behaves like ReadUntil but discards the scanned bytes instead of
// emitting a token.
func (r *BufferReader) SkipUntil(delim byte) (int, error) {
	var tmp TokenData
	n, err := r.ReadUntil(delim, &tmp)
	tmp.Release()
	return n, err
}

// ReadBytes consumes exactly n bytes into out. Fails ErrIncomplete, leaving
// the cursor untouched, if fewer than n bytes are available.
func (r *BufferReader) ReadBytes(n int, out *TokenData) error {
	if n > r.readLeft {
		return ErrIncomplete
	}
	blockIdx := r.readBlockIdx
	offset := r.readOffset
	remaining := n
	for remaining > 0 {
		blk := r.blocks[blockIdx]
		avail := blk.size - offset
		take := remaining
		if take > avail {
			take = avail
		}
		out.appendSlice(blk, offset, take)
		remaining -= take
		offset += take
		// Only step past a full block; the write block may still grow.
		if offset == len(blk.data) {
			blockIdx++
			offset = 0
		}
	}
	r.readBlockIdx = blockIdx
	r.readOffset = offset
	r.readLeft -= n
	return nil
}

// SkipBytes consumes n bytes, discarding them.
func (r *BufferReader) SkipBytes(n int) error {
	var tmp TokenData
	if err := r.ReadBytes(n, &tmp); err != nil {
		return err
	}
	tmp.Release()
	return nil
}

// ExpectBytes consumes len(lit) bytes and verifies they equal lit exactly.
// Returns ErrIncomplete if fewer bytes are buffered than needed (cursor
// untouched), ErrProgramming on a literal mismatch.
func (r *BufferReader) ExpectBytes(lit []byte) error {
	if len(lit) > r.readLeft {
		return ErrIncomplete
	}
	blockIdx := r.readBlockIdx
	offset := r.readOffset
	pos := 0
	for pos < len(lit) {
		blk := r.blocks[blockIdx]
		avail := blk.size - offset
		take := len(lit) - pos
		if take > avail {
			take = avail
		}
		if !bytes.Equal(blk.data[offset:offset+take], lit[pos:pos+take]) {
			return ErrProgramming
		}
		pos += take
		offset += take
		if offset == len(blk.data) {
			blockIdx++
			offset = 0
		}
	}
	r.readBlockIdx = blockIdx
	r.readOffset = offset
	r.readLeft -= len(lit)
	return nil
}

// ReadUnsigned consumes the maximal run of ASCII digits at the read cursor
// and parses it as a base-10 uint64. Fails ErrProgramming if the cursor does
// not start on a digit; fails ErrIncomplete if the digit run reaches the end
// of buffered data with no non-digit terminator yet observed (more digits may
// still arrive).
func (r *BufferReader) ReadUnsigned() (uint64, error) {
	if r.readLeft == 0 {
		return 0, ErrIncomplete
	}
	first, _ := r.Peek(0)
	if first < '0' || first > '9' {
		return 0, ErrProgramming
	}

	var value uint64
	n := 0
	for n < r.readLeft {
		b, _ := r.Peek(n)
		if b < '0' || b > '9' {
			break
		}
		value = value*10 + uint64(b-'0')
		n++
	}
	if n == r.readLeft {
		// ran off the end of buffered data without a terminator
		return 0, ErrIncomplete
	}
	r.readBlockIdx, r.readOffset = r.locate(r.readBlockIdx, r.readOffset, n)
	r.readLeft -= n
	return value, nil
}

// Reset releases all non-first blocks and rewinds the first block, provided
// refCount == 0 everywhere; a non-zero count is a soft error: logged and
// proceeded with anyway (the caller has already taken references it intends
// to keep past this reset).
func (r *BufferReader) Reset() {
	for i, blk := range r.blocks {
		if blk.refCount != 0 && r.logger != nil {
			r.logger.Warn("buffer reset with outstanding references",
				"block", i, "ref_count", blk.refCount)
		}
	}
	if len(r.blocks) > 0 {
		first := r.blocks[0]
		first.size = 0
		r.blocks = r.blocks[:1]
	} else {
		r.blocks = r.blocks[:0]
	}
	r.writeIdx = 0
	r.readBlockIdx = 0
	r.readOffset = 0
	r.readLeft = 0
}

// GrowHint tells the reader to ensure the next allocated block is at least
// `want` bytes, used by the parser when a VALUE's announced byte count
// exceeds the default block size (spec.md §4.1/§8 "oversized next-block
// allocation").
func (r *BufferReader) GrowHint(want int) {
	if want > r.minCapacity {
		// Only affects the next block actually allocated by PrepareWrite;
		// stash it so PrepareWrite(len) picks it up even when len < want.
		r.pendingHint = want
	}
}
