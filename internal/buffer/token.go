package buffer

// Slice is one (block, offset, size) span of a TokenData. It is never used
// after its owning block's refCount would reach a negative count.
type Slice struct {
	block  *DataBlock
	Offset int
	Size   int
}

// TokenData is an ordered list of slices forming one logical byte string that
// may straddle block boundaries, extracted from a BufferReader without
// copying. Each Slice increments its block's refCount on creation; Release
// decrements it.
type TokenData struct {
	slices []Slice
}

// Len returns the total byte length across all slices.
func (t *TokenData) Len() int {
	n := 0
	for _, s := range t.slices {
		n += s.Size
	}
	return n
}

// Slices exposes the underlying spans for read-only iteration.
func (t *TokenData) Slices() []Slice { return t.slices }

func (t *TokenData) appendSlice(block *DataBlock, offset, size int) {
	if size == 0 {
		return
	}
	block.addRef()
	t.slices = append(t.slices, Slice{block: block, Offset: offset, Size: size})
}

// Bytes copies the token's content into a single contiguous slice. Used by
// callers (dispatch layer, tests) that need a plain []byte instead of the
// zero-copy span list.
func (t *TokenData) Bytes() []byte {
	out := make([]byte, 0, t.Len())
	for _, s := range t.slices {
		out = append(out, s.block.data[s.Offset:s.Offset+s.Size]...)
	}
	return out
}

// Release decrements the refCount of every block this token still holds and
// clears the slice list. Idempotent.
func (t *TokenData) Release() {
	for _, s := range t.slices {
		s.block.release()
	}
	t.slices = nil
}

// TrimLastByte shortens the token by one byte, dropping it from the final
// slice. Used to strip the trailing CR that read_until(LF, ...) always
// includes when extracting a CRLF-terminated line. A no-op on an empty token.
func (t *TokenData) TrimLastByte() {
	for i := len(t.slices) - 1; i >= 0; i-- {
		if t.slices[i].Size > 0 {
			t.slices[i].Size--
			return
		}
	}
}

// Retain acquires a fresh reference on every block the token spans, used when
// a caller copies a TokenData (e.g. a collector that keeps a result past the
// lifetime of the connection's current BufferReader.Reset cycle).
func (t *TokenData) Retain() TokenData {
	cp := TokenData{slices: make([]Slice, len(t.slices))}
	for i, s := range t.slices {
		s.block.addRef()
		cp.slices[i] = s
	}
	return cp
}
