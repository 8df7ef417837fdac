package buffer

import "strconv"

// span is one outgoing (ptr, len) region. data aliases either caller-owned
// memory (TakeBuffer) or one of numBufs (TakeNumber).
type span struct {
	data []byte
}

// BufferWriter is a scatter/gather output queue over borrowed byte spans and
// formatted integers, mirroring spec.md §4.2. It owns small heap buffers for
// numbers formatted via TakeNumber so they stay alive across CommitRead.
type BufferWriter struct {
	spans    []span
	original []span // snapshot for Rewind
	readIdx  int
}

// NewBufferWriter creates an empty writer.
func NewBufferWriter() *BufferWriter {
	return &BufferWriter{}
}

// TakeBuffer appends a span pointing into caller-owned memory. The caller
// must keep that memory live until the user operation completes.
func (w *BufferWriter) TakeBuffer(p []byte) {
	if len(p) == 0 {
		return
	}
	w.spans = append(w.spans, span{data: p})
}

// TakeNumber formats v in base 10 into an owned buffer and appends its span.
func (w *BufferWriter) TakeNumber(v int64) {
	buf := []byte(strconv.FormatInt(v, 10))
	w.spans = append(w.spans, span{data: buf})
}

// GetReadPtr exposes the unsent tail as a slice of byte spans plus the total
// count of spans remaining.
func (w *BufferWriter) GetReadPtr() ([][]byte, int) {
	out := make([][]byte, 0, len(w.spans)-w.readIdx)
	for _, s := range w.spans[w.readIdx:] {
		out = append(out, s.data)
	}
	return out, len(out)
}

// Pending returns true while spans remain unsent.
func (w *BufferWriter) Pending() bool { return w.readIdx < len(w.spans) }

// RemainingLen returns the total unsent byte count.
func (w *BufferWriter) RemainingLen() int {
	n := 0
	for _, s := range w.spans[w.readIdx:] {
		n += len(s.data)
	}
	return n
}

// CommitRead advances over nSent fully- or partially-sent bytes. A span that
// is only partially sent is shortened in place so a subsequent send resumes
// mid-span.
func (w *BufferWriter) CommitRead(nSent int) {
	for nSent > 0 && w.readIdx < len(w.spans) {
		s := &w.spans[w.readIdx]
		if nSent < len(s.data) {
			s.data = s.data[nSent:]
			return
		}
		nSent -= len(s.data)
		w.readIdx++
	}
}

// Rewind restores the full original span list, discarding any CommitRead
// progress, so a failed transmission can be retransmitted after reconnect.
// It snapshots the current (post-take, pre-send) state the first time it is
// needed via Snapshot; Rewind before any Snapshot is a no-op.
func (w *BufferWriter) Rewind() {
	if w.original != nil {
		w.spans = append([]span(nil), w.original...)
		w.readIdx = 0
	}
}

// Snapshot freezes the current span set as the Rewind target. Call once after
// all TakeBuffer/TakeNumber calls for a command have been issued and before
// the first Send.
func (w *BufferWriter) Snapshot() {
	w.original = append([]span(nil), w.spans...)
}

// Reset drops all spans and owned number buffers.
func (w *BufferWriter) Reset() {
	w.spans = w.spans[:0]
	w.original = nil
	w.readIdx = 0
}
