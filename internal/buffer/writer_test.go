package buffer

import "testing"

func flatten(parts [][]byte) []byte {
	var out []byte
	for _, p := range parts {
		out = append(out, p...)
	}
	return out
}

func TestBufferWriterTakeAndRead(t *testing.T) {
	w := NewBufferWriter()
	w.TakeBuffer([]byte("set "))
	w.TakeBuffer([]byte("foo "))
	w.TakeNumber(0)
	w.TakeBuffer([]byte(" "))
	w.TakeNumber(300)
	w.TakeBuffer([]byte("\r\n"))

	if !w.Pending() {
		t.Fatal("expected pending spans")
	}
	ptrs, n := w.GetReadPtr()
	if n != 6 {
		t.Fatalf("expected 6 spans, got %d", n)
	}
	got := string(flatten(ptrs))
	if got != "set foo 0 300\r\n" {
		t.Fatalf("got %q", got)
	}
}

func TestBufferWriterCommitReadPartialSpan(t *testing.T) {
	w := NewBufferWriter()
	w.TakeBuffer([]byte("hello"))
	w.TakeBuffer([]byte("world"))

	w.CommitRead(3) // consumes "hel" from the first span
	ptrs, _ := w.GetReadPtr()
	if got := string(flatten(ptrs)); got != "loworld" {
		t.Fatalf("got %q", got)
	}

	w.CommitRead(2) // finishes "lo"
	ptrs, _ = w.GetReadPtr()
	if got := string(flatten(ptrs)); got != "world" {
		t.Fatalf("got %q", got)
	}

	w.CommitRead(5)
	if w.Pending() {
		t.Fatal("expected fully drained")
	}
	if w.RemainingLen() != 0 {
		t.Fatalf("remaining=%d", w.RemainingLen())
	}
}

func TestBufferWriterRewindAfterPartialSend(t *testing.T) {
	w := NewBufferWriter()
	w.TakeBuffer([]byte("get "))
	w.TakeBuffer([]byte("key\r\n"))
	w.Snapshot()

	w.CommitRead(6) // simulate a short send() before a reconnect
	w.Rewind()

	ptrs, _ := w.GetReadPtr()
	if got := string(flatten(ptrs)); got != "get key\r\n" {
		t.Fatalf("rewind did not restore full payload, got %q", got)
	}
}

func TestBufferWriterRewindNoopWithoutSnapshot(t *testing.T) {
	w := NewBufferWriter()
	w.TakeBuffer([]byte("abc"))
	w.CommitRead(1)
	w.Rewind()
	ptrs, _ := w.GetReadPtr()
	if got := string(flatten(ptrs)); got != "bc" {
		t.Fatalf("expected rewind to be a no-op without Snapshot, got %q", got)
	}
}

func TestBufferWriterReset(t *testing.T) {
	w := NewBufferWriter()
	w.TakeBuffer([]byte("x"))
	w.Snapshot()
	w.Reset()
	if w.Pending() {
		t.Fatal("expected no pending spans after reset")
	}
	w.Rewind() // must stay a no-op: Reset clears the snapshot too
	if w.Pending() {
		t.Fatal("rewind after reset resurrected spans")
	}
}
