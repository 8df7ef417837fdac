package buffer

import "testing"

func feed(r *BufferReader, data []byte) {
	n := r.PrepareWrite(len(data))
	if n > len(data) {
		n = len(data)
	}
	copy(r.blocks[r.writeIdx].data[r.blocks[r.writeIdx].size:], data[:n])
	r.CommitWrite(n)
	if n < len(data) {
		feed(r, data[n:])
	}
}

func TestReadUntilAcrossBlocks(t *testing.T) {
	r := NewBufferReader(4, nil)
	// Feed one byte at a time so "VALUE" itself straddles several DataBlocks,
	// mimicking a Connection.recv() that only ever returns a few bytes at once.
	for _, b := range []byte("VALUE foo 0 3\r\n") {
		feed(r, []byte{b})
	}

	var tok TokenData
	n, err := r.ReadUntil(' ', &tok)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(tok.Bytes()) != "VALUE" || n != 5 {
		t.Fatalf("got %q (%d)", tok.Bytes(), n)
	}
	tok.Release()
}

func TestReadUntilIncomplete(t *testing.T) {
	r := NewBufferReader(64, nil)
	feed(r, []byte("no delimiter here"))

	var tok TokenData
	_, err := r.ReadUntil('\n', &tok)
	if err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete, got %v", err)
	}
	// cursor must be untouched: a subsequent read of the whole thing
	// should still see all bytes unread.
	if r.ReadLeft() != len("no delimiter here") {
		t.Fatalf("cursor moved on incomplete read: readLeft=%d", r.ReadLeft())
	}
}

func TestReadBytesSpanningThreeBlocks(t *testing.T) {
	r := NewBufferReader(4, nil)
	payload := "12345678901234" // 14 bytes, value from spec.md scenario 2
	feed(r, []byte("VALUE foo 0 14\r\n"))
	// Three separate writes put the payload in three DataBlocks (5+5+4).
	feed(r, []byte(payload[:5]))
	feed(r, []byte(payload[5:10]))
	feed(r, []byte(payload[10:]))
	feed(r, []byte("\r\nEND\r\n"))

	var tok TokenData
	if _, err := r.ReadUntil(' ', &tok); err != nil { // "VALUE"
		t.Fatal(err)
	}
	tok.Release()
	if err := r.SkipBytes(1); err != nil { // space
		t.Fatal(err)
	}
	var key TokenData
	if _, err := r.ReadUntil(' ', &key); err != nil {
		t.Fatal(err)
	}
	if string(key.Bytes()) != "foo" {
		t.Fatalf("key=%q", key.Bytes())
	}
	key.Release()
	if err := r.SkipBytes(1); err != nil {
		t.Fatal(err)
	}
	if _, err := r.SkipUntil(' '); err != nil { // flags
		t.Fatal(err)
	}
	if err := r.SkipBytes(1); err != nil {
		t.Fatal(err)
	}
	n, err := r.ReadUnsigned() // bytes
	if err != nil {
		t.Fatal(err)
	}
	if n != 14 {
		t.Fatalf("bytes=%d", n)
	}
	if err := r.SkipBytes(2); err != nil { // \r\n
		t.Fatal(err)
	}

	var data TokenData
	if err := r.ReadBytes(int(n), &data); err != nil {
		t.Fatalf("ReadBytes: %v", err)
	}
	if string(data.Bytes()) != payload {
		t.Fatalf("data=%q want %q", data.Bytes(), payload)
	}
	if err := r.ExpectBytes([]byte("\r\n")); err != nil {
		t.Fatal(err)
	}
	if err := r.ExpectBytes([]byte("END\r\n")); err != nil {
		t.Fatal(err)
	}
	if r.ReadLeft() != 0 {
		t.Fatalf("expected fully drained, readLeft=%d", r.ReadLeft())
	}
	data.Release()
}

func TestExpectBytesMismatchIsProgrammingError(t *testing.T) {
	r := NewBufferReader(64, nil)
	feed(r, []byte("NOPE\r\n"))
	if err := r.ExpectBytes([]byte("END\r\n")); err != ErrProgramming {
		t.Fatalf("expected ErrProgramming, got %v", err)
	}
}

func TestReadUnsignedNoDigitsIsProgrammingError(t *testing.T) {
	r := NewBufferReader(64, nil)
	feed(r, []byte("abc"))
	if _, err := r.ReadUnsigned(); err != ErrProgramming {
		t.Fatalf("expected ErrProgramming, got %v", err)
	}
}

func TestResumableAcrossArbitraryPartitions(t *testing.T) {
	whole := "VALUE foo 0 14\r\n12345678901234\r\nEND\r\n"
	partitions := [][]byte{
		[]byte(whole[:5]), []byte(whole[5:12]), []byte(whole[12:20]),
		[]byte(whole[20:30]), []byte(whole[30:]),
	}

	r := NewBufferReader(64, nil)
	var (
		tok TokenData
		n   int
		err error = ErrIncomplete
	)
	// Retry the read after every partition; it stays ErrIncomplete (cursor
	// untouched) until the delimiter has arrived.
	for _, p := range partitions {
		feed(r, p)
		if err == ErrIncomplete {
			n, err = r.ReadUntil(' ', &tok)
		}
	}
	if err != nil || n != 5 {
		t.Fatalf("n=%d err=%v", n, err)
	}
	tok.Release()
}

func TestResetReleasesNonFirstBlocks(t *testing.T) {
	r := NewBufferReader(4, nil)
	for _, b := range []byte("aaaaaaaaaaaaaaaaaaaa") { // one byte per write forces multiple blocks
		feed(r, []byte{b})
	}
	if len(r.blocks) < 2 {
		t.Fatalf("expected multiple blocks, got %d", len(r.blocks))
	}
	r.Reset()
	if len(r.blocks) != 1 {
		t.Fatalf("expected reset to retain exactly one block, got %d", len(r.blocks))
	}
	if r.blocks[0].size != 0 || r.ReadLeft() != 0 {
		t.Fatalf("reset did not rewind first block")
	}
}

func TestPeekCrossesBlockBoundary(t *testing.T) {
	r := NewBufferReader(2, nil)
	for _, b := range []byte("abcdef") {
		feed(r, []byte{b})
	}
	for i, want := range []byte("abcdef") {
		got, err := r.Peek(i)
		if err != nil {
			t.Fatalf("peek(%d): %v", i, err)
		}
		if got != want {
			t.Fatalf("peek(%d)=%q want %q", i, got, want)
		}
	}
	if _, err := r.Peek(6); err != ErrIncomplete {
		t.Fatalf("expected ErrIncomplete past end, got %v", err)
	}
}
