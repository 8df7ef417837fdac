package hashkit

import "testing"

type fakeConn struct {
	alive       bool
	reconnectOK bool
}

func (f *fakeConn) Alive() bool { return f.alive }
func (f *fakeConn) TryReconnect() bool {
	if f.reconnectOK {
		f.alive = true
	}
	return f.alive
}

func servers(n int) []ServerSpec {
	out := make([]ServerSpec, n)
	for i := range out {
		out[i] = ServerSpec{Host: "10.0.0.1", Port: DefaultPort + i}
	}
	return out
}

func liveConns(n int) []LivenessChecker {
	out := make([]LivenessChecker, n)
	conns := make([]*fakeConn, n)
	for i := range out {
		conns[i] = &fakeConn{alive: true}
		out[i] = conns[i]
	}
	return out
}

func TestContinuumSortedAscending(t *testing.T) {
	sel := NewSelector(servers(5), liveConns(5), FunctionMD5, false)
	if sel.Len() != 5*PointsPerServer {
		t.Fatalf("expected %d points, got %d", 5*PointsPerServer, sel.Len())
	}
	prev, _ := sel.PointAt(0)
	for i := 1; i < sel.Len(); i++ {
		h, _ := sel.PointAt(i)
		if h < prev {
			t.Fatalf("continuum not sorted at index %d: %d < %d", i, h, prev)
		}
		prev = h
	}
}

func TestSelectIsPure(t *testing.T) {
	sel := NewSelector(servers(5), liveConns(5), FunctionMD5, false)
	key := []byte("some-key")
	first, ok1 := sel.Select(key, false)
	second, ok2 := sel.Select(key, false)
	if !ok1 || !ok2 || first != second {
		t.Fatalf("expected deterministic routing, got %d/%v then %d/%v", first, ok1, second, ok2)
	}
}

func TestSingleServerAlwaysRoutes(t *testing.T) {
	conns := liveConns(1)
	sel := NewSelector(servers(1), conns, FunctionMD5, false)
	idx, ok := sel.Select([]byte("foo"), true)
	if !ok || idx != 0 {
		t.Fatalf("idx=%d ok=%v", idx, ok)
	}
}

func TestNoServersFails(t *testing.T) {
	sel := NewSelector(nil, nil, FunctionMD5, false)
	if _, ok := sel.Select([]byte("foo"), true); ok {
		t.Fatal("expected failure with zero servers")
	}
}

func TestDeadConnectionWithoutFailoverTriesReconnect(t *testing.T) {
	conns := []LivenessChecker{
		&fakeConn{alive: true},
		&fakeConn{alive: false, reconnectOK: true},
		&fakeConn{alive: true},
	}
	sel := NewSelector(servers(3), conns, FunctionMD5, false)

	// Find a key that routes to the dead connection (index 1).
	var key []byte
	for i := 0; i < 10000; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		if idx, _ := sel.Select(k, false); idx == 1 {
			key = k
			break
		}
	}
	if key == nil {
		t.Skip("no key happened to route to connection 1 in the sample space")
	}
	idx, ok := sel.Select(key, true)
	if !ok || idx != 1 {
		t.Fatalf("expected reconnect to succeed on the origin connection, got idx=%d ok=%v", idx, ok)
	}
}

func TestDeadConnectionWithFailoverWalksForward(t *testing.T) {
	conns := []LivenessChecker{
		&fakeConn{alive: true},
		&fakeConn{alive: false, reconnectOK: false},
		&fakeConn{alive: true},
	}
	sel := NewSelector(servers(3), conns, FunctionMD5, true)

	var key []byte
	for i := 0; i < 10000; i++ {
		k := []byte{byte(i), byte(i >> 8)}
		if idx, _ := sel.Select(k, false); idx == 1 {
			key = k
			break
		}
	}
	if key == nil {
		t.Skip("no key happened to route to connection 1 in the sample space")
	}
	idx, ok := sel.Select(key, true)
	if !ok {
		t.Fatal("expected failover to find a live alternate connection")
	}
	if idx == 1 {
		t.Fatal("failover must not return the known-dead origin")
	}
}

func TestHashFunctionsProduceDifferentValues(t *testing.T) {
	key := []byte("distinct-key-for-hash-check")
	md5h := Hash(FunctionMD5, key)
	fnv1 := Hash(FunctionFNV1_32, key)
	fnv1a := Hash(FunctionFNV1A_32, key)
	crc := Hash(FunctionCRC32, key)
	seen := map[uint32]bool{md5h: true}
	for _, h := range []uint32{fnv1, fnv1a, crc} {
		if seen[h] {
			t.Fatalf("expected distinct hash functions to (almost certainly) differ: got repeated %d", h)
		}
		seen[h] = true
	}
}
