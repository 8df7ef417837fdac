package hashkit

import (
	"crypto/md5"
	"fmt"
	"sort"
)

// PointsPerServer and PointsPerHash are fixed per the reference
// implementation (HashkitKetama.cpp: s_pointerPerServer=100,
// s_pointerPerHash=1 — one MD5 digest per continuum point, no grouping).
const (
	PointsPerServer = 100
	PointsPerHash   = 1

	// DefaultPort is the conventional memcached TCP port; a server entry at
	// this port hashes its continuum points as "<host>-<idx>" rather than
	// "<host>:<port>-<idx>".
	DefaultPort = 11211
)

// LivenessChecker is the subset of Connection's contract the selector needs
// to honor spec.md §4.4's liveness/failover rule without importing the conn
// package (which would create an import cycle: conn needs nothing from
// hashkit, but pool needs both).
type LivenessChecker interface {
	Alive() bool
	TryReconnect() bool
}

// ServerSpec names one continuum member.
type ServerSpec struct {
	Host  string
	Port  int // 0 for UNIX-domain
	Alias string
}

func (s ServerSpec) pointKey(idx int) string {
	switch {
	case s.Alias != "":
		return fmt.Sprintf("%s-%d", s.Alias, idx)
	case s.Port != 0 && s.Port != DefaultPort:
		return fmt.Sprintf("%s:%d-%d", s.Host, s.Port, idx)
	default:
		return fmt.Sprintf("%s-%d", s.Host, idx)
	}
}

type point struct {
	hash      uint32
	connIndex int
}

// Selector is a sorted continuum of (hash, connection-index) points mapping
// keys to servers, per spec.md §4.4.
type Selector struct {
	points     []point
	conns      []LivenessChecker
	hashFn     Function
	failover   bool
}

// NewSelector builds the continuum for servers, each paired 1:1 with conns
// (conns[i] is the liveness handle for servers[i]). hashFn selects how user
// keys (not continuum points, which are always MD5) are hashed for lookup.
func NewSelector(servers []ServerSpec, conns []LivenessChecker, hashFn Function, failover bool) *Selector {
	s := &Selector{conns: conns, hashFn: hashFn, failover: failover}
	for i, srv := range servers {
		for idx := 0; idx < PointsPerServer/PointsPerHash; idx++ {
			sum := md5.Sum([]byte(srv.pointKey(idx)))
			s.points = append(s.points, point{hash: hashMD5Digest(sum[:4]), connIndex: i})
		}
	}
	sort.SliceStable(s.points, func(a, b int) bool { return s.points[a].hash < s.points[b].hash })
	return s
}

// Len returns the continuum's point count (exposed for tests verifying
// spec.md §8 invariant 4: the continuum is sorted ascending).
func (s *Selector) Len() int { return len(s.points) }

// PointAt exposes one continuum entry (hash, connIndex) for test inspection.
func (s *Selector) PointAt(i int) (uint32, int) { return s.points[i].hash, s.points[i].connIndex }

// lowerBound returns the index of the first point whose hash >= h, wrapping
// to 0 if none qualifies.
func (s *Selector) lowerBound(h uint32) int {
	i := sort.Search(len(s.points), func(i int) bool { return s.points[i].hash >= h })
	if i == len(s.points) {
		return 0
	}
	return i
}

// Select routes key to a connection index. checkAlive requests the liveness
// and (when enabled) failover walk described in spec.md §4.4; when false the
// pure continuum lookup is returned unconditionally, with no liveness check
// and no reconnect attempt.
func (s *Selector) Select(key []byte, checkAlive bool) (connIndex int, ok bool) {
	switch len(s.conns) {
	case 0:
		return 0, false
	case 1:
		if !checkAlive {
			return 0, true
		}
		return 0, s.checkOne(0)
	}

	h := Hash(s.hashFn, key)
	idx := s.lowerBound(h)
	origin := s.points[idx].connIndex
	if !checkAlive {
		return origin, true
	}
	if s.conns[origin].Alive() {
		return origin, true
	}

	if s.failover {
		for step := 1; step <= len(s.points); step++ {
			i := (idx + step) % len(s.points)
			c := s.points[i].connIndex
			if c == origin {
				continue
			}
			if s.conns[c].Alive() || s.conns[c].TryReconnect() {
				return c, true
			}
		}
		return origin, false
	}

	return origin, s.conns[origin].TryReconnect()
}

func (s *Selector) checkOne(i int) bool {
	if s.conns[i].Alive() {
		return true
	}
	return s.conns[i].TryReconnect()
}
