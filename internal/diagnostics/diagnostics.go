// Package diagnostics exposes a read-only snapshot of a connection's
// state and pool occupancy for local inspection (logs, a debug
// endpoint a caller wires up itself). It is deliberately not a served
// gRPC/protobuf API: the corpus's generated service stubs for that
// shape were not part of the retrieved pack, and hand-authoring
// generated code is out of scope here.
package diagnostics

import (
	"time"

	"github.com/mediamesh/rdmaconn/internal/connection"
)

// Snapshot is a point-in-time view of one connection.
type Snapshot struct {
	ConnID      string
	Kind        string
	State       string
	PoolInUse   int
	PoolCap     int
	ObservedAt  time.Time
}

// Connection is the subset of connection.Base's surface diagnostics
// needs; connection.Rx and connection.Tx both satisfy it through
// embedding.
type Connection interface {
	State() connection.State
}

// Reporter produces Snapshots for a fixed set of named connections,
// e.g. one rdmaproxy process's transmitter and receiver pair.
type Reporter struct {
	conns map[string]poolled
}

type poolled struct {
	kind string
	conn Connection
	pool poolStats
}

// poolStats is the narrow pool accessor a reporter needs, satisfied by
// *bufferpool.Pool.
type poolStats interface {
	Len() int
	Cap() int
}

// NewReporter creates an empty Reporter; register connections with Add.
func NewReporter() *Reporter {
	return &Reporter{conns: make(map[string]poolled)}
}

// Add registers a connection under name for future Snapshot calls.
func (r *Reporter) Add(name, kind string, conn Connection, pool poolStats) {
	r.conns[name] = poolled{kind: kind, conn: conn, pool: pool}
}

// Remove unregisters a connection, e.g. after Shutdown.
func (r *Reporter) Remove(name string) {
	delete(r.conns, name)
}

// Snapshot returns the current state of the named connection, or
// false if no connection is registered under that name.
func (r *Reporter) Snapshot(name string, now time.Time) (Snapshot, bool) {
	p, ok := r.conns[name]
	if !ok {
		return Snapshot{}, false
	}
	inUse, capacity := 0, 0
	if p.pool != nil {
		capacity = p.pool.Cap()
		inUse = capacity - p.pool.Len()
	}
	return Snapshot{
		ConnID:     name,
		Kind:       p.kind,
		State:      p.conn.State().String(),
		PoolInUse:  inUse,
		PoolCap:    capacity,
		ObservedAt: now,
	}, true
}

// All returns a Snapshot for every registered connection.
func (r *Reporter) All(now time.Time) []Snapshot {
	out := make([]Snapshot, 0, len(r.conns))
	for name := range r.conns {
		if s, ok := r.Snapshot(name, now); ok {
			out = append(out, s)
		}
	}
	return out
}
