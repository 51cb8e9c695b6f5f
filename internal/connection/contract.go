// Package connection implements the Connection Base, State-Transition
// Validator, and the direction-specialized Rx/Tx connections described
// by the connection subsystem, grounded on
// original_source/media-proxy/include/mesh/conn_rdma.h's
// configure/establish/shutdown lifecycle and the teacher's
// goroutine+channel CQ-reaper shape (internal/rdma/cq.go).
//
// The source's dynamic dispatch (Rx/Tx deriving from a common
// Connection base class) is re-expressed as a set of composed
// interfaces rather than inheritance: Base implements the shared state
// machine and is embedded by Rx and Tx, which each additionally satisfy
// the role-specific interface below.
package connection

import "context"

// Addr is an IP/port pair, validated at Configure time.
type Addr struct {
	IP   string
	Port string
}

// Params are the configure-time connection parameters (spec.md §6).
type Params struct {
	Kind         Kind
	Local        Addr
	Remote       Addr
	TransferSize int
	QueueSize    int
	DevPort      string
}

// Linked is the downstream consumer (for Rx) or upstream producer (for
// Tx) a connection is wired to via SetLink. It is a weak reference: the
// connection never controls the linked party's lifetime, and clears the
// reference on Shutdown.
type Linked interface {
	// OnReceive is invoked with a pointer into a pool slot; data is only
	// valid for the duration of the call. OnReceive must copy
	// synchronously or return immediately.
	OnReceive(ctx context.Context, data []byte) error
}

// Establishable is satisfied by every connection: Establish transitions
// configured -> active (or -> closed on failure), performing role
// hooks.
type Establishable interface {
	Establish(ctx context.Context) error
}

// Shutdownable is satisfied by every connection: Shutdown is legal from
// any non-closed state and is idempotent.
type Shutdownable interface {
	Shutdown(ctx context.Context) error
}

// Transmittable is satisfied only by Tx connections.
type Transmittable interface {
	Transmit(ctx context.Context, data []byte) error
}

// Receivable exposes the SetLink call a consumer uses to receive
// on_receive callbacks. SetLink is provided by Base, so Tx satisfies it
// as well, but only Rx delivers OnReceive callbacks to the link.
type Receivable interface {
	SetLink(peer Linked)
}
