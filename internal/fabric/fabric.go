// Package fabric wraps the libfabric transport the connection
// subsystem posts sends/receives through. Endpoint is the interface
// every connection talks to; two implementations exist: provider_cgo.go
// (build tag cgo) drives real libfabric via cgo, grounded on
// other_examples/rocketbitz-libfabric-go's fi_fabric/fi_domain opening
// sequence, and provider_software.go is an always-built, fully-Go
// loopback used by every test, grounded on the teacher's
// MockRDMAManager/MockRDMADevice (internal/rdma/rdma_test.go) applied
// one layer down so the connection code under test is unchanged between
// hardware and software runs.
package fabric

import (
	"context"
)

// CompletionKind distinguishes send from receive completions, mirroring
// the teacher's CompletionType (internal/rdma/cq.go).
type CompletionKind int

const (
	CompletionSend CompletionKind = iota
	CompletionRecv
)

// Completion is one reaped work completion.
type Completion struct {
	Kind    CompletionKind
	SlotIdx int
	Bytes   int
	Err     error
}

// CQBatchSize bounds how many completions PollCQ drains in one call,
// matching spec.md's CQ_BATCH_SIZE (and the original's constant of the
// same name in conn_rdma.h).
const CQBatchSize = 64

// MRHandle is an opaque registered-memory-region handle, interpreted
// only by the Endpoint implementation that issued it.
type MRHandle any

// Endpoint is the libfabric wrapper surface a connection drives.
type Endpoint interface {
	// RegisterMR pins and registers buf for RDMA access.
	RegisterMR(buf []byte) (MRHandle, error)
	// DeregisterMR releases a handle returned by RegisterMR.
	DeregisterMR(h MRHandle)

	// PostRecv posts buf (identified by slotIdx for completion matching)
	// as a receive buffer.
	PostRecv(slotIdx int, h MRHandle, buf []byte) error
	// PostSend posts buf to the configured remote peer.
	PostSend(slotIdx int, h MRHandle, buf []byte) error

	// PollCQ drains up to CQBatchSize completions without blocking,
	// appending them to dst and returning the extended slice.
	PollCQ(dst []Completion) []Completion
	// WaitCQEvent blocks until a completion is ready to poll, ctx is
	// done, or the endpoint is closed.
	WaitCQEvent(ctx context.Context) error

	// Close tears down the endpoint and its queue pair/completion queue.
	Close() error
}

// Addr identifies a remote fabric endpoint for configure().
type Addr struct {
	Host string
	Port int
}
