package connection

import (
	"context"
	"net"
	"strconv"
	"sync"

	"github.com/google/uuid"
	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
	"golang.org/x/sync/errgroup"

	"github.com/mediamesh/rdmaconn/internal/bufferpool"
	"github.com/mediamesh/rdmaconn/internal/ctxtree"
	"github.com/mediamesh/rdmaconn/internal/fabric"
	"github.com/mediamesh/rdmaconn/internal/metrics"
	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// MaxTransferSize is the largest single transfer_size accepted by
// Configure, spec.md §6: rdma.transfer_size ∈ [1, 2^30] bytes.
const MaxTransferSize = 1 << 30

// MaxQueueSize is the largest queue_size accepted by Configure,
// spec.md §6: rdma.queue_size ∈ [1, 1024].
const MaxQueueSize = 1024

// roleHooks are the direction-specific behaviors Rx and Tx inject into
// the shared state machine, replacing the source's virtual-dispatch
// overrides (spec.md §9: "tagged variant... composed by the Rx and Tx
// concrete types").
type roleHooks struct {
	// afterEstablish runs once the pool and endpoint are ready, before
	// the connection is marked active. It starts role-specific worker
	// goroutines in the provided errgroup, bound to workCtx.
	afterEstablish func(workCtx context.Context, g *errgroup.Group) error
	// beforeShutdown runs before workers are canceled/joined, e.g. to
	// clear a link. May be nil.
	beforeShutdown func()
}

// Base implements the Connection Base: the state machine, lifecycle,
// device/pool/endpoint management, and peer linkage shared by Rx and Tx
// connections (spec.md §4.1).
type Base struct {
	ID   string
	kind Kind

	stateMu sync.Mutex
	state   State

	params Params

	registry *fabric.Registry

	root *ctxtree.Context

	workMu  sync.Mutex
	workCtx *ctxtree.Context
	group   *errgroup.Group

	ep   fabric.Endpoint
	pool *bufferpool.Pool

	linkMu sync.Mutex
	link   Linked

	hooks roleHooks

	metrics *metrics.Metrics
}

// SetMetrics attaches an optional metrics sink; nil is safe and makes
// every Record* call below a no-op. Must be called before Establish.
func (b *Base) SetMetrics(m *metrics.Metrics) {
	b.metrics = m
}

// newBase constructs a Base in not_configured state. registry supplies
// the device-open strategy; production callers pass a shared
// *fabric.Registry wired to OpenCGOEndpoint, tests pass one wired to
// fabric.NewSoftwareEndpoint.
func newBase(kind Kind, registry *fabric.Registry) *Base {
	return &Base{
		ID:       uuid.New().String(),
		kind:     kind,
		state:    NotConfigured,
		registry: registry,
		root:     ctxtree.New(),
	}
}

// State returns the current lifecycle state.
func (b *Base) State() State {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state
}

// Pool returns the connection's buffer pool, or nil before Establish
// has completed. Exposed for diagnostics.Reporter.
func (b *Base) Pool() *bufferpool.Pool {
	return b.pool
}

// log returns a zerolog logger pre-tagged with this connection's kind
// and ID, matching the original's kind_to_string-tagged logging
// (original_source/media-proxy) carried into every obslog call site.
func (b *Base) log() *zerolog.Logger {
	l := log.With().Str("kind", b.kind.String()).Str("conn_id", b.ID).Logger()
	return &l
}

// Configure validates params and moves not_configured -> configured.
func (b *Base) Configure(ctx context.Context, params Params) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()

	if b.state != NotConfigured {
		return rdmaerr.New(rdmaerr.AlreadyInitialized, "connection.Configure")
	}

	if err := validateParams(params); err != nil {
		// state remains not_configured per spec.md §4.1.
		return err
	}

	b.params = params
	b.state = Configured
	b.log().Info().Msg("configured")
	return nil
}

func validateParams(p Params) error {
	if p.TransferSize <= 0 || p.TransferSize > MaxTransferSize {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	if p.QueueSize < 1 || p.QueueSize > MaxQueueSize {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	if len(p.Local.IP) > 46 || len(p.Remote.IP) > 46 {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	if len(p.Local.Port) > 6 || len(p.Remote.Port) > 6 {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	if net.ParseIP(p.Local.IP) == nil || net.ParseIP(p.Remote.IP) == nil {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	if _, err := strconv.Atoi(p.Local.Port); err != nil {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	if _, err := strconv.Atoi(p.Remote.Port); err != nil {
		return rdmaerr.New(rdmaerr.BadArgument, "connection.Configure")
	}
	return nil
}

// Establish moves configured -> active, opening the device, allocating
// and registering the buffer pool, and invoking the role hook to start
// workers. Any failure tears down whatever was already acquired and
// leaves the connection closed.
func (b *Base) Establish(ctx context.Context) error {
	b.stateMu.Lock()
	if b.state != Configured {
		b.stateMu.Unlock()
		return rdmaerr.New(rdmaerr.WrongState, "connection.Establish")
	}
	b.stateMu.Unlock()

	workCtx := b.root.Child()
	g, gctx := errgroup.WithContext(workCtx)

	ep, err := b.registry.Acquire(b.params.DevPort)
	if err != nil {
		workCtx.Cancel()
		b.transitionTo(Closed)
		return rdmaerr.Wrap(rdmaerr.InitializationFailed, "connection.Establish", err)
	}

	register := func(buf []byte) (any, error) { return ep.RegisterMR(buf) }
	unregister := func(h any) { ep.DeregisterMR(h) }

	pool, err := bufferpool.New(b.params.QueueSize, b.params.TransferSize, register, unregister)
	if err != nil {
		_ = b.registry.Release(b.params.DevPort)
		workCtx.Cancel()
		b.transitionTo(Closed)
		return rdmaerr.Wrap(rdmaerr.MemoryRegistrationFailed, "connection.Establish", err)
	}

	b.ep = ep
	b.pool = pool
	b.workMu.Lock()
	b.workCtx = workCtx
	b.group = g
	b.workMu.Unlock()

	if b.hooks.afterEstablish != nil {
		if err := b.hooks.afterEstablish(gctx, g); err != nil {
			pool.Close(unregister)
			_ = b.registry.Release(b.params.DevPort)
			workCtx.Cancel()
			b.transitionTo(Closed)
			return err
		}
	}

	b.stateMu.Lock()
	b.state = Active
	b.stateMu.Unlock()
	b.log().Info().Msg("established")
	return nil
}

func (b *Base) transitionTo(s State) {
	b.stateMu.Lock()
	b.state = s
	b.stateMu.Unlock()
}

// Suspend halts dispatch while keeping resources allocated.
func (b *Base) Suspend(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if !canTransition(b.state, Suspended) {
		return rdmaerr.New(rdmaerr.WrongState, "connection.Suspend")
	}
	b.state = Suspended
	return nil
}

// Resume returns to active from suspended.
func (b *Base) Resume(ctx context.Context) error {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	if b.state != Suspended || !canTransition(b.state, Active) {
		return rdmaerr.New(rdmaerr.WrongState, "connection.Resume")
	}
	b.state = Active
	return nil
}

// IsSuspended reports whether dispatch (transmit/repost) should be
// withheld. Buffers already posted remain posted and complete normally
// per spec.md §9's resolved open question; only new posts are gated.
func (b *Base) IsSuspended() bool {
	b.stateMu.Lock()
	defer b.stateMu.Unlock()
	return b.state == Suspended
}

// SetLink sets the weak peer reference.
func (b *Base) SetLink(peer Linked) {
	b.linkMu.Lock()
	defer b.linkMu.Unlock()
	b.link = peer
}

func (b *Base) getLink() Linked {
	b.linkMu.Lock()
	defer b.linkMu.Unlock()
	return b.link
}

// Shutdown cancels the worker context, joins workers, deregisters
// memory, releases the device reference, and transitions to closed.
// Idempotent: a second call observes state already closed and returns
// success without side effects (spec.md I3).
func (b *Base) Shutdown(ctx context.Context) error {
	b.stateMu.Lock()
	if b.state == Closed {
		b.stateMu.Unlock()
		return nil
	}
	if b.state == NotConfigured {
		// Nothing was ever acquired; just record closed.
		b.state = Closed
		b.stateMu.Unlock()
		return nil
	}
	b.stateMu.Unlock()

	if b.hooks.beforeShutdown != nil {
		b.hooks.beforeShutdown()
	}

	b.workMu.Lock()
	workCtx := b.workCtx
	g := b.group
	b.workMu.Unlock()

	if workCtx != nil {
		workCtx.Cancel()
	}
	if g != nil {
		_ = g.Wait()
	}

	if b.pool != nil {
		unregister := func(h any) {
			if b.ep != nil {
				b.ep.DeregisterMR(h)
			}
		}
		b.pool.Close(unregister)
	}
	if b.ep != nil && b.registry != nil {
		_ = b.registry.Release(b.params.DevPort)
	}

	b.SetLink(nil)
	b.transitionTo(Closed)
	b.log().Info().Msg("shut down")
	return nil
}
