//go:build cgo

package fabric

/*
#cgo pkg-config: libfabric
#include <stdlib.h>
#include <rdma/fabric.h>
#include <rdma/fi_domain.h>
#include <rdma/fi_endpoint.h>
#include <rdma/fi_cm.h>
#include <rdma/fi_eq.h>
#include <rdma/fi_errno.h>
#include <errno.h>
*/
import "C"

import (
	"context"
	"fmt"
	"sync"
	"unsafe"

	"github.com/rs/zerolog/log"

	"github.com/mediamesh/rdmaconn/internal/rdmaerr"
)

// cqWaitTimeoutMs bounds each fi_cq_sread wait in WaitCQEvent so it
// rechecks ctx.Done() regularly instead of blocking indefinitely,
// matching spec.md §4.3's "small timeout to permit cancellation checks".
const cqWaitTimeoutMs = 100

// CGOEndpoint drives a real libfabric endpoint. Its opening sequence
// (fi_getinfo -> fi_fabric -> fi_domain -> fi_endpoint -> fi_cq_open ->
// fi_enable) follows other_examples/rocketbitz-libfabric-go__fabric.go's
// Fabric/Domain pattern, extended from fabric/domain handles to a full
// endpoint + completion queue, and its completion draining follows the
// teacher's batched ibv_poll_cq loop (internal/rdma/cq.go) translated to
// fi_cq_read/fi_cq_sread.
type CGOEndpoint struct {
	fabric *C.struct_fid_fabric
	domain *C.struct_fid_domain
	ep     *C.struct_fid_ep
	cq     *C.struct_fid_cq
	eq     *C.struct_fid_eq

	// pending holds completions read by WaitCQEvent's own fi_cq_sread
	// call while waiting; PollCQ drains these before issuing its own
	// non-blocking fi_cq_read so no completion is lost between the two.
	mu      sync.Mutex
	pending []Completion
}

// OpenCGOEndpoint opens a libfabric endpoint, passing local.Host to
// fi_getinfo as the node (no service is passed, so local.Port is not
// used). remote is only logged: no remote address is configured on the
// endpoint and it is not connected to a peer.
func OpenCGOEndpoint(local, remote Addr) (*CGOEndpoint, error) {
	nodeC := C.CString(local.Host)
	defer C.free(unsafe.Pointer(nodeC))

	var hints *C.struct_fi_info
	hints = C.fi_allocinfo()
	if hints == nil {
		return nil, rdmaerr.New(rdmaerr.GeneralFailure, "fi_allocinfo")
	}
	defer C.fi_freeinfo(hints)
	hints.caps = C.FI_MSG | C.FI_RMA
	hints.ep_attr._type = C.FI_EP_MSG

	var info *C.struct_fi_info
	status := C.fi_getinfo(C.FI_VERSION(1, 18), nodeC, nil, 0, hints, &info)
	if err := errorFromStatus(int(status), "fi_getinfo"); err != nil {
		return nil, err
	}
	defer C.fi_freeinfo(info)

	e := &CGOEndpoint{}

	status = C.fi_fabric(info.fabric_attr, &e.fabric, nil)
	if err := errorFromStatus(int(status), "fi_fabric"); err != nil {
		return nil, err
	}

	status = C.fi_domain(e.fabric, info, &e.domain, nil)
	if err := errorFromStatus(int(status), "fi_domain"); err != nil {
		_ = e.Close()
		return nil, err
	}

	status = C.fi_endpoint(e.domain, info, &e.ep, nil)
	if err := errorFromStatus(int(status), "fi_endpoint"); err != nil {
		_ = e.Close()
		return nil, err
	}

	var cqAttr C.struct_fi_cq_attr
	cqAttr.size = C.size_t(CQBatchSize)
	cqAttr.format = C.FI_CQ_FORMAT_MSG
	cqAttr.wait_obj = C.FI_WAIT_UNSPEC
	status = C.fi_cq_open(e.domain, &cqAttr, &e.cq, nil)
	if err := errorFromStatus(int(status), "fi_cq_open"); err != nil {
		_ = e.Close()
		return nil, err
	}

	status = C.fi_ep_bind(e.ep, (*C.struct_fid)(unsafe.Pointer(e.cq)), C.FI_SEND|C.FI_RECV)
	if err := errorFromStatus(int(status), "fi_ep_bind(cq)"); err != nil {
		_ = e.Close()
		return nil, err
	}

	status = C.fi_enable(e.ep)
	if err := errorFromStatus(int(status), "fi_enable"); err != nil {
		_ = e.Close()
		return nil, err
	}

	log.Debug().Str("local", local.Host).Str("remote", remote.Host).Msg("libfabric endpoint enabled")
	return e, nil
}

// errorFromStatus treats a libfabric return value as a failure whenever
// it is negative, the convention shared by both the 0-on-success setup
// calls (fi_fabric, fi_domain, ...) and the count-on-success CQ read
// calls (fi_cq_read, fi_cq_sread), which return a non-negative count
// (possibly 0) on success and a negative `-errno` on failure.
func errorFromStatus(status int, op string) error {
	if status >= 0 {
		return nil
	}
	return fiError(status, op)
}

// fiError renders status via fi_strerror so the real libfabric error
// text reaches the caller instead of being discarded.
func fiError(status int, op string) error {
	msg := C.GoString(C.fi_strerror(C.int(-status)))
	return rdmaerr.Wrap(rdmaerr.GeneralFailure, op, fmt.Errorf("%s (status %d)", msg, status))
}

func (e *CGOEndpoint) RegisterMR(buf []byte) (MRHandle, error) {
	var mr *C.struct_fid_mr
	status := C.fi_mr_reg(e.domain, unsafe.Pointer(&buf[0]), C.size_t(len(buf)),
		C.FI_SEND|C.FI_RECV, 0, 0, 0, &mr, nil)
	if err := errorFromStatus(int(status), "fi_mr_reg"); err != nil {
		return nil, err
	}
	return mr, nil
}

func (e *CGOEndpoint) DeregisterMR(h MRHandle) {
	mr, ok := h.(*C.struct_fid_mr)
	if !ok || mr == nil {
		return
	}
	C.fi_close((*C.struct_fid)(unsafe.Pointer(mr)))
}

func (e *CGOEndpoint) PostSend(slotIdx int, h MRHandle, buf []byte) error {
	mr, _ := h.(*C.struct_fid_mr)
	var desc unsafe.Pointer
	if mr != nil {
		desc = C.fi_mr_desc(mr)
	}
	ctx := unsafe.Pointer(uintptr(slotIdx))
	status := C.fi_send(e.ep, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), desc, 0, ctx)
	return errorFromStatus(int(status), "fi_send")
}

func (e *CGOEndpoint) PostRecv(slotIdx int, h MRHandle, buf []byte) error {
	mr, _ := h.(*C.struct_fid_mr)
	var desc unsafe.Pointer
	if mr != nil {
		desc = C.fi_mr_desc(mr)
	}
	ctx := unsafe.Pointer(uintptr(slotIdx))
	status := C.fi_recv(e.ep, unsafe.Pointer(&buf[0]), C.size_t(len(buf)), desc, 0, ctx)
	return errorFromStatus(int(status), "fi_recv")
}

// completionFromEntry converts a CQ_FORMAT_MSG entry into a Completion,
// recovering the slot index stashed as op_context by PostSend/PostRecv,
// the byte count from entry.len, and send-vs-receive from entry.flags,
// so Rx can deliver slot.Buf[:c.Bytes] and Tx/Rx can tell their own
// completions apart (spec.md's Completion Event is (slot, byte-count)).
func completionFromEntry(entry *C.struct_fi_cq_msg_entry) Completion {
	kind := CompletionSend
	if entry.flags&C.FI_RECV != 0 {
		kind = CompletionRecv
	}
	return Completion{
		Kind:    kind,
		SlotIdx: int(uintptr(entry.op_context)),
		Bytes:   int(entry.len),
	}
}

// PollCQ first drains any completion WaitCQEvent already read while
// waiting, then drains up to CQBatchSize more via a non-blocking
// fi_cq_read, mirroring the teacher's ibv_start_poll/ibv_next_poll batch
// loop in internal/rdma/cq.go's processCQCompletions.
func (e *CGOEndpoint) PollCQ(dst []Completion) []Completion {
	e.mu.Lock()
	if len(e.pending) > 0 {
		dst = append(dst, e.pending...)
		e.pending = e.pending[:0]
	}
	e.mu.Unlock()

	var entries [CQBatchSize]C.struct_fi_cq_msg_entry
	n := C.fi_cq_read(e.cq, unsafe.Pointer(&entries[0]), C.size_t(CQBatchSize))
	if n <= 0 {
		return dst
	}
	for i := 0; i < int(n); i++ {
		dst = append(dst, completionFromEntry(&entries[i]))
	}
	return dst
}

// WaitCQEvent blocks in fi_cq_sread, timing out every cqWaitTimeoutMs to
// recheck ctx. A completion read while waiting is buffered for the next
// PollCQ rather than discarded.
func (e *CGOEndpoint) WaitCQEvent(ctx context.Context) error {
	var msg C.struct_fi_cq_msg_entry
	for {
		select {
		case <-ctx.Done():
			return rdmaerr.Wrap(rdmaerr.Cancelled, "fabric.WaitCQEvent", ctx.Err())
		default:
		}

		n := C.fi_cq_sread(e.cq, unsafe.Pointer(&msg), 1, nil, C.int(cqWaitTimeoutMs))
		if n > 0 {
			e.mu.Lock()
			e.pending = append(e.pending, completionFromEntry(&msg))
			e.mu.Unlock()
			return nil
		}
		if n == 0 || n == -C.FI_ETIMEDOUT {
			continue
		}
		return fiError(int(n), "fi_cq_sread")
	}
}

func (e *CGOEndpoint) Close() error {
	if e.ep != nil {
		C.fi_close((*C.struct_fid)(unsafe.Pointer(e.ep)))
		e.ep = nil
	}
	if e.cq != nil {
		C.fi_close((*C.struct_fid)(unsafe.Pointer(e.cq)))
		e.cq = nil
	}
	if e.domain != nil {
		C.fi_close((*C.struct_fid)(unsafe.Pointer(e.domain)))
		e.domain = nil
	}
	if e.fabric != nil {
		C.fi_close((*C.struct_fid)(unsafe.Pointer(e.fabric)))
		e.fabric = nil
	}
	return nil
}
