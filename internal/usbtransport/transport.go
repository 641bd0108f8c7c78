package usbtransport

import (
	"context"
	"errors"
	"strings"
	"sync/atomic"

	"github.com/google/gousb"
)

// Status reports the outcome of a submitted transfer, per the
// {ok | stall | cancelled | io-error} taxonomy in spec.md §4.1.
type Status int

// Recognized transfer completion statuses.
const (
	StatusOK Status = iota
	StatusStall
	StatusCancelled
	StatusIOError
)

// String implements fmt.Stringer.
func (s Status) String() string {
	switch s {
	case StatusOK:
		return "ok"
	case StatusStall:
		return "stall"
	case StatusCancelled:
		return "cancelled"
	case StatusIOError:
		return "io-error"
	}
	return "unknown"
}

// Completion is delivered for every transfer SubmitOut schedules.
type Completion struct {
	ID     uint64 // caller-supplied submission identifier
	Addr   Addr   // address of the handle the transfer was submitted on
	Status Status
	N      int // bytes transferred
	Err    error
}

// ErrDeviceNotFound is returned when OpenAddr finds no matching device.
var ErrDeviceNotFound = errors.New("usbtransport: device not found")

// ErrClosed is the Err of the StatusCancelled Completion SubmitOut
// delivers when called after CancelAll/Close.
var ErrClosed = errors.New("usbtransport: handle closed")

// Handle is a claimed USB device interface with one bulk/interrupt OUT
// endpoint, ready for asynchronous submission.
//
// A Handle must only be driven from one logical owner (one Device in
// internal/device); it keeps no internal locking of its own, mirroring
// spec.md §5's "no lock anywhere in the core" policy -- serialization
// is the core event loop's job, not the transport's.
type Handle struct {
	addr   Addr
	dev    *gousb.Device
	cfg    *gousb.Config
	intf   *gousb.Interface
	out    *gousb.OutEndpoint
	ctx    context.Context
	cancel context.CancelFunc

	closed  int32
	nextSeq uint64
}

// OpenAddr claims interface ifNum/altNum of configuration cfgNum on
// the device at addr, and opens its OUT endpoint epOut for writing.
func OpenAddr(ctx *gousb.Context, addr Addr, cfgNum, ifNum, altNum, epOut int) (*Handle, error) {
	devs, err := ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == addr.Bus && desc.Address == addr.Address
	})
	if err != nil {
		return nil, err
	}
	if len(devs) == 0 {
		return nil, ErrDeviceNotFound
	}

	dev := devs[0]
	for _, extra := range devs[1:] {
		extra.Close()
	}

	cfg, err := dev.Config(cfgNum)
	if err != nil {
		dev.Close()
		return nil, err
	}

	intf, err := cfg.Interface(ifNum, altNum)
	if err != nil {
		cfg.Close()
		dev.Close()
		return nil, err
	}

	out, err := intf.OutEndpoint(epOut)
	if err != nil {
		intf.Close()
		cfg.Close()
		dev.Close()
		return nil, err
	}

	ctx, cancel := context.WithCancel(context.Background())

	return &Handle{
		addr:   addr,
		dev:    dev,
		cfg:    cfg,
		intf:   intf,
		out:    out,
		ctx:    ctx,
		cancel: cancel,
	}, nil
}

// Addr returns the device's USB address.
func (h *Handle) Addr() Addr { return h.addr }

// SerialNumber returns the device's USB serial string, if it has one.
func (h *Handle) SerialNumber() string {
	s, _ := h.dev.SerialNumber()
	return s
}

// SubmitOut schedules buf for asynchronous transmission on the
// handle's OUT endpoint. It returns immediately; the result is
// delivered on completions, tagged with id, once the transfer
// finishes. buf must not be modified until the completion arrives.
//
// The actual write happens on a dedicated goroutine -- gousb's public
// API is blocking -- but because completions is only ever drained by
// the single core event loop goroutine, no device or mapping state is
// ever touched off that goroutine; the blocking call is purely an
// implementation detail of how the OS-facing half of the transfer
// happens to be scheduled.
func (h *Handle) SubmitOut(id uint64, buf []byte, completions chan<- Completion) {
	if atomic.LoadInt32(&h.closed) != 0 {
		completions <- Completion{ID: id, Addr: h.addr, Status: StatusCancelled, Err: ErrClosed}
		return
	}

	go func() {
		n, err := h.out.WriteContext(h.ctx, buf)

		if atomic.LoadInt32(&h.closed) != 0 {
			completions <- Completion{ID: id, Addr: h.addr, Status: StatusCancelled, N: n}
			return
		}

		status := StatusOK
		if err != nil {
			status = classifyError(err)
		}
		completions <- Completion{ID: id, Addr: h.addr, Status: status, N: n, Err: err}
	}()
}

func classifyError(err error) Status {
	if errors.Is(err, context.Canceled) {
		return StatusCancelled
	}
	if strings.Contains(err.Error(), "stall") {
		return StatusStall
	}
	return StatusIOError
}

// CancelAll marks the handle closed: completions for submissions still
// in flight are reported as StatusCancelled, and further SubmitOut
// calls fail immediately. This models the hotplug-leave cancellation
// contract of spec.md §5.
func (h *Handle) CancelAll() {
	atomic.StoreInt32(&h.closed, 1)
	h.cancel()
}

// Close marks the handle closed and cancels in-flight transfers, as
// CancelAll does, then releases the interface, configuration and
// device.
func (h *Handle) Close() {
	atomic.StoreInt32(&h.closed, 1)
	h.cancel()
	if h.intf != nil {
		h.intf.Close()
	}
	if h.cfg != nil {
		h.cfg.Close()
	}
	if h.dev != nil {
		h.dev.Close()
	}
}

// NextID returns a fresh, handle-scoped submission identifier.
func (h *Handle) NextID() uint64 {
	return atomic.AddUint64(&h.nextSeq, 1)
}
