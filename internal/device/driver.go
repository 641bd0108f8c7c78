// Package device defines the Device Driver Layer (DDL) from spec.md
// §4.2: a small capability interface that the two concrete drivers
// (internal/device/fc and internal/device/dmx) implement, plus the
// DeviceTable the server core uses to track attached devices.
//
// ipp-usb has no equivalent "pick the right driver for this device"
// abstraction of its own -- it only ever talks IPP-over-USB -- so this
// interface is modeled after the same idea its quirks.go expresses for
// vendor/product matching: a small, data-driven Matches() predicate
// rather than a class hierarchy.
package device

import (
	"fmt"
	"sync"

	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

// State is a device's position in its attach/configure/run lifecycle,
// per spec.md §4.2.
type State int

// Recognized device states.
const (
	StateAttachedUnconfigured State = iota
	StateConfiguring
	StateReady
	StateFrameInFlight
	StateTerminated
)

// String implements fmt.Stringer.
func (s State) String() string {
	switch s {
	case StateAttachedUnconfigured:
		return "attached-unconfigured"
	case StateConfiguring:
		return "configuring"
	case StateReady:
		return "ready"
	case StateFrameInFlight:
		return "frame-in-flight"
	case StateTerminated:
		return "terminated"
	}
	return "unknown"
}

// ColorCorrection is the gamma/whitepoint-scale pair installed on a
// device, per spec.md §4.3. The fadecandy driver uploads it as a LUT
// the firmware applies and sends pixel data unmodified; the enttec
// driver applies the whitepoint host-side as a per-component scale.
type ColorCorrection struct {
	Gamma      float64
	Whitepoint [3]float64
}

// FirmwareConfig carries the three Fadecandy firmware-config flags
// from spec.md §4.3's 0x02 system-exclusive sub-message.
type FirmwareConfig struct {
	NoDithering      bool
	NoInterpolation  bool
	LEDControlManual bool
}

// Driver is the capability interface every concrete device binding
// implements. The core never type-switches on a concrete driver type;
// it only calls through this interface, so adding a third device type
// requires no change to internal/core.
type Driver interface {
	// Matches reports whether this driver claims devices with the
	// given USB vendor/product ID.
	Matches(vendor, product uint16) bool

	// Attach claims the handle and returns the bound device. It
	// performs no I/O itself: a device type that needs an
	// upload/handshake (the fadecandy LUT) returns in
	// StateConfiguring and submits it on its first Flush, while one
	// that needs none (enttec) returns in StateReady.
	Attach(handle *usbtransport.Handle, serial string) (Device, error)
}

// Device is a single attached, driver-bound device instance.
type Device interface {
	// Addr returns the USB address this device is bound to.
	Addr() usbtransport.Addr

	// Serial returns the device's USB serial number, if any.
	Serial() string

	// TypeName names the device binding, e.g. "fadecandy" or "enttec".
	TypeName() string

	// State returns the device's current lifecycle state.
	State() State

	// WritePixels stages pixel data destined for the given mapped
	// range; it does not itself perform any I/O.
	WritePixels(firstDevicePixel int, rgb []byte)

	// SetColorCorrection installs the color correction applied to
	// subsequently staged pixel data.
	SetColorCorrection(cc ColorCorrection)

	// SetFirmwareConfig applies firmware-level configuration flags,
	// where the device type supports them; a no-op otherwise.
	SetFirmwareConfig(cfg FirmwareConfig)

	// Flush submits any staged, dirty pixel data to the device,
	// scheduling the underlying USB transfer asynchronously. Per
	// spec.md §4.2.1/§8, at most one transfer is ever outstanding at a
	// time for a given device; Flush is a no-op while one is already in
	// flight, and the most recently staged data is what gets submitted
	// once OnCompletion frees the device up again.
	Flush(completions chan<- usbtransport.Completion)

	// OnCompletion is delivered by the core event loop for every
	// Completion whose Addr matches this device. Implementations clear
	// their in-flight bookkeeping and, if data was staged while the
	// transfer was outstanding, submit it now.
	OnCompletion(c usbtransport.Completion, completions chan<- usbtransport.Completion)

	// Detach cancels in-flight transfers and moves the device to
	// StateTerminated.
	Detach()
}

// ComponentWriter is implemented by device types whose device-local
// address space is a flat channel array rather than a pixel array, so
// a single color component of a single source pixel can be routed to
// exactly one destination channel (spec.md §6's per-channel Enttec
// map entries). WritePixels alone cannot express this: it always
// writes a contiguous run of whole RGB triplets.
type ComponentWriter interface {
	// WriteComponent stages one byte -- component (0=R, 1=G, 2=B) of
	// whatever source pixel the caller resolved -- into destination
	// channel ch.
	WriteComponent(ch, component int, value byte)
}

// ErrDuplicateAddr is returned by Table.Add when a device at the same
// USB address is already tracked.
var ErrDuplicateAddr = fmt.Errorf("device: duplicate address")

// Table tracks the set of currently attached devices, enforcing
// spec.md §3's invariant that no two entries share a (bus, address).
//
// Table is not safe for concurrent use by design: per spec.md §5 it is
// owned exclusively by the single core event-loop goroutine.
type Table struct {
	byAddr map[usbtransport.Addr]Device
}

// NewTable returns an empty device table.
func NewTable() *Table {
	return &Table{byAddr: make(map[usbtransport.Addr]Device)}
}

// Add registers d, keyed by its USB address.
func (t *Table) Add(d Device) error {
	if _, exists := t.byAddr[d.Addr()]; exists {
		return ErrDuplicateAddr
	}
	t.byAddr[d.Addr()] = d
	return nil
}

// Remove detaches and forgets the device at addr, if tracked.
func (t *Table) Remove(addr usbtransport.Addr) {
	if d, ok := t.byAddr[addr]; ok {
		d.Detach()
		delete(t.byAddr, addr)
	}
}

// Lookup returns the device at addr, if tracked.
func (t *Table) Lookup(addr usbtransport.Addr) (Device, bool) {
	d, ok := t.byAddr[addr]
	return d, ok
}

// All returns every tracked device; the order is unspecified.
func (t *Table) All() []Device {
	out := make([]Device, 0, len(t.byAddr))
	for _, d := range t.byAddr {
		out = append(out, d)
	}
	return out
}

// Len returns the number of tracked devices.
func (t *Table) Len() int { return len(t.byAddr) }

// driversMu guards the package-level driver registry below; it is not
// on the core's hot path, so a plain mutex (rather than event-loop
// exclusivity) is appropriate here.
var driversMu sync.Mutex
var drivers []Driver

// Register adds d to the set of drivers consulted by Resolve. Drivers
// register themselves from an init() function in their own package.
func Register(d Driver) {
	driversMu.Lock()
	defer driversMu.Unlock()
	drivers = append(drivers, d)
}

// Resolve returns the first registered driver that claims the given
// vendor/product pair, or nil if none does.
func Resolve(vendor, product uint16) Driver {
	driversMu.Lock()
	defer driversMu.Unlock()
	for _, d := range drivers {
		if d.Matches(vendor, product) {
			return d
		}
	}
	return nil
}
