// Package dmx implements the DMX/Enttec-class adapter driver named in
// spec.md §4.2: a single flat 24-channel array, scale-only host-side
// color correction, and the fixed Enttec DMX USB Pro frame format.
//
// Framing follows the well-known Enttec "DMX USB Pro" wire format
// (start code 0x7E, label 6, 2-byte little-endian length, payload, end
// code 0xE7); the attach/flush lifecycle is grounded the same way as
// internal/device/fc, on ipp-usb's device attach/configure sequencing.
package dmx

import (
	"github.com/opcbridge/opcbridged/internal/device"
	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

// Vendor/product ID this driver claims, per spec.md §4.2.
const (
	VendorID  = 0x0403
	ProductID = 0x6001
)

const channelCount = 24

const (
	startCode = 0x7e
	sendLabel = 0x06
	endCode   = 0xe7
)

func init() {
	device.Register(&Driver{})
}

// Driver implements device.Driver for Enttec-class DMX adapters.
type Driver struct{}

// Matches implements device.Driver.
func (Driver) Matches(vendor, product uint16) bool {
	return vendor == VendorID && product == ProductID
}

// Attach implements device.Driver.
func (Driver) Attach(handle *usbtransport.Handle, serial string) (device.Device, error) {
	d := &Device{
		handle: handle,
		serial: serial,
		state:  device.StateReady,
		scale:  [3]float64{1, 1, 1},
	}
	return d, nil
}

// Device is an attached Enttec-class DMX adapter.
type Device struct {
	handle *usbtransport.Handle
	serial string
	state  device.State

	scale [3]float64 // host-side per-component scale; DMX has no gamma

	channels [channelCount]byte
	dirty    bool

	inFlight bool // a frame transfer is outstanding, per spec.md §4.2.1/§8
}

// Addr implements device.Device.
func (d *Device) Addr() usbtransport.Addr { return d.handle.Addr() }

// Serial implements device.Device.
func (d *Device) Serial() string { return d.serial }

// TypeName implements device.Device.
func (d *Device) TypeName() string { return "enttec" }

// State implements device.Device.
func (d *Device) State() device.State { return d.state }

// WritePixels implements device.Device. firstDevicePixel indexes
// directly into the 24-channel array (it is really a channel offset,
// not a pixel offset, for this device type); rgb's component bytes are
// written through the host-side scale.
func (d *Device) WritePixels(firstDevicePixel int, rgb []byte) {
	for i, v := range rgb {
		ch := firstDevicePixel + i
		if ch < 0 || ch >= channelCount {
			continue
		}
		d.channels[ch] = scaleComponent(v, d.scale[i%3])
	}
	d.dirty = true
}

// WriteComponent implements device.ComponentWriter: an Enttec per-
// channel map entry routes exactly one color component of one source
// pixel to exactly one DMX channel, never a whole RGB triplet.
func (d *Device) WriteComponent(ch, component int, value byte) {
	if ch < 0 || ch >= channelCount || component < 0 || component > 2 {
		return
	}
	d.channels[ch] = scaleComponent(value, d.scale[component])
	d.dirty = true
}

func scaleComponent(v byte, scale float64) byte {
	if scale <= 0 {
		return 0
	}
	if scale >= 1 {
		return v
	}
	out := float64(v) * scale
	if out > 255 {
		out = 255
	}
	return byte(out + 0.5)
}

// SetColorCorrection implements device.Device. DMX has no gamma or
// whitepoint concept of its own; whitepoint components become a
// linear per-channel scale and Gamma is ignored.
func (d *Device) SetColorCorrection(cc device.ColorCorrection) {
	d.scale = cc.Whitepoint
}

// SetFirmwareConfig implements device.Device. Enttec adapters have no
// equivalent firmware configuration surface.
func (d *Device) SetFirmwareConfig(device.FirmwareConfig) {}

// Flush implements device.Device. No double buffering is needed here
// (spec.md §4.2.2): coalescing the latest channel state on completion
// is sufficient, since a DMX frame is a single small fixed-size
// snapshot rather than something worth diffing. At most one transfer
// is kept outstanding at a time, matching the fadecandy driver's
// backpressure discipline; OnCompletion submits the latest state once
// the prior transfer finishes.
func (d *Device) Flush(completions chan<- usbtransport.Completion) {
	if d.state == device.StateTerminated || d.inFlight {
		return
	}
	d.submitNext(completions)
}

func (d *Device) submitNext(completions chan<- usbtransport.Completion) {
	if !d.dirty {
		return
	}
	d.inFlight = true
	d.dirty = false
	d.state = device.StateFrameInFlight
	d.handle.SubmitOut(d.handle.NextID(), d.frame(), completions)
}

// OnCompletion implements device.Device.
func (d *Device) OnCompletion(c usbtransport.Completion, completions chan<- usbtransport.Completion) {
	if d.state == device.StateTerminated {
		return
	}
	d.inFlight = false
	switch c.Status {
	case usbtransport.StatusIOError, usbtransport.StatusStall:
		d.state = device.StateTerminated
		return
	case usbtransport.StatusCancelled:
		return
	}
	d.state = device.StateReady
	d.submitNext(completions)
}

// frame renders the current channel array as an Enttec DMX USB Pro
// "Output Only Send DMX Packet" request.
func (d *Device) frame() []byte {
	payload := channelCount + 1 // leading DMX start code byte
	buf := make([]byte, 0, 4+payload+1)
	buf = append(buf, startCode, sendLabel, byte(payload), byte(payload>>8))
	buf = append(buf, 0x00) // DMX start code
	buf = append(buf, d.channels[:]...)
	buf = append(buf, endCode)
	return buf
}

// Detach implements device.Device. It cancels any in-flight transfer
// and releases the claimed USB interface/configuration/device, per
// spec.md §5's hotplug-leave cancellation contract.
func (d *Device) Detach() {
	d.handle.Close()
	d.state = device.StateTerminated
}
