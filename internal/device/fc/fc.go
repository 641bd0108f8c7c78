// Package fc implements the Fadecandy-class LED controller driver
// named in spec.md §4.2: double-buffered framebuffers, a per-channel
// 16-bit gamma/whitepoint lookup table, and the 64-byte packet framing
// the real firmware expects on its bulk OUT endpoint.
//
// There is no USB LED controller in the example corpus to lift packet
// framing from, so the packet layout follows spec.md §4.2 directly;
// the state machine, double buffering and LUT upload sequencing are
// grounded on the attach/configure/ready progression ipp-usb's device.go
// and usb.go establish for a freshly attached USB peripheral.
package fc

import (
	"math"

	"github.com/opcbridge/opcbridged/internal/device"
	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

// Vendor/product ID this driver claims, per spec.md §4.2.
const (
	VendorID  = 0x1d50
	ProductID = 0x607a
)

const (
	channelCount      = 8
	pixelsPerChannel  = 64
	lutEntriesPerChan = 257

	pixelPacketPixels = 21 // pixel triplets per 64-byte packet
	packetSize        = 64
)

func init() {
	device.Register(&Driver{})
}

// Driver implements device.Driver for Fadecandy-class controllers.
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
		state:  device.StateAttachedUnconfigured,
		cc:     device.ColorCorrection{Gamma: 1, Whitepoint: [3]float64{1, 1, 1}},
	}
	d.front = make([]byte, channelCount*pixelsPerChannel*3)
	d.back = make([]byte, channelCount*pixelsPerChannel*3)
	d.rebuildLUT()
	d.state = device.StateConfiguring
	return d, nil
}

// Device is an attached Fadecandy-class controller.
type Device struct {
	handle *usbtransport.Handle
	serial string
	state  device.State

	cc     device.ColorCorrection
	fwCfg  device.FirmwareConfig
	lut    [channelCount][lutEntriesPerChan]uint16
	lutOK  bool

	front []byte // pixel data staged since the last promotion to back
	back  []byte // pixel data from the most recently submitted transfer
	dirty bool    // front holds writes not yet promoted to back and submitted

	inFlight   bool // a transfer (LUT upload or pixel frame) is outstanding
	lutPending bool // the outstanding transfer is the LUT upload, not a pixel frame
}

// Addr implements device.Device.
func (d *Device) Addr() usbtransport.Addr { return d.handle.Addr() }

// Serial implements device.Device.
func (d *Device) Serial() string { return d.serial }

// TypeName implements device.Device.
func (d *Device) TypeName() string { return "fadecandy" }

// State implements device.Device.
func (d *Device) State() device.State { return d.state }

// WritePixels implements device.Device. firstDevicePixel is an index
// into the device's flat pixel space (channel*pixelsPerChannel+pixel);
// rgb is a flat sequence of 3-byte triplets.
func (d *Device) WritePixels(firstDevicePixel int, rgb []byte) {
	offset := firstDevicePixel * 3
	if offset < 0 || offset+len(rgb) > len(d.front) {
		return
	}
	copy(d.front[offset:], rgb)
	d.dirty = true
}

// SetColorCorrection implements device.Device.
func (d *Device) SetColorCorrection(cc device.ColorCorrection) {
	d.cc = cc
	d.rebuildLUT()
	d.lutOK = false
}

// SetFirmwareConfig implements device.Device.
func (d *Device) SetFirmwareConfig(cfg device.FirmwareConfig) {
	d.fwCfg = cfg
}

// rebuildLUT recomputes the 257-entry-per-channel gamma/whitepoint
// table, per spec.md §4.2: value = clamp((i/256)^gamma * scale) scaled
// to 16 bits.
func (d *Device) rebuildLUT() {
	gamma := d.cc.Gamma
	if gamma <= 0 {
		gamma = 1
	}
	for ch := 0; ch < channelCount; ch++ {
		scale := 1.0
		if ch < 3 {
			scale = d.cc.Whitepoint[ch]
		}
		for i := 0; i < lutEntriesPerChan; i++ {
			x := float64(i) / float64(lutEntriesPerChan-1)
			v := math.Pow(x, gamma) * scale
			if v < 0 {
				v = 0
			}
			if v > 1 {
				v = 1
			}
			d.lut[ch][i] = uint16(v*65535 + 0.5)
		}
	}
}

// Flush implements device.Device. Per spec.md §4.2.1/§8, at most one
// transfer is ever outstanding for this device at a time: if one is
// already in flight, Flush only marks the point that front (already
// updated by WritePixels) still needs promoting -- dirty is already
// set -- and returns without submitting anything. OnCompletion is what
// actually submits the next batch once the device goes idle again, so
// any number of WritePixels/Flush calls that land while a transfer is
// outstanding collapse into at most one additional queued frame.
func (d *Device) Flush(completions chan<- usbtransport.Completion) {
	if d.state == device.StateTerminated || d.inFlight {
		return
	}
	d.submitNext(completions)
}

// submitNext submits whichever batch is due: the LUT upload if it
// hasn't been accepted yet (ordered ahead of any pixel frame, per
// spec.md §4.2.1), else the composed frame if front holds unpromoted
// writes. It must only be called when no transfer is in flight.
func (d *Device) submitNext(completions chan<- usbtransport.Completion) {
	if !d.lutOK {
		d.beginBatch(true, completions, concatPackets(d.lutPackets()))
		return
	}
	if !d.dirty {
		return
	}
	copy(d.back, d.front)
	d.dirty = false
	d.beginBatch(false, completions, concatPackets(framePackets(d.back)))
}

func (d *Device) beginBatch(isLUT bool, completions chan<- usbtransport.Completion, buf []byte) {
	d.inFlight = true
	d.lutPending = isLUT
	d.state = device.StateFrameInFlight
	d.handle.SubmitOut(d.handle.NextID(), buf, completions)
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
	if d.lutPending {
		d.lutOK = true
		d.lutPending = false
	}
	d.state = device.StateReady
	d.submitNext(completions)
}

// lutPackets renders the 8-channel, 257-entry LUT as a sequence of
// control packets: one packet per 21-entry slice, tagged with two
// header bytes (0x80|channel, then the slice's starting entry offset).
func (d *Device) lutPackets() [][]byte {
	var packets [][]byte
	for ch := 0; ch < channelCount; ch++ {
		for base := 0; base < lutEntriesPerChan; base += pixelPacketPixels {
			n := lutEntriesPerChan - base
			if n > pixelPacketPixels {
				n = pixelPacketPixels
			}
			pkt := make([]byte, packetSize)
			pkt[0] = 0x80 | byte(ch)
			pkt[1] = byte(base)
			for i := 0; i < n; i++ {
				v := d.lut[ch][base+i]
				pkt[2+i*2] = byte(v >> 8)
				pkt[3+i*2] = byte(v)
			}
			packets = append(packets, pkt)
		}
	}
	return packets
}

// lastPacketFlag marks the final packet of a pixel frame in its header
// byte's top bit, alongside the packet index in the low 7 bits, per
// spec.md §4.2.1.
const lastPacketFlag = 0x80

// framePackets splits a flat RGB buffer into 64-byte packets, each
// carrying a 1-byte header (packet index, last-packet flag) plus up to
// 21 pixel triplets, per spec.md §4.2.1.
func framePackets(rgb []byte) [][]byte {
	totalPixels := len(rgb) / 3
	var packets [][]byte
	for base := 0; base < totalPixels; base += pixelPacketPixels {
		n := totalPixels - base
		if n > pixelPacketPixels {
			n = pixelPacketPixels
		}
		pkt := make([]byte, packetSize)
		pkt[0] = byte(base / pixelPacketPixels)
		if base+n >= totalPixels {
			pkt[0] |= lastPacketFlag
		}
		copy(pkt[1:], rgb[base*3:(base+n)*3])
		packets = append(packets, pkt)
	}
	return packets
}

// concatPackets joins a sequence of wire packets into the single
// buffer submitted as one USB transfer: the bulk OUT endpoint splits a
// write into max-packet-size chunks on its own, so the packet framing
// above is a wire-format concern, not a reason to issue one transfer
// per packet.
func concatPackets(pkts [][]byte) []byte {
	buf := make([]byte, 0, len(pkts)*packetSize)
	for _, pkt := range pkts {
		buf = append(buf, pkt...)
	}
	return buf
}

// Detach implements device.Device. It cancels any in-flight transfer
// and releases the claimed USB interface/configuration/device, per
// spec.md §5's hotplug-leave cancellation contract.
func (d *Device) Detach() {
	d.handle.Close()
	d.state = device.StateTerminated
}
