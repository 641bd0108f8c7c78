// Package core implements the Server Core (CORE) from spec.md §4.5:
// the single event loop that couples hotplug, OPC dispatch, mapping
// resolution and the device table, with no blocking I/O of its own.
//
// The select-loop-over-channels shape is the Go transliteration of the
// C++-style reactor the specification describes; it is grounded the
// same way ipp-usb's PnPStart loop (pnp.go) couples a hotplug channel
// with a shutdown channel in one dispatch loop, generalized here to
// also select over USB completions and OPC messages.
package core

import (
	"fmt"
	"sync"

	"github.com/google/gousb"

	"github.com/opcbridge/opcbridged/internal/config"
	"github.com/opcbridge/opcbridged/internal/device"
	_ "github.com/opcbridge/opcbridged/internal/device/dmx"
	_ "github.com/opcbridge/opcbridged/internal/device/fc"
	"github.com/opcbridge/opcbridged/internal/logger"
	"github.com/opcbridge/opcbridged/internal/mapping"
	"github.com/opcbridge/opcbridged/internal/opc"
	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

// Driver-specific attach parameters. Each concrete device type claims
// a fixed configuration/interface/endpoint; a real deployment might
// make these quirk-overridable the way ipp-usb's quirks.go does, but
// spec.md does not call for that, so they are fixed constants here.
const (
	usbConfigNum = 1
	usbIfaceNum  = 0
	usbAltNum    = 0
	usbEPOut     = 0x01
)

// Server is the single-event-loop OPC-to-USB bridge. Dispatch,
// ReloadConfig and Close may be called from any goroutine; Devices
// reads the device table unsynchronized and is only safe on the
// event-loop goroutine. Run itself must only ever execute on the one
// goroutine that owns the device table and mapping table, per spec.md
// §5.
type Server struct {
	log     *logger.Logger
	usbCtx  *gousb.Context
	cfg     config.Config
	devices *device.Table
	mapping *mapping.Table

	// bindings maps a configured device binding (its index in
	// cfg.Devices, stable across reload as long as the list order is
	// unchanged) to the USB address it is currently attached at. A
	// binding with no entry here has no attached device yet.
	bindings map[mapping.DeviceID]usbtransport.Addr

	hotplug *usbtransport.HotplugWatcher
	opcList *opc.Listener

	completions chan usbtransport.Completion
	opcMsgs     chan opc.Message
	reloads     chan config.Config
	stop        chan struct{}
	stopped     chan struct{}

	mu      sync.Mutex
	started bool
}

// New constructs a Server bound to cfg. The USB context and OPC
// listener are not opened until Run is called.
func New(cfg config.Config, log *logger.Logger) *Server {
	return &Server{
		log:         log,
		cfg:         cfg,
		devices:     device.NewTable(),
		mapping:     buildMapping(cfg),
		bindings:    make(map[mapping.DeviceID]usbtransport.Addr),
		completions: make(chan usbtransport.Completion, 64),
		opcMsgs:     make(chan opc.Message, 64),
		reloads:     make(chan config.Config, 1),
		stop:        make(chan struct{}),
		stopped:     make(chan struct{}),
	}
}

// Dispatch implements opc.Dispatcher. It is called from an OPC
// connection's reader goroutine and posts msg to a 64-slot buffered
// channel the event loop drains; it blocks only while that buffer is
// full, which stalls the calling connection until the loop catches up.
func (s *Server) Dispatch(msg opc.Message) {
	s.opcMsgs <- msg
}

// ReloadConfig requests the event loop adopt cfg at its next
// iteration. Intended to be called from a signal handler (SIGHUP),
// per spec.md §4.5.
func (s *Server) ReloadConfig(cfg config.Config) {
	select {
	case s.reloads <- cfg:
	default:
		s.log.Info('~', "reload already pending, dropping duplicate request")
	}
}

// DeviceStatus is one entry of the snapshot Devices returns: an
// attached device's USB address, type, serial and lifecycle state --
// the status surface SPEC_FULL.md §8 adds over the base specification.
type DeviceStatus struct {
	Addr   usbtransport.Addr
	Type   string
	Serial string
	State  string
}

// Devices returns the current device table snapshot. It is safe to
// call only from the event-loop goroutine, since Server.devices is
// not otherwise synchronized, per spec.md §5.
func (s *Server) Devices() []DeviceStatus {
	all := s.devices.All()
	out := make([]DeviceStatus, len(all))
	for i, d := range all {
		out[i] = DeviceStatus{
			Addr:   d.Addr(),
			Type:   d.TypeName(),
			Serial: d.Serial(),
			State:  d.State().String(),
		}
	}
	return out
}

// Run starts the USB context, hotplug watcher and OPC listener, then
// blocks running the single event loop until Close is called.
func (s *Server) Run() error {
	s.mu.Lock()
	if s.started {
		s.mu.Unlock()
		return fmt.Errorf("core: server already running")
	}
	s.started = true
	s.mu.Unlock()

	s.usbCtx = gousb.NewContext()

	s.hotplug = usbtransport.NewHotplugWatcher(s.usbCtx, matchAnyKnownDriver, hotplugInterval)
	if err := s.hotplug.Start(); err != nil {
		return fmt.Errorf("core: starting hotplug watcher: %w", err)
	}

	listener, err := opc.Listen(s.cfg.Listen.String(), s.log, s)
	if err != nil {
		s.hotplug.Stop()
		return fmt.Errorf("core: starting OPC listener: %w", err)
	}
	s.opcList = listener

	s.log.Info('+', "listening on %s", s.cfg.Listen)

	s.loop()

	close(s.stopped)
	return nil
}

// Close stops the event loop and releases every owned resource.
func (s *Server) Close() {
	close(s.stop)
	<-s.stopped

	if s.opcList != nil {
		s.opcList.Close()
	}
	if s.hotplug != nil {
		s.hotplug.Stop()
	}
	for _, d := range s.devices.All() {
		d.Detach()
	}
	if s.usbCtx != nil {
		s.usbCtx.Close()
	}
}

func (s *Server) loop() {
	for {
		select {
		case <-s.stop:
			return

		case ev := <-s.hotplug.Events():
			s.handleHotplugEvent(ev)

		case c := <-s.completions:
			s.handleCompletion(c)

		case msg := <-s.opcMsgs:
			s.handleOPCMessage(msg)

		case cfg := <-s.reloads:
			s.handleReload(cfg)
		}
	}
}

func (s *Server) handleHotplugEvent(ev usbtransport.Event) {
	switch ev.Kind {
	case usbtransport.EventArrive:
		s.attachDevice(ev.Desc)
	case usbtransport.EventLeave:
		s.devices.Remove(ev.Desc.Addr)
		s.unbind(ev.Desc.Addr)
		s.log.Info('-', "device left: %s", ev.Desc.Addr)
	}
}

func (s *Server) unbind(addr usbtransport.Addr) {
	for id, bound := range s.bindings {
		if bound == addr {
			delete(s.bindings, id)
		}
	}
}

func (s *Server) attachDevice(desc usbtransport.DeviceDesc) {
	drv := device.Resolve(desc.Vendor, desc.Product)
	if drv == nil {
		return
	}

	bindingID, dc, ok := matchDeviceConfig(s.cfg, desc)
	if !ok {
		return
	}

	handle, err := usbtransport.OpenAddr(s.usbCtx, desc.Addr, usbConfigNum, usbIfaceNum, usbAltNum, usbEPOut)
	if err != nil {
		s.log.Error('!', "opening %s: %s", desc.Addr, err)
		return
	}

	dev, err := drv.Attach(handle, desc.Serial)
	if err != nil {
		s.log.Error('!', "attaching %s: %s", desc.Addr, err)
		handle.Close()
		return
	}

	if err := s.devices.Add(dev); err != nil {
		s.log.Error('!', "%s: %s", desc.Addr, err)
		dev.Detach()
		return
	}

	s.bindings[bindingID] = desc.Addr
	applyDeviceColor(dc, s.cfg.Color, dev)
	s.log.Info('+', "device arrived: %s (%s)", desc.Addr, dev.TypeName())
}

// handleCompletion resolves a transfer completion back to the device
// that submitted it and lets that device decide what comes next: per
// spec.md §4.2.1/§8, at most one transfer is ever in flight for a
// device, so this is also what re-drives a pending frame that was
// staged (and dropped any intermediate writes) while the prior one was
// outstanding.
func (s *Server) handleCompletion(c usbtransport.Completion) {
	if c.Status != usbtransport.StatusOK {
		s.log.Debug(' ', "transfer %d: %s", c.ID, c.Status)
	}
	dev, ok := s.devices.Lookup(c.Addr)
	if !ok {
		return
	}
	dev.OnCompletion(c, s.completions)
}

func (s *Server) handleOPCMessage(msg opc.Message) {
	switch msg.Command {
	case opc.CommandSetPixelColors:
		s.handleSetPixelColors(msg)
	case opc.CommandSystemExclusive:
		s.handleSystemExclusive(msg)
	default:
		// Unknown commands are silently ignored, per spec.md §4.3.
	}
}

func (s *Server) handleSetPixelColors(msg opc.Message) {
	pixelCount := len(msg.Payload) / 3
	routes := s.mapping.Resolve(int(msg.Channel), 0, pixelCount)

	touched := make(map[usbtransport.Addr]device.Device)
	for _, r := range routes {
		addr, ok := s.bindings[r.Device]
		if !ok {
			continue
		}
		dev, ok := s.devices.Lookup(addr)
		if !ok {
			continue
		}
		switch {
		case r.ConstColor != nil:
			dev.WritePixels(r.FirstDevicePixel, constColorFill(*r.ConstColor, r.PixelCount))
		case r.Component != nil:
			writeComponent(dev, r, msg.Payload)
		default:
			dev.WritePixels(r.FirstDevicePixel, msg.Payload[r.SourceOffset*3:(r.SourceOffset+r.PixelCount)*3])
		}
		touched[addr] = dev
	}
	for _, dev := range touched {
		dev.Flush(s.completions)
	}
}

// writeComponent extracts the single color byte a per-channel Enttec
// map entry (mapping.Entry.Component) names out of the source frame
// and routes it through device.ComponentWriter, so that one OPC
// pixel's one color component lands on exactly one destination
// channel instead of a whole RGB triplet clobbering three of them.
// Devices that do not implement device.ComponentWriter silently drop
// the write, matching spec.md §6's tolerance for unsupported map
// entries on a given device type.
func writeComponent(dev device.Device, r mapping.Route, payload []byte) {
	cw, ok := dev.(device.ComponentWriter)
	if !ok {
		return
	}
	idx := r.SourceOffset*3 + *r.Component
	if idx < 0 || idx >= len(payload) {
		return
	}
	cw.WriteComponent(r.FirstDevicePixel, *r.Component, payload[idx])
}

// constColorFill renders n repetitions of rgb as a flat pixel buffer,
// for a constant-color mapping.Entry (spec.md §6's "broadcast form for
// constant color").
func constColorFill(rgb [3]uint8, n int) []byte {
	out := make([]byte, n*3)
	for i := 0; i < n; i++ {
		out[i*3] = rgb[0]
		out[i*3+1] = rgb[1]
		out[i*3+2] = rgb[2]
	}
	return out
}

func (s *Server) handleSystemExclusive(msg opc.Message) {
	sysID, subCmd, rest, ok := opc.ParseSystemExclusive(msg.Payload)
	if !ok {
		return
	}
	_ = sysID // only Fadecandy is recognized; ParseSystemExclusive already filtered

	switch subCmd {
	case opc.SubCmdSetColorCorrection:
		s.handleSetColorCorrection(msg.Channel, rest)
	case opc.SubCmdSetFirmwareConfig:
		s.handleSetFirmwareConfig(msg.Channel, rest)
	}
}

func (s *Server) handleSetColorCorrection(channel byte, payload []byte) {
	cc, ok := decodeColorCorrection(payload)
	if !ok {
		return
	}
	for _, id := range s.mapping.DevicesOnChannel(int(channel)) {
		if addr, ok := s.bindings[id]; ok {
			if dev, ok := s.devices.Lookup(addr); ok {
				dev.SetColorCorrection(cc)
			}
		}
	}
}

func (s *Server) handleSetFirmwareConfig(channel byte, payload []byte) {
	if len(payload) < 3 {
		return
	}
	cfg := device.FirmwareConfig{
		NoDithering:      payload[0] != 0,
		NoInterpolation:  payload[1] != 0,
		LEDControlManual: payload[2] != 0,
	}
	for _, id := range s.mapping.DevicesOnChannel(int(channel)) {
		if addr, ok := s.bindings[id]; ok {
			if dev, ok := s.devices.Lookup(addr); ok {
				dev.SetFirmwareConfig(cfg)
			}
		}
	}
}

func (s *Server) handleReload(cfg config.Config) {
	s.cfg = cfg
	s.mapping = buildMapping(cfg)
	for id, addr := range s.bindings {
		dc, ok := configAt(cfg, id)
		if !ok {
			continue
		}
		if dev, ok := s.devices.Lookup(addr); ok {
			applyDeviceColor(dc, cfg.Color, dev)
		}
	}
	s.log.Info('~', "configuration reloaded")
}
