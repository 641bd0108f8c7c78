package usbtransport

import (
	"sync"
	"time"

	"github.com/google/gousb"
)

// EventKind distinguishes hotplug arrival from departure.
type EventKind int

// Recognized hotplug event kinds.
const (
	EventArrive EventKind = iota
	EventLeave
)

// Event is a single device arrival or departure, posted to the
// channel the server core selects on.
type Event struct {
	Kind EventKind
	Desc DeviceDesc
}

// Matcher reports whether a device descriptor belongs to a driver this
// server cares about; devices a Matcher rejects are never opened or
// reported, matching spec.md §4.2's "drivers own their own vendor
// matching" design.
type Matcher func(desc DeviceDesc) bool

// HotplugWatcher periodically re-enumerates USB devices and reports
// the difference against its previous snapshot as Events.
//
// gousb has no equivalent of libusb's native hotplug callback in its
// public API, so this polls on an interval -- the same approach
// ipp-usb's own PnP manager takes (see UsbAddrList.Diff in the teacher
// repo) when it cannot rely on udev-triggered invocation.
type HotplugWatcher struct {
	ctx      *gousb.Context
	match    Matcher
	interval time.Duration
	events   chan Event

	mu    sync.Mutex
	known Set
	descs map[Addr]DeviceDesc

	stop chan struct{}
	done chan struct{}
}

// NewHotplugWatcher creates a watcher that reports devices accepted by
// match, polling every interval.
func NewHotplugWatcher(ctx *gousb.Context, match Matcher, interval time.Duration) *HotplugWatcher {
	return &HotplugWatcher{
		ctx:      ctx,
		match:    match,
		interval: interval,
		events:   make(chan Event, 16),
		descs:    make(map[Addr]DeviceDesc),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Events returns the channel Event values are posted to. The server
// core is expected to be its only reader.
func (w *HotplugWatcher) Events() <-chan Event { return w.events }

// Start begins polling in a background goroutine. It performs an
// initial enumeration synchronously, so that devices already attached
// at startup are reported as EventArrive before Start returns.
func (w *HotplugWatcher) Start() error {
	if err := w.poll(); err != nil {
		return err
	}
	go w.loop()
	return nil
}

// Stop halts polling and waits for the background goroutine to exit.
func (w *HotplugWatcher) Stop() {
	close(w.stop)
	<-w.done
}

func (w *HotplugWatcher) loop() {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-w.stop:
			return
		case <-ticker.C:
			w.poll()
		}
	}
}

func (w *HotplugWatcher) poll() error {
	var current Set
	descs := make(map[Addr]DeviceDesc)

	devs, err := w.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		d := DeviceDesc{
			Addr:    Addr{Bus: desc.Bus, Address: desc.Address},
			Vendor:  uint16(desc.Vendor),
			Product: uint16(desc.Product),
		}
		if w.match != nil && !w.match(d) {
			return false
		}
		current.Add(d.Addr)
		descs[d.Addr] = d
		return false
	})
	if err != nil {
		return err
	}
	for _, d := range devs {
		d.Close()
	}

	for addr, desc := range descs {
		if serial, err := w.lookupSerial(addr); err == nil {
			desc.Serial = serial
			descs[addr] = desc
		}
	}

	w.mu.Lock()
	added, removed := w.known.Diff(current)
	w.known = current
	for _, a := range added {
		w.descs[a] = descs[a]
	}
	leaving := make([]DeviceDesc, 0, len(removed))
	for _, a := range removed {
		leaving = append(leaving, w.descs[a])
		delete(w.descs, a)
	}
	w.mu.Unlock()

	for _, d := range leaving {
		w.events <- Event{Kind: EventLeave, Desc: d}
	}
	for _, a := range added {
		w.events <- Event{Kind: EventArrive, Desc: descs[a]}
	}
	return nil
}

func (w *HotplugWatcher) lookupSerial(addr Addr) (string, error) {
	devs, err := w.ctx.OpenDevices(func(desc *gousb.DeviceDesc) bool {
		return desc.Bus == addr.Bus && desc.Address == addr.Address
	})
	if err != nil {
		return "", err
	}
	defer func() {
		for _, d := range devs {
			d.Close()
		}
	}()
	if len(devs) == 0 {
		return "", ErrDeviceNotFound
	}
	return devs[0].SerialNumber()
}
