// Package usbtransport implements the USB Transport Layer (UTL) from
// spec.md §4.1: device enumeration, hotplug notification and
// asynchronous OUT-endpoint submission, on top of
// github.com/google/gousb.
//
// gousb exposes no native asynchronous hotplug callback through its
// public API, so arrival/departure is detected by periodically
// re-enumerating and diffing the address set -- the same technique
// ipp-usb's own PnP manager uses for its USB bookkeeping (compare
// UsbAddrList.Diff in the teacher repo). submitOut does not block the
// caller: the actual endpoint write happens on a short-lived goroutine,
// and its result is delivered as a Completion value on a channel that
// only the server core ever reads, which is what makes the callback
// "run on the event loop thread" in spec.md §4.1's sense.
package usbtransport

import (
	"fmt"
	"sort"
)

// Addr identifies a USB device by bus/address, exactly as spec.md §3's
// DeviceTable invariant requires for uniqueness.
type Addr struct {
	Bus     int
	Address int
}

// String returns a human-readable representation of Addr.
func (a Addr) String() string {
	return fmt.Sprintf("Bus %.3d Device %.3d", a.Bus, a.Address)
}

// Less reports whether a sorts before b.
func (a Addr) Less(b Addr) bool {
	return a.Bus < b.Bus || (a.Bus == b.Bus && a.Address < b.Address)
}

// Set is a sorted, duplicate-free set of Addr values. Keeping it
// sorted makes Diff and logging output deterministic.
type Set []Addr

// Add inserts addr into the set, preserving order; a no-op if already
// present.
func (s *Set) Add(addr Addr) {
	i := sort.Search(len(*s), func(n int) bool { return !(*s)[n].Less(addr) })
	if i < len(*s) && (*s)[i] == addr {
		return
	}
	*s = append(*s, Addr{})
	copy((*s)[i+1:], (*s)[i:])
	(*s)[i] = addr
}

// Find returns the index of addr in the set, or -1.
func (s Set) Find(addr Addr) int {
	i := sort.Search(len(s), func(n int) bool { return !s[n].Less(addr) })
	if i < len(s) && s[i] == addr {
		return i
	}
	return -1
}

// Diff computes which addresses must be added and removed to turn s
// into next.
func (s Set) Diff(next Set) (added, removed Set) {
	for _, a := range next {
		if s.Find(a) < 0 {
			added.Add(a)
		}
	}
	for _, a := range s {
		if next.Find(a) < 0 {
			removed.Add(a)
		}
	}
	return
}

// DeviceDesc describes an enumerated USB device, enough for a driver's
// Matches() call and for opening it.
type DeviceDesc struct {
	Addr
	Vendor  uint16
	Product uint16
	Serial  string
}
