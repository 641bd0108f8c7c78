// Package mapping implements the Mapping Engine (MAP) from spec.md
// §4.4: an ordered list of mapping entries that routes incoming OPC
// pixel data to the device (and device-local pixel range) it belongs
// to, with last-write-wins resolution and O(totalMappedPixels)
// dispatch.
//
// The replace-whole-list-under-a-fresh-pointer update pattern here is
// grounded on how ipp-usb reloads its Quirks set as a whole on
// reconfiguration (quirks.go) rather than mutating entries in place.
package mapping

// BroadcastChannel is the OPC channel number that, per spec.md §4.4's
// resolved Open Question, delivers a frame to every mapping entry
// regardless of that entry's own configured channel.
const BroadcastChannel = 0

// DeviceID is an opaque handle to a configured device binding. The
// mapping engine has no notion of USB addresses of its own -- it only
// ever routes to whatever identifier the caller registered an entry
// under; internal/core is what maps a DeviceID to an attached
// device.Device once the bus assigns it a real address.
type DeviceID int

// Entry is one compiled mapping between an OPC channel/pixel range and
// a device-local pixel range.
//
// An entry with ConstColor set is the "broadcast form for constant
// color" named in spec.md §6: it ignores the incoming pixel array
// entirely (FirstOPCPixel is meaningless for it) and always routes the
// fixed color to its destination range whenever any Set Pixel Colors
// frame arrives on a matching channel.
//
// An entry with Component set is an Enttec per-channel map entry
// (spec.md §6): it always covers exactly one source pixel
// (PixelCount 1) and FirstDevicePixel names a destination channel, not
// a device-local pixel offset -- only the named color component of
// that one pixel is ever routed, never the whole RGB triplet.
type Entry struct {
	OPCChannel       int
	FirstOPCPixel    int
	FirstDevicePixel int
	PixelCount       int
	Device           DeviceID
	ConstColor       *[3]uint8
	Component        *int // 0=R, 1=G, 2=B; nil for a whole-triplet entry
}

// contains reports whether opcPixel falls within this entry's source
// range.
func (e Entry) contains(opcPixel int) bool {
	return opcPixel >= e.FirstOPCPixel && opcPixel < e.FirstOPCPixel+e.PixelCount
}

// Route describes where one destination-side write lands: which
// device, which device-local pixel offset, and how many pixels.
//
// ConstColor is non-nil for a route produced by a constant-color
// entry: the caller writes this fixed color to the destination range
// instead of reading from the source frame's payload.
//
// Component is non-nil for a route produced by a per-channel Enttec
// map entry: FirstDevicePixel is the destination channel, PixelCount
// is always 1, and the caller must extract only the named color
// component (0=R, 1=G, 2=B) of the source pixel at SourceOffset
// instead of copying a whole RGB triplet.
type Route struct {
	Device           DeviceID
	FirstDevicePixel int
	PixelCount       int
	SourceOffset     int // offset in source pixels from the frame's first pixel
	ConstColor       *[3]uint8
	Component        *int
}

// Table is the server's current, immutable mapping configuration. A
// Table is replaced wholesale on reconfiguration; it is never mutated
// in place once published, so it is safe to read from the core event
// loop without locking as long as the *pointer* swap itself is
// observed atomically by the one goroutine that owns it (spec.md §5).
type Table struct {
	entries []Entry
}

// New returns a Table from entries, in last-write-wins priority order:
// later entries in the slice take precedence over earlier ones when
// their source ranges overlap.
func New(entries []Entry) *Table {
	cp := make([]Entry, len(entries))
	copy(cp, entries)
	return &Table{entries: cp}
}

// Entries returns the table's entries in priority order (lowest to
// highest).
func (t *Table) Entries() []Entry {
	return t.entries
}

// Resolve computes the set of device writes a frame on opcChannel,
// covering firstPixel..firstPixel+pixelCount, produces.
//
// Entries are walked in last-write-wins order: when a later entry's
// source range overlaps an earlier one, the later entry's destination
// wins for the overlapping pixels. Channel 0 is the broadcast channel:
// a frame on channel 0 is delivered to every entry regardless of that
// entry's own OPCChannel.
func (t *Table) Resolve(opcChannel, firstPixel, pixelCount int) []Route {
	var routes []Route
	for _, e := range t.entries {
		if opcChannel != BroadcastChannel && e.OPCChannel != BroadcastChannel && e.OPCChannel != opcChannel {
			continue
		}

		if e.ConstColor != nil {
			if pixelCount <= 0 {
				continue
			}
			routes = append(routes, Route{
				Device:           e.Device,
				FirstDevicePixel: e.FirstDevicePixel,
				PixelCount:       e.PixelCount,
				ConstColor:       e.ConstColor,
			})
			continue
		}

		lo := max(firstPixel, e.FirstOPCPixel)
		hi := min(firstPixel+pixelCount, e.FirstOPCPixel+e.PixelCount)
		if lo >= hi {
			continue
		}

		routes = append(routes, Route{
			Device:           e.Device,
			FirstDevicePixel: e.FirstDevicePixel + (lo - e.FirstOPCPixel),
			PixelCount:       hi - lo,
			SourceOffset:     lo - firstPixel,
			Component:        e.Component,
		})
	}
	return routes
}

// DevicesOnChannel returns the distinct DeviceIDs bound to
// opcChannel, ignoring pixel ranges entirely. System-exclusive
// sub-messages (color correction, firmware config) apply to a whole
// device rather than a pixel range, so they are routed this way
// instead of through Resolve.
func (t *Table) DevicesOnChannel(opcChannel int) []DeviceID {
	seen := make(map[DeviceID]bool)
	var out []DeviceID
	for _, e := range t.entries {
		if opcChannel != BroadcastChannel && e.OPCChannel != BroadcastChannel && e.OPCChannel != opcChannel {
			continue
		}
		if !seen[e.Device] {
			seen[e.Device] = true
			out = append(out, e.Device)
		}
	}
	return out
}

func min(a, b int) int {
	if a < b {
		return a
	}
	return b
}

func max(a, b int) int {
	if a > b {
		return a
	}
	return b
}
