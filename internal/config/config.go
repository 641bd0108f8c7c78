// Package config defines the server's configuration data model: the
// JSON-shaped document described in spec.md §6, pre-compiled into the
// types internal/core, internal/mapping and internal/device consume.
//
// Parsing here means "decode the fixed JSON shape into typed Go
// values" -- the grammar itself (spec.md §1) is out of scope; this
// package does not accept alternate syntaxes, comments, or includes.
package config

import (
	"encoding/json"
	"fmt"
)

// DeviceType names a supported device binding type.
type DeviceType string

// Recognized device types (spec.md §6).
const (
	DeviceFadecandy DeviceType = "fadecandy"
	DeviceEnttec    DeviceType = "enttec"
)

// Default listen endpoint, per spec.md §6.
const (
	DefaultHost = "127.0.0.1"
	DefaultPort = 7890
)

// Config is the top-level configuration document.
type Config struct {
	Listen  ListenAddr     `json:"listen"`
	Verbose bool           `json:"verbose"`
	Color   *ColorCorrect  `json:"color,omitempty"`
	Devices []DeviceConfig `json:"devices"`
}

// Default returns the configuration with every field at its documented
// default value and no devices bound.
func Default() Config {
	return Config{
		Listen: ListenAddr{Host: DefaultHost, Port: DefaultPort},
	}
}

// ListenAddr is the `listen: [host, port]` tuple.
type ListenAddr struct {
	Host string
	Port int
}

// UnmarshalJSON decodes the `[host, port]` tuple form.
func (a *ListenAddr) UnmarshalJSON(data []byte) error {
	var tuple [2]interface{}
	if err := json.Unmarshal(data, &tuple); err != nil {
		return fmt.Errorf("listen: %w", err)
	}

	host, ok := tuple[0].(string)
	if !ok {
		return fmt.Errorf("listen: host must be a string")
	}

	port, ok := tuple[1].(float64)
	if !ok || port < 1 || port > 65535 {
		return fmt.Errorf("listen: port must be a number in range 1...65535")
	}

	a.Host = host
	a.Port = int(port)
	return nil
}

// MarshalJSON encodes the `[host, port]` tuple form.
func (a ListenAddr) MarshalJSON() ([]byte, error) {
	return json.Marshal([2]interface{}{a.Host, a.Port})
}

// String implements fmt.Stringer.
func (a ListenAddr) String() string {
	return fmt.Sprintf("%s:%d", a.Host, a.Port)
}

// ColorCorrect is the `color: {gamma, whitepoint}` mapping.
type ColorCorrect struct {
	Gamma      float64    `json:"gamma"`
	Whitepoint [3]float64 `json:"whitepoint"`
}

// DefaultColorCorrect returns the identity color correction: gamma 1,
// whitepoint (1,1,1) -- spec.md §8's round-trip idempotence case.
func DefaultColorCorrect() ColorCorrect {
	return ColorCorrect{Gamma: 1, Whitepoint: [3]float64{1, 1, 1}}
}

// DeviceConfig is one entry of the top-level `devices` list.
type DeviceConfig struct {
	Type   DeviceType        `json:"type"`
	Serial string            `json:"serial,omitempty"`
	Color  *ColorCorrect     `json:"color,omitempty"`
	Map    []json.RawMessage `json:"map"`
}

// ResolvedColor returns the device's own color correction if it set
// one, otherwise the supplied global default. A device-level `color`
// fully replaces the global one; the two are never merged field by
// field (see SPEC_FULL.md §6.1 and DESIGN.md).
func (d DeviceConfig) ResolvedColor(global *ColorCorrect) ColorCorrect {
	if d.Color != nil {
		return *d.Color
	}
	if global != nil {
		return *global
	}
	return DefaultColorCorrect()
}

// FCMapEntry is one compiled entry of a fadecandy device's `map` list.
//
// Two JSON shapes are recognized:
//
//	[opcChannel, firstOpcPixel, firstDevicePixel, pixelCount]
//	[opcChannel, "color", r, g, b, firstDevicePixel, pixelCount]
//
// The second form is the "broadcast form for constant color" named in
// spec.md §6: it ignores the incoming pixel array and always writes
// the given (r,g,b) to the destination range.
type FCMapEntry struct {
	Channel          int
	FirstOpcPixel    int
	FirstDevicePixel int
	PixelCount       int
	ConstColor       *[3]uint8
}

// ParseFCMap decodes a fadecandy device's raw `map` entries.
func ParseFCMap(raw []json.RawMessage) ([]FCMapEntry, error) {
	entries := make([]FCMapEntry, 0, len(raw))
	for i, r := range raw {
		var tuple []interface{}
		if err := json.Unmarshal(r, &tuple); err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}

		entry, err := parseFCMapEntry(tuple)
		if err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}
		entries = append(entries, entry)
	}
	return entries, nil
}

func parseFCMapEntry(tuple []interface{}) (FCMapEntry, error) {
	if len(tuple) == 7 {
		if tag, ok := tuple[1].(string); ok && tag == "color" {
			channel, err := intAt(tuple, 0)
			if err != nil {
				return FCMapEntry{}, err
			}
			r, err := byteAt(tuple, 2)
			if err != nil {
				return FCMapEntry{}, err
			}
			g, err := byteAt(tuple, 3)
			if err != nil {
				return FCMapEntry{}, err
			}
			b, err := byteAt(tuple, 4)
			if err != nil {
				return FCMapEntry{}, err
			}
			first, err := intAt(tuple, 5)
			if err != nil {
				return FCMapEntry{}, err
			}
			count, err := intAt(tuple, 6)
			if err != nil {
				return FCMapEntry{}, err
			}
			return FCMapEntry{
				Channel:          channel,
				FirstDevicePixel: first,
				PixelCount:       count,
				ConstColor:       &[3]uint8{r, g, b},
			}, nil
		}
	}

	if len(tuple) != 4 {
		return FCMapEntry{}, fmt.Errorf("expected 4-element range or 7-element color entry, got %d elements", len(tuple))
	}

	channel, err := intAt(tuple, 0)
	if err != nil {
		return FCMapEntry{}, err
	}
	firstOpc, err := intAt(tuple, 1)
	if err != nil {
		return FCMapEntry{}, err
	}
	firstDev, err := intAt(tuple, 2)
	if err != nil {
		return FCMapEntry{}, err
	}
	count, err := intAt(tuple, 3)
	if err != nil {
		return FCMapEntry{}, err
	}

	return FCMapEntry{
		Channel:          channel,
		FirstOpcPixel:    firstOpc,
		FirstDevicePixel: firstDev,
		PixelCount:       count,
	}, nil
}

// EnttecMapEntry is one compiled entry of an enttec device's `map`
// list: [opcChannel, opcPixel, component, dmxChannel].
type EnttecMapEntry struct {
	Channel    int
	OpcPixel   int
	Component  int // 0=R, 1=G, 2=B
	DMXChannel int // 0-based, 0..23
}

// ParseEnttecMap decodes an enttec device's raw `map` entries.
func ParseEnttecMap(raw []json.RawMessage) ([]EnttecMapEntry, error) {
	entries := make([]EnttecMapEntry, 0, len(raw))
	for i, r := range raw {
		var tuple []interface{}
		if err := json.Unmarshal(r, &tuple); err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}
		if len(tuple) != 4 {
			return nil, fmt.Errorf("map[%d]: expected 4 elements, got %d", i, len(tuple))
		}

		channel, err := intAt(tuple, 0)
		if err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}
		pixel, err := intAt(tuple, 1)
		if err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}
		component, err := intAt(tuple, 2)
		if err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}
		dmxChannel, err := intAt(tuple, 3)
		if err != nil {
			return nil, fmt.Errorf("map[%d]: %w", i, err)
		}
		if component < 0 || component > 2 {
			return nil, fmt.Errorf("map[%d]: component must be 0, 1 or 2", i)
		}
		if dmxChannel < 0 || dmxChannel > 23 {
			return nil, fmt.Errorf("map[%d]: dmxChannel must be in range 0...23", i)
		}

		entries = append(entries, EnttecMapEntry{
			Channel:    channel,
			OpcPixel:   pixel,
			Component:  component,
			DMXChannel: dmxChannel,
		})
	}
	return entries, nil
}

func intAt(tuple []interface{}, i int) (int, error) {
	f, ok := tuple[i].(float64)
	if !ok {
		return 0, fmt.Errorf("element %d: expected a number", i)
	}
	return int(f), nil
}

func byteAt(tuple []interface{}, i int) (uint8, error) {
	n, err := intAt(tuple, i)
	if err != nil {
		return 0, err
	}
	if n < 0 || n > 255 {
		return 0, fmt.Errorf("element %d: must be in range 0...255", i)
	}
	return uint8(n), nil
}

// Load decodes a Config from JSON bytes, filling in documented
// defaults for any field the document omits.
func Load(data []byte) (Config, error) {
	cfg := Default()
	if err := json.Unmarshal(data, &cfg); err != nil {
		return Config{}, fmt.Errorf("config: %w", err)
	}

	if cfg.Listen.Host == "" {
		cfg.Listen.Host = DefaultHost
	}
	if cfg.Listen.Port == 0 {
		cfg.Listen.Port = DefaultPort
	}

	for i, d := range cfg.Devices {
		switch d.Type {
		case DeviceFadecandy, DeviceEnttec:
		default:
			return Config{}, fmt.Errorf("config: devices[%d]: unknown type %q", i, d.Type)
		}
	}

	return cfg, nil
}
