package core

import (
	"encoding/binary"
	"encoding/json"
	"time"

	"github.com/opcbridge/opcbridged/internal/config"
	"github.com/opcbridge/opcbridged/internal/device"
	"github.com/opcbridge/opcbridged/internal/device/dmx"
	"github.com/opcbridge/opcbridged/internal/device/fc"
	"github.com/opcbridge/opcbridged/internal/mapping"
	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

// hotplugInterval is how often the hotplug watcher re-enumerates USB
// devices, per the polling design in internal/usbtransport.
const hotplugInterval = 500 * time.Millisecond

// matchAnyKnownDriver accepts any device a registered driver claims,
// so the hotplug watcher does not need to know about device types
// itself.
func matchAnyKnownDriver(desc usbtransport.DeviceDesc) bool {
	return device.Resolve(desc.Vendor, desc.Product) != nil
}

// matchDeviceConfig finds the configuration entry desc should bind to:
// its vendor/product must belong to the configured type, and its
// serial must match the entry's serial (or the entry must leave
// serial unset, meaning "match any"). The entry's position in
// cfg.Devices becomes its binding's DeviceID, stable for the lifetime
// of one configuration.
func matchDeviceConfig(cfg config.Config, desc usbtransport.DeviceDesc) (mapping.DeviceID, config.DeviceConfig, bool) {
	for i, dc := range cfg.Devices {
		if dc.Serial != "" && dc.Serial != desc.Serial {
			continue
		}
		switch dc.Type {
		case config.DeviceFadecandy:
			if desc.Vendor == fc.VendorID && desc.Product == fc.ProductID {
				return mapping.DeviceID(i), dc, true
			}
		case config.DeviceEnttec:
			if desc.Vendor == dmx.VendorID && desc.Product == dmx.ProductID {
				return mapping.DeviceID(i), dc, true
			}
		}
	}
	return 0, config.DeviceConfig{}, false
}

// configAt returns the configuration entry at the binding id's index,
// if still present after a reload.
func configAt(cfg config.Config, id mapping.DeviceID) (config.DeviceConfig, bool) {
	i := int(id)
	if i < 0 || i >= len(cfg.Devices) {
		return config.DeviceConfig{}, false
	}
	return cfg.Devices[i], true
}

// buildMapping compiles the configuration's per-device map entries
// into a single mapping.Table. Each device configuration entry's
// index becomes the mapping.DeviceID its compiled entries carry;
// internal/core resolves that id to a real USB address only once a
// matching device actually attaches (see Server.bindings).
func buildMapping(cfg config.Config) *mapping.Table {
	var entries []mapping.Entry
	for i, dc := range cfg.Devices {
		id := mapping.DeviceID(i)
		switch dc.Type {
		case config.DeviceFadecandy:
			fcEntries, err := config.ParseFCMap(dc.Map)
			if err != nil {
				continue
			}
			for _, fe := range fcEntries {
				entries = append(entries, mapping.Entry{
					OPCChannel:       fe.Channel,
					FirstOPCPixel:    fe.FirstOpcPixel,
					FirstDevicePixel: fe.FirstDevicePixel,
					PixelCount:       fe.PixelCount,
					Device:           id,
					ConstColor:       fe.ConstColor,
				})
			}
		case config.DeviceEnttec:
			dmxEntries, err := config.ParseEnttecMap(dc.Map)
			if err != nil {
				continue
			}
			for _, de := range dmxEntries {
				component := de.Component
				entries = append(entries, mapping.Entry{
					OPCChannel:       de.Channel,
					FirstOPCPixel:    de.OpcPixel,
					FirstDevicePixel: de.DMXChannel,
					PixelCount:       1,
					Device:           id,
					Component:        &component,
				})
			}
		}
	}
	return mapping.New(entries)
}

// applyDeviceColor pushes dc's resolved color correction (device-level
// override fully replacing the global default, per spec.md §6.1's
// resolved design decision) down to dev.
func applyDeviceColor(dc config.DeviceConfig, global *config.ColorCorrect, dev device.Device) {
	resolved := dc.ResolvedColor(global)
	dev.SetColorCorrection(device.ColorCorrection{
		Gamma:      resolved.Gamma,
		Whitepoint: resolved.Whitepoint,
	})
}

// decodeColorCorrection decodes a 0x01 set-global-color-correction
// sub-message payload. Per spec.md §4.3, the configuration contract
// fixes which wire form is used; this server accepts two. A payload of
// exactly 16 bytes is always decoded as the fixed binary tuple (4-byte
// BE gamma*65536 fixed point, then three 4-byte BE whitepoint*65536
// fixed-point values); any other payload is decoded as the JSON tuple
// form `{"gamma": g, "whitepoint": [r,g,b]}`, consistent with the rest
// of the server's JSON-shaped configuration and control surface.
func decodeColorCorrection(payload []byte) (device.ColorCorrection, bool) {
	if len(payload) == 16 {
		return device.ColorCorrection{
			Gamma: fixedToFloat(binary.BigEndian.Uint32(payload[0:4])),
			Whitepoint: [3]float64{
				fixedToFloat(binary.BigEndian.Uint32(payload[4:8])),
				fixedToFloat(binary.BigEndian.Uint32(payload[8:12])),
				fixedToFloat(binary.BigEndian.Uint32(payload[12:16])),
			},
		}, true
	}

	var tuple struct {
		Gamma      float64    `json:"gamma"`
		Whitepoint [3]float64 `json:"whitepoint"`
	}
	if err := json.Unmarshal(payload, &tuple); err != nil {
		return device.ColorCorrection{}, false
	}
	return device.ColorCorrection{Gamma: tuple.Gamma, Whitepoint: tuple.Whitepoint}, true
}

func fixedToFloat(v uint32) float64 {
	return float64(v) / 65536
}
