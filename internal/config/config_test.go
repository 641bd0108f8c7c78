package config

import (
	"encoding/json"
	"testing"
)

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load([]byte(`{}`))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.Listen.Host != DefaultHost || cfg.Listen.Port != DefaultPort {
		t.Errorf("unexpected default listen address: %+v", cfg.Listen)
	}
}

func TestLoadListenTuple(t *testing.T) {
	cfg, err := Load([]byte(`{"listen": ["0.0.0.0", 8000]}`))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}
	if cfg.Listen.Host != "0.0.0.0" || cfg.Listen.Port != 8000 {
		t.Errorf("unexpected listen address: %+v", cfg.Listen)
	}
}

func TestLoadRejectsUnknownDeviceType(t *testing.T) {
	_, err := Load([]byte(`{"devices": [{"type": "bogus"}]}`))
	if err == nil {
		t.Fatal("expected error for unknown device type")
	}
}

func TestDeviceColorPrecedence(t *testing.T) {
	global := &ColorCorrect{Gamma: 2.5, Whitepoint: [3]float64{1, 1, 1}}
	devColor := &ColorCorrect{Gamma: 1.8, Whitepoint: [3]float64{0.9, 1, 1}}

	d := DeviceConfig{Type: DeviceFadecandy, Color: devColor}
	got := d.ResolvedColor(global)
	if got != *devColor {
		t.Errorf("device color override not applied: %+v", got)
	}

	d2 := DeviceConfig{Type: DeviceFadecandy}
	got2 := d2.ResolvedColor(global)
	if got2 != *global {
		t.Errorf("global color fallback not applied: %+v", got2)
	}
}

func TestParseFCMapRange(t *testing.T) {
	cfg, err := Load([]byte(`{
		"devices": [{"type": "fadecandy", "map": [[0, 0, 0, 64], [1, 0, 64, 64]]}]
	}`))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	entries, err := ParseFCMap(cfg.Devices[0].Map)
	if err != nil {
		t.Fatalf("ParseFCMap: %s", err)
	}
	if len(entries) != 2 {
		t.Fatalf("expected 2 entries, got %d", len(entries))
	}
	if entries[0] != (FCMapEntry{Channel: 0, FirstOpcPixel: 0, FirstDevicePixel: 0, PixelCount: 64}) {
		t.Errorf("unexpected entry 0: %+v", entries[0])
	}
	if entries[1].Channel != 1 || entries[1].FirstDevicePixel != 64 {
		t.Errorf("unexpected entry 1: %+v", entries[1])
	}
}

func TestParseFCMapConstColor(t *testing.T) {
	cfg, err := Load([]byte(`{
		"devices": [{"type": "fadecandy", "map": [[2, "color", 255, 0, 0, 0, 10]]}]
	}`))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	entries, err := ParseFCMap(cfg.Devices[0].Map)
	if err != nil {
		t.Fatalf("ParseFCMap: %s", err)
	}
	if len(entries) != 1 {
		t.Fatalf("expected 1 entry, got %d", len(entries))
	}
	e := entries[0]
	if e.ConstColor == nil || *e.ConstColor != [3]uint8{255, 0, 0} {
		t.Errorf("unexpected const color entry: %+v", e)
	}
	if e.FirstDevicePixel != 0 || e.PixelCount != 10 {
		t.Errorf("unexpected const color range: %+v", e)
	}
}

func TestParseEnttecMap(t *testing.T) {
	cfg, err := Load([]byte(`{
		"devices": [{"type": "enttec", "map": [[0, 0, 0, 0], [0, 0, 1, 1], [0, 0, 2, 2]]}]
	}`))
	if err != nil {
		t.Fatalf("Load: %s", err)
	}

	entries, err := ParseEnttecMap(cfg.Devices[0].Map)
	if err != nil {
		t.Fatalf("ParseEnttecMap: %s", err)
	}
	if len(entries) != 3 {
		t.Fatalf("expected 3 entries, got %d", len(entries))
	}
	if entries[2].DMXChannel != 2 || entries[2].Component != 2 {
		t.Errorf("unexpected entry: %+v", entries[2])
	}
}

func TestParseEnttecMapRejectsOutOfRangeChannel(t *testing.T) {
	_, err := ParseEnttecMap([]json.RawMessage{json.RawMessage(`[0, 0, 0, 99]`)})
	if err == nil {
		t.Fatal("expected error for dmx channel out of range")
	}
}
