package dmx

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opcbridge/opcbridged/internal/device"
	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

func TestDriverMatches(t *testing.T) {
	var d Driver
	assert.True(t, d.Matches(VendorID, ProductID))
	assert.False(t, d.Matches(0x1d50, 0x607a))
}

func TestWritePixelsAppliesScale(t *testing.T) {
	d := &Device{scale: [3]float64{1, 0.5, 1}}
	d.WritePixels(0, []byte{200, 200, 200})

	assert.Equal(t, byte(200), d.channels[0], "channel 0 should be unscaled")
	assert.Equal(t, byte(100), d.channels[1], "channel 1 should be scaled to half")
}

func TestWritePixelsIgnoresOutOfRangeChannel(t *testing.T) {
	d := &Device{scale: [3]float64{1, 1, 1}}
	d.WritePixels(23, []byte{1, 2, 3})

	assert.Equal(t, byte(1), d.channels[23])
}

func TestWriteComponentWritesOnlyNamedChannel(t *testing.T) {
	d := &Device{scale: [3]float64{1, 0.5, 1}}
	d.WriteComponent(10, 1, 200)

	assert.Equal(t, byte(100), d.channels[10], "channel 10 should get the scaled green component")
	for ch, v := range d.channels {
		if ch != 10 {
			assert.Zero(t, v, "no other channel should be touched")
		}
	}
}

func TestWriteComponentIgnoresOutOfRangeChannel(t *testing.T) {
	d := &Device{scale: [3]float64{1, 1, 1}}
	d.WriteComponent(24, 0, 200)

	for _, v := range d.channels {
		assert.Zero(t, v)
	}
}

func TestFlushNoopsWhileTransferInFlight(t *testing.T) {
	d := &Device{dirty: true, inFlight: true}

	// d.handle is nil; a submission here would panic, so this also
	// proves the in-flight guard is what's suppressing it.
	d.Flush(nil)

	assert.True(t, d.dirty)
	assert.True(t, d.inFlight)
}

func TestOnCompletionIdlesWhenNothingPending(t *testing.T) {
	d := &Device{inFlight: true}

	d.OnCompletion(usbtransport.Completion{Status: usbtransport.StatusOK}, nil)

	assert.False(t, d.inFlight)
	assert.Equal(t, device.StateReady, d.state)
}

func TestOnCompletionTerminatesOnStall(t *testing.T) {
	d := &Device{inFlight: true}

	d.OnCompletion(usbtransport.Completion{Status: usbtransport.StatusStall}, nil)

	assert.Equal(t, device.StateTerminated, d.state)
	assert.False(t, d.inFlight)
}

func TestFrameFormat(t *testing.T) {
	d := &Device{scale: [3]float64{1, 1, 1}}
	frame := d.frame()

	assert.Equal(t, byte(startCode), frame[0])
	assert.Equal(t, byte(endCode), frame[len(frame)-1])
	assert.Equal(t, byte(sendLabel), frame[1])

	wantLen := channelCount + 1
	gotLen := int(frame[2]) | int(frame[3])<<8
	assert.Equal(t, wantLen, gotLen)
}
