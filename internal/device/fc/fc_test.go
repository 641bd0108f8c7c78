package fc

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/opcbridge/opcbridged/internal/device"
	"github.com/opcbridge/opcbridged/internal/usbtransport"
)

func TestDriverMatches(t *testing.T) {
	var d Driver
	assert.True(t, d.Matches(VendorID, ProductID))
	assert.False(t, d.Matches(0x0403, 0x6001))
}

func TestLUTIdentityGamma(t *testing.T) {
	dev := &Device{cc: device.ColorCorrection{Gamma: 1, Whitepoint: [3]float64{1, 1, 1}}}
	dev.rebuildLUT()

	assert.Equal(t, uint16(0), dev.lut[0][0])
	assert.Equal(t, uint16(65535), dev.lut[0][lutEntriesPerChan-1])
}

func TestWritePixelsStagesIntoFront(t *testing.T) {
	dev := &Device{
		front: make([]byte, channelCount*pixelsPerChannel*3),
		back:  make([]byte, channelCount*pixelsPerChannel*3),
	}
	dev.WritePixels(0, []byte{1, 2, 3, 4, 5, 6})

	assert.Equal(t, []byte{1, 2, 3, 4, 5, 6}, dev.front[:6])
	assert.True(t, dev.dirty)
}

func TestFramePacketsSplitsIntoChunksOf21(t *testing.T) {
	rgb := make([]byte, 25*3)
	packets := framePackets(rgb)
	require.Len(t, packets, 2)
	for _, p := range packets {
		assert.Len(t, p, packetSize)
	}
}

func TestFramePacketsSetsLastPacketFlagOnFinalPacketOnly(t *testing.T) {
	rgb := make([]byte, 25*3)
	packets := framePackets(rgb)
	require.Len(t, packets, 2)

	assert.Zero(t, packets[0][0]&lastPacketFlag, "non-final packet must not carry the last-packet flag")
	assert.NotZero(t, packets[1][0]&lastPacketFlag, "final packet must carry the last-packet flag")
	assert.Equal(t, byte(1), packets[1][0]&^lastPacketFlag, "final packet's index bits must still be its sequence number")
}

func TestFlushNoopsWhileTransferInFlight(t *testing.T) {
	dev := &Device{
		front:    make([]byte, channelCount*pixelsPerChannel*3),
		back:     make([]byte, channelCount*pixelsPerChannel*3),
		lutOK:    true,
		dirty:    true,
		inFlight: true,
	}

	// dev.handle is nil; if Flush submitted anything here it would
	// panic on a nil handle dereference, so this also proves the
	// in-flight guard is what's suppressing the submission.
	dev.Flush(nil)

	assert.True(t, dev.dirty, "write staged while in flight should remain pending")
	assert.True(t, dev.inFlight)
}

func TestOnCompletionIdlesWhenNothingPending(t *testing.T) {
	dev := &Device{
		front:    make([]byte, channelCount*pixelsPerChannel*3),
		back:     make([]byte, channelCount*pixelsPerChannel*3),
		lutOK:    true,
		inFlight: true,
	}

	dev.OnCompletion(usbtransport.Completion{Status: usbtransport.StatusOK}, nil)

	assert.False(t, dev.inFlight)
	assert.Equal(t, device.StateReady, dev.state)
}

func TestOnCompletionMarksLUTUploaded(t *testing.T) {
	dev := &Device{
		front:      make([]byte, channelCount*pixelsPerChannel*3),
		back:       make([]byte, channelCount*pixelsPerChannel*3),
		inFlight:   true,
		lutPending: true,
	}

	dev.OnCompletion(usbtransport.Completion{Status: usbtransport.StatusOK}, nil)

	assert.True(t, dev.lutOK)
	assert.False(t, dev.lutPending)
}

func TestOnCompletionIgnoredOnceTerminated(t *testing.T) {
	dev := &Device{state: device.StateTerminated, inFlight: true}

	dev.OnCompletion(usbtransport.Completion{Status: usbtransport.StatusOK}, nil)

	assert.True(t, dev.inFlight, "a terminated device must not process further completions")
}

func TestOnCompletionTerminatesOnIOError(t *testing.T) {
	dev := &Device{inFlight: true}

	dev.OnCompletion(usbtransport.Completion{Status: usbtransport.StatusIOError}, nil)

	assert.Equal(t, device.StateTerminated, dev.state)
	assert.False(t, dev.inFlight)
}
