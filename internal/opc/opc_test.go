package opc

import "testing"

func TestFramerSingleMessage(t *testing.T) {
	f := NewFramer()
	wire := Encode(Message{Channel: 1, Command: CommandSetPixelColors, Payload: []byte{1, 2, 3}})

	msgs, err := f.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %s", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message, got %d", len(msgs))
	}
	if msgs[0].Channel != 1 || msgs[0].Command != CommandSetPixelColors {
		t.Errorf("unexpected message: %+v", msgs[0])
	}
}

func TestFramerFragmentedAcrossReads(t *testing.T) {
	f := NewFramer()
	wire := Encode(Message{Channel: 2, Command: CommandSetPixelColors, Payload: []byte{9, 9, 9}})

	msgs, err := f.Feed(wire[:2])
	if err != nil || len(msgs) != 0 {
		t.Fatalf("expected no complete messages yet, got %v err=%s", msgs, err)
	}

	msgs, err = f.Feed(wire[2:])
	if err != nil {
		t.Fatalf("Feed: %s", err)
	}
	if len(msgs) != 1 {
		t.Fatalf("expected 1 message after remaining bytes arrive, got %d", len(msgs))
	}
}

func TestFramerMultipleMessagesInOneRead(t *testing.T) {
	f := NewFramer()
	wire := append(
		Encode(Message{Channel: 1, Command: CommandSetPixelColors, Payload: []byte{1}}),
		Encode(Message{Channel: 2, Command: CommandSetPixelColors, Payload: []byte{2}})...,
	)

	msgs, err := f.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %s", err)
	}
	if len(msgs) != 2 {
		t.Fatalf("expected 2 messages, got %d", len(msgs))
	}
}

func TestFramerZeroLengthMessage(t *testing.T) {
	f := NewFramer()
	wire := Encode(Message{Channel: 1, Command: CommandSetPixelColors, Payload: nil})

	msgs, err := f.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %s", err)
	}
	if len(msgs) != 1 || len(msgs[0].Payload) != 0 {
		t.Fatalf("expected 1 zero-length message, got %+v", msgs)
	}
}

func TestFramerMaxLengthMessage(t *testing.T) {
	f := NewFramer()
	payload := make([]byte, MaxPayloadLen)
	wire := Encode(Message{Channel: 1, Command: CommandSetPixelColors, Payload: payload})

	msgs, err := f.Feed(wire)
	if err != nil {
		t.Fatalf("Feed: %s", err)
	}
	if len(msgs) != 1 || len(msgs[0].Payload) != MaxPayloadLen {
		t.Fatalf("expected exactly one max-length message")
	}
}

func TestFramerOverflowClosesConnection(t *testing.T) {
	// tryParse's accumulator check is a defensive backstop: a u16
	// length field bounds any single valid message at
	// headerLen+MaxPayloadLen, which is comfortably under
	// MaxMessageLen's slack, so a well-formed stream never trips it.
	// Exercise the check directly against an accumulator a corrupt
	// peer or a buggy caller could leave behind.
	_, n, err := tryParse(make([]byte, MaxMessageLen+1))
	if err != ErrFrameTooLarge {
		t.Fatalf("expected ErrFrameTooLarge, got n=%d err=%v", n, err)
	}
}

func TestParseSystemExclusiveFadecandy(t *testing.T) {
	payload := []byte{0x00, 0x01, SubCmdSetColorCorrection, 0xaa, 0xbb}

	sysID, sub, rest, ok := ParseSystemExclusive(payload)
	if !ok {
		t.Fatal("expected recognized system ID")
	}
	if sysID != SystemIDFadecandy || sub != SubCmdSetColorCorrection {
		t.Errorf("unexpected decode: sysID=%d sub=%d", sysID, sub)
	}
	if len(rest) != 2 {
		t.Errorf("unexpected remaining payload length: %d", len(rest))
	}
}

func TestParseSystemExclusiveUnknownSystemID(t *testing.T) {
	payload := []byte{0xff, 0xff, 0x01}

	_, _, _, ok := ParseSystemExclusive(payload)
	if ok {
		t.Fatal("expected unknown system ID to be rejected")
	}
}

func TestParseSystemExclusiveShortPayload(t *testing.T) {
	_, _, _, ok := ParseSystemExclusive([]byte{0x00})
	if ok {
		t.Fatal("expected short payload to be rejected")
	}
}
