package transport

import (
	"bytes"
	"testing"
)

func TestLoopbackEcho(t *testing.T) {
	var got [][]byte
	l := NewLoopback()
	if !l.Start(Settings{Role: "loopback", MTUPayload: 100}, func(f []byte) {
		got = append(got, f)
	}) {
		t.Fatal("Start failed")
	}
	if !l.LinkReady() {
		t.Fatal("loopback not ready after Start")
	}

	frame := []byte{0x01, 0x02, 0x03}
	if !l.Send(frame) {
		t.Fatal("Send failed")
	}
	if len(got) != 1 || !bytes.Equal(got[0], frame) {
		t.Fatalf("callback got %v", got)
	}

	// The delivered frame must be a copy.
	frame[0] = 0xFF
	if got[0][0] == 0xFF {
		t.Error("loopback delivered an aliased frame")
	}
}

func TestLoopbackStartIdempotent(t *testing.T) {
	l := NewLoopback()
	calls := 0
	l.Start(Settings{}, func([]byte) { calls++ })
	// Second Start must not replace the callback.
	l.Start(Settings{}, func([]byte) { calls += 100 })
	l.Send([]byte{0x00})
	if calls != 1 {
		t.Errorf("calls = %d, want 1", calls)
	}
}

func TestLoopbackStopIdempotent(t *testing.T) {
	l := NewLoopback()
	l.Start(Settings{}, func([]byte) {})
	l.Stop()
	l.Stop()
	if l.LinkReady() {
		t.Error("loopback still ready after Stop")
	}
	if l.Send([]byte{0x00}) {
		t.Error("Send succeeded after Stop")
	}
}
