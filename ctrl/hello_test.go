package ctrl

import (
	"bytes"
	"testing"
)

func TestEncodeHelloWireBytes(t *testing.T) {
	na := make([]byte, 32)
	for i := range na {
		na[i] = byte(i)
	}
	got, err := EncodeHello("alice", 0x00000001, na)
	if err != nil {
		t.Fatalf("EncodeHello failed: %v", err)
	}
	want := []byte{
		0x01, 0x01,
		0x01, 0x00, 0x05, 'a', 'l', 'i', 'c', 'e',
		0x02, 0x00, 0x04, 0x01, 0x00, 0x00, 0x00,
		0x12, 0x00, 0x20,
	}
	want = append(want, na...)
	if len(got) != len(want) {
		t.Fatalf("frame is %d bytes, want %d", len(got), len(want))
	}
	if !bytes.Equal(got, want) {
		t.Errorf("wire bytes mismatch:\n got %x\nwant %x", got, want)
	}
}

func TestHelloRoundTrip(t *testing.T) {
	na := make([]byte, 32)
	for i := range na {
		na[i] = byte(0xF0 + i)
	}
	frame, err := EncodeHello("bob", CapAeadPskSupported, na)
	if err != nil {
		t.Fatalf("EncodeHello failed: %v", err)
	}
	h, err := ParseHello(frame)
	if err != nil {
		t.Fatalf("ParseHello failed: %v", err)
	}
	if h.UserID != "bob" {
		t.Errorf("user id %q, want %q", h.UserID, "bob")
	}
	if !h.HasCaps || h.Caps != CapAeadPskSupported {
		t.Errorf("caps wrong: has=%v caps=%#x", h.HasCaps, h.Caps)
	}
	if !h.HasNa32 || !bytes.Equal(h.Na32[:], na) {
		t.Error("na32 wrong")
	}
}

func TestHelloOmitsOptionalFields(t *testing.T) {
	frame, err := EncodeHello("", 0, nil)
	if err != nil {
		t.Fatalf("EncodeHello failed: %v", err)
	}
	h, err := ParseHello(frame)
	if err != nil {
		t.Fatalf("ParseHello failed: %v", err)
	}
	if h.UserID != "" || h.HasNa32 {
		t.Errorf("unexpected optional fields: %+v", h)
	}
	if !h.HasCaps || h.Caps != 0 {
		t.Error("caps TLV should always be present")
	}
}

func TestCapsIsLittleEndian(t *testing.T) {
	frame, err := EncodeHello("", 0x01020304, nil)
	if err != nil {
		t.Fatalf("EncodeHello failed: %v", err)
	}
	// Caps TLV immediately follows the 2-byte header here.
	v := frame[5:9]
	want := []byte{0x04, 0x03, 0x02, 0x01}
	if !bytes.Equal(v, want) {
		t.Errorf("caps bytes %x, want little-endian %x", v, want)
	}
}

func TestParseHelloSkipsUnknownTags(t *testing.T) {
	frame := []byte{
		MsgCtrlHello, HelloVer,
		0x7F, 0x00, 0x03, 0xDE, 0xAD, 0xBF, // unknown tag before a known one
		TagUserID, 0x00, 0x03, 'e', 'v', 'e',
	}
	h, err := ParseHello(frame)
	if err != nil {
		t.Fatalf("ParseHello failed: %v", err)
	}
	if h.UserID != "eve" {
		t.Errorf("user id %q, want %q", h.UserID, "eve")
	}
}

func TestParseHelloRejectsMalformed(t *testing.T) {
	cases := [][]byte{
		{MsgCtrlHello},                                     // too short
		{0x02, HelloVer},                                   // wrong type byte
		{MsgCtrlHello, 0x02},                               // wrong version
		{MsgCtrlHello, HelloVer, TagUserID, 0x00, 0x05, 'a'}, // truncated value
		{MsgCtrlHello, HelloVer, TagCaps, 0x00, 0x02, 0x01, 0x02}, // caps wrong len
		{MsgCtrlHello, HelloVer, TagNa32, 0x00, 0x10,
			0, 1, 2, 3, 4, 5, 6, 7, 8, 9, 10, 11, 12, 13, 14, 15}, // na32 wrong len
		{MsgCtrlHello, HelloVer, TagUserID, 0x00, 0x00}, // zero-length user id
	}
	for i, frame := range cases {
		if _, err := ParseHello(frame); err == nil {
			t.Errorf("case %d: ParseHello accepted malformed frame %x", i, frame)
		}
	}
}

func TestEncodeHelloRejectsOversizedUser(t *testing.T) {
	long := bytes.Repeat([]byte{'u'}, MaxUserIDLen+1)
	if _, err := EncodeHello(string(long), 0, nil); err == nil {
		t.Error("EncodeHello accepted 65-byte user id")
	}
}
