// Package ctrl implements the HELLO control frame: a one-shot capability and
// nonce record exchanged once per link epoch, encoded as a 2-byte header
// followed by TLVs.
package ctrl

import (
	"encoding/binary"
	"fmt"
)

const (
	MsgCtrlHello = 0x01
	HelloVer     = 0x01

	TagUserID = 0x01
	TagCaps   = 0x02
	TagNa32   = 0x12

	CapAeadPskSupported = uint32(1) << 0

	MaxUserIDLen = 64
	Na32Len      = 32
)

// Hello is a parsed HELLO record. Caps and Na32 are optional on the wire.
type Hello struct {
	UserID  string
	HasCaps bool
	Caps    uint32
	HasNa32 bool
	Na32    [Na32Len]byte
}

// IsHello reports whether a frame carries the HELLO magic. Frames that match
// but fail to parse fall through to the data path.
func IsHello(frame []byte) bool {
	return len(frame) >= 2 && frame[0] == MsgCtrlHello && frame[1] == HelloVer
}

// EncodeHello builds a HELLO frame. An empty user omits the user TLV, the
// caps TLV is always present, and na32 (when non-nil) must be exactly 32
// bytes. Caps is the one little-endian field in the protocol.
func EncodeHello(user string, caps uint32, na32 []byte) ([]byte, error) {
	if len(user) > MaxUserIDLen {
		return nil, fmt.Errorf("ctrl: user id %d bytes exceeds %d", len(user), MaxUserIDLen)
	}
	if na32 != nil && len(na32) != Na32Len {
		return nil, fmt.Errorf("ctrl: na32 must be %d bytes, got %d", Na32Len, len(na32))
	}

	out := make([]byte, 0, 2+3+len(user)+3+4+3+Na32Len)
	out = append(out, MsgCtrlHello, HelloVer)
	if user != "" {
		out = append(out, TagUserID, 0x00, byte(len(user)))
		out = append(out, user...)
	}
	out = append(out, TagCaps, 0x00, 0x04)
	out = binary.LittleEndian.AppendUint32(out, caps)
	if na32 != nil {
		out = append(out, TagNa32, 0x00, Na32Len)
		out = append(out, na32...)
	}
	return out, nil
}

// ParseHello decodes a HELLO frame. Unknown tags are skipped for forward
// compatibility; any truncation or length mismatch rejects the whole frame.
func ParseHello(buf []byte) (*Hello, error) {
	if !IsHello(buf) {
		return nil, fmt.Errorf("ctrl: not a HELLO frame")
	}
	h := &Hello{}
	i := 2
	for i+3 <= len(buf) {
		tag := buf[i]
		l := int(binary.BigEndian.Uint16(buf[i+1 : i+3]))
		i += 3
		if i+l > len(buf) {
			return nil, fmt.Errorf("ctrl: truncated TLV (tag 0x%02x len %d)", tag, l)
		}
		v := buf[i : i+l]
		switch tag {
		case TagUserID:
			if l == 0 || l > MaxUserIDLen {
				return nil, fmt.Errorf("ctrl: user id length %d out of range", l)
			}
			h.UserID = string(v)
		case TagCaps:
			if l != 4 {
				return nil, fmt.Errorf("ctrl: caps TLV must be 4 bytes, got %d", l)
			}
			h.HasCaps = true
			h.Caps = binary.LittleEndian.Uint32(v)
		case TagNa32:
			if l != Na32Len {
				return nil, fmt.Errorf("ctrl: na32 TLV must be %d bytes, got %d", Na32Len, l)
			}
			h.HasNa32 = true
			copy(h.Na32[:], v)
		default:
			// unknown tag: skip
		}
		i += l
	}
	if i != len(buf) {
		return nil, fmt.Errorf("ctrl: truncated TLV header (%d trailing bytes)", len(buf)-i)
	}
	return h, nil
}
