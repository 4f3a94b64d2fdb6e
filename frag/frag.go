// Package frag splits variable-size payloads into MTU-sized chunks for
// transmission over single BLE GATT operations and reassembles them on the
// receive side, tolerating duplicates and arbitrary arrival order.
package frag

import (
	"encoding/binary"
	"fmt"
)

const (
	ProtoVer    = 1
	FlagFinal   = 1 << 0
	FlagRetrans = 1 << 1
	HeaderSize  = 12
	MaxPayload  = 100 // payload bytes per fragment
	maxChunks   = 65535
)

// Header is the fixed 12-byte on-wire chunk header. All multi-byte fields
// are big-endian.
type Header struct {
	Ver   uint8
	Flags uint8
	MsgID uint32
	Seq   uint16
	Total uint16
	Len   uint16
}

// Chunk is a header plus Len payload bytes, transmitted in one BLE write or
// notification.
type Chunk struct {
	Hdr     Header
	Payload []byte
}

func validateHeader(h Header) error {
	if h.Ver != ProtoVer {
		return fmt.Errorf("frag: bad version %d", h.Ver)
	}
	if h.Total == 0 {
		return fmt.Errorf("frag: total must be >= 1")
	}
	if h.Seq >= h.Total {
		return fmt.Errorf("frag: seq %d out of range (total %d)", h.Seq, h.Total)
	}
	if h.Len > MaxPayload {
		return fmt.Errorf("frag: len %d exceeds max payload %d", h.Len, MaxPayload)
	}
	return nil
}

// PackHeader serializes a header into its 12-byte wire form.
func PackHeader(h Header) ([]byte, error) {
	if err := validateHeader(h); err != nil {
		return nil, err
	}
	out := make([]byte, HeaderSize)
	out[0] = h.Ver
	out[1] = h.Flags
	binary.BigEndian.PutUint32(out[2:6], h.MsgID)
	binary.BigEndian.PutUint16(out[6:8], h.Seq)
	binary.BigEndian.PutUint16(out[8:10], h.Total)
	binary.BigEndian.PutUint16(out[10:12], h.Len)
	return out, nil
}

// UnpackHeader parses the 12-byte wire form and validates the header
// invariants.
func UnpackHeader(in []byte) (Header, error) {
	if len(in) < HeaderSize {
		return Header{}, fmt.Errorf("frag: header too short: %d bytes", len(in))
	}
	h := Header{
		Ver:   in[0],
		Flags: in[1],
		MsgID: binary.BigEndian.Uint32(in[2:6]),
		Seq:   binary.BigEndian.Uint16(in[6:8]),
		Total: binary.BigEndian.Uint16(in[8:10]),
		Len:   binary.BigEndian.Uint16(in[10:12]),
	}
	if err := validateHeader(h); err != nil {
		return Header{}, err
	}
	return h, nil
}

// MakeChunks splits payload into ceil(len/mtuPayload) chunks under msgID.
// The last chunk carries FlagFinal. An empty payload yields exactly one
// empty FINAL chunk.
func MakeChunks(msgID uint32, payload []byte, mtuPayload int) ([]Chunk, error) {
	if mtuPayload < 1 || mtuPayload > MaxPayload {
		return nil, fmt.Errorf("frag: mtu payload %d out of range [1,%d]", mtuPayload, MaxPayload)
	}

	if len(payload) == 0 {
		return []Chunk{{Hdr: Header{
			Ver:   ProtoVer,
			Flags: FlagFinal,
			MsgID: msgID,
			Seq:   0,
			Total: 1,
			Len:   0,
		}}}, nil
	}

	total := (len(payload) + mtuPayload - 1) / mtuPayload
	if total > maxChunks {
		return nil, fmt.Errorf("frag: payload needs %d chunks, max %d", total, maxChunks)
	}

	chunks := make([]Chunk, 0, total)
	for seq := 0; seq < total; seq++ {
		start := seq * mtuPayload
		end := start + mtuPayload
		if end > len(payload) {
			end = len(payload)
		}
		part := make([]byte, end-start)
		copy(part, payload[start:end])

		var flags uint8
		if seq == total-1 {
			flags = FlagFinal
		}
		chunks = append(chunks, Chunk{
			Hdr: Header{
				Ver:   ProtoVer,
				Flags: flags,
				MsgID: msgID,
				Seq:   uint16(seq),
				Total: uint16(total),
				Len:   uint16(len(part)),
			},
			Payload: part,
		})
	}
	return chunks, nil
}

// Serialize produces the exact 12+len wire frame for a chunk.
func Serialize(c Chunk) ([]byte, error) {
	if len(c.Payload) != int(c.Hdr.Len) {
		return nil, fmt.Errorf("frag: payload size %d does not match header len %d",
			len(c.Payload), c.Hdr.Len)
	}
	hdr, err := PackHeader(c.Hdr)
	if err != nil {
		return nil, err
	}
	frame := make([]byte, 0, HeaderSize+len(c.Payload))
	frame = append(frame, hdr...)
	frame = append(frame, c.Payload...)
	return frame, nil
}

// Parse validates a wire frame and extracts the chunk. Frames whose size is
// not exactly 12+len are rejected; there is no partial accept.
func Parse(frame []byte) (Chunk, error) {
	if len(frame) < HeaderSize {
		return Chunk{}, fmt.Errorf("frag: frame too short: %d bytes", len(frame))
	}
	h, err := UnpackHeader(frame[:HeaderSize])
	if err != nil {
		return Chunk{}, err
	}
	if len(frame) != HeaderSize+int(h.Len) {
		return Chunk{}, fmt.Errorf("frag: frame size %d does not match header len %d",
			len(frame), h.Len)
	}
	payload := make([]byte, h.Len)
	copy(payload, frame[HeaderSize:])
	return Chunk{Hdr: h, Payload: payload}, nil
}
