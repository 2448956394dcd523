// Package mctp implements the MCTP virtualized transport: packet
// header encode/decode, the packetizer/assembler MUX (§4.4), and the
// per-client endpoint capsule (§4.5).
package mctp

import (
	"errors"
)

// HeaderVersion is the only MCTP base-protocol header version this
// implementation understands.
const HeaderVersion = 1

// BaselineMTU is the baseline transmission unit: non-terminal packets
// must carry exactly this many payload bytes (§3).
const BaselineMTU = 64

// HeaderSize is the fixed 4-byte MCTP packet header.
const HeaderSize = 4

var (
	ErrShortPacket  = errors.New("mctp: packet shorter than header")
	ErrBadHeaderVer = errors.New("mctp: unsupported header version")
	ErrBadEID       = errors.New("mctp: reserved EID")
	ErrBadPacket    = errors.New("mctp: non-terminal packet payload size mismatch")
)

// ValidEID reports whether eid is in the valid range of spec §3: 0 or
// 8..=254.
func ValidEID(eid uint8) bool {
	return eid == 0 || (eid >= 8 && eid <= 254)
}

// Header is the decoded form of one 4-byte MCTP packet header.
type Header struct {
	DestEID uint8
	SrcEID  uint8
	SOM     bool
	EOM     bool
	Seq     uint8 // 2-bit packet sequence number
	TO      bool  // tag-owner
	Tag     uint8 // 3-bit message tag
}

// EncodeHeader serializes h into the 4-byte wire header.
func EncodeHeader(h Header) [HeaderSize]byte {
	var out [HeaderSize]byte

	out[0] = HeaderVersion & 0x0F
	out[1] = h.DestEID
	out[2] = h.SrcEID

	var flags uint8
	if h.SOM {
		flags |= 1 << 7
	}
	if h.EOM {
		flags |= 1 << 6
	}
	flags |= (h.Seq & 0x3) << 4
	if h.TO {
		flags |= 1 << 3
	}
	flags |= h.Tag & 0x7

	out[3] = flags

	return out
}

// DecodeHeader parses the 4-byte header prefix of buf.
func DecodeHeader(buf []byte) (Header, error) {
	if len(buf) < HeaderSize {
		return Header{}, ErrShortPacket
	}

	if buf[0]&0x0F != HeaderVersion {
		return Header{}, ErrBadHeaderVer
	}

	flags := buf[3]

	h := Header{
		DestEID: buf[1],
		SrcEID:  buf[2],
		SOM:     flags&(1<<7) != 0,
		EOM:     flags&(1<<6) != 0,
		Seq:     (flags >> 4) & 0x3,
		TO:      flags&(1<<3) != 0,
		Tag:     flags & 0x7,
	}

	return h, nil
}
