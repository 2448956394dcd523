package mctp

// MessageType identifies the first byte of an assembled MCTP message
// body, per the closed registry of spec §3.
type MessageType uint8

const (
	MsgControl         MessageType = 0x00
	MsgPLDM            MessageType = 0x01
	MsgSPDM            MessageType = 0x05
	MsgSecureSPDM      MessageType = 0x06
	MsgVendorCaliptra  MessageType = 0x7E
	MsgTestType        MessageType = 0x7F
)

// CaliptraVendorID is the vendor-ID filter applied to
// MsgVendorCaliptra messages (the first two bytes following the
// message-type byte).
const CaliptraVendorID = 0x1414

// Packetize splits msg into MTU-sized packets addressed from src to dst,
// tagging every packet with tag/tagOwner and wrapping the sequence
// number modulo 4. Non-terminal packets carry exactly mtu payload
// bytes; the packet count equals ceil(len(msg)/mtu).
func Packetize(msg []byte, mtu int, src, dst, tag uint8, tagOwner bool) [][]byte {
	if mtu <= 0 {
		mtu = BaselineMTU
	}

	var packets [][]byte
	seq := uint8(0)

	for off := 0; off < len(msg) || len(packets) == 0; {
		end := off + mtu
		last := end >= len(msg)
		if last {
			end = len(msg)
		}

		h := Header{
			DestEID: dst,
			SrcEID:  src,
			SOM:     off == 0,
			EOM:     last,
			Seq:     seq % 4,
			TO:      tagOwner,
			Tag:     tag & 0x7,
		}

		hdr := EncodeHeader(h)
		pkt := append(append([]byte(nil), hdr[:]...), msg[off:end]...)
		packets = append(packets, pkt)

		seq++
		off = end

		if last {
			break
		}
	}

	return packets
}

// reassembly accumulates packets belonging to one in-flight message,
// keyed by (src EID, tag, tag-owner).
type reassembly struct {
	buf        []byte
	nextSeq    uint8
	messageKey assemblyKey
}

type assemblyKey struct {
	srcEID   uint8
	tag      uint8
	tagOwner bool
}
