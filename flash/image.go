package flash

import (
	"bytes"
	"encoding/binary"
	"errors"
	"fmt"
)

// Magic is the big-endian flash-image container magic, "FLSH".
var Magic = [4]byte{'F', 'L', 'S', 'H'}

const (
	headerSize     = 4 + 2 + 2 + 4 + 4 // magic, version, count, descriptor offset, checksum
	descriptorSize = 4 + 4 + 4 + 4 + 4 // id, offset, size, image checksum, descriptor checksum

	// ImageVersion is the only container version this codec understands.
	ImageVersion = 1
)

// Image identifiers, a closed set per spec §3. SoC-image-base increments
// for each additional SoC peripheral image beyond the manifest.
const (
	CaliptraFMCRTIdentifier = 1
	SoCManifestIdentifier   = 2
	MCURTIdentifier         = 2 // intentional legacy collision, see §9; resolved positionally.
	SoCImageBaseIdentifier  = 0x1000
)

var (
	ErrTooShort       = errors.New("flash: image buffer too short")
	ErrBadMagic       = errors.New("flash: bad image magic")
	ErrBadVersion     = errors.New("flash: unsupported image version")
	ErrChecksum       = errors.New("flash: checksum mismatch")
	ErrOffsetOOB      = errors.New("flash: descriptor offset out of range")
)

// Descriptor describes one image packed within an Image container.
type Descriptor struct {
	Identifier uint32
	Offset     uint32
	Size       uint32
}

// Image is the decoded form of the flash-image container described in
// spec §3: a header, a descriptor array, and 4-byte-aligned payload
// bodies.
type Image struct {
	Version     uint16
	Descriptors []Descriptor
	Payloads    [][]byte // Payloads[i] corresponds to Descriptors[i], unpadded
}

// ByIndex returns the descriptor and payload at container position i.
// The identifier space has a documented collision (MCURTIdentifier ==
// SoCManifestIdentifier, §9); callers that need to disambiguate must do
// so positionally rather than by identifier, which is what this method
// is for.
func (img *Image) ByIndex(i int) (Descriptor, []byte, bool) {
	if i < 0 || i >= len(img.Descriptors) {
		return Descriptor{}, nil, false
	}
	return img.Descriptors[i], img.Payloads[i], true
}

// ByIdentifier returns the first descriptor and payload matching id.
// Unsafe to use where id collides (see ByIndex); intended for the
// single-assignment identifiers (CaliptraFMCRTIdentifier,
// SoCImageBaseIdentifier and above).
func (img *Image) ByIdentifier(id uint32) (Descriptor, []byte, bool) {
	for i, d := range img.Descriptors {
		if d.Identifier == id {
			return d, img.Payloads[i], true
		}
	}
	return Descriptor{}, nil, false
}

// sum8 computes the byte-wise sum of b, as used by the two's-complement
// checksums in both the header and each descriptor.
func sum8(b []byte) uint32 {
	var s uint32
	for _, v := range b {
		s += uint32(v)
	}
	return s
}

func align4(n int) int {
	return (n + 3) &^ 3
}

// Encode serializes img into the bit-exact on-flash container layout.
func Encode(img *Image) ([]byte, error) {
	if len(img.Descriptors) != len(img.Payloads) {
		return nil, fmt.Errorf("flash: %d descriptors but %d payloads", len(img.Descriptors), len(img.Payloads))
	}

	descOff := headerSize
	payloadOff := descOff + descriptorSize*len(img.Descriptors)

	buf := new(bytes.Buffer)

	// Header, checksum filled in after the rest is known.
	buf.Write(Magic[:])
	binary.Write(buf, binary.LittleEndian, img.Version)
	binary.Write(buf, binary.LittleEndian, uint16(len(img.Descriptors)))
	binary.Write(buf, binary.LittleEndian, uint32(descOff))
	binary.Write(buf, binary.LittleEndian, uint32(0)) // checksum placeholder

	descriptors := new(bytes.Buffer)
	payloads := new(bytes.Buffer)

	off := payloadOff
	for i, d := range img.Descriptors {
		body := img.Payloads[i]
		d.Offset = uint32(off)
		d.Size = uint32(len(body))

		imgChecksum := -int32(sum8(body))

		descBody := new(bytes.Buffer)
		binary.Write(descBody, binary.LittleEndian, d.Identifier)
		binary.Write(descBody, binary.LittleEndian, d.Offset)
		binary.Write(descBody, binary.LittleEndian, d.Size)
		binary.Write(descBody, binary.LittleEndian, uint32(imgChecksum))

		descChecksum := -int32(sum8(descBody.Bytes()))
		binary.Write(descBody, binary.LittleEndian, uint32(descChecksum))

		descriptors.Write(descBody.Bytes())

		payloads.Write(body)
		pad := align4(len(body)) - len(body)
		for p := 0; p < pad; p++ {
			payloads.WriteByte(0)
		}

		off += align4(len(body))
	}

	out := buf.Bytes()
	out = append(out, descriptors.Bytes()...)
	out = append(out, payloads.Bytes()...)

	headerChecksum := -int32(sum8(out[:headerSize-4]))
	binary.LittleEndian.PutUint32(out[headerSize-4:headerSize], uint32(headerChecksum))

	return out, nil
}

// Decode parses and fully validates a flash-image container, per the
// invariants of spec §3/§8: every descriptor checksum and image checksum
// validates (the image checksum also covers the payload's alignment
// padding) and every padded payload lies within buf.
func Decode(buf []byte) (*Image, error) {
	if len(buf) < headerSize {
		return nil, ErrTooShort
	}

	if !bytes.Equal(buf[0:4], Magic[:]) {
		return nil, ErrBadMagic
	}

	version := binary.LittleEndian.Uint16(buf[4:6])
	if version != ImageVersion {
		return nil, ErrBadVersion
	}

	count := int(binary.LittleEndian.Uint16(buf[6:8]))
	descOff := int(binary.LittleEndian.Uint32(buf[8:12]))
	headerChecksum := binary.LittleEndian.Uint32(buf[12:16])

	if uint32(-int32(sum8(buf[:12]))) != headerChecksum {
		return nil, ErrChecksum
	}

	if descOff < headerSize || descOff+count*descriptorSize > len(buf) {
		return nil, ErrOffsetOOB
	}

	img := &Image{Version: version}

	for i := 0; i < count; i++ {
		base := descOff + i*descriptorSize
		body := buf[base : base+descriptorSize-4]
		descChecksum := binary.LittleEndian.Uint32(buf[base+descriptorSize-4 : base+descriptorSize])

		if uint32(-int32(sum8(body))) != descChecksum {
			return nil, ErrChecksum
		}

		d := Descriptor{
			Identifier: binary.LittleEndian.Uint32(body[0:4]),
			Offset:     binary.LittleEndian.Uint32(body[4:8]),
			Size:       binary.LittleEndian.Uint32(body[8:12]),
		}
		imageChecksum := binary.LittleEndian.Uint32(body[12:16])

		padded := uint32(align4(int(d.Size)))
		if int(d.Offset) < 0 || int(d.Offset)+int(padded) > len(buf) {
			return nil, ErrOffsetOOB
		}

		// The image checksum is checked over the payload plus its zero
		// padding: Encode pads with zeros, so the sum is unchanged for a
		// valid image, and a flipped padding byte is still detected.
		payload := buf[d.Offset : d.Offset+d.Size]
		if uint32(-int32(sum8(buf[d.Offset:d.Offset+padded]))) != imageChecksum {
			return nil, ErrChecksum
		}

		img.Descriptors = append(img.Descriptors, d)
		img.Payloads = append(img.Payloads, append([]byte(nil), payload...))
	}

	return img, nil
}
