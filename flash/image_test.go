package flash

import (
	"bytes"
	"testing"
)

func blob(n int, fill byte) []byte {
	b := make([]byte, n)
	for i := range b {
		b[i] = fill
	}
	return b
}

func TestRoundTrip(t *testing.T) {
	img := &Image{
		Version: ImageVersion,
		Descriptors: []Descriptor{
			{Identifier: CaliptraFMCRTIdentifier},
			{Identifier: SoCManifestIdentifier},
			{Identifier: MCURTIdentifier},
			{Identifier: SoCImageBaseIdentifier},
			{Identifier: SoCImageBaseIdentifier + 1},
		},
		Payloads: [][]byte{
			blob(33, 0x11),
			blob(29, 0x22),
			blob(27, 0x33),
			blob(29, 0x44),
			blob(29, 0x55),
		},
	}

	encoded, err := Encode(img)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	decoded, err := Decode(encoded)
	if err != nil {
		t.Fatalf("Decode: %v", err)
	}

	if len(decoded.Descriptors) != 5 {
		t.Fatalf("image count = %d, want 5", len(decoded.Descriptors))
	}

	wantIDs := []uint32{1, 2, 2, 0x1000, 0x1001}
	for i, d := range decoded.Descriptors {
		if d.Identifier != wantIDs[i] {
			t.Errorf("descriptor[%d].Identifier = %#x, want %#x", i, d.Identifier, wantIDs[i])
		}
	}

	for i := range decoded.Payloads {
		if !bytes.Equal(decoded.Payloads[i], img.Payloads[i]) {
			t.Errorf("payload[%d] mismatch after round trip", i)
		}
	}

	// offsets monotone and 4-byte aligned
	for i := 1; i < len(decoded.Descriptors); i++ {
		prev := decoded.Descriptors[i-1]
		cur := decoded.Descriptors[i]
		if cur.Offset <= prev.Offset {
			t.Errorf("descriptor offsets not monotone at index %d", i)
		}
		if cur.Offset%4 != 0 {
			t.Errorf("descriptor[%d].Offset = %#x not 4-byte aligned", i, cur.Offset)
		}
	}
}

func TestDecodeRejectsCorruption(t *testing.T) {
	img := &Image{
		Version:     ImageVersion,
		Descriptors: []Descriptor{{Identifier: 1}},
		Payloads:    [][]byte{blob(10, 0xAA)},
	}

	encoded, err := Encode(img)
	if err != nil {
		t.Fatalf("Encode: %v", err)
	}

	if _, err := Decode(encoded); err != nil {
		t.Fatalf("Decode of untouched image failed: %v", err)
	}

	for i := range encoded {
		mutated := append([]byte(nil), encoded...)
		mutated[i] ^= 0xFF

		if _, err := Decode(mutated); err == nil {
			t.Fatalf("byte %d: mutation did not invalidate any checksum", i)
		}
	}
}

func TestDecodeErrors(t *testing.T) {
	if _, err := Decode([]byte{1, 2, 3}); err != ErrTooShort {
		t.Errorf("short buffer: got %v, want ErrTooShort", err)
	}

	bad := make([]byte, headerSize)
	copy(bad, "NOPE")
	if _, err := Decode(bad); err != ErrBadMagic {
		t.Errorf("bad magic: got %v, want ErrBadMagic", err)
	}
}
