// Package manifest decodes the SoC Authorization Manifest, an opaque
// (from the MCU's perspective) blob produced by the build side and
// consumed by the security core. The MCU only needs enough of its
// structure to locate per-image metadata for the recovery flow (§4.8)
// and to unwrap the PKCS#7 envelope the build side wraps it in.
package manifest

import (
	"encoding/binary"
	"errors"
	"fmt"

	"go.mozilla.org/pkcs7"
)

var (
	ErrTooShort    = errors.New("manifest: buffer too short")
	ErrBadVersion  = errors.New("manifest: unsupported manifest version")
	ErrNoSignature = errors.New("manifest: envelope carries no signer")
)

const manifestVersion = 1

// AuthMethod describes how the security core is expected to authorize a
// named image: either the image is loaded to a fixed address and
// measured there, or it arrives in-request (streamed) and is measured as
// received.
type AuthMethod uint8

const (
	AuthByLoadAddress AuthMethod = iota
	AuthByInRequestStreaming
)

// ImageMetadata names one image covered by the manifest.
type ImageMetadata struct {
	Identifier uint32
	LoadAddr   uint64 // 0 if AuthMethod is AuthByInRequestStreaming
	Digest     [48]byte // SHA-384
	Auth       AuthMethod
}

// Manifest is the decoded (but still opaque-to-the-MCU) SoC Authorization
// Manifest.
type Manifest struct {
	Version uint16
	Images  []ImageMetadata
	Raw     []byte // the exact bytes handed to the security core
}

// Decode parses the manifest header and per-image metadata. The MCU does
// not verify signatures over the manifest's own content -- that happens
// inside the security core; Decode only extracts what the recovery flow
// needs to identify images by ID (§3, §4.8).
func Decode(buf []byte) (*Manifest, error) {
	if len(buf) < 4 {
		return nil, ErrTooShort
	}

	version := binary.LittleEndian.Uint16(buf[0:2])
	if version != manifestVersion {
		return nil, ErrBadVersion
	}

	count := int(binary.LittleEndian.Uint16(buf[2:4]))
	const recSize = 4 + 8 + 48 + 1
	need := 4 + count*recSize

	if len(buf) < need {
		return nil, ErrTooShort
	}

	m := &Manifest{Version: version, Raw: buf}

	off := 4
	for i := 0; i < count; i++ {
		rec := buf[off : off+recSize]

		var img ImageMetadata
		img.Identifier = binary.LittleEndian.Uint32(rec[0:4])
		img.LoadAddr = binary.LittleEndian.Uint64(rec[4:12])
		copy(img.Digest[:], rec[12:60])
		img.Auth = AuthMethod(rec[60])

		m.Images = append(m.Images, img)
		off += recSize
	}

	return m, nil
}

// ByIdentifier returns the metadata entry for the named image, if present.
func (m *Manifest) ByIdentifier(id uint32) (ImageMetadata, bool) {
	for _, img := range m.Images {
		if img.Identifier == id {
			return img, true
		}
	}
	return ImageMetadata{}, false
}

// VerifyEnvelope unwraps a PKCS#7 SignedData envelope around a manifest
// blob, verifying each signer's signature over the content with the
// certificate carried in the envelope, and returning the enclosed content
// for Decode. The signer certificate is not checked against any trust
// root. This is the build-side packaging format:
// the manifest payload itself remains opaque to the MCU, only the
// envelope is checked here.
func VerifyEnvelope(envelope []byte) ([]byte, error) {
	p7, err := pkcs7.Parse(envelope)
	if err != nil {
		return nil, fmt.Errorf("manifest: parse PKCS#7 envelope: %w", err)
	}

	if len(p7.Signers) == 0 {
		return nil, ErrNoSignature
	}

	if err := p7.Verify(); err != nil {
		return nil, fmt.Errorf("manifest: envelope signature verification failed: %w", err)
	}

	return p7.Content, nil
}
