// Package apksigner is the public entry point for the signing core: given
// an APK on disk and a PEM certificate/key, it produces a byte-correct JAR
// v1 + APK Signature Scheme v2 signed package in place.
package apksigner

import (
	"github.com/pkg/errors"

	"github.com/timfenton/questpatcher/internal/certload"
	"github.com/timfenton/questpatcher/internal/jarsign"
	"github.com/timfenton/questpatcher/internal/zipsurgeon"
)

// PrePatchHash is a trusted digest of an entry's uncompressed content as of
// a known last-modified stamp. Passing the map returned by
// CollectPrePatchHashes into a later SignAPK call lets unchanged entries
// skip rehashing.
type PrePatchHash = jarsign.PrePatchHash

// Sentinel errors surfaced to callers, per the three-band error model:
// BadCertificate and MalformedArchive are input-validation failures
// surfaced before anything is touched; SigningFailed wraps a cryptographic
// or mid-operation I/O failure after the temp file exists but before the
// atomic rename.
var (
	ErrBadCertificate  = certload.ErrBadCertificate
	ErrMalformedArchive = zipsurgeon.ErrMalformedArchive
	ErrUnsupportedManifest = jarsign.ErrUnsupportedManifest
	ErrSigningFailed   = errors.New("apksigner: signing failed")
)

// GenerateNewCertificatePEM creates and PEM-encodes a fresh RSA-2048
// self-signed certificate and private key.
func GenerateNewCertificatePEM() (string, error) {
	return certload.GenerateSelfSigned()
}

// CollectPrePatchHashes reads path's existing META-INF/MANIFEST.MF, if any,
// and returns a PrePatchHash map keyed by entry name. It returns (nil, nil)
// — not an error — when the archive has no manifest or the manifest isn't
// in the Manifest-Version 1.0 / SHA-256 shape this signer produces, so
// callers fall back to a full rehash rather than failing outright.
func CollectPrePatchHashes(path string) (map[string]PrePatchHash, error) {
	archive, f, err := zipsurgeon.OpenFile(path)
	if err != nil {
		return nil, err
	}
	defer f.Close()
	return jarsign.CollectPrePatchHashes(archive.Entries(), archive.OpenEntryStream)
}
