package jarsign

import (
	"crypto/rsa"
	"crypto/x509"

	"github.com/pkg/errors"
	"go.mozilla.org/pkcs7"

	"github.com/timfenton/questpatcher/internal/certload"
	"github.com/timfenton/questpatcher/internal/zipsurgeon"
)

// Artifacts is the three files the v1 signer adds to an archive.
type Artifacts struct {
	Manifest []byte
	SF       []byte
	RSA      []byte
}

// Sign builds MANIFEST.MF, BS.SF, and BS.RSA for entries (in the order
// given, which must be central-directory order), reusing knownHashes where
// the cached last-modified stamp still matches the current entry.
func Sign(cert *certload.Certificate, entries []zipsurgeon.Entry, open EntryOpener, knownHashes map[string]PrePatchHash) (*Artifacts, error) {
	manifest, sections, err := BuildManifest(entries, open, knownHashes)
	if err != nil {
		return nil, err
	}
	sf := BuildSignatureFile(manifest, sections)
	rsaBlock, err := signDetached(sf, cert.Leaf, cert.PrivateKey)
	if err != nil {
		return nil, errors.Wrap(err, "jarsign: producing PKCS#7 signature")
	}
	return &Artifacts{Manifest: manifest, SF: sf, RSA: rsaBlock}, nil
}

// signDetached produces a DER-encoded PKCS#7 SignedData over content: one
// digest algorithm (SHA-256), one signer, no authenticated attributes, no
// embedded content. This shape is exactly what SignWithoutAttr produces,
// which is also why it's the right call here rather than AddSigner: Android
// pre-API-19 rejects JAR signatures carrying signed attributes.
func signDetached(content []byte, cert *x509.Certificate, key *rsa.PrivateKey) ([]byte, error) {
	sd, err := pkcs7.NewSignedData(content)
	if err != nil {
		return nil, err
	}
	sd.SetDigestAlgorithm(pkcs7.OIDDigestAlgorithmSHA256)
	if err := sd.SignWithoutAttr(cert, key, pkcs7.SignerInfoConfig{}); err != nil {
		return nil, err
	}
	sd.Detach()
	return sd.Finish()
}
