package apksig

import (
	"crypto"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"

	"github.com/pkg/errors"
)

// ParsedSigner is the decoded, verified form of one signer record: used by
// this module's own tests to confirm a produced block is self-consistent,
// never by the signing path itself (this core never verifies third-party
// input).
type ParsedSigner struct {
	RootDigest []byte
	Cert       *x509.Certificate
}

// ParseBlockValue decodes the "value" half of the 0x7109871a id-value pair
// (i.e. the bytes after BlockID, before the outer size/magic footer) and
// verifies the embedded RSA signature against the embedded certificate.
func ParseBlockValue(value []byte) ([]ParsedSigner, error) {
	var signers []signer
	if err := unmarshal(value, &signers); err != nil {
		return nil, errors.Wrap(err, "apksig: decoding signers sequence")
	}
	out := make([]ParsedSigner, 0, len(signers))
	for _, s := range signers {
		var sd signedData
		if err := unmarshal(s.SignedData.Bytes(), &sd); err != nil {
			return nil, errors.Wrap(err, "apksig: decoding signed data")
		}
		if len(sd.Digests) != 1 || len(sd.Certificates) != 1 {
			return nil, errors.New("apksig: expected exactly one digest and one certificate")
		}
		cert, err := x509.ParseCertificate(sd.Certificates[0])
		if err != nil {
			return nil, errors.Wrap(err, "apksig: parsing embedded certificate")
		}
		if len(s.Signatures) != 1 {
			return nil, errors.New("apksig: expected exactly one signature")
		}
		rsaKey, ok := cert.PublicKey.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("apksig: embedded certificate is not RSA")
		}
		digest := sha256.Sum256(s.SignedData.Bytes())
		if err := rsa.VerifyPKCS1v15(rsaKey, crypto.SHA256, digest[:], s.Signatures[0].Value); err != nil {
			return nil, errors.Wrap(err, "apksig: signature does not verify")
		}
		out = append(out, ParsedSigner{RootDigest: sd.Digests[0].Value, Cert: cert})
	}
	return out, nil
}

// ExtractBlockValue locates the 0x7109871a pair inside a raw APK Signing
// Block (the bytes between the size prefix and the magic footer) and
// returns its value. Used by tests to unwrap what Splice produced.
func ExtractBlockValue(block []byte) ([]byte, error) {
	if len(block) < 8+16 {
		return nil, errors.New("apksig: block too short")
	}
	pos := 8
	end := len(block) - 8 - 16
	for pos < end {
		if pos+8 > end {
			return nil, errors.New("apksig: truncated pair length")
		}
		pairLen := binary.LittleEndian.Uint64(block[pos:])
		pos += 8
		if pos+int(pairLen) > end {
			return nil, errors.New("apksig: truncated pair value")
		}
		id := binary.LittleEndian.Uint32(block[pos:])
		value := block[pos+4 : pos+int(pairLen)]
		if id == BlockID {
			return value, nil
		}
		pos += int(pairLen)
	}
	return nil, errors.New("apksig: id 0x7109871a pair not found")
}
