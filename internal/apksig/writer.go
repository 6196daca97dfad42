package apksig

import (
	"crypto"
	"crypto/rand"
	"crypto/rsa"
	"crypto/sha256"
	"crypto/x509"
	"encoding/binary"
	"io"
	"runtime"

	"github.com/pkg/errors"
)

const eocdLen = 22
const eocdCDOffsetField = 16 // byte offset of the CDOffset field within a 22-byte EOCD record

// parallelHashThreshold is the S1 size above which chunk hashing is fanned
// out across a worker pool instead of done serially. Below it the overhead
// of buffering the whole section in memory isn't worth it.
const parallelHashThreshold = 8 * chunkSize

// Splice computes the v2 signing block for an archive whose first
// cdOffset bytes are general content (S1), followed immediately by the
// central directory (cdBytes, S3) and a 22-byte EOCD record (oldEOCD, S4).
// It returns the signing block, the offset at which it will sit, and the
// patched EOCD record the caller must write after it.
//
// s1 must yield exactly cdOffset bytes; it is read once, in order.
func Splice(s1 io.Reader, cdOffset int64, cdBytes []byte, oldEOCD []byte, cert *x509.Certificate, key *rsa.PrivateKey) (block []byte, newCDOffset int64, finalEOCD []byte, err error) {
	if len(oldEOCD) != eocdLen {
		return nil, 0, nil, errors.New("apksig: EOCD record must be 22 bytes")
	}
	certDER := cert.Raw
	pubKeyDER := cert.RawSubjectPublicKeyInfo
	sigLen := key.Size()

	placeholderSign := func([]byte) ([]byte, error) { return make([]byte, sigLen), nil }
	dryBlob, err := buildSignersBlob(make([]byte, sha256.Size), certDER, pubKeyDER, placeholderSign)
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "apksig: sizing signing block")
	}
	blockLen := int64(len(makeBlock(dryBlob)))

	newCDOffset = cdOffset + blockLen
	if newCDOffset > 1<<32-1 {
		return nil, 0, nil, errors.New("apksig: archive too large (ZIP64 not supported)")
	}
	finalEOCD = append([]byte(nil), oldEOCD...)
	binary.LittleEndian.PutUint32(finalEOCD[eocdCDOffsetField:], uint32(newCDOffset))

	hasher := newChunkHasher()
	if cdOffset >= parallelHashThreshold {
		s1Bytes, err := io.ReadAll(s1)
		if err != nil {
			return nil, 0, nil, errors.Wrap(err, "apksig: reading archive content")
		}
		hasher.WriteSectionParallel(s1Bytes, runtime.GOMAXPROCS(0))
	} else if _, err := io.Copy(hasher, s1); err != nil {
		return nil, 0, nil, errors.Wrap(err, "apksig: hashing archive content")
	}
	hasher.Flush()
	hasher.Write(cdBytes)
	hasher.Flush()
	hasher.Write(finalEOCD)
	hasher.Flush()
	root := hasher.RootDigest()

	sigBlob, err := buildSignersBlob(root, certDER, pubKeyDER, func(signedData []byte) ([]byte, error) {
		digest := sha256.Sum256(signedData)
		return rsa.SignPKCS1v15(rand.Reader, key, crypto.SHA256, digest[:])
	})
	if err != nil {
		return nil, 0, nil, errors.Wrap(err, "apksig: signing block")
	}
	block = makeBlock(sigBlob)
	return block, newCDOffset, finalEOCD, nil
}

// buildSignersBlob marshals the single-signer signers_seq: a signed-data
// record carrying one digest and one certificate, signed with signFunc,
// wrapped as a one-element signer sequence (the "value" half of the v2
// id-value pair).
func buildSignersBlob(digestValue, certDER, pubKeyDER []byte, signFunc func([]byte) ([]byte, error)) (raw, error) {
	sd := signedData{
		Digests:      []digest{{ID: SignatureAlgorithmID, Value: digestValue}},
		Certificates: [][]byte{certDER},
	}
	sdRaw, err := marshal(sd)
	if err != nil {
		return nil, err
	}
	sigValue, err := signFunc(sdRaw.Bytes())
	if err != nil {
		return nil, err
	}
	s := signer{
		SignedData: sdRaw,
		Signatures: []signature{{ID: SignatureAlgorithmID, Value: sigValue}},
		PublicKey:  pubKeyDER,
	}
	return marshal([]signer{s})
}

// makeBlock wraps sblob (a marshaled signers_seq) in the APK Signing Block
// container: a u64 size prefix, one id-value pair, a duplicate size suffix,
// and the 16-byte magic footer.
func makeBlock(sblob []byte) []byte {
	pairLen := 4 + len(sblob) // id + value, not including the pair_length field itself
	total := 8 + 8 + pairLen + 8 + 16 // leading size, pair_length field, id+value, duplicate size, magic
	block := make([]byte, total)
	binary.LittleEndian.PutUint64(block, uint64(total-8))
	binary.LittleEndian.PutUint64(block[8:], uint64(pairLen))
	binary.LittleEndian.PutUint32(block[16:], BlockID)
	copy(block[20:], sblob)
	suffix := block[20+len(sblob):]
	binary.LittleEndian.PutUint64(suffix, uint64(total-8))
	copy(suffix[8:], sigBlockMagic)
	return block
}
