package apksig

import (
	"bytes"
	"encoding/binary"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/timfenton/questpatcher/internal/certload"
)

func testCert(t *testing.T) *certload.Certificate {
	t.Helper()
	pemText, err := certload.GenerateSelfSigned()
	require.NoError(t, err)
	cert, err := certload.Load([]byte(pemText))
	require.NoError(t, err)
	return cert
}

func fakeEOCD(cdOffset, cdSize uint32) []byte {
	eocd := make([]byte, eocdLen)
	binary.LittleEndian.PutUint32(eocd, 0x06054b50)
	binary.LittleEndian.PutUint32(eocd[12:], cdSize)
	binary.LittleEndian.PutUint32(eocd[16:], cdOffset)
	return eocd
}

func TestSpliceProducesVerifiableBlock(t *testing.T) {
	cert := testCert(t)
	s1 := bytes.Repeat([]byte("s1-content"), 100)
	cd := bytes.Repeat([]byte("central-directory"), 10)
	oldEOCD := fakeEOCD(uint32(len(s1)), uint32(len(cd)))

	block, newCDOffset, finalEOCD, err := Splice(bytes.NewReader(s1), int64(len(s1)), cd, oldEOCD, cert.Leaf, cert.PrivateKey)
	require.NoError(t, err)
	assert.Equal(t, int64(len(s1))+int64(len(block)), newCDOffset)
	assert.Equal(t, newCDOffset, int64(binary.LittleEndian.Uint32(finalEOCD[eocdCDOffsetField:])))

	value, err := ExtractBlockValue(block)
	require.NoError(t, err)
	signers, err := ParseBlockValue(value)
	require.NoError(t, err)
	require.Len(t, signers, 1)
	assert.Equal(t, cert.Leaf.Raw, signers[0].Cert.Raw)

	// Recompute the root digest independently and confirm it matches what
	// got embedded and signed.
	h := newChunkHasher()
	h.Write(s1)
	h.Flush()
	h.Write(cd)
	h.Flush()
	h.Write(finalEOCD)
	h.Flush()
	assert.Equal(t, h.RootDigest(), signers[0].RootDigest)
}

func TestSpliceRejectsShortEOCD(t *testing.T) {
	cert := testCert(t)
	_, _, _, err := Splice(bytes.NewReader(nil), 0, nil, []byte("short"), cert.Leaf, cert.PrivateKey)
	assert.Error(t, err)
}

func TestSpliceLargeSectionUsesParallelPath(t *testing.T) {
	cert := testCert(t)
	s1 := bytes.Repeat([]byte{0x42}, parallelHashThreshold+1)
	cd := []byte("cd")
	oldEOCD := fakeEOCD(uint32(len(s1)), uint32(len(cd)))

	block, _, finalEOCD, err := Splice(bytes.NewReader(s1), int64(len(s1)), cd, oldEOCD, cert.Leaf, cert.PrivateKey)
	require.NoError(t, err)

	value, err := ExtractBlockValue(block)
	require.NoError(t, err)
	signers, err := ParseBlockValue(value)
	require.NoError(t, err)

	h := newChunkHasher()
	h.WriteSectionParallel(s1, 4)
	h.Flush()
	h.Write(cd)
	h.Flush()
	h.Write(finalEOCD)
	h.Flush()
	assert.Equal(t, h.RootDigest(), signers[0].RootDigest)
}
