package apksig

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestExtractBlockValueMissingID(t *testing.T) {
	block := makeBlock([]byte("not-a-real-signers-blob"))
	binaryPatchID(block)
	_, err := ExtractBlockValue(block)
	assert.Error(t, err)
}

// binaryPatchID corrupts the id field of the single pair in block so
// ExtractBlockValue can't find BlockID, exercising the not-found path.
func binaryPatchID(block []byte) {
	block[16] ^= 0xff
}

func TestParseBlockValueRejectsTamperedSignature(t *testing.T) {
	cert := testCert(t)
	sigBlob, err := buildSignersBlob(make([]byte, 32), cert.Leaf.Raw, cert.Leaf.RawSubjectPublicKeyInfo, func(sd []byte) ([]byte, error) {
		return make([]byte, cert.PrivateKey.Size()), nil
	})
	require.NoError(t, err)

	_, err = ParseBlockValue(sigBlob)
	assert.Error(t, err, "an all-zero placeholder signature must not verify")
}
