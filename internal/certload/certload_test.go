package certload

import (
	"bytes"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestGenerateSelfSignedThenLoad(t *testing.T) {
	pemText, err := GenerateSelfSigned()
	require.NoError(t, err)

	cert, err := Load([]byte(pemText))
	require.NoError(t, err)
	assert.Equal(t, "Unknown", cert.Leaf.Subject.CommonName)
	assert.Equal(t, 2048, cert.PrivateKey.N.BitLen())
}

func TestLoadToleratesBlockOrder(t *testing.T) {
	pemText, err := GenerateSelfSigned()
	require.NoError(t, err)

	const marker = "-----END CERTIFICATE-----\n"
	idx := bytes.Index([]byte(pemText), []byte(marker)) + len(marker)
	certBlock := pemText[:idx]
	keyBlock := pemText[idx:]
	reordered := keyBlock + certBlock

	cert, err := Load([]byte(reordered))
	require.NoError(t, err)
	assert.NotNil(t, cert.Leaf)
	assert.NotNil(t, cert.PrivateKey)
}

func TestLoadToleratesSurroundingWhitespace(t *testing.T) {
	pemText, err := GenerateSelfSigned()
	require.NoError(t, err)

	cert, err := Load([]byte("\n\n  " + pemText + "\n\n"))
	require.NoError(t, err)
	assert.NotNil(t, cert.Leaf)
}

func TestLoadMissingKeyFails(t *testing.T) {
	pemText, err := GenerateSelfSigned()
	require.NoError(t, err)
	const marker = "-----END CERTIFICATE-----\n"
	idx := bytes.Index([]byte(pemText), []byte(marker)) + len(marker)
	certOnly := pemText[:idx]

	_, err = Load([]byte(certOnly))
	assert.ErrorIs(t, err, ErrBadCertificate)
}

func TestLoadEmptyInputFails(t *testing.T) {
	_, err := Load([]byte("not pem at all"))
	assert.ErrorIs(t, err, ErrBadCertificate)
}
