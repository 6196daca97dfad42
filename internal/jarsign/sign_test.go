package jarsign

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.mozilla.org/pkcs7"

	"github.com/timfenton/questpatcher/internal/certload"
	"github.com/timfenton/questpatcher/internal/zipsurgeon"
)

func testCert(t *testing.T) *certload.Certificate {
	t.Helper()
	pemText, err := certload.GenerateSelfSigned()
	require.NoError(t, err)
	cert, err := certload.Load([]byte(pemText))
	require.NoError(t, err)
	return cert
}

func TestSignProducesVerifiableDetachedPKCS7(t *testing.T) {
	cert := testCert(t)
	entries := []zipsurgeon.Entry{{Name: "a.txt"}}
	open := openerFor(map[string][]byte{"a.txt": []byte("hello\n")})

	artifacts, err := Sign(cert, entries, open, nil)
	require.NoError(t, err)
	assert.Contains(t, string(artifacts.Manifest), "Manifest-Version: 1.0\r\n")
	assert.Contains(t, string(artifacts.SF), "SHA-256-Digest-Manifest:")

	p7, err := pkcs7.Parse(artifacts.RSA)
	require.NoError(t, err)
	assert.Empty(t, p7.Content, "signature must be detached")
	p7.Content = artifacts.SF
	err = p7.VerifyWithChain(nil)
	require.NoError(t, err, "SignWithoutAttr output must verify against the embedded certificate")
}
