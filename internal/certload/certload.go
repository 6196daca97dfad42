// Package certload parses and synthesizes the X.509 certificate and RSA
// private key material the signer operates on.
package certload

import (
	"bytes"
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/pem"
	"math/big"
	"time"

	"github.com/pkg/errors"
)

// ErrBadCertificate is returned when a PEM blob is missing a certificate or
// a private key block, or either block fails to parse.
var ErrBadCertificate = errors.New("certload: PEM blob missing certificate or private key")

// Certificate bundles a parsed leaf certificate with its private key, ready
// to sign with.
type Certificate struct {
	Leaf       *x509.Certificate
	PrivateKey *rsa.PrivateKey
}

// Load scans pemText for one CERTIFICATE block and one RSA PRIVATE KEY (or
// PRIVATE KEY) block, in either order, tolerating surrounding whitespace.
func Load(pemText []byte) (*Certificate, error) {
	var certDER []byte
	var keyDER []byte
	var keyPKCS8 bool
	rest := bytes.TrimSpace(pemText)
	for {
		var block *pem.Block
		block, rest = pem.Decode(rest)
		if block == nil {
			break
		}
		switch block.Type {
		case "CERTIFICATE":
			if certDER == nil {
				certDER = block.Bytes
			}
		case "RSA PRIVATE KEY":
			if keyDER == nil {
				keyDER = block.Bytes
			}
		case "PRIVATE KEY":
			if keyDER == nil {
				keyDER = block.Bytes
				keyPKCS8 = true
			}
		}
	}
	if certDER == nil || keyDER == nil {
		return nil, ErrBadCertificate
	}
	leaf, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, errors.Wrap(ErrBadCertificate, err.Error())
	}
	var priv *rsa.PrivateKey
	if keyPKCS8 {
		key, err := x509.ParsePKCS8PrivateKey(keyDER)
		if err != nil {
			return nil, errors.Wrap(ErrBadCertificate, err.Error())
		}
		rsaKey, ok := key.(*rsa.PrivateKey)
		if !ok {
			return nil, errors.Wrap(ErrBadCertificate, "private key is not RSA")
		}
		priv = rsaKey
	} else {
		priv, err = x509.ParsePKCS1PrivateKey(keyDER)
		if err != nil {
			return nil, errors.Wrap(ErrBadCertificate, err.Error())
		}
	}
	return &Certificate{Leaf: leaf, PrivateKey: priv}, nil
}

// makeSerial draws a random positive serial number the same way the
// teacher's x509tools.MakeSerial does: 12 random bytes interpreted as an
// unsigned big integer.
func makeSerial() (*big.Int, error) {
	blob := make([]byte, 12)
	if _, err := rand.Read(blob); err != nil {
		return nil, errors.Wrap(err, "certload: generating serial")
	}
	return new(big.Int).SetBytes(blob), nil
}

// GenerateSelfSigned synthesizes a fresh RSA-2048 self-signed certificate,
// CN=Unknown, valid from ten years ago to fifty years from now, and returns
// the certificate and private key PEM-encoded and concatenated.
func GenerateSelfSigned() (string, error) {
	key, err := rsa.GenerateKey(rand.Reader, 2048)
	if err != nil {
		return "", errors.Wrap(err, "certload: generating RSA key")
	}
	serial, err := makeSerial()
	if err != nil {
		return "", err
	}
	now := time.Now()
	template := &x509.Certificate{
		SerialNumber: serial,
		Subject:      pkix.Name{CommonName: "Unknown"},
		NotBefore:    now.AddDate(-10, 0, 0),
		NotAfter:     now.AddDate(50, 0, 0),
		KeyUsage:     x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment,
	}
	der, err := x509.CreateCertificate(rand.Reader, template, template, &key.PublicKey, key)
	if err != nil {
		return "", errors.Wrap(err, "certload: creating self-signed certificate")
	}
	var out bytes.Buffer
	if err := pem.Encode(&out, &pem.Block{Type: "CERTIFICATE", Bytes: der}); err != nil {
		return "", errors.Wrap(err, "certload: encoding certificate PEM")
	}
	if err := pem.Encode(&out, &pem.Block{Type: "RSA PRIVATE KEY", Bytes: x509.MarshalPKCS1PrivateKey(key)}); err != nil {
		return "", errors.Wrap(err, "certload: encoding key PEM")
	}
	return out.String(), nil
}
