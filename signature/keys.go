package signature

import (
	"crypto/rsa"
	"crypto/x509"
	"encoding/pem"

	"github.com/pkg/errors"
)

// ParsePublicKeyPem accepts PKIX and PKCS1 encoded RSA public keys; remote
// servers ship both.
func ParsePublicKeyPem(pemBytes string) (*rsa.PublicKey, error) {
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, errors.New("no PEM block in public key")
	}

	if parsed, err := x509.ParsePKIXPublicKey(block.Bytes); err == nil {
		rsaKey, ok := parsed.(*rsa.PublicKey)
		if !ok {
			return nil, errors.New("public key is not RSA")
		}
		return rsaKey, nil
	}

	rsaKey, err := x509.ParsePKCS1PublicKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse public key")
	}
	return rsaKey, nil
}

// ParsePrivateKeyPem accepts PKCS1 and PKCS8 encoded RSA private keys.
func ParsePrivateKeyPem(pemBytes string) (*rsa.PrivateKey, error) {
	block, _ := pem.Decode([]byte(pemBytes))
	if block == nil {
		return nil, errors.New("no PEM block in private key")
	}

	if key, err := x509.ParsePKCS1PrivateKey(block.Bytes); err == nil {
		return key, nil
	}

	parsed, err := x509.ParsePKCS8PrivateKey(block.Bytes)
	if err != nil {
		return nil, errors.Wrap(err, "failed to parse private key")
	}
	rsaKey, ok := parsed.(*rsa.PrivateKey)
	if !ok {
		return nil, errors.New("private key is not RSA")
	}
	return rsaKey, nil
}

// StripKeyFragment drops the fragment from a keyId, leaving the owning
// actor's id.
func StripKeyFragment(keyID string) string {
	for i := 0; i < len(keyID); i++ {
		if keyID[i] == '#' {
			return keyID[:i]
		}
	}
	return keyID
}
