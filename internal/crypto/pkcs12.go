package crypto

import (
	"crypto/rsa"
	"crypto/x509"
	"errors"
	"fmt"

	"software.sslmate.com/src/go-pkcs12"
)

// EncodePKCS12 wraps an identity and its issuing chain in a password-
// protected PKCS#12 store using modern encryption (AES-256-SHA256)
func EncodePKCS12(identity *Identity, password string, caCerts ...*x509.Certificate) ([]byte, error) {
	pfxData, err := pkcs12.Modern2023.Encode(identity.PrivateKey, identity.Certificate, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12: %w", err)
	}
	return pfxData, nil
}

// EncodePKCS12Legacy uses 3DES encryption for compatibility with older
// client generations
func EncodePKCS12Legacy(identity *Identity, password string, caCerts ...*x509.Certificate) ([]byte, error) {
	pfxData, err := pkcs12.LegacyDES.Encode(identity.PrivateKey, identity.Certificate, caCerts, password)
	if err != nil {
		return nil, fmt.Errorf("failed to encode PKCS#12 (legacy): %w", err)
	}
	return pfxData, nil
}

// DecodePKCS12 opens a PKCS#12 store and returns the identity and any
// embedded CA certificates
func DecodePKCS12(pfxData []byte, password string) (*Identity, []*x509.Certificate, error) {
	privateKey, cert, caCerts, err := pkcs12.DecodeChain(pfxData, password)
	if err != nil {
		return nil, nil, fmt.Errorf("failed to decode PKCS#12: %w", err)
	}

	rsaKey, ok := privateKey.(*rsa.PrivateKey)
	if !ok {
		return nil, nil, fmt.Errorf("PKCS#12 store holds an unsupported key type %T", privateKey)
	}

	return &Identity{Certificate: cert, PrivateKey: rsaKey}, caCerts, nil
}

// IsIncorrectPassword reports whether the error from DecodePKCS12 indicates
// a wrong password rather than a corrupt store
func IsIncorrectPassword(err error) bool {
	return errors.Is(err, pkcs12.ErrIncorrectPassword)
}
