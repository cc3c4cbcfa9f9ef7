// Package crypto implements key generation and X.509 certificate
// construction for the PeerCA trust hierarchy: a self-signed CA identity, a
// CA-signed TLS identity securing the service's own listener, and CA-signed
// peer certificates carrying the private PeerCA extensions. Every generated
// certificate is verified against its signer before it is returned.
package crypto

import (
	"crypto/rand"
	"crypto/rsa"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/json"
	"fmt"
	"math/big"
	"time"
)

// Identity bundles a certificate with its private key.
type Identity struct {
	Certificate *x509.Certificate
	PrivateKey  *rsa.PrivateKey
}

// Subject holds the distinguished-name fields for a generated CA.
type Subject struct {
	CommonName   string
	Organization string
	Country      string
}

// PeerRequest describes the peer certificate to issue.
type PeerRequest struct {
	Avatar         string
	Email          string
	World          string
	SerialNumber   uint64
	RSABits        int
	ValidityMonths int
	Extensions     map[string]string
}

// GenerateCA generates a self-signed CA identity. The trust-chain version
// tags the generation of the hierarchy; rotating the CA bumps it.
func GenerateCA(subject Subject, serialNumber uint64, rsaBits, validityMonths, trustChainVersion int) (*Identity, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate CA private key: %w", err)
	}

	notBefore := time.Now()
	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetUint64(serialNumber),
		Subject: pkix.Name{
			CommonName:   subject.CommonName,
			Organization: nonEmpty(subject.Organization),
			Country:      nonEmpty(subject.Country),
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, validityMonths, 0),
		KeyUsage:              x509.KeyUsageCertSign | x509.KeyUsageCRLSign,
		BasicConstraintsValid: true,
		IsCA:                  true,
		ExtraExtensions: []pkix.Extension{
			stringExtension(oidCertificateUsage, UsageCA),
			stringExtension(oidSchemaVersion, SchemaVersion),
			stringExtension(oidTrustChainVersion, fmt.Sprintf("%d", trustChainVersion)),
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, template, &privateKey.PublicKey, privateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create CA certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse CA certificate: %w", err)
	}

	if err := cert.CheckSignatureFrom(cert); err != nil {
		return nil, fmt.Errorf("generated CA certificate failed verification: %w", err)
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey}, nil
}

// GenerateTLS derives a TLS identity from the CA. Its common name is the
// CA's with a " (TLS)" suffix.
func GenerateTLS(ca *Identity, serialNumber uint64, rsaBits, validityMonths int) (*Identity, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, rsaBits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate TLS private key: %w", err)
	}

	notBefore := time.Now()
	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetUint64(serialNumber),
		Subject: pkix.Name{
			CommonName:   ca.Certificate.Subject.CommonName + " (TLS)",
			Organization: ca.Certificate.Subject.Organization,
			Country:      ca.Certificate.Subject.Country,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, validityMonths, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageServerAuth},
		BasicConstraintsValid: true,
		ExtraExtensions: []pkix.Extension{
			stringExtension(oidCertificateUsage, UsageTLS),
			stringExtension(oidSchemaVersion, SchemaVersion),
		},
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &privateKey.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create TLS certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse TLS certificate: %w", err)
	}

	if err := cert.CheckSignatureFrom(ca.Certificate); err != nil {
		return nil, fmt.Errorf("generated TLS certificate failed verification: %w", err)
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey}, nil
}

// GeneratePeer issues a peer certificate signed by the CA, embedding the
// world tag, the hashed email, and any policy-assigned extensions.
func GeneratePeer(ca *Identity, req *PeerRequest) (*Identity, error) {
	privateKey, err := rsa.GenerateKey(rand.Reader, req.RSABits)
	if err != nil {
		return nil, fmt.Errorf("failed to generate peer private key: %w", err)
	}

	extensions := []pkix.Extension{
		stringExtension(oidCertificateUsage, UsagePeer),
		stringExtension(oidSchemaVersion, SchemaVersion),
		stringExtension(oidWorldName, req.World),
		{Id: oidHashedEmail, Value: HashEmail(req.Email)},
	}
	if len(req.Extensions) > 0 {
		assigned, err := json.Marshal(req.Extensions)
		if err != nil {
			return nil, fmt.Errorf("failed to encode assigned extensions: %w", err)
		}
		extensions = append(extensions, pkix.Extension{Id: oidAssignedExtensions, Value: assigned})
	}

	notBefore := time.Now()
	template := &x509.Certificate{
		SerialNumber: new(big.Int).SetUint64(req.SerialNumber),
		Subject: pkix.Name{
			CommonName: req.Avatar,
		},
		NotBefore:             notBefore,
		NotAfter:              notBefore.AddDate(0, req.ValidityMonths, 0),
		KeyUsage:              x509.KeyUsageDigitalSignature | x509.KeyUsageKeyEncipherment | x509.KeyUsageDataEncipherment,
		ExtKeyUsage:           []x509.ExtKeyUsage{x509.ExtKeyUsageClientAuth},
		BasicConstraintsValid: true,
		ExtraExtensions:       extensions,
	}

	certDER, err := x509.CreateCertificate(rand.Reader, template, ca.Certificate, &privateKey.PublicKey, ca.PrivateKey)
	if err != nil {
		return nil, fmt.Errorf("failed to create peer certificate: %w", err)
	}

	cert, err := x509.ParseCertificate(certDER)
	if err != nil {
		return nil, fmt.Errorf("failed to parse peer certificate: %w", err)
	}

	if err := cert.CheckSignatureFrom(ca.Certificate); err != nil {
		return nil, fmt.Errorf("generated peer certificate failed verification: %w", err)
	}

	return &Identity{Certificate: cert, PrivateKey: privateKey}, nil
}

func nonEmpty(value string) []string {
	if value == "" {
		return nil
	}
	return []string{value}
}
