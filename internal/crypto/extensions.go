package crypto

import (
	"crypto/sha1"
	"crypto/x509"
	"crypto/x509/pkix"
	"encoding/asn1"
	"encoding/json"
	"fmt"
	"strconv"
	"strings"
)

// Private extension arc for PeerCA certificates.
var (
	oidCertificateUsage   = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55566, 1, 1}
	oidSchemaVersion      = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55566, 1, 2}
	oidWorldName          = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55566, 1, 3}
	oidHashedEmail        = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55566, 1, 4}
	oidTrustChainVersion  = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55566, 1, 5}
	oidAssignedExtensions = asn1.ObjectIdentifier{1, 3, 6, 1, 4, 1, 55566, 1, 6}
)

// Certificate usage tags.
const (
	UsageCA   = "ca"
	UsageTLS  = "tls"
	UsagePeer = "peer"
)

// SchemaVersion tags the certificate layout understood by deployed clients.
const SchemaVersion = "2"

func stringExtension(oid asn1.ObjectIdentifier, value string) pkix.Extension {
	return pkix.Extension{Id: oid, Value: []byte(value)}
}

// HashEmail produces the one-way email digest embedded in peer certificates.
// The address is lower-cased first so lookups are case insensitive.
func HashEmail(email string) []byte {
	sum := sha1.Sum([]byte(strings.ToLower(email)))
	return sum[:]
}

// CertificateUsage extracts the usage tag from a certificate, or "" when the
// extension is absent.
func CertificateUsage(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidCertificateUsage) {
			return string(ext.Value)
		}
	}
	return ""
}

// WorldName extracts the world tag from a peer certificate.
func WorldName(cert *x509.Certificate) string {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidWorldName) {
			return string(ext.Value)
		}
	}
	return ""
}

// TrustChainVersion extracts the hierarchy generation tag from a CA
// certificate, or 0 when the extension is absent or malformed.
func TrustChainVersion(cert *x509.Certificate) int {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidTrustChainVersion) {
			version, err := strconv.Atoi(string(ext.Value))
			if err != nil {
				return 0
			}
			return version
		}
	}
	return 0
}

// HashedEmail extracts the email digest from a peer certificate.
func HashedEmail(cert *x509.Certificate) []byte {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidHashedEmail) {
			return ext.Value
		}
	}
	return nil
}

// AssignedExtensions extracts the policy-assigned key/value pairs from a peer
// certificate.
func AssignedExtensions(cert *x509.Certificate) (map[string]string, error) {
	for _, ext := range cert.Extensions {
		if ext.Id.Equal(oidAssignedExtensions) {
			extensions := make(map[string]string)
			if err := json.Unmarshal(ext.Value, &extensions); err != nil {
				return nil, fmt.Errorf("failed to decode assigned extensions: %w", err)
			}
			return extensions, nil
		}
	}
	return nil, nil
}
