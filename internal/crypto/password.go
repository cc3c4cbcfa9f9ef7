package crypto

import (
	"crypto/sha256"
	"encoding/hex"
)

// HashPassword derives the stored credential digest from a client password.
// The digest doubles as the PKCS#12 passphrase for the issued artifact, so
// issuance triggered by a verification code alone can still encrypt the
// store: the client recomputes the same digest from its password.
func HashPassword(password string) string {
	sum := sha256.Sum256([]byte(password))
	return hex.EncodeToString(sum[:])
}
