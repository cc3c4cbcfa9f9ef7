package ra

import (
	"crypto/rand"
	"crypto/sha1"
	"encoding/hex"
	"fmt"
)

// codeLength is fixed by the deployed client population.
const codeLength = 15

// generateCode derives a verification or reset code from the recipient plus
// a random salt, truncated to the fixed length, redrawing until the code is
// unused under the active CA. The same collision-avoidance discipline as
// serial numbers.
func (r *Authority) generateCode(caSerial, recipient string) (string, error) {
	for {
		salt := make([]byte, 16)
		if _, err := rand.Read(salt); err != nil {
			return "", fmt.Errorf("failed to draw code salt: %w", err)
		}

		sum := sha1.Sum(append([]byte(recipient), salt...))
		code := hex.EncodeToString(sum[:])[:codeLength]

		exists, err := r.db.CodeExists(caSerial, code)
		if err != nil {
			return "", fmt.Errorf("failed to check code uniqueness: %w", err)
		}
		if !exists {
			return code, nil
		}
	}
}
