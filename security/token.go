package security

import (
	"crypto/rand"
	"encoding/base64"
	"fmt"
)

const (
	// SessionTokenBytes is the entropy of a session token (256 bits)
	SessionTokenBytes = 32

	// FileTokenBytes is the entropy of a file-access token (256 bits)
	FileTokenBytes = 32
)

// GenerateToken returns nBytes of crypto/rand entropy encoded as unpadded base64url.
// It panics if the system random number generator fails: no credential may be
// issued without real entropy.
func GenerateToken(nBytes int) string {
	b := make([]byte, nBytes)
	if _, err := rand.Read(b); err != nil {
		panic(fmt.Sprintf("crypto/rand.Read failed: %v", err))
	}
	return base64.RawURLEncoding.EncodeToString(b)
}
