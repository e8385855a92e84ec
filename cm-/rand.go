package cm

import (
	cryptorand "crypto/rand"
	"encoding/hex"
	"fmt"
)

// CryptoRandHex returns n random bytes, hex-encoded. Used for authentication
// challenges and session tokens.
func CryptoRandHex(n int) string {
	buf := make([]byte, n)
	if _, err := cryptorand.Read(buf); err != nil {
		panic(fmt.Errorf("reading random bytes: %v", err))
	}
	return hex.EncodeToString(buf)
}
