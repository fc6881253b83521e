package core

import (
	"crypto/sha1"
	"encoding/hex"
)

// Fingerprint computes the stable identifier for an (command, output) pair
// used to detect whether a previously-recorded output still matches the
// command that would produce it (§3, §4.5). It depends only on the exact
// bytes of cmd and output.
func Fingerprint(cmd, output string) string {
	h := sha1.New()
	h.Write([]byte(cmd))
	h.Write([]byte("_"))
	h.Write([]byte(output))
	return hex.EncodeToString(h.Sum(nil))
}
