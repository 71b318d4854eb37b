package document

import (
	"crypto/sha256"
	"encoding/hex"
)

// Fingerprint is the hex encoded sha256 of a document's bytes
type Fingerprint string

// Compute returns the fingerprint of data. Identical bytes always produce
// the identical fingerprint, independent of process or host.
func Compute(data []byte) Fingerprint {
	sum := sha256.Sum256(data)
	return Fingerprint(hex.EncodeToString(sum[:]))
}

func (f Fingerprint) String() string {
	return string(f)
}

// Short returns a prefix suitable for log lines
func (f Fingerprint) Short() string {
	if len(f) <= 12 {
		return string(f)
	}
	return string(f[:12])
}
