package work

import (
	"encoding/hex"
	"fmt"
)

// CheckNonce reconstructs the header with the reported nonce inserted,
// hashes it and compares against the target byte-for-byte from the most
// significant byte down. The nonce is valid iff hash <= target under
// that ordering. A failing check is a hashing-chip fault, not a pool
// rejection; callers count it as a hardware error and drop the nonce.
func (j *Job) CheckNonce(en2 []byte, ntime, nonce uint32) bool {
	header := j.HeaderWith(en2, ntime, nonce)
	hash := DoubleSHA256(header[:])

	// The raw digest carries its most significant byte last; walk it
	// from the top end against the big-endian target
	for i := 0; i < 32; i++ {
		h := hash[31-i]
		t := j.target[i]
		if h < t {
			return true
		}
		if h > t {
			return false
		}
	}
	return true // exact-target hash counts as valid
}

// SubmitFields renders the hex tuple a mining.submit carries:
// extranonce2, ntime and nonce. Widths are fixed so the pool sees the
// exact byte counts it assigned.
func (j *Job) SubmitFields(en2 []byte, ntime, nonce uint32) (en2Hex, ntimeHex, nonceHex string) {
	return hex.EncodeToString(en2),
		fmt.Sprintf("%08x", ntime),
		fmt.Sprintf("%08x", nonce)
}
