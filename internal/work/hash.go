package work

import (
	sha256 "github.com/minio/sha256-simd"
)

// DoubleSHA256 is the proof-of-work primitive: two SHA-256 rounds over
// the 80-byte block header.
func DoubleSHA256(data []byte) [32]byte {
	first := sha256.Sum256(data)
	return sha256.Sum256(first[:])
}
