// Package work holds the canonical representation of one unit of
// pool-assigned hashing work and the validation that closes the loop
// between device results and pool submissions.
package work

import (
	"encoding/binary"
	"encoding/hex"
	"fmt"
	"hash/crc32"
	"math/big"
	"sync"
	"time"

	"github.com/btcsuite/btcd/blockchain"

	"github.com/bardlex/avalond/pkg/errors"
)

// MaxMerkleBranches caps the merkle branch list; pools sending more have
// the excess dropped rather than overflowing job storage.
const MaxMerkleBranches = 30

// Job is one unit of hashing work built from a mining.notify message.
// The fields set at construction are immutable; the mutable tail
// (ntime roll, extranonce2 counter, stale flag) is guarded by mu.
type Job struct {
	ID     string
	PoolID int

	PrevHash       [32]byte
	Coinbase1      []byte
	Coinbase2      []byte
	MerkleBranches [][32]byte
	Version        uint32
	NBits          uint32
	CleanJobs      bool

	Extranonce1     []byte
	Extranonce2Size int

	CreatedAt time.Time

	// target is big-endian: index 0 holds the most significant byte.
	target [32]byte

	mu          sync.Mutex
	ntime       uint32
	extranonce2 uint64
	stale       bool
}

// ParseNotify builds a Job from the positional parameter list of a
// mining.notify message. Any malformed field aborts construction and
// the previously current job stays current.
func ParseNotify(poolID int, extranonce1 []byte, extranonce2Size int, params []interface{}) (*Job, error) {
	if len(params) < 8 {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_notify",
			"notify requires at least 8 parameters").
			WithContext("got", len(params))
	}

	jobID, ok := params[0].(string)
	if !ok || jobID == "" {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_notify",
			"job id must be a non-empty string")
	}

	prevHash, err := decodeHexField("prev_hash", params[1], 32)
	if err != nil {
		return nil, err
	}
	coinbase1, err := decodeHexField("coinbase1", params[2], 0)
	if err != nil {
		return nil, err
	}
	coinbase2, err := decodeHexField("coinbase2", params[3], 0)
	if err != nil {
		return nil, err
	}

	branchList, ok := params[4].([]interface{})
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_notify",
			"merkle branches must be an array")
	}
	if len(branchList) > MaxMerkleBranches {
		branchList = branchList[:MaxMerkleBranches]
	}
	branches := make([][32]byte, 0, len(branchList))
	for i, b := range branchList {
		branch, err := decodeHexField(fmt.Sprintf("merkle_branch[%d]", i), b, 32)
		if err != nil {
			return nil, err
		}
		var arr [32]byte
		copy(arr[:], branch)
		branches = append(branches, arr)
	}

	version, err := decodeHexUint32("version", params[5])
	if err != nil {
		return nil, err
	}
	nbits, err := decodeHexUint32("nbits", params[6])
	if err != nil {
		return nil, err
	}
	ntime, err := decodeHexUint32("ntime", params[7])
	if err != nil {
		return nil, err
	}

	cleanJobs := false
	if len(params) > 8 {
		if b, ok := params[8].(bool); ok {
			cleanJobs = b
		}
	}

	j := &Job{
		ID:              jobID,
		PoolID:          poolID,
		Coinbase1:       coinbase1,
		Coinbase2:       coinbase2,
		MerkleBranches:  branches,
		Version:         version,
		NBits:           nbits,
		CleanJobs:       cleanJobs,
		Extranonce1:     append([]byte(nil), extranonce1...),
		Extranonce2Size: extranonce2Size,
		CreatedAt:       time.Now(),
		ntime:           ntime,
	}
	copy(j.PrevHash[:], prevHash)
	j.target = targetFromBits(nbits)
	return j, nil
}

// decodeHexField strictly decodes a hex string parameter. Odd lengths
// and non-hex digits are rejected; wantLen (when non-zero) pins the
// decoded byte count.
func decodeHexField(name string, v interface{}, wantLen int) ([]byte, error) {
	s, ok := v.(string)
	if !ok {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_notify",
			"field is not a string").
			WithContext("field", name)
	}
	b, err := hex.DecodeString(s)
	if err != nil {
		return nil, errors.Wrap(err, errors.ErrorTypeProtocol, "parse_notify",
			"invalid hex field").
			WithContext("field", name)
	}
	if wantLen > 0 && len(b) != wantLen {
		return nil, errors.New(errors.ErrorTypeProtocol, "parse_notify",
			"hex field has wrong length").
			WithContext("field", name).
			WithContext("want", wantLen).
			WithContext("got", len(b))
	}
	return b, nil
}

func decodeHexUint32(name string, v interface{}) (uint32, error) {
	b, err := decodeHexField(name, v, 4)
	if err != nil {
		return 0, err
	}
	return binary.BigEndian.Uint32(b), nil
}

// targetFromBits expands compact difficulty bits into the full
// big-endian 32-byte target.
func targetFromBits(nbits uint32) [32]byte {
	var target [32]byte
	blockchain.CompactToBig(nbits).FillBytes(target[:])
	return target
}

// Target returns the job's 32-byte target, most significant byte first.
func (j *Job) Target() [32]byte {
	return j.target
}

// TargetBig returns the target as a big integer for difficulty math.
func (j *Job) TargetBig() *big.Int {
	return new(big.Int).SetBytes(j.target[:])
}

// Token is the compact job identifier carried in device frames; the
// hardware echoes it back with every nonce report.
func (j *Job) Token() uint32 {
	return crc32.ChecksumIEEE([]byte(j.ID))
}

// Ntime returns the job's current time field (it may have been rolled
// forward by extranonce2 wraparound).
func (j *Job) Ntime() uint32 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.ntime
}

// MarkStale flags the job as superseded. Nonces against a stale job are
// discarded, never submitted.
func (j *Job) MarkStale() {
	j.mu.Lock()
	j.stale = true
	j.mu.Unlock()
}

// IsStale reports whether the job was superseded. A job stays live
// however old it gets; only a replacement job or a disconnect retires
// it.
func (j *Job) IsStale() bool {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.stale
}

// Extranonce2 returns the current extranonce2 counter as 8 big-endian
// bytes (the wire always carries the full width; En2Bytes trims it for
// coinbase and submit use).
func (j *Job) Extranonce2() [8]byte {
	j.mu.Lock()
	defer j.mu.Unlock()
	var b [8]byte
	binary.BigEndian.PutUint64(b[:], j.extranonce2)
	return b
}

// NextExtranonce2 returns the counter value to stamp on the next unit
// of work and advances it. Every outstanding unit gets a distinct value;
// on wraparound the counter resets and ntime rolls forward one second.
func (j *Job) NextExtranonce2() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()

	v := j.extranonce2
	j.extranonce2++
	if j.Extranonce2Size < 8 {
		limit := uint64(1) << (8 * uint(j.Extranonce2Size))
		if j.extranonce2 >= limit {
			j.extranonce2 = 0
			j.ntime++
		}
	}
	return v
}

// En2Bytes renders an extranonce2 counter value at the pool-assigned
// width, big-endian.
func (j *Job) En2Bytes(v uint64) []byte {
	size := j.Extranonce2Size
	if size <= 0 || size > 8 {
		size = 4
	}
	var full [8]byte
	binary.BigEndian.PutUint64(full[:], v)
	return full[8-size:]
}

// Coinbase assembles coinbase1 || extranonce1 || extranonce2 ||
// coinbase2 with the current counter value.
func (j *Job) Coinbase() []byte {
	return j.CoinbaseWith(j.En2Bytes(j.currentEn2()))
}

// CoinbaseWith assembles the coinbase for a specific extranonce2.
func (j *Job) CoinbaseWith(en2 []byte) []byte {
	out := make([]byte, 0, len(j.Coinbase1)+len(j.Extranonce1)+len(en2)+len(j.Coinbase2))
	out = append(out, j.Coinbase1...)
	out = append(out, j.Extranonce1...)
	out = append(out, en2...)
	out = append(out, j.Coinbase2...)
	return out
}

func (j *Job) currentEn2() uint64 {
	j.mu.Lock()
	defer j.mu.Unlock()
	return j.extranonce2
}

// MerkleBytes concatenates the branch hashes for device dispatch.
func (j *Job) MerkleBytes() []byte {
	out := make([]byte, 0, len(j.MerkleBranches)*32)
	for _, b := range j.MerkleBranches {
		out = append(out, b[:]...)
	}
	return out
}

// MerkleRoot chains the coinbase hash through the branch list.
func (j *Job) MerkleRoot(en2 []byte) [32]byte {
	root := DoubleSHA256(j.CoinbaseWith(en2))
	for _, branch := range j.MerkleBranches {
		combined := make([]byte, 64)
		copy(combined[:32], root[:])
		copy(combined[32:], branch[:])
		root = DoubleSHA256(combined)
	}
	return root
}

// HeaderFields packs the non-merkle header inputs for device dispatch:
// version, previous hash, ntime and nbits in header byte order.
func (j *Job) HeaderFields() []byte {
	out := make([]byte, 44)
	binary.LittleEndian.PutUint32(out[0:4], j.Version)
	copy(out[4:36], j.PrevHash[:])
	binary.LittleEndian.PutUint32(out[36:40], j.Ntime())
	binary.LittleEndian.PutUint32(out[40:44], j.NBits)
	return out
}

// HeaderWith assembles the full 80-byte block header for a candidate:
// version, prev hash, merkle root, ntime, nbits and nonce, with the
// integer fields little-endian as the hash primitive expects.
func (j *Job) HeaderWith(en2 []byte, ntime, nonce uint32) [80]byte {
	var header [80]byte
	binary.LittleEndian.PutUint32(header[0:4], j.Version)
	copy(header[4:36], j.PrevHash[:])

	root := j.MerkleRoot(en2)
	copy(header[36:68], root[:])

	binary.LittleEndian.PutUint32(header[68:72], ntime)
	binary.LittleEndian.PutUint32(header[72:76], j.NBits)
	binary.LittleEndian.PutUint32(header[76:80], nonce)
	return header
}
