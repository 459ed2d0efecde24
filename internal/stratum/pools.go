package stratum

import (
	"net"
	"strconv"
	"sync"
	"time"
)

// Pool is one configured upstream with its per-session state. The
// identity fields are set at construction; the session fields are
// guarded by mu because the client and the orchestrator both touch them.
type Pool struct {
	ID       int
	Host     string
	Port     int
	Username string
	Password string
	Priority int
	Enabled  bool

	mu sync.RWMutex

	extranonce1     []byte
	extranonce2Size int
	difficulty      float64

	accepted uint64
	rejected uint64
	stale    uint64

	lastJobAt time.Time
	dead      bool
	deadSince time.Time
}

// PoolSnapshot is a lock-free copy of a pool's state for the status
// surface.
type PoolSnapshot struct {
	ID         int     `json:"id"`
	Host       string  `json:"host"`
	Port       int     `json:"port"`
	Username   string  `json:"username"`
	Priority   int     `json:"priority"`
	Enabled    bool    `json:"enabled"`
	Active     bool    `json:"active"`
	Dead       bool    `json:"dead"`
	Difficulty float64 `json:"difficulty"`
	Accepted   uint64  `json:"accepted"`
	Rejected   uint64  `json:"rejected"`
	Stale      uint64  `json:"stale"`
}

// Addr returns the dialable host:port of the pool.
func (p *Pool) Addr() string {
	return net.JoinHostPort(p.Host, strconv.Itoa(p.Port))
}

// SetExtranonce records the pool-assigned extranonce. It applies on
// initial subscribe and again on every mining.set_extranonce.
func (p *Pool) SetExtranonce(extranonce1 []byte, size int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.extranonce1 = append([]byte(nil), extranonce1...)
	p.extranonce2Size = size
}

// Extranonce1 returns a copy of the session extranonce1.
func (p *Pool) Extranonce1() []byte {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return append([]byte(nil), p.extranonce1...)
}

// Extranonce2Size returns the pool-assigned extranonce2 width.
func (p *Pool) Extranonce2Size() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.extranonce2Size
}

// SetDifficulty records the share difficulty assigned by the pool.
func (p *Pool) SetDifficulty(difficulty float64) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.difficulty = difficulty
}

// Difficulty returns the current share difficulty.
func (p *Pool) Difficulty() float64 {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.difficulty
}

// TouchJob records the arrival time of the latest job.
func (p *Pool) TouchJob() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lastJobAt = time.Now()
}

// RecordShare updates the share counters from a submit reply.
func (p *Pool) RecordShare(accepted bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if accepted {
		p.accepted++
	} else {
		p.rejected++
	}
}

// RecordStale counts a share discarded locally for staleness.
func (p *Pool) RecordStale() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.stale++
}

// MarkDead takes the pool out of failover selection.
func (p *Pool) MarkDead() {
	p.mu.Lock()
	defer p.mu.Unlock()
	if !p.dead {
		p.dead = true
		p.deadSince = time.Now()
	}
}

// Revive clears the dead flag so the pool is selectable again.
func (p *Pool) Revive() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.dead = false
}

// IsDead reports whether the pool is excluded from selection.
func (p *Pool) IsDead() bool {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return p.dead
}

// Snapshot copies the pool state. The active flag is filled in by the
// manager, which knows which pool currently holds the connection.
func (p *Pool) Snapshot() PoolSnapshot {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return PoolSnapshot{
		ID:         p.ID,
		Host:       p.Host,
		Port:       p.Port,
		Username:   p.Username,
		Priority:   p.Priority,
		Enabled:    p.Enabled,
		Dead:       p.dead,
		Difficulty: p.difficulty,
		Accepted:   p.accepted,
		Rejected:   p.rejected,
		Stale:      p.stale,
	}
}
