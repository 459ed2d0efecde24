package stratum

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/bardlex/avalond/pkg/circuit"
	"github.com/bardlex/avalond/pkg/log"
)

// Policy selects how the manager walks the pool list.
type Policy int

const (
	// PolicyFailover always prefers the lowest-priority live pool and
	// falls back down the list.
	PolicyFailover Policy = iota
	// PolicyRoundRobin rotates through live pools on every reconnect.
	PolicyRoundRobin
)

// ParsePolicy maps a config string onto a Policy, defaulting to
// failover.
func ParsePolicy(s string) Policy {
	if s == "round_robin" {
		return PolicyRoundRobin
	}
	return PolicyFailover
}

// ManagerConfig tunes pool selection and retry pacing.
type ManagerConfig struct {
	Policy         Policy
	ReconnectDelay time.Duration // pause between attempts on the same list walk
	RetryBackoff   time.Duration // pause after the whole list has died
	Client         *ClientConfig
}

// DefaultManagerConfig returns production failover tuning.
func DefaultManagerConfig() *ManagerConfig {
	return &ManagerConfig{
		Policy:         PolicyFailover,
		ReconnectDelay: 5 * time.Second,
		RetryBackoff:   30 * time.Second,
		Client:         DefaultClientConfig(),
	}
}

// Manager owns the pool list and keeps exactly one upstream session
// alive, failing over per policy. Each pool is gated by a circuit
// breaker; a breaker that opens marks its pool dead until the whole
// list is exhausted and selection restarts from the top.
type Manager struct {
	cfg      *ManagerConfig
	logger   *log.Logger
	client   *Client
	pools    []*Pool
	breakers map[int]*circuit.Breaker

	mu      sync.RWMutex
	current *Pool
	rrNext  int
}

// NewManager builds a manager over the configured pools. The list is
// kept in priority order (lowest number first).
func NewManager(cfg *ManagerConfig, pools []*Pool, handler Handler, logger *log.Logger) *Manager {
	if cfg == nil {
		cfg = DefaultManagerConfig()
	}

	sorted := make([]*Pool, len(pools))
	copy(sorted, pools)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority < sorted[j].Priority
	})

	breakers := make(map[int]*circuit.Breaker, len(sorted))
	for _, p := range sorted {
		breakers[p.ID] = circuit.New(circuit.PoolConfig())
	}

	return &Manager{
		cfg:      cfg,
		logger:   logger.WithComponent("failover"),
		client:   NewClient(cfg.Client, handler, logger),
		pools:    sorted,
		breakers: breakers,
	}
}

// Run drives the failover loop until ctx is canceled.
func (m *Manager) Run(ctx context.Context) error {
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		pool := m.selectPool()
		if pool == nil {
			// Every configured pool is dead. Clear the flags and walk
			// the list from the top after a backoff.
			m.logger.Warn("all pools dead, backing off",
				"backoff", m.cfg.RetryBackoff.String())
			m.reviveAll()
			if err := sleepCtx(ctx, m.cfg.RetryBackoff); err != nil {
				return err
			}
			continue
		}

		m.switchTo(pool)

		err := m.breakers[pool.ID].Execute(ctx, func() error {
			return m.client.Run(ctx, pool)
		})
		if ctx.Err() != nil {
			return ctx.Err()
		}
		if err != nil {
			m.logger.WithPool(pool.Host, pool.Port).WithError(err).
				Warn("pool session ended")
		}
		if m.breakers[pool.ID].GetState() == circuit.StateOpen {
			pool.MarkDead()
		}

		if err := sleepCtx(ctx, m.cfg.ReconnectDelay); err != nil {
			return err
		}
	}
}

// selectPool picks the next pool per policy, or nil when none is
// selectable.
func (m *Manager) selectPool() *Pool {
	m.mu.Lock()
	defer m.mu.Unlock()

	live := make([]*Pool, 0, len(m.pools))
	for _, p := range m.pools {
		if p.Enabled && !p.IsDead() {
			live = append(live, p)
		}
	}
	if len(live) == 0 {
		return nil
	}

	if m.cfg.Policy == PolicyRoundRobin {
		p := live[m.rrNext%len(live)]
		m.rrNext++
		return p
	}
	return live[0]
}

func (m *Manager) switchTo(pool *Pool) {
	m.mu.Lock()
	prev := m.current
	m.current = pool
	m.mu.Unlock()

	if prev != nil && prev != pool {
		m.logger.LogPoolSwitch(prev.Host, pool.Host, "failover")
	}
}

func (m *Manager) reviveAll() {
	for _, p := range m.pools {
		p.Revive()
		m.breakers[p.ID].Reset()
	}
}

// Current returns the pool holding the connection slot, nil before the
// first selection.
func (m *Manager) Current() *Pool {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.current
}

// State exposes the client connection state.
func (m *Manager) State() ClientState {
	return m.client.State()
}

// Submit forwards a share to the active session.
func (m *Manager) Submit(moduleID int, jobID, extranonce2, ntime, nonce string, nonceVal uint32) error {
	return m.client.Submit(moduleID, jobID, extranonce2, ntime, nonce, nonceVal)
}

// Snapshots copies every pool's state for the status surface.
func (m *Manager) Snapshots() []PoolSnapshot {
	m.mu.RLock()
	current := m.current
	m.mu.RUnlock()

	out := make([]PoolSnapshot, 0, len(m.pools))
	for _, p := range m.pools {
		s := p.Snapshot()
		s.Active = p == current
		out = append(out, s)
	}
	return out
}

func sleepCtx(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
