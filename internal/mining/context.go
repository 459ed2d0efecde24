// Package mining connects the upstream pool session to the device
// registry: it dispatches work, validates reported nonces and submits
// the survivors back to the pool.
package mining

import (
	"sync"

	"github.com/bardlex/avalond/internal/device"
	"github.com/bardlex/avalond/internal/stratum"
	"github.com/bardlex/avalond/internal/work"
	"github.com/bardlex/avalond/pkg/log"
)

// Context carries the shared runtime handed to the orchestrator. All
// state lives here; nothing in this package is global.
type Context struct {
	Pools    *stratum.Manager
	Registry *device.Registry
	Logger   *log.Logger
	Stats    *Stats

	mu  sync.RWMutex
	job *work.Job
}

// NewContext assembles the runtime.
func NewContext(pools *stratum.Manager, registry *device.Registry, logger *log.Logger) *Context {
	return &Context{
		Pools:    pools,
		Registry: registry,
		Logger:   logger.WithComponent("mining"),
		Stats:    NewStats(),
	}
}

// CurrentJob returns the job currently being worked, nil when idle.
func (c *Context) CurrentJob() *work.Job {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.job
}

// SwapJob atomically installs a new current job and returns the one it
// replaced. Passing nil clears the slot.
func (c *Context) SwapJob(job *work.Job) *work.Job {
	c.mu.Lock()
	defer c.mu.Unlock()
	prev := c.job
	c.job = job
	return prev
}
