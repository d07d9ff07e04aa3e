package orchestrator

import (
	"sync"
	"time"

	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"
)

// ConcurrencyController bounds the number of in-flight background
// refreshes, adapting the bound to host CPU/memory pressure: memory above
// 85% halves the bound, CPU below 50% permits growth back up to twice the
// configured base (capped at 32).
type ConcurrencyController struct {
	base    int
	min     int
	max     int
	pollEvery time.Duration

	mu      sync.Mutex
	current int
	sem     chan struct{}

	stop chan struct{}
}

// NewConcurrencyController creates a controller whose bound starts at
// base. The bound never drops below 1 and never rises above twice base,
// capped at 32.
func NewConcurrencyController(base int) *ConcurrencyController {
	if base <= 0 {
		base = 4
	}
	max := base * 2
	if max > 32 {
		max = 32
	}
	c := &ConcurrencyController{
		base:      base,
		min:       1,
		max:       max,
		pollEvery: 5 * time.Second,
		current:   base,
		sem:       make(chan struct{}, base),
	}
	return c
}

// Acquire blocks until a concurrency slot is available.
func (c *ConcurrencyController) Acquire() {
	c.sem <- struct{}{}
}

// Release returns a concurrency slot.
func (c *ConcurrencyController) Release() {
	<-c.sem
}

// Start begins background polling of CPU/memory to resize the bound.
// It returns a stop function.
func (c *ConcurrencyController) Start() func() {
	c.stop = make(chan struct{})
	go func() {
		ticker := time.NewTicker(c.pollEvery)
		defer ticker.Stop()
		for {
			select {
			case <-c.stop:
				return
			case <-ticker.C:
				c.adjust()
			}
		}
	}()
	return func() { close(c.stop) }
}

func (c *ConcurrencyController) adjust() {
	target := c.base

	if vm, err := mem.VirtualMemory(); err == nil && vm.UsedPercent > 85 {
		target = c.base / 2
		if target < c.min {
			target = c.min
		}
	} else if percents, err := cpu.Percent(0, false); err == nil && len(percents) > 0 && percents[0] < 50 {
		target = c.base * 2
		if target > c.max {
			target = c.max
		}
	}

	c.resize(target)
}

// resize swaps in a new semaphore of the target capacity, carrying over
// currently-held permits on a best-effort basis. A resize racing with
// in-flight Acquire/Release calls may transiently under- or over-admit by
// one slot; this is acceptable for a background pressure-relief knob.
func (c *ConcurrencyController) resize(target int) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if target == c.current {
		return
	}
	inUse := len(c.sem)
	newSem := make(chan struct{}, target)
	for i := 0; i < inUse && i < target; i++ {
		newSem <- struct{}{}
	}
	c.sem = newSem
	c.current = target
}

// Current returns the controller's current bound.
func (c *ConcurrencyController) Current() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.current
}

// Pressure returns current memory utilization as a 0..1 fraction, the
// load signal the ADAPTIVE strategy scales its TTL by. A read failure is
// treated as no pressure rather than propagated, since this is a
// best-effort tuning input, not a correctness-critical value.
func (c *ConcurrencyController) Pressure() float64 {
	vm, err := mem.VirtualMemory()
	if err != nil {
		return 0
	}
	return vm.UsedPercent / 100
}
