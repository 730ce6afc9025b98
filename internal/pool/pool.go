package pool

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagepool/pagepool/internal/browser"
)

var (
	// ErrProvisioning marks a browser launch failure; the acquisition
	// attempt it belongs to is fatal, the pool itself keeps serving.
	ErrProvisioning = errors.New("browser provisioning failed")

	// ErrPoolClosed is returned to callers once Shutdown has begun.
	ErrPoolClosed = errors.New("browser pool closed")
)

// InstanceState describes the health of one pooled browser process
// @Description Health state of a pooled browser instance
type InstanceState string //@name InstanceState

const (
	StateStarting InstanceState = "starting"
	StateReady    InstanceState = "ready"
	StateDegraded InstanceState = "degraded"
	StateDead     InstanceState = "dead"
)

// Options configure the pool.
type Options struct {
	// Size is the target number of browser processes. Instances are
	// launched lazily up to this bound.
	Size int

	// ContextsPerInstance bounds the active contexts per process.
	ContextsPerInstance int

	LaunchTimeout  time.Duration
	LaunchAttempts int
}

type entry struct {
	inst  browser.Instance
	state InstanceState
	load  int
}

// Pool owns a bounded set of launched browser processes and hands out
// per-context capacity slots. All bookkeeping is mutex-guarded; the
// browser protocol work happens outside the lock.
type Pool struct {
	driver browser.Driver
	opts   Options

	mu        sync.Mutex
	instances map[uuid.UUID]*entry
	waiters   []chan struct{}
	launching int
	closed    bool

	lostHooks []func(instanceID uuid.UUID)
}

// New builds a pool over the given driver. The driver must already be
// started.
func New(driver browser.Driver, opts Options) *Pool {
	if opts.Size < 1 {
		opts.Size = 1
	}
	if opts.ContextsPerInstance < 1 {
		opts.ContextsPerInstance = 1
	}
	if opts.LaunchAttempts < 1 {
		opts.LaunchAttempts = 1
	}
	if opts.LaunchTimeout <= 0 {
		opts.LaunchTimeout = 60 * time.Second
	}
	return &Pool{
		driver:    driver,
		opts:      opts,
		instances: make(map[uuid.UUID]*entry),
	}
}

// Capacity is the total number of context slots the pool can hand out.
func (p *Pool) Capacity() int {
	return p.opts.Size * p.opts.ContextsPerInstance
}

// OnInstanceLost registers a hook fired whenever an instance leaves
// the pool for any reason other than graceful shutdown. Hooks run off
// the pool lock.
func (p *Pool) OnInstanceLost(fn func(instanceID uuid.UUID)) {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.lostHooks = append(p.lostHooks, fn)
}

// Slot is one unit of context capacity on a specific instance. It must
// be released exactly once.
type Slot struct {
	pool       *Pool
	instanceID uuid.UUID
	inst       browser.Instance

	mu       sync.Mutex
	released bool
}

// Instance returns the browser process this slot is bound to.
func (s *Slot) Instance() browser.Instance { return s.inst }

// Release returns the slot's capacity to the pool. Safe to call once;
// later calls are no-ops.
func (s *Slot) Release() {
	s.mu.Lock()
	if s.released {
		s.mu.Unlock()
		return
	}
	s.released = true
	s.mu.Unlock()
	s.pool.release(s.instanceID)
}

// Acquire blocks until an instance with spare context capacity is
// available, launching a new instance when the pool is below target
// size. Launch failure surfaces as ErrProvisioning.
func (p *Pool) Acquire(ctx context.Context) (*Slot, error) {
	for {
		p.mu.Lock()
		if p.closed {
			p.mu.Unlock()
			return nil, ErrPoolClosed
		}

		p.sweepDeadLocked()

		if e := p.pickLocked(); e != nil {
			e.load++
			slot := &Slot{pool: p, instanceID: e.inst.ID(), inst: e.inst}
			p.mu.Unlock()
			return slot, nil
		}

		if len(p.instances)+p.launching < p.opts.Size {
			p.launching++
			p.mu.Unlock()

			err := p.launch(ctx)

			p.mu.Lock()
			p.launching--
			p.notifyAllLocked()
			p.mu.Unlock()

			if err != nil {
				return nil, err
			}
			continue
		}

		// All capacity busy and pool at target size: park FIFO.
		wait := make(chan struct{}, 1)
		p.waiters = append(p.waiters, wait)
		p.mu.Unlock()

		select {
		case <-ctx.Done():
			p.removeWaiter(wait)
			return nil, ctx.Err()
		case <-wait:
		}
	}
}

// pickLocked returns the least-loaded ready instance with spare
// capacity, probing connectivity before every handout. A probe failure
// removes the instance immediately so the launch gate sees the true
// count and replaces it in the same acquisition pass.
func (p *Pool) pickLocked() *entry {
	var best *entry
	for id, e := range p.instances {
		if e.state != StateReady || e.load >= p.opts.ContextsPerInstance {
			continue
		}
		if !e.inst.Connected() {
			e.state = StateDead
			delete(p.instances, id)
			go p.fireLost(id)
			continue
		}
		if best == nil || e.load < best.load {
			best = e
		}
	}
	return best
}

// sweepDeadLocked drops entries whose process is gone. The disconnect
// callback normally beats this, but the probe keeps a silent death
// from lingering in rotation.
func (p *Pool) sweepDeadLocked() {
	for id, e := range p.instances {
		if e.state == StateDead {
			delete(p.instances, id)
			go p.fireLost(id)
		}
	}
}

func (p *Pool) launch(ctx context.Context) error {
	var lastErr error
	for attempt := 1; attempt <= p.opts.LaunchAttempts; attempt++ {
		if err := ctx.Err(); err != nil {
			return err
		}

		launchCtx, cancel := context.WithTimeout(ctx, p.opts.LaunchTimeout)
		inst, err := p.driver.Launch(launchCtx)
		cancel()

		if err == nil {
			p.adopt(inst)
			return nil
		}
		lastErr = err
		log.Printf("[POOL] launch attempt %d/%d failed: %v", attempt, p.opts.LaunchAttempts, err)

		if attempt == p.opts.LaunchAttempts {
			break
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(time.Duration(attempt) * 500 * time.Millisecond):
		}
	}
	return fmt.Errorf("%w: %v", ErrProvisioning, lastErr)
}

func (p *Pool) adopt(inst browser.Instance) {
	id := inst.ID()

	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		inst.Close()
		return
	}
	p.instances[id] = &entry{inst: inst, state: StateReady}
	p.mu.Unlock()

	inst.OnDisconnect(func() {
		p.handleInstanceLost(id)
	})
	log.Printf("[POOL] instance %s ready (%d/%d)", id, p.instanceCount(), p.opts.Size)
}

func (p *Pool) instanceCount() int {
	p.mu.Lock()
	defer p.mu.Unlock()
	return len(p.instances)
}

// handleInstanceLost removes a dead instance. Only its own contexts
// are invalidated (via the lost hooks); other instances and all
// waiters keep going.
func (p *Pool) handleInstanceLost(id uuid.UUID) {
	p.mu.Lock()
	e, ok := p.instances[id]
	if !ok || p.closed {
		p.mu.Unlock()
		return
	}
	e.state = StateDead
	delete(p.instances, id)
	p.notifyAllLocked()
	p.mu.Unlock()

	log.Printf("[POOL] instance %s lost, removed from rotation", id)
	p.fireLost(id)
}

// MarkUnhealthy removes an instance from rotation and launches a
// replacement asynchronously.
func (p *Pool) MarkUnhealthy(instanceID uuid.UUID) {
	p.mu.Lock()
	e, ok := p.instances[instanceID]
	if !ok {
		p.mu.Unlock()
		return
	}
	e.state = StateDegraded
	delete(p.instances, instanceID)
	closed := p.closed
	p.notifyAllLocked()
	p.mu.Unlock()

	log.Printf("[POOL] instance %s marked unhealthy", instanceID)
	go e.inst.Close()
	p.fireLost(instanceID)

	if !closed {
		go func() {
			ctx, cancel := context.WithTimeout(context.Background(), p.opts.LaunchTimeout*time.Duration(p.opts.LaunchAttempts))
			defer cancel()
			p.mu.Lock()
			if p.closed || len(p.instances)+p.launching >= p.opts.Size {
				p.mu.Unlock()
				return
			}
			p.launching++
			p.mu.Unlock()

			err := p.launch(ctx)

			p.mu.Lock()
			p.launching--
			p.notifyAllLocked()
			p.mu.Unlock()

			if err != nil {
				log.Printf("[POOL] replacement launch failed: %v", err)
			}
		}()
	}
}

func (p *Pool) fireLost(id uuid.UUID) {
	p.mu.Lock()
	hooks := make([]func(uuid.UUID), len(p.lostHooks))
	copy(hooks, p.lostHooks)
	p.mu.Unlock()
	for _, fn := range hooks {
		fn(id)
	}
}

func (p *Pool) release(instanceID uuid.UUID) {
	p.mu.Lock()
	if e, ok := p.instances[instanceID]; ok && e.load > 0 {
		e.load--
	}
	p.notifyOneLocked()
	p.mu.Unlock()
}

func (p *Pool) notifyOneLocked() {
	if len(p.waiters) == 0 {
		return
	}
	w := p.waiters[0]
	p.waiters = p.waiters[1:]
	select {
	case w <- struct{}{}:
	default:
	}
}

func (p *Pool) notifyAllLocked() {
	for _, w := range p.waiters {
		select {
		case w <- struct{}{}:
		default:
		}
	}
	p.waiters = nil
}

func (p *Pool) removeWaiter(wait chan struct{}) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i, w := range p.waiters {
		if w == wait {
			p.waiters = append(p.waiters[:i], p.waiters[i+1:]...)
			return
		}
	}
}

// InstanceStats is one instance's slice of the pool snapshot
// @Description Live state of one pooled browser instance
type InstanceStats struct {
	ID             uuid.UUID     `json:"id"`
	State          InstanceState `json:"state"`
	LaunchedAt     time.Time     `json:"launched_at"`
	ActiveContexts int           `json:"active_contexts"`
} //@name InstanceStats

// Stats is a point-in-time snapshot of the pool
// @Description Browser pool snapshot
type Stats struct {
	TargetSize          int             `json:"target_size"`
	ContextsPerInstance int             `json:"contexts_per_instance"`
	Instances           []InstanceStats `json:"instances"`
	Waiters             int             `json:"waiters"`
} //@name PoolStats

// Stats reports the current pool composition.
func (p *Pool) Stats() Stats {
	p.mu.Lock()
	defer p.mu.Unlock()

	st := Stats{
		TargetSize:          p.opts.Size,
		ContextsPerInstance: p.opts.ContextsPerInstance,
		Waiters:             len(p.waiters),
		Instances:           make([]InstanceStats, 0, len(p.instances)),
	}
	for _, e := range p.instances {
		st.Instances = append(st.Instances, InstanceStats{
			ID:             e.inst.ID(),
			State:          e.state,
			LaunchedAt:     e.inst.LaunchedAt(),
			ActiveContexts: e.load,
		})
	}
	return st
}

// Shutdown drains the pool: waiters fail with ErrPoolClosed and every
// instance is closed.
func (p *Pool) Shutdown(ctx context.Context) error {
	p.mu.Lock()
	if p.closed {
		p.mu.Unlock()
		return nil
	}
	p.closed = true
	insts := make([]browser.Instance, 0, len(p.instances))
	for id, e := range p.instances {
		insts = append(insts, e.inst)
		delete(p.instances, id)
	}
	p.notifyAllLocked()
	p.mu.Unlock()

	for _, inst := range insts {
		if err := inst.Close(); err != nil {
			log.Printf("[POOL] closing instance %s: %v", inst.ID(), err)
		}
	}
	return nil
}
