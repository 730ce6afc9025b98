package sessions

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pagepool/pagepool/internal/browser"
	"github.com/pagepool/pagepool/internal/pool"
)

// ErrSessionGone is returned when a keyed session was destroyed while
// a caller was waiting to lease it.
var ErrSessionGone = errors.New("session destroyed")

// Options configure the session manager.
type Options struct {
	// IdleTimeout is how long a keyed session may sit unused before
	// the reaper closes it.
	IdleTimeout time.Duration

	// ReaperInterval is how often idle sessions are swept.
	ReaperInterval time.Duration
}

type session struct {
	id         uuid.UUID
	key        string
	instanceID uuid.UUID
	bctx       browser.Context
	slot       *pool.Slot

	createdAt time.Time
	idleSince time.Time

	// token is the exclusive-use lock: holding the token is holding
	// the lease. Buffered with one token.
	token chan struct{}

	// gone is closed on destruction so every parked waiter wakes, not
	// just the one a token hand-back would reach.
	gone chan struct{}

	dead   bool
	closed bool
}

// Manager creates and tears down isolated browsing contexts on pooled
// instances. Contexts are either per-task (stateless) or keyed by a
// caller-supplied session identifier and reused until idle timeout.
type Manager struct {
	pool *pool.Pool
	opts Options

	mu         sync.Mutex
	keyed      map[string]*session
	byInstance map[uuid.UUID]map[*session]struct{}

	stopOnce sync.Once
	stopCh   chan struct{}
	done     chan struct{}
}

// NewManager builds the manager and subscribes to pool instance-loss
// events so a dead browser process invalidates exactly its own
// contexts.
func NewManager(p *pool.Pool, opts Options) *Manager {
	if opts.IdleTimeout <= 0 {
		opts.IdleTimeout = 5 * time.Minute
	}
	if opts.ReaperInterval <= 0 {
		opts.ReaperInterval = 30 * time.Second
	}
	m := &Manager{
		pool:       p,
		opts:       opts,
		keyed:      make(map[string]*session),
		byInstance: make(map[uuid.UUID]map[*session]struct{}),
		stopCh:     make(chan struct{}),
		done:       make(chan struct{}),
	}
	p.OnInstanceLost(m.invalidateInstance)
	go m.reap()
	return m
}

// Lease is exclusive access to one browsing context for the duration
// of a task.
type Lease struct {
	mgr  *Manager
	sess *session

	mu       sync.Mutex
	released bool
}

// Context returns the leased browsing context.
func (l *Lease) Context() browser.Context { return l.sess.bctx }

// InstanceID identifies the browser process backing the lease.
func (l *Lease) InstanceID() uuid.UUID { return l.sess.instanceID }

// SessionKey is the reuse key, empty for stateless leases.
func (l *Lease) SessionKey() string { return l.sess.key }

// OpenContext returns an exclusive lease on a browsing context. An
// empty sessionKey yields a fresh context destroyed on release; a
// non-empty key reuses (or creates) the keyed session, waiting if
// another task currently holds it.
func (m *Manager) OpenContext(ctx context.Context, sessionKey string) (*Lease, error) {
	if sessionKey == "" {
		sess, err := m.createSession(ctx, "")
		if err != nil {
			return nil, err
		}
		<-sess.token
		return &Lease{mgr: m, sess: sess}, nil
	}

	for {
		m.mu.Lock()
		sess, ok := m.keyed[sessionKey]
		if !ok || sess.dead {
			m.mu.Unlock()
			if ok {
				m.destroySession(sess)
			}
			created, err := m.createSession(ctx, sessionKey)
			if err != nil {
				return nil, err
			}
			m.mu.Lock()
			if cur, exists := m.keyed[sessionKey]; exists && !cur.dead {
				// Lost the creation race; discard ours and lease the
				// winner.
				m.mu.Unlock()
				m.destroySession(created)
				continue
			}
			m.keyed[sessionKey] = created
			m.mu.Unlock()
			<-created.token
			return &Lease{mgr: m, sess: created}, nil
		}
		m.mu.Unlock()

		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-sess.gone:
			// Destroyed while we waited; loop and create or join the
			// replacement.
			continue
		case <-sess.token:
			m.mu.Lock()
			dead := sess.dead
			m.mu.Unlock()
			if dead {
				m.destroySession(sess)
				continue
			}
			return &Lease{mgr: m, sess: sess}, nil
		}
	}
}

func (m *Manager) createSession(ctx context.Context, key string) (*session, error) {
	slot, err := m.pool.Acquire(ctx)
	if err != nil {
		return nil, err
	}

	bctx, err := slot.Instance().NewContext(ctx)
	if err != nil {
		slot.Release()
		if browser.IsDisconnect(err) {
			m.pool.MarkUnhealthy(slot.Instance().ID())
		}
		return nil, fmt.Errorf("open context: %w", err)
	}

	sess := &session{
		id:         uuid.New(),
		key:        key,
		instanceID: slot.Instance().ID(),
		bctx:       bctx,
		slot:       slot,
		createdAt:  time.Now(),
		idleSince:  time.Now(),
		token:      make(chan struct{}, 1),
		gone:       make(chan struct{}),
	}
	sess.token <- struct{}{}

	m.mu.Lock()
	set, ok := m.byInstance[sess.instanceID]
	if !ok {
		set = make(map[*session]struct{})
		m.byInstance[sess.instanceID] = set
	}
	set[sess] = struct{}{}
	m.mu.Unlock()

	return sess, nil
}

// Release ends a lease. Stateless sessions are destroyed; keyed
// sessions restart their idle clock unless contaminated, in which case
// the context is torn down and the key forgotten.
func (m *Manager) Release(l *Lease, contaminated bool) {
	l.mu.Lock()
	if l.released {
		l.mu.Unlock()
		return
	}
	l.released = true
	l.mu.Unlock()

	sess := l.sess

	m.mu.Lock()
	dead := sess.dead
	m.mu.Unlock()

	if sess.key == "" || contaminated || dead {
		m.destroySession(sess)
		return
	}

	m.mu.Lock()
	sess.idleSince = time.Now()
	m.mu.Unlock()
	// Hand the token back: next waiter (if any) gets the lease.
	select {
	case sess.token <- struct{}{}:
	default:
	}
}

// destroySession closes the context and returns the slot. Idempotent:
// the instance-loss hook and a contaminated release may both arrive.
func (m *Manager) destroySession(sess *session) {
	m.mu.Lock()
	if sess.closed {
		m.mu.Unlock()
		return
	}
	sess.closed = true
	sess.dead = true
	if sess.key != "" && m.keyed[sess.key] == sess {
		delete(m.keyed, sess.key)
	}
	if set, ok := m.byInstance[sess.instanceID]; ok {
		delete(set, sess)
		if len(set) == 0 {
			delete(m.byInstance, sess.instanceID)
		}
	}
	m.mu.Unlock()

	if err := sess.bctx.Close(); err != nil && !browser.IsDisconnect(err) {
		log.Printf("[SESSIONS] closing context %s: %v", sess.id, err)
	}
	sess.slot.Release()
	// Wake every parked waiter at once; a single token hand-back would
	// strand all but one of them on a dead session.
	close(sess.gone)
}

// invalidateInstance drops every session on a lost instance. Slots on
// a removed instance release as no-ops; in-flight tasks observe the
// disconnect through their own operation errors.
func (m *Manager) invalidateInstance(instanceID uuid.UUID) {
	m.mu.Lock()
	set := m.byInstance[instanceID]
	victims := make([]*session, 0, len(set))
	for sess := range set {
		sess.dead = true
		victims = append(victims, sess)
	}
	m.mu.Unlock()

	if len(victims) > 0 {
		log.Printf("[SESSIONS] instance %s lost, invalidating %d context(s)", instanceID, len(victims))
	}
	for _, sess := range victims {
		m.destroySession(sess)
	}
}

// DestroySession tears down a keyed session by key. A session in use
// is marked dead and torn down when its current task releases it.
func (m *Manager) DestroySession(key string) bool {
	m.mu.Lock()
	sess, ok := m.keyed[key]
	if !ok {
		m.mu.Unlock()
		return false
	}
	m.mu.Unlock()

	select {
	case <-sess.token:
		// Idle: safe to destroy now.
		m.destroySession(sess)
	default:
		// Leased: flag it; Release will see dead and destroy.
		m.mu.Lock()
		sess.dead = true
		m.mu.Unlock()
	}
	return true
}

// Info describes one keyed session
// @Description Keyed browsing session metadata
type Info struct {
	Key        string    `json:"session_id"`
	InstanceID uuid.UUID `json:"instance_id"`
	CreatedAt  time.Time `json:"created_at"`
	IdleSince  time.Time `json:"idle_since"`
	InUse      bool      `json:"in_use"`
} //@name SessionInfo

// List returns metadata for all live keyed sessions.
func (m *Manager) List() []Info {
	m.mu.Lock()
	defer m.mu.Unlock()

	infos := make([]Info, 0, len(m.keyed))
	for key, sess := range m.keyed {
		if sess.dead {
			continue
		}
		infos = append(infos, Info{
			Key:        key,
			InstanceID: sess.instanceID,
			CreatedAt:  sess.createdAt,
			IdleSince:  sess.idleSince,
			InUse:      len(sess.token) == 0,
		})
	}
	return infos
}

func (m *Manager) reap() {
	defer close(m.done)
	ticker := time.NewTicker(m.opts.ReaperInterval)
	defer ticker.Stop()

	for {
		select {
		case <-m.stopCh:
			return
		case <-ticker.C:
			m.reapIdle(time.Now())
		}
	}
}

// reapIdle closes keyed sessions idle past the deadline. Sessions
// currently leased are skipped regardless of clock.
func (m *Manager) reapIdle(now time.Time) {
	m.mu.Lock()
	var victims []*session
	for _, sess := range m.keyed {
		if sess.dead {
			continue
		}
		if len(sess.token) == 0 {
			continue // leased
		}
		if now.Sub(sess.idleSince) >= m.opts.IdleTimeout {
			victims = append(victims, sess)
		}
	}
	m.mu.Unlock()

	for _, sess := range victims {
		// Take the token so a racing lease either beats us (and the
		// session survives) or waits and finds it dead.
		select {
		case <-sess.token:
			log.Printf("[SESSIONS] reaping idle session %q", sess.key)
			m.destroySession(sess)
		default:
		}
	}
}

// Shutdown stops the reaper and destroys every session.
func (m *Manager) Shutdown(ctx context.Context) error {
	m.stopOnce.Do(func() { close(m.stopCh) })
	select {
	case <-m.done:
	case <-ctx.Done():
		return ctx.Err()
	}

	m.mu.Lock()
	victims := make([]*session, 0, len(m.keyed))
	for _, sess := range m.keyed {
		victims = append(victims, sess)
	}
	m.mu.Unlock()

	for _, sess := range victims {
		m.destroySession(sess)
	}
	return nil
}
