package pool

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pagepool/pagepool/internal/browser/browsertest"
)

func newTestPool(t *testing.T, driver *browsertest.Driver, opts Options) *Pool {
	t.Helper()
	if opts.LaunchAttempts == 0 {
		opts.LaunchAttempts = 1
	}
	if opts.LaunchTimeout == 0 {
		opts.LaunchTimeout = time.Second
	}
	p := New(driver, opts)
	t.Cleanup(func() { _ = p.Shutdown(context.Background()) })
	return p
}

func TestAcquireLaunchesLazily(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 2, ContextsPerInstance: 2})

	assert.Equal(t, 0, driver.Launches())

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	assert.Equal(t, 1, driver.Launches())
}

func TestAcquireReusesSpareCapacity(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 2, ContextsPerInstance: 2})

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer s1.Release()
	defer s2.Release()

	// Same instance still has a free slot; no second launch needed.
	assert.Equal(t, 1, driver.Launches())
	assert.Equal(t, s1.Instance().ID(), s2.Instance().ID())
}

func TestAcquireBlocksAtCapacity(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 1})

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)

	acquired := make(chan *Slot)
	go func() {
		s, err := p.Acquire(context.Background())
		require.NoError(t, err)
		acquired <- s
	}()

	select {
	case <-acquired:
		t.Fatal("second acquire should block at capacity")
	case <-time.After(50 * time.Millisecond):
	}

	s1.Release()

	select {
	case s := <-acquired:
		s.Release()
	case <-time.After(time.Second):
		t.Fatal("waiter never woke after release")
	}
}

func TestAcquireHonorsContext(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 1})

	s1, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer s1.Release()

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	_, err = p.Acquire(ctx)
	assert.ErrorIs(t, err, context.DeadlineExceeded)
}

func TestLaunchFailureIsProvisioningError(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.FailLaunches = 1
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 1})

	_, err := p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrProvisioning)

	// The pool itself keeps serving: the next acquire launches fine.
	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()
}

func TestLaunchRetries(t *testing.T) {
	driver := browsertest.NewDriver()
	driver.FailLaunches = 2
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 1, LaunchAttempts: 3})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	assert.Equal(t, 3, driver.Launches())
}

func TestInstanceCrashLeavesRotation(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 2})

	var mu sync.Mutex
	var lost int
	p.OnInstanceLost(func(id uuid.UUID) {
		mu.Lock()
		lost++
		mu.Unlock()
	})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	driver.Instances()[0].Kill()

	require.Eventually(t, func() bool {
		mu.Lock()
		defer mu.Unlock()
		return lost == 1
	}, time.Second, 10*time.Millisecond)

	assert.Empty(t, p.Stats().Instances)
	slot.Release()

	// The next acquire launches a fresh process.
	s2, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer s2.Release()
	assert.Equal(t, 2, driver.Launches())
}

func TestSilentDeathReplacedOnAcquire(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 2})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	slot.Release()

	// The process dies without any disconnect event; only the probe can
	// notice.
	driver.Instances()[0].Vanish()

	ctx, cancel := context.WithTimeout(context.Background(), time.Second)
	defer cancel()

	// The failed probe must free the slot in the size accounting so
	// this same acquire launches the replacement instead of parking.
	s2, err := p.Acquire(ctx)
	require.NoError(t, err)
	defer s2.Release()

	assert.Equal(t, 2, driver.Launches())
	assert.True(t, s2.Instance().Connected())
}

func TestMarkUnhealthyReplaces(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 1})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	id := slot.Instance().ID()
	slot.Release()

	p.MarkUnhealthy(id)

	require.Eventually(t, func() bool {
		st := p.Stats()
		return len(st.Instances) == 1 && st.Instances[0].ID != id
	}, time.Second, 10*time.Millisecond)
}

func TestSlotReleaseIdempotent(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 1, ContextsPerInstance: 1})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)

	slot.Release()
	slot.Release()

	st := p.Stats()
	require.Len(t, st.Instances, 1)
	assert.Equal(t, 0, st.Instances[0].ActiveContexts)
}

func TestStats(t *testing.T) {
	driver := browsertest.NewDriver()
	p := newTestPool(t, driver, Options{Size: 2, ContextsPerInstance: 3})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	st := p.Stats()
	assert.Equal(t, 2, st.TargetSize)
	assert.Equal(t, 3, st.ContextsPerInstance)
	require.Len(t, st.Instances, 1)
	assert.Equal(t, StateReady, st.Instances[0].State)
	assert.Equal(t, 1, st.Instances[0].ActiveContexts)
	assert.Equal(t, 6, p.Capacity())
}

func TestShutdownFailsWaiters(t *testing.T) {
	driver := browsertest.NewDriver()
	p := New(driver, Options{Size: 1, ContextsPerInstance: 1, LaunchAttempts: 1, LaunchTimeout: time.Second})

	slot, err := p.Acquire(context.Background())
	require.NoError(t, err)
	defer slot.Release()

	errCh := make(chan error)
	go func() {
		_, err := p.Acquire(context.Background())
		errCh <- err
	}()
	time.Sleep(20 * time.Millisecond)

	require.NoError(t, p.Shutdown(context.Background()))

	select {
	case err := <-errCh:
		assert.ErrorIs(t, err, ErrPoolClosed)
	case <-time.After(time.Second):
		t.Fatal("waiter never failed after shutdown")
	}

	_, err = p.Acquire(context.Background())
	assert.ErrorIs(t, err, ErrPoolClosed)
}
