package fuzzer

import (
	"context"
	"sync/atomic"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeInstance struct {
	id    string
	alive atomic.Bool

	saves     []string
	loads     int32
	resumes   int32
	shutdowns int32

	// onLoad runs before each load; lets tests kill guests mid-campaign.
	onLoad func(loads int32)

	loadErr error
}

func newFakeInstance(id string) *fakeInstance {
	instance := &fakeInstance{id: id}
	instance.alive.Store(true)

	return instance
}

func (f *fakeInstance) ID() string {
	return f.id
}

func (f *fakeInstance) Alive() bool {
	return f.alive.Load()
}

func (f *fakeInstance) SaveSnapshot(_ context.Context, tag string) error {
	f.saves = append(f.saves, tag)

	return nil
}

func (f *fakeInstance) LoadSnapshot(context.Context, string) error {
	if f.onLoad != nil {
		f.onLoad(atomic.LoadInt32(&f.loads))
	}
	if f.loadErr != nil {
		return f.loadErr
	}

	atomic.AddInt32(&f.loads, 1)

	return nil
}

func (f *fakeInstance) Resume(context.Context) error {
	atomic.AddInt32(&f.resumes, 1)

	return nil
}

func (f *fakeInstance) Shutdown() error {
	f.alive.Store(false)
	atomic.AddInt32(&f.shutdowns, 1)

	return nil
}

func poolOf(t *testing.T, instances ...*fakeInstance) *Pool {
	t.Helper()

	pool := &Pool{resets: map[string]uint64{}}
	for _, instance := range instances {
		pool.guests = append(pool.guests, instance)
		pool.all = append(pool.all, instance)
	}

	return pool
}

func TestStartPoolCapturesResetSnapshotThenResumes(t *testing.T) {
	created := map[string]*fakeInstance{}

	pool, err := StartPool(context.Background(), nil, 3, t.TempDir(), func(_ context.Context, vmPath string) (Instance, error) {
		instance := newFakeInstance(vmPath)
		created[vmPath] = instance

		return instance, nil
	}, nil)
	require.NoError(t, err)
	defer pool.Shutdown()

	require.Len(t, pool.Guests(), 3)
	require.Len(t, created, 3)

	for _, instance := range created {
		assert.Equal(t, []string{ResetTag}, instance.saves)
		assert.Equal(t, int32(1), atomic.LoadInt32(&instance.resumes))
	}
}

func TestStartPoolFailureShutsDownStartedGuests(t *testing.T) {
	var started []*fakeInstance

	_, err := StartPool(context.Background(), nil, 3, t.TempDir(), func(_ context.Context, vmPath string) (Instance, error) {
		if len(started) == 2 {
			return nil, assert.AnError
		}

		instance := newFakeInstance(vmPath)
		started = append(started, instance)

		return instance, nil
	}, nil)
	require.Error(t, err)

	for _, instance := range started {
		assert.Equal(t, int32(1), atomic.LoadInt32(&instance.shutdowns))
	}
}

func TestPruneDeadGuestsIsStable(t *testing.T) {
	a := newFakeInstance("a")
	b := newFakeInstance("b")
	c := newFakeInstance("c")
	d := newFakeInstance("d")
	b.alive.Store(false)
	d.alive.Store(false)

	pool := poolOf(t, a, b, c, d)

	survivors := pool.PruneDeadGuests()

	require.Len(t, survivors, 2)
	assert.Equal(t, "a", survivors[0].ID())
	assert.Equal(t, "c", survivors[1].ID())

	// Pruning again is a no-op.
	assert.Len(t, pool.PruneDeadGuests(), 2)
}

func TestRunShrinksPoolWhenGuestDies(t *testing.T) {
	a := newFakeInstance("a")
	b := newFakeInstance("b")
	c := newFakeInstance("c")

	// Guest b is killed externally during its second reset, so round 3's
	// prune drops it.
	b.onLoad = func(loads int32) {
		if loads >= 1 {
			b.alive.Store(false)
		}
	}

	pool := poolOf(t, a, b, c)

	require.NoError(t, pool.Run(context.Background(), 5, 0))

	assert.Equal(t, int32(5), atomic.LoadInt32(&a.loads))
	assert.Equal(t, int32(2), atomic.LoadInt32(&b.loads))
	assert.Equal(t, int32(5), atomic.LoadInt32(&c.loads))

	require.Len(t, pool.Guests(), 2)
	assert.Equal(t, "a", pool.Guests()[0].ID())
	assert.Equal(t, "c", pool.Guests()[1].ID())
}

func TestRunDropsGuestOnResetFailure(t *testing.T) {
	a := newFakeInstance("a")
	b := newFakeInstance("b")
	b.loadErr = assert.AnError

	pool := poolOf(t, a, b)

	require.NoError(t, pool.Run(context.Background(), 3, 0))

	assert.Equal(t, int32(3), atomic.LoadInt32(&a.loads))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.shutdowns))
	require.Len(t, pool.Guests(), 1)
	assert.Equal(t, "a", pool.Guests()[0].ID())
}

func TestRunFailsWithoutLiveGuests(t *testing.T) {
	a := newFakeInstance("a")
	a.alive.Store(false)

	pool := poolOf(t, a)

	assert.ErrorIs(t, pool.Run(context.Background(), 3, 0), ErrNoLiveGuests)
}

func TestShutdownTearsDownAllGuests(t *testing.T) {
	a := newFakeInstance("a")
	b := newFakeInstance("b")

	pool := poolOf(t, a, b)
	pool.Shutdown()

	assert.Equal(t, int32(1), atomic.LoadInt32(&a.shutdowns))
	assert.Equal(t, int32(1), atomic.LoadInt32(&b.shutdowns))
	assert.Empty(t, pool.Guests())
}
