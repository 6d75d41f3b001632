package sensor

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

func newTestRegistry(t *testing.T, cfg RegistryConfig, clk clock.Clock) (*Registry, *bus.Bus) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	r := NewRegistry(cfg, b, vocab.Default(), clk, nil, zerolog.Nop())
	t.Cleanup(r.Shutdown)
	return r, b
}

func TestLocateOrCreateReusesActor(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{}, clock.NewFake(time.Unix(1_700_000_000, 0)))

	a1, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)
	a2, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-b")
	require.NoError(t, err)

	assert.Same(t, a1, a2)
	assert.Equal(t, 1, r.Count())

	got, ok := r.Locate("S1")
	require.True(t, ok)
	assert.Same(t, a1, got)

	_, ok = r.Locate("S9")
	assert.False(t, ok)
}

func TestConcurrentLocateOrCreateSingleActor(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{}, clock.NewFake(time.Unix(1_700_000_000, 0)))

	const callers = 16
	actors := make([]*Actor, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			a, err := r.LocateOrCreate(Meta{SensorID: "shared"}, "sess")
			require.NoError(t, err)
			actors[i] = a
		}(i)
	}
	wg.Wait()

	assert.Equal(t, 1, r.Count())
	for i := 1; i < callers; i++ {
		assert.Same(t, actors[0], actors[i])
	}
}

func TestReleaseTearsDownAfterGrace(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceDelay: MinGraceDelay}, clock.NewFake(time.Unix(1_700_000_000, 0)))

	a, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)
	r.Release("S1", "sess-a")

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor survived past the grace delay")
	}
	assert.Equal(t, 0, r.Count())
}

func TestReattachWithinGraceKeepsActor(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceDelay: 150 * time.Millisecond}, clock.NewFake(time.Unix(1_700_000_000, 0)))

	a1, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)
	require.NoError(t, a1.IngestOne(context.Background(), Measurement{AttributeID: "heartrate", Payload: 70.0, TimestampMS: 1}))

	r.Release("S1", "sess-a")

	// Reconnect before the grace delay fires; history must survive.
	a2, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a2")
	require.NoError(t, err)
	assert.Same(t, a1, a2)

	time.Sleep(300 * time.Millisecond)
	assert.Equal(t, 1, r.Count())

	ms, err := a2.GetAttribute(context.Background(), "heartrate", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, ms, 1)
}

func TestDataSubscriberBlocksTeardown(t *testing.T) {
	r, b := newTestRegistry(t, RegistryConfig{GraceDelay: MinGraceDelay}, clock.NewFake(time.Unix(1_700_000_000, 0)))

	_, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)

	sub := b.Subscribe(bus.DataTopic("S1"))
	r.Release("S1", "sess-a")

	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, r.Count())

	b.Unsubscribe(sub)
}

func TestRemainingRefBlocksTeardown(t *testing.T) {
	r, _ := newTestRegistry(t, RegistryConfig{GraceDelay: MinGraceDelay}, clock.NewFake(time.Unix(1_700_000_000, 0)))

	_, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)
	_, err = r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-b")
	require.NoError(t, err)

	r.Release("S1", "sess-a")
	time.Sleep(200 * time.Millisecond)
	assert.Equal(t, 1, r.Count())
}

func TestCrashRestartsWithEmptyState(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r, _ := newTestRegistry(t, RegistryConfig{}, clk)

	a1, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)
	require.NoError(t, a1.IngestOne(context.Background(), Measurement{AttributeID: "heartrate", Payload: 70.0, TimestampMS: 1}))

	r.handleCrash("S1", "boom")

	require.Eventually(t, func() bool {
		a, ok := r.Locate("S1")
		return ok && a != a1
	}, time.Second, 10*time.Millisecond, "replacement actor not started")

	a2, ok := r.Locate("S1")
	require.True(t, ok)
	snap, err := a2.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Empty(t, snap.Counts)
	assert.Equal(t, 0, snap.Stats.HotEntries)
}

func TestRepeatedCrashesPoisonSensor(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r, _ := newTestRegistry(t, RegistryConfig{RestartLimit: 5, RestartWindow: 10 * time.Second, PoisonDuration: 30 * time.Second}, clk)

	_, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)

	for i := 0; i < 6; i++ {
		r.handleCrash("S1", "boom")
		clk.Advance(time.Second)
	}

	_, err = r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-b")
	var poisoned *PoisonedError
	require.ErrorAs(t, err, &poisoned)
	assert.Equal(t, "S1", poisoned.SensorID)
	assert.Equal(t, 0, r.Count())

	// Once the poison expires the id is usable again.
	clk.Advance(31 * time.Second)
	a, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-b")
	require.NoError(t, err)
	assert.NotNil(t, a)
}

func TestCrashesOutsideWindowDoNotPoison(t *testing.T) {
	clk := clock.NewFake(time.Unix(1_700_000_000, 0))
	r, _ := newTestRegistry(t, RegistryConfig{RestartLimit: 5, RestartWindow: 10 * time.Second}, clk)

	_, err := r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-a")
	require.NoError(t, err)

	// Six crashes spread wider than the window never trip the limit.
	for i := 0; i < 6; i++ {
		r.handleCrash("S1", "boom")
		clk.Advance(11 * time.Second)
		require.Eventually(t, func() bool {
			_, ok := r.Locate("S1")
			return ok
		}, time.Second, 10*time.Millisecond)
	}

	_, err = r.LocateOrCreate(Meta{SensorID: "S1"}, "sess-b")
	assert.NoError(t, err)
}
