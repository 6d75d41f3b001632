package sensor

import (
	"context"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

func newTestActor(t *testing.T, b *bus.Bus) *Actor {
	t.Helper()
	a := NewActor(
		Meta{SensorID: "S1", SensorName: "bench rig", SensorType: "biometric"},
		ActorConfig{HotCapacity: 8, WarmCapacity: 8},
		b, vocab.Default(), clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop(), nil,
	)
	t.Cleanup(a.Terminate)
	return a
}

func TestIngestOnePublishesToDataTopic(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe(bus.DataTopic("S1"))
	a := newTestActor(t, b)

	err := a.IngestOne(context.Background(), Measurement{
		AttributeID: "heartrate", Payload: 72.0, TimestampMS: 1000,
	})
	require.NoError(t, err)

	ev := <-sub.C()
	assert.Equal(t, bus.KindMeasurement, ev.Kind)
	got, ok := ev.Payload.(Measurement)
	require.True(t, ok)
	assert.Equal(t, "S1", got.SensorID)
	assert.Equal(t, "heartrate", got.AttributeID)
	assert.EqualValues(t, 1000, got.TimestampMS)

	last, err := a.GetAttribute(context.Background(), "heartrate", nil, nil, 0)
	require.NoError(t, err)
	require.Len(t, last, 1)
	assert.Equal(t, 72.0, last[0].Payload)
}

func TestIngestOneRejectsInvalid(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe(bus.DataTopic("S1"))
	a := newTestActor(t, b)
	ctx := context.Background()

	err := a.IngestOne(ctx, Measurement{AttributeID: "heartrate", TimestampMS: 1})
	assert.ErrorIs(t, err, ErrMissingFields)

	err = a.IngestOne(ctx, Measurement{AttributeID: "no such attr!", Payload: 1.0, TimestampMS: 1})
	assert.ErrorIs(t, err, ErrInvalidAttributeID)

	// Nothing reached the bus and nothing was stored.
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, snap.Stats.HotEntries)
}

func TestIngestBatchMixedValidity(t *testing.T) {
	// Three valid entries interleaved with two bad ones: the valid subset is
	// applied in order and subscribers see exactly one batch event.
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe(bus.DataTopic("S1"))
	a := newTestActor(t, b)

	res, err := a.IngestBatch(context.Background(), []Measurement{
		{AttributeID: "ecg", Payload: 0.1, TimestampMS: 1},
		{AttributeID: "???", Payload: 0.2, TimestampMS: 2},
		{AttributeID: "ecg", Payload: 0.3, TimestampMS: 3},
		{AttributeID: "ecg", Payload: nil, TimestampMS: 4},
		{AttributeID: "ecg", Payload: 0.5, TimestampMS: 5},
	})
	require.NoError(t, err)
	assert.Equal(t, BatchResult{Valid: 3, Invalid: 2}, res)

	ev := <-sub.C()
	assert.Equal(t, bus.KindMeasurementBatch, ev.Kind)
	batch, ok := ev.Payload.([]Measurement)
	require.True(t, ok)
	assert.Equal(t, []int64{1, 3, 5}, timestamps(batch))

	select {
	case ev := <-sub.C():
		t.Fatalf("expected a single batch event, got extra %+v", ev)
	default:
	}
}

func TestIngestBatchAllInvalid(t *testing.T) {
	b := bus.New(zerolog.Nop())
	a := newTestActor(t, b)

	res, err := a.IngestBatch(context.Background(), []Measurement{
		{AttributeID: "nope nope", Payload: 1.0, TimestampMS: 1},
		{AttributeID: "heartrate"},
	})
	var batchErr *BatchError
	require.ErrorAs(t, err, &batchErr)
	assert.Equal(t, 2, batchErr.FailedCount)
	assert.Equal(t, BatchResult{Invalid: 2}, res)
}

func TestNewAttributePublishesNewState(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe(bus.SignalTopic("S1"))
	a := newTestActor(t, b)
	ctx := context.Background()

	require.NoError(t, a.IngestOne(ctx, Measurement{AttributeID: "imu", Payload: 1.0, TimestampMS: 1}))
	ev := <-sub.C()
	assert.Equal(t, bus.KindNewState, ev.Kind)

	// Same attribute again is not a shape change.
	require.NoError(t, a.IngestOne(ctx, Measurement{AttributeID: "imu", Payload: 2.0, TimestampMS: 2}))
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected event %+v", ev)
	default:
	}
}

func TestUpdateAttributes(t *testing.T) {
	b := bus.New(zerolog.Nop())
	sub := b.Subscribe(bus.SignalTopic("S1"))
	a := newTestActor(t, b)
	ctx := context.Background()

	err := a.UpdateAttributes(ctx, vocab.ActionAdd, "temperature", map[string]any{"unit": "celsius"})
	require.NoError(t, err)
	assert.Equal(t, bus.KindNewState, (<-sub.C()).Kind)

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	require.Contains(t, snap.Attributes, "temperature")
	assert.Equal(t, "celsius", snap.Attributes["temperature"].Metadata["unit"])

	require.NoError(t, a.IngestOne(ctx, Measurement{AttributeID: "temperature", Payload: 20.0, TimestampMS: 1}))
	require.NoError(t, a.UpdateAttributes(ctx, vocab.ActionRemove, "temperature", nil))

	snap, err = a.Snapshot(ctx)
	require.NoError(t, err)
	assert.NotContains(t, snap.Attributes, "temperature")
	assert.Equal(t, 0, snap.Stats.HotEntries)

	err = a.UpdateAttributes(ctx, "rename", "temperature", nil)
	assert.ErrorIs(t, err, ErrInvalidAction)
	err = a.UpdateAttributes(ctx, vocab.ActionAdd, "bad id", nil)
	assert.ErrorIs(t, err, ErrInvalidAttributeID)
}

func TestSnapshotReflectsIngest(t *testing.T) {
	b := bus.New(zerolog.Nop())
	a := newTestActor(t, b)
	ctx := context.Background()

	for ts := int64(1); ts <= 5; ts++ {
		require.NoError(t, a.IngestOne(ctx, Measurement{AttributeID: "heartrate", Payload: float64(60 + ts), TimestampMS: ts}))
	}
	require.NoError(t, a.IngestOne(ctx, Measurement{AttributeID: "battery", Payload: 0.8, TimestampMS: 9}))

	snap, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Equal(t, "S1", snap.SensorID)
	assert.Equal(t, "bench rig", snap.SensorName)
	assert.EqualValues(t, 5, snap.Counts["heartrate"])
	assert.EqualValues(t, 1, snap.Counts["battery"])
	assert.EqualValues(t, 5, snap.Last["heartrate"].TimestampMS)
	assert.Equal(t, 6, snap.Stats.HotEntries)

	// The snapshot is a copy; mutating it must not leak back.
	snap.Attributes["heartrate"] = AttributeMeta{AttributeID: "heartrate", Metadata: map[string]any{"x": 1}}
	again, err := a.Snapshot(ctx)
	require.NoError(t, err)
	assert.Nil(t, again.Attributes["heartrate"].Metadata)
}

func TestTerminateStopsActor(t *testing.T) {
	b := bus.New(zerolog.Nop())
	a := NewActor(Meta{SensorID: "S2"}, ActorConfig{}, b, vocab.Default(),
		clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop(), nil)

	require.NoError(t, a.IngestOne(context.Background(), Measurement{AttributeID: "button", Payload: true, TimestampMS: 1}))
	a.Terminate()

	select {
	case <-a.Done():
	case <-time.After(time.Second):
		t.Fatal("actor loop did not exit")
	}

	err := a.IngestOne(context.Background(), Measurement{AttributeID: "button", Payload: true, TimestampMS: 2})
	assert.ErrorIs(t, err, ErrActorStopped)

	// Terminate is idempotent.
	a.Terminate()
}

func TestCrashInvokesHandler(t *testing.T) {
	b := bus.New(zerolog.Nop())
	crashed := make(chan string, 1)
	a := NewActor(Meta{SensorID: "S3"}, ActorConfig{}, b, vocab.Default(),
		clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop(),
		func(sensorID string, cause any) { crashed <- sensorID })

	// A closed reply channel makes the loop panic on its reply send.
	poison := make(chan error)
	close(poison)
	a.inbox <- ingestOneMsg{m: Measurement{AttributeID: "heartrate", Payload: 1.0, TimestampMS: 1}, reply: poison}

	select {
	case id := <-crashed:
		assert.Equal(t, "S3", id)
	case <-time.After(time.Second):
		t.Fatal("crash handler not invoked")
	}
	<-a.Done()
}
