package sysload

import (
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
)

func newTestMonitor(t *testing.T, cpu float64, memP float64, inboxes func() []int) (*Monitor, *bus.Bus) {
	t.Helper()
	b := bus.New(zerolog.Nop())
	m := NewMonitor(b, inboxes, clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop(),
		WithCPUProbe(func() (float64, error) { return cpu, nil }),
		WithMemProbe(func() float64 { return memP }),
	)
	return m, b
}

func TestLevelThresholds(t *testing.T) {
	assert.Equal(t, LevelNormal, levelFor(0.0))
	assert.Equal(t, LevelNormal, levelFor(0.69))
	assert.Equal(t, LevelElevated, levelFor(0.70))
	assert.Equal(t, LevelHigh, levelFor(0.85))
	assert.Equal(t, LevelCritical, levelFor(0.95))
	assert.Equal(t, LevelCritical, levelFor(1.0))
}

func TestMultipliers(t *testing.T) {
	assert.Equal(t, 1.0, LevelNormal.Multiplier())
	assert.Equal(t, 1.5, LevelElevated.Multiplier())
	assert.Equal(t, 3.0, LevelHigh.Multiplier())
	assert.Equal(t, 5.0, LevelCritical.Multiplier())
}

func TestBusPressureNormalization(t *testing.T) {
	assert.Equal(t, 1.0, busPressure(501, 0))
	assert.Equal(t, 0.85, busPressure(201, 0))
	assert.Equal(t, 0.7, busPressure(51, 0))
	assert.Equal(t, 0.5, busPressure(10, 21))
	assert.Equal(t, 0.3, busPressure(10, 6))
	assert.Equal(t, 0.04, busPressure(2, 2))
	assert.Equal(t, 0.0, busPressure(0, 0))
}

func TestMailboxPressureNormalization(t *testing.T) {
	assert.Equal(t, 1.0, mailboxPressure(1001, 0))
	assert.Equal(t, 0.9, mailboxPressure(501, 0))
	assert.Equal(t, 0.75, mailboxPressure(101, 0))
	assert.Equal(t, 0.6, mailboxPressure(10, 51))
	assert.Equal(t, 0.4, mailboxPressure(10, 21))
	assert.Equal(t, 0.1, mailboxPressure(10, 10))
}

func TestWeightsNormalize(t *testing.T) {
	w := Weights{CPU: 9, Bus: 6, Mailbox: 3, Mem: 2}.normalized()
	assert.InDelta(t, 0.45, w.CPU, 1e-9)
	assert.InDelta(t, 0.30, w.Bus, 1e-9)
	assert.InDelta(t, 0.15, w.Mailbox, 1e-9)
	assert.InDelta(t, 0.10, w.Mem, 1e-9)

	assert.Equal(t, DefaultWeights(), Weights{}.normalized())
}

func TestSampleBlendsAndPublishesOnChange(t *testing.T) {
	m, b := newTestMonitor(t, 1.0, 1.0, func() []int { return []int{2000} })
	sub := b.Subscribe(bus.TopicSystemLoad)

	m.sample()
	st := m.Current()
	// cpu=1, mem=1, mailbox=1, bus=0 on an idle bus.
	assert.InDelta(t, 0.70, st.Score, 1e-9)
	assert.Equal(t, LevelElevated, st.Level)
	assert.Equal(t, 1.5, st.Multiplier)

	ev := <-sub.C()
	assert.Equal(t, bus.KindSystemLoadChanged, ev.Kind)
	assert.Equal(t, LevelElevated, ev.Payload.(State).Level)

	// Same level again: no second publish.
	m.sample()
	select {
	case ev := <-sub.C():
		t.Fatalf("unexpected publish %+v", ev)
	default:
	}
}

func TestCPUSmoothing(t *testing.T) {
	readings := []float64{1.0, 0.0, 0.0, 0.0, 0.0}
	i := 0
	b := bus.New(zerolog.Nop())
	m := NewMonitor(b, nil, clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop(),
		WithCPUProbe(func() (float64, error) {
			v := readings[i%len(readings)]
			i++
			return v, nil
		}),
		WithMemProbe(func() float64 { return 0 }),
	)

	m.sample()
	first := m.Current().CPUPressure
	assert.InDelta(t, 1.0, first, 1e-9)

	// A single spike decays across the window instead of vanishing.
	m.sample()
	assert.InDelta(t, 0.5, m.Current().CPUPressure, 1e-9)
	for j := 0; j < 3; j++ {
		m.sample()
	}
	assert.InDelta(t, 0.2, m.Current().CPUPressure, 1e-9)
}

func TestRecoveryPublishesNormal(t *testing.T) {
	cpuVal := 1.0
	b := bus.New(zerolog.Nop())
	m := NewMonitor(b, nil, clock.NewFake(time.Unix(1_700_000_000, 0)), zerolog.Nop(),
		WithCPUProbe(func() (float64, error) { return cpuVal, nil }),
		WithMemProbe(func() float64 { return 1.0 }),
		WithWeights(Weights{CPU: 0.9, Mem: 0.1}),
	)
	sub := b.Subscribe(bus.TopicSystemLoad)

	m.sample()
	require.Equal(t, LevelCritical, m.Current().Level)
	assert.Equal(t, LevelCritical, (<-sub.C()).Payload.(State).Level)

	cpuVal = 0.0
	for j := 0; j < cpuWindow; j++ {
		m.sample()
	}
	require.Equal(t, LevelNormal, m.Current().Level)

	// The transition down was published exactly once per level change.
	var levels []Level
	for {
		select {
		case ev := <-sub.C():
			levels = append(levels, ev.Payload.(State).Level)
		default:
			require.NotEmpty(t, levels)
			assert.Equal(t, LevelNormal, levels[len(levels)-1])
			return
		}
	}
}
