package sysload

import (
	"context"
	"math/rand"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
	"github.com/shirou/gopsutil/v3/cpu"
	"github.com/shirou/gopsutil/v3/mem"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
)

// Level is the coarse resource-pressure signal. Ordered normal < elevated <
// high < critical.
type Level string

const (
	LevelNormal   Level = "normal"
	LevelElevated Level = "elevated"
	LevelHigh     Level = "high"
	LevelCritical Level = "critical"
)

var levelRank = map[Level]int{
	LevelNormal:   0,
	LevelElevated: 1,
	LevelHigh:     2,
	LevelCritical: 3,
}

// Rank maps the level onto 0..3 for gauges.
func (l Level) Rank() int { return levelRank[l] }

// Multiplier is the batch-window stretch factor connectors apply under load.
func (l Level) Multiplier() float64 {
	switch l {
	case LevelElevated:
		return 1.5
	case LevelHigh:
		return 3.0
	case LevelCritical:
		return 5.0
	default:
		return 1.0
	}
}

// State is one full load sample, published on system:load when the level
// changes.
type State struct {
	Level           Level   `json:"level"`
	Score           float64 `json:"score"`
	CPUPressure     float64 `json:"cpu_pressure"`
	BusPressure     float64 `json:"bus_pressure"`
	MailboxPressure float64 `json:"mailbox_pressure"`
	MemPressure     float64 `json:"mem_pressure"`
	Multiplier      float64 `json:"multiplier"`
	SampledAtMS     int64   `json:"sampled_at"`
}

// Weights blend the four pressure signals. They are normalized before use so
// config typos cannot push the score past 1.
type Weights struct {
	CPU     float64 `json:"cpu"`
	Bus     float64 `json:"bus"`
	Mailbox float64 `json:"mailbox"`
	Mem     float64 `json:"mem"`
}

// DefaultWeights favor CPU: it is the one signal that degrades every
// component at once.
func DefaultWeights() Weights {
	return Weights{CPU: 0.45, Bus: 0.30, Mailbox: 0.15, Mem: 0.10}
}

func (w Weights) normalized() Weights {
	sum := w.CPU + w.Bus + w.Mailbox + w.Mem
	if sum <= 0 {
		return DefaultWeights()
	}
	return Weights{CPU: w.CPU / sum, Bus: w.Bus / sum, Mailbox: w.Mailbox / sum, Mem: w.Mem / sum}
}

const (
	// DefaultTick is the sampling period.
	DefaultTick = 2 * time.Second
	// cpuWindow smooths CPU over the last samples; instantaneous spikes
	// should not flip the level.
	cpuWindow = 5
	// inboxSampleLimit caps how many actor inboxes one sample inspects.
	inboxSampleLimit = 20
)

// levelFor maps a blended score onto a level.
func levelFor(score float64) Level {
	switch {
	case score >= 0.95:
		return LevelCritical
	case score >= 0.85:
		return LevelHigh
	case score >= 0.70:
		return LevelElevated
	default:
		return LevelNormal
	}
}

// busPressure normalizes bus mailbox depths onto 0..1. The max depth
// dominates: one wedged subscriber is a problem even when the average is
// fine.
func busPressure(maxDepth int, avgDepth float64) float64 {
	switch {
	case maxDepth > 500:
		return 1.0
	case maxDepth > 200:
		return 0.85
	case maxDepth > 50:
		return 0.7
	case avgDepth > 20:
		return 0.5
	case avgDepth > 5:
		return 0.3
	default:
		return avgDepth / 50
	}
}

// mailboxPressure normalizes actor inbox depths onto 0..1.
func mailboxPressure(maxDepth int, avgDepth float64) float64 {
	switch {
	case maxDepth > 1000:
		return 1.0
	case maxDepth > 500:
		return 0.9
	case maxDepth > 100:
		return 0.75
	case avgDepth > 50:
		return 0.6
	case avgDepth > 20:
		return 0.4
	default:
		return avgDepth / 100
	}
}

// Monitor samples runtime pressure on a fixed tick and publishes level
// transitions on system:load. Current() is safe from any goroutine.
type Monitor struct {
	b       *bus.Bus
	inboxes func() []int
	clk     clock.Clock
	logger  zerolog.Logger

	tick    time.Duration
	weights Weights

	cpuProbe func() (float64, error)
	memProbe func() float64

	cpuSamples []float64

	current atomic.Value // State

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option tweaks monitor behavior, mostly for tests.
type Option func(*Monitor)

func WithTick(d time.Duration) Option                 { return func(m *Monitor) { m.tick = d } }
func WithWeights(w Weights) Option                    { return func(m *Monitor) { m.weights = w } }
func WithCPUProbe(p func() (float64, error)) Option   { return func(m *Monitor) { m.cpuProbe = p } }
func WithMemProbe(p func() float64) Option            { return func(m *Monitor) { m.memProbe = p } }

// NewMonitor creates a monitor. inboxes supplies current actor inbox depths;
// nil means no actors are sampled.
func NewMonitor(b *bus.Bus, inboxes func() []int, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Monitor {
	m := &Monitor{
		b:        b,
		inboxes:  inboxes,
		clk:      clk,
		logger:   logger.With().Str("component", "sysload_monitor").Logger(),
		tick:     DefaultTick,
		weights:  DefaultWeights(),
		cpuProbe: probeCPU,
		memProbe: probeMem,
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.weights = m.weights.normalized()
	m.current.Store(State{Level: LevelNormal, Multiplier: 1.0})
	return m
}

// Start launches the sampling loop.
func (m *Monitor) Start(ctx context.Context) {
	go func() {
		defer close(m.done)
		ticker := time.NewTicker(m.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				m.sample()
			case <-ctx.Done():
				return
			case <-m.stop:
				return
			}
		}
	}()
}

// Stop halts the sampling loop. Idempotent.
func (m *Monitor) Stop() {
	m.stopOnce.Do(func() { close(m.stop) })
	<-m.done
}

// Current returns the latest sampled state.
func (m *Monitor) Current() State {
	return m.current.Load().(State)
}

// sample takes one reading, updates the cache and publishes when the level
// moved.
func (m *Monitor) sample() {
	cpuP := m.smoothedCPU()
	busP := busPressure(m.b.MaxMailboxDepth(), m.b.AvgMailboxDepth())
	mailboxP := m.sampleMailboxes()
	memP := m.memProbe()

	score := m.weights.CPU*cpuP + m.weights.Bus*busP + m.weights.Mailbox*mailboxP + m.weights.Mem*memP
	level := levelFor(score)

	prev := m.Current()
	next := State{
		Level:           level,
		Score:           score,
		CPUPressure:     cpuP,
		BusPressure:     busP,
		MailboxPressure: mailboxP,
		MemPressure:     memP,
		Multiplier:      level.Multiplier(),
		SampledAtMS:     m.clk.NowUnixMilli(),
	}
	m.current.Store(next)

	metrics.SystemLoadScore.Set(score)
	metrics.SystemLoadLevel.Set(float64(level.Rank()))

	if level != prev.Level {
		m.logger.Info().
			Str("level", string(level)).
			Float64("score", score).
			Float64("cpu", cpuP).
			Float64("bus", busP).
			Float64("mailbox", mailboxP).
			Float64("mem", memP).
			Msg("System load level changed")
		m.b.Publish(bus.TopicSystemLoad, bus.Event{Kind: bus.KindSystemLoadChanged, Payload: next})
	}
}

func (m *Monitor) smoothedCPU() float64 {
	v, err := m.cpuProbe()
	if err != nil {
		m.logger.Warn().Err(err).Msg("CPU probe failed")
	} else {
		m.cpuSamples = append(m.cpuSamples, v)
		if len(m.cpuSamples) > cpuWindow {
			m.cpuSamples = m.cpuSamples[len(m.cpuSamples)-cpuWindow:]
		}
	}
	if len(m.cpuSamples) == 0 {
		return 0
	}
	sum := 0.0
	for _, s := range m.cpuSamples {
		sum += s
	}
	return sum / float64(len(m.cpuSamples))
}

func (m *Monitor) sampleMailboxes() float64 {
	if m.inboxes == nil {
		return 0
	}
	depths := m.inboxes()
	if len(depths) == 0 {
		return 0
	}
	if len(depths) > inboxSampleLimit {
		rand.Shuffle(len(depths), func(i, j int) { depths[i], depths[j] = depths[j], depths[i] })
		depths = depths[:inboxSampleLimit]
	}
	maxDepth, sum := 0, 0
	for _, d := range depths {
		if d > maxDepth {
			maxDepth = d
		}
		sum += d
	}
	return mailboxPressure(maxDepth, float64(sum)/float64(len(depths)))
}

// probeCPU reads aggregate utilization since the previous call, 0..1.
func probeCPU() (float64, error) {
	percents, err := cpu.Percent(0, false)
	if err != nil || len(percents) == 0 {
		return 0, err
	}
	return percents[0] / 100, nil
}

// probeMem prefers the host view; inside a container the cgroup limit wins
// over the host total.
func probeMem() float64 {
	if limit, err := cgroupMemoryLimit(); err == nil && limit > 0 {
		return cgroupMemoryPressure(limit)
	}
	vm, err := mem.VirtualMemory()
	if err != nil || vm.Total == 0 {
		return 0
	}
	return 1 - float64(vm.Available)/float64(vm.Total)
}
