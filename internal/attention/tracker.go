package attention

import (
	"context"
	"sync"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
)

const (
	// DefaultTick drives periodic re-evaluation and observer eviction.
	DefaultTick = 1 * time.Second
	// DefaultObserverTTL evicts observers that stopped signalling. Browsers
	// close tabs without saying goodbye.
	DefaultObserverTTL = 60 * time.Second
)

// ChangedEvent is the payload published on attention:<sensor_id>.
type ChangedEvent struct {
	SensorID string `json:"sensor_id"`
	Level    Level  `json:"level"`
}

// observerState is everything one observer has told us. Each inner map is
// sensor_id -> set of attribute_ids.
type observerState struct {
	views    map[string]map[string]struct{}
	hovers   map[string]map[string]struct{}
	focuses  map[string]map[string]struct{}
	pins     map[string]struct{}
	battery  BatteryState
	lastSeen time.Time
}

func newObserverState(now time.Time) *observerState {
	return &observerState{
		views:    make(map[string]map[string]struct{}),
		hovers:   make(map[string]map[string]struct{}),
		focuses:  make(map[string]map[string]struct{}),
		pins:     make(map[string]struct{}),
		battery:  BatteryNormal,
		lastSeen: now,
	}
}

// levelCache is the copy-on-write read snapshot. anyView records whether any
// observer currently views anything at all; sensors absent from levels fall
// back to low while it is set, so sensors nobody signalled directly still
// stream at the low cadence instead of going quiet.
type levelCache struct {
	levels  map[string]Level
	anyView bool
}

// Tracker folds observer signals into per-sensor attention levels. Mutations
// run under one mutex; reads go through a copy-on-write cache so the hot
// Level() path never contends with signal handling.
type Tracker struct {
	mu        sync.Mutex
	observers map[string]*observerState
	levels    map[string]Level // last published level per sensor

	cache atomic.Value // levelCache, replaced wholesale on change

	tick        time.Duration
	observerTTL time.Duration

	b      *bus.Bus
	clk    clock.Clock
	logger zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// Option tweaks tracker timing, mostly for tests.
type Option func(*Tracker)

func WithTick(d time.Duration) Option        { return func(t *Tracker) { t.tick = d } }
func WithObserverTTL(d time.Duration) Option { return func(t *Tracker) { t.observerTTL = d } }

// NewTracker creates a tracker. Call Start to begin the periodic sweep.
func NewTracker(b *bus.Bus, clk clock.Clock, logger zerolog.Logger, opts ...Option) *Tracker {
	t := &Tracker{
		observers:   make(map[string]*observerState),
		levels:      make(map[string]Level),
		tick:        DefaultTick,
		observerTTL: DefaultObserverTTL,
		b:           b,
		clk:         clk,
		logger:      logger.With().Str("component", "attention_tracker").Logger(),
		stop:        make(chan struct{}),
		done:        make(chan struct{}),
	}
	for _, o := range opts {
		o(t)
	}
	t.cache.Store(levelCache{levels: map[string]Level{}})
	return t
}

// Start launches the sweep loop. It re-evaluates every tracked sensor and
// evicts silent observers once per tick.
func (t *Tracker) Start(ctx context.Context) {
	go func() {
		defer close(t.done)
		ticker := time.NewTicker(t.tick)
		defer ticker.Stop()
		for {
			select {
			case <-ticker.C:
				t.sweep()
			case <-ctx.Done():
				return
			case <-t.stop:
				return
			}
		}
	}()
}

// Stop halts the sweep loop. Idempotent.
func (t *Tracker) Stop() {
	t.stopOnce.Do(func() { close(t.stop) })
	<-t.done
}

// Level returns the current attention level for the sensor. Sensors without
// direct signals are low while any observer has a view anywhere, none
// otherwise.
func (t *Tracker) Level(sensorID string) Level {
	cache := t.cache.Load().(levelCache)
	if lvl, ok := cache.levels[sensorID]; ok {
		return lvl
	}
	if cache.anyView {
		return LevelLow
	}
	return LevelNone
}

// RegisterView marks the attribute visible to the observer.
func (t *Tracker) RegisterView(sensorID, attributeID, observerID string) {
	t.signal(observerID, func(o *observerState) { addKey(o.views, sensorID, attributeID) })
}

// UnregisterView clears a view signal.
func (t *Tracker) UnregisterView(sensorID, attributeID, observerID string) {
	t.signal(observerID, func(o *observerState) { dropKey(o.views, sensorID, attributeID) })
}

// RegisterHover marks the attribute hovered by the observer.
func (t *Tracker) RegisterHover(sensorID, attributeID, observerID string) {
	t.signal(observerID, func(o *observerState) { addKey(o.hovers, sensorID, attributeID) })
}

// UnregisterHover clears a hover signal.
func (t *Tracker) UnregisterHover(sensorID, attributeID, observerID string) {
	t.signal(observerID, func(o *observerState) { dropKey(o.hovers, sensorID, attributeID) })
}

// RegisterFocus marks the attribute focused by the observer.
func (t *Tracker) RegisterFocus(sensorID, attributeID, observerID string) {
	t.signal(observerID, func(o *observerState) { addKey(o.focuses, sensorID, attributeID) })
}

// UnregisterFocus clears a focus signal.
func (t *Tracker) UnregisterFocus(sensorID, attributeID, observerID string) {
	t.signal(observerID, func(o *observerState) { dropKey(o.focuses, sensorID, attributeID) })
}

// PinSensor forces the sensor to high attention while the observer lives.
func (t *Tracker) PinSensor(sensorID, observerID string) {
	t.signal(observerID, func(o *observerState) { o.pins[sensorID] = struct{}{} })
}

// UnpinSensor releases a pin.
func (t *Tracker) UnpinSensor(sensorID, observerID string) {
	t.signal(observerID, func(o *observerState) { delete(o.pins, sensorID) })
}

// ReportBattery records the observer's power budget. Unknown states are
// treated as normal.
func (t *Tracker) ReportBattery(observerID string, state BatteryState) {
	if !ValidBattery(state) {
		state = BatteryNormal
	}
	t.signal(observerID, func(o *observerState) { o.battery = state })
}

// Heartbeat keeps a quiet observer alive.
func (t *Tracker) Heartbeat(observerID string) {
	t.signal(observerID, func(o *observerState) {})
}

// RemoveObserver drops every signal the observer contributed. Called when its
// session closes.
func (t *Tracker) RemoveObserver(observerID string) {
	t.mu.Lock()
	delete(t.observers, observerID)
	t.recomputeLocked()
	t.mu.Unlock()
}

func (t *Tracker) signal(observerID string, apply func(*observerState)) {
	t.mu.Lock()
	o, ok := t.observers[observerID]
	if !ok {
		o = newObserverState(t.clk.NowWall())
		t.observers[observerID] = o
	}
	o.lastSeen = t.clk.NowWall()
	apply(o)
	t.recomputeLocked()
	t.mu.Unlock()
}

func (t *Tracker) sweep() {
	t.mu.Lock()
	cutoff := t.clk.NowWall().Add(-t.observerTTL)
	for id, o := range t.observers {
		if o.lastSeen.Before(cutoff) {
			delete(t.observers, id)
			t.logger.Debug().Str("observer_id", id).Msg("Evicted silent observer")
		}
	}
	t.recomputeLocked()
	t.mu.Unlock()
}

// recomputeLocked derives the level for every sensor any observer touches,
// publishes changes, and swaps the read cache. Caller holds t.mu.
func (t *Tracker) recomputeLocked() {
	prevAny := t.cache.Load().(levelCache).anyView
	sensors := make(map[string]struct{}, len(t.levels))
	for id := range t.levels {
		sensors[id] = struct{}{}
	}
	anyView := false
	for _, o := range t.observers {
		for id := range o.views {
			sensors[id] = struct{}{}
			anyView = true
		}
		for id := range o.hovers {
			sensors[id] = struct{}{}
		}
		for id := range o.focuses {
			sensors[id] = struct{}{}
		}
		for id := range o.pins {
			sensors[id] = struct{}{}
		}
	}

	// Explicitly derived levels go into the cache even when none, so a viewed
	// sensor downgraded all the way by battery does not resurface as low
	// through the baseline fallback.
	next := make(map[string]Level, len(sensors))
	for id := range sensors {
		lvl := t.deriveLocked(id, anyView)
		next[id] = lvl
		prev, had := t.levels[id]
		if !had {
			prev = LevelNone
		}
		if lvl != prev {
			if lvl == LevelNone {
				delete(t.levels, id)
			} else {
				t.levels[id] = lvl
			}
			metrics.AttentionLevel.WithLabelValues(id).Set(float64(lvl.Rank()))
			t.b.Publish(bus.AttentionTopic(id), bus.Event{
				Kind:    bus.KindAttentionChanged,
				Payload: ChangedEvent{SensorID: id, Level: lvl},
			})
			t.logger.Debug().Str("sensor_id", id).Str("level", string(lvl)).Msg("Attention level changed")
		}
	}
	t.cache.Store(levelCache{levels: next, anyView: anyView})

	// The baseline flipping moves every sensor that has no direct signals, so
	// listeners get one wakeup on the shared topic instead of per-sensor
	// events for ids the tracker never heard of.
	if anyView != prevAny {
		baseline := LevelNone
		if anyView {
			baseline = LevelLow
		}
		t.b.Publish(bus.TopicSystemAttention, bus.Event{
			Kind:    bus.KindAttentionChanged,
			Payload: ChangedEvent{Level: baseline},
		})
		t.logger.Debug().Str("level", string(baseline)).Msg("Attention baseline changed")
	}
}

// deriveLocked computes one sensor's level from current observer state.
func (t *Tracker) deriveLocked(sensorID string, anyView bool) Level {
	var (
		focused int
		viewed  int
		allLow  = true
		anyCrit bool
	)
	for _, o := range t.observers {
		if _, ok := o.pins[sensorID]; ok {
			return LevelHigh
		}
		if hasAttrs(o.focuses, sensorID) || hasAttrs(o.hovers, sensorID) {
			focused++
		}
		if hasAttrs(o.views, sensorID) {
			viewed++
			if o.battery != BatteryLow {
				allLow = false
			}
			if o.battery == BatteryCritical {
				anyCrit = true
			}
		}
	}

	var lvl Level
	switch {
	case focused >= 1 && viewed >= 1:
		lvl = LevelHigh
	case viewed >= 1:
		lvl = LevelMedium
	case anyView:
		lvl = LevelLow
	default:
		lvl = LevelNone
	}

	// Battery downgrades apply only when someone is actually viewing.
	if viewed >= 1 {
		if anyCrit {
			lvl = lvl.Downgrade(2)
		} else if allLow {
			lvl = lvl.Downgrade(1)
		}
	}
	return lvl
}

func addKey(m map[string]map[string]struct{}, sensorID, attributeID string) {
	attrs, ok := m[sensorID]
	if !ok {
		attrs = make(map[string]struct{})
		m[sensorID] = attrs
	}
	attrs[attributeID] = struct{}{}
}

func dropKey(m map[string]map[string]struct{}, sensorID, attributeID string) {
	if attrs, ok := m[sensorID]; ok {
		delete(attrs, attributeID)
		if len(attrs) == 0 {
			delete(m, sensorID)
		}
	}
}

func hasAttrs(m map[string]map[string]struct{}, sensorID string) bool {
	return len(m[sensorID]) > 0
}
