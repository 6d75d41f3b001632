package backpressure

import (
	"context"
	"sync"

	"github.com/rs/zerolog"

	"github.com/adiibanez/sensocto-sub012/internal/attention"
	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/sysload"
)

// Dispatcher watches one sensor's attention stream plus the global load
// stream and pushes a fresh Config to its session whenever the effective
// config changes. The first config goes out unconditionally so a connector
// never starts blind.
type Dispatcher struct {
	sensorID string
	tracker  *attention.Tracker
	monitor  *sysload.Monitor
	b        *bus.Bus
	clk      clock.Clock
	push     func(Config)
	logger   zerolog.Logger

	stopOnce sync.Once
	stop     chan struct{}
	done     chan struct{}
}

// NewDispatcher wires a dispatcher for one session. push is called from the
// dispatcher goroutine; it must not block (hand the config to a bounded send
// mailbox).
func NewDispatcher(sensorID string, tracker *attention.Tracker, monitor *sysload.Monitor, b *bus.Bus, clk clock.Clock, logger zerolog.Logger, push func(Config)) *Dispatcher {
	return &Dispatcher{
		sensorID: sensorID,
		tracker:  tracker,
		monitor:  monitor,
		b:        b,
		clk:      clk,
		push:     push,
		logger:   logger.With().Str("component", "backpressure_dispatcher").Str("sensor_id", sensorID).Logger(),
		stop:     make(chan struct{}),
		done:     make(chan struct{}),
	}
}

// Start subscribes and launches the reducer loop. The baseline topic matters
// for sensors nobody signalled directly: their level flips between none and
// low without any event on their own attention topic.
func (d *Dispatcher) Start(ctx context.Context) {
	attSub := d.b.Subscribe(bus.AttentionTopic(d.sensorID))
	baseSub := d.b.Subscribe(bus.TopicSystemAttention)
	loadSub := d.b.Subscribe(bus.TopicSystemLoad)

	go func() {
		defer close(d.done)
		defer d.b.Unsubscribe(attSub)
		defer d.b.Unsubscribe(baseSub)
		defer d.b.Unsubscribe(loadSub)

		last := d.compute()
		d.send(last)

		for {
			select {
			case _, ok := <-attSub.C():
				if !ok {
					return
				}
			case _, ok := <-baseSub.C():
				if !ok {
					return
				}
			case _, ok := <-loadSub.C():
				if !ok {
					return
				}
			case <-ctx.Done():
				return
			case <-d.stop:
				return
			}
			// The event is only a wakeup; the caches are authoritative and
			// already coalesce bursts.
			next := d.compute()
			if !Equivalent(next, last) {
				d.send(next)
				last = next
			}
		}
	}()
}

// Stop halts the loop and unsubscribes. Idempotent.
func (d *Dispatcher) Stop() {
	d.stopOnce.Do(func() { close(d.stop) })
	<-d.done
}

func (d *Dispatcher) compute() Config {
	load := d.monitor.Current()
	return Compute(d.tracker.Level(d.sensorID), load.Level, load.Multiplier, d.clk.NowUnixMilli())
}

func (d *Dispatcher) send(cfg Config) {
	metrics.BackpressurePushes.Inc()
	d.logger.Debug().
		Str("attention", string(cfg.AttentionLevel)).
		Str("load", string(cfg.SystemLoad)).
		Bool("paused", cfg.Paused).
		Int64("window_ms", cfg.RecommendedBatchWindowMS).
		Int("batch_size", cfg.RecommendedBatchSize).
		Msg("Pushing backpressure config")
	d.push(cfg)
}
