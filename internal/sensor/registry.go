package sensor

import (
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

// Supervision defaults. A reconnecting connector must not churn actors, so
// teardown waits out a grace delay; a crash-looping actor must not spin, so
// restarts back off and eventually poison the id.
const (
	DefaultGraceDelay     = 200 * time.Millisecond
	MinGraceDelay         = 50 * time.Millisecond
	DefaultRestartLimit   = 5
	DefaultRestartWindow  = 10 * time.Second
	DefaultPoisonDuration = 30 * time.Second
	restartBackoffBase    = 50 * time.Millisecond
	restartBackoffCap     = 2 * time.Second
)

// RegistryConfig carries supervisor and actor sizing knobs.
type RegistryConfig struct {
	HotCapacity    int
	WarmCapacity   int
	InboxCapacity  int
	GraceDelay     time.Duration
	RestartLimit   int
	RestartWindow  time.Duration
	PoisonDuration time.Duration
}

func (c RegistryConfig) withDefaults() RegistryConfig {
	if c.GraceDelay == 0 {
		c.GraceDelay = DefaultGraceDelay
	}
	if c.GraceDelay < MinGraceDelay {
		c.GraceDelay = MinGraceDelay
	}
	if c.RestartLimit <= 0 {
		c.RestartLimit = DefaultRestartLimit
	}
	if c.RestartWindow <= 0 {
		c.RestartWindow = DefaultRestartWindow
	}
	if c.PoisonDuration <= 0 {
		c.PoisonDuration = DefaultPoisonDuration
	}
	return c
}

type registryEntry struct {
	actor     *Actor
	meta      Meta
	refs      map[string]struct{} // session ids holding the actor
	restarts  []time.Time
	termTimer *time.Timer
}

// Registry locates or creates the actor for a sensor id, tracks which
// sessions hold it, and supervises crashes.
type Registry struct {
	mu       sync.Mutex
	actors   map[string]*registryEntry
	poisoned map[string]time.Time // sensor id -> poisoned-until

	cfg    RegistryConfig
	b      *bus.Bus
	voc    *vocab.Vocabulary
	clk    clock.Clock
	cold   ColdSink
	logger zerolog.Logger
}

// NewRegistry creates an empty registry.
func NewRegistry(cfg RegistryConfig, b *bus.Bus, voc *vocab.Vocabulary, clk clock.Clock, cold ColdSink, logger zerolog.Logger) *Registry {
	return &Registry{
		actors:   make(map[string]*registryEntry),
		poisoned: make(map[string]time.Time),
		cfg:      cfg.withDefaults(),
		b:        b,
		voc:      voc,
		clk:      clk,
		cold:     cold,
		logger:   logger.With().Str("component", "sensor_registry").Logger(),
	}
}

// LocateOrCreate returns the actor for the sensor id, starting one if none
// exists. The session id is recorded for refcounting; concurrent callers for
// the same id all receive the same handle.
func (r *Registry) LocateOrCreate(meta Meta, sessionID string) (*Actor, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if until, ok := r.poisoned[meta.SensorID]; ok {
		if r.clk.NowWall().Before(until) {
			return nil, &PoisonedError{SensorID: meta.SensorID}
		}
		delete(r.poisoned, meta.SensorID)
	}

	entry, ok := r.actors[meta.SensorID]
	if !ok {
		entry = &registryEntry{
			actor: r.startActorLocked(meta),
			meta:  meta,
			refs:  make(map[string]struct{}),
		}
		r.actors[meta.SensorID] = entry
		metrics.SensorsActive.Set(float64(len(r.actors)))
		r.logger.Info().Str("sensor_id", meta.SensorID).Msg("Sensor actor started")
	}
	if entry.termTimer != nil {
		// A session came back during the grace window; keep the actor.
		entry.termTimer.Stop()
		entry.termTimer = nil
	}
	if sessionID != "" {
		entry.refs[sessionID] = struct{}{}
	}
	return entry.actor, nil
}

// Locate returns the actor if one is running.
func (r *Registry) Locate(sensorID string) (*Actor, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	entry, ok := r.actors[sensorID]
	if !ok {
		return nil, false
	}
	return entry.actor, true
}

// Release drops a session's hold on the sensor. When the last hold is gone
// and nobody subscribes to the data topic, termination is scheduled after the
// grace delay so that quick reconnects coalesce.
func (r *Registry) Release(sensorID, sessionID string) {
	r.mu.Lock()
	defer r.mu.Unlock()

	entry, ok := r.actors[sensorID]
	if !ok {
		return
	}
	delete(entry.refs, sessionID)
	if len(entry.refs) > 0 || entry.termTimer != nil {
		return
	}
	entry.termTimer = time.AfterFunc(r.cfg.GraceDelay, func() {
		r.tryTerminate(sensorID)
	})
}

func (r *Registry) tryTerminate(sensorID string) {
	r.mu.Lock()
	entry, ok := r.actors[sensorID]
	if !ok {
		r.mu.Unlock()
		return
	}
	entry.termTimer = nil
	if len(entry.refs) > 0 || r.b.SubscriberCount(bus.DataTopic(sensorID)) > 0 {
		// Somebody reattached or is still watching; keep the actor alive.
		r.mu.Unlock()
		return
	}
	delete(r.actors, sensorID)
	metrics.SensorsActive.Set(float64(len(r.actors)))
	actor := entry.actor
	r.mu.Unlock()

	actor.Terminate()
	r.logger.Info().Str("sensor_id", sensorID).Msg("Sensor actor terminated")
}

// startActorLocked must be called with r.mu held.
func (r *Registry) startActorLocked(meta Meta) *Actor {
	return NewActor(meta, ActorConfig{
		HotCapacity:   r.cfg.HotCapacity,
		WarmCapacity:  r.cfg.WarmCapacity,
		InboxCapacity: r.cfg.InboxCapacity,
		ColdSink:      r.cold,
	}, r.b, r.voc, r.clk, r.logger, r.handleCrash)
}

// handleCrash restarts a crashed actor with empty state, backing off
// exponentially. Past the restart limit the id is poisoned and joins fail
// until the poison expires.
func (r *Registry) handleCrash(sensorID string, cause any) {
	r.mu.Lock()
	entry, ok := r.actors[sensorID]
	if !ok {
		r.mu.Unlock()
		return
	}

	now := r.clk.NowWall()
	cutoff := now.Add(-r.cfg.RestartWindow)
	recent := entry.restarts[:0]
	for _, t := range entry.restarts {
		if t.After(cutoff) {
			recent = append(recent, t)
		}
	}
	entry.restarts = append(recent, now)

	if len(entry.restarts) > r.cfg.RestartLimit {
		delete(r.actors, sensorID)
		r.poisoned[sensorID] = now.Add(r.cfg.PoisonDuration)
		metrics.SensorsActive.Set(float64(len(r.actors)))
		metrics.ActorsPoisoned.Inc()
		r.mu.Unlock()
		r.logger.Error().
			Str("sensor_id", sensorID).
			Int("restarts", len(entry.restarts)).
			Dur("poisoned_for", r.cfg.PoisonDuration).
			Msg("Sensor actor poisoned after repeated crashes")
		return
	}

	backoff := restartBackoffBase << (len(entry.restarts) - 1)
	if backoff > restartBackoffCap {
		backoff = restartBackoffCap
	}
	meta := entry.meta
	r.mu.Unlock()

	metrics.ActorRestarts.Inc()
	r.logger.Warn().
		Str("sensor_id", sensorID).
		Interface("cause", cause).
		Dur("backoff", backoff).
		Msg("Restarting crashed sensor actor")

	time.AfterFunc(backoff, func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		entry, ok := r.actors[sensorID]
		if !ok {
			return
		}
		// In-flight measurements during the restart are lost; ingest is
		// best-effort across crashes.
		entry.actor = r.startActorLocked(meta)
	})
}

// Count reports live actors.
func (r *Registry) Count() int {
	r.mu.Lock()
	defer r.mu.Unlock()
	return len(r.actors)
}

// InboxDepths samples every live actor inbox, for the load monitor.
func (r *Registry) InboxDepths() []int {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]int, 0, len(r.actors))
	for _, entry := range r.actors {
		out = append(out, entry.actor.InboxDepth())
	}
	return out
}

// Shutdown terminates every actor. Used on server stop.
func (r *Registry) Shutdown() {
	r.mu.Lock()
	entries := make([]*registryEntry, 0, len(r.actors))
	for _, e := range r.actors {
		entries = append(entries, e)
	}
	r.actors = make(map[string]*registryEntry)
	r.mu.Unlock()

	for _, e := range entries {
		if e.termTimer != nil {
			e.termTimer.Stop()
		}
		e.actor.Terminate()
	}
	metrics.SensorsActive.Set(0)
}
