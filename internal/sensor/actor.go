package sensor

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/adiibanez/sensocto-sub012/internal/bus"
	"github.com/adiibanez/sensocto-sub012/internal/clock"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

// DefaultInboxCapacity bounds the actor inbox. Sends into the inbox are
// try-sends with a caller deadline, so a stuck actor cannot wedge a session.
const DefaultInboxCapacity = 256

// BatchResult reports how a mixed-validity batch was split.
type BatchResult struct {
	Valid   int
	Invalid int
}

// Snapshot is a read-only copy of an actor's state handed to new observers.
type Snapshot struct {
	SensorID     string                   `json:"sensor_id"`
	SensorName   string                   `json:"sensor_name,omitempty"`
	SensorType   string                   `json:"sensor_type,omitempty"`
	Attributes   map[string]AttributeMeta `json:"attributes"`
	Last         map[string]Measurement   `json:"last"`
	Counts       map[string]int64         `json:"counts"`
	Stats        SeriesStats              `json:"stats"`
	CreatedAt    time.Time                `json:"created_at"`
	LastIngestAt time.Time                `json:"last_ingest_at"`
}

// NewStateEvent is published on signal:<sensor_id> whenever the attribute
// registry changes shape.
type NewStateEvent struct {
	SensorID string `json:"sensor_id"`
}

type ingestOneMsg struct {
	m     Measurement
	reply chan error
}

type ingestBatchMsg struct {
	ms    []Measurement
	reply chan batchReply
}

type batchReply struct {
	result BatchResult
	err    error
}

type updateRegistryMsg struct {
	action      string
	attributeID string
	metadata    map[string]any
	reply       chan error
}

type snapshotMsg struct {
	reply chan Snapshot
}

type getAttributeMsg struct {
	attributeID string
	from, to    *int64
	limit       int
	reply       chan []Measurement
}

type terminateMsg struct {
	reply chan struct{}
}

// Actor is the single stateful worker owning one sensor. All mutations are
// serialized through its inbox; nothing else touches the state.
type Actor struct {
	sensorID string
	meta     Meta

	inbox chan any
	done  chan struct{}

	store      *SeriesStore
	attributes map[string]AttributeMeta
	counts     map[string]int64

	createdAt    time.Time
	lastIngestAt time.Time

	b      *bus.Bus
	voc    *vocab.Vocabulary
	clk    clock.Clock
	logger zerolog.Logger

	// onCrash is invoked from the actor goroutine when the loop panics.
	onCrash func(sensorID string, cause any)
}

// ActorConfig carries the knobs an actor needs at start.
type ActorConfig struct {
	HotCapacity   int
	WarmCapacity  int
	InboxCapacity int
	ColdSink      ColdSink
}

// NewActor builds and starts the worker goroutine.
func NewActor(meta Meta, cfg ActorConfig, b *bus.Bus, voc *vocab.Vocabulary, clk clock.Clock, logger zerolog.Logger, onCrash func(string, any)) *Actor {
	inboxCap := cfg.InboxCapacity
	if inboxCap <= 0 {
		inboxCap = DefaultInboxCapacity
	}
	a := &Actor{
		sensorID:   meta.SensorID,
		meta:       meta,
		inbox:      make(chan any, inboxCap),
		done:       make(chan struct{}),
		store:      NewSeriesStore(meta.SensorID, cfg.HotCapacity, cfg.WarmCapacity, cfg.ColdSink),
		attributes: make(map[string]AttributeMeta),
		counts:     make(map[string]int64),
		createdAt:  clk.NowWall(),
		b:          b,
		voc:        voc,
		clk:        clk,
		logger:     logger.With().Str("component", "sensor_actor").Str("sensor_id", meta.SensorID).Logger(),
		onCrash:    onCrash,
	}
	for _, am := range meta.Attributes {
		a.attributes[am.AttributeID] = am
	}
	go a.run()
	return a
}

// SensorID returns the owned sensor id.
func (a *Actor) SensorID() string { return a.sensorID }

// InboxDepth reports queued messages, sampled by the load monitor.
func (a *Actor) InboxDepth() int { return len(a.inbox) }

// Done is closed when the actor loop has exited.
func (a *Actor) Done() <-chan struct{} { return a.done }

func (a *Actor) run() {
	defer func() {
		if r := recover(); r != nil {
			a.logger.Error().Interface("panic", r).Msg("Sensor actor crashed")
			close(a.done)
			if a.onCrash != nil {
				a.onCrash(a.sensorID, r)
			}
			return
		}
		close(a.done)
	}()

	for msg := range a.inbox {
		switch m := msg.(type) {
		case ingestOneMsg:
			m.reply <- a.handleIngestOne(m.m)
		case ingestBatchMsg:
			res, err := a.handleIngestBatch(m.ms)
			m.reply <- batchReply{result: res, err: err}
		case updateRegistryMsg:
			m.reply <- a.handleUpdateRegistry(m.action, m.attributeID, m.metadata)
		case snapshotMsg:
			m.reply <- a.buildSnapshot()
		case getAttributeMsg:
			m.reply <- a.store.GetRange(m.attributeID, m.from, m.to, m.limit)
		case terminateMsg:
			a.store.Clear()
			close(m.reply)
			return
		}
	}
}

func (a *Actor) validate(m Measurement) error {
	if m.AttributeID == "" || m.Payload == nil || m.TimestampMS == 0 {
		return ErrMissingFields
	}
	if !a.voc.ValidAttributeID(m.AttributeID) {
		return fmt.Errorf("%w: %s", ErrInvalidAttributeID, m.AttributeID)
	}
	return nil
}

func (a *Actor) handleIngestOne(m Measurement) error {
	if err := a.validate(m); err != nil {
		metrics.MeasurementsRejected.WithLabelValues(rejectionReason(err)).Inc()
		return err
	}
	m.SensorID = a.sensorID
	a.apply(m)
	a.b.Publish(bus.DataTopic(a.sensorID), bus.Event{Kind: bus.KindMeasurement, Payload: m})
	return nil
}

func (a *Actor) handleIngestBatch(ms []Measurement) (BatchResult, error) {
	valid := make([]Measurement, 0, len(ms))
	invalid := 0
	for _, m := range ms {
		if err := a.validate(m); err != nil {
			metrics.MeasurementsRejected.WithLabelValues(rejectionReason(err)).Inc()
			invalid++
			continue
		}
		m.SensorID = a.sensorID
		valid = append(valid, m)
	}

	// All-or-nothing rejection only when every entry is bad.
	if len(ms) > 0 && len(valid) == 0 {
		return BatchResult{Invalid: invalid}, &BatchError{FailedCount: invalid}
	}

	for _, m := range valid {
		a.apply(m)
	}
	if len(valid) > 0 {
		// Subscribers see exactly one event carrying the ordered list.
		a.b.Publish(bus.DataTopic(a.sensorID), bus.Event{Kind: bus.KindMeasurementBatch, Payload: valid})
		metrics.BatchesIngested.Inc()
	}
	return BatchResult{Valid: len(valid), Invalid: invalid}, nil
}

// apply stores the measurement and maintains the attribute registry. Storage
// problems are logged, never returned; the next ingest must not be blocked by
// this one.
func (a *Actor) apply(m Measurement) {
	a.store.Put(m.AttributeID, m)
	a.counts[m.AttributeID]++
	a.lastIngestAt = a.clk.NowWall()
	metrics.MeasurementsIngested.Inc()

	if _, known := a.attributes[m.AttributeID]; !known {
		a.attributes[m.AttributeID] = AttributeMeta{AttributeID: m.AttributeID}
		a.publishNewState()
	}
}

func (a *Actor) handleUpdateRegistry(action, attributeID string, metadata map[string]any) error {
	if !vocab.ValidAction(action) {
		return fmt.Errorf("%w: %s", ErrInvalidAction, action)
	}
	if !a.voc.ValidAttributeID(attributeID) {
		return fmt.Errorf("%w: %s", ErrInvalidAttributeID, attributeID)
	}
	switch action {
	case vocab.ActionAdd, vocab.ActionUpdate:
		a.attributes[attributeID] = AttributeMeta{AttributeID: attributeID, Metadata: metadata}
	case vocab.ActionRemove:
		delete(a.attributes, attributeID)
		a.store.RemoveAttribute(attributeID)
	}
	a.publishNewState()
	return nil
}

func (a *Actor) publishNewState() {
	a.b.Publish(bus.SignalTopic(a.sensorID), bus.Event{
		Kind:    bus.KindNewState,
		Payload: NewStateEvent{SensorID: a.sensorID},
	})
}

func (a *Actor) buildSnapshot() Snapshot {
	snap := Snapshot{
		SensorID:     a.sensorID,
		SensorName:   a.meta.SensorName,
		SensorType:   a.meta.SensorType,
		Attributes:   make(map[string]AttributeMeta, len(a.attributes)),
		Last:         make(map[string]Measurement, len(a.attributes)),
		Counts:       make(map[string]int64, len(a.counts)),
		Stats:        a.store.Stats(),
		CreatedAt:    a.createdAt,
		LastIngestAt: a.lastIngestAt,
	}
	for id, am := range a.attributes {
		meta := AttributeMeta{AttributeID: am.AttributeID}
		if am.Metadata != nil {
			meta.Metadata = make(map[string]any, len(am.Metadata))
			for k, v := range am.Metadata {
				meta.Metadata[k] = v
			}
		}
		snap.Attributes[id] = meta
		if last, ok := a.store.Last(id); ok {
			snap.Last[id] = last
		}
	}
	for id, n := range a.counts {
		snap.Counts[id] = n
	}
	return snap
}

// send enqueues a message respecting the caller's deadline. The inbox is
// bounded, so a wedged actor surfaces as a context error, not a hang.
func (a *Actor) send(ctx context.Context, msg any) error {
	select {
	case <-a.done:
		return ErrActorStopped
	default:
	}
	select {
	case a.inbox <- msg:
		return nil
	case <-a.done:
		return ErrActorStopped
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestOne validates, stores and publishes a single measurement.
func (a *Actor) IngestOne(ctx context.Context, m Measurement) error {
	msg := ingestOneMsg{m: m, reply: make(chan error, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// IngestBatch applies the valid subset of the batch in submission order. The
// whole batch is rejected only when every entry fails validation.
func (a *Actor) IngestBatch(ctx context.Context, ms []Measurement) (BatchResult, error) {
	msg := ingestBatchMsg{ms: ms, reply: make(chan batchReply, 1)}
	if err := a.send(ctx, msg); err != nil {
		return BatchResult{}, err
	}
	select {
	case r := <-msg.reply:
		return r.result, r.err
	case <-ctx.Done():
		return BatchResult{}, ctx.Err()
	}
}

// UpdateAttributes mutates the attribute registry and publishes NewState.
func (a *Actor) UpdateAttributes(ctx context.Context, action, attributeID string, metadata map[string]any) error {
	msg := updateRegistryMsg{action: action, attributeID: attributeID, metadata: metadata, reply: make(chan error, 1)}
	if err := a.send(ctx, msg); err != nil {
		return err
	}
	select {
	case err := <-msg.reply:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Snapshot returns a deep copy of the sensor state.
func (a *Actor) Snapshot(ctx context.Context) (Snapshot, error) {
	msg := snapshotMsg{reply: make(chan Snapshot, 1)}
	if err := a.send(ctx, msg); err != nil {
		return Snapshot{}, err
	}
	select {
	case s := <-msg.reply:
		return s, nil
	case <-ctx.Done():
		return Snapshot{}, ctx.Err()
	}
}

// GetAttribute reads history for one attribute, newest first.
func (a *Actor) GetAttribute(ctx context.Context, attributeID string, from, to *int64, limit int) ([]Measurement, error) {
	msg := getAttributeMsg{attributeID: attributeID, from: from, to: to, limit: limit, reply: make(chan []Measurement, 1)}
	if err := a.send(ctx, msg); err != nil {
		return nil, err
	}
	select {
	case ms := <-msg.reply:
		return ms, nil
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Terminate drops all state and stops the worker. Blocks until the loop has
// processed the message or the actor is already gone.
func (a *Actor) Terminate() {
	msg := terminateMsg{reply: make(chan struct{})}
	select {
	case a.inbox <- msg:
		select {
		case <-msg.reply:
		case <-a.done:
		}
	case <-a.done:
	}
}

func rejectionReason(err error) string {
	switch {
	case err == nil:
		return "none"
	case errors.Is(err, ErrInvalidAttributeID):
		return "invalid_attribute_id"
	case errors.Is(err, ErrMissingFields):
		return "missing_fields"
	default:
		return "other"
	}
}
