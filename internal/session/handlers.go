package session

import (
	"context"
	"encoding/json"
	"errors"

	"github.com/adiibanez/sensocto-sub012/internal/attention"
	"github.com/adiibanez/sensocto-sub012/internal/metrics"
	"github.com/adiibanez/sensocto-sub012/internal/sensor"
	"github.com/adiibanez/sensocto-sub012/internal/vocab"
)

// routeConnector handles frames on a joined sensor:<id> session.
func (s *Server) routeConnector(sess *Session, f Frame) {
	switch f.Event {
	case EventMeasurement:
		s.handleMeasurement(sess, f)
	case EventMeasurementBatch:
		s.handleMeasurementBatch(sess, f)
	case EventUpdateAttributes:
		s.handleUpdateAttributes(sess, f)
	default:
		sess.logger.Debug().Str("event", f.Event).Msg("Unknown connector frame")
	}
}

// parseMeasurement runs the raw payload through the safe-key validator
// before trusting its shape.
func (s *Server) parseMeasurement(raw json.RawMessage) (sensor.Measurement, string) {
	var m map[string]any
	if err := json.Unmarshal(orEmptyObject(raw), &m); err != nil {
		return sensor.Measurement{}, "malformed_payload"
	}
	checked, err := s.voc.SafeKeysToEnum(m)
	if err != nil {
		return sensor.Measurement{}, validationReason(err)
	}

	out := sensor.Measurement{}
	out.AttributeID, _ = checked["attribute_id"].(string)
	out.Payload = checked["payload"]
	if ts, ok := checked["timestamp"].(float64); ok {
		out.TimestampMS = int64(ts)
	}
	return out, ""
}

func (s *Server) handleMeasurement(sess *Session, f Frame) {
	m, reason := s.parseMeasurement(f.Payload)
	if reason != "" {
		metrics.MeasurementsRejected.WithLabelValues(reason).Inc()
		sess.enqueue(errorReply(f.Topic, f.Ref, reason))
		return
	}

	ctx, cancel := context.WithTimeout(sess.ctx, actorCallTimeout)
	err := sess.actor.IngestOne(ctx, m)
	cancel()
	if err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, ingestReason(err)))
		return
	}
	if f.Ref != nil {
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))
	}
}

func (s *Server) handleMeasurementBatch(sess *Session, f Frame) {
	var items []json.RawMessage
	if err := json.Unmarshal(orEmptyObject(f.Payload), &items); err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, "malformed_payload"))
		return
	}

	// Entries that fail key validation become zero measurements; the actor
	// counts them invalid, which keeps the all-invalid batch rule in one
	// place.
	batch := make([]sensor.Measurement, 0, len(items))
	for _, item := range items {
		m, reason := s.parseMeasurement(item)
		if reason != "" {
			metrics.MeasurementsRejected.WithLabelValues(reason).Inc()
			batch = append(batch, sensor.Measurement{})
			continue
		}
		batch = append(batch, m)
	}

	ctx, cancel := context.WithTimeout(sess.ctx, actorCallTimeout)
	result, err := sess.actor.IngestBatch(ctx, batch)
	cancel()
	if err != nil {
		var batchErr *sensor.BatchError
		if errors.As(err, &batchErr) {
			raw, _ := json.Marshal(map[string]any{
				"status": statusError,
				"response": errorResponse{
					Reason:      "invalid_batch",
					FailedCount: batchErr.FailedCount,
				},
			})
			sess.enqueue(Frame{Topic: f.Topic, Event: EventReply, Payload: raw, Ref: f.Ref})
			return
		}
		sess.enqueue(errorReply(f.Topic, f.Ref, ingestReason(err)))
		return
	}
	if f.Ref != nil {
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{
			"valid":   result.Valid,
			"invalid": result.Invalid,
		}))
	}
}

func (s *Server) handleUpdateAttributes(sess *Session, f Frame) {
	var p updateAttributesPayload
	if err := json.Unmarshal(orEmptyObject(f.Payload), &p); err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, "malformed_payload"))
		return
	}
	ctx, cancel := context.WithTimeout(sess.ctx, actorCallTimeout)
	err := sess.actor.UpdateAttributes(ctx, p.Action, p.AttributeID, p.Metadata)
	cancel()
	if err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, ingestReason(err)))
		return
	}
	sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))
}

// routeObserver handles frames on a joined connector:<id> session. The
// session id doubles as the observer id for attention tracking.
func (s *Server) routeObserver(sess *Session, f Frame) {
	switch f.Event {
	case EventSubscribeData:
		var req dataSubscribeRequest
		if err := json.Unmarshal(orEmptyObject(f.Payload), &req); err != nil || req.SensorID == "" {
			sess.enqueue(errorReply(f.Topic, f.Ref, "missing_sensor_id"))
			return
		}
		sess.addFeed(req.SensorID)
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{"sensor_id": req.SensorID}))

	case EventUnsubscribeData:
		var req dataSubscribeRequest
		if err := json.Unmarshal(orEmptyObject(f.Payload), &req); err != nil || req.SensorID == "" {
			sess.enqueue(errorReply(f.Topic, f.Ref, "missing_sensor_id"))
			return
		}
		sess.removeFeed(req.SensorID)
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))

	case EventGetSnapshot:
		s.handleGetSnapshot(sess, f)

	case EventRegisterView, EventUnregisterView, EventRegisterHover, EventUnregisterHover,
		EventRegisterFocus, EventUnregisterFocus, EventPinSensor, EventUnpinSensor:
		s.handleAttentionSignal(sess, f)

	case EventReportBattery:
		var p batteryPayload
		if err := json.Unmarshal(orEmptyObject(f.Payload), &p); err != nil {
			sess.enqueue(errorReply(f.Topic, f.Ref, "malformed_payload"))
			return
		}
		s.tracker.ReportBattery(sess.id, attention.BatteryState(p.State))
		if f.Ref != nil {
			sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))
		}

	default:
		sess.logger.Debug().Str("event", f.Event).Msg("Unknown observer frame")
	}
}

func (s *Server) handleAttentionSignal(sess *Session, f Frame) {
	var p attentionPayload
	if err := json.Unmarshal(orEmptyObject(f.Payload), &p); err != nil || p.SensorID == "" {
		sess.enqueue(errorReply(f.Topic, f.Ref, "missing_sensor_id"))
		return
	}

	switch f.Event {
	case EventRegisterView:
		s.tracker.RegisterView(p.SensorID, p.AttributeID, sess.id)
	case EventUnregisterView:
		s.tracker.UnregisterView(p.SensorID, p.AttributeID, sess.id)
	case EventRegisterHover:
		s.tracker.RegisterHover(p.SensorID, p.AttributeID, sess.id)
	case EventUnregisterHover:
		s.tracker.UnregisterHover(p.SensorID, p.AttributeID, sess.id)
	case EventRegisterFocus:
		s.tracker.RegisterFocus(p.SensorID, p.AttributeID, sess.id)
	case EventUnregisterFocus:
		s.tracker.UnregisterFocus(p.SensorID, p.AttributeID, sess.id)
	case EventPinSensor:
		s.tracker.PinSensor(p.SensorID, sess.id)
	case EventUnpinSensor:
		s.tracker.UnpinSensor(p.SensorID, sess.id)
	}
	if f.Ref != nil {
		sess.enqueue(okReply(f.Topic, f.Ref, map[string]any{}))
	}
}

func (s *Server) handleGetSnapshot(sess *Session, f Frame) {
	var req snapshotRequest
	if err := json.Unmarshal(orEmptyObject(f.Payload), &req); err != nil || req.SensorID == "" {
		sess.enqueue(errorReply(f.Topic, f.Ref, "missing_sensor_id"))
		return
	}
	actor, ok := s.registry.Locate(req.SensorID)
	if !ok {
		sess.enqueue(errorReply(f.Topic, f.Ref, "sensor_not_found"))
		return
	}
	ctx, cancel := context.WithTimeout(sess.ctx, actorCallTimeout)
	snap, err := actor.Snapshot(ctx)
	cancel()
	if err != nil {
		sess.enqueue(errorReply(f.Topic, f.Ref, ingestReason(err)))
		return
	}
	sess.enqueue(okReply(f.Topic, f.Ref, snap))
}

// validationReason maps safe-key validator errors onto wire reasons.
func validationReason(err error) string {
	switch {
	case errors.Is(err, vocab.ErrUnknownKey):
		return "unknown_key"
	case errors.Is(err, vocab.ErrMissingKey):
		return "missing_fields"
	case errors.Is(err, vocab.ErrInvalidAttributeID):
		return "invalid_attribute_id"
	default:
		return "invalid_payload"
	}
}

// ingestReason maps actor errors onto wire reasons.
func ingestReason(err error) string {
	switch {
	case errors.Is(err, sensor.ErrInvalidAttributeID):
		return "invalid_attribute_id"
	case errors.Is(err, sensor.ErrMissingFields):
		return "missing_fields"
	case errors.Is(err, sensor.ErrInvalidAction):
		return "invalid_action"
	case errors.Is(err, sensor.ErrActorStopped):
		return "actor_stopped"
	case errors.Is(err, context.DeadlineExceeded):
		return "timeout"
	default:
		return "internal_error"
	}
}
