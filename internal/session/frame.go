package session

import "encoding/json"

// Frame is the framed JSON envelope both directions speak. Topic names a
// channel (sensor:<id>, connector:<id>); Ref correlates replies with client
// requests and is echoed verbatim.
type Frame struct {
	Topic   string          `json:"topic"`
	Event   string          `json:"event"`
	Payload json.RawMessage `json:"payload,omitempty"`
	Ref     *string         `json:"ref,omitempty"`
}

// Client-originated events.
const (
	EventJoin             = "phx_join"
	EventLeave            = "phx_leave"
	EventHeartbeat        = "heartbeat"
	EventMeasurement      = "measurement"
	EventMeasurementBatch = "measurements_batch"
	EventUpdateAttributes = "update_attributes"
	EventPing             = "ping"
	EventGetSnapshot      = "get_snapshot"
	EventSubscribeData    = "subscribe_data"
	EventUnsubscribeData  = "unsubscribe_data"
	EventRegisterView     = "register_view"
	EventUnregisterView   = "unregister_view"
	EventRegisterHover    = "register_hover"
	EventUnregisterHover  = "unregister_hover"
	EventRegisterFocus    = "register_focus"
	EventUnregisterFocus  = "unregister_focus"
	EventPinSensor        = "pin_sensor"
	EventUnpinSensor      = "unpin_sensor"
	EventReportBattery    = "report_battery"
)

// Server-originated events.
const (
	EventReply              = "phx_reply"
	EventBackpressureConfig = "backpressure_config"
	EventNewState           = "new_state"
)

// Reply statuses.
const (
	statusOK    = "ok"
	statusError = "error"
)

type replyPayload struct {
	Status   string `json:"status"`
	Response any    `json:"response"`
}

type errorResponse struct {
	Reason      string `json:"reason"`
	FailedCount int    `json:"failed_count,omitempty"`
}

// okReply builds a phx_reply frame with the given response body.
func okReply(topic string, ref *string, response any) Frame {
	return reply(topic, ref, replyPayload{Status: statusOK, Response: response})
}

// errorReply builds a phx_reply frame carrying a structured reason.
func errorReply(topic string, ref *string, reason string) Frame {
	return reply(topic, ref, replyPayload{Status: statusError, Response: errorResponse{Reason: reason}})
}

func reply(topic string, ref *string, payload replyPayload) Frame {
	raw, err := json.Marshal(payload)
	if err != nil {
		raw = []byte(`{"status":"error","response":{"reason":"encoding_failed"}}`)
	}
	return Frame{Topic: topic, Event: EventReply, Payload: raw, Ref: ref}
}

// joinPayload is the body of a phx_join on sensor:<id>.
type joinPayload struct {
	ConnectorID  string          `json:"connector_id"`
	SensorID     string          `json:"sensor_id"`
	SensorName   string          `json:"sensor_name"`
	SensorType   string          `json:"sensor_type"`
	Attributes   []joinAttribute `json:"attributes"`
	SamplingRate float64         `json:"sampling_rate"`
	BatchSize    int             `json:"batch_size"`
	BearerToken  string          `json:"bearer_token"`
}

type joinAttribute struct {
	AttributeID string         `json:"attribute_id"`
	Metadata    map[string]any `json:"metadata"`
}

type updateAttributesPayload struct {
	Action      string         `json:"action"`
	AttributeID string         `json:"attribute_id"`
	Metadata    map[string]any `json:"metadata"`
}

// attentionPayload is the body of the observer signal events.
type attentionPayload struct {
	SensorID    string `json:"sensor_id"`
	AttributeID string `json:"attribute_id"`
}

type batteryPayload struct {
	State string `json:"state"`
}

type snapshotRequest struct {
	SensorID string `json:"sensor_id"`
}

type dataSubscribeRequest struct {
	SensorID string `json:"sensor_id"`
}
