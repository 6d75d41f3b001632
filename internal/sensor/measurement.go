package sensor

// Measurement is one timestamped reading for a sensor attribute. Payload is
// opaque to the backbone; for the well-known numeric attribute kinds it is a
// number or a structured record, but the server never interprets it beyond
// validation of the surrounding keys.
type Measurement struct {
	SensorID    string `json:"sensor_id,omitempty"`
	AttributeID string `json:"attribute_id"`
	Payload     any    `json:"payload"`
	TimestampMS int64  `json:"timestamp"`
	Event       string `json:"event,omitempty"` // press, release, ...
}

// AttributeMeta is connector-supplied metadata for one attribute.
type AttributeMeta struct {
	AttributeID string         `json:"attribute_id"`
	Metadata    map[string]any `json:"metadata,omitempty"`
}

// Meta describes a sensor at join time.
type Meta struct {
	SensorID     string          `json:"sensor_id"`
	SensorName   string          `json:"sensor_name,omitempty"`
	SensorType   string          `json:"sensor_type,omitempty"`
	Attributes   []AttributeMeta `json:"attributes,omitempty"`
	SamplingRate float64         `json:"sampling_rate,omitempty"`
}

// ColdSink receives warm-tier evictions. Implementations must not block the
// caller for long; appends are fire and forget from the actor's point of view.
type ColdSink interface {
	Append(sensorID string, measurements []Measurement) error
}
