package bus

// Topic builders. Topics are plain strings so they can cross the wire
// unchanged; these helpers keep the naming in one place.

// TopicSystemLoad carries SystemLoadChanged events.
const TopicSystemLoad = "system:load"

// TopicSystemAttention carries baseline attention changes that apply to every
// sensor without direct observer signals.
const TopicSystemAttention = "system:attention"

// DataTopic is where a sensor's measurements are published.
func DataTopic(sensorID string) string { return "data:" + sensorID }

// SignalTopic carries sensor lifecycle signals (NewState).
func SignalTopic(sensorID string) string { return "signal:" + sensorID }

// AttentionTopic carries AttentionChanged events for one sensor.
func AttentionTopic(sensorID string) string { return "attention:" + sensorID }
