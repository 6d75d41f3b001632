package sensor

import (
	"sync"
)

// Tier capacity defaults. Hot is walked on every push so it stays small;
// warm answers history requests without touching cold storage.
const (
	DefaultHotCapacity  = 500
	DefaultWarmCapacity = 10_000
)

// AttributeSeries is the bounded two-tier history for one attribute.
// Both slices are ordered newest-first and hot ++ warm forms one contiguous
// newest-first sequence: every entry in hot is newer than every entry in warm.
type AttributeSeries struct {
	hot  []Measurement
	warm []Measurement
	last *Measurement
}

// SeriesStats summarizes a store for diagnostics.
type SeriesStats struct {
	HotEntries  int `json:"hot_entries"`
	WarmEntries int `json:"warm_entries"`
	Attributes  int `json:"attributes"`
}

// SeriesStore holds the per-attribute series of a single sensor. It is owned
// by that sensor's actor; the RWMutex exists for snapshot readers, writers
// are serialized by the actor already.
type SeriesStore struct {
	mu       sync.RWMutex
	sensorID string
	hotCap   int
	warmCap  int
	series   map[string]*AttributeSeries
	cold     ColdSink
}

// NewSeriesStore creates a store with the given tier capacities. Zero or
// negative capacities fall back to the defaults. sink may be nil.
func NewSeriesStore(sensorID string, hotCap, warmCap int, sink ColdSink) *SeriesStore {
	if hotCap <= 0 {
		hotCap = DefaultHotCapacity
	}
	if warmCap <= 0 {
		warmCap = DefaultWarmCapacity
	}
	return &SeriesStore{
		sensorID: sensorID,
		hotCap:   hotCap,
		warmCap:  warmCap,
		series:   make(map[string]*AttributeSeries),
		cold:     sink,
	}
}

// Put prepends m to the attribute's hot tier. Displaced hot entries move to
// the front of warm; warm evictions go to the cold sink when one is set.
// Returns the measurements evicted from warm (already handed to the sink).
func (s *SeriesStore) Put(attributeID string, m Measurement) []Measurement {
	s.mu.Lock()
	ser, ok := s.series[attributeID]
	if !ok {
		ser = &AttributeSeries{}
		s.series[attributeID] = ser
	}

	// Prepend to hot (newest-first).
	ser.hot = append(ser.hot, Measurement{})
	copy(ser.hot[1:], ser.hot)
	ser.hot[0] = m
	keep := m
	ser.last = &keep

	var evicted []Measurement
	if len(ser.hot) > s.hotCap {
		// The tail of hot holds its oldest entries, all newer than warm.
		overflow := make([]Measurement, len(ser.hot)-s.hotCap)
		copy(overflow, ser.hot[s.hotCap:])
		ser.hot = ser.hot[:s.hotCap]

		ser.warm = append(overflow, ser.warm...)
		if len(ser.warm) > s.warmCap {
			evicted = make([]Measurement, len(ser.warm)-s.warmCap)
			copy(evicted, ser.warm[s.warmCap:])
			ser.warm = ser.warm[:s.warmCap]
		}
	}
	s.mu.Unlock()

	if len(evicted) > 0 && s.cold != nil {
		// Fire and forget; the sink is responsible for its own buffering.
		_ = s.cold.Append(s.sensorID, evicted)
	}
	return evicted
}

// GetHot returns up to limit entries from the hot tier, newest first.
// limit <= 0 means no truncation.
func (s *SeriesStore) GetHot(attributeID string, limit int) []Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[attributeID]
	if !ok {
		return nil
	}
	n := len(ser.hot)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]Measurement, n)
	copy(out, ser.hot[:n])
	return out
}

// GetRange returns the newest-first prefix of hot ++ warm whose timestamps
// fall within [from, to], truncated to limit. Nil bounds are open; limit <= 0
// means no truncation.
func (s *SeriesStore) GetRange(attributeID string, from, to *int64, limit int) []Measurement {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[attributeID]
	if !ok {
		return nil
	}

	var out []Measurement
	appendMatching := func(tier []Measurement) bool {
		for _, m := range tier {
			if to != nil && m.TimestampMS > *to {
				continue
			}
			if from != nil && m.TimestampMS < *from {
				continue
			}
			out = append(out, m)
			if limit > 0 && len(out) >= limit {
				return false
			}
		}
		return true
	}
	if appendMatching(ser.hot) {
		appendMatching(ser.warm)
	}
	return out
}

// Last returns the most recent measurement for the attribute, if any.
func (s *SeriesStore) Last(attributeID string) (Measurement, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ser, ok := s.series[attributeID]
	if !ok || ser.last == nil {
		return Measurement{}, false
	}
	return *ser.last, true
}

// RemoveAttribute drops the whole series for the attribute.
func (s *SeriesStore) RemoveAttribute(attributeID string) {
	s.mu.Lock()
	delete(s.series, attributeID)
	s.mu.Unlock()
}

// Stats reports entry counts across all attributes.
func (s *SeriesStore) Stats() SeriesStats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st := SeriesStats{Attributes: len(s.series)}
	for _, ser := range s.series {
		st.HotEntries += len(ser.hot)
		st.WarmEntries += len(ser.warm)
	}
	return st
}

// AttributeIDs lists attributes that currently hold data.
func (s *SeriesStore) AttributeIDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.series))
	for id := range s.series {
		out = append(out, id)
	}
	return out
}

// Clear drops every series. Used on actor termination.
func (s *SeriesStore) Clear() {
	s.mu.Lock()
	s.series = make(map[string]*AttributeSeries)
	s.mu.Unlock()
}
