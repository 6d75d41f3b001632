// Package vocab holds the closed vocabularies the wire protocol is allowed to
// use. Untrusted map keys and identifiers coming off a connector are coerced
// through these tables instead of being interned as-is, so a hostile or buggy
// client cannot grow long-lived key tables with garbage.
package vocab

import (
	"errors"
	"fmt"
	"regexp"
	"sort"
)

// Validation errors, wrapped with the offending key or id.
var (
	ErrUnknownKey         = errors.New("unknown key")
	ErrMissingKey         = errors.New("missing key")
	ErrInvalidAttributeID = errors.New("invalid attribute_id")
)

// DefaultAttributeIDs is the attribute vocabulary shipped with the server.
// Deployments can replace it at construction time; it is immutable afterwards.
var DefaultAttributeIDs = []string{
	"heartrate",
	"hr",
	"ecg",
	"imu",
	"geolocation",
	"skeleton",
	"button",
	"pressure",
	"temperature",
	"battery",
	"humidity",
	"luminosity",
	"magnetometer",
	"barometer",
	"proximity",
}

// Action names accepted by update_attributes frames.
const (
	ActionAdd    = "add"
	ActionRemove = "remove"
	ActionUpdate = "update"
)

// Measurement frames must carry exactly these keys.
var measurementKeys = map[string]struct{}{
	"payload":      {},
	"timestamp":    {},
	"attribute_id": {},
}

// attributeIDShape mirrors the client-side rule: starts with a letter,
// at most 64 chars, alphanumerics plus underscore and hyphen.
var attributeIDShape = regexp.MustCompile(`^[a-zA-Z][a-zA-Z0-9_-]{0,63}$`)

// Vocabulary is an immutable set of permitted attribute identifiers.
type Vocabulary struct {
	attributes map[string]struct{}
}

// New builds a vocabulary from the given attribute ids. Ids that fail the
// shape rule are rejected at construction so a bad deployment config is
// caught at startup rather than at ingest time.
func New(attributeIDs []string) (*Vocabulary, error) {
	attrs := make(map[string]struct{}, len(attributeIDs))
	for _, id := range attributeIDs {
		if !attributeIDShape.MatchString(id) {
			return nil, fmt.Errorf("vocabulary: malformed attribute id %q", id)
		}
		attrs[id] = struct{}{}
	}
	return &Vocabulary{attributes: attrs}, nil
}

// Default returns a vocabulary over DefaultAttributeIDs.
func Default() *Vocabulary {
	v, err := New(DefaultAttributeIDs)
	if err != nil {
		panic(err)
	}
	return v
}

// ValidAttributeID reports whether id belongs to the vocabulary.
func (v *Vocabulary) ValidAttributeID(id string) bool {
	if !attributeIDShape.MatchString(id) {
		return false
	}
	_, ok := v.attributes[id]
	return ok
}

// ValidAction reports whether the action is one of add/remove/update.
func ValidAction(action string) bool {
	switch action {
	case ActionAdd, ActionRemove, ActionUpdate:
		return true
	}
	return false
}

// AttributeIDs returns the vocabulary contents, sorted, for diagnostics.
func (v *Vocabulary) AttributeIDs() []string {
	out := make([]string, 0, len(v.attributes))
	for id := range v.attributes {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// SafeKeysToEnum checks an untrusted measurement map against the closed key
// set. Unknown keys are rejected rather than widening the vocabulary; missing
// required keys are reported too. The returned map contains the same entries
// keyed by the canonical key strings, so applying the function twice is a
// no-op.
func (v *Vocabulary) SafeKeysToEnum(m map[string]any) (map[string]any, error) {
	for k := range m {
		if _, ok := measurementKeys[k]; !ok {
			return nil, fmt.Errorf("%w %q", ErrUnknownKey, k)
		}
	}
	for k := range measurementKeys {
		if _, ok := m[k]; !ok {
			return nil, fmt.Errorf("%w %q", ErrMissingKey, k)
		}
	}
	out := make(map[string]any, len(m))
	for k, val := range m {
		out[k] = val
	}
	if id, ok := out["attribute_id"].(string); !ok || !v.ValidAttributeID(id) {
		return nil, fmt.Errorf("%w %v", ErrInvalidAttributeID, out["attribute_id"])
	}
	return out, nil
}
