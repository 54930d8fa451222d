package telemetry

import (
	"bytes"
	"encoding/json"
	"fmt"
	"maps"
	"strconv"
)

// Zones is the number of heating zones reporting temperature and power.
const Zones = 4

// WorkItems is the number of work-item identifier slots.
const WorkItems = 3

// Reading is one timestamped telemetry payload. Once appended to a store it
// must not be modified.
type Reading struct {
	Timestamp int64   `json:"timestamp"`
	Topic     string  `json:"topic"`
	Payload   Payload `json:"payload"`
}

// Payload is either a key/value object or an opaque string kept verbatim
// because it was not a JSON object.
type Payload struct {
	values map[string]any
	raw    string
	opaque bool
}

// ObjectPayload builds a payload from a key/value map. The map is copied.
func ObjectPayload(values map[string]any) Payload {
	if values == nil {
		values = map[string]any{}
	}
	return Payload{values: maps.Clone(values)}
}

// OpaquePayload wraps text that could not be interpreted as a JSON object.
func OpaquePayload(raw string) Payload {
	return Payload{raw: raw, opaque: true}
}

// Normalize turns raw message bytes into a Payload. Text that is not a JSON
// object becomes an opaque payload instead of an error. An object nested one
// level under "data" is unwrapped.
func Normalize(raw []byte) Payload {
	var obj map[string]any
	trimmed := bytes.TrimSpace(raw)
	if len(trimmed) == 0 || trimmed[0] != '{' {
		return OpaquePayload(string(raw))
	}
	if err := json.Unmarshal(trimmed, &obj); err != nil || obj == nil {
		return OpaquePayload(string(raw))
	}
	if inner, ok := obj["data"].(map[string]any); ok {
		obj = inner
	}
	return Payload{values: obj}
}

// IsOpaque reports whether the payload is an uninterpreted string.
func (p Payload) IsOpaque() bool { return p.opaque }

// Raw returns the original text of an opaque payload.
func (p Payload) Raw() string { return p.raw }

// Len returns the number of keys of an object payload.
func (p Payload) Len() int { return len(p.values) }

// Values returns a copy of the key/value map, nil for opaque payloads.
func (p Payload) Values() map[string]any {
	if p.opaque {
		return nil
	}
	return maps.Clone(p.values)
}

// Value returns the raw value stored under key.
func (p Payload) Value(key string) (any, bool) {
	v, ok := p.values[key]
	return v, ok
}

// Number returns the numeric value stored under key, or nil when the key is
// absent, null or not a number. Numeric strings are accepted.
func (p Payload) Number(key string) *float64 {
	switch v := p.values[key].(type) {
	case float64:
		return &v
	case json.Number:
		if f, err := v.Float64(); err == nil {
			return &f
		}
	case string:
		if f, err := strconv.ParseFloat(v, 64); err == nil {
			return &f
		}
	case int:
		f := float64(v)
		return &f
	case int64:
		f := float64(v)
		return &f
	}
	return nil
}

// Text returns the value under key as a string, or nil when absent or null.
func (p Payload) Text(key string) *string {
	switch v := p.values[key].(type) {
	case nil:
		return nil
	case string:
		return &v
	case float64:
		s := strconv.FormatFloat(v, 'f', -1, 64)
		return &s
	default:
		s := fmt.Sprint(v)
		return &s
	}
}

// MarshalJSON encodes an object payload as an object and an opaque payload as
// a string.
func (p Payload) MarshalJSON() ([]byte, error) {
	if p.opaque {
		return json.Marshal(p.raw)
	}
	if p.values == nil {
		return []byte("{}"), nil
	}
	return json.Marshal(p.values)
}

// UnmarshalJSON accepts either form produced by MarshalJSON. A stored object
// still nested under "data" is unwrapped the same way Normalize does it.
func (p *Payload) UnmarshalJSON(b []byte) error {
	trimmed := bytes.TrimSpace(b)
	if len(trimmed) > 0 && trimmed[0] == '"' {
		var s string
		if err := json.Unmarshal(trimmed, &s); err != nil {
			return fmt.Errorf("decode opaque payload: %w", err)
		}
		*p = OpaquePayload(s)
		return nil
	}
	if bytes.Equal(trimmed, []byte("null")) {
		*p = ObjectPayload(nil)
		return nil
	}
	*p = Normalize(trimmed)
	if p.opaque {
		return fmt.Errorf("payload is neither an object nor a string: %s", trimmed)
	}
	return nil
}

// Fields is the interpreted view of a payload. Every field is optional; a nil
// pointer means the key was absent or null and must never be read as zero.
type Fields struct {
	Temperatures [Zones]*float64
	Powers       [Zones]*float64
	ProcessTemp  *float64
	WorkItems    [WorkItems]*string
}

// TemperatureKey returns the payload key of zone i (1-based).
func TemperatureKey(zone int) string { return strconv.Itoa(zone) + "wd" }

// PowerKey returns the power key of zone i (1-based).
func PowerKey(zone int) string { return strconv.Itoa(zone) + "gl" }

// WorkItemKey returns the work-item key of slot i (1-based).
func WorkItemKey(slot int) string { return strconv.Itoa(slot) + "bh" }

// ProcessTempKey is the aggregate process temperature key.
const ProcessTempKey = "0wd"

// Fields interprets the recognized keys. Opaque payloads yield empty Fields.
func (p Payload) Fields() Fields {
	var f Fields
	if p.opaque {
		return f
	}
	for i := range Zones {
		f.Temperatures[i] = p.Number(TemperatureKey(i + 1))
		f.Powers[i] = p.Number(PowerKey(i + 1))
	}
	f.ProcessTemp = p.Number(ProcessTempKey)
	for i := range WorkItems {
		f.WorkItems[i] = p.Text(WorkItemKey(i + 1))
	}
	return f
}

// AverageTemperature returns the mean of the zone temperatures that are
// present, and false when none are.
func (f Fields) AverageTemperature() (float64, bool) {
	var sum float64
	var n int
	for _, t := range f.Temperatures {
		if t != nil {
			sum += *t
			n++
		}
	}
	if n == 0 {
		return 0, false
	}
	return sum / float64(n), true
}
