package envelope

import (
	"math"
)

// Produce builds the outbound envelope for a sample. It is a pure function:
// nested maps are flattened to dotted keys, arrays keep their shape, and
// every non-finite float becomes Sentinel.
func Produce(source string, s Sample) Envelope {
	payload := make(map[string]any, len(s.Fields))
	flatten(payload, "", s.Fields)
	return Envelope{
		Source:    source,
		Topic:     s.Topic,
		Payload:   payload,
		Timestamp: s.Timestamp,
	}
}

// Sanitize returns a copy of m with non-finite floats replaced by Sentinel
// at any depth. Structure is preserved.
func Sanitize(m map[string]any) map[string]any {
	out := make(map[string]any, len(m))
	for k, v := range m {
		out[k] = sanitize(v)
	}
	return out
}

func flatten(dst map[string]any, prefix string, src map[string]any) {
	for k, v := range src {
		key := k
		if prefix != "" {
			key = prefix + "." + k
		}
		if nested, ok := v.(map[string]any); ok && len(nested) > 0 {
			flatten(dst, key, nested)
			continue
		}
		dst[key] = sanitize(v)
	}
}

func sanitize(v any) any {
	switch x := v.(type) {
	case float64:
		if math.IsNaN(x) || math.IsInf(x, 0) {
			return Sentinel
		}
		return x
	case float32:
		f := float64(x)
		if math.IsNaN(f) || math.IsInf(f, 0) {
			return Sentinel
		}
		return f
	case []any:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitize(e)
		}
		return out
	case []float64:
		out := make([]any, len(x))
		for i, e := range x {
			out[i] = sanitize(e)
		}
		return out
	case map[string]any:
		return Sanitize(x)
	default:
		return v
	}
}
