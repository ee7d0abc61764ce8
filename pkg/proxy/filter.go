package proxy

import "encoding/json"

// ResponseFilter shapes a successful adapter response body before it's
// returned to the caller, per §4.8's final step. redact is the list of
// dot-separated field paths policy.Result.Redact carried from the policy
// decision; an implementation that has nothing to do must return body
// unchanged.
type ResponseFilter interface {
	Filter(body []byte, redact []string) ([]byte, error)
}

// FieldRedactor deletes the given dot-path fields from a JSON object body.
// Bodies that aren't a JSON object, or that fail to unmarshal, are returned
// unchanged — redaction is best-effort shaping, not a content validator.
type FieldRedactor struct{}

func (FieldRedactor) Filter(body []byte, redact []string) ([]byte, error) {
	if len(redact) == 0 {
		return body, nil
	}

	var obj map[string]any
	if err := json.Unmarshal(body, &obj); err != nil {
		return body, nil
	}

	for _, path := range redact {
		deletePath(obj, path)
	}

	out, err := json.Marshal(obj)
	if err != nil {
		return body, nil
	}
	return out, nil
}

// deletePath removes the field named by a dot-separated path (e.g.
// "headers.authorization") from a decoded JSON object, descending through
// nested objects. A path segment that isn't present, or that isn't an
// object, stops the descent silently.
func deletePath(obj map[string]any, path string) {
	segments := splitPath(path)
	cur := obj
	for i, seg := range segments {
		if i == len(segments)-1 {
			delete(cur, seg)
			return
		}
		next, ok := cur[seg].(map[string]any)
		if !ok {
			return
		}
		cur = next
	}
}

func splitPath(path string) []string {
	var segments []string
	start := 0
	for i := 0; i < len(path); i++ {
		if path[i] == '.' {
			segments = append(segments, path[start:i])
			start = i + 1
		}
	}
	segments = append(segments, path[start:])
	return segments
}
