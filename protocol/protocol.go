// Package protocol classifies inbound relay frames and extracts the
// correlation metadata (thread id, anchor id, request id) the Hub routes
// on, without requiring the frame to conform to any fixed schema.
package protocol

import (
	"encoding/json"
	"strconv"
	"strings"
)

// Frame is a parsed, loosely-typed view of one inbound text frame.
// Fields are populated best-effort; a malformed or non-object frame
// yields a Frame with only Raw set (to the raw bytes).
type Frame struct {
	Raw       []byte
	Type      string // control "type" field, if present
	Method    string // RPC method, if this is a request
	HasMethod bool
	HasID     bool
	RequestID string // decimal-string key form of "id", if present
	ThreadID  string
	AnchorID  string

	obj map[string]any // nil if the frame did not decode to a JSON object
}

// Parse decodes raw as JSON and extracts routing metadata. It never
// returns an error: frames that don't decode to a JSON object are still
// routable, they just carry no correlation metadata (spec.md §4.1).
func Parse(raw []byte) Frame {
	f := Frame{Raw: raw}

	var v any
	if err := json.Unmarshal(raw, &v); err != nil {
		return f
	}
	obj, ok := v.(map[string]any)
	if !ok {
		return f
	}
	f.obj = obj

	if t, ok := obj["type"].(string); ok {
		f.Type = t
	}
	if m, ok := obj["method"].(string); ok && m != "" {
		f.Method = m
		f.HasMethod = true
	}

	if id, present := obj["id"]; present {
		if key, ok := idKey(id); ok {
			f.HasID = true
			f.RequestID = key
		}
	}

	f.ThreadID = extractID(obj, "thread")
	f.AnchorID = extractID(obj, "anchor")

	return f
}

// idKey normalises a JSON-RPC id (string or number) to its decimal-string
// request key. Booleans, null, objects, and blank/whitespace-only strings
// are rejected.
func idKey(id any) (string, bool) {
	switch v := id.(type) {
	case string:
		trimmed := strings.TrimSpace(v)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	case float64:
		return strconv.FormatInt(int64(v), 10), true
	default:
		return "", false
	}
}

// asObject returns v as a map[string]any, or nil, false if it isn't one.
func asObject(v any) (map[string]any, bool) {
	m, ok := v.(map[string]any)
	return m, ok
}

// extractID implements the priority-ordered lookup shared by thread id and
// anchor id extraction (spec.md §4.1): params.<kind>Id, params.<kind>_id,
// result.<kind>Id, result.<kind>_id, params.<kind>.id, result.<kind>.id,
// and — for thread only — params.item.threadId/thread_id.
func extractID(obj map[string]any, kind string) string {
	params, _ := asObject(obj["params"])
	result, _ := asObject(obj["result"])

	candidates := make([]any, 0, 8)
	if params != nil {
		candidates = append(candidates, params[kind+"Id"], params[kind+"_id"])
	} else {
		candidates = append(candidates, nil, nil)
	}
	if result != nil {
		candidates = append(candidates, result[kind+"Id"], result[kind+"_id"])
	} else {
		candidates = append(candidates, nil, nil)
	}

	if nested, ok := asObject(fieldOrNil(params, kind)); ok {
		candidates = append(candidates, nested["id"])
	} else {
		candidates = append(candidates, nil)
	}
	if nested, ok := asObject(fieldOrNil(result, kind)); ok {
		candidates = append(candidates, nested["id"])
	} else {
		candidates = append(candidates, nil)
	}

	if kind == "thread" {
		if item, ok := asObject(fieldOrNil(params, "item")); ok {
			candidates = append(candidates, item["threadId"], item["thread_id"])
		}
	}

	for _, c := range candidates {
		if s, ok := stringCandidate(c); ok {
			return s
		}
	}
	return ""
}

func fieldOrNil(m map[string]any, key string) any {
	if m == nil {
		return nil
	}
	return m[key]
}

// stringCandidate accepts a trimmed non-empty string or an integer
// (stringified); booleans, floats with fractions, null, and objects are
// rejected (spec.md §4.1: "booleans rejected; integers stringified").
func stringCandidate(v any) (string, bool) {
	switch t := v.(type) {
	case string:
		trimmed := strings.TrimSpace(t)
		if trimmed == "" {
			return "", false
		}
		return trimmed, true
	case float64:
		if t == float64(int64(t)) {
			return strconv.FormatInt(int64(t), 10), true
		}
		return "", false
	default:
		return "", false
	}
}
