// Package tooling computes the stable request fingerprint used as the
// cache key and single-flight coalescing key, and tracks adapter
// descriptors for the (tool, action) registry.
package tooling

import (
	"fmt"
	"sort"

	"github.com/mindburn-labs/agent-gateway/pkg/canonicalize"
)

// Request is the normalized shape a fingerprint is computed over: tool,
// action, canonicalized params, and the caller's scope hash.
type Request struct {
	Tool      string                 `json:"tool"`
	Action    string                 `json:"action"`
	Params    map[string]interface{} `json:"params"`
	ScopeHash string                 `json:"scope_hash"`
}

// Fingerprint computes a stable hash over (tool, action, canonicalized
// params, scope hash). String params are NFC-normalized before hashing
// so visually identical inputs with differing Unicode forms collide.
func Fingerprint(req Request) (string, error) {
	normalized := normalizeParams(req.Params)
	canonical := Request{
		Tool:      req.Tool,
		Action:    req.Action,
		Params:    normalized,
		ScopeHash: req.ScopeHash,
	}

	data, err := canonicalize.JSON(canonical)
	if err != nil {
		return "", fmt.Errorf("tooling: canonicalize request: %w", err)
	}
	return canonicalize.HashBytes(data), nil
}

// normalizeParams walks params recursively, NFC-normalizing every
// string value so the fingerprint is insensitive to Unicode form.
func normalizeParams(v interface{}) interface{} {
	switch val := v.(type) {
	case string:
		return canonicalize.NormalizeString(val)
	case map[string]interface{}:
		out := make(map[string]interface{}, len(val))
		for k, sub := range val {
			out[k] = normalizeParams(sub)
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(val))
		for i, sub := range val {
			out[i] = normalizeParams(sub)
		}
		return out
	default:
		return val
	}
}

// ScopeHash computes a stable hash over a sorted (tool, action) scope
// list, used as the scope component of a request fingerprint so two
// agents with different grants never collide on the same cache entry.
func ScopeHash(tools, actions []string) (string, error) {
	sortedTools := append([]string(nil), tools...)
	sort.Strings(sortedTools)
	sortedActions := append([]string(nil), actions...)
	sort.Strings(sortedActions)

	data, err := canonicalize.JSON(struct {
		Tools   []string `json:"tools"`
		Actions []string `json:"actions"`
	}{sortedTools, sortedActions})
	if err != nil {
		return "", fmt.Errorf("tooling: canonicalize scope: %w", err)
	}
	return canonicalize.HashBytes(data), nil
}
