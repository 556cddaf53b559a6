package cachekey

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"sort"
)

// HashQuery produces a stable hash for a query predicate scoped by a location prefix. The
// predicate is expected to be a serializable value (map, struct, or anything encoding/json
// accepts); map keys are sorted during marshaling via sortedValue so that two logically
// identical queries built through different code paths hash identically. The location
// prefix is folded into the hash since spec.md scopes query results by location (§3, §4.2).
func HashQuery(predicate interface{}, loc []LocPart) string {
	norm := struct {
		Predicate interface{}    `json:"predicate"`
		Loc       []canonicalLoc `json:"loc,omitempty"`
	}{
		Predicate: sortedValue(predicate),
	}
	for _, l := range loc {
		norm.Loc = append(norm.Loc, canonicalLoc{KT: l.KT, LK: coerceScalar(l.LK)})
	}
	data, err := json.Marshal(norm)
	if err != nil {
		// Fall back to a best-effort representation rather than failing the caller; an
		// unhashable predicate still needs *some* stable-enough identity to dedupe by.
		data = []byte(fmt.Sprintf("%#v|%v", predicate, loc))
	}
	sum := sha256.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// HashFind produces a stable hash for a named finder invocation with its parameters, per
// spec.md §4.9's find() caching rule (finder name + params form the hash).
func HashFind(finder string, params map[string]interface{}, loc []LocPart) string {
	return HashQuery(struct {
		Finder string                 `json:"finder"`
		Params map[string]interface{} `json:"params"`
	}{Finder: finder, Params: params}, loc)
}

// sortedValue recursively rewrites maps into slices of sorted key/value pairs so that
// json.Marshal's output is deterministic regardless of Go's randomized map iteration order.
func sortedValue(v interface{}) interface{} {
	switch t := v.(type) {
	case map[string]interface{}:
		keys := make([]string, 0, len(t))
		for k := range t {
			keys = append(keys, k)
		}
		sort.Strings(keys)
		out := make([]kv, 0, len(t))
		for _, k := range keys {
			out = append(out, kv{K: k, V: sortedValue(t[k])})
		}
		return out
	case []interface{}:
		out := make([]interface{}, len(t))
		for i, e := range t {
			out[i] = sortedValue(e)
		}
		return out
	default:
		return v
	}
}

type kv struct {
	K string      `json:"k"`
	V interface{} `json:"v"`
}
