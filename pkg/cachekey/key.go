// Package cachekey implements canonical key normalization for the hierarchical item cache.
//
// A Key identifies either a top-level item (PriKey: kind tag + primary identifier) or an
// item nested inside a chain of containing scopes (ComKey: PriKey + location). Two keys are
// logically equal when their tags match positionally and their scalar identifiers agree after
// decimal-string coercion — the remote API and the serialized stores round-trip identifiers in
// heterogeneous types (string vs number), so equality must be type-insensitive on identifiers
// while staying strict on tags and position.
package cachekey

import (
	"encoding/json"
	"fmt"
	"strconv"
)

// MaxLocations is the maximum number of location levels a ComKey may carry.
const MaxLocations = 5

// LocPart names one containing scope: a type tag and its scalar identifier.
type LocPart struct {
	KT string      `json:"kt"`
	LK interface{} `json:"lk"`
}

// Key is a primary or composite key. Kind is the entity's type tag, PK its scalar primary
// identifier, and Loc (possibly empty) the chain of containing scopes, outermost first.
type Key struct {
	Kind string      `json:"kt"`
	PK   interface{} `json:"pk"`
	Loc  []LocPart   `json:"loc,omitempty"`
}

// Pri builds a primary key (no location).
func Pri(kind string, pk interface{}) Key {
	return Key{Kind: kind, PK: pk}
}

// Com builds a composite key nested under the given location chain.
func Com(kind string, pk interface{}, loc ...LocPart) Key {
	return Key{Kind: kind, PK: pk, Loc: loc}
}

// IsComposite reports whether k carries any location levels.
func (k Key) IsComposite() bool {
	return len(k.Loc) > 0
}

// Validate checks structural shape: a non-empty Kind, a non-nil PK, at most MaxLocations
// location levels, and non-empty tags/identifiers at every level. Returns ErrInvalidKey
// (wrapped with context) on violation, matching spec.md §7's InvalidKey error kind.
func (k Key) Validate() error {
	if k.Kind == "" {
		return fmt.Errorf("%w: empty kind tag", ErrInvalidKey)
	}
	if k.PK == nil {
		return fmt.Errorf("%w: nil primary key for kind %q", ErrInvalidKey, k.Kind)
	}
	if len(k.Loc) > MaxLocations {
		return fmt.Errorf("%w: %d location levels exceeds max %d", ErrInvalidKey, len(k.Loc), MaxLocations)
	}
	for i, l := range k.Loc {
		if l.KT == "" {
			return fmt.Errorf("%w: empty location kind at level %d", ErrInvalidKey, i)
		}
		if l.LK == nil {
			return fmt.Errorf("%w: nil location identifier at level %d (kind %q)", ErrInvalidKey, i, l.KT)
		}
	}
	return nil
}

// Normalize produces a canonical string form of k suitable for use as a map/store key. Every
// scalar identifier (PK and each LocPart.LK) is coerced to its decimal string representation
// before encoding, so that e.g. Pri("user", 1) and Pri("user", "1") normalize identically.
// Array positions in Loc are preserved (location order is semantically significant); object
// field order is fixed by construction. Any two logically-equal keys normalize byte-identically.
func Normalize(k Key) string {
	canon := canonicalKey{
		Kind: k.Kind,
		PK:   coerceScalar(k.PK),
		Loc:  make([]canonicalLoc, len(k.Loc)),
	}
	for i, l := range k.Loc {
		canon.Loc[i] = canonicalLoc{KT: l.KT, LK: coerceScalar(l.LK)}
	}
	// encoding/json with fixed struct field order already gives stable output; canonicalKey
	// has no map fields, so no sorting step is needed.
	data, err := json.Marshal(canon)
	if err != nil {
		// canonicalKey only contains strings and slices thereof; Marshal cannot fail.
		panic(fmt.Sprintf("cachekey: unreachable marshal failure: %v", err))
	}
	return string(data)
}

type canonicalKey struct {
	Kind string         `json:"kt"`
	PK   string         `json:"pk"`
	Loc  []canonicalLoc `json:"loc,omitempty"`
}

type canonicalLoc struct {
	KT string `json:"kt"`
	LK string `json:"lk"`
}

// coerceScalar renders a PK/LK value as its canonical decimal string form. Numeric types
// (including those that round-trip through JSON as float64) are formatted without a decimal
// point when they represent an integral value, so 1, 1.0 and "1" all coerce to "1".
func coerceScalar(v interface{}) string {
	switch t := v.(type) {
	case string:
		return t
	case int:
		return strconv.Itoa(t)
	case int32:
		return strconv.FormatInt(int64(t), 10)
	case int64:
		return strconv.FormatInt(t, 10)
	case uint:
		return strconv.FormatUint(uint64(t), 10)
	case uint64:
		return strconv.FormatUint(t, 10)
	case float32:
		return formatFloat(float64(t))
	case float64:
		return formatFloat(t)
	case json.Number:
		return t.String()
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprintf("%v", v)
	}
}

func formatFloat(f float64) string {
	if f == float64(int64(f)) {
		return strconv.FormatInt(int64(f), 10)
	}
	return strconv.FormatFloat(f, 'g', -1, 64)
}

// Equal reports whether a and b are logically equal: same kind, same normalized PK, and
// pairwise-equal locations in order.
func Equal(a, b Key) bool {
	if a.Kind != b.Kind {
		return false
	}
	if coerceScalar(a.PK) != coerceScalar(b.PK) {
		return false
	}
	return LocEquals(a.Loc, b.Loc)
}

// LocEquals reports whether two location chains are equal: same length, each level's tag and
// coerced identifier matching positionally.
func LocEquals(a, b []LocPart) bool {
	if len(a) != len(b) {
		return false
	}
	for i := range a {
		if a[i].KT != b[i].KT {
			return false
		}
		if coerceScalar(a[i].LK) != coerceScalar(b[i].LK) {
			return false
		}
	}
	return true
}

// LocPrefixMatch reports whether item's location chain equals prefix exactly, or prefix is
// empty (matching every item). Used by CacheMap.AllIn / query location scoping (spec.md §4.2).
func LocPrefixMatch(itemLoc, prefix []LocPart) bool {
	if len(prefix) == 0 {
		return true
	}
	return LocEquals(itemLoc, prefix)
}

// String implements fmt.Stringer for debugging/log output.
func (k Key) String() string {
	return Normalize(k)
}
