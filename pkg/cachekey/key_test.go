package cachekey

import "testing"

func TestNormalizeScalarCoercion(t *testing.T) {
	a := Pri("user", 1)
	b := Pri("user", "1")

	if Normalize(a) != Normalize(b) {
		t.Fatalf("expected normalized forms to match: %q vs %q", Normalize(a), Normalize(b))
	}
	if !Equal(a, b) {
		t.Fatalf("expected Equal(a, b) to be true")
	}
}

func TestNormalizeDistinguishesKind(t *testing.T) {
	a := Pri("user", 1)
	b := Pri("account", 1)

	if Normalize(a) == Normalize(b) {
		t.Fatalf("expected different kinds to normalize differently")
	}
}

func TestComKeyLocationOrderMatters(t *testing.T) {
	a := Com("task", 1, LocPart{KT: "org", LK: "1"}, LocPart{KT: "project", LK: "2"})
	b := Com("task", 1, LocPart{KT: "project", LK: "2"}, LocPart{KT: "org", LK: "1"})

	if Equal(a, b) {
		t.Fatalf("expected reordered location levels to be unequal")
	}
}

func TestLocEquals(t *testing.T) {
	a := []LocPart{{KT: "org", LK: 1}, {KT: "project", LK: "2"}}
	b := []LocPart{{KT: "org", LK: "1"}, {KT: "project", LK: 2}}

	if !LocEquals(a, b) {
		t.Fatalf("expected numeric/string coercion to make locations equal")
	}
}

func TestLocPrefixMatchEmptyMatchesAll(t *testing.T) {
	item := []LocPart{{KT: "org", LK: 1}}
	if !LocPrefixMatch(item, nil) {
		t.Fatalf("expected empty prefix to match any location")
	}
	if !LocPrefixMatch(item, item) {
		t.Fatalf("expected identical location to match")
	}
	if LocPrefixMatch(item, []LocPart{{KT: "org", LK: 2}}) {
		t.Fatalf("expected differing location to not match")
	}
}

func TestValidateRejectsEmptyKind(t *testing.T) {
	k := Key{PK: 1}
	if err := k.Validate(); err == nil {
		t.Fatalf("expected error for empty kind")
	}
}

func TestValidateRejectsNilPK(t *testing.T) {
	k := Key{Kind: "user"}
	if err := k.Validate(); err == nil {
		t.Fatalf("expected error for nil pk")
	}
}

func TestValidateRejectsTooManyLocations(t *testing.T) {
	loc := make([]LocPart, MaxLocations+1)
	for i := range loc {
		loc[i] = LocPart{KT: "lvl", LK: i}
	}
	k := Key{Kind: "item", PK: 1, Loc: loc}
	if err := k.Validate(); err == nil {
		t.Fatalf("expected error for too many location levels")
	}
}

func TestHashQueryStableUnderMapOrdering(t *testing.T) {
	p1 := map[string]interface{}{"name": "a", "active": true, "limit": 10}
	p2 := map[string]interface{}{"limit": 10, "active": true, "name": "a"}

	if HashQuery(p1, nil) != HashQuery(p2, nil) {
		t.Fatalf("expected map-key order to not affect hash")
	}
}

func TestHashQueryDistinguishesLocation(t *testing.T) {
	p := map[string]interface{}{"name": "a"}
	locA := []LocPart{{KT: "org", LK: 1}}
	locB := []LocPart{{KT: "org", LK: 2}}

	if HashQuery(p, locA) == HashQuery(p, locB) {
		t.Fatalf("expected different locations to produce different hashes")
	}
}

func TestHashFindUsesFinderName(t *testing.T) {
	params := map[string]interface{}{"status": "open"}
	if HashFind("byStatus", params, nil) == HashFind("byOwner", params, nil) {
		t.Fatalf("expected different finder names to hash differently")
	}
}
