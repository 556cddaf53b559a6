package cachemeta

import (
	"testing"
	"time"
)

func TestMapProviderSetGet(t *testing.T) {
	p := NewMapProvider(Limits{})
	m := Metadata{Key: "a", AddedAt: time.Now()}
	if err := p.SetMetadata("a", m); err != nil {
		t.Fatalf("SetMetadata: %v", err)
	}
	got, ok, err := p.GetMetadata("a")
	if err != nil || !ok {
		t.Fatalf("expected metadata present, err=%v ok=%v", err, ok)
	}
	if got.Key != "a" {
		t.Fatalf("unexpected key %q", got.Key)
	}
}

func TestMapProviderMissing(t *testing.T) {
	p := NewMapProvider(Limits{})
	_, ok, err := p.GetMetadata("missing")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if ok {
		t.Fatalf("expected ok=false for missing key")
	}
}

func TestMapProviderDelete(t *testing.T) {
	p := NewMapProvider(Limits{})
	_ = p.SetMetadata("a", Metadata{Key: "a"})
	if err := p.DeleteMetadata("a"); err != nil {
		t.Fatalf("DeleteMetadata: %v", err)
	}
	_, ok, _ := p.GetMetadata("a")
	if ok {
		t.Fatalf("expected key gone after delete")
	}
}

func TestMapProviderGetAllAndClear(t *testing.T) {
	p := NewMapProvider(Limits{})
	_ = p.SetMetadata("a", Metadata{Key: "a"})
	_ = p.SetMetadata("b", Metadata{Key: "b"})

	all, err := p.GetAllMetadata()
	if err != nil || len(all) != 2 {
		t.Fatalf("expected 2 entries, got %d err=%v", len(all), err)
	}

	if err := p.ClearMetadata(); err != nil {
		t.Fatalf("ClearMetadata: %v", err)
	}
	all, _ = p.GetAllMetadata()
	if len(all) != 0 {
		t.Fatalf("expected empty after clear, got %d", len(all))
	}
}

func TestMapProviderCurrentSize(t *testing.T) {
	p := NewMapProvider(Limits{})
	_ = p.SetMetadata("a", Metadata{Key: "a", EstimatedSize: 100})
	_ = p.SetMetadata("b", Metadata{Key: "b", EstimatedSize: 50})

	size, err := p.GetCurrentSize()
	if err != nil {
		t.Fatalf("GetCurrentSize: %v", err)
	}
	if size.ItemCount != 2 || size.SizeBytes != 150 {
		t.Fatalf("unexpected size %+v", size)
	}
}

func TestMapProviderSizeLimits(t *testing.T) {
	maxItems := 10
	p := NewMapProvider(Limits{MaxItems: &maxItems})
	limits, err := p.GetSizeLimits()
	if err != nil {
		t.Fatalf("GetSizeLimits: %v", err)
	}
	if limits.MaxItems == nil || *limits.MaxItems != 10 {
		t.Fatalf("unexpected limits %+v", limits)
	}

	newMax := 20
	p.SetLimits(Limits{MaxItems: &newMax})
	limits, _ = p.GetSizeLimits()
	if *limits.MaxItems != 20 {
		t.Fatalf("expected updated limit 20, got %d", *limits.MaxItems)
	}
}

func TestTouchCreatesOnFirstAccess(t *testing.T) {
	p := NewMapProvider(Limits{})
	now := time.Now()
	if err := Touch(p, "a", now); err != nil {
		t.Fatalf("Touch: %v", err)
	}
	m, ok, _ := p.GetMetadata("a")
	if !ok {
		t.Fatalf("expected metadata created by Touch")
	}
	if m.AccessCount != 1 {
		t.Fatalf("expected AccessCount 1, got %d", m.AccessCount)
	}
	if !m.LastAccessedAt.Equal(now) {
		t.Fatalf("expected LastAccessedAt stamped")
	}
}

func TestTouchIncrementsExisting(t *testing.T) {
	p := NewMapProvider(Limits{})
	t0 := time.Now()
	_ = Touch(p, "a", t0)
	t1 := t0.Add(time.Second)
	_ = Touch(p, "a", t1)

	m, _, _ := p.GetMetadata("a")
	if m.AccessCount != 2 {
		t.Fatalf("expected AccessCount 2, got %d", m.AccessCount)
	}
	if !m.LastAccessedAt.Equal(t1) {
		t.Fatalf("expected LastAccessedAt updated to t1")
	}
}
