package coalesce

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"
)

func TestDoSharesInFlightCall(t *testing.T) {
	c := New()
	var calls int32
	var wg sync.WaitGroup
	results := make([]interface{}, 10)
	errs := make([]error, 10)

	start := make(chan struct{})
	for i := 0; i < 10; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			<-start
			results[i], errs[i] = c.Do("k", func() (interface{}, error) {
				atomic.AddInt32(&calls, 1)
				return "value", nil
			})
		}()
	}
	close(start)
	wg.Wait()

	if calls != 1 {
		t.Fatalf("expected exactly 1 factory call, got %d", calls)
	}
	for i, r := range results {
		if errs[i] != nil || r != "value" {
			t.Fatalf("unexpected result at %d: %v %v", i, r, errs[i])
		}
	}
}

func TestDoPropagatesErrorToAllWaiters(t *testing.T) {
	c := New()
	wantErr := errors.New("boom")
	var wg sync.WaitGroup
	errs := make([]error, 5)

	start := make(chan struct{})
	for i := 0; i < 5; i++ {
		wg.Add(1)
		i := i
		go func() {
			defer wg.Done()
			<-start
			_, errs[i] = c.Do("k", func() (interface{}, error) {
				return nil, wantErr
			})
		}()
	}
	close(start)
	wg.Wait()

	for i, err := range errs {
		if err != wantErr {
			t.Fatalf("waiter %d: expected shared error, got %v", i, err)
		}
	}
}

func TestDoDoesNotPoisonSubsequentCalls(t *testing.T) {
	c := New()
	_, err := c.Do("k", func() (interface{}, error) {
		return nil, errors.New("first fails")
	})
	if err == nil {
		t.Fatalf("expected first call to fail")
	}

	v, err := c.Do("k", func() (interface{}, error) {
		return "second succeeds", nil
	})
	if err != nil || v != "second succeeds" {
		t.Fatalf("expected second call to succeed independently, got %v %v", v, err)
	}
}
