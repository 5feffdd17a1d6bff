package idempotency

import (
	"errors"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/gregpriday/go-work-manager/pkg/store"
)

type receipt struct {
	OrderID string `json:"order_id"`
	Seq     int    `json:"seq"`
}

func TestDoExecutesOncePerKey(t *testing.T) {
	g := NewGuard(store.NewMemoryStore())
	payload := map[string]interface{}{"type": "refresh", "count": 3}

	calls := 0
	fn := func() (receipt, error) {
		calls++
		return receipt{OrderID: "order-1", Seq: calls}, nil
	}

	first, replayed, err := Do(g, "order.propose", "key-1", payload, fn)
	if err != nil {
		t.Fatalf("first Do: %v", err)
	}
	if replayed {
		t.Error("first execution reported as replay")
	}

	second, replayed, err := Do(g, "order.propose", "key-1", payload, fn)
	if err != nil {
		t.Fatalf("second Do: %v", err)
	}
	if !replayed {
		t.Error("second execution not reported as replay")
	}
	if calls != 1 {
		t.Errorf("fn executed %d times, want 1", calls)
	}
	if second != first {
		t.Errorf("replayed response %+v != original %+v", second, first)
	}
}

func TestDoRejectsPayloadMismatch(t *testing.T) {
	g := NewGuard(store.NewMemoryStore())

	fn := func() (receipt, error) { return receipt{OrderID: "order-1"}, nil }
	if _, _, err := Do(g, "order.propose", "key-1", map[string]int{"n": 1}, fn); err != nil {
		t.Fatalf("first Do: %v", err)
	}

	executed := false
	_, _, err := Do(g, "order.propose", "key-1", map[string]int{"n": 2}, func() (receipt, error) {
		executed = true
		return receipt{}, nil
	})
	if !errors.Is(err, ErrMismatch) {
		t.Errorf("expected ErrMismatch, got %v", err)
	}
	if executed {
		t.Error("fn executed despite fingerprint mismatch")
	}
}

func TestDoScopesAndKeysAreIndependent(t *testing.T) {
	g := NewGuard(store.NewMemoryStore())
	payload := map[string]int{"n": 1}

	calls := 0
	fn := func() (int, error) {
		calls++
		return calls, nil
	}

	if _, _, err := Do(g, "order.propose", "key-1", payload, fn); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Do(g, "order.approve", "key-1", payload, fn); err != nil {
		t.Fatal(err)
	}
	if _, _, err := Do(g, "order.propose", "key-2", payload, fn); err != nil {
		t.Fatal(err)
	}
	if calls != 3 {
		t.Errorf("fn executed %d times, want 3", calls)
	}
}

func TestDoFailuresAreNotRecorded(t *testing.T) {
	g := NewGuard(store.NewMemoryStore())
	payload := map[string]int{"n": 1}

	boom := errors.New("transient")
	_, _, err := Do(g, "order.propose", "key-1", payload, func() (int, error) {
		return 0, boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected fn error, got %v", err)
	}

	// Same key retries cleanly after a failure
	got, replayed, err := Do(g, "order.propose", "key-1", payload, func() (int, error) {
		return 42, nil
	})
	if err != nil || replayed || got != 42 {
		t.Errorf("retry after failure: got=%d replayed=%v err=%v", got, replayed, err)
	}
}

func TestDoEmptyKeyBypassesGuard(t *testing.T) {
	g := NewGuard(store.NewMemoryStore())

	calls := 0
	for i := 0; i < 3; i++ {
		_, replayed, err := Do(g, "order.propose", "", nil, func() (int, error) {
			calls++
			return calls, nil
		})
		if err != nil || replayed {
			t.Fatalf("bypassed call %d: replayed=%v err=%v", i, replayed, err)
		}
	}
	if calls != 3 {
		t.Errorf("fn executed %d times, want 3", calls)
	}
}

func TestDoConcurrentFirstUseConverges(t *testing.T) {
	g := NewGuard(store.NewMemoryStore())
	payload := map[string]string{"op": "merge"}

	var executions int32
	const callers = 8
	results := make([]receipt, callers)
	var wg sync.WaitGroup
	for i := 0; i < callers; i++ {
		wg.Add(1)
		go func(n int) {
			defer wg.Done()
			got, _, err := Do(g, "order.propose", "key-1", payload, func() (receipt, error) {
				seq := atomic.AddInt32(&executions, 1)
				return receipt{OrderID: "order-1", Seq: int(seq)}, nil
			})
			if err != nil {
				t.Errorf("caller %d: %v", n, err)
				return
			}
			results[n] = got
		}(i)
	}
	wg.Wait()

	// Every caller sees the winner's response regardless of how many raced
	for i := 1; i < callers; i++ {
		if results[i] != results[0] {
			t.Fatalf("caller %d got %+v, caller 0 got %+v", i, results[i], results[0])
		}
	}
}

func TestFingerprintIsOrderInsensitive(t *testing.T) {
	type req struct {
		B string `json:"b"`
		A string `json:"a"`
	}
	fromStruct, err := Fingerprint(req{A: "1", B: "2"})
	if err != nil {
		t.Fatal(err)
	}
	fromMap, err := Fingerprint(map[string]string{"a": "1", "b": "2"})
	if err != nil {
		t.Fatal(err)
	}
	if fromStruct != fromMap {
		t.Error("equivalent payloads produced different fingerprints")
	}

	other, err := Fingerprint(map[string]string{"a": "1", "b": "3"})
	if err != nil {
		t.Fatal(err)
	}
	if other == fromMap {
		t.Error("different payloads produced the same fingerprint")
	}
}
