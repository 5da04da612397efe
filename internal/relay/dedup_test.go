package relay

import (
	"fmt"
	"sync"
	"testing"
)

func TestDedup_SeenBeforeIdempotent(t *testing.T) {
	d := NewDedupTracker(10)
	if d.SeenBefore("a") {
		t.Fatal("first call should report novel")
	}
	if !d.SeenBefore("a") {
		t.Fatal("second call should report seen")
	}
	if !d.SeenBefore("a") {
		t.Fatal("third call should report seen")
	}
	if d.Len() != 1 {
		t.Errorf("Len = %d", d.Len())
	}
}

func TestDedup_EmptyIDAlwaysNovel(t *testing.T) {
	d := NewDedupTracker(10)
	for i := 0; i < 3; i++ {
		if d.SeenBefore("") {
			t.Fatal("empty id must be novel")
		}
	}
	if d.Len() != 0 || d.Contains("") {
		t.Error("empty id must not be recorded")
	}
}

func TestDedup_FIFOEviction(t *testing.T) {
	const n = 5
	d := NewDedupTracker(n)
	for i := 0; i <= n; i++ {
		d.SeenBefore(fmt.Sprintf("id-%d", i))
		if d.Len() > n {
			t.Fatalf("size %d exceeds capacity", d.Len())
		}
	}
	if d.Contains("id-0") {
		t.Error("oldest id should be evicted")
	}
	for i := 1; i <= n; i++ {
		if !d.Contains(fmt.Sprintf("id-%d", i)) {
			t.Errorf("id-%d should be retained", i)
		}
	}
	if d.SeenBefore("id-0") {
		t.Error("evicted id should be novel again")
	}
	if d.Contains("id-1") {
		t.Error("re-inserting id-0 should evict id-1")
	}
}

func TestDedup_ContainsDoesNotRecord(t *testing.T) {
	d := NewDedupTracker(3)
	if d.Contains("x") {
		t.Fatal("unexpected")
	}
	if d.SeenBefore("x") {
		t.Fatal("Contains must not record")
	}
}

func TestDedup_Concurrent(t *testing.T) {
	d := NewDedupTracker(1000)
	var wg sync.WaitGroup
	var mu sync.Mutex
	novel := 0
	for g := 0; g < 8; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < 100; i++ {
				if !d.SeenBefore(fmt.Sprintf("m-%d", i)) {
					mu.Lock()
					novel++
					mu.Unlock()
				}
			}
		}()
	}
	wg.Wait()
	if novel != 100 {
		t.Errorf("each id should be novel exactly once, got %d novel", novel)
	}
}
