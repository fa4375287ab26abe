package registry

import (
	"sync"
	"testing"

	"github.com/guiyumin/cacheproxy/internal/fileid"
)

func testInfo(t *testing.T) fileid.Info {
	t.Helper()
	info, err := fileid.Parse("da39a3ee5e6b4b0d3255bfef95601890afd80709:5:image-png:0x0")
	if err != nil {
		t.Fatalf("fileid.Parse: %v", err)
	}
	return info
}

func TestLookupOrInsertCoalesces(t *testing.T) {
	r := New()
	info := testInfo(t)

	const n = 10
	handles := make([]*Handle, n)
	inserted := make([]bool, n)

	var wg sync.WaitGroup
	var mu sync.Mutex
	wg.Add(n)
	for i := 0; i < n; i++ {
		i := i
		go func() {
			defer wg.Done()
			h, ins := r.LookupOrInsert(info)
			mu.Lock()
			handles[i] = h
			inserted[i] = ins
			mu.Unlock()
		}()
	}
	wg.Wait()

	insertedCount := 0
	for _, ins := range inserted {
		if ins {
			insertedCount++
		}
	}
	if insertedCount != 1 {
		t.Fatalf("insertedCount = %d, want 1", insertedCount)
	}
	for i := 1; i < n; i++ {
		if handles[i] != handles[0] {
			t.Fatalf("handle %d differs from handle 0; coalescing failed", i)
		}
	}
	if r.Len() != 1 {
		t.Fatalf("Len() = %d, want 1", r.Len())
	}
}

func TestRemoveIdempotent(t *testing.T) {
	r := New()
	info := testInfo(t)
	r.LookupOrInsert(info)

	r.Remove(info.Hash)
	if r.Len() != 0 {
		t.Fatalf("Len() after Remove = %d, want 0", r.Len())
	}
	r.Remove(info.Hash) // must not panic
}

func TestLookupOrInsertDifferentHashes(t *testing.T) {
	r := New()
	a, err := fileid.Parse("da39a3ee5e6b4b0d3255bfef95601890afd80709:5:image-png:0x0")
	if err != nil {
		t.Fatal(err)
	}
	b, err := fileid.Parse("000000000000000000000000000000000000000a:5:image-png:0x0")
	if err != nil {
		t.Fatal(err)
	}

	_, insA := r.LookupOrInsert(a)
	_, insB := r.LookupOrInsert(b)
	if !insA || !insB {
		t.Fatalf("distinct hashes should both be inserted: insA=%v insB=%v", insA, insB)
	}
	if r.Len() != 2 {
		t.Fatalf("Len() = %d, want 2", r.Len())
	}
}
