package syncutil

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestKeyedMutex_MutualExclusion(t *testing.T) {
	m := NewKeyedMutex(0)
	var (
		wg      sync.WaitGroup
		counter int
	)
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			unlock, err := m.LockContext(context.Background(), "pay_1")
			if err != nil {
				t.Error(err)
				return
			}
			v := counter
			time.Sleep(time.Microsecond)
			counter = v + 1
			unlock()
		}()
	}
	wg.Wait()
	if counter != 50 {
		t.Fatalf("expected 50, got %d", counter)
	}
}

func TestKeyedMutex_ContextCancelledWhileWaiting(t *testing.T) {
	m := NewKeyedMutex(4)
	unlock, err := m.LockContext(context.Background(), "wd_1")
	if err != nil {
		t.Fatal(err)
	}
	defer unlock()

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	fn, err := m.LockContext(ctx, "wd_1")
	if err == nil || fn != nil {
		t.Fatal("expected timeout while the key is held")
	}
}

func TestKeyedMutex_TryLock(t *testing.T) {
	m := NewKeyedMutex(1)
	unlock, ok := m.TryLock("a")
	if !ok {
		t.Fatal("expected lock")
	}
	if _, ok := m.TryLock("b"); ok {
		t.Fatal("single shard: every key contends")
	}
	unlock()
	unlock2, ok := m.TryLock("b")
	if !ok {
		t.Fatal("expected lock after release")
	}
	unlock2()
}

func TestKeyedMutex_LockAllSharedShard(t *testing.T) {
	// With one shard every key collides; LockAll must still not self-deadlock.
	m := NewKeyedMutex(1)
	unlock, err := m.LockAll(context.Background(), "brand:b1", "creator:c1", "brand:b1")
	if err != nil {
		t.Fatal(err)
	}
	if _, ok := m.TryLock("anything"); ok {
		t.Fatal("expected the shard to be held")
	}
	unlock()
	unlock2, ok := m.TryLock("anything")
	if !ok {
		t.Fatal("expected lock after release")
	}
	unlock2()
}

func TestKeyedMutex_LockAllOverlappingSets(t *testing.T) {
	m := NewKeyedMutex(0)
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		keys := []string{"a", "b", "c"}
		if i%2 == 1 {
			keys = []string{"c", "b", "a"}
		}
		wg.Add(1)
		go func() {
			defer wg.Done()
			ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer cancel()
			unlock, err := m.LockAll(ctx, keys...)
			if err != nil {
				t.Error(err)
				return
			}
			unlock()
		}()
	}
	wg.Wait()
}

func TestKeyedMutex_LockAllReleasesOnCancel(t *testing.T) {
	m := NewKeyedMutex(0)
	hold, err := m.LockContext(context.Background(), "b")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithTimeout(context.Background(), 20*time.Millisecond)
	defer cancel()
	if _, err := m.LockAll(ctx, "a", "b"); err == nil {
		t.Fatal("expected timeout while b is held")
	}
	unlock, ok := m.TryLock("a")
	if !ok {
		t.Fatal("a must be released after the failed LockAll")
	}
	unlock()
	hold()
}
