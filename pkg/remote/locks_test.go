package remote

import (
	"sync"
	"testing"
)

func TestLockRegistryReturnsSameMutexPerName(t *testing.T) {
	r := NewLockRegistry()
	if r.Get("n1") != r.Get("n1") {
		t.Fatal("same name produced different mutexes")
	}
	if r.Get("n1") == r.Get("n2") {
		t.Fatal("different names share a mutex")
	}
}

func TestWithLockSerializesCriticalSections(t *testing.T) {
	r := NewLockRegistry()
	const workers = 20
	counter := 0

	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_ = r.WithLock("node", func() error {
				counter++
				return nil
			})
		}()
	}
	wg.Wait()
	if counter != workers {
		t.Fatalf("lost updates: %d", counter)
	}
}
