package barrier

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestBarrierReleasesAllParticipants(t *testing.T) {
	const parties = 4
	b := New(parties, time.Second, nil)

	var wg sync.WaitGroup
	errs := make(chan error, parties)
	for i := 0; i < parties; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			errs <- b.Await(context.Background())
		}()
	}
	wg.Wait()
	close(errs)
	for err := range errs {
		if err != nil {
			t.Fatalf("barrier failed: %v", err)
		}
	}
}

func TestBarrierIsReusable(t *testing.T) {
	const parties = 2
	b := New(parties, time.Second, nil)

	for cycle := 0; cycle < 3; cycle++ {
		var wg sync.WaitGroup
		errs := make(chan error, parties)
		for i := 0; i < parties; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				errs <- b.Await(context.Background())
			}()
		}
		wg.Wait()
		close(errs)
		for err := range errs {
			if err != nil {
				t.Fatalf("cycle %d failed: %v", cycle, err)
			}
		}
	}
}

func TestBarrierTimesOut(t *testing.T) {
	b := New(2, 20*time.Millisecond, nil)
	if err := b.Await(context.Background()); err == nil {
		t.Fatal("lone participant did not time out")
	}
}

func TestBarrierHonorsCancellation(t *testing.T) {
	b := New(2, time.Minute, nil)
	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- b.Await(ctx) }()
	cancel()
	select {
	case err := <-done:
		if err == nil {
			t.Fatal("cancelled wait returned nil")
		}
	case <-time.After(time.Second):
		t.Fatal("cancelled wait did not return")
	}
}
