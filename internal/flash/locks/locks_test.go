package locks

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"
)

func TestAcquireFreeLock(t *testing.T) {
	mgr := NewManager()
	release, err := mgr.Acquire(context.Background(), CANLockName("can0"), "batch-1")
	if err != nil {
		t.Fatalf("acquire: %v", err)
	}
	if holder := mgr.Holder("can:can0"); holder != "batch-1" {
		t.Fatalf("holder = %q, want batch-1", holder)
	}
	release()
	if holder := mgr.Holder("can:can0"); holder != "" {
		t.Fatalf("holder after release = %q, want empty", holder)
	}
}

func TestNoOverlappingHolders(t *testing.T) {
	mgr := NewManager()
	const workers = 8
	var inside atomic.Int32
	var overlaps atomic.Int32
	var wg sync.WaitGroup

	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			release, err := mgr.Acquire(context.Background(), ServiceLockName, "worker")
			if err != nil {
				t.Error(err)
				return
			}
			if inside.Add(1) > 1 {
				overlaps.Add(1)
			}
			time.Sleep(5 * time.Millisecond)
			inside.Add(-1)
			release()
		}()
	}
	wg.Wait()

	if overlaps.Load() != 0 {
		t.Fatalf("detected %d overlapping critical sections", overlaps.Load())
	}
}

func TestFIFOOrder(t *testing.T) {
	mgr := NewManager()
	release, err := mgr.Acquire(context.Background(), "can:can0", "holder")
	if err != nil {
		t.Fatal(err)
	}

	var mu sync.Mutex
	var order []string
	var wg sync.WaitGroup

	// Enqueue waiters one at a time so their queue positions are known.
	for i, label := range []string{"first", "second", "third"} {
		wg.Add(1)
		go func() {
			defer wg.Done()
			r, err := mgr.Acquire(context.Background(), "can:can0", label)
			if err != nil {
				t.Error(err)
				return
			}
			mu.Lock()
			order = append(order, label)
			mu.Unlock()
			r()
		}()
		waitForQueueLen(t, mgr, "can:can0", i+1)
	}

	release()
	wg.Wait()

	mu.Lock()
	defer mu.Unlock()
	if len(order) != 3 || order[0] != "first" || order[1] != "second" || order[2] != "third" {
		t.Fatalf("unexpected grant order: %v", order)
	}
}

func TestAcquireTimeout(t *testing.T) {
	mgr := NewManager()
	release, err := mgr.Acquire(context.Background(), ServiceLockName, "batch-1")
	if err != nil {
		t.Fatal(err)
	}
	defer release()

	_, err = mgr.AcquireTimeout(context.Background(), ServiceLockName, "batch-2", 50*time.Millisecond)
	if !errors.Is(err, context.DeadlineExceeded) {
		t.Fatalf("expected deadline exceeded, got %v", err)
	}
}

func TestAbandonedWaiterDoesNotBlockQueue(t *testing.T) {
	mgr := NewManager()
	release, err := mgr.Acquire(context.Background(), "can:can0", "holder")
	if err != nil {
		t.Fatal(err)
	}

	ctx, cancel := context.WithCancel(context.Background())
	abandoned := make(chan error, 1)
	go func() {
		_, err := mgr.Acquire(ctx, "can:can0", "abandoned")
		abandoned <- err
	}()
	waitForQueueLen(t, mgr, "can:can0", 1)

	granted := make(chan struct{})
	go func() {
		r, err := mgr.Acquire(context.Background(), "can:can0", "patient")
		if err != nil {
			t.Error(err)
			return
		}
		close(granted)
		r()
	}()
	waitForQueueLen(t, mgr, "can:can0", 2)

	cancel()
	if err := <-abandoned; err == nil {
		t.Fatal("abandoned waiter should fail")
	}

	release()
	select {
	case <-granted:
	case <-time.After(2 * time.Second):
		t.Fatal("patient waiter never granted after abandonment")
	}
}

func TestReleaseIsIdempotent(t *testing.T) {
	mgr := NewManager()
	release, err := mgr.Acquire(context.Background(), ServiceLockName, "a")
	if err != nil {
		t.Fatal(err)
	}
	release()
	release()

	r2, err := mgr.Acquire(context.Background(), ServiceLockName, "b")
	if err != nil {
		t.Fatal(err)
	}
	r2()
}

func waitForQueueLen(t *testing.T, mgr *Manager, name string, want int) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		mgr.mu.Lock()
		state := mgr.locks[name]
		got := 0
		if state != nil {
			got = len(state.waiters)
		}
		mgr.mu.Unlock()
		if got >= want {
			return
		}
		time.Sleep(time.Millisecond)
	}
	t.Fatalf("queue for %s never reached %d waiters", name, want)
}
