package memory

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/relayauth/broker/storage"
)

func TestPutGetDelete(t *testing.T) {
	kv := New()
	defer kv.Stop()
	ctx := context.Background()

	if err := kv.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	got, err := kv.Get(ctx, "k")
	if err != nil {
		t.Fatalf("Get failed: %v", err)
	}
	if string(got) != "v" {
		t.Errorf("Get = %q, want %q", got, "v")
	}

	if err := kv.Delete(ctx, "k"); err != nil {
		t.Fatalf("Delete failed: %v", err)
	}
	if _, err := kv.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after Delete = %v, want ErrNotFound", err)
	}

	// Deleting an absent key is not an error.
	if err := kv.Delete(ctx, "absent"); err != nil {
		t.Errorf("Delete of absent key failed: %v", err)
	}
}

func TestGetExpired(t *testing.T) {
	kv := NewWithInterval(time.Hour) // janitor effectively off
	defer kv.Stop()
	ctx := context.Background()

	if err := kv.Put(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := kv.Get(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("Get after TTL = %v, want ErrNotFound", err)
	}
	// Expired entry was dropped eagerly.
	if kv.Len() != 0 {
		t.Errorf("Len = %d, want 0", kv.Len())
	}
}

func TestGetDeleteSingleWinner(t *testing.T) {
	kv := New()
	defer kv.Stop()
	ctx := context.Background()

	if err := kv.Put(ctx, "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	const goroutines = 16
	var wg sync.WaitGroup
	var successes int64
	var mu sync.Mutex

	for i := 0; i < goroutines; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, err := kv.GetDelete(ctx, "k"); err == nil {
				mu.Lock()
				successes++
				mu.Unlock()
			}
		}()
	}
	wg.Wait()

	if successes != 1 {
		t.Errorf("GetDelete succeeded %d times, want exactly 1", successes)
	}
}

func TestGetDeleteExpired(t *testing.T) {
	kv := NewWithInterval(time.Hour)
	defer kv.Stop()
	ctx := context.Background()

	if err := kv.Put(ctx, "k", []byte("v"), time.Millisecond); err != nil {
		t.Fatalf("Put failed: %v", err)
	}
	time.Sleep(10 * time.Millisecond)

	if _, err := kv.GetDelete(ctx, "k"); !errors.Is(err, storage.ErrNotFound) {
		t.Errorf("GetDelete after TTL = %v, want ErrNotFound", err)
	}
}

func TestIncrement(t *testing.T) {
	kv := New()
	defer kv.Stop()
	ctx := context.Background()

	for want := int64(1); want <= 3; want++ {
		got, err := kv.Increment(ctx, "counter", time.Minute)
		if err != nil {
			t.Fatalf("Increment failed: %v", err)
		}
		if got != want {
			t.Errorf("Increment = %d, want %d", got, want)
		}
	}
}

func TestIncrementWindowReset(t *testing.T) {
	kv := NewWithInterval(time.Hour)
	defer kv.Stop()
	ctx := context.Background()

	if _, err := kv.Increment(ctx, "counter", 5*time.Millisecond); err != nil {
		t.Fatalf("Increment failed: %v", err)
	}
	time.Sleep(20 * time.Millisecond)

	got, err := kv.Increment(ctx, "counter", 5*time.Millisecond)
	if err != nil {
		t.Fatalf("Increment after window failed: %v", err)
	}
	if got != 1 {
		t.Errorf("Increment after window = %d, want 1 (counter should reset)", got)
	}
}

func TestSweep(t *testing.T) {
	kv := NewWithInterval(time.Hour)
	defer kv.Stop()
	ctx := context.Background()

	for _, key := range []string{"a", "b", "c"} {
		if err := kv.Put(ctx, key, []byte("v"), time.Millisecond); err != nil {
			t.Fatalf("Put failed: %v", err)
		}
	}
	if err := kv.Put(ctx, "keep", []byte("v"), time.Hour); err != nil {
		t.Fatalf("Put failed: %v", err)
	}

	time.Sleep(10 * time.Millisecond)
	kv.sweep()

	if kv.Len() != 1 {
		t.Errorf("Len after sweep = %d, want 1", kv.Len())
	}
}

func TestStopIsIdempotent(t *testing.T) {
	kv := New()
	kv.Stop()
	kv.Stop()

	// Still usable after Stop.
	if err := kv.Put(context.Background(), "k", []byte("v"), 0); err != nil {
		t.Fatalf("Put after Stop failed: %v", err)
	}
}
