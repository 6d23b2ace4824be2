// Package memory provides an in-memory KV implementation. It is suitable for
// development, testing, and single-instance deployments; state does not
// survive a restart and is not shared between processes.
package memory

import (
	"context"
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/relayauth/broker/storage"
)

// entry is a stored value with an optional absolute expiry.
type entry struct {
	value     []byte
	expiresAt time.Time // zero means no expiry
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

// KV is an in-memory implementation of storage.KV with TTL support.
// Expired entries are dropped lazily on read and swept periodically by a
// background janitor.
type KV struct {
	mu      sync.RWMutex
	entries map[string]*entry

	sweepInterval time.Duration
	stopSweep     chan struct{}
	stopOnce      sync.Once
	logger        *slog.Logger
}

// Compile-time checks: the memory backend supports both optional
// capabilities, so redemption and rate limiting are exact.
var (
	_ storage.KV          = (*KV)(nil)
	_ storage.GetDeleter  = (*KV)(nil)
	_ storage.Incrementer = (*KV)(nil)
)

// New creates an in-memory KV with the default sweep interval (1 minute).
func New() *KV {
	return NewWithInterval(time.Minute)
}

// NewWithInterval creates an in-memory KV with a custom janitor interval.
// A non-positive interval falls back to 1 minute.
func NewWithInterval(sweepInterval time.Duration) *KV {
	if sweepInterval <= 0 {
		sweepInterval = time.Minute
	}

	kv := &KV{
		entries:       make(map[string]*entry),
		sweepInterval: sweepInterval,
		stopSweep:     make(chan struct{}),
		logger:        slog.Default(),
	}

	go kv.sweepLoop()

	return kv
}

// SetLogger sets a custom logger.
func (kv *KV) SetLogger(logger *slog.Logger) {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	if logger != nil {
		kv.logger = logger
	}
}

// Put stores value under key with the given TTL (zero disables expiry).
func (kv *KV) Put(_ context.Context, key string, value []byte, ttl time.Duration) error {
	e := &entry{value: append([]byte(nil), value...)}
	if ttl > 0 {
		e.expiresAt = time.Now().Add(ttl)
	}

	kv.mu.Lock()
	defer kv.mu.Unlock()
	kv.entries[key] = e
	return nil
}

// Get returns the value for key, or storage.ErrNotFound if absent or expired.
// Expired entries are removed eagerly on read so a Get after TTL behaves the
// same as a Get after Delete.
func (kv *KV) Get(_ context.Context, key string) ([]byte, error) {
	now := time.Now()

	kv.mu.Lock()
	defer kv.mu.Unlock()

	e, ok := kv.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	if e.expired(now) {
		delete(kv.entries, key)
		return nil, storage.ErrNotFound
	}
	return append([]byte(nil), e.value...), nil
}

// Delete removes key. Absent keys are not an error.
func (kv *KV) Delete(_ context.Context, key string) error {
	kv.mu.Lock()
	defer kv.mu.Unlock()
	delete(kv.entries, key)
	return nil
}

// GetDelete atomically retrieves and removes key. This is the redemption
// primitive: two concurrent callers can never both observe the same value.
func (kv *KV) GetDelete(_ context.Context, key string) ([]byte, error) {
	now := time.Now()

	kv.mu.Lock()
	defer kv.mu.Unlock()

	e, ok := kv.entries[key]
	if !ok {
		return nil, storage.ErrNotFound
	}
	delete(kv.entries, key)
	if e.expired(now) {
		return nil, storage.ErrNotFound
	}
	return e.value, nil
}

// Increment atomically increments the counter at key, creating it with the
// given TTL on first use. The TTL is not extended by later increments, which
// is exactly the fixed-window behavior the rate limiter wants.
func (kv *KV) Increment(_ context.Context, key string, ttl time.Duration) (int64, error) {
	now := time.Now()

	kv.mu.Lock()
	defer kv.mu.Unlock()

	e, ok := kv.entries[key]
	if ok && !e.expired(now) {
		n, err := strconv.ParseInt(string(e.value), 10, 64)
		if err != nil {
			// Counter key holds garbage; start over.
			n = 0
		}
		n++
		e.value = []byte(strconv.FormatInt(n, 10))
		return n, nil
	}

	e = &entry{value: []byte("1")}
	if ttl > 0 {
		e.expiresAt = now.Add(ttl)
	}
	kv.entries[key] = e
	return 1, nil
}

// Len returns the number of live entries. Intended for tests and metrics.
func (kv *KV) Len() int {
	now := time.Now()

	kv.mu.RLock()
	defer kv.mu.RUnlock()

	n := 0
	for _, e := range kv.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Stop terminates the janitor goroutine. The KV remains usable afterwards;
// expired entries are then only dropped lazily on read.
func (kv *KV) Stop() {
	kv.stopOnce.Do(func() {
		close(kv.stopSweep)
	})
}

func (kv *KV) sweepLoop() {
	ticker := time.NewTicker(kv.sweepInterval)
	defer ticker.Stop()

	for {
		select {
		case <-ticker.C:
			kv.sweep()
		case <-kv.stopSweep:
			return
		}
	}
}

// sweep removes every expired entry so abandoned flows do not accumulate.
func (kv *KV) sweep() {
	now := time.Now()

	kv.mu.Lock()
	defer kv.mu.Unlock()

	removed := 0
	for key, e := range kv.entries {
		if e.expired(now) {
			delete(kv.entries, key)
			removed++
		}
	}

	if removed > 0 {
		kv.logger.Debug("Swept expired entries",
			"removed", removed,
			"remaining", len(kv.entries))
	}
}
