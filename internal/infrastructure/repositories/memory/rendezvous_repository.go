package memory

import (
	"context"
	"sync"
	"time"

	"speedshare/internal/core/domain"
	"speedshare/internal/core/ports"
)

type entry struct {
	offer     []byte
	answer    []byte
	expiresAt time.Time // zero = never
}

func (e *entry) expired(now time.Time) bool {
	return !e.expiresAt.IsZero() && now.After(e.expiresAt)
}

type MemoryRendezvousRepository struct {
	entries map[domain.RendezvousCode]*entry
	ttl     time.Duration
	mu      sync.RWMutex

	now func() time.Time
}

// NewMemoryRendezvousRepository keeps records in process. A ttl of zero
// keeps them until deleted.
func NewMemoryRendezvousRepository(ttl time.Duration) ports.RendezvousRepository {
	return &MemoryRendezvousRepository{
		entries: make(map[domain.RendezvousCode]*entry),
		ttl:     ttl,
		now:     time.Now,
	}
}

func (r *MemoryRendezvousRepository) expiry() time.Time {
	if r.ttl <= 0 {
		return time.Time{}
	}
	return r.now().Add(r.ttl)
}

func (r *MemoryRendezvousRepository) CreateIfAbsent(ctx context.Context, code domain.RendezvousCode, data []byte) (bool, error) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if e, exists := r.entries[code]; exists && !e.expired(r.now()) {
		return false, nil
	}

	r.entries[code] = &entry{offer: clone(data), expiresAt: r.expiry()}
	return true, nil
}

func (r *MemoryRendezvousRepository) Put(ctx context.Context, code domain.RendezvousCode, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	r.entries[code] = &entry{offer: clone(data), expiresAt: r.expiry()}
	return nil
}

func (r *MemoryRendezvousRepository) Get(ctx context.Context, code domain.RendezvousCode) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[code]
	if !exists || e.expired(r.now()) {
		return nil, domain.ErrCodeNotFound
	}
	return clone(e.offer), nil
}

func (r *MemoryRendezvousRepository) Delete(ctx context.Context, code domain.RendezvousCode) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	delete(r.entries, code)
	return nil
}

func (r *MemoryRendezvousRepository) PutAnswer(ctx context.Context, code domain.RendezvousCode, data []byte) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	e, exists := r.entries[code]
	if !exists || e.expired(r.now()) {
		return domain.ErrCodeNotFound
	}
	e.answer = clone(data)
	return nil
}

func (r *MemoryRendezvousRepository) GetAnswer(ctx context.Context, code domain.RendezvousCode) ([]byte, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	e, exists := r.entries[code]
	if !exists || e.expired(r.now()) || e.answer == nil {
		return nil, domain.ErrCodeNotFound
	}
	return clone(e.answer), nil
}

// Len returns the number of live records.
func (r *MemoryRendezvousRepository) Len() int {
	r.mu.RLock()
	defer r.mu.RUnlock()

	now := r.now()
	n := 0
	for _, e := range r.entries {
		if !e.expired(now) {
			n++
		}
	}
	return n
}

// Cleanup drops expired records.
func (r *MemoryRendezvousRepository) Cleanup() int {
	r.mu.Lock()
	defer r.mu.Unlock()

	now := r.now()
	removed := 0
	for code, e := range r.entries {
		if e.expired(now) {
			delete(r.entries, code)
			removed++
		}
	}
	return removed
}

func clone(b []byte) []byte {
	return append([]byte(nil), b...)
}
