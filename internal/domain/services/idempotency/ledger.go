// Package idempotency admits each reconciliation event at most once per transaction.
package idempotency

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
)

// Admission is the ledger verdict for a key
type Admission int

const (
	Fresh Admission = iota
	Duplicate
)

func (a Admission) String() string {
	if a == Duplicate {
		return "duplicate"
	}
	return "fresh"
}

// Key scopes a gateway idempotency key to one transaction
type Key struct {
	TransactionID uuid.UUID
	EventKey      string
}

func (k Key) String() string {
	return fmt.Sprintf("pix:idem:%s:%s", k.TransactionID, k.EventKey)
}

// Ledger records admitted event keys
type Ledger interface {
	// Admit records key and reports Fresh, or Duplicate if it was already recorded
	Admit(ctx context.Context, key Key) (Admission, error)
	// Release forgets key so a redelivery of the same event is admitted again
	Release(ctx context.Context, key Key) error
}

// DefaultTTL bounds how long admitted keys are remembered
const DefaultTTL = 7 * 24 * time.Hour

// MemoryLedger is an in-process ledger with TTL expiry
type MemoryLedger struct {
	mu      sync.Mutex
	entries map[Key]time.Time
	ttl     time.Duration
	now     func() time.Time
	admits  int
}

// NewMemoryLedger creates an in-memory ledger
func NewMemoryLedger(ttl time.Duration) *MemoryLedger {
	if ttl <= 0 {
		ttl = DefaultTTL
	}
	return &MemoryLedger{
		entries: make(map[Key]time.Time),
		ttl:     ttl,
		now:     time.Now,
	}
}

// Admit implements Ledger
func (l *MemoryLedger) Admit(ctx context.Context, key Key) (Admission, error) {
	if err := ctx.Err(); err != nil {
		return Fresh, err
	}

	l.mu.Lock()
	defer l.mu.Unlock()

	now := l.now()
	if expires, ok := l.entries[key]; ok && now.Before(expires) {
		return Duplicate, nil
	}
	l.entries[key] = now.Add(l.ttl)

	l.admits++
	if l.admits%1024 == 0 {
		l.sweepLocked(now)
	}
	return Fresh, nil
}

// Release implements Ledger
func (l *MemoryLedger) Release(_ context.Context, key Key) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	delete(l.entries, key)
	return nil
}

// Len returns the number of remembered keys
func (l *MemoryLedger) Len() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.entries)
}

func (l *MemoryLedger) sweepLocked(now time.Time) {
	for k, expires := range l.entries {
		if !now.Before(expires) {
			delete(l.entries, k)
		}
	}
}
