package idempotency

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMemoryLedger_AdmitOnce(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	ctx := context.Background()
	key := Key{TransactionID: uuid.New(), EventKey: "evt-1"}

	first, err := ledger.Admit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Fresh, first)

	second, err := ledger.Admit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, second)

	// same event key on another transaction is independent
	other, err := ledger.Admit(ctx, Key{TransactionID: uuid.New(), EventKey: "evt-1"})
	require.NoError(t, err)
	assert.Equal(t, Fresh, other)
}

func TestMemoryLedger_Release(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	ctx := context.Background()
	key := Key{TransactionID: uuid.New(), EventKey: "evt-1"}

	_, err := ledger.Admit(ctx, key)
	require.NoError(t, err)
	require.NoError(t, ledger.Release(ctx, key))

	again, err := ledger.Admit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Fresh, again)
}

func TestMemoryLedger_Expiry(t *testing.T) {
	ledger := NewMemoryLedger(time.Minute)
	now := time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	ledger.now = func() time.Time { return now }
	ctx := context.Background()
	key := Key{TransactionID: uuid.New(), EventKey: "evt-1"}

	_, err := ledger.Admit(ctx, key)
	require.NoError(t, err)

	now = now.Add(30 * time.Second)
	verdict, err := ledger.Admit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Duplicate, verdict)

	now = now.Add(2 * time.Minute)
	verdict, err = ledger.Admit(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, Fresh, verdict)
}

func TestMemoryLedger_ConcurrentAdmitSingleWinner(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	key := Key{TransactionID: uuid.New(), EventKey: "evt-race"}

	var fresh int32
	var wg sync.WaitGroup
	for i := 0; i < 50; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			verdict, err := ledger.Admit(context.Background(), key)
			assert.NoError(t, err)
			if verdict == Fresh {
				atomic.AddInt32(&fresh, 1)
			}
		}()
	}
	wg.Wait()

	assert.Equal(t, int32(1), fresh)
	assert.Equal(t, 1, ledger.Len())
}

func TestMemoryLedger_CancelledContext(t *testing.T) {
	ledger := NewMemoryLedger(time.Hour)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	_, err := ledger.Admit(ctx, Key{TransactionID: uuid.New(), EventKey: "x"})
	assert.ErrorIs(t, err, context.Canceled)
	assert.Equal(t, 0, ledger.Len())
}

func TestKeyString(t *testing.T) {
	id := uuid.MustParse("6b1f8a5e-1c55-4f0c-9a31-5c5f1f0d2a10")
	assert.Equal(t, "pix:idem:6b1f8a5e-1c55-4f0c-9a31-5c5f1f0d2a10:abc", Key{TransactionID: id, EventKey: "abc"}.String())
}
