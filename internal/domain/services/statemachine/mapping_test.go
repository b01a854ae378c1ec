package statemachine

import (
	"sync"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

func TestMappingLookup_Normalizes(t *testing.T) {
	m := DefaultMapping()

	status, ok := m.Lookup(entities.TransactionKindPayment, "  PAID ")
	require.True(t, ok)
	assert.Equal(t, entities.StatusPaid, status)

	status, ok = m.Lookup(entities.TransactionKindWithdrawal, "Completed")
	require.True(t, ok)
	assert.Equal(t, entities.StatusProcessed, status)

	_, ok = m.Lookup(entities.TransactionKindWithdrawal, "refunded")
	assert.False(t, ok)
}

func TestMappingMerge(t *testing.T) {
	base := DefaultMapping()

	tests := []struct {
		name      string
		overrides map[string]map[string]string
		wantErr   bool
	}{
		{"valid override", map[string]map[string]string{"payment": {"Liquidated": "paid"}}, false},
		{"unknown kind", map[string]map[string]string{"refund": {"x": "paid"}}, true},
		{"status of other kind", map[string]map[string]string{"payment": {"x": "processed"}}, true},
		{"manual review target", map[string]map[string]string{"withdrawal": {"stuck": "manual_review"}}, true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			merged, err := base.Merge(tt.overrides)
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			status, ok := merged.Lookup(entities.TransactionKindPayment, "liquidated")
			assert.True(t, ok)
			assert.Equal(t, entities.StatusPaid, status)

			_, ok = base.Lookup(entities.TransactionKindPayment, "liquidated")
			assert.False(t, ok, "base mapping must not be mutated")
		})
	}
}

func TestMappingStore_ReplaceOverrides(t *testing.T) {
	store := NewMappingStore(DefaultMapping())

	require.NoError(t, store.ReplaceOverrides(map[string]map[string]string{"payment": {"liquidated": "paid"}}))
	_, ok := store.Current().Lookup(entities.TransactionKindPayment, "liquidated")
	assert.True(t, ok)

	// invalid overrides keep the active mapping
	err := store.ReplaceOverrides(map[string]map[string]string{"payment": {"bad": "nope"}})
	require.Error(t, err)
	_, ok = store.Current().Lookup(entities.TransactionKindPayment, "liquidated")
	assert.True(t, ok)

	// overrides layer on the base, not on the previous overrides
	require.NoError(t, store.ReplaceOverrides(map[string]map[string]string{}))
	_, ok = store.Current().Lookup(entities.TransactionKindPayment, "liquidated")
	assert.False(t, ok)
}

func TestMappingStore_ConcurrentReadsDuringReload(t *testing.T) {
	store := NewMappingStore(DefaultMapping())

	var wg sync.WaitGroup
	for i := 0; i < 8; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for j := 0; j < 200; j++ {
				_, ok := store.Current().Lookup(entities.TransactionKindPayment, "paid")
				assert.True(t, ok)
			}
		}()
	}
	for j := 0; j < 50; j++ {
		require.NoError(t, store.ReplaceOverrides(map[string]map[string]string{"payment": {"liquidated": "paid"}}))
	}
	wg.Wait()
}
