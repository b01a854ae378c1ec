package statemachine

import (
	"fmt"
	"strings"
	"sync/atomic"

	"github.com/pix-service/pix_service/internal/domain/entities"
)

// Mapping translates gateway status vocabulary into internal statuses per kind
type Mapping map[entities.TransactionKind]map[string]entities.TransactionStatus

// DefaultMapping returns the built-in gateway vocabulary
func DefaultMapping() Mapping {
	return Mapping{
		entities.TransactionKindPayment: {
			"pending":      entities.StatusPending,
			"created":      entities.StatusPending,
			"waiting":      entities.StatusPending,
			"processing":   entities.StatusProcessing,
			"in_progress":  entities.StatusProcessing,
			"acknowledged": entities.StatusProcessing,
			"paid":         entities.StatusPaid,
			"completed":    entities.StatusPaid,
			"success":      entities.StatusPaid,
			"confirmed":    entities.StatusPaid,
			"settled":      entities.StatusPaid,
			"failed":       entities.StatusFailed,
			"error":        entities.StatusFailed,
			"timeout":      entities.StatusFailed,
			"declined":     entities.StatusFailed,
			"cancelled":    entities.StatusCancelled,
			"canceled":     entities.StatusCancelled,
			"expired":      entities.StatusExpired,
			"refunded":     entities.StatusRefunded,
			"reversed":     entities.StatusRefunded,
		},
		entities.TransactionKindWithdrawal: {
			"pending":      entities.StatusPending,
			"created":      entities.StatusPending,
			"processing":   entities.StatusProcessing,
			"in_progress":  entities.StatusProcessing,
			"acknowledged": entities.StatusProcessing,
			"processed":    entities.StatusProcessed,
			"completed":    entities.StatusProcessed,
			"success":      entities.StatusProcessed,
			"paid":         entities.StatusProcessed,
			"settled":      entities.StatusProcessed,
			"failed":       entities.StatusFailed,
			"error":        entities.StatusFailed,
			"timeout":      entities.StatusFailed,
			"cancelled":    entities.StatusCancelled,
			"canceled":     entities.StatusCancelled,
			"rejected":     entities.StatusRejected,
			"declined":     entities.StatusRejected,
			"denied":       entities.StatusRejected,
		},
	}
}

// NormalizeExternalStatus lower-cases and trims a gateway status
func NormalizeExternalStatus(external string) string {
	return strings.ToLower(strings.TrimSpace(external))
}

// Lookup maps an external status for kind
func (m Mapping) Lookup(kind entities.TransactionKind, external string) (entities.TransactionStatus, bool) {
	vocab, ok := m[kind]
	if !ok {
		return "", false
	}
	status, ok := vocab[NormalizeExternalStatus(external)]
	return status, ok
}

// Merge returns a copy of m with overrides applied. Overrides may only target
// statuses of their own kind, and never manual review.
func (m Mapping) Merge(overrides map[string]map[string]string) (Mapping, error) {
	out := make(Mapping, len(m))
	for kind, vocab := range m {
		cp := make(map[string]entities.TransactionStatus, len(vocab))
		for k, v := range vocab {
			cp[k] = v
		}
		out[kind] = cp
	}

	for kindName, vocab := range overrides {
		kind := entities.TransactionKind(kindName)
		if !kind.IsValid() {
			return nil, fmt.Errorf("unknown transaction kind %q in status mapping", kindName)
		}
		if out[kind] == nil {
			out[kind] = map[string]entities.TransactionStatus{}
		}
		for external, internal := range vocab {
			status := entities.TransactionStatus(NormalizeExternalStatus(internal))
			if !entities.IsKnownStatus(kind, status) {
				return nil, fmt.Errorf("%s mapping %q -> %q: unknown status", kind, external, internal)
			}
			if status == entities.StatusManualReview {
				return nil, fmt.Errorf("%s mapping %q: manual_review cannot be a gateway status", kind, external)
			}
			out[kind][NormalizeExternalStatus(external)] = status
		}
	}
	return out, nil
}

// MappingStore holds the active mapping and swaps it atomically on reload
type MappingStore struct {
	base    Mapping
	current atomic.Pointer[Mapping]
}

// NewMappingStore creates a store whose overrides are always layered on base
func NewMappingStore(base Mapping) *MappingStore {
	s := &MappingStore{base: base}
	s.current.Store(&base)
	return s
}

// Current returns the active mapping. Callers must not mutate it.
func (s *MappingStore) Current() Mapping {
	return *s.current.Load()
}

// ReplaceOverrides layers overrides on the base mapping and activates the result
func (s *MappingStore) ReplaceOverrides(overrides map[string]map[string]string) error {
	merged, err := s.base.Merge(overrides)
	if err != nil {
		return err
	}
	s.current.Store(&merged)
	return nil
}
