// Package facilitator routes each transaction to the payment facilitator that serves it.
// New transactions use the requested facilitator or the default active one; status
// checks always go to the facilitator that created the transaction.
package facilitator

import (
	"context"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/gateway"
	"github.com/pix-service/pix_service/pkg/logger"
)

// Repository is the facilitator persistence
type Repository interface {
	GetByID(ctx context.Context, id uuid.UUID) (*entities.Facilitator, error)
	GetDefault(ctx context.Context) (*entities.Facilitator, error)
	ListActive(ctx context.Context) ([]*entities.Facilitator, error)
	Upsert(ctx context.Context, f *entities.Facilitator) error
}

// Directory maps facilitators to their gateway clients
type Directory struct {
	repo    Repository
	clients map[string]gateway.Client
	logger  *logger.Logger

	mu        sync.RWMutex
	providers map[uuid.UUID]string
}

// NewDirectory creates a directory over clients keyed by provider
func NewDirectory(repo Repository, clients map[string]gateway.Client, log *logger.Logger) *Directory {
	return &Directory{
		repo:      repo,
		clients:   clients,
		logger:    log,
		providers: make(map[uuid.UUID]string),
	}
}

// Sync stores the configured facilitators
func (d *Directory) Sync(ctx context.Context, facilitators []*entities.Facilitator) error {
	for _, f := range facilitators {
		if _, ok := d.clients[f.Provider]; !ok {
			return fmt.Errorf("facilitator %s has no gateway client", f.Provider)
		}
		if err := d.repo.Upsert(ctx, f); err != nil {
			return err
		}
		d.remember(f)
		d.logger.Info("Payment facilitator registered",
			"facilitator_id", f.ID,
			"provider", f.Provider,
			"active", f.IsActive,
			"default", f.IsDefault)
	}
	return nil
}

// Select picks the facilitator for a new transaction
func (d *Directory) Select(ctx context.Context, requested *uuid.UUID) (*entities.Facilitator, gateway.Client, error) {
	var (
		f   *entities.Facilitator
		err error
	)
	if requested != nil {
		f, err = d.repo.GetByID(ctx, *requested)
		if err != nil {
			return nil, nil, err
		}
		if !f.IsActive {
			return nil, nil, fmt.Errorf("%w: %s", entities.ErrFacilitatorInactive, f.Name)
		}
	} else {
		f, err = d.repo.GetDefault(ctx)
		if errors.Is(err, entities.ErrFacilitatorNotFound) {
			return nil, nil, fmt.Errorf("%w: no default facilitator is active", entities.ErrFacilitatorUnavailable)
		}
		if err != nil {
			return nil, nil, err
		}
	}

	client, err := d.client(f.Provider)
	if err != nil {
		return nil, nil, err
	}
	d.remember(f)
	return f, client, nil
}

// ClientFor implements gateway.Resolver. A deactivated facilitator keeps serving
// the transactions it created.
func (d *Directory) ClientFor(ctx context.Context, facilitatorID *uuid.UUID) (gateway.Client, error) {
	if facilitatorID == nil {
		_, client, err := d.Select(ctx, nil)
		return client, err
	}

	d.mu.RLock()
	provider, ok := d.providers[*facilitatorID]
	d.mu.RUnlock()
	if !ok {
		f, err := d.repo.GetByID(ctx, *facilitatorID)
		if err != nil {
			return nil, err
		}
		d.remember(f)
		provider = f.Provider
	}
	return d.client(provider)
}

// Active lists the facilitators new transactions may choose
func (d *Directory) Active(ctx context.Context) ([]*entities.Facilitator, error) {
	fs, err := d.repo.ListActive(ctx)
	if err != nil {
		return nil, err
	}
	if fs == nil {
		fs = []*entities.Facilitator{}
	}
	return fs, nil
}

func (d *Directory) client(provider string) (gateway.Client, error) {
	client, ok := d.clients[provider]
	if !ok {
		return nil, fmt.Errorf("%w: no gateway client for provider %s", entities.ErrFacilitatorUnavailable, provider)
	}
	return client, nil
}

// provider of an id never changes, so the cache needs no invalidation
func (d *Directory) remember(f *entities.Facilitator) {
	d.mu.Lock()
	d.providers[f.ID] = f.Provider
	d.mu.Unlock()
}
