package transaction

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/pix-service/pix_service/internal/domain/entities"
	"github.com/pix-service/pix_service/internal/infrastructure/adapters/gateway"
)

type memoryRepo struct {
	mu      sync.Mutex
	txs     map[uuid.UUID]*entities.Transaction
	events  map[string]bool
	intents []entities.SideEffectIntent
}

func newMemoryRepo() *memoryRepo {
	return &memoryRepo{
		txs:    make(map[uuid.UUID]*entities.Transaction),
		events: make(map[string]bool),
	}
}

func clone(tx *entities.Transaction) *entities.Transaction {
	cp := *tx
	cp.History = append([]entities.StatusHistoryEntry(nil), tx.History...)
	return &cp
}

func (r *memoryRepo) Create(_ context.Context, tx *entities.Transaction) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[tx.ID] = clone(tx)
	return nil
}

func (r *memoryRepo) GetByID(_ context.Context, id uuid.UUID) (*entities.Transaction, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return nil, entities.ErrTransactionNotFound
	}
	return clone(tx), nil
}

func (r *memoryRepo) GetByIDForUser(ctx context.Context, id, userID uuid.UUID, kind entities.TransactionKind) (*entities.Transaction, error) {
	tx, err := r.GetByID(ctx, id)
	if err != nil {
		return nil, err
	}
	if tx.UserID != userID || tx.Kind != kind {
		return nil, entities.ErrTransactionNotFound
	}
	return tx, nil
}

func (r *memoryRepo) List(_ context.Context, f entities.TransactionFilter) ([]*entities.Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Transaction
	for _, tx := range r.txs {
		if f.UserID != nil && tx.UserID != *f.UserID {
			continue
		}
		if f.Kind != "" && tx.Kind != f.Kind {
			continue
		}
		if f.Status != "" && tx.Status != f.Status {
			continue
		}
		out = append(out, clone(tx))
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.After(out[j].CreatedAt) })
	total := len(out)
	if f.Offset >= len(out) {
		return nil, total, nil
	}
	end := f.Offset + f.Limit
	if end > len(out) {
		end = len(out)
	}
	return out[f.Offset:end], total, nil
}

func (r *memoryRepo) SetGatewayAck(_ context.Context, id uuid.UUID, ack entities.GatewayAck) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[id]
	if !ok {
		return entities.ErrTransactionNotFound
	}
	ref := ack.ExternalReference
	tx.ExternalReference = &ref
	if ack.QRCode != nil {
		tx.QRCode = ack.QRCode
	}
	if ack.BankTransactionID != nil {
		tx.BankTransactionID = ack.BankTransactionID
	}
	if ack.ExpiresAt != nil {
		tx.ExpiresAt = ack.ExpiresAt
	}
	next := ack.NextCheckAt
	tx.NextCheckAt = &next
	return nil
}

func (r *memoryRepo) ListManualReview(_ context.Context, limit, offset int) ([]*entities.Transaction, int, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []*entities.Transaction
	for _, tx := range r.txs {
		if tx.Status == entities.StatusManualReview {
			out = append(out, clone(tx))
		}
	}
	return out, len(out), nil
}

func (r *memoryRepo) ApplyTransition(_ context.Context, t *entities.StatusTransition) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	tx, ok := r.txs[t.TransactionID]
	if !ok {
		return entities.ErrTransactionNotFound
	}
	key := t.TransactionID.String() + "|" + t.IdempotencyKey
	if r.events[key] {
		return entities.ErrDuplicateEvent
	}
	if tx.Version != t.ExpectedVersion {
		return entities.ErrVersionConflict
	}
	r.events[key] = true
	tx.Status = t.To
	tx.Version++
	if t.ErrorDetail != nil {
		tx.ErrorDetail = t.ErrorDetail
	}
	tx.History = append(tx.History, entities.StatusHistoryEntry{TransactionID: tx.ID, Status: t.To, Source: t.Source, Timestamp: t.OccurredAt})
	for _, intent := range t.Intents {
		if intent.Type == entities.IntentStampTimestamp && intent.Payload["field"] == "paid_at" {
			at, _ := time.Parse(time.RFC3339Nano, intent.Payload["at"])
			tx.PaidAt = &at
		}
		if !intent.Inline() {
			r.intents = append(r.intents, intent)
		}
	}
	return nil
}

// forceStatus moves a stored transaction without going through the engine
func (r *memoryRepo) forceStatus(id uuid.UUID, status entities.TransactionStatus) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.txs[id].Status = status
}

func (r *memoryRepo) countIntents(t entities.IntentType) int {
	r.mu.Lock()
	defer r.mu.Unlock()
	n := 0
	for _, i := range r.intents {
		if i.Type == t {
			n++
		}
	}
	return n
}

type stubGateway struct {
	mu        sync.Mutex
	createErr error
	checkErr  error
	status    string
	checks    int
}

func (g *stubGateway) CheckStatus(_ context.Context, _ entities.TransactionKind, ref string) (*gateway.StatusReport, error) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.checks++
	if g.checkErr != nil {
		return nil, g.checkErr
	}
	return &gateway.StatusReport{ExternalReference: ref, Status: g.status, Timestamp: time.Now().UTC(), EventID: "evt-check"}, nil
}

func (g *stubGateway) CreatePayment(_ context.Context, req *gateway.CreatePaymentRequest) (*gateway.CreatePaymentResponse, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.CreatePaymentResponse{
		ExternalReference: "ext_" + req.Reference[:8],
		Status:            g.status,
		QRCode:            gateway.SimulatedQRCode,
		ExpiresAt:         req.ExpiresAt,
		Timestamp:         time.Now().UTC(),
	}, nil
}

func (g *stubGateway) CreateWithdrawal(_ context.Context, req *gateway.CreateWithdrawalRequest) (*gateway.CreateWithdrawalResponse, error) {
	if g.createErr != nil {
		return nil, g.createErr
	}
	return &gateway.CreateWithdrawalResponse{
		ExternalReference: "ext_" + req.Reference[:8],
		Status:            g.status,
		BankTransactionID: "E123",
		Timestamp:         time.Now().UTC(),
	}, nil
}

type recordingAudit struct {
	mu      sync.Mutex
	created []uuid.UUID
}

func (a *recordingAudit) LogCreate(_ context.Context, tx *entities.Transaction) error {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.created = append(a.created, tx.ID)
	return nil
}

type stubFacilitators struct {
	facilitators map[uuid.UUID]*entities.Facilitator
	clients      map[uuid.UUID]gateway.Client
	defaultID    uuid.UUID
}

func newStubFacilitators(gw gateway.Client) *stubFacilitators {
	f := &entities.Facilitator{ID: uuid.New(), Name: "Acme Pay", Provider: "acme", IsActive: true, IsDefault: true}
	return &stubFacilitators{
		facilitators: map[uuid.UUID]*entities.Facilitator{f.ID: f},
		clients:      map[uuid.UUID]gateway.Client{f.ID: gw},
		defaultID:    f.ID,
	}
}

func (s *stubFacilitators) add(f *entities.Facilitator, gw gateway.Client) {
	s.facilitators[f.ID] = f
	s.clients[f.ID] = gw
}

func (s *stubFacilitators) Select(_ context.Context, requested *uuid.UUID) (*entities.Facilitator, gateway.Client, error) {
	id := s.defaultID
	if requested != nil {
		id = *requested
	}
	f, ok := s.facilitators[id]
	if !ok {
		return nil, nil, entities.ErrFacilitatorNotFound
	}
	if !f.IsActive {
		return nil, nil, entities.ErrFacilitatorInactive
	}
	return f, s.clients[id], nil
}

func (s *stubFacilitators) ClientFor(_ context.Context, id *uuid.UUID) (gateway.Client, error) {
	if id == nil {
		return s.clients[s.defaultID], nil
	}
	client, ok := s.clients[*id]
	if !ok {
		return nil, entities.ErrFacilitatorNotFound
	}
	return client, nil
}

func (s *stubFacilitators) Active(context.Context) ([]*entities.Facilitator, error) {
	var out []*entities.Facilitator
	for _, f := range s.facilitators {
		if f.IsActive {
			out = append(out, f)
		}
	}
	return out, nil
}
