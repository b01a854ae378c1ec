package entities

import (
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"
)

type AuditAction string

const (
	AuditActionCreate           AuditAction = "transaction_create"
	AuditActionCancel           AuditAction = "transaction_cancel"
	AuditActionStatusTransition AuditAction = "status_transition"
	AuditActionEscalation       AuditAction = "manual_review_escalation"
	AuditActionResolution       AuditAction = "manual_review_resolution"
)

// AuditLog is one hash-chained row of the audit trail
type AuditLog struct {
	ID            uuid.UUID   `json:"id" db:"id"`
	ActorID       *uuid.UUID  `json:"actor_id,omitempty" db:"actor_id"`
	Action        AuditAction `json:"action" db:"action"`
	TransactionID uuid.UUID   `json:"transaction_id" db:"transaction_id"`
	Metadata      JSONMap     `json:"metadata,omitempty" db:"metadata"`
	PreviousHash  string      `json:"previous_hash" db:"previous_hash"`
	CurrentHash   string      `json:"current_hash" db:"current_hash"`
	CreatedAt     time.Time   `json:"created_at" db:"created_at"`
}

// CalculateHash hashes the row content together with the previous hash
func (a *AuditLog) CalculateHash() string {
	actor := ""
	if a.ActorID != nil {
		actor = a.ActorID.String()
	}
	meta, _ := json.Marshal(a.Metadata)
	h := sha256.New()
	fmt.Fprintf(h, "%s|%s|%s|%s|%s|%s|%s",
		a.ID, actor, a.Action, a.TransactionID, meta, a.CreatedAt.UTC().Format(time.RFC3339Nano), a.PreviousHash)
	return hex.EncodeToString(h.Sum(nil))
}

// SetIntegrityFields links the row to its predecessor
func (a *AuditLog) SetIntegrityFields(previousHash string) {
	a.PreviousHash = previousHash
	a.CurrentHash = a.CalculateHash()
}

// StatusTransitionLog represents a status change event for audit trail
type StatusTransitionLog struct {
	TransactionID uuid.UUID              `json:"transaction_id"`
	Kind          TransactionKind        `json:"kind"`
	FromStatus    TransactionStatus      `json:"from_status"`
	ToStatus      TransactionStatus      `json:"to_status"`
	TriggeredBy   StatusSource           `json:"triggered_by"`
	ActorID       *uuid.UUID             `json:"actor_id,omitempty"`
	Timestamp     time.Time              `json:"timestamp"`
	Metadata      map[string]interface{} `json:"metadata,omitempty"`
}

// OperatorAlert is a message for the operator channel
type OperatorAlert struct {
	Severity      string                 `json:"severity"`
	Title         string                 `json:"title"`
	TransactionID uuid.UUID              `json:"transaction_id"`
	Kind          TransactionKind        `json:"kind"`
	Detail        string                 `json:"detail"`
	Fields        map[string]interface{} `json:"fields,omitempty"`
	RaisedAt      time.Time              `json:"raised_at"`
}

// Alert severities
const (
	AlertSeverityWarning  = "warning"
	AlertSeverityCritical = "critical"
)
