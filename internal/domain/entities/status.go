package entities

import "sort"

// TransactionStatus is the lifecycle tag of a payment or withdrawal.
// Classification lives in StatusTable, not on the type.
type TransactionStatus string

const (
	StatusPending      TransactionStatus = "pending"
	StatusProcessing   TransactionStatus = "processing"
	StatusPaid         TransactionStatus = "paid"      // payment success
	StatusProcessed    TransactionStatus = "processed" // withdrawal success
	StatusFailed       TransactionStatus = "failed"
	StatusCancelled    TransactionStatus = "cancelled"
	StatusExpired      TransactionStatus = "expired"  // payment only
	StatusRefunded     TransactionStatus = "refunded" // payment only
	StatusRejected     TransactionStatus = "rejected" // withdrawal only
	StatusManualReview TransactionStatus = "manual_review"
)

// StatusClass partitions the statuses of a kind
type StatusClass string

const (
	StatusClassPending StatusClass = "pending"
	StatusClassSuccess StatusClass = "success"
	StatusClassFailure StatusClass = "failure"
	StatusClassReview  StatusClass = "review" // terminal-like, blocks automation, not a failure
)

// StatusInfo is one row of the status table
type StatusInfo struct {
	Status    TransactionStatus `json:"value"`
	Label     string            `json:"label"`
	Color     string            `json:"color"`
	Class     StatusClass       `json:"-"`
	IsFinal   bool              `json:"is_final"`
	IsSuccess bool              `json:"is_success"`
	IsFailure bool              `json:"is_failure"`
	order     int
}

func row(order int, status TransactionStatus, label, color string, class StatusClass) StatusInfo {
	return StatusInfo{
		Status:    status,
		Label:     label,
		Color:     color,
		Class:     class,
		IsFinal:   class != StatusClassPending,
		IsSuccess: class == StatusClassSuccess,
		IsFailure: class == StatusClassFailure,
		order:     order,
	}
}

// StatusTable is the static classification of every status per kind
var StatusTable = map[TransactionKind]map[TransactionStatus]StatusInfo{
	TransactionKindPayment: {
		StatusPending:      row(0, StatusPending, "Pending", "yellow", StatusClassPending),
		StatusProcessing:   row(1, StatusProcessing, "Processing", "blue", StatusClassPending),
		StatusPaid:         row(2, StatusPaid, "Paid", "green", StatusClassSuccess),
		StatusFailed:       row(3, StatusFailed, "Failed", "red", StatusClassFailure),
		StatusCancelled:    row(4, StatusCancelled, "Cancelled", "red", StatusClassFailure),
		StatusExpired:      row(5, StatusExpired, "Expired", "red", StatusClassFailure),
		StatusRefunded:     row(6, StatusRefunded, "Refunded", "orange", StatusClassFailure),
		StatusManualReview: row(7, StatusManualReview, "Manual review", "purple", StatusClassReview),
	},
	TransactionKindWithdrawal: {
		StatusPending:      row(0, StatusPending, "Pending", "yellow", StatusClassPending),
		StatusProcessing:   row(1, StatusProcessing, "Processing", "blue", StatusClassPending),
		StatusProcessed:    row(2, StatusProcessed, "Processed", "green", StatusClassSuccess),
		StatusFailed:       row(3, StatusFailed, "Failed", "red", StatusClassFailure),
		StatusCancelled:    row(4, StatusCancelled, "Cancelled", "red", StatusClassFailure),
		StatusRejected:     row(5, StatusRejected, "Rejected", "red", StatusClassFailure),
		StatusManualReview: row(6, StatusManualReview, "Manual review", "purple", StatusClassReview),
	},
}

// LookupStatus returns the table row for a status of the given kind
func LookupStatus(kind TransactionKind, status TransactionStatus) (StatusInfo, bool) {
	rows, ok := StatusTable[kind]
	if !ok {
		return StatusInfo{}, false
	}
	info, ok := rows[status]
	return info, ok
}

// IsKnownStatus reports whether status belongs to kind
func IsKnownStatus(kind TransactionKind, status TransactionStatus) bool {
	_, ok := LookupStatus(kind, status)
	return ok
}

// IsTerminalStatus reports whether no automated transition may leave status.
// Manual review counts as terminal here.
func IsTerminalStatus(kind TransactionKind, status TransactionStatus) bool {
	info, ok := LookupStatus(kind, status)
	return ok && info.IsFinal
}

// IsPendingLike reports whether status is still awaiting a gateway outcome
func IsPendingLike(kind TransactionKind, status TransactionStatus) bool {
	info, ok := LookupStatus(kind, status)
	return ok && info.Class == StatusClassPending
}

// StatusesOfClass lists the statuses of kind in the given class, in table order
func StatusesOfClass(kind TransactionKind, class StatusClass) []TransactionStatus {
	var out []TransactionStatus
	for _, info := range Statuses(kind) {
		if info.Class == class {
			out = append(out, info.Status)
		}
	}
	return out
}

// SuccessStatus returns the single success terminal status of kind
func SuccessStatus(kind TransactionKind) TransactionStatus {
	if kind == TransactionKindWithdrawal {
		return StatusProcessed
	}
	return StatusPaid
}

// Statuses returns every row of kind in display order
func Statuses(kind TransactionKind) []StatusInfo {
	rows := StatusTable[kind]
	out := make([]StatusInfo, 0, len(rows))
	for _, info := range rows {
		out = append(out, info)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].order < out[j].order })
	return out
}
