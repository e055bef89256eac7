// Package approval gates the commit of high-risk task results behind human
// review. Requests expire after a TTL and every state transition lands in an
// append-only audit log.
package approval

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the requested approval does not exist.
	ErrNotFound = errors.New("approval: request not found")
	// ErrAlreadyResolved is returned when resolving a request that is no
	// longer pending.
	ErrAlreadyResolved = errors.New("approval: request already resolved")
	// ErrClosed is returned after the service has been shut down.
	ErrClosed = errors.New("approval: service closed")
)

// Status is the lifecycle state of an approval request. Every status other
// than pending is terminal.
type Status string

const (
	StatusPending  Status = "pending"
	StatusApproved Status = "approved"
	StatusRejected Status = "rejected"
	StatusExpired  Status = "expired"
)

// Terminal reports whether the status permits no further transitions.
func (s Status) Terminal() bool { return s != StatusPending }

// Audit event names.
const (
	EventSubmitted = "submitted"
	EventApproved  = "approved"
	EventRejected  = "rejected"
	EventExpired   = "expired"
)

// Request is one approval request, carrying the staged result it gates.
type Request struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id"`
	Description string    `json:"description"`
	Risk        float64   `json:"risk"`
	Payload     string    `json:"payload"`
	Status      Status    `json:"status"`
	ResolvedBy  string    `json:"resolved_by,omitempty"`
	Reason      string    `json:"reason,omitempty"`
	CreatedAt   time.Time `json:"created_at"`
	ExpiresAt   time.Time `json:"expires_at"`
	ResolvedAt  time.Time `json:"resolved_at,omitempty"`
}

// SubmitRequest carries the fields a caller supplies when staging a result
// for review.
type SubmitRequest struct {
	SessionID   string
	TaskID      string
	Description string
	Risk        float64
	Payload     string
}

// Validate checks required fields.
func (r *SubmitRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("approval: session id is required")
	}
	if r.TaskID == "" {
		return fmt.Errorf("approval: task id is required")
	}
	if r.Description == "" {
		return fmt.Errorf("approval: description is required")
	}
	if r.Risk < 0 || r.Risk > 1 {
		return fmt.Errorf("approval: risk must be in [0,1], got %v", r.Risk)
	}
	return nil
}

// AuditEvent is one append-only audit record for a request.
type AuditEvent struct {
	ID        int64     `json:"id"`
	RequestID string    `json:"request_id"`
	Event     string    `json:"event"`
	Detail    string    `json:"detail,omitempty"`
	CreatedAt time.Time `json:"created_at"`
}
