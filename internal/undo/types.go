// Package undo keeps a bounded stack of reversible operations. Records are
// executed at most once and kept after consumption so the history remains
// auditable until the bound evicts them.
package undo

import (
	"errors"
	"fmt"
	"time"
)

var (
	// ErrNotFound is returned when the requested record does not exist.
	ErrNotFound = errors.New("undo: record not found")
	// ErrAlreadyConsumed is returned when executing a record that already ran.
	ErrAlreadyConsumed = errors.New("undo: record already consumed")
	// ErrNotUndoable is returned when a record is flagged non-reversible or
	// no applier is registered for its operation kind.
	ErrNotUndoable = errors.New("undo: operation not undoable")
	// ErrClosed is returned after the service has been shut down.
	ErrClosed = errors.New("undo: service closed")
)

// Status is the lifecycle state of an undo record.
type Status string

const (
	StatusActive   Status = "active"
	StatusConsumed Status = "consumed"
)

// Record is one operation on the stack. Payload holds the rollback data the
// applier needs to reverse the operation; PostState snapshots what the
// operation produced. Records pushed with Undoable false are kept for audit
// but can never execute.
type Record struct {
	ID          string    `json:"id"`
	SessionID   string    `json:"session_id"`
	TaskID      string    `json:"task_id"`
	Kind        string    `json:"kind"`
	Description string    `json:"description"`
	Payload     string    `json:"payload"`
	PostState   string    `json:"post_state,omitempty"`
	Undoable    bool      `json:"undoable"`
	Status      Status    `json:"status"`
	CreatedAt   time.Time `json:"created_at"`
	ConsumedAt  time.Time `json:"consumed_at,omitempty"`
}

// PushRequest carries the fields a caller supplies when recording an
// operation.
type PushRequest struct {
	SessionID   string
	TaskID      string
	Kind        string
	Description string
	Payload     string
	PostState   string
	Undoable    bool
}

// Validate checks required fields.
func (r *PushRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("undo: session id is required")
	}
	if r.Kind == "" {
		return fmt.Errorf("undo: operation kind is required")
	}
	if r.Description == "" {
		return fmt.Errorf("undo: description is required")
	}
	return nil
}
