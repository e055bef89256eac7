// Package orchestrator ties the pipeline together: classify a task, scrub
// its prompt, route it to a provider, and gate the commit of the result
// behind approval when the risk warrants it. Committed results land in
// memory with an undo record.
package orchestrator

import (
	"encoding/json"
	"fmt"

	"github.com/spatialai/braind/internal/classifier"
)

// TaskStatus is the outcome of a submitted task.
type TaskStatus string

const (
	// StatusCompleted means the result was committed to memory.
	StatusCompleted TaskStatus = "completed"
	// StatusAwaitingApproval means the result is staged pending review.
	StatusAwaitingApproval TaskStatus = "awaiting_approval"
	// StatusRejected means a reviewer declined the staged result.
	StatusRejected TaskStatus = "rejected"
)

// TaskRequest describes one task to execute.
type TaskRequest struct {
	SessionID    string   `json:"session_id"`
	Description  string   `json:"description"`
	History      []string `json:"history,omitempty"`
	Capabilities []string `json:"capabilities,omitempty"`
}

// Validate checks required fields.
func (r *TaskRequest) Validate() error {
	if r.SessionID == "" {
		return fmt.Errorf("orchestrator: session id is required")
	}
	if r.Description == "" {
		return fmt.Errorf("orchestrator: description is required")
	}
	return nil
}

// TaskResult is the outcome of SubmitTask or ResolveApproval.
type TaskResult struct {
	TaskID          string          `json:"task_id"`
	SessionID       string          `json:"session_id"`
	Status          TaskStatus      `json:"status"`
	Tier            classifier.Tier `json:"tier"`
	Risk            float64         `json:"risk"`
	Output          string          `json:"output,omitempty"`
	Model           string          `json:"model,omitempty"`
	Adapter         string          `json:"adapter,omitempty"`
	Cost            float64         `json:"cost"`
	Tokens          int             `json:"tokens"`
	ValidatorOutput string          `json:"validator_output,omitempty"`
	Redactions      int             `json:"redactions"`
	ApprovalID      string          `json:"approval_id,omitempty"`
	MemoryEntryID   string          `json:"memory_entry_id,omitempty"`
	UndoID          string          `json:"undo_id,omitempty"`
}

// commitEnvelope is the staged result an approval request carries until a
// reviewer decides its fate.
type commitEnvelope struct {
	TaskID          string  `json:"task_id"`
	SessionID       string  `json:"session_id"`
	Description     string  `json:"description"`
	Tier            string  `json:"tier"`
	Risk            float64 `json:"risk"`
	Output          string  `json:"output"`
	Model           string  `json:"model"`
	Adapter         string  `json:"adapter"`
	Cost            float64 `json:"cost"`
	Tokens          int     `json:"tokens"`
	ValidatorOutput string  `json:"validator_output,omitempty"`
}

func (e *commitEnvelope) encode() (string, error) {
	b, err := json.Marshal(e)
	if err != nil {
		return "", fmt.Errorf("orchestrator: encode staged result: %w", err)
	}
	return string(b), nil
}

func decodeEnvelope(payload string) (*commitEnvelope, error) {
	var e commitEnvelope
	if err := json.Unmarshal([]byte(payload), &e); err != nil {
		return nil, fmt.Errorf("orchestrator: decode staged result: %w", err)
	}
	return &e, nil
}

// undoPayload is what a memory commit stores on the undo stack.
type undoPayload struct {
	EntryID string `json:"entry_id"`
}

// sessionRoutingState is the per-session state blob the orchestrator keeps
// in the memory store, restored by clients that resume a session.
type sessionRoutingState struct {
	LastTaskID string `json:"last_task_id"`
	LastTier   string `json:"last_tier"`
	LastStatus string `json:"last_status"`
}
