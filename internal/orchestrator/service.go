package orchestrator

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"

	"github.com/google/uuid"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spatialai/braind/internal/approval"
	"github.com/spatialai/braind/internal/classifier"
	"github.com/spatialai/braind/internal/memory"
	"github.com/spatialai/braind/internal/provider"
	"github.com/spatialai/braind/internal/router"
	"github.com/spatialai/braind/internal/secrets"
	"github.com/spatialai/braind/internal/undo"
)

const (
	instrumentationName = "github.com/spatialai/braind/internal/orchestrator"

	// componentName tags the memory entries this package writes.
	componentName = "orchestrator"

	// undoKindCommit is the undo operation that reverses a memory commit.
	undoKindCommit = "memory_commit"
)

// Service runs tasks end to end.
type Service interface {
	// SubmitTask classifies, scrubs, and executes a task. Low-risk results
	// commit immediately; high-risk results are staged behind an approval.
	SubmitTask(ctx context.Context, req TaskRequest) (*TaskResult, error)
	// PendingApprovals lists staged results awaiting review. A non-empty
	// sessionID restricts the list to that session.
	PendingApprovals(ctx context.Context, sessionID string) ([]approval.Request, error)
	// ResolveApproval approves or rejects a staged result. Approval commits
	// it; rejection records the attempt in memory without an undo record.
	ResolveApproval(ctx context.Context, id string, approve bool, resolvedBy, reason string) (*TaskResult, error)
	// ListUndo lists reversible operations, newest first.
	ListUndo(ctx context.Context, sessionID string, limit int) ([]undo.Record, error)
	// ExecuteUndo reverses a committed result.
	ExecuteUndo(ctx context.Context, id string) (*undo.Record, error)
	// SearchMemory retrieves semantically similar memory entries.
	SearchMemory(ctx context.Context, query, sessionID string, k int) ([]memory.SearchResult, error)
	// MemoryStats summarizes the memory store.
	MemoryStats(ctx context.Context) (*memory.Stats, error)
	// SessionState returns where the session left off, for clients that
	// resume a session.
	SessionState(ctx context.Context, sessionID string) (*memory.SessionState, error)
	// HandleExpiry records an expired approval as a non-committed attempt.
	// Wired as the approval sweeper's expiry hook.
	HandleExpiry(ctx context.Context, req approval.Request)
}

type service struct {
	classifier *classifier.Classifier
	scrubber   secrets.Scrubber
	deep       *secrets.DeepScanner
	router     *router.Router
	memory     memory.Service
	approvals  approval.Service
	undoStack  undo.Service
	logger     *zap.Logger
	tracer     trace.Tracer
	meter      metric.Meter

	taskCounter     metric.Int64Counter
	gatedCounter    metric.Int64Counter
	rejectedCounter metric.Int64Counter
	undoneCounter   metric.Int64Counter
}

var _ Service = (*service)(nil)

// New wires the pipeline components together and registers the undo applier
// that reverses memory commits.
func New(
	cls *classifier.Classifier,
	scrubber secrets.Scrubber,
	deep *secrets.DeepScanner,
	rt *router.Router,
	mem memory.Service,
	approvals approval.Service,
	undoStack undo.Service,
	logger *zap.Logger,
) (Service, error) {
	if cls == nil {
		return nil, fmt.Errorf("orchestrator: classifier is required")
	}
	if scrubber == nil {
		return nil, fmt.Errorf("orchestrator: scrubber is required")
	}
	if deep == nil {
		return nil, fmt.Errorf("orchestrator: deep scanner is required")
	}
	if rt == nil {
		return nil, fmt.Errorf("orchestrator: router is required")
	}
	if mem == nil {
		return nil, fmt.Errorf("orchestrator: memory service is required")
	}
	if approvals == nil {
		return nil, fmt.Errorf("orchestrator: approval service is required")
	}
	if undoStack == nil {
		return nil, fmt.Errorf("orchestrator: undo service is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}

	s := &service{
		classifier: cls,
		scrubber:   scrubber,
		deep:       deep,
		router:     rt,
		memory:     mem,
		approvals:  approvals,
		undoStack:  undoStack,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
	}
	s.initMetrics()

	undoStack.Register(undoKindCommit, s.revertCommit)
	return s, nil
}

func (s *service) initMetrics() {
	var err error
	if s.taskCounter, err = s.meter.Int64Counter("orchestrator.tasks",
		metric.WithDescription("Tasks submitted")); err != nil {
		s.logger.Warn("failed to create task counter", zap.Error(err))
	}
	if s.gatedCounter, err = s.meter.Int64Counter("orchestrator.approval_gated",
		metric.WithDescription("Results staged behind approval")); err != nil {
		s.logger.Warn("failed to create gated counter", zap.Error(err))
	}
	if s.rejectedCounter, err = s.meter.Int64Counter("orchestrator.rejected",
		metric.WithDescription("Staged results rejected or expired")); err != nil {
		s.logger.Warn("failed to create rejected counter", zap.Error(err))
	}
	if s.undoneCounter, err = s.meter.Int64Counter("orchestrator.undone",
		metric.WithDescription("Committed results reverted")); err != nil {
		s.logger.Warn("failed to create undone counter", zap.Error(err))
	}
}

func (s *service) SubmitTask(ctx context.Context, req TaskRequest) (*TaskResult, error) {
	if err := req.Validate(); err != nil {
		return nil, err
	}

	taskID := uuid.New().String()
	ctx, span := s.tracer.Start(ctx, "orchestrator.SubmitTask",
		trace.WithAttributes(
			attribute.String("task.id", taskID),
			attribute.String("task.session_id", req.SessionID),
		))
	defer span.End()

	cls := s.classifier.Classify(req.Description, req.History...)
	span.SetAttributes(
		attribute.String("task.tier", cls.Tier.String()),
		attribute.Float64("task.risk", cls.Risk),
	)
	if s.taskCounter != nil {
		s.taskCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("tier", cls.Tier.String())))
	}

	scrub := s.scrubber.Scrub(req.Description)
	prompt := scrub.Scrubbed
	if scrub.HasFindings() {
		s.logger.Warn("redacted secrets from task prompt",
			zap.String("task_id", taskID),
			zap.Int("findings", scrub.TotalFindings),
			zap.Strings("rules", scrub.RuleIDs()))
	}

	result, validatorOut, err := s.execute(ctx, cls.Tier, req.Capabilities, prompt)
	if err != nil {
		span.RecordError(err)
		if errors.Is(err, router.ErrRoutingExhausted) {
			s.logger.Error("no provider could handle task",
				zap.String("task_id", taskID),
				zap.String("tier", cls.Tier.String()),
				zap.Error(err))
		}
		return nil, err
	}

	// Provider output can echo credentials from upstream context, so it
	// gets the same treatment as the prompt before anything persists it.
	outScrub := s.scrubber.Scrub(result.Output)
	result.Output = outScrub.Scrubbed
	redactions := scrub.TotalFindings + outScrub.TotalFindings

	env := &commitEnvelope{
		TaskID:          taskID,
		SessionID:       req.SessionID,
		Description:     prompt,
		Tier:            cls.Tier.String(),
		Risk:            cls.Risk,
		Output:          result.Output,
		Model:           result.Model,
		Adapter:         result.Adapter,
		Cost:            result.Cost,
		Tokens:          result.TotalTokens,
		ValidatorOutput: validatorOut,
	}
	payload, err := env.encode()
	if err != nil {
		return nil, err
	}

	approvalReq, err := s.approvals.Submit(ctx, approval.SubmitRequest{
		SessionID:   req.SessionID,
		TaskID:      taskID,
		Description: prompt,
		Risk:        cls.Risk,
		Payload:     payload,
	})
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	taskResult := &TaskResult{
		TaskID:          taskID,
		SessionID:       req.SessionID,
		Tier:            cls.Tier,
		Risk:            cls.Risk,
		Output:          result.Output,
		Model:           result.Model,
		Adapter:         result.Adapter,
		Cost:            result.Cost,
		Tokens:          result.TotalTokens,
		ValidatorOutput: validatorOut,
		Redactions:      redactions,
		ApprovalID:      approvalReq.ID,
	}

	if approvalReq.Status == approval.StatusPending {
		if s.gatedCounter != nil {
			s.gatedCounter.Add(ctx, 1)
		}
		taskResult.Status = StatusAwaitingApproval
		s.logger.Info("task staged for approval",
			zap.String("task_id", taskID),
			zap.String("approval_id", approvalReq.ID),
			zap.Float64("risk", cls.Risk))
		s.saveSessionState(ctx, taskResult)
		return taskResult, nil
	}

	entryID, undoID, err := s.commit(ctx, env)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	taskResult.Status = StatusCompleted
	taskResult.MemoryEntryID = entryID
	taskResult.UndoID = undoID
	s.saveSessionState(ctx, taskResult)
	return taskResult, nil
}

// saveSessionState records where the session left off so a resuming client
// can restore it. Best effort.
func (s *service) saveSessionState(ctx context.Context, result *TaskResult) {
	state, err := json.Marshal(sessionRoutingState{
		LastTaskID: result.TaskID,
		LastTier:   result.Tier.String(),
		LastStatus: string(result.Status),
	})
	if err != nil {
		return
	}
	if err := s.memory.UpsertSessionState(ctx, result.SessionID, componentName, string(state)); err != nil {
		s.logger.Warn("failed to persist session state",
			zap.String("session_id", result.SessionID), zap.Error(err))
	}
}

// execute runs the routed primary and, when the tier has one, a validator in
// parallel for a second opinion. Validator failures are advisory.
func (s *service) execute(ctx context.Context, tier classifier.Tier, capabilities []string, prompt string) (*provider.Result, string, error) {
	var (
		wg           sync.WaitGroup
		valResult    *provider.Result
		valErr       error
		validatorOut string
	)
	if validator, ok := s.router.Validator(tier); ok {
		wg.Add(1)
		go func() {
			defer wg.Done()
			valResult, valErr = validator.Execute(ctx, prompt)
		}()
	}

	result, err := s.router.Execute(ctx, tier, capabilities, prompt)
	wg.Wait()

	if valErr != nil {
		s.logger.Warn("validator execution failed", zap.Error(valErr))
	} else if valResult != nil {
		validatorOut = valResult.Output
	}
	if err != nil {
		return nil, "", err
	}
	return result, validatorOut, nil
}

// commit makes an executed result durable: a memory entry plus the undo
// record that can reverse it. Output gets a full ruleset scan before it
// lands in memory; the shallow scrubber at submit time only covers the
// common credential shapes.
func (s *service) commit(ctx context.Context, env *commitEnvelope) (entryID, undoID string, err error) {
	redacted, n, err := s.deep.Redact(env.Output)
	if err != nil {
		s.logger.Warn("deep secret scan failed, committing scrubbed output",
			zap.String("task_id", env.TaskID), zap.Error(err))
	} else {
		if n > 0 {
			s.logger.Warn("deep scan redacted secrets from task output",
				zap.String("task_id", env.TaskID), zap.Int("findings", n))
		}
		env.Output = redacted
	}

	entry, err := s.memory.Append(ctx, memory.AppendRequest{
		SessionID: env.SessionID,
		Component: componentName,
		Context:   env.TaskID,
		Kind:      memory.KindDecision,
		Content:   env.Output,
		Metadata:  env.entryMetadata("committed"),
	})
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: commit result: %w", err)
	}

	payload, err := json.Marshal(undoPayload{EntryID: entry.ID})
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: encode undo payload: %w", err)
	}
	postState, err := json.Marshal(map[string]string{
		"entry_id": entry.ID,
		"status":   "committed",
	})
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: encode post state: %w", err)
	}
	rec, err := s.undoStack.Push(ctx, undo.PushRequest{
		SessionID:   env.SessionID,
		TaskID:      env.TaskID,
		Kind:        undoKindCommit,
		Description: fmt.Sprintf("revert committed result for task %s", env.TaskID),
		Payload:     string(payload),
		PostState:   string(postState),
		Undoable:    true,
	})
	if err != nil {
		return "", "", fmt.Errorf("orchestrator: record undo: %w", err)
	}

	s.logger.Info("task result committed",
		zap.String("task_id", env.TaskID),
		zap.String("memory_entry_id", entry.ID),
		zap.String("undo_id", rec.ID))
	return entry.ID, rec.ID, nil
}

// revertCommit is the undo applier for committed results. A missing entry
// counts as already reverted.
func (s *service) revertCommit(ctx context.Context, rec undo.Record) error {
	var p undoPayload
	if err := json.Unmarshal([]byte(rec.Payload), &p); err != nil {
		return fmt.Errorf("orchestrator: decode undo payload: %w", err)
	}
	if err := s.memory.Delete(ctx, p.EntryID); err != nil && !errors.Is(err, memory.ErrNotFound) {
		return err
	}
	if s.undoneCounter != nil {
		s.undoneCounter.Add(ctx, 1)
	}
	return nil
}

// logAttempt records a staged result that never committed. No undo record is
// written because nothing was committed.
func (s *service) logAttempt(ctx context.Context, env *commitEnvelope, resolution string) {
	_, err := s.memory.Append(ctx, memory.AppendRequest{
		SessionID: env.SessionID,
		Component: componentName,
		Context:   env.TaskID,
		Kind:      memory.KindSystem,
		Content:   fmt.Sprintf("task %s not committed: %s", env.TaskID, resolution),
		Metadata:  env.entryMetadata("rejected"),
	})
	if err != nil && !errors.Is(err, memory.ErrDuplicateEntry) {
		s.logger.Warn("failed to record rejected attempt",
			zap.String("task_id", env.TaskID), zap.Error(err))
	}
	if s.rejectedCounter != nil {
		s.rejectedCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("resolution", resolution)))
	}
}

func (e *commitEnvelope) entryMetadata(status string) map[string]any {
	return map[string]any{
		"task_id": e.TaskID,
		"tier":    e.Tier,
		"model":   e.Model,
		"adapter": e.Adapter,
		"cost":    e.Cost,
		"tokens":  e.Tokens,
		"status":  status,
	}
}

func (s *service) PendingApprovals(ctx context.Context, sessionID string) ([]approval.Request, error) {
	return s.approvals.Pending(ctx, sessionID)
}

func (s *service) ResolveApproval(ctx context.Context, id string, approve bool, resolvedBy, reason string) (*TaskResult, error) {
	ctx, span := s.tracer.Start(ctx, "orchestrator.ResolveApproval",
		trace.WithAttributes(
			attribute.String("approval.request_id", id),
			attribute.Bool("approval.approve", approve),
		))
	defer span.End()

	req, err := s.approvals.Resolve(ctx, id, approve, resolvedBy, reason)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	env, err := decodeEnvelope(req.Payload)
	if err != nil {
		return nil, err
	}

	result := &TaskResult{
		TaskID:          env.TaskID,
		SessionID:       env.SessionID,
		Tier:            classifier.ParseTier(env.Tier),
		Risk:            env.Risk,
		Output:          env.Output,
		Model:           env.Model,
		Adapter:         env.Adapter,
		Cost:            env.Cost,
		Tokens:          env.Tokens,
		ValidatorOutput: env.ValidatorOutput,
		ApprovalID:      req.ID,
	}

	if !approve {
		s.logAttempt(ctx, env, "rejected by "+resolvedBy)
		result.Status = StatusRejected
		return result, nil
	}

	entryID, undoID, err := s.commit(ctx, env)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	result.Status = StatusCompleted
	result.MemoryEntryID = entryID
	result.UndoID = undoID
	return result, nil
}

func (s *service) HandleExpiry(ctx context.Context, req approval.Request) {
	env, err := decodeEnvelope(req.Payload)
	if err != nil {
		s.logger.Warn("failed to decode expired approval payload",
			zap.String("request_id", req.ID), zap.Error(err))
		return
	}
	s.logAttempt(ctx, env, "approval expired")
}

func (s *service) ListUndo(ctx context.Context, sessionID string, limit int) ([]undo.Record, error) {
	return s.undoStack.List(ctx, sessionID, limit)
}

func (s *service) ExecuteUndo(ctx context.Context, id string) (*undo.Record, error) {
	return s.undoStack.Execute(ctx, id)
}

func (s *service) SearchMemory(ctx context.Context, query, sessionID string, k int) ([]memory.SearchResult, error) {
	return s.memory.Search(ctx, query, sessionID, k)
}

func (s *service) MemoryStats(ctx context.Context) (*memory.Stats, error) {
	return s.memory.Stats(ctx)
}

func (s *service) SessionState(ctx context.Context, sessionID string) (*memory.SessionState, error) {
	return s.memory.GetSessionState(ctx, sessionID, componentName)
}
