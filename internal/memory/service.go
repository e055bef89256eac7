package memory

import (
	"context"
	"errors"
	"fmt"
	"math"
	"math/rand"
	"sort"
	"sync"
	"time"

	"github.com/oklog/ulid/v2"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
	"go.uber.org/zap"

	"github.com/spatialai/braind/internal/config"
	"github.com/spatialai/braind/internal/embeddings"
)

const instrumentationName = "github.com/spatialai/braind/internal/memory"

// searchOverfetch widens the vector lookup so session filtering still
// leaves enough candidates.
const searchOverfetch = 3

// Service is the persistent memory store.
type Service interface {
	// Append stores a new entry. Returns ErrDuplicateEntry when the session
	// already holds an entry with the same context hash inside the
	// configured dedup window; with no window configured the whole session
	// is the window. The embedding is computed asynchronously; until then
	// the entry is excluded from semantic search but visible to List.
	Append(ctx context.Context, req AppendRequest) (*Entry, error)
	// Search retrieves entries semantically similar to query, ranked by a
	// combined score of similarity, importance, and recency. A non-empty
	// sessionID restricts results to that session. Matches have their
	// access count bumped.
	Search(ctx context.Context, query, sessionID string, k int) ([]SearchResult, error)
	// List returns entries matching the exact component and context,
	// most important first. Matches have their access count bumped.
	List(ctx context.Context, sessionID, component, taskContext string, limit int) ([]Entry, error)
	// Get returns a single entry by ID without bumping its access count.
	Get(ctx context.Context, id string) (*Entry, error)
	// Delete removes an entry from both the durable store and the index.
	Delete(ctx context.Context, id string) error
	// Consolidate archives low-importance, rarely-accessed entries older
	// than olderThan and returns how many were moved. A non-positive
	// olderThan uses the configured default age. Safe to call repeatedly.
	Consolidate(ctx context.Context, olderThan time.Duration) (int, error)
	// UpsertSessionState writes the state blob for a session component,
	// replacing any previous value. Concurrent writes to the same key are
	// serialized.
	UpsertSessionState(ctx context.Context, sessionID, component, state string) error
	// GetSessionState reads a session component's state blob.
	GetSessionState(ctx context.Context, sessionID, component string) (*SessionState, error)
	// Stats summarizes the store contents.
	Stats(ctx context.Context) (*Stats, error)
	// Backfill embeds up to limit entries that are not yet indexed and
	// returns how many were processed.
	Backfill(ctx context.Context, limit int) (int, error)
	// Close drains the embed queue and releases resources.
	Close() error
}

type embedJob struct {
	id        string
	content   string
	sessionID string
	component string
}

type service struct {
	cfg      config.MemoryConfig
	store    *store
	index    *index
	embedder embeddings.Embedder
	logger   *zap.Logger
	tracer   trace.Tracer
	meter    metric.Meter

	appendCounter      metric.Int64Counter
	duplicateCounter   metric.Int64Counter
	searchCounter      metric.Int64Counter
	consolidateCounter metric.Int64Counter
	embedCounter       metric.Int64Counter
	embedFailCounter   metric.Int64Counter

	mu     sync.RWMutex
	closed bool

	embedQueue chan embedJob
	wg         sync.WaitGroup

	// sessionLocks serializes UpsertSessionState per (session, component).
	sessionLocks sync.Map

	entropyMu sync.Mutex
	entropy   *rand.Rand
}

var _ Service = (*service)(nil)

// New opens the durable store and vector index and starts the background
// embed worker.
func New(cfg config.MemoryConfig, embedder embeddings.Embedder, logger *zap.Logger) (Service, error) {
	if embedder == nil {
		return nil, fmt.Errorf("memory: embedder is required")
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.EmbedQueueSize <= 0 {
		cfg.EmbedQueueSize = 256
	}

	st, err := newStore(cfg.DBPath)
	if err != nil {
		return nil, err
	}
	ix, err := newIndex(cfg.VectorPath)
	if err != nil {
		st.close()
		return nil, err
	}

	s := &service{
		cfg:        cfg,
		store:      st,
		index:      ix,
		embedder:   embedder,
		logger:     logger,
		tracer:     otel.Tracer(instrumentationName),
		meter:      otel.Meter(instrumentationName),
		embedQueue: make(chan embedJob, cfg.EmbedQueueSize),
		entropy:    rand.New(rand.NewSource(time.Now().UnixNano())),
	}
	s.initMetrics()

	s.wg.Add(1)
	go s.embedWorker()

	return s, nil
}

func (s *service) initMetrics() {
	var err error
	if s.appendCounter, err = s.meter.Int64Counter("memory.appends",
		metric.WithDescription("Entries appended to the memory store")); err != nil {
		s.logger.Warn("failed to create append counter", zap.Error(err))
	}
	if s.duplicateCounter, err = s.meter.Int64Counter("memory.duplicates",
		metric.WithDescription("Appends rejected as duplicates")); err != nil {
		s.logger.Warn("failed to create duplicate counter", zap.Error(err))
	}
	if s.searchCounter, err = s.meter.Int64Counter("memory.searches",
		metric.WithDescription("Semantic search requests")); err != nil {
		s.logger.Warn("failed to create search counter", zap.Error(err))
	}
	if s.consolidateCounter, err = s.meter.Int64Counter("memory.consolidated",
		metric.WithDescription("Entries archived by consolidation")); err != nil {
		s.logger.Warn("failed to create consolidate counter", zap.Error(err))
	}
	if s.embedCounter, err = s.meter.Int64Counter("memory.embeddings",
		metric.WithDescription("Entries embedded and indexed")); err != nil {
		s.logger.Warn("failed to create embed counter", zap.Error(err))
	}
	if s.embedFailCounter, err = s.meter.Int64Counter("memory.embedding_failures",
		metric.WithDescription("Embedding attempts that failed")); err != nil {
		s.logger.Warn("failed to create embed failure counter", zap.Error(err))
	}
}

func (s *service) newID() string {
	s.entropyMu.Lock()
	defer s.entropyMu.Unlock()
	return ulid.MustNew(ulid.Timestamp(time.Now()), s.entropy).String()
}

func (s *service) Append(ctx context.Context, req AppendRequest) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if err := req.Validate(); err != nil {
		return nil, err
	}

	ctx, span := s.tracer.Start(ctx, "memory.Append",
		trace.WithAttributes(
			attribute.String("memory.session_id", req.SessionID),
			attribute.String("memory.component", req.Component),
			attribute.String("memory.kind", string(req.Kind)),
		))
	defer span.End()

	now := time.Now().UTC()
	entry := &Entry{
		ID:           s.newID(),
		SessionID:    req.SessionID,
		Component:    req.Component,
		ContextHash:  ContextHash(req.Component, req.Context),
		Kind:         req.Kind,
		Content:      req.Content,
		Metadata:     req.Metadata,
		Importance:   req.Importance,
		CreatedAt:    now,
		LastAccessed: now,
	}

	// With a bounded dedup window, a duplicate whose prior entry has aged
	// out of the window gives up its slot to the new append.
	if w := s.cfg.DedupWindow.Duration(); w > 0 {
		prior, err := s.store.findDuplicate(ctx, entry.SessionID, entry.ContextHash)
		if err != nil {
			span.RecordError(err)
			return nil, err
		}
		if prior != nil && now.Sub(prior.CreatedAt) >= w {
			if err := s.store.deleteEntry(ctx, prior.ID); err != nil && !errors.Is(err, ErrNotFound) {
				span.RecordError(err)
				return nil, err
			}
			if err := s.index.remove(ctx, prior.ID); err != nil {
				s.logger.Warn("failed to remove stale duplicate from index",
					zap.String("entry_id", prior.ID), zap.Error(err))
			}
		}
	}

	if err := s.store.insertEntry(ctx, entry); err != nil {
		if isDuplicate(err) && s.duplicateCounter != nil {
			s.duplicateCounter.Add(ctx, 1)
		}
		span.RecordError(err)
		return nil, err
	}
	if s.appendCounter != nil {
		s.appendCounter.Add(ctx, 1, metric.WithAttributes(
			attribute.String("kind", string(req.Kind))))
	}
	s.enqueueEmbed(entry)

	s.logger.Debug("memory entry appended",
		zap.String("entry_id", entry.ID),
		zap.String("session_id", entry.SessionID),
		zap.String("component", entry.Component))
	return entry, nil
}

// enqueueEmbed hands the entry to the background worker. A full queue is not
// an error; the entry remains unembedded and Backfill picks it up later.
func (s *service) enqueueEmbed(e *Entry) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return
	}
	select {
	case s.embedQueue <- embedJob{id: e.ID, content: e.Content, sessionID: e.SessionID, component: e.Component}:
	default:
		s.logger.Warn("embed queue full, deferring to backfill",
			zap.String("entry_id", e.ID))
	}
}

func (s *service) embedWorker() {
	defer s.wg.Done()
	for job := range s.embedQueue {
		s.embedOne(context.Background(), job)
	}
}

// embedOne embeds and indexes a single entry, reporting success. Failures
// leave the entry unembedded so Backfill retries it.
func (s *service) embedOne(ctx context.Context, job embedJob) bool {
	vecs, err := s.embedder.Embed(ctx, []string{job.content})
	if err != nil {
		if s.embedFailCounter != nil {
			s.embedFailCounter.Add(ctx, 1)
		}
		s.logger.Warn("embedding failed, entry left for backfill",
			zap.String("entry_id", job.id), zap.Error(err))
		return false
	}
	if err := s.index.add(ctx, job.id, job.content, job.sessionID, job.component, vecs[0]); err != nil {
		s.logger.Warn("indexing failed, entry left for backfill",
			zap.String("entry_id", job.id), zap.Error(err))
		return false
	}
	if err := s.store.markEmbedded(ctx, job.id); err != nil {
		s.logger.Warn("failed to mark entry embedded",
			zap.String("entry_id", job.id), zap.Error(err))
		return false
	}
	if s.embedCounter != nil {
		s.embedCounter.Add(ctx, 1)
	}
	return true
}

func (s *service) Search(ctx context.Context, query, sessionID string, k int) ([]SearchResult, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if query == "" {
		return nil, fmt.Errorf("memory: query is required")
	}
	if k <= 0 {
		k = 10
	}

	ctx, span := s.tracer.Start(ctx, "memory.Search",
		trace.WithAttributes(
			attribute.String("memory.session_id", sessionID),
			attribute.Int("memory.k", k),
		))
	defer span.End()

	if s.searchCounter != nil {
		s.searchCounter.Add(ctx, 1)
	}

	vecs, err := s.embedder.Embed(ctx, []string{query})
	if err != nil {
		span.RecordError(err)
		return nil, fmt.Errorf("memory: embed query: %w", err)
	}

	fetch := k
	if sessionID != "" {
		fetch = k * searchOverfetch
	}
	hits, err := s.index.search(ctx, vecs[0], fetch)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(hits) == 0 {
		return nil, nil
	}

	ids := make([]string, len(hits))
	similarity := make(map[string]float64, len(hits))
	for i, h := range hits {
		ids[i] = h.id
		similarity[h.id] = h.similarity
	}
	entries, err := s.store.getEntries(ctx, ids)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}

	now := time.Now().UTC()
	results := make([]SearchResult, 0, len(entries))
	for _, e := range entries {
		if sessionID != "" && e.SessionID != sessionID {
			continue
		}
		sim := similarity[e.ID]
		results = append(results, SearchResult{
			Entry:      e,
			Similarity: sim,
			Score:      combinedScore(sim, e.Importance, now.Sub(e.CreatedAt)),
		})
	}

	sort.Slice(results, func(i, j int) bool {
		if results[i].Score != results[j].Score {
			return results[i].Score > results[j].Score
		}
		return results[i].Entry.CreatedAt.After(results[j].Entry.CreatedAt)
	})
	if len(results) > k {
		results = results[:k]
	}

	accessed := make([]string, len(results))
	for i, r := range results {
		accessed[i] = r.Entry.ID
	}
	if err := s.store.bumpAccess(ctx, accessed, now); err != nil {
		s.logger.Warn("failed to bump access counts", zap.Error(err))
	}
	return results, nil
}

// combinedScore weights raw similarity by how important the entry is and how
// recently it was created. Recency decays exponentially with a one-week
// time constant so old entries fade without ever reaching zero.
func combinedScore(similarity float64, importance int, age time.Duration) float64 {
	importanceWeight := float64(importance) / 10.0
	recencyWeight := math.Exp(-age.Hours() / (24 * 7))
	return similarity * importanceWeight * recencyWeight
}

func (s *service) List(ctx context.Context, sessionID, component, taskContext string, limit int) ([]Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	if limit <= 0 {
		limit = 10
	}

	ctx, span := s.tracer.Start(ctx, "memory.List",
		trace.WithAttributes(
			attribute.String("memory.session_id", sessionID),
			attribute.String("memory.component", component),
		))
	defer span.End()

	entries, err := s.store.listExact(ctx, sessionID, ContextHash(component, taskContext), limit)
	if err != nil {
		span.RecordError(err)
		return nil, err
	}
	if len(entries) > 0 {
		ids := make([]string, len(entries))
		for i, e := range entries {
			ids[i] = e.ID
		}
		if err := s.store.bumpAccess(ctx, ids, time.Now().UTC()); err != nil {
			s.logger.Warn("failed to bump access counts", zap.Error(err))
		}
	}
	return entries, nil
}

func (s *service) Get(ctx context.Context, id string) (*Entry, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.getEntry(ctx, id)
}

func (s *service) Delete(ctx context.Context, id string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}

	ctx, span := s.tracer.Start(ctx, "memory.Delete",
		trace.WithAttributes(attribute.String("memory.entry_id", id)))
	defer span.End()

	if err := s.store.deleteEntry(ctx, id); err != nil {
		span.RecordError(err)
		return err
	}
	if err := s.index.remove(ctx, id); err != nil {
		s.logger.Warn("failed to remove entry from index",
			zap.String("entry_id", id), zap.Error(err))
	}
	return nil
}

func (s *service) Consolidate(ctx context.Context, olderThan time.Duration) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if olderThan <= 0 {
		olderThan = s.cfg.ConsolidateAge.Duration()
	}

	ctx, span := s.tracer.Start(ctx, "memory.Consolidate",
		trace.WithAttributes(attribute.String("memory.older_than", olderThan.String())))
	defer span.End()

	cutoff := time.Now().UTC().Add(-olderThan)
	archived, err := s.store.consolidate(ctx, cutoff, s.cfg.ImportanceFloor, s.cfg.AccessFloor)
	if err != nil {
		span.RecordError(err)
		return 0, err
	}
	for _, e := range archived {
		if err := s.index.remove(ctx, e.ID); err != nil {
			s.logger.Warn("failed to remove archived entry from index",
				zap.String("entry_id", e.ID), zap.Error(err))
		}
	}
	if len(archived) > 0 {
		if s.consolidateCounter != nil {
			s.consolidateCounter.Add(ctx, int64(len(archived)))
		}
		s.logger.Info("consolidated memory entries", zap.Int("archived", len(archived)))
	}
	return len(archived), nil
}

func (s *service) UpsertSessionState(ctx context.Context, sessionID, component, state string) error {
	if err := s.checkOpen(); err != nil {
		return err
	}
	if sessionID == "" || component == "" {
		return fmt.Errorf("memory: session id and component are required")
	}

	key := sessionID + "/" + component
	lockAny, _ := s.sessionLocks.LoadOrStore(key, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	return s.store.upsertSessionState(ctx, &SessionState{
		SessionID: sessionID,
		Component: component,
		State:     state,
		UpdatedAt: time.Now().UTC(),
	})
}

func (s *service) GetSessionState(ctx context.Context, sessionID, component string) (*SessionState, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.getSessionState(ctx, sessionID, component)
}

func (s *service) Stats(ctx context.Context) (*Stats, error) {
	if err := s.checkOpen(); err != nil {
		return nil, err
	}
	return s.store.stats(ctx, time.Now().UTC().Add(-24*time.Hour))
}

func (s *service) Backfill(ctx context.Context, limit int) (int, error) {
	if err := s.checkOpen(); err != nil {
		return 0, err
	}
	if limit <= 0 {
		limit = 100
	}

	entries, err := s.store.unembedded(ctx, limit)
	if err != nil {
		return 0, err
	}
	done := 0
	for _, e := range entries {
		if s.embedOne(ctx, embedJob{id: e.ID, content: e.Content, sessionID: e.SessionID, component: e.Component}) {
			done++
		}
	}
	return done, nil
}

func (s *service) checkOpen() error {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.closed {
		return ErrClosed
	}
	return nil
}

func (s *service) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	close(s.embedQueue)
	s.mu.Unlock()

	s.wg.Wait()
	return s.store.close()
}

func isDuplicate(err error) bool {
	return errors.Is(err, ErrDuplicateEntry)
}
