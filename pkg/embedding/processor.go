package embedding

import (
	"context"
	"encoding/json"
	"strconv"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"

	"crucible/pkg/clock"
	"crucible/pkg/embedding/provider"
	"crucible/pkg/errkind"
	"crucible/pkg/storage"
)

// Config tunes the processor task's batching, deduplication, and
// concurrency behavior.
//
// Reference: spec.md §4.4
type Config struct {
	DeduplicationEnabled   bool
	DeduplicationWindow    time.Duration
	BatchTimeout           time.Duration
	MaxBatchSize           int
	MaxConcurrentRequests  int
	ReceiveTimeout         time.Duration
}

// DefaultConfig returns conservative defaults suitable for a single
// local kiln.
func DefaultConfig() Config {
	return Config{
		DeduplicationEnabled:  true,
		DeduplicationWindow:   2 * time.Second,
		BatchTimeout:          500 * time.Millisecond,
		MaxBatchSize:          32,
		MaxConcurrentRequests: 4,
		ReceiveTimeout:        50 * time.Millisecond,
	}
}

// Metrics reports cumulative processor statistics.
type Metrics struct {
	EventsProcessed  int64
	BatchesProcessed int64
	FailedEvents     int64
	DedupedEvents    int64
	AverageBatchSize float64
	ProcessingTime   time.Duration
}

// PendingOperations reports whether a path has work queued in the
// current batch, in flight to the provider, or both.
type PendingOperations struct {
	Queued     bool
	Processing bool
}

// FlushResult reports the outcome of FlushForFiles.
type FlushResult struct {
	OperationsFlushed int
	FlushDuration     time.Duration
	SuccessRate       float64
}

// BatchStatusSnapshot reports coarse processor state for monitoring.
type BatchStatusSnapshot struct {
	PendingBatches      int
	ProcessingEvents    int
	EstimatedCompletion *time.Time
}

type dedupKey struct {
	path   string
	length int
}

type processingInfo struct {
	path  string
	start time.Time
}

// Processor is the embedding pipeline's processor task (spec.md
// §4.4): it owns all batching/dedup/dispatch state; no other
// goroutine mutates it directly.
type Processor struct {
	cfg     Config
	clk     clock.Clock
	backend storage.ContentAddressedStorage
	retrier *provider.RetryWrapper
	in      <-chan EmbeddingEvent

	shutdownRequested atomic.Bool
	done              chan struct{}

	mu               sync.Mutex
	cond             *sync.Cond
	recentEvents     map[dedupKey]time.Time
	currentBatch     []EmbeddingEvent
	batchID          string
	batchDeadline    time.Time
	processingEvents map[string]processingInfo
	processingByPath map[string]int
	metrics          Metrics
	nextBatchSeq     int64
}

// NewProcessor constructs a Processor reading events from in and
// writing embeddings through retrier into backend.
func NewProcessor(cfg Config, clk clock.Clock, backend storage.ContentAddressedStorage, retrier *provider.RetryWrapper, in <-chan EmbeddingEvent) *Processor {
	if cfg.MaxBatchSize <= 0 || cfg.MaxConcurrentRequests <= 0 {
		cfg = DefaultConfig()
	}
	p := &Processor{
		cfg:              cfg,
		clk:              clk,
		backend:          backend,
		retrier:          retrier,
		in:               in,
		done:             make(chan struct{}),
		recentEvents:     make(map[dedupKey]time.Time),
		processingEvents: make(map[string]processingInfo),
		processingByPath: make(map[string]int),
	}
	p.cond = sync.NewCond(&p.mu)
	return p
}

// Run drives the processor task's loop until Shutdown is called or ctx
// is cancelled. It is meant to be run on its own goroutine.
func (p *Processor) Run(ctx context.Context) {
	defer close(p.done)
	for {
		if p.shutdownRequested.Load() {
			p.mu.Lock()
			batch := p.takeBatchLocked()
			p.mu.Unlock()
			if len(batch) > 0 {
				p.dispatchBatch(ctx, batch)
			}
			return
		}

		p.mu.Lock()
		hasBatch := len(p.currentBatch) > 0
		deadline := p.batchDeadline
		p.mu.Unlock()

		if hasBatch && !p.clk.Now().Before(deadline) {
			p.mu.Lock()
			batch := p.takeBatchLocked()
			p.mu.Unlock()
			p.dispatchBatch(ctx, batch)
			continue
		}

		select {
		case ev, ok := <-p.in:
			if ok {
				p.processEvent(ctx, ev)
			}
		case <-time.After(p.cfg.ReceiveTimeout):
		case <-ctx.Done():
			return
		}
	}
}

// Shutdown requests the processor loop to stop after dispatching any
// partial batch, and to stop accepting new batch admission.
func (p *Processor) Shutdown() {
	p.shutdownRequested.Store(true)
}

// Wait blocks until Run has returned.
func (p *Processor) Wait() {
	<-p.done
}

func (p *Processor) takeBatchLocked() []EmbeddingEvent {
	batch := p.currentBatch
	p.currentBatch = nil
	p.batchID = ""
	p.batchDeadline = time.Time{}
	return batch
}

func (p *Processor) pruneRecentLocked(now time.Time) {
	if p.cfg.DeduplicationWindow <= 0 {
		return
	}
	cutoff := now.Add(-2 * p.cfg.DeduplicationWindow)
	for k, t := range p.recentEvents {
		if t.Before(cutoff) {
			delete(p.recentEvents, k)
		}
	}
}

// cancelQueuedLocked removes any queued non-Deleted event for path
// from the current batch, implementing same-batch cancellation.
func (p *Processor) cancelQueuedLocked(path string) {
	if len(p.currentBatch) == 0 {
		return
	}
	filtered := p.currentBatch[:0]
	for _, e := range p.currentBatch {
		if e.RelativePath == path && e.Kind != EventDeleted {
			continue
		}
		filtered = append(filtered, e)
	}
	p.currentBatch = filtered
}

func (p *Processor) processEvent(_ context.Context, ev EmbeddingEvent) {
	p.mu.Lock()

	if ev.Kind == EventDeleted {
		p.cancelQueuedLocked(ev.RelativePath)
	} else if p.cfg.DeduplicationEnabled {
		now := p.clk.Now()
		key := dedupKey{path: ev.RelativePath, length: ev.ContentLength}
		if last, ok := p.recentEvents[key]; ok && now.Sub(last) < p.cfg.DeduplicationWindow {
			p.metrics.DedupedEvents++
			p.pruneRecentLocked(now)
			p.mu.Unlock()
			return
		}
		p.recentEvents[key] = now
		p.pruneRecentLocked(now)
	}

	if len(p.currentBatch) == 0 {
		p.nextBatchSeq++
		p.batchID = "batch-" + strconv.FormatInt(p.nextBatchSeq, 10)
		p.batchDeadline = p.clk.Now().Add(p.cfg.BatchTimeout)
	}
	ev.BatchID = p.batchID
	p.currentBatch = append(p.currentBatch, ev)

	dispatchNow := len(p.currentBatch) >= p.cfg.MaxBatchSize
	var batch []EmbeddingEvent
	if dispatchNow {
		batch = p.takeBatchLocked()
	}
	p.mu.Unlock()

	if dispatchNow {
		p.dispatchBatch(context.Background(), batch)
	}
}

// dispatchBatch fans batch out under a semaphore bounding parallelism
// to min(len(batch), MaxConcurrentRequests), updates metrics, and
// returns the number of events that completed successfully.
func (p *Processor) dispatchBatch(ctx context.Context, batch []EmbeddingEvent) int {
	if len(batch) == 0 {
		return 0
	}
	start := p.clk.Now()

	p.mu.Lock()
	for _, e := range batch {
		p.processingEvents[e.ID] = processingInfo{path: e.RelativePath, start: start}
		p.processingByPath[e.RelativePath]++
	}
	p.mu.Unlock()

	permits := int64(len(batch))
	if int64(p.cfg.MaxConcurrentRequests) < permits {
		permits = int64(p.cfg.MaxConcurrentRequests)
	}
	sem := semaphore.NewWeighted(permits)

	var wg sync.WaitGroup
	var succeeded int64
	for _, e := range batch {
		e := e
		wg.Add(1)
		if err := sem.Acquire(ctx, 1); err != nil {
			wg.Done()
			continue
		}
		go func() {
			defer wg.Done()
			defer sem.Release(1)
			if p.processOne(ctx, e) {
				atomic.AddInt64(&succeeded, 1)
			}
		}()
	}
	wg.Wait()

	dur := p.clk.Now().Sub(start)
	p.mu.Lock()
	p.metrics.BatchesProcessed++
	p.metrics.EventsProcessed += int64(len(batch))
	p.metrics.FailedEvents += int64(len(batch)) - succeeded
	n := float64(p.metrics.BatchesProcessed)
	p.metrics.AverageBatchSize += (float64(len(batch)) - p.metrics.AverageBatchSize) / n
	p.metrics.ProcessingTime += dur
	p.mu.Unlock()

	return int(succeeded)
}

// processOne dispatches a single event to the provider (or deletes its
// entity, for EventDeleted) and clears its processing-state entries on
// completion.
func (p *Processor) processOne(ctx context.Context, ev EmbeddingEvent) bool {
	var err error
	switch ev.Kind {
	case EventDeleted:
		// "embedding:"+path, not "note:"+path: this is the embedding
		// record keyed off the note's path, a distinct entity from
		// whatever stores the note's own content under "note:"+path.
		_, err = p.backend.DeleteEntity(ctx, "embedding:"+ev.RelativePath)
	default:
		resp, outcome := p.retrier.EmbedWithRetry(ctx, ev.Content)
		if !outcome.Succeeded {
			err = outcome.FinalError
		} else if dimErr := provider.CheckDimensions(resp, p.retrier.Dimensions()); dimErr != nil {
			err = dimErr
		} else {
			err = p.storeEmbedding(ctx, ev, resp)
		}
	}

	p.mu.Lock()
	delete(p.processingEvents, ev.ID)
	p.processingByPath[ev.RelativePath]--
	if p.processingByPath[ev.RelativePath] <= 0 {
		delete(p.processingByPath, ev.RelativePath)
	}
	p.cond.Broadcast()
	p.mu.Unlock()

	return err == nil
}

func (p *Processor) storeEmbedding(ctx context.Context, ev EmbeddingEvent, resp provider.EmbeddingResponse) error {
	raw, err := json.Marshal(resp.Vector)
	if err != nil {
		return errkind.Wrap(errkind.Io, "marshaling embedding vector", err)
	}
	// Keyed by "embedding:"+path rather than "note:"+path: the
	// embedding is its own entity alongside the note, not a field on
	// it, so reads that want both fetch two ids derived from the same
	// relative path.
	e := storage.Entity{
		ID:   "embedding:" + ev.RelativePath,
		Type: "embedding",
		Data: map[string]string{
			"relative_path": ev.RelativePath,
			"vector":        string(raw),
			"model":         resp.Model,
			"dimensions":    strconv.Itoa(resp.Dimensions),
		},
		UpdatedAt: p.clk.Now(),
	}
	if err := p.backend.UpsertEntity(ctx, e); err != nil {
		return errkind.Wrap(errkind.Io, "persisting embedding", err)
	}
	return nil
}

// PendingOperationsForFile implements pending_operations_for_file.
func (p *Processor) PendingOperationsForFile(path string) PendingOperations {
	p.mu.Lock()
	defer p.mu.Unlock()
	queued := false
	for _, e := range p.currentBatch {
		if e.RelativePath == path {
			queued = true
			break
		}
	}
	return PendingOperations{Queued: queued, Processing: p.processingByPath[path] > 0}
}

// waitForProcessing blocks until none of paths has an in-flight
// (processing) event, or ctx is done.
func (p *Processor) waitForProcessing(ctx context.Context, paths []string) {
	wanted := make(map[string]bool, len(paths))
	for _, path := range paths {
		wanted[path] = true
	}

	done := make(chan struct{})
	go func() {
		p.mu.Lock()
		for {
			busy := false
			for path := range wanted {
				if p.processingByPath[path] > 0 {
					busy = true
					break
				}
			}
			if !busy {
				break
			}
			p.cond.Wait()
		}
		p.mu.Unlock()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
	}
}

// FlushForFiles implements flush_for_files: pulls queued events for
// paths out of the pending batch, dispatches them immediately
// (bypassing batch-size/timeout heuristics), waits for any
// already-processing events for the same paths, and returns once every
// one has completed or failed.
func (p *Processor) FlushForFiles(ctx context.Context, paths []string) FlushResult {
	start := p.clk.Now()
	wanted := make(map[string]bool, len(paths))
	for _, path := range paths {
		wanted[path] = true
	}

	p.mu.Lock()
	var toFlush, remaining []EmbeddingEvent
	for _, e := range p.currentBatch {
		if wanted[e.RelativePath] {
			toFlush = append(toFlush, e)
		} else {
			remaining = append(remaining, e)
		}
	}
	p.currentBatch = remaining
	if len(p.currentBatch) == 0 {
		p.batchID = ""
		p.batchDeadline = time.Time{}
	}
	p.mu.Unlock()

	var succeeded int
	if len(toFlush) > 0 {
		succeeded = p.dispatchBatch(ctx, toFlush)
	}

	p.waitForProcessing(ctx, paths)

	dur := p.clk.Now().Sub(start)
	if len(toFlush) == 0 {
		return FlushResult{OperationsFlushed: 0, FlushDuration: dur, SuccessRate: 1}
	}
	return FlushResult{
		OperationsFlushed: len(toFlush),
		FlushDuration:     dur,
		SuccessRate:       float64(succeeded) / float64(len(toFlush)),
	}
}

// BatchStatus implements batch_status.
func (p *Processor) BatchStatus() BatchStatusSnapshot {
	p.mu.Lock()
	defer p.mu.Unlock()

	pendingBatches := 0
	if len(p.currentBatch) > 0 {
		pendingBatches = 1
	}
	var estimated *time.Time
	if !p.batchDeadline.IsZero() {
		t := p.batchDeadline
		estimated = &t
	}
	return BatchStatusSnapshot{
		PendingBatches:      pendingBatches,
		ProcessingEvents:    len(p.processingEvents),
		EstimatedCompletion: estimated,
	}
}

// Metrics returns a snapshot of cumulative processor statistics.
func (p *Processor) Metrics() Metrics {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.metrics
}
