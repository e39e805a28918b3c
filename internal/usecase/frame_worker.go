package usecase

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/entity"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/domain/port"
	"github.com/mean-weasel/ytgify-glue-sub007/internal/infra/metrics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"
)

// FrameWorker owns the extraction queue and drains it one job at a time.
type FrameWorker struct {
	store      port.JobStore
	processor  port.FrameProcessor
	history    port.JobHistory
	archiver   port.FrameArchiver
	publisher  port.JobEventPublisher
	logger     *zap.Logger
	nowFn      func() time.Time
	jobTimeout time.Duration

	ctx    context.Context
	cancel context.CancelFunc

	mu       sync.Mutex
	queue    []string
	draining bool
	closed   bool
	idle     chan struct{}
}

type FrameWorkerConfig struct {
	// JobTimeout bounds a single processor call; zero means no bound.
	JobTimeout time.Duration
	Now        func() time.Time
}

// NewFrameWorker wires the worker. history, archiver and publisher are optional and may be nil.
func NewFrameWorker(
	store port.JobStore,
	processor port.FrameProcessor,
	history port.JobHistory,
	archiver port.FrameArchiver,
	publisher port.JobEventPublisher,
	logger *zap.Logger,
	cfg FrameWorkerConfig,
) *FrameWorker {
	nowFn := cfg.Now
	if nowFn == nil {
		nowFn = func() time.Time { return time.Now().UTC() }
	}
	ctx, cancel := context.WithCancel(context.Background())
	idle := make(chan struct{})
	close(idle)

	return &FrameWorker{
		store:      store,
		processor:  processor,
		history:    history,
		archiver:   archiver,
		publisher:  publisher,
		logger:     logger,
		nowFn:      nowFn,
		jobTimeout: cfg.JobTimeout,
		ctx:        ctx,
		cancel:     cancel,
		idle:       idle,
	}
}

// Submit admits a job and starts draining if the worker is idle.
// GIF encoding needs a DOM-capable context, so it is refused before any record exists.
func (w *FrameWorker) Submit(ctx context.Context, kind entity.JobKind, payload entity.ExtractionRequest) (string, error) {
	if kind != entity.JobKindFrameExtraction {
		metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		if kind == entity.JobKindGIFEncoding {
			return "", fmt.Errorf("submit %s job: %w: encoding must run in a DOM-capable context", kind, entity.ErrUnsupportedJobKind)
		}
		return "", fmt.Errorf("submit %q job: %w", kind, entity.ErrUnsupportedJobKind)
	}
	if err := payload.Validate(); err != nil {
		metrics.JobsSubmittedTotal.WithLabelValues("invalid").Inc()
		return "", fmt.Errorf("submit job: %w", err)
	}

	job := entity.NewJob(kind, payload, w.nowFn())

	w.mu.Lock()
	if w.closed {
		w.mu.Unlock()
		metrics.JobsSubmittedTotal.WithLabelValues("rejected").Inc()
		return "", fmt.Errorf("submit job: %w", entity.ErrWorkerClosed)
	}
	if err := w.store.Insert(job); err != nil {
		w.mu.Unlock()
		return "", fmt.Errorf("submit job: %w", err)
	}
	w.queue = append(w.queue, job.ID)
	metrics.QueueDepth.Set(float64(len(w.queue)))
	start := !w.draining
	if start {
		w.draining = true
		w.idle = make(chan struct{})
	}
	w.mu.Unlock()

	metrics.JobsSubmittedTotal.WithLabelValues("accepted").Inc()
	w.logger.Info("job submitted",
		zap.String("job_id", job.ID),
		zap.Int("tab_id", payload.TabID),
		zap.String("video_url", payload.Video.URL),
	)
	w.publishStatus(ctx, job)

	if start {
		go w.drain()
	}
	return job.ID, nil
}

func (w *FrameWorker) Status(id string) (*entity.Job, error) {
	job, ok := w.store.Get(id)
	if !ok {
		return nil, fmt.Errorf("job %s: %w", id, entity.ErrJobNotFound)
	}
	return job, nil
}

func (w *FrameWorker) Stats() entity.QueueStats {
	return w.store.Stats()
}

// CleanupOldJobs prunes terminal jobs older than maxAge and releases their frames.
func (w *FrameWorker) CleanupOldJobs(maxAge time.Duration) int {
	removed := w.store.Prune(maxAge, w.nowFn())
	if len(removed) == 0 {
		return 0
	}

	if releaser, ok := w.processor.(port.FrameReleaser); ok {
		for _, job := range removed {
			if job.Result == nil || len(job.Result.Frames) == 0 {
				continue
			}
			if err := releaser.ReleaseFrames(job.Result); err != nil {
				w.logger.Warn("failed to release frames", zap.String("job_id", job.ID), zap.Error(err))
			}
		}
	}

	metrics.JobsPrunedTotal.Add(float64(len(removed)))
	w.logger.Debug("pruned old jobs", zap.Int("removed", len(removed)), zap.Duration("max_age", maxAge))
	return len(removed)
}

// RunCleanup prunes on a fixed interval until ctx is done, independent of drain activity.
func (w *FrameWorker) RunCleanup(ctx context.Context, interval, maxAge time.Duration) error {
	ticker := time.NewTicker(interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			w.CleanupOldJobs(maxAge)
		}
	}
}

// Wait blocks until the queue is empty and no job is processing.
func (w *FrameWorker) Wait(ctx context.Context) error {
	w.mu.Lock()
	idle := w.idle
	w.mu.Unlock()

	select {
	case <-idle:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close cancels the running job, if any, and waits for the drain loop to stop.
// Later submits fail with ErrWorkerClosed.
func (w *FrameWorker) Close(ctx context.Context) error {
	w.mu.Lock()
	w.closed = true
	w.mu.Unlock()

	w.cancel()
	return w.Wait(ctx)
}

func (w *FrameWorker) drain() {
	for {
		w.mu.Lock()
		if len(w.queue) == 0 {
			w.draining = false
			close(w.idle)
			w.mu.Unlock()
			return
		}
		id := w.queue[0]
		w.queue = w.queue[1:]
		metrics.QueueDepth.Set(float64(len(w.queue)))
		w.mu.Unlock()

		w.process(id)
	}
}

func (w *FrameWorker) process(id string) {
	tracer := otel.Tracer("usecase")
	ctx, span := tracer.Start(w.ctx, "FrameWorker.process")
	defer span.End()
	span.SetAttributes(attribute.String("job.id", id))

	log := w.logger.With(zap.String("job_id", id))

	job, err := w.store.Update(id, func(j *entity.Job) { j.MarkProcessing(w.nowFn()) })
	if err != nil {
		log.Error("failed to mark job processing", zap.Error(err))
		return
	}
	w.publishStatus(ctx, job)

	started := time.Now()
	result, err := w.runProcessor(ctx, job)
	metrics.JobProcessingDuration.Observe(time.Since(started).Seconds())

	if err != nil {
		span.RecordError(err)
		span.SetStatus(codes.Error, err.Error())
		job = w.settle(id, job, func(j *entity.Job) { j.MarkFailed(err.Error(), w.nowFn()) }, log)
		metrics.JobsProcessedTotal.WithLabelValues(string(entity.JobStatusFailed)).Inc()
		log.Warn("job failed", zap.Error(err), zap.Int("progress", job.Progress))
	} else {
		w.archive(ctx, id, result, log)
		job = w.settle(id, job, func(j *entity.Job) { j.MarkCompleted(result, w.nowFn()) }, log)
		metrics.JobsProcessedTotal.WithLabelValues(string(entity.JobStatusCompleted)).Inc()
		metrics.FramesExtractedTotal.Add(float64(len(result.Frames)))
		log.Info("job completed",
			zap.Int("frame_count", len(result.Frames)),
			zap.String("method", result.Method),
			zap.Float64("actual_fps", result.ActualFrameRate),
		)
	}

	w.publishStatus(ctx, job)
	if w.history != nil {
		if err := w.history.Record(ctx, job); err != nil {
			log.Warn("failed to record job history", zap.Error(err))
		}
	}
}

func (w *FrameWorker) settle(id string, last *entity.Job, fn func(j *entity.Job), log *zap.Logger) *entity.Job {
	job, err := w.store.Update(id, fn)
	if err != nil {
		log.Error("failed to settle job", zap.Error(err))
		return last
	}
	return job
}

// runProcessor converts processor panics into job failures so the drain loop survives.
func (w *FrameWorker) runProcessor(ctx context.Context, job *entity.Job) (result *entity.ExtractionResult, err error) {
	defer func() {
		if r := recover(); r != nil {
			result = nil
			err = fmt.Errorf("frame processor panic: %v", r)
		}
	}()

	if w.jobTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, w.jobTimeout)
		defer cancel()
	}

	progress := func(percent int) {
		_, _ = w.store.Update(job.ID, func(j *entity.Job) { j.SetProgress(percent, w.nowFn()) })
	}

	result, err = w.processor.ExtractFrames(ctx, job.Payload, progress)
	if err == nil && result == nil {
		err = errors.New("frame processor returned no result")
	}
	return result, err
}

func (w *FrameWorker) archive(ctx context.Context, id string, result *entity.ExtractionResult, log *zap.Logger) {
	if w.archiver == nil || len(result.Frames) == 0 {
		return
	}
	key, err := w.archiver.ArchiveFrames(ctx, id, result.Frames)
	if err != nil {
		log.Warn("failed to archive frames", zap.Error(err))
		return
	}
	result.ArchiveKey = key
}

func (w *FrameWorker) publishStatus(ctx context.Context, job *entity.Job) {
	if w.publisher == nil {
		return
	}
	data, _ := json.Marshal(entity.NewJobStatusMessage(job, w.nowFn()))
	if err := w.publisher.PublishJobStatus(ctx, data); err != nil {
		w.logger.Warn("failed to publish job status", zap.String("job_id", job.ID), zap.Error(err))
	}
}
