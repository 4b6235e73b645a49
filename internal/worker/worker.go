package worker

import (
	"context"
	"fmt"
	"log/slog"
	"sync"

	"github.com/google/uuid"

	"github.com/ubuntuhub/community-worker/internal/jobs"
	"github.com/ubuntuhub/community-worker/shared/rabbitmq"
)

// Config holds worker configuration
type Config struct {
	Logger        *slog.Logger
	RabbitClient  *rabbitmq.Client
	Store         Store
	Dedupe        DedupeStore
	Publisher     Publisher
	Workflows     WorkflowRunner
	Concurrency   int
	PrefetchCount int
}

// delivery pairs a decoded envelope with its transport delivery tag so
// the pool can ack or nack after processing.
type delivery struct {
	msg *jobs.Message
	tag uint64
}

// Worker drains the job queue: a dispatcher feeds decoded envelopes to
// a pool of goroutines, each message acked or requeued independently.
type Worker struct {
	logger        *slog.Logger
	rabbitClient  *rabbitmq.Client
	processor     *Processor
	workflows     WorkflowRunner
	concurrency   int
	prefetchCount int
	workerID      string
	jobsChan      chan *delivery
	wg            sync.WaitGroup
	stopChan      chan struct{}
}

// NewWorker creates a new worker instance
func NewWorker(cfg *Config) *Worker {
	processor := NewProcessor(&ProcessorDeps{
		Logger:    cfg.Logger,
		Store:     cfg.Store,
		Dedupe:    cfg.Dedupe,
		Publisher: cfg.Publisher,
		Workflows: cfg.Workflows,
	})

	return &Worker{
		logger:        cfg.Logger,
		rabbitClient:  cfg.RabbitClient,
		processor:     processor,
		workflows:     cfg.Workflows,
		concurrency:   cfg.Concurrency,
		prefetchCount: cfg.PrefetchCount,
		workerID:      fmt.Sprintf("worker-%s", uuid.New().String()[:8]),
		jobsChan:      make(chan *delivery),
		stopChan:      make(chan struct{}),
	}
}

// Start begins consuming and processing jobs. It also resumes any
// workflow instances left non-terminal by a previous process, then
// blocks until the context is canceled.
func (w *Worker) Start(ctx context.Context) error {
	w.logger.Info("Starting worker",
		slog.String("worker_id", w.workerID),
		slog.Int("concurrency", w.concurrency),
		slog.Int("prefetch_count", w.prefetchCount),
	)

	deliveries, err := w.setupConsumer()
	if err != nil {
		return fmt.Errorf("failed to setup consumer: %w", err)
	}

	if err := w.workflows.ResumeActive(ctx); err != nil {
		return fmt.Errorf("failed to resume workflows: %w", err)
	}

	w.spawnWorkerPool(ctx)

	w.wg.Add(1)
	go func() {
		defer w.wg.Done()
		w.startMessageDispatcher(ctx, deliveries)
	}()

	<-ctx.Done()
	w.logger.Info("Worker context canceled, stopping...")

	return nil
}

// Stop gracefully stops the worker
func (w *Worker) Stop() {
	w.logger.Info("Stopping worker...")
	close(w.stopChan)
	w.wg.Wait()
	w.logger.Info("Worker stopped")
}
