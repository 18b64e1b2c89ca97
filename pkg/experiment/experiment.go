// Package experiment drives an environment through repeated rollouts:
// pick an item, collect trajectories, score them and publish the batch.
package experiment

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"
	"golang.org/x/sync/errgroup"

	"github.com/boristopalov/countenv/pkg/core"
	"github.com/boristopalov/countenv/pkg/memory"
	"github.com/boristopalov/countenv/pkg/messaging"
)

const (
	DefaultSteps           = 1000
	DefaultWorkers         = 2
	DefaultBacklogCapacity = 100
)

var tracer = otel.Tracer("github.com/boristopalov/countenv/pkg/experiment")

type ExperimentParams struct {
	Steps   int
	Workers int
	Retries int
	Broker  messaging.Broker
	Backlog *memory.Backlog
	Logger  *slog.Logger
}

type ExperimentOption func(*ExperimentParams)

func WithSteps(steps int) ExperimentOption {
	return func(p *ExperimentParams) {
		p.Steps = steps
	}
}

func WithWorkers(workers int) ExperimentOption {
	return func(p *ExperimentParams) {
		p.Workers = workers
	}
}

// WithRetries sets how many extra collection attempts an item gets
func WithRetries(retries int) ExperimentOption {
	return func(p *ExperimentParams) {
		p.Retries = retries
	}
}

func WithBroker(broker messaging.Broker) ExperimentOption {
	return func(p *ExperimentParams) {
		p.Broker = broker
	}
}

func WithBacklog(backlog *memory.Backlog) ExperimentOption {
	return func(p *ExperimentParams) {
		p.Backlog = backlog
	}
}

func WithLogger(logger *slog.Logger) ExperimentOption {
	return func(p *ExperimentParams) {
		p.Logger = logger
	}
}

type BaseExperiment struct {
	env     core.Environment
	broker  messaging.Broker
	backlog *memory.Backlog
	steps   int
	workers int
	retries int
	logger  *slog.Logger

	mu     sync.RWMutex
	status core.ExperimentStatus
}

func NewExperiment(env core.Environment, opts ...ExperimentOption) (*BaseExperiment, error) {
	if env == nil {
		return nil, errors.New("environment is required")
	}

	params := &ExperimentParams{
		Steps:   DefaultSteps,
		Workers: DefaultWorkers,
		Logger:  slog.Default(),
	}
	for _, opt := range opts {
		opt(params)
	}

	if params.Steps < 0 {
		return nil, fmt.Errorf("steps must be non-negative, got %d", params.Steps)
	}
	if params.Workers < 1 {
		return nil, fmt.Errorf("workers must be at least 1, got %d", params.Workers)
	}
	if params.Retries < 0 {
		return nil, fmt.Errorf("retries must be non-negative, got %d", params.Retries)
	}
	if params.Backlog == nil {
		params.Backlog = memory.NewBacklog(DefaultBacklogCapacity)
	}

	return &BaseExperiment{
		env:     env,
		broker:  params.Broker,
		backlog: params.Backlog,
		steps:   params.Steps,
		workers: params.Workers,
		retries: params.Retries,
		logger:  params.Logger.With(slog.String("env", env.Name())),
	}, nil
}

// Run executes the configured number of steps with at most workers running
// at once. The first step error cancels the remaining ones and is returned.
func (e *BaseExperiment) Run(ctx context.Context) error {
	e.mu.Lock()
	if e.status.Running {
		e.mu.Unlock()
		return errors.New("experiment is already running")
	}
	e.status = core.ExperimentStatus{
		Running:   true,
		StartTime: time.Now(),
	}
	e.mu.Unlock()

	defer func() {
		e.mu.Lock()
		e.status.Running = false
		e.status.EndTime = time.Now()
		e.mu.Unlock()
	}()

	e.logger.Info("experiment started",
		slog.Int("steps", e.steps),
		slog.Int("workers", e.workers),
	)

	err := e.runLoop(ctx)

	status := e.GetStatus()
	e.logger.Info("experiment finished",
		slog.Int("steps", status.Steps),
		slog.Int("batches", status.Batches),
		slog.Int("samples", status.Samples),
		slog.Int("fallbacks", status.Fallbacks),
		slog.Duration("elapsed", time.Since(status.StartTime)),
	)
	return err
}

func (e *BaseExperiment) runLoop(ctx context.Context) error {
	g, gctx := errgroup.WithContext(ctx)
	g.SetLimit(e.workers)

	for i := 0; i < e.steps; i++ {
		if gctx.Err() != nil {
			break
		}
		step := i
		g.Go(func() error {
			ctx, span := tracer.Start(gctx, "experiment.step",
				trace.WithAttributes(attribute.Int("step", step)))
			defer span.End()

			if err := e.step(ctx, step); err != nil {
				span.RecordError(err)
				span.SetStatus(codes.Error, "step failed")
				e.recordError(err)
				return err
			}
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return err
	}
	return ctx.Err()
}

func (e *BaseExperiment) step(ctx context.Context, step int) error {
	item := e.nextItem(ctx)

	trajectories, backlog, err := e.collect(ctx, item)
	if err != nil {
		return fmt.Errorf("step %d: %w", step, err)
	}
	if len(backlog) > 0 {
		e.backlog.Push(backlog...)
	}

	batch := e.env.Score(ctx, trajectories)

	e.mu.Lock()
	e.status.Steps++
	e.mu.Unlock()

	if batch == nil || batch.Len() == 0 {
		e.logger.Debug("no trajectories retained", slog.String("item_id", item.ID))
		return nil
	}

	if e.broker != nil {
		msg := messaging.Message{
			From:      e.env.Name(),
			Batch:     batch,
			Timestamp: time.Now(),
		}
		if err := e.broker.Publish(ctx, msg); err != nil {
			return fmt.Errorf("step %d: %w", step, err)
		}
	}

	e.mu.Lock()
	e.status.Batches++
	e.status.Samples += batch.Len()
	e.mu.Unlock()

	e.logger.Debug("batch published",
		slog.String("batch_id", batch.ID),
		slog.String("item_id", batch.ItemID),
		slog.Int("size", batch.Len()),
		slog.Float64("mean_score", batch.MeanScore()),
	)
	return nil
}

// nextItem prefers deferred items over fresh ones
func (e *BaseExperiment) nextItem(ctx context.Context) core.Item {
	if item, ok := e.backlog.Pop(); ok {
		return item
	}

	result := e.env.NextItem(ctx)
	if result.Fallback() {
		e.mu.Lock()
		e.status.Fallbacks++
		e.mu.Unlock()
	}
	return result.Item
}

func (e *BaseExperiment) collect(ctx context.Context, item core.Item) ([]core.Trajectory, []core.Item, error) {
	var lastErr error
	for attempt := 0; attempt <= e.retries; attempt++ {
		trajectories, backlog, err := e.env.CollectTrajectories(ctx, item)
		if err == nil {
			return trajectories, backlog, nil
		}
		lastErr = err
		if ctx.Err() != nil {
			break
		}
		e.logger.Warn("trajectory collection failed",
			slog.String("item_id", item.ID),
			slog.Int("attempt", attempt+1),
			slog.String("error", err.Error()),
		)
	}
	return nil, nil, fmt.Errorf("collect item %s: %w", item.ID, lastErr)
}

func (e *BaseExperiment) recordError(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.status.Errors = append(e.status.Errors, err)
}

func (e *BaseExperiment) GetStatus() core.ExperimentStatus {
	e.mu.RLock()
	defer e.mu.RUnlock()
	status := e.status
	status.Errors = append([]error(nil), e.status.Errors...)
	return status
}
