package services

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"
	"golang.org/x/sync/errgroup"
)

const (
	defaultPollTimeout = 5 * time.Second
	maxDequeueBackoff  = 10 * time.Second
)

// PayloadHandler processes one raw queue message.
type PayloadHandler interface {
	HandlePayload(ctx context.Context, raw []byte) error
}

// Worker consumes the functions queue with a fixed number of consumers.
type Worker struct {
	queue       TriggerQueue
	handler     PayloadHandler
	segment     string
	pollTimeout time.Duration
	log         zerolog.Logger
}

// NewWorker creates the consumer pool. Each message is traced as an X-Ray
// segment named segment; an empty name disables tracing.
func NewWorker(queue TriggerQueue, handler PayloadHandler, segment string, log zerolog.Logger) *Worker {
	return &Worker{
		queue:       queue,
		handler:     handler,
		segment:     segment,
		pollTimeout: defaultPollTimeout,
		log:         log,
	}
}

// Run blocks until ctx is cancelled. A message that fails is moved to the
// dead letter queue; the consumer keeps going.
func (w *Worker) Run(ctx context.Context, concurrency int) error {
	if concurrency < 1 {
		concurrency = 1
	}
	w.log.Info().Int("concurrency", concurrency).Msg("worker started")

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < concurrency; i++ {
		consumer := i
		g.Go(func() error {
			w.consume(gctx, consumer)
			return nil
		})
	}
	err := g.Wait()
	w.log.Info().Msg("worker stopped")
	return err
}

func (w *Worker) consume(ctx context.Context, consumer int) {
	log := w.log.With().Int("consumer", consumer).Logger()
	backoff := time.Duration(0)
	for ctx.Err() == nil {
		raw, err := w.queue.Dequeue(ctx, w.pollTimeout)
		if err != nil {
			if ctx.Err() != nil {
				return
			}
			backoff = nextBackoff(backoff)
			log.Error().Err(err).Dur("backoff", backoff).Msg("dequeue failed")
			select {
			case <-ctx.Done():
				return
			case <-time.After(backoff):
			}
			continue
		}
		backoff = 0
		if raw == nil {
			continue
		}
		w.handle(ctx, log, raw)
	}
}

func (w *Worker) handle(ctx context.Context, log zerolog.Logger, raw []byte) {
	ctx, seg := traceBackground(ctx, w.segment)
	if seg != nil {
		seg.AddMetadata("queue.bytes", len(raw))
	}
	err := w.process(ctx, raw)
	defer closeSegment(seg, err)
	if err == nil {
		return
	}
	log.Error().Err(err).Msg("trigger failed")
	dlCtx, cancel := context.WithTimeout(context.WithoutCancel(ctx), persistTimeout)
	defer cancel()
	if dlErr := w.queue.DeadLetter(dlCtx, raw, err); dlErr != nil {
		log.Error().Err(dlErr).Msg("dead letter failed")
	}
}

// process runs the handler and turns a panic into an error so one bad
// message cannot take the consumer down.
func (w *Worker) process(ctx context.Context, raw []byte) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("handler panicked: %v", r)
		}
	}()
	return w.handler.HandlePayload(ctx, raw)
}

func nextBackoff(prev time.Duration) time.Duration {
	if prev == 0 {
		return 100 * time.Millisecond
	}
	if prev*2 > maxDequeueBackoff {
		return maxDequeueBackoff
	}
	return prev * 2
}
