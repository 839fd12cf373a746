package payout

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
)

// Job is the message handed from the orchestrator to a settler.
type Job struct {
	ProductID      string `json:"product_id"`
	IdempotencyKey string `json:"idempotency_key"`
}

// Dispatcher hands a job to whatever settles it.
type Dispatcher interface {
	Dispatch(ctx context.Context, job Job) error
}

// QueueDispatcher sends jobs to the payout SQS queue.
type QueueDispatcher struct {
	publisher *aws.Publisher
}

// NewQueueDispatcher wraps publisher.
func NewQueueDispatcher(publisher *aws.Publisher) *QueueDispatcher {
	return &QueueDispatcher{publisher: publisher}
}

func (d *QueueDispatcher) Dispatch(ctx context.Context, job Job) error {
	attrs := map[string]string{"product_id": job.ProductID}
	if err := d.publisher.SendJSON(ctx, job, attrs); err != nil {
		return fmt.Errorf("enqueue payout job: %w", err)
	}
	return nil
}

// Settlement is the settler side of a dispatcher.
type Settlement interface {
	Settle(ctx context.Context, job Job) error
}

// InlineBackOff returns a backoff factory that keeps retrying well past the
// point where a claim made under timeout turns stale.
func InlineBackOff(timeout time.Duration) func() backoff.BackOff {
	if timeout <= 0 {
		timeout = DefaultTimeout
	}
	return func() backoff.BackOff {
		b := backoff.NewExponentialBackOff()
		b.InitialInterval = time.Second
		b.MaxInterval = 30 * time.Second
		b.MaxElapsedTime = 10 * time.Minute
		if floor := 8 * timeout; b.MaxElapsedTime < floor {
			b.MaxElapsedTime = floor
		}
		b.Reset()
		return b
	}
}

// InlineDispatcher settles jobs in a background goroutine of the current
// process. Nothing redelivers an inline job, so every Settle error,
// ErrSettlementInFlight included, is retried until the backoff gives up.
type InlineDispatcher struct {
	settler    Settlement
	newBackOff func() backoff.BackOff
	logger     zerolog.Logger
	wg         sync.WaitGroup
}

// NewInlineDispatcher returns a dispatcher that calls settler directly. A nil
// newBackOff selects InlineBackOff(DefaultTimeout).
func NewInlineDispatcher(settler Settlement, newBackOff func() backoff.BackOff, logger zerolog.Logger) *InlineDispatcher {
	if newBackOff == nil {
		newBackOff = InlineBackOff(DefaultTimeout)
	}
	return &InlineDispatcher{settler: settler, newBackOff: newBackOff, logger: logger}
}

// Dispatch starts settlement detached from ctx's cancellation.
func (d *InlineDispatcher) Dispatch(ctx context.Context, job Job) error {
	ctx = context.WithoutCancel(ctx)
	log := d.logger.With().Str("product_id", job.ProductID).Str("idempotency_key", job.IdempotencyKey).Logger()
	d.wg.Add(1)
	go func() {
		defer d.wg.Done()
		err := backoff.RetryNotify(func() error {
			return d.settler.Settle(ctx, job)
		}, d.newBackOff(), func(err error, next time.Duration) {
			log.Warn().Err(err).Dur("retry_in", next).Msg("inline settlement retry")
		})
		if err != nil {
			log.Error().Err(err).Msg("inline settlement gave up; payout left pending")
		}
	}()
	return nil
}

// Wait blocks until all dispatched jobs have settled.
func (d *InlineDispatcher) Wait() {
	d.wg.Wait()
}
