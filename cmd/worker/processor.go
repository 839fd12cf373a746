package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/aws/aws-lambda-go/events"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/payout"
)

// Processor settles payout jobs delivered by SQS.
type Processor struct {
	settler payout.Settlement
	logger  zerolog.Logger
}

// NewProcessor creates a worker processor around settler.
func NewProcessor(settler payout.Settlement, logger zerolog.Logger) *Processor {
	return &Processor{settler: settler, logger: logger}
}

// Handle settles every record in the batch and reports the ones that must be
// redelivered. A job whose settlement is still in flight elsewhere is
// reported too, so it comes back after the visibility timeout.
func (p *Processor) Handle(ctx context.Context, ev events.SQSEvent) (events.SQSEventResponse, error) {
	p.logger.Debug().Int("records", len(ev.Records)).Msg("received payout jobs")

	var resp events.SQSEventResponse
	for _, rec := range ev.Records {
		if err := p.processMessage(ctx, rec); err != nil {
			entry := p.logger.Error()
			if errors.Is(err, payout.ErrSettlementInFlight) {
				entry = p.logger.Info()
			}
			entry.Err(err).Str("message_id", rec.MessageId).Msg("payout job not settled")
			resp.BatchItemFailures = append(resp.BatchItemFailures, events.SQSBatchItemFailure{ItemIdentifier: rec.MessageId})
		}
	}
	return resp, nil
}

func (p *Processor) processMessage(ctx context.Context, rec events.SQSMessage) error {
	var job payout.Job
	if err := json.Unmarshal([]byte(rec.Body), &job); err != nil {
		return fmt.Errorf("invalid message body: %w", err)
	}
	if job.ProductID == "" || job.IdempotencyKey == "" {
		return fmt.Errorf("invalid message body: product_id and idempotency_key are required")
	}

	p.logger.Info().
		Str("product_id", job.ProductID).
		Str("idempotency_key", job.IdempotencyKey).
		Str("message_id", rec.MessageId).
		Msg("settling payout")
	return p.settler.Settle(ctx, job)
}
