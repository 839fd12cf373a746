package payout

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/metrics"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
)

// Defaults for a single fixed payout.
const (
	DefaultAmount   = "1.00"
	DefaultCurrency = "USD"
	DefaultChain    = "arc"
	DefaultTimeout  = 30 * time.Second
)

// ErrSettlementInFlight is returned for a redelivered job while another
// settler holds a fresh claim. Queue consumers should let it redeliver.
var ErrSettlementInFlight = errors.New("payout settlement in flight")

// Terms are the fixed payout parameters.
type Terms struct {
	Amount   string
	Currency string
	Chain    string
	Timeout  time.Duration
}

func (t Terms) withDefaults() Terms {
	if t.Amount == "" {
		t.Amount = DefaultAmount
	}
	if t.Currency == "" {
		t.Currency = DefaultCurrency
	}
	if t.Chain == "" {
		t.Chain = DefaultChain
	}
	if t.Timeout <= 0 {
		t.Timeout = DefaultTimeout
	}
	return t
}

// Settler submits a pending payout and resolves it to paid or failed.
type Settler struct {
	store    ProductStore
	provider Provider
	terms    Terms
	clock    clockwork.Clock
	recorder metrics.Recorder
	logger   zerolog.Logger
}

// NewSettler returns a Settler. Zero fields in terms take the defaults.
func NewSettler(store ProductStore, provider Provider, terms Terms, clock clockwork.Clock, recorder metrics.Recorder, logger zerolog.Logger) *Settler {
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Settler{
		store:    store,
		provider: provider,
		terms:    terms.withDefaults(),
		clock:    clock,
		recorder: recorder,
		logger:   logger,
	}
}

// Settle processes job. It is safe to call more than once for the same job:
// only the holder of the claim submits, and a claim left unresolved for
// longer than twice the timeout is taken over and submitted again under the
// same idempotency key.
func (s *Settler) Settle(ctx context.Context, job Job) error {
	log := s.logger.With().Str("product_id", job.ProductID).Str("idempotency_key", job.IdempotencyKey).Logger()

	err := s.store.ClaimPayout(ctx, job.ProductID, job.IdempotencyKey, s.clock.Now())
	if errors.Is(err, products.ErrStatusMismatch) {
		return s.resolveUnclaimed(ctx, job, log)
	}
	if err != nil {
		return fmt.Errorf("claim payout: %w", err)
	}

	product, err := s.store.Get(ctx, job.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		return fmt.Errorf("load product %s: not found", job.ProductID)
	}
	return s.submit(ctx, job, product, log)
}

// submit sends the payout for a claimed product and records the result.
// Store errors are returned so the job is retried; the provider treats the
// retried submission as the same payout.
func (s *Settler) submit(ctx context.Context, job Job, product *products.Product, log zerolog.Logger) error {
	subCtx, cancel := context.WithTimeout(ctx, s.terms.Timeout)
	receipt, subErr := s.provider.Submit(subCtx, Request{
		IdempotencyKey: job.IdempotencyKey,
		Address:        product.MakerAddress,
		Chain:          s.terms.Chain,
		Amount:         s.terms.Amount,
		Currency:       s.terms.Currency,
	})
	cancel()

	if subErr != nil {
		log.Error().Err(subErr).Msg("payout submission failed")
		return s.fail(ctx, job.ProductID, subErr.Error())
	}

	if err := s.store.CompletePayout(ctx, job.ProductID, receipt); err != nil {
		if errors.Is(err, products.ErrStatusMismatch) {
			log.Warn().Msg("payout resolved elsewhere before completion")
			return nil
		}
		log.Error().Err(err).Msg("payout submitted but not recorded")
		return fmt.Errorf("complete payout: %w", err)
	}
	log.Info().Msg("payout paid")
	s.recorder.Incr(ctx, metrics.PayoutPaid, map[string]string{"Chain": s.terms.Chain})
	return nil
}

// resolveUnclaimed handles a job whose claim was refused: the payout is
// already settled, belongs to another key, or is claimed by another settler.
func (s *Settler) resolveUnclaimed(ctx context.Context, job Job, log zerolog.Logger) error {
	product, err := s.store.Get(ctx, job.ProductID)
	if err != nil {
		return fmt.Errorf("load product: %w", err)
	}
	if product == nil {
		log.Warn().Msg("payout job for unknown product dropped")
		return nil
	}
	if product.PayoutStatus != products.PayoutPending || product.PayoutIdempotencyKey != job.IdempotencyKey {
		log.Info().Str("payout_status", product.PayoutStatus).Msg("duplicate payout job ignored")
		return nil
	}

	if product.PayoutClaimedAt == 0 {
		return ErrSettlementInFlight
	}
	claimedAt := time.UnixMilli(product.PayoutClaimedAt)
	if s.clock.Since(claimedAt) <= 2*s.terms.Timeout {
		return ErrSettlementInFlight
	}

	err = s.store.ReclaimPayout(ctx, job.ProductID, job.IdempotencyKey, claimedAt, s.clock.Now())
	if errors.Is(err, products.ErrStatusMismatch) {
		return ErrSettlementInFlight
	}
	if err != nil {
		return fmt.Errorf("reclaim payout: %w", err)
	}
	log.Warn().Time("claimed_at", claimedAt).Msg("stale payout claim taken over, resubmitting")
	return s.submit(ctx, job, product, log)
}

func (s *Settler) fail(ctx context.Context, productID, reason string) error {
	if len(reason) > 500 {
		reason = reason[:500]
	}
	if err := s.store.FailPayout(ctx, productID, reason); err != nil {
		if errors.Is(err, products.ErrStatusMismatch) {
			return nil
		}
		return fmt.Errorf("fail payout: %w", err)
	}
	s.recorder.Incr(ctx, metrics.PayoutFailed, map[string]string{"Chain": s.terms.Chain})
	return nil
}
