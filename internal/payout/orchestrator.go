// Package payout fires exactly one reward payout per product once its vote
// count reaches the threshold.
//
// The orchestrator owns the none -> pending gate and hands a Job to a
// Dispatcher. A Settler then submits the payout to a Provider and resolves the
// product to paid or failed. Both sides drive the product through conditional
// writes, so any number of concurrent voters or redelivered jobs still
// produce a single submission.
package payout

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/metrics"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
)

// DefaultThreshold is the vote count that triggers a payout.
const DefaultThreshold = 10

// ProductStore is the part of products.Store the payout flow needs.
type ProductStore interface {
	Get(ctx context.Context, productID string) (*products.Product, error)
	BeginPayout(ctx context.Context, productID, idempotencyKey string) error
	ClaimPayout(ctx context.Context, productID, idempotencyKey string, at time.Time) error
	ReclaimPayout(ctx context.Context, productID, idempotencyKey string, prev, at time.Time) error
	CompletePayout(ctx context.Context, productID string, receipt json.RawMessage) error
	FailPayout(ctx context.Context, productID, reason string) error
}

// Outcome is the payout state reported back to a voter.
type Outcome struct {
	Status string
	Data   json.RawMessage
}

// Orchestrator decides whether a counted vote triggers the payout.
type Orchestrator struct {
	store      ProductStore
	dispatcher Dispatcher
	threshold  int
	recorder   metrics.Recorder
	logger     zerolog.Logger
	newKey     func() string
}

// NewOrchestrator returns an orchestrator; threshold <= 0 selects DefaultThreshold.
func NewOrchestrator(store ProductStore, dispatcher Dispatcher, threshold int, recorder metrics.Recorder, logger zerolog.Logger) *Orchestrator {
	if threshold <= 0 {
		threshold = DefaultThreshold
	}
	if recorder == nil {
		recorder = metrics.Noop{}
	}
	return &Orchestrator{
		store:      store,
		dispatcher: dispatcher,
		threshold:  threshold,
		recorder:   recorder,
		logger:     logger,
		newKey:     uuid.NewString,
	}
}

// OnVoteCounted is called after a vote was accepted and product has count
// votes. It never triggers more than one payout per product over its lifetime.
func (o *Orchestrator) OnVoteCounted(ctx context.Context, product *products.Product, count int) (Outcome, error) {
	current := Outcome{Status: product.PayoutStatus, Data: product.PayoutData}
	if current.Status == "" {
		current.Status = products.PayoutNone
	}
	if count < o.threshold || current.Status != products.PayoutNone {
		return current, nil
	}

	key := o.newKey()
	err := o.store.BeginPayout(ctx, product.ProductID, key)
	if errors.Is(err, products.ErrStatusMismatch) {
		// another request won the gate
		return o.reload(ctx, product.ProductID)
	}
	if err != nil {
		return current, fmt.Errorf("begin payout: %w", err)
	}

	log := o.logger.With().Str("product_id", product.ProductID).Str("idempotency_key", key).Logger()
	log.Info().Int("votes", count).Msg("payout threshold reached")
	o.recorder.Incr(ctx, metrics.PayoutTriggered, nil)

	if err := o.dispatcher.Dispatch(ctx, Job{ProductID: product.ProductID, IdempotencyKey: key}); err != nil {
		log.Error().Err(err).Msg("payout dispatch failed")
		if ferr := o.store.FailPayout(ctx, product.ProductID, "dispatch: "+err.Error()); ferr != nil && !errors.Is(ferr, products.ErrStatusMismatch) {
			return Outcome{Status: products.PayoutPending}, fmt.Errorf("fail payout after dispatch error: %w", ferr)
		}
		o.recorder.Incr(ctx, metrics.PayoutFailed, nil)
		return o.reload(ctx, product.ProductID)
	}
	return Outcome{Status: products.PayoutPending}, nil
}

func (o *Orchestrator) reload(ctx context.Context, productID string) (Outcome, error) {
	p, err := o.store.Get(ctx, productID)
	if err != nil {
		return Outcome{}, fmt.Errorf("reload product: %w", err)
	}
	if p == nil {
		return Outcome{}, fmt.Errorf("reload product %s: not found", productID)
	}
	return Outcome{Status: p.PayoutStatus, Data: p.PayoutData}, nil
}
