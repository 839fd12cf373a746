package main

import (
	"context"
	"encoding/json"
	"errors"
	"testing"

	"github.com/aws/aws-lambda-go/events"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-vote-payouts/internal/aws/dynamotest"
	"github.com/imrishuroy/go-vote-payouts/internal/payout"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
)

type scriptedSettler struct {
	errs map[string]error
	jobs []payout.Job
}

func (s *scriptedSettler) Settle(_ context.Context, job payout.Job) error {
	s.jobs = append(s.jobs, job)
	return s.errs[job.ProductID]
}

func record(t *testing.T, id string, job payout.Job) events.SQSMessage {
	t.Helper()
	body, err := json.Marshal(job)
	require.NoError(t, err)
	return events.SQSMessage{MessageId: id, Body: string(body)}
}

func TestHandle_ReportsOnlyFailedRecords(t *testing.T) {
	settler := &scriptedSettler{errs: map[string]error{
		"p-2": payout.ErrSettlementInFlight,
		"p-3": errors.New("dynamo unavailable"),
	}}
	p := NewProcessor(settler, zerolog.Nop())

	resp, err := p.Handle(context.Background(), events.SQSEvent{Records: []events.SQSMessage{
		record(t, "m-1", payout.Job{ProductID: "p-1", IdempotencyKey: "k1"}),
		record(t, "m-2", payout.Job{ProductID: "p-2", IdempotencyKey: "k2"}),
		record(t, "m-3", payout.Job{ProductID: "p-3", IdempotencyKey: "k3"}),
		{MessageId: "m-4", Body: "not json"},
		record(t, "m-5", payout.Job{ProductID: "p-5"}),
	}})
	require.NoError(t, err)

	var failed []string
	for _, f := range resp.BatchItemFailures {
		failed = append(failed, f.ItemIdentifier)
	}
	assert.Equal(t, []string{"m-2", "m-3", "m-4", "m-5"}, failed)
	assert.Len(t, settler.jobs, 3)
}

type okProvider struct{ calls int }

func (o *okProvider) Submit(context.Context, payout.Request) (json.RawMessage, error) {
	o.calls++
	return json.RawMessage(`{"data":{"id":"po-1"}}`), nil
}

func TestHandle_SettlesAgainstStore(t *testing.T) {
	fake := dynamotest.New()
	fake.CreateTable("products", "product_id", "")
	store := products.NewStore(fake, "products")
	ctx := context.Background()
	_, err := store.Create(ctx, products.Product{ProductID: "p-1", Title: "Widget", MakerAddress: "0xabcdef0123456789abcdef0123456789abcdef01"})
	require.NoError(t, err)
	require.NoError(t, store.BeginPayout(ctx, "p-1", "k1"))

	provider := &okProvider{}
	settler := payout.NewSettler(store, provider, payout.Terms{}, clockwork.NewFakeClock(), nil, zerolog.Nop())
	p := NewProcessor(settler, zerolog.Nop())

	msg := record(t, "m-1", payout.Job{ProductID: "p-1", IdempotencyKey: "k1"})
	// at-least-once delivery: the same message twice
	resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{msg, msg}})
	require.NoError(t, err)
	assert.Empty(t, resp.BatchItemFailures)
	assert.Equal(t, 1, provider.calls)

	got, err := store.Get(ctx, "p-1")
	require.NoError(t, err)
	assert.Equal(t, products.PayoutPaid, got.PayoutStatus)
}
