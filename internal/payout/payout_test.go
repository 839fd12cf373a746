package payout

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/cenkalti/backoff/v4"
	"github.com/jonboulle/clockwork"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/imrishuroy/go-vote-payouts/internal/aws/dynamotest"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
)

const (
	productsTable = "products"
	maker         = "0xabcdef0123456789abcdef0123456789abcdef01"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	jobs []Job
	err  error
}

func (d *recordingDispatcher) Dispatch(_ context.Context, job Job) error {
	d.mu.Lock()
	defer d.mu.Unlock()
	if d.err != nil {
		return d.err
	}
	d.jobs = append(d.jobs, job)
	return nil
}

func (d *recordingDispatcher) Jobs() []Job {
	d.mu.Lock()
	defer d.mu.Unlock()
	return append([]Job(nil), d.jobs...)
}

type stubProvider struct {
	calls   atomic.Int32
	receipt json.RawMessage
	err     error
	block   bool
	got     Request
}

func (p *stubProvider) Submit(ctx context.Context, req Request) (json.RawMessage, error) {
	p.calls.Add(1)
	p.got = req
	if p.block {
		<-ctx.Done()
		return nil, ctx.Err()
	}
	return p.receipt, p.err
}

func newProductStore(t *testing.T) *products.Store {
	t.Helper()
	fake := dynamotest.New()
	fake.CreateTable(productsTable, "product_id", "")
	store := products.NewStore(fake, productsTable)
	_, err := store.Create(context.Background(), products.Product{ProductID: "p-1", Title: "Widget", MakerAddress: maker})
	require.NoError(t, err)
	return store
}

func mustGet(t *testing.T, store *products.Store, id string) *products.Product {
	t.Helper()
	p, err := store.Get(context.Background(), id)
	require.NoError(t, err)
	require.NotNil(t, p)
	return p
}

func TestOnVoteCounted_BelowThreshold(t *testing.T) {
	store := newProductStore(t)
	d := &recordingDispatcher{}
	o := NewOrchestrator(store, d, 10, nil, zerolog.Nop())

	out, err := o.OnVoteCounted(context.Background(), mustGet(t, store, "p-1"), 9)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutNone, out.Status)
	assert.Empty(t, d.Jobs())
	assert.Equal(t, products.PayoutNone, mustGet(t, store, "p-1").PayoutStatus)
}

func TestOnVoteCounted_CrossingDispatchesOnce(t *testing.T) {
	store := newProductStore(t)
	d := &recordingDispatcher{}
	o := NewOrchestrator(store, d, 10, nil, zerolog.Nop())
	o.newKey = func() string { return "key-1" }

	out, err := o.OnVoteCounted(context.Background(), mustGet(t, store, "p-1"), 10)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutPending, out.Status)
	require.Equal(t, []Job{{ProductID: "p-1", IdempotencyKey: "key-1"}}, d.Jobs())

	// later votes see pending and do nothing
	out, err = o.OnVoteCounted(context.Background(), mustGet(t, store, "p-1"), 11)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutPending, out.Status)
	assert.Len(t, d.Jobs(), 1)
}

func TestOnVoteCounted_ConcurrentCrossingsSingleDispatch(t *testing.T) {
	store := newProductStore(t)
	d := &recordingDispatcher{}
	o := NewOrchestrator(store, d, 10, nil, zerolog.Nop())

	// every racer read the product before anyone flipped the gate
	snapshot := mustGet(t, store, "p-1")
	const n = 32
	var wg sync.WaitGroup
	for i := 0; i < n; i++ {
		wg.Add(1)
		go func(count int) {
			defer wg.Done()
			out, err := o.OnVoteCounted(context.Background(), snapshot, count)
			assert.NoError(t, err)
			assert.Equal(t, products.PayoutPending, out.Status)
		}(10 + i)
	}
	wg.Wait()

	assert.Len(t, d.Jobs(), 1)
	assert.Equal(t, d.Jobs()[0].IdempotencyKey, mustGet(t, store, "p-1").PayoutIdempotencyKey)
}

func TestOnVoteCounted_DispatchFailureResolvesFailed(t *testing.T) {
	store := newProductStore(t)
	d := &recordingDispatcher{err: errors.New("queue down")}
	o := NewOrchestrator(store, d, 10, nil, zerolog.Nop())

	out, err := o.OnVoteCounted(context.Background(), mustGet(t, store, "p-1"), 10)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutFailed, out.Status)

	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutFailed, p.PayoutStatus)
	assert.Contains(t, p.PayoutError, "queue down")

	// failed is terminal: crossing again never re-triggers
	d.err = nil
	out, err = o.OnVoteCounted(context.Background(), p, 12)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutFailed, out.Status)
	assert.Empty(t, d.Jobs())
}

func newSettler(store *products.Store, p Provider, clock clockwork.Clock) *Settler {
	return NewSettler(store, p, Terms{Timeout: time.Second}, clock, nil, zerolog.Nop())
}

func begin(t *testing.T, store *products.Store, key string) Job {
	t.Helper()
	require.NoError(t, store.BeginPayout(context.Background(), "p-1", key))
	return Job{ProductID: "p-1", IdempotencyKey: key}
}

func TestSettle_Paid(t *testing.T) {
	store := newProductStore(t)
	provider := &stubProvider{receipt: json.RawMessage(`{"data":{"id":"po-1","status":"pending"}}`)}
	s := newSettler(store, provider, clockwork.NewFakeClock())
	job := begin(t, store, "key-1")

	require.NoError(t, s.Settle(context.Background(), job))

	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutPaid, p.PayoutStatus)
	assert.JSONEq(t, `{"data":{"id":"po-1","status":"pending"}}`, string(p.PayoutData))
	assert.Equal(t, Request{IdempotencyKey: "key-1", Address: maker, Chain: "arc", Amount: "1.00", Currency: "USD"}, provider.got)
}

func TestSettle_RedeliveryDoesNotResubmit(t *testing.T) {
	store := newProductStore(t)
	provider := &stubProvider{receipt: json.RawMessage(`{}`)}
	s := newSettler(store, provider, clockwork.NewFakeClock())
	job := begin(t, store, "key-1")

	require.NoError(t, s.Settle(context.Background(), job))
	require.NoError(t, s.Settle(context.Background(), job))
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, products.PayoutPaid, mustGet(t, store, "p-1").PayoutStatus)
}

func TestSettle_ProviderErrorResolvesFailed(t *testing.T) {
	store := newProductStore(t)
	provider := &stubProvider{err: &ProviderError{StatusCode: 400, Body: `{"message":"bad address"}`}}
	s := newSettler(store, provider, clockwork.NewFakeClock())
	job := begin(t, store, "key-1")

	require.NoError(t, s.Settle(context.Background(), job))

	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutFailed, p.PayoutStatus)
	assert.Contains(t, p.PayoutError, "bad address")
	assert.Empty(t, p.PayoutData)
}

func TestSettle_TimeoutResolvesFailed(t *testing.T) {
	store := newProductStore(t)
	provider := &stubProvider{block: true}
	s := NewSettler(store, provider, Terms{Timeout: 20 * time.Millisecond}, clockwork.NewRealClock(), nil, zerolog.Nop())
	job := begin(t, store, "key-1")

	require.NoError(t, s.Settle(context.Background(), job))
	assert.Equal(t, products.PayoutFailed, mustGet(t, store, "p-1").PayoutStatus)
}

func TestSettle_FreshClaimIsInFlight(t *testing.T) {
	store := newProductStore(t)
	clock := clockwork.NewFakeClock()
	provider := &stubProvider{receipt: json.RawMessage(`{}`)}
	s := newSettler(store, provider, clock)
	job := begin(t, store, "key-1")
	require.NoError(t, store.ClaimPayout(context.Background(), "p-1", "key-1", clock.Now()))

	clock.Advance(time.Second)
	assert.ErrorIs(t, s.Settle(context.Background(), job), ErrSettlementInFlight)
	assert.Zero(t, provider.calls.Load())
	assert.Equal(t, products.PayoutPending, mustGet(t, store, "p-1").PayoutStatus)
}

func TestSettle_StaleClaimResubmitsWithSameKey(t *testing.T) {
	store := newProductStore(t)
	clock := clockwork.NewFakeClock()
	provider := &stubProvider{receipt: json.RawMessage(`{"id":"po-1"}`)}
	s := newSettler(store, provider, clock)
	job := begin(t, store, "key-1")
	require.NoError(t, store.ClaimPayout(context.Background(), "p-1", "key-1", clock.Now()))

	clock.Advance(3 * time.Second)
	require.NoError(t, s.Settle(context.Background(), job))
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, "key-1", provider.got.IdempotencyKey)

	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutPaid, p.PayoutStatus)
	assert.JSONEq(t, `{"id":"po-1"}`, string(p.PayoutData))
	assert.Equal(t, clock.Now().UnixMilli(), p.PayoutClaimedAt)
}

func TestSettle_StaleClaimProviderErrorResolvesFailed(t *testing.T) {
	store := newProductStore(t)
	clock := clockwork.NewFakeClock()
	provider := &stubProvider{err: errors.New("rejected")}
	s := newSettler(store, provider, clock)
	job := begin(t, store, "key-1")
	require.NoError(t, store.ClaimPayout(context.Background(), "p-1", "key-1", clock.Now()))

	clock.Advance(3 * time.Second)
	require.NoError(t, s.Settle(context.Background(), job))
	assert.Equal(t, products.PayoutFailed, mustGet(t, store, "p-1").PayoutStatus)
}

// flakyStore fails selected calls a fixed number of times.
type flakyStore struct {
	*products.Store
	completeFails atomic.Int32
	getFails      atomic.Int32
}

var errStoreDown = errors.New("dynamo unavailable")

func (f *flakyStore) CompletePayout(ctx context.Context, productID string, receipt json.RawMessage) error {
	if f.completeFails.Add(-1) >= 0 {
		return errStoreDown
	}
	return f.Store.CompletePayout(ctx, productID, receipt)
}

func (f *flakyStore) Get(ctx context.Context, productID string) (*products.Product, error) {
	if f.getFails.Add(-1) >= 0 {
		return nil, errStoreDown
	}
	return f.Store.Get(ctx, productID)
}

func TestSettle_CompleteFailureThenRedeliveryKeepsPayment(t *testing.T) {
	store := newProductStore(t)
	flaky := &flakyStore{Store: store}
	flaky.completeFails.Store(1)
	clock := clockwork.NewFakeClock()
	provider := &stubProvider{receipt: json.RawMessage(`{"id":"po-1"}`)}
	s := NewSettler(flaky, provider, Terms{Timeout: time.Second}, clock, nil, zerolog.Nop())
	job := begin(t, store, "key-1")

	require.ErrorIs(t, s.Settle(context.Background(), job), errStoreDown)
	assert.Equal(t, products.PayoutPending, mustGet(t, store, "p-1").PayoutStatus)

	// redelivered while the claim is fresh
	clock.Advance(time.Second)
	require.ErrorIs(t, s.Settle(context.Background(), job), ErrSettlementInFlight)

	clock.Advance(2 * time.Second)
	require.NoError(t, s.Settle(context.Background(), job))

	assert.Equal(t, int32(2), provider.calls.Load())
	assert.Equal(t, "key-1", provider.got.IdempotencyKey)
	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutPaid, p.PayoutStatus)
	assert.JSONEq(t, `{"id":"po-1"}`, string(p.PayoutData))
}

func TestSettle_LoadFailureAfterClaimThenRedelivery(t *testing.T) {
	store := newProductStore(t)
	flaky := &flakyStore{Store: store}
	clock := clockwork.NewFakeClock()
	provider := &stubProvider{receipt: json.RawMessage(`{}`)}
	s := NewSettler(flaky, provider, Terms{Timeout: time.Second}, clock, nil, zerolog.Nop())
	job := begin(t, store, "key-1")

	flaky.getFails.Store(1)
	require.ErrorIs(t, s.Settle(context.Background(), job), errStoreDown)
	assert.Zero(t, provider.calls.Load())

	clock.Advance(3 * time.Second)
	require.NoError(t, s.Settle(context.Background(), job))
	assert.Equal(t, int32(1), provider.calls.Load())
	assert.Equal(t, products.PayoutPaid, mustGet(t, store, "p-1").PayoutStatus)
}

func TestSettle_ForeignKeyIgnored(t *testing.T) {
	store := newProductStore(t)
	provider := &stubProvider{receipt: json.RawMessage(`{}`)}
	s := newSettler(store, provider, clockwork.NewFakeClock())
	begin(t, store, "key-1")

	require.NoError(t, s.Settle(context.Background(), Job{ProductID: "p-1", IdempotencyKey: "other"}))
	assert.Zero(t, provider.calls.Load())
	assert.Equal(t, products.PayoutPending, mustGet(t, store, "p-1").PayoutStatus)
}

func TestInlineDispatcher_SettlesInBackground(t *testing.T) {
	store := newProductStore(t)
	provider := &stubProvider{receipt: json.RawMessage(`{"id":"po-9"}`)}
	s := newSettler(store, provider, clockwork.NewFakeClock())
	d := NewInlineDispatcher(s, nil, zerolog.Nop())
	o := NewOrchestrator(store, d, 10, nil, zerolog.Nop())

	ctx, cancel := context.WithCancel(context.Background())
	out, err := o.OnVoteCounted(ctx, mustGet(t, store, "p-1"), 10)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutPending, out.Status)
	cancel()

	d.Wait()
	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutPaid, p.PayoutStatus)
	assert.JSONEq(t, `{"id":"po-9"}`, string(p.PayoutData))
}

func TestInlineDispatcher_RetriesUntilResolved(t *testing.T) {
	store := newProductStore(t)
	flaky := &flakyStore{Store: store}
	flaky.completeFails.Store(1)
	provider := &stubProvider{receipt: json.RawMessage(`{"id":"po-2"}`)}
	s := NewSettler(flaky, provider, Terms{Timeout: 10 * time.Millisecond}, clockwork.NewRealClock(), nil, zerolog.Nop())
	d := NewInlineDispatcher(s, func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(15*time.Millisecond), 40)
	}, zerolog.Nop())
	o := NewOrchestrator(flaky, d, 10, nil, zerolog.Nop())

	out, err := o.OnVoteCounted(context.Background(), mustGet(t, store, "p-1"), 10)
	require.NoError(t, err)
	assert.Equal(t, products.PayoutPending, out.Status)

	d.Wait()
	p := mustGet(t, store, "p-1")
	assert.Equal(t, products.PayoutPaid, p.PayoutStatus)
	assert.JSONEq(t, `{"id":"po-2"}`, string(p.PayoutData))
	assert.Equal(t, int32(2), provider.calls.Load())
}

type countingSettlement struct {
	failures int
	calls    int
}

func (c *countingSettlement) Settle(context.Context, Job) error {
	c.calls++
	if c.calls <= c.failures {
		return ErrSettlementInFlight
	}
	return nil
}

func TestInlineDispatcher_StopsAfterSuccess(t *testing.T) {
	settlement := &countingSettlement{failures: 3}
	d := NewInlineDispatcher(settlement, func() backoff.BackOff {
		return backoff.WithMaxRetries(backoff.NewConstantBackOff(time.Millisecond), 10)
	}, zerolog.Nop())

	require.NoError(t, d.Dispatch(context.Background(), Job{ProductID: "p-1", IdempotencyKey: "k"}))
	d.Wait()
	assert.Equal(t, 4, settlement.calls)
}
