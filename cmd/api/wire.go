package main

import (
	"context"
	"fmt"

	"github.com/jonboulle/clockwork"
	goredis "github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
	"github.com/imrishuroy/go-vote-payouts/internal/config"
	"github.com/imrishuroy/go-vote-payouts/internal/metrics"
	"github.com/imrishuroy/go-vote-payouts/internal/payout"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
	"github.com/imrishuroy/go-vote-payouts/internal/ratelimit"
	"github.com/imrishuroy/go-vote-payouts/internal/service"
	"github.com/imrishuroy/go-vote-payouts/internal/votes"
	"github.com/imrishuroy/go-vote-payouts/internal/walletauth"
)

type application struct {
	Service *service.Service
	inline  *payout.InlineDispatcher
	redis   *goredis.Client
}

func (a *application) WaitPayouts() {
	if a.inline != nil {
		a.inline.Wait()
	}
}

func (a *application) Close() {
	if a.redis != nil {
		_ = a.redis.Close()
	}
}

func build(ctx context.Context, cfg *config.Config, logger zerolog.Logger) (*application, error) {
	clients, err := aws.NewAWSClients(ctx, cfg.AWSRegion, cfg.AWSEndpointOverride)
	if err != nil {
		return nil, fmt.Errorf("init aws clients: %w", err)
	}
	return buildWithClients(ctx, cfg, clients, logger)
}

func buildWithClients(ctx context.Context, cfg *config.Config, clients *aws.AWSClients, logger zerolog.Logger) (*application, error) {
	app := &application{}
	clock := clockwork.NewRealClock()

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.MetricsNamespace != "" {
		recorder = metrics.NewCloudWatch(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}

	var limiter ratelimit.Limiter
	switch cfg.RateLimitBackend {
	case config.BackendRedis:
		rdb, err := ratelimit.NewRedisClient(ctx, cfg.RedisURL)
		if err != nil {
			return nil, err
		}
		app.redis = rdb
		limiter = ratelimit.NewRedisLimiter(rdb, clock)
	default:
		limiter = ratelimit.NewDynamoLimiter(clients.DynamoDB, cfg.RateLimitsTable, clock)
	}

	productStore := products.NewStore(clients.DynamoDB, cfg.ProductsTable)
	ledger := votes.NewLedger(clients.DynamoDB, cfg.VotesTable, productStore, logger)

	var dispatcher payout.Dispatcher
	if cfg.PayoutQueueURL != "" {
		dispatcher = payout.NewQueueDispatcher(aws.NewPublisher(clients.SQS, cfg.PayoutQueueURL))
	} else {
		// local mode without a queue settles in-process
		settler := payout.NewSettler(
			productStore,
			payout.NewCircleClient(cfg.CircleBaseURL, cfg.CircleAPIKey, nil),
			payout.Terms{
				Amount:   cfg.PayoutAmount,
				Currency: cfg.PayoutCurrency,
				Chain:    cfg.PayoutChain,
				Timeout:  cfg.PayoutTimeout,
			},
			clock,
			recorder,
			logger,
		)
		app.inline = payout.NewInlineDispatcher(settler, payout.InlineBackOff(cfg.PayoutTimeout), logger)
		dispatcher = app.inline
	}

	policies := service.DefaultPolicies()
	policies.SubmitWallet.Max = cfg.SubmitLimitPerDay
	policies.VoteWallet.Max = cfg.VoteLimitWalletPerHour
	policies.VoteIP.Max = cfg.VoteLimitIPPerHour

	app.Service = service.New(service.Deps{
		Auth: walletauth.NewAuthenticator(
			walletauth.NewReplayGuard(clock, cfg.AppName, cfg.SignatureMaxSkew),
			walletauth.EthVerifier{},
		),
		Limiter:  limiter,
		Products: productStore,
		Ledger:   ledger,
		Payouts:  payout.NewOrchestrator(productStore, dispatcher, cfg.VoteThreshold, recorder, logger),
		Policies: policies,
		Recorder: recorder,
		Logger:   logger,
	})
	return app, nil
}
