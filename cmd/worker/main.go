package main

import (
	"context"
	"log"
	"os"

	"github.com/aws/aws-lambda-go/events"
	"github.com/aws/aws-lambda-go/lambda"
	"github.com/jonboulle/clockwork"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
	"github.com/imrishuroy/go-vote-payouts/internal/config"
	"github.com/imrishuroy/go-vote-payouts/internal/logging"
	"github.com/imrishuroy/go-vote-payouts/internal/metrics"
	"github.com/imrishuroy/go-vote-payouts/internal/payout"
	"github.com/imrishuroy/go-vote-payouts/internal/products"
)

func main() {
	cfg, err := config.Load()
	if err != nil {
		log.Fatalf("config error: %v", err)
	}
	logger := logging.New(cfg.LogLevel, cfg.LogFormat).With().Str("component", "payout-worker").Logger()

	ctx := context.Background()
	clients, err := aws.NewAWSClients(ctx, cfg.AWSRegion, cfg.AWSEndpointOverride)
	if err != nil {
		logger.Fatal().Err(err).Msg("failed to init aws clients")
	}

	var recorder metrics.Recorder = metrics.Noop{}
	if cfg.MetricsNamespace != "" {
		recorder = metrics.NewCloudWatch(clients.CloudWatch, cfg.MetricsNamespace, logger)
	}

	settler := payout.NewSettler(
		products.NewStore(clients.DynamoDB, cfg.ProductsTable),
		payout.NewCircleClient(cfg.CircleBaseURL, cfg.CircleAPIKey, nil),
		payout.Terms{
			Amount:   cfg.PayoutAmount,
			Currency: cfg.PayoutCurrency,
			Chain:    cfg.PayoutChain,
			Timeout:  cfg.PayoutTimeout,
		},
		clockwork.NewRealClock(),
		recorder,
		logger,
	)
	p := NewProcessor(settler, logger)

	// RUN_LOCAL=true settles a single job from LOCAL_SQS_BODY and exits.
	if cfg.RunLocal {
		body := os.Getenv("LOCAL_SQS_BODY")
		if body == "" {
			logger.Fatal().Msg("LOCAL_SQS_BODY is required when RUN_LOCAL=true")
		}
		resp, err := p.Handle(ctx, events.SQSEvent{Records: []events.SQSMessage{{MessageId: "local-1", Body: body}}})
		if err != nil || len(resp.BatchItemFailures) > 0 {
			logger.Fatal().Err(err).Msg("local payout job failed")
		}
		return
	}

	lambda.Start(p.Handle)
}
