// Package metrics emits business counters such as votes accepted and payouts settled.
package metrics

import (
	"context"
	"sort"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/cloudwatch"
	cwtypes "github.com/aws/aws-sdk-go-v2/service/cloudwatch/types"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
)

// Counter names.
const (
	VoteAccepted      = "VoteAccepted"
	VoteDuplicate     = "VoteDuplicate"
	RateLimited       = "RateLimited"
	SignatureRejected = "SignatureRejected"
	ProductSubmitted  = "ProductSubmitted"
	PayoutTriggered   = "PayoutTriggered"
	PayoutPaid        = "PayoutPaid"
	PayoutFailed      = "PayoutFailed"
)

// Recorder counts events. Implementations never fail the caller.
type Recorder interface {
	Incr(ctx context.Context, name string, dims map[string]string)
}

// Noop discards everything.
type Noop struct{}

func (Noop) Incr(context.Context, string, map[string]string) {}

// CloudWatch publishes each event as a Count datum of 1.
type CloudWatch struct {
	client    aws.CloudWatchAPI
	namespace string
	logger    zerolog.Logger
	now       func() time.Time
}

// NewCloudWatch returns a recorder writing to namespace.
func NewCloudWatch(client aws.CloudWatchAPI, namespace string, logger zerolog.Logger) *CloudWatch {
	return &CloudWatch{client: client, namespace: namespace, logger: logger, now: time.Now}
}

// Incr sends a single datum. Errors are logged and dropped.
func (c *CloudWatch) Incr(ctx context.Context, name string, dims map[string]string) {
	keys := make([]string, 0, len(dims))
	for k := range dims {
		keys = append(keys, k)
	}
	sort.Strings(keys)

	dimensions := make([]cwtypes.Dimension, 0, len(keys))
	for _, k := range keys {
		dimensions = append(dimensions, cwtypes.Dimension{Name: aws.String(k), Value: aws.String(dims[k])})
	}

	ts := c.now()
	one := 1.0
	_, err := c.client.PutMetricData(ctx, &cloudwatch.PutMetricDataInput{
		Namespace: aws.String(c.namespace),
		MetricData: []cwtypes.MetricDatum{{
			MetricName: aws.String(name),
			Dimensions: dimensions,
			Timestamp:  &ts,
			Unit:       cwtypes.StandardUnitCount,
			Value:      &one,
		}},
	})
	if err != nil {
		c.logger.Warn().Err(err).Str("metric", name).Msg("put metric data failed")
	}
}
