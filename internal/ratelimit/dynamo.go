package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/jonboulle/clockwork"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
)

// maxAttempts bounds retries after losing a window-reset race.
const maxAttempts = 3

// DynamoLimiter keeps one Record per identifier and mutates it only through
// conditional UpdateItem calls.
type DynamoLimiter struct {
	client    aws.DynamoDBAPI
	tableName string
	clock     clockwork.Clock
}

// NewDynamoLimiter returns a limiter backed by tableName.
func NewDynamoLimiter(client aws.DynamoDBAPI, tableName string, clock clockwork.Clock) *DynamoLimiter {
	return &DynamoLimiter{client: client, tableName: tableName, clock: clock}
}

// Allow increments the counter when the current window is live and below
// maxRequests, or starts a new window when none is live. When a reset races
// with another caller's reset the increment is retried; running out of
// attempts rejects the request.
func (l *DynamoLimiter) Allow(ctx context.Context, identifier string, maxRequests int, window time.Duration) (bool, error) {
	if maxRequests <= 0 {
		return false, nil
	}

	for attempt := 0; attempt < maxAttempts; attempt++ {
		now := l.clock.Now()
		cutoff := now.Add(-window).UnixMilli()

		old, ok, err := l.increment(ctx, identifier, maxRequests, cutoff)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
		if old != nil && old.WindowStart >= cutoff {
			// live window at its cap
			return false, nil
		}

		ok, err = l.reset(ctx, identifier, now, window, cutoff)
		if err != nil {
			return false, err
		}
		if ok {
			return true, nil
		}
	}
	return false, nil
}

// increment bumps count inside a live, non-full window. On a failed condition
// it returns the record as it was, or nil when none exists.
func (l *DynamoLimiter) increment(ctx context.Context, identifier string, maxRequests int, cutoff int64) (*Record, bool, error) {
	_, err := l.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                           &l.tableName,
		Key:                                 key(identifier),
		UpdateExpression:                    aws.String("SET #c = #c + :one"),
		ConditionExpression:                 aws.String("window_start >= :cutoff AND #c < :max"),
		ExpressionAttributeNames:            map[string]string{"#c": "count"},
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":    number(1),
			":cutoff": number(cutoff),
			":max":    number(int64(maxRequests)),
		},
	})
	if err == nil {
		return nil, true, nil
	}
	if !aws.IsConditionalCheckFailed(err) {
		return nil, false, fmt.Errorf("increment rate limit: %w", err)
	}

	var ccf *types.ConditionalCheckFailedException
	if !errors.As(err, &ccf) || len(ccf.Item) == 0 {
		return nil, false, nil
	}
	var rec Record
	if err := attributevalue.UnmarshalMap(ccf.Item, &rec); err != nil {
		return nil, false, fmt.Errorf("unmarshal rate limit record: %w", err)
	}
	return &rec, false, nil
}

// reset opens a new window with count=1 when no record exists or the stored
// window has expired.
func (l *DynamoLimiter) reset(ctx context.Context, identifier string, now time.Time, window time.Duration, cutoff int64) (bool, error) {
	_, err := l.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                &l.tableName,
		Key:                      key(identifier),
		UpdateExpression:         aws.String("SET #c = :one, window_start = :now, expires_at = :exp"),
		ConditionExpression:      aws.String("attribute_not_exists(identifier) OR window_start < :cutoff"),
		ExpressionAttributeNames: map[string]string{"#c": "count"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":one":    number(1),
			":now":    number(now.UnixMilli()),
			":exp":    number(now.Add(window).Unix()),
			":cutoff": number(cutoff),
		},
	})
	if err == nil {
		return true, nil
	}
	if aws.IsConditionalCheckFailed(err) {
		return false, nil
	}
	return false, fmt.Errorf("reset rate limit: %w", err)
}

func key(identifier string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"identifier": &types.AttributeValueMemberS{Value: identifier},
	}
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}
