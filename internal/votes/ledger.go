package votes

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/rs/zerolog"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
)

// CountWriter persists the derived vote count onto the product record.
type CountWriter interface {
	SetVoteCount(ctx context.Context, productID string, count int) (bool, error)
}

// Ledger is the source of truth for votes. Uniqueness of (product, voter) is
// enforced by DynamoDB's conditional put, never by a read-then-write.
type Ledger struct {
	client    aws.DynamoDBAPI
	tableName string
	counts    CountWriter
	logger    zerolog.Logger
	nowFunc   func() time.Time
}

// NewLedger returns a Ledger writing to tableName and mirroring counts through counts.
func NewLedger(client aws.DynamoDBAPI, tableName string, counts CountWriter, logger zerolog.Logger) *Ledger {
	return &Ledger{
		client:    client,
		tableName: tableName,
		counts:    counts,
		logger:    logger.With().Str("component", "vote_ledger").Logger(),
		nowFunc:   time.Now,
	}
}

// RecordVote inserts the vote if the voter has not voted on the product yet.
// A duplicate is not an error: it returns Accepted=false with the current count.
// After an insert the count is derived from the ledger and copied onto the
// product; failing to copy it is logged and healed by the next vote.
func (l *Ledger) RecordVote(ctx context.Context, productID, voterAddress string) (Result, error) {
	voterAddress = strings.ToLower(voterAddress)
	item, err := attributevalue.MarshalMap(Vote{
		ProductID:    productID,
		VoterAddress: voterAddress,
		CreatedAt:    l.nowFunc().UTC(),
	})
	if err != nil {
		return Result{}, fmt.Errorf("marshal vote: %w", err)
	}

	_, err = l.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &l.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(voter_address)"),
	})
	if err != nil {
		if !aws.IsConditionalCheckFailed(err) {
			return Result{}, fmt.Errorf("put vote: %w", err)
		}
		count, err := l.Count(ctx, productID)
		if err != nil {
			return Result{}, err
		}
		return Result{Accepted: false, Count: count}, nil
	}

	count, err := l.Count(ctx, productID)
	if err != nil {
		return Result{}, err
	}
	if _, err := l.counts.SetVoteCount(ctx, productID, count); err != nil {
		l.logger.Warn().Err(err).Str("product_id", productID).Int("count", count).
			Msg("vote recorded but product count not updated")
	}
	return Result{Accepted: true, Count: count}, nil
}

// Count returns the number of votes recorded for productID.
func (l *Ledger) Count(ctx context.Context, productID string) (int, error) {
	input := &dyn.QueryInput{
		TableName:              &l.tableName,
		KeyConditionExpression: aws.String("product_id = :pid"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pid": &types.AttributeValueMemberS{Value: productID},
		},
		Select:         types.SelectCount,
		ConsistentRead: boolPtr(true),
	}

	total := 0
	for {
		out, err := l.client.Query(ctx, input)
		if err != nil {
			return 0, fmt.Errorf("count votes: %w", err)
		}
		total += int(out.Count)
		if len(out.LastEvaluatedKey) == 0 {
			return total, nil
		}
		input.ExclusiveStartKey = out.LastEvaluatedKey
	}
}

func boolPtr(b bool) *bool { return &b }
