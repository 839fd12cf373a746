package products

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/imrishuroy/go-vote-payouts/internal/aws"
)

var (
	// ErrAlreadyExists is returned by Create when the product id is taken.
	ErrAlreadyExists = errors.New("product already exists")
	// ErrStatusMismatch is returned when a conditional payout transition lost,
	// i.e. the product was not in the expected status.
	ErrStatusMismatch = errors.New("payout status mismatch/conditional failed")
)

// Store encapsulates operations on the products table.
type Store struct {
	client    aws.DynamoDBAPI
	tableName string
	nowFunc   func() time.Time
}

// NewStore creates a new products Store.
func NewStore(client aws.DynamoDBAPI, tableName string) *Store {
	return &Store{
		client:    client,
		tableName: tableName,
		nowFunc:   time.Now,
	}
}

// Create inserts a new product with zero votes and payout status none.
func (s *Store) Create(ctx context.Context, p Product) (*Product, error) {
	now := s.nowFunc().UTC()
	if p.CreatedAt.IsZero() {
		p.CreatedAt = now
	}
	p.UpdatedAt = now
	p.VoteCount = 0
	p.PayoutStatus = PayoutNone
	p.PayoutData = nil

	item, err := attributevalue.MarshalMap(p)
	if err != nil {
		return nil, fmt.Errorf("marshal product: %w", err)
	}
	_, err = s.client.PutItem(ctx, &dyn.PutItemInput{
		TableName:           &s.tableName,
		Item:                item,
		ConditionExpression: aws.String("attribute_not_exists(product_id)"),
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return nil, ErrAlreadyExists
		}
		return nil, fmt.Errorf("put item: %w", err)
	}
	return &p, nil
}

// Get fetches a product by id. Returns (nil, nil) if not found.
func (s *Store) Get(ctx context.Context, productID string) (*Product, error) {
	out, err := s.client.GetItem(ctx, &dyn.GetItemInput{
		TableName:      &s.tableName,
		Key:            key(productID),
		ConsistentRead: boolPtr(true),
	})
	if err != nil {
		return nil, fmt.Errorf("get item: %w", err)
	}
	if len(out.Item) == 0 {
		return nil, nil
	}
	var p Product
	if err := attributevalue.UnmarshalMap(out.Item, &p); err != nil {
		return nil, fmt.Errorf("unmarshal product: %w", err)
	}
	return &p, nil
}

// SetVoteCount stores count on the product if it is larger than the stored
// value. It reports whether the stored count advanced; a concurrent writer
// that already stored a larger count makes this a no-op.
func (s *Store) SetVoteCount(ctx context.Context, productID string, count int) (bool, error) {
	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:        &s.tableName,
		Key:              key(productID),
		UpdateExpression: aws.String("SET vote_count = :c, updated_at = :ua"),
		ConditionExpression: aws.String(
			"attribute_exists(product_id) AND vote_count < :c"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":c":  number(int64(count)),
			":ua": s.timestamp(),
		},
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return false, nil
		}
		return false, fmt.Errorf("update vote count: %w", err)
	}
	return true, nil
}

// BeginPayout is the exactly-once gate: it moves the product from none to
// pending and records the idempotency key used for the provider submission.
// Only one caller can ever succeed; the rest get ErrStatusMismatch.
func (s *Store) BeginPayout(ctx context.Context, productID, idempotencyKey string) error {
	return s.transition(ctx, productID, PayoutNone, PayoutPending,
		"payout_idempotency_key = :k",
		map[string]types.AttributeValue{":k": &types.AttributeValueMemberS{Value: idempotencyKey}},
		"")
}

// ClaimPayout marks a pending payout as being submitted. It succeeds once per
// idempotency key, which keeps redelivered jobs from submitting twice.
func (s *Store) ClaimPayout(ctx context.Context, productID, idempotencyKey string, at time.Time) error {
	return s.transition(ctx, productID, PayoutPending, PayoutPending,
		"payout_claimed_at = :at",
		map[string]types.AttributeValue{
			":at": number(at.UnixMilli()),
			":k":  &types.AttributeValueMemberS{Value: idempotencyKey},
		},
		"payout_idempotency_key = :k AND attribute_not_exists(payout_claimed_at)")
}

// ReclaimPayout takes over a claim that was recorded at prev and never
// resolved. Only one caller can take over a given claim.
func (s *Store) ReclaimPayout(ctx context.Context, productID, idempotencyKey string, prev, at time.Time) error {
	return s.transition(ctx, productID, PayoutPending, PayoutPending,
		"payout_claimed_at = :at",
		map[string]types.AttributeValue{
			":at":   number(at.UnixMilli()),
			":prev": number(prev.UnixMilli()),
			":k":    &types.AttributeValueMemberS{Value: idempotencyKey},
		},
		"payout_idempotency_key = :k AND payout_claimed_at = :prev")
}

// CompletePayout moves a pending payout to paid and stores the receipt.
func (s *Store) CompletePayout(ctx context.Context, productID string, receipt json.RawMessage) error {
	if len(receipt) == 0 {
		receipt = json.RawMessage(`{}`)
	}
	return s.transition(ctx, productID, PayoutPending, PayoutPaid,
		"payout_data = :pd, payout_settled_at = :ua",
		map[string]types.AttributeValue{":pd": &types.AttributeValueMemberB{Value: receipt}},
		"")
}

// FailPayout moves a pending payout to failed, recording a short reason.
func (s *Store) FailPayout(ctx context.Context, productID, reason string) error {
	return s.transition(ctx, productID, PayoutPending, PayoutFailed,
		"payout_error = :e, payout_settled_at = :ua",
		map[string]types.AttributeValue{":e": &types.AttributeValueMemberS{Value: reason}},
		"")
}

// transition conditionally updates payout_status from expected -> next,
// applying extraSet in the same write. Returns ErrStatusMismatch if the
// condition failed.
func (s *Store) transition(ctx context.Context, productID, expected, next, extraSet string, values map[string]types.AttributeValue, extraCond string) error {
	updateExpr := "SET #s = :new, updated_at = :ua"
	if extraSet != "" {
		updateExpr += ", " + extraSet
	}
	cond := "#s = :expected"
	if extraCond != "" {
		cond += " AND " + extraCond
	}

	attrs := map[string]types.AttributeValue{
		":new":      &types.AttributeValueMemberS{Value: next},
		":expected": &types.AttributeValueMemberS{Value: expected},
		":ua":       s.timestamp(),
	}
	for k, v := range values {
		attrs[k] = v
	}

	_, err := s.client.UpdateItem(ctx, &dyn.UpdateItemInput{
		TableName:                 &s.tableName,
		Key:                       key(productID),
		UpdateExpression:          &updateExpr,
		ConditionExpression:       &cond,
		ExpressionAttributeNames:  map[string]string{"#s": "payout_status"},
		ExpressionAttributeValues: attrs,
	})
	if err != nil {
		if aws.IsConditionalCheckFailed(err) {
			return ErrStatusMismatch
		}
		return fmt.Errorf("update payout status %s -> %s: %w", expected, next, err)
	}
	return nil
}

func (s *Store) timestamp() types.AttributeValue {
	return &types.AttributeValueMemberS{Value: s.nowFunc().UTC().Format(time.RFC3339)}
}

func key(productID string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"product_id": &types.AttributeValueMemberS{Value: productID},
	}
}

func number(n int64) types.AttributeValue {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(n, 10)}
}

func boolPtr(b bool) *bool { return &b }
