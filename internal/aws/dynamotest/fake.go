// Package dynamotest provides an in-memory DynamoDB used by unit tests.
//
// It understands the small expression subset the stores issue: conditions
// made of attribute_exists/attribute_not_exists and binary comparisons joined
// by a single kind of connective (all AND or all OR), SET updates whose right
// hand side is a value or `name + value`, and partition-key equality queries.
// Every call is serialized, which mirrors DynamoDB's per-item atomicity.
package dynamotest

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"

	dyn "github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	awsx "github.com/imrishuroy/go-vote-payouts/internal/aws"
)

var _ awsx.DynamoDBAPI = (*Fake)(nil)

type item = map[string]types.AttributeValue

type table struct {
	partitionKey string
	sortKey      string
	items        map[string]item
}

// Fake is an in-memory DynamoDB.
type Fake struct {
	mu     sync.Mutex
	tables map[string]*table
	calls  map[string]int

	// Err, when non-nil, is consulted before every call; a non-nil result is
	// returned to the caller instead of executing the operation.
	Err func(op, table string) error
}

// New returns an empty Fake.
func New() *Fake {
	return &Fake{
		tables: map[string]*table{},
		calls:  map[string]int{},
	}
}

// CreateTable registers a table and its key schema. sortKey may be empty.
func (f *Fake) CreateTable(name, partitionKey, sortKey string) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.tables[name] = &table{partitionKey: partitionKey, sortKey: sortKey, items: map[string]item{}}
}

// Seed stores it as-is, bypassing conditions.
func (f *Fake) Seed(tableName string, it map[string]types.AttributeValue) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.mustTable(tableName)
	k, err := t.keyOf(it)
	if err != nil {
		panic(err)
	}
	t.items[k] = clone(it)
}

// Item returns a copy of the stored item or nil.
func (f *Fake) Item(tableName string, key map[string]types.AttributeValue) map[string]types.AttributeValue {
	f.mu.Lock()
	defer f.mu.Unlock()
	t := f.mustTable(tableName)
	k, err := t.keyOf(key)
	if err != nil {
		panic(err)
	}
	return clone(t.items[k])
}

// Len returns the number of items in a table.
func (f *Fake) Len(tableName string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.mustTable(tableName).items)
}

// Calls returns how many times op was invoked.
func (f *Fake) Calls(op string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls[op]
}

func (f *Fake) PutItem(ctx context.Context, in *dyn.PutItemInput, optFns ...func(*dyn.Options)) (*dyn.PutItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.begin("PutItem", in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Item)
	if err != nil {
		return nil, err
	}
	ok, err := evalCondition(deref(in.ConditionExpression), t.items[k], in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(t.items[k], in.ReturnValuesOnConditionCheckFailure)
	}
	t.items[k] = clone(in.Item)
	return &dyn.PutItemOutput{}, nil
}

func (f *Fake) GetItem(ctx context.Context, in *dyn.GetItemInput, optFns ...func(*dyn.Options)) (*dyn.GetItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.begin("GetItem", in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	return &dyn.GetItemOutput{Item: clone(t.items[k])}, nil
}

func (f *Fake) UpdateItem(ctx context.Context, in *dyn.UpdateItemInput, optFns ...func(*dyn.Options)) (*dyn.UpdateItemOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.begin("UpdateItem", in.TableName)
	if err != nil {
		return nil, err
	}
	k, err := t.keyOf(in.Key)
	if err != nil {
		return nil, err
	}
	old := t.items[k]
	ok, err := evalCondition(deref(in.ConditionExpression), old, in.ExpressionAttributeNames, in.ExpressionAttributeValues)
	if err != nil {
		return nil, err
	}
	if !ok {
		return nil, conditionFailed(old, in.ReturnValuesOnConditionCheckFailure)
	}

	next := clone(old)
	if next == nil {
		next = clone(in.Key)
	}
	if err := applyUpdate(deref(in.UpdateExpression), old, next, in.ExpressionAttributeNames, in.ExpressionAttributeValues); err != nil {
		return nil, err
	}
	t.items[k] = next

	out := &dyn.UpdateItemOutput{}
	if in.ReturnValues == types.ReturnValueAllNew {
		out.Attributes = clone(next)
	}
	return out, nil
}

func (f *Fake) Query(ctx context.Context, in *dyn.QueryInput, optFns ...func(*dyn.Options)) (*dyn.QueryOutput, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, err := f.begin("Query", in.TableName)
	if err != nil {
		return nil, err
	}
	parts := strings.Fields(deref(in.KeyConditionExpression))
	if len(parts) != 3 || parts[1] != "=" {
		return nil, fmt.Errorf("dynamotest: unsupported key condition %q", deref(in.KeyConditionExpression))
	}
	name := resolveName(parts[0], in.ExpressionAttributeNames)
	if name != t.partitionKey {
		return nil, fmt.Errorf("dynamotest: query must target partition key %s", t.partitionKey)
	}
	want, ok := in.ExpressionAttributeValues[parts[2]]
	if !ok {
		return nil, fmt.Errorf("dynamotest: missing value %s", parts[2])
	}

	out := &dyn.QueryOutput{}
	for _, it := range t.items {
		if c, ok := compare(it[name], want); ok && c == 0 {
			out.Count++
			if in.Select != types.SelectCount {
				out.Items = append(out.Items, clone(it))
			}
		}
	}
	return out, nil
}

func (f *Fake) begin(op string, tableName *string) (*table, error) {
	f.calls[op]++
	name := deref(tableName)
	if f.Err != nil {
		if err := f.Err(op, name); err != nil {
			return nil, err
		}
	}
	t, ok := f.tables[name]
	if !ok {
		return nil, &types.ResourceNotFoundException{Message: awsx.String("table not found: " + name)}
	}
	return t, nil
}

func (f *Fake) mustTable(name string) *table {
	t, ok := f.tables[name]
	if !ok {
		panic("dynamotest: unknown table " + name)
	}
	return t
}

func (t *table) keyOf(it item) (string, error) {
	pk, ok := it[t.partitionKey]
	if !ok {
		return "", fmt.Errorf("dynamotest: missing partition key %s", t.partitionKey)
	}
	k := scalar(pk)
	if t.sortKey != "" {
		sk, ok := it[t.sortKey]
		if !ok {
			return "", fmt.Errorf("dynamotest: missing sort key %s", t.sortKey)
		}
		k += "\x00" + scalar(sk)
	}
	return k, nil
}

func conditionFailed(old item, rv types.ReturnValuesOnConditionCheckFailure) error {
	e := &types.ConditionalCheckFailedException{Message: awsx.String("The conditional request failed")}
	if rv == types.ReturnValuesOnConditionCheckFailureAllOld && old != nil {
		e.Item = clone(old)
	}
	return e
}

func evalCondition(expr string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	expr = strings.TrimSpace(expr)
	if expr == "" {
		return true, nil
	}
	if strings.Contains(expr, " OR ") {
		if strings.Contains(expr, " AND ") {
			return false, fmt.Errorf("dynamotest: mixed AND/OR in %q", expr)
		}
		for _, atom := range strings.Split(expr, " OR ") {
			ok, err := evalAtom(atom, it, names, values)
			if err != nil || ok {
				return ok, err
			}
		}
		return false, nil
	}
	for _, atom := range strings.Split(expr, " AND ") {
		ok, err := evalAtom(atom, it, names, values)
		if err != nil || !ok {
			return false, err
		}
	}
	return true, nil
}

func evalAtom(atom string, it item, names map[string]string, values map[string]types.AttributeValue) (bool, error) {
	atom = strings.TrimSpace(atom)
	for _, fn := range []string{"attribute_not_exists(", "attribute_exists("} {
		if strings.HasPrefix(atom, fn) && strings.HasSuffix(atom, ")") {
			name := resolveName(strings.TrimSuffix(strings.TrimPrefix(atom, fn), ")"), names)
			_, present := it[name]
			if fn == "attribute_exists(" {
				return present, nil
			}
			return !present, nil
		}
	}

	parts := strings.Fields(atom)
	if len(parts) != 3 {
		return false, fmt.Errorf("dynamotest: unsupported condition %q", atom)
	}
	current, ok := it[resolveName(parts[0], names)]
	if !ok {
		return false, nil
	}
	want, ok := values[parts[2]]
	if !ok {
		return false, fmt.Errorf("dynamotest: missing value %s", parts[2])
	}
	c, ok := compare(current, want)
	if !ok {
		return false, nil
	}
	switch parts[1] {
	case "=":
		return c == 0, nil
	case "<>":
		return c != 0, nil
	case "<":
		return c < 0, nil
	case "<=":
		return c <= 0, nil
	case ">":
		return c > 0, nil
	case ">=":
		return c >= 0, nil
	}
	return false, fmt.Errorf("dynamotest: unsupported operator %q", parts[1])
}

func applyUpdate(expr string, old, next item, names map[string]string, values map[string]types.AttributeValue) error {
	expr = strings.TrimSpace(expr)
	if !strings.HasPrefix(expr, "SET ") {
		return fmt.Errorf("dynamotest: unsupported update %q", expr)
	}
	for _, assignment := range strings.Split(strings.TrimPrefix(expr, "SET "), ",") {
		lhs, rhs, ok := strings.Cut(assignment, "=")
		if !ok {
			return fmt.Errorf("dynamotest: bad assignment %q", assignment)
		}
		name := resolveName(strings.TrimSpace(lhs), names)
		rhs = strings.TrimSpace(rhs)

		if base, operand, isAdd := strings.Cut(rhs, "+"); isAdd {
			cur, ok := old[resolveName(strings.TrimSpace(base), names)]
			if !ok {
				return errors.New("dynamotest: arithmetic on missing attribute")
			}
			delta, ok := values[strings.TrimSpace(operand)]
			if !ok {
				return fmt.Errorf("dynamotest: missing value %s", operand)
			}
			sum, err := addNumbers(cur, delta)
			if err != nil {
				return err
			}
			next[name] = sum
			continue
		}

		v, ok := values[rhs]
		if !ok {
			return fmt.Errorf("dynamotest: missing value %s", rhs)
		}
		next[name] = v
	}
	return nil
}

func addNumbers(a, b types.AttributeValue) (types.AttributeValue, error) {
	an, aok := a.(*types.AttributeValueMemberN)
	bn, bok := b.(*types.AttributeValueMemberN)
	if !aok || !bok {
		return nil, errors.New("dynamotest: arithmetic on non-number")
	}
	x, err := strconv.ParseFloat(an.Value, 64)
	if err != nil {
		return nil, err
	}
	y, err := strconv.ParseFloat(bn.Value, 64)
	if err != nil {
		return nil, err
	}
	return &types.AttributeValueMemberN{Value: strconv.FormatFloat(x+y, 'f', -1, 64)}, nil
}

// compare orders two scalars of the same type. ok is false for mismatched
// or unsupported types.
func compare(a, b types.AttributeValue) (int, bool) {
	switch av := a.(type) {
	case *types.AttributeValueMemberS:
		bv, ok := b.(*types.AttributeValueMemberS)
		if !ok {
			return 0, false
		}
		return strings.Compare(av.Value, bv.Value), true
	case *types.AttributeValueMemberN:
		bv, ok := b.(*types.AttributeValueMemberN)
		if !ok {
			return 0, false
		}
		x, err1 := strconv.ParseFloat(av.Value, 64)
		y, err2 := strconv.ParseFloat(bv.Value, 64)
		if err1 != nil || err2 != nil {
			return 0, false
		}
		switch {
		case x < y:
			return -1, true
		case x > y:
			return 1, true
		}
		return 0, true
	case *types.AttributeValueMemberB:
		bv, ok := b.(*types.AttributeValueMemberB)
		if !ok {
			return 0, false
		}
		return bytes.Compare(av.Value, bv.Value), true
	}
	return 0, false
}

func scalar(v types.AttributeValue) string {
	switch av := v.(type) {
	case *types.AttributeValueMemberS:
		return av.Value
	case *types.AttributeValueMemberN:
		return av.Value
	case *types.AttributeValueMemberB:
		return string(av.Value)
	}
	return fmt.Sprintf("%v", v)
}

func resolveName(name string, names map[string]string) string {
	name = strings.TrimSpace(name)
	if strings.HasPrefix(name, "#") {
		if real, ok := names[name]; ok {
			return real
		}
	}
	return name
}

func clone(it item) item {
	if it == nil {
		return nil
	}
	out := make(item, len(it))
	for k, v := range it {
		out[k] = v
	}
	return out
}

func deref(s *string) string {
	if s == nil {
		return ""
	}
	return *s
}
