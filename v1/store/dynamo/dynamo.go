// Package dynamo provides a mutex.Store backed by an Amazon DynamoDB table.
//
// Every lock is one item keyed by the string attribute "key" and carrying
// "status" (S) and "updatedAt" (N, milliseconds). Conditional writes are a
// single UpdateItem whose ConditionExpression is built from the mutex
// condition tree with the expression builder, so grouping is explicit and
// reserved words are escaped through placeholders.
package dynamo

import (
	"context"
	stdErrors "errors"
	"fmt"
	"log/slog"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/expression"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"

	mutexerrors "github.com/mirkobrombin/go-mutex/v1/errors"
	"github.com/mirkobrombin/go-mutex/v1/mutex"
)

const (
	attrKey       = "key"
	attrStatus    = "status"
	attrUpdatedAt = "updatedAt"

	defaultDynamoOpTimeout = 10 * time.Second
)

// ErrUnsupportedCondition is returned for condition trees DynamoDB cannot
// express, such as an empty All or Any.
var ErrUnsupportedCondition = stdErrors.New("dynamo: unsupported condition")

// API is the subset of the DynamoDB client used by Store.
type API interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	CreateTable(ctx context.Context, params *dynamodb.CreateTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.CreateTableOutput, error)
	DescribeTable(ctx context.Context, params *dynamodb.DescribeTableInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DescribeTableOutput, error)
}

// Store implements mutex.Store on DynamoDB.
type Store struct {
	client  API
	table   string
	timeout time.Duration

	onDemand      bool
	readCapacity  int64
	writeCapacity int64
	waitActive    time.Duration
}

// Option configures a Store.
type Option func(*Store)

// WithTableName overrides the table name. It defaults to mutex.DefaultTableName.
func WithTableName(name string) Option {
	return func(s *Store) {
		s.table = name
	}
}

// WithTimeout sets the per request timeout.
func WithTimeout(d time.Duration) Option {
	return func(s *Store) {
		s.timeout = d
	}
}

// WithThroughput sets the provisioned capacity used by Provision. It
// defaults to one read and one write unit.
func WithThroughput(read, write int64) Option {
	return func(s *Store) {
		s.onDemand = false
		s.readCapacity = read
		s.writeCapacity = write
	}
}

// WithOnDemand makes Provision create a PAY_PER_REQUEST table.
func WithOnDemand() Option {
	return func(s *Store) {
		s.onDemand = true
	}
}

// WithWaitForActive makes Provision wait up to d for the table to become
// ACTIVE. Zero, the default, returns as soon as CreateTable is accepted.
func WithWaitForActive(d time.Duration) Option {
	return func(s *Store) {
		s.waitActive = d
	}
}

// New returns a Store using client, typically a *dynamodb.Client.
func New(client API, opts ...Option) *Store {
	s := &Store{
		client:        client,
		table:         mutex.DefaultTableName,
		timeout:       defaultDynamoOpTimeout,
		readCapacity:  1,
		writeCapacity: 1,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Table returns the table name.
func (s *Store) Table() string {
	return s.table
}

// Update implements mutex.Store.Update with a conditional UpdateItem
// returning ALL_OLD attributes.
func (s *Store) Update(ctx context.Context, key string, cond mutex.Condition, next mutex.Record) (mutex.Record, error) {
	input, err := s.updateInput(key, cond, next)
	if err != nil {
		return mutex.Record{}, err
	}
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	out, err := s.client.UpdateItem(cctx, input)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if stdErrors.As(err, &ccf) {
			// an item the guard rejected may be one that does not decode
			if _, derr := decode(ccf.Item); derr != nil {
				return mutex.Record{}, derr
			}
			return mutex.Record{}, mutexerrors.ErrConditionFailed
		}
		return mutex.Record{}, s.mapErr("UpdateItem", err)
	}
	return decode(out.Attributes)
}

func (s *Store) updateInput(key string, cond mutex.Condition, next mutex.Record) (*dynamodb.UpdateItemInput, error) {
	cb, err := buildCondition(cond)
	if err != nil {
		return nil, err
	}
	update := expression.
		Set(expression.Name(attrStatus), expression.Value(string(next.Status))).
		Set(expression.Name(attrUpdatedAt), expression.Value(next.UpdatedAt))
	expr, err := expression.NewBuilder().WithCondition(cb).WithUpdate(update).Build()
	if err != nil {
		return nil, fmt.Errorf("dynamo: build expression: %w", err)
	}
	return &dynamodb.UpdateItemInput{
		TableName: aws.String(s.table),
		Key: map[string]types.AttributeValue{
			attrKey: &types.AttributeValueMemberS{Value: key},
		},
		ConditionExpression:       expr.Condition(),
		UpdateExpression:          expr.Update(),
		ExpressionAttributeNames:  expr.Names(),
		ExpressionAttributeValues: expr.Values(),
		ReturnValues:              types.ReturnValueAllOld,

		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}, nil
}

// buildCondition translates a mutex condition tree node by node. And / Or
// builders parenthesise every operand, preserving the tree's grouping.
func buildCondition(c mutex.Condition) (expression.ConditionBuilder, error) {
	switch c := c.(type) {
	case mutex.Absent:
		return expression.AttributeNotExists(expression.Name(attrStatus)), nil
	case mutex.StatusIs:
		return expression.Name(attrStatus).Equal(expression.Value(string(c.Status))), nil
	case mutex.UpdatedAtMost:
		return expression.Name(attrUpdatedAt).LessThanEqual(expression.Value(c.Millis)), nil
	case mutex.All:
		return buildJunction(c, expression.And)
	case mutex.Any:
		return buildJunction(c, expression.Or)
	}
	return expression.ConditionBuilder{}, fmt.Errorf("%w: %T", ErrUnsupportedCondition, c)
}

func buildJunction(operands []mutex.Condition, join func(l, r expression.ConditionBuilder, other ...expression.ConditionBuilder) expression.ConditionBuilder) (expression.ConditionBuilder, error) {
	if len(operands) == 0 {
		return expression.ConditionBuilder{}, fmt.Errorf("%w: empty junction", ErrUnsupportedCondition)
	}
	built := make([]expression.ConditionBuilder, 0, len(operands))
	for _, op := range operands {
		cb, err := buildCondition(op)
		if err != nil {
			return expression.ConditionBuilder{}, err
		}
		built = append(built, cb)
	}
	if len(built) == 1 {
		return built[0], nil
	}
	return join(built[0], built[1], built[2:]...), nil
}

// decode reads the ALL_OLD attributes. No attributes at all means the item
// did not exist.
func decode(attrs map[string]types.AttributeValue) (mutex.Record, error) {
	rawStatus, hasStatus := attrs[attrStatus]
	rawUpdatedAt, hasUpdatedAt := attrs[attrUpdatedAt]
	if !hasStatus && !hasUpdatedAt {
		return mutex.Record{}, nil
	}
	if !hasStatus || !hasUpdatedAt {
		return mutex.Record{}, fmt.Errorf("%w: status and updatedAt must be set together", mutexerrors.ErrMalformedRecord)
	}
	sv, ok := rawStatus.(*types.AttributeValueMemberS)
	if !ok {
		return mutex.Record{}, fmt.Errorf("%w: status is %T", mutexerrors.ErrMalformedRecord, rawStatus)
	}
	nv, ok := rawUpdatedAt.(*types.AttributeValueMemberN)
	if !ok {
		return mutex.Record{}, fmt.Errorf("%w: updatedAt is %T", mutexerrors.ErrMalformedRecord, rawUpdatedAt)
	}
	status, err := mutex.ParseStatus(sv.Value)
	if err != nil {
		return mutex.Record{}, err
	}
	updatedAt, err := strconv.ParseInt(nv.Value, 10, 64)
	if err != nil {
		return mutex.Record{}, fmt.Errorf("%w: updatedAt %q", mutexerrors.ErrMalformedRecord, nv.Value)
	}
	return mutex.Record{Status: status, UpdatedAt: updatedAt}, nil
}

// Provision implements mutex.Store.Provision. An existing table is accepted
// as is.
func (s *Store) Provision(ctx context.Context) error {
	cctx, cancel := context.WithTimeout(ctx, s.timeout)
	defer cancel()

	_, err := s.client.CreateTable(cctx, s.createTableInput())
	if err != nil {
		var inUse *types.ResourceInUseException
		if !stdErrors.As(err, &inUse) {
			return s.mapErr("CreateTable", err)
		}
		slog.Debug("mutex: table already exists", "table", s.table)
	}
	if s.waitActive <= 0 {
		return nil
	}
	waiter := dynamodb.NewTableExistsWaiter(s.client)
	if err := waiter.Wait(ctx, &dynamodb.DescribeTableInput{TableName: aws.String(s.table)}, s.waitActive); err != nil {
		return fmt.Errorf("dynamo: wait for table %s: %w", s.table, err)
	}
	return nil
}

func (s *Store) createTableInput() *dynamodb.CreateTableInput {
	input := &dynamodb.CreateTableInput{
		TableName: aws.String(s.table),
		AttributeDefinitions: []types.AttributeDefinition{{
			AttributeName: aws.String(attrKey),
			AttributeType: types.ScalarAttributeTypeS,
		}},
		KeySchema: []types.KeySchemaElement{{
			AttributeName: aws.String(attrKey),
			KeyType:       types.KeyTypeHash,
		}},
	}
	if s.onDemand {
		input.BillingMode = types.BillingModePayPerRequest
		return input
	}
	input.BillingMode = types.BillingModeProvisioned
	input.ProvisionedThroughput = &types.ProvisionedThroughput{
		ReadCapacityUnits:  aws.Int64(s.readCapacity),
		WriteCapacityUnits: aws.Int64(s.writeCapacity),
	}
	return input
}

func (s *Store) mapErr(op string, err error) error {
	if stdErrors.Is(err, context.DeadlineExceeded) {
		return mutexerrors.ErrTimeout
	}
	var apiErr smithy.APIError
	if stdErrors.As(err, &apiErr) {
		slog.Warn("mutex: dynamodb request failed", "op", op, "table", s.table, "code", apiErr.ErrorCode(), "error", apiErr.ErrorMessage())
	}
	return err
}
