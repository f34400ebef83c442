// Package dynamodb stores idempotency entries in a DynamoDB table so several
// intake instances share one key space.
//
// The table's partition key is the string attribute "idempotency_key". Enable
// DynamoDB TTL on "expires_at" to let the table evict entries on its own; Sweep
// remains available for tables without TTL.
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/aws/smithy-go"
	"github.com/louisbranch/donations/internal/services/intake/idempotency"
)

const (
	keyAttr = "idempotency_key"
	// reserveAttempts bounds the reserve/read loop when the entry is evicted
	// between a failed conditional put and the follow-up read.
	reserveAttempts = 3
)

// API is the subset of the DynamoDB client used by Store.
type API interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Scan(ctx context.Context, params *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
}

// Options configures a Store.
type Options struct {
	Table          string
	PendingTimeout time.Duration
	// Retention sets expires_at relative to creation.
	Retention time.Duration
}

// item is the table row.
type item struct {
	Key         string `dynamodbav:"idempotency_key"`
	Fingerprint string `dynamodbav:"fingerprint"`
	State       string `dynamodbav:"state"`
	Response    []byte `dynamodbav:"response,omitempty"`
	CreatedAt   int64  `dynamodbav:"created_at"`
	UpdatedAt   int64  `dynamodbav:"updated_at"`
	ExpiresAt   int64  `dynamodbav:"expires_at"`
}

func (i item) entry() idempotency.Entry {
	return idempotency.Entry{
		Key:         i.Key,
		Fingerprint: i.Fingerprint,
		State:       idempotency.State(i.State),
		Response:    i.Response,
		CreatedAt:   time.UnixMilli(i.CreatedAt).UTC(),
		UpdatedAt:   time.UnixMilli(i.UpdatedAt).UTC(),
	}
}

// Store is a DynamoDB-backed idempotency store.
type Store struct {
	client API
	opts   Options
}

// NewClient loads the default AWS configuration for region. A non-empty
// endpoint overrides the service URL, for local DynamoDB.
func NewClient(ctx context.Context, region, endpoint string) (*dynamodb.Client, error) {
	var loadOpts []func(*awsconfig.LoadOptions) error
	if strings.TrimSpace(region) != "" {
		loadOpts = append(loadOpts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, loadOpts...)
	if err != nil {
		return nil, fmt.Errorf("load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(cfg, func(o *dynamodb.Options) {
		if strings.TrimSpace(endpoint) != "" {
			o.BaseEndpoint = aws.String(endpoint)
		}
	}), nil
}

// New builds a store over client.
func New(client API, opts Options) (*Store, error) {
	if client == nil {
		return nil, fmt.Errorf("dynamodb client is required")
	}
	if strings.TrimSpace(opts.Table) == "" {
		return nil, fmt.Errorf("table name is required")
	}
	if opts.PendingTimeout <= 0 {
		opts.PendingTimeout = idempotency.DefaultPendingTimeout
	}
	if opts.Retention <= 0 {
		opts.Retention = idempotency.DefaultRetention
	}
	return &Store{client: client, opts: opts}, nil
}

// Close is a no-op; the SDK client holds no resources needing release.
func (s *Store) Close() error {
	return nil
}

// Reserve writes a pending row unless a live row already exists, using a
// conditional put so concurrent instances cannot both win.
func (s *Store) Reserve(ctx context.Context, key, fingerprint string, now time.Time) (idempotency.Entry, bool, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Entry{}, false, err
	}
	if strings.TrimSpace(key) == "" {
		return idempotency.Entry{}, false, fmt.Errorf("idempotency key is required")
	}

	pending := idempotency.NewPending(key, fingerprint, now)
	row, err := attributevalue.MarshalMap(item{
		Key:         key,
		Fingerprint: fingerprint,
		State:       string(idempotency.StatePending),
		CreatedAt:   pending.CreatedAt.UnixMilli(),
		UpdatedAt:   pending.UpdatedAt.UnixMilli(),
		ExpiresAt:   pending.CreatedAt.Add(s.opts.Retention).Unix(),
	})
	if err != nil {
		return idempotency.Entry{}, false, fmt.Errorf("marshal entry: %w", err)
	}
	staleBefore := now.Add(-s.opts.PendingTimeout).UnixMilli()

	for range reserveAttempts {
		_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
			TableName:           aws.String(s.opts.Table),
			Item:                row,
			ConditionExpression: aws.String("attribute_not_exists(#key) OR (#state = :pending AND updated_at <= :stale)"),
			ExpressionAttributeNames: map[string]string{
				"#key":   keyAttr,
				"#state": "state",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pending": &types.AttributeValueMemberS{Value: string(idempotency.StatePending)},
				":stale":   &types.AttributeValueMemberN{Value: strconv.FormatInt(staleBefore, 10)},
			},
		})
		if err == nil {
			return pending, true, nil
		}
		if !isConditionFailed(err) {
			return idempotency.Entry{}, false, fmt.Errorf("reserve %s: %w", key, err)
		}

		existing, getErr := s.Get(ctx, key)
		if errors.Is(getErr, idempotency.ErrNotFound) {
			continue
		}
		if getErr != nil {
			return idempotency.Entry{}, false, getErr
		}
		ok, decideErr := idempotency.Decide(&existing, fingerprint, now, s.opts.PendingTimeout)
		if decideErr != nil {
			return existing, false, decideErr
		}
		if !ok {
			return existing, false, nil
		}
	}
	return idempotency.Entry{}, false, fmt.Errorf("reserve %s: entry changed concurrently", key)
}

// Complete stores response when the row is still the caller's reservation.
func (s *Store) Complete(ctx context.Context, key string, reservedAt time.Time, response []byte, now time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(s.opts.Table),
		Key:                 keyOf(key),
		UpdateExpression:    aws.String("SET #state = :completed, #response = :response, updated_at = :now"),
		ConditionExpression: aws.String("#state = :pending AND created_at = :reserved"),
		ExpressionAttributeNames: map[string]string{
			"#state":    "state",
			"#response": "response",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":completed": &types.AttributeValueMemberS{Value: string(idempotency.StateCompleted)},
			":pending":   &types.AttributeValueMemberS{Value: string(idempotency.StatePending)},
			":reserved":  millis(reservedAt),
			":response":  &types.AttributeValueMemberB{Value: response},
			":now":       millis(now),
		},
	})
	if err != nil {
		if isConditionFailed(err) {
			return idempotency.ErrNotPending
		}
		return fmt.Errorf("complete %s: %w", key, err)
	}
	return nil
}

// Release deletes the row when it is still the caller's reservation.
func (s *Store) Release(ctx context.Context, key string, reservedAt time.Time) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           aws.String(s.opts.Table),
		Key:                 keyOf(key),
		ConditionExpression: aws.String("#state = :pending AND created_at = :reserved"),
		ExpressionAttributeNames: map[string]string{
			"#state": "state",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pending":  &types.AttributeValueMemberS{Value: string(idempotency.StatePending)},
			":reserved": millis(reservedAt),
		},
	})
	if err != nil && !isConditionFailed(err) {
		return fmt.Errorf("release %s: %w", key, err)
	}
	return nil
}

// Get reads the row with strong consistency.
func (s *Store) Get(ctx context.Context, key string) (idempotency.Entry, error) {
	if err := ctx.Err(); err != nil {
		return idempotency.Entry{}, err
	}
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.opts.Table),
		Key:            keyOf(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return idempotency.Entry{}, fmt.Errorf("get %s: %w", key, err)
	}
	if len(out.Item) == 0 {
		return idempotency.Entry{}, idempotency.ErrNotFound
	}
	var row item
	if err := attributevalue.UnmarshalMap(out.Item, &row); err != nil {
		return idempotency.Entry{}, fmt.Errorf("unmarshal entry: %w", err)
	}
	return row.entry(), nil
}

// Sweep scans for rows created before cutoff and deletes them.
func (s *Store) Sweep(ctx context.Context, cutoff time.Time) (int, error) {
	cutoffValue := &types.AttributeValueMemberN{Value: strconv.FormatInt(cutoff.UTC().UnixMilli(), 10)}
	removed := 0
	var startKey map[string]types.AttributeValue
	for {
		if err := ctx.Err(); err != nil {
			return removed, err
		}
		out, err := s.client.Scan(ctx, &dynamodb.ScanInput{
			TableName:                 aws.String(s.opts.Table),
			FilterExpression:          aws.String("created_at < :cutoff"),
			ProjectionExpression:      aws.String("#key"),
			ExpressionAttributeNames:  map[string]string{"#key": keyAttr},
			ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoffValue},
			ExclusiveStartKey:         startKey,
		})
		if err != nil {
			return removed, fmt.Errorf("scan expired entries: %w", err)
		}
		for _, row := range out.Items {
			_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
				TableName:                 aws.String(s.opts.Table),
				Key:                       map[string]types.AttributeValue{keyAttr: row[keyAttr]},
				ConditionExpression:       aws.String("created_at < :cutoff"),
				ExpressionAttributeValues: map[string]types.AttributeValue{":cutoff": cutoffValue},
			})
			if err != nil {
				if isConditionFailed(err) {
					continue
				}
				return removed, fmt.Errorf("delete expired entry: %w", err)
			}
			removed++
		}
		startKey = out.LastEvaluatedKey
		if len(startKey) == 0 {
			return removed, nil
		}
	}
}

func keyOf(key string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		keyAttr: &types.AttributeValueMemberS{Value: key},
	}
}

func millis(t time.Time) *types.AttributeValueMemberN {
	return &types.AttributeValueMemberN{Value: strconv.FormatInt(t.UTC().UnixMilli(), 10)}
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var apiErr smithy.APIError
	return errors.As(err, &apiErr) && apiErr.ErrorCode() == "ConditionalCheckFailedException"
}

var _ idempotency.Store = (*Store)(nil)
