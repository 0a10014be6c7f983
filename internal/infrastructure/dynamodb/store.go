// Package dynamodb implements the store on a DynamoDB table keyed by (pk, sk).
package dynamodb

import (
	"context"
	"errors"
	"fmt"
	"strconv"

	"github.com/Zhima-Mochi/macguffin-orders/internal/domain/store"
	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
)

// API is the part of *dynamodb.Client the store uses.
type API interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, opts ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

var _ API = (*dynamodb.Client)(nil)

type Config struct {
	Table    string
	Region   string
	Endpoint string // Optional custom endpoint (DynamoDB Local, LocalStack)
}

func NewClient(ctx context.Context, cfg Config) (*dynamodb.Client, error) {
	awsCfg, err := config.LoadDefaultConfig(ctx, config.WithRegion(cfg.Region))
	if err != nil {
		return nil, fmt.Errorf("dynamodb: load aws config: %w", err)
	}
	return dynamodb.NewFromConfig(awsCfg, func(o *dynamodb.Options) {
		if cfg.Endpoint != "" {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		}
	}), nil
}

type Store struct {
	api   API
	table string
}

var _ store.Repository = (*Store)(nil)

func NewStore(api API, table string) *Store {
	return &Store{api: api, table: table}
}

func keyAttrs(k store.Key) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		store.AttrPK: &types.AttributeValueMemberS{Value: k.PK},
		store.AttrSK: &types.AttributeValueMemberS{Value: k.SK},
	}
}

func decode(item map[string]types.AttributeValue) (store.Record, error) {
	var r map[string]any
	if err := attributevalue.UnmarshalMap(item, &r); err != nil {
		return nil, fmt.Errorf("dynamodb: unmarshal item: %w", err)
	}
	return store.Record(r), nil
}

func (s *Store) Get(ctx context.Context, key store.Key) (store.Record, error) {
	out, err := s.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(s.table),
		Key:            keyAttrs(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamodb: get %s: %w", key, err)
	}
	if out.Item == nil {
		return nil, store.ErrNotFound
	}
	return decode(out.Item)
}

func (s *Store) Put(ctx context.Context, rec store.Record) error {
	return s.put(ctx, rec, nil)
}

// Create writes rec only when no record with the same key exists.
func (s *Store) Create(ctx context.Context, rec store.Record) error {
	return s.put(ctx, rec, aws.String("attribute_not_exists(#pk)"))
}

func (s *Store) put(ctx context.Context, rec store.Record, cond *string) error {
	if !rec.Key().Valid() {
		return store.ErrInvalidRecord
	}
	item, err := attributevalue.MarshalMap(map[string]any(rec))
	if err != nil {
		return fmt.Errorf("dynamodb: marshal item: %w", err)
	}
	in := &dynamodb.PutItemInput{
		TableName: aws.String(s.table),
		Item:      item,
	}
	if cond != nil {
		in.ConditionExpression = cond
		in.ExpressionAttributeNames = map[string]string{"#pk": store.AttrPK}
	}
	if _, err := s.api.PutItem(ctx, in); err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			return store.ErrConflict
		}
		return fmt.Errorf("dynamodb: put %s: %w", rec.Key(), err)
	}
	return nil
}

var comparators = map[store.Op]string{
	store.OpLT: "<",
	store.OpLE: "<=",
	store.OpEQ: "=",
	store.OpNE: "<>",
	store.OpGE: ">=",
	store.OpGT: ">",
}

// UpdateInput renders u as an atomic ADD guarded by the record's existence and u's condition.
func (s *Store) UpdateInput(key store.Key, u store.Update) (*dynamodb.UpdateItemInput, error) {
	names := map[string]string{"#pk": store.AttrPK, "#f": u.Field}
	values := map[string]types.AttributeValue{
		":delta": &types.AttributeValueMemberN{Value: strconv.FormatInt(u.Delta, 10)},
	}
	cond := "attribute_exists(#pk)"
	if u.Condition.Field != "" {
		cmp, ok := comparators[u.Condition.Op]
		if !ok {
			return nil, fmt.Errorf("store: unsupported operator %q", string(u.Condition.Op))
		}
		names["#c"] = u.Condition.Field
		values[":cond"] = &types.AttributeValueMemberN{Value: strconv.FormatInt(u.Condition.Value, 10)}
		cond += " AND #c " + cmp + " :cond"
	}
	return &dynamodb.UpdateItemInput{
		TableName:                           aws.String(s.table),
		Key:                                 keyAttrs(key),
		UpdateExpression:                    aws.String("ADD #f :delta"),
		ConditionExpression:                 aws.String(cond),
		ExpressionAttributeNames:            names,
		ExpressionAttributeValues:           values,
		ReturnValues:                        types.ReturnValueAllNew,
		ReturnValuesOnConditionCheckFailure: types.ReturnValuesOnConditionCheckFailureAllOld,
	}, nil
}

func (s *Store) ConditionalUpdate(ctx context.Context, key store.Key, u store.Update) (store.Record, error) {
	in, err := s.UpdateInput(key, u)
	if err != nil {
		return nil, err
	}
	out, err := s.api.UpdateItem(ctx, in)
	if err != nil {
		var ccf *types.ConditionalCheckFailedException
		if errors.As(err, &ccf) {
			if len(ccf.Item) == 0 {
				return nil, store.ErrNotFound
			}
			return nil, store.ErrConditionFailed
		}
		return nil, fmt.Errorf("dynamodb: update %s: %w", key, err)
	}
	return decode(out.Attributes)
}
