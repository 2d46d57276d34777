package objstore

import (
	"context"
	"errors"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	ddbtypes "github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/oklog/ulid/v2"
	"github.com/rotisserie/eris"

	"github.com/sells-group/hallsync/internal/config"
)

// DDBAPI is the subset of the DynamoDB client used by the store.
type DDBAPI interface {
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoDB stores objects as items in a single table keyed by "pk".
// Conditional writes use ConditionExpression on the item's etag.
type DynamoDB struct {
	client    DDBAPI
	tableName string
	now       func() time.Time
}

type ddbObject struct {
	PK        string `dynamodbav:"pk"`
	Data      []byte `dynamodbav:"data"`
	ETag      string `dynamodbav:"etag"`
	UpdatedAt int64  `dynamodbav:"updated_at"`
}

// NewDynamoDB builds a client from the default AWS config chain.
// A configured endpoint points at DynamoDB Local with static credentials.
func NewDynamoDB(ctx context.Context, cfg config.ObjStoreConfig) (*DynamoDB, error) {
	var opts []func(*awsconfig.LoadOptions) error
	if cfg.Region != "" {
		opts = append(opts, awsconfig.WithRegion(cfg.Region))
	}
	if cfg.Endpoint != "" {
		opts = append(opts, awsconfig.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider("local", "local", ""),
		))
	}

	awsCfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, eris.Wrap(err, "objstore: load aws config")
	}

	var clientOpts []func(*dynamodb.Options)
	if cfg.Endpoint != "" {
		clientOpts = append(clientOpts, func(o *dynamodb.Options) {
			o.BaseEndpoint = aws.String(cfg.Endpoint)
		})
	}

	return NewDynamoDBWithClient(dynamodb.NewFromConfig(awsCfg, clientOpts...), cfg.DynamoDBTable), nil
}

// NewDynamoDBWithClient wraps an existing client.
func NewDynamoDBWithClient(client DDBAPI, table string) *DynamoDB {
	return &DynamoDB{client: client, tableName: table, now: time.Now}
}

func (d *DynamoDB) key(key string) map[string]ddbtypes.AttributeValue {
	return map[string]ddbtypes.AttributeValue{
		"pk": &ddbtypes.AttributeValueMemberS{Value: key},
	}
}

// Get reads an item with a strongly consistent read.
func (d *DynamoDB) Get(ctx context.Context, key string) (*Object, error) {
	out, err := d.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      &d.tableName,
		Key:            d.key(key),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, eris.Wrapf(err, "objstore: get %s", key)
	}
	if len(out.Item) == 0 {
		return nil, ErrNotFound
	}

	var item ddbObject
	if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
		return nil, eris.Wrapf(err, "objstore: decode %s", key)
	}
	return &Object{Data: item.Data, ETag: item.ETag, ModTime: time.UnixMilli(item.UpdatedAt)}, nil
}

// Put writes an item subject to cond.
func (d *DynamoDB) Put(ctx context.Context, key string, data []byte, cond Condition) (string, error) {
	item := ddbObject{PK: key, Data: data, ETag: ulid.Make().String(), UpdatedAt: d.now().UnixMilli()}
	av, err := attributevalue.MarshalMap(item)
	if err != nil {
		return "", eris.Wrapf(err, "objstore: encode %s", key)
	}

	input := &dynamodb.PutItemInput{TableName: &d.tableName, Item: av}
	switch {
	case cond.IfAbsent:
		input.ConditionExpression = aws.String("attribute_not_exists(pk)")
	case cond.IfMatch != "":
		input.ConditionExpression = aws.String("#etag = :etag")
		input.ExpressionAttributeNames = map[string]string{"#etag": "etag"}
		input.ExpressionAttributeValues = map[string]ddbtypes.AttributeValue{
			":etag": &ddbtypes.AttributeValueMemberS{Value: cond.IfMatch},
		}
	}

	if _, err := d.client.PutItem(ctx, input); err != nil {
		if isConditionalCheckFailed(err) {
			return "", ErrPreconditionFailed
		}
		return "", eris.Wrapf(err, "objstore: put %s", key)
	}
	return item.ETag, nil
}

// Delete removes an item. Missing items return ErrNotFound.
func (d *DynamoDB) Delete(ctx context.Context, key string) error {
	_, err := d.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName:           &d.tableName,
		Key:                 d.key(key),
		ConditionExpression: aws.String("attribute_exists(pk)"),
	})
	if err != nil {
		if isConditionalCheckFailed(err) {
			return ErrNotFound
		}
		return eris.Wrapf(err, "objstore: delete %s", key)
	}
	return nil
}

// Exists reports whether an item is present.
func (d *DynamoDB) Exists(ctx context.Context, key string) (bool, error) {
	_, err := d.Get(ctx, key)
	if errors.Is(err, ErrNotFound) {
		return false, nil
	}
	return err == nil, err
}

// isConditionalCheckFailed returns true if the error is a DynamoDB ConditionalCheckFailedException.
func isConditionalCheckFailed(err error) bool {
	var ccfe *ddbtypes.ConditionalCheckFailedException
	return errors.As(err, &ccfe)
}
