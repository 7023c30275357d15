package dbexec

import (
	"context"
	"fmt"
	"sync"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"goa.design/flow/telemetry"
	"goa.design/flow/tools"
)

// DynamoDB operations accepted in DBSpec.Operation.
const (
	OpGetItem    = "get_item"
	OpPutItem    = "put_item"
	OpDeleteItem = "delete_item"
	OpQuery      = "query"
)

type (
	// DynamoClientFactory builds the client for a region. Tests override it
	// to target a local endpoint.
	DynamoClientFactory func(ctx context.Context, region string) (*dynamodb.Client, error)

	// DynamoExecutor runs DynamoDB tools, one client per region.
	DynamoExecutor struct {
		logger  telemetry.Logger
		factory DynamoClientFactory

		mu      sync.Mutex
		clients map[string]*dynamodb.Client
	}
)

// NewDynamo builds the executor. A nil factory uses the default AWS
// credential chain.
func NewDynamo(logger telemetry.Logger, factory DynamoClientFactory) *DynamoExecutor {
	if logger == nil {
		logger = telemetry.NewNoopLogger()
	}
	if factory == nil {
		factory = defaultDynamoFactory
	}
	return &DynamoExecutor{logger: logger, factory: factory, clients: make(map[string]*dynamodb.Client)}
}

func defaultDynamoFactory(ctx context.Context, region string) (*dynamodb.Client, error) {
	opts := []func(*awsconfig.LoadOptions) error{}
	if region != "" {
		opts = append(opts, awsconfig.WithRegion(region))
	}
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, err
	}
	return dynamodb.NewFromConfig(cfg), nil
}

// Execute implements tools.Executor.
func (e *DynamoExecutor) Execute(ctx context.Context, spec *tools.Spec, args map[string]any) (*tools.ExecOutput, error) {
	ds := spec.DB
	if ds.Table == "" {
		return nil, tools.NewError(tools.KindValidation, "dynamodb tool %q needs a table", spec.Name())
	}
	client, err := e.client(ctx, ds.Region)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "building dynamodb client failed")
	}
	switch ds.Operation {
	case OpGetItem, "":
		return e.getItem(ctx, client, ds, args)
	case OpPutItem:
		return e.putItem(ctx, client, ds, args)
	case OpDeleteItem:
		return e.deleteItem(ctx, client, ds, args)
	case OpQuery:
		return e.query(ctx, client, ds, args)
	default:
		return nil, tools.NewError(tools.KindValidation, "unknown dynamodb operation %q", ds.Operation)
	}
}

func (e *DynamoExecutor) getItem(ctx context.Context, client *dynamodb.Client, ds *tools.DBSpec, args map[string]any) (*tools.ExecOutput, error) {
	key, err := marshalSubMap(args, "key")
	if err != nil {
		return nil, err
	}
	out, err := client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(ds.Table),
		Key:       key,
	})
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "dynamodb get_item failed")
	}
	var item map[string]any
	if len(out.Item) > 0 {
		if err := attributevalue.UnmarshalMap(out.Item, &item); err != nil {
			return nil, tools.WrapError(tools.KindExecution, err, "decoding dynamodb item failed")
		}
	}
	return &tools.ExecOutput{
		Content: map[string]any{"item": item, "found": len(out.Item) > 0},
	}, nil
}

func (e *DynamoExecutor) putItem(ctx context.Context, client *dynamodb.Client, ds *tools.DBSpec, args map[string]any) (*tools.ExecOutput, error) {
	item, err := marshalSubMap(args, "item")
	if err != nil {
		return nil, err
	}
	if _, err := client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(ds.Table),
		Item:      item,
	}); err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "dynamodb put_item failed")
	}
	return &tools.ExecOutput{Content: map[string]any{"ok": true}}, nil
}

func (e *DynamoExecutor) deleteItem(ctx context.Context, client *dynamodb.Client, ds *tools.DBSpec, args map[string]any) (*tools.ExecOutput, error) {
	key, err := marshalSubMap(args, "key")
	if err != nil {
		return nil, err
	}
	if _, err := client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(ds.Table),
		Key:       key,
	}); err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "dynamodb delete_item failed")
	}
	return &tools.ExecOutput{Content: map[string]any{"ok": true}}, nil
}

// query expects "key_condition" plus a "values" map whose keys match the
// expression's ":placeholder" names, and an optional "index".
func (e *DynamoExecutor) query(ctx context.Context, client *dynamodb.Client, ds *tools.DBSpec, args map[string]any) (*tools.ExecOutput, error) {
	cond, _ := args["key_condition"].(string)
	if cond == "" {
		return nil, tools.NewError(tools.KindValidation, "dynamodb query needs a key_condition argument")
	}
	values := map[string]types.AttributeValue{}
	if raw, ok := args["values"].(map[string]any); ok {
		for k, v := range raw {
			av, err := attributevalue.Marshal(v)
			if err != nil {
				return nil, tools.WrapError(tools.KindValidation, err, "encoding query value %q failed", k)
			}
			if len(k) == 0 || k[0] != ':' {
				k = ":" + k
			}
			values[k] = av
		}
	}
	input := &dynamodb.QueryInput{
		TableName:                 aws.String(ds.Table),
		KeyConditionExpression:    aws.String(cond),
		ExpressionAttributeValues: values,
	}
	if idx, ok := args["index"].(string); ok && idx != "" {
		input.IndexName = aws.String(idx)
	}
	if ds.MaxRows > 0 {
		input.Limit = aws.Int32(int32(ds.MaxRows))
	}
	out, err := client.Query(ctx, input)
	if err != nil {
		return nil, tools.WrapError(tools.KindExecution, err, "dynamodb query failed")
	}
	items := make([]map[string]any, 0, len(out.Items))
	for _, raw := range out.Items {
		var item map[string]any
		if err := attributevalue.UnmarshalMap(raw, &item); err != nil {
			return nil, tools.WrapError(tools.KindExecution, err, "decoding dynamodb item failed")
		}
		items = append(items, item)
	}
	return &tools.ExecOutput{
		Content: map[string]any{"items": items, "count": len(items)},
	}, nil
}

func (e *DynamoExecutor) client(ctx context.Context, region string) (*dynamodb.Client, error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	if c, ok := e.clients[region]; ok {
		return c, nil
	}
	c, err := e.factory(ctx, region)
	if err != nil {
		return nil, err
	}
	e.clients[region] = c
	return c, nil
}

var _ tools.Executor = (*DynamoExecutor)(nil)

// marshalSubMap encodes args[field] when present (and a map), otherwise the
// whole argument set minus reserved names.
func marshalSubMap(args map[string]any, field string) (map[string]types.AttributeValue, error) {
	src := args
	if sub, ok := args[field].(map[string]any); ok {
		src = sub
	}
	av, err := attributevalue.MarshalMap(src)
	if err != nil {
		return nil, tools.WrapError(tools.KindValidation, err, "encoding dynamodb attributes failed")
	}
	return av, nil
}
