// Package devicestore applies partial updates to device records in DynamoDB.
package devicestore

import (
	"context"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"
	"github.com/pkg/errors"

	osbackfill "github.com/deviceops/osbackfill"
)

const (
	partitionKeyAttr = "suid"
	sortKeyAttr      = "zid"
	nameAttr         = "name"
	osAttr           = "os"

	sortKeyPrefix = "device#"
)

// DynamoAPI is the subset of the DynamoDB client used by the executor.
type DynamoAPI interface {
	UpdateItem(ctx context.Context, params *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
}

// Client issues one conditional partial update per eligible record. It holds
// no per-run state and is safe for concurrent use.
type Client struct {
	api   DynamoAPI
	table string
}

// New builds a client against the default AWS config chain.
func New(ctx context.Context, table string) (*Client, error) {
	awsCfg, err := awsconfig.LoadDefaultConfig(ctx)
	if err != nil {
		return nil, errors.Wrap(err, "load aws config")
	}
	return NewWithAPI(dynamodb.NewFromConfig(awsCfg), table)
}

// NewWithAPI builds a client around an existing DynamoDB API.
func NewWithAPI(api DynamoAPI, table string) (*Client, error) {
	if api == nil {
		return nil, errors.New("dynamodb api cannot be nil")
	}
	if table == "" {
		return nil, errors.New("table name cannot be empty")
	}
	return &Client{api: api, table: table}, nil
}

type deviceRecordKey struct {
	Suid string `dynamodbav:"suid"`
	Zid  string `dynamodbav:"zid"`
}

// SortKey returns the store sort-key value for a device id.
func SortKey(deviceID string) string {
	return sortKeyPrefix + deviceID
}

// UpdateDeviceOS sets the display name and normalized os fields on the device
// record keyed by (suid, "device#"+zid). The update is idempotent
// (last-writer-wins on identical values) and conditional on the record
// existing, so absent devices are never silently inserted. Errors are
// returned to the caller without retry.
func (c *Client) UpdateDeviceOS(ctx context.Context, key osbackfill.DeviceKey, os osbackfill.OSTag) error {
	avKey, err := attributevalue.MarshalMap(deviceRecordKey{
		Suid: key.PrimaryID,
		Zid:  SortKey(key.DeviceID),
	})
	if err != nil {
		return errors.Wrap(err, "marshal device record key")
	}

	_, err = c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:           aws.String(c.table),
		Key:                 avKey,
		UpdateExpression:    aws.String("SET #name = :name, #os = :os"),
		ConditionExpression: aws.String("attribute_exists(#pk)"),
		ExpressionAttributeNames: map[string]string{
			"#name": nameAttr,
			"#os":   osAttr,
			"#pk":   partitionKeyAttr,
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":name": &types.AttributeValueMemberS{Value: os.DisplayName()},
			":os":   &types.AttributeValueMemberS{Value: os.Normalized()},
		},
	})
	if err != nil {
		return errors.Wrapf(err, "update device %s/%s", key.PrimaryID, key.DeviceID)
	}
	return nil
}
