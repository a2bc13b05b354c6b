package credstore

import (
	"context"
	"fmt"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/feature/dynamodb/attributevalue"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/taskdock/taskdock/cryptox"
)

// DynamoClient is the subset of *dynamodb.Client methods used by DynamoStore.
type DynamoClient interface {
	PutItem(ctx context.Context, params *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	GetItem(ctx context.Context, params *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	DeleteItem(ctx context.Context, params *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
}

// DynamoStore persists the credential in a DynamoDB table, one item per
// engine profile. The access token is encrypted before it is written.
type DynamoStore struct {
	client    DynamoClient
	tableName string
	profileID string
	encryptor cryptox.Encryptor
}

// dynamoRecord is the stored item shape. The token attribute holds the
// encrypted access token.
type dynamoRecord struct {
	ProfileID string `dynamodbav:"profile_id"`
	Record
}

// NewDynamoStore creates a DynamoDB-backed Store for the given profile.
func NewDynamoStore(client DynamoClient, tableName, profileID string, encryptor cryptox.Encryptor) *DynamoStore {
	return &DynamoStore{
		client:    client,
		tableName: tableName,
		profileID: profileID,
		encryptor: encryptor,
	}
}

func (s *DynamoStore) Save(ctx context.Context, rec Record) error {
	encrypted, err := s.encryptor.Encrypt(ctx, rec.AccessToken)
	if err != nil {
		return fmt.Errorf("encrypt access token: %w", err)
	}
	rec.AccessToken = encrypted

	item, err := attributevalue.MarshalMap(dynamoRecord{ProfileID: s.profileID, Record: rec})
	if err != nil {
		return fmt.Errorf("marshal credential record: %w", err)
	}

	_, err = s.client.PutItem(ctx, &dynamodb.PutItemInput{
		TableName: aws.String(s.tableName),
		Item:      item,
	})
	if err != nil {
		return fmt.Errorf("save credential record: %w", err)
	}
	return nil
}

func (s *DynamoStore) Load(ctx context.Context) (Record, error) {
	out, err := s.client.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"profile_id": &types.AttributeValueMemberS{Value: s.profileID},
		},
	})
	if err != nil {
		return Record{}, fmt.Errorf("load credential record: %w", err)
	}
	if out.Item == nil {
		return Record{}, ErrNotFound
	}

	var stored dynamoRecord
	if err := attributevalue.UnmarshalMap(out.Item, &stored); err != nil {
		return Record{}, fmt.Errorf("unmarshal credential record: %w", err)
	}

	token, err := s.encryptor.Decrypt(ctx, stored.AccessToken)
	if err != nil {
		return Record{}, fmt.Errorf("decrypt access token: %w", err)
	}
	stored.Record.AccessToken = token
	return stored.Record, nil
}

func (s *DynamoStore) Clear(ctx context.Context) error {
	_, err := s.client.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(s.tableName),
		Key: map[string]types.AttributeValue{
			"profile_id": &types.AttributeValueMemberS{Value: s.profileID},
		},
	})
	if err != nil {
		return fmt.Errorf("clear credential record: %w", err)
	}
	return nil
}
