package repository

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"support-agent/internal/domain"
)

const (
	skPrefixMsg = "MSG#"
	skMeta      = "META#"
	ttlDuration = 30 * 24 * time.Hour // 30-day TTL
)

// dynamodbAPI is the minimal DynamoDB interface required by Client.
// Defined here for testability.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

// Client wraps a single DynamoDB table holding all conversation threads.
// Each thread is one partition: MSG# items keyed by sequence number plus one
// META# item carrying the routing state.
type Client struct {
	api       dynamodbAPI
	tableName string
}

// New creates a new repository Client.
func New(api dynamodbAPI, tableName string) (*Client, error) {
	if api == nil {
		return nil, errors.New("repository: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("repository: table name must not be empty")
	}
	return &Client{api: api, tableName: tableName}, nil
}

// threadPK returns the DynamoDB partition key for a thread.
func threadPK(threadID string) string {
	return "THREAD#" + threadID
}

// msgSK returns the zero-padded sort key for message number seq. Padding
// keeps lexicographic order equal to numeric order.
func msgSK(seq int) string {
	return fmt.Sprintf("%s%010d", skPrefixMsg, seq)
}

// ttlValue returns a Unix timestamp 30 days in the future.
func ttlValue() int64 {
	return time.Now().Add(ttlDuration).Unix()
}

// Get loads the thread metadata with a consistent read and all MSG# items in
// chronological order. Unknown threads return a zero state.
func (c *Client) Get(ctx context.Context, threadID string) (domain.ConversationState, error) {
	state := domain.ConversationState{ThreadID: threadID}

	metaOut, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Get meta: %w", err)
	}
	if metaOut == nil || len(metaOut.Item) == 0 {
		return state, nil
	}
	if v, err := strAttr(metaOut.Item, "nextRepresentative"); err == nil {
		state.NextRepresentative = domain.Representative(v)
	}
	state.AwaitingRefund = boolAttr(metaOut.Item, "awaitingRefund")
	state.RefundAuthorized = boolAttr(metaOut.Item, "refundAuthorized")

	queryOut, err := c.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(c.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk":     &types.AttributeValueMemberS{Value: threadPK(threadID)},
			":prefix": &types.AttributeValueMemberS{Value: skPrefixMsg},
		},
		ScanIndexForward: aws.Bool(true),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return domain.ConversationState{}, fmt.Errorf("repository: Get messages: %w", err)
	}

	state.Messages = make([]domain.ChatMessage, 0, len(queryOut.Items))
	for _, item := range queryOut.Items {
		msg, err := itemToMessage(item)
		if err != nil {
			return domain.ConversationState{}, fmt.Errorf("repository: Get unmarshal: %w", err)
		}
		state.Messages = append(state.Messages, msg)
	}
	return state, nil
}

// AppendTurn writes the staged messages and the metadata update in a single
// transaction. The metadata update touches only the message count, routing
// label and refund-wait flag; a concurrent refund authorization on the same
// thread survives untouched. An optimistic condition on messageCount rejects
// the write when another writer appended first.
func (c *Client) AppendTurn(ctx context.Context, threadID string, msgs []domain.ChatMessage, meta domain.TurnMeta) error {
	if len(msgs) == 0 {
		return c.updateMeta(ctx, threadID, meta)
	}

	count, err := c.messageCount(ctx, threadID)
	if err != nil {
		return err
	}

	items := make([]types.TransactWriteItem, 0, len(msgs)+1)
	for i, msg := range msgs {
		items = append(items, types.TransactWriteItem{
			Put: &types.Put{
				TableName:           aws.String(c.tableName),
				Item:                messageItem(threadID, count+i, msg),
				ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
			},
		})
	}
	items = append(items, metaUpdate(c.tableName, threadID, count, count+len(msgs), meta))

	if _, err := c.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: items}); err != nil {
		return fmt.Errorf("repository: AppendTurn: %w", err)
	}
	return nil
}

// SetRefundAuthorized flips the authorization flag on the thread metadata,
// creating the record for threads that have no messages yet.
func (c *Client) SetRefundAuthorized(ctx context.Context, threadID string, authorized bool) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("SET refundAuthorized = :auth, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":auth": &types.AttributeValueMemberBOOL{Value: authorized},
			":ttl":  &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: SetRefundAuthorized: %w", err)
	}
	return nil
}

// messageCount reads the persisted message count with a consistent read.
func (c *Client) messageCount(ctx context.Context, threadID string) (int, error) {
	out, err := c.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return 0, fmt.Errorf("repository: messageCount get item: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return 0, nil
	}
	count, err := intAttr(out.Item, "messageCount")
	if err != nil {
		return 0, fmt.Errorf("repository: messageCount decode: %w", err)
	}
	return count, nil
}

// updateMeta writes a bare metadata update outside a transaction, used for
// turns that stage no messages.
func (c *Client) updateMeta(ctx context.Context, threadID string, meta domain.TurnMeta) error {
	_, err := c.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(c.tableName),
		Key: map[string]types.AttributeValue{
			"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
			"SK": &types.AttributeValueMemberS{Value: skMeta},
		},
		UpdateExpression: aws.String("SET nextRepresentative = :rep, awaitingRefund = :wait, #ttl = :ttl"),
		ExpressionAttributeNames: map[string]string{
			"#ttl": "ttl",
		},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":rep":  &types.AttributeValueMemberS{Value: string(meta.NextRepresentative)},
			":wait": &types.AttributeValueMemberBOOL{Value: meta.AwaitingRefund},
			":ttl":  &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
		},
	})
	if err != nil {
		return fmt.Errorf("repository: updateMeta: %w", err)
	}
	return nil
}

// metaUpdate builds the transactional metadata update for AppendTurn. The
// condition pins the previous message count so concurrent appends fail the
// transaction instead of interleaving.
func metaUpdate(tableName, threadID string, prevCount, newCount int, meta domain.TurnMeta) types.TransactWriteItem {
	condition := "attribute_not_exists(messageCount) OR messageCount = :prev"
	return types.TransactWriteItem{
		Update: &types.Update{
			TableName: aws.String(tableName),
			Key: map[string]types.AttributeValue{
				"PK": &types.AttributeValueMemberS{Value: threadPK(threadID)},
				"SK": &types.AttributeValueMemberS{Value: skMeta},
			},
			UpdateExpression:    aws.String("SET messageCount = :count, nextRepresentative = :rep, awaitingRefund = :wait, #ttl = :ttl"),
			ConditionExpression: aws.String(condition),
			ExpressionAttributeNames: map[string]string{
				"#ttl": "ttl",
			},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prev":  &types.AttributeValueMemberN{Value: strconv.Itoa(prevCount)},
				":count": &types.AttributeValueMemberN{Value: strconv.Itoa(newCount)},
				":rep":   &types.AttributeValueMemberS{Value: string(meta.NextRepresentative)},
				":wait":  &types.AttributeValueMemberBOOL{Value: meta.AwaitingRefund},
				":ttl":   &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
			},
		},
	}
}

// itemToMessage converts a DynamoDB attribute map to a ChatMessage.
func itemToMessage(item map[string]types.AttributeValue) (domain.ChatMessage, error) {
	role, err := strAttr(item, "role")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	content, err := strAttr(item, "content")
	if err != nil {
		return domain.ChatMessage{}, err
	}
	return domain.ChatMessage{Role: role, Content: content}, nil
}

func messageItem(threadID string, seq int, msg domain.ChatMessage) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":      &types.AttributeValueMemberS{Value: threadPK(threadID)},
		"SK":      &types.AttributeValueMemberS{Value: msgSK(seq)},
		"role":    &types.AttributeValueMemberS{Value: msg.Role},
		"content": &types.AttributeValueMemberS{Value: msg.Content},
		"ttl":     &types.AttributeValueMemberN{Value: strconv.FormatInt(ttlValue(), 10)},
	}
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("repository: missing attribute %q", key)
	}
	s, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("repository: attribute %q is not a string", key)
	}
	return s.Value, nil
}

func boolAttr(item map[string]types.AttributeValue, key string) bool {
	v, ok := item[key]
	if !ok {
		return false
	}
	b, ok := v.(*types.AttributeValueMemberBOOL)
	if !ok {
		return false
	}
	return b.Value
}

func intAttr(item map[string]types.AttributeValue, key string) (int, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("repository: missing attribute %q", key)
	}
	n, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("repository: attribute %q is not a number", key)
	}
	parsed, err := strconv.Atoi(n.Value)
	if err != nil {
		return 0, fmt.Errorf("repository: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
