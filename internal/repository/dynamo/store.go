// Package dynamo is a single-table DynamoDB Store. Retention uses the table's
// native TTL on the "ttl" attribute.
package dynamo

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb"
	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/iamasit07/souqchat/internal/domain"
	"github.com/iamasit07/souqchat/internal/repository"
)

// dynamodbAPI is the minimal DynamoDB interface required by Store.
type dynamodbAPI interface {
	GetItem(ctx context.Context, in *dynamodb.GetItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.GetItemOutput, error)
	PutItem(ctx context.Context, in *dynamodb.PutItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.PutItemOutput, error)
	UpdateItem(ctx context.Context, in *dynamodb.UpdateItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.UpdateItemOutput, error)
	DeleteItem(ctx context.Context, in *dynamodb.DeleteItemInput, optFns ...func(*dynamodb.Options)) (*dynamodb.DeleteItemOutput, error)
	Query(ctx context.Context, in *dynamodb.QueryInput, optFns ...func(*dynamodb.Options)) (*dynamodb.QueryOutput, error)
	Scan(ctx context.Context, in *dynamodb.ScanInput, optFns ...func(*dynamodb.Options)) (*dynamodb.ScanOutput, error)
	TransactWriteItems(ctx context.Context, in *dynamodb.TransactWriteItemsInput, optFns ...func(*dynamodb.Options)) (*dynamodb.TransactWriteItemsOutput, error)
}

type Store struct {
	api       dynamodbAPI
	tableName string
	retention repository.Retention
	now       func() time.Time
}

func New(api dynamodbAPI, tableName string, retention repository.Retention) (*Store, error) {
	if api == nil {
		return nil, errors.New("dynamo: api must not be nil")
	}
	if strings.TrimSpace(tableName) == "" {
		return nil, errors.New("dynamo: table name must not be empty")
	}
	return &Store{api: api, tableName: tableName, retention: retention, now: time.Now}, nil
}

func isConditionFailed(err error) bool {
	var ccf *types.ConditionalCheckFailedException
	if errors.As(err, &ccf) {
		return true
	}
	var canceled *types.TransactionCanceledException
	if errors.As(err, &canceled) {
		for _, r := range canceled.CancellationReasons {
			if aws.ToString(r.Code) == "ConditionalCheckFailed" {
				return true
			}
		}
	}
	return false
}

func (st *Store) expired(item map[string]types.AttributeValue) bool {
	ttl, err := intAttr(item, "ttl")
	return err == nil && ttl <= st.now().Unix()
}

// InsertMessage writes the message with its id pointer (and idempotency
// pointer) in one transaction.
func (st *Store) InsertMessage(ctx context.Context, m *domain.Message) error {
	item, err := messageItem(m, st.retention.Message)
	if err != nil {
		return fmt.Errorf("dynamo: InsertMessage encode: %w", err)
	}
	ttl := item["ttl"]
	pointer := func(pk string) map[string]types.AttributeValue {
		return map[string]types.AttributeValue{
			"PK":     s(pk),
			"SK":     s(skMeta),
			"msgPK":  item["PK"],
			"msgSK":  item["SK"],
			"ttl":    ttl,
			"target": s(m.ID),
		}
	}

	puts := []types.TransactWriteItem{
		{Put: &types.Put{
			TableName:           aws.String(st.tableName),
			Item:                item,
			ConditionExpression: aws.String("attribute_not_exists(PK) AND attribute_not_exists(SK)"),
		}},
		{Put: &types.Put{
			TableName:           aws.String(st.tableName),
			Item:                pointer(msgIDPK(m.ID)),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}},
	}
	if m.ClientMessageID != "" {
		puts = append(puts, types.TransactWriteItem{Put: &types.Put{
			TableName:           aws.String(st.tableName),
			Item:                pointer(clientPK(m.SenderID, m.ClientMessageID)),
			ConditionExpression: aws.String("attribute_not_exists(PK)"),
		}})
	}

	if _, err := st.api.TransactWriteItems(ctx, &dynamodb.TransactWriteItemsInput{TransactItems: puts}); err != nil {
		return fmt.Errorf("dynamo: InsertMessage: %w", err)
	}
	return nil
}

func (st *Store) getByPointer(ctx context.Context, pk string) (*domain.Message, error) {
	out, err := st.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName: aws.String(st.tableName),
		Key:       key(pk, skMeta),
	})
	if err != nil {
		return nil, err
	}
	if out == nil || len(out.Item) == 0 || st.expired(out.Item) {
		return nil, nil
	}
	msgPK, err := strAttr(out.Item, "msgPK")
	if err != nil {
		return nil, err
	}
	msgSK, err := strAttr(out.Item, "msgSK")
	if err != nil {
		return nil, err
	}

	msgOut, err := st.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.tableName),
		Key:            key(msgPK, msgSK),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, err
	}
	if msgOut == nil || len(msgOut.Item) == 0 || st.expired(msgOut.Item) {
		return nil, nil
	}
	return itemToMessage(msgOut.Item)
}

func (st *Store) GetMessage(ctx context.Context, id string) (*domain.Message, error) {
	m, err := st.getByPointer(ctx, msgIDPK(id))
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetMessage: %w", err)
	}
	return m, nil
}

func (st *Store) FindByClientID(ctx context.Context, senderID, clientMessageID string) (*domain.Message, error) {
	m, err := st.getByPointer(ctx, clientPK(senderID, clientMessageID))
	if err != nil {
		return nil, fmt.Errorf("dynamo: FindByClientID: %w", err)
	}
	return m, nil
}

func (st *Store) UpdateStatus(ctx context.Context, id string, status domain.MessageStatus, from []domain.MessageStatus, at time.Time) (bool, error) {
	if len(from) == 0 {
		return false, nil
	}
	m, err := st.GetMessage(ctx, id)
	if err != nil || m == nil {
		return false, err
	}

	values := map[string]types.AttributeValue{
		":status": s(string(status)),
		":at":     n(millis(at)),
	}
	placeholders := make([]string, len(from))
	for i, f := range from {
		name := fmt.Sprintf(":f%d", i)
		values[name] = s(string(f))
		placeholders[i] = name
	}

	_, err = st.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName:                 aws.String(st.tableName),
		Key:                       key(convPK(m.ConversationRef), msgSK(m.Seq)),
		UpdateExpression:          aws.String("SET #status = :status, updatedAt = :at"),
		ConditionExpression:       aws.String("#status IN (" + strings.Join(placeholders, ", ") + ")"),
		ExpressionAttributeNames:  map[string]string{"#status": "status"},
		ExpressionAttributeValues: values,
	})
	if isConditionFailed(err) {
		return false, nil
	}
	if err != nil {
		return false, fmt.Errorf("dynamo: UpdateStatus: %w", err)
	}
	return true, nil
}

func (st *Store) ListByConversation(ctx context.Context, ref string, page domain.Page) ([]domain.Message, error) {
	page = page.Normalize()
	lo, hi := page.AfterSeq+1, int64(1<<62)
	if page.BeforeSeq > 0 {
		hi = page.BeforeSeq - 1
	}
	if hi < lo {
		return nil, nil
	}
	forward := page.AfterSeq > 0

	out, err := st.api.Query(ctx, &dynamodb.QueryInput{
		TableName:              aws.String(st.tableName),
		KeyConditionExpression: aws.String("PK = :pk AND SK BETWEEN :lo AND :hi"),
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":pk": s(convPK(ref)),
			":lo": s(msgSK(lo)),
			":hi": s(msgSK(hi)),
		},
		ScanIndexForward: aws.Bool(forward),
		Limit:            aws.Int32(int32(page.Limit)),
		ConsistentRead:   aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListByConversation query: %w", err)
	}

	msgs := make([]domain.Message, 0, len(out.Items))
	for _, item := range out.Items {
		if st.expired(item) {
			continue
		}
		m, err := itemToMessage(item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListByConversation unmarshal: %w", err)
		}
		msgs = append(msgs, *m)
	}
	if !forward {
		for i, j := 0, len(msgs)-1; i < j; i, j = i+1, j-1 {
			msgs[i], msgs[j] = msgs[j], msgs[i]
		}
	}
	return msgs, nil
}

// UpsertConversation reserves the next sequence number with an atomic ADD and
// refreshes both participants' index entries.
func (st *Store) UpsertConversation(ctx context.Context, ref, a, b string, at time.Time) (*domain.Conversation, error) {
	a, b = domain.OrderedParticipants(a, b)
	ttl := at.Add(st.retention.Conversation).Unix()

	out, err := st.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(st.tableName),
		Key:       key(convPK(ref), skMeta),
		UpdateExpression: aws.String("SET #ref = :ref, participantA = if_not_exists(participantA, :a), " +
			"participantB = if_not_exists(participantB, :b), createdAt = if_not_exists(createdAt, :at), " +
			"lastMessageAt = if_not_exists(lastMessageAt, :at), #ttl = if_not_exists(#ttl, :ttl) ADD lastSeq :one"),
		ConditionExpression:      aws.String("attribute_not_exists(PK) OR (participantA = :a AND participantB = :b)"),
		ExpressionAttributeNames: map[string]string{"#ref": "ref", "#ttl": "ttl"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":ref": s(ref),
			":a":   s(a),
			":b":   s(b),
			":at":  n(millis(at)),
			":ttl": n(ttl),
			":one": n(1),
		},
		ReturnValues: types.ReturnValueAllNew,
	})
	if isConditionFailed(err) {
		return nil, domain.ErrNotParticipant
	}
	if err != nil {
		return nil, fmt.Errorf("dynamo: UpsertConversation: %w", err)
	}
	c, err := itemToConversation(out.Attributes, st.now())
	if err != nil {
		return nil, fmt.Errorf("dynamo: UpsertConversation decode: %w", err)
	}

	if at.After(c.LastMessageAt) {
		_, err := st.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
			TableName:                aws.String(st.tableName),
			Key:                      key(convPK(ref), skMeta),
			UpdateExpression:         aws.String("SET lastMessageAt = :at, #ttl = :ttl"),
			ConditionExpression:      aws.String("lastMessageAt < :at"),
			ExpressionAttributeNames: map[string]string{"#ttl": "ttl"},
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":at":  n(millis(at)),
				":ttl": n(ttl),
			},
		})
		if err != nil && !isConditionFailed(err) {
			return nil, fmt.Errorf("dynamo: UpsertConversation touch: %w", err)
		}
		c.LastMessageAt = at
	}
	c.Active = true

	indexTTL := c.LastMessageAt.Add(st.retention.Conversation).Unix()
	for _, user := range []string{a, b} {
		_, err := st.api.PutItem(ctx, &dynamodb.PutItemInput{
			TableName: aws.String(st.tableName),
			Item: map[string]types.AttributeValue{
				"PK":            s(userPK(user)),
				"SK":            s(skPrefixConv + ref),
				"ref":           s(ref),
				"participantA":  s(a),
				"participantB":  s(b),
				"lastSeq":       n(c.LastSeq),
				"lastMessageAt": n(millis(c.LastMessageAt)),
				"createdAt":     n(millis(c.CreatedAt)),
				"ttl":           n(indexTTL),
			},
		})
		if err != nil {
			return nil, fmt.Errorf("dynamo: UpsertConversation index: %w", err)
		}
	}
	return c, nil
}

func (st *Store) GetConversation(ctx context.Context, ref string) (*domain.Conversation, error) {
	out, err := st.api.GetItem(ctx, &dynamodb.GetItemInput{
		TableName:      aws.String(st.tableName),
		Key:            key(convPK(ref), skMeta),
		ConsistentRead: aws.Bool(true),
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetConversation: %w", err)
	}
	if out == nil || len(out.Item) == 0 {
		return nil, nil
	}
	c, err := itemToConversation(out.Item, st.now())
	if err != nil {
		return nil, fmt.Errorf("dynamo: GetConversation decode: %w", err)
	}
	return c, nil
}

func (st *Store) ListActiveConversations(ctx context.Context, userID string, limit int) ([]domain.Conversation, error) {
	items, err := st.queryAll(ctx, userPK(userID), skPrefixConv)
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListActiveConversations: %w", err)
	}
	now := st.now()
	var out []domain.Conversation
	for _, item := range items {
		c, err := itemToConversation(item, now)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListActiveConversations decode: %w", err)
		}
		if c.Active {
			out = append(out, *c)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].LastMessageAt.After(out[j].LastMessageAt) })
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (st *Store) queryAll(ctx context.Context, pk, prefix string) ([]map[string]types.AttributeValue, error) {
	var (
		items []map[string]types.AttributeValue
		start map[string]types.AttributeValue
	)
	for {
		out, err := st.api.Query(ctx, &dynamodb.QueryInput{
			TableName:              aws.String(st.tableName),
			KeyConditionExpression: aws.String("PK = :pk AND begins_with(SK, :prefix)"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":pk":     s(pk),
				":prefix": s(prefix),
			},
			ExclusiveStartKey: start,
			ConsistentRead:    aws.Bool(true),
		})
		if err != nil {
			return nil, err
		}
		items = append(items, out.Items...)
		if len(out.LastEvaluatedKey) == 0 {
			return items, nil
		}
		start = out.LastEvaluatedKey
	}
}

func (st *Store) RegisterDeviceToken(ctx context.Context, d domain.DeviceToken, limit int) ([]string, error) {
	_, err := st.api.UpdateItem(ctx, &dynamodb.UpdateItemInput{
		TableName: aws.String(st.tableName),
		Key:       key(userPK(d.UserID), skPrefixDevice+d.Token),
		UpdateExpression: aws.String("SET userId = :u, #token = :t, platform = :p, locale = :l, " +
			"lastValidatedAt = :v, registeredAt = if_not_exists(registeredAt, :r)"),
		ExpressionAttributeNames: map[string]string{"#token": "token"},
		ExpressionAttributeValues: map[string]types.AttributeValue{
			":u": s(d.UserID),
			":t": s(d.Token),
			":p": s(string(d.Platform)),
			":l": s(d.Locale),
			":v": n(millis(d.LastValidatedAt)),
			":r": n(millis(d.RegisteredAt)),
		},
	})
	if err != nil {
		return nil, fmt.Errorf("dynamo: RegisterDeviceToken: %w", err)
	}
	if limit <= 0 {
		return nil, nil
	}

	devices, err := st.ListDeviceTokens(ctx, d.UserID)
	if err != nil {
		return nil, err
	}
	if len(devices) <= limit {
		return nil, nil
	}
	var evicted []string
	for _, old := range devices[:len(devices)-limit] {
		if err := st.RemoveDeviceToken(ctx, d.UserID, old.Token); err != nil {
			return evicted, err
		}
		evicted = append(evicted, old.Token)
	}
	return evicted, nil
}

func (st *Store) ListDeviceTokens(ctx context.Context, userID string) ([]domain.DeviceToken, error) {
	items, err := st.queryAll(ctx, userPK(userID), skPrefixDevice)
	if err != nil {
		return nil, fmt.Errorf("dynamo: ListDeviceTokens: %w", err)
	}
	out := make([]domain.DeviceToken, 0, len(items))
	for _, item := range items {
		d, err := itemToDevice(item)
		if err != nil {
			return nil, fmt.Errorf("dynamo: ListDeviceTokens decode: %w", err)
		}
		out = append(out, d)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].RegisteredAt.Equal(out[j].RegisteredAt) {
			return out[i].Token < out[j].Token
		}
		return out[i].RegisteredAt.Before(out[j].RegisteredAt)
	})
	return out, nil
}

func (st *Store) RemoveDeviceToken(ctx context.Context, userID, token string) error {
	_, err := st.api.DeleteItem(ctx, &dynamodb.DeleteItemInput{
		TableName: aws.String(st.tableName),
		Key:       key(userPK(userID), skPrefixDevice+token),
	})
	if err != nil {
		return fmt.Errorf("dynamo: RemoveDeviceToken: %w", err)
	}
	return nil
}

// PruneDeviceTokens scans the table for stale registrations. It is meant for the
// hourly cleanup job, not the request path.
func (st *Store) PruneDeviceTokens(ctx context.Context, cutoff time.Time) (int, error) {
	var (
		start   map[string]types.AttributeValue
		removed int
	)
	for {
		out, err := st.api.Scan(ctx, &dynamodb.ScanInput{
			TableName:        aws.String(st.tableName),
			FilterExpression: aws.String("begins_with(SK, :prefix) AND lastValidatedAt < :cutoff"),
			ExpressionAttributeValues: map[string]types.AttributeValue{
				":prefix": s(skPrefixDevice),
				":cutoff": n(millis(cutoff)),
			},
			ExclusiveStartKey: start,
		})
		if err != nil {
			return removed, fmt.Errorf("dynamo: PruneDeviceTokens scan: %w", err)
		}
		for _, item := range out.Items {
			d, err := itemToDevice(item)
			if err != nil {
				continue
			}
			if err := st.RemoveDeviceToken(ctx, d.UserID, d.Token); err != nil {
				return removed, err
			}
			removed++
		}
		if len(out.LastEvaluatedKey) == 0 {
			return removed, nil
		}
		start = out.LastEvaluatedKey
	}
}

var _ repository.Store = (*Store)(nil)
