package dynamo

import (
	"encoding/json"
	"fmt"
	"strconv"
	"time"

	"github.com/aws/aws-sdk-go-v2/service/dynamodb/types"

	"github.com/iamasit07/souqchat/internal/domain"
)

// Single table layout:
//
//	CONV#<ref>            META               conversation
//	CONV#<ref>            MSG#<seq>          message
//	MSGID#<id>            META               pointer to the message key
//	CLIENT#<sender>#<cid> META               idempotency pointer
//	USER#<id>             CONV#<ref>         user's conversation index
//	USER#<id>             DEVICE#<token>     device registration
const (
	skMeta         = "META"
	skPrefixMsg    = "MSG#"
	skPrefixConv   = "CONV#"
	skPrefixDevice = "DEVICE#"
)

func convPK(ref string) string          { return "CONV#" + ref }
func msgIDPK(id string) string          { return "MSGID#" + id }
func clientPK(sender, cid string) string { return "CLIENT#" + sender + "#" + cid }
func userPK(userID string) string       { return "USER#" + userID }

// msgSK zero-pads seq so lexical order matches numeric order.
func msgSK(seq int64) string { return fmt.Sprintf("%s%020d", skPrefixMsg, seq) }

func s(v string) types.AttributeValue { return &types.AttributeValueMemberS{Value: v} }
func n(v int64) types.AttributeValue  { return &types.AttributeValueMemberN{Value: strconv.FormatInt(v, 10)} }

func millis(t time.Time) int64 { return t.UnixMilli() }

func fromMillis(v int64) time.Time { return time.UnixMilli(v).UTC() }

func key(pk, sk string) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{"PK": s(pk), "SK": s(sk)}
}

func messageItem(m *domain.Message, ttl time.Duration) (map[string]types.AttributeValue, error) {
	metadata, err := json.Marshal(m.Metadata)
	if err != nil {
		return nil, err
	}
	item := map[string]types.AttributeValue{
		"PK":              s(convPK(m.ConversationRef)),
		"SK":              s(msgSK(m.Seq)),
		"id":              s(m.ID),
		"conversationRef": s(m.ConversationRef),
		"seq":             n(m.Seq),
		"senderId":        s(m.SenderID),
		"recipientId":     s(m.RecipientID),
		"content":         s(m.Content),
		"type":            s(string(m.Type)),
		"status":          s(string(m.Status)),
		"metadata":        s(string(metadata)),
		"redacted":        &types.AttributeValueMemberBOOL{Value: m.Redacted},
		"createdAt":       n(millis(m.CreatedAt)),
		"updatedAt":       n(millis(m.UpdatedAt)),
		"ttl":             n(m.CreatedAt.Add(ttl).Unix()),
	}
	if m.SecondaryContent != "" {
		item["secondaryContent"] = s(m.SecondaryContent)
	}
	if m.ClientMessageID != "" {
		item["clientMessageId"] = s(m.ClientMessageID)
	}
	return item, nil
}

func itemToMessage(item map[string]types.AttributeValue) (*domain.Message, error) {
	var (
		m   domain.Message
		err error
	)
	if m.ID, err = strAttr(item, "id"); err != nil {
		return nil, err
	}
	if m.ConversationRef, err = strAttr(item, "conversationRef"); err != nil {
		return nil, err
	}
	if m.Seq, err = intAttr(item, "seq"); err != nil {
		return nil, err
	}
	if m.SenderID, err = strAttr(item, "senderId"); err != nil {
		return nil, err
	}
	if m.RecipientID, err = strAttr(item, "recipientId"); err != nil {
		return nil, err
	}
	if m.Content, err = strAttr(item, "content"); err != nil {
		return nil, err
	}
	typ, err := strAttr(item, "type")
	if err != nil {
		return nil, err
	}
	status, err := strAttr(item, "status")
	if err != nil {
		return nil, err
	}
	m.Type, m.Status = domain.MessageType(typ), domain.MessageStatus(status)

	created, err := intAttr(item, "createdAt")
	if err != nil {
		return nil, err
	}
	updated, err := intAttr(item, "updatedAt")
	if err != nil {
		return nil, err
	}
	m.CreatedAt, m.UpdatedAt = fromMillis(created), fromMillis(updated)

	m.SecondaryContent, _ = strAttr(item, "secondaryContent") // optional
	m.ClientMessageID, _ = strAttr(item, "clientMessageId")   // optional
	if b, ok := item["redacted"].(*types.AttributeValueMemberBOOL); ok {
		m.Redacted = b.Value
	}
	if raw, _ := strAttr(item, "metadata"); raw != "" {
		if err := json.Unmarshal([]byte(raw), &m.Metadata); err != nil {
			return nil, fmt.Errorf("dynamo: decode metadata of %s: %w", m.ID, err)
		}
	}
	return &m, nil
}

func itemToConversation(item map[string]types.AttributeValue, now time.Time) (*domain.Conversation, error) {
	var (
		c   domain.Conversation
		err error
	)
	if c.Ref, err = strAttr(item, "ref"); err != nil {
		return nil, err
	}
	if c.ParticipantA, err = strAttr(item, "participantA"); err != nil {
		return nil, err
	}
	if c.ParticipantB, err = strAttr(item, "participantB"); err != nil {
		return nil, err
	}
	if c.LastSeq, err = intAttr(item, "lastSeq"); err != nil {
		return nil, err
	}
	if v, err := intAttr(item, "lastMessageAt"); err == nil {
		c.LastMessageAt = fromMillis(v)
	}
	if v, err := intAttr(item, "createdAt"); err == nil {
		c.CreatedAt = fromMillis(v)
	}
	if ttl, err := intAttr(item, "ttl"); err == nil {
		c.Active = ttl > now.Unix()
	}
	return &c, nil
}

func deviceItem(d domain.DeviceToken) map[string]types.AttributeValue {
	return map[string]types.AttributeValue{
		"PK":              s(userPK(d.UserID)),
		"SK":              s(skPrefixDevice + d.Token),
		"userId":          s(d.UserID),
		"token":           s(d.Token),
		"platform":        s(string(d.Platform)),
		"locale":          s(d.Locale),
		"registeredAt":    n(millis(d.RegisteredAt)),
		"lastValidatedAt": n(millis(d.LastValidatedAt)),
	}
}

func itemToDevice(item map[string]types.AttributeValue) (domain.DeviceToken, error) {
	var (
		d   domain.DeviceToken
		err error
	)
	if d.UserID, err = strAttr(item, "userId"); err != nil {
		return d, err
	}
	if d.Token, err = strAttr(item, "token"); err != nil {
		return d, err
	}
	platform, _ := strAttr(item, "platform")
	d.Platform = domain.Platform(platform)
	d.Locale, _ = strAttr(item, "locale")
	if v, err := intAttr(item, "registeredAt"); err == nil {
		d.RegisteredAt = fromMillis(v)
	}
	if v, err := intAttr(item, "lastValidatedAt"); err == nil {
		d.LastValidatedAt = fromMillis(v)
	}
	return d, nil
}

func strAttr(item map[string]types.AttributeValue, key string) (string, error) {
	v, ok := item[key]
	if !ok {
		return "", fmt.Errorf("dynamo: missing attribute %q", key)
	}
	sv, ok := v.(*types.AttributeValueMemberS)
	if !ok {
		return "", fmt.Errorf("dynamo: attribute %q is not a string", key)
	}
	return sv.Value, nil
}

func intAttr(item map[string]types.AttributeValue, key string) (int64, error) {
	v, ok := item[key]
	if !ok {
		return 0, fmt.Errorf("dynamo: missing attribute %q", key)
	}
	nv, ok := v.(*types.AttributeValueMemberN)
	if !ok {
		return 0, fmt.Errorf("dynamo: attribute %q is not a number", key)
	}
	parsed, err := strconv.ParseInt(nv.Value, 10, 64)
	if err != nil {
		return 0, fmt.Errorf("dynamo: parse attribute %q: %w", key, err)
	}
	return parsed, nil
}
