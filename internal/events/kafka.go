// Package events publishes chat lifecycle events (message created, status
// changed, presence changed) to Kafka for downstream consumers.
package events

import (
	"context"
	"encoding/json"
	"log"
	"time"

	"github.com/segmentio/kafka-go"
)

const (
	TypeMessageCreated  = "message_created"
	TypeStatusChanged   = "status_changed"
	TypePresenceChanged = "presence_changed"
)

// Event never carries message content.
type Event struct {
	Type            string    `json:"type"`
	ConversationRef string    `json:"conversationRef,omitempty"`
	MessageID       string    `json:"messageId,omitempty"`
	Seq             int64     `json:"seq,omitempty"`
	SenderID        string    `json:"senderId,omitempty"`
	RecipientID     string    `json:"recipientId,omitempty"`
	MessageType     string    `json:"messageType,omitempty"`
	Status          string    `json:"status,omitempty"`
	UserID          string    `json:"userId,omitempty"`
	Online          *bool     `json:"online,omitempty"`
	At              time.Time `json:"at"`
}

// key keeps every event of one conversation (or one user's presence) on one
// partition.
func (e Event) key() []byte {
	if e.ConversationRef != "" {
		return []byte(e.ConversationRef)
	}
	return []byte(e.UserID)
}

type Publisher interface {
	Publish(ctx context.Context, event Event) error
}

type messageWriter interface {
	WriteMessages(ctx context.Context, msgs ...kafka.Message) error
	Close() error
}

// KafkaPublisher implements Publisher using segmentio/kafka-go.
type KafkaPublisher struct {
	writer messageWriter
	topic  string
}

// NewKafkaPublisher returns nil when brokers or topic are empty, which callers
// treat as "events disabled".
func NewKafkaPublisher(brokers []string, topic string) *KafkaPublisher {
	if len(brokers) == 0 || topic == "" {
		return nil
	}
	writer := &kafka.Writer{
		Addr:         kafka.TCP(brokers...),
		Topic:        topic,
		Balancer:     &kafka.Hash{},
		BatchTimeout: 50 * time.Millisecond,
	}
	return &KafkaPublisher{writer: writer, topic: topic}
}

// Publish serializes the event as JSON and writes it to the topic.
func (p *KafkaPublisher) Publish(ctx context.Context, event Event) error {
	if p == nil || p.writer == nil {
		return nil
	}
	payload, err := json.Marshal(event)
	if err != nil {
		return err
	}
	writeCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	return p.writer.WriteMessages(writeCtx, kafka.Message{
		Key:   event.key(),
		Value: payload,
	})
}

// Close closes the Kafka writer. Safe on nil.
func (p *KafkaPublisher) Close() error {
	if p == nil || p.writer == nil {
		return nil
	}
	return p.writer.Close()
}

const emitTimeout = 5 * time.Second

// EmitAsync publishes on a separate goroutine so the caller is never blocked.
// Failures are logged. A nil publisher is a no-op.
func EmitAsync(pub Publisher, event Event) {
	if pub == nil {
		return
	}
	if kp, ok := pub.(*KafkaPublisher); ok && kp == nil {
		return
	}
	if event.At.IsZero() {
		event.At = time.Now().UTC()
	}
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), emitTimeout)
		defer cancel()
		if err := pub.Publish(ctx, event); err != nil {
			log.Printf("[EVENTS] %s emit failed: %v", event.Type, err)
		}
	}()
}
