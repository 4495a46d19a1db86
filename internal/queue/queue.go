// Package queue defines the message transport between pipeline stages. The
// transport is at-least-once: every consumer must be idempotent under
// redelivery.
package queue

import (
	"context"
	"encoding/json"
	"fmt"
)

// Topics connecting the pipeline stages.
const (
	TopicChunkReady      = "chunk-ready"
	TopicCodesToGenerate = "codes-to-generate"
	TopicEmailToSend     = "email-to-send"
)

// Message is one delivered queue record.
type Message struct {
	Topic string
	Key   []byte
	Value []byte
}

// Decode unmarshals the message payload into v.
func (m *Message) Decode(v any) error {
	if err := json.Unmarshal(m.Value, v); err != nil {
		return fmt.Errorf("decode %s message: %w", m.Topic, err)
	}
	return nil
}

// Publisher enqueues a payload on a topic. Publishing is fire-and-forget from
// the caller's perspective; duplicates on the wire are expected and handled
// downstream.
type Publisher interface {
	Publish(ctx context.Context, topic, key string, payload any) error
}

// Handler handles messages from a specific topic.
type Handler interface {
	Handle(ctx context.Context, msg *Message) error
}

// HandlerFunc adapts a function to the Handler interface.
type HandlerFunc func(ctx context.Context, msg *Message) error

func (f HandlerFunc) Handle(ctx context.Context, msg *Message) error { return f(ctx, msg) }

// ChunkReady triggers the chunk processor for one persisted chunk.
type ChunkReady struct {
	ChunkID    string `json:"chunkId"`
	RetryCount int    `json:"retryCount,omitempty"`
}

// GenerationRequest carries a bounded batch of code ids for the artifact
// generator.
type GenerationRequest struct {
	CodeIDs    []string `json:"codeIds"`
	RetryCount int      `json:"retryCount,omitempty"`
}

// NotificationRequest fans out one post-redemption notification.
type NotificationRequest struct {
	CodeID string `json:"codeId"`
}
