package storage

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	"github.com/nats-io/nats.go/jetstream"

	"github.com/chatshell/chat-shell/internal/config"
	"github.com/chatshell/chat-shell/internal/model"
	natsclient "github.com/chatshell/chat-shell/internal/nats"
	"github.com/chatshell/chat-shell/pkg/logger"
)

const (
	// streamName is the name of the history stream.
	streamName = "CHAT_HISTORY"

	// subjectPrefix is the prefix for all history subjects.
	subjectPrefix = "chat.history"
)

// JetStreamStore persists history as an append-only NATS JetStream log, one
// subject per session. Reads create an ephemeral consumer and fetch the
// session's messages in batches.
type JetStreamStore struct {
	client *natsclient.Client
}

// NewJetStreamStore connects to NATS and ensures the history stream exists.
func NewJetStreamStore(ctx context.Context, cfg *config.Config, log *logger.Logger) (*JetStreamStore, error) {
	client, err := natsclient.Connect(natsclient.Config{
		URL:      cfg.NATSURL,
		CAFile:   cfg.NATSCAFile,
		CertFile: cfg.NATSCertFile,
		KeyFile:  cfg.NATSKeyFile,
		Token:    cfg.NATSToken,
	}, log)
	if err != nil {
		return nil, err
	}

	store := &JetStreamStore{client: client}
	if err := store.ensureStream(ctx); err != nil {
		client.Close()
		return nil, err
	}
	return store, nil
}

func (s *JetStreamStore) ensureStream(ctx context.Context) error {
	js := s.client.JetStream()

	// Check if stream exists
	_, err := js.Stream(ctx, streamName)
	if err == nil {
		return nil
	}

	_, err = js.CreateStream(ctx, jetstream.StreamConfig{
		Name:        streamName,
		Subjects:    []string{fmt.Sprintf("%s.>", subjectPrefix)},
		Retention:   jetstream.LimitsPolicy,
		MaxAge:      365 * 24 * time.Hour,
		Storage:     jetstream.FileStorage,
		Replicas:    1,
		Compression: jetstream.S2Compression,
		Description: "Chat shell conversation history",
	})
	if err != nil {
		return fmt.Errorf("failed to create stream: %w", err)
	}
	return nil
}

func sessionSubject(sessionID string) string {
	return fmt.Sprintf("%s.%s", subjectPrefix, sessionID)
}

// GetHistory returns all messages for a session in append order.
func (s *JetStreamStore) GetHistory(ctx context.Context, sessionID string) ([]model.ChatMessage, error) {
	js := s.client.JetStream()

	consumer, err := js.CreateConsumer(ctx, streamName, jetstream.ConsumerConfig{
		FilterSubject: sessionSubject(sessionID),
		AckPolicy:     jetstream.AckNonePolicy,
		DeliverPolicy: jetstream.DeliverAllPolicy,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create consumer: %w", err)
	}

	var messages []model.ChatMessage
	for {
		batch, err := consumer.Fetch(100, jetstream.FetchMaxWait(2*time.Second))
		if err != nil {
			return nil, fmt.Errorf("failed to fetch messages: %w", err)
		}

		n := 0
		for msg := range batch.Messages() {
			var message model.ChatMessage
			if err := json.Unmarshal(msg.Data(), &message); err != nil {
				continue
			}
			messages = append(messages, message)
			n++
		}
		if batch.Error() != nil && batch.Error() != context.DeadlineExceeded {
			return nil, fmt.Errorf("batch error: %w", batch.Error())
		}
		if n < 100 {
			break
		}
	}

	return messages, nil
}

// AppendMessages publishes each message to the session's subject.
func (s *JetStreamStore) AppendMessages(ctx context.Context, sessionID string, messages []model.ChatMessage) error {
	js := s.client.JetStream()
	subject := sessionSubject(sessionID)

	for _, msg := range messages {
		if msg.Timestamp.IsZero() {
			msg.Timestamp = time.Now()
		}
		data, err := json.Marshal(msg)
		if err != nil {
			return fmt.Errorf("failed to marshal message: %w", err)
		}
		if _, err := js.Publish(ctx, subject, data); err != nil {
			return fmt.Errorf("failed to publish message: %w", err)
		}
	}
	return nil
}

// ClearHistory purges the session's subject from the stream.
func (s *JetStreamStore) ClearHistory(ctx context.Context, sessionID string) error {
	stream, err := s.client.JetStream().Stream(ctx, streamName)
	if err != nil {
		return fmt.Errorf("failed to open stream: %w", err)
	}
	if err := stream.Purge(ctx, jetstream.WithPurgeSubject(sessionSubject(sessionID))); err != nil {
		return fmt.Errorf("failed to purge history: %w", err)
	}
	return nil
}

// Close closes the NATS connection.
func (s *JetStreamStore) Close() error {
	s.client.Close()
	return nil
}
