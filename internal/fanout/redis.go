package fanout

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

const (
	// txChannelPrefix is followed by the transaction id; live dashboards
	// subscribe to a single transaction's feed.
	txChannelPrefix = "gatebox:tx:"

	// activityChannel carries every record for firehose consumers.
	activityChannel = "gatebox:activity"
)

// redisMessage is the wire shape published to both channels.
type redisMessage struct {
	RecordType    string `json:"record_type"`
	TransactionID string `json:"transaction_id,omitempty"`
	TraceID       string `json:"trace_id,omitempty"`
	Record        any    `json:"record"`
}

// RedisSink publishes records over Redis pub/sub. Delivery is best-effort:
// subscribers that are not connected when a record is published never see it.
type RedisSink struct {
	client *redis.Client
}

// NewRedisSink builds a sink over the given client. The sink owns the client
// and closes it on Close.
func NewRedisSink(client *redis.Client) *RedisSink {
	return &RedisSink{client: client}
}

// NewRedisSinkFromAddr dials addr and verifies the connection before
// returning a sink.
func NewRedisSinkFromAddr(ctx context.Context, addr, password string, db int) (*RedisSink, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisSink{client: client}, nil
}

func (s *RedisSink) Name() string { return "redis" }

func (s *RedisSink) Write(ctx context.Context, env Envelope) error {
	txID := env.Record.TransactionRef()
	msg := redisMessage{
		RecordType:    env.Record.RecordType(),
		TransactionID: txID,
		TraceID:       env.TraceID,
		Record:        env.Record,
	}
	payload, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("failed to serialize record: %w", err)
	}

	if err := s.client.Publish(ctx, activityChannel, payload).Err(); err != nil {
		return fmt.Errorf("failed to publish to %s: %w", activityChannel, err)
	}
	if txID != "" {
		ch := txChannelPrefix + txID
		if err := s.client.Publish(ctx, ch, payload).Err(); err != nil {
			return fmt.Errorf("failed to publish to %s: %w", ch, err)
		}
	}
	return nil
}

func (s *RedisSink) Close() error {
	return s.client.Close()
}
