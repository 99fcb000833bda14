package broker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"
)

// FailedMessage is the minimal shape EncodeDLQMessage needs to describe a
// message that a handler failed to process.
type FailedMessage struct {
	Channel   string
	Key       []byte
	Value     []byte
	Headers   map[string]string
	Timestamp time.Time
}

// DLQPayload captures enough context to replay or inspect a failed message.
// Grounded on pkg/kafka/dlq.go, generalized from a Kafka-specific
// Topic/Partition/Offset shape into the channel-addressed vocabulary this
// repository uses elsewhere.
type DLQPayload struct {
	Channel     string            `json:"channel"`
	Timestamp   time.Time         `json:"timestamp"`
	KeyBase64   string            `json:"key_base64,omitempty"`
	ValueBase64 string            `json:"value_base64"`
	Headers     map[string]string `json:"headers,omitempty"`
	Error       string            `json:"error"`
	Consumer    string            `json:"consumer"`
}

// EncodeDLQMessage serializes a failed message into a DLQ-safe payload,
// ready to be republished to a dead-letter channel via the same Adapter.
func EncodeDLQMessage(msg FailedMessage, cause error, consumer string) ([]byte, error) {
	payload := DLQPayload{
		Channel:     msg.Channel,
		Timestamp:   msg.Timestamp,
		ValueBase64: base64.StdEncoding.EncodeToString(msg.Value),
		Headers:     msg.Headers,
		Consumer:    consumer,
	}
	if len(msg.Key) > 0 {
		payload.KeyBase64 = base64.StdEncoding.EncodeToString(msg.Key)
	}
	if cause != nil {
		payload.Error = cause.Error()
	}

	b, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("marshal dlq payload: %w", err)
	}
	return b, nil
}
