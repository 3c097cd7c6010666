package redpanda

import (
	"encoding/json"
	"fmt"

	"github.com/google/uuid"

	"github.com/medilink/pharmacy-locator/internal/registry"
)

const (
	headerEventType = "event-type"
	headerDLQReason = "dlq-reason"
	headerDLQSource = "dlq-source-offset"
)

// UpdateRecord encodes an update event keyed by pharmacy id so all updates
// for one pharmacy land on the same partition in order. A missing EventID is filled in.
func UpdateRecord(ev registry.UpdateEvent) (*Record, error) {
	if ev.EventID == "" {
		ev.EventID = uuid.NewString()
	}
	value, err := json.Marshal(ev)
	if err != nil {
		return nil, fmt.Errorf("encode update %s: %w", ev.EventID, err)
	}
	return &Record{
		Topic:   TopicRegistryUpdates,
		Key:     ev.ID(),
		Value:   value,
		Headers: map[string]string{headerEventType: string(ev.Op)},
	}, nil
}

// DecodeUpdate parses a consumed update event
func DecodeUpdate(msg *ConsumedMessage) (registry.UpdateEvent, error) {
	var ev registry.UpdateEvent
	if err := json.Unmarshal(msg.Value, &ev); err != nil {
		return ev, fmt.Errorf("%w: decode %s/%d@%d: %v",
			registry.ErrInvalidEvent, msg.Topic, msg.Partition, msg.Offset, err)
	}
	return ev, nil
}

// DeadLetterRecord wraps a message that could not be applied for the dead-letter topic
func DeadLetterRecord(msg *ConsumedMessage, reason error) *Record {
	headers := make(map[string]string, len(msg.Headers)+2)
	for k, v := range msg.Headers {
		headers[k] = v
	}
	headers[headerDLQReason] = reason.Error()
	headers[headerDLQSource] = fmt.Sprintf("%s/%d/%d", msg.Topic, msg.Partition, msg.Offset)

	return &Record{
		Topic:   TopicRegistryDeadLetter,
		Key:     string(msg.Key),
		Value:   msg.Value,
		Headers: headers,
	}
}
