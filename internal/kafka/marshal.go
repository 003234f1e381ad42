package kafka

import (
	"encoding/json"

	"github.com/pkg/errors"
	"github.com/segmentio/kafka-go"
)

// EventHeaders are attached to every published envelope.
func EventHeaders(eventType string) []kafka.Header {
	return []kafka.Header{
		{Key: "x-event-type", Value: []byte(eventType)},
		{Key: "x-event-version", Value: []byte("1")},
	}
}

func Marshal(v any) ([]byte, error) {
	b, err := json.Marshal(v)
	return b, errors.Wrap(err, "encode event")
}

// UnwrapPayload decodes an envelope payload into T.
func UnwrapPayload[T any](payload json.RawMessage) (T, error) {
	var t T
	if err := json.Unmarshal(payload, &t); err != nil {
		return t, errors.Wrap(err, "decode payload")
	}
	return t, nil
}
