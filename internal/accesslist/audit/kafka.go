package audit

import (
	"context"
	"encoding/json"
	"fmt"

	"regledger/internal/platform/kafka"
)

// KafkaSink publishes records as JSON to the audit topic, keyed by list id so
// records for one list stay ordered within a partition.
type KafkaSink struct {
	producer *kafka.Producer
}

func NewKafkaSink(producer *kafka.Producer) *KafkaSink {
	return &KafkaSink{producer: producer}
}

func (s *KafkaSink) Append(ctx context.Context, rec Record) error {
	value, err := json.Marshal(rec)
	if err != nil {
		return fmt.Errorf("marshal audit record: %w", err)
	}
	return s.producer.Produce(ctx, []byte(rec.ListID.String()), value)
}
