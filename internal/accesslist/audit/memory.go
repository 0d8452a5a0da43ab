package audit

import (
	"context"
	"sync"

	"github.com/google/uuid"
)

// InMemorySink collects records in memory. Test double for the Kafka sink.
type InMemorySink struct {
	mu      sync.Mutex
	records []Record
}

func NewInMemorySink() *InMemorySink {
	return &InMemorySink{}
}

func (s *InMemorySink) Append(_ context.Context, rec Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records = append(s.records, rec)
	return nil
}

// Records returns a copy of everything appended so far, in order.
func (s *InMemorySink) Records() []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]Record, len(s.records))
	copy(out, s.records)
	return out
}

// ByList returns the records for one access list, in append order.
func (s *InMemorySink) ByList(id uuid.UUID) []Record {
	s.mu.Lock()
	defer s.mu.Unlock()
	var out []Record
	for _, rec := range s.records {
		if rec.ListID == id {
			out = append(out, rec)
		}
	}
	return out
}
