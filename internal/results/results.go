// Package results keeps per-delivery observation records so callers can
// verify what the engine did after a delivery returned.
package results

import (
	"sort"
	"sync"
	"time"
)

// DefaultMaxRecords bounds the store when no limit is configured.
const DefaultMaxRecords = 4096

// InstanceResult describes one endpoint instance used by a delivery.
type InstanceResult struct {
	ID                string `json:"id"`
	MessagesDelivered int    `json:"messages_delivered"`
	OptionAUsed       bool   `json:"option_a_used"`
	OptionBUsed       bool   `json:"option_b_used"`
	Transacted        bool   `json:"transacted"`
	Committed         int    `json:"committed"`
	RolledBack        int    `json:"rolled_back"`
	Violations        int    `json:"violations"`
}

// Record is the observation surface of one delivery.
type Record struct {
	DeliveryID              string           `json:"delivery_id"`
	Endpoint                string           `json:"endpoint"`
	Xid                     string           `json:"xid,omitempty"`
	MessagesDelivered       int              `json:"messages_delivered"`
	OptionAUsed             bool             `json:"option_a_used"`
	OptionBUsed             bool             `json:"option_b_used"`
	DeliveryTransacted      bool             `json:"delivery_transacted"`
	LocalTransactionContext bool             `json:"local_transaction_context"`
	ResourceEnlisted        bool             `json:"resource_enlisted"`
	CommitDriven            bool             `json:"commit_driven"`
	RollbackDriven          bool             `json:"rollback_driven"`
	IllegalStateCaught      bool             `json:"illegal_state_caught"`
	ListenerError           string           `json:"listener_error,omitempty"`
	Instances               []InstanceResult `json:"instances,omitempty"`
	StartedAt               time.Time        `json:"started_at"`
	CompletedAt             time.Time        `json:"completed_at"`
}

// Store holds records keyed by delivery id. When full, the oldest record
// is evicted.
type Store struct {
	max int

	mu      sync.Mutex
	records map[string]Record
	order   []string
}

// NewStore returns a store holding at most max records.
func NewStore(max int) *Store {
	if max <= 0 {
		max = DefaultMaxRecords
	}
	return &Store{max: max, records: make(map[string]Record)}
}

// Put stores rec, replacing any record with the same delivery id.
func (s *Store) Put(rec Record) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.records[rec.DeliveryID]; !exists {
		s.order = append(s.order, rec.DeliveryID)
	}
	s.records[rec.DeliveryID] = rec
	for len(s.order) > s.max {
		oldest := s.order[0]
		s.order = s.order[1:]
		delete(s.records, oldest)
	}
}

// Get returns the record of deliveryID.
func (s *Store) Get(deliveryID string) (Record, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[deliveryID]
	return rec, ok
}

// Release drops the record of deliveryID and reports whether it existed.
func (s *Store) Release(deliveryID string) bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.records[deliveryID]; !ok {
		return false
	}
	delete(s.records, deliveryID)
	for i, id := range s.order {
		if id == deliveryID {
			s.order = append(s.order[:i], s.order[i+1:]...)
			break
		}
	}
	return true
}

// Len returns the number of stored records.
func (s *Store) Len() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.records)
}

// IDs lists stored delivery ids, sorted.
func (s *Store) IDs() []string {
	s.mu.Lock()
	out := make([]string, 0, len(s.records))
	for id := range s.records {
		out = append(out, id)
	}
	s.mu.Unlock()
	sort.Strings(out)
	return out
}
