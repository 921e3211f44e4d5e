package execution

import (
	"sort"
	"sync"

	"github.com/krobus00/execution-service/internal/entity"
)

// recordStore hands out value copies. Pointer fields on a stored record are replaced, never written through.
type recordStore struct {
	mu              sync.RWMutex
	records         map[string]*entity.ExecutionRecord
	byClientID      map[string]string
	byBrokerOrderID map[string]string
}

func newRecordStore() *recordStore {
	return &recordStore{
		records:         make(map[string]*entity.ExecutionRecord),
		byClientID:      make(map[string]string),
		byBrokerOrderID: make(map[string]string),
	}
}

func (s *recordStore) insert(record entity.ExecutionRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()

	stored := record
	s.records[record.ID] = &stored
	if clientID := record.Request.ClientIDValue(); clientID != "" {
		s.byClientID[clientID] = record.ID
	}
	if record.BrokerOrderID != "" {
		s.byBrokerOrderID[record.BrokerOrderID] = record.ID
	}
}

func (s *recordStore) get(id string) (entity.ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	record, ok := s.records[id]
	if !ok {
		return entity.ExecutionRecord{}, false
	}
	return *record, true
}

func (s *recordStore) getByClientID(clientID string) (entity.ExecutionRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	id, ok := s.byClientID[clientID]
	if !ok {
		return entity.ExecutionRecord{}, false
	}
	return *s.records[id], true
}

// openForSymbol returns the SENT and FILLED records for symbol.
func (s *recordStore) openForSymbol(symbol string) []entity.ExecutionRecord {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var open []entity.ExecutionRecord
	for _, record := range s.records {
		if record.Request.Symbol != symbol {
			continue
		}
		if record.Status == entity.ExecutionStatusSent || record.Status == entity.ExecutionStatusFilled {
			open = append(open, *record)
		}
	}
	return open
}

// listSentWithBrokerOrder returns records still waiting on the venue, oldest first.
func (s *recordStore) listSentWithBrokerOrder() []entity.ExecutionRecord {
	s.mu.RLock()
	var records []entity.ExecutionRecord
	for _, record := range s.records {
		if record.Status == entity.ExecutionStatusSent && record.BrokerOrderID != "" {
			records = append(records, *record)
		}
	}
	s.mu.RUnlock()

	sort.Slice(records, func(i, j int) bool {
		return records[i].SubmittedAt.Before(records[j].SubmittedAt)
	})
	return records
}

// update applies fn under the write lock. fn reports whether it changed the record.
func (s *recordStore) update(id string, fn func(record *entity.ExecutionRecord) bool) (entity.ExecutionRecord, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	record, ok := s.records[id]
	if !ok {
		return entity.ExecutionRecord{}, false
	}

	return s.apply(record, fn)
}

func (s *recordStore) updateByBrokerOrderID(brokerOrderID string, fn func(record *entity.ExecutionRecord) bool) (entity.ExecutionRecord, bool, bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	id, ok := s.byBrokerOrderID[brokerOrderID]
	if !ok {
		return entity.ExecutionRecord{}, false, false
	}

	updated, changed := s.apply(s.records[id], fn)
	return updated, changed, true
}

func (s *recordStore) apply(record *entity.ExecutionRecord, fn func(record *entity.ExecutionRecord) bool) (entity.ExecutionRecord, bool) {
	working := *record
	if !fn(&working) {
		return *record, false
	}

	*record = working
	if record.BrokerOrderID != "" {
		s.byBrokerOrderID[record.BrokerOrderID] = record.ID
	}
	return *record, true
}
