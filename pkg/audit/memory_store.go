package audit

import (
	"fmt"
	"strings"
	"sync"
	"time"
)

// MemoryStore is an in-process Store, used in tests and single-instance
// deployments without a configured database.
type MemoryStore struct {
	mu       sync.Mutex
	receipts []Receipt
	clock    func() time.Time
}

// NewMemoryStore creates an empty chain.
func NewMemoryStore() *MemoryStore {
	return &MemoryStore{clock: time.Now}
}

// WithClock overrides the store's clock, for deterministic tests.
func (s *MemoryStore) WithClock(clock func() time.Time) *MemoryStore {
	s.clock = clock
	return s
}

func (s *MemoryStore) Append(eventType EventType, actorID string, actorType ActorType, resourceID, resourceType, detailsHash string) (Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := GenesisHash
	if len(s.receipts) > 0 {
		prevHash = s.receipts[len(s.receipts)-1].ReceiptHash
	}

	r := Receipt{
		Seq:          int64(len(s.receipts)) + 1,
		EventType:    eventType,
		ActorID:      actorID,
		ActorType:    actorType,
		ResourceID:   resourceID,
		ResourceType: resourceType,
		DetailsHash:  detailsHash,
		PrevHash:     prevHash,
		Timestamp:    s.clock().UTC(),
	}
	r.ReceiptHash = computeReceiptHash(prevHash, r)

	s.receipts = append(s.receipts, r)
	return r, nil
}

func (s *MemoryStore) ByActor(actorID string, offset, limit int) ([]Receipt, error) {
	return s.filterPaged(offset, limit, func(r Receipt) bool { return r.ActorID == actorID })
}

func (s *MemoryStore) ByResource(resourceID string, offset, limit int) ([]Receipt, error) {
	return s.filterPaged(offset, limit, func(r Receipt) bool { return r.ResourceID == resourceID })
}

func (s *MemoryStore) ByType(eventType EventType, offset, limit int) ([]Receipt, error) {
	return s.filterPaged(offset, limit, func(r Receipt) bool { return r.EventType == eventType })
}

func (s *MemoryStore) filterPaged(offset, limit int, match func(Receipt) bool) ([]Receipt, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var matched []Receipt
	// Newest first.
	for i := len(s.receipts) - 1; i >= 0; i-- {
		if match(s.receipts[i]) {
			matched = append(matched, s.receipts[i])
		}
	}
	if offset >= len(matched) {
		return []Receipt{}, nil
	}
	end := offset + limit
	if limit <= 0 || end > len(matched) {
		end = len(matched)
	}
	return matched[offset:end], nil
}

func (s *MemoryStore) Export() (string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var lines []string
	for _, r := range s.receipts {
		lines = append(lines, ExportLine(r))
	}
	return strings.Join(lines, "\n"), nil
}

func (s *MemoryStore) Verify() error {
	s.mu.Lock()
	defer s.mu.Unlock()

	prevHash := GenesisHash
	for _, r := range s.receipts {
		if r.PrevHash != prevHash {
			return fmt.Errorf("audit: chain broken at seq %d: prev_hash mismatch", r.Seq)
		}
		want := computeReceiptHash(prevHash, r)
		if want != r.ReceiptHash {
			return fmt.Errorf("audit: chain broken at seq %d: receipt_hash mismatch", r.Seq)
		}
		prevHash = r.ReceiptHash
	}
	return nil
}

// Tamper mutates a stored receipt in place, for tests that need to prove
// Verify() detects a corrupted chain. It is not part of the Store
// interface and has no production use.
func (s *MemoryStore) Tamper(index int, mutate func(*Receipt)) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if index < 0 || index >= len(s.receipts) {
		return
	}
	mutate(&s.receipts[index])
}

func (s *MemoryStore) Len() (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	return int64(len(s.receipts)), nil
}
