package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"
)

// InMem is an in-process Store. Suitable for single-process agents and
// tests.
type InMem struct {
	mu      sync.Mutex
	records map[string][]Record // conversation_id -> records, insertion order
}

// NewInMem creates an empty in-memory store.
func NewInMem() *InMem {
	return &InMem{records: make(map[string][]Record)}
}

func (m *InMem) Write(ctx context.Context, conversationID, content string) (string, error) {
	rec := newRecord(conversationID, content)
	m.mu.Lock()
	m.records[conversationID] = append(m.records[conversationID], rec)
	m.mu.Unlock()
	return rec.ID, nil
}

func (m *InMem) Retrieve(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	m.mu.Lock()
	stored := m.records[conversationID]
	recs := make([]Record, 0, len(stored))
	// Stored oldest first; return newest first.
	for i := len(stored) - 1; i >= 0; i-- {
		recs = append(recs, stored[i])
	}
	m.mu.Unlock()

	if limit > 0 && len(recs) > limit {
		recs = recs[:limit]
	}
	return recs, nil
}

func (m *InMem) Promote(ctx context.Context, conversationID, recordID string) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	for i, rec := range m.records[conversationID] {
		if rec.ID == recordID {
			m.records[conversationID][i].Tier = TierLongTerm
			return nil
		}
	}
	return fmt.Errorf("memory record %s not found in conversation %s", recordID, conversationID)
}

func (m *InMem) Prune(ctx context.Context, conversationID string, keep int) error {
	m.mu.Lock()
	defer m.mu.Unlock()
	recs := m.records[conversationID]

	var working, kept []Record
	for _, rec := range recs {
		if rec.Tier == TierWorking {
			working = append(working, rec)
		} else {
			kept = append(kept, rec)
		}
	}
	// working is oldest first; keep the newest entries.
	if keep > 0 && len(working) > keep {
		working = working[len(working)-keep:]
	} else if keep <= 0 {
		working = nil
	}
	kept = append(kept, working...)
	sort.Slice(kept, func(i, j int) bool { return kept[i].Timestamp < kept[j].Timestamp })
	m.records[conversationID] = kept
	return nil
}

func (m *InMem) Close() error { return nil }
