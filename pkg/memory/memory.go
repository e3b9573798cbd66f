// Package memory gives agents optional conversation memory. The runtime
// treats memory as advisory: a missing or failing store changes answer
// quality, never correctness, so every caller must tolerate errors and
// empty retrievals.
package memory

import (
	"context"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/genesis-runtime/genesis/pkg/llm"
)

// Memory tiers. New writes land in working memory; promotion moves a
// record to long-term so pruning spares it.
const (
	TierWorking  = "working"
	TierLongTerm = "long_term"
)

// Record is one remembered item scoped to a conversation.
type Record struct {
	ID             string `json:"id"`
	ConversationID string `json:"conversation_id"`
	Tier           string `json:"tier"`
	Content        string `json:"content"`
	Timestamp      int64  `json:"timestamp"`
}

// Store persists conversation memory.
type Store interface {
	// Write stores content in working memory and returns the record id.
	Write(ctx context.Context, conversationID, content string) (string, error)
	// Retrieve returns the most recent records across both tiers, newest
	// first, capped at limit.
	Retrieve(ctx context.Context, conversationID string, limit int) ([]Record, error)
	// Promote moves a working record to long-term memory.
	Promote(ctx context.Context, conversationID, recordID string) error
	// Prune drops working records beyond keep, oldest first. Long-term
	// records are never pruned.
	Prune(ctx context.Context, conversationID string, keep int) error
	Close() error
}

func newRecord(conversationID, content string) Record {
	return Record{
		ID:             uuid.NewString(),
		ConversationID: conversationID,
		Tier:           TierWorking,
		Content:        content,
		Timestamp:      time.Now().UnixNano(),
	}
}

// Summarize condenses a conversation's working memory into one long-term
// record: the model writes the summary, the summary is promoted, and the
// summarized records are pruned away.
func Summarize(ctx context.Context, store Store, client llm.Client, conversationID string) error {
	records, err := store.Retrieve(ctx, conversationID, 0)
	if err != nil {
		return fmt.Errorf("retrieve for summary: %w", err)
	}
	var working []Record
	for _, r := range records {
		if r.Tier == TierWorking {
			working = append(working, r)
		}
	}
	if len(working) == 0 {
		return nil
	}

	var sb strings.Builder
	for i := len(working) - 1; i >= 0; i-- {
		sb.WriteString(working[i].Content)
		sb.WriteString("\n")
	}
	resp, err := client.Complete(ctx, llm.Request{
		System:   "Summarize the following conversation notes into a short paragraph preserving facts, decisions, and open items.",
		Messages: []llm.Message{llm.UserText(sb.String())},
	})
	if err != nil {
		return fmt.Errorf("summarize: %w", err)
	}

	id, err := store.Write(ctx, conversationID, resp.Text)
	if err != nil {
		return fmt.Errorf("write summary: %w", err)
	}
	if err := store.Promote(ctx, conversationID, id); err != nil {
		return fmt.Errorf("promote summary: %w", err)
	}
	return store.Prune(ctx, conversationID, 0)
}
