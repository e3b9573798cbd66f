package memory

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// Redis is a Store backed by Redis lists, one list per conversation and
// tier. Records are JSON; newest at the head.
type Redis struct {
	client *redis.Client
}

// NewRedis connects and pings the server.
func NewRedis(ctx context.Context, url string) (*Redis, error) {
	opts, err := redis.ParseURL(url)
	if err != nil {
		return nil, fmt.Errorf("parse redis url: %w", err)
	}
	client := redis.NewClient(opts)
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("ping redis: %w", err)
	}
	return &Redis{client: client}, nil
}

func tierKey(conversationID, tier string) string {
	return fmt.Sprintf("genesis:memory:%s:%s", conversationID, tier)
}

func (r *Redis) Write(ctx context.Context, conversationID, content string) (string, error) {
	rec := newRecord(conversationID, content)
	data, err := json.Marshal(&rec)
	if err != nil {
		return "", err
	}
	if err := r.client.LPush(ctx, tierKey(conversationID, TierWorking), data).Err(); err != nil {
		return "", fmt.Errorf("memory write: %w", err)
	}
	return rec.ID, nil
}

func (r *Redis) Retrieve(ctx context.Context, conversationID string, limit int) ([]Record, error) {
	var out []Record
	for _, tier := range []string{TierWorking, TierLongTerm} {
		raw, err := r.client.LRange(ctx, tierKey(conversationID, tier), 0, -1).Result()
		if err != nil {
			return nil, fmt.Errorf("memory retrieve: %w", err)
		}
		for _, item := range raw {
			var rec Record
			if json.Unmarshal([]byte(item), &rec) == nil {
				out = append(out, rec)
			}
		}
	}
	sortNewestFirst(out)
	if limit > 0 && len(out) > limit {
		out = out[:limit]
	}
	return out, nil
}

func (r *Redis) Promote(ctx context.Context, conversationID, recordID string) error {
	workingKey := tierKey(conversationID, TierWorking)
	raw, err := r.client.LRange(ctx, workingKey, 0, -1).Result()
	if err != nil {
		return fmt.Errorf("memory promote: %w", err)
	}
	for _, item := range raw {
		var rec Record
		if json.Unmarshal([]byte(item), &rec) != nil || rec.ID != recordID {
			continue
		}
		rec.Tier = TierLongTerm
		data, err := json.Marshal(&rec)
		if err != nil {
			return err
		}
		pipe := r.client.TxPipeline()
		pipe.LRem(ctx, workingKey, 1, item)
		pipe.LPush(ctx, tierKey(conversationID, TierLongTerm), data)
		if _, err := pipe.Exec(ctx); err != nil {
			return fmt.Errorf("memory promote: %w", err)
		}
		return nil
	}
	return fmt.Errorf("memory record %s not found in conversation %s", recordID, conversationID)
}

func (r *Redis) Prune(ctx context.Context, conversationID string, keep int) error {
	key := tierKey(conversationID, TierWorking)
	var err error
	if keep <= 0 {
		err = r.client.Del(ctx, key).Err()
	} else {
		err = r.client.LTrim(ctx, key, 0, int64(keep-1)).Err()
	}
	if err != nil {
		return fmt.Errorf("memory prune: %w", err)
	}
	return nil
}

func (r *Redis) Close() error { return r.client.Close() }
