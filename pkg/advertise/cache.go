package advertise

import (
	"context"
	"encoding/json"
	"fmt"
	"hash/fnv"
	"log/slog"
	"sort"
	"sync"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// Cache is a participant's local projection of current advertisements,
// filtered at the source to the kinds it cares about. One writer (the
// subscription handler), many readers; reads never block the writer
// beyond the RWMutex hold for a map copy.
type Cache struct {
	mu  sync.RWMutex
	ads map[string]models.Advertisement // advertisement_id -> record

	// watch is closed and replaced on every mutation so readers can wait
	// for discovery to progress without polling.
	watch chan struct{}

	sub transport.Subscription
}

// NewCache creates an empty cache.
func NewCache() *Cache {
	return &Cache{
		ads:   make(map[string]models.Advertisement),
		watch: make(chan struct{}),
	}
}

// Start subscribes the cache to the Advertisement topic. kinds narrows
// the subscription at the source; empty means all kinds. The durable
// snapshot populates the cache before Start's subscription returns live
// samples, so a caller that waits for one update has the full current set.
func (c *Cache) Start(ctx context.Context, tr transport.Transport, kinds ...models.AdvertisementKind) error {
	var filter transport.Filter
	if len(kinds) > 0 {
		values := make([]int32, len(kinds))
		for i, k := range kinds {
			values[i] = int32(k)
		}
		filter = transport.KindIn(values...)
	}
	sub, err := tr.Subscribe(ctx, transport.TopicAdvertisement, transport.DurableQoS(), filter, c.apply)
	if err != nil {
		return fmt.Errorf("subscribe advertisement topic: %w", err)
	}
	c.sub = sub
	return nil
}

// Stop unsubscribes. The cache contents remain readable.
func (c *Cache) Stop() {
	if c.sub != nil {
		c.sub.Unsubscribe()
	}
}

// apply is the single writer.
func (c *Cache) apply(s transport.Sample) {
	c.mu.Lock()
	if s.Disposed {
		delete(c.ads, s.Key)
	} else {
		var ad models.Advertisement
		if err := json.Unmarshal(s.Data, &ad); err != nil {
			c.mu.Unlock()
			slog.Warn("Dropping malformed advertisement", "key", s.Key, "error", err)
			return
		}
		c.ads[ad.AdvertisementID] = ad
	}
	close(c.watch)
	c.watch = make(chan struct{})
	c.mu.Unlock()
}

// Snapshot returns all cached advertisements, ordered by id for
// determinism.
func (c *Cache) Snapshot() []models.Advertisement {
	c.mu.RLock()
	out := make([]models.Advertisement, 0, len(c.ads))
	for _, ad := range c.ads {
		out = append(out, ad)
	}
	c.mu.RUnlock()
	sort.Slice(out, func(i, j int) bool { return out[i].AdvertisementID < out[j].AdvertisementID })
	return out
}

// OfKind returns cached advertisements of one kind.
func (c *Cache) OfKind(kind models.AdvertisementKind) []models.Advertisement {
	all := c.Snapshot()
	out := all[:0]
	for _, ad := range all {
		if ad.Kind == kind {
			out = append(out, ad)
		}
	}
	return out
}

// Functions returns all FUNCTION advertisements.
func (c *Cache) Functions() []models.Advertisement { return c.OfKind(models.KindFunction) }

// Agents returns all AGENT advertisements.
func (c *Cache) Agents() []models.Advertisement { return c.OfKind(models.KindAgent) }

// SelectFunction picks the provider for a function name when several
// advertise it: freshest last_seen first, then lowest FNV-1a hash of the
// provider id for a stable deterministic order. Returns false when no
// provider advertises the name.
func (c *Cache) SelectFunction(name string) (models.Advertisement, bool) {
	candidates := make([]models.Advertisement, 0, 2)
	for _, ad := range c.Functions() {
		if ad.Name == name {
			candidates = append(candidates, ad)
		}
	}
	if len(candidates) == 0 {
		return models.Advertisement{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastSeen != candidates[j].LastSeen {
			return candidates[i].LastSeen > candidates[j].LastSeen
		}
		return providerHash(candidates[i].ProviderID) < providerHash(candidates[j].ProviderID)
	})
	return candidates[0], true
}

// SelectAgent returns the AGENT advertisement with the given name, using
// the same tie-break as SelectFunction.
func (c *Cache) SelectAgent(name string) (models.Advertisement, bool) {
	candidates := make([]models.Advertisement, 0, 2)
	for _, ad := range c.Agents() {
		if ad.Name == name {
			candidates = append(candidates, ad)
		}
	}
	if len(candidates) == 0 {
		return models.Advertisement{}, false
	}
	sort.Slice(candidates, func(i, j int) bool {
		if candidates[i].LastSeen != candidates[j].LastSeen {
			return candidates[i].LastSeen > candidates[j].LastSeen
		}
		return providerHash(candidates[i].ProviderID) < providerHash(candidates[j].ProviderID)
	})
	return candidates[0], true
}

// DefaultCapableAgents returns agents advertising default_capable=true,
// excluding the given participant (an agent never delegates to itself).
func (c *Cache) DefaultCapableAgents(excludeProvider string) []models.Advertisement {
	var out []models.Advertisement
	for _, ad := range c.Agents() {
		if ad.ProviderID == excludeProvider {
			continue
		}
		payload, err := models.AgentPayloadOf(&ad)
		if err != nil {
			continue
		}
		if payload.DefaultCapable {
			out = append(out, ad)
		}
	}
	return out
}

// RemoveProvider drops all advertisements of a provider. Used when a
// LIFECYCLE OFFLINE event arrives before (or without) the provider's own
// disposals.
func (c *Cache) RemoveProvider(providerID string) int {
	c.mu.Lock()
	defer c.mu.Unlock()
	removed := 0
	for id, ad := range c.ads {
		if ad.ProviderID == providerID {
			delete(c.ads, id)
			removed++
		}
	}
	if removed > 0 {
		close(c.watch)
		c.watch = make(chan struct{})
	}
	return removed
}

// Len returns the number of cached advertisements.
func (c *Cache) Len() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return len(c.ads)
}

// WaitFor blocks until pred holds over the cache or the context ends.
func (c *Cache) WaitFor(ctx context.Context, pred func(*Cache) bool) error {
	for {
		c.mu.RLock()
		watch := c.watch
		c.mu.RUnlock()
		if pred(c) {
			return nil
		}
		select {
		case <-watch:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
}

func providerHash(providerID string) uint64 {
	h := fnv.New64a()
	_, _ = h.Write([]byte(providerID))
	return h.Sum64()
}
