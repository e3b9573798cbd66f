// Package advertise implements the advertisement plane: providers publish
// durable capability records on the Advertisement topic, and consumers
// project them into a local capability cache. Each participant owns its
// advertisements; consumers only derive views.
package advertise

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/genesis-runtime/genesis/pkg/models"
	"github.com/genesis-runtime/genesis/pkg/rpc"
	"github.com/genesis-runtime/genesis/pkg/transport"
)

// RetryBudget bounds how long a failing advertisement publish is retried
// before the participant gives up and degrades.
const RetryBudget = 30 * time.Second

// Advertiser publishes and withdraws one provider's advertisements.
// Not safe for concurrent use by multiple goroutines publishing the same
// advertisement; distinct advertisements may be published concurrently.
type Advertiser struct {
	tr         transport.Transport
	providerID string

	mu   sync.Mutex
	live map[string]models.Advertisement // advertisement_id -> last published record
	seq  int64                           // monotonic last_seen within this provider
}

// NewAdvertiser creates an advertiser for the given provider identity.
func NewAdvertiser(tr transport.Transport, providerID string) *Advertiser {
	return &Advertiser{
		tr:         tr,
		providerID: providerID,
		live:       make(map[string]models.Advertisement),
	}
}

// Publish validates and publishes an advertisement, retrying transient
// transport failures with exponential backoff up to RetryBudget. The
// advertisement id is derived from (provider, kind, name); republishing
// the same capability replaces the payload atomically.
func (a *Advertiser) Publish(ctx context.Context, kind models.AdvertisementKind, name, description, serviceName, payload string) (string, error) {
	ad := models.Advertisement{
		AdvertisementID: models.AdvertisementID(a.providerID, kind, name),
		Kind:            kind,
		Name:            name,
		Description:     description,
		ServiceName:     serviceName,
		ProviderID:      a.providerID,
		LastSeen:        a.nextSeen(),
		Payload:         payload,
	}
	if err := ad.Validate(); err != nil {
		return "", rpc.Wrap(rpc.KindSchemaViolation, err, "advertisement rejected")
	}
	if err := ValidatePayload(kind, payload); err != nil {
		return "", rpc.Wrap(rpc.KindSchemaViolation, err, "advertisement rejected")
	}

	data, err := json.Marshal(&ad)
	if err != nil {
		return "", fmt.Errorf("marshal advertisement: %w", err)
	}

	bo := backoff.NewExponentialBackOff()
	bo.MaxElapsedTime = RetryBudget
	publish := func() error {
		return a.tr.PublishDurable(ctx, transport.TopicAdvertisement, ad.AdvertisementID, data)
	}
	if err := backoff.Retry(publish, backoff.WithContext(bo, ctx)); err != nil {
		return "", fmt.Errorf("publish advertisement %s: %w", ad.AdvertisementID, err)
	}

	a.mu.Lock()
	a.live[ad.AdvertisementID] = ad
	a.mu.Unlock()

	slog.Debug("Published advertisement",
		"advertisement_id", ad.AdvertisementID, "kind", kind.String(), "name", name)
	return ad.AdvertisementID, nil
}

// Withdraw disposes one advertisement. Withdrawing an unknown id is a
// no-op.
func (a *Advertiser) Withdraw(ctx context.Context, advertisementID string) error {
	if err := a.tr.Dispose(ctx, transport.TopicAdvertisement, advertisementID); err != nil {
		return fmt.Errorf("withdraw advertisement %s: %w", advertisementID, err)
	}
	a.mu.Lock()
	delete(a.live, advertisementID)
	a.mu.Unlock()
	return nil
}

// WithdrawAll disposes every live advertisement. Called on clean
// shutdown; errors are aggregated so a single failed disposal does not
// leave the rest dangling.
func (a *Advertiser) WithdrawAll(ctx context.Context) error {
	a.mu.Lock()
	ids := make([]string, 0, len(a.live))
	for id := range a.live {
		ids = append(ids, id)
	}
	a.mu.Unlock()

	var firstErr error
	for _, id := range ids {
		if err := a.Withdraw(ctx, id); err != nil && firstErr == nil {
			firstErr = err
		}
	}
	return firstErr
}

// MarkDegraded republishes every live AGENT advertisement with
// default_capable forced off. A degraded participant keeps serving
// already-matched peers but stops volunteering as a fallback.
func (a *Advertiser) MarkDegraded(ctx context.Context) {
	a.mu.Lock()
	agents := make([]models.Advertisement, 0)
	for _, ad := range a.live {
		if ad.Kind == models.KindAgent {
			agents = append(agents, ad)
		}
	}
	a.mu.Unlock()

	for _, ad := range agents {
		payload, err := models.AgentPayloadOf(&ad)
		if err != nil {
			slog.Warn("Skipping degraded re-advertisement with bad payload",
				"advertisement_id", ad.AdvertisementID, "error", err)
			continue
		}
		if !payload.DefaultCapable {
			continue
		}
		payload.DefaultCapable = false
		raw, err := json.Marshal(payload)
		if err != nil {
			continue
		}
		if _, err := a.Publish(ctx, ad.Kind, ad.Name, ad.Description, ad.ServiceName, string(raw)); err != nil {
			slog.Warn("Degraded re-advertisement failed",
				"advertisement_id", ad.AdvertisementID, "error", err)
		}
	}
}

// Live returns the ids of currently published advertisements.
func (a *Advertiser) Live() []string {
	a.mu.Lock()
	defer a.mu.Unlock()
	ids := make([]string, 0, len(a.live))
	for id := range a.live {
		ids = append(ids, id)
	}
	return ids
}

// nextSeen returns a timestamp that is strictly monotonic within this
// provider even when the wall clock stalls.
func (a *Advertiser) nextSeen() int64 {
	a.mu.Lock()
	defer a.mu.Unlock()
	now := time.Now().UnixNano()
	if now <= a.seq {
		now = a.seq + 1
	}
	a.seq = now
	return now
}
