// Package transport defines the pub/sub primitives the capability plane is
// built on: durable keyed topics (last value per instance, snapshot for
// late joiners), volatile topics (fire-and-forget), and content-filtered
// subscriptions. Implementations live in the inproc and postgres
// subpackages; everything above this layer is transport-agnostic.
package transport

import "context"

// Topic namespace. These strings are part of the discovery contract and
// must not change.
const (
	TopicAdvertisement = "rti/connext/genesis/Advertisement"
	TopicGraph         = "rti/connext/genesis/monitoring/GraphTopology"
	TopicEvent         = "rti/connext/genesis/monitoring/Event"

	rpcTopicPrefix = "rti/connext/genesis/rpc/"
)

// RequestTopic returns the request topic for a service class.
func RequestTopic(serviceClass string) string { return rpcTopicPrefix + serviceClass + "Request" }

// ReplyTopic returns the reply topic for a service class.
func ReplyTopic(serviceClass string) string { return rpcTopicPrefix + serviceClass + "Reply" }

// DefaultHistoryDepth is the keep-last depth for durable topics.
const DefaultHistoryDepth = 500

// QoS describes topic delivery semantics.
type QoS struct {
	// Durable topics keep the last value per key and replay the current
	// instance set to late-joining subscribers before any live updates.
	Durable bool
	// HistoryDepth bounds retained instances on durable topics.
	HistoryDepth int
}

// DurableQoS is the QoS used by the Advertisement and GraphTopology topics.
func DurableQoS() QoS { return QoS{Durable: true, HistoryDepth: DefaultHistoryDepth} }

// VolatileQoS is the QoS used by the Event and RPC topics.
func VolatileQoS() QoS { return QoS{} }

// Sample is one delivered record. For durable topics Key identifies the
// instance; Disposed marks instance removal (the provider withdrew it).
type Sample struct {
	Topic    string
	Key      string
	Data     []byte
	Disposed bool
}

// Handler consumes delivered samples. Handlers must not block for long;
// delivery to one subscriber runs on a dedicated goroutine but ordering
// within the subscription depends on the handler returning.
type Handler func(Sample)

// Subscription is a live topic subscription.
type Subscription interface {
	// Unsubscribe stops delivery. Safe to call more than once.
	Unsubscribe()
}

// Transport is the pub/sub substrate handle. One per process, passed
// explicitly — no process-wide singletons.
type Transport interface {
	// PublishDurable upserts the instance identified by key on a durable
	// topic. Last value wins.
	PublishDurable(ctx context.Context, topic, key string, data []byte) error

	// Dispose removes an instance from a durable topic. Subscribers
	// observe a disposed sample for the key.
	Dispose(ctx context.Context, topic, key string) error

	// PublishVolatile broadcasts a sample on a volatile topic.
	PublishVolatile(ctx context.Context, topic string, data []byte) error

	// Subscribe attaches a filtered handler to a topic. For durable
	// topics the current instance set is delivered before live updates,
	// with no gap in between.
	Subscribe(ctx context.Context, topic string, qos QoS, filter Filter, h Handler) (Subscription, error)

	// Close tears down the transport. All subscriptions stop.
	Close(ctx context.Context) error
}
