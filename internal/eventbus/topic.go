package eventbus

import "context"

// TopicDef ties a Topic string to its payload type at compile time, so a
// QR publisher cannot accidentally emit a lifecycle payload and a webhook
// consumer cannot subscribe with the wrong type. The descriptors for all
// topics live in types.go (Instances.QR, Instances.Lifecycle,
// Messages.Inbound).
type TopicDef[T any] struct{ topic Topic }

// NewTopicDef binds topic to payload type T.
func NewTopicDef[T any](topic Topic) TopicDef[T] { return TopicDef[T]{topic: topic} }

// Topic returns the underlying topic string.
func (d TopicDef[T]) Topic() Topic { return d.topic }

// Publish emits a typed payload on the bus. The envelope's timestamp is
// stamped by the bus at delivery. A nil bus is a no-op, so components can
// publish unconditionally.
func Publish[T any](ctx context.Context, bus *Bus, td TopicDef[T], source Source, payload T) {
	if bus == nil {
		return
	}
	bus.publish(ctx, Envelope{
		Topic:   td.topic,
		Source:  source,
		Payload: payload,
	})
}

// SubscribeTo opens a typed subscription on the descriptor's topic. The
// payload type is fixed by the descriptor, so env.Payload needs no
// assertion on the consumer side.
func SubscribeTo[T any](bus *Bus, td TopicDef[T], opts ...SubscriptionOption) *TypedSubscription[T] {
	return Subscribe[T](bus, td.topic, opts...)
}
