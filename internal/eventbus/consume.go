package eventbus

import (
	"context"
	"sync"
)

// Consume is the standard event pump for bus consumers: the WebSocket hub
// and the webhook dispatcher run one Consume loop per subscription. It
// invokes handler with each payload until ctx is cancelled or the
// subscription closes. A non-nil wg is marked done on exit.
func Consume[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(T)) {
	ConsumeEnvelope(ctx, sub, wg, func(env TypedEnvelope[T]) {
		handler(env.Payload)
	})
}

// ConsumeEnvelope is Consume for handlers that need envelope metadata
// (source, timestamp) alongside the payload.
func ConsumeEnvelope[T any](ctx context.Context, sub *TypedSubscription[T], wg *sync.WaitGroup, handler func(TypedEnvelope[T])) {
	if wg != nil {
		defer wg.Done()
	}
	if sub == nil {
		return
	}

	for {
		select {
		case <-ctx.Done():
			return
		case env, ok := <-sub.C():
			if !ok {
				return
			}
			handler(env)
		}
	}
}
