package eventbus

import (
	"context"
	"reflect"
	"sync"
)

// SubscriptionCloser is what a lifecycle needs from a subscription: typed
// and untyped subscriptions both satisfy it.
type SubscriptionCloser interface {
	Close()
}

// ServiceLifecycle is the shared plumbing for long-lived bus consumers
// (the supervisor, the webhook dispatcher, the WebSocket hub): a cancelable
// context, the subscriptions to tear down, and a wait group over worker
// goroutines. The zero value is ready; call Start before anything else.
type ServiceLifecycle struct {
	ctx    context.Context
	cancel context.CancelFunc

	mu   sync.Mutex
	subs []SubscriptionCloser

	wg sync.WaitGroup
}

// Start derives the service context from parent. Context returns nil until
// Start is called, which callers can use to detect a service that never ran.
func (l *ServiceLifecycle) Start(parent context.Context) {
	l.ctx, l.cancel = context.WithCancel(parent)
}

// Context returns the service context, or nil before Start.
func (l *ServiceLifecycle) Context() context.Context {
	return l.ctx
}

// AddSubscriptions registers subscriptions to close on Stop. Nil entries,
// including typed nil pointers, are skipped.
func (l *ServiceLifecycle) AddSubscriptions(subs ...SubscriptionCloser) {
	l.mu.Lock()
	defer l.mu.Unlock()
	for _, sub := range subs {
		if !isNilCloser(sub) {
			l.subs = append(l.subs, sub)
		}
	}
}

// Go runs worker on a goroutine tracked by Wait. The worker receives the
// service context and is expected to return when it is cancelled.
func (l *ServiceLifecycle) Go(worker func(ctx context.Context)) {
	if worker == nil {
		return
	}
	l.wg.Add(1)
	go func(ctx context.Context) {
		defer l.wg.Done()
		worker(ctx)
	}(l.ctx)
}

// Stop cancels the service context and closes every registered
// subscription. Closing the subscriptions unblocks consumers parked on
// their channels, so workers drain and exit. Stop is safe to call more
// than once.
func (l *ServiceLifecycle) Stop() {
	if l.cancel != nil {
		l.cancel()
	}

	l.mu.Lock()
	subs := l.subs
	l.subs = nil
	l.mu.Unlock()

	for _, sub := range subs {
		sub.Close()
	}
}

// Wait blocks until every worker started with Go has returned, or ctx
// expires.
func (l *ServiceLifecycle) Wait(ctx context.Context) error {
	return WaitForWorkers(ctx, &l.wg)
}

// Shutdown is Stop followed by Wait.
func (l *ServiceLifecycle) Shutdown(ctx context.Context) error {
	l.Stop()
	return l.Wait(ctx)
}

// WaitForWorkers waits on wg, giving up when ctx is done. A nil wg returns
// immediately.
func WaitForWorkers(ctx context.Context, wg *sync.WaitGroup) error {
	if wg == nil {
		return nil
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		wg.Wait()
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// isNilCloser catches typed nil pointers hiding inside the interface, which
// a plain == nil comparison misses.
func isNilCloser(sub SubscriptionCloser) bool {
	if sub == nil {
		return true
	}
	v := reflect.ValueOf(sub)
	switch v.Kind() {
	case reflect.Chan, reflect.Func, reflect.Interface, reflect.Map, reflect.Pointer, reflect.Slice:
		return v.IsNil()
	default:
		return false
	}
}
