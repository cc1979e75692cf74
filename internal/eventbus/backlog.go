package eventbus

import (
	"context"
	"sync"
)

// backlog absorbs publish bursts on critical topics. Lifecycle and QR
// events must reach every consumer in order, so when a subscriber's channel
// is full the publisher parks envelopes here and a drain goroutine feeds
// them through as the consumer catches up.
type backlog struct {
	mu    sync.Mutex
	queue []Envelope
	max   int

	wake chan struct{} // signalled on add so drain wakes up
	done chan struct{} // closed when drain exits
}

func newBacklog(max int) *backlog {
	if max <= 0 {
		max = defaultMaxOverflow
	}
	return &backlog{
		max:  max,
		wake: make(chan struct{}, 1),
		done: make(chan struct{}),
	}
}

// add queues an envelope, reporting false when the backlog is at capacity.
func (b *backlog) add(env Envelope) bool {
	b.mu.Lock()
	if len(b.queue) >= b.max {
		b.mu.Unlock()
		return false
	}
	b.queue = append(b.queue, env)
	b.mu.Unlock()

	select {
	case b.wake <- struct{}{}:
	default:
	}
	return true
}

// take removes the oldest queued envelope, reporting false when empty.
func (b *backlog) take() (Envelope, bool) {
	b.mu.Lock()
	defer b.mu.Unlock()

	if len(b.queue) == 0 {
		return Envelope{}, false
	}
	env := b.queue[0]
	b.queue[0] = Envelope{} // release the payload
	b.queue = b.queue[1:]
	return env, true
}

// size returns the number of queued envelopes.
func (b *backlog) size() int {
	b.mu.Lock()
	defer b.mu.Unlock()
	return len(b.queue)
}

// drain moves queued envelopes into ch in FIFO order until ctx is
// cancelled, sleeping on the wake signal between sweeps.
func (b *backlog) drain(ctx context.Context, ch chan<- Envelope) {
	defer close(b.done)
	for {
		for {
			env, ok := b.take()
			if !ok {
				break
			}
			select {
			case ch <- env:
			case <-ctx.Done():
				return
			}
		}

		select {
		case <-ctx.Done():
			return
		case <-b.wake:
		}
	}
}
