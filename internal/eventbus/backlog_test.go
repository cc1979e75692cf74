package eventbus

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"
)

func lifecycleEnvelope(seq int) Envelope {
	return Envelope{
		Topic:  TopicInstancesLifecycle,
		Source: SourceSupervisor,
		Payload: InstanceLifecycleEvent{
			InstanceID: "inst-1",
			State:      StateReconnecting,
			Reason:     fmt.Sprintf("seq-%d", seq),
		},
	}
}

func envelopeSeq(t *testing.T, env Envelope) string {
	t.Helper()
	evt, ok := env.Payload.(InstanceLifecycleEvent)
	if !ok {
		t.Fatalf("unexpected payload type %T", env.Payload)
	}
	return evt.Reason
}

func TestBacklogPreservesOrder(t *testing.T) {
	bl := newBacklog(4)

	for i := 0; i < 4; i++ {
		if !bl.add(lifecycleEnvelope(i)) {
			t.Fatalf("add %d should succeed", i)
		}
	}
	if bl.size() != 4 {
		t.Fatalf("expected size 4, got %d", bl.size())
	}

	for i := 0; i < 4; i++ {
		env, ok := bl.take()
		if !ok {
			t.Fatalf("take %d should succeed", i)
		}
		want := fmt.Sprintf("seq-%d", i)
		if got := envelopeSeq(t, env); got != want {
			t.Fatalf("expected %q, got %q", want, got)
		}
	}

	if _, ok := bl.take(); ok {
		t.Fatal("take from empty backlog should report false")
	}
}

func TestBacklogRejectsWhenFull(t *testing.T) {
	bl := newBacklog(2)

	bl.add(lifecycleEnvelope(0))
	bl.add(lifecycleEnvelope(1))

	if bl.add(lifecycleEnvelope(2)) {
		t.Fatal("add should report false at capacity")
	}
	if bl.size() != 2 {
		t.Fatalf("expected size 2, got %d", bl.size())
	}
}

func TestBacklogDrainDelivers(t *testing.T) {
	bl := newBacklog(8)
	ch := make(chan Envelope, 8)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	go bl.drain(ctx, ch)

	for i := 0; i < 5; i++ {
		bl.add(lifecycleEnvelope(i))
	}

	for i := 0; i < 5; i++ {
		select {
		case env := <-ch:
			want := fmt.Sprintf("seq-%d", i)
			if got := envelopeSeq(t, env); got != want {
				t.Fatalf("expected %q, got %q", want, got)
			}
		case <-time.After(2 * time.Second):
			t.Fatalf("timed out waiting for envelope %d", i)
		}
	}
}

func TestBacklogDrainStopsOnCancel(t *testing.T) {
	bl := newBacklog(4)
	ch := make(chan Envelope, 4)
	ctx, cancel := context.WithCancel(context.Background())

	go bl.drain(ctx, ch)

	cancel()

	select {
	case <-bl.done:
	case <-time.After(2 * time.Second):
		t.Fatal("drain did not exit after context cancel")
	}
}

func TestBacklogConcurrentAdds(t *testing.T) {
	bl := newBacklog(256)
	// A roomy channel keeps drain from blocking on send, so the backlog
	// empties promptly even with four publishers hammering it.
	ch := make(chan Envelope, 1024)
	ctx, cancel := context.WithCancel(context.Background())

	go bl.drain(ctx, ch)

	var wg sync.WaitGroup
	const perPublisher = 200

	for g := 0; g < 4; g++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for i := 0; i < perPublisher; i++ {
				bl.add(lifecycleEnvelope(i))
			}
		}()
	}
	wg.Wait()

	deadline := time.After(5 * time.Second)
	for bl.size() > 0 {
		select {
		case <-deadline:
			t.Fatalf("timed out waiting for backlog to empty, %d remaining", bl.size())
		default:
			time.Sleep(time.Millisecond)
		}
	}

	cancel()
	<-bl.done

	received := 0
drained:
	for {
		select {
		case <-ch:
			received++
		default:
			break drained
		}
	}

	// Some adds are rejected while the backlog is momentarily full, but the
	// bulk of 4×200 must have flowed through.
	if received < 50 {
		t.Fatalf("expected at least 50 envelopes drained, got %d", received)
	}
}
