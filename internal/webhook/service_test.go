package webhook

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"sync/atomic"
	"testing"
	"time"

	"github.com/zapgate/zapgate/internal/eventbus"
)

func TestSubscriptionWants(t *testing.T) {
	tests := []struct {
		name   string
		events []string
		event  string
		want   bool
	}{
		{"no filter admits everything", nil, EventQRUpdated, true},
		{"empty filter admits everything", []string{}, EventMessage, true},
		{"listed event", []string{EventConnected, EventMessage}, EventMessage, true},
		{"unlisted event", []string{EventConnected}, EventQRUpdated, false},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			sub := Subscription{Events: tt.events}
			if got := sub.Wants(tt.event); got != tt.want {
				t.Fatalf("Wants(%q) = %v, want %v", tt.event, got, tt.want)
			}
		})
	}
}

func TestRegistryLastWriteWins(t *testing.T) {
	reg := NewRegistry()

	reg.Set("inst-1", "http://first.example/hook", []string{EventQRUpdated})
	reg.Set("inst-1", "http://second.example/hook", nil)

	sub, ok := reg.Get("inst-1")
	if !ok {
		t.Fatal("expected subscription")
	}
	if sub.URL != "http://second.example/hook" {
		t.Fatalf("expected replacement to win, got %s", sub.URL)
	}
	if len(sub.Events) != 0 {
		t.Fatalf("expected filter reset, got %v", sub.Events)
	}

	if !reg.Remove("inst-1") {
		t.Fatal("expected removal of existing subscription")
	}
	if reg.Remove("inst-1") {
		t.Fatal("second removal must report absence")
	}
	if _, ok := reg.Get("inst-1"); ok {
		t.Fatal("subscription should be gone")
	}
}

func newTestService(t *testing.T) (*Service, *Registry, *eventbus.Bus) {
	t.Helper()

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	reg := NewRegistry()
	svc := NewService(reg, bus)
	if err := svc.Start(context.Background()); err != nil {
		t.Fatalf("start service: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := svc.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	return svc, reg, bus
}

// sinkServer records delivered payloads on a channel.
func sinkServer(t *testing.T, status int) (*httptest.Server, chan Delivery) {
	t.Helper()

	got := make(chan Delivery, 16)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var d Delivery
		if err := json.NewDecoder(r.Body).Decode(&d); err != nil {
			t.Errorf("decode delivery: %v", err)
		}
		got <- d
		w.WriteHeader(status)
	}))
	t.Cleanup(srv.Close)
	return srv, got
}

func TestQREventDelivered(t *testing.T) {
	_, reg, bus := newTestService(t)
	srv, got := sinkServer(t, http.StatusOK)

	reg.Set("inst-1", srv.URL, nil)

	eventbus.Publish(context.Background(), bus, eventbus.Instances.QR,
		eventbus.SourceSupervisor, eventbus.InstanceQREvent{InstanceID: "inst-1", Code: "2@pairing"})

	select {
	case d := <-got:
		if d.Event != EventQRUpdated {
			t.Fatalf("unexpected event: %s", d.Event)
		}
		if d.InstanceID != "inst-1" {
			t.Fatalf("unexpected instance: %s", d.InstanceID)
		}
		if d.Timestamp.IsZero() {
			t.Fatal("expected timestamp")
		}
		data, ok := d.Data.(map[string]interface{})
		if !ok || data["qrcode"] != "2@pairing" {
			t.Fatalf("unexpected data: %#v", d.Data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestEventFilterSuppressesDelivery(t *testing.T) {
	_, reg, bus := newTestService(t)
	srv, got := sinkServer(t, http.StatusOK)

	reg.Set("inst-1", srv.URL, []string{EventConnected})

	ctx := context.Background()
	eventbus.Publish(ctx, bus, eventbus.Instances.QR,
		eventbus.SourceSupervisor, eventbus.InstanceQREvent{InstanceID: "inst-1", Code: "2@ignored"})
	eventbus.Publish(ctx, bus, eventbus.Instances.Lifecycle,
		eventbus.SourceSupervisor, eventbus.InstanceLifecycleEvent{
			InstanceID: "inst-1",
			State:      eventbus.StateConnected,
			Reason:     "connected",
		})

	select {
	case d := <-got:
		if d.Event != EventConnected {
			t.Fatalf("filtered event leaked: %s", d.Event)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for connected delivery")
	}

	// The filtered QR event must never arrive, before or after.
	select {
	case d := <-got:
		t.Fatalf("unexpected extra delivery: %s", d.Event)
	case <-time.After(100 * time.Millisecond):
	}
}

func TestDisconnectedCarriesCloseDetails(t *testing.T) {
	_, reg, bus := newTestService(t)
	srv, got := sinkServer(t, http.StatusOK)

	reg.Set("inst-1", srv.URL, nil)

	eventbus.Publish(context.Background(), bus, eventbus.Instances.Lifecycle,
		eventbus.SourceSupervisor, eventbus.InstanceLifecycleEvent{
			InstanceID: "inst-1",
			State:      eventbus.StateLoggedOut,
			Reason:     "logged_out",
			StatusCode: 401,
			LoggedOut:  true,
		})

	select {
	case d := <-got:
		if d.Event != EventDisconnected {
			t.Fatalf("unexpected event: %s", d.Event)
		}
		data := d.Data.(map[string]interface{})
		if data["loggedOut"] != true {
			t.Fatalf("expected loggedOut flag, got %#v", data)
		}
		if data["statusCode"] != float64(401) {
			t.Fatalf("expected status code 401, got %#v", data["statusCode"])
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestInboundMessageDelivered(t *testing.T) {
	_, reg, bus := newTestService(t)
	srv, got := sinkServer(t, http.StatusOK)

	reg.Set("inst-1", srv.URL, []string{EventMessage})

	eventbus.Publish(context.Background(), bus, eventbus.Messages.Inbound,
		eventbus.SourceSession, eventbus.InboundMessageEvent{
			InstanceID: "inst-1",
			MessageID:  "msg-1",
			From:       "5511888888888@s.whatsapp.net",
			Text:       "oi",
			Timestamp:  time.Unix(1700000000, 0),
		})

	select {
	case d := <-got:
		data := d.Data.(map[string]interface{})
		if data["messageId"] != "msg-1" || data["text"] != "oi" {
			t.Fatalf("unexpected data: %#v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for delivery")
	}
}

func TestDeliveryFailureIsSwallowed(t *testing.T) {
	svc, reg, bus := newTestService(t)
	srv, got := sinkServer(t, http.StatusInternalServerError)

	reg.Set("inst-1", srv.URL, nil)

	ctx := context.Background()
	eventbus.Publish(ctx, bus, eventbus.Instances.QR,
		eventbus.SourceSupervisor, eventbus.InstanceQREvent{InstanceID: "inst-1", Code: "2@one"})

	select {
	case <-got:
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for first delivery attempt")
	}

	// Exactly one attempt per event, and later events still flow.
	eventbus.Publish(ctx, bus, eventbus.Instances.QR,
		eventbus.SourceSupervisor, eventbus.InstanceQREvent{InstanceID: "inst-1", Code: "2@two"})

	select {
	case d := <-got:
		data := d.Data.(map[string]interface{})
		if data["qrcode"] != "2@two" {
			t.Fatalf("expected second event, got %#v", data)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for second delivery")
	}

	waitForCounter(t, &svc.metricFailed, 2)
}

func TestNoSubscriptionNoDelivery(t *testing.T) {
	svc, _, bus := newTestService(t)

	var hits atomic.Int64
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
	}))
	t.Cleanup(srv.Close)

	eventbus.Publish(context.Background(), bus, eventbus.Instances.QR,
		eventbus.SourceSupervisor, eventbus.InstanceQREvent{InstanceID: "unregistered", Code: "2@x"})

	time.Sleep(100 * time.Millisecond)
	if hits.Load() != 0 {
		t.Fatalf("expected no deliveries, got %d", hits.Load())
	}
	if svc.metricDelivered.Load() != 0 {
		t.Fatal("delivered counter must stay zero")
	}
}

func waitForCounter(t *testing.T, counter *atomic.Int64, want int64) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if counter.Load() >= want {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("counter stuck at %d, want %d", counter.Load(), want)
}
