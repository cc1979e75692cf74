package webhook

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/zapgate/zapgate/internal/eventbus"
)

// Event names delivered to webhook endpoints.
const (
	EventQRUpdated    = "qr.updated"
	EventConnected    = "instance.connected"
	EventDisconnected = "instance.disconnected"
	EventMessage      = "message.received"
)

const (
	webhookQueue      = 64
	maxConcurrentPost = 4
	deliveryTimeout   = 10 * time.Second
)

// Delivery is the JSON body POSTed to a webhook endpoint.
type Delivery struct {
	Event      string      `json:"event"`
	InstanceID string      `json:"instanceId"`
	Data       interface{} `json:"data"`
	Timestamp  time.Time   `json:"timestamp"`
}

// Service consumes instance and message events from the bus and delivers
// them to each instance's registered webhook. Delivery is best-effort: one
// POST per event, failures are logged and dropped.
type Service struct {
	registry *Registry
	bus      *eventbus.Bus
	client   *http.Client

	lifecycle    eventbus.ServiceLifecycle
	asyncWG      sync.WaitGroup
	qrSub        *eventbus.TypedSubscription[eventbus.InstanceQREvent]
	lifecycleSub *eventbus.TypedSubscription[eventbus.InstanceLifecycleEvent]
	inboundSub   *eventbus.TypedSubscription[eventbus.InboundMessageEvent]

	// postSem bounds concurrent outbound POSTs.
	postSem chan struct{}

	// Counters for observability (logged on shutdown).
	metricDelivered atomic.Int64
	metricFailed    atomic.Int64
	metricFiltered  atomic.Int64
}

// ServiceOption configures a webhook Service.
type ServiceOption func(*Service)

// WithHTTPClient overrides the delivery HTTP client.
func WithHTTPClient(client *http.Client) ServiceOption {
	return func(s *Service) {
		if client != nil {
			s.client = client
		}
	}
}

// NewService creates a webhook delivery service.
func NewService(registry *Registry, bus *eventbus.Bus, opts ...ServiceOption) *Service {
	s := &Service{
		registry: registry,
		bus:      bus,
		client:   &http.Client{Timeout: deliveryTimeout},
		postSem:  make(chan struct{}, maxConcurrentPost),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start subscribes to event bus topics and begins consuming events.
func (s *Service) Start(ctx context.Context) error {
	s.lifecycle.Start(ctx)

	s.qrSub = eventbus.SubscribeTo(s.bus, eventbus.Instances.QR,
		eventbus.WithSubscriptionName("webhook_qr"),
		eventbus.WithSubscriptionBuffer(webhookQueue),
	)
	s.lifecycleSub = eventbus.SubscribeTo(s.bus, eventbus.Instances.Lifecycle,
		eventbus.WithSubscriptionName("webhook_lifecycle"),
		eventbus.WithSubscriptionBuffer(webhookQueue),
	)
	s.inboundSub = eventbus.SubscribeTo(s.bus, eventbus.Messages.Inbound,
		eventbus.WithSubscriptionName("webhook_inbound"),
		eventbus.WithSubscriptionBuffer(webhookQueue),
	)

	s.lifecycle.AddSubscriptions(s.qrSub, s.lifecycleSub, s.inboundSub)
	s.lifecycle.Go(s.consumeQREvents)
	s.lifecycle.Go(s.consumeLifecycleEvents)
	s.lifecycle.Go(s.consumeInboundEvents)

	return nil
}

// Shutdown cancels event consumers and waits for in-flight deliveries.
func (s *Service) Shutdown(ctx context.Context) error {
	s.lifecycle.Stop()
	if err := s.lifecycle.Wait(ctx); err != nil {
		return err
	}
	err := eventbus.WaitForWorkers(ctx, &s.asyncWG)
	log.Printf("[Webhook] shutdown: delivered=%d failed=%d filtered=%d",
		s.metricDelivered.Load(), s.metricFailed.Load(), s.metricFiltered.Load())
	return err
}

func (s *Service) consumeQREvents(ctx context.Context) {
	eventbus.Consume(ctx, s.qrSub, nil, func(evt eventbus.InstanceQREvent) {
		s.dispatch(ctx, evt.InstanceID, EventQRUpdated, map[string]interface{}{
			"qrcode": evt.Code,
		})
	})
}

func (s *Service) consumeLifecycleEvents(ctx context.Context) {
	eventbus.Consume(ctx, s.lifecycleSub, nil, func(evt eventbus.InstanceLifecycleEvent) {
		switch evt.State {
		case eventbus.StateConnected:
			s.dispatch(ctx, evt.InstanceID, EventConnected, map[string]interface{}{
				"state": string(evt.State),
			})
		case eventbus.StateDisconnected, eventbus.StateLoggedOut:
			s.dispatch(ctx, evt.InstanceID, EventDisconnected, map[string]interface{}{
				"state":      string(evt.State),
				"reason":     evt.Reason,
				"statusCode": evt.StatusCode,
				"loggedOut":  evt.LoggedOut,
			})
		}
	})
}

func (s *Service) consumeInboundEvents(ctx context.Context) {
	eventbus.Consume(ctx, s.inboundSub, nil, func(evt eventbus.InboundMessageEvent) {
		s.dispatch(ctx, evt.InstanceID, EventMessage, map[string]interface{}{
			"messageId": evt.MessageID,
			"from":      evt.From,
			"pushName":  evt.PushName,
			"text":      evt.Text,
			"timestamp": evt.Timestamp.Unix(),
		})
	})
}

// dispatch resolves the instance's subscription and posts asynchronously,
// bounded by postSem. Panics in delivery are recovered so a broken endpoint
// can never take the consumer down.
func (s *Service) dispatch(ctx context.Context, instanceID, event string, data interface{}) {
	sub, ok := s.registry.Get(instanceID)
	if !ok {
		return
	}
	if !sub.Wants(event) {
		s.metricFiltered.Add(1)
		return
	}

	select {
	case s.postSem <- struct{}{}:
	case <-ctx.Done():
		return
	}
	s.asyncWG.Add(1)
	go func() {
		defer s.asyncWG.Done()
		defer func() { <-s.postSem }()
		defer func() {
			if r := recover(); r != nil {
				log.Printf("[Webhook] recovered panic in delivery: %v", r)
			}
		}()
		s.deliver(sub, Delivery{
			Event:      event,
			InstanceID: instanceID,
			Data:       data,
			Timestamp:  time.Now().UTC(),
		})
	}()
}

// deliver performs the single POST attempt. Failures are logged and dropped.
func (s *Service) deliver(sub Subscription, body Delivery) {
	payload, err := json.Marshal(body)
	if err != nil {
		s.metricFailed.Add(1)
		log.Printf("[Webhook] marshal %s for instance %s: %v", body.Event, body.InstanceID, err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), deliveryTimeout)
	defer cancel()

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.URL, bytes.NewReader(payload))
	if err != nil {
		s.metricFailed.Add(1)
		log.Printf("[Webhook] build request for %s: %v", sub.URL, err)
		return
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := s.client.Do(req)
	if err != nil {
		s.metricFailed.Add(1)
		log.Printf("[Webhook] deliver %s to %s: %v", body.Event, sub.URL, err)
		return
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		s.metricFailed.Add(1)
		log.Printf("[Webhook] deliver %s to %s: %v", body.Event, sub.URL,
			fmt.Errorf("unexpected status %d", resp.StatusCode))
		return
	}

	s.metricDelivered.Add(1)
}
