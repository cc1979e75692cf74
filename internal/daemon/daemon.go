// Package daemon wires the long-running zapgate process: auth store, event
// bus, connection supervisor, webhook delivery, WebSocket hub and the HTTP
// command API.
package daemon

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/authstate"
	"github.com/zapgate/zapgate/internal/config"
	"github.com/zapgate/zapgate/internal/eventbus"
	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/messaging"
	"github.com/zapgate/zapgate/internal/server"
	"github.com/zapgate/zapgate/internal/wasocket"
	"github.com/zapgate/zapgate/internal/webhook"
)

// shutdownTimeout bounds each stage of graceful shutdown.
const shutdownTimeout = 10 * time.Second

// Options groups dependencies required to construct a Daemon.
type Options struct {
	Config config.Config

	// Factory overrides the protocol session factory; nil selects the
	// gateway implementation configured by Config.GatewayURL.
	Factory wasocket.Factory
}

// Daemon represents the main zapgate process.
type Daemon struct {
	cfg config.Config

	store      *authstate.Store
	bus        *eventbus.Bus
	supervisor *instance.Supervisor
	webhooks   *webhook.Registry
	webhookSvc *webhook.Service
	hub        *server.Hub
	apiServer  *server.APIServer

	ctx     context.Context
	cancel  context.CancelFunc
	hubDone chan struct{}

	shutdownOnce sync.Once
}

// New creates a daemon from the given configuration.
func New(opts Options) (*Daemon, error) {
	cfg := opts.Config

	store, err := authstate.Open(authstate.Options{DBPath: cfg.DBPath})
	if err != nil {
		return nil, fmt.Errorf("daemon: open auth store: %w", err)
	}

	bus := eventbus.New()

	factory := opts.Factory
	if factory == nil {
		factory = wasocket.NewGatewayFactory(cfg.GatewayURL)
	}

	supervisor := instance.NewSupervisor(factory, store, bus,
		instance.WithReconnectDelay(cfg.ReconnectDelay))

	webhooks := webhook.NewRegistry()
	webhookSvc := webhook.NewService(webhooks, bus)

	messenger := messaging.NewService(supervisor)
	hub := server.NewHub(bus, supervisor)

	apiServer, err := server.NewAPIServer(server.Options{
		Port:          cfg.Port,
		APIKey:        cfg.APIKey,
		QRWaitTimeout: cfg.QRWaitTimeout,
	}, supervisor, messenger, webhooks, hub)
	if err != nil {
		store.Close()
		bus.Shutdown()
		return nil, fmt.Errorf("daemon: create API server: %w", err)
	}

	return &Daemon{
		cfg:        cfg,
		store:      store,
		bus:        bus,
		supervisor: supervisor,
		webhooks:   webhooks,
		webhookSvc: webhookSvc,
		hub:        hub,
		apiServer:  apiServer,
		hubDone:    make(chan struct{}),
	}, nil
}

// Start brings all services up, restores persisted instances and serves the
// API until Shutdown is called. It blocks.
func (d *Daemon) Start() error {
	d.ctx, d.cancel = context.WithCancel(context.Background())

	d.supervisor.Start(d.ctx)
	if err := d.webhookSvc.Start(d.ctx); err != nil {
		return fmt.Errorf("daemon: start webhook service: %w", err)
	}
	go func() {
		defer close(d.hubDone)
		d.hub.Run(d.ctx)
	}()

	// Instances with persisted identities resume before traffic arrives.
	if err := d.supervisor.Restore(d.ctx); err != nil {
		log.Printf("[Daemon] Restore failed: %v", err)
	}

	log.Printf("[Daemon] Serving API on port %d (gateway: %s)", d.cfg.Port, d.cfg.GatewayURL)
	return d.apiServer.Start()
}

// Shutdown stops the API, the supervisor and the delivery services in
// dependency order.
func (d *Daemon) Shutdown() error {
	var errs []error

	d.shutdownOnce.Do(func() {
		ctx, cancelTimeout := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancelTimeout()

		// Stop accepting commands first.
		if err := d.apiServer.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("api server: %w", err))
		}

		// Cancelling the root context stops the hub and all bus consumers.
		if d.cancel != nil {
			d.cancel()
			select {
			case <-d.hubDone:
			case <-ctx.Done():
				errs = append(errs, fmt.Errorf("websocket hub: %w", ctx.Err()))
			}
		}

		if err := d.supervisor.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("supervisor: %w", err))
		}
		if err := d.webhookSvc.Shutdown(ctx); err != nil {
			errs = append(errs, fmt.Errorf("webhook service: %w", err))
		}

		d.bus.Shutdown()

		if err := d.store.Close(); err != nil {
			errs = append(errs, fmt.Errorf("auth store: %w", err))
		}
	})

	return errors.Join(errs...)
}
