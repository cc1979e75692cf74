// Package server exposes the HTTP command surface and the WebSocket push
// channel for instance lifecycle events.
package server

import (
	"context"
	"errors"
	"fmt"
	"log"
	"net"
	"net/http"
	"time"

	"github.com/zapgate/zapgate/internal/instance"
	"github.com/zapgate/zapgate/internal/messaging"
	"github.com/zapgate/zapgate/internal/webhook"
)

// InstanceManager is the slice of the supervisor consumed by HTTP handlers.
type InstanceManager interface {
	Create(ctx context.Context, id string) (instance.Snapshot, bool, error)
	Get(id string) (instance.Snapshot, error)
	List() []instance.Snapshot
	Delete(ctx context.Context, id string) error
	WaitForQR(ctx context.Context, id string, timeout time.Duration) (string, error)
}

// Messenger sends outbound messages through a connected instance.
type Messenger interface {
	SendText(ctx context.Context, instanceID, number, text string) (messaging.SendResult, error)
	SendImage(ctx context.Context, instanceID, number, imageURL, caption string) (messaging.SendResult, error)
	SendAudio(ctx context.Context, instanceID, number, audioURL string) (messaging.SendResult, error)
	SendVideo(ctx context.Context, instanceID, number, videoURL, caption string) (messaging.SendResult, error)
	SendLocation(ctx context.Context, instanceID, number string, latitude, longitude float64, name string) (messaging.SendResult, error)
	SendPix(ctx context.Context, instanceID, number, pixKey string, amount float64, message string) (messaging.SendResult, error)
}

// Options configure the API server.
type Options struct {
	Port          int
	APIKey        string
	QRWaitTimeout time.Duration
}

// APIServer serves the JSON command API and the WebSocket channel.
type APIServer struct {
	opts      Options
	instances InstanceManager
	messenger Messenger
	webhooks  *webhook.Registry
	hub       *Hub

	httpServer *http.Server
}

// NewAPIServer creates the API server. The hub must be started separately
// (Hub.Run) before traffic arrives.
func NewAPIServer(opts Options, instances InstanceManager, messenger Messenger, webhooks *webhook.Registry, hub *Hub) (*APIServer, error) {
	if instances == nil {
		return nil, fmt.Errorf("server: instance manager is required")
	}
	if opts.APIKey == "" {
		return nil, fmt.Errorf("server: api key is required")
	}
	if opts.QRWaitTimeout <= 0 {
		opts.QRWaitTimeout = 2 * time.Second
	}

	return &APIServer{
		opts:      opts,
		instances: instances,
		messenger: messenger,
		webhooks:  webhooks,
		hub:       hub,
	}, nil
}

// Routes builds the HTTP routing table.
func (s *APIServer) Routes() http.Handler {
	mux := http.NewServeMux()

	// Health stays unauthenticated for external probes.
	mux.HandleFunc("GET /health", s.handleHealth)

	mux.Handle("POST /api/instances", s.requireAPIKey(s.handleCreateInstance))
	mux.Handle("GET /api/instances", s.requireAPIKey(s.handleListInstances))
	mux.Handle("GET /api/instances/{id}/status", s.requireAPIKey(s.handleInstanceStatus))
	mux.Handle("GET /api/instances/{id}/qr", s.requireAPIKey(s.handleInstanceQR))
	mux.Handle("GET /api/instances/{id}/qr/image", s.requireAPIKey(s.handleInstanceQRImage))
	mux.Handle("DELETE /api/instances/{id}", s.requireAPIKey(s.handleDeleteInstance))

	mux.Handle("POST /api/messages/{id}/send-text", s.requireAPIKey(s.handleSendText))
	mux.Handle("POST /api/messages/{id}/send-image", s.requireAPIKey(s.handleSendImage))
	mux.Handle("POST /api/messages/{id}/send-audio", s.requireAPIKey(s.handleSendAudio))
	mux.Handle("POST /api/messages/{id}/send-video", s.requireAPIKey(s.handleSendVideo))
	mux.Handle("POST /api/messages/{id}/send-location", s.requireAPIKey(s.handleSendLocation))
	mux.Handle("POST /api/messages/{id}/send-pix", s.requireAPIKey(s.handleSendPix))

	mux.Handle("POST /api/webhooks/{id}", s.requireAPIKey(s.handleSetWebhook))
	mux.Handle("GET /api/webhooks/{id}", s.requireAPIKey(s.handleGetWebhook))
	mux.Handle("DELETE /api/webhooks/{id}", s.requireAPIKey(s.handleDeleteWebhook))

	if s.hub != nil {
		mux.Handle("GET /ws", s.requireAPIKey(s.hub.HandleWebSocket))
	}

	return mux
}

// Start binds the listener and serves until Shutdown.
func (s *APIServer) Start() error {
	addr := fmt.Sprintf(":%d", s.opts.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("server: listen on %s: %w", addr, err)
	}

	s.httpServer = &http.Server{
		Handler:           s.Routes(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	log.Printf("[APIServer] Listening on %s", listener.Addr())
	if err := s.httpServer.Serve(listener); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("server: serve: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *APIServer) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	return s.httpServer.Shutdown(ctx)
}

// requireAPIKey enforces static key auth: the key arrives in the x-api-key
// header or the apiKey query parameter. A missing key is 401, a wrong key
// is 403.
func (s *APIServer) requireAPIKey(next http.HandlerFunc) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		key := r.Header.Get("x-api-key")
		if key == "" {
			key = r.URL.Query().Get("apiKey")
		}
		if key == "" {
			writeError(w, http.StatusUnauthorized, "API key required")
			return
		}
		if key != s.opts.APIKey {
			writeError(w, http.StatusForbidden, "Invalid API key")
			return
		}
		next(w, r)
	})
}

func (s *APIServer) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ok",
		"instances": len(s.instances.List()),
	})
}
