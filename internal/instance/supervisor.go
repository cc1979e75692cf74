package instance

import (
	"context"
	"errors"
	"fmt"
	"log"
	"sync"
	"time"

	"github.com/zapgate/zapgate/internal/authstate"
	"github.com/zapgate/zapgate/internal/eventbus"
	"github.com/zapgate/zapgate/internal/wasocket"
)

var (
	// ErrNotFound indicates the instance does not exist.
	ErrNotFound = errors.New("instance: not found")
	// ErrNotConnected indicates the instance exists but has no usable connection.
	ErrNotConnected = errors.New("instance: not connected")
	// ErrQRNotAvailable indicates no pairing code materialised within the wait window.
	ErrQRNotAvailable = errors.New("instance: qr code not available")
)

const defaultReconnectDelay = 5 * time.Second

// Supervisor owns the lifecycle of every instance: it builds sessions via
// the factory, runs one event loop per live session, schedules fixed-delay
// reconnects for recoverable closes, and persists credential updates.
type Supervisor struct {
	factory        wasocket.Factory
	store          *authstate.Store
	bus            *eventbus.Bus
	registry       *Registry
	reconnectDelay time.Duration

	lifecycle eventbus.ServiceLifecycle
	persistWG sync.WaitGroup

	timersMu sync.Mutex
	timers   map[string]*time.Timer
}

// SupervisorOption configures a Supervisor.
type SupervisorOption func(*Supervisor)

// WithReconnectDelay overrides the fixed delay between reconnect attempts.
func WithReconnectDelay(delay time.Duration) SupervisorOption {
	return func(s *Supervisor) {
		if delay > 0 {
			s.reconnectDelay = delay
		}
	}
}

// NewSupervisor creates a supervisor. Start must be called before Create.
func NewSupervisor(factory wasocket.Factory, store *authstate.Store, bus *eventbus.Bus, opts ...SupervisorOption) *Supervisor {
	s := &Supervisor{
		factory:        factory,
		store:          store,
		bus:            bus,
		registry:       NewRegistry(),
		reconnectDelay: defaultReconnectDelay,
		timers:         make(map[string]*time.Timer),
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// Start initialises the supervisor's worker context.
func (s *Supervisor) Start(ctx context.Context) {
	s.lifecycle.Start(ctx)
}

// Restore re-creates every instance that has a persisted identity, so
// sessions resume across daemon restarts.
func (s *Supervisor) Restore(ctx context.Context) error {
	ids, err := s.store.ListInstanceIDs(ctx)
	if err != nil {
		return fmt.Errorf("instance: restore: %w", err)
	}
	for _, id := range ids {
		if _, _, err := s.Create(ctx, id); err != nil {
			log.Printf("[Supervisor] Failed to restore instance %s: %v", id, err)
		}
	}
	if len(ids) > 0 {
		log.Printf("[Supervisor] Restored %d instance(s) from auth store", len(ids))
	}
	return nil
}

// Create registers an instance and starts connecting it. Creating an id
// that already exists is idempotent: the existing record's snapshot is
// returned and created is false. A stalled record (no session, no pending
// QR, no connection attempt in flight) is rebuilt in place.
func (s *Supervisor) Create(ctx context.Context, id string) (Snapshot, bool, error) {
	if id == "" {
		return Snapshot{}, false, fmt.Errorf("instance: create: id required")
	}

	rec, created := s.registry.Reserve(id)
	if !created {
		snapshot := rec.Snapshot()
		if rec.stalled() {
			log.Printf("[Supervisor] Instance %s is stalled, rebuilding connection", id)
			s.lifecycle.Go(func(context.Context) {
				s.connect(rec)
			})
		}
		return snapshot, false, nil
	}

	log.Printf("[Supervisor] Creating instance %s", id)
	s.publishLifecycle(rec.ID, eventbus.StateInitializing, "instance_created", 0, false)

	s.lifecycle.Go(func(context.Context) {
		s.connect(rec)
	})

	return rec.Snapshot(), true, nil
}

// Get returns a snapshot of the instance, or ErrNotFound.
func (s *Supervisor) Get(id string) (Snapshot, error) {
	rec := s.registry.Get(id)
	if rec == nil {
		return Snapshot{}, ErrNotFound
	}
	return rec.Snapshot(), nil
}

// List returns snapshots of all instances in creation order.
func (s *Supervisor) List() []Snapshot {
	records := s.registry.List()
	result := make([]Snapshot, 0, len(records))
	for _, rec := range records {
		result = append(result, rec.Snapshot())
	}
	return result
}

// SessionFor returns the live session for a connected instance. It returns
// ErrNotFound for unknown ids and ErrNotConnected when the instance exists
// but has no usable connection.
func (s *Supervisor) SessionFor(id string) (wasocket.Session, error) {
	rec := s.registry.Get(id)
	if rec == nil {
		return nil, ErrNotFound
	}
	session := rec.currentSession()
	if session == nil || rec.State() != eventbus.StateConnected {
		return nil, ErrNotConnected
	}
	return session, nil
}

// Delete removes an instance: any pending reconnect is cancelled first so
// the timer cannot resurrect the record, then the session is logged out and
// all persisted auth records are removed.
func (s *Supervisor) Delete(ctx context.Context, id string) error {
	s.cancelReconnect(id)

	rec := s.registry.Remove(id)
	if rec == nil {
		return ErrNotFound
	}

	log.Printf("[Supervisor] Deleting instance %s", id)

	if session := rec.currentSession(); session != nil {
		if err := session.Logout(ctx); err != nil {
			log.Printf("[Supervisor] Logout for instance %s failed: %v", id, err)
		}
		session.Close()
	}
	rec.clearSession()
	rec.setState(eventbus.StateDisconnected)

	if err := s.store.DeleteInstance(ctx, id); err != nil {
		log.Printf("[Supervisor] Failed to remove auth records for instance %s: %v", id, err)
	}

	s.publishLifecycle(id, eventbus.StateDisconnected, "instance_deleted", 0, false)
	return nil
}

// WaitForQR returns the instance's pairing code, waiting up to timeout for
// one to be issued. The instance is created implicitly when absent.
func (s *Supervisor) WaitForQR(ctx context.Context, id string, timeout time.Duration) (string, error) {
	rec := s.registry.Get(id)
	if rec == nil {
		if _, _, err := s.Create(ctx, id); err != nil {
			return "", err
		}
		rec = s.registry.Get(id)
		if rec == nil {
			return "", ErrNotFound
		}
	}

	// Subscribe before the first check so a code issued in between is not missed.
	sub := eventbus.SubscribeTo(s.bus, eventbus.Instances.QR,
		eventbus.WithSubscriptionName("qr-wait-"+id))
	defer sub.Close()

	if code := rec.QR(); code != "" {
		return code, nil
	}

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		select {
		case <-ctx.Done():
			return "", ctx.Err()
		case <-deadline.C:
			return "", ErrQRNotAvailable
		case env, ok := <-sub.C():
			if !ok {
				return "", ErrQRNotAvailable
			}
			if env.Payload.InstanceID == id && env.Payload.Code != "" {
				return env.Payload.Code, nil
			}
		}
	}
}

// Shutdown closes all sessions, cancels pending reconnects and waits for
// event loops and credential writes to finish.
func (s *Supervisor) Shutdown(ctx context.Context) error {
	// Cancel the worker context first so event loops observing closes
	// cannot arm fresh reconnect timers behind the sweep below.
	s.lifecycle.Stop()

	s.timersMu.Lock()
	for id, timer := range s.timers {
		timer.Stop()
		delete(s.timers, id)
	}
	s.timersMu.Unlock()

	for _, rec := range s.registry.List() {
		if session := rec.currentSession(); session != nil {
			session.Close()
		}
	}

	done := make(chan struct{})
	go func() {
		defer close(done)
		s.persistWG.Wait()
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	return s.lifecycle.Wait(ctx)
}

// connect loads (or mints) the instance identity, dials a session and
// hands it to the event loop. Dial failures behave like a recoverable
// close: the fixed-delay reconnect timer is scheduled.
func (s *Supervisor) connect(rec *Record) {
	// A delete racing this connect wins: the registry no longer holds the record.
	if s.registry.Get(rec.ID) != rec {
		return
	}

	// At most one connect attempt per record: a stalled rebuild, a reconnect
	// timer and a concurrent Create all race for this claim, and the losers
	// back off without dialing.
	if !rec.tryBeginConnect() {
		return
	}

	s.publishLifecycle(rec.ID, eventbus.StateConnecting, "connecting", 0, false)

	ctx := s.lifecycle.Context()

	creds, err := s.store.ReadRecord(ctx, rec.ID, authstate.RecordTypeCreds)
	if err != nil {
		// Store failures never take the instance down.
		log.Printf("[Supervisor] Failed to read creds for instance %s: %v", rec.ID, err)
	}
	if creds == nil {
		creds, err = wasocket.FreshCreds()
		if err != nil {
			log.Printf("[Supervisor] Failed to generate identity for instance %s: %v", rec.ID, err)
			s.handleClose(rec, wasocket.CloseCause{Err: err})
			return
		}
	}

	session, err := s.factory.Dial(ctx, rec.ID, creds)
	if err != nil {
		log.Printf("[Supervisor] Dial for instance %s failed: %v", rec.ID, err)
		s.handleClose(rec, wasocket.CloseCause{Err: err})
		return
	}

	rec.setSession(session)

	// A delete may have landed while the dial was in flight. The session
	// must not outlive the record, and nothing the handshake persisted may
	// survive to resurrect the instance at the next boot.
	if s.registry.Get(rec.ID) != rec {
		log.Printf("[Supervisor] Instance %s was deleted during dial, discarding session", rec.ID)
		s.discardSession(rec, session)
		return
	}

	s.lifecycle.Go(func(context.Context) {
		s.run(rec, session)
	})
}

// discardSession tears down a session dialed for an instance that no longer
// exists: the session is closed, its event stream drained unprocessed, and
// any auth records the handshake wrote are removed.
func (s *Supervisor) discardSession(rec *Record, session wasocket.Session) {
	session.Close()
	for range session.Events() {
	}
	rec.clearSession()

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := s.store.DeleteInstance(ctx, rec.ID); err != nil {
		log.Printf("[Supervisor] Failed to remove auth records for instance %s: %v", rec.ID, err)
	}
}

// run is the per-instance event loop. Session events arrive in order on a
// single channel, so each instance's transitions are naturally serialised
// without a global lock.
func (s *Supervisor) run(rec *Record, session wasocket.Session) {
	for ev := range session.Events() {
		switch ev := ev.(type) {
		case wasocket.QREvent:
			rec.setQR(ev.Code)
			log.Printf("[Supervisor] QR code issued for instance %s", rec.ID)
			eventbus.Publish(context.Background(), s.bus, eventbus.Instances.QR, eventbus.SourceSupervisor, eventbus.InstanceQREvent{
				InstanceID: rec.ID,
				Code:       ev.Code,
			})
			s.publishLifecycle(rec.ID, eventbus.StateAwaitingQR, "qr_issued", 0, false)

		case wasocket.ConnectedEvent:
			rec.markConnected(ev.JID)
			log.Printf("[Supervisor] Instance %s connected as %s", rec.ID, ev.JID)
			s.publishLifecycle(rec.ID, eventbus.StateConnected, "connected", 0, false)

		case wasocket.CredsEvent:
			s.persistCreds(rec, ev)

		case wasocket.MessageEvent:
			if ev.FromMe {
				continue
			}
			eventbus.Publish(context.Background(), s.bus, eventbus.Messages.Inbound, eventbus.SourceSession, eventbus.InboundMessageEvent{
				InstanceID: rec.ID,
				MessageID:  ev.MessageID,
				From:       ev.From,
				PushName:   ev.PushName,
				Text:       ev.Text,
				FromMe:     ev.FromMe,
				Timestamp:  ev.Timestamp,
			})

		case wasocket.ClosedEvent:
			s.handleClose(rec, ev.Cause)
		}
	}
}

// persistCreds writes an auth record update in the background. Failures
// are logged and swallowed: a missed write degrades restorability but must
// not disturb the live connection. Updates for instances that have been
// deleted are dropped, and a write that races a delete is undone so the
// stored identity never outlives the record.
func (s *Supervisor) persistCreds(rec *Record, ev wasocket.CredsEvent) {
	s.persistWG.Add(1)
	go func() {
		defer s.persistWG.Done()

		if s.registry.Get(rec.ID) != rec {
			return
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()

		var err error
		if ev.Data == nil {
			err = s.store.DeleteRecord(ctx, rec.ID, ev.RecordType)
		} else {
			err = s.store.WriteRecord(ctx, rec.ID, ev.RecordType, ev.Data)
		}
		if err != nil {
			log.Printf("[Supervisor] Failed to persist auth record %s/%s: %v", rec.ID, ev.RecordType, err)
			return
		}

		if s.registry.Get(rec.ID) != rec {
			if err := s.store.DeleteInstance(ctx, rec.ID); err != nil {
				log.Printf("[Supervisor] Failed to remove auth records for instance %s: %v", rec.ID, err)
			}
		}
	}()
}

// handleClose classifies a session close. A logout is terminal: the record
// and its stored identity are removed. Anything else schedules a
// fixed-delay reconnect.
func (s *Supervisor) handleClose(rec *Record, cause wasocket.CloseCause) {
	rec.clearSession()

	// A concurrent delete already tore the instance down.
	if s.registry.Get(rec.ID) != rec {
		return
	}

	if cause.LoggedOut() {
		log.Printf("[Supervisor] Instance %s logged out, removing", rec.ID)
		s.cancelReconnect(rec.ID)
		s.registry.Remove(rec.ID)
		rec.setState(eventbus.StateLoggedOut)

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		if err := s.store.DeleteInstance(ctx, rec.ID); err != nil {
			log.Printf("[Supervisor] Failed to remove auth records for instance %s: %v", rec.ID, err)
		}

		s.publishLifecycle(rec.ID, eventbus.StateLoggedOut, "logged_out", cause.StatusCode, true)
		return
	}

	log.Printf("[Supervisor] Instance %s disconnected (%s)", rec.ID, cause)
	rec.setState(eventbus.StateDisconnected)
	s.publishLifecycle(rec.ID, eventbus.StateDisconnected, "connection_closed", cause.StatusCode, false)

	s.scheduleReconnect(rec)
}

// scheduleReconnect arms the instance's reconnect timer. At most one timer
// exists per instance; Delete cancels it under the same mutex, so a timer
// can never fire for a removed instance.
func (s *Supervisor) scheduleReconnect(rec *Record) {
	// No new timers once the supervisor is shutting down.
	if ctx := s.lifecycle.Context(); ctx != nil {
		select {
		case <-ctx.Done():
			return
		default:
		}
	}

	s.timersMu.Lock()
	defer s.timersMu.Unlock()

	if existing, ok := s.timers[rec.ID]; ok {
		existing.Stop()
	}

	attempt := rec.bumpReconnectAttempts()
	rec.setState(eventbus.StateReconnecting)
	s.publishLifecycle(rec.ID, eventbus.StateReconnecting, "reconnect_scheduled", 0, false)
	log.Printf("[Supervisor] Instance %s reconnect attempt %d scheduled in %s", rec.ID, attempt, s.reconnectDelay)

	s.timers[rec.ID] = time.AfterFunc(s.reconnectDelay, func() {
		s.timersMu.Lock()
		delete(s.timers, rec.ID)
		s.timersMu.Unlock()

		// The record must still be the registered one: a delete followed by
		// a re-create must not let the old timer touch the new record.
		if s.registry.Get(rec.ID) != rec {
			return
		}
		s.connect(rec)
	})
}

func (s *Supervisor) cancelReconnect(id string) {
	s.timersMu.Lock()
	defer s.timersMu.Unlock()
	if timer, ok := s.timers[id]; ok {
		timer.Stop()
		delete(s.timers, id)
	}
}

func (s *Supervisor) publishLifecycle(id string, state eventbus.InstanceState, reason string, statusCode int, loggedOut bool) {
	eventbus.Publish(context.Background(), s.bus, eventbus.Instances.Lifecycle, eventbus.SourceSupervisor, eventbus.InstanceLifecycleEvent{
		InstanceID: id,
		State:      state,
		Reason:     reason,
		StatusCode: statusCode,
		LoggedOut:  loggedOut,
	})
}
