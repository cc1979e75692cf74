package instance

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/zapgate/zapgate/internal/authstate"
	"github.com/zapgate/zapgate/internal/eventbus"
	"github.com/zapgate/zapgate/internal/wasocket"
)

// fakeSession is a scripted protocol session driven by the test.
type fakeSession struct {
	instanceID string
	creds      []byte
	events     chan wasocket.Event

	mu           sync.Mutex
	logoutCalled bool
	finished     bool
	closeOnce    sync.Once
}

func newFakeSession(instanceID string, creds []byte) *fakeSession {
	return &fakeSession{
		instanceID: instanceID,
		creds:      creds,
		events:     make(chan wasocket.Event, 16),
	}
}

func (f *fakeSession) Events() <-chan wasocket.Event { return f.events }

func (f *fakeSession) Send(ctx context.Context, jid string, out wasocket.Outbound) (wasocket.Receipt, error) {
	return wasocket.Receipt{MessageID: "fake-msg", Timestamp: time.Now()}, nil
}

func (f *fakeSession) Logout(ctx context.Context) error {
	f.mu.Lock()
	f.logoutCalled = true
	f.mu.Unlock()
	return nil
}

func (f *fakeSession) Close() error {
	f.finish(wasocket.CloseCause{})
	return nil
}

// emit pushes an event as if it came from the wire.
func (f *fakeSession) emit(ev wasocket.Event) {
	f.events <- ev
}

// finish delivers the terminal close event and ends the stream.
func (f *fakeSession) finish(cause wasocket.CloseCause) {
	f.closeOnce.Do(func() {
		f.mu.Lock()
		f.finished = true
		f.mu.Unlock()
		f.events <- wasocket.ClosedEvent{Cause: cause}
		close(f.events)
	})
}

func (f *fakeSession) ended() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.finished
}

func (f *fakeSession) loggedOut() bool {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.logoutCalled
}

// fakeFactory hands out fake sessions and announces each dial. Setting gate
// makes Dial park after announcing, so tests can race other operations
// against an in-flight dial.
type fakeFactory struct {
	mu      sync.Mutex
	dials   int
	dialErr error
	dialCh  chan *fakeSession
	gate    chan struct{}
}

func newFakeFactory() *fakeFactory {
	return &fakeFactory{dialCh: make(chan *fakeSession, 16)}
}

func (f *fakeFactory) Dial(ctx context.Context, instanceID string, creds []byte) (wasocket.Session, error) {
	f.mu.Lock()
	f.dials++
	err := f.dialErr
	gate := f.gate
	f.mu.Unlock()

	if err != nil {
		return nil, err
	}

	session := newFakeSession(instanceID, creds)
	select {
	case f.dialCh <- session:
	default:
	}

	if gate != nil {
		select {
		case <-gate:
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return session, nil
}

func (f *fakeFactory) dialCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.dials
}

func newTestSupervisor(t *testing.T, opts ...SupervisorOption) (*Supervisor, *fakeFactory, *authstate.Store, *eventbus.Bus) {
	t.Helper()

	store, err := authstate.Open(authstate.Options{DBPath: filepath.Join(t.TempDir(), "auth.db")})
	if err != nil {
		t.Fatalf("open store: %v", err)
	}
	t.Cleanup(func() { store.Close() })

	bus := eventbus.New()
	t.Cleanup(bus.Shutdown)

	factory := newFakeFactory()
	sup := NewSupervisor(factory, store, bus, opts...)
	sup.Start(context.Background())
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := sup.Shutdown(ctx); err != nil {
			t.Errorf("shutdown: %v", err)
		}
	})

	return sup, factory, store, bus
}

func waitForSession(t *testing.T, factory *fakeFactory) *fakeSession {
	t.Helper()
	select {
	case session := <-factory.dialCh:
		return session
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for dial")
		return nil
	}
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		if cond() {
			return
		}
		time.Sleep(5 * time.Millisecond)
	}
	t.Fatalf("timed out waiting for %s", what)
}

func TestCreateIsIdempotent(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t)
	ctx := context.Background()

	snap, created, err := sup.Create(ctx, "inst-1")
	if err != nil {
		t.Fatalf("create: %v", err)
	}
	if !created {
		t.Fatal("expected first create to report created")
	}
	if snap.ID != "inst-1" {
		t.Fatalf("unexpected snapshot id: %s", snap.ID)
	}

	session := waitForSession(t, factory)
	session.emit(wasocket.QREvent{Code: "2@first"})
	waitFor(t, "qr code", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.HasQR()
	})

	snap2, created2, err := sup.Create(ctx, "inst-1")
	if err != nil {
		t.Fatalf("second create: %v", err)
	}
	if created2 {
		t.Fatal("second create must not report created")
	}
	if snap2.QR != "2@first" {
		t.Fatalf("expected existing snapshot with qr, got %+v", snap2)
	}
	if got := factory.dialCount(); got != 1 {
		t.Fatalf("expected a single dial, got %d", got)
	}
	if len(sup.List()) != 1 {
		t.Fatalf("expected one instance, got %d", len(sup.List()))
	}
}

func TestQRClearedOnConnect(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t)

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)

	session.emit(wasocket.QREvent{Code: "2@pairing"})
	waitFor(t, "awaiting qr state", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.State == eventbus.StateAwaitingQR && s.QR == "2@pairing"
	})

	session.emit(wasocket.ConnectedEvent{JID: "5511999999999@s.whatsapp.net"})
	waitFor(t, "connected state", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.Connected && !s.HasQR() && s.JID == "5511999999999@s.whatsapp.net"
	})
}

func TestRecoverableCloseReconnects(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t, WithReconnectDelay(20*time.Millisecond))

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := waitForSession(t, factory)
	first.emit(wasocket.ConnectedEvent{JID: "jid@s.whatsapp.net"})
	waitFor(t, "connected", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.Connected
	})

	first.finish(wasocket.CloseCause{StatusCode: 428})

	// The instance survives the close and a fresh session is dialled.
	second := waitForSession(t, factory)
	if second == first {
		t.Fatal("expected a new session after reconnect")
	}
	if _, err := sup.Get("inst-1"); err != nil {
		t.Fatalf("instance should survive recoverable close: %v", err)
	}
}

func TestLogoutIsTerminal(t *testing.T) {
	sup, factory, store, _ := newTestSupervisor(t, WithReconnectDelay(20*time.Millisecond))
	ctx := context.Background()

	if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)

	// Persist an identity first so we can observe its removal.
	session.emit(wasocket.CredsEvent{RecordType: authstate.RecordTypeCreds, Data: []byte(`{"registered":true}`)})
	waitFor(t, "creds persisted", func() bool {
		data, err := store.ReadRecord(ctx, "inst-1", authstate.RecordTypeCreds)
		return err == nil && data != nil
	})

	session.finish(wasocket.CloseCause{StatusCode: wasocket.StatusLoggedOut})

	waitFor(t, "instance removal", func() bool {
		_, err := sup.Get("inst-1")
		return errors.Is(err, ErrNotFound)
	})

	// No reconnect may follow a logout.
	time.Sleep(100 * time.Millisecond)
	if got := factory.dialCount(); got != 1 {
		t.Fatalf("expected no reconnect after logout, got %d dials", got)
	}

	// Stored identity is gone as well.
	waitFor(t, "auth records removal", func() bool {
		ids, err := store.ListInstanceIDs(ctx)
		return err == nil && len(ids) == 0
	})
}

func TestDeleteCancelsPendingReconnect(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t, WithReconnectDelay(60*time.Millisecond))
	ctx := context.Background()

	if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)

	session.finish(wasocket.CloseCause{StatusCode: 428})
	waitFor(t, "reconnecting state", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.State == eventbus.StateReconnecting
	})

	if err := sup.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}
	if _, err := sup.Get("inst-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected not found after delete, got %v", err)
	}

	// Past the reconnect delay: the cancelled timer must not have dialled.
	time.Sleep(150 * time.Millisecond)
	if got := factory.dialCount(); got != 1 {
		t.Fatalf("expected no dial after delete, got %d", got)
	}
}

func TestDeleteLogsOutLiveSession(t *testing.T) {
	sup, factory, store, _ := newTestSupervisor(t)
	ctx := context.Background()

	if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)
	session.emit(wasocket.ConnectedEvent{JID: "jid@s.whatsapp.net"})
	session.emit(wasocket.CredsEvent{RecordType: authstate.RecordTypeCreds, Data: []byte(`{"registered":true}`)})
	waitFor(t, "creds persisted", func() bool {
		data, err := store.ReadRecord(ctx, "inst-1", authstate.RecordTypeCreds)
		return err == nil && data != nil
	})

	if err := sup.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	if !session.loggedOut() {
		t.Fatal("expected delete to log the session out")
	}
	ids, err := store.ListInstanceIDs(ctx)
	if err != nil {
		t.Fatalf("list instances: %v", err)
	}
	if len(ids) != 0 {
		t.Fatalf("expected auth records removed, got %v", ids)
	}
}

func TestDeleteUnknownInstance(t *testing.T) {
	sup, _, _, _ := newTestSupervisor(t)

	if err := sup.Delete(context.Background(), "ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}
}

func TestCredsPersistedAsync(t *testing.T) {
	sup, factory, store, _ := newTestSupervisor(t)
	ctx := context.Background()

	if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)

	session.emit(wasocket.CredsEvent{RecordType: "pre-key-7", Data: []byte("key-material")})
	waitFor(t, "key record persisted", func() bool {
		data, err := store.ReadRecord(ctx, "inst-1", "pre-key-7")
		return err == nil && string(data) == "key-material"
	})

	// A nil-data update removes the record.
	session.emit(wasocket.CredsEvent{RecordType: "pre-key-7", Data: nil})
	waitFor(t, "key record removal", func() bool {
		data, err := store.ReadRecord(ctx, "inst-1", "pre-key-7")
		return err == nil && data == nil
	})
}

func TestDialFailureSchedulesReconnect(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t, WithReconnectDelay(20*time.Millisecond))

	factory.mu.Lock()
	factory.dialErr = errors.New("gateway unreachable")
	factory.mu.Unlock()

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	waitFor(t, "first failed dial", func() bool { return factory.dialCount() >= 1 })

	factory.mu.Lock()
	factory.dialErr = nil
	factory.mu.Unlock()

	// The retry loop recovers once the gateway is reachable again.
	session := waitForSession(t, factory)
	if session == nil {
		t.Fatal("expected session after recovery")
	}
}

func TestInboundMessagesPublished(t *testing.T) {
	sup, factory, _, bus := newTestSupervisor(t)

	sub := eventbus.SubscribeTo(bus, eventbus.Messages.Inbound)
	defer sub.Close()

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)

	// Self-sent messages are skipped.
	session.emit(wasocket.MessageEvent{MessageID: "own", FromMe: true, Text: "me"})
	session.emit(wasocket.MessageEvent{MessageID: "msg-1", From: "x@s.whatsapp.net", Text: "oi"})

	select {
	case env := <-sub.C():
		if env.Payload.MessageID != "msg-1" {
			t.Fatalf("expected msg-1 first (own message skipped), got %s", env.Payload.MessageID)
		}
		if env.Payload.InstanceID != "inst-1" {
			t.Fatalf("unexpected instance id: %s", env.Payload.InstanceID)
		}
	case <-time.After(3 * time.Second):
		t.Fatal("timed out waiting for inbound message event")
	}
}

func TestWaitForQRCreatesImplicitly(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t)

	type result struct {
		code string
		err  error
	}
	got := make(chan result, 1)
	go func() {
		code, err := sup.WaitForQR(context.Background(), "inst-1", 3*time.Second)
		got <- result{code, err}
	}()

	session := waitForSession(t, factory)
	session.emit(wasocket.QREvent{Code: "2@implicit"})

	select {
	case res := <-got:
		if res.err != nil {
			t.Fatalf("wait for qr: %v", res.err)
		}
		if res.code != "2@implicit" {
			t.Fatalf("unexpected code: %s", res.code)
		}
	case <-time.After(5 * time.Second):
		t.Fatal("timed out waiting for qr")
	}
}

func TestWaitForQRTimesOut(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t)

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	waitForSession(t, factory)

	_, err := sup.WaitForQR(context.Background(), "inst-1", 50*time.Millisecond)
	if !errors.Is(err, ErrQRNotAvailable) {
		t.Fatalf("expected ErrQRNotAvailable, got %v", err)
	}
}

func TestRestoreRebuildsPersistedInstances(t *testing.T) {
	sup, factory, store, _ := newTestSupervisor(t)
	ctx := context.Background()

	if err := store.WriteRecord(ctx, "restored-1", authstate.RecordTypeCreds, []byte(`{"registered":true}`)); err != nil {
		t.Fatalf("seed creds: %v", err)
	}

	if err := sup.Restore(ctx); err != nil {
		t.Fatalf("restore: %v", err)
	}

	session := waitForSession(t, factory)
	if session.instanceID != "restored-1" {
		t.Fatalf("expected dial for restored-1, got %s", session.instanceID)
	}
	if string(session.creds) != `{"registered":true}` {
		t.Fatalf("expected persisted creds to be reused, got %s", session.creds)
	}
	if _, err := sup.Get("restored-1"); err != nil {
		t.Fatalf("restored instance missing: %v", err)
	}
}

func TestSessionForRequiresConnection(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t)

	if _, err := sup.SessionFor("ghost"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound, got %v", err)
	}

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)

	waitFor(t, "session attached", func() bool {
		_, err := sup.SessionFor("inst-1")
		return errors.Is(err, ErrNotConnected)
	})

	session.emit(wasocket.ConnectedEvent{JID: "jid@s.whatsapp.net"})
	waitFor(t, "session available", func() bool {
		got, err := sup.SessionFor("inst-1")
		return err == nil && got != nil
	})
}

func TestDeleteDuringDialDiscardsSession(t *testing.T) {
	sup, factory, store, _ := newTestSupervisor(t, WithReconnectDelay(20*time.Millisecond))
	ctx := context.Background()

	factory.gate = make(chan struct{})

	if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}

	// The dial is announced but parked; the handshake manages to emit an
	// identity update before anything else happens.
	session := waitForSession(t, factory)
	session.emit(wasocket.CredsEvent{RecordType: authstate.RecordTypeCreds, Data: []byte(`{"registered":true}`)})

	if err := sup.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	close(factory.gate)

	// The late session must be torn down, not installed on the removed record.
	waitFor(t, "late session closed", session.ended)

	if _, err := sup.Get("inst-1"); !errors.Is(err, ErrNotFound) {
		t.Fatalf("expected ErrNotFound after delete, got %v", err)
	}

	// Nothing the handshake persisted may survive to resurrect the instance.
	waitFor(t, "auth store emptied", func() bool {
		ids, err := store.ListInstanceIDs(ctx)
		return err == nil && len(ids) == 0
	})

	// The discarded session must not feed the reconnect loop either.
	time.Sleep(100 * time.Millisecond)
	if got := factory.dialCount(); got != 1 {
		t.Fatalf("expected no dial after delete, got %d total", got)
	}
}

func TestCredsWriteRacingDeleteLeavesStoreEmpty(t *testing.T) {
	sup, factory, store, _ := newTestSupervisor(t)
	ctx := context.Background()

	if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	session := waitForSession(t, factory)
	session.emit(wasocket.ConnectedEvent{JID: "jid@s.whatsapp.net"})
	waitFor(t, "connected", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.Connected
	})

	// An identity update immediately followed by a delete: no matter which
	// side wins the race, the stored identity must not outlive the record.
	session.emit(wasocket.CredsEvent{RecordType: authstate.RecordTypeCreds, Data: []byte(`{"registered":true}`)})
	if err := sup.Delete(ctx, "inst-1"); err != nil {
		t.Fatalf("delete: %v", err)
	}

	waitFor(t, "auth store emptied", func() bool {
		ids, err := store.ListInstanceIDs(ctx)
		return err == nil && len(ids) == 0
	})
}

func TestConnectClaimIsExclusive(t *testing.T) {
	rec := &Record{ID: "inst-1", state: eventbus.StateDisconnected}

	if !rec.tryBeginConnect() {
		t.Fatal("first claim should succeed")
	}
	if rec.tryBeginConnect() {
		t.Fatal("second claim must fail while the first is in flight")
	}

	rec.clearSession()
	if !rec.tryBeginConnect() {
		t.Fatal("claim should succeed again once the attempt is released")
	}
}

func TestStalledRebuildConnectsOnce(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t)
	ctx := context.Background()

	rec, created := sup.registry.Reserve("inst-1")
	if !created {
		t.Fatal("expected fresh reservation")
	}
	rec.setState(eventbus.StateDisconnected)

	var wg sync.WaitGroup
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			if _, _, err := sup.Create(ctx, "inst-1"); err != nil {
				t.Errorf("create: %v", err)
			}
		}()
	}
	wg.Wait()

	waitForSession(t, factory)
	time.Sleep(100 * time.Millisecond)

	if got := factory.dialCount(); got != 1 {
		t.Fatalf("expected one dial for concurrent rebuilds, got %d", got)
	}
}

func TestReconnectAttemptsResetOnConnect(t *testing.T) {
	sup, factory, _, _ := newTestSupervisor(t, WithReconnectDelay(20*time.Millisecond))

	if _, _, err := sup.Create(context.Background(), "inst-1"); err != nil {
		t.Fatalf("create: %v", err)
	}
	first := waitForSession(t, factory)
	first.emit(wasocket.ConnectedEvent{JID: "jid@s.whatsapp.net"})
	waitFor(t, "connected", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.Connected
	})

	first.finish(wasocket.CloseCause{StatusCode: 428})
	waitFor(t, "attempt counted", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.ReconnectAttempts == 1
	})

	second := waitForSession(t, factory)
	second.emit(wasocket.ConnectedEvent{JID: "jid@s.whatsapp.net"})
	waitFor(t, "counter reset", func() bool {
		s, err := sup.Get("inst-1")
		return err == nil && s.Connected && s.ReconnectAttempts == 0
	})
}
