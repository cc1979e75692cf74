package wasocket

import (
	"context"
	"encoding/json"
	"fmt"
	"log"
	"net/url"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
)

const (
	gatewayDialTimeout  = 15 * time.Second
	gatewayWriteTimeout = 10 * time.Second
	gatewayReadTimeout  = 60 * time.Second
	gatewayPingInterval = 54 * time.Second
)

// GatewayFactory dials an external protocol gateway that terminates the
// actual WhatsApp connection and relays session traffic as JSON frames.
type GatewayFactory struct {
	baseURL string
	dialer  *websocket.Dialer
}

// NewGatewayFactory creates a factory for the given gateway base URL
// (ws:// or wss://).
func NewGatewayFactory(baseURL string) *GatewayFactory {
	return &GatewayFactory{
		baseURL: baseURL,
		dialer: &websocket.Dialer{
			HandshakeTimeout: gatewayDialTimeout,
		},
	}
}

// frame is the wire format exchanged with the gateway.
type frame struct {
	Type       string          `json:"type"`
	RequestID  string          `json:"requestId,omitempty"`
	JID        string          `json:"jid,omitempty"`
	Code       string          `json:"code,omitempty"`
	StatusCode int             `json:"statusCode,omitempty"`
	Reason     string          `json:"reason,omitempty"`
	RecordType string          `json:"recordType,omitempty"`
	Data       json.RawMessage `json:"data,omitempty"`
	Creds      json.RawMessage `json:"creds,omitempty"`
	Outbound   *Outbound       `json:"outbound,omitempty"`
	Message    *frameMessage   `json:"message,omitempty"`
	Receipt    *frameReceipt   `json:"receipt,omitempty"`
	Error      string          `json:"error,omitempty"`
}

type frameMessage struct {
	MessageID string `json:"messageId"`
	From      string `json:"from"`
	PushName  string `json:"pushName,omitempty"`
	Text      string `json:"text,omitempty"`
	FromMe    bool   `json:"fromMe,omitempty"`
	Timestamp int64  `json:"timestamp"`
}

type frameReceipt struct {
	MessageID string `json:"messageId"`
	Timestamp int64  `json:"timestamp"`
}

// Dial opens a session for instanceID, handing the gateway the persisted
// identity blob in the initial frame.
func (f *GatewayFactory) Dial(ctx context.Context, instanceID string, creds []byte) (Session, error) {
	endpoint, err := sessionURL(f.baseURL, instanceID)
	if err != nil {
		return nil, err
	}

	conn, resp, err := f.dialer.DialContext(ctx, endpoint, nil)
	if err != nil {
		if resp != nil {
			return nil, fmt.Errorf("wasocket: dial gateway (status %d): %w", resp.StatusCode, err)
		}
		return nil, fmt.Errorf("wasocket: dial gateway: %w", err)
	}

	s := &gatewaySession{
		instanceID: instanceID,
		conn:       conn,
		events:     make(chan Event, 64),
		pending:    make(map[string]chan frame),
		closed:     make(chan struct{}),
	}

	init := frame{Type: "init", Creds: json.RawMessage(creds)}
	if err := s.writeFrame(init); err != nil {
		conn.Close()
		return nil, fmt.Errorf("wasocket: send init frame: %w", err)
	}

	go s.readPump()
	go s.pingLoop()

	return s, nil
}

func sessionURL(base, instanceID string) (string, error) {
	u, err := url.Parse(base)
	if err != nil {
		return "", fmt.Errorf("wasocket: parse gateway url: %w", err)
	}
	u = u.JoinPath("v1", "session")
	q := u.Query()
	q.Set("instance", instanceID)
	u.RawQuery = q.Encode()
	return u.String(), nil
}

// gatewaySession implements Session over one gateway websocket connection.
type gatewaySession struct {
	instanceID string
	conn       *websocket.Conn
	events     chan Event

	writeMu sync.Mutex

	pendingMu sync.Mutex
	pending   map[string]chan frame

	closeOnce sync.Once
	closed    chan struct{}
}

func (s *gatewaySession) Events() <-chan Event {
	return s.events
}

// Send relays an outbound message through the gateway and waits for the
// matching receipt frame.
func (s *gatewaySession) Send(ctx context.Context, jid string, out Outbound) (Receipt, error) {
	select {
	case <-s.closed:
		return Receipt{}, ErrSessionClosed
	default:
	}

	requestID := uuid.NewString()
	reply := make(chan frame, 1)

	s.pendingMu.Lock()
	s.pending[requestID] = reply
	s.pendingMu.Unlock()
	defer func() {
		s.pendingMu.Lock()
		delete(s.pending, requestID)
		s.pendingMu.Unlock()
	}()

	req := frame{
		Type:      "send",
		RequestID: requestID,
		JID:       jid,
		Outbound:  &out,
	}
	if err := s.writeFrame(req); err != nil {
		return Receipt{}, fmt.Errorf("wasocket: send message: %w", err)
	}

	select {
	case <-ctx.Done():
		return Receipt{}, ctx.Err()
	case <-s.closed:
		return Receipt{}, ErrSessionClosed
	case resp := <-reply:
		if resp.Error != "" {
			return Receipt{}, fmt.Errorf("wasocket: gateway rejected send: %s", resp.Error)
		}
		if resp.Receipt == nil {
			return Receipt{}, fmt.Errorf("wasocket: receipt frame missing receipt body")
		}
		return Receipt{
			MessageID: resp.Receipt.MessageID,
			Timestamp: time.Unix(resp.Receipt.Timestamp, 0).UTC(),
		}, nil
	}
}

// Logout asks the gateway to unlink the device, then closes the connection.
// The gateway answers with a closed frame carrying StatusLoggedOut.
func (s *gatewaySession) Logout(ctx context.Context) error {
	if err := s.writeFrame(frame{Type: "logout"}); err != nil {
		return fmt.Errorf("wasocket: send logout: %w", err)
	}
	return nil
}

// Close tears the connection down without unlinking the device.
func (s *gatewaySession) Close() error {
	var err error
	s.closeOnce.Do(func() {
		close(s.closed)

		s.writeMu.Lock()
		s.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
		s.conn.WriteMessage(websocket.CloseMessage,
			websocket.FormatCloseMessage(websocket.CloseNormalClosure, ""))
		s.writeMu.Unlock()

		err = s.conn.Close()
	})
	return err
}

func (s *gatewaySession) writeFrame(fr frame) error {
	payload, err := json.Marshal(fr)
	if err != nil {
		return err
	}

	s.writeMu.Lock()
	defer s.writeMu.Unlock()

	s.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
	return s.conn.WriteMessage(websocket.TextMessage, payload)
}

// readPump translates gateway frames into session events. It owns the
// events channel: the final ClosedEvent is emitted here and the channel is
// closed afterwards.
func (s *gatewaySession) readPump() {
	cause := CloseCause{}
	defer func() {
		s.emit(ClosedEvent{Cause: cause})
		close(s.events)
		s.Close()
	}()

	s.conn.SetReadDeadline(time.Now().Add(gatewayReadTimeout))
	s.conn.SetPongHandler(func(string) error {
		s.conn.SetReadDeadline(time.Now().Add(gatewayReadTimeout))
		return nil
	})

	for {
		_, payload, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseGoingAway, websocket.CloseNormalClosure) {
				log.Printf("[Gateway] instance %s: read error: %v", s.instanceID, err)
			}
			cause.Err = err
			return
		}
		s.conn.SetReadDeadline(time.Now().Add(gatewayReadTimeout))

		var fr frame
		if err := json.Unmarshal(payload, &fr); err != nil {
			log.Printf("[Gateway] instance %s: malformed frame: %v", s.instanceID, err)
			continue
		}

		switch fr.Type {
		case "qr":
			s.emit(QREvent{Code: fr.Code})

		case "connected":
			s.emit(ConnectedEvent{JID: fr.JID})

		case "creds":
			var data []byte
			if len(fr.Data) > 0 {
				data = append([]byte(nil), fr.Data...)
			}
			s.emit(CredsEvent{RecordType: fr.RecordType, Data: data})

		case "message":
			if fr.Message == nil {
				continue
			}
			s.emit(MessageEvent{
				MessageID: fr.Message.MessageID,
				From:      fr.Message.From,
				PushName:  fr.Message.PushName,
				Text:      fr.Message.Text,
				FromMe:    fr.Message.FromMe,
				Timestamp: time.Unix(fr.Message.Timestamp, 0).UTC(),
			})

		case "receipt":
			s.pendingMu.Lock()
			reply := s.pending[fr.RequestID]
			s.pendingMu.Unlock()
			if reply != nil {
				reply <- fr
			}

		case "closed":
			cause.StatusCode = fr.StatusCode
			if fr.Reason != "" {
				cause.Err = fmt.Errorf("%s", fr.Reason)
			}
			return

		default:
			log.Printf("[Gateway] instance %s: unknown frame type %q", s.instanceID, fr.Type)
		}
	}
}

func (s *gatewaySession) pingLoop() {
	ticker := time.NewTicker(gatewayPingInterval)
	defer ticker.Stop()

	for {
		select {
		case <-s.closed:
			return
		case <-ticker.C:
			s.writeMu.Lock()
			s.conn.SetWriteDeadline(time.Now().Add(gatewayWriteTimeout))
			err := s.conn.WriteMessage(websocket.PingMessage, nil)
			s.writeMu.Unlock()
			if err != nil {
				return
			}
		}
	}
}

// emit delivers an event without ever blocking the read pump for long.
// Events are ordered; a slow supervisor applies backpressure via the
// buffered channel, but a closed session drops instead of deadlocking.
func (s *gatewaySession) emit(ev Event) {
	select {
	case s.events <- ev:
	case <-s.closed:
		select {
		case s.events <- ev:
		default:
		}
	}
}
