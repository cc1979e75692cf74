// Package wasocket defines the boundary to the WhatsApp protocol layer.
//
// The supervisor only ever sees the Session and Factory interfaces; the
// production implementation speaks to an external protocol gateway over a
// WebSocket connection, and tests substitute scripted fakes.
package wasocket

import (
	"context"
	"errors"
	"fmt"
	"time"
)

// StatusLoggedOut is the upstream close status signalling that the device
// was unlinked. It is the only close status that must not trigger a
// reconnect.
const StatusLoggedOut = 401

// ErrSessionClosed is returned by Send after the session has ended.
var ErrSessionClosed = errors.New("wasocket: session closed")

// CloseCause describes why a session ended.
type CloseCause struct {
	StatusCode int
	Err        error
}

// LoggedOut reports whether the close is a terminal logout.
func (c CloseCause) LoggedOut() bool {
	return c.StatusCode == StatusLoggedOut
}

// Recoverable reports whether the supervisor should schedule a reconnect.
// Every close except an explicit logout is recoverable.
func (c CloseCause) Recoverable() bool {
	return !c.LoggedOut()
}

func (c CloseCause) String() string {
	if c.Err != nil {
		return fmt.Sprintf("status %d: %v", c.StatusCode, c.Err)
	}
	return fmt.Sprintf("status %d", c.StatusCode)
}

// Event is a notification emitted by a Session. The concrete types are
// QREvent, ConnectedEvent, ClosedEvent, CredsEvent and MessageEvent.
type Event interface {
	isEvent()
}

// QREvent carries a freshly issued pairing QR code.
type QREvent struct {
	Code string
}

// ConnectedEvent signals that the session finished pairing/handshake.
type ConnectedEvent struct {
	JID string
}

// ClosedEvent is the final event on a session's stream. The event channel
// is closed after it is delivered.
type ClosedEvent struct {
	Cause CloseCause
}

// CredsEvent carries an updated auth record to persist. A nil Data means
// the record was removed upstream.
type CredsEvent struct {
	RecordType string
	Data       []byte
}

// MessageEvent carries an inbound message.
type MessageEvent struct {
	MessageID string
	From      string
	PushName  string
	Text      string
	FromMe    bool
	Timestamp time.Time
}

func (QREvent) isEvent()        {}
func (ConnectedEvent) isEvent() {}
func (ClosedEvent) isEvent()    {}
func (CredsEvent) isEvent()     {}
func (MessageEvent) isEvent()   {}

// Location is a geographic point attached to an outbound message.
type Location struct {
	Latitude  float64 `json:"latitude"`
	Longitude float64 `json:"longitude"`
	Name      string  `json:"name,omitempty"`
}

// Button is a quick-reply button attached to an outbound message.
type Button struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Outbound describes a message to send. Exactly one content field (Text,
// Image, Audio, Video or Location) should be set; Caption, MimeType, PTT,
// Footer and Buttons qualify the content.
type Outbound struct {
	Text     string    `json:"text,omitempty"`
	Image    []byte    `json:"image,omitempty"`
	Audio    []byte    `json:"audio,omitempty"`
	Video    []byte    `json:"video,omitempty"`
	Location *Location `json:"location,omitempty"`
	Caption  string    `json:"caption,omitempty"`
	MimeType string    `json:"mimeType,omitempty"`
	PTT      bool      `json:"ptt,omitempty"`
	Footer   string    `json:"footer,omitempty"`
	Buttons  []Button  `json:"buttons,omitempty"`
}

// Receipt confirms a sent message.
type Receipt struct {
	MessageID string
	Timestamp time.Time
}

// Session is a single live protocol connection for one instance.
//
// Events delivers QR codes, connection transitions, credential updates and
// inbound messages in arrival order; the channel is closed after the final
// ClosedEvent. Close tears the connection down without logging out, so the
// stored credentials stay valid. Logout unlinks the device upstream.
type Session interface {
	Events() <-chan Event
	Send(ctx context.Context, jid string, out Outbound) (Receipt, error)
	Logout(ctx context.Context) error
	Close() error
}

// Factory builds sessions. creds is the persisted identity blob for the
// instance, or a fresh blob for a first-time pairing.
type Factory interface {
	Dial(ctx context.Context, instanceID string, creds []byte) (Session, error)
}
