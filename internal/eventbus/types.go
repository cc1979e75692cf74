package eventbus

import (
	"time"
)

// Topic identifies a logical channel on the bus.
type Topic string

// Standard topics.
const (
	TopicInstancesQR        Topic = "instances.qr"
	TopicInstancesLifecycle Topic = "instances.lifecycle"
	TopicMessagesInbound    Topic = "messages.inbound"
)

// Source describes which component produced an event.
type Source string

const (
	SourceSupervisor Source = "supervisor"
	SourceSession    Source = "session"
	SourceServer     Source = "server"
	SourceUnknown    Source = "unknown"
)

// Envelope wraps every message published on the bus.
type Envelope struct {
	Topic         Topic
	Timestamp     time.Time
	Source        Source
	CorrelationID string
	Payload       any
}

// InstanceState summarises an instance's connection lifecycle.
type InstanceState string

const (
	StateInitializing InstanceState = "INITIALIZING"
	StateConnecting   InstanceState = "CONNECTING"
	StateAwaitingQR   InstanceState = "AWAITING_QR"
	StateConnected    InstanceState = "CONNECTED"
	StateDisconnected InstanceState = "DISCONNECTED"
	StateReconnecting InstanceState = "RECONNECTING"
	StateLoggedOut    InstanceState = "LOGGED_OUT"
)

// InstanceQREvent is published whenever the upstream issues a fresh
// pairing QR code for an instance.
type InstanceQREvent struct {
	InstanceID string
	Code       string
}

// InstanceLifecycleEvent notifies consumers about instance state transitions.
type InstanceLifecycleEvent struct {
	InstanceID string
	State      InstanceState
	Reason     string
	StatusCode int  // upstream close status, 0 when not applicable
	LoggedOut  bool // true when the transition is a terminal logout
}

// InboundMessageEvent carries a message received by a connected instance.
type InboundMessageEvent struct {
	InstanceID string
	MessageID  string
	From       string
	PushName   string
	Text       string
	FromMe     bool
	Timestamp  time.Time
}

// ---------------------------------------------------------------------------
// Typed topic descriptors
// ---------------------------------------------------------------------------
// Each TopicDef binds a Topic constant to its payload type, enabling
// compile-time enforcement via Publish[T] and SubscribeTo[T].

// Instances groups instance-related topic descriptors.
var Instances = struct {
	QR        TopicDef[InstanceQREvent]
	Lifecycle TopicDef[InstanceLifecycleEvent]
}{
	QR:        NewTopicDef[InstanceQREvent](TopicInstancesQR),
	Lifecycle: NewTopicDef[InstanceLifecycleEvent](TopicInstancesLifecycle),
}

// Messages groups message topic descriptors.
var Messages = struct {
	Inbound TopicDef[InboundMessageEvent]
}{
	Inbound: NewTopicDef[InboundMessageEvent](TopicMessagesInbound),
}
