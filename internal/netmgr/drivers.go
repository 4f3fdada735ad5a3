package netmgr

import (
	"errors"
	"time"
)

// MaxTopicLen is the longest topic, in bytes, that Publish and
// Subscribe accept.
const MaxTopicLen = 128

var (
	// ErrNotConnected is returned by Subscribe and Unsubscribe when the
	// session is not Connected. Subscriptions are not replayed; callers
	// re-subscribe when the session comes back up.
	ErrNotConnected = errors.New("netmgr: session not connected")

	// ErrAttemptInFlight is returned by ConnectLink and ConnectSession
	// when an attempt is already running or pending backoff.
	ErrAttemptInFlight = errors.New("netmgr: connection attempt already in flight")

	// ErrLinkDown is returned by ConnectSession when the link is not
	// Connected. The session machine cannot leave Idle without it.
	ErrLinkDown = errors.New("netmgr: link not connected")

	// ErrDisabled is returned by connect and publish operations when
	// the corresponding machine was disabled by the operator.
	ErrDisabled = errors.New("netmgr: disabled by operator")

	// ErrEmptyTopic is returned when a topic is missing entirely.
	ErrEmptyTopic = errors.New("netmgr: empty topic")

	// ErrTopicTooLong is returned when a topic exceeds MaxTopicLen.
	ErrTopicTooLong = errors.New("netmgr: topic exceeds maximum length")

	// ErrPayloadTooLarge is returned when a payload exceeds the
	// configured maximum. Oversize messages are rejected whole, never
	// truncated.
	ErrPayloadTooLarge = errors.New("netmgr: payload exceeds maximum size")
)

// DriverState is the coarse connectivity a driver reports. Drivers
// know "down", "trying", and "up"; the Manager turns those into the
// richer State lifecycle.
type DriverState int

const (
	DriverDown DriverState = iota
	DriverConnecting
	DriverUp
)

func (d DriverState) String() string {
	switch d {
	case DriverDown:
		return "down"
	case DriverConnecting:
		return "connecting"
	case DriverUp:
		return "up"
	default:
		return "unknown"
	}
}

// LinkStatus is a point-in-time report from a LinkDriver. Reading it
// must be cheap; the Manager polls it every tick.
type LinkStatus struct {
	State DriverState

	// SignalDBM is the received signal strength in dBm, or zero when
	// the driver has no radio to measure.
	SignalDBM int

	// Code classifies the most recent failure, ErrorNone otherwise.
	Code ErrorCode

	// Err carries driver detail for logging. It never drives state
	// transitions; Code does.
	Err error
}

// SessionStatus is a point-in-time report from a SessionDriver.
type SessionStatus struct {
	State DriverState
	Code  ErrorCode
	Err   error
}

// LinkDriver is the transport under the link state machine: a Wi-Fi
// supplicant, a NetworkManager device, or a plain reachability probe.
// Connect must return promptly and let the attempt run in the
// background; progress is observed through Status.
type LinkDriver interface {
	Connect() error
	Disconnect() error
	Status() LinkStatus
}

// SessionDriver is the broker client under the session state machine.
// Connect and Disconnect follow the same asynchronous contract as
// LinkDriver. Publish may block up to the driver's own send timeout;
// the Manager bounds how many such calls happen per tick.
//
// Poll gives the driver tick time on the caller's goroutine: flushing
// keepalives, dispatching inbound messages to the handler registered
// at construction, that sort of thing.
type SessionDriver interface {
	Connect() error
	Disconnect() error
	Status() SessionStatus
	Publish(msg Message) error
	Subscribe(topic string, qos byte) error
	Unsubscribe(topic string) error
	Poll(now time.Time)
}

// Message is one outbound or inbound payload. Inbound messages are
// forwarded exactly as received from the wire.
type Message struct {
	Topic    string
	Payload  []byte
	Retained bool
	QoS      byte
}

// validateMessage applies the bounded-buffer rules. maxPayload <= 0
// means no payload limit.
func validateMessage(msg Message, maxPayload int) error {
	if err := validateTopic(msg.Topic); err != nil {
		return err
	}
	if maxPayload > 0 && len(msg.Payload) > maxPayload {
		return ErrPayloadTooLarge
	}
	return nil
}

func validateTopic(topic string) error {
	if len(topic) == 0 {
		return ErrEmptyTopic
	}
	if len(topic) > MaxTopicLen {
		return ErrTopicTooLong
	}
	return nil
}

// Callbacks are the notification hooks the Manager fires. All of them
// are invoked synchronously from Update's goroutine and must not
// block. Nil members are skipped.
type Callbacks struct {
	// OnLinkState fires after every link state transition.
	OnLinkState func(s State, code ErrorCode)

	// OnSessionState fires after every session state transition.
	OnSessionState func(s State, code ErrorCode)

	// OnDiagnostics fires every diagnostics interval with a stats
	// snapshot. The consumer owns formatting and delivery.
	OnDiagnostics func(stats Stats)
}
