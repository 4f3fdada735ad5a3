package netmgr

import "strconv"

// State is the lifecycle position of one connection state machine. The
// link and session machines share the same shape; the session machine
// is additionally constrained to be Idle whenever the link is not
// Connected.
type State int

const (
	// StateIdle means no connection exists and none is being attempted.
	StateIdle State = iota
	// StateConnecting means an attempt is in flight.
	StateConnecting
	// StateConnected means the connection is established.
	StateConnected
	// StateReconnecting means a previous attempt failed or the
	// connection was lost; the machine is waiting out a backoff delay.
	StateReconnecting
	// StateFailed means max_retries consecutive attempts failed; the
	// machine rests for a long cooldown before trying again.
	StateFailed
	// StateDisabled means the operator turned this machine off; no
	// attempts are made until re-enabled.
	StateDisabled
)

func (s State) String() string {
	switch s {
	case StateIdle:
		return "idle"
	case StateConnecting:
		return "connecting"
	case StateConnected:
		return "connected"
	case StateReconnecting:
		return "reconnecting"
	case StateFailed:
		return "failed"
	case StateDisabled:
		return "disabled"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the state as its string form so snapshots read
// naturally on the diagnostic surfaces.
func (s State) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, s.String()), nil
}

// ErrorCode is the closed taxonomy of connection failure causes. Driver
// errors are mapped into this set so that callbacks, logs, and the
// diagnostics surface speak one vocabulary regardless of which layer
// failed.
type ErrorCode int

const (
	// ErrorNone means no error.
	ErrorNone ErrorCode = iota
	// ErrorAuthFailure is a link-layer authentication failure
	// (wrong passphrase, 802.1X rejection).
	ErrorAuthFailure
	// ErrorNoNetwork means the target network or route is not
	// available at all (no carrier, DNS failure, no route to host).
	ErrorNoNetwork
	// ErrorConnectFailure is a generic link attempt failure.
	ErrorConnectFailure
	// ErrorRefused means the broker actively refused the connection.
	ErrorRefused
	// ErrorProtocolVersion means the broker rejected our protocol level.
	ErrorProtocolVersion
	// ErrorClientIDRejected means the broker rejected the client
	// identifier.
	ErrorClientIDRejected
	// ErrorServerUnavailable means the broker is up but not accepting
	// service.
	ErrorServerUnavailable
	// ErrorBadCredentials means the broker rejected username/password.
	ErrorBadCredentials
	// ErrorNotAuthorized means the credentials are valid but lack
	// permission.
	ErrorNotAuthorized
	// ErrorTimeout means an attempt exceeded its configured deadline.
	ErrorTimeout
	// ErrorResourceExhausted means a quota or memory limit was hit,
	// locally or broker-side.
	ErrorResourceExhausted
)

func (e ErrorCode) String() string {
	switch e {
	case ErrorNone:
		return "none"
	case ErrorAuthFailure:
		return "auth_failure"
	case ErrorNoNetwork:
		return "no_network"
	case ErrorConnectFailure:
		return "connect_failure"
	case ErrorRefused:
		return "refused"
	case ErrorProtocolVersion:
		return "protocol_version"
	case ErrorClientIDRejected:
		return "client_id_rejected"
	case ErrorServerUnavailable:
		return "server_unavailable"
	case ErrorBadCredentials:
		return "bad_credentials"
	case ErrorNotAuthorized:
		return "not_authorized"
	case ErrorTimeout:
		return "timeout"
	case ErrorResourceExhausted:
		return "resource_exhausted"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the code as its string form.
func (e ErrorCode) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, e.String()), nil
}
