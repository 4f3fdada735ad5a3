package netmgr

import "time"

// Stats is a point-in-time snapshot of the Manager's counters.
// Durations serialize as nanoseconds; diagnostic payloads that want
// human units convert on their side.
type Stats struct {
	// LinkUptime and SessionUptime measure the current unbroken
	// stretch of Connected time, zero while down.
	LinkUptime    time.Duration `json:"link_uptime"`
	SessionUptime time.Duration `json:"session_uptime"`

	// LinkReconnects and SessionReconnects count completed recoveries,
	// that is, transitions into Connected after the first.
	LinkReconnects    uint64 `json:"link_reconnects"`
	SessionReconnects uint64 `json:"session_reconnects"`

	// LinkFailures and SessionFailures count failed connection
	// attempts, including attempt timeouts.
	LinkFailures    uint64 `json:"link_failures"`
	SessionFailures uint64 `json:"session_failures"`

	MessagesSent    uint64 `json:"messages_sent"`
	MessagesFailed  uint64 `json:"messages_failed"`
	MessagesQueued  uint64 `json:"messages_queued"`
	MessagesDropped uint64 `json:"messages_dropped"`
	QueueEvictions  uint64 `json:"queue_evictions"`

	// LastLinkLoss and LastSessionLoss are when an established
	// connection was last observed lost; zero if never.
	LastLinkLoss    time.Time `json:"last_link_loss,omitzero"`
	LastSessionLoss time.Time `json:"last_session_loss,omitzero"`

	// SignalDBM is the most recent link signal reading, zero when the
	// driver has no radio.
	SignalDBM int `json:"signal_dbm"`

	// Quality folds SignalDBM into a 0..100 score, zero while the link
	// is down.
	Quality int `json:"quality"`

	QueueDepth int `json:"queue_depth"`
}

// Snapshot is a complete, consistent view of the Manager. The Manager
// refreshes it at the end of every Update and every mutating call, so
// reading it from another goroutine never touches live state.
type Snapshot struct {
	At time.Time `json:"at"`

	LinkState    State     `json:"link_state"`
	SessionState State     `json:"session_state"`
	LinkError    ErrorCode `json:"link_error"`
	SessionError ErrorCode `json:"session_error"`
	LastError    ErrorCode `json:"last_error"`

	LinkRetries    int `json:"link_retries"`
	SessionRetries int `json:"session_retries"`

	// Healthy reports whether the tick loop has fed the watchdog
	// recently.
	Healthy bool `json:"healthy"`

	// HealthError is the most recent end-to-end probe failure, empty
	// when the probe passes or is not configured.
	HealthError string `json:"health_error,omitempty"`

	Queue []QueuedInfo `json:"queue,omitempty"`

	Stats Stats `json:"stats"`
}

// SignalQuality maps a dBm reading onto a coarse 0..100 score. The
// bands match what the hardware's radio realistically delivers; there
// is no point pretending two readings a few dBm apart mean different
// things.
func SignalQuality(rssiDBM int) int {
	switch {
	case rssiDBM >= -50:
		return 100
	case rssiDBM >= -60:
		return 80
	case rssiDBM >= -70:
		return 60
	case rssiDBM >= -80:
		return 40
	case rssiDBM >= -90:
		return 20
	default:
		return 10
	}
}
