// Package scan schedules BLE beacon scans. Scanning competes with the
// wide-area radio for airtime, so the scheduler adapts its cadence to
// what it believes about the beacon: scan hard while searching for an
// absent beacon, back off once it is present, and burst briefly while
// verifying an apparent change of direction.
package scan

import (
	"context"
	"strconv"
	"time"
)

// Mode is the scheduler's current belief and, with it, its cadence.
type Mode int

const (
	// ModeSearching means the beacon is presumed absent; scan often and
	// long so an arrival is noticed quickly.
	ModeSearching Mode = iota
	// ModeMonitoring means the beacon is presumed present; scan rarely
	// and briefly to leave the radio alone.
	ModeMonitoring
	// ModeVerifying is the transient burst after consecutive outcomes
	// disagree with the current belief. It is held for a minimum window
	// and then resolved by majority.
	ModeVerifying
)

func (m Mode) String() string {
	switch m {
	case ModeSearching:
		return "searching"
	case ModeMonitoring:
		return "monitoring"
	case ModeVerifying:
		return "verifying"
	default:
		return "unknown"
	}
}

// MarshalJSON encodes the mode as its string form.
func (m Mode) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, m.String()), nil
}

// Result is the outcome of one scan window.
type Result struct {
	// Found reports whether the target beacon advertised during the
	// window.
	Found bool

	// RSSI is the strongest reading observed when Found, in dBm.
	RSSI int
}

// Scanner performs one bounded scan for a beacon. Scan blocks for at
// most dur (plus teardown) and returns what it saw; an error means the
// radio could not scan at all, not that the beacon was absent.
type Scanner interface {
	Scan(ctx context.Context, target string, dur time.Duration) (Result, error)
}

// ScannerFunc adapts a function to the Scanner interface.
type ScannerFunc func(ctx context.Context, target string, dur time.Duration) (Result, error)

// Scan calls f.
func (f ScannerFunc) Scan(ctx context.Context, target string, dur time.Duration) (Result, error) {
	return f(ctx, target, dur)
}
