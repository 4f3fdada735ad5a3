// Package presence decides whether the tracked person is at the desk,
// based on scan observations of their BLE beacon. Raw radio sightings
// are noisy, so the detector applies hysteresis in both directions:
// arrivals need consecutive confirming detections, departures survive
// a grace window of misses before they are believed.
package presence

import (
	"log/slog"
	"strconv"
	"sync"
	"time"

	"github.com/nugget/deskd/internal/events"
)

// Status is the confirmed presence verdict. During the departure grace
// window the status remains Present; the beacon has to stay missing
// for the whole window before Away is declared.
type Status int

const (
	// StatusUnknown is the state before any confirmed observation.
	StatusUnknown Status = iota
	// StatusPresent means the beacon is confirmed nearby.
	StatusPresent
	// StatusAway means the beacon is confirmed gone.
	StatusAway
)

func (s Status) String() string {
	switch s {
	case StatusUnknown:
		return "unknown"
	case StatusPresent:
		return "present"
	case StatusAway:
		return "away"
	default:
		return "invalid"
	}
}

// MarshalJSON encodes the status as its string form.
func (s Status) MarshalJSON() ([]byte, error) {
	return strconv.AppendQuote(nil, s.String()), nil
}

// Observation is the outcome of one beacon scan.
type Observation struct {
	// Found reports whether the beacon was seen at all.
	Found bool

	// RSSI is the received signal strength in dBm when Found.
	RSSI int

	// At is when the scan concluded.
	At time.Time
}

// Outcome is how Observe classified an observation.
type Outcome int

const (
	// OutcomeMiss is an empty scan.
	OutcomeMiss Outcome = iota

	// OutcomeDetected is an accepted sighting at usable strength.
	OutcomeDetected

	// OutcomeFiltered is a sighting below MinRSSI. It advanced nothing.
	OutcomeFiltered
)

// Config tunes the detector. Zero fields take the defaults.
type Config struct {
	// MinRSSI is the weakest reading treated as a real sighting.
	// Weaker sightings are filtered: they neither confirm presence nor
	// count as misses.
	MinRSSI int

	// ConfirmDetections is how many consecutive accepted sightings
	// confirm an arrival.
	ConfirmDetections int

	// DepartureMisses is how many consecutive empty scans open the
	// departure grace window.
	DepartureMisses int

	// GracePeriod and GraceMaxAttempts bound the grace window: the
	// beacon is declared gone at the first empty scan at or past the
	// period, or once the window has consumed this many empty scans,
	// whichever comes first.
	GracePeriod      time.Duration
	GraceMaxAttempts int

	// OnChange fires on every confirmed presence flip. It runs on the
	// observing goroutine and must not block.
	OnChange func(present bool, at time.Time)

	Bus    *events.Bus
	Logger *slog.Logger
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		MinRSSI:           -80,
		ConfirmDetections: 2,
		DepartureMisses:   3,
		GracePeriod:       60 * time.Second,
		GraceMaxAttempts:  12,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.MinRSSI >= 0 {
		c.MinRSSI = def.MinRSSI
	}
	if c.ConfirmDetections <= 0 {
		c.ConfirmDetections = def.ConfirmDetections
	}
	if c.DepartureMisses <= 0 {
		c.DepartureMisses = def.DepartureMisses
	}
	if c.GracePeriod <= 0 {
		c.GracePeriod = def.GracePeriod
	}
	if c.GraceMaxAttempts <= 0 {
		c.GraceMaxAttempts = def.GraceMaxAttempts
	}
	return c
}

// Snapshot is a point-in-time view of the detector for diagnostic
// surfaces and the presence payload.
type Snapshot struct {
	Status  Status `json:"status"`
	Present bool   `json:"present"`

	InGrace       bool      `json:"in_grace"`
	GraceStarted  time.Time `json:"grace_started,omitzero"`
	GraceAttempts int       `json:"grace_attempts,omitempty"`

	LastSeen time.Time `json:"last_seen,omitzero"`
	LastRSSI int       `json:"last_rssi"`

	ArrivedAt  time.Time `json:"arrived_at,omitzero"`
	DepartedAt time.Time `json:"departed_at,omitzero"`

	Observations uint64 `json:"observations"`
	Detections   uint64 `json:"detections"`
	Filtered     uint64 `json:"filtered"`
}

// Detector turns scan observations into a debounced presence verdict.
// Observe must be called from one goroutine; Snapshot and the getters
// are safe from anywhere.
type Detector struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	mu            sync.RWMutex
	status        Status
	hits          int
	misses        int
	inGrace       bool
	graceStart    time.Time
	graceAttempts int
	lastSeen      time.Time
	lastRSSI      int
	arrivedAt     time.Time
	departedAt    time.Time
	observations  uint64
	detections    uint64
	filtered      uint64
}

// NewDetector creates a detector in StatusUnknown.
func NewDetector(cfg Config) *Detector {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Detector{
		cfg:    cfg,
		logger: logger,
		bus:    cfg.Bus,
	}
}

// Observe feeds one scan outcome through the hysteresis rules and
// reports how the reading was classified. All timing, including grace
// expiry, is judged against the observation's own timestamp; the
// detector never consults a wall clock of its own.
func (d *Detector) Observe(obs Observation) Outcome {
	d.mu.Lock()
	defer d.mu.Unlock()

	d.observations++

	if obs.Found && obs.RSSI < d.cfg.MinRSSI {
		// Too weak to trust. A reading this faint is as likely a
		// reflection from the next room as the person at the desk, so
		// it advances neither the arrival streak nor the miss streak.
		d.filtered++
		d.logger.Debug("beacon sighting below threshold, ignored",
			"rssi", obs.RSSI,
			"min_rssi", d.cfg.MinRSSI)
		return OutcomeFiltered
	}

	if obs.Found {
		d.observeFound(obs)
		return OutcomeDetected
	}
	d.observeMiss(obs)
	return OutcomeMiss
}

func (d *Detector) observeFound(obs Observation) {
	d.detections++
	d.lastSeen = obs.At
	d.lastRSSI = obs.RSSI
	d.misses = 0

	if d.inGrace {
		d.inGrace = false
		d.graceAttempts = 0
		d.logger.Info("beacon reacquired during grace window",
			"rssi", obs.RSSI)
		d.publish(events.KindGraceEnded, obs.At, map[string]any{
			"reason": "recovered",
			"rssi":   obs.RSSI,
		})
		return
	}

	if d.status == StatusPresent {
		return
	}

	d.hits++
	d.logger.Debug("beacon sighted",
		"rssi", obs.RSSI,
		"streak", d.hits,
		"needed", d.cfg.ConfirmDetections)
	if d.hits < d.cfg.ConfirmDetections {
		return
	}
	d.hits = 0
	d.status = StatusPresent
	d.arrivedAt = obs.At
	d.logger.Info("presence confirmed",
		"rssi", obs.RSSI)
	d.publish(events.KindPresenceChanged, obs.At, map[string]any{
		"present": true,
		"rssi":    obs.RSSI,
	})
	if d.cfg.OnChange != nil {
		d.cfg.OnChange(true, obs.At)
	}
}

func (d *Detector) observeMiss(obs Observation) {
	d.hits = 0

	if d.status != StatusPresent {
		return
	}

	if !d.inGrace {
		d.misses++
		d.logger.Debug("beacon missed",
			"streak", d.misses,
			"needed", d.cfg.DepartureMisses)
		if d.misses < d.cfg.DepartureMisses {
			return
		}
		d.inGrace = true
		d.graceStart = obs.At
		d.graceAttempts = 0
		d.logger.Info("departure grace window opened",
			"grace_period", d.cfg.GracePeriod,
			"max_attempts", d.cfg.GraceMaxAttempts)
		d.publish(events.KindGraceStarted, obs.At, map[string]any{
			"grace_period_sec": int(d.cfg.GracePeriod.Seconds()),
			"max_attempts":     d.cfg.GraceMaxAttempts,
		})
		return
	}

	d.graceAttempts++
	expired := obs.At.Sub(d.graceStart) >= d.cfg.GracePeriod
	exhausted := d.graceAttempts >= d.cfg.GraceMaxAttempts
	if !expired && !exhausted {
		return
	}

	reason := "expired"
	if exhausted && !expired {
		reason = "attempts"
	}
	d.inGrace = false
	d.misses = 0
	d.graceAttempts = 0
	d.status = StatusAway
	d.departedAt = obs.At
	d.logger.Info("departure confirmed",
		"reason", reason,
		"last_seen", d.lastSeen)
	d.publish(events.KindGraceEnded, obs.At, map[string]any{
		"reason": reason,
	})
	d.publish(events.KindPresenceChanged, obs.At, map[string]any{
		"present": false,
		"reason":  reason,
	})
	if d.cfg.OnChange != nil {
		d.cfg.OnChange(false, obs.At)
	}
}

func (d *Detector) publish(kind string, at time.Time, data map[string]any) {
	d.bus.Publish(events.Event{
		Timestamp: at,
		Source:    events.SourcePresence,
		Kind:      kind,
		Data:      data,
	})
}

// Present reports the visible presence verdict. It stays true through
// the grace window.
func (d *Detector) Present() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status == StatusPresent
}

// Status returns the confirmed state.
func (d *Detector) Status() Status {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.status
}

// InGrace reports whether the departure grace window is open.
func (d *Detector) InGrace() bool {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return d.inGrace
}

// Snapshot returns a copy of the detector's state.
func (d *Detector) Snapshot() Snapshot {
	d.mu.RLock()
	defer d.mu.RUnlock()
	return Snapshot{
		Status:        d.status,
		Present:       d.status == StatusPresent,
		InGrace:       d.inGrace,
		GraceStarted:  d.graceStart,
		GraceAttempts: d.graceAttempts,
		LastSeen:      d.lastSeen,
		LastRSSI:      d.lastRSSI,
		ArrivedAt:     d.arrivedAt,
		DepartedAt:    d.departedAt,
		Observations:  d.observations,
		Detections:    d.detections,
		Filtered:      d.filtered,
	}
}
