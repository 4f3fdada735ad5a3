package scan

import (
	"log/slog"
	"sync"
	"time"

	"github.com/nugget/deskd/internal/events"
)

// flipStreak is how many consecutive outcomes against the current
// belief open a verification burst.
const flipStreak = 2

// Config tunes the scheduler. Zero fields take the defaults.
type Config struct {
	// SearchingInterval and SearchingDuration govern ModeSearching:
	// short gaps, long windows, so an arriving beacon is caught fast.
	SearchingInterval time.Duration
	SearchingDuration time.Duration

	// MonitoringInterval and MonitoringDuration govern ModeMonitoring:
	// long gaps, short windows, minimal radio cost.
	MonitoringInterval time.Duration
	MonitoringDuration time.Duration

	// VerifyInterval and VerifyWindow govern ModeVerifying: scans come
	// every VerifyInterval until the mode has been held for at least
	// VerifyWindow, then the burst resolves by majority.
	VerifyInterval time.Duration
	VerifyWindow   time.Duration

	// GraceInterval overrides the mode interval while the presence
	// detector's departure grace window is open, so a quick return is
	// caught before the grace expires.
	GraceInterval time.Duration

	// ReportInterval is the cadence of the periodic statistics report.
	ReportInterval time.Duration

	Bus    *events.Bus
	Logger *slog.Logger
}

// DefaultConfig returns the production cadences.
func DefaultConfig() Config {
	return Config{
		SearchingInterval:  2 * time.Second,
		SearchingDuration:  3 * time.Second,
		MonitoringInterval: 8 * time.Second,
		MonitoringDuration: 1 * time.Second,
		VerifyInterval:     1 * time.Second,
		VerifyWindow:       6 * time.Second,
		GraceInterval:      5 * time.Second,
		ReportInterval:     60 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.SearchingInterval <= 0 {
		c.SearchingInterval = def.SearchingInterval
	}
	if c.SearchingDuration <= 0 {
		c.SearchingDuration = def.SearchingDuration
	}
	if c.MonitoringInterval <= 0 {
		c.MonitoringInterval = def.MonitoringInterval
	}
	if c.MonitoringDuration <= 0 {
		c.MonitoringDuration = def.MonitoringDuration
	}
	if c.VerifyInterval <= 0 {
		c.VerifyInterval = def.VerifyInterval
	}
	if c.VerifyWindow <= 0 {
		c.VerifyWindow = def.VerifyWindow
	}
	if c.GraceInterval <= 0 {
		c.GraceInterval = def.GraceInterval
	}
	if c.ReportInterval <= 0 {
		c.ReportInterval = def.ReportInterval
	}
	return c
}

// Stats is the scheduler's accumulated bookkeeping.
type Stats struct {
	Mode Mode `json:"mode"`

	Scans      uint64 `json:"scans"`
	Detections uint64 `json:"detections"`

	// DetectionRate is Detections over Scans, zero before the first
	// scan.
	DetectionRate float64 `json:"detection_rate"`

	// Time spent with each mode active, attributed by the gaps between
	// recorded scans.
	SearchingTime  time.Duration `json:"searching_time"`
	MonitoringTime time.Duration `json:"monitoring_time"`
	VerifyingTime  time.Duration `json:"verifying_time"`

	ModeChanges uint64 `json:"mode_changes"`

	GraceActive bool `json:"grace_active"`
}

// Scheduler decides when to scan and for how long. Due, Record, and
// SetGraceActive belong to the tick goroutine; Mode and Stats are safe
// from anywhere.
type Scheduler struct {
	cfg    Config
	logger *slog.Logger
	bus    *events.Bus

	mu          sync.RWMutex
	mode        Mode
	lastScan    time.Time
	lastRecord  time.Time
	graceActive bool

	// Streak of outcomes contradicting the current belief; opens a
	// verification burst at flipStreak.
	contrary int

	verifyStart time.Time
	verifyFound int
	verifyMiss  int

	scans      uint64
	detections uint64
	modeTime   [3]time.Duration
	changes    uint64

	lastReport time.Time
}

// NewScheduler creates a scheduler in ModeSearching.
func NewScheduler(cfg Config) *Scheduler {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Scheduler{
		cfg:    cfg,
		logger: logger,
		bus:    cfg.Bus,
	}
}

// Due reports whether a scan should start now. The first call is
// always due; after that the gap since the last recorded scan must
// reach the mode interval, or the grace interval while the departure
// grace window is open.
func (s *Scheduler) Due(now time.Time) bool {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.lastScan.IsZero() {
		return true
	}
	return now.Sub(s.lastScan) >= s.interval()
}

func (s *Scheduler) interval() time.Duration {
	if s.graceActive {
		return s.cfg.GraceInterval
	}
	switch s.mode {
	case ModeMonitoring:
		return s.cfg.MonitoringInterval
	case ModeVerifying:
		return s.cfg.VerifyInterval
	default:
		return s.cfg.SearchingInterval
	}
}

// ScanDuration returns how long the next scan window should run.
func (s *Scheduler) ScanDuration() time.Duration {
	s.mu.RLock()
	defer s.mu.RUnlock()
	switch s.mode {
	case ModeMonitoring, ModeVerifying:
		return s.cfg.MonitoringDuration
	default:
		return s.cfg.SearchingDuration
	}
}

// Record feeds one scan outcome back into the scheduler: counters
// advance, time is attributed to the active mode, and the mode machine
// moves. Call it once per completed scan, found or not.
func (s *Scheduler) Record(now time.Time, found bool) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if !s.lastRecord.IsZero() {
		if gap := now.Sub(s.lastRecord); gap > 0 {
			s.modeTime[s.mode] += gap
		}
	}
	s.lastRecord = now
	s.lastScan = now

	s.scans++
	if found {
		s.detections++
	}

	switch s.mode {
	case ModeSearching:
		// Belief: absent. Sightings are the contrary evidence.
		if found {
			s.contrary++
			if s.contrary >= flipStreak {
				s.enterVerifying(now)
			}
			return
		}
		s.contrary = 0

	case ModeMonitoring:
		// Belief: present. Misses are the contrary evidence.
		if !found {
			s.contrary++
			if s.contrary >= flipStreak {
				s.enterVerifying(now)
			}
			return
		}
		s.contrary = 0

	case ModeVerifying:
		if found {
			s.verifyFound++
		} else {
			s.verifyMiss++
		}
		if now.Sub(s.verifyStart) < s.cfg.VerifyWindow {
			return
		}
		// Majority decides; a tie means the evidence did not carry,
		// so presume absent and keep searching hard.
		next := ModeSearching
		if s.verifyFound > s.verifyMiss {
			next = ModeMonitoring
		}
		s.logger.Info("scan verification resolved",
			"found", s.verifyFound,
			"missed", s.verifyMiss,
			"mode", next.String())
		s.setMode(next)
	}
}

func (s *Scheduler) enterVerifying(now time.Time) {
	s.contrary = 0
	s.verifyStart = now
	s.verifyFound = 0
	s.verifyMiss = 0
	s.logger.Info("scan verification started",
		"from", s.mode.String())
	s.setMode(ModeVerifying)
}

func (s *Scheduler) setMode(m Mode) {
	if s.mode == m {
		return
	}
	s.logger.Debug("scan mode changed",
		"from", s.mode.String(),
		"to", m.String())
	s.mode = m
	s.changes++
}

// SetGraceActive tells the scheduler whether the presence detector's
// departure grace window is open. While it is, Due uses the grace
// interval regardless of mode.
func (s *Scheduler) SetGraceActive(active bool) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.graceActive == active {
		return
	}
	s.graceActive = active
	s.logger.Debug("scan grace override",
		"active", active,
		"interval", s.cfg.GraceInterval)
}

// ReportDue checks the report cadence. When a report is due it
// publishes a scan_report event with the current statistics and
// returns true; the first call only arms the cadence.
func (s *Scheduler) ReportDue(now time.Time) bool {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.lastReport.IsZero() {
		s.lastReport = now
		return false
	}
	if now.Sub(s.lastReport) < s.cfg.ReportInterval {
		return false
	}
	s.lastReport = now

	st := s.statsLocked()
	s.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceScan,
		Kind:      events.KindScanReport,
		Data: map[string]any{
			"mode":           st.Mode.String(),
			"scans":          st.Scans,
			"detections":     st.Detections,
			"detection_rate": st.DetectionRate,
			"searching_sec":  int(st.SearchingTime.Seconds()),
			"monitoring_sec": int(st.MonitoringTime.Seconds()),
			"verifying_sec":  int(st.VerifyingTime.Seconds()),
			"mode_changes":   st.ModeChanges,
			"grace_active":   st.GraceActive,
		},
	})
	s.logger.Debug("scan report",
		"mode", st.Mode.String(),
		"scans", st.Scans,
		"detections", st.Detections,
		"detection_rate", st.DetectionRate)
	return true
}

// Mode returns the current scheduler mode.
func (s *Scheduler) Mode() Mode {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.mode
}

// Stats returns a copy of the accumulated statistics.
func (s *Scheduler) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Scheduler) statsLocked() Stats {
	st := Stats{
		Mode:           s.mode,
		Scans:          s.scans,
		Detections:     s.detections,
		SearchingTime:  s.modeTime[ModeSearching],
		MonitoringTime: s.modeTime[ModeMonitoring],
		VerifyingTime:  s.modeTime[ModeVerifying],
		ModeChanges:    s.changes,
		GraceActive:    s.graceActive,
	}
	if s.scans > 0 {
		st.DetectionRate = float64(s.detections) / float64(s.scans)
	}
	return st
}
