// Package netmgr keeps a device's network link and its broker session
// alive. Two state machines, one per layer, advance cooperatively from
// a single Update tick; the session machine never outlives the link it
// rides on. Messages published while the session is down land in a
// bounded queue and drain in order once it returns.
//
// The Manager is single-owner: Update and every mutating method must
// be called from the same goroutine, normally the unit tick loop.
// Snapshot, Stats, and the state getters read a copy refreshed after
// every mutation and are safe from anywhere.
package netmgr

import (
	"context"
	"log/slog"
	"math/rand/v2"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nugget/deskd/internal/events"
)

// healthProbeTimeout bounds one end-to-end health probe.
const healthProbeTimeout = 10 * time.Second

// Timing tunes one state machine's attempt behavior.
type Timing struct {
	// AttemptTimeout is how long one connection attempt may run before
	// it is declared failed.
	AttemptTimeout time.Duration

	// RetryInterval is the base backoff between attempts.
	RetryInterval time.Duration

	// MaxRetries is how many consecutive failed attempts move the
	// machine to Failed.
	MaxRetries int
}

// Config carries everything the Manager needs. Zero fields take the
// DefaultConfig values; MaxPayload of -1 disables the payload limit.
type Config struct {
	Link    Timing
	Session Timing

	// MaxBackoff caps the jittered exponential delay for both
	// machines.
	MaxBackoff time.Duration

	// FailedCooldown is how long a machine rests in Failed before
	// retrying from scratch.
	FailedCooldown time.Duration

	QueueCapacity   int
	QueueMaxRetries int

	// DrainPerTick bounds how many queued messages one Update may
	// attempt to send, so a deep queue cannot stall the tick.
	DrainPerTick int

	// MaxPayload is the largest accepted payload in bytes.
	MaxPayload int

	WatchdogTimeout time.Duration

	// HealthInterval is how often the optional HealthCheck probe runs
	// while the link is up. The probe runs on its own goroutine and
	// never blocks a tick.
	HealthInterval time.Duration
	HealthCheck    func(ctx context.Context) error

	// DiagnosticsInterval is how often OnDiagnostics fires and a
	// diagnostics event is published.
	DiagnosticsInterval time.Duration

	Callbacks Callbacks

	// Bus receives state transition and queue events. Nil is fine.
	Bus *events.Bus

	Logger *slog.Logger

	// Rand seeds backoff jitter. Test hook; nil uses the process-wide
	// source.
	Rand *rand.Rand

	// Now is a test hook for the clock used by mutating methods.
	// Update takes its time explicitly and ignores this.
	Now func() time.Time
}

// DefaultConfig returns the production tuning.
func DefaultConfig() Config {
	return Config{
		Link: Timing{
			AttemptTimeout: 30 * time.Second,
			RetryInterval:  10 * time.Second,
			MaxRetries:     5,
		},
		Session: Timing{
			AttemptTimeout: 15 * time.Second,
			RetryInterval:  8 * time.Second,
			MaxRetries:     3,
		},
		MaxBackoff:          60 * time.Second,
		FailedCooldown:      5 * time.Minute,
		QueueCapacity:       10,
		QueueMaxRetries:     3,
		DrainPerTick:        3,
		MaxPayload:          512,
		WatchdogTimeout:     30 * time.Second,
		HealthInterval:      30 * time.Second,
		DiagnosticsInterval: 30 * time.Second,
	}
}

func (c Config) withDefaults() Config {
	def := DefaultConfig()
	if c.Link.AttemptTimeout <= 0 {
		c.Link.AttemptTimeout = def.Link.AttemptTimeout
	}
	if c.Link.RetryInterval <= 0 {
		c.Link.RetryInterval = def.Link.RetryInterval
	}
	if c.Link.MaxRetries <= 0 {
		c.Link.MaxRetries = def.Link.MaxRetries
	}
	if c.Session.AttemptTimeout <= 0 {
		c.Session.AttemptTimeout = def.Session.AttemptTimeout
	}
	if c.Session.RetryInterval <= 0 {
		c.Session.RetryInterval = def.Session.RetryInterval
	}
	if c.Session.MaxRetries <= 0 {
		c.Session.MaxRetries = def.Session.MaxRetries
	}
	if c.MaxBackoff <= 0 {
		c.MaxBackoff = def.MaxBackoff
	}
	if c.FailedCooldown <= 0 {
		c.FailedCooldown = def.FailedCooldown
	}
	if c.QueueCapacity <= 0 {
		c.QueueCapacity = def.QueueCapacity
	}
	if c.QueueMaxRetries <= 0 {
		c.QueueMaxRetries = def.QueueMaxRetries
	}
	if c.DrainPerTick <= 0 {
		c.DrainPerTick = def.DrainPerTick
	}
	if c.MaxPayload == 0 {
		c.MaxPayload = def.MaxPayload
	}
	if c.WatchdogTimeout <= 0 {
		c.WatchdogTimeout = def.WatchdogTimeout
	}
	return c
}

// machine is the live state of one layer.
type machine struct {
	state        State
	code         ErrorCode
	retries      int
	attemptStart time.Time
	backoffUntil time.Time
	enteredAt    time.Time
	connectedAt  time.Time
}

// Manager runs the link and session state machines.
type Manager struct {
	cfg     Config
	link    LinkDriver
	session SessionDriver
	cb      Callbacks
	bus     *events.Bus
	logger  *slog.Logger

	wd    *Watchdog
	queue *Queue

	linkBackoff Backoff
	sessBackoff Backoff

	linkSM machine
	sessSM machine

	linkEverConnected bool
	sessEverConnected bool

	lastCode  ErrorCode
	lastRSSI  int
	startedAt time.Time

	sent, failed, queuedTotal, dropped, evictions uint64
	linkReconnects, sessReconnects                uint64
	linkFailures, sessFailures                    uint64
	lastLinkLoss, lastSessionLoss                 time.Time

	lastHealthAt time.Time
	lastDiagAt   time.Time
	probeBusy    atomic.Bool
	healthMu     sync.Mutex
	healthErr    error

	snapMu sync.RWMutex
	snap   Snapshot
}

// New wires a Manager around the two drivers. It panics on a nil
// driver; everything else misconfigured falls back to defaults.
func New(cfg Config, link LinkDriver, session SessionDriver) *Manager {
	if link == nil || session == nil {
		panic("netmgr: nil driver")
	}
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	m := &Manager{
		cfg:     cfg,
		link:    link,
		session: session,
		cb:      cfg.Callbacks,
		bus:     cfg.Bus,
		logger:  logger,
		wd:      NewWatchdog(cfg.WatchdogTimeout),
		queue:   NewQueue(cfg.QueueCapacity, cfg.QueueMaxRetries),
		linkBackoff: Backoff{
			Base: cfg.Link.RetryInterval,
			Max:  cfg.MaxBackoff,
			Rand: cfg.Rand,
		},
		sessBackoff: Backoff{
			Base: cfg.Session.RetryInterval,
			Max:  cfg.MaxBackoff,
			Rand: cfg.Rand,
		},
	}
	m.refreshSnapshot(m.now())
	return m
}

func (m *Manager) now() time.Time {
	if m.cfg.Now != nil {
		return m.cfg.Now()
	}
	return time.Now()
}

// Update advances both state machines one tick. Each call feeds the
// watchdog, polls the drivers, drains the offline queue when the
// session is up, and fires any due health or diagnostics work. It is
// cheap when nothing changed and must be called from the owning
// goroutine.
func (m *Manager) Update(now time.Time) {
	if m.startedAt.IsZero() {
		m.startedAt = now
		m.lastHealthAt = now
		m.lastDiagAt = now
	}
	m.wd.Feed(now)

	m.updateLink(now)
	m.updateSession(now)

	if m.sessSM.state == StateConnected {
		m.session.Poll(now)
		m.drainQueue(now)
	}

	m.maybeHealthProbe(now)
	m.maybeDiagnostics(now)
	m.refreshSnapshot(now)
}

func (m *Manager) updateLink(now time.Time) {
	switch m.linkSM.state {
	case StateIdle, StateDisabled:
		// Only explicit calls move these.

	case StateConnecting:
		st := m.link.Status()
		switch {
		case st.State == DriverUp:
			m.linkSM.retries = 0
			m.linkSM.connectedAt = now
			m.lastRSSI = st.SignalDBM
			if m.linkEverConnected {
				m.linkReconnects++
			} else {
				m.linkEverConnected = true
			}
			m.setLink(now, StateConnected, ErrorNone)
		case st.State == DriverDown && st.Code != ErrorNone:
			m.linkFailures++
			m.logger.Warn("link attempt failed",
				"code", st.Code.String(),
				"error", st.Err)
			m.enterLinkReconnecting(now, st.Code)
		case now.Sub(m.linkSM.attemptStart) >= m.cfg.Link.AttemptTimeout:
			m.linkFailures++
			m.logger.Warn("link attempt timed out",
				"timeout", m.cfg.Link.AttemptTimeout)
			m.link.Disconnect()
			m.enterLinkReconnecting(now, ErrorTimeout)
		}
		// Down with no code yet means the driver has no verdict;
		// keep waiting for the timeout.

	case StateConnected:
		st := m.link.Status()
		if st.State == DriverUp {
			m.lastRSSI = st.SignalDBM
			return
		}
		m.lastLinkLoss = now
		code := st.Code
		if code == ErrorNone {
			code = ErrorConnectFailure
		}
		m.logger.Warn("link lost",
			"code", code.String(),
			"error", st.Err)
		m.enterLinkReconnecting(now, code)

	case StateReconnecting:
		if now.Before(m.linkSM.backoffUntil) {
			return
		}
		if m.linkSM.retries < m.cfg.Link.MaxRetries {
			m.linkSM.retries++
			m.logger.Info("link retrying",
				"attempt", m.linkSM.retries,
				"max", m.cfg.Link.MaxRetries)
			m.startLinkAttempt(now)
			return
		}
		m.logger.Error("link retries exhausted, entering cooldown",
			"cooldown", m.cfg.FailedCooldown)
		m.setLink(now, StateFailed, m.linkSM.code)

	case StateFailed:
		if now.Sub(m.linkSM.enteredAt) >= m.cfg.FailedCooldown {
			m.linkSM.retries = 0
			m.logger.Info("link cooldown elapsed, resuming retries")
			m.enterLinkReconnecting(now, m.linkSM.code)
		}
	}
}

func (m *Manager) updateSession(now time.Time) {
	// The session rides on the link. The moment the link is not
	// Connected the session goes back to Idle, in the same tick.
	if m.linkSM.state != StateConnected {
		if m.sessSM.state != StateIdle && m.sessSM.state != StateDisabled {
			m.session.Disconnect()
			m.sessSM.retries = 0
			m.logger.Info("session idled, link down")
			m.setSession(now, StateIdle, m.sessSM.code)
		}
		return
	}

	switch m.sessSM.state {
	case StateIdle:
		// Link is up; bring the session with it.
		m.sessSM.retries = 0
		m.startSessionAttempt(now)

	case StateDisabled:

	case StateConnecting:
		st := m.session.Status()
		switch {
		case st.State == DriverUp:
			m.sessSM.retries = 0
			m.sessSM.connectedAt = now
			if m.sessEverConnected {
				m.sessReconnects++
			} else {
				m.sessEverConnected = true
			}
			m.setSession(now, StateConnected, ErrorNone)
		case st.State == DriverDown && st.Code != ErrorNone:
			m.sessFailures++
			m.logger.Warn("session attempt failed",
				"code", st.Code.String(),
				"error", st.Err)
			m.enterSessionReconnecting(now, st.Code)
		case now.Sub(m.sessSM.attemptStart) >= m.cfg.Session.AttemptTimeout:
			m.sessFailures++
			m.logger.Warn("session attempt timed out",
				"timeout", m.cfg.Session.AttemptTimeout)
			m.session.Disconnect()
			m.enterSessionReconnecting(now, ErrorTimeout)
		}

	case StateConnected:
		st := m.session.Status()
		if st.State == DriverUp {
			return
		}
		m.lastSessionLoss = now
		code := st.Code
		if code == ErrorNone {
			code = ErrorConnectFailure
		}
		m.logger.Warn("session lost",
			"code", code.String(),
			"error", st.Err)
		m.enterSessionReconnecting(now, code)

	case StateReconnecting:
		if now.Before(m.sessSM.backoffUntil) {
			return
		}
		if m.sessSM.retries < m.cfg.Session.MaxRetries {
			m.sessSM.retries++
			m.logger.Info("session retrying",
				"attempt", m.sessSM.retries,
				"max", m.cfg.Session.MaxRetries)
			m.startSessionAttempt(now)
			return
		}
		m.logger.Error("session retries exhausted, entering cooldown",
			"cooldown", m.cfg.FailedCooldown)
		m.setSession(now, StateFailed, m.sessSM.code)

	case StateFailed:
		if now.Sub(m.sessSM.enteredAt) >= m.cfg.FailedCooldown {
			m.sessSM.retries = 0
			m.logger.Info("session cooldown elapsed, resuming retries")
			m.enterSessionReconnecting(now, m.sessSM.code)
		}
	}
}

func (m *Manager) startLinkAttempt(now time.Time) {
	m.linkSM.attemptStart = now
	if err := m.link.Connect(); err != nil {
		m.linkFailures++
		m.logger.Warn("link connect did not start", "error", err)
		m.enterLinkReconnecting(now, ErrorConnectFailure)
		return
	}
	m.setLink(now, StateConnecting, m.linkSM.code)
}

func (m *Manager) startSessionAttempt(now time.Time) {
	m.sessSM.attemptStart = now
	if err := m.session.Connect(); err != nil {
		m.sessFailures++
		m.logger.Warn("session connect did not start", "error", err)
		m.enterSessionReconnecting(now, ErrorConnectFailure)
		return
	}
	m.setSession(now, StateConnecting, m.sessSM.code)
}

func (m *Manager) enterLinkReconnecting(now time.Time, code ErrorCode) {
	delay := m.linkBackoff.Delay(m.linkSM.retries)
	m.linkSM.backoffUntil = now.Add(delay)
	m.logger.Debug("link backoff",
		"delay", delay,
		"retries", m.linkSM.retries)
	m.setLink(now, StateReconnecting, code)
}

func (m *Manager) enterSessionReconnecting(now time.Time, code ErrorCode) {
	delay := m.sessBackoff.Delay(m.sessSM.retries)
	m.sessSM.backoffUntil = now.Add(delay)
	m.logger.Debug("session backoff",
		"delay", delay,
		"retries", m.sessSM.retries)
	m.setSession(now, StateReconnecting, code)
}

func (m *Manager) setLink(now time.Time, s State, code ErrorCode) {
	prev := m.linkSM.state
	if prev == s && m.linkSM.code == code {
		return
	}
	m.linkSM.state = s
	m.linkSM.code = code
	m.linkSM.enteredAt = now
	if code != ErrorNone {
		m.lastCode = code
	}
	m.logger.Info("link state",
		"from", prev.String(),
		"to", s.String(),
		"code", code.String())
	if m.cb.OnLinkState != nil {
		m.cb.OnLinkState(s, code)
	}
	m.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceNetmgr,
		Kind:      events.KindLinkState,
		Data: map[string]any{
			"from":    prev.String(),
			"state":   s.String(),
			"code":    code.String(),
			"retries": m.linkSM.retries,
		},
	})
}

func (m *Manager) setSession(now time.Time, s State, code ErrorCode) {
	prev := m.sessSM.state
	if prev == s && m.sessSM.code == code {
		return
	}
	m.sessSM.state = s
	m.sessSM.code = code
	m.sessSM.enteredAt = now
	if code != ErrorNone {
		m.lastCode = code
	}
	m.logger.Info("session state",
		"from", prev.String(),
		"to", s.String(),
		"code", code.String())
	if m.cb.OnSessionState != nil {
		m.cb.OnSessionState(s, code)
	}
	m.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceNetmgr,
		Kind:      events.KindSessionState,
		Data: map[string]any{
			"from":    prev.String(),
			"state":   s.String(),
			"code":    code.String(),
			"retries": m.sessSM.retries,
		},
	})
}

func (m *Manager) drainQueue(now time.Time) {
	for range m.cfg.DrainPerTick {
		outcome, msg := m.queue.DrainOne(m.session.Publish)
		switch outcome {
		case DrainEmpty:
			return
		case DrainSent:
			m.sent++
			m.logger.Debug("queued message sent",
				"topic", msg.Topic,
				"remaining", m.queue.Len())
			m.bus.Publish(events.Event{
				Timestamp: now,
				Source:    events.SourceNetmgr,
				Kind:      events.KindMessageSent,
				Data: map[string]any{
					"topic":  msg.Topic,
					"size":   len(msg.Payload),
					"queued": true,
				},
			})
		case DrainRetry:
			m.failed++
			m.logger.Debug("queued send failed, will retry",
				"topic", msg.Topic)
			return
		case DrainDrop:
			m.failed++
			m.dropped++
			m.logger.Warn("message dropped after repeated send failures",
				"topic", msg.Topic,
				"size", len(msg.Payload))
			m.bus.Publish(events.Event{
				Timestamp: now,
				Source:    events.SourceNetmgr,
				Kind:      events.KindMessageDropped,
				Data: map[string]any{
					"topic": msg.Topic,
					"size":  len(msg.Payload),
				},
			})
			return
		}
	}
}

func (m *Manager) maybeHealthProbe(now time.Time) {
	if m.cfg.HealthCheck == nil || m.cfg.HealthInterval <= 0 {
		return
	}
	if now.Sub(m.lastHealthAt) < m.cfg.HealthInterval {
		return
	}
	m.lastHealthAt = now
	if m.linkSM.state != StateConnected {
		return
	}
	if !m.probeBusy.CompareAndSwap(false, true) {
		return
	}
	check := m.cfg.HealthCheck
	go func() {
		defer m.probeBusy.Store(false)
		ctx, cancel := context.WithTimeout(context.Background(), healthProbeTimeout)
		defer cancel()
		err := check(ctx)
		m.healthMu.Lock()
		prev := m.healthErr
		m.healthErr = err
		m.healthMu.Unlock()
		if err != nil && prev == nil {
			m.logger.Warn("end to end probe failing", "error", err)
		} else if err == nil && prev != nil {
			m.logger.Info("end to end probe recovered")
		}
	}()
}

func (m *Manager) maybeDiagnostics(now time.Time) {
	if m.cfg.DiagnosticsInterval <= 0 {
		return
	}
	if now.Sub(m.lastDiagAt) < m.cfg.DiagnosticsInterval {
		return
	}
	m.lastDiagAt = now
	stats := m.statsAt(now)
	if m.cb.OnDiagnostics != nil {
		m.cb.OnDiagnostics(stats)
	}
	m.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceNetmgr,
		Kind:      events.KindDiagnostics,
		Data: map[string]any{
			"link":        m.linkSM.state.String(),
			"session":     m.sessSM.state.String(),
			"signal_dbm":  stats.SignalDBM,
			"quality":     stats.Quality,
			"queue_depth": stats.QueueDepth,
			"sent":        stats.MessagesSent,
			"failed":      stats.MessagesFailed,
			"dropped":     stats.MessagesDropped,
		},
	})
	m.logger.Debug("connection diagnostics",
		"link", m.linkSM.state.String(),
		"session", m.sessSM.state.String(),
		"signal_dbm", stats.SignalDBM,
		"quality", stats.Quality,
		"queue_depth", stats.QueueDepth,
		"sent", stats.MessagesSent,
		"failed", stats.MessagesFailed)
}

// ConnectLink starts a link attempt. It returns nil immediately when
// already Connected, ErrAttemptInFlight while an attempt or backoff is
// pending, and ErrDisabled when the operator turned the link off. From
// Idle or Failed a fresh attempt starts with the retry count reset;
// any start failure feeds the normal retry machinery, so nil here
// means "the machine is working on it", not "connected".
func (m *Manager) ConnectLink() error {
	switch m.linkSM.state {
	case StateConnected:
		return nil
	case StateConnecting, StateReconnecting:
		return ErrAttemptInFlight
	case StateDisabled:
		return ErrDisabled
	}
	now := m.now()
	m.linkSM.retries = 0
	m.startLinkAttempt(now)
	m.refreshSnapshot(now)
	return nil
}

// ConnectSession starts a session attempt, subject to the link being
// Connected. Semantics otherwise match ConnectLink. The Manager also
// starts the session on its own whenever the link is up and the
// session is Idle, so calling this is rarely necessary.
func (m *Manager) ConnectSession() error {
	if m.sessSM.state == StateDisabled {
		return ErrDisabled
	}
	if m.linkSM.state != StateConnected {
		return ErrLinkDown
	}
	switch m.sessSM.state {
	case StateConnected:
		return nil
	case StateConnecting, StateReconnecting:
		return ErrAttemptInFlight
	}
	now := m.now()
	m.sessSM.retries = 0
	m.startSessionAttempt(now)
	m.refreshSnapshot(now)
	return nil
}

// Publish sends a message, or queues it when the session is down. A
// nil return means delivered or accepted into the queue; the only
// errors are the bounded-buffer rejections, which apply before any
// network work. Publish never blocks beyond the driver's own send
// timeout.
func (m *Manager) Publish(topic string, payload []byte, retained bool, qos byte) error {
	msg := Message{Topic: topic, Payload: payload, Retained: retained, QoS: qos}
	if err := validateMessage(msg, m.cfg.MaxPayload); err != nil {
		m.logger.Warn("publish rejected",
			"topic", topic,
			"topic_len", len(topic),
			"size", len(payload),
			"error", err)
		return err
	}
	now := m.now()
	if m.sessSM.state == StateConnected {
		if err := m.session.Publish(msg); err == nil {
			m.sent++
			m.bus.Publish(events.Event{
				Timestamp: now,
				Source:    events.SourceNetmgr,
				Kind:      events.KindMessageSent,
				Data: map[string]any{
					"topic":  topic,
					"size":   len(payload),
					"queued": false,
				},
			})
			m.refreshSnapshot(now)
			return nil
		} else {
			m.failed++
			m.logger.Debug("direct publish failed, queueing",
				"topic", topic,
				"error", err)
		}
	}
	m.enqueue(msg, now)
	m.refreshSnapshot(now)
	return nil
}

func (m *Manager) enqueue(msg Message, now time.Time) {
	evicted, didEvict := m.queue.Enqueue(msg, now)
	if didEvict {
		m.evictions++
		m.logger.Warn("queue full, oldest message evicted",
			"evicted_topic", evicted.Topic,
			"topic", msg.Topic)
		m.bus.Publish(events.Event{
			Timestamp: now,
			Source:    events.SourceNetmgr,
			Kind:      events.KindQueueEvicted,
			Data: map[string]any{
				"evicted_topic": evicted.Topic,
				"topic":         msg.Topic,
			},
		})
	}
	m.queuedTotal++
	m.logger.Debug("message queued",
		"topic", msg.Topic,
		"depth", m.queue.Len())
	m.bus.Publish(events.Event{
		Timestamp: now,
		Source:    events.SourceNetmgr,
		Kind:      events.KindMessageQueued,
		Data: map[string]any{
			"topic": msg.Topic,
			"size":  len(msg.Payload),
			"depth": m.queue.Len(),
		},
	})
}

// Subscribe registers interest in a topic. It fails with
// ErrNotConnected unless the session is Connected; subscriptions are
// not replayed across reconnects, so callers re-subscribe from their
// OnSessionState hook.
func (m *Manager) Subscribe(topic string, qos byte) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if m.sessSM.state != StateConnected {
		return ErrNotConnected
	}
	return m.session.Subscribe(topic, qos)
}

// Unsubscribe removes a subscription. Same connectivity rule as
// Subscribe.
func (m *Manager) Unsubscribe(topic string) error {
	if err := validateTopic(topic); err != nil {
		return err
	}
	if m.sessSM.state != StateConnected {
		return ErrNotConnected
	}
	return m.session.Unsubscribe(topic)
}

// Disconnect tears down both layers and returns both machines to
// Idle. Disabled machines stay Disabled. Queued messages are kept.
func (m *Manager) Disconnect() {
	now := m.now()
	if m.sessSM.state != StateIdle && m.sessSM.state != StateDisabled {
		m.session.Disconnect()
		m.sessSM.retries = 0
		m.setSession(now, StateIdle, ErrorNone)
	}
	if m.linkSM.state != StateIdle && m.linkSM.state != StateDisabled {
		m.link.Disconnect()
		m.linkSM.retries = 0
		m.setLink(now, StateIdle, ErrorNone)
	}
	m.refreshSnapshot(now)
}

// Reset is Disconnect plus dropping everything held: the offline
// queue is cleared, the last error forgotten, and the statistics
// counters zeroed.
func (m *Manager) Reset() {
	m.Disconnect()
	now := m.now()
	if n := m.queue.Clear(); n > 0 {
		m.logger.Info("offline queue cleared", "discarded", n)
	}
	m.lastCode = ErrorNone
	m.sent, m.failed, m.queuedTotal, m.dropped, m.evictions = 0, 0, 0, 0, 0
	m.linkReconnects, m.sessReconnects = 0, 0
	m.linkFailures, m.sessFailures = 0, 0
	m.lastLinkLoss, m.lastSessionLoss = time.Time{}, time.Time{}
	m.refreshSnapshot(now)
}

// SetLinkEnabled turns the link machine on or off. Disabling tears
// down both layers; enabling returns the link to Idle without
// starting an attempt.
func (m *Manager) SetLinkEnabled(enabled bool) {
	now := m.now()
	if enabled {
		if m.linkSM.state == StateDisabled {
			m.logger.Info("link enabled")
			m.setLink(now, StateIdle, ErrorNone)
		}
		m.refreshSnapshot(now)
		return
	}
	if m.linkSM.state == StateDisabled {
		return
	}
	if m.sessSM.state != StateIdle && m.sessSM.state != StateDisabled {
		m.session.Disconnect()
		m.sessSM.retries = 0
		m.setSession(now, StateIdle, m.sessSM.code)
	}
	m.link.Disconnect()
	m.linkSM.retries = 0
	m.logger.Info("link disabled")
	m.setLink(now, StateDisabled, m.linkSM.code)
	m.refreshSnapshot(now)
}

// SetSessionEnabled turns the session machine on or off. Enabling
// returns it to Idle; the next Update brings it up if the link is
// Connected.
func (m *Manager) SetSessionEnabled(enabled bool) {
	now := m.now()
	if enabled {
		if m.sessSM.state == StateDisabled {
			m.logger.Info("session enabled")
			m.setSession(now, StateIdle, ErrorNone)
		}
		m.refreshSnapshot(now)
		return
	}
	if m.sessSM.state == StateDisabled {
		return
	}
	if m.sessSM.state != StateIdle {
		m.session.Disconnect()
	}
	m.sessSM.retries = 0
	m.logger.Info("session disabled")
	m.setSession(now, StateDisabled, m.sessSM.code)
	m.refreshSnapshot(now)
}

// Healthy reports whether the tick loop has fed the watchdog within
// half its timeout.
func (m *Manager) Healthy(now time.Time) bool {
	return m.wd.Healthy(now)
}

func (m *Manager) statsAt(now time.Time) Stats {
	s := Stats{
		LinkReconnects:    m.linkReconnects,
		SessionReconnects: m.sessReconnects,
		LinkFailures:      m.linkFailures,
		SessionFailures:   m.sessFailures,
		MessagesSent:      m.sent,
		MessagesFailed:    m.failed,
		MessagesQueued:    m.queuedTotal,
		MessagesDropped:   m.dropped,
		QueueEvictions:    m.evictions,
		LastLinkLoss:      m.lastLinkLoss,
		LastSessionLoss:   m.lastSessionLoss,
		SignalDBM:         m.lastRSSI,
		QueueDepth:        m.queue.Len(),
	}
	if m.linkSM.state == StateConnected {
		s.LinkUptime = now.Sub(m.linkSM.connectedAt)
		s.Quality = SignalQuality(m.lastRSSI)
	}
	if m.sessSM.state == StateConnected {
		s.SessionUptime = now.Sub(m.sessSM.connectedAt)
	}
	return s
}

func (m *Manager) refreshSnapshot(now time.Time) {
	snap := Snapshot{
		At:             now,
		LinkState:      m.linkSM.state,
		SessionState:   m.sessSM.state,
		LinkError:      m.linkSM.code,
		SessionError:   m.sessSM.code,
		LastError:      m.lastCode,
		LinkRetries:    m.linkSM.retries,
		SessionRetries: m.sessSM.retries,
		Healthy:        m.wd.Healthy(now),
		Queue:          m.queue.Snapshot(),
		Stats:          m.statsAt(now),
	}
	m.healthMu.Lock()
	if m.healthErr != nil {
		snap.HealthError = m.healthErr.Error()
	}
	m.healthMu.Unlock()
	m.snapMu.Lock()
	m.snap = snap
	m.snapMu.Unlock()
}

// Snapshot returns the view refreshed by the last mutation. Safe from
// any goroutine.
func (m *Manager) Snapshot() Snapshot {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap
}

// LinkState returns the link machine's state.
func (m *Manager) LinkState() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.LinkState
}

// SessionState returns the session machine's state.
func (m *Manager) SessionState() State {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.SessionState
}

// IsLinkConnected reports whether the link is Connected.
func (m *Manager) IsLinkConnected() bool {
	return m.LinkState() == StateConnected
}

// IsSessionConnected reports whether the session is Connected.
func (m *Manager) IsSessionConnected() bool {
	return m.SessionState() == StateConnected
}

// LastError returns the most recent failure cause from either
// machine, ErrorNone after a Reset.
func (m *Manager) LastError() ErrorCode {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.LastError
}

// Stats returns the counters as of the last mutation.
func (m *Manager) Stats() Stats {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.Stats
}

// QueueDepth returns how many messages wait in the offline queue.
func (m *Manager) QueueDepth() int {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.Stats.QueueDepth
}

// QueueSnapshot returns the queued messages as of the last mutation,
// oldest first.
func (m *Manager) QueueSnapshot() []QueuedInfo {
	m.snapMu.RLock()
	defer m.snapMu.RUnlock()
	return m.snap.Queue
}
