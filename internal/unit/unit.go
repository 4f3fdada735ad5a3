// Package unit is the appliance runtime: it owns the cooperative tick
// loop that drives the connectivity manager, schedules beacon scans,
// feeds the presence detector, and speaks the unit's five-topic
// contract with the broker (status, messages, responses, heartbeat,
// diagnostics).
package unit

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/nugget/deskd/internal/buildinfo"
	"github.com/nugget/deskd/internal/events"
	"github.com/nugget/deskd/internal/journal"
	"github.com/nugget/deskd/internal/netmgr"
	"github.com/nugget/deskd/internal/presence"
	"github.com/nugget/deskd/internal/scan"
)

// Response vocabulary understood by the central system.
const (
	ResponseAcknowledge = "ACKNOWLEDGE"
	ResponseBusy        = "BUSY"
)

// Topics is the unit's per-device topic set under the configured
// prefix.
type Topics struct {
	Status      string
	Messages    string
	Responses   string
	Heartbeat   string
	Diagnostics string
}

// TopicsFor builds the topic set for one unit. Exposed so the broker
// session's last-will can target the status topic before the runtime
// exists.
func TopicsFor(prefix, unitID string) Topics {
	base := prefix + "/" + unitID + "/"
	return Topics{
		Status:      base + "status",
		Messages:    base + "messages",
		Responses:   base + "responses",
		Heartbeat:   base + "heartbeat",
		Diagnostics: base + "diagnostics",
	}
}

// InboxMessage is one inbound broker message retained for the
// diagnostics API.
type InboxMessage struct {
	// ID is the message identifier extracted from the payload, empty
	// when the payload carries none.
	ID      string    `json:"id,omitempty"`
	Topic   string    `json:"topic"`
	Payload string    `json:"payload"`
	At      time.Time `json:"at"`
}

// Config wires the runtime together. Manager and Bus are required;
// Detector, Scheduler and Scanner come as a set when a beacon is
// configured; Journal is optional.
type Config struct {
	UnitID string
	Name   string

	TopicPrefix       string        // default "desk"
	TickInterval      time.Duration // default 50ms
	HeartbeatInterval time.Duration // default 5m
	InboxSize         int           // default 32

	// BeaconAddress is the MAC the scanner looks for. Empty disables
	// scanning even when a scanner is wired.
	BeaconAddress string

	Manager   *netmgr.Manager
	Detector  *presence.Detector
	Scheduler *scan.Scheduler
	Scanner   scan.Scanner
	Journal   *journal.Writer

	Bus    *events.Bus
	Logger *slog.Logger
}

// Unit runs the appliance's single cooperative loop. All broker and
// presence activity funnels through its tick; only the inbox and
// Respond are safe to touch from other goroutines.
type Unit struct {
	cfg     Config
	logger  *slog.Logger
	topics  Topics
	started time.Time

	prevSession netmgr.State
	prevPresent bool
	prevGrace   bool

	lastHeartbeat time.Time

	mu    sync.Mutex
	inbox []InboxMessage
}

// New validates the wiring and builds the runtime. It does not start
// anything; call Run.
func New(cfg Config) (*Unit, error) {
	if cfg.Manager == nil {
		return nil, fmt.Errorf("unit: manager is required")
	}
	if cfg.UnitID == "" {
		return nil, fmt.Errorf("unit: unit ID is required")
	}
	if cfg.TopicPrefix == "" {
		cfg.TopicPrefix = "desk"
	}
	if cfg.TickInterval <= 0 {
		cfg.TickInterval = 50 * time.Millisecond
	}
	if cfg.HeartbeatInterval <= 0 {
		cfg.HeartbeatInterval = 5 * time.Minute
	}
	if cfg.InboxSize <= 0 {
		cfg.InboxSize = 32
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	scanning := cfg.BeaconAddress != ""
	if scanning && (cfg.Detector == nil || cfg.Scheduler == nil || cfg.Scanner == nil) {
		return nil, fmt.Errorf("unit: beacon configured but detector, scheduler and scanner are not all wired")
	}

	return &Unit{
		cfg:         cfg,
		logger:      cfg.Logger,
		topics:      TopicsFor(cfg.TopicPrefix, cfg.UnitID),
		started:     time.Now(),
		prevSession: netmgr.StateIdle,
	}, nil
}

// Topics returns the unit's topic set.
func (u *Unit) Topics() Topics {
	return u.topics
}

// Run connects both machines and drives the tick loop until ctx is
// canceled. On shutdown a retained "offline" marker is left on the
// status topic, mirroring the session's last-will.
func (u *Unit) Run(ctx context.Context) error {
	if u.cfg.Journal != nil {
		u.cfg.Journal.Start()
		defer u.cfg.Journal.Stop()
	}

	u.logger.Info("unit runtime started",
		"unit_id", u.cfg.UnitID,
		"name", u.cfg.Name,
		"tick_interval", u.cfg.TickInterval,
		"beacon", u.cfg.BeaconAddress != "")

	// The session rides on the link; the manager brings it up on its
	// own once the link connects.
	if err := u.cfg.Manager.ConnectLink(); err != nil {
		u.logger.Warn("link connect request failed", "error", err)
	}

	ticker := time.NewTicker(u.cfg.TickInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			u.shutdown()
			return ctx.Err()
		case now := <-ticker.C:
			u.tick(ctx, now)
		}
	}
}

// tick is one pass of the cooperative loop. Scans run inline and may
// block for the scan window; the watchdog timeout leaves room for
// that.
func (u *Unit) tick(ctx context.Context, now time.Time) {
	u.cfg.Manager.Update(now)

	cur := u.cfg.Manager.SessionState()
	if cur == netmgr.StateConnected && u.prevSession != netmgr.StateConnected {
		u.onSessionConnected(now)
	}
	u.prevSession = cur

	if u.scanningEnabled() && u.cfg.Scheduler.Due(now) {
		u.runScan(ctx, now)
	}
	if u.cfg.Scheduler != nil {
		u.cfg.Scheduler.ReportDue(now)
	}

	if u.cfg.Manager.IsSessionConnected() &&
		(u.lastHeartbeat.IsZero() || now.Sub(u.lastHeartbeat) >= u.cfg.HeartbeatInterval) {
		u.publishHeartbeat(now)
		u.lastHeartbeat = now
	}
}

func (u *Unit) scanningEnabled() bool {
	return u.cfg.BeaconAddress != "" && u.cfg.Scanner != nil
}

// onSessionConnected re-establishes everything the broker does not
// replay for us: the messages subscription and the retained status.
func (u *Unit) onSessionConnected(now time.Time) {
	u.logger.Info("session established", "unit_id", u.cfg.UnitID)
	if err := u.cfg.Manager.Subscribe(u.topics.Messages, 1); err != nil {
		u.logger.Warn("subscribe failed", "topic", u.topics.Messages, "error", err)
	}
	u.publishStatus(now)
}

// runScan blocks for one scan window and feeds the outcome to the
// detector and scheduler. A scanner error advances the scan cadence
// but is not presence evidence: it neither counts as a miss nor burns
// grace attempts.
func (u *Unit) runScan(ctx context.Context, now time.Time) {
	res, err := u.cfg.Scanner.Scan(ctx, u.cfg.BeaconAddress, u.cfg.Scheduler.ScanDuration())
	if err != nil {
		u.logger.Warn("beacon scan failed", "error", err)
		u.cfg.Scheduler.Record(now, false)
		return
	}

	u.cfg.Detector.Observe(presence.Observation{
		Found: res.Found,
		RSSI:  res.RSSI,
		At:    now,
	})
	u.cfg.Scheduler.Record(now, res.Found)
	u.cfg.Scheduler.SetGraceActive(u.cfg.Detector.InGrace())

	present := u.cfg.Detector.Present()
	grace := u.cfg.Detector.InGrace()
	if present != u.prevPresent || grace != u.prevGrace {
		u.publishStatus(now)
	}
	u.prevPresent = present
	u.prevGrace = grace
}

type statusPayload struct {
	UnitID            string    `json:"unit_id"`
	Name              string    `json:"name"`
	Present           bool      `json:"present"`
	GracePeriodActive bool      `json:"grace_period_active"`
	LastSeen          time.Time `json:"last_seen,omitzero"`
	RSSI              int       `json:"rssi"`
	Quality           int       `json:"quality"`
	At                time.Time `json:"at"`
}

// publishStatus pushes the retained presence snapshot. It goes through
// the manager's publish path so it queues during outages like any
// other retained state.
func (u *Unit) publishStatus(now time.Time) {
	p := statusPayload{
		UnitID:  u.cfg.UnitID,
		Name:    u.cfg.Name,
		Quality: u.cfg.Manager.Stats().Quality,
		At:      now,
	}
	if u.cfg.Detector != nil {
		snap := u.cfg.Detector.Snapshot()
		p.Present = snap.Present
		p.GracePeriodActive = snap.InGrace
		p.LastSeen = snap.LastSeen
		p.RSSI = snap.LastRSSI
	}

	payload, err := json.Marshal(p)
	if err != nil {
		u.logger.Error("status payload not encodable", "error", err)
		return
	}
	if err := u.cfg.Manager.Publish(u.topics.Status, payload, true, 1); err != nil {
		u.logger.Warn("status publish failed", "error", err)
	}
}

type heartbeatPayload struct {
	UnitID        string       `json:"unit_id"`
	UptimeSeconds int64        `json:"uptime"`
	Version       string       `json:"version"`
	Quality       int          `json:"quality"`
	Stats         netmgr.Stats `json:"stats"`
}

// publishHeartbeat sends the periodic liveness beacon. Heartbeats are
// only sent while connected; queueing stale liveness would crowd out
// real state.
func (u *Unit) publishHeartbeat(now time.Time) {
	stats := u.cfg.Manager.Stats()
	payload, err := json.Marshal(heartbeatPayload{
		UnitID:        u.cfg.UnitID,
		UptimeSeconds: int64(now.Sub(u.started).Seconds()),
		Version:       buildinfo.Version,
		Quality:       stats.Quality,
		Stats:         stats,
	})
	if err != nil {
		u.logger.Error("heartbeat payload not encodable", "error", err)
		return
	}
	if err := u.cfg.Manager.Publish(u.topics.Heartbeat, payload, false, 0); err != nil {
		u.logger.Warn("heartbeat publish failed", "error", err)
	}
}

type diagnosticsPayload struct {
	UnitID string       `json:"unit_id"`
	At     time.Time    `json:"at"`
	Stats  netmgr.Stats `json:"stats"`
}

// PublishDiagnostics forwards a stats snapshot to the diagnostics
// topic. Wire it to the manager's diagnostics callback. Skipped while
// disconnected; the event bus still carries the snapshot to the
// journal.
func (u *Unit) PublishDiagnostics(stats netmgr.Stats) {
	if !u.cfg.Manager.IsSessionConnected() {
		return
	}
	payload, err := json.Marshal(diagnosticsPayload{
		UnitID: u.cfg.UnitID,
		At:     time.Now(),
		Stats:  stats,
	})
	if err != nil {
		u.logger.Error("diagnostics payload not encodable", "error", err)
		return
	}
	if err := u.cfg.Manager.Publish(u.topics.Diagnostics, payload, false, 0); err != nil {
		u.logger.Warn("diagnostics publish failed", "error", err)
	}
}

// HandleInbound records one broker message: inbox, event bus, log.
// Payload content is not interpreted beyond best-effort ID extraction;
// consumers own the semantics. Wire it to the session's message
// handler.
func (u *Unit) HandleInbound(topic string, payload []byte) {
	msg := InboxMessage{
		ID:      messageID(payload),
		Topic:   topic,
		Payload: string(payload),
		At:      time.Now(),
	}

	u.mu.Lock()
	u.inbox = append(u.inbox, msg)
	if len(u.inbox) > u.cfg.InboxSize {
		u.inbox = u.inbox[len(u.inbox)-u.cfg.InboxSize:]
	}
	u.mu.Unlock()

	u.logger.Info("message received",
		"topic", topic,
		"message_id", msg.ID,
		"bytes", len(payload))
	u.cfg.Bus.Publish(events.Event{
		Timestamp: msg.At,
		Source:    events.SourceUnit,
		Kind:      events.KindMessageReceived,
		Data: map[string]any{
			"topic":      topic,
			"message_id": msg.ID,
			"bytes":      len(payload),
		},
	})
}

// Inbox returns retained inbound messages, newest first.
func (u *Unit) Inbox() []InboxMessage {
	u.mu.Lock()
	defer u.mu.Unlock()
	out := make([]InboxMessage, len(u.inbox))
	for i, m := range u.inbox {
		out[len(u.inbox)-1-i] = m
	}
	return out
}

type responsePayload struct {
	UnitID    string    `json:"unit_id"`
	Name      string    `json:"name"`
	MessageID string    `json:"message_id"`
	Response  string    `json:"response"`
	At        time.Time `json:"at"`
}

// Respond publishes an operator response for a received message. Only
// the ACKNOWLEDGE/BUSY vocabulary is accepted.
func (u *Unit) Respond(messageID, response string) error {
	if messageID == "" {
		return fmt.Errorf("message ID is required")
	}
	response = strings.ToUpper(response)
	if response != ResponseAcknowledge && response != ResponseBusy {
		return fmt.Errorf("unsupported response %q", response)
	}

	at := time.Now()
	payload, err := json.Marshal(responsePayload{
		UnitID:    u.cfg.UnitID,
		Name:      u.cfg.Name,
		MessageID: messageID,
		Response:  response,
		At:        at,
	})
	if err != nil {
		return fmt.Errorf("encode response: %w", err)
	}
	if err := u.cfg.Manager.Publish(u.topics.Responses, payload, false, 1); err != nil {
		return fmt.Errorf("publish response: %w", err)
	}

	u.logger.Info("response sent", "message_id", messageID, "response", response)
	u.cfg.Bus.Publish(events.Event{
		Timestamp: at,
		Source:    events.SourceUnit,
		Kind:      events.KindResponseSent,
		Data: map[string]any{
			"message_id": messageID,
			"response":   response,
		},
	})
	return nil
}

// shutdown leaves a retained offline marker so watchers see a clean
// departure instead of waiting for the broker's last-will.
func (u *Unit) shutdown() {
	if u.cfg.Manager.IsSessionConnected() {
		if err := u.cfg.Manager.Publish(u.topics.Status, []byte("offline"), true, 1); err != nil {
			u.logger.Warn("offline status publish failed", "error", err)
		}
	}
	u.logger.Info("unit runtime stopped", "unit_id", u.cfg.UnitID)
}

// messageID pulls a message identifier out of an inbound payload. The
// central system sends either JSON with a message_id/id field or the
// plain "CID:<id> From:..." text form.
func messageID(payload []byte) string {
	var obj map[string]any
	if err := json.Unmarshal(payload, &obj); err == nil {
		for _, key := range []string{"message_id", "id"} {
			switch v := obj[key].(type) {
			case string:
				if v != "" {
					return v
				}
			case float64:
				return strconv.FormatInt(int64(v), 10)
			}
		}
		return ""
	}

	if rest, ok := strings.CutPrefix(string(payload), "CID:"); ok {
		if i := strings.IndexByte(rest, ' '); i >= 0 {
			rest = rest[:i]
		}
		return rest
	}
	return ""
}
