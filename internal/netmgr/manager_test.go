package netmgr

import (
	"errors"
	"fmt"
	"log/slog"
	"math/rand/v2"
	"strings"
	"testing"
	"time"

	"github.com/nugget/deskd/internal/events"
)

const tickStep = 50 * time.Millisecond

// fakeLink is a scriptable LinkDriver. Tests drive it by assigning
// status directly; Connect and Disconnect only count calls.
type fakeLink struct {
	status      LinkStatus
	connectErr  error
	connects    int
	disconnects int
}

func (f *fakeLink) Connect() error {
	f.connects++
	return f.connectErr
}

func (f *fakeLink) Disconnect() error {
	f.disconnects++
	f.status = LinkStatus{}
	return nil
}

func (f *fakeLink) Status() LinkStatus { return f.status }

// fakeSession is a scriptable SessionDriver.
type fakeSession struct {
	status      SessionStatus
	connectErr  error
	publishErr  error
	connects    int
	disconnects int
	polls       int
	publishes   int
	sent        []Message
	subs        []string
}

func (f *fakeSession) Connect() error {
	f.connects++
	return f.connectErr
}

func (f *fakeSession) Disconnect() error {
	f.disconnects++
	f.status = SessionStatus{}
	return nil
}

func (f *fakeSession) Status() SessionStatus { return f.status }

func (f *fakeSession) Publish(m Message) error {
	f.publishes++
	if f.publishErr != nil {
		return f.publishErr
	}
	f.sent = append(f.sent, m)
	return nil
}

func (f *fakeSession) Subscribe(topic string, qos byte) error {
	f.subs = append(f.subs, topic)
	return nil
}

func (f *fakeSession) Unsubscribe(topic string) error {
	for i, s := range f.subs {
		if s == topic {
			f.subs = append(f.subs[:i], f.subs[i+1:]...)
			break
		}
	}
	return nil
}

func (f *fakeSession) Poll(now time.Time) { f.polls++ }

// testConfig returns tuning small enough that jitter bands never
// overlap the tick steps the tests take.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.Link = Timing{AttemptTimeout: 10 * time.Second, RetryInterval: 10 * time.Second, MaxRetries: 2}
	cfg.Session = Timing{AttemptTimeout: 5 * time.Second, RetryInterval: 4 * time.Second, MaxRetries: 2}
	cfg.MaxBackoff = 20 * time.Second
	cfg.FailedCooldown = 60 * time.Second
	return cfg
}

// rig wires a Manager around fake drivers with a hand-cranked clock.
type rig struct {
	t    *testing.T
	m    *Manager
	link *fakeLink
	sess *fakeSession
	now  time.Time
}

func newRig(t *testing.T, mut func(*Config)) *rig {
	t.Helper()
	r := &rig{
		t:    t,
		link: &fakeLink{},
		sess: &fakeSession{},
		now:  time.Date(2025, 6, 1, 12, 0, 0, 0, time.UTC),
	}
	cfg := testConfig()
	cfg.Logger = slog.Default()
	cfg.Rand = rand.New(rand.NewPCG(1, 2))
	cfg.Now = func() time.Time { return r.now }
	if mut != nil {
		mut(&cfg)
	}
	r.m = New(cfg, r.link, r.sess)
	return r
}

// tick advances the clock and runs one Update.
func (r *rig) tick(d time.Duration) {
	r.now = r.now.Add(d)
	r.m.Update(r.now)
}

// bringUp walks both machines to Connected.
func (r *rig) bringUp() {
	r.t.Helper()
	if err := r.m.ConnectLink(); err != nil {
		r.t.Fatalf("ConnectLink: %v", err)
	}
	r.link.status = LinkStatus{State: DriverUp, SignalDBM: -55}
	r.tick(tickStep) // link connects, session attempt starts
	r.sess.status = SessionStatus{State: DriverUp}
	r.tick(tickStep) // session connects
	if !r.m.IsLinkConnected() || !r.m.IsSessionConnected() {
		r.t.Fatalf("bringUp failed: link=%v session=%v", r.m.LinkState(), r.m.SessionState())
	}
}

func TestManagerConnectLink_Idempotent(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	if err := r.m.ConnectLink(); err != nil {
		t.Fatalf("ConnectLink: %v", err)
	}
	if got := r.m.LinkState(); got != StateConnecting {
		t.Fatalf("LinkState = %v, want connecting", got)
	}
	if err := r.m.ConnectLink(); !errors.Is(err, ErrAttemptInFlight) {
		t.Errorf("second ConnectLink = %v, want ErrAttemptInFlight", err)
	}

	r.link.status = LinkStatus{State: DriverUp, SignalDBM: -60}
	r.tick(tickStep)
	if got := r.m.LinkState(); got != StateConnected {
		t.Fatalf("LinkState = %v after driver up, want connected", got)
	}

	// Connecting an established link is a no-op.
	if err := r.m.ConnectLink(); err != nil {
		t.Errorf("ConnectLink while connected = %v, want nil", err)
	}
	if r.link.connects != 1 {
		t.Errorf("driver Connect called %d times, want 1", r.link.connects)
	}
}

func TestManagerLink_AttemptTimeoutEntersBackoff(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	r.m.ConnectLink()
	// The driver never reaches a verdict; the 10s attempt timeout fires.
	r.tick(10 * time.Second)

	snap := r.m.Snapshot()
	if snap.LinkState != StateReconnecting {
		t.Fatalf("LinkState = %v after timeout, want reconnecting", snap.LinkState)
	}
	if snap.LinkError != ErrorTimeout {
		t.Errorf("LinkError = %v, want timeout", snap.LinkError)
	}
	if r.link.disconnects != 1 {
		t.Errorf("driver Disconnect called %d times, want 1 (abort the stuck attempt)", r.link.disconnects)
	}

	// Backoff for the first failure is at least the 10s base; 5s in
	// nothing happens.
	r.tick(5 * time.Second)
	if r.link.connects != 1 {
		t.Errorf("driver Connect called %d times during backoff, want 1", r.link.connects)
	}

	// Past the jitter ceiling (11s) the retry fires.
	r.tick(7 * time.Second)
	if got := r.m.LinkState(); got != StateConnecting {
		t.Fatalf("LinkState = %v after backoff elapsed, want connecting", got)
	}
	if r.link.connects != 2 {
		t.Errorf("driver Connect called %d times, want 2", r.link.connects)
	}
	if got := r.m.Snapshot().LinkRetries; got != 1 {
		t.Errorf("LinkRetries = %d, want 1", got)
	}
}

func TestManagerLink_RetriesExhaustToFailedThenCooldown(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	r.m.ConnectLink()
	r.tick(10 * time.Second) // attempt 1 times out
	r.tick(12 * time.Second) // retry 1 starts
	r.tick(10 * time.Second) // attempt 2 times out, backoff doubles to [18s,20s]
	r.tick(21 * time.Second) // retry 2 starts
	r.tick(10 * time.Second) // attempt 3 times out
	r.tick(21 * time.Second) // retries exhausted

	if got := r.m.LinkState(); got != StateFailed {
		t.Fatalf("LinkState = %v, want failed", got)
	}
	if r.link.connects != 3 {
		t.Errorf("driver Connect called %d times, want 3 (initial + 2 retries)", r.link.connects)
	}
	if got := r.m.Stats().LinkFailures; got != 3 {
		t.Errorf("LinkFailures = %d, want 3", got)
	}

	// Nothing happens during the 60s cooldown.
	r.tick(30 * time.Second)
	if got := r.m.LinkState(); got != StateFailed {
		t.Fatalf("LinkState = %v mid-cooldown, want failed", got)
	}

	// Cooldown elapses; retries resume from scratch.
	r.tick(30 * time.Second)
	if got := r.m.LinkState(); got != StateReconnecting {
		t.Fatalf("LinkState = %v after cooldown, want reconnecting", got)
	}
	r.tick(12 * time.Second)
	if got := r.m.LinkState(); got != StateConnecting {
		t.Fatalf("LinkState = %v, want connecting again", got)
	}
	if r.link.connects != 4 {
		t.Errorf("driver Connect called %d times, want 4", r.link.connects)
	}
}

func TestManagerSession_RequiresLink(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	if err := r.m.ConnectSession(); !errors.Is(err, ErrLinkDown) {
		t.Errorf("ConnectSession with link down = %v, want ErrLinkDown", err)
	}

	// Ticks without a link never start a session attempt.
	for range 5 {
		r.tick(tickStep)
	}
	if r.sess.connects != 0 {
		t.Errorf("session Connect called %d times without a link, want 0", r.sess.connects)
	}
}

func TestManagerSession_AutoStartsOnceLinkIsUp(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	r.m.ConnectLink()
	r.link.status = LinkStatus{State: DriverUp, SignalDBM: -58}
	r.tick(tickStep)

	if got := r.m.SessionState(); got != StateConnecting {
		t.Fatalf("SessionState = %v after link up, want connecting", got)
	}
	if r.sess.connects != 1 {
		t.Errorf("session Connect called %d times, want 1", r.sess.connects)
	}

	r.sess.status = SessionStatus{State: DriverUp}
	r.tick(tickStep)
	if got := r.m.SessionState(); got != StateConnected {
		t.Fatalf("SessionState = %v, want connected", got)
	}
}

func TestManagerSession_ForcedIdleInSameUpdateAsLinkLoss(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()

	// Kill the link. One Update must both notice the loss and idle the
	// session; there is no tick where the session claims a connection
	// the link cannot carry.
	r.link.status = LinkStatus{State: DriverDown}
	r.tick(tickStep)

	snap := r.m.Snapshot()
	if snap.LinkState != StateReconnecting {
		t.Errorf("LinkState = %v, want reconnecting", snap.LinkState)
	}
	if snap.SessionState != StateIdle {
		t.Errorf("SessionState = %v in the same update, want idle", snap.SessionState)
	}
	if r.sess.disconnects != 1 {
		t.Errorf("session Disconnect called %d times, want 1", r.sess.disconnects)
	}
}

func TestManagerScenario_LinkOutageQueuesThenDrains(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()

	// Router reboots.
	r.link.status = LinkStatus{State: DriverDown}
	r.tick(tickStep)

	// Publishes during the outage are accepted and held.
	for i := range 3 {
		if err := r.m.Publish(fmt.Sprintf("desk/t%d", i), []byte("payload"), false, 1); err != nil {
			t.Fatalf("Publish %d during outage: %v", i, err)
		}
	}
	if got := r.m.QueueDepth(); got != 3 {
		t.Fatalf("QueueDepth = %d, want 3", got)
	}
	if len(r.sess.sent) != 0 {
		t.Fatalf("driver saw %d sends while down, want 0", len(r.sess.sent))
	}

	// Router returns. Backoff elapses, the link retries and connects.
	r.tick(12 * time.Second)
	r.link.status = LinkStatus{State: DriverUp, SignalDBM: -52}
	r.tick(tickStep) // link connected, session attempt starts
	r.sess.status = SessionStatus{State: DriverUp}
	r.tick(tickStep) // session connected, queue drains this same tick

	if got := r.m.SessionState(); got != StateConnected {
		t.Fatalf("SessionState = %v, want connected", got)
	}
	if got := r.m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d after recovery, want 0", got)
	}
	for i, m := range r.sess.sent {
		if want := fmt.Sprintf("desk/t%d", i); m.Topic != want {
			t.Errorf("drained[%d] = %q, want %q (order preserved)", i, m.Topic, want)
		}
	}
	stats := r.m.Stats()
	if stats.MessagesQueued != 3 || stats.MessagesSent != 3 {
		t.Errorf("queued/sent = %d/%d, want 3/3", stats.MessagesQueued, stats.MessagesSent)
	}
}

func TestManagerScenario_BrokerRestartResubscribes(t *testing.T) {
	t.Parallel()
	var linkTransitions []State
	var r *rig
	r = newRig(t, func(cfg *Config) {
		cfg.Callbacks = Callbacks{
			OnLinkState: func(s State, code ErrorCode) {
				linkTransitions = append(linkTransitions, s)
			},
			OnSessionState: func(s State, code ErrorCode) {
				// Subscriptions are not replayed; this hook is where a
				// caller re-establishes them.
				if s == StateConnected {
					if err := r.m.Subscribe("desk/unit/cmd", 1); err != nil {
						t.Errorf("re-subscribe: %v", err)
					}
				}
			},
		}
	})
	r.bringUp()

	if len(r.sess.subs) != 1 {
		t.Fatalf("subscriptions after first connect = %d, want 1", len(r.sess.subs))
	}
	linkCount := len(linkTransitions)

	// Broker restarts under a healthy link.
	r.sess.status = SessionStatus{State: DriverDown}
	r.tick(tickStep)
	if got := r.m.SessionState(); got != StateReconnecting {
		t.Fatalf("SessionState = %v, want reconnecting", got)
	}
	if got := r.m.LinkState(); got != StateConnected {
		t.Fatalf("LinkState = %v during broker outage, want connected", got)
	}

	// Traffic during the outage queues.
	r.m.Publish("desk/q1", []byte("a"), false, 1)
	r.m.Publish("desk/q2", []byte("b"), false, 1)

	// Session backoff elapses and the retry succeeds.
	r.tick(5 * time.Second)
	if got := r.m.SessionState(); got != StateConnecting {
		t.Fatalf("SessionState = %v after backoff, want connecting", got)
	}
	r.sess.status = SessionStatus{State: DriverUp}
	r.tick(tickStep)

	if got := r.m.SessionState(); got != StateConnected {
		t.Fatalf("SessionState = %v, want connected", got)
	}
	if len(r.sess.subs) != 2 {
		t.Errorf("subscription calls = %d, want 2 (one per connect)", len(r.sess.subs))
	}
	if got := r.m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d after drain, want 0", got)
	}
	if len(linkTransitions) != linkCount {
		t.Errorf("link transitioned during broker outage: %v", linkTransitions[linkCount:])
	}
	if got := r.m.Stats().SessionReconnects; got != 1 {
		t.Errorf("SessionReconnects = %d, want 1", got)
	}
}

func TestManagerPublish_DirectWhenConnected(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()

	if err := r.m.Publish("desk/status", []byte("ok"), true, 1); err != nil {
		t.Fatalf("Publish: %v", err)
	}
	if len(r.sess.sent) != 1 {
		t.Fatalf("driver saw %d sends, want 1", len(r.sess.sent))
	}
	sent := r.sess.sent[0]
	if sent.Topic != "desk/status" || !sent.Retained || sent.QoS != 1 {
		t.Errorf("sent = %+v, want retained qos1 on desk/status", sent)
	}
	if got := r.m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d, want 0", got)
	}
	if got := r.m.Stats().MessagesSent; got != 1 {
		t.Errorf("MessagesSent = %d, want 1", got)
	}
}

func TestManagerPublish_BoundedBufferRejections(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	if err := r.m.Publish("", []byte("x"), false, 0); !errors.Is(err, ErrEmptyTopic) {
		t.Errorf("empty topic = %v, want ErrEmptyTopic", err)
	}
	long := strings.Repeat("a", MaxTopicLen+1)
	if err := r.m.Publish(long, []byte("x"), false, 0); !errors.Is(err, ErrTopicTooLong) {
		t.Errorf("long topic = %v, want ErrTopicTooLong", err)
	}
	big := make([]byte, 513)
	if err := r.m.Publish("desk/big", big, false, 0); !errors.Is(err, ErrPayloadTooLarge) {
		t.Errorf("oversize payload = %v, want ErrPayloadTooLarge", err)
	}

	// Rejected messages never reach the queue.
	if got := r.m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d after rejections, want 0", got)
	}
	if got := r.m.Stats().MessagesQueued; got != 0 {
		t.Errorf("MessagesQueued = %d, want 0", got)
	}

	// A payload at exactly the limit passes.
	if err := r.m.Publish("desk/fits", make([]byte, 512), false, 0); err != nil {
		t.Errorf("512-byte payload = %v, want nil", err)
	}
}

func TestManagerQueue_EvictsOldestBeyondCapacity(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	for i := range 12 {
		if err := r.m.Publish(fmt.Sprintf("desk/t%d", i), []byte("x"), false, 1); err != nil {
			t.Fatalf("Publish %d: %v", i, err)
		}
	}

	snap := r.m.Snapshot()
	if len(snap.Queue) != 10 {
		t.Fatalf("queue holds %d, want 10", len(snap.Queue))
	}
	if snap.Queue[0].Topic != "desk/t2" {
		t.Errorf("oldest held = %q, want desk/t2 (t0 and t1 evicted)", snap.Queue[0].Topic)
	}
	if got := snap.Stats.QueueEvictions; got != 2 {
		t.Errorf("QueueEvictions = %d, want 2", got)
	}
	if got := snap.Stats.MessagesQueued; got != 12 {
		t.Errorf("MessagesQueued = %d, want 12", got)
	}
}

func TestManagerQueue_DrainCapPerTick(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	for i := range 5 {
		r.m.Publish(fmt.Sprintf("desk/t%d", i), []byte("x"), false, 1)
	}
	r.bringUp() // the tick that connects the session already drains

	if len(r.sess.sent) != 3 {
		t.Fatalf("sent %d in first connected tick, want 3 (drain cap)", len(r.sess.sent))
	}
	if got := r.m.QueueDepth(); got != 2 {
		t.Fatalf("QueueDepth = %d, want 2", got)
	}

	r.tick(tickStep)
	if len(r.sess.sent) != 5 {
		t.Errorf("sent %d after second tick, want 5", len(r.sess.sent))
	}
	for i, m := range r.sess.sent {
		if want := fmt.Sprintf("desk/t%d", i); m.Topic != want {
			t.Errorf("sent[%d] = %q, want %q", i, m.Topic, want)
		}
	}
}

func TestManagerQueue_HeadDroppedAfterFourFailures(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	r.m.Publish("desk/doomed", []byte("x"), false, 1)
	r.bringUp() // drains the first copy while sends still work
	r.sess.publishErr = errSendFailed

	if got := r.m.QueueDepth(); got != 0 {
		t.Fatalf("QueueDepth = %d after bringUp, want 0 (drained)", got)
	}

	// Re-queue under a failing driver: session up but sends fail.
	r.m.Publish("desk/doomed", []byte("x"), false, 1)
	if got := r.m.QueueDepth(); got != 1 {
		t.Fatalf("QueueDepth = %d, want 1 (direct send failed, queued)", got)
	}

	// Each tick attempts the head exactly once and stops at the
	// failure. Three failures keep it; the fourth drops it.
	for i := 1; i <= 3; i++ {
		before := r.sess.publishes
		r.tick(tickStep)
		if r.sess.publishes != before+1 {
			t.Fatalf("tick %d made %d attempts, want 1", i, r.sess.publishes-before)
		}
		if got := r.m.QueueDepth(); got != 1 {
			t.Fatalf("QueueDepth = %d after failure %d, want 1", got, i)
		}
	}
	r.tick(tickStep)
	if got := r.m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d after fourth failure, want 0 (dropped)", got)
	}
	if got := r.m.Stats().MessagesDropped; got != 1 {
		t.Errorf("MessagesDropped = %d, want 1", got)
	}
}

func TestManagerSubscribe_GatedOnConnection(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	if err := r.m.Subscribe("desk/cmd", 1); !errors.Is(err, ErrNotConnected) {
		t.Errorf("Subscribe while down = %v, want ErrNotConnected", err)
	}
	if err := r.m.Subscribe(strings.Repeat("a", 129), 1); !errors.Is(err, ErrTopicTooLong) {
		t.Errorf("Subscribe long topic = %v, want ErrTopicTooLong", err)
	}

	r.bringUp()
	if err := r.m.Subscribe("desk/cmd", 1); err != nil {
		t.Fatalf("Subscribe while connected: %v", err)
	}
	if len(r.sess.subs) != 1 || r.sess.subs[0] != "desk/cmd" {
		t.Errorf("driver subs = %v, want [desk/cmd]", r.sess.subs)
	}
	if err := r.m.Unsubscribe("desk/cmd"); err != nil {
		t.Fatalf("Unsubscribe: %v", err)
	}
	if len(r.sess.subs) != 0 {
		t.Errorf("driver subs = %v after unsubscribe, want empty", r.sess.subs)
	}
}

func TestManagerDisconnect_BothIdleQueueKept(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()
	r.sess.status = SessionStatus{State: DriverDown}
	r.tick(tickStep) // session drops so the next publish queues
	r.m.Publish("desk/held", []byte("x"), false, 1)

	r.m.Disconnect()
	if got := r.m.LinkState(); got != StateIdle {
		t.Errorf("LinkState = %v after Disconnect, want idle", got)
	}
	if got := r.m.SessionState(); got != StateIdle {
		t.Errorf("SessionState = %v after Disconnect, want idle", got)
	}
	if r.link.disconnects == 0 {
		t.Error("link driver Disconnect never called")
	}
	if got := r.m.QueueDepth(); got != 1 {
		t.Errorf("QueueDepth = %d, want 1 (Disconnect keeps the queue)", got)
	}

	// Idle machines stay put without explicit connects.
	r.tick(tickStep)
	if r.m.LinkState() != StateIdle || r.m.SessionState() != StateIdle {
		t.Error("machines moved out of idle without a connect call")
	}
}

func TestManagerReset_ClearsQueueErrorAndStats(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.m.ConnectLink()
	r.tick(10 * time.Second) // timeout, so LastError and failure counters are set
	r.m.Publish("desk/held", []byte("x"), false, 1)

	if got := r.m.LastError(); got != ErrorTimeout {
		t.Fatalf("LastError = %v before reset, want timeout", got)
	}
	if got := r.m.Stats().LinkFailures; got == 0 {
		t.Fatalf("LinkFailures = 0 before reset, want > 0")
	}

	r.m.Reset()
	if got := r.m.QueueDepth(); got != 0 {
		t.Errorf("QueueDepth = %d after Reset, want 0", got)
	}
	if got := r.m.LastError(); got != ErrorNone {
		t.Errorf("LastError = %v after Reset, want none", got)
	}
	if got := r.m.LinkState(); got != StateIdle {
		t.Errorf("LinkState = %v after Reset, want idle", got)
	}

	st := r.m.Stats()
	if st.LinkFailures != 0 || st.MessagesQueued != 0 || st.MessagesSent != 0 {
		t.Errorf("Stats after Reset = %+v, want zeroed counters", st)
	}
	if !st.LastLinkLoss.IsZero() {
		t.Errorf("LastLinkLoss = %v after Reset, want zero", st.LastLinkLoss)
	}
}

func TestManagerSetLinkEnabled(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()

	r.m.SetLinkEnabled(false)
	if got := r.m.LinkState(); got != StateDisabled {
		t.Fatalf("LinkState = %v, want disabled", got)
	}
	if got := r.m.SessionState(); got != StateIdle {
		t.Fatalf("SessionState = %v when link disabled, want idle", got)
	}
	if err := r.m.ConnectLink(); !errors.Is(err, ErrDisabled) {
		t.Errorf("ConnectLink while disabled = %v, want ErrDisabled", err)
	}

	// Ticks change nothing while disabled.
	connects := r.link.connects
	for range 3 {
		r.tick(tickStep)
	}
	if r.link.connects != connects {
		t.Error("disabled link attempted to connect")
	}

	r.m.SetLinkEnabled(true)
	if got := r.m.LinkState(); got != StateIdle {
		t.Fatalf("LinkState = %v after enable, want idle", got)
	}
	if err := r.m.ConnectLink(); err != nil {
		t.Errorf("ConnectLink after enable = %v, want nil", err)
	}
}

func TestManagerSetSessionEnabled(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()

	r.m.SetSessionEnabled(false)
	if got := r.m.SessionState(); got != StateDisabled {
		t.Fatalf("SessionState = %v, want disabled", got)
	}
	if got := r.m.LinkState(); got != StateConnected {
		t.Fatalf("LinkState = %v, want connected (only the session was disabled)", got)
	}

	// The session stays down across ticks even with a healthy link.
	connects := r.sess.connects
	for range 3 {
		r.tick(tickStep)
	}
	if r.sess.connects != connects {
		t.Error("disabled session attempted to connect")
	}
	if err := r.m.ConnectSession(); !errors.Is(err, ErrDisabled) {
		t.Errorf("ConnectSession while disabled = %v, want ErrDisabled", err)
	}

	// Re-enabling lets the next tick bring it back on its own.
	r.m.SetSessionEnabled(true)
	r.sess.status = SessionStatus{}
	r.tick(tickStep)
	if r.sess.connects != connects+1 {
		t.Errorf("session Connect called %d times after enable, want %d", r.sess.connects, connects+1)
	}
}

func TestManagerSession_AuthFailureRetriesLikeAnyOther(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.m.ConnectLink()
	r.link.status = LinkStatus{State: DriverUp, SignalDBM: -60}
	r.tick(tickStep) // session attempt 1 starts

	// Broker rejects the credentials. Bad credentials are retried on
	// the same schedule as any failure; only the reported cause
	// differs.
	r.sess.status = SessionStatus{State: DriverDown, Code: ErrorBadCredentials, Err: errors.New("connack 0x86")}
	r.tick(tickStep)

	snap := r.m.Snapshot()
	if snap.SessionState != StateReconnecting {
		t.Fatalf("SessionState = %v, want reconnecting", snap.SessionState)
	}
	if snap.SessionError != ErrorBadCredentials {
		t.Errorf("SessionError = %v, want bad_credentials", snap.SessionError)
	}
	if got := r.m.LastError(); got != ErrorBadCredentials {
		t.Errorf("LastError = %v, want bad_credentials", got)
	}

	// Drive until retries exhaust. Each attempt keeps failing with the
	// same rejection.
	for range 10 {
		r.tick(5 * time.Second)
		r.sess.status = SessionStatus{State: DriverDown, Code: ErrorBadCredentials}
	}
	if got := r.m.SessionState(); got != StateFailed {
		t.Fatalf("SessionState = %v after exhaustion, want failed", got)
	}
	if r.sess.connects != 3 {
		t.Errorf("session Connect called %d times, want 3 (initial + 2 retries)", r.sess.connects)
	}

	// The cooldown ends and attempts resume; a credential fix on the
	// broker side needs no local intervention.
	r.tick(61 * time.Second)
	r.tick(5 * time.Second)
	if got := r.m.SessionState(); got != StateConnecting {
		t.Errorf("SessionState = %v after cooldown, want connecting", got)
	}
}

func TestManagerStats_QualityTracksSignalAndLink(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)
	r.bringUp()

	r.link.status = LinkStatus{State: DriverUp, SignalDBM: -65}
	r.tick(10 * time.Second)

	stats := r.m.Stats()
	if stats.SignalDBM != -65 {
		t.Errorf("SignalDBM = %d, want -65", stats.SignalDBM)
	}
	if stats.Quality != 60 {
		t.Errorf("Quality = %d for -65 dBm, want 60", stats.Quality)
	}
	if stats.LinkUptime < 10*time.Second {
		t.Errorf("LinkUptime = %v, want >= 10s", stats.LinkUptime)
	}
	if stats.SessionUptime < 10*time.Second {
		t.Errorf("SessionUptime = %v, want >= 10s", stats.SessionUptime)
	}

	// Down means quality zero, whatever the last reading said.
	r.link.status = LinkStatus{State: DriverDown}
	r.tick(tickStep)
	stats = r.m.Stats()
	if stats.Quality != 0 {
		t.Errorf("Quality = %d while down, want 0", stats.Quality)
	}
	if stats.LinkUptime != 0 {
		t.Errorf("LinkUptime = %v while down, want 0", stats.LinkUptime)
	}
	if stats.LastLinkLoss.IsZero() {
		t.Error("LastLinkLoss not recorded")
	}
}

func TestManagerDiagnostics_FiresOnInterval(t *testing.T) {
	t.Parallel()
	var fired int
	r := newRig(t, func(cfg *Config) {
		cfg.DiagnosticsInterval = 10 * time.Second
		cfg.Callbacks.OnDiagnostics = func(stats Stats) { fired++ }
	})

	for range 35 {
		r.tick(time.Second)
	}
	if fired != 3 {
		t.Errorf("diagnostics fired %d times over 35s at a 10s interval, want 3", fired)
	}
}

func TestManagerWatchdog_ReflectsTicking(t *testing.T) {
	t.Parallel()
	r := newRig(t, nil)

	if r.m.Healthy(r.now) {
		t.Error("healthy before any Update")
	}
	r.tick(tickStep)
	if !r.m.Healthy(r.now) {
		t.Error("unhealthy immediately after an Update")
	}
	// Half the 30s watchdog timeout with no ticks flips it.
	if r.m.Healthy(r.now.Add(16 * time.Second)) {
		t.Error("healthy 16s after the last Update, want unhealthy")
	}
}

func TestManagerBus_EmitsTransitionAndQueueEvents(t *testing.T) {
	t.Parallel()
	bus := events.New()
	ch := bus.Subscribe(32)
	defer bus.Unsubscribe(ch)

	r := newRig(t, func(cfg *Config) { cfg.Bus = bus })
	r.m.Publish("desk/offline", []byte("x"), false, 1)
	r.bringUp()

	kinds := map[string]int{}
drain:
	for {
		select {
		case e := <-ch:
			kinds[e.Kind]++
		default:
			break drain
		}
	}

	if kinds[events.KindMessageQueued] != 1 {
		t.Errorf("message_queued events = %d, want 1", kinds[events.KindMessageQueued])
	}
	if kinds[events.KindLinkState] < 2 {
		t.Errorf("link_state events = %d, want >= 2", kinds[events.KindLinkState])
	}
	if kinds[events.KindSessionState] < 2 {
		t.Errorf("session_state events = %d, want >= 2", kinds[events.KindSessionState])
	}
	if kinds[events.KindMessageSent] != 1 {
		t.Errorf("message_sent events = %d, want 1 (the drained publish)", kinds[events.KindMessageSent])
	}
}
