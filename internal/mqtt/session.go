// Package mqtt is the broker session driver. It speaks MQTT 5 through
// a bare paho client over a connection it dials itself, and exposes
// the asynchronous connect / poll / publish surface the connectivity
// manager drives. Reconnection policy lives entirely in the manager;
// this package only ever makes the one attempt it was asked for.
package mqtt

import (
	"context"
	"crypto/tls"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/eclipse/paho.golang/paho"
	"github.com/nugget/deskd/internal/netmgr"
)

var errNotConnected = errors.New("mqtt: no live session")

// levelTrace is below Debug, used for wire-level payload logging.
const levelTrace = slog.Level(-8)

// Config describes one broker target. Zero timeouts take the defaults.
type Config struct {
	// Address is the broker host:port.
	Address string

	// UseTLS wraps the dialed connection in TLS. TLSConfig overrides
	// the default config when set.
	UseTLS    bool
	TLSConfig *tls.Config

	ClientID string
	Username string
	Password string

	// KeepAlive is the CONNECT keepalive in seconds (default 60).
	KeepAlive uint16

	// ConnectTimeout bounds one attempt end to end: dial, TLS, and the
	// CONNECT round trip (default 15s).
	ConnectTimeout time.Duration

	// PublishTimeout bounds each Publish, Subscribe, and Unsubscribe
	// call (default 3s).
	PublishTimeout time.Duration

	// Will, when set, is registered as the broker-side last-will
	// message so consumers see the unit go dark even when it cannot
	// say goodbye.
	Will *netmgr.Message

	// OnMessage receives inbound publishes during Poll, payload
	// forwarded verbatim. Nil drops them.
	OnMessage func(topic string, payload []byte)

	// InboundBuffer is how many inbound messages may wait between
	// Polls before the oldest arrivals are dropped (default 32).
	InboundBuffer int

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.KeepAlive == 0 {
		c.KeepAlive = 60
	}
	if c.ConnectTimeout <= 0 {
		c.ConnectTimeout = 15 * time.Second
	}
	if c.PublishTimeout <= 0 {
		c.PublishTimeout = 3 * time.Second
	}
	if c.InboundBuffer <= 0 {
		c.InboundBuffer = 32
	}
	return c
}

// Session implements [netmgr.SessionDriver] over one MQTT connection.
// Connect starts a single background attempt and returns; the manager
// watches progress through Status. All methods are safe for concurrent
// use, though in practice the manager serializes them on its tick.
type Session struct {
	cfg    Config
	logger *slog.Logger

	inbound chan netmgr.Message

	mu     sync.Mutex
	state  netmgr.DriverState
	code   netmgr.ErrorCode
	err    error
	client *paho.Client
	conn   net.Conn

	// gen identifies the current attempt. Callbacks and the attempt
	// goroutine carry the gen they were born with; a mismatch means
	// Disconnect or a newer attempt superseded them and their outcome
	// is discarded.
	gen int
}

// NewSession creates a session driver. It performs no I/O.
func NewSession(cfg Config) *Session {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Session{
		cfg:     cfg,
		logger:  logger,
		inbound: make(chan netmgr.Message, cfg.InboundBuffer),
	}
}

// Connect starts one connection attempt in the background. Calling it
// while connected or mid-attempt is a no-op.
func (s *Session) Connect() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != netmgr.DriverDown {
		return nil
	}
	s.gen++
	s.state = netmgr.DriverConnecting
	s.code = netmgr.ErrorNone
	s.err = nil
	go s.attempt(s.gen)
	return nil
}

func (s *Session) attempt(gen int) {
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.ConnectTimeout)
	defer cancel()

	conn, err := s.dial(ctx)
	if err != nil {
		s.logger.Debug("broker dial failed",
			"address", s.cfg.Address,
			"error", err)
		s.finishAttempt(gen, nil, nil, netmgr.ClassifyNetError(err), err)
		return
	}

	client := paho.NewClient(paho.ClientConfig{
		ClientID: s.cfg.ClientID,
		Conn:     conn,
		OnPublishReceived: []func(paho.PublishReceived) (bool, error){
			func(pr paho.PublishReceived) (bool, error) {
				s.enqueueInbound(pr.Packet)
				return true, nil
			},
		},
		OnClientError: func(err error) {
			s.connectionLost(gen, netmgr.ErrorConnectFailure, err)
		},
		OnServerDisconnect: func(d *paho.Disconnect) {
			s.connectionLost(gen, disconnectCode(d.ReasonCode),
				fmt.Errorf("server disconnect, reason 0x%02x", d.ReasonCode))
		},
	})

	cp := &paho.Connect{
		ClientID:   s.cfg.ClientID,
		CleanStart: true,
		KeepAlive:  s.cfg.KeepAlive,
	}
	if s.cfg.Username != "" {
		cp.Username = s.cfg.Username
		cp.UsernameFlag = true
	}
	if s.cfg.Password != "" {
		cp.Password = []byte(s.cfg.Password)
		cp.PasswordFlag = true
	}
	if w := s.cfg.Will; w != nil {
		cp.WillMessage = &paho.WillMessage{
			Topic:   w.Topic,
			Payload: w.Payload,
			QoS:     w.QoS,
			Retain:  w.Retained,
		}
	}

	ca, err := client.Connect(ctx, cp)
	if err != nil {
		code := netmgr.ClassifyNetError(err)
		if ca != nil && ca.ReasonCode >= 0x80 {
			code = connackCode(ca.ReasonCode)
			err = fmt.Errorf("broker refused connection, reason 0x%02x", ca.ReasonCode)
		}
		conn.Close()
		s.logger.Debug("broker connect failed",
			"address", s.cfg.Address,
			"code", code.String(),
			"error", err)
		s.finishAttempt(gen, nil, nil, code, err)
		return
	}

	s.logger.Log(ctx, levelTrace, "connack received",
		"reason_code", fmt.Sprintf("0x%02x", ca.ReasonCode),
		"session_present", ca.SessionPresent)
	s.finishAttempt(gen, client, conn, netmgr.ErrorNone, nil)
}

func (s *Session) dial(ctx context.Context) (net.Conn, error) {
	dialer := &net.Dialer{Timeout: s.cfg.ConnectTimeout}
	if !s.cfg.UseTLS {
		return dialer.DialContext(ctx, "tcp", s.cfg.Address)
	}
	tlsCfg := s.cfg.TLSConfig
	if tlsCfg == nil {
		tlsCfg = &tls.Config{MinVersion: tls.VersionTLS12}
	}
	td := &tls.Dialer{NetDialer: dialer, Config: tlsCfg}
	return td.DialContext(ctx, "tcp", s.cfg.Address)
}

// finishAttempt records an attempt outcome, unless the attempt was
// superseded, in which case any connection it made is torn down.
func (s *Session) finishAttempt(gen int, client *paho.Client, conn net.Conn, code netmgr.ErrorCode, err error) {
	s.mu.Lock()
	if gen != s.gen {
		s.mu.Unlock()
		if client != nil {
			client.Disconnect(&paho.Disconnect{ReasonCode: 0})
		}
		if conn != nil {
			conn.Close()
		}
		return
	}
	if err != nil {
		s.state = netmgr.DriverDown
		s.code = code
		s.err = err
		s.mu.Unlock()
		return
	}
	s.client = client
	s.conn = conn
	s.state = netmgr.DriverUp
	s.code = netmgr.ErrorNone
	s.err = nil
	s.mu.Unlock()
	s.logger.Debug("broker session established", "address", s.cfg.Address)
}

// connectionLost records an established session dying underneath us.
func (s *Session) connectionLost(gen int, code netmgr.ErrorCode, err error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if gen != s.gen || s.state != netmgr.DriverUp {
		return
	}
	s.state = netmgr.DriverDown
	s.code = code
	s.err = err
	s.client = nil
	if s.conn != nil {
		s.conn.Close()
		s.conn = nil
	}
	s.logger.Debug("broker session lost",
		"code", code.String(),
		"error", err)
}

// Disconnect tears the session down. Safe to call in any state; a
// pending attempt is orphaned and cleans up after itself.
func (s *Session) Disconnect() error {
	s.mu.Lock()
	client := s.client
	conn := s.conn
	s.client = nil
	s.conn = nil
	s.gen++
	s.state = netmgr.DriverDown
	s.code = netmgr.ErrorNone
	s.err = nil
	s.mu.Unlock()

	if client != nil {
		client.Disconnect(&paho.Disconnect{ReasonCode: 0})
	}
	if conn != nil {
		conn.Close()
	}
	return nil
}

// Status reports the driver's view of the session.
func (s *Session) Status() netmgr.SessionStatus {
	s.mu.Lock()
	defer s.mu.Unlock()
	return netmgr.SessionStatus{State: s.state, Code: s.code, Err: s.err}
}

// Publish sends one message, blocking at most PublishTimeout. QoS 0
// completes on write; higher levels wait for the broker's ack.
func (s *Session) Publish(msg netmgr.Message) error {
	client := s.liveClient()
	if client == nil {
		return errNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	_, err := client.Publish(ctx, &paho.Publish{
		Topic:   msg.Topic,
		Payload: msg.Payload,
		QoS:     msg.QoS,
		Retain:  msg.Retained,
	})
	return err
}

// Subscribe registers one topic filter with the broker.
func (s *Session) Subscribe(topic string, qos byte) error {
	client := s.liveClient()
	if client == nil {
		return errNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	_, err := client.Subscribe(ctx, &paho.Subscribe{
		Subscriptions: []paho.SubscribeOptions{{Topic: topic, QoS: qos}},
	})
	return err
}

// Unsubscribe removes one topic filter.
func (s *Session) Unsubscribe(topic string) error {
	client := s.liveClient()
	if client == nil {
		return errNotConnected
	}
	ctx, cancel := context.WithTimeout(context.Background(), s.cfg.PublishTimeout)
	defer cancel()
	_, err := client.Unsubscribe(ctx, &paho.Unsubscribe{
		Topics: []string{topic},
	})
	return err
}

func (s *Session) liveClient() *paho.Client {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.state != netmgr.DriverUp {
		return nil
	}
	return s.client
}

// Poll delivers buffered inbound messages to the OnMessage handler on
// the caller's goroutine. The paho client parks arrivals in a bounded
// channel from its own read loop; Poll is where they surface into the
// single-threaded tick world.
func (s *Session) Poll(now time.Time) {
	for {
		select {
		case msg := <-s.inbound:
			if s.cfg.OnMessage != nil {
				s.cfg.OnMessage(msg.Topic, msg.Payload)
			}
		default:
			return
		}
	}
}

func (s *Session) enqueueInbound(p *paho.Publish) {
	msg := netmgr.Message{
		Topic:    p.Topic,
		Payload:  p.Payload,
		Retained: p.Retain,
		QoS:      p.QoS,
	}
	for {
		select {
		case s.inbound <- msg:
			return
		default:
		}
		// Full: shed the oldest arrival so this one fits. Only the
		// paho read loop enqueues, so this settles in one retry.
		select {
		case old := <-s.inbound:
			s.logger.Warn("inbound buffer full, dropping oldest message",
				"topic", old.Topic)
		default:
		}
	}
}
