// Package nmlink is a link driver backed by NetworkManager over the
// system D-Bus. It asks NetworkManager to bring a device up, watches
// the device state to completion, and translates NM's state reasons
// into the shared error taxonomy. Wireless devices also surface the
// active access point's signal strength.
package nmlink

import (
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nugget/deskd/internal/netmgr"
)

const (
	nmBus       = "org.freedesktop.NetworkManager"
	nmPath      = "/org/freedesktop/NetworkManager"
	nmIface     = "org.freedesktop.NetworkManager"
	deviceIface = "org.freedesktop.NetworkManager.Device"
	wifiIface   = "org.freedesktop.NetworkManager.Device.Wireless"
	apIface     = "org.freedesktop.NetworkManager.AccessPoint"
	propsIface  = "org.freedesktop.DBus.Properties"
)

// NM_DEVICE_STATE values the driver cares about.
const (
	devStateDisconnected = 30
	devStatePrepare      = 40
	devStateActivated    = 100
	devStateDeactivating = 110
	devStateFailed       = 120
)

// NM_DEVICE_STATE_REASON values with a meaningful mapping. Everything
// else collapses to a generic connect failure.
const (
	reasonNoSecrets            = 7
	reasonSupplicantDisconnect = 8
	reasonSupplicantConfig     = 9
	reasonSupplicantFailed     = 10
	reasonSupplicantTimeout    = 11
)

// reasonCode maps a NetworkManager device state reason onto the error
// taxonomy. The supplicant reasons are the interesting ones: they are
// how a wrong passphrase or a vanished network actually presents.
func reasonCode(reason uint32) netmgr.ErrorCode {
	switch reason {
	case reasonNoSecrets, reasonSupplicantConfig:
		return netmgr.ErrorAuthFailure
	case reasonSupplicantTimeout:
		return netmgr.ErrorTimeout
	case reasonSupplicantDisconnect, reasonSupplicantFailed:
		return netmgr.ErrorConnectFailure
	default:
		return netmgr.ErrorConnectFailure
	}
}

// strengthToDBM converts NetworkManager's 0..100 percent strength to
// an approximate dBm figure.
func strengthToDBM(strength byte) int {
	return int(strength)/2 - 100
}

// Config tunes the link driver.
type Config struct {
	// Interface is the NetworkManager device name, e.g. wlan0.
	Interface string

	// PollInterval is how often device state is read while the driver
	// is watching an attempt or an established link (default 2s).
	PollInterval time.Duration

	Logger *slog.Logger
}

// Link implements [netmgr.LinkDriver] against NetworkManager. Connect
// requests activation and watches the device in the background; the
// manager observes progress through Status.
type Link struct {
	cfg    Config
	logger *slog.Logger

	conn   *dbus.Conn
	device dbus.ObjectPath

	mu        sync.Mutex
	state     netmgr.DriverState
	code      netmgr.ErrorCode
	err       error
	signalDBM int

	gen  int
	stop chan struct{}
}

// New connects to the system bus and resolves the device. It fails
// when NetworkManager is absent or does not manage the interface.
func New(cfg Config) (*Link, error) {
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var device dbus.ObjectPath
	err = conn.Object(nmBus, nmPath).
		Call(nmIface+".GetDeviceByIpIface", 0, cfg.Interface).
		Store(&device)
	if err != nil {
		conn.Close()
		return nil, fmt.Errorf("resolve device %s: %w", cfg.Interface, err)
	}

	return &Link{
		cfg:    cfg,
		logger: logger,
		conn:   conn,
		device: device,
	}, nil
}

// Close releases the bus connection. Call after Disconnect.
func (l *Link) Close() error {
	return l.conn.Close()
}

// Connect asks NetworkManager to activate the device and starts
// watching it. Calling it while up or mid-attempt is a no-op.
func (l *Link) Connect() error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.state != netmgr.DriverDown {
		return nil
	}
	l.gen++
	l.state = netmgr.DriverConnecting
	l.code = netmgr.ErrorNone
	l.err = nil
	l.stop = make(chan struct{})
	go l.watch(l.gen, l.stop)
	return nil
}

// watch drives one activation attempt and then keeps verifying the
// link until it drops or the generation moves on.
func (l *Link) watch(gen int, stop chan struct{}) {
	state, err := l.deviceState()
	if err != nil {
		l.setDown(gen, netmgr.ErrorConnectFailure, err)
		return
	}

	// Only activate when NetworkManager is not already on it;
	// autoconnect may have beaten us here.
	if state != devStateActivated && state < devStatePrepare {
		err := l.conn.Object(nmBus, nmPath).
			Call(nmIface+".ActivateConnection", 0,
				dbus.ObjectPath("/"), l.device, dbus.ObjectPath("/")).Err
		if err != nil {
			l.logger.Warn("activation request failed",
				"interface", l.cfg.Interface,
				"error", err)
			l.setDown(gen, netmgr.ErrorConnectFailure, err)
			return
		}
	}

	ticker := time.NewTicker(l.cfg.PollInterval)
	defer ticker.Stop()
	wasUp := false
	for {
		state, err := l.deviceState()
		if err != nil {
			l.setDown(gen, netmgr.ErrorConnectFailure, err)
			return
		}

		switch {
		case state == devStateActivated:
			wasUp = true
			if !l.setUp(gen, l.readSignal()) {
				return
			}

		case state == devStateFailed:
			reason := l.stateReason()
			l.logger.Warn("device activation failed",
				"interface", l.cfg.Interface,
				"reason", reason)
			l.setDown(gen, reasonCode(reason), fmt.Errorf("device failed, reason %d", reason))
			return

		case state <= devStateDisconnected || state == devStateDeactivating:
			if wasUp {
				l.setDown(gen, netmgr.ErrorConnectFailure,
					fmt.Errorf("device state %d after link was up", state))
				return
			}
			// An attempt can bounce through disconnected while NM
			// reconfigures; a stuck attempt is the manager's timeout
			// to call.

		default:
			// Mid-activation states; keep waiting.
		}

		select {
		case <-stop:
			return
		case <-ticker.C:
		}
	}
}

func (l *Link) deviceState() (uint32, error) {
	var v dbus.Variant
	err := l.conn.Object(nmBus, l.device).
		Call(propsIface+".Get", 0, deviceIface, "State").
		Store(&v)
	if err != nil {
		return 0, fmt.Errorf("read device state: %w", err)
	}
	state, ok := v.Value().(uint32)
	if !ok {
		return 0, fmt.Errorf("device state has type %T", v.Value())
	}
	return state, nil
}

// stateReason reads the device's (state, reason) pair, zero on error.
func (l *Link) stateReason() uint32 {
	var v dbus.Variant
	err := l.conn.Object(nmBus, l.device).
		Call(propsIface+".Get", 0, deviceIface, "StateReason").
		Store(&v)
	if err != nil {
		return 0
	}
	pair, ok := v.Value().([]any)
	if !ok || len(pair) != 2 {
		return 0
	}
	reason, _ := pair[1].(uint32)
	return reason
}

// readSignal returns the active access point strength in dBm, zero for
// wired devices or when the read fails.
func (l *Link) readSignal() int {
	var apVar dbus.Variant
	err := l.conn.Object(nmBus, l.device).
		Call(propsIface+".Get", 0, wifiIface, "ActiveAccessPoint").
		Store(&apVar)
	if err != nil {
		return 0
	}
	ap, ok := apVar.Value().(dbus.ObjectPath)
	if !ok || ap == "/" {
		return 0
	}

	var strVar dbus.Variant
	err = l.conn.Object(nmBus, ap).
		Call(propsIface+".Get", 0, apIface, "Strength").
		Store(&strVar)
	if err != nil {
		return 0
	}
	strength, ok := strVar.Value().(byte)
	if !ok {
		return 0
	}
	return strengthToDBM(strength)
}

func (l *Link) setUp(gen int, signalDBM int) bool {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return false
	}
	l.state = netmgr.DriverUp
	l.code = netmgr.ErrorNone
	l.err = nil
	l.signalDBM = signalDBM
	return true
}

func (l *Link) setDown(gen int, code netmgr.ErrorCode, err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	if gen != l.gen {
		return
	}
	l.state = netmgr.DriverDown
	l.code = code
	l.err = err
	l.signalDBM = 0
}

// Disconnect stops watching and asks NetworkManager to deactivate the
// device. Errors from the deactivation call are ignored; the device
// may already be down.
func (l *Link) Disconnect() error {
	l.mu.Lock()
	l.gen++
	l.state = netmgr.DriverDown
	l.code = netmgr.ErrorNone
	l.err = nil
	l.signalDBM = 0
	if l.stop != nil {
		close(l.stop)
		l.stop = nil
	}
	l.mu.Unlock()

	l.conn.Object(nmBus, l.device).Call(deviceIface+".Disconnect", 0)
	return nil
}

// Status reports the driver's view of the link.
func (l *Link) Status() netmgr.LinkStatus {
	l.mu.Lock()
	defer l.mu.Unlock()
	return netmgr.LinkStatus{
		State:     l.state,
		SignalDBM: l.signalDBM,
		Code:      l.code,
		Err:       l.err,
	}
}
