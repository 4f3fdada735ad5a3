// Package bluez discovers a BLE beacon through the BlueZ system D-Bus
// API. Each call runs one bounded discovery window on the adapter and
// reports whether the target advertised during it, with the strongest
// observed RSSI.
package bluez

import (
	"context"
	"fmt"
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/godbus/dbus/v5"
	"github.com/nugget/deskd/internal/scan"
)

const (
	busName      = "org.bluez"
	adapterIface = "org.bluez.Adapter1"
	deviceIface  = "org.bluez.Device1"
	propsIface   = "org.freedesktop.DBus.Properties"

	propsChangedSig    = "org.freedesktop.DBus.Properties.PropertiesChanged"
	interfacesAddedSig = "org.freedesktop.DBus.ObjectManager.InterfacesAdded"
)

var matchRules = []string{
	"type='signal',interface='org.freedesktop.DBus.Properties',member='PropertiesChanged',path_namespace='/org/bluez'",
	"type='signal',interface='org.freedesktop.DBus.ObjectManager',member='InterfacesAdded'",
}

// Config tunes the scanner.
type Config struct {
	// Adapter is the controller name, e.g. hci0.
	Adapter string

	// RSSIFloor is handed to BlueZ as a discovery filter so weaker
	// advertisements never surface (default -80).
	RSSIFloor int

	Logger *slog.Logger
}

// Scanner implements [scan.Scanner] on top of a BlueZ adapter.
type Scanner struct {
	cfg     Config
	logger  *slog.Logger
	conn    *dbus.Conn
	adapter dbus.ObjectPath
}

// New connects to the system bus and verifies BlueZ is on it.
func New(cfg Config) (*Scanner, error) {
	if cfg.Adapter == "" {
		cfg.Adapter = "hci0"
	}
	if cfg.RSSIFloor == 0 {
		cfg.RSSIFloor = -80
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	conn, err := dbus.SystemBus()
	if err != nil {
		return nil, fmt.Errorf("connect to system bus: %w", err)
	}

	var names []string
	if err := conn.BusObject().Call("org.freedesktop.DBus.ListNames", 0).Store(&names); err != nil {
		conn.Close()
		return nil, fmt.Errorf("list bus names: %w", err)
	}
	if !slices.Contains(names, busName) {
		conn.Close()
		return nil, fmt.Errorf("%s not present on system bus", busName)
	}

	return &Scanner{
		cfg:     cfg,
		logger:  logger,
		conn:    conn,
		adapter: dbus.ObjectPath("/org/bluez/" + cfg.Adapter),
	}, nil
}

// Close releases the bus connection.
func (s *Scanner) Close() error {
	return s.conn.Close()
}

// deviceObjectPath maps a MAC address to its BlueZ object path under
// the adapter.
func deviceObjectPath(adapter dbus.ObjectPath, addr string) dbus.ObjectPath {
	escaped := strings.ReplaceAll(strings.ToUpper(addr), ":", "_")
	return adapter + dbus.ObjectPath("/dev_"+escaped)
}

// Scan runs one discovery window of at most dur looking for target and
// returns as soon as the beacon is sighted. A quiet window is not an
// error; only bus and adapter failures are.
func (s *Scanner) Scan(ctx context.Context, target string, dur time.Duration) (scan.Result, error) {
	ctx, cancel := context.WithTimeout(ctx, dur)
	defer cancel()

	device := deviceObjectPath(s.adapter, target)
	adapter := s.conn.Object(busName, s.adapter)

	// BlueZ keeps the last RSSI on cached device objects long after
	// the advertiser has left, so drop the object first and make
	// discovery prove the beacon is really here.
	adapter.Call(adapterIface+".RemoveDevice", 0, device)

	signals := make(chan *dbus.Signal, 16)
	s.conn.Signal(signals)
	defer s.conn.RemoveSignal(signals)
	for _, rule := range matchRules {
		if err := s.conn.BusObject().Call("org.freedesktop.DBus.AddMatch", 0, rule).Err; err != nil {
			return scan.Result{}, fmt.Errorf("add signal match: %w", err)
		}
	}
	defer func() {
		for _, rule := range matchRules {
			s.conn.BusObject().Call("org.freedesktop.DBus.RemoveMatch", 0, rule)
		}
	}()

	filter := map[string]dbus.Variant{
		"Transport": dbus.MakeVariant("le"),
		"RSSI":      dbus.MakeVariant(int16(s.cfg.RSSIFloor)),
	}
	if err := adapter.Call(adapterIface+".SetDiscoveryFilter", 0, filter).Err; err != nil {
		return scan.Result{}, fmt.Errorf("set discovery filter: %w", err)
	}
	if err := adapter.Call(adapterIface+".StartDiscovery", 0).Err; err != nil {
		return scan.Result{}, fmt.Errorf("start discovery: %w", err)
	}
	defer func() {
		if err := adapter.Call(adapterIface+".StopDiscovery", 0).Err; err != nil {
			s.logger.Warn("stop discovery failed", "adapter", s.cfg.Adapter, "error", err)
		}
	}()

	// Signals carry sightings; the ticker backstops any the bus
	// delivered before our match was in place.
	ticker := time.NewTicker(500 * time.Millisecond)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return scan.Result{}, nil

		case sig, ok := <-signals:
			if !ok {
				return scan.Result{}, fmt.Errorf("signal channel closed")
			}
			if rssi, ok := sightingFromSignal(sig, device); ok {
				s.logger.Log(ctx, slog.Level(-8), "beacon sighted", // config.LevelTrace
					"target", target, "rssi", rssi, "via", "signal")
				return scan.Result{Found: true, RSSI: rssi}, nil
			}

		case <-ticker.C:
			if rssi, ok := s.readRSSI(device); ok {
				s.logger.Log(ctx, slog.Level(-8), "beacon sighted", // config.LevelTrace
					"target", target, "rssi", rssi, "via", "poll")
				return scan.Result{Found: true, RSSI: rssi}, nil
			}
		}
	}
}

// sightingFromSignal extracts an RSSI for the watched device from a
// PropertiesChanged or InterfacesAdded signal, if it carries one.
func sightingFromSignal(sig *dbus.Signal, device dbus.ObjectPath) (int, bool) {
	switch sig.Name {
	case propsChangedSig:
		if sig.Path != device || len(sig.Body) < 2 {
			return 0, false
		}
		iface, ok := sig.Body[0].(string)
		if !ok || iface != deviceIface {
			return 0, false
		}
		props, ok := sig.Body[1].(map[string]dbus.Variant)
		if !ok {
			return 0, false
		}
		return rssiFromProps(props)

	case interfacesAddedSig:
		if len(sig.Body) < 2 {
			return 0, false
		}
		path, ok := sig.Body[0].(dbus.ObjectPath)
		if !ok || path != device {
			return 0, false
		}
		ifaces, ok := sig.Body[1].(map[string]map[string]dbus.Variant)
		if !ok {
			return 0, false
		}
		props, ok := ifaces[deviceIface]
		if !ok {
			return 0, false
		}
		return rssiFromProps(props)
	}
	return 0, false
}

func rssiFromProps(props map[string]dbus.Variant) (int, bool) {
	v, ok := props["RSSI"]
	if !ok {
		return 0, false
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, false
	}
	return int(rssi), true
}

// readRSSI reads the device's RSSI property directly. BlueZ only sets
// it while advertisements are arriving, so a successful read during a
// window that began with the object removed is a fresh sighting.
func (s *Scanner) readRSSI(device dbus.ObjectPath) (int, bool) {
	var v dbus.Variant
	err := s.conn.Object(busName, device).
		Call(propsIface+".Get", 0, deviceIface, "RSSI").
		Store(&v)
	if err != nil {
		return 0, false
	}
	rssi, ok := v.Value().(int16)
	if !ok {
		return 0, false
	}
	return int(rssi), true
}
