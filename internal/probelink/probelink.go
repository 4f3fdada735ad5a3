// Package probelink is a link driver for hardware whose network
// interface is managed elsewhere. It treats the link as up when a
// well-known TCP endpoint answers a dial, and re-verifies on an
// interval so a dead uplink is noticed without anyone asking.
package probelink

import (
	"log/slog"
	"net"
	"sync"
	"time"

	"github.com/nugget/deskd/internal/netmgr"
)

// Config tunes the prober. Zero fields take the defaults.
type Config struct {
	// Address is the host:port whose reachability stands in for "the
	// link is up". Something anycast and boring is the right choice.
	Address string

	// Timeout bounds a single probe dial (default 5s).
	Timeout time.Duration

	// Interval is how often the link is re-verified while up
	// (default 15s).
	Interval time.Duration

	Logger *slog.Logger
}

func (c Config) withDefaults() Config {
	if c.Timeout <= 0 {
		c.Timeout = 5 * time.Second
	}
	if c.Interval <= 0 {
		c.Interval = 15 * time.Second
	}
	return c
}

// Prober implements [netmgr.LinkDriver] with TCP reachability probes.
// Connect starts one probe in the background; while up, a loop keeps
// re-probing every Interval and flips Status to down on the first
// failure. SignalDBM is always zero, there is no radio here.
type Prober struct {
	cfg    Config
	logger *slog.Logger

	mu    sync.Mutex
	state netmgr.DriverState
	code  netmgr.ErrorCode
	err   error

	// gen identifies the current attempt; Disconnect bumps it and
	// closes stop so a running verify loop winds down promptly.
	gen  int
	stop chan struct{}
}

// New creates a prober. It performs no I/O.
func New(cfg Config) *Prober {
	cfg = cfg.withDefaults()
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Prober{cfg: cfg, logger: logger}
}

// Connect starts probing in the background. Calling it while up or
// mid-probe is a no-op.
func (p *Prober) Connect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	if p.state != netmgr.DriverDown {
		return nil
	}
	p.gen++
	p.state = netmgr.DriverConnecting
	p.code = netmgr.ErrorNone
	p.err = nil
	p.stop = make(chan struct{})
	go p.run(p.gen, p.stop)
	return nil
}

// run probes once to establish the link, then keeps re-verifying until
// a probe fails, the generation moves on, or stop closes.
func (p *Prober) run(gen int, stop chan struct{}) {
	if err := p.probe(); err != nil {
		p.logger.Debug("link probe failed",
			"address", p.cfg.Address,
			"error", err)
		p.setDown(gen, netmgr.ClassifyNetError(err), err)
		return
	}
	if !p.setUp(gen) {
		return
	}
	p.logger.Debug("link probe succeeded", "address", p.cfg.Address)

	ticker := time.NewTicker(p.cfg.Interval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
		}
		if err := p.probe(); err != nil {
			p.logger.Debug("link verification failed",
				"address", p.cfg.Address,
				"error", err)
			p.setDown(gen, netmgr.ClassifyNetError(err), err)
			return
		}
	}
}

func (p *Prober) probe() error {
	conn, err := net.DialTimeout("tcp", p.cfg.Address, p.cfg.Timeout)
	if err != nil {
		return err
	}
	return conn.Close()
}

func (p *Prober) setUp(gen int) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return false
	}
	p.state = netmgr.DriverUp
	p.code = netmgr.ErrorNone
	p.err = nil
	return true
}

func (p *Prober) setDown(gen int, code netmgr.ErrorCode, err error) {
	p.mu.Lock()
	defer p.mu.Unlock()
	if gen != p.gen {
		return
	}
	p.state = netmgr.DriverDown
	p.code = code
	p.err = err
}

// Disconnect stops probing. The link state becomes a clean down.
func (p *Prober) Disconnect() error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.gen++
	p.state = netmgr.DriverDown
	p.code = netmgr.ErrorNone
	p.err = nil
	if p.stop != nil {
		close(p.stop)
		p.stop = nil
	}
	return nil
}

// Status reports the driver's view of the link.
func (p *Prober) Status() netmgr.LinkStatus {
	p.mu.Lock()
	defer p.mu.Unlock()
	return netmgr.LinkStatus{State: p.state, Code: p.code, Err: p.err}
}
