// Deskd is the connectivity and presence daemon for a networked desk
// appliance.
//
// It keeps the unit's network link and broker session alive through
// outages, scans for the occupant's BLE beacon, publishes presence and
// status over MQTT, and accepts occupant responses to inbound messages.
// Configuration is loaded from a single YAML file discovered
// automatically (see [config.DefaultSearchPaths]).
//
// Usage:
//
//	deskd serve              Start the daemon
//	deskd init [dir]         Initialize a working directory with defaults
//	deskd version            Print version and build information
//	deskd -o json version    Output version information as JSON
package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"strings"
	"syscall"
	"time"

	"github.com/nugget/deskd/internal/bluez"
	"github.com/nugget/deskd/internal/buildinfo"
	"github.com/nugget/deskd/internal/config"
	"github.com/nugget/deskd/internal/diag"
	"github.com/nugget/deskd/internal/events"
	"github.com/nugget/deskd/internal/journal"
	"github.com/nugget/deskd/internal/mqtt"
	"github.com/nugget/deskd/internal/netcheck"
	"github.com/nugget/deskd/internal/netmgr"
	"github.com/nugget/deskd/internal/nmlink"
	"github.com/nugget/deskd/internal/presence"
	"github.com/nugget/deskd/internal/probelink"
	"github.com/nugget/deskd/internal/scan"
	"github.com/nugget/deskd/internal/unit"

	_ "github.com/mattn/go-sqlite3" // SQLite driver for database/sql
)

// main is intentionally minimal. It constructs the OS-level environment
// (context, stdio, argv) and delegates immediately to [run]. This keeps
// os.Exit, os.Stdout, and os.Args out of the application logic so that
// the full startup-to-shutdown lifecycle can be driven from tests.
func main() {
	ctx := context.Background()

	if err := run(ctx, os.Stdout, os.Stderr, os.Args[1:]); err != nil {
		fmt.Fprintf(os.Stderr, "%s\n", err)
		os.Exit(1)
	}
}

// run is the real entry point for the deskd command. All OS-level
// dependencies are injected as parameters:
//
//   - ctx controls the lifetime of the process. Cancelling it triggers
//     graceful shutdown of the unit loop and all background goroutines.
//   - stdout and stderr receive all program output. Structured logs go
//     to stdout; fatal error messages go to stderr.
//   - args is os.Args[1:], the command-line arguments after the program
//     name. We parse these manually rather than using the flag package
//     to avoid global state that interferes with parallel tests.
//
// run returns nil on clean shutdown and a non-nil error for any failure.
// The caller (main) is responsible for printing the error and exiting.
func run(ctx context.Context, stdout io.Writer, stderr io.Writer, args []string) error {
	// Parse arguments by hand. The flag package relies on package-level
	// globals (flag.CommandLine), which makes it impossible to call run()
	// concurrently from tests. Our argument surface is small enough that
	// manual parsing is clearer than bringing in a CLI framework.
	var configPath string
	var outputFmt string // "text" (default) or "json"
	var command string
	var cmdArgs []string

	for i := 0; i < len(args); i++ {
		switch {
		case args[i] == "-config" && i+1 < len(args):
			configPath = args[i+1]
			i++ // skip the value
		case strings.HasPrefix(args[i], "-config="):
			configPath = strings.TrimPrefix(args[i], "-config=")
		case (args[i] == "-o" || args[i] == "--output") && i+1 < len(args):
			outputFmt = args[i+1]
			i++
		case strings.HasPrefix(args[i], "-o="):
			outputFmt = strings.TrimPrefix(args[i], "-o=")
		case strings.HasPrefix(args[i], "--output="):
			outputFmt = strings.TrimPrefix(args[i], "--output=")
		case args[i] == "-h" || args[i] == "-help" || args[i] == "--help":
			return printUsage(stdout)
		case !strings.HasPrefix(args[i], "-") && command == "":
			command = args[i]
		default:
			if command != "" {
				// Collect remaining args as subcommand arguments.
				cmdArgs = append(cmdArgs, args[i])
			} else {
				return fmt.Errorf("unknown flag: %s", args[i])
			}
		}
	}

	// Default to human-readable text output.
	if outputFmt == "" {
		outputFmt = "text"
	}
	if outputFmt != "text" && outputFmt != "json" {
		return fmt.Errorf("unknown output format: %q (expected text or json)", outputFmt)
	}

	switch command {
	case "serve":
		return runServe(ctx, stdout, stderr, configPath)
	case "init":
		dir := "."
		if len(cmdArgs) > 0 {
			dir = cmdArgs[0]
		}
		return runInit(stdout, dir)
	case "version":
		return runVersion(stdout, outputFmt)
	case "":
		return printUsage(stdout)
	default:
		return fmt.Errorf("unknown command: %s", command)
	}
}

// runVersion prints build metadata in the requested output format.
func runVersion(w io.Writer, outputFmt string) error {
	info := buildinfo.BuildInfo()
	if outputFmt == "json" {
		enc := json.NewEncoder(w)
		enc.SetIndent("", "  ")
		return enc.Encode(info)
	}
	fmt.Fprintln(w, buildinfo.String())
	// Print fields in a stable order for human readability.
	for _, k := range []string{"version", "git_commit", "git_branch", "build_time", "go_version", "os", "arch"} {
		if v, ok := info[k]; ok {
			fmt.Fprintf(w, "  %-12s %s\n", k+":", v)
		}
	}
	return nil
}

// printUsage writes the top-level help text to w. It is called when
// deskd is invoked with no arguments, or with -h / --help.
func printUsage(w io.Writer) error {
	fmt.Fprintln(w, "Deskd - Desk Appliance Connectivity Daemon")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Usage: deskd [flags] <command> [args]")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Commands:")
	fmt.Fprintln(w, "  serve        Start the daemon")
	fmt.Fprintln(w, "  init [dir]   Initialize working directory with defaults (default: .)")
	fmt.Fprintln(w, "  version      Show version information")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Flags:")
	fmt.Fprintln(w, "  -config <path>    Path to config file (default: auto-discover)")
	fmt.Fprintln(w, "  -o, --output fmt  Output format: text (default) or json")
	fmt.Fprintln(w)
	fmt.Fprintln(w, "Config search order:")
	fmt.Fprintln(w, "  ./config.yaml, ~/.config/deskd/config.yaml, /etc/deskd/config.yaml")
	return nil
}

// runServe handles the "deskd serve" subcommand. It is the primary
// operating mode: loads config, opens the journal database, builds the
// link and session drivers, wires the connection manager and presence
// pipeline into the unit runtime, starts the diagnostics server, and
// blocks in the unit tick loop until a shutdown signal arrives.
//
// The shutdown sequence is:
//  1. SIGINT or SIGTERM cancels the context
//  2. The unit publishes a retained "offline" status if it can
//  3. The manager disconnects both drivers cleanly
//  4. The diagnostics server drains in-flight requests
//  5. The journal database and D-Bus connections close via defers
func runServe(ctx context.Context, stdout io.Writer, stderr io.Writer, configPath string) error {
	logger := newLogger(stdout, slog.LevelInfo, "text")
	logger.Info("starting deskd", "version", buildinfo.Version, "commit", buildinfo.GitCommit, "branch", buildinfo.GitBranch, "built", buildinfo.BuildTime)

	cfg, cfgPath, err := loadConfig(configPath)
	if err != nil {
		return err
	}

	// Reconfigure logger now that we know the desired level and format.
	// The initial Info-level text logger is used only for the startup
	// banner and config load message; everything after this point uses
	// the configured level and format.
	{
		level := slog.LevelInfo
		if cfg.LogLevel != "" {
			// ParseLogLevel is already validated by config.Validate(), so
			// this error path should be unreachable in practice.
			level, _ = config.ParseLogLevel(cfg.LogLevel)
		}
		logger = newLogger(stdout, level, cfg.LogFormat)
	}

	logger.Info("config loaded",
		"path", cfgPath,
		"broker", cfg.Session.Broker,
		"link_driver", cfg.Link.Driver,
		"presence", cfg.Presence.Configured(),
	)

	// --- Data directory ---
	// All persistent state (the unit identity file and the SQLite event
	// journal) lives under this directory.
	if err := os.MkdirAll(cfg.DataDir, 0755); err != nil {
		return fmt.Errorf("create data directory %s: %w", cfg.DataDir, err)
	}

	// --- Unit identity ---
	// The unit ID anchors the topic namespace and the MQTT client ID.
	// An explicit config value wins; otherwise a generated UUID is
	// persisted under the data directory so identity survives restarts.
	unitID := cfg.Unit.ID
	if unitID == "" {
		unitID, err = unit.LoadOrCreateUnitID(cfg.DataDir)
		if err != nil {
			return fmt.Errorf("load unit id: %w", err)
		}
	}
	logger.Info("unit identity loaded", "unit_id", unitID, "name", cfg.Unit.Name)

	bus := events.New()
	topics := unit.TopicsFor(cfg.Topics.Prefix, unitID)

	// Forward-declare the unit so the session's OnMessage callback and
	// the manager's diagnostics callback can reference it. Both closures
	// capture by reference and only ever fire from inside u.Run's tick,
	// by which time the unit is fully constructed.
	var u *unit.Unit

	// --- Link driver ---
	// The wide-area link layer. The probe driver verifies reachability
	// with TCP dials; the networkmanager driver owns a real interface
	// over D-Bus and reports radio signal strength.
	var link netmgr.LinkDriver
	switch cfg.Link.Driver {
	case "networkmanager":
		nm, err := nmlink.New(nmlink.Config{
			Interface: cfg.Link.NMInterface,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("networkmanager link %s: %w", cfg.Link.NMInterface, err)
		}
		defer nm.Close()
		link = nm
		logger.Info("link driver ready", "driver", "networkmanager", "interface", cfg.Link.NMInterface)
	default:
		link = probelink.New(probelink.Config{
			Address: cfg.Link.ProbeAddress,
			Timeout: time.Duration(cfg.Link.AttemptTimeoutSec) * time.Second,
			Logger:  logger,
		})
		logger.Info("link driver ready", "driver", "probe", "address", cfg.Link.ProbeAddress)
	}

	// --- Session driver ---
	// One MQTT connection to the central broker. The last will targets
	// the retained status topic so consumers see the unit go dark even
	// on power loss; a clean shutdown publishes the same marker itself.
	brokerAddr, useTLS, err := cfg.Session.BrokerEndpoint()
	if err != nil {
		return err
	}
	clientID := cfg.Session.ClientID
	if clientID == "" {
		clientID = "deskd-" + unitID
	}
	session := mqtt.NewSession(mqtt.Config{
		Address:        brokerAddr,
		UseTLS:         useTLS,
		ClientID:       clientID,
		Username:       cfg.Session.Username,
		Password:       cfg.Session.Password,
		KeepAlive:      uint16(cfg.Session.KeepAliveSec),
		ConnectTimeout: time.Duration(cfg.Session.AttemptTimeoutSec) * time.Second,
		PublishTimeout: time.Duration(cfg.Session.PublishTimeoutSec) * time.Second,
		Will: &netmgr.Message{
			Topic:    topics.Status,
			Payload:  []byte("offline"),
			Retained: true,
			QoS:      1,
		},
		OnMessage: func(topic string, payload []byte) {
			if u != nil {
				u.HandleInbound(topic, payload)
			}
		},
		Logger: logger,
	})
	logger.Info("session driver ready", "broker", brokerAddr, "client_id", clientID, "tls", useTLS)

	// --- Connection manager ---
	// The dual state machines that keep link and session alive. The
	// optional HTTP health probe catches the half-dead case where the
	// driver looks fine but nothing routes.
	mcfg := netmgr.Config{
		Link: netmgr.Timing{
			AttemptTimeout: time.Duration(cfg.Link.AttemptTimeoutSec) * time.Second,
			RetryInterval:  time.Duration(cfg.Link.RetryIntervalSec) * time.Second,
			MaxRetries:     cfg.Link.MaxRetries,
		},
		Session: netmgr.Timing{
			AttemptTimeout: time.Duration(cfg.Session.AttemptTimeoutSec) * time.Second,
			RetryInterval:  time.Duration(cfg.Session.RetryIntervalSec) * time.Second,
			MaxRetries:     cfg.Session.MaxRetries,
		},
		MaxBackoff:          time.Duration(cfg.Backoff.MaxIntervalSec) * time.Second,
		FailedCooldown:      time.Duration(cfg.Backoff.FailedCooldownSec) * time.Second,
		QueueCapacity:       cfg.Queue.Capacity,
		QueueMaxRetries:     cfg.Queue.MaxRetries,
		DrainPerTick:        cfg.Queue.DrainPerTick,
		MaxPayload:          cfg.Session.MaxPayload,
		WatchdogTimeout:     time.Duration(cfg.Watchdog.TimeoutSec) * time.Second,
		HealthInterval:      time.Duration(cfg.Health.IntervalSec) * time.Second,
		DiagnosticsInterval: time.Duration(cfg.Diagnostics.IntervalSec) * time.Second,
		Callbacks: netmgr.Callbacks{
			OnDiagnostics: func(stats netmgr.Stats) {
				if u != nil {
					u.PublishDiagnostics(stats)
				}
			},
		},
		Bus:    bus,
		Logger: logger,
	}
	if cfg.Health.URL != "" {
		checker := netcheck.New(netcheck.Config{
			URL:    cfg.Health.URL,
			Logger: logger,
		})
		mcfg.HealthCheck = checker.Check
		logger.Info("health probe enabled", "url", cfg.Health.URL)
	}
	m := netmgr.New(mcfg, link, session)

	// --- Presence pipeline ---
	// Optional: a BLE beacon scanner, the adaptive scan scheduler, and
	// the presence detector. Without a configured beacon the unit still
	// runs as a pure connectivity node.
	var detector *presence.Detector
	var scheduler *scan.Scheduler
	var scanner scan.Scanner
	if cfg.Presence.Configured() {
		bz, err := bluez.New(bluez.Config{
			Adapter:   cfg.Scan.Adapter,
			RSSIFloor: cfg.Presence.MinRSSI,
			Logger:    logger,
		})
		if err != nil {
			return fmt.Errorf("bluez adapter %s: %w", cfg.Scan.Adapter, err)
		}
		defer bz.Close()
		scanner = bz

		detector = presence.NewDetector(presence.Config{
			MinRSSI:           cfg.Presence.MinRSSI,
			ConfirmDetections: cfg.Presence.ConfirmDetections,
			DepartureMisses:   cfg.Presence.DepartureMisses,
			GracePeriod:       time.Duration(cfg.Presence.GracePeriodSec) * time.Second,
			GraceMaxAttempts:  cfg.Presence.GraceMaxAttempts,
			Bus:               bus,
			Logger:            logger,
		})
		scheduler = scan.NewScheduler(scan.Config{
			SearchingInterval:  time.Duration(cfg.Scan.SearchingIntervalSec) * time.Second,
			SearchingDuration:  time.Duration(cfg.Scan.SearchingDurationSec) * time.Second,
			MonitoringInterval: time.Duration(cfg.Scan.MonitoringIntervalSec) * time.Second,
			MonitoringDuration: time.Duration(cfg.Scan.MonitoringDurationSec) * time.Second,
			VerifyInterval:     time.Duration(cfg.Scan.VerifyIntervalSec) * time.Second,
			VerifyWindow:       time.Duration(cfg.Scan.VerifyWindowSec) * time.Second,
			GraceInterval:      time.Duration(cfg.Scan.GraceIntervalSec) * time.Second,
			ReportInterval:     time.Duration(cfg.Scan.ReportIntervalSec) * time.Second,
			Bus:                bus,
			Logger:             logger,
		})
		logger.Info("presence detection enabled",
			"beacon", cfg.Presence.BeaconAddress,
			"adapter", cfg.Scan.Adapter,
			"min_rssi", cfg.Presence.MinRSSI,
		)
	} else {
		logger.Info("presence detection disabled (no beacon configured)")
	}

	// --- Event journal ---
	// Optional SQLite record of every bus event, for postmortems on a
	// device that spends its life disconnected from ssh-able networks.
	var journalStore *journal.Store
	var journalWriter *journal.Writer
	if cfg.Journal.Enabled {
		dbPath := filepath.Join(cfg.DataDir, "journal.db")
		db, err := sql.Open("sqlite3", dbPath+"?_journal_mode=WAL&_busy_timeout=5000")
		if err != nil {
			return fmt.Errorf("open journal database %s: %w", dbPath, err)
		}
		defer db.Close()

		journalStore, err = journal.NewStore(db)
		if err != nil {
			return fmt.Errorf("init journal store: %w", err)
		}

		pruneCtx, pruneCancel := context.WithTimeout(ctx, 30*time.Second)
		removed, err := journalStore.Prune(pruneCtx, cfg.Journal.KeepDays)
		pruneCancel()
		if err != nil {
			logger.Warn("journal prune failed", "error", err)
		} else if removed > 0 {
			logger.Info("journal pruned", "removed", removed, "keep_days", cfg.Journal.KeepDays)
		}

		journalWriter = journal.NewWriter(journalStore, bus, logger)
		logger.Info("event journal enabled", "path", dbPath, "keep_days", cfg.Journal.KeepDays)
	} else {
		logger.Info("event journal disabled")
	}

	// --- Unit runtime ---
	// The single cooperative loop that ticks the manager, runs scans,
	// and publishes status, heartbeat, and responses.
	u, err = unit.New(unit.Config{
		UnitID:            unitID,
		Name:              cfg.Unit.Name,
		TopicPrefix:       cfg.Topics.Prefix,
		TickInterval:      time.Duration(cfg.Unit.TickIntervalMS) * time.Millisecond,
		HeartbeatInterval: time.Duration(cfg.Unit.HeartbeatIntervalSec) * time.Second,
		BeaconAddress:     cfg.Presence.BeaconAddress,
		Manager:           m,
		Detector:          detector,
		Scheduler:         scheduler,
		Scanner:           scanner,
		Journal:           journalWriter,
		Bus:               bus,
		Logger:            logger,
	})
	if err != nil {
		return fmt.Errorf("build unit runtime: %w", err)
	}

	// --- Diagnostics server ---
	// Optional loopback HTTP server for field inspection: health,
	// status, queue, presence, inbox, journal, and a live event stream.
	var diagServer *diag.Server
	if cfg.Diag.Enabled {
		diagServer = diag.NewServer(cfg.Diag.Address, cfg.Diag.Port, m, u, bus, logger)
		if detector != nil {
			diagServer.SetDetector(detector)
		}
		if scheduler != nil {
			diagServer.SetScheduler(scheduler)
		}
		if journalStore != nil {
			diagServer.SetJournal(journalStore)
		}
		go func() {
			if err := diagServer.Start(ctx); err != nil && !errors.Is(err, http.ErrServerClosed) {
				logger.Error("diagnostics server failed", "error", err)
			}
		}()
	} else {
		logger.Info("diagnostics server disabled")
	}

	// --- Signal handling and graceful shutdown ---
	// NotifyContext wraps the parent context so that SIGINT/SIGTERM
	// cancellation flows through the same ctx used by all components.
	ctx, cancel := signal.NotifyContext(ctx, syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	go func() {
		<-ctx.Done()
		logger.Info("shutdown signal received")

		if diagServer != nil {
			shutdownCtx, shutdownCancel := context.WithTimeout(context.Background(), 5*time.Second)
			defer shutdownCancel()
			_ = diagServer.Shutdown(shutdownCtx)
		}
	}()

	// Run the unit loop. This blocks until the context is cancelled.
	// The unit publishes its retained offline marker on the way out;
	// the manager then disconnects both drivers cleanly so the broker
	// does not fire the last will on top of it.
	if err := u.Run(ctx); err != nil && !errors.Is(err, context.Canceled) {
		return fmt.Errorf("unit runtime: %w", err)
	}
	m.Disconnect()

	logger.Info("deskd stopped")
	return nil
}

// newLogger creates a structured logger that writes to w at the given level
// and format. Format must be "text" or "json"; any other value defaults to
// text. All log output in deskd goes through slog; this helper standardizes
// the handler configuration across subcommands.
func newLogger(w io.Writer, level slog.Level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{
		Level:       level,
		ReplaceAttr: config.ReplaceLogLevelNames,
	}
	var handler slog.Handler
	if format == "json" {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return slog.New(handler)
}

// loadConfig locates and parses the YAML configuration file. If explicit
// is non-empty, that exact path is used (and must exist). Otherwise,
// [config.FindConfig] searches the default locations. Returns the parsed
// config, the path that was loaded, and any error.
func loadConfig(explicit string) (*config.Config, string, error) {
	cfgPath, err := config.FindConfig(explicit)
	if err != nil {
		return nil, "", err
	}

	cfg, err := config.Load(cfgPath)
	if err != nil {
		return nil, cfgPath, fmt.Errorf("load config %s: %w", cfgPath, err)
	}

	return cfg, cfgPath, nil
}
