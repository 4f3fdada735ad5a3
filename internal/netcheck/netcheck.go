// Package netcheck verifies end-to-end reachability by fetching a
// captive-portal detection URL. A link driver can report up while the
// uplink silently blackholes traffic beyond the gateway; this probe is
// how the connectivity manager notices. All timeouts are explicit so a
// wedged network fails the probe instead of hanging it.
package netcheck

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/nugget/deskd/internal/buildinfo"
	"github.com/nugget/deskd/internal/netmgr"
)

const (
	dialTimeout           = 5 * time.Second
	tlsHandshakeTimeout   = 5 * time.Second
	responseHeaderTimeout = 5 * time.Second

	// drainLimit bounds how much of an unexpected response body is
	// read before closing. A 204 endpoint should send nothing at all.
	drainLimit = 4 << 10
)

// Config tunes the checker.
type Config struct {
	// URL is a generate_204-style endpoint. A 204 (or an empty 200)
	// means the internet is reachable and nothing is intercepting.
	URL string

	// Timeout bounds the whole request (default 10s).
	Timeout time.Duration

	Logger *slog.Logger
}

// Checker performs end-to-end reachability probes. It owns a dedicated
// HTTP client so probe traffic never shares a connection pool with
// anything that matters.
type Checker struct {
	cfg    Config
	logger *slog.Logger
	client *http.Client
}

// New creates a checker for the configured URL.
func New(cfg Config) *Checker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = 10 * time.Second
	}
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Checker{
		cfg:    cfg,
		logger: logger,
		client: &http.Client{
			Timeout: cfg.Timeout,
			// A captive portal answers with a redirect; following it
			// would hide exactly the condition this probe exists to
			// detect.
			CheckRedirect: func(req *http.Request, via []*http.Request) error {
				return http.ErrUseLastResponse
			},
			Transport: &http.Transport{
				DialContext: (&net.Dialer{
					Timeout: dialTimeout,
				}).DialContext,
				TLSHandshakeTimeout:   tlsHandshakeTimeout,
				ResponseHeaderTimeout: responseHeaderTimeout,
				MaxIdleConns:          2,
				IdleConnTimeout:       90 * time.Second,
			},
		},
	}
}

// Check fetches the probe URL once. Nil means reachable; any error is
// logged with its taxonomy classification and returned for the health
// surface.
func (c *Checker) Check(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.cfg.URL, nil)
	if err != nil {
		return fmt.Errorf("build probe request: %w", err)
	}
	req.Header.Set("User-Agent", buildinfo.UserAgent())

	resp, err := c.client.Do(req)
	if err != nil {
		c.logger.Debug("reachability probe failed",
			"url", c.cfg.URL,
			"code", netmgr.ClassifyNetError(err).String(),
			"error", err)
		return err
	}
	defer drainAndClose(resp.Body)

	switch resp.StatusCode {
	case http.StatusNoContent, http.StatusOK:
		return nil
	default:
		// A redirect or content-bearing answer from a 204 endpoint
		// usually means a captive portal got in the way.
		err := fmt.Errorf("probe returned status %d", resp.StatusCode)
		c.logger.Debug("reachability probe intercepted",
			"url", c.cfg.URL,
			"status", resp.StatusCode)
		return err
	}
}

// drainAndClose empties the body so the connection can be reused.
func drainAndClose(rc io.ReadCloser) {
	if rc == nil {
		return
	}
	_, _ = io.Copy(io.Discard, io.LimitReader(rc, drainLimit))
	rc.Close()
}
