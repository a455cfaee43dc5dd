// Package capture orchestrates a single recording session: allocate a
// proxy port, start the recording proxy, drive a browser through it,
// detect when network activity has settled, and persist the result as a
// snapshot.
package capture

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/url"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webmock-go/webmock/pkg/proxy"
	"github.com/webmock-go/webmock/pkg/record"
	"github.com/webmock-go/webmock/pkg/snapshotstore"
	"github.com/webmock-go/webmock/pkg/tlsengine"
)

const (
	maxLaunchAttempts  = 3
	launchBackoff      = 2 * time.Second
	settleDelay        = 1 * time.Second
	idlePollInterval   = 500 * time.Millisecond
	idleConsecutive    = 3
	idleHardCap        = 10 * time.Second
)

// portRanges is probed in order; the first bindable port in any range wins.
var portRanges = [3][2]int{{8000, 9000}, {9000, 10000}, {10000, 11000}}

// BrowserController is the external-collaborator boundary: driving a real
// browser is out of scope here, so this package ships only the interface
// and a no-op test double.
type BrowserController interface {
	Launch(ctx context.Context, proxyAddr string) error
	Navigate(ctx context.Context, url string) error
	WaitForLoad(ctx context.Context) error
	Close() error
}

// NopBrowserController satisfies BrowserController without driving
// anything; useful for exercising Session in tests or in CLI dry runs.
type NopBrowserController struct{}

func (NopBrowserController) Launch(ctx context.Context, proxyAddr string) error { return nil }
func (NopBrowserController) Navigate(ctx context.Context, url string) error     { return nil }
func (NopBrowserController) WaitForLoad(ctx context.Context) error              { return nil }
func (NopBrowserController) Close() error                                      { return nil }

// Session owns one capture's lifecycle: the recording proxy, the browser
// driving it, and the port it was allocated.
type Session struct {
	store   *snapshotstore.Store
	browser BrowserController
	ca      *tlsengine.CA
	logger  zerolog.Logger

	proxy *proxy.Proxy
	port  int
}

// NewSession returns a Session ready for Capture.
func NewSession(store *snapshotstore.Store, browser BrowserController, ca *tlsengine.CA) *Session {
	return &Session{
		store:   store,
		browser: browser,
		ca:      ca,
		logger:  log.With().Str("component", "capture").Logger(),
	}
}

// AllocatePort probes the three candidate ranges in order, returning the
// first port a listener can bind, closing the probe listener immediately so
// the caller's real listener can reclaim it.
func AllocatePort() (int, error) {
	for _, r := range portRanges {
		for port := r[0]; port < r[1]; port++ {
			ln, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
			if err != nil {
				continue
			}
			ln.Close()
			return port, nil
		}
	}
	return 0, &captureError{msg: "capture: no bindable port found in [8000,11000)", recoverable: true}
}

// Capture validates url, allocates a port, starts the recording proxy,
// drives the browser through it, and waits for network activity to settle.
// It returns once the page appears idle or the hard cap is hit; it does not
// stop the proxy — call Stop to persist and tear down.
func (s *Session) Capture(ctx context.Context, rawURL, name string, timeout time.Duration) error {
	u, err := url.Parse(rawURL)
	if err != nil || (u.Scheme != "http" && u.Scheme != "https") {
		return &captureError{msg: fmt.Sprintf("capture: invalid url %q: must be http or https", rawURL), recoverable: false}
	}
	if err := snapshotstore.ValidateName(name); err != nil {
		return fmt.Errorf("capture: %w", err)
	}

	port, err := AllocatePort()
	if err != nil {
		return err
	}
	s.port = port
	addr := fmt.Sprintf("127.0.0.1:%d", port)

	p, err := proxy.Start(addr, s.ca)
	if err != nil {
		return fmt.Errorf("capture: start proxy: %w", err)
	}
	s.proxy = p

	time.Sleep(settleDelay)

	if err := s.launchAndNavigate(ctx, addr, rawURL); err != nil {
		return err
	}

	if err := s.browser.WaitForLoad(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("WaitForLoad reported an error; continuing to network-idle poll")
	}

	s.waitForNetworkIdle(ctx, timeout)
	return nil
}

// launchAndNavigate retries Launch+Navigate up to maxLaunchAttempts times,
// backing off launchBackoff between attempts, but aborts immediately on a
// non-recoverable error (browser-not-found, invalid-URL and the like).
func (s *Session) launchAndNavigate(ctx context.Context, addr, rawURL string) error {
	var lastErr error
	for attempt := 1; attempt <= maxLaunchAttempts; attempt++ {
		lastErr = s.browser.Launch(ctx, addr)
		if lastErr == nil {
			lastErr = s.browser.Navigate(ctx, rawURL)
		}
		if lastErr == nil {
			return nil
		}

		var re recoverabler
		if !errors.As(lastErr, &re) || !re.Recoverable() {
			return fmt.Errorf("capture: launch/navigate: %w", lastErr)
		}

		s.logger.Warn().Err(lastErr).Int("attempt", attempt).Msg("retrying browser launch")
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-time.After(launchBackoff):
		}
	}
	return fmt.Errorf("capture: launch/navigate failed after %d attempts: %w", maxLaunchAttempts, lastErr)
}

// waitForNetworkIdle polls the recorder's exchange count every
// idlePollInterval; idleConsecutive unchanged reads in a row declares the
// page settled. It never fails — hitting idleHardCap (or timeout, if
// shorter) just logs and returns.
func (s *Session) waitForNetworkIdle(ctx context.Context, timeout time.Duration) {
	cap := idleHardCap
	if timeout > 0 && timeout < cap {
		cap = timeout
	}
	deadline := time.Now().Add(cap)

	lastLen := -1
	unchanged := 0
	for {
		if time.Now().After(deadline) {
			s.logger.Info().Msg("network-idle wait hit its cap; proceeding anyway")
			return
		}

		n := s.proxy.Recorder().Len()
		if n == lastLen {
			unchanged++
			if unchanged >= idleConsecutive {
				return
			}
		} else {
			unchanged = 0
			lastLen = n
		}

		select {
		case <-ctx.Done():
			return
		case <-time.After(idlePollInterval):
		}
	}
}

// Stop drains the recorder into a snapshot, persists it, and tears down the
// browser and proxy. Teardown failures are logged as warnings, not returned
// — the snapshot is already safely on disk by the time teardown runs.
func (s *Session) Stop(name, rawURL string) (record.Snapshot, error) {
	exchanges := s.proxy.Recorder().Snapshot()
	snap := record.Snapshot{
		Name:      name,
		URL:       rawURL,
		CreatedAt: time.Now().UTC(),
		Exchanges: exchanges,
	}

	if err := s.store.Save(snap); err != nil {
		return record.Snapshot{}, fmt.Errorf("capture: save snapshot %q: %w", name, err)
	}

	if err := s.browser.Close(); err != nil {
		s.logger.Warn().Err(err).Msg("browser teardown failed")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := s.proxy.Stop(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("proxy teardown failed")
	}

	return snap, nil
}
