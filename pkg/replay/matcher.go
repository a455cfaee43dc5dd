// Package replay matches an incoming request against a snapshot's recorded
// exchange log under the deterministic cascade spec.md §4.8 describes.
package replay

import (
	"net/http"
	"net/url"
	"strings"

	"github.com/webmock-go/webmock/pkg/record"
)

// Match scans snap's exchanges in insertion order and returns the first one
// that matches (method, rawURL), or false if none do.
func Match(snap record.Snapshot, method, rawURL string) (*record.Exchange, bool) {
	if strings.EqualFold(method, http.MethodConnect) {
		return matchConnect(snap, rawURL)
	}
	return matchRequest(snap, method, rawURL)
}

// matchConnect implements spec.md's CONNECT cascade: normalize both sides to
// a bare host:port form; exact match first, then host-only match.
func matchConnect(snap record.Snapshot, rawURL string) (*record.Exchange, bool) {
	target := normalizeHostPort(rawURL)
	targetHost := hostOf(rawURL)

	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		if !strings.EqualFold(ex.Method, http.MethodConnect) {
			continue
		}
		if normalizeHostPort(ex.URL) == target {
			return ex, true
		}
	}
	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		if !strings.EqualFold(ex.Method, http.MethodConnect) {
			continue
		}
		if hostOf(ex.URL) == targetHost {
			return ex, true
		}
	}
	return nil, false
}

// normalizeHostPort strips any http(s):// prefix, leaving a bare host:port.
func normalizeHostPort(raw string) string {
	s := raw
	s = strings.TrimPrefix(s, "https://")
	s = strings.TrimPrefix(s, "http://")
	return s
}

// hostOf extracts just the host component, synthesizing an https:// prefix
// if raw doesn't already parse as an absolute URL, so bare "host:port"
// strings parse correctly too.
func hostOf(raw string) string {
	u, err := url.Parse(raw)
	if err != nil || u.Host == "" {
		u, err = url.Parse("https://" + normalizeHostPort(raw))
		if err != nil {
			return normalizeHostPort(raw)
		}
	}
	return u.Hostname()
}

// matchRequest implements spec.md's 4-step non-CONNECT cascade:
// exact method+URL, then method+host+path+query, then method+host+path
// (query ignored), then method+path (host ignored — the common case when
// the replay server is addressed directly on localhost:PORT).
func matchRequest(snap record.Snapshot, method, rawURL string) (*record.Exchange, bool) {
	target, err := url.Parse(rawURL)
	if err != nil {
		return nil, false
	}

	// Step 1: exact method + URL string equality.
	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		if strings.EqualFold(ex.Method, method) && ex.URL == rawURL {
			return ex, true
		}
	}

	// Step 2: method + host + path + query.
	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		recURL, err := url.Parse(ex.URL)
		if err != nil || !strings.EqualFold(ex.Method, method) {
			continue
		}
		if recURL.Host == target.Host && recURL.Path == target.Path && recURL.RawQuery == target.RawQuery {
			return ex, true
		}
	}

	// Step 3: method + host + path (query ignored).
	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		recURL, err := url.Parse(ex.URL)
		if err != nil || !strings.EqualFold(ex.Method, method) {
			continue
		}
		if recURL.Host == target.Host && recURL.Path == target.Path {
			return ex, true
		}
	}

	// Step 4: method + path (host ignored) — enables the common
	// browser-pointed-at-mock case where recorded URLs carry the original
	// origin's authority but the replay server is addressed on localhost.
	for i := range snap.Exchanges {
		ex := &snap.Exchanges[i]
		recURL, err := url.Parse(ex.URL)
		if err != nil || !strings.EqualFold(ex.Method, method) {
			continue
		}
		if recURL.Path == target.Path {
			return ex, true
		}
	}

	return nil, false
}
