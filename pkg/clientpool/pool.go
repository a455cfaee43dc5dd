// Package clientpool maintains a per-host cache of pooled HTTP clients so
// concurrent forwarding tasks targeting the same origin share keep-alive
// connections instead of dialing fresh ones.
package clientpool

import (
	"crypto/tls"
	"net"
	"net/http"
	"sync"
	"time"

	"golang.org/x/net/http2"
)

const (
	idleTimeout         = 30 * time.Second
	maxIdlePerHost      = 10
	tlsHandshakeTimeout = 10 * time.Second
	dialTimeout         = 15 * time.Second
	http2KeepAliveTime  = 30 * time.Second
	http2KeepAlivePing  = 15 * time.Second
)

// Pool maps a host string to a shared *http.Client. Get is a thread-safe
// construct-or-get: a read-lock probe first, then a write-lock double-check
// so a losing concurrent builder simply discards its client (spec.md §9).
type Pool struct {
	mu      sync.RWMutex
	clients map[string]*http.Client
}

// New returns an empty pool.
func New() *Pool {
	return &Pool{clients: make(map[string]*http.Client)}
}

// Get returns the shared client for host, building and caching one on first
// use. Concurrent callers for the same host observe the same *http.Client.
func (p *Pool) Get(host string) *http.Client {
	p.mu.RLock()
	if c, ok := p.clients[host]; ok {
		p.mu.RUnlock()
		return c
	}
	p.mu.RUnlock()

	c := newClient()

	p.mu.Lock()
	defer p.mu.Unlock()
	if existing, ok := p.clients[host]; ok {
		// Another goroutine won the race; keep its client.
		return existing
	}
	p.clients[host] = c
	return c
}

// Clear drops every cached client. In-flight requests on already-handed-out
// clients are unaffected; only future Get calls see fresh clients.
func (p *Pool) Clear() {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.clients = make(map[string]*http.Client)
}

// ClientCount reports how many distinct hosts currently have a cached
// client, for diagnostics.
func (p *Pool) ClientCount() int {
	p.mu.RLock()
	defer p.mu.RUnlock()
	return len(p.clients)
}

func newClient() *http.Client {
	transport := &http.Transport{
		Proxy: nil,
		DialContext: (&net.Dialer{
			Timeout:   dialTimeout,
			KeepAlive: idleTimeout,
		}).DialContext,
		MaxIdleConnsPerHost:   maxIdlePerHost,
		IdleConnTimeout:       idleTimeout,
		TLSHandshakeTimeout:   tlsHandshakeTimeout,
		ExpectContinueTimeout: time.Second,
		// Upstream origins present arbitrary certificates; the proxy's job
		// is to faithfully forward and record, not to validate the
		// target's PKI on the capturing operator's behalf.
		TLSClientConfig: &tls.Config{InsecureSkipVerify: true}, // nolint:gosec -- MITM recorder, not a trust boundary
	}

	// Explicitly layer HTTP/2 over the transport (ALPN negotiated) while
	// leaving ForceAttemptHTTP2 unset so HTTP/1.1 remains available when the
	// origin doesn't speak h2 — spec.md §4.4 "not HTTP/2-only". Keep the
	// returned *http2.Transport handle to set the keep-alive ping interval
	// spec.md §4.4 requires, which the zero-value defaults don't provide.
	if h2Transport, err := http2.ConfigureTransports(transport); err == nil {
		h2Transport.ReadIdleTimeout = http2KeepAlivePing
		h2Transport.PingTimeout = http2KeepAliveTime
	}

	return &http.Client{Transport: transport}
}
