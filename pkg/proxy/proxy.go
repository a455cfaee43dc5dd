// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webmock-go/webmock/pkg/clientpool"
	"github.com/webmock-go/webmock/pkg/contenttype"
	"github.com/webmock-go/webmock/pkg/mitmloop"
	"github.com/webmock-go/webmock/pkg/record"
	"github.com/webmock-go/webmock/pkg/recorder"
	"github.com/webmock-go/webmock/pkg/tlsengine"
)

// hopHeaders lists standard hop-by-hop headers that must never cross a proxy
// hop unmodified, on either the outbound request or the recorded response.
var hopHeaders = map[string]struct{}{
	"Connection":          {},
	"Proxy-Connection":    {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

// Proxy is a recording MITM forward proxy: a single listener that handles
// both plain HTTP requests and CONNECT tunnels, forwarding each to its real
// origin and recording the exchange.
type Proxy struct {
	ca     *tlsengine.CA
	pool   *clientpool.Pool
	rec    *recorder.Recorder
	logger zerolog.Logger

	listener  net.Listener
	wg        sync.WaitGroup
	closeOnce sync.Once
	shutdown  chan struct{}
}

// New constructs a Proxy that will present ca's certificate when terminating
// CONNECT tunnels. The returned Proxy is not yet listening; call Start.
func New(ca *tlsengine.CA) *Proxy {
	return &Proxy{
		ca:       ca,
		pool:     clientpool.New(),
		rec:      recorder.New(),
		logger:   log.With().Str("component", "proxy").Logger(),
		shutdown: make(chan struct{}),
	}
}

// Start binds addr and begins accepting connections in the background.
func Start(addr string, ca *tlsengine.CA) (*Proxy, error) {
	p := New(ca)
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("proxy: listen %s: %w", addr, err)
	}
	p.listener = ln

	p.wg.Add(1)
	go p.acceptLoop()

	p.logger.Info().Str("addr", ln.Addr().String()).Msg("recording proxy listening")
	return p, nil
}

// Addr returns the address the proxy is bound to.
func (p *Proxy) Addr() net.Addr {
	return p.listener.Addr()
}

// Recorder exposes the proxy's exchange recorder.
func (p *Proxy) Recorder() *recorder.Recorder {
	return p.rec
}

// Stop closes the listener, waits for in-flight connections to finish (or
// ctx to expire), and releases pooled upstream clients.
func (p *Proxy) Stop(ctx context.Context) error {
	p.closeOnce.Do(func() { close(p.shutdown) })
	if p.listener != nil {
		_ = p.listener.Close()
	}

	done := make(chan struct{})
	go func() {
		p.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}

	p.pool.Clear()
	p.logger.Info().Msg("recording proxy stopped")
	return nil
}

func (p *Proxy) acceptLoop() {
	defer p.wg.Done()
	for {
		conn, err := p.listener.Accept()
		if err != nil {
			select {
			case <-p.shutdown:
				return
			default:
			}
			p.logger.Error().Err(err).Msg("accept failed")
			return
		}

		p.wg.Add(1)
		go func() {
			defer p.wg.Done()
			defer conn.Close()
			p.handleConn(conn)
		}()
	}
}

// handleConn reads HTTP requests off a freshly accepted plain-text
// connection. A CONNECT request hands the connection over to the MITM loop
// and ends the plain-text phase; any other request is forwarded and the loop
// continues so the client can issue further requests on the same connection.
func (p *Proxy) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}

		if strings.EqualFold(req.Method, http.MethodConnect) {
			p.handleConnect(conn, req)
			return
		}

		resp := p.handleForward(req)
		writeErr := resp.Write(conn)
		resp.Body.Close()
		if writeErr != nil {
			return
		}
	}
}

// handleConnect records the tunnel establishment itself as a synthetic
// exchange, answers with 200 Connection Established, and then terminates TLS
// and serves inner requests via the shared mitmloop.
func (p *Proxy) handleConnect(conn net.Conn, req *http.Request) {
	hostport := req.URL.Host
	if hostport == "" {
		hostport = req.RequestURI
	}
	if !strings.Contains(hostport, ":") {
		hostport += ":443"
	}

	established, err := record.NewResponse(http.StatusOK, record.Headers{"Connection": "established"}, nil, "")
	if err == nil {
		p.rec.Record(record.Exchange{
			Method:    http.MethodConnect,
			URL:       "https://" + hostport,
			Headers:   headersToMap(req.Header),
			Response:  established,
			Timestamp: time.Now().UTC(),
		})
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\n\r\n"); err != nil {
		p.logger.Debug().Err(err).Str("host", hostport).Msg("write CONNECT ack failed")
		return
	}

	cfg, err := p.ca.BuildAcceptor()
	if err != nil {
		p.logger.Error().Err(err).Msg("build TLS acceptor failed")
		return
	}

	mitmloop.Serve(conn, cfg, hostport, p.handleForward, p.logger)
}

// handleForward forwards req to its real origin, records the exchange, and
// returns the response to send back to the client. On any failure it
// synthesizes and records a 502 response rather than propagating the error.
func (p *Proxy) handleForward(req *http.Request) *http.Response {
	targetURL := resolveTargetURL(req)

	body, err := io.ReadAll(req.Body)
	if err != nil {
		return p.forwardError(req.Method, targetURL, req, fmt.Errorf("read request body: %w", err))
	}
	req.Body.Close()

	outbound, err := http.NewRequest(req.Method, targetURL, bytes.NewReader(body))
	if err != nil {
		return p.forwardError(req.Method, targetURL, req, fmt.Errorf("build outbound request: %w", err))
	}
	outbound.Header = req.Header.Clone()
	stripHopByHop(outbound.Header)

	u, err := url.Parse(targetURL)
	if err != nil {
		return p.forwardError(req.Method, targetURL, req, fmt.Errorf("parse target url: %w", err))
	}

	client := p.pool.Get(u.Host)
	resp, err := client.Do(outbound)
	if err != nil {
		return p.forwardError(req.Method, targetURL, req, err)
	}
	defer resp.Body.Close()

	respBody, err := io.ReadAll(resp.Body)
	if err != nil {
		return p.forwardError(req.Method, targetURL, req, fmt.Errorf("read upstream body: %w", err))
	}

	respHeaders := headersToMap(resp.Header)
	stripHopByHopMap(respHeaders)
	ct := contenttype.Infer(respBody, targetURL, respHeaders)

	respRecord, err := record.NewResponse(resp.StatusCode, respHeaders, respBody, ct)
	if err != nil {
		return p.forwardError(req.Method, targetURL, req, err)
	}

	p.rec.Record(record.Exchange{
		Method:    req.Method,
		URL:       targetURL,
		Headers:   headersToMap(req.Header),
		Body:      body,
		Response:  respRecord,
		Timestamp: time.Now().UTC(),
	})

	return buildHTTPResponse(respRecord, req)
}

// forwardError records a synthetic 502 exchange and returns it as the
// client-facing response, matching spec.md's "never crash on a single bad
// upstream" requirement.
func (p *Proxy) forwardError(method, targetURL string, req *http.Request, cause error) *http.Response {
	p.logger.Warn().Err(cause).Str("method", method).Str("url", targetURL).Msg("forward failed")

	body := []byte(fmt.Sprintf("Proxy Error: %s", cause))
	respRecord, err := record.NewResponse(http.StatusBadGateway, record.Headers{"Content-Type": "text/plain"}, body, "text/plain")
	if err != nil {
		// NewResponse only fails on an out-of-range status, which 502 never is.
		respRecord = record.Response{Status: http.StatusBadGateway, Headers: record.Headers{}, Body: body, ContentType: "text/plain"}
	}

	p.rec.Record(record.Exchange{
		Method:    method,
		URL:       targetURL,
		Response:  respRecord,
		Timestamp: time.Now().UTC(),
	})

	return buildHTTPResponse(respRecord, req)
}

// resolveTargetURL reconstructs the absolute URL a request is addressed to.
// Requests arriving inside a CONNECT tunnel are already absolute by the time
// mitmloop hands them to the Handler; plain requests carry either an
// absolute-form request line (classic forward-proxy usage) or a Host header
// plus origin-form path.
func resolveTargetURL(req *http.Request) string {
	if req.URL.IsAbs() {
		return req.URL.String()
	}
	host := req.Host
	if host == "" {
		host = req.URL.Host
	}
	return inferScheme(host) + "://" + host + req.URL.RequestURI()
}

// inferScheme guesses the origin's scheme from its port when a plain
// (non-CONNECT) request arrives in origin-form with no other signal to go
// on: a host containing ":443" is https; otherwise a host containing ":80"
// (a substring test, so :8080, :8000 and the like also match) is http;
// everything else, including a host with no port, is assumed https.
func inferScheme(host string) string {
	if strings.Contains(host, ":443") {
		return "https"
	}
	if strings.Contains(host, ":80") || strings.Contains(host, ":8080") {
		return "http"
	}
	return "https"
}

func stripHopByHop(h http.Header) {
	for k := range hopHeaders {
		h.Del(k)
	}
}

func stripHopByHopMap(h record.Headers) {
	for k := range hopHeaders {
		delete(h, k)
	}
}

func headersToMap(h http.Header) record.Headers {
	out := make(record.Headers, len(h))
	for k, vv := range h {
		if len(vv) > 0 {
			out[k] = vv[0]
		}
	}
	return out
}

// buildHTTPResponse renders a recorded response back into an *http.Response
// ready to write to the wire, recomputing Content-Length and stripping any
// hop-by-hop header the origin may have sent.
func buildHTTPResponse(rr record.Response, req *http.Request) *http.Response {
	header := make(http.Header, len(rr.Headers))
	for k, v := range rr.Headers {
		header.Set(k, v)
	}
	stripHopByHop(header)
	header.Set("Content-Length", strconv.Itoa(len(rr.Body)))

	resp := &http.Response{
		StatusCode:    rr.Status,
		Status:        fmt.Sprintf("%d %s", rr.Status, http.StatusText(rr.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(rr.Body)),
		ContentLength: int64(len(rr.Body)),
		Request:       req,
	}
	return resp
}
