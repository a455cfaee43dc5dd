// Copyright © 2025 Prabhjot Singh Sethi, All Rights reserved
// Author: Prabhjot Singh Sethi <prabhjot.sethi@gmail.com>

package proxy

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/webmock-go/webmock/pkg/tlsengine"
)

func testCA(t *testing.T) *tlsengine.CA {
	t.Helper()
	ca, err := tlsengine.New()
	if err != nil {
		t.Fatalf("tlsengine.New: %v", err)
	}
	return ca
}

func startProxy(t *testing.T) *Proxy {
	t.Helper()
	p, err := Start("127.0.0.1:0", testCA(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = p.Stop(ctx)
	})
	return p
}

func TestHandleForwardRecordsPlainHTTPExchange(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.Header.Get("Connection") != "" {
			t.Errorf("hop-by-hop header leaked to upstream: %q", r.Header.Get("Connection"))
		}
		w.Header().Set("Content-Type", "application/json")
		w.Write([]byte(`{"ok":true}`))
	}))
	defer upstream.Close()

	p := New(testCA(t))

	req := httptest.NewRequest(http.MethodGet, upstream.URL+"/thing", nil)
	req.Header.Set("Connection", "keep-alive")

	resp := p.handleForward(req)
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"ok":true}` {
		t.Fatalf("unexpected body: %s", body)
	}

	exchanges := p.Recorder().Snapshot()
	if len(exchanges) != 1 {
		t.Fatalf("expected 1 recorded exchange, got %d", len(exchanges))
	}
	if exchanges[0].Response.ContentType != "application/json" {
		t.Fatalf("expected inferred content type, got %q", exchanges[0].Response.ContentType)
	}
}

func TestHandleForwardSynthesizesBadGatewayOnFailure(t *testing.T) {
	p := New(testCA(t))

	req := httptest.NewRequest(http.MethodGet, "http://127.0.0.1:1/unreachable", nil)
	resp := p.handleForward(req)

	if resp.StatusCode != http.StatusBadGateway {
		t.Fatalf("expected 502, got %d", resp.StatusCode)
	}

	exchanges := p.Recorder().Snapshot()
	if len(exchanges) != 1 || exchanges[0].Response.Status != http.StatusBadGateway {
		t.Fatalf("expected one recorded 502 exchange, got %+v", exchanges)
	}
}

func TestAcceptLoopForwardsPlainHTTPRequest(t *testing.T) {
	upstream := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("hello"))
	}))
	defer upstream.Close()

	p := startProxy(t)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	reqLine := "GET " + upstream.URL + "/ HTTP/1.1\r\nHost: " + strings.TrimPrefix(upstream.URL, "http://") + "\r\n\r\n"
	if _, err := conn.Write([]byte(reqLine)); err != nil {
		t.Fatalf("write request: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != "hello" {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestHandleConnectEstablishesTunnelAndRecordsInnerRequest(t *testing.T) {
	tlsUpstream := httptest.NewTLSServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Write([]byte("secret"))
	}))
	defer tlsUpstream.Close()

	upstreamHost := strings.TrimPrefix(tlsUpstream.URL, "https://")

	p := startProxy(t)

	conn, err := net.Dial("tcp", p.Addr().String())
	if err != nil {
		t.Fatalf("dial proxy: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CONNECT " + upstreamHost + " HTTP/1.1\r\nHost: " + upstreamHost + "\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read CONNECT status line: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200 status, got %q", statusLine)
	}
	for {
		line, err := br.ReadString('\n')
		if err != nil || line == "\r\n" {
			break
		}
	}

	tlsConn := tls.Client(conn, &tls.Config{InsecureSkipVerify: true})
	defer tlsConn.Close()
	if err := tlsConn.Handshake(); err != nil {
		t.Fatalf("client TLS handshake: %v", err)
	}

	if _, err := io.WriteString(tlsConn, "GET / HTTP/1.1\r\nHost: "+upstreamHost+"\r\n\r\n"); err != nil {
		t.Fatalf("write inner request: %v", err)
	}

	innerResp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	if err != nil {
		t.Fatalf("read inner response: %v", err)
	}
	body, _ := io.ReadAll(innerResp.Body)
	if string(body) != "secret" {
		t.Fatalf("unexpected inner body: %s", body)
	}

	exchanges := p.Recorder().Snapshot()
	if len(exchanges) < 2 {
		t.Fatalf("expected at least a CONNECT record and an inner request record, got %d", len(exchanges))
	}
	if !strings.EqualFold(exchanges[0].Method, http.MethodConnect) {
		t.Fatalf("expected first exchange to be the CONNECT record, got %+v", exchanges[0])
	}
}

func TestResolveTargetURLHandlesAbsoluteAndOriginForm(t *testing.T) {
	abs := httptest.NewRequest(http.MethodGet, "http://example.com/path", nil)
	if got := resolveTargetURL(abs); got != "http://example.com/path" {
		t.Fatalf("expected absolute URL preserved, got %q", got)
	}

	originHTTPS := httptest.NewRequest(http.MethodGet, "/path", nil)
	originHTTPS.URL.Scheme = ""
	originHTTPS.URL.Host = ""
	originHTTPS.Host = "example.com"
	if got := resolveTargetURL(originHTTPS); got != "https://example.com/path" {
		t.Fatalf("expected origin-form request with no port to default to https, got %q", got)
	}

	originHTTP80 := httptest.NewRequest(http.MethodGet, "/path", nil)
	originHTTP80.URL.Scheme = ""
	originHTTP80.URL.Host = ""
	originHTTP80.Host = "example.com:80"
	if got := resolveTargetURL(originHTTP80); got != "http://example.com:80/path" {
		t.Fatalf("expected origin-form request on :80 to resolve to http, got %q", got)
	}

	originHTTP8080 := httptest.NewRequest(http.MethodGet, "/path", nil)
	originHTTP8080.URL.Scheme = ""
	originHTTP8080.URL.Host = ""
	originHTTP8080.Host = "example.com:8080"
	if got := resolveTargetURL(originHTTP8080); got != "http://example.com:8080/path" {
		t.Fatalf("expected origin-form request on :8080 to resolve to http, got %q", got)
	}

	originHTTPS443 := httptest.NewRequest(http.MethodGet, "/path", nil)
	originHTTPS443.URL.Scheme = ""
	originHTTPS443.URL.Host = ""
	originHTTPS443.Host = "example.com:443"
	if got := resolveTargetURL(originHTTPS443); got != "https://example.com:443/path" {
		t.Fatalf("expected origin-form request on :443 to resolve to https, got %q", got)
	}
}
