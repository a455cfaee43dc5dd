package replayserver

import (
	"bufio"
	"context"
	"crypto/tls"
	"io"
	"net"
	"net/http"
	"strings"
	"testing"
	"time"

	"github.com/webmock-go/webmock/pkg/record"
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

func testSnapshot(t *testing.T) record.Snapshot {
	t.Helper()
	resp, err := record.NewResponse(200, record.Headers{"Content-Type": "application/json"}, []byte(`{"hello":"world"}`), "application/json")
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	connectResp, err := record.NewResponse(200, record.Headers{"Connection": "established"}, nil, "")
	if err != nil {
		t.Fatalf("NewResponse: %v", err)
	}
	return record.Snapshot{
		Name: "fixture",
		URL:  "https://api.example.com/",
		Exchanges: []record.Exchange{
			{Method: http.MethodConnect, URL: "https://api.example.com:443"},
			{Method: http.MethodGet, URL: "https://api.example.com/data", Response: resp},
			{Method: http.MethodConnect, URL: "https://api.example.com:443", Response: connectResp},
		},
	}
}

func startServer(t *testing.T, snap record.Snapshot) *Server {
	t.Helper()
	s, err := Start("127.0.0.1:0", snap, testCA(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		_ = s.Stop(ctx)
	})
	return s
}

func TestHandleReplayServesMatchedExchange(t *testing.T) {
	s, err := Start("127.0.0.1:0", testSnapshot(t), testCA(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/data", nil)
	resp := s.handleReplay(req)
	if resp.StatusCode != 200 {
		t.Fatalf("expected 200, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"hello":"world"}` {
		t.Fatalf("unexpected body: %s", body)
	}
	if resp.Header.Get("Content-Length") != "17" {
		t.Fatalf("expected recomputed content-length, got %q", resp.Header.Get("Content-Length"))
	}
}

func TestHandleReplayMissReturns404(t *testing.T) {
	s, err := Start("127.0.0.1:0", testSnapshot(t), testCA(t))
	if err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		s.Stop(ctx)
	}()

	req, _ := http.NewRequest(http.MethodGet, "https://api.example.com/missing", nil)
	resp := s.handleReplay(req)
	if resp.StatusCode != http.StatusNotFound {
		t.Fatalf("expected 404, got %d", resp.StatusCode)
	}
	body, _ := io.ReadAll(resp.Body)
	if !strings.Contains(string(body), "/missing") {
		t.Fatalf("expected 404 body to name the missing URL, got %s", body)
	}
}

func TestAcceptLoopServesPlainHTTPRequest(t *testing.T) {
	s := startServer(t, testSnapshot(t))

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	req := "GET https://api.example.com/data HTTP/1.1\r\nHost: api.example.com\r\n\r\n"
	if _, err := conn.Write([]byte(req)); err != nil {
		t.Fatalf("write: %v", err)
	}

	resp, err := http.ReadResponse(bufio.NewReader(conn), nil)
	if err != nil {
		t.Fatalf("read response: %v", err)
	}
	body, _ := io.ReadAll(resp.Body)
	if string(body) != `{"hello":"world"}` {
		t.Fatalf("unexpected body: %s", body)
	}
}

func TestConnectTunnelReplaysInnerRequest(t *testing.T) {
	s := startServer(t, testSnapshot(t))

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CONNECT api.example.com:443 HTTP/1.1\r\nHost: api.example.com:443\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(statusLine, "200") {
		t.Fatalf("expected 200, got %q", statusLine)
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
		t.Fatalf("client handshake: %v", err)
	}

	if _, err := io.WriteString(tlsConn, "GET /data HTTP/1.1\r\nHost: api.example.com\r\n\r\n"); err != nil {
		t.Fatalf("write inner request: %v", err)
	}

	innerResp, err := http.ReadResponse(bufio.NewReader(tlsConn), nil)
	if err != nil {
		t.Fatalf("read inner response: %v", err)
	}
	body, _ := io.ReadAll(innerResp.Body)
	if string(body) != `{"hello":"world"}` {
		t.Fatalf("unexpected inner body: %s", body)
	}
}

func TestConnectTunnelMissReturns502(t *testing.T) {
	s := startServer(t, record.Snapshot{Name: "empty"})

	conn, err := net.Dial("tcp", s.Addr().String())
	if err != nil {
		t.Fatalf("dial: %v", err)
	}
	defer conn.Close()

	if _, err := conn.Write([]byte("CONNECT unknown.example:443 HTTP/1.1\r\nHost: unknown.example:443\r\n\r\n")); err != nil {
		t.Fatalf("write CONNECT: %v", err)
	}

	br := bufio.NewReader(conn)
	statusLine, err := br.ReadString('\n')
	if err != nil {
		t.Fatalf("read status line: %v", err)
	}
	if !strings.Contains(statusLine, "502") {
		t.Fatalf("expected 502, got %q", statusLine)
	}
}
