// Package replayserver implements the replay mock server: it answers HTTP
// requests and CONNECT tunnels from a single, immutable snapshot loaded once
// at Start, matching each inbound request against the recorded exchange log
// instead of contacting any real origin.
package replayserver

import (
	"bufio"
	"bytes"
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"strconv"
	"strings"
	"sync"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"

	"github.com/webmock-go/webmock/pkg/mitmloop"
	"github.com/webmock-go/webmock/pkg/record"
	"github.com/webmock-go/webmock/pkg/replay"
	"github.com/webmock-go/webmock/pkg/tlsengine"
)

// Server replays a single loaded snapshot over the same HTTP/CONNECT
// protocol surface the recording proxy captured it from.
type Server struct {
	ca       *tlsengine.CA
	snapshot record.Snapshot
	logger   zerolog.Logger

	listener  net.Listener
	wg        sync.WaitGroup
	closeOnce sync.Once
	shutdown  chan struct{}
}

// Start binds addr and begins serving snap's recorded exchanges. snap is
// never mutated after this call.
func Start(addr string, snap record.Snapshot, ca *tlsengine.CA) (*Server, error) {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("replayserver: listen %s: %w", addr, err)
	}

	s := &Server{
		ca:       ca,
		snapshot: snap,
		logger:   log.With().Str("component", "replayserver").Str("snapshot", snap.Name).Logger(),
		listener: ln,
		shutdown: make(chan struct{}),
	}

	s.wg.Add(1)
	go s.acceptLoop()

	s.logger.Info().Str("addr", ln.Addr().String()).Int("exchanges", len(snap.Exchanges)).Msg("replay server listening")
	return s, nil
}

// Addr returns the address the server is bound to.
func (s *Server) Addr() net.Addr {
	return s.listener.Addr()
}

// Stop closes the listener and waits for in-flight connections to finish.
func (s *Server) Stop(ctx context.Context) error {
	s.closeOnce.Do(func() { close(s.shutdown) })
	_ = s.listener.Close()

	done := make(chan struct{})
	go func() {
		s.wg.Wait()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		return ctx.Err()
	}
	s.logger.Info().Msg("replay server stopped")
	return nil
}

func (s *Server) acceptLoop() {
	defer s.wg.Done()
	for {
		conn, err := s.listener.Accept()
		if err != nil {
			select {
			case <-s.shutdown:
				return
			default:
			}
			s.logger.Error().Err(err).Msg("accept failed")
			return
		}

		s.wg.Add(1)
		go func() {
			defer s.wg.Done()
			defer conn.Close()
			s.handleConn(conn)
		}()
	}
}

func (s *Server) handleConn(conn net.Conn) {
	reader := bufio.NewReader(conn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			return
		}

		if strings.EqualFold(req.Method, http.MethodConnect) {
			s.handleConnect(conn, req)
			return
		}

		resp := s.handleReplay(req)
		writeErr := resp.Write(conn)
		resp.Body.Close()
		if writeErr != nil {
			return
		}
	}
}

// handleConnect matches the tunnel's synthetic CONNECT record; a hit
// upgrades and reuses the shared MITM loop with a match-and-reply inner
// handler, a miss answers 502 and closes.
func (s *Server) handleConnect(conn net.Conn, req *http.Request) {
	hostport := req.URL.Host
	if hostport == "" {
		hostport = req.RequestURI
	}
	if !strings.Contains(hostport, ":") {
		hostport += ":443"
	}

	if _, ok := replay.Match(s.snapshot, http.MethodConnect, hostport); !ok {
		s.logger.Warn().Str("host", hostport).Msg("no recorded CONNECT tunnel for host")
		io.WriteString(conn, "HTTP/1.1 502 Bad Gateway\r\nConnection: close\r\n\r\n")
		return
	}

	if _, err := io.WriteString(conn, "HTTP/1.1 200 Connection Established\r\nConnection: upgrade\r\nProxy-Agent: WebMock-CLI/1.0\r\n\r\n"); err != nil {
		s.logger.Debug().Err(err).Str("host", hostport).Msg("write CONNECT ack failed")
		return
	}

	cfg, err := s.ca.BuildAcceptor()
	if err != nil {
		s.logger.Error().Err(err).Msg("build TLS acceptor failed")
		return
	}

	mitmloop.Serve(conn, cfg, hostport, s.handleReplay, s.logger)
}

// handleReplay matches req against the loaded snapshot and renders either
// the recorded response or a synthesized 404 diagnostic.
func (s *Server) handleReplay(req *http.Request) *http.Response {
	targetURL := req.URL.String()
	if !req.URL.IsAbs() {
		host := req.Host
		if host == "" {
			host = req.URL.Host
		}
		targetURL = "https://" + host + req.URL.RequestURI()
	}

	ex, ok := replay.Match(s.snapshot, req.Method, targetURL)
	if !ok {
		s.logger.Warn().Str("method", req.Method).Str("url", targetURL).Msg("no recorded exchange matched")
		return notFoundResponse(req, targetURL)
	}

	return buildReplayResponse(ex, req)
}

// buildReplayResponse renders a matched exchange's response, dropping
// content-length/transfer-encoding unconditionally and connection unless the
// match is the synthetic CONNECT record, then recomputing Content-Length.
func buildReplayResponse(ex *record.Exchange, req *http.Request) *http.Response {
	header := make(http.Header, len(ex.Response.Headers))
	for k, v := range ex.Response.Headers {
		header.Set(k, v)
	}
	header.Del("Content-Length")
	header.Del("Transfer-Encoding")

	if strings.EqualFold(ex.Method, http.MethodConnect) {
		header.Set("Connection", "upgrade")
	} else {
		header.Del("Connection")
	}

	header.Set("Content-Length", strconv.Itoa(len(ex.Response.Body)))

	return &http.Response{
		StatusCode:    ex.Response.Status,
		Status:        fmt.Sprintf("%d %s", ex.Response.Status, http.StatusText(ex.Response.Status)),
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(ex.Response.Body)),
		ContentLength: int64(len(ex.Response.Body)),
		Request:       req,
	}
}

// notFoundResponse synthesizes a 404 diagnostic naming the unmatched URL, so
// a developer staring at a failing replay run can see exactly what the
// matcher was asked to find.
func notFoundResponse(req *http.Request, targetURL string) *http.Response {
	body := []byte(fmt.Sprintf(
		"<html><body><h1>404 Not Found</h1><p>No recorded exchange for %s %s</p></body></html>",
		req.Method, targetURL,
	))
	header := http.Header{}
	header.Set("Content-Type", "text/html")
	header.Set("Content-Length", strconv.Itoa(len(body)))

	return &http.Response{
		StatusCode:    http.StatusNotFound,
		Status:        "404 Not Found",
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        header,
		Body:          io.NopCloser(bytes.NewReader(body)),
		ContentLength: int64(len(body)),
		Request:       req,
	}
}
