// Package mitmloop implements the TLS-terminate-then-serve-inner-HTTP loop
// shared by the recording proxy (C5) and the replay mock server (C9): once
// a CONNECT tunnel is established, both sides hand the raw connection here,
// parameterized only by what should happen to each decrypted inner request.
package mitmloop

import (
	"bufio"
	"crypto/tls"
	"net"
	"net/http"
	"net/url"
	"strings"

	"github.com/rs/zerolog"
)

// Handler answers one decrypted inner HTTP request — already rewritten to
// an absolute https://{tunnel-host}/{path} URL — and returns the response
// to write back over the tunnel. A nil return ends the loop.
type Handler func(req *http.Request) *http.Response

// Serve performs a server-side TLS handshake on conn using cfg (presenting
// the dynamic certificate), then repeatedly reads HTTP/1.1 requests off the
// decrypted stream, rewriting origin-form URIs to the absolute
// https://{tunnelHost}{path} form, until the peer closes the connection.
// "connection closed / broken pipe / reset / EOF" errors are logged at
// debug; anything else is logged as an error (spec.md §4.5, §4.9, §7).
func Serve(conn net.Conn, cfg *tls.Config, tunnelHost string, handle Handler, logger zerolog.Logger) {
	tlsConn := tls.Server(conn, cfg)
	defer tlsConn.Close()

	if err := tlsConn.Handshake(); err != nil {
		logger.Error().Err(err).Str("tunnel_host", tunnelHost).Msg("TLS handshake failed")
		return
	}

	reader := bufio.NewReader(tlsConn)
	for {
		req, err := http.ReadRequest(reader)
		if err != nil {
			logConnClose(logger, err)
			return
		}

		rewriteAbsoluteURL(req, tunnelHost)

		resp := handle(req)
		req.Body.Close()

		if resp == nil {
			return
		}
		writeErr := resp.Write(tlsConn)
		resp.Body.Close()
		if writeErr != nil {
			logConnClose(logger, writeErr)
			return
		}
	}
}

// rewriteAbsoluteURL reconstructs the full https://host/path URL for a
// request that arrived in origin form (the normal shape for requests sent
// inside an already-established CONNECT tunnel).
func rewriteAbsoluteURL(req *http.Request, tunnelHost string) {
	if req.URL.IsAbs() {
		return
	}
	full := "https://" + tunnelHost + req.URL.RequestURI()
	if u, err := url.Parse(full); err == nil {
		req.URL = u
	}
	req.Host = tunnelHost
}

func logConnClose(logger zerolog.Logger, err error) {
	msg := strings.ToLower(err.Error())
	switch {
	case strings.Contains(msg, "closed"),
		strings.Contains(msg, "broken pipe"),
		strings.Contains(msg, "reset by peer"),
		strings.Contains(msg, "eof"):
		logger.Debug().Err(err).Msg("mitm connection closed")
	default:
		logger.Error().Err(err).Msg("mitm connection error")
	}
}
