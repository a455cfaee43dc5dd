// Package record defines the structural types for a captured HTTP exchange
// and the snapshot envelope that groups them, together with the binary
// codec used to persist and reload a snapshot.
package record

import (
	"fmt"
	"net/textproto"
	"strings"
	"time"
)

// Headers is a request/response header mapping with case-insensitive
// lookups but on-wire casing preserved for iteration and re-emission.
type Headers map[string]string

// Get returns the value for name using a case-insensitive lookup. It
// returns "" if the header is absent.
func (h Headers) Get(name string) string {
	if h == nil {
		return ""
	}
	if v, ok := h[name]; ok {
		return v
	}
	canon := textproto.CanonicalMIMEHeaderKey(name)
	for k, v := range h {
		if textproto.CanonicalMIMEHeaderKey(k) == canon {
			return v
		}
	}
	return ""
}

// Clone returns a shallow copy of h.
func (h Headers) Clone() Headers {
	if h == nil {
		return nil
	}
	out := make(Headers, len(h))
	for k, v := range h {
		out[k] = v
	}
	return out
}

// Response is the recorded response half of an exchange.
type Response struct {
	Status      int     `msgpack:"status"`
	Headers     Headers `msgpack:"headers"`
	Body        []byte  `msgpack:"body"`
	ContentType string  `msgpack:"content_type"`
}

// NewResponse validates status and freezes ContentType at construction time;
// it is never recomputed afterward (spec.md invariant for C1).
func NewResponse(status int, headers Headers, body []byte, contentType string) (Response, error) {
	if status < 100 || status > 599 {
		return Response{}, fmt.Errorf("record: status %d out of range [100,599]", status)
	}
	if headers == nil {
		headers = Headers{}
	}
	return Response{
		Status:      status,
		Headers:     headers,
		Body:        body,
		ContentType: contentType,
	}, nil
}

// Exchange is the atomic captured unit: one request and its response.
type Exchange struct {
	// ID correlates log lines across the MITM tunnel loop; it is a
	// diagnostic aid, not part of the replay-matching contract.
	ID        string    `msgpack:"id"`
	Method    string    `msgpack:"method"`
	URL       string    `msgpack:"url"`
	Headers   Headers   `msgpack:"headers"`
	Body      []byte    `msgpack:"body"`
	Response  Response  `msgpack:"response"`
	Timestamp time.Time `msgpack:"timestamp"`
}

// Metadata is the snapshot envelope's header, without the exchange log.
type Metadata struct {
	Name      string    `msgpack:"name"`
	URL       string    `msgpack:"url"`
	CreatedAt time.Time `msgpack:"created_at"`
	Version   string    `msgpack:"version"`
}

// Snapshot is a named, ordered log of exchanges plus identifying metadata.
type Snapshot struct {
	Name      string     `msgpack:"name"`
	URL       string     `msgpack:"url"`
	CreatedAt time.Time  `msgpack:"created_at"`
	Version   string     `msgpack:"version"`
	Exchanges []Exchange `msgpack:"exchanges"`
}

// Metadata extracts the envelope header from a full snapshot.
func (s Snapshot) Metadata() Metadata {
	return Metadata{
		Name:      s.Name,
		URL:       s.URL,
		CreatedAt: s.CreatedAt,
		Version:   s.Version,
	}
}

// validNameChar is the per-character rule of snapshot name validation:
// alphanumerics plus '-'/'_' (which rules out path separators and
// whitespace). LooksLikeValidName adds the non-empty and ≤100-char limits.
// ValidateName is exported from snapshotstore, which owns the
// filesystem-facing validation; this helper lives here so code in this
// package and its tests get a quick sanity check without importing
// snapshotstore.
func validNameChar(r rune) bool {
	switch {
	case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
		return true
	case r == '-' || r == '_':
		return true
	default:
		return false
	}
}

// LooksLikeValidName performs the cheap, package-local half of name
// validation (no filesystem access); snapshotstore.ValidateName is the
// authoritative check used before any disk I/O.
func LooksLikeValidName(name string) bool {
	if name == "" || len(name) > 100 {
		return false
	}
	if strings.ContainsAny(name, "/\\") {
		return false
	}
	for _, r := range name {
		if !validNameChar(r) {
			return false
		}
	}
	return true
}
