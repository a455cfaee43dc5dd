// Package contenttype classifies a response body into a MIME label using
// the cascade: explicit header, URL extension, byte-signature sniffing,
// then a generic text/binary fallback.
package contenttype

import (
	"bytes"
	"encoding/json"
	"net/url"
	"path"
	"strings"
	"unicode/utf8"
)

// extensionTable maps a lower-cased file extension (without the dot) to its
// MIME label. It intentionally covers the families spec.md names (html,
// json, xml, images) plus a handful of common web-asset extensions so the
// recorder classifies CSS/JS correctly for the replay scenarios in §8.
var extensionTable = map[string]string{
	"html": "text/html",
	"htm":  "text/html",
	"css":  "text/css",
	"js":   "application/javascript",
	"mjs":  "application/javascript",
	"json": "application/json",
	"xml":  "application/xml",
	"txt":  "text/plain",
	"csv":  "text/csv",
	"jpg":  "image/jpeg",
	"jpeg": "image/jpeg",
	"png":  "image/png",
	"gif":  "image/gif",
	"bmp":  "image/bmp",
	"webp": "image/webp",
	"svg":  "image/svg+xml",
	"ico":  "image/x-icon",
	"pdf":  "application/pdf",
	"woff": "font/woff",
	"woff2": "font/woff2",
}

// Infer returns the MIME label for a response given its body, the URL it was
// fetched from (used for extension inference), and its headers (used for an
// explicit Content-Type). headers may be nil.
func Infer(body []byte, rawURL string, headers map[string]string) string {
	if ct := headerContentType(headers); ct != "" {
		return ct
	}
	if ct := extensionContentType(rawURL); ct != "" {
		return ct
	}
	return sniff(body)
}

func headerContentType(headers map[string]string) string {
	for k, v := range headers {
		if strings.EqualFold(k, "Content-Type") && v != "" {
			return v
		}
	}
	return ""
}

func extensionContentType(rawURL string) string {
	if rawURL == "" {
		return ""
	}
	p := rawURL
	if u, err := url.Parse(rawURL); err == nil && u.Path != "" {
		p = u.Path
	}
	ext := strings.ToLower(strings.TrimPrefix(path.Ext(p), "."))
	if ext == "" {
		return ""
	}
	return extensionTable[ext]
}

func sniff(body []byte) string {
	if len(body) == 0 {
		return "application/octet-stream"
	}
	trimmed := bytes.TrimSpace(body)

	if looksLikeHTML(trimmed) {
		return "text/html"
	}
	if looksLikeJSON(trimmed) {
		return "application/json"
	}
	if looksLikeXML(trimmed) {
		return "application/xml"
	}
	if mime := sniffImage(body); mime != "" {
		return mime
	}
	if isMostlyPrintableText(body) {
		return "text/plain"
	}
	return "application/octet-stream"
}

func looksLikeHTML(trimmed []byte) bool {
	lower := bytes.ToLower(trimmed)
	switch {
	case bytes.HasPrefix(lower, []byte("<!doctype html")):
		return true
	case bytes.HasPrefix(lower, []byte("<html")):
		return true
	case bytes.Contains(lower, []byte("<html>")) || bytes.Contains(lower, []byte("</html>")):
		return true
	}
	return false
}

func looksLikeJSON(trimmed []byte) bool {
	if len(trimmed) == 0 {
		return false
	}
	switch trimmed[0] {
	case '{', '[':
	default:
		return false
	}
	return json.Valid(trimmed)
}

func looksLikeXML(trimmed []byte) bool {
	if bytes.HasPrefix(trimmed, []byte("<?xml")) {
		return true
	}
	if bytes.HasPrefix(trimmed, []byte("<")) && bytes.Contains(trimmed, []byte("</")) {
		return true
	}
	return false
}

// imageSignature pairs a byte-prefix test with its MIME label, mirroring
// spec.md's signature table.
type imageSignature struct {
	mime  string
	check func([]byte) bool
}

var imageSignatures = []imageSignature{
	{"image/jpeg", func(b []byte) bool {
		return len(b) >= 3 && b[0] == 0xFF && b[1] == 0xD8 && b[2] == 0xFF
	}},
	{"image/png", func(b []byte) bool {
		return len(b) >= 4 && b[0] == 0x89 && b[1] == 0x50 && b[2] == 0x4E && b[3] == 0x47
	}},
	{"image/gif", func(b []byte) bool {
		return len(b) >= 4 && b[0] == 0x47 && b[1] == 0x49 && b[2] == 0x46 && b[3] == 0x38
	}},
	{"image/bmp", func(b []byte) bool {
		return len(b) >= 2 && b[0] == 0x42 && b[1] == 0x4D
	}},
	{"image/webp", func(b []byte) bool {
		return len(b) >= 12 && bytes.Equal(b[0:4], []byte("RIFF")) && bytes.Equal(b[8:12], []byte("WEBP"))
	}},
}

func sniffImage(body []byte) string {
	for _, sig := range imageSignatures {
		if sig.check(body) {
			return sig.mime
		}
	}
	return ""
}

// isMostlyPrintableText returns true when at least 80% of the UTF-8-decoded
// characters are ASCII-printable or whitespace. An empty buffer counts as
// text per spec.md.
func isMostlyPrintableText(body []byte) bool {
	if len(body) == 0 {
		return true
	}

	total := 0
	printable := 0
	for len(body) > 0 {
		r, size := utf8.DecodeRune(body)
		body = body[size:]
		total++
		if r == utf8.RuneError && size == 1 {
			continue
		}
		if (r >= 0x20 && r < 0x7F) || r == '\n' || r == '\r' || r == '\t' {
			printable++
		}
	}
	if total == 0 {
		return true
	}
	return float64(printable)/float64(total) >= 0.8
}

// IsTextMIME reports whether mime should be treated as serializable text:
// any text/* major type, or an application/* subtype of json/+json/+xml/
// +javascript/x-www-form-urlencoded.
func IsTextMIME(mime string) bool {
	mime = strings.ToLower(strings.TrimSpace(mime))
	if i := strings.IndexByte(mime, ';'); i >= 0 {
		mime = strings.TrimSpace(mime[:i])
	}

	major, sub, ok := strings.Cut(mime, "/")
	if !ok {
		return false
	}
	if major == "text" {
		return true
	}
	if major != "application" {
		return false
	}
	switch {
	case sub == "json":
		return true
	case strings.HasSuffix(sub, "+json"):
		return true
	case strings.HasSuffix(sub, "+xml"):
		return true
	case strings.HasSuffix(sub, "+javascript"):
		return true
	case sub == "x-www-form-urlencoded":
		return true
	}
	return false
}
