package contenttype

import "testing"

func TestInferHeaderTakesPriority(t *testing.T) {
	got := Infer([]byte("{}"), "https://x/data.json", map[string]string{"Content-Type": "text/custom"})
	if got != "text/custom" {
		t.Fatalf("expected header to win, got %q", got)
	}
}

func TestInferExtensionFallback(t *testing.T) {
	got := Infer([]byte("body"), "https://x/style.css", nil)
	if got != "text/css" {
		t.Fatalf("expected extension fallback, got %q", got)
	}
}

func TestInferSniffCascade(t *testing.T) {
	cases := []struct {
		name string
		body []byte
		url  string
		want string
	}{
		{"html doctype", []byte("<!DOCTYPE html><html></html>"), "", "text/html"},
		{"html tag", []byte("<html><body>hi</body></html>"), "", "text/html"},
		{"json object", []byte(`{"ok":true}`), "", "application/json"},
		{"json array", []byte(`[1,2,3]`), "", "application/json"},
		{"xml prolog", []byte("<?xml version=\"1.0\"?><root></root>"), "", "application/xml"},
		{"xml tag", []byte("<root><child/></root>"), "", "application/xml"},
		{"jpeg", []byte{0xFF, 0xD8, 0xFF, 0xE0}, "", "image/jpeg"},
		{"png", []byte{0x89, 0x50, 0x4E, 0x47, 0x0D, 0x0A}, "", "image/png"},
		{"gif", []byte("GIF89a"), "", "image/gif"},
		{"bmp", []byte{0x42, 0x4D, 0x00, 0x00}, "", "image/bmp"},
		{"webp", append([]byte("RIFF\x00\x00\x00\x00"), []byte("WEBP")...), "", "image/webp"},
		{"plain text", []byte("just some plain text"), "", "text/plain"},
		{"empty", []byte{}, "", "application/octet-stream"},
		{"binary garbage", []byte{0x00, 0x01, 0x02, 0xFF, 0xFE, 0x80, 0x81}, "", "application/octet-stream"},
	}
	for _, c := range cases {
		t.Run(c.name, func(t *testing.T) {
			if got := Infer(c.body, c.url, nil); got != c.want {
				t.Errorf("Infer(%q) = %q, want %q", c.name, got, c.want)
			}
		})
	}
}

func TestInferEmptyBodyDefaultsToOctetStreamWithoutHints(t *testing.T) {
	// Empty body with no header/url hint falls through to the binary
	// default before any sniffing is attempted.
	got := Infer(nil, "", nil)
	if got != "application/octet-stream" {
		t.Fatalf("expected application/octet-stream for empty body, got %q", got)
	}
}

func TestIsTextMIME(t *testing.T) {
	cases := []struct {
		mime string
		want bool
	}{
		{"text/plain", true},
		{"text/html; charset=utf-8", true},
		{"application/json", true},
		{"application/vnd.api+json", true},
		{"application/atom+xml", true},
		{"application/x-www-form-urlencoded", true},
		{"application/ecmascript+javascript", true},
		{"application/octet-stream", false},
		{"image/png", false},
	}
	for _, c := range cases {
		if got := IsTextMIME(c.mime); got != c.want {
			t.Errorf("IsTextMIME(%q) = %v, want %v", c.mime, got, c.want)
		}
	}
}

func TestInferPureFunction(t *testing.T) {
	body := []byte(`{"a":1}`)
	headers := map[string]string{"Content-Type": "application/json"}
	first := Infer(body, "https://x/a", headers)
	second := Infer(body, "https://x/a", headers)
	if first != second {
		t.Fatalf("Infer should be deterministic: %q != %q", first, second)
	}
}
