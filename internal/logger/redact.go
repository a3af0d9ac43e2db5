package logger

import (
	"bytes"
	"io"
	"regexp"
)

// RedactWriter wraps an io.Writer and masks sensitive values before writing.
// It redacts upload tokens, IPC tokens, and Bearer credentials. Because no
// log line of this agent may ever carry browsing content, it also masks any
// http(s) URL and any host-looking value after a "url"/"domain" key.
type RedactWriter struct {
	w          io.Writer
	patterns   []*regexp.Regexp
	redactWith string
}

var defaultPatterns = []*regexp.Regexp{
	// Tokens in key=value or "key":"value" form
	regexp.MustCompile(`(?i)(upload[_-]?token["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(ipc[_-]?token["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(api[_-]?key["'\s:=]+)[A-Za-z0-9\-_]{16,}`),
	regexp.MustCompile(`(?i)(token["'\s:=]+)[A-Za-z0-9\-_\.]{16,}`),
	// Bearer credentials in Authorization headers
	regexp.MustCompile(`(?i)(Bearer\s+)[A-Za-z0-9\-_\.]+`),
	// Any URL. The event schema cannot hold one, but a wrapped error from a
	// misbehaving dependency could; this is the last line of defence.
	regexp.MustCompile(`(https?://)[^\s"']+`),
	// Host values after url/domain keys even without a scheme
	regexp.MustCompile(`(?i)(url["'\s:=]+)\S+`),
	regexp.MustCompile(`(?i)(domain["'\s:=]+)\S+`),
}

// NewRedactWriter returns a RedactWriter that applies all default sensitive patterns.
func NewRedactWriter(w io.Writer) *RedactWriter {
	return &RedactWriter{
		w:          w,
		patterns:   defaultPatterns,
		redactWith: "[REDACTED]",
	}
}

// Write applies all redaction patterns before forwarding to the underlying writer.
func (r *RedactWriter) Write(p []byte) (int, error) {
	sanitized := p
	for _, re := range r.patterns {
		sanitized = re.ReplaceAll(sanitized, appendRedacted(re, r.redactWith))
	}
	n, err := r.w.Write(sanitized)
	// Return original length so callers don't get short-write errors
	// even if redaction changed the byte count.
	if n > len(sanitized) {
		n = len(sanitized)
	}
	if err != nil {
		return n, err
	}
	return len(p), nil
}

// appendRedacted builds a replacement []byte that keeps capture group $1 + redactWith.
func appendRedacted(re *regexp.Regexp, redact string) []byte {
	// All our patterns have exactly one capture group for the key/prefix.
	var buf bytes.Buffer
	buf.WriteString("${1}")
	buf.WriteString(redact)
	return buf.Bytes()
}
