// Package pipeline assembles tunneled response bodies: optional text
// substitution for textual content, then optional recompression when the
// public caller advertised a supported coding. Both stages are streaming;
// the body is never buffered in full.
package pipeline

import (
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"strconv"
	"strings"

	"github.com/andybalholm/brotli"
	"github.com/gravitational/trace"
	"golang.org/x/text/encoding/unicode"
	"golang.org/x/text/transform"
)

// Codings the pipeline can produce.
const (
	CodingGzip    = "gzip"
	CodingDeflate = "deflate"
	CodingBrotli  = "br"
)

// DefaultCodings is offered when the configuration does not name any.
var DefaultCodings = []string{CodingGzip}

// KnownCoding reports whether name is a coding the pipeline can produce.
func KnownCoding(name string) bool {
	switch name {
	case CodingGzip, CodingDeflate, CodingBrotli:
		return true
	}
	return false
}

// Options configure a response Writer.
type Options struct {
	// Rules are the compiled substitution rules, shared across responses.
	// A nil or empty set disables substitution.
	Rules *Rules

	// AcceptEncoding is the Accept-Encoding header of the original public
	// request.
	AcceptEncoding string

	// Codings are the codings offered to callers, in preference order.
	Codings []string
}

// flushWriteCloser is the common surface of the streaming encoders.
type flushWriteCloser interface {
	io.WriteCloser
	Flush() error
}

// Writer is the transform chain for one response body. Writes flow through
// substitution and recompression into the destination; Flush pushes encoder
// buffers through after each chunk, and Close finalizes both stages.
type Writer struct {
	head     io.Writer
	decode   *transform.Writer
	replacer *replacingWriter
	encoder  flushWriteCloser
	closed   bool
}

// NewWriter wraps dst with the transforms this response needs and adjusts
// headers in place, so it must run before the headers are sent. When
// neither stage applies the returned Writer is a plain passthrough and
// headers stay untouched.
func NewWriter(dst io.Writer, status int, headers http.Header, opts Options) *Writer {
	w := &Writer{head: dst}

	if !bodyAllowed(status) {
		return w
	}

	contentType := headers.Get("Content-Type")
	substitute := !opts.Rules.Empty() && isTextual(contentType)

	coding := ""
	if isCompressible(contentType) {
		coding = negotiateCoding(opts.AcceptEncoding, opts.Codings)
	}

	if !substitute && coding == "" {
		return w
	}

	// The body is about to be rewritten. Agents forward bodies their HTTP
	// clients already decompressed, so an inherited Content-Encoding is
	// stale and the length no longer holds; the response streams chunked
	// instead.
	headers.Del("Content-Encoding")
	headers.Del("Content-Length")

	if coding != "" {
		headers.Set("Content-Encoding", coding)
		w.encoder = newEncoder(coding, dst)
		w.head = w.encoder
	}
	if substitute {
		w.replacer = &replacingWriter{dst: w.head, rules: opts.Rules}
		w.decode = transform.NewWriter(w.replacer, unicode.UTF8.NewDecoder())
		w.head = w.decode
	}
	return w
}

// Write pushes one body chunk through the chain.
func (w *Writer) Write(p []byte) (int, error) {
	return w.head.Write(p)
}

// Flush forces buffered encoder output to the destination so each chunk
// reaches the caller promptly. The substitution carry is intentionally not
// flushed; it empties on Close.
func (w *Writer) Flush() error {
	if w.encoder != nil {
		return trace.Wrap(w.encoder.Flush())
	}
	return nil
}

// Close finalizes the chain: decodes any dangling partial code point,
// substitutes the retained tail, and writes the encoder trailer. It does
// not close the destination.
func (w *Writer) Close() error {
	if w.closed {
		return nil
	}
	w.closed = true

	if w.decode != nil {
		if err := w.decode.Close(); err != nil {
			return trace.Wrap(err)
		}
	}
	if w.replacer != nil {
		if err := w.replacer.flushRemainder(); err != nil {
			return trace.Wrap(err)
		}
	}
	if w.encoder != nil {
		return trace.Wrap(w.encoder.Close())
	}
	return nil
}

func newEncoder(coding string, dst io.Writer) flushWriteCloser {
	switch coding {
	case CodingGzip:
		return gzip.NewWriter(dst)
	case CodingDeflate:
		return zlib.NewWriter(dst)
	case CodingBrotli:
		return brotli.NewWriter(dst)
	}
	// negotiateCoding only returns names KnownCoding accepts.
	return nil
}

// negotiateCoding returns the first offered coding the caller accepts, or
// "" when none match.
func negotiateCoding(acceptEncoding string, codings []string) string {
	if acceptEncoding == "" {
		return ""
	}
	if len(codings) == 0 {
		codings = DefaultCodings
	}
	for _, coding := range codings {
		if KnownCoding(coding) && acceptsCoding(acceptEncoding, coding) {
			return coding
		}
	}
	return ""
}

// acceptsCoding reports whether an Accept-Encoding header lists coding
// with a non-zero quality.
func acceptsCoding(acceptEncoding, coding string) bool {
	for _, part := range strings.Split(acceptEncoding, ",") {
		token, params, _ := strings.Cut(strings.TrimSpace(part), ";")
		if !strings.EqualFold(strings.TrimSpace(token), coding) {
			continue
		}
		if q, ok := strings.CutPrefix(strings.TrimSpace(params), "q="); ok {
			if v, err := strconv.ParseFloat(strings.TrimSpace(q), 64); err == nil && v == 0 {
				return false
			}
		}
		return true
	}
	return false
}

// isTextual reports whether a content type is eligible for substitution.
func isTextual(contentType string) bool {
	ct := strings.ToLower(contentType)
	return strings.Contains(ct, "text/") ||
		strings.Contains(ct, "html") ||
		strings.Contains(ct, "xml")
}

var compressibleMarkers = []string{
	"text/", "html", "xml", "json", "javascript", "svg", "wasm",
	"x-www-form-urlencoded",
}

// isCompressible reports whether re-encoding the body is worthwhile.
func isCompressible(contentType string) bool {
	ct := strings.ToLower(contentType)
	for _, marker := range compressibleMarkers {
		if strings.Contains(ct, marker) {
			return true
		}
	}
	return false
}

// bodyAllowed reports whether a response with this status carries a body.
func bodyAllowed(status int) bool {
	return status >= 200 && status != http.StatusNoContent && status != http.StatusNotModified
}
