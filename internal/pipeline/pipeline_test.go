package pipeline

import (
	"bytes"
	"compress/gzip"
	"compress/zlib"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/andybalholm/brotli"
	"github.com/stretchr/testify/require"
)

func mustCompile(t *testing.T, specs ...Replacement) *Rules {
	t.Helper()
	rules, err := CompileRules(specs)
	require.NoError(t, err)
	return rules
}

// run pushes chunks through a fresh Writer and returns the destination
// bytes together with the headers after mutation.
func run(t *testing.T, status int, headers http.Header, opts Options, chunks ...string) ([]byte, http.Header) {
	t.Helper()
	var dst bytes.Buffer
	w := NewWriter(&dst, status, headers, opts)
	for _, chunk := range chunks {
		_, err := w.Write([]byte(chunk))
		require.NoError(t, err)
		require.NoError(t, w.Flush())
	}
	require.NoError(t, w.Close())
	return dst.Bytes(), headers
}

func TestPassthroughWhenNothingApplies(t *testing.T) {
	headers := http.Header{"Content-Type": {"text/plain"}, "Content-Length": {"2"}}
	got, headers := run(t, 200, headers, Options{AcceptEncoding: "identity", Codings: DefaultCodings}, "hi")

	require.Equal(t, "hi", string(got))
	require.Empty(t, headers.Get("Content-Encoding"))
	require.Equal(t, "2", headers.Get("Content-Length"))
}

func TestSubstitutionAcrossChunkBoundary(t *testing.T) {
	rules := mustCompile(t, Replacement{Pattern: "foo", Replacement: "bar"})
	headers := http.Header{"Content-Type": {"text/plain"}}

	got, _ := run(t, 200, headers, Options{Rules: rules}, "abc fo", "o xyz")
	require.Equal(t, "abc bar xyz", string(got))
}

func TestSubstitutionBoundarySafety(t *testing.T) {
	rules := mustCompile(t,
		Replacement{Pattern: "foo", Replacement: "barbar"},
		Replacement{Pattern: "lorem", Replacement: ""},
	)

	// Large enough that the carry window is crossed many times, with
	// multi-byte code points in the mix.
	input := strings.Repeat("pad é漢 foo lorem ipsum ", 150)
	want := rules.Apply(input)

	for _, size := range []int{1, 3, 7, 64, 333, 1000, len(input)} {
		var dst bytes.Buffer
		w := NewWriter(&dst, 200, http.Header{"Content-Type": {"text/html"}}, Options{Rules: rules})
		for off := 0; off < len(input); off += size {
			end := min(off+size, len(input))
			_, err := w.Write([]byte(input[off:end]))
			require.NoError(t, err)
		}
		require.NoError(t, w.Close())
		require.Equal(t, want, dst.String(), "chunk size %d", size)
	}
}

func TestSubstitutionIdempotence(t *testing.T) {
	rules := mustCompile(t, Replacement{Pattern: "foo", Replacement: "bar"})
	input := strings.Repeat("one foo two ", 200)

	headers := http.Header{"Content-Type": {"text/plain"}}
	once, _ := run(t, 200, headers, Options{Rules: rules}, input)
	twice, _ := run(t, 200, http.Header{"Content-Type": {"text/plain"}}, Options{Rules: rules}, string(once))
	require.Equal(t, string(once), string(twice))
}

func TestSubstitutionDecodesInvalidBytes(t *testing.T) {
	rules := mustCompile(t, Replacement{Pattern: "never", Replacement: "matches"})
	headers := http.Header{"Content-Type": {"text/plain"}}

	got, _ := run(t, 200, headers, Options{Rules: rules}, "h\xFFi")
	require.Equal(t, "h�i", string(got))
}

func TestRegexSubstitution(t *testing.T) {
	rules := mustCompile(t, Replacement{
		Pattern:     `https?://old\.example`,
		Replacement: "https://new.example",
		Regex:       true,
	})
	headers := http.Header{"Content-Type": {"text/html"}}

	got, _ := run(t, 200, headers, Options{Rules: rules},
		`<a href="http://old.example/x">`)
	require.Equal(t, `<a href="https://new.example/x">`, string(got))
}

func TestGzipCompressionWithSubstitution(t *testing.T) {
	rules := mustCompile(t, Replacement{Pattern: "foo", Replacement: "bar"})
	headers := http.Header{
		"Content-Type":     {"text/html; charset=utf-8"},
		"Content-Length":   {"11"},
		"Content-Encoding": {"gzip"}, // stale, inherited from the agent's upstream
	}

	got, headers := run(t, 200, headers,
		Options{Rules: rules, AcceptEncoding: "gzip, deflate", Codings: DefaultCodings},
		"abc fo", "o xyz")

	require.Equal(t, "gzip", headers.Get("Content-Encoding"))
	require.Empty(t, headers.Get("Content-Length"))

	zr, err := gzip.NewReader(bytes.NewReader(got))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, "abc bar xyz", string(body))
}

func TestDeflateCoding(t *testing.T) {
	headers := http.Header{"Content-Type": {"application/json"}}
	got, headers := run(t, 200, headers,
		Options{AcceptEncoding: "deflate", Codings: []string{CodingGzip, CodingDeflate}},
		`{"a":1}`)

	require.Equal(t, "deflate", headers.Get("Content-Encoding"))
	zr, err := zlib.NewReader(bytes.NewReader(got))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, `{"a":1}`, string(body))
}

func TestBrotliCoding(t *testing.T) {
	headers := http.Header{"Content-Type": {"text/css"}}
	got, headers := run(t, 200, headers,
		Options{AcceptEncoding: "br", Codings: []string{CodingGzip, CodingBrotli}},
		"body { color: red }")

	require.Equal(t, "br", headers.Get("Content-Encoding"))
	body, err := io.ReadAll(brotli.NewReader(bytes.NewReader(got)))
	require.NoError(t, err)
	require.Equal(t, "body { color: red }", string(body))
}

func TestJSONCompressedButNotSubstituted(t *testing.T) {
	rules := mustCompile(t, Replacement{Pattern: "foo", Replacement: "bar"})
	headers := http.Header{"Content-Type": {"application/json"}}

	got, headers := run(t, 200, headers,
		Options{Rules: rules, AcceptEncoding: "gzip", Codings: DefaultCodings},
		`{"v":"foo"}`)

	require.Equal(t, "gzip", headers.Get("Content-Encoding"))
	zr, err := gzip.NewReader(bytes.NewReader(got))
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, `{"v":"foo"}`, string(body))
}

func TestNegotiation(t *testing.T) {
	tests := []struct {
		name           string
		acceptEncoding string
		codings        []string
		contentType    string
		status         int
		wantCoding     string
	}{
		{"identity only", "identity", DefaultCodings, "text/plain", 200, ""},
		{"gzip accepted", "gzip", DefaultCodings, "text/plain", 200, "gzip"},
		{"quality zero refused", "gzip;q=0", DefaultCodings, "text/plain", 200, ""},
		{"quality kept", "gzip;q=0.5", DefaultCodings, "text/plain", 200, "gzip"},
		{"preference order", "br, gzip", []string{CodingGzip, CodingBrotli}, "text/plain", 200, "gzip"},
		{"brotli only match", "br", []string{CodingGzip, CodingBrotli}, "text/plain", 200, "br"},
		{"unoffered coding", "deflate", DefaultCodings, "text/plain", 200, ""},
		{"binary body", "gzip", DefaultCodings, "image/png", 200, ""},
		{"missing content type", "gzip", DefaultCodings, "", 200, ""},
		{"no content", "gzip", DefaultCodings, "text/plain", 204, ""},
		{"not modified", "gzip", DefaultCodings, "text/plain", 304, ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			headers := http.Header{}
			if tt.contentType != "" {
				headers.Set("Content-Type", tt.contentType)
			}
			var dst bytes.Buffer
			w := NewWriter(&dst, tt.status, headers, Options{
				AcceptEncoding: tt.acceptEncoding,
				Codings:        tt.codings,
			})
			require.NoError(t, w.Close())
			require.Equal(t, tt.wantCoding, headers.Get("Content-Encoding"))
		})
	}
}

func TestFlushDeliversBeforeClose(t *testing.T) {
	var dst bytes.Buffer
	headers := http.Header{"Content-Type": {"text/plain"}}
	w := NewWriter(&dst, 200, headers, Options{AcceptEncoding: "gzip", Codings: DefaultCodings})

	_, err := w.Write([]byte(strings.Repeat("streaming ", 10)))
	require.NoError(t, err)
	require.NoError(t, w.Flush())
	require.NotZero(t, dst.Len(), "flushed chunk must reach the destination before Close")

	require.NoError(t, w.Close())
	zr, err := gzip.NewReader(&dst)
	require.NoError(t, err)
	body, err := io.ReadAll(zr)
	require.NoError(t, err)
	require.Equal(t, strings.Repeat("streaming ", 10), string(body))
}

func TestCloseIsIdempotent(t *testing.T) {
	var dst bytes.Buffer
	w := NewWriter(&dst, 200, http.Header{"Content-Type": {"text/plain"}},
		Options{AcceptEncoding: "gzip", Codings: DefaultCodings})
	require.NoError(t, w.Close())
	require.NoError(t, w.Close())
}
