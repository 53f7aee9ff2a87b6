package server

import (
	"fmt"
	"io"
	"net"
	"net/http"
	"net/textproto"
	"strings"
	"time"

	"github.com/gravitational/trace"

	"github.com/charahq/chara/internal/pipeline"
	"github.com/charahq/chara/pkg/protocol"
)

// maxRequestBody caps how much of a public request body is buffered into a
// single http_request message.
const maxRequestBody = 10 << 20

// hopByHopHeaders describe the agent's hop, not ours, so they never reach
// the public caller.
var hopByHopHeaders = map[string]struct{}{
	"Connection":          {},
	"Keep-Alive":          {},
	"Proxy-Authenticate":  {},
	"Proxy-Authorization": {},
	"Te":                  {},
	"Trailer":             {},
	"Transfer-Encoding":   {},
	"Upgrade":             {},
}

func isHopByHop(name string) bool {
	_, ok := hopByHopHeaders[textproto.CanonicalMIMEHeaderKey(name)]
	return ok
}

// handleRequest proxies one public request through the agent serving the
// requested subdomain.
func (s *Server) handleRequest(w http.ResponseWriter, r *http.Request) {
	started := s.clock.Now()
	name := protocol.FirstLabel(r.Host)
	sess, err := s.directory.Get(name)
	if err != nil {
		s.metrics.countRequest(http.StatusNotFound, s.clock.Since(started))
		http.Error(w, fmt.Sprintf("No tunnel for %s. Connect an agent to wss://%s%s to publish one.",
			protocol.StripPort(r.Host), s.config.ControlDomain, protocol.ConnectPath), http.StatusNotFound)
		return
	}

	pr, err := sess.createPending()
	if err != nil {
		s.metrics.countRequest(http.StatusServiceUnavailable, s.clock.Since(started))
		http.Error(w, "Client disconnected", http.StatusServiceUnavailable)
		return
	}
	defer pr.bodyR.Close()

	msg, err := encodeRequest(pr.id, r)
	if err != nil {
		sess.remove(pr.id)
		status := http.StatusBadRequest
		text := "Failed to read request body"
		if trace.IsLimitExceeded(err) {
			status = http.StatusRequestEntityTooLarge
			text = "Request body too large"
		}
		s.metrics.countRequest(status, s.clock.Since(started))
		http.Error(w, text, status)
		return
	}

	if err := sess.forward(msg); err != nil {
		sess.remove(pr.id)
		s.ingressLog.WithError(err).WithField("subdomain", name).Warn("Failed to forward request to agent.")
		s.metrics.countRequest(http.StatusBadGateway, s.clock.Since(started))
		http.Error(w, "Failed to forward request to client", http.StatusBadGateway)
		return
	}

	timer := s.clock.NewTimer(s.config.RequestTimeout)
	defer timer.Stop()

	var resp response
	select {
	case resp = <-pr.resolved:
	case <-timer.Chan():
		text := fmt.Sprintf("Request timeout after %d seconds", int(s.config.RequestTimeout/time.Second))
		if pr.resolve(failureResponse(http.StatusGatewayTimeout, text)) {
			s.metrics.requestTimeouts.Inc()
			pr.closeStream(trace.LimitExceeded("request timed out"))
			sess.remove(pr.id)
		}
		// Either our timeout response or a head the agent squeezed in
		// just before the deadline.
		resp = <-pr.resolved
	case <-r.Context().Done():
		if !pr.resolve(failureResponse(http.StatusBadGateway, "request canceled")) {
			resp = <-pr.resolved
			resp.body.Close()
		}
		pr.closeStream(r.Context().Err())
		sess.remove(pr.id)
		return
	}
	defer resp.body.Close()

	s.serveResponse(w, r, resp)
	s.metrics.countRequest(resp.status, s.clock.Since(started))
}

// serveResponse relays the agent's response head and body to the public
// caller, applying substitution and compression on the way through.
func (s *Server) serveResponse(w http.ResponseWriter, r *http.Request, resp response) {
	for name, value := range resp.headers {
		if isHopByHop(name) {
			continue
		}
		w.Header().Set(name, value)
	}
	status := resp.status
	if status < 100 {
		status = http.StatusOK
	}

	// HEAD responses keep the agent's headers untouched; there is no body
	// to rewrite or encode.
	opts := pipeline.Options{Codings: s.config.Codings}
	if r.Method != http.MethodHead {
		opts.Rules = s.rules
		opts.AcceptEncoding = r.Header.Get("Accept-Encoding")
	}
	pw := pipeline.NewWriter(w, status, w.Header(), opts)
	w.WriteHeader(status)

	// Push the head out right away. Streaming callers see it as soon as
	// the agent starts responding, not when the first chunk lands.
	flusher, _ := w.(http.Flusher)
	if flusher != nil {
		flusher.Flush()
	}

	if r.Method == http.MethodHead || !bodyAllowed(status) {
		// Keep the agent side flowing even though nothing is written back.
		io.Copy(io.Discard, resp.body)
		return
	}
	buf := make([]byte, 32*1024)
	for {
		n, err := resp.body.Read(buf)
		if n > 0 {
			if _, werr := pw.Write(buf[:n]); werr != nil {
				s.ingressLog.WithError(werr).Warn("Aborting response relay mid-stream.")
				panic(http.ErrAbortHandler)
			}
			if ferr := pw.Flush(); ferr != nil {
				s.ingressLog.WithError(ferr).Warn("Aborting response relay mid-stream.")
				panic(http.ErrAbortHandler)
			}
			if flusher != nil {
				flusher.Flush()
			}
		}
		if err != nil {
			if err != io.EOF {
				s.ingressLog.WithError(err).Debug("Tunnel body stream ended abnormally.")
			}
			break
		}
	}
	if err := pw.Close(); err != nil {
		s.ingressLog.WithError(err).Warn("Aborting response relay mid-stream.")
		panic(http.ErrAbortHandler)
	}
}

func bodyAllowed(status int) bool {
	return status >= http.StatusOK &&
		status != http.StatusNoContent &&
		status != http.StatusNotModified
}

// encodeRequest turns a public request into an http_request control message.
func encodeRequest(id string, r *http.Request) (protocol.Message, error) {
	msg := protocol.Message{
		Type:    protocol.TypeHTTPRequest,
		ID:      id,
		Method:  r.Method,
		Path:    r.RequestURI,
		URL:     requestURL(r),
		Headers: flattenHeaders(r),
	}
	if r.Method != http.MethodGet && r.Method != http.MethodHead && r.Body != nil {
		body, err := io.ReadAll(io.LimitReader(r.Body, maxRequestBody+1))
		if err != nil {
			return protocol.Message{}, trace.ConvertSystemError(err)
		}
		if len(body) > maxRequestBody {
			return protocol.Message{}, trace.LimitExceeded("request body exceeds %d bytes", maxRequestBody)
		}
		msg.Body = body
	}
	return msg, nil
}

func requestURL(r *http.Request) string {
	return forwardedProto(r) + "://" + r.Host + r.RequestURI
}

func forwardedProto(r *http.Request) string {
	if r.TLS != nil || r.Header.Get("X-Forwarded-Proto") == "https" {
		return "https"
	}
	return "http"
}

// flattenHeaders folds repeated header values into the single-valued map
// the control message carries, and stamps the usual proxy headers.
func flattenHeaders(r *http.Request) map[string]string {
	headers := make(map[string]string, len(r.Header)+4)
	for name, values := range r.Header {
		headers[name] = strings.Join(values, ", ")
	}
	headers["Host"] = r.Host
	headers["X-Forwarded-Host"] = r.Host
	headers["X-Forwarded-Proto"] = forwardedProto(r)
	if host, _, err := net.SplitHostPort(r.RemoteAddr); err == nil {
		if prior := r.Header.Get("X-Forwarded-For"); prior != "" {
			headers["X-Forwarded-For"] = prior + ", " + host
		} else {
			headers["X-Forwarded-For"] = host
		}
	}
	return headers
}
