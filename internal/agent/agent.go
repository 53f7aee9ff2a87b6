// Package agent contains the local tunnel agent implementation for chara.
package agent

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"net/http"
	"net/textproto"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"

	"github.com/charahq/chara/pkg/protocol"
)

const (
	// streamThreshold is the largest local response relayed as a single
	// http_response_end message. Anything bigger, or of unknown length,
	// is streamed as start/data/end.
	streamThreshold = 64 * 1024

	// chunkSize is the read size for streamed response bodies.
	chunkSize = 32 * 1024
)

// Config holds the agent configuration.
type Config struct {
	// ServerURL is the tunnel server base URL. Accepts http, https, ws or
	// wss schemes; a bare host is treated as https.
	ServerURL string
	// Subdomain is the requested subdomain. Empty lets the server pick.
	Subdomain string
	// LocalPort is the local service port requests are forwarded to.
	LocalPort int
	// LocalHost is the local service host. Defaults to 127.0.0.1.
	LocalHost string
	// RewriteHost rewrites the Host header to the local address.
	RewriteHost bool
	// Log is the logger sink. Defaults to the standard logger.
	Log logrus.FieldLogger
	// Clock drives reconnect backoff and heartbeats. Swapped out in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.ServerURL == "" {
		return trace.BadParameter("missing server URL")
	}
	if c.LocalPort < 1 || c.LocalPort > 65535 {
		return trace.BadParameter("invalid local port %d", c.LocalPort)
	}
	if c.LocalHost == "" {
		c.LocalHost = "127.0.0.1"
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// Agent keeps one tunnel open to the server and answers the requests
// arriving over it from the local service.
type Agent struct {
	config Config
	log    logrus.FieldLogger
	clock  clockwork.Clock

	httpClient *http.Client

	mu          sync.RWMutex
	conn        *websocket.Conn
	publicURL   string
	assigned    string // first label of the assigned domain, re-requested on reconnect
	connectedAt time.Time

	writeMu sync.Mutex // serializes frames onto the current conn

	requestCount atomic.Int64
	bytesIn      atomic.Int64
	bytesOut     atomic.Int64

	closeOnce sync.Once
	done      chan struct{}

	// Callbacks for UI updates.
	OnConnect    func(publicURL string, requested bool)
	OnDisconnect func(err error)
	OnRequest    func(entry protocol.RequestLog)
}

// New creates an agent from the given config.
func New(config Config) (*Agent, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	return &Agent{
		config: config,
		log:    config.Log.WithField("component", "tunnel:agent"),
		clock:  config.Clock,
		httpClient: &http.Client{
			// Redirects belong to the browser on the public side.
			CheckRedirect: func(*http.Request, []*http.Request) error {
				return http.ErrUseLastResponse
			},
		},
		done: make(chan struct{}),
	}, nil
}

// Run keeps the tunnel alive until the context is canceled or the agent is
// closed, reconnecting with exponential backoff.
func (a *Agent) Run(ctx context.Context) error {
	delay := protocol.InitialReconnectDelay
	for {
		connected, err := a.runOnce(ctx)
		if connected {
			delay = protocol.InitialReconnectDelay
		}
		if ctx.Err() != nil {
			return ctx.Err()
		}
		select {
		case <-a.done:
			return nil
		default:
		}

		if connected && a.OnDisconnect != nil {
			a.OnDisconnect(err)
		}
		a.log.WithError(err).Warnf("Tunnel lost, reconnecting in %v.", delay)

		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-a.done:
			return nil
		case <-a.clock.After(delay):
		}
		delay *= 2
		if delay > protocol.MaxReconnectDelay {
			delay = protocol.MaxReconnectDelay
		}
	}
}

// runOnce dials the server and serves one connection to its end. The
// returned bool reports whether a tunnel was established at all.
func (a *Agent) runOnce(ctx context.Context) (connected bool, err error) {
	conn, err := a.dial(ctx)
	if err != nil {
		return false, trace.Wrap(err)
	}
	defer conn.Close()

	// The subdomain announcement is always the first frame.
	conn.SetReadDeadline(a.clock.Now().Add(protocol.ReadTimeout))
	var assigned protocol.Message
	if err := conn.ReadJSON(&assigned); err != nil {
		return false, trace.Wrap(err)
	}
	if assigned.Type != protocol.TypeSubdomainAssigned {
		return false, trace.BadParameter("expected %s, got %q", protocol.TypeSubdomainAssigned, assigned.Type)
	}

	publicURL := a.publicURLFor(assigned.Subdomain)
	a.mu.Lock()
	a.conn = conn
	a.publicURL = publicURL
	a.assigned = protocol.FirstLabel(assigned.Subdomain)
	a.connectedAt = a.clock.Now()
	a.mu.Unlock()
	defer func() {
		a.mu.Lock()
		if a.conn == conn {
			a.conn = nil
		}
		a.mu.Unlock()
	}()

	honored := assigned.Requested != nil && *assigned.Requested
	a.log.WithField("url", publicURL).Info("Tunnel established.")
	if a.config.Subdomain != "" && !honored {
		a.log.Warnf("Requested subdomain was unavailable, serving on %s.", assigned.Subdomain)
	}
	if a.OnConnect != nil {
		a.OnConnect(publicURL, honored)
	}

	stop := make(chan struct{})
	defer close(stop)
	go a.keepalive(conn, stop)

	for {
		conn.SetReadDeadline(a.clock.Now().Add(protocol.ReadTimeout))
		var msg protocol.Message
		if err := conn.ReadJSON(&msg); err != nil {
			return true, trace.Wrap(err)
		}
		a.handleMessage(conn, msg)
	}
}

func (a *Agent) dial(ctx context.Context) (*websocket.Conn, error) {
	endpoint, err := a.connectURL()
	if err != nil {
		return nil, trace.Wrap(err)
	}
	a.log.WithField("endpoint", endpoint).Debug("Dialing tunnel server.")

	dialer := websocket.Dialer{HandshakeTimeout: 10 * time.Second}
	conn, resp, err := dialer.DialContext(ctx, endpoint, nil)
	if resp != nil && resp.Body != nil {
		resp.Body.Close()
	}
	if err != nil {
		return nil, trace.ConnectionProblem(err, "connecting to %s", endpoint)
	}
	return conn, nil
}

// connectURL builds the upgrade URL from the configured server URL.
func (a *Agent) connectURL() (string, error) {
	raw := a.config.ServerURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	serverURL, err := url.Parse(raw)
	if err != nil {
		return "", trace.BadParameter("invalid server URL %q: %v", a.config.ServerURL, err)
	}
	switch serverURL.Scheme {
	case "http":
		serverURL.Scheme = "ws"
	case "https":
		serverURL.Scheme = "wss"
	case "ws", "wss":
	default:
		return "", trace.BadParameter("unsupported server URL scheme %q", serverURL.Scheme)
	}

	serverURL.Path = protocol.ConnectPath
	q := serverURL.Query()
	if requested := a.requestedSubdomain(); requested != "" {
		q.Set(protocol.SubdomainQueryParam, requested)
	}
	serverURL.RawQuery = q.Encode()
	return serverURL.String(), nil
}

// requestedSubdomain prefers the name a previous connection was assigned,
// so the public URL survives reconnects when the name is still free.
func (a *Agent) requestedSubdomain() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	if a.assigned != "" {
		return a.assigned
	}
	return a.config.Subdomain
}

// publicURLFor derives the browser-facing URL from the assigned domain,
// keeping the server URL's scheme and port.
func (a *Agent) publicURLFor(domain string) string {
	raw := a.config.ServerURL
	if !strings.Contains(raw, "://") {
		raw = "https://" + raw
	}
	u, err := url.Parse(raw)
	if err != nil {
		return "https://" + domain
	}
	scheme := "https"
	if u.Scheme == "http" || u.Scheme == "ws" {
		scheme = "http"
	}
	if port := u.Port(); port != "" {
		return fmt.Sprintf("%s://%s:%s", scheme, domain, port)
	}
	return scheme + "://" + domain
}

// keepalive sends protocol pings so the server sees a live session even
// when no requests flow.
func (a *Agent) keepalive(conn *websocket.Conn, stop <-chan struct{}) {
	ticker := a.clock.NewTicker(protocol.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-stop:
			return
		case <-a.done:
			return
		case <-ticker.Chan():
			if err := a.writeMessage(conn, protocol.Message{Type: protocol.TypePing}); err != nil {
				return
			}
		}
	}
}

func (a *Agent) writeMessage(conn *websocket.Conn, msg protocol.Message) error {
	a.writeMu.Lock()
	defer a.writeMu.Unlock()
	conn.SetWriteDeadline(a.clock.Now().Add(protocol.WriteTimeout))
	return trace.Wrap(conn.WriteJSON(msg))
}

func (a *Agent) handleMessage(conn *websocket.Conn, msg protocol.Message) {
	switch msg.Type {
	case protocol.TypePing:
		if err := a.writeMessage(conn, protocol.Message{Type: protocol.TypePong}); err != nil {
			a.log.WithError(err).Debug("Failed to answer ping.")
		}
	case protocol.TypePong:
	case protocol.TypeHTTPRequest:
		go a.serveRequest(conn, msg)
	case protocol.TypeError:
		a.log.WithField("server_error", msg.Message).Warn("Server reported an error.")
	default:
		a.log.WithField("type", msg.Type).Debug("Ignoring unknown message type.")
	}
}

// serveRequest forwards one tunneled request to the local service and
// relays the response back over the control channel.
func (a *Agent) serveRequest(conn *websocket.Conn, msg protocol.Message) {
	started := a.clock.Now()
	a.requestCount.Add(1)

	resp, err := a.callLocal(msg)
	if err != nil {
		a.log.WithError(err).Warn("Local service request failed.")
		a.sendFailure(conn, msg.ID, http.StatusBadGateway, "Failed to connect to local service")
		a.logRequest(started, msg, http.StatusBadGateway)
		return
	}
	defer resp.Body.Close()

	if err := a.streamResponse(conn, msg.ID, resp); err != nil {
		a.log.WithError(err).Debug("Failed to relay response.")
		return
	}
	a.logRequest(started, msg, resp.StatusCode)
}

func (a *Agent) callLocal(msg protocol.Message) (*http.Response, error) {
	localURL := fmt.Sprintf("http://%s:%d%s", a.config.LocalHost, a.config.LocalPort, msg.Path)
	var body io.Reader
	if len(msg.Body) > 0 {
		body = NewCountingReader(bytes.NewReader(msg.Body), &a.bytesOut)
	}
	req, err := http.NewRequest(msg.Method, localURL, body)
	if err != nil {
		return nil, trace.Wrap(err)
	}
	if len(msg.Body) > 0 {
		req.ContentLength = int64(len(msg.Body))
	}

	for name, value := range msg.Headers {
		if skipForwardHeader(name) {
			continue
		}
		req.Header.Set(name, value)
	}
	if a.config.RewriteHost {
		req.Host = fmt.Sprintf("%s:%d", a.config.LocalHost, a.config.LocalPort)
	} else if host := msg.Headers["Host"]; host != "" {
		req.Host = host
	}

	resp, err := a.httpClient.Do(req)
	return resp, trace.Wrap(err)
}

// skipForwardHeader filters headers that must not be copied verbatim onto
// the local request: hop-by-hop fields, Host (set on the request itself),
// and the public caller's compression preferences. Dropping Accept-Encoding
// makes the local round trip negotiate plain bodies, so text reaches the
// server decoded and ready for substitution.
func skipForwardHeader(name string) bool {
	switch textproto.CanonicalMIMEHeaderKey(name) {
	case "Host", "Connection", "Keep-Alive", "Proxy-Authenticate", "Proxy-Authorization",
		"Te", "Trailer", "Transfer-Encoding", "Upgrade", "Accept-Encoding", "Content-Length":
		return true
	}
	return false
}

// streamResponse relays the local response. Small bodies of known size go
// out as a single http_response_end; everything else is streamed.
func (a *Agent) streamResponse(conn *websocket.Conn, id string, resp *http.Response) error {
	headers := flattenHeader(resp.Header)
	body := NewCountingReader(resp.Body, &a.bytesIn)

	if resp.ContentLength >= 0 && resp.ContentLength <= streamThreshold {
		data, err := io.ReadAll(body)
		if err != nil {
			return trace.Wrap(err)
		}
		return a.writeMessage(conn, protocol.Message{
			Type:    protocol.TypeHTTPResponseEnd,
			ID:      id,
			Status:  resp.StatusCode,
			Headers: headers,
			Body:    protocol.ByteString(data),
		})
	}

	if err := a.writeMessage(conn, protocol.Message{
		Type:       protocol.TypeHTTPResponseStart,
		ID:         id,
		StatusCode: resp.StatusCode,
		Headers:    headers,
	}); err != nil {
		return trace.Wrap(err)
	}

	buf := make([]byte, chunkSize)
	for {
		n, err := body.Read(buf)
		if n > 0 {
			if werr := a.writeMessage(conn, protocol.Message{
				Type: protocol.TypeHTTPData,
				ID:   id,
				Data: protocol.ByteString(buf[:n]),
			}); werr != nil {
				return trace.Wrap(werr)
			}
		}
		if err == io.EOF {
			break
		}
		if err != nil {
			// The local service died mid-body. Ending the exchange
			// truncates the public response instead of hanging it.
			a.log.WithError(err).Warn("Local response body failed mid-stream.")
			break
		}
	}
	return trace.Wrap(a.writeMessage(conn, protocol.Message{Type: protocol.TypeHTTPResponseEnd, ID: id}))
}

func (a *Agent) sendFailure(conn *websocket.Conn, id string, status int, message string) {
	err := a.writeMessage(conn, protocol.Message{
		Type:    protocol.TypeHTTPResponseEnd,
		ID:      id,
		Status:  status,
		Headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		Body:    protocol.ByteString(message),
	})
	if err != nil {
		a.log.WithError(err).Debug("Failed to send error response.")
	}
}

func (a *Agent) logRequest(started time.Time, msg protocol.Message, status int) {
	duration := a.clock.Since(started)
	a.log.WithFields(logrus.Fields{
		"status":   status,
		"duration": duration,
	}).Infof("%s %s", msg.Method, msg.Path)

	if a.OnRequest != nil {
		a.OnRequest(protocol.RequestLog{
			Timestamp:  started,
			Method:     msg.Method,
			Path:       msg.Path,
			StatusCode: status,
			Duration:   duration,
		})
	}
}

func flattenHeader(h http.Header) map[string]string {
	headers := make(map[string]string, len(h))
	for name, values := range h {
		headers[name] = strings.Join(values, ", ")
	}
	return headers
}

// Close tears down the tunnel and stops reconnecting.
func (a *Agent) Close() error {
	a.closeOnce.Do(func() {
		close(a.done)
		a.mu.Lock()
		conn := a.conn
		a.conn = nil
		a.mu.Unlock()
		if conn != nil {
			conn.Close()
		}
	})
	return nil
}

// PublicURL returns the tunnel's public URL, or empty before the first
// connection is established.
func (a *Agent) PublicURL() string {
	a.mu.RLock()
	defer a.mu.RUnlock()
	return a.publicURL
}

// Stats reports served requests, bytes relayed in each direction, and when
// the current connection was established.
func (a *Agent) Stats() (requests, bytesIn, bytesOut int64, connectedAt time.Time) {
	a.mu.RLock()
	connectedAt = a.connectedAt
	a.mu.RUnlock()
	return a.requestCount.Load(), a.bytesIn.Load(), a.bytesOut.Load(), connectedAt
}
