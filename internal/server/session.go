package server

import (
	"bytes"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"golang.org/x/time/rate"

	"github.com/charahq/chara/pkg/protocol"
)

// response is the resolved head of a tunneled response plus the stream
// that carries its body.
type response struct {
	status  int
	headers map[string]string
	body    io.ReadCloser
}

// failureResponse builds a terminal plain-text response.
func failureResponse(status int, message string) response {
	return response{
		status:  status,
		headers: map[string]string{"Content-Type": "text/plain; charset=utf-8"},
		body:    io.NopCloser(strings.NewReader(message)),
	}
}

// pendingRequest is one public request waiting on the agent. The session
// reader is the single writer of its streaming state; the ingress handler
// only waits on resolved and reads the body pipe.
type pendingRequest struct {
	id        string
	createdAt time.Time

	once     sync.Once
	resolved chan response

	bodyR *io.PipeReader
	bodyW *io.PipeWriter

	// started records that http_response_start was seen. Touched only by
	// the session reader.
	started bool
}

func newPendingRequest(now time.Time) *pendingRequest {
	r, w := io.Pipe()
	return &pendingRequest{
		id:        uuid.NewString(),
		createdAt: now,
		resolved:  make(chan response, 1),
		bodyR:     r,
		bodyW:     w,
	}
}

// resolve delivers the response head. The first caller wins; later calls
// are no-ops and report false.
func (p *pendingRequest) resolve(resp response) bool {
	won := false
	p.once.Do(func() {
		p.resolved <- resp
		won = true
	})
	return won
}

// closeStream tears down the read end of the body pipe so late chunk
// writes fail fast instead of blocking the session reader.
func (p *pendingRequest) closeStream(err error) {
	p.bodyR.CloseWithError(err)
}

// Session is one connected agent: the control channel, the subdomain it
// serves, and the public requests currently in flight through it.
type Session struct {
	log     logrus.FieldLogger
	clock   clockwork.Clock
	conn    *websocket.Conn
	metrics *Metrics

	createdAt  time.Time
	remoteAddr string

	// subdomain is set by the connect handler before ready is closed.
	subdomain string
	ready     chan struct{}
	readyOnce sync.Once

	writeMu sync.Mutex // serializes frames onto conn

	mu       sync.Mutex
	requests map[string]*pendingRequest
	closed   bool

	requestCount atomic.Int64

	closeOnce sync.Once
	done      chan struct{}

	dropLog rate.Sometimes
}

func newSession(conn *websocket.Conn, log logrus.FieldLogger, clock clockwork.Clock, metrics *Metrics) *Session {
	s := &Session{
		log:        log,
		clock:      clock,
		conn:       conn,
		metrics:    metrics,
		createdAt:  clock.Now(),
		remoteAddr: conn.RemoteAddr().String(),
		ready:      make(chan struct{}),
		requests:   make(map[string]*pendingRequest),
		done:       make(chan struct{}),
		dropLog:    rate.Sometimes{First: 5, Interval: 5 * time.Second},
	}
	conn.SetPongHandler(func(string) error {
		return conn.SetReadDeadline(s.clock.Now().Add(protocol.ReadTimeout))
	})
	return s
}

// Subdomain returns the label assigned to this session.
func (s *Session) Subdomain() string { return s.subdomain }

// RemoteAddr returns the agent's network address.
func (s *Session) RemoteAddr() string { return s.remoteAddr }

// CreatedAt returns when the control channel was established.
func (s *Session) CreatedAt() time.Time { return s.createdAt }

// RequestCount returns how many public requests this session has served.
func (s *Session) RequestCount() int64 { return s.requestCount.Load() }

// markReady unblocks request forwarding. Called after the subdomain
// announcement has been written, so it always precedes any http_request.
func (s *Session) markReady() {
	s.readyOnce.Do(func() { close(s.ready) })
}

func (s *Session) writeMessage(msg protocol.Message) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	s.conn.SetWriteDeadline(s.clock.Now().Add(protocol.WriteTimeout))
	return trace.Wrap(s.conn.WriteJSON(msg))
}

// forward sends an http_request frame once the session is ready for traffic.
func (s *Session) forward(msg protocol.Message) error {
	select {
	case <-s.ready:
	case <-s.done:
		return trace.ConnectionProblem(nil, "session closed")
	}
	return s.writeMessage(msg)
}

// createPending registers a new in-flight request with a fresh id.
func (s *Session) createPending() (*pendingRequest, error) {
	pr := newPendingRequest(s.clock.Now())
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil, trace.ConnectionProblem(nil, "session closed")
	}
	s.requests[pr.id] = pr
	s.requestCount.Add(1)
	return pr, nil
}

func (s *Session) lookup(id string) *pendingRequest {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.requests[id]
}

// remove forgets an in-flight request. Safe to call more than once.
func (s *Session) remove(id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.requests, id)
}

// run reads and dispatches control messages until the connection fails or
// the session is closed. It is the single writer of per-request response
// state.
func (s *Session) run() {
	defer s.Close()
	for {
		s.conn.SetReadDeadline(s.clock.Now().Add(protocol.ReadTimeout))
		frameType, data, err := s.conn.ReadMessage()
		if err != nil {
			if websocket.IsUnexpectedCloseError(err, websocket.CloseNormalClosure, websocket.CloseGoingAway) {
				s.log.WithError(err).Debug("Control channel read failed.")
			}
			return
		}
		switch frameType {
		case websocket.TextMessage:
			s.dispatch(data)
		case websocket.BinaryMessage:
			id, chunk, err := protocol.DecodeBinaryData(data)
			if err != nil {
				s.sendError(fmt.Sprintf("malformed binary frame: %v", err))
				continue
			}
			s.handleData(id, chunk)
		}
	}
}

func (s *Session) dispatch(data []byte) {
	var msg protocol.Message
	if err := json.Unmarshal(data, &msg); err != nil {
		s.sendError(fmt.Sprintf("unparseable control message: %v", err))
		return
	}

	switch msg.Type {
	case protocol.TypePing:
		if err := s.writeMessage(protocol.Message{Type: protocol.TypePong}); err != nil {
			s.log.WithError(err).Debug("Failed to answer ping.")
		}
	case protocol.TypePong:
		// Agents may answer heartbeats at the protocol level too.
	case protocol.TypeHTTPResponseStart:
		s.handleResponseStart(msg)
	case protocol.TypeHTTPData:
		s.handleData(msg.ID, msg.Data)
	case protocol.TypeHTTPResponseEnd:
		s.handleResponseEnd(msg)
	case protocol.TypeError:
		s.log.WithField("agent_error", msg.Message).Warn("Agent reported an error.")
	default:
		s.sendError(fmt.Sprintf("unknown message type %q", msg.Type))
	}
}

// sendError reports a protocol problem to the agent. The session survives.
func (s *Session) sendError(text string) {
	if err := s.writeMessage(protocol.ErrorMessage(text)); err != nil {
		s.log.WithError(err).Debug("Failed to send error message.")
	}
}

func (s *Session) handleResponseStart(msg protocol.Message) {
	pr := s.lookup(msg.ID)
	if pr == nil {
		s.warnUnknown(protocol.TypeHTTPResponseStart, msg.ID)
		return
	}
	if pr.started {
		s.log.WithField("request_id", msg.ID).Warn("Duplicate http_response_start dropped.")
		return
	}
	pr.started = true
	pr.resolve(response{status: msg.StatusCode, headers: msg.Headers, body: pr.bodyR})
}

func (s *Session) handleData(id string, chunk []byte) {
	if len(chunk) == 0 {
		return
	}
	pr := s.lookup(id)
	if pr == nil {
		s.warnUnknown(protocol.TypeHTTPData, id)
		return
	}
	if !pr.started {
		s.log.WithField("request_id", id).Warn("Dropping http_data received before http_response_start.")
		return
	}
	// Blocks until the public caller consumes the previous chunk, which is
	// what paces the agent.
	if _, err := pr.bodyW.Write(chunk); err != nil {
		s.warnDropped(id, len(chunk))
	}
}

func (s *Session) handleResponseEnd(msg protocol.Message) {
	pr := s.lookup(msg.ID)
	if pr == nil {
		s.warnUnknown(protocol.TypeHTTPResponseEnd, msg.ID)
		return
	}
	s.remove(msg.ID)

	if pr.started {
		// The stream is already flowing: append the final chunk, if any,
		// and close. Status or header fallbacks on the end message are
		// ignored once a start was seen.
		if len(msg.Body) > 0 {
			if _, err := pr.bodyW.Write(msg.Body); err != nil {
				s.warnDropped(msg.ID, len(msg.Body))
			}
		}
		pr.bodyW.Close()
		return
	}

	// No http_response_start was seen, so the end message constructs the
	// entire response.
	status := msg.Status
	if status == 0 {
		status = http.StatusOK
	}
	pr.resolve(response{
		status:  status,
		headers: msg.Headers,
		body:    io.NopCloser(bytes.NewReader(msg.Body)),
	})
	pr.bodyW.Close()
	pr.bodyR.Close()
}

func (s *Session) warnUnknown(msgType, id string) {
	s.metrics.droppedChunks.Inc()
	s.dropLog.Do(func() {
		s.log.WithFields(logrus.Fields{
			"type":       msgType,
			"request_id": id,
		}).Warn("Dropping message for unknown request id.")
	})
}

func (s *Session) warnDropped(id string, size int) {
	s.metrics.droppedChunks.Inc()
	s.dropLog.Do(func() {
		s.log.WithFields(logrus.Fields{
			"request_id": id,
			"bytes":      size,
		}).Warn("Dropping chunk for finished request.")
	})
}

// keepalive pings the agent at the heartbeat interval. The pong handler
// pushes the read deadline forward.
func (s *Session) keepalive() {
	ticker := s.clock.NewTicker(protocol.HeartbeatInterval)
	defer ticker.Stop()
	for {
		select {
		case <-s.done:
			return
		case <-ticker.Chan():
			deadline := s.clock.Now().Add(protocol.WriteTimeout)
			if err := s.conn.WriteControl(websocket.PingMessage, nil, deadline); err != nil {
				s.log.WithError(err).Debug("Keepalive ping failed.")
				return
			}
		}
	}
}

// Close terminates the session: every pending request resolves with a 503
// and its body stream is closed, then the control connection is torn down.
// Safe to call more than once.
func (s *Session) Close() error {
	s.closeOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		pending := s.requests
		s.requests = make(map[string]*pendingRequest)
		s.mu.Unlock()

		close(s.done)
		for _, pr := range pending {
			pr.resolve(failureResponse(http.StatusServiceUnavailable, "Client disconnected"))
			pr.bodyW.Close()
		}
		s.conn.Close()
	})
	return nil
}
