package server

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/gorilla/websocket"
	"github.com/sirupsen/logrus"

	"github.com/charahq/chara/pkg/protocol"
)

// handleConnect upgrades an agent's control connection and runs its session
// until the agent goes away. The handler goroutine doubles as the session
// reader.
func (s *Server) handleConnect(w http.ResponseWriter, r *http.Request) {
	if !strings.EqualFold(protocol.StripPort(r.Host), s.config.ControlDomain) {
		http.NotFound(w, r)
		return
	}

	if !websocket.IsWebSocketUpgrade(r) {
		w.Header().Set("Content-Type", "text/plain; charset=utf-8")
		fmt.Fprintf(w, "chara tunnel server\n\nConnect a WebSocket to wss://%s%s to open a tunnel.\nPass ?%s=<name> to request a specific subdomain.\n",
			s.config.ControlDomain, protocol.ConnectPath, protocol.SubdomainQueryParam)
		return
	}

	conn, err := s.upgrader.Upgrade(w, r, nil)
	if err != nil {
		// Upgrade has already written its own HTTP error.
		s.log.WithError(err).Debug("WebSocket upgrade failed.")
		return
	}

	sess := newSession(conn, s.log, s.clock, s.metrics)
	requested := r.URL.Query().Get(protocol.SubdomainQueryParam)
	name, honored := s.directory.Register(requested, sess)

	log := s.log.WithFields(logrus.Fields{
		"subdomain":   name,
		"remote_addr": sess.RemoteAddr(),
	})
	// The session logs under its own component once it has a name.
	sess.log = log.WithField("component", "tunnel:session")

	if err := sess.writeMessage(protocol.SubdomainAssigned(name+"."+s.config.Domain, honored)); err != nil {
		log.WithError(err).Warn("Failed to announce assigned subdomain.")
		s.directory.Unregister(name, sess)
		sess.Close()
		return
	}
	sess.markReady()
	s.metrics.sessionOpened()
	log.Info("Tunnel established.")

	s.wg.Add(1)
	defer s.wg.Done()
	go sess.keepalive()
	sess.run()

	s.directory.Unregister(name, sess)
	sess.Close()
	s.metrics.sessionClosed()
	log.WithField("requests", sess.RequestCount()).Info("Tunnel closed.")
}
