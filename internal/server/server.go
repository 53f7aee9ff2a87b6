package server

import (
	"context"
	"fmt"
	"net/http"
	"os"
	"os/signal"
	"sync"
	"syscall"
	"time"

	"github.com/gorilla/websocket"
	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"

	"github.com/charahq/chara/internal/pipeline"
	"github.com/charahq/chara/pkg/protocol"
)

// Server is the public tunnel endpoint. It terminates agent control
// connections and routes public HTTP requests through them.
type Server struct {
	config     Config
	log        logrus.FieldLogger
	ingressLog logrus.FieldLogger
	clock      clockwork.Clock
	directory  *Directory
	rules      *pipeline.Rules
	metrics    *Metrics
	upgrader   websocket.Upgrader

	httpServer    *http.Server
	metricsServer *http.Server

	wg sync.WaitGroup
}

// New creates a tunnel server from the given config.
func New(config Config) (*Server, error) {
	if err := config.CheckAndSetDefaults(); err != nil {
		return nil, trace.Wrap(err)
	}
	rules, err := pipeline.CompileRules(config.Replacements)
	if err != nil {
		return nil, trace.Wrap(err)
	}

	registry := prometheus.NewRegistry()
	s := &Server{
		config:     config,
		log:        config.Log.WithField("component", "tunnel:server"),
		ingressLog: config.Log.WithField("component", "tunnel:ingress"),
		clock:      config.Clock,
		directory:  NewDirectory(),
		rules:      rules,
		metrics:    NewMetrics(registry),
		upgrader: websocket.Upgrader{
			ReadBufferSize:  16 * 1024,
			WriteBufferSize: 16 * 1024,
			CheckOrigin:     func(*http.Request) bool { return true },
		},
	}

	mux := http.NewServeMux()
	mux.HandleFunc(protocol.ConnectPath, s.handleConnect)
	mux.HandleFunc("/", s.handleRequest)

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", config.Port),
		Handler: mux,
		// No global read or write timeouts: tunneled responses stream for
		// as long as the agent keeps sending.
		ReadHeaderTimeout: 30 * time.Second,
		IdleTimeout:       120 * time.Second,
	}

	if config.MetricsPort != 0 {
		metricsMux := http.NewServeMux()
		metricsMux.Handle("/metrics", promhttp.HandlerFor(registry, promhttp.HandlerOpts{}))
		s.metricsServer = &http.Server{
			Addr:              fmt.Sprintf(":%d", config.MetricsPort),
			Handler:           metricsMux,
			ReadHeaderTimeout: 30 * time.Second,
		}
	}

	return s, nil
}

// Run serves until the context is canceled or a termination signal arrives.
func (s *Server) Run(ctx context.Context) error {
	sigCh := make(chan os.Signal, 1)
	signal.Notify(sigCh, os.Interrupt, syscall.SIGTERM)
	defer signal.Stop(sigCh)

	errCh := make(chan error, 2)
	s.log.WithFields(logrus.Fields{
		"addr":   s.httpServer.Addr,
		"domain": s.config.Domain,
	}).Info("Tunnel server listening.")
	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- trace.Wrap(err)
		}
	}()
	if s.metricsServer != nil {
		s.log.WithField("addr", s.metricsServer.Addr).Info("Metrics listener started.")
		go func() {
			if err := s.metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
				errCh <- trace.Wrap(err)
			}
		}()
	}

	select {
	case err := <-errCh:
		s.Shutdown(context.Background())
		return trace.Wrap(err)
	case sig := <-sigCh:
		s.log.WithField("signal", sig.String()).Info("Shutting down.")
	case <-ctx.Done():
	}
	return s.Shutdown(context.Background())
}

// Shutdown closes every session and drains the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.directory.CloseAll()

	ctx, cancel := context.WithTimeout(ctx, 10*time.Second)
	defer cancel()
	err := s.httpServer.Shutdown(ctx)
	if s.metricsServer != nil {
		if merr := s.metricsServer.Shutdown(ctx); err == nil {
			err = merr
		}
	}
	s.wg.Wait()
	return trace.Wrap(err)
}

// ActiveSessions returns the number of connected agents.
func (s *Server) ActiveSessions() int {
	return s.directory.Count()
}

// SessionInfo describes one connected agent session.
type SessionInfo struct {
	Subdomain  string
	RemoteAddr string
	CreatedAt  time.Time
	Requests   int64
}

// Stats snapshots the connected sessions and their request counts.
func (s *Server) Stats() []SessionInfo {
	infos := make([]SessionInfo, 0, s.directory.Count())
	s.directory.ForEach(func(name string, sess *Session) bool {
		infos = append(infos, SessionInfo{
			Subdomain:  name,
			RemoteAddr: sess.RemoteAddr(),
			CreatedAt:  sess.CreatedAt(),
			Requests:   sess.RequestCount(),
		})
		return true
	})
	return infos
}
