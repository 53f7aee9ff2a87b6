package server

import (
	"os"
	"time"

	"github.com/gravitational/trace"
	"github.com/jonboulle/clockwork"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"

	"github.com/charahq/chara/internal/pipeline"
	"github.com/charahq/chara/pkg/protocol"
)

// Config carries the tunnel server settings.
type Config struct {
	// Port is the public listen port for both tunneled traffic and agent
	// control connections.
	Port int
	// Domain is the root domain tunnels are published under. Required.
	Domain string
	// ControlDomain is the host agents connect to. Defaults to Domain.
	ControlDomain string
	// Replacements are substitution rules applied to textual response
	// bodies on their way to the public caller.
	Replacements []pipeline.Replacement
	// RequestTimeout bounds how long a public request may wait for the
	// agent to start responding.
	RequestTimeout time.Duration
	// Codings are the content codings offered during response compression,
	// in preference order.
	Codings []string
	// MetricsPort exposes Prometheus metrics when non-zero.
	MetricsPort int
	// Log is the logger sink. Defaults to the standard logger.
	Log logrus.FieldLogger
	// Clock drives timeouts and heartbeats. Swapped out in tests.
	Clock clockwork.Clock
}

// CheckAndSetDefaults validates the config and fills in defaults.
func (c *Config) CheckAndSetDefaults() error {
	if c.Domain == "" {
		return trace.BadParameter("missing root domain")
	}
	if c.Port == 0 {
		c.Port = protocol.DefaultPort
	}
	if c.ControlDomain == "" {
		c.ControlDomain = c.Domain
	}
	if c.RequestTimeout == 0 {
		c.RequestTimeout = protocol.DefaultRequestTimeout
	}
	if len(c.Codings) == 0 {
		c.Codings = pipeline.DefaultCodings
	}
	for _, coding := range c.Codings {
		if !pipeline.KnownCoding(coding) {
			return trace.BadParameter("unsupported content coding %q", coding)
		}
	}
	if c.Log == nil {
		c.Log = logrus.StandardLogger()
	}
	if c.Clock == nil {
		c.Clock = clockwork.NewRealClock()
	}
	return nil
}

// LoadReplacements reads substitution rules from a YAML file.
func LoadReplacements(path string) ([]pipeline.Replacement, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, trace.ConvertSystemError(err)
	}
	var replacements []pipeline.Replacement
	if err := yaml.Unmarshal(data, &replacements); err != nil {
		return nil, trace.BadParameter("parsing replacements file %s: %v", path, err)
	}
	return replacements, nil
}
