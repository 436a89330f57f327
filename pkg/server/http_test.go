package server

import (
	"testing"
	"time"

	"github.com/agentoven/brigade/internal/config"
)

func TestHTTPServer_NoWriteDeadline(t *testing.T) {
	s := &Server{Config: &config.Config{
		Port:       9090,
		Generation: config.GenerationConfig{Timeout: 180 * time.Second},
		Engine:     config.EngineConfig{Timeout: 30 * time.Second},
	}}

	hs := s.httpServer()
	if hs.Addr != ":9090" {
		t.Errorf("Addr = %q, want :9090", hs.Addr)
	}
	// Three generation attempts plus execution outlast any fixed deadline
	// sized from a single attempt.
	if hs.WriteTimeout != 0 {
		t.Errorf("WriteTimeout = %v, want none", hs.WriteTimeout)
	}
	if hs.ReadHeaderTimeout == 0 || hs.ReadTimeout == 0 {
		t.Errorf("read timeouts = %v/%v, want both set", hs.ReadHeaderTimeout, hs.ReadTimeout)
	}
}
