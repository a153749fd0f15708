// Package control provides a Unix socket control interface for the NAT
// daemon.
package control

import (
	"context"
	"encoding/json"
	"net"
	"net/http"
	"os"
	"sync/atomic"
	"time"

	"github.com/postalsys/conenat/internal/engine"
	"github.com/postalsys/conenat/internal/mapping"
)

// EngineInfo provides engine state for the control interface.
type EngineInfo interface {
	// IsRunning returns true if the engine is running.
	IsRunning() bool

	// Stats returns current counters.
	Stats() engine.Stats

	// Mappings returns a snapshot of the mapping table.
	Mappings() []mapping.Info

	// Rules returns the configured rules.
	Rules() []engine.RuleInfo

	// Drain releases mappings of destroyed flows now.
	Drain() int
}

// StatusResponse is the response for the status endpoint.
type StatusResponse struct {
	engine.Stats
}

// MappingsResponse is the response for the mappings endpoint.
type MappingsResponse struct {
	Mappings []mapping.Info `json:"mappings"`
}

// RulesResponse is the response for the rules endpoint.
type RulesResponse struct {
	Rules []engine.RuleInfo `json:"rules"`
}

// DrainResponse is the response for the drain endpoint.
type DrainResponse struct {
	Processed int `json:"processed"`
	Mappings  int `json:"mappings"`
}

// ServerConfig contains control server configuration.
type ServerConfig struct {
	// SocketPath is the path to the Unix socket file.
	SocketPath string

	// ReadTimeout for HTTP reads.
	ReadTimeout time.Duration

	// WriteTimeout for HTTP writes.
	WriteTimeout time.Duration
}

// DefaultServerConfig returns sensible defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		SocketPath:   "./data/control.sock",
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
}

// Server is a Unix socket HTTP server for control commands.
type Server struct {
	cfg      ServerConfig
	engine   EngineInfo
	server   *http.Server
	listener net.Listener
	running  atomic.Bool
}

// NewServer creates a new control server.
func NewServer(cfg ServerConfig, eng EngineInfo) *Server {
	s := &Server{
		cfg:    cfg,
		engine: eng,
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/status", s.handleStatus)
	mux.HandleFunc("/mappings", s.handleMappings)
	mux.HandleFunc("/rules", s.handleRules)
	mux.HandleFunc("/drain", s.handleDrain)

	s.server = &http.Server{
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Start starts the control server.
func (s *Server) Start() error {
	// Remove a stale socket left by a crashed process
	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	ln, err := net.Listen("unix", s.cfg.SocketPath)
	if err != nil {
		return err
	}
	s.listener = ln
	s.running.Store(true)

	go s.server.Serve(ln)

	return nil
}

// Stop stops the control server.
func (s *Server) Stop() error {
	if !s.running.Swap(false) {
		return nil
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	if err := s.server.Shutdown(ctx); err != nil {
		return err
	}

	if err := os.Remove(s.cfg.SocketPath); err != nil && !os.IsNotExist(err) {
		return err
	}

	return nil
}

// IsRunning returns true if the server is running.
func (s *Server) IsRunning() bool {
	return s.running.Load()
}

// SocketPath returns the socket path.
func (s *Server) SocketPath() string {
	return s.cfg.SocketPath
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, StatusResponse{Stats: s.engine.Stats()})
}

func (s *Server) handleMappings(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, MappingsResponse{Mappings: s.engine.Mappings()})
}

func (s *Server) handleRules(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	writeJSON(w, RulesResponse{Rules: s.engine.Rules()})
}

// handleDrain runs the dying-flow collector without waiting for its timer.
func (s *Server) handleDrain(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		http.Error(w, "method not allowed", http.StatusMethodNotAllowed)
		return
	}

	n := s.engine.Drain()
	writeJSON(w, DrainResponse{Processed: n, Mappings: s.engine.Stats().Mappings})
}

func writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	json.NewEncoder(w).Encode(v)
}
