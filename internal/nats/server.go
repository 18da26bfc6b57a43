package nats

import (
	"fmt"
	"sync"
	"time"

	"github.com/nats-io/nats-server/v2/server"
)

// EmbeddedServerConfig holds configuration for the embedded NATS server.
type EmbeddedServerConfig struct {
	Port          int // Port to listen on
	WebSocketPort int // WebSocket port to listen on (0 to disable)
}

// EmbeddedServer runs an in-process NATS server, used when no external
// NATS URL is configured so a single-binary deployment still has a wire
// for worker heartbeats and the cross-process event relay.
type EmbeddedServer struct {
	server  *server.Server
	config  EmbeddedServerConfig
	mu      sync.RWMutex
	running bool
}

// NewEmbeddedServer creates an embedded server instance.
func NewEmbeddedServer(config EmbeddedServerConfig) (*EmbeddedServer, error) {
	if config.Port <= 0 {
		config.Port = 4222
	}
	return &EmbeddedServer{config: config}, nil
}

// Start starts the server and waits until it accepts connections.
func (e *EmbeddedServer) Start() error {
	e.mu.Lock()
	defer e.mu.Unlock()

	if e.running {
		return fmt.Errorf("server already running")
	}

	opts := &server.Options{
		Host:       "127.0.0.1",
		Port:       e.config.Port,
		NoSigs:     true,
		MaxPayload: 1024 * 1024,
	}

	if e.config.WebSocketPort > 0 {
		opts.Websocket = server.WebsocketOpts{
			Host:  "127.0.0.1",
			Port:  e.config.WebSocketPort,
			NoTLS: true,
		}
	}

	ns, err := server.NewServer(opts)
	if err != nil {
		return fmt.Errorf("failed to create NATS server: %w", err)
	}

	e.server = ns
	go ns.Start()

	if !ns.ReadyForConnections(10 * time.Second) {
		return fmt.Errorf("server not ready for connections")
	}

	e.running = true
	return nil
}

// Shutdown gracefully shuts the server down.
func (e *EmbeddedServer) Shutdown() {
	e.mu.Lock()
	defer e.mu.Unlock()

	if !e.running || e.server == nil {
		return
	}

	e.server.Shutdown()
	e.server.WaitForShutdown()

	e.running = false
	e.server = nil
}

// URL returns the connection URL for the server.
func (e *EmbeddedServer) URL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return fmt.Sprintf("nats://127.0.0.1:%d", e.config.Port)
}

// WebSocketURL returns the WebSocket URL, or "" if WebSocket is disabled.
func (e *EmbeddedServer) WebSocketURL() string {
	e.mu.RLock()
	defer e.mu.RUnlock()
	if e.config.WebSocketPort <= 0 {
		return ""
	}
	return fmt.Sprintf("ws://127.0.0.1:%d", e.config.WebSocketPort)
}

// IsRunning reports whether the server is currently running.
func (e *EmbeddedServer) IsRunning() bool {
	e.mu.RLock()
	defer e.mu.RUnlock()
	return e.running
}
