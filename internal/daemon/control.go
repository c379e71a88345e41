package daemon

import (
	"context"
	"fmt"
	"net"
	"os"
	"sync"

	"github.com/TDXCORE/EmailApp/internal/bus"
	"github.com/TDXCORE/EmailApp/internal/status"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// Health service names reported on the control socket besides the
// overall "" entry.
const (
	ServiceHTTP  = "emailapp.http"
	ServiceInbox = "emailapp.inbox"
	ServiceEmail = "emailapp.email"
)

// Control serves the gRPC health protocol on the instance's unix socket.
// emailctl uses it to query a running daemon.
type Control struct {
	grpcServer *grpc.Server
	health     *health.Server
	listener   net.Listener
	socketPath string
	logger     *zap.Logger

	mu       sync.Mutex
	services map[string]bool
	done     chan struct{}
}

// NewControl binds the control socket. A stale socket file is removed first.
func NewControl(socketPath string, logger *zap.Logger) (*Control, error) {
	if _, err := os.Stat(socketPath); err == nil {
		_ = os.Remove(socketPath)
	}

	listener, err := net.Listen("unix", socketPath)
	if err != nil {
		return nil, fmt.Errorf("listen unix socket: %w", err)
	}
	if err := os.Chmod(socketPath, 0600); err != nil {
		_ = listener.Close()
		return nil, fmt.Errorf("chmod socket: %w", err)
	}

	hs := health.NewServer()
	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	c := &Control{
		grpcServer: srv,
		health:     hs,
		listener:   listener,
		socketPath: socketPath,
		logger:     logger,
		services:   map[string]bool{},
		done:       make(chan struct{}),
	}
	c.apply(status.Booting)
	return c, nil
}

// Register adds a component health entry. enabled=false reports it as
// NOT_SERVING for the daemon's whole lifetime.
func (c *Control) Register(service string, enabled bool) {
	c.mu.Lock()
	c.services[service] = enabled
	c.mu.Unlock()
	c.health.SetServingStatus(service, healthpb.HealthCheckResponse_NOT_SERVING)
}

// Track mirrors daemon state changes into the health server.
func (c *Control) Track(m *status.Machine, b *bus.Bus) {
	ch, unsub := b.Subscribe(status.KindChanged, 16)
	c.apply(m.Current())
	go func() {
		defer unsub()
		for {
			select {
			case evt := <-ch:
				if sc, ok := evt.Payload.(status.StatusChange); ok {
					c.apply(sc.To)
				}
			case <-c.done:
				return
			}
		}
	}()
}

func (c *Control) apply(s status.State) {
	st := healthpb.HealthCheckResponse_NOT_SERVING
	if s.Serving() {
		st = healthpb.HealthCheckResponse_SERVING
	}
	c.health.SetServingStatus("", st)

	c.mu.Lock()
	defer c.mu.Unlock()
	for name, enabled := range c.services {
		if enabled {
			c.health.SetServingStatus(name, st)
		}
	}
}

// Start begins serving. Blocks until stopped.
func (c *Control) Start() error {
	c.logger.Info("control server starting", zap.String("socket", c.socketPath))
	return c.grpcServer.Serve(c.listener)
}

// Stop marks every service NOT_SERVING, drains the server and removes the
// socket file.
func (c *Control) Stop(_ context.Context) {
	c.logger.Info("control server stopping")
	close(c.done)
	c.health.Shutdown()
	c.grpcServer.GracefulStop()
	_ = os.Remove(c.socketPath)
}
