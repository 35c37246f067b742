// Package probe checks the health of an ingress controller over its unix
// socket using the standard gRPC health service.
package probe

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logx "ingressd/pkg/logx"
)

var (
	ErrNoAddress = errors.New("address is empty")
	ErrClosed    = errors.New("client closed")
)

// Prober is what the plugin manager needs from a controller connection.
type Prober interface {
	Probe(ctx context.Context) (bool, error)
	Close() error
}

type Client struct {
	addr string
	// service is the name passed to Health/Check; empty means the whole server.
	service string
	log     logx.Logger

	mu     sync.Mutex
	conn   *grpc.ClientConn
	health healthpb.HealthClient
	closed bool
}

func NewClient(socketPath string, log logx.Logger) *Client {
	if log.IsZero() {
		log = logx.Nop()
	}
	return &Client{addr: socketPath, log: log}
}

// WithService sets the health service name to check.
func (c *Client) WithService(name string) *Client {
	c.service = name
	return c
}

func target(socketPath string) string {
	if filepath.IsAbs(socketPath) {
		return "unix://" + socketPath
	}
	return "unix:" + socketPath
}

func (c *Client) ensureConnected() (healthpb.HealthClient, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil, ErrClosed
	}
	if c.health != nil {
		return c.health, nil
	}
	if c.addr == "" {
		return nil, ErrNoAddress
	}
	if _, err := os.Stat(c.addr); err != nil {
		return nil, fmt.Errorf("failed to stat socket: %w", err)
	}
	conn, err := grpc.NewClient(target(c.addr),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithAuthority("localhost"),
		grpc.WithUnaryInterceptor(c.logUnary),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create gRPC connection to %s: %w", c.addr, err)
	}
	c.conn = conn
	c.health = healthpb.NewHealthClient(conn)
	return c.health, nil
}

// Probe returns true only when the controller reports SERVING.
func (c *Client) Probe(ctx context.Context) (bool, error) {
	hc, err := c.ensureConnected()
	if err != nil {
		return false, err
	}
	resp, err := hc.Check(ctx, &healthpb.HealthCheckRequest{Service: c.service})
	if err != nil {
		return false, fmt.Errorf("health check: %w", err)
	}
	return resp.GetStatus() == healthpb.HealthCheckResponse_SERVING, nil
}

// Close is idempotent. Probes after Close fail with ErrClosed.
func (c *Client) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	c.health = nil
	if c.conn == nil {
		return nil
	}
	err := c.conn.Close()
	c.conn = nil
	return err
}

func (c *Client) logUnary(ctx context.Context, method string, req, reply any, cc *grpc.ClientConn, invoker grpc.UnaryInvoker, opts ...grpc.CallOption) error {
	start := time.Now()
	err := invoker(ctx, method, req, reply, cc, opts...)
	fields := []logx.Field{
		logx.String("method", method),
		logx.String("socket", c.addr),
		logx.Duration("took", time.Since(start)),
	}
	if err != nil {
		c.log.Debug("grpc call failed", append(fields, logx.Err(err))...)
		return err
	}
	c.log.Trace("grpc call", fields...)
	return nil
}
