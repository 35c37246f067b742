package probe

import (
	"context"
	"errors"
	"net"
	"os"
	"path/filepath"
	"testing"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	logx "ingressd/pkg/logx"
)

func serveHealth(t *testing.T) (string, *health.Server) {
	t.Helper()
	// Short directory: unix socket paths are length limited.
	dir, err := os.MkdirTemp("", "probe")
	if err != nil {
		t.Fatalf("tempdir: %v", err)
	}
	t.Cleanup(func() { _ = os.RemoveAll(dir) })
	sock := filepath.Join(dir, "ingress.sock")

	lis, err := net.Listen("unix", sock)
	if err != nil {
		t.Fatalf("listen: %v", err)
	}
	srv := grpc.NewServer()
	hs := health.NewServer()
	healthpb.RegisterHealthServer(srv, hs)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)
	return sock, hs
}

func TestProbeServingStatus(t *testing.T) {
	t.Parallel()
	sock, hs := serveHealth(t)
	c := NewClient(sock, logx.Nop())
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()

	ok, err := c.Probe(ctx)
	if err != nil || !ok {
		t.Fatalf("Probe = %v, %v; want true", ok, err)
	}

	hs.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	ok, err = c.Probe(ctx)
	if err != nil || ok {
		t.Fatalf("Probe = %v, %v; want false", ok, err)
	}
}

func TestProbeNamedService(t *testing.T) {
	t.Parallel()
	sock, hs := serveHealth(t)
	hs.SetServingStatus("ingress", healthpb.HealthCheckResponse_SERVING)
	c := NewClient(sock, logx.Nop()).WithService("ingress")
	defer c.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if ok, err := c.Probe(ctx); err != nil || !ok {
		t.Fatalf("Probe = %v, %v", ok, err)
	}
}

func TestProbeErrors(t *testing.T) {
	t.Parallel()
	ctx := context.Background()

	if _, err := NewClient("", logx.Nop()).Probe(ctx); !errors.Is(err, ErrNoAddress) {
		t.Fatalf("empty address err = %v", err)
	}
	missing := filepath.Join(t.TempDir(), "none.sock")
	if _, err := NewClient(missing, logx.Nop()).Probe(ctx); !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("missing socket err = %v", err)
	}

	c := NewClient(missing, logx.Nop())
	_ = c.Close()
	_ = c.Close()
	if _, err := c.Probe(ctx); !errors.Is(err, ErrClosed) {
		t.Fatalf("closed err = %v", err)
	}
}

func TestTarget(t *testing.T) {
	t.Parallel()
	if got := target("/run/x.sock"); got != "unix:///run/x.sock" {
		t.Fatalf("abs target = %s", got)
	}
	if got := target("x.sock"); got != "unix:x.sock" {
		t.Fatalf("rel target = %s", got)
	}
}
