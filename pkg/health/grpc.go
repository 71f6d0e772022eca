package health

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// DispatchService is the service name a dispatch server reports on its
// gRPC health endpoint
const DispatchService = "runway.Dispatch"

// GRPCChecker queries the standard grpc.health.v1 service
type GRPCChecker struct {
	Address string
	Service string
	Timeout time.Duration

	// Dialer, when set, replaces the default TCP dial. SSH-tunnelled
	// clusters pass the tunnel's dial function here.
	Dialer func(ctx context.Context, addr string) (net.Conn, error)
}

// NewGRPCChecker creates a checker for the dispatch service at address
func NewGRPCChecker(address string) *GRPCChecker {
	return &GRPCChecker{
		Address: address,
		Service: DispatchService,
		Timeout: 5 * time.Second,
	}
}

// Check issues one Health/Check RPC
func (g *GRPCChecker) Check(ctx context.Context) Result {
	start := time.Now()

	opts := []grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}
	if g.Dialer != nil {
		opts = append(opts, grpc.WithContextDialer(g.Dialer))
	}
	conn, err := grpc.NewClient(g.Address, opts...)
	if err != nil {
		return failed(start, fmt.Sprintf("failed to create client: %v", err))
	}
	defer conn.Close()

	ctx, cancel := context.WithTimeout(ctx, g.Timeout)
	defer cancel()

	resp, err := healthpb.NewHealthClient(conn).Check(ctx, &healthpb.HealthCheckRequest{Service: g.Service})
	if err != nil {
		return failed(start, fmt.Sprintf("health rpc failed: %v", err))
	}
	if resp.GetStatus() != healthpb.HealthCheckResponse_SERVING {
		return failed(start, fmt.Sprintf("service %q is %s", g.Service, resp.GetStatus()))
	}
	return passed(start, fmt.Sprintf("service %q serving", g.Service))
}

// Type returns the health check type
func (g *GRPCChecker) Type() CheckType {
	return CheckTypeGRPC
}

// WithDialer routes the connection through dial
func (g *GRPCChecker) WithDialer(dial func(ctx context.Context, addr string) (net.Conn, error)) *GRPCChecker {
	g.Dialer = dial
	return g
}
