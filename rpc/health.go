package rpc

import (
	"context"
	"sync"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/status"

	"git.tatikoma.dev/corpix/startif/startif"
)

// Health reports every controller as a service of the standard health
// protocol: SERVING while alive, NOT_SERVING once terminated. The empty
// service name is SERVING while all known controllers are alive.
type Health struct {
	*health.Server
	mu    sync.Mutex
	alive map[string]bool
}

func NewHealth(ids ...string) *Health {
	h := &Health{
		Server: health.NewServer(),
		alive:  make(map[string]bool, len(ids)),
	}
	for _, id := range ids {
		h.alive[id] = false
		h.SetServingStatus(id, healthpb.HealthCheckResponse_NOT_SERVING)
	}
	h.aggregate()
	return h
}

func (h *Health) Register(s grpc.ServiceRegistrar) {
	healthpb.RegisterHealthServer(s, h.Server)
}

func (h *Health) Observe(e startif.Event) {
	h.mu.Lock()
	defer h.mu.Unlock()

	switch e.Kind {
	case startif.EventStarted:
		h.alive[e.ID] = true
		h.SetServingStatus(e.ID, healthpb.HealthCheckResponse_SERVING)
	case startif.EventTerminated:
		h.alive[e.ID] = false
		h.SetServingStatus(e.ID, healthpb.HealthCheckResponse_NOT_SERVING)
	default:
		return
	}
	h.aggregate()
}

func (h *Health) aggregate() {
	st := healthpb.HealthCheckResponse_SERVING
	for _, alive := range h.alive {
		if !alive {
			st = healthpb.HealthCheckResponse_NOT_SERVING
			break
		}
	}
	h.SetServingStatus("", st)
}

// Client queries the server in process, Watch and List are not supported.
func (h *Health) Client() healthpb.HealthClient {
	return localHealthClient{h.Server}
}

type localHealthClient struct {
	server *health.Server
}

func (c localHealthClient) Check(ctx context.Context, in *healthpb.HealthCheckRequest, _ ...grpc.CallOption) (*healthpb.HealthCheckResponse, error) {
	return c.server.Check(ctx, in)
}

func (localHealthClient) List(context.Context, *healthpb.HealthListRequest, ...grpc.CallOption) (*healthpb.HealthListResponse, error) {
	return nil, status.Error(codes.Unimplemented, "list is not supported in process")
}

func (localHealthClient) Watch(context.Context, *healthpb.HealthCheckRequest, ...grpc.CallOption) (grpc.ServerStreamingClient[healthpb.HealthCheckResponse], error) {
	return nil, status.Error(codes.Unimplemented, "watch is not supported in process")
}
