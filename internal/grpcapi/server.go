// Package grpcapi serves a small admin/status surface over gRPC — pool
// stats and lane drain — alongside the Lambda-compatible HTTP surfaces
// in internal/controlplane and internal/runtimeapi. Grounded on
// oriys-nova/internal/grpc/server.go's Start/Stop/interceptor shape;
// google.golang.org/grpc, google.golang.org/protobuf (transitively, via
// the grpc status package).
package grpcapi

import (
	"context"
	"fmt"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"

	"github.com/fearlessfara/lambdahome/internal/domain"
	"github.com/fearlessfara/lambdahome/internal/logging"
	"github.com/fearlessfara/lambdahome/internal/pending"
	"github.com/fearlessfara/lambdahome/internal/queue"
	"github.com/fearlessfara/lambdahome/internal/sandbox"
	"github.com/fearlessfara/lambdahome/internal/warmpool"
)

// AdminServiceServer is the interface AdminServer implements; it plays
// the role a protoc-gen-go-grpc *_grpc.pb.go would normally declare.
type AdminServiceServer interface {
	GetStats(context.Context, *StatsRequest) (*StatsResponse, error)
	Drain(context.Context, *DrainRequest) (*DrainResponse, error)
}

// AdminServer implements AdminServiceServer over the dispatcher's
// collaborators. It never mutates queue lanes; it only transitions
// warm-pool instances to Draining and Stopping (or Failed when the driver
// errors) and removes torn-down instances from the pool.
type AdminServer struct {
	pool    *warmpool.Pool
	queues  *queue.Queues
	pending *pending.Registry
	driver  sandbox.Driver

	server *grpc.Server
}

// New builds an AdminServer over its collaborators.
func New(pool *warmpool.Pool, queues *queue.Queues, pendingReg *pending.Registry, driver sandbox.Driver) *AdminServer {
	return &AdminServer{pool: pool, queues: queues, pending: pendingReg, driver: driver}
}

// Start binds addr and serves in a background goroutine.
func (s *AdminServer) Start(addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcapi: listen %s: %w", addr, err)
	}
	s.server = grpc.NewServer(grpc.UnaryInterceptor(loggingInterceptor))
	s.server.RegisterService(&serviceDesc, s)

	go func() {
		logging.Op().Info("grpcapi: admin server started", "addr", addr)
		if err := s.server.Serve(lis); err != nil {
			logging.Op().Error("grpcapi: serve", "error", err)
		}
	}()
	return nil
}

// Stop gracefully drains in-flight RPCs and shuts the server down.
func (s *AdminServer) Stop() {
	if s.server != nil {
		s.server.GracefulStop()
	}
}

// GetStats implements AdminServiceServer.
func (s *AdminServer) GetStats(ctx context.Context, req *StatsRequest) (*StatsResponse, error) {
	keys := s.pool.Keys()
	resp := &StatsResponse{PendingCount: s.pending.Count(), TotalInstances: s.pool.TotalCount()}
	for _, key := range keys {
		if req.FunctionName != "" && key.FunctionName != req.FunctionName {
			continue
		}
		resp.Lanes = append(resp.Lanes, LaneStats{
			FunctionName: key.FunctionName,
			Runtime:      string(key.Runtime),
			Version:      key.Version,
			EnvHash:      key.EnvHash,
			QueueDepth:   s.queues.Depth(key),
			Waiters:      s.queues.Waiters(key),
			WarmIdle:     s.pool.CountInState(key, warmpool.StateWarmIdle),
			Active:       s.pool.CountInState(key, warmpool.StateActive),
			Stopped:      s.pool.CountInState(key, warmpool.StateStopped),
			Total:        s.pool.Count(key),
		})
	}
	return resp, nil
}

// Drain implements AdminServiceServer: drains the named FunctionKey's
// instances via Pool.DrainByFunctionID (WarmIdle and Active ones only) and
// tears each one down through the sandbox driver with Stop then Remove
// (spec.md §4.5's "removed by ... function update/delete (drain)").
func (s *AdminServer) Drain(ctx context.Context, req *DrainRequest) (*DrainResponse, error) {
	if req.FunctionName == "" {
		return nil, status.Error(codes.InvalidArgument, "function_name is required")
	}
	key := domain.FunctionKey{
		FunctionName: req.FunctionName,
		Runtime:      domain.Runtime(req.Runtime),
		Version:      req.Version,
		EnvHash:      req.EnvHash,
	}

	drained := s.pool.DrainByFunctionID(key)
	resp := &DrainResponse{}
	for _, inst := range drained {
		handle := sandbox.Handle{InstanceID: inst.InstanceID, ContainerID: inst.ContainerID, Endpoint: inst.Endpoint}
		s.pool.SetState(inst.InstanceID, warmpool.StateStopping)

		stopCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err := s.driver.Stop(stopCtx, handle)
		cancel()
		if err != nil {
			logging.Op().Error("grpcapi: drain stop", "instance", inst.InstanceID, "error", err)
			s.pool.SetState(inst.InstanceID, warmpool.StateFailed)
			resp.FailedInstanceIds = append(resp.FailedInstanceIds, inst.InstanceID)
			continue
		}

		removeCtx, cancel := context.WithTimeout(ctx, 10*time.Second)
		err = s.driver.Remove(removeCtx, handle)
		cancel()
		if err != nil {
			logging.Op().Error("grpcapi: drain remove", "instance", inst.InstanceID, "error", err)
			s.pool.SetState(inst.InstanceID, warmpool.StateFailed)
			resp.FailedInstanceIds = append(resp.FailedInstanceIds, inst.InstanceID)
			continue
		}

		s.pool.Remove(inst.InstanceID)
		resp.DrainedInstanceIds = append(resp.DrainedInstanceIds, inst.InstanceID)
	}
	return resp, nil
}

// loggingInterceptor logs every admin RPC's outcome, grounded on
// oriys-nova/internal/grpc/interceptors.go's loggingInterceptor.
func loggingInterceptor(ctx context.Context, req interface{}, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (interface{}, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	if err != nil {
		logging.Op().Error("grpcapi: rpc failed", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	} else {
		logging.Op().Debug("grpcapi: rpc completed", "method", info.FullMethod, "duration", time.Since(start))
	}
	return resp, err
}

var serviceDesc = grpc.ServiceDesc{
	ServiceName: "lambdahome.admin.AdminService",
	HandlerType: (*AdminServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "GetStats", Handler: adminGetStatsHandler},
		{MethodName: "Drain", Handler: adminDrainHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "internal/grpcapi/admin.proto",
}

func adminGetStatsHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(StatsRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).GetStats(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/lambdahome.admin.AdminService/GetStats"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServiceServer).GetStats(ctx, req.(*StatsRequest))
	}
	return interceptor(ctx, in, info, handler)
}

func adminDrainHandler(srv interface{}, ctx context.Context, dec func(interface{}) error, interceptor grpc.UnaryServerInterceptor) (interface{}, error) {
	in := new(DrainRequest)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(AdminServiceServer).Drain(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/lambdahome.admin.AdminService/Drain"}
	handler := func(ctx context.Context, req interface{}) (interface{}, error) {
		return srv.(AdminServiceServer).Drain(ctx, req.(*DrainRequest))
	}
	return interceptor(ctx, in, info, handler)
}
