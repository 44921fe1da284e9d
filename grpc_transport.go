// grpc_transport.go: gRPC gateway and client for the compute host
//
// Copyright (c) 2025 AGILira - A. Giordano
// Series: an AGILira library
// SPDX-License-Identifier: MPL-2.0

package gocompute

import (
	"context"
	"encoding/json"
	"fmt"
	"net"
	"sync/atomic"
	"time"

	"github.com/agilira/go-timecache"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
)

// ComputeServiceName is the fully qualified gRPC service name.
const ComputeServiceName = "gocompute.v1.ComputeService"

// maxGRPCMessageSize bounds request and response messages in both directions.
const maxGRPCMessageSize = 4 * 1024 * 1024

// ComputeServiceServer is the server side of gocompute.v1.ComputeService.
//
// Every message is a google.protobuf.Struct:
//
//	Dispatch   {target: "name/a/b?x=1", payload: any} -> {status: number, data: any}
//	List       {}                                     -> {functions: [FunctionInfo...]}
//	Load       {name, path, replace}                  -> FunctionInfo
//	Unregister {name}                                 -> {name}
type ComputeServiceServer interface {
	Dispatch(context.Context, *structpb.Struct) (*structpb.Struct, error)
	List(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Load(context.Context, *structpb.Struct) (*structpb.Struct, error)
	Unregister(context.Context, *structpb.Struct) (*structpb.Struct, error)
}

type structMethod func(ComputeServiceServer, context.Context, *structpb.Struct) (*structpb.Struct, error)

func structHandler(method string, call structMethod) grpc.MethodHandler {
	return func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
		in := new(structpb.Struct)
		if err := dec(in); err != nil {
			return nil, err
		}
		server := srv.(ComputeServiceServer)
		if interceptor == nil {
			return call(server, ctx, in)
		}
		info := &grpc.UnaryServerInfo{
			Server:     srv,
			FullMethod: "/" + ComputeServiceName + "/" + method,
		}
		handler := func(ctx context.Context, req any) (any, error) {
			return call(server, ctx, req.(*structpb.Struct))
		}
		return interceptor(ctx, in, info, handler)
	}
}

// ComputeServiceDesc describes gocompute.v1.ComputeService for grpc.Server.RegisterService.
var ComputeServiceDesc = grpc.ServiceDesc{
	ServiceName: ComputeServiceName,
	HandlerType: (*ComputeServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Dispatch", Handler: structHandler("Dispatch", ComputeServiceServer.Dispatch)},
		{MethodName: "List", Handler: structHandler("List", ComputeServiceServer.List)},
		{MethodName: "Load", Handler: structHandler("Load", ComputeServiceServer.Load)},
		{MethodName: "Unregister", Handler: structHandler("Unregister", ComputeServiceServer.Unregister)},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "gocompute/v1/compute.proto",
}

// GRPCGateway serves a Host over gRPC.
type GRPCGateway struct {
	host    *Host
	logger  Logger
	server  *grpc.Server
	serving atomic.Bool
}

// NewGRPCGateway creates the gateway and its grpc.Server. Extra server
// options are appended after the gateway's own.
func NewGRPCGateway(host *Host, opts ...grpc.ServerOption) *GRPCGateway {
	g := &GRPCGateway{
		host:   host,
		logger: host.Logger().With("component", "grpc_gateway"),
	}
	serverOpts := []grpc.ServerOption{
		grpc.MaxRecvMsgSize(maxGRPCMessageSize),
		grpc.MaxSendMsgSize(maxGRPCMessageSize),
		grpc.ChainUnaryInterceptor(g.recoveryInterceptor, g.loggingInterceptor),
	}
	g.server = grpc.NewServer(append(serverOpts, opts...)...)
	g.server.RegisterService(&ComputeServiceDesc, g)
	return g
}

// Server returns the underlying grpc.Server.
func (g *GRPCGateway) Server() *grpc.Server { return g.server }

// Serve accepts connections on lis until Stop is called.
func (g *GRPCGateway) Serve(lis net.Listener) error {
	g.serving.Store(true)
	defer g.serving.Store(false)
	g.logger.Info("gRPC gateway listening", "address", lis.Addr().String())
	if err := g.server.Serve(lis); err != nil {
		return NewGRPCTransportError("gRPC server stopped", err)
	}
	return nil
}

// Stop stops the server gracefully, or forcibly once ctx ends.
func (g *GRPCGateway) Stop(ctx context.Context) {
	done := make(chan struct{})
	go func() {
		g.server.GracefulStop()
		close(done)
	}()
	select {
	case <-done:
	case <-ctx.Done():
		g.logger.Warn("gRPC graceful stop timed out, forcing")
		g.server.Stop()
	}
}

func (g *GRPCGateway) loggingInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := timecache.CachedTime()
	resp, err := handler(ctx, req)
	g.logger.Debug("gRPC call",
		"method", info.FullMethod,
		"code", status.Code(err).String(),
		"duration", time.Since(start))
	return resp, err
}

func (g *GRPCGateway) recoveryInterceptor(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (resp any, err error) {
	defer func() {
		if r := recover(); r != nil {
			g.logger.Error("Panic in gRPC handler", "method", info.FullMethod, "panic", r, "stack", string(captureStack()))
			err = status.Errorf(codes.Internal, "internal error")
		}
	}()
	return handler(ctx, req)
}

// Dispatch implements ComputeServiceServer.
func (g *GRPCGateway) Dispatch(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	raw := fields["target"].GetStringValue()
	target, err := ParseTarget(raw)
	if err != nil {
		return nil, toGRPCError(err)
	}
	var payload any
	if v, ok := fields["payload"]; ok {
		payload = v.AsInterface()
	}

	resp, err := g.host.Dispatch(ctx, NewComputeRequest(target, payload))
	if err != nil {
		return nil, toGRPCError(err)
	}
	data, err := normalizeJSON(resp.Data)
	if err != nil {
		return nil, toGRPCError(NewExecutionError(target.Name, fmt.Errorf("response is not JSON-encodable: %w", err)))
	}
	out, err := structpb.NewStruct(map[string]any{
		"status": float64(resp.Status),
		"data":   data,
	})
	if err != nil {
		return nil, toGRPCError(NewGRPCTransportError("failed to encode response", err))
	}
	return out, nil
}

// List implements ComputeServiceServer.
func (g *GRPCGateway) List(ctx context.Context, _ *structpb.Struct) (*structpb.Struct, error) {
	functions, err := normalizeJSON(g.host.Functions())
	if err != nil {
		return nil, toGRPCError(NewGRPCTransportError("failed to encode function list", err))
	}
	out, err := structpb.NewStruct(map[string]any{"functions": functions})
	if err != nil {
		return nil, toGRPCError(NewGRPCTransportError("failed to encode function list", err))
	}
	return out, nil
}

// Load implements ComputeServiceServer.
func (g *GRPCGateway) Load(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	fields := in.GetFields()
	name := fields["name"].GetStringValue()
	path := fields["path"].GetStringValue()
	replace := fields["replace"].GetBoolValue()

	if err := g.host.LoadAndRegister(ctx, name, path, replace); err != nil {
		return nil, toGRPCError(err)
	}
	info, err := g.host.Describe(name)
	if err != nil {
		return nil, toGRPCError(err)
	}
	return encodeStruct(info)
}

// Unregister implements ComputeServiceServer.
func (g *GRPCGateway) Unregister(ctx context.Context, in *structpb.Struct) (*structpb.Struct, error) {
	name := in.GetFields()["name"].GetStringValue()
	if err := g.host.Unregister(ctx, name); err != nil {
		return nil, toGRPCError(err)
	}
	return structpb.NewStruct(map[string]any{"name": name})
}

func encodeStruct(v any) (*structpb.Struct, error) {
	normalized, err := normalizeJSON(v)
	if err != nil {
		return nil, toGRPCError(NewGRPCTransportError("failed to encode message", err))
	}
	m, ok := normalized.(map[string]any)
	if !ok {
		return nil, toGRPCError(NewGRPCTransportError("message is not an object", fmt.Errorf("got %T", normalized)))
	}
	out, err := structpb.NewStruct(m)
	if err != nil {
		return nil, toGRPCError(NewGRPCTransportError("failed to encode message", err))
	}
	return out, nil
}

// normalizeJSON converts v to the plain map/slice/float64/string/bool tree
// structpb accepts.
func normalizeJSON(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	data, err := json.Marshal(v)
	if err != nil {
		return nil, err
	}
	var out any
	if err := json.Unmarshal(data, &out); err != nil {
		return nil, err
	}
	return out, nil
}

// GRPCCodeFor maps an error to the gRPC status code the gateway reports.
func GRPCCodeFor(err error) codes.Code {
	if err == nil {
		return codes.OK
	}
	if ErrorCodeOf(err) == ErrCodeRegistryClosed || ErrorCodeOf(err) == ErrCodeDrainTimeout {
		return codes.Unavailable
	}
	switch StatusFor(err) {
	case StatusNotFound:
		return codes.NotFound
	case StatusConflict:
		return codes.AlreadyExists
	case StatusBadRequest:
		return codes.InvalidArgument
	case StatusPreconditionFailed:
		return codes.FailedPrecondition
	case StatusGatewayTimeout:
		return codes.DeadlineExceeded
	default:
		return codes.Internal
	}
}

func toGRPCError(err error) error {
	if _, ok := status.FromError(err); ok && ErrorCodeOf(err) == "" {
		return err
	}
	msg := err.Error()
	if code := ErrorCodeOf(err); code != "" {
		msg = code + ": " + msg
	}
	return status.Error(GRPCCodeFor(err), msg)
}

// GRPCClient calls a remote ComputeService.
type GRPCClient struct {
	conn *grpc.ClientConn
}

// NewGRPCClient connects to endpoint without transport security. Extra dial
// options are appended after the client's own.
func NewGRPCClient(endpoint string, opts ...grpc.DialOption) (*GRPCClient, error) {
	dialOpts := []grpc.DialOption{
		grpc.WithTransportCredentials(insecure.NewCredentials()),
		grpc.WithDefaultCallOptions(
			grpc.MaxCallRecvMsgSize(maxGRPCMessageSize),
			grpc.MaxCallSendMsgSize(maxGRPCMessageSize),
		),
	}
	conn, err := grpc.NewClient(endpoint, append(dialOpts, opts...)...)
	if err != nil {
		return nil, NewGRPCTransportError("failed to create gRPC client", err)
	}
	return &GRPCClient{conn: conn}, nil
}

// Close closes the connection.
func (c *GRPCClient) Close() error {
	return c.conn.Close()
}

func (c *GRPCClient) invoke(ctx context.Context, method string, in map[string]any) (*structpb.Struct, error) {
	req, err := structpb.NewStruct(in)
	if err != nil {
		return nil, NewMalformedPayloadError(err)
	}
	out := new(structpb.Struct)
	if err := c.conn.Invoke(ctx, "/"+ComputeServiceName+"/"+method, req, out); err != nil {
		return nil, err
	}
	return out, nil
}

// Dispatch sends a request and returns the remote response. Remote errors
// come back as gRPC status errors; use status.Code to classify them.
func (c *GRPCClient) Dispatch(ctx context.Context, target Target, payload any) (*ComputeResponse, error) {
	normalized, err := normalizeJSON(payload)
	if err != nil {
		return nil, NewMalformedPayloadError(err)
	}
	out, err := c.invoke(ctx, "Dispatch", map[string]any{
		"target":  target.String(),
		"payload": normalized,
	})
	if err != nil {
		return nil, err
	}
	fields := out.GetFields()
	resp := &ComputeResponse{Status: StatusCode(int(fields["status"].GetNumberValue()))}
	if v, ok := fields["data"]; ok {
		resp.Data = v.AsInterface()
	}
	return resp, nil
}

// List returns the remote function descriptions.
func (c *GRPCClient) List(ctx context.Context) ([]FunctionInfo, error) {
	out, err := c.invoke(ctx, "List", map[string]any{})
	if err != nil {
		return nil, err
	}
	var infos []FunctionInfo
	if err := decodeStructField(out, "functions", &infos); err != nil {
		return nil, err
	}
	return infos, nil
}

// Load asks the remote host to load and register an artifact.
func (c *GRPCClient) Load(ctx context.Context, name, path string, replace bool) (FunctionInfo, error) {
	out, err := c.invoke(ctx, "Load", map[string]any{
		"name":    name,
		"path":    path,
		"replace": replace,
	})
	if err != nil {
		return FunctionInfo{}, err
	}
	var info FunctionInfo
	data, err := out.MarshalJSON()
	if err != nil {
		return FunctionInfo{}, NewGRPCTransportError("failed to decode response", err)
	}
	if err := json.Unmarshal(data, &info); err != nil {
		return FunctionInfo{}, NewGRPCTransportError("failed to decode response", err)
	}
	return info, nil
}

// Unregister asks the remote host to unregister name.
func (c *GRPCClient) Unregister(ctx context.Context, name string) error {
	_, err := c.invoke(ctx, "Unregister", map[string]any{"name": name})
	return err
}

func decodeStructField(s *structpb.Struct, field string, dst any) error {
	v, ok := s.GetFields()[field]
	if !ok {
		return nil
	}
	data, err := v.MarshalJSON()
	if err != nil {
		return NewGRPCTransportError("failed to decode response", err)
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return NewGRPCTransportError("failed to decode response", err)
	}
	return nil
}
