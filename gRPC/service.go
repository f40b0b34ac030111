// Package proto exposes detection sessions over gRPC. Messages are protobuf
// well-known types, so the service needs no generated code.
package proto

import (
	"AtagDetServer/imgbuf"
	iface "AtagDetServer/interface"
	"AtagDetServer/logger"
	"AtagDetServer/monitor"
	"AtagDetServer/session"
	"context"
	"encoding/base64"
	"errors"
	"fmt"
	"net"
	"strconv"
	"time"

	gojson "github.com/goccy/go-json"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/emptypb"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

const ServiceName = "atagdet.DetectService"

type DetectServiceServer interface {
	CreateSession(context.Context, *emptypb.Empty) (*wrapperspb.StringValue, error)
	Configure(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	SetIntrinsics(context.Context, *structpb.Struct) (*emptypb.Empty, error)
	Detect(context.Context, *structpb.Struct) (*wrapperspb.StringValue, error)
	DestroySession(context.Context, *wrapperspb.StringValue) (*emptypb.Empty, error)
	ListSessions(context.Context, *emptypb.Empty) (*structpb.ListValue, error)
	Shutdown(context.Context, *emptypb.Empty) (*emptypb.Empty, error)
}

func unary[Req, Resp any](name string, call func(DetectServiceServer, context.Context, *Req) (*Resp, error)) grpc.MethodDesc {
	return grpc.MethodDesc{
		MethodName: name,
		Handler: func(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
			in := new(Req)
			if err := dec(in); err != nil {
				return nil, err
			}
			if interceptor == nil {
				return call(srv.(DetectServiceServer), ctx, in)
			}
			info := &grpc.UnaryServerInfo{Server: srv, FullMethod: "/" + ServiceName + "/" + name}
			handler := func(ctx context.Context, req any) (any, error) {
				return call(srv.(DetectServiceServer), ctx, req.(*Req))
			}
			return interceptor(ctx, in, info, handler)
		},
	}
}

var DetectServiceDesc = grpc.ServiceDesc{
	ServiceName: ServiceName,
	HandlerType: (*DetectServiceServer)(nil),
	Methods: []grpc.MethodDesc{
		unary("CreateSession", DetectServiceServer.CreateSession),
		unary("Configure", DetectServiceServer.Configure),
		unary("SetIntrinsics", DetectServiceServer.SetIntrinsics),
		unary("Detect", DetectServiceServer.Detect),
		unary("DestroySession", DetectServiceServer.DestroySession),
		unary("ListSessions", DetectServiceServer.ListSessions),
		unary("Shutdown", DetectServiceServer.Shutdown),
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "atagdet.proto",
}

func RegisterDetectServiceServer(s grpc.ServiceRegistrar, srv DetectServiceServer) {
	s.RegisterService(&DetectServiceDesc, srv)
}

type DetectServiceClient struct {
	cc grpc.ClientConnInterface
}

func NewDetectServiceClient(cc grpc.ClientConnInterface) *DetectServiceClient {
	return &DetectServiceClient{cc: cc}
}

func invoke[Resp any](ctx context.Context, cc grpc.ClientConnInterface, method string, in any, opts ...grpc.CallOption) (*Resp, error) {
	out := new(Resp)
	if err := cc.Invoke(ctx, "/"+ServiceName+"/"+method, in, out, opts...); err != nil {
		return nil, err
	}
	return out, nil
}

func (c *DetectServiceClient) CreateSession(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	return invoke[wrapperspb.StringValue](ctx, c.cc, "CreateSession", in, opts...)
}

func (c *DetectServiceClient) Configure(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "Configure", in, opts...)
}

func (c *DetectServiceClient) SetIntrinsics(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "SetIntrinsics", in, opts...)
}

func (c *DetectServiceClient) Detect(ctx context.Context, in *structpb.Struct, opts ...grpc.CallOption) (*wrapperspb.StringValue, error) {
	return invoke[wrapperspb.StringValue](ctx, c.cc, "Detect", in, opts...)
}

func (c *DetectServiceClient) DestroySession(ctx context.Context, in *wrapperspb.StringValue, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "DestroySession", in, opts...)
}

func (c *DetectServiceClient) ListSessions(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*structpb.ListValue, error) {
	return invoke[structpb.ListValue](ctx, c.cc, "ListSessions", in, opts...)
}

func (c *DetectServiceClient) Shutdown(ctx context.Context, in *emptypb.Empty, opts ...grpc.CallOption) (*emptypb.Empty, error) {
	return invoke[emptypb.Empty](ctx, c.cc, "Shutdown", in, opts...)
}

type Server struct {
	Registry *session.Registry
}

var _ DetectServiceServer = (*Server)(nil)

func (s *Server) CreateSession(ctx context.Context, req *emptypb.Empty) (*wrapperspb.StringValue, error) {
	monitor.GRPCTotal.Inc()
	id, err := s.Registry.Create("grpc")
	if err != nil {
		logger.Log().Error("create session failed", zap.Error(err))
		return nil, toStatus(err)
	}
	return wrapperspb.String(id), nil
}

// Configure merges the fields present in req into the session options.
// An optional "tagSizes" object maps tag ids to sizes in meters.
func (s *Server) Configure(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	fields := req.AsMap()
	sizes, _ := fields["tagSizes"].(map[string]any)
	delete(fields, "id")
	delete(fields, "tagSizes")
	raw, err := gojson.Marshal(fields)
	if err != nil {
		return nil, status.Error(codes.InvalidArgument, err.Error())
	}

	err = s.Registry.Do(id, func(ss *session.Session) error {
		opts := ss.Options()
		if err := gojson.Unmarshal(raw, &opts); err != nil {
			return status.Errorf(codes.InvalidArgument, "options: %v", err)
		}
		if err := ss.Configure(opts); err != nil {
			return err
		}
		for key, v := range sizes {
			tagID, err := strconv.Atoi(key)
			if err != nil {
				return status.Errorf(codes.InvalidArgument, "tag id %q", key)
			}
			size, ok := v.(float64)
			if !ok {
				return status.Errorf(codes.InvalidArgument, "tag %d: size must be a number", tagID)
			}
			if err := ss.SetTagSize(tagID, size); err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) SetIntrinsics(ctx context.Context, req *structpb.Struct) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	var in iface.CameraIntrinsics
	for key, dst := range map[string]*float64{"fx": &in.Fx, "fy": &in.Fy, "cx": &in.Cx, "cy": &in.Cy} {
		v, ok := req.GetFields()[key]
		if !ok {
			return nil, status.Errorf(codes.InvalidArgument, "missing %s", key)
		}
		*dst = v.GetNumberValue()
	}
	err = s.Registry.Do(id, func(ss *session.Session) error {
		return ss.SetIntrinsics(in.Fx, in.Fy, in.Cx, in.Cy)
	})
	if err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

// Detect accepts either "encoded" (base64 image file) or a raw grayscale
// frame: "width", "height", "stride" and base64 "pixels".
func (s *Server) Detect(ctx context.Context, req *structpb.Struct) (*wrapperspb.StringValue, error) {
	monitor.GRPCTotal.Inc()
	id, err := sessionID(req)
	if err != nil {
		return nil, err
	}
	entry, ok := s.Registry.Get(id)
	if !ok {
		return nil, toStatus(session.ErrSessionNotFound)
	}
	job, err := buildJob(req)
	if err != nil {
		return nil, err
	}
	job.entry = entry
	job.Result = make(chan jobResult, 1)

	select {
	case JobQueue <- job:
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
	select {
	case res := <-job.Result:
		if res.Err != nil {
			logger.Log().Warn("detect job failed", zap.String("id", id), zap.Error(res.Err))
			return nil, toStatus(res.Err)
		}
		return wrapperspb.String(res.Payload), nil
	case <-ctx.Done():
		return nil, status.FromContextError(ctx.Err()).Err()
	}
}

func buildJob(req *structpb.Struct) (JobPackage, error) {
	f := req.GetFields()
	if v, ok := f["encoded"]; ok {
		data, err := base64.StdEncoding.DecodeString(v.GetStringValue())
		if err != nil {
			return JobPackage{}, status.Errorf(codes.InvalidArgument, "encoded: %v", err)
		}
		return JobPackage{Encoded: data}, nil
	}
	w := int(f["width"].GetNumberValue())
	h := int(f["height"].GetNumberValue())
	stride := w
	if v, ok := f["stride"]; ok {
		stride = int(v.GetNumberValue())
	}
	if !imgbuf.ValidGeometry(w, h, stride) {
		return JobPackage{}, status.Errorf(codes.InvalidArgument, "invalid geometry %dx%d stride %d", w, h, stride)
	}
	pixels, err := base64.StdEncoding.DecodeString(f["pixels"].GetStringValue())
	if err != nil {
		return JobPackage{}, status.Errorf(codes.InvalidArgument, "pixels: %v", err)
	}
	if len(pixels) < stride*(h-1)+min(w, stride) {
		return JobPackage{}, status.Errorf(codes.InvalidArgument, "pixels: got %d bytes for %dx%d stride %d", len(pixels), w, h, stride)
	}
	return JobPackage{Frame: iface.ImageU8{Width: w, Height: h, Stride: stride, Buf: pixels}}, nil
}

func (s *Server) DestroySession(ctx context.Context, req *wrapperspb.StringValue) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	if err := s.Registry.Destroy(req.GetValue()); err != nil {
		return nil, toStatus(err)
	}
	return &emptypb.Empty{}, nil
}

func (s *Server) ListSessions(ctx context.Context, req *emptypb.Empty) (*structpb.ListValue, error) {
	monitor.GRPCTotal.Inc()
	infos := s.Registry.List()
	items := make([]any, 0, len(infos))
	for _, info := range infos {
		items = append(items, map[string]any{
			"id":          info.ID,
			"description": info.Description,
			"created":     info.Created.Format(time.RFC3339Nano),
			"state":       info.State,
		})
	}
	out, err := structpb.NewList(items)
	if err != nil {
		return nil, status.Error(codes.Internal, err.Error())
	}
	return out, nil
}

func (s *Server) Shutdown(ctx context.Context, req *emptypb.Empty) (*emptypb.Empty, error) {
	monitor.GRPCTotal.Inc()
	logger.Log().Warn("shutdown requested over gRPC")
	select {
	case CloseChannel <- true:
	default:
	}
	return &emptypb.Empty{}, nil
}

func sessionID(req *structpb.Struct) (string, error) {
	id := req.GetFields()["id"].GetStringValue()
	if id == "" {
		return "", status.Error(codes.InvalidArgument, "missing id")
	}
	return id, nil
}

func toStatus(err error) error {
	if _, ok := status.FromError(err); ok {
		return err
	}
	switch {
	case errors.Is(err, session.ErrSessionNotFound):
		return status.Error(codes.NotFound, err.Error())
	case errors.Is(err, session.ErrNotReady), errors.Is(err, session.ErrDestroyed):
		return status.Error(codes.FailedPrecondition, err.Error())
	case errors.Is(err, session.ErrInitFailed):
		return status.Error(codes.Unavailable, err.Error())
	default:
		return status.Error(codes.Internal, err.Error())
	}
}

// StartGRPCServer listens on port and serves srv in the background.
func StartGRPCServer(port int, srv DetectServiceServer) (*grpc.Server, error) {
	CloseChannel = make(chan bool, 1)
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("listen on port %d: %w", port, err)
	}
	s := grpc.NewServer()
	RegisterDetectServiceServer(s, srv)
	go func() {
		logger.Log().Info("gRPC server listening", zap.Int("port", port))
		if err := s.Serve(lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
			logger.Log().Error("gRPC server stopped", zap.Error(err))
		}
	}()
	return s, nil
}
