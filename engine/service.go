package engine

import (
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// DetectServer is the server side of the remote detector.
type DetectServer interface {
	Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error)
}

var detectServiceDesc = grpc.ServiceDesc{
	ServiceName: detectService,
	HandlerType: (*DetectServer)(nil),
	Methods: []grpc.MethodDesc{
		{MethodName: "Detect", Handler: detectHandler},
	},
	Streams:  []grpc.StreamDesc{},
	Metadata: "faceauth/detect",
}

func detectHandler(srv any, ctx context.Context, dec func(any) error, interceptor grpc.UnaryServerInterceptor) (any, error) {
	in := new(wrapperspb.BytesValue)
	if err := dec(in); err != nil {
		return nil, err
	}
	if interceptor == nil {
		return srv.(DetectServer).Detect(ctx, in)
	}
	info := &grpc.UnaryServerInfo{Server: srv, FullMethod: detectMethod}
	handler := func(ctx context.Context, req any) (any, error) {
		return srv.(DetectServer).Detect(ctx, req.(*wrapperspb.BytesValue))
	}
	return interceptor(ctx, in, info, handler)
}

// decodedFrame is a JPEG received over the wire.
type decodedFrame struct{ m gocv.Mat }

func (f *decodedFrame) Mat() gocv.Mat    { return f.m }
func (f *decodedFrame) Size() (int, int) { return f.m.Cols(), f.m.Rows() }
func (f *decodedFrame) Close() error     { return f.m.Close() }

// Service exposes a local detector to remote kiosks.
type Service struct {
	det iface.Detector
	obs RPCObserver
	log *zap.Logger
}

func NewService(det iface.Detector, obs RPCObserver, log *zap.Logger) *Service {
	if obs == nil {
		obs = nopRPCObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	return &Service{det: det, obs: obs, log: log.Named("detect-server")}
}

func (s *Service) Detect(ctx context.Context, req *wrapperspb.BytesValue) (*structpb.Struct, error) {
	img, err := gocv.IMDecode(req.GetValue(), gocv.IMReadColor)
	if err != nil || img.Empty() {
		if err == nil {
			_ = img.Close()
		}
		return nil, status.Error(codes.InvalidArgument, "image is not a decodable JPEG")
	}
	frame := &decodedFrame{m: img}
	defer frame.Close()

	det, err := s.det.Detect(ctx, frame)
	switch {
	case errors.Is(err, ErrBusy):
		return nil, status.Error(codes.ResourceExhausted, err.Error())
	case errors.Is(err, ErrNotLoaded):
		return nil, status.Error(codes.FailedPrecondition, err.Error())
	case err != nil:
		return nil, status.Error(codes.Internal, err.Error())
	}
	return detectionToStruct(det)
}

// Register adds the service to srv.
func (s *Service) Register(srv *grpc.Server) {
	srv.RegisterService(&detectServiceDesc, s)
}

// NewGRPCServer builds a server that logs and counts every call.
func (s *Service) NewGRPCServer(opts ...grpc.ServerOption) *grpc.Server {
	opts = append(opts, grpc.UnaryInterceptor(s.intercept))
	srv := grpc.NewServer(opts...)
	s.Register(srv)
	return srv
}

func (s *Service) intercept(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)
	code := status.Code(err)
	s.obs.GRPC("server", code.String())
	fields := []zap.Field{zap.String("method", info.FullMethod), zap.String("code", code.String()), zap.Duration("elapsed", time.Since(start))}
	if err != nil && code != codes.ResourceExhausted {
		s.log.Warn("grpc call failed", append(fields, zap.Error(err))...)
	} else {
		s.log.Debug("grpc call", fields...)
	}
	return resp, err
}

// Serve listens on addr until ctx is done, then stops gracefully.
func (s *Service) Serve(ctx context.Context, addr string) error {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", addr, err)
	}
	srv := s.NewGRPCServer()
	errCh := make(chan error, 1)
	go func() {
		s.log.Info("detect server listening", zap.String("addr", lis.Addr().String()))
		errCh <- srv.Serve(lis)
	}()
	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}
	srv.GracefulStop()
	return nil
}
