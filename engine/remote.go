package engine

import (
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
	"google.golang.org/grpc"
	"google.golang.org/grpc/codes"
	"google.golang.org/grpc/credentials/insecure"
	"google.golang.org/grpc/status"
	"google.golang.org/protobuf/types/known/structpb"
	"google.golang.org/protobuf/types/known/wrapperspb"
)

// Detect carries a JPEG frame as BytesValue and answers with a Struct of
// score, x, y, width and height in frame pixels. An empty Struct means no
// face was found.
const (
	detectService = "faceauth.FaceDetect"
	detectMethod  = "/" + detectService + "/Detect"
)

const DefaultRemoteTimeout = 2 * time.Second

// RPCObserver counts remote detector calls by status code.
type RPCObserver interface {
	GRPC(side, code string)
}

type nopRPCObserver struct{}

func (nopRPCObserver) GRPC(string, string) {}

type RemoteConfig struct {
	Addr     string
	Timeout  time.Duration
	MinScore float64
	Observer RPCObserver
}

// Remote runs detection on a detect-server over gRPC, for kiosks without the
// compute for a local forward pass.
type Remote struct {
	cfg  RemoteConfig
	conn *grpc.ClientConn
	log  *zap.Logger
}

// DialRemote connects lazily; the first Detect establishes the channel.
func DialRemote(cfg RemoteConfig, log *zap.Logger, opts ...grpc.DialOption) (*Remote, error) {
	if cfg.Addr == "" {
		return nil, errors.New("remote detector address cannot be empty")
	}
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultRemoteTimeout
	}
	if cfg.Observer == nil {
		cfg.Observer = nopRPCObserver{}
	}
	if log == nil {
		log = zap.NewNop()
	}
	opts = append([]grpc.DialOption{grpc.WithTransportCredentials(insecure.NewCredentials())}, opts...)
	conn, err := grpc.NewClient(cfg.Addr, opts...)
	if err != nil {
		return nil, fmt.Errorf("dial detector %s: %w", cfg.Addr, err)
	}
	log = log.Named("engine").With(zap.String("addr", cfg.Addr))
	log.Info("remote detector configured")
	return &Remote{cfg: cfg, conn: conn, log: log}, nil
}

func (r *Remote) Detect(ctx context.Context, frame iface.Frame) (*iface.Detection, error) {
	m, ok := frame.(mat)
	if !ok {
		return nil, ErrUnsupported
	}
	buf, err := gocv.IMEncode(gocv.JPEGFileExt, m.Mat())
	if err != nil {
		return nil, fmt.Errorf("encode frame: %w", err)
	}
	defer buf.Close()

	ctx, cancel := context.WithTimeout(ctx, r.cfg.Timeout)
	defer cancel()
	resp := &structpb.Struct{}
	err = r.conn.Invoke(ctx, detectMethod, wrapperspb.Bytes(buf.GetBytes()), resp)
	r.cfg.Observer.GRPC("client", status.Code(err).String())
	if err != nil {
		if status.Code(err) == codes.ResourceExhausted {
			return nil, ErrBusy
		}
		return nil, fmt.Errorf("remote detect: %w", err)
	}
	w, h := frame.Size()
	return detectionFromStruct(resp, w, h, r.cfg.MinScore), nil
}

func (r *Remote) Close() error {
	return r.conn.Close()
}

func detectionToStruct(d *iface.Detection) (*structpb.Struct, error) {
	if d == nil {
		return &structpb.Struct{}, nil
	}
	return structpb.NewStruct(map[string]any{
		"score":  d.Confidence,
		"x":      d.Box.X,
		"y":      d.Box.Y,
		"width":  d.Box.Width,
		"height": d.Box.Height,
	})
}

func detectionFromStruct(s *structpb.Struct, width, height int, minScore float64) *iface.Detection {
	fields := s.GetFields()
	score, ok := fields["score"]
	if !ok {
		return nil
	}
	conf := score.GetNumberValue()
	if conf < minScore {
		return nil
	}
	box := iface.BoundingBox{
		X:      fields["x"].GetNumberValue(),
		Y:      fields["y"].GetNumberValue(),
		Width:  fields["width"].GetNumberValue(),
		Height: fields["height"].GetNumberValue(),
	}.Clamp(width, height)
	if !box.Valid() {
		return nil
	}
	return &iface.Detection{Box: box, Confidence: conf}
}
