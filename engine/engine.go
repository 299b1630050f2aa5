package engine

import (
	iface "FaceAuthClient/interface"
	"context"
	"errors"
	"fmt"
	"image"
	"os"
	"sync"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

const UNREGISTERED = 0x0001
const REGISTERED = 0x0002
const IDLE = 0x0003
const BUSY = 0x0004

var (
	ErrNotLoaded   = errors.New("model not loaded")
	ErrBusy        = errors.New("detector is busy")
	ErrUnsupported = errors.New("frame does not carry a Mat")
)

// mat is implemented by frames that expose their pixels to OpenCV.
type mat interface {
	Mat() gocv.Mat
}

type Config struct {
	ModelPath  string
	ConfigPath string
	InputSize  int
	MinScore   float64
	Backend    string
}

// Detector runs an SSD face detector (res10 Caffe or an equivalent ONNX
// export) through OpenCV's dnn module.
type Detector struct {
	cfg   Config
	net   gocv.Net
	mu    sync.Mutex
	idle  *sync.Cond
	State int
	log   *zap.Logger
}

func New(log *zap.Logger) *Detector {
	if log == nil {
		log = zap.NewNop()
	}
	d := &Detector{State: REGISTERED, log: log.Named("engine")}
	d.idle = sync.NewCond(&d.mu)
	return d
}

// LoadModel reads the network and selects the compute backend.
func (d *Detector) LoadModel(cfg Config) error {
	if cfg.ModelPath == "" {
		return fmt.Errorf("model path cannot be empty")
	}
	if _, err := os.Stat(cfg.ModelPath); err != nil {
		return fmt.Errorf("model %s: %w", cfg.ModelPath, err)
	}
	if cfg.MinScore < 0 || cfg.MinScore > 1 {
		return fmt.Errorf("min score must be between 0.0 and 1.0, got %f", cfg.MinScore)
	}
	if cfg.InputSize <= 0 {
		cfg.InputSize = 300
	}

	net := gocv.ReadNet(cfg.ModelPath, cfg.ConfigPath)
	if net.Empty() {
		_ = net.Close()
		return fmt.Errorf("failed to read network from %s", cfg.ModelPath)
	}
	backend, target := backendFor(cfg.Backend)
	if err := net.SetPreferableBackend(backend); err != nil {
		_ = net.Close()
		return fmt.Errorf("set backend %s: %w", cfg.Backend, err)
	}
	if err := net.SetPreferableTarget(target); err != nil {
		_ = net.Close()
		return fmt.Errorf("set target %s: %w", cfg.Backend, err)
	}

	d.mu.Lock()
	defer d.mu.Unlock()
	if d.State == IDLE {
		_ = d.net.Close()
	}
	d.cfg = cfg
	d.net = net
	d.State = IDLE
	d.log.Info("face model loaded", zap.String("model", cfg.ModelPath), zap.String("backend", cfg.Backend),
		zap.Int("inputSize", cfg.InputSize), zap.Float64("minScore", cfg.MinScore))
	return nil
}

func backendFor(name string) (gocv.NetBackendType, gocv.NetTargetType) {
	switch name {
	case "cuda":
		return gocv.NetBackendCUDA, gocv.NetTargetCUDA
	case "openvino":
		return gocv.NetBackendOpenVINO, gocv.NetTargetCPU
	default:
		return gocv.NetBackendDefault, gocv.NetTargetCPU
	}
}

// Warmup pushes a few blank frames through the network so the first real
// tick does not pay for lazy backend initialisation.
func (d *Detector) Warmup(rounds int) {
	warmMat := gocv.NewMatWithSize(d.cfg.InputSize, d.cfg.InputSize, gocv.MatTypeCV8UC3)
	defer warmMat.Close()
	for i := 0; i < rounds; i++ {
		func() {
			defer func() {
				if r := recover(); r != nil {
					d.log.Error("panic during warmup detect", zap.Any("recovered", r))
				}
			}()
			_, _ = d.detectMat(warmMat)
		}()
	}
}

// Detect returns the highest scoring face, or nil when none clears MinScore.
func (d *Detector) Detect(ctx context.Context, frame iface.Frame) (*iface.Detection, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	m, ok := frame.(mat)
	if !ok {
		return nil, ErrUnsupported
	}
	return d.detectMat(m.Mat())
}

func (d *Detector) detectMat(img gocv.Mat) (*iface.Detection, error) {
	d.mu.Lock()
	switch d.State {
	case UNREGISTERED, REGISTERED:
		d.mu.Unlock()
		return nil, ErrNotLoaded
	case BUSY:
		d.mu.Unlock()
		return nil, ErrBusy
	}
	d.State = BUSY
	d.mu.Unlock()
	defer d.finish()

	size := d.cfg.InputSize
	blob := gocv.BlobFromImage(img, 1.0, image.Pt(size, size), gocv.NewScalar(104, 177, 123, 0), false, false)
	defer blob.Close()
	d.net.SetInput(blob, "")
	prob := d.net.Forward("")
	defer prob.Close()

	values, err := prob.DataPtrFloat32()
	if err != nil {
		return nil, fmt.Errorf("read detector output: %w", err)
	}
	return bestDetection(values, img.Cols(), img.Rows(), d.cfg.MinScore), nil
}

// bestDetection scans SSD output rows [image_id, label, score, x1, y1, x2, y2]
// with coordinates relative to the frame.
func bestDetection(values []float32, width, height int, minScore float64) *iface.Detection {
	var best *iface.Detection
	for i := 0; i+7 <= len(values); i += 7 {
		score := float64(values[i+2])
		if score < minScore || (best != nil && score <= best.Confidence) {
			continue
		}
		x1 := float64(values[i+3]) * float64(width)
		y1 := float64(values[i+4]) * float64(height)
		x2 := float64(values[i+5]) * float64(width)
		y2 := float64(values[i+6]) * float64(height)
		box := iface.BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}.Clamp(width, height)
		if !box.Valid() {
			continue
		}
		best = &iface.Detection{Box: box, Confidence: score}
	}
	return best
}

func (d *Detector) finish() {
	d.mu.Lock()
	if d.State == BUSY {
		d.State = IDLE
	}
	d.mu.Unlock()
	d.idle.Broadcast()
}

// Close waits for a running forward pass before releasing the network.
func (d *Detector) Close() error {
	d.mu.Lock()
	defer d.mu.Unlock()
	for d.State == BUSY {
		d.idle.Wait()
	}
	if d.State == UNREGISTERED {
		return nil
	}
	var err error
	if d.State != REGISTERED {
		err = d.net.Close()
	}
	d.cfg = Config{}
	d.State = UNREGISTERED
	return err
}
