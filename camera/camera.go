package camera

import (
	iface "FaceAuthClient/interface"
	"sync"
	"sync/atomic"
	"time"

	"go.uber.org/zap"
	"gocv.io/x/gocv"
)

// Constraints mirrors the getUserMedia video constraints the kiosk asks for.
type Constraints struct {
	Device string
	Width  int
	Height int
	FPS    int
}

// MatFrame is a Frame backed by its own gocv.Mat.
type MatFrame struct {
	mat       gocv.Mat
	closeOnce sync.Once
}

func NewMatFrame(mat gocv.Mat) *MatFrame {
	return &MatFrame{mat: mat}
}

func (f *MatFrame) Size() (int, int) {
	return f.mat.Cols(), f.mat.Rows()
}

func (f *MatFrame) Mat() gocv.Mat {
	return f.mat
}

func (f *MatFrame) Close() error {
	var err error
	f.closeOnce.Do(func() {
		err = f.mat.Close()
	})
	return err
}

// Camera owns a capture device. A reader goroutine keeps only the most
// recent frame; Frame hands out clones so callers never share pixels with
// the reader.
type Camera struct {
	device  string
	capture *gocv.VideoCapture
	log     *zap.Logger

	mu       sync.Mutex
	latest   gocv.Mat
	hasFrame bool
	fresh    bool

	ready atomic.Bool
	reads atomic.Uint64
	drops atomic.Uint64

	cancel    chan struct{}
	done      chan struct{}
	closeOnce sync.Once
}

// Open acquires the device. Any failure is a *iface.DeviceError.
func Open(c Constraints, log *zap.Logger) (*Camera, error) {
	if log == nil {
		log = zap.NewNop()
	}
	vc, err := gocv.OpenVideoCapture(c.Device)
	if err != nil {
		return nil, &iface.DeviceError{Device: c.Device, Err: err}
	}
	if !vc.IsOpened() {
		_ = vc.Close()
		return nil, &iface.DeviceError{Device: c.Device}
	}
	if c.Width > 0 {
		vc.Set(gocv.VideoCaptureFrameWidth, float64(c.Width))
	}
	if c.Height > 0 {
		vc.Set(gocv.VideoCaptureFrameHeight, float64(c.Height))
	}
	if c.FPS > 0 {
		vc.Set(gocv.VideoCaptureFPS, float64(c.FPS))
	}

	cam := &Camera{
		device:  c.Device,
		capture: vc,
		log:     log.Named("camera"),
		latest:  gocv.NewMat(),
		cancel:  make(chan struct{}),
		done:    make(chan struct{}),
	}
	go cam.readLoop()
	cam.log.Info("camera opened", zap.String("device", c.Device),
		zap.Float64("width", vc.Get(gocv.VideoCaptureFrameWidth)),
		zap.Float64("height", vc.Get(gocv.VideoCaptureFrameHeight)))
	return cam, nil
}

func (c *Camera) readLoop() {
	defer close(c.done)
	mat := gocv.NewMat()
	defer mat.Close()
	failures := 0
	for {
		select {
		case <-c.cancel:
			return
		default:
		}
		if ok := c.capture.Read(&mat); !ok || mat.Empty() {
			failures++
			if failures == 50 {
				c.log.Warn("camera is not producing frames", zap.String("device", c.device))
			}
			select {
			case <-c.cancel:
				return
			case <-time.After(20 * time.Millisecond):
			}
			continue
		}
		failures = 0
		c.reads.Add(1)

		c.mu.Lock()
		if c.fresh {
			// previous frame was never picked up
			c.drops.Add(1)
		}
		mat.CopyTo(&c.latest)
		c.hasFrame = true
		c.fresh = true
		c.mu.Unlock()
		c.ready.Store(true)
	}
}

func (c *Camera) IsReady() bool {
	return c.ready.Load()
}

// Frame returns a clone of the latest frame, or nil before the first one.
func (c *Camera) Frame() iface.Frame {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.hasFrame {
		return nil
	}
	c.fresh = false
	return NewMatFrame(c.latest.Clone())
}

// Stats returns frames read and frames overwritten before anyone asked for them.
func (c *Camera) Stats() (reads, drops uint64) {
	return c.reads.Load(), c.drops.Load()
}

// Close stops the reader and releases the device. Safe to call repeatedly.
func (c *Camera) Close() error {
	var err error
	c.closeOnce.Do(func() {
		close(c.cancel)
		<-c.done
		c.ready.Store(false)
		err = c.capture.Close()
		c.mu.Lock()
		_ = c.latest.Close()
		c.hasFrame = false
		c.mu.Unlock()
		reads, drops := c.Stats()
		c.log.Info("camera released", zap.String("device", c.device),
			zap.Uint64("frames", reads), zap.Uint64("unread", drops))
	})
	return err
}
