package camera

import (
	iface "FaceAuthClient/interface"
	"sync"

	"gocv.io/x/gocv"
)

// Static serves one still image as if it were a live camera. Used for
// headless runs and by tests.
type Static struct {
	path      string
	mu        sync.Mutex
	mat       gocv.Mat
	closed    bool
	closeOnce sync.Once
}

// OpenStatic loads path; an unreadable image is a *iface.DeviceError.
func OpenStatic(path string) (*Static, error) {
	mat := gocv.IMRead(path, gocv.IMReadColor)
	if mat.Empty() {
		_ = mat.Close()
		return nil, &iface.DeviceError{Device: path}
	}
	return &Static{path: path, mat: mat}, nil
}

// NewStatic wraps an existing Mat; the Static takes ownership of it.
func NewStatic(mat gocv.Mat) *Static {
	return &Static{path: "memory", mat: mat}
}

func (s *Static) IsReady() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return !s.closed
}

func (s *Static) Frame() iface.Frame {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	return NewMatFrame(s.mat.Clone())
}

func (s *Static) Close() error {
	var err error
	s.closeOnce.Do(func() {
		s.mu.Lock()
		defer s.mu.Unlock()
		s.closed = true
		err = s.mat.Close()
	})
	return err
}
