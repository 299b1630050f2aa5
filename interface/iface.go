package iface

import (
	"context"
	"errors"
	"fmt"
	"time"
)

var (
	ErrDevice       = errors.New("camera device unavailable")
	ErrConnection   = errors.New("session connection failed")
	ErrNotConnected = errors.New("session not connected")
)

// DeviceError is returned when the camera cannot be opened.
type DeviceError struct {
	Device string
	Err    error
}

func (e *DeviceError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("camera %s: %v", e.Device, ErrDevice)
	}
	return fmt.Sprintf("camera %s: %v: %v", e.Device, ErrDevice, e.Err)
}

func (e *DeviceError) Unwrap() []error { return []error{ErrDevice, e.Err} }

// ConnectionError is returned when the session cannot be (re)established
// within the retry budget.
type ConnectionError struct {
	URL      string
	Attempts int
	Err      error
}

func (e *ConnectionError) Error() string {
	return fmt.Sprintf("connect %s: giving up after %d attempts: %v", e.URL, e.Attempts, e.Err)
}

func (e *ConnectionError) Unwrap() []error { return []error{ErrConnection, e.Err} }

// Frame is a raster snapshot owned by whoever received it; Close releases it.
type Frame interface {
	Size() (width, height int)
	Close() error
}

// VideoSource owns the camera stream.
type VideoSource interface {
	IsReady() bool
	// Frame returns the latest frame or nil when nothing was produced yet.
	Frame() Frame
	Close() error
}

// Detector returns the best face in a frame, or nil when there is none.
type Detector interface {
	Detect(ctx context.Context, frame Frame) (*Detection, error)
	Close() error
}

// Cropper turns a frame region into an encoded image.
type Cropper interface {
	Crop(frame Frame, box BoundingBox) (*CapturedImage, error)
}

// Overlay renders the detection affordances the user sees.
type Overlay interface {
	// Draw shows a rectangle and label; positive selects the confirmation style.
	Draw(frame Frame, box BoundingBox, label string, tone Tone)
	// NoFace clears the rectangle and shows the "no face" affordance.
	NoFace(frame Frame)
	// Mark redraws the last rectangle with a new label, e.g. once the server
	// answered.
	Mark(label string, tone Tone)
}

type Tone int

const (
	ToneNeutral Tone = iota
	TonePositive
	ToneNegative
)

// Store persists the signed-in identity.
type Store interface {
	SaveIdentity(ctx context.Context, user, role string) error
	ClearIdentity(ctx context.Context) error
	Identity(ctx context.Context) (user, role string, err error)
}

// LoginRecorder is the best-effort login-time log.
type LoginRecorder interface {
	LogLogin(ctx context.Context, username string, at time.Time) error
}

// Registrar uploads a new account face.
type Registrar interface {
	Register(ctx context.Context, name, role string, img *CapturedImage) error
}

// Navigator reacts to terminal flow states.
type Navigator interface {
	Navigate(destination string)
}
