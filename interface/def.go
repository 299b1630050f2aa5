package iface

import (
	"encoding/base64"
	"image"
	"math"
)

// ConfidenceThreshold is the minimum detection confidence, in percent,
// required before a face image is eligible for transmission.
const ConfidenceThreshold = 90.0

// BoundingBox is a rectangle in frame-pixel coordinates.
type BoundingBox struct {
	X      float64 `json:"x"`
	Y      float64 `json:"y"`
	Width  float64 `json:"width"`
	Height float64 `json:"height"`
}

func (b BoundingBox) Valid() bool {
	return b.Width > 0 && b.Height > 0
}

func (b BoundingBox) Center() (float64, float64) {
	return b.X + b.Width/2, b.Y + b.Height/2
}

// Clamp intersects the box with [0,w)x[0,h). The result may be invalid
// when the box lies entirely outside the frame.
func (b BoundingBox) Clamp(w, h int) BoundingBox {
	x1 := math.Max(b.X, 0)
	y1 := math.Max(b.Y, 0)
	x2 := math.Min(b.X+b.Width, float64(w))
	y2 := math.Min(b.Y+b.Height, float64(h))
	return BoundingBox{X: x1, Y: y1, Width: x2 - x1, Height: y2 - y1}
}

// Scale maps the box into another coordinate space, e.g. from the camera
// frame to the displayed viewport.
func (b BoundingBox) Scale(sx, sy float64) BoundingBox {
	return BoundingBox{X: b.X * sx, Y: b.Y * sy, Width: b.Width * sx, Height: b.Height * sy}
}

// ToViewport clamps the box to a fw x fh frame and maps it onto a vw x vh
// viewport. A zero viewport keeps frame coordinates.
func (b BoundingBox) ToViewport(fw, fh, vw, vh int) BoundingBox {
	c := b.Clamp(fw, fh)
	if vw <= 0 || vh <= 0 || fw <= 0 || fh <= 0 {
		return c
	}
	return c.Scale(float64(vw)/float64(fw), float64(vh)/float64(fh))
}

func (b BoundingBox) Rect() image.Rectangle {
	return image.Rect(int(b.X), int(b.Y), int(b.X+b.Width), int(b.Y+b.Height))
}

// Detection is one detector result: a box and a score in [0,1].
type Detection struct {
	Box        BoundingBox `json:"box"`
	Confidence float64     `json:"confidence"`
}

// Percent returns the confidence as a percentage rounded to two decimals.
func (d Detection) Percent() float64 {
	return math.Round(d.Confidence*10000) / 100
}

// IsHigh reports whether the rounded percentage reaches the threshold.
func (d Detection) IsHigh() bool {
	return d.Percent() >= ConfidenceThreshold
}

// CapturedImage is an encoded face crop ready for a single emission.
type CapturedImage struct {
	Data     []byte
	MimeType string
}

func (c *CapturedImage) Base64() string {
	return base64.StdEncoding.EncodeToString(c.Data)
}

// DataURL renders the image the way browser canvases do.
func (c *CapturedImage) DataURL() string {
	return "data:" + c.MimeType + ";base64," + c.Base64()
}

type SessionState int

const (
	SessionIdle SessionState = iota
	SessionConnecting
	SessionOpen
	SessionClosed
	SessionFailed
)

func (s SessionState) String() string {
	switch s {
	case SessionIdle:
		return "idle"
	case SessionConnecting:
		return "connecting"
	case SessionOpen:
		return "open"
	case SessionClosed:
		return "closed"
	case SessionFailed:
		return "failed"
	}
	return "unknown"
}

// AuthenticateRequest is the payload of the client "authenticate" event.
type AuthenticateRequest struct {
	Image    string `json:"image"`
	Action   string `json:"action,omitempty"`
	Username string `json:"username,omitempty"`
}

const ActionDelete = "delete"

const DefaultRole = "user"

type AuthKind int

const (
	AuthSuccess AuthKind = iota + 1
	AuthUnknown
	AuthError
)

// AuthResponse is a decoded "auth_response" event.
type AuthResponse struct {
	Kind   AuthKind
	Name   string
	Role   string
	Reason string
}

type DeleteKind int

const (
	DeleteDeleted DeleteKind = iota + 1
	DeleteFailed
)

// DeleteResponse is a decoded "delete_response" event.
type DeleteResponse struct {
	Kind   DeleteKind
	Name   string
	Reason string
}
