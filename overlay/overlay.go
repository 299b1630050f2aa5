package overlay

import (
	iface "FaceAuthClient/interface"
	"image"
	"image/color"
	"sync"
	"time"

	"gocv.io/x/gocv"
)

const NoFaceLabel = "No face detected"

var tones = map[iface.Tone]color.RGBA{
	iface.ToneNeutral:  {R: 0, G: 160, B: 255, A: 255},
	iface.TonePositive: {R: 0, G: 200, B: 80, A: 255},
	iface.ToneNegative: {R: 230, G: 40, B: 40, A: 255},
}

type mat interface {
	Mat() gocv.Mat
}

// Preview is the last rendered overlay.
type Preview struct {
	JPEG    []byte
	Label   string
	Tone    iface.Tone
	Box     *iface.BoundingBox
	Updated time.Time
}

// Renderer draws detection boxes on a viewport sized copy of the frame and
// keeps the latest result as a JPEG preview.
type Renderer struct {
	viewW, viewH int
	quality      int

	mu   sync.Mutex
	base gocv.Mat
	last Preview
}

func New(viewW, viewH, quality int) *Renderer {
	if quality <= 0 || quality > 100 {
		quality = 80
	}
	return &Renderer{viewW: viewW, viewH: viewH, quality: quality, base: gocv.NewMat()}
}

func (r *Renderer) Draw(frame iface.Frame, box iface.BoundingBox, label string, tone iface.Tone) {
	fw, fh := frame.Size()
	vbox := box.ToViewport(fw, fh, r.viewW, r.viewH)

	r.mu.Lock()
	defer r.mu.Unlock()
	fresh := r.loadBase(frame)
	var jpeg []byte
	if fresh {
		jpeg = r.encode(func(canvas *gocv.Mat) { drawBox(canvas, vbox, label, tone) })
	}
	r.store(Preview{JPEG: jpeg, Label: label, Tone: tone, Box: &vbox})
}

func (r *Renderer) NoFace(frame iface.Frame) {
	r.mu.Lock()
	defer r.mu.Unlock()
	var jpeg []byte
	if r.loadBase(frame) {
		jpeg = r.encode(func(canvas *gocv.Mat) {
			gocv.PutText(canvas, NoFaceLabel, image.Pt(12, 28), gocv.FontHersheySimplex, 0.7, tones[iface.ToneNegative], 2)
		})
	}
	r.store(Preview{JPEG: jpeg, Label: NoFaceLabel, Tone: iface.ToneNegative})
}

// Mark relabels the last rectangle on the last frame.
func (r *Renderer) Mark(label string, tone iface.Tone) {
	r.mu.Lock()
	defer r.mu.Unlock()
	box := r.last.Box
	var jpeg []byte
	if box != nil && !r.base.Empty() {
		b := *box
		jpeg = r.encode(func(canvas *gocv.Mat) { drawBox(canvas, b, label, tone) })
	}
	r.store(Preview{JPEG: jpeg, Label: label, Tone: tone, Box: box})
}

// Last returns a copy of the latest preview.
func (r *Renderer) Last() Preview {
	r.mu.Lock()
	defer r.mu.Unlock()
	p := r.last
	if p.Box != nil {
		b := *p.Box
		p.Box = &b
	}
	return p
}

func (r *Renderer) Close() error {
	r.mu.Lock()
	defer r.mu.Unlock()
	return r.base.Close()
}

func drawBox(canvas *gocv.Mat, box iface.BoundingBox, label string, tone iface.Tone) {
	c := tones[tone]
	rect := box.Rect()
	gocv.Rectangle(canvas, rect, c, 2)
	org := image.Pt(rect.Min.X, rect.Min.Y-8)
	if org.Y < 16 {
		org.Y = rect.Max.Y + 20
	}
	gocv.PutText(canvas, label, org, gocv.FontHersheySimplex, 0.6, c, 2)
}

// store keeps the previous image for frames that could not be rendered.
func (r *Renderer) store(p Preview) {
	p.Updated = time.Now()
	if p.JPEG == nil {
		p.JPEG = r.last.JPEG
	}
	r.last = p
}

// loadBase copies the frame, resized to the viewport, into base. It reports
// false for frames without pixels.
func (r *Renderer) loadBase(frame iface.Frame) bool {
	m, ok := frame.(mat)
	if !ok {
		return false
	}
	src := m.Mat()
	if src.Empty() {
		return false
	}
	if r.viewW > 0 && r.viewH > 0 {
		gocv.Resize(src, &r.base, image.Pt(r.viewW, r.viewH), 0, 0, gocv.InterpolationLinear)
	} else {
		src.CopyTo(&r.base)
	}
	return true
}

func (r *Renderer) encode(draw func(canvas *gocv.Mat)) []byte {
	canvas := r.base.Clone()
	defer canvas.Close()
	draw(&canvas)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, canvas, []int{gocv.IMWriteJpegQuality, r.quality})
	if err != nil {
		return nil
	}
	defer buf.Close()
	out := make([]byte, buf.Len())
	copy(out, buf.GetBytes())
	return out
}
