package capture

import (
	iface "FaceAuthClient/interface"
	"errors"
	"fmt"
	"image"
	"math"

	"gocv.io/x/gocv"
)

const (
	DefaultPadding = 0.2
	DefaultQuality = 92
	MimeJPEG       = "image/jpeg"
)

// ErrCropGeometry means the padded square does not intersect the frame.
var ErrCropGeometry = errors.New("crop region is empty")

// Region computes the square crop around box. The returned rectangle is the
// part of the square inside the frame; size is the edge of the square the
// region is scaled into.
func Region(box iface.BoundingBox, width, height int, padding float64) (image.Rectangle, int, error) {
	if padding < 0 {
		padding = 0
	}
	size := int(math.Round(math.Max(box.Width, box.Height) * (1 + padding)))
	if size <= 0 || width <= 0 || height <= 0 {
		return image.Rectangle{}, 0, ErrCropGeometry
	}
	cx, cy := box.Center()
	x0 := int(math.Round(cx - float64(size)/2))
	y0 := int(math.Round(cy - float64(size)/2))
	square := image.Rect(x0, y0, x0+size, y0+size)

	src := square.Intersect(image.Rect(0, 0, width, height))
	if src.Dx() <= 0 || src.Dy() <= 0 {
		return image.Rectangle{}, 0, ErrCropGeometry
	}
	return src, size, nil
}

type mat interface {
	Mat() gocv.Mat
}

// Engine crops and JPEG-encodes face regions.
type Engine struct {
	Padding float64
	Quality int
}

func New(padding float64, quality int) *Engine {
	if padding < 0 {
		padding = DefaultPadding
	}
	if quality <= 0 || quality > 100 {
		quality = DefaultQuality
	}
	return &Engine{Padding: padding, Quality: quality}
}

func (e *Engine) Crop(frame iface.Frame, box iface.BoundingBox) (*iface.CapturedImage, error) {
	m, ok := frame.(mat)
	if !ok {
		return nil, fmt.Errorf("crop: unsupported frame type %T", frame)
	}
	src := m.Mat()
	rect, size, err := Region(box, src.Cols(), src.Rows(), e.Padding)
	if err != nil {
		return nil, err
	}

	region := src.Region(rect)
	defer region.Close()
	dst := gocv.NewMat()
	defer dst.Close()
	gocv.Resize(region, &dst, image.Pt(size, size), 0, 0, gocv.InterpolationLinear)

	buf, err := gocv.IMEncodeWithParams(gocv.JPEGFileExt, dst, []int{gocv.IMWriteJpegQuality, e.Quality})
	if err != nil {
		return nil, fmt.Errorf("encode crop: %w", err)
	}
	defer buf.Close()
	data := make([]byte, buf.Len())
	copy(data, buf.GetBytes())
	if len(data) == 0 {
		return nil, fmt.Errorf("encode crop: empty output")
	}
	return &iface.CapturedImage{Data: data, MimeType: MimeJPEG}, nil
}
