package capture

import (
	"FaceAuthClient/camera"
	iface "FaceAuthClient/interface"
	"image"
	"math/rand"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"gocv.io/x/gocv"
)

func TestRegion(t *testing.T) {
	tests := []struct {
		name     string
		box      iface.BoundingBox
		w, h     int
		padding  float64
		wantRect image.Rectangle
		wantSize int
		wantErr  bool
	}{
		{
			name:     "centered",
			box:      iface.BoundingBox{X: 100, Y: 100, Width: 100, Height: 50},
			w:        640,
			h:        480,
			padding:  0.2,
			wantRect: image.Rect(90, 65, 210, 185),
			wantSize: 120,
		},
		{
			name:     "no padding",
			box:      iface.BoundingBox{X: 10, Y: 10, Width: 20, Height: 40},
			w:        100,
			h:        100,
			padding:  0,
			wantRect: image.Rect(0, 10, 40, 50),
			wantSize: 40,
		},
		{
			name:     "clamped at bottom right",
			box:      iface.BoundingBox{X: 560, Y: 400, Width: 80, Height: 80},
			w:        640,
			h:        480,
			padding:  0.5,
			wantRect: image.Rect(540, 380, 640, 480),
			wantSize: 120,
		},
		{
			name:    "outside frame",
			box:     iface.BoundingBox{X: 900, Y: 900, Width: 50, Height: 50},
			w:       640,
			h:       480,
			padding: 0.2,
			wantErr: true,
		},
		{
			name:    "degenerate box",
			box:     iface.BoundingBox{X: 10, Y: 10},
			w:       640,
			h:       480,
			padding: 0.2,
			wantErr: true,
		},
		{
			name:    "empty frame",
			box:     iface.BoundingBox{X: 0, Y: 0, Width: 10, Height: 10},
			w:       0,
			h:       0,
			padding: 0.2,
			wantErr: true,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			rect, size, err := Region(tt.box, tt.w, tt.h, tt.padding)
			if tt.wantErr {
				assert.ErrorIs(t, err, ErrCropGeometry)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.wantRect, rect)
			assert.Equal(t, tt.wantSize, size)
		})
	}
}

func TestRegion_AlwaysInsideFrame(t *testing.T) {
	rng := rand.New(rand.NewSource(7))
	for i := 0; i < 5000; i++ {
		w, h := 1+rng.Intn(800), 1+rng.Intn(800)
		box := iface.BoundingBox{
			X:      rng.Float64()*1200 - 200,
			Y:      rng.Float64()*1200 - 200,
			Width:  rng.Float64() * 400,
			Height: rng.Float64() * 400,
		}
		rect, size, err := Region(box, w, h, rng.Float64())
		if err != nil {
			require.ErrorIs(t, err, ErrCropGeometry)
			continue
		}
		require.True(t, rect.Min.X >= 0 && rect.Min.Y >= 0, "rect %v", rect)
		require.True(t, rect.Max.X <= w && rect.Max.Y <= h, "rect %v in %dx%d", rect, w, h)
		require.True(t, rect.Dx() > 0 && rect.Dy() > 0)
		require.True(t, rect.Dx() <= size && rect.Dy() <= size)
	}
}

func TestEngine_Crop(t *testing.T) {
	mat := gocv.NewMatWithSizeFromScalar(gocv.NewScalar(30, 60, 90, 0), 240, 320, gocv.MatTypeCV8UC3)
	frame := camera.NewMatFrame(mat)
	defer frame.Close()

	e := New(0.2, 90)
	img, err := e.Crop(frame, iface.BoundingBox{X: 100, Y: 60, Width: 100, Height: 100})
	require.NoError(t, err)
	assert.Equal(t, MimeJPEG, img.MimeType)
	require.NotEmpty(t, img.Data)
	// JPEG SOI marker
	assert.Equal(t, []byte{0xFF, 0xD8}, img.Data[:2])

	decoded, err := gocv.IMDecode(img.Data, gocv.IMReadColor)
	require.NoError(t, err)
	defer decoded.Close()
	assert.Equal(t, 120, decoded.Cols())
	assert.Equal(t, 120, decoded.Rows())
}

func TestEngine_CropOutsideFrame(t *testing.T) {
	mat := gocv.NewMatWithSize(100, 100, gocv.MatTypeCV8UC3)
	frame := camera.NewMatFrame(mat)
	defer frame.Close()

	img, err := New(0.2, 92).Crop(frame, iface.BoundingBox{X: 500, Y: 500, Width: 20, Height: 20})
	assert.ErrorIs(t, err, ErrCropGeometry)
	assert.Nil(t, img)
}

type bareFrame struct{}

func (bareFrame) Size() (int, int) { return 1, 1 }
func (bareFrame) Close() error     { return nil }

func TestEngine_CropUnsupportedFrame(t *testing.T) {
	_, err := New(0.2, 0).Crop(bareFrame{}, iface.BoundingBox{Width: 1, Height: 1})
	assert.Error(t, err)
}

func TestNew_Defaults(t *testing.T) {
	e := New(-1, 0)
	assert.Equal(t, DefaultPadding, e.Padding)
	assert.Equal(t, DefaultQuality, e.Quality)

	e = New(0, 70)
	assert.Zero(t, e.Padding)
	assert.Equal(t, 70, e.Quality)
}
