package keypoints

import (
	"fmt"
	"image"

	"github.com/e7canasta/orion-posture/internal/capture"
	"github.com/e7canasta/orion-posture/internal/types"
	"golang.org/x/image/draw"
	"golang.org/x/image/math/f64"
)

// Image is a packed RGB24 image ready for the model
type Image struct {
	Width  int
	Height int
	Data   []byte
}

// Preprocess rotates the frame clockwise by rotation and scales it so the
// longest side is at most maxSide (0 keeps the size). Rotation is exact;
// scaling is bilinear.
func Preprocess(frame types.Frame, rotation capture.Rotation, maxSide int) (Image, error) {
	src, err := rgbToImage(frame.Data, frame.Width, frame.Height)
	if err != nil {
		return Image{}, err
	}

	rotated := rotate(src, rotation)

	out := rotated
	if maxSide > 0 {
		w, h := fitWithin(rotated.Bounds().Dx(), rotated.Bounds().Dy(), maxSide)
		if w != rotated.Bounds().Dx() || h != rotated.Bounds().Dy() {
			scaled := image.NewRGBA(image.Rect(0, 0, w, h))
			draw.BiLinear.Scale(scaled, scaled.Bounds(), rotated, rotated.Bounds(), draw.Src, nil)
			out = scaled
		}
	}

	return imageToRGB(out), nil
}

func rgbToImage(data []byte, width, height int) (*image.RGBA, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("invalid frame size %dx%d", width, height)
	}
	if len(data) != width*height*3 {
		return nil, fmt.Errorf("frame data is %d bytes, want %d for %dx%d RGB24",
			len(data), width*height*3, width, height)
	}

	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for i, j := 0, 0; i < len(data); i, j = i+3, j+4 {
		img.Pix[j] = data[i]
		img.Pix[j+1] = data[i+1]
		img.Pix[j+2] = data[i+2]
		img.Pix[j+3] = 0xff
	}
	return img, nil
}

func imageToRGB(img *image.RGBA) Image {
	b := img.Bounds()
	out := Image{
		Width:  b.Dx(),
		Height: b.Dy(),
		Data:   make([]byte, b.Dx()*b.Dy()*3),
	}

	i := 0
	for y := b.Min.Y; y < b.Max.Y; y++ {
		row := img.Pix[img.PixOffset(b.Min.X, y):]
		for x := 0; x < b.Dx(); x++ {
			out.Data[i] = row[x*4]
			out.Data[i+1] = row[x*4+1]
			out.Data[i+2] = row[x*4+2]
			i += 3
		}
	}
	return out
}

// rotate applies a clockwise rotation with an exact affine transform
func rotate(src *image.RGBA, rotation capture.Rotation) *image.RGBA {
	w := float64(src.Bounds().Dx())
	h := float64(src.Bounds().Dy())

	var (
		m   f64.Aff3
		dst *image.RGBA
	)

	switch rotation {
	case capture.Rotate90:
		m = f64.Aff3{0, -1, h, 1, 0, 0}
		dst = image.NewRGBA(image.Rect(0, 0, int(h), int(w)))
	case capture.Rotate180:
		m = f64.Aff3{-1, 0, w, 0, -1, h}
		dst = image.NewRGBA(image.Rect(0, 0, int(w), int(h)))
	case capture.Rotate270:
		m = f64.Aff3{0, 1, 0, -1, 0, w}
		dst = image.NewRGBA(image.Rect(0, 0, int(h), int(w)))
	default:
		return src
	}

	draw.NearestNeighbor.Transform(dst, m, src, src.Bounds(), draw.Src, nil)
	return dst
}

// fitWithin scales (w, h) down so that max(w, h) <= maxSide
func fitWithin(w, h, maxSide int) (int, int) {
	longest := w
	if h > longest {
		longest = h
	}
	if longest <= maxSide {
		return w, h
	}

	nw := w * maxSide / longest
	nh := h * maxSide / longest
	if nw < 1 {
		nw = 1
	}
	if nh < 1 {
		nh = 1
	}
	return nw, nh
}
