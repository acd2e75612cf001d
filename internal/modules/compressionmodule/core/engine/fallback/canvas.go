package fallback

import (
	"bytes"
	"image"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/draw"

	"github.com/mantonx/clipshrink/internal/modules/compressionmodule/types"
)

// Poster defaults
const (
	PosterMaxSize = 640
	PosterQuality = 80
)

// Canvas is the drawing surface frames are rasterized onto
type Canvas struct {
	img *image.RGBA
}

// NewCanvas allocates a canvas of the given size
func NewCanvas(size types.Dimensions) *Canvas {
	return &Canvas{img: image.NewRGBA(image.Rect(0, 0, size.Width, size.Height))}
}

// Draw scales src over the whole canvas
func (c *Canvas) Draw(src image.Image) {
	if src.Bounds().Eq(c.img.Bounds()) {
		draw.Draw(c.img, c.img.Bounds(), src, src.Bounds().Min, draw.Src)
		return
	}
	draw.ApproxBiLinear.Scale(c.img, c.img.Bounds(), src, src.Bounds(), draw.Src, nil)
}

// Image returns the backing raster. It is overwritten by the next Draw.
func (c *Canvas) Image() *image.RGBA {
	return c.img
}

// Snapshot copies the current raster
func (c *Canvas) Snapshot() *image.RGBA {
	cp := image.NewRGBA(c.img.Bounds())
	copy(cp.Pix, c.img.Pix)
	return cp
}

// EncodePoster renders a WebP still no larger than maxSize on either side
func EncodePoster(img image.Image, maxSize int, quality float32) ([]byte, error) {
	if maxSize <= 0 {
		maxSize = PosterMaxSize
	}
	thumb := imaging.Fit(img, maxSize, maxSize, imaging.Lanczos)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, thumb, &webp.Options{Quality: quality}); err != nil {
		return nil, err
	}
	return buf.Bytes(), nil
}
