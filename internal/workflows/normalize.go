package workflows

import (
	"bytes"
	"fmt"

	"github.com/disintegration/imaging"
)

// Normalizer bounds image size and re-encodes everything as JPEG so stored
// photos and face index input are uniform.
type Normalizer struct {
	MaxDimension int
	JPEGQuality  int
}

// Normalized is a re-encoded image
type Normalized struct {
	Data   []byte
	Width  int
	Height int
}

// Normalize decodes data honoring EXIF orientation, fits it within
// MaxDimension x MaxDimension keeping the aspect ratio (never upscaling) and
// encodes it as JPEG.
func (n Normalizer) Normalize(data []byte) (*Normalized, error) {
	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return nil, fmt.Errorf("%w: %v", ErrDecode, err)
	}

	bounds := img.Bounds()
	if bounds.Dx() > n.MaxDimension || bounds.Dy() > n.MaxDimension {
		img = imaging.Fit(img, n.MaxDimension, n.MaxDimension, imaging.Lanczos)
	}

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, img, imaging.JPEG, imaging.JPEGQuality(n.JPEGQuality)); err != nil {
		return nil, fmt.Errorf("JPEG encode failed: %w", err)
	}

	out := img.Bounds()
	return &Normalized{Data: buf.Bytes(), Width: out.Dx(), Height: out.Dy()}, nil
}
