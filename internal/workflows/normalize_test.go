package workflows

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func pngImage(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		img.Set(x, h/2, color.RGBA{R: 200, A: 255})
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestNormalizeShrinksLongestSide(t *testing.T) {
	n := Normalizer{MaxDimension: 1024, JPEGQuality: 85}

	out, err := n.Normalize(pngImage(t, 2048, 1024))
	require.NoError(t, err)
	assert.Equal(t, 1024, out.Width)
	assert.Equal(t, 512, out.Height)

	cfg, format, err := image.DecodeConfig(bytes.NewReader(out.Data))
	require.NoError(t, err)
	assert.Equal(t, "jpeg", format)
	assert.Equal(t, 1024, cfg.Width)

	out, err = n.Normalize(pngImage(t, 600, 1800))
	require.NoError(t, err)
	assert.Equal(t, 1024, out.Height)
	assert.InDelta(t, 341, out.Width, 1)
}

func TestNormalizeNeverUpscales(t *testing.T) {
	n := Normalizer{MaxDimension: 1024, JPEGQuality: 85}
	out, err := n.Normalize(pngImage(t, 300, 200))
	require.NoError(t, err)
	assert.Equal(t, 300, out.Width)
	assert.Equal(t, 200, out.Height)

	_, err = jpeg.Decode(bytes.NewReader(out.Data))
	assert.NoError(t, err)
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	n := Normalizer{MaxDimension: 1024, JPEGQuality: 85}
	_, err := n.Normalize([]byte("definitely not an image"))
	assert.ErrorIs(t, err, ErrDecode)
}
