package imagesource_test

import (
	"bytes"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/ineyio/stockify/imagesource"
)

func makePNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for x := 0; x < w; x++ {
		for y := 0; y < h; y++ {
			img.Set(x, y, color.RGBA{R: uint8(x), G: uint8(y), B: 128, A: 255})
		}
	}
	var buf bytes.Buffer
	require.NoError(t, png.Encode(&buf, img))
	return buf.Bytes()
}

func TestLoad_SmallPNGPassesThrough(t *testing.T) {
	data := makePNG(t, 16, 8)
	l := imagesource.NewLoader()

	img, err := l.Load("tiny.png", data)
	require.NoError(t, err)
	assert.Equal(t, "tiny.png", img.Name)
	assert.Equal(t, "image/png", img.MIMEType)
	assert.Equal(t, data, img.Data)
}

func TestLoad_DownscalesLargeImage(t *testing.T) {
	data := makePNG(t, 200, 100)
	l := imagesource.NewLoader(imagesource.WithMaxEdge(50))

	img, err := l.Load("wide.png", data)
	require.NoError(t, err)
	assert.Equal(t, "image/jpeg", img.MIMEType)

	cfg, err := jpeg.DecodeConfig(bytes.NewReader(img.Data))
	require.NoError(t, err)
	assert.Equal(t, 50, cfg.Width)
	assert.Equal(t, 25, cfg.Height)
}

func TestLoad_RejectsUnsupported(t *testing.T) {
	l := imagesource.NewLoader()

	_, err := l.Load("notes.txt", []byte("hello"))
	assert.ErrorIs(t, err, imagesource.ErrUnsupportedFormat)
}

func TestLoad_RejectsTooLarge(t *testing.T) {
	data := makePNG(t, 16, 16)
	l := imagesource.NewLoader(imagesource.WithMaxBytes(10))

	_, err := l.Load("big.png", data)
	assert.ErrorIs(t, err, imagesource.ErrTooLarge)
}

func TestLoadDir(t *testing.T) {
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "b.png"), makePNG(t, 4, 4), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "a.png"), makePNG(t, 4, 4), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "broken.jpg"), []byte("not an image"), 0o644))
	require.NoError(t, os.WriteFile(filepath.Join(dir, "readme.md"), []byte("# hi"), 0o644))

	images, skipped, err := imagesource.NewLoader().LoadDir(dir)
	require.NoError(t, err)

	require.Len(t, images, 2)
	assert.Equal(t, "a.png", images[0].Name)
	assert.Equal(t, "b.png", images[1].Name)
	assert.Len(t, skipped, 1)
	assert.ErrorIs(t, skipped["broken.jpg"], imagesource.ErrUnsupportedFormat)
}

func TestIsImageName(t *testing.T) {
	assert.True(t, imagesource.IsImageName("a.jpg"))
	assert.True(t, imagesource.IsImageName("a.PNG"))
	assert.False(t, imagesource.IsImageName("a.gif"))
}
