// Package imagesource turns uploaded or on-disk files into stockify.Image
// handles. Only JPEG and PNG are accepted; oversized images are downscaled
// before upload so each inference request stays small.
package imagesource

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/jpeg" // register decoders
	_ "image/png"
	"os"
	"path/filepath"

	"github.com/disintegration/imaging"

	"github.com/ineyio/stockify"
)

const (
	DefaultMaxBytes = 20 << 20
	DefaultMaxEdge  = 2048
)

var (
	ErrUnsupportedFormat = errors.New("imagesource: unsupported image format")
	ErrTooLarge          = errors.New("imagesource: image too large")
)

// Loader validates and normalizes images.
type Loader struct {
	maxBytes int64
	maxEdge  int
	quality  int
}

// Option configures Loader.
type Option func(*Loader)

// WithMaxBytes sets the largest accepted input size.
func WithMaxBytes(n int64) Option {
	return func(l *Loader) {
		if n > 0 {
			l.maxBytes = n
		}
	}
}

// WithMaxEdge sets the longest edge, in pixels, kept before downscaling.
// Zero disables downscaling.
func WithMaxEdge(px int) Option {
	return func(l *Loader) { l.maxEdge = px }
}

// WithJPEGQuality sets the quality used when re-encoding downscaled images.
func WithJPEGQuality(q int) Option {
	return func(l *Loader) { l.quality = q }
}

// NewLoader creates a Loader.
func NewLoader(opts ...Option) *Loader {
	l := &Loader{
		maxBytes: DefaultMaxBytes,
		maxEdge:  DefaultMaxEdge,
		quality:  85,
	}
	for _, opt := range opts {
		opt(l)
	}
	return l
}

// LoadFile reads and validates an image from disk.
func (l *Loader) LoadFile(path string) (stockify.Image, error) {
	info, err := os.Stat(path)
	if err != nil {
		return stockify.Image{}, fmt.Errorf("imagesource: stat %s: %w", path, err)
	}
	if info.Size() > l.maxBytes {
		return stockify.Image{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, filepath.Base(path), info.Size())
	}

	data, err := os.ReadFile(path)
	if err != nil {
		return stockify.Image{}, fmt.Errorf("imagesource: read %s: %w", path, err)
	}
	return l.Load(filepath.Base(path), data)
}

// Load validates data and returns an image handle named name.
func (l *Loader) Load(name string, data []byte) (stockify.Image, error) {
	if int64(len(data)) > l.maxBytes {
		return stockify.Image{}, fmt.Errorf("%w: %s is %d bytes", ErrTooLarge, name, len(data))
	}

	cfg, format, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return stockify.Image{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, name, err)
	}

	var mimeType string
	switch format {
	case "jpeg":
		mimeType = "image/jpeg"
	case "png":
		mimeType = "image/png"
	default:
		return stockify.Image{}, fmt.Errorf("%w: %s is %s", ErrUnsupportedFormat, name, format)
	}

	if l.maxEdge <= 0 || (cfg.Width <= l.maxEdge && cfg.Height <= l.maxEdge) {
		return stockify.Image{Name: name, MIMEType: mimeType, Data: data}, nil
	}

	img, err := imaging.Decode(bytes.NewReader(data), imaging.AutoOrientation(true))
	if err != nil {
		return stockify.Image{}, fmt.Errorf("%w: %s: %v", ErrUnsupportedFormat, name, err)
	}

	resized := imaging.Fit(img, l.maxEdge, l.maxEdge, imaging.Lanczos)

	var buf bytes.Buffer
	if err := imaging.Encode(&buf, resized, imaging.JPEG, imaging.JPEGQuality(l.quality)); err != nil {
		return stockify.Image{}, fmt.Errorf("imagesource: encode %s: %w", name, err)
	}
	return stockify.Image{Name: name, MIMEType: "image/jpeg", Data: buf.Bytes()}, nil
}

// LoadDir loads every JPEG and PNG file directly inside dir, in name order.
// Files that fail validation are reported in skipped and do not stop the walk.
func (l *Loader) LoadDir(dir string) (images []stockify.Image, skipped map[string]error, err error) {
	entries, err := os.ReadDir(dir)
	if err != nil {
		return nil, nil, fmt.Errorf("imagesource: read dir %s: %w", dir, err)
	}

	skipped = make(map[string]error)
	for _, e := range entries {
		if e.IsDir() || !IsImageName(e.Name()) {
			continue
		}
		img, err := l.LoadFile(filepath.Join(dir, e.Name()))
		if err != nil {
			skipped[e.Name()] = err
			continue
		}
		images = append(images, img)
	}
	return images, skipped, nil
}

// IsImageName reports whether name has a JPEG or PNG extension.
func IsImageName(name string) bool {
	switch filepath.Ext(name) {
	case ".jpg", ".jpeg", ".JPG", ".JPEG", ".png", ".PNG":
		return true
	}
	return false
}
