// Package proof turns a raw capture into the tamper-evident photo that
// accompanies an attendance record: plausibility checks, resize,
// watermark burn-in, lossy re-encode, then a digest of the final bytes.
// The stage order is fixed because the hash must attest to exactly what
// is stored.
package proof

import (
	"bytes"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"image"
	"image/color"
	"image/draw"
	"image/jpeg"
	"image/png"
	"net/http"
	"strings"

	"github.com/chai2010/webp"
	"github.com/disintegration/imaging"
	"golang.org/x/image/font"
	"golang.org/x/image/font/basicfont"
	"golang.org/x/image/math/fixed"
)

const (
	// maxDimension bounds the long edge after resize.
	maxDimension = 1280
	// minDimension rejects sources below a plausible camera floor.
	minDimension = 400
	// Aspect ratio bounds against screenshots and fabricated frames.
	maxAspect = 2.5
	minAspect = 0.4
	// minInputBytes rejects captures too small to be a real photo.
	minInputBytes = 20 * 1024
	// webpQuality is a fixed size/fidelity tradeoff so proofs stay
	// comparably sized; deliberately not per-call configurable.
	webpQuality = 75

	watermarkStamp = "SAKATO SECURE CAM"
)

// ErrImplausible marks a capture that failed the plausibility
// heuristics. These are app-level abuse checks, recoverable by
// retaking the photo.
var ErrImplausible = errors.New("implausible capture")

// Meta is the watermark content burned into the proof pixels. All
// fields are part of the deterministic input: the same source bytes
// with the same Meta always produce byte-identical output.
type Meta struct {
	EventName string
	UserName  string
	Timestamp string
	GPS       string
	Device    string
}

// Image is the finished proof.
type Image struct {
	Blob      []byte
	Hash      string // hex SHA-256 of Blob
	SizeBytes int
	Width     int
	Height    int
}

// Process runs the full pipeline on a raw capture. Any failure aborts
// the attempt; no partially processed proof is ever returned.
func Process(raw []byte, meta Meta) (*Image, error) {
	if len(raw) < minInputBytes {
		return nil, fmt.Errorf("capture is %d bytes, below the %dKB floor: %w", len(raw), minInputBytes/1024, ErrImplausible)
	}

	src, err := decode(raw)
	if err != nil {
		return nil, fmt.Errorf("decode capture: %w", err)
	}

	bounds := src.Bounds()
	w, h := bounds.Dx(), bounds.Dy()
	if w < minDimension || h < minDimension {
		return nil, fmt.Errorf("resolution %dx%d is below the %dpx floor: %w", w, h, minDimension, ErrImplausible)
	}
	ratio := float64(w) / float64(h)
	if ratio > maxAspect || ratio < minAspect {
		return nil, fmt.Errorf("aspect ratio %.2f outside plausible camera range: %w", ratio, ErrImplausible)
	}

	// Fit never upscales, so sources already under the cap pass through
	// at their native size.
	resized := imaging.Fit(src, maxDimension, maxDimension, imaging.Lanczos)
	canvas := imaging.Clone(resized)

	drawWatermark(canvas, meta)

	var buf bytes.Buffer
	if err := webp.Encode(&buf, canvas, &webp.Options{Lossless: false, Quality: webpQuality}); err != nil {
		return nil, fmt.Errorf("encode proof: %w", err)
	}

	blob := buf.Bytes()
	sum := sha256.Sum256(blob)
	return &Image{
		Blob:      blob,
		Hash:      hex.EncodeToString(sum[:]),
		SizeBytes: len(blob),
		Width:     canvas.Bounds().Dx(),
		Height:    canvas.Bounds().Dy(),
	}, nil
}

// decode sniffs the MIME type and decodes jpeg, png or webp. Going
// through a decode/re-encode cycle also strips EXIF and any other
// source metadata, since only pixels survive.
func decode(raw []byte) (image.Image, error) {
	head := raw
	if len(head) > 512 {
		head = head[:512]
	}
	ct := http.DetectContentType(head)

	switch {
	case strings.Contains(ct, "jpeg"):
		return jpeg.Decode(bytes.NewReader(raw))
	case strings.Contains(ct, "png"):
		return png.Decode(bytes.NewReader(raw))
	case strings.Contains(ct, "webp"):
		return webp.Decode(bytes.NewReader(raw))
	}
	return nil, fmt.Errorf("unsupported capture format %s: %w", ct, ErrImplausible)
}

// drawWatermark composites the semi-opaque bottom band and renders the
// metadata lines directly into the pixel data, so the stamp survives
// re-encoding and shows in any viewer.
func drawWatermark(canvas *image.NRGBA, meta Meta) {
	b := canvas.Bounds()
	w, h := b.Dx(), b.Dy()

	barHeight := h * 15 / 100
	if barHeight < 60 {
		barHeight = 60
	}
	band := image.Rect(0, h-barHeight, w, h)
	draw.Draw(canvas, band, image.NewUniform(color.NRGBA{0, 0, 0, 153}), image.Point{}, draw.Over)

	face := basicfont.Face7x13
	lineHeight := face.Height + 5
	paddingX := w * 3 / 100
	paddingY := barHeight / 10

	lines := []string{
		"DEVICE: " + meta.Device,
		"GPS: " + meta.GPS,
		"TIME: " + meta.Timestamp,
		"EVENT: " + meta.EventName,
		"USER: " + meta.UserName,
	}

	white := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 255}),
		Face: face,
	}
	textY := h - paddingY
	for _, line := range lines {
		width := font.MeasureString(face, line)
		white.Dot = fixed.P(w-paddingX, textY).Sub(fixed.Point26_6{X: width})
		white.DrawString(line)
		textY -= lineHeight
	}

	faint := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(color.NRGBA{255, 255, 255, 128}),
		Face: face,
		Dot:  fixed.P(paddingX, h-paddingY),
	}
	faint.DrawString(watermarkStamp)
}
