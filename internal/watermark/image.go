package watermark

import (
	"bytes"
	"fmt"
	"image"
	"image/color"
	"image/jpeg"
	"image/png"
	"io"
	"sync"

	"golang.org/x/image/draw"
	"golang.org/x/image/font"
	"golang.org/x/image/font/gofont/goregular"
	"golang.org/x/image/font/opentype"
	"golang.org/x/image/math/fixed"
	"golang.org/x/image/webp"
)

const (
	jpegQuality = 90

	// Band height as a fraction of the image height, with a floor in pixels.
	bandFraction  = 0.08
	minBandHeight = 24

	minFontSize = 6.0
)

var (
	bandColor = color.NRGBA{R: 0, G: 0, B: 0, A: 120}
	textColor = color.NRGBA{R: 255, G: 255, B: 255, A: 230}

	fontOnce sync.Once
	stampFnt *opentype.Font
	fontErr  error
)

func stampFont() (*opentype.Font, error) {
	fontOnce.Do(func() {
		stampFnt, fontErr = opentype.Parse(goregular.TTF)
	})
	return stampFnt, fontErr
}

// ImageWatermarker draws a translucent band across the bottom of a raster
// image with the provenance text centred in it. Output keeps the source
// resolution; WebP is written back as PNG since there is no WebP encoder.
type ImageWatermarker struct {
	text        string
	contentType string
}

func NewImageWatermarker(text, contentType string) *ImageWatermarker {
	return &ImageWatermarker{text: text, contentType: contentType}
}

func (m *ImageWatermarker) Kind() string { return KindImage }

func (m *ImageWatermarker) Watermark(src []byte, dst io.Writer) (Result, error) {
	img, err := m.decode(src)
	if err != nil {
		return Result{}, fmt.Errorf("decode %s: %w", m.contentType, err)
	}

	canvas := image.NewRGBA(img.Bounds())
	draw.Draw(canvas, canvas.Bounds(), img, img.Bounds().Min, draw.Src)

	if err := m.stamp(canvas); err != nil {
		return Result{}, err
	}

	if m.contentType == "image/jpeg" {
		if err := jpeg.Encode(dst, canvas, &jpeg.Options{Quality: jpegQuality}); err != nil {
			return Result{}, fmt.Errorf("encode jpeg: %w", err)
		}
		return Result{ContentType: "image/jpeg", Ext: ".jpg"}, nil
	}

	if err := png.Encode(dst, canvas); err != nil {
		return Result{}, fmt.Errorf("encode png: %w", err)
	}
	return Result{ContentType: "image/png", Ext: ".png"}, nil
}

func (m *ImageWatermarker) decode(src []byte) (image.Image, error) {
	r := bytes.NewReader(src)
	switch m.contentType {
	case "image/jpeg":
		return jpeg.Decode(r)
	case "image/png":
		return png.Decode(r)
	case "image/webp":
		return webp.Decode(r)
	default:
		return nil, fmt.Errorf("unsupported image type %q", m.contentType)
	}
}

func (m *ImageWatermarker) stamp(canvas *image.RGBA) error {
	b := canvas.Bounds()
	if b.Empty() {
		return nil
	}

	bandHeight := int(float64(b.Dy()) * bandFraction)
	if bandHeight < minBandHeight {
		bandHeight = minBandHeight
	}
	if bandHeight > b.Dy() {
		bandHeight = b.Dy()
	}
	band := image.Rect(b.Min.X, b.Max.Y-bandHeight, b.Max.X, b.Max.Y)
	draw.Draw(canvas, band, image.NewUniform(bandColor), image.Point{}, draw.Over)

	face, err := m.fitFace(float64(bandHeight)*0.55, b.Dx())
	if err != nil {
		return err
	}
	defer face.Close()

	d := &font.Drawer{
		Dst:  canvas,
		Src:  image.NewUniform(textColor),
		Face: face,
	}
	width := d.MeasureString(m.text)
	metrics := face.Metrics()
	textHeight := metrics.Ascent + metrics.Descent

	x := fixed.I(b.Min.X) + (fixed.I(b.Dx())-width)/2
	y := fixed.I(band.Min.Y) + (fixed.I(bandHeight)-textHeight)/2 + metrics.Ascent
	d.Dot = fixed.Point26_6{X: x, Y: y}
	d.DrawString(m.text)
	return nil
}

// fitFace returns a face no taller than size whose rendering of the text
// fits within 90% of width.
func (m *ImageWatermarker) fitFace(size float64, width int) (font.Face, error) {
	fnt, err := stampFont()
	if err != nil {
		return nil, fmt.Errorf("load stamp font: %w", err)
	}
	if size < minFontSize {
		size = minFontSize
	}

	face, err := opentype.NewFace(fnt, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}

	limit := float64(width) * 0.9
	measured := float64(font.MeasureString(face, m.text)) / 64
	if measured <= limit || size <= minFontSize {
		return face, nil
	}

	_ = face.Close()
	size *= limit / measured
	if size < minFontSize {
		size = minFontSize
	}
	face, err = opentype.NewFace(fnt, &opentype.FaceOptions{Size: size, DPI: 72, Hinting: font.HintingFull})
	if err != nil {
		return nil, fmt.Errorf("create font face: %w", err)
	}
	return face, nil
}
