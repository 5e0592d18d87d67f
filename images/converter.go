package images

import (
	"bytes"
	"encoding/base64"
	"fmt"
	"image"
	"image/jpeg"
	_ "image/png"
	"log/slog"
	"math"

	"go-proctoring-server/models"

	xdraw "golang.org/x/image/draw"
)

// MaxSide bounds the longest edge of every image sent to the inference service or
// uploaded as evidence.
const MaxSide = 640

const jpegQuality = 90

// Decode decodes a JPEG or PNG camera frame or reference photo.
func Decode(data []byte) (image.Image, error) {
	if len(data) == 0 {
		return nil, fmt.Errorf("no image data provided")
	}

	// Try JPEG first (camera frames are always JPEG)
	if img, err := jpeg.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	if img, _, err := image.Decode(bytes.NewReader(data)); err == nil {
		return img, nil
	}

	return nil, fmt.Errorf("unsupported or invalid image format")
}

// Crop cuts the detection box out of img. The box is clamped to the image bounds.
func Crop(img image.Image, box models.BoundingBox) (image.Image, error) {
	b := img.Bounds()
	rect := image.Rect(
		b.Min.X+box.OriginX,
		b.Min.Y+box.OriginY,
		b.Min.X+box.OriginX+box.Width,
		b.Min.Y+box.OriginY+box.Height,
	).Intersect(b)

	if rect.Empty() {
		return nil, fmt.Errorf("bounding box %+v lies outside the %dx%d image", box, b.Dx(), b.Dy())
	}

	dst := image.NewRGBA(image.Rect(0, 0, rect.Dx(), rect.Dy()))
	xdraw.Draw(dst, dst.Bounds(), img, rect.Min, xdraw.Src)
	return dst, nil
}

// EncodeJPEG downscales img to fit within maxSide by maxSide (keeping aspect ratio) and
// encodes it as JPEG. maxSide <= 0 keeps the original size.
func EncodeJPEG(img image.Image, maxSide int) ([]byte, error) {
	if maxSide > 0 {
		img = resizeToFit(img, maxSide, maxSide)
	}

	var buf bytes.Buffer
	if err := jpeg.Encode(&buf, img, &jpeg.Options{Quality: jpegQuality}); err != nil {
		return nil, fmt.Errorf("failed to encode jpeg: %w", err)
	}

	slog.Debug("Encoded jpeg", "width", img.Bounds().Dx(), "height", img.Bounds().Dy(), "size", buf.Len())
	return buf.Bytes(), nil
}

// Base64 is the wire encoding the inference service expects for images.
func Base64(data []byte) string {
	return base64.StdEncoding.EncodeToString(data)
}

// resizeToFit scales img to fit within maxW by maxH (keeping aspect ratio)
func resizeToFit(src image.Image, maxW, maxH int) image.Image {
	bw := src.Bounds().Dx()
	bh := src.Bounds().Dy()

	if maxW <= 0 && maxH <= 0 || bw == 0 || bh == 0 {
		return src
	}
	if maxW <= 0 {
		scale := float64(maxH) / float64(bh)
		maxW = int(math.Round(float64(bw) * scale))
	}
	if maxH <= 0 {
		scale := float64(maxW) / float64(bw)
		maxH = int(math.Round(float64(bh) * scale))
	}

	scale := math.Min(float64(maxW)/float64(bw), float64(maxH)/float64(bh))
	if scale >= 1.0 {
		return src // already small enough
	}
	w := int(math.Max(1, math.Round(float64(bw)*scale)))
	h := int(math.Max(1, math.Round(float64(bh)*scale)))

	dst := image.NewRGBA(image.Rect(0, 0, w, h))
	// CatmullRom = high quality, good for photos/faces
	xdraw.CatmullRom.Scale(dst, dst.Bounds(), src, src.Bounds(), xdraw.Over, nil)
	return dst
}
