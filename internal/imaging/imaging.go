// Package imaging normalizes inbound images for model consumption and
// addresses them by content hash for deduplicated storage.
package imaging

import (
	"bytes"
	"encoding/hex"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"strings"

	"github.com/gen2brain/webp"
	"golang.org/x/image/draw"
	"lukechampine.com/blake3"
)

const (
	// MediaType is the media type every normalized image carries.
	MediaType = "image/webp"

	// maxDimension caps either image axis before re-encoding.
	maxDimension = 2048

	quality = 90
)

// ContentID returns the lowercase hex BLAKE3 hash of data. Identical bytes
// always share one id, which is what makes on-disk dedup work.
func ContentID(data []byte) string {
	sum := blake3.Sum256(data)
	return hex.EncodeToString(sum[:])
}

// Normalize decodes src (png, jpeg, gif or webp), downscales it if either
// axis exceeds the dimension cap, and re-encodes it as lossy WebP.
func Normalize(src []byte) ([]byte, error) {
	img, _, err := image.Decode(bytes.NewReader(src))
	if err != nil {
		return nil, fmt.Errorf("decode image: %w", err)
	}
	img = capDimensions(img, maxDimension)
	var buf bytes.Buffer
	if err := webp.Encode(&buf, img, webp.Options{Quality: quality}); err != nil {
		return nil, fmt.Errorf("encode webp: %w", err)
	}
	return buf.Bytes(), nil
}

func capDimensions(img image.Image, maxSize int) image.Image {
	bounds := img.Bounds()
	width := bounds.Dx()
	height := bounds.Dy()
	if width <= maxSize && height <= maxSize {
		return img
	}

	var newWidth, newHeight int
	if width > height {
		newWidth = maxSize
		newHeight = height * maxSize / width
	} else {
		newHeight = maxSize
		newWidth = width * maxSize / height
	}
	if newWidth < 1 {
		newWidth = 1
	}
	if newHeight < 1 {
		newHeight = 1
	}

	dst := image.NewRGBA(image.Rect(0, 0, newWidth, newHeight))
	draw.BiLinear.Scale(dst, dst.Bounds(), img, bounds, draw.Over, nil)
	return dst
}

// Ext maps a media type to the extension used for content-addressed files.
func Ext(mediaType string) string {
	switch strings.ToLower(mediaType) {
	case "image/png":
		return "png"
	case "image/jpeg", "image/jpg":
		return "jpg"
	case "image/gif":
		return "gif"
	case "image/webp":
		return "webp"
	}
	return "bin"
}

// MediaTypeForExt is the inverse of Ext for known extensions.
func MediaTypeForExt(ext string) string {
	switch strings.ToLower(strings.TrimPrefix(ext, ".")) {
	case "png":
		return "image/png"
	case "jpg", "jpeg":
		return "image/jpeg"
	case "gif":
		return "image/gif"
	case "webp":
		return "image/webp"
	}
	return "application/octet-stream"
}

// IsImagePath reports whether a filename looks like a decodable image.
func IsImagePath(path string) bool {
	idx := strings.LastIndexByte(path, '.')
	if idx < 0 {
		return false
	}
	switch strings.ToLower(path[idx+1:]) {
	case "png", "jpg", "jpeg", "gif", "webp":
		return true
	}
	return false
}
