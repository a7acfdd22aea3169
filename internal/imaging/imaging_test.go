package imaging

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"strings"
	"testing"

	"github.com/gen2brain/webp"
)

func encodePNG(t *testing.T, width, height int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, width, height))
	for y := 0; y < height; y++ {
		for x := 0; x < width; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode png: %v", err)
	}
	return buf.Bytes()
}

func TestContentID(t *testing.T) {
	a := ContentID([]byte("payload-a"))
	if len(a) != 64 || strings.ToLower(a) != a {
		t.Errorf("ContentID = %q, want 64 lowercase hex chars", a)
	}
	if b := ContentID([]byte("payload-a")); b != a {
		t.Errorf("same bytes hashed to %q and %q", a, b)
	}
	if b := ContentID([]byte("payload-b")); b == a {
		t.Error("different bytes share an id")
	}
}

func TestNormalize(t *testing.T) {
	out, err := Normalize(encodePNG(t, 4, 4))
	if err != nil {
		t.Fatalf("Normalize: %v", err)
	}
	if len(out) < 12 || string(out[:4]) != "RIFF" || string(out[8:12]) != "WEBP" {
		t.Fatalf("output is not a webp container (%d bytes)", len(out))
	}

	img, err := webp.Decode(bytes.NewReader(out))
	if err != nil {
		t.Fatalf("decode normalized webp: %v", err)
	}
	if b := img.Bounds(); b.Dx() != 4 || b.Dy() != 4 {
		t.Errorf("bounds = %dx%d, want 4x4", b.Dx(), b.Dy())
	}
}

func TestNormalizeRejectsGarbage(t *testing.T) {
	_, err := Normalize([]byte("not an image"))
	if err == nil || !strings.Contains(err.Error(), "decode image") {
		t.Errorf("err = %v, want decode failure", err)
	}
}

func TestCapDimensions(t *testing.T) {
	tests := []struct {
		name          string
		width, height int
		wantW, wantH  int
	}{
		{"under limit", 100, 100, 100, 100},
		{"at limit", 2048, 2048, 2048, 2048},
		{"square over limit", 4000, 4000, 2048, 2048},
		{"wide", 3000, 10, 2048, 6},
		{"tall", 10, 3000, 6, 2048},
		{"extreme ratio floors at one pixel", 5000, 1, 2048, 1},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			src := image.NewRGBA(image.Rect(0, 0, tt.width, tt.height))
			got := capDimensions(src, 2048)
			b := got.Bounds()
			if b.Dx() != tt.wantW || b.Dy() != tt.wantH {
				t.Errorf("bounds = %dx%d, want %dx%d", b.Dx(), b.Dy(), tt.wantW, tt.wantH)
			}
		})
	}
}

func TestExt(t *testing.T) {
	tests := []struct {
		mediaType string
		want      string
	}{
		{"image/png", "png"},
		{"image/jpeg", "jpg"},
		{"image/jpg", "jpg"},
		{"IMAGE/GIF", "gif"},
		{"image/webp", "webp"},
		{"application/pdf", "bin"},
		{"", "bin"},
	}
	for _, tt := range tests {
		if got := Ext(tt.mediaType); got != tt.want {
			t.Errorf("Ext(%q) = %q, want %q", tt.mediaType, got, tt.want)
		}
	}
}

func TestMediaTypeForExt(t *testing.T) {
	tests := []struct {
		ext  string
		want string
	}{
		{"png", "image/png"},
		{".png", "image/png"},
		{"JPG", "image/jpeg"},
		{"jpeg", "image/jpeg"},
		{"gif", "image/gif"},
		{"webp", "image/webp"},
		{"pdf", "application/octet-stream"},
	}
	for _, tt := range tests {
		if got := MediaTypeForExt(tt.ext); got != tt.want {
			t.Errorf("MediaTypeForExt(%q) = %q, want %q", tt.ext, got, tt.want)
		}
	}

	// Known types survive the round trip.
	for _, mt := range []string{"image/png", "image/jpeg", "image/gif", "image/webp"} {
		if got := MediaTypeForExt(Ext(mt)); got != mt {
			t.Errorf("round trip of %s = %s", mt, got)
		}
	}
}

func TestIsImagePath(t *testing.T) {
	tests := []struct {
		path string
		want bool
	}{
		{"/workspace/a.png", true},
		{"/workspace/a.PNG", true},
		{"b.jpeg", true},
		{"c.jpg", true},
		{"d.gif", true},
		{"e.webp", true},
		{"/workspace/readme.txt", false},
		{"/workspace/archive.tar.gz", false},
		{"noextension", false},
		{"trailingdot.", false},
	}
	for _, tt := range tests {
		if got := IsImagePath(tt.path); got != tt.want {
			t.Errorf("IsImagePath(%q) = %v, want %v", tt.path, got, tt.want)
		}
	}
}
