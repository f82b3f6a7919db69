package media

import (
	"bytes"
	"image"
	"image/color"
	"image/png"
	"os"
	"path/filepath"
	"testing"
	"time"
)

// testPNG renders a small gradient so encoders have real pixel data.
func testPNG(t *testing.T, w, h int) []byte {
	t.Helper()
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, color.RGBA{R: uint8(x % 256), G: uint8(y % 256), B: uint8((x + y) % 256), A: 255})
		}
	}
	var buf bytes.Buffer
	if err := png.Encode(&buf, img); err != nil {
		t.Fatalf("encode test png: %v", err)
	}
	return buf.Bytes()
}

func TestOptimizePassthroughWithinLimits(t *testing.T) {
	data := testPNG(t, 100, 80)

	out, err := Optimize(data, 2000, DefaultMaxBytes)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if out.Width != 100 || out.Height != 80 {
		t.Fatalf("dims = %dx%d, want 100x80", out.Width, out.Height)
	}
	if out.MimeType != "image/png" {
		t.Fatalf("mime = %s, want image/png", out.MimeType)
	}
	if !bytes.Equal(out.Data, data) {
		t.Fatal("in-limits image should pass through unmodified")
	}
}

func TestOptimizeRespectsDimensionCap(t *testing.T) {
	data := testPNG(t, 1200, 400)

	out, err := Optimize(data, 600, DefaultMaxBytes)
	if err != nil {
		t.Fatalf("optimize: %v", err)
	}
	if out.Width > 600 || out.Height > 600 {
		t.Fatalf("dims = %dx%d exceed cap 600", out.Width, out.Height)
	}
	// Fit preserves aspect ratio.
	if out.Width != 600 || out.Height != 200 {
		t.Fatalf("dims = %dx%d, want 600x200", out.Width, out.Height)
	}
}

func TestOptimizeRejectsNonImage(t *testing.T) {
	if _, err := Optimize([]byte("definitely not an image"), 2000, DefaultMaxBytes); err == nil {
		t.Fatal("non-image payload should be rejected")
	}
}

func TestDetectMIME(t *testing.T) {
	if got := DetectMIME(testPNG(t, 4, 4)); got != "image/png" {
		t.Fatalf("DetectMIME = %s, want image/png", got)
	}
}

func TestParseDataURL(t *testing.T) {
	data := testPNG(t, 8, 8)
	img := &ImageData{Data: data, MimeType: "image/png"}

	decoded, err := ParseDataURL("data:image/png;base64," + img.Base64())
	if err != nil {
		t.Fatalf("parse data url: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("data URL round trip lost bytes")
	}

	// Bare base64 is accepted too.
	decoded, err = ParseDataURL(img.Base64())
	if err != nil {
		t.Fatalf("parse bare base64: %v", err)
	}
	if !bytes.Equal(decoded, data) {
		t.Fatal("bare base64 round trip lost bytes")
	}

	if _, err := ParseDataURL("data:image/png;base64"); err == nil {
		t.Fatal("data URL without separator should be rejected")
	}
	if _, err := ParseDataURL("data:image/png,rawpayload"); err == nil {
		t.Fatal("non-base64 data URL should be rejected")
	}
}

func TestSaveScreenshotAndPrune(t *testing.T) {
	dir := t.TempDir()
	img := &ImageData{Data: testPNG(t, 16, 16), MimeType: "image/png", Width: 16, Height: 16}

	path, err := SaveScreenshot(dir, "sess-1", img)
	if err != nil {
		t.Fatalf("save: %v", err)
	}
	if filepath.Ext(path) != ".png" {
		t.Fatalf("saved path %s, want .png extension", path)
	}
	if _, err := os.Stat(path); err != nil {
		t.Fatalf("saved file missing: %v", err)
	}

	// Fresh file survives a prune with a generous cutoff.
	removed, err := PruneDir(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 0 {
		t.Fatalf("pruned %d fresh files, want 0", removed)
	}

	// Backdate it and prune again.
	old := time.Now().Add(-48 * time.Hour)
	if err := os.Chtimes(path, old, old); err != nil {
		t.Fatalf("chtimes: %v", err)
	}
	removed, err = PruneDir(dir, 24*time.Hour)
	if err != nil {
		t.Fatalf("prune: %v", err)
	}
	if removed != 1 {
		t.Fatalf("pruned %d files, want 1", removed)
	}

	// A directory that never existed is not an error.
	if _, err := PruneDir(filepath.Join(dir, "nope"), time.Hour); err != nil {
		t.Fatalf("prune missing dir: %v", err)
	}
}
