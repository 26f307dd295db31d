package phash

import (
	"image"
	"image/color"
	"testing"
)

func solidImage(c color.Color, w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			img.Set(x, y, c)
		}
	}
	return img
}

func checkerImage(w, h int) image.Image {
	img := image.NewRGBA(image.Rect(0, 0, w, h))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			if (x+y)%2 == 0 {
				img.Set(x, y, color.White)
			} else {
				img.Set(x, y, color.Black)
			}
		}
	}
	return img
}

func TestComputeDeterministic(t *testing.T) {
	img := checkerImage(64, 64)
	h1 := Compute(img)
	h2 := Compute(img)
	if h1 != h2 {
		t.Fatalf("Compute is not deterministic: %x != %x", h1, h2)
	}
}

func TestDistanceIdenticalIsZero(t *testing.T) {
	img := checkerImage(32, 32)
	h := Compute(img)
	if d := h.Distance(h); d != 0 {
		t.Errorf("Distance(h, h) = %d, want 0", d)
	}
}

func TestDistanceDiffersForDifferentImages(t *testing.T) {
	// Every solid image hashes to all ones (each pixel equals the mean), so
	// the second image needs structure: its right half is black.
	white := Compute(solidImage(color.White, 64, 64))
	split := solidImage(color.White, 64, 64).(*image.RGBA)
	for y := 0; y < 64; y++ {
		for x := 32; x < 64; x++ {
			split.Set(x, y, color.Black)
		}
	}
	if d := white.Distance(Compute(split)); d == 0 {
		t.Error("expected nonzero distance between an all-white and a half-black image")
	}
}

func TestDistanceIsSymmetric(t *testing.T) {
	a := Compute(checkerImage(40, 40))
	b := Compute(solidImage(color.Gray{Y: 128}, 40, 40))
	if a.Distance(b) != b.Distance(a) {
		t.Error("Distance should be symmetric")
	}
}
