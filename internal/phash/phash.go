// Package phash computes a perceptual average hash over exam page images,
// the fuzzy key semantic caching uses alongside a rubric hash to recognize
// the same handwritten answer, re-scanned, even when the source bytes
// differ.
//
// No library in the retrieved pack does perceptual image hashing, so this
// is built directly on the standard library's image and math/bits
// packages.
package phash

import (
	"image"
	"math/bits"
)

// Size is the side length of the grayscale thumbnail the hash is computed
// over. 8 gives a 64-bit hash, the conventional aHash size.
const Size = 8

// Hash is a 64-bit average hash. Equal hashes mean the two source images
// are (very likely) visually identical after downscaling; Distance
// measures how far apart two hashes are.
type Hash uint64

// Compute downsamples img to an 8x8 grayscale thumbnail, then sets bit i to
// 1 if pixel i is at or above the thumbnail's mean luminance. Downscaling
// first and thresholding against the mean (rather than a fixed value)
// makes the hash robust to uniform brightness/contrast shifts introduced
// by re-scanning the same page.
func Compute(img image.Image) Hash {
	gray := shrinkToGray(img, Size, Size)

	var sum int
	for _, v := range gray {
		sum += int(v)
	}
	mean := sum / len(gray)

	var h Hash
	for i, v := range gray {
		if int(v) >= mean {
			h |= 1 << uint(i)
		}
	}
	return h
}

// Distance returns the Hamming distance between two hashes: the number of
// bit positions where they differ. 0 means identical thumbnails; values up
// to a handful are typically still "the same image" under recompression
// noise. Above roughly Size*Size/8 they're considered different images.
func (h Hash) Distance(other Hash) int {
	return bits.OnesCount64(uint64(h ^ other))
}

// shrinkToGray splits img into a w x h grid of source blocks and returns
// the mean luminance of each block (box averaging), row by row.
func shrinkToGray(img image.Image, w, h int) []uint8 {
	b := img.Bounds()
	out := make([]uint8, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			x0, y0 := b.Min.X+x*b.Dx()/w, b.Min.Y+y*b.Dy()/h
			x1, y1 := max(b.Min.X+(x+1)*b.Dx()/w, x0+1), max(b.Min.Y+(y+1)*b.Dy()/h, y0+1)
			var sum, n uint64
			for sy := y0; sy < y1; sy++ {
				for sx := x0; sx < x1; sx++ {
					r, g, bl, _ := img.At(sx, sy).RGBA()
					// Rec. 601 luma from 16-bit-per-channel RGBA() values.
					sum += uint64((299*r + 587*g + 114*bl) / 1000)
					n++
				}
			}
			out[y*w+x] = uint8((sum / n) >> 8)
		}
	}
	return out
}
