package imagegen

import (
	"image"
	"image/color"
	"testing"
)

func TestEdgeMapDetectsBoundary(t *testing.T) {
	// white square on black background
	img := image.NewRGBA(image.Rect(0, 0, 64, 64))
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			c := color.RGBA{0, 0, 0, 255}
			if x >= 16 && x < 48 && y >= 16 && y < 48 {
				c = color.RGBA{255, 255, 255, 255}
			}
			img.SetRGBA(x, y, c)
		}
	}

	edges := EdgeMap(img)
	if edges.Bounds() != img.Bounds() {
		t.Fatalf("edge map bounds = %v, want %v", edges.Bounds(), img.Bounds())
	}

	var lit int
	for y := 0; y < 64; y++ {
		for x := 0; x < 64; x++ {
			r, g, b, _ := edges.At(x, y).RGBA()
			if r != g || g != b {
				t.Fatalf("pixel (%d, %d) is not grayscale", x, y)
			}
			if r > 0 {
				lit++
			}
		}
	}

	if lit == 0 {
		t.Fatal("no edges detected around the square")
	}

	// the interior of the square is flat and must stay dark
	if r, _, _, _ := edges.At(32, 32).RGBA(); r != 0 {
		t.Error("interior of a flat region marked as edge")
	}
}

func TestEdgeMapFlatImage(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 32, 32))
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			img.SetRGBA(x, y, color.RGBA{128, 128, 128, 255})
		}
	}

	edges := EdgeMap(img)
	for y := 0; y < 32; y++ {
		for x := 0; x < 32; x++ {
			if r, _, _, _ := edges.At(x, y).RGBA(); r != 0 {
				t.Fatalf("flat image produced an edge at (%d, %d)", x, y)
			}
		}
	}
}

func TestResize(t *testing.T) {
	img := image.NewRGBA(image.Rect(0, 0, 100, 50))
	out := Resize(img, Dimensions{Width: 1344, Height: 768})

	if got := out.Bounds(); got.Dx() != 1344 || got.Dy() != 768 {
		t.Errorf("resized bounds = %v, want 1344x768", got)
	}
}
