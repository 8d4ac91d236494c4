package imagegen

import (
	"image"
	"image/color"
	"math"

	"golang.org/x/image/draw"
)

// Canny hysteresis thresholds, matching the conditioning the base model
// was trained against.
const (
	cannyLowThreshold  = 100
	cannyHighThreshold = 200
)

// Resize scales img to the given dimensions.
func Resize(img image.Image, dims Dimensions) image.Image {
	dst := image.NewRGBA(image.Rect(0, 0, dims.Width, dims.Height))
	draw.CatmullRom.Scale(dst, dst.Bounds(), img, img.Bounds(), draw.Over, nil)
	return dst
}

// EdgeMap extracts the canny edge control image from img: grayscale,
// gaussian smoothing, sobel gradients, then double-threshold hysteresis.
// The result is the edge mask replicated across all three channels, the
// layout the conditioning network expects.
func EdgeMap(img image.Image) image.Image {
	bounds := img.Bounds()
	w, h := bounds.Dx(), bounds.Dy()

	gray := make([]float64, w*h)
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			c := color.GrayModel.Convert(img.At(bounds.Min.X+x, bounds.Min.Y+y)).(color.Gray)
			gray[y*w+x] = float64(c.Y)
		}
	}

	smoothed := gaussian5x5(gray, w, h)
	mag, dir := sobel(smoothed, w, h)
	thin := nonMaxSuppress(mag, dir, w, h)
	edges := hysteresis(thin, w, h)

	out := image.NewRGBA(image.Rect(0, 0, w, h))
	for i, on := range edges {
		v := uint8(0)
		if on {
			v = 255
		}
		x, y := i%w, i/w
		out.SetRGBA(x, y, color.RGBA{v, v, v, 255})
	}
	return out
}

func gaussian5x5(src []float64, w, h int) []float64 {
	// 5x5 binomial kernel, sigma ~1.4
	kernel := [5]float64{1, 4, 6, 4, 1}
	const norm = 16.0

	tmp := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -2; k <= 2; k++ {
				sum += kernel[k+2] * src[y*w+clamp(x+k, w)]
			}
			tmp[y*w+x] = sum / norm
		}
	}

	dst := make([]float64, len(src))
	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			var sum float64
			for k := -2; k <= 2; k++ {
				sum += kernel[k+2] * tmp[clamp(y+k, h)*w+x]
			}
			dst[y*w+x] = sum / norm
		}
	}
	return dst
}

func sobel(src []float64, w, h int) (mag, dir []float64) {
	mag = make([]float64, len(src))
	dir = make([]float64, len(src))

	at := func(x, y int) float64 {
		return src[clamp(y, h)*w+clamp(x, w)]
	}

	for y := 0; y < h; y++ {
		for x := 0; x < w; x++ {
			gx := -at(x-1, y-1) + at(x+1, y-1) +
				-2*at(x-1, y) + 2*at(x+1, y) +
				-at(x-1, y+1) + at(x+1, y+1)
			gy := -at(x-1, y-1) - 2*at(x, y-1) - at(x+1, y-1) +
				at(x-1, y+1) + 2*at(x, y+1) + at(x+1, y+1)

			mag[y*w+x] = math.Hypot(gx, gy)
			dir[y*w+x] = math.Atan2(gy, gx)
		}
	}
	return mag, dir
}

// nonMaxSuppress keeps only gradient magnitudes that are local maxima
// along their gradient direction, thinning edges to one pixel.
func nonMaxSuppress(mag, dir []float64, w, h int) []float64 {
	out := make([]float64, len(mag))
	for y := 1; y < h-1; y++ {
		for x := 1; x < w-1; x++ {
			i := y*w + x
			angle := math.Mod(dir[i]+math.Pi, math.Pi)

			var a, b float64
			switch {
			case angle < math.Pi/8 || angle >= 7*math.Pi/8:
				a, b = mag[i-1], mag[i+1]
			case angle < 3*math.Pi/8:
				a, b = mag[i-w+1], mag[i+w-1]
			case angle < 5*math.Pi/8:
				a, b = mag[i-w], mag[i+w]
			default:
				a, b = mag[i-w-1], mag[i+w+1]
			}

			if mag[i] >= a && mag[i] >= b {
				out[i] = mag[i]
			}
		}
	}
	return out
}

func hysteresis(mag []float64, w, h int) []bool {
	strong := make([]bool, len(mag))
	weak := make([]bool, len(mag))
	for i, m := range mag {
		switch {
		case m >= cannyHighThreshold:
			strong[i] = true
		case m >= cannyLowThreshold:
			weak[i] = true
		}
	}

	// grow strong edges into connected weak pixels
	stack := make([]int, 0, len(mag)/8)
	for i, s := range strong {
		if s {
			stack = append(stack, i)
		}
	}

	for len(stack) > 0 {
		i := stack[len(stack)-1]
		stack = stack[:len(stack)-1]

		x, y := i%w, i/w
		for dy := -1; dy <= 1; dy++ {
			for dx := -1; dx <= 1; dx++ {
				nx, ny := x+dx, y+dy
				if nx < 0 || nx >= w || ny < 0 || ny >= h {
					continue
				}
				j := ny*w + nx
				if weak[j] && !strong[j] {
					strong[j] = true
					stack = append(stack, j)
				}
			}
		}
	}

	return strong
}

func clamp(i, n int) int {
	switch {
	case i < 0:
		return 0
	case i >= n:
		return n - 1
	default:
		return i
	}
}
