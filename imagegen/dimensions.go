// Package imagegen prepares request images for the diffusion pipeline:
// snapping arbitrary sizes to the architecture's supported resolutions and
// extracting the edge map used for structural conditioning.
package imagegen

import "math"

// Dimensions is a width/height pair supported by the architecture. Both
// values are multiples of 64.
type Dimensions struct {
	Width  int
	Height int
}

// AllowedDimensions is the fixed set of resolutions the base network was
// trained at. Inputs are matched to it by aspect ratio only; absolute
// pixel count is irrelevant.
var AllowedDimensions = []Dimensions{
	{512, 2048}, {512, 1984}, {512, 1920}, {512, 1856},
	{576, 1792}, {576, 1728}, {576, 1664}, {640, 1600},
	{640, 1536}, {704, 1472}, {704, 1408}, {704, 1344},
	{768, 1344}, {768, 1280}, {832, 1216}, {832, 1152},
	{896, 1152}, {896, 1088}, {960, 1088}, {960, 1024},
	{1024, 1024}, {1024, 960}, {1088, 960}, {1088, 896},
	{1152, 896}, {1152, 832}, {1216, 832}, {1280, 768},
	{1344, 768}, {1408, 704}, {1472, 704}, {1536, 640},
	{1600, 640}, {1664, 576}, {1728, 576}, {1792, 576},
	{1856, 512}, {1920, 512}, {1984, 512}, {2048, 512},
}

// FitDimensions returns the allowed pair whose aspect ratio is nearest to
// width/height. Ties keep the first minimal pair in set order.
func FitDimensions(width, height int) Dimensions {
	ratio := float64(width) / float64(height)

	best := AllowedDimensions[0]
	bestDist := math.Abs(float64(best.Width)/float64(best.Height) - ratio)

	for _, d := range AllowedDimensions[1:] {
		dist := math.Abs(float64(d.Width)/float64(d.Height) - ratio)
		if dist < bestDist {
			best, bestDist = d, dist
		}
	}

	return best
}
