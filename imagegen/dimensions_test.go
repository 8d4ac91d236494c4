package imagegen

import (
	"math"
	"testing"
)

// fitOracle is a brute-force reference: the first pair with the minimal
// ratio distance.
func fitOracle(width, height int) Dimensions {
	ratio := float64(width) / float64(height)

	best := AllowedDimensions[0]
	bestDist := math.Inf(1)
	for _, d := range AllowedDimensions {
		dist := math.Abs(float64(d.Width)/float64(d.Height) - ratio)
		if dist < bestDist {
			best, bestDist = d, dist
		}
	}
	return best
}

func TestFitDimensions(t *testing.T) {
	cases := []struct {
		name          string
		width, height int
	}{
		{"square", 1000, 1000},
		{"landscape 16:9", 1600, 900},
		{"portrait 9:16", 900, 1600},
		{"very wide", 4000, 1000},
		{"very tall", 500, 2100},
		{"tiny", 33, 77},
		{"huge", 8192, 8192},
		{"odd ratio", 1234, 777},
	}

	for _, tt := range cases {
		t.Run(tt.name, func(t *testing.T) {
			got := FitDimensions(tt.width, tt.height)
			want := fitOracle(tt.width, tt.height)
			if got != want {
				t.Errorf("FitDimensions(%d, %d) = %v, want %v", tt.width, tt.height, got, want)
			}
		})
	}
}

func TestFitDimensionsReturnsAllowedPair(t *testing.T) {
	for w := 100; w <= 3000; w += 317 {
		for h := 100; h <= 3000; h += 271 {
			got := FitDimensions(w, h)

			found := false
			for _, d := range AllowedDimensions {
				if got == d {
					found = true
					break
				}
			}
			if !found {
				t.Fatalf("FitDimensions(%d, %d) = %v, not in the allowed set", w, h, got)
			}
		}
	}
}

func TestAllowedDimensionsAligned(t *testing.T) {
	for _, d := range AllowedDimensions {
		if d.Width%64 != 0 || d.Height%64 != 0 {
			t.Errorf("dimensions %v are not multiples of 64", d)
		}
	}
}
