package pipeline

import "slices"

// Schedulers lists the noise schedulers the runner accepts, in the order
// they are presented to clients.
var Schedulers = []string{
	"DDIM",
	"DPMSolverMultistep",
	"HeunDiscrete",
	"KarrasDPM",
	"K_EULER_ANCESTRAL",
	"K_EULER",
	"PNDM",
}

// DefaultScheduler is used when a request does not name one.
const DefaultScheduler = "K_EULER"

// ValidScheduler reports whether name is a known scheduler.
func ValidScheduler(name string) bool {
	return slices.Contains(Schedulers, name)
}
