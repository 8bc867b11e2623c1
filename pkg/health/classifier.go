package health

import "strings"

type Classification int

const (
	ClassNormal Classification = iota
	ClassFatal
)

// Classifier decides whether one line of diagnostic output signals a fatal
// condition. The strategy is replaceable so a structured-log classifier can
// substitute the marker heuristic without touching the monitor.
type Classifier interface {
	Classify(line string) Classification
}

// MarkerClassifier flags lines that contain any of a fixed set of markers,
// case-insensitively.
type MarkerClassifier struct {
	Markers []string
}

// NewMarkerClassifier returns the default marker set observed in QEMU's
// diagnostic output when firmware bring-up fails.
func NewMarkerClassifier() *MarkerClassifier {
	return &MarkerClassifier{
		Markers: []string{
			"error",
			"invalid",
			"cannot set up",
		},
	}
}

func (c *MarkerClassifier) Classify(line string) Classification {
	lowered := strings.ToLower(line)

	for _, marker := range c.Markers {
		if strings.Contains(lowered, marker) {
			return ClassFatal
		}
	}

	return ClassNormal
}
