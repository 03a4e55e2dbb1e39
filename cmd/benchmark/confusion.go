package main

import (
	"time"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

// Confusion tallies assessments against their labels. Only HIGH and LOW
// assessments enter the matrix.
type Confusion struct {
	TruePositives  int
	FalsePositives int
	TrueNegatives  int
	FalseNegatives int

	Invalid     int
	Unsupported int
	Errors      int

	Requests    int
	RequestTime time.Duration
}

// Add records one assessment for a row whose label is actual.
func (c *Confusion) Add(actual bool, status domain.AssessmentStatus) {
	switch status {
	case domain.StatusInvalid:
		c.Invalid++
		return
	case domain.StatusUnsupported:
		c.Unsupported++
		return
	}

	predicted := status == domain.StatusHigh
	switch {
	case predicted && actual:
		c.TruePositives++
	case predicted && !actual:
		c.FalsePositives++
	case !predicted && !actual:
		c.TrueNegatives++
	default:
		c.FalseNegatives++
	}
}

// Scored is the number of assessments in the matrix.
func (c *Confusion) Scored() int {
	return c.TruePositives + c.FalsePositives + c.TrueNegatives + c.FalseNegatives
}

func (c *Confusion) Precision() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalsePositives)
}

func (c *Confusion) Recall() float64 {
	return ratio(c.TruePositives, c.TruePositives+c.FalseNegatives)
}

func (c *Confusion) F1() float64 {
	p, r := c.Precision(), c.Recall()
	if p+r == 0 {
		return 0
	}
	return 2 * p * r / (p + r)
}

func (c *Confusion) Accuracy() float64 {
	return ratio(c.TruePositives+c.TrueNegatives, c.Scored())
}

func ratio(num, den int) float64 {
	if den == 0 {
		return 0
	}
	return float64(num) / float64(den)
}
