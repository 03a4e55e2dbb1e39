package main

import (
	"testing"

	"github.com/stretchr/testify/assert"

	"github.com/opensource-wildlife/pugmark/internal/domain"
)

func TestConfusion(t *testing.T) {
	var c Confusion
	for _, tc := range []struct {
		actual bool
		status domain.AssessmentStatus
	}{
		{true, domain.StatusHigh},
		{true, domain.StatusHigh},
		{true, domain.StatusHigh},
		{true, domain.StatusLow},
		{false, domain.StatusHigh},
		{false, domain.StatusLow},
		{false, domain.StatusLow},
		{false, domain.StatusLow},
		{true, domain.StatusInvalid},
		{false, domain.StatusUnsupported},
	} {
		c.Add(tc.actual, tc.status)
	}

	assert.Equal(t, 8, c.Scored())
	assert.Equal(t, 1, c.Invalid)
	assert.Equal(t, 1, c.Unsupported)
	assert.InDelta(t, 0.75, c.Precision(), 1e-9)
	assert.InDelta(t, 0.75, c.Recall(), 1e-9)
	assert.InDelta(t, 0.75, c.F1(), 1e-9)
	assert.InDelta(t, 0.75, c.Accuracy(), 1e-9)
}

func TestConfusionEmpty(t *testing.T) {
	var c Confusion
	assert.Zero(t, c.Precision())
	assert.Zero(t, c.Recall())
	assert.Zero(t, c.F1())
	assert.Zero(t, c.Accuracy())
}
