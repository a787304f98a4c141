package training

import (
	"bytes"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSummaryCollapsesBackbone(t *testing.T) {
	spec := gestureSpec(t)
	apply(spec, FreezeGroup(testBackbone))

	printer := NewModelSummaryPrinter(nil)
	rows := printer.Rows(spec)
	require.Len(t, rows, 5)
	assert.Equal(t, SummaryRow{Name: testBackbone, Type: "Functional", Shape: "(None, 7, 7, 1280)", Parameters: 706224}, rows[0])
	assert.Equal(t, "(None, 1280)", rows[1].Shape)
	assert.Equal(t, SummaryRow{Name: "dense", Type: "Dense", Shape: "(None, 5)", Parameters: 6405}, rows[3])

	var out bytes.Buffer
	NewModelSummaryPrinter(&out).PrintSummary(spec)
	text := out.String()
	assert.Contains(t, text, `Model: "gesture"`)
	assert.Contains(t, text, "Total params: 712,629")
	assert.Contains(t, text, "Trainable params: 6,405")
	assert.Contains(t, text, "Non-trainable params: 706,224")
	assert.Contains(t, text, testBackbone+" (Functional)")
}

func TestFormatHelpers(t *testing.T) {
	assert.Equal(t, "(None, 216, 216, 3)", FormatShape([]int{-1, 216, 216, 3}))
	assert.Equal(t, "0", formatThousands(0))
	assert.Equal(t, "999", formatThousands(999))
	assert.Equal(t, "1,000", formatThousands(1000))
	assert.Equal(t, "-12,345,678", formatThousands(-12345678))
	assert.Equal(t, "01:05", formatDuration(65e9))
}

func TestProgressBar(t *testing.T) {
	var out bytes.Buffer
	bar := NewProgressBar(&out, "Epoch 1/2", 4)
	bar.Update(2, map[string]float64{"loss": 0.5, "accuracy": 0.25})
	assert.Contains(t, out.String(), "2/4 [===============...............]")
	assert.Less(t, strings.Index(out.String(), "accuracy"), strings.Index(out.String(), "loss"))
	bar.Finish()
	assert.True(t, strings.HasSuffix(out.String(), "\n"))

	// a nil writer is silent
	NewProgressBar(nil, "x", 1).Update(1, nil)
	NewProgressBar(nil, "x", 1).Finish()
}
