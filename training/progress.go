package training

import (
	"fmt"
	"io"
	"sort"
	"strings"
	"time"

	"github.com/tsawler/go-gesture/layers"
)

// ProgressBar renders a single-line batch progress bar. A nil writer
// disables it.
type ProgressBar struct {
	out         io.Writer
	description string
	total       int
	current     int
	startTime   time.Time
	width       int
	metrics     map[string]float64
}

// NewProgressBar creates a new progress bar
func NewProgressBar(out io.Writer, description string, total int) *ProgressBar {
	return &ProgressBar{
		out:         out,
		description: description,
		total:       total,
		startTime:   time.Now(),
		width:       30,
		metrics:     make(map[string]float64),
	}
}

// Update advances the progress bar
func (pb *ProgressBar) Update(step int, metrics map[string]float64) {
	pb.current = step
	pb.metrics = metrics
	pb.render()
}

// Finish completes the progress bar
func (pb *ProgressBar) Finish() {
	if pb.out == nil {
		return
	}
	pb.current = pb.total
	pb.render()
	fmt.Fprintln(pb.out)
}

func (pb *ProgressBar) render() {
	if pb.out == nil || pb.total <= 0 {
		return
	}
	percentage := min(float64(pb.current)/float64(pb.total), 1.0)
	filled := int(percentage * float64(pb.width))
	bar := strings.Repeat("=", filled) + strings.Repeat(".", pb.width-filled)

	line := fmt.Sprintf("\r%s %d/%d [%s] - %s", pb.description, pb.current, pb.total, bar, formatDuration(time.Since(pb.startTime)))

	// sorted so the line does not jitter between renders
	keys := make([]string, 0, len(pb.metrics))
	for k := range pb.metrics {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		line += fmt.Sprintf(" - %s: %.4f", k, pb.metrics[k])
	}
	fmt.Fprint(pb.out, line)
}

// formatDuration formats duration as MM:SS
func formatDuration(d time.Duration) string {
	minutes := int(d.Minutes())
	seconds := int(d.Seconds()) % 60
	return fmt.Sprintf("%02d:%02d", minutes, seconds)
}

// ModelSummaryPrinter prints a Keras-style model summary. Layers sharing a
// group are collapsed into one "Functional" row named after the group.
type ModelSummaryPrinter struct {
	out io.Writer
}

// NewModelSummaryPrinter creates a printer writing to out.
func NewModelSummaryPrinter(out io.Writer) *ModelSummaryPrinter {
	return &ModelSummaryPrinter{out: out}
}

// SummaryRow is one line of the summary table.
type SummaryRow struct {
	Name       string
	Type       string
	Shape      string
	Parameters int64
}

// Rows returns the summary rows of spec in layer order.
func (p *ModelSummaryPrinter) Rows(spec *layers.ModelSpec) []SummaryRow {
	var rows []SummaryRow
	for i := 0; i < len(spec.Layers); i++ {
		l := spec.Layers[i]
		if l.Group == "" {
			rows = append(rows, SummaryRow{
				Name:       l.Name,
				Type:       l.Type.String(),
				Shape:      FormatShape(l.OutputShape),
				Parameters: l.ParameterCount,
			})
			continue
		}

		row := SummaryRow{Name: l.Group, Type: "Functional"}
		for ; i < len(spec.Layers) && spec.Layers[i].Group == l.Group; i++ {
			row.Parameters += spec.Layers[i].ParameterCount
			row.Shape = FormatShape(spec.Layers[i].OutputShape)
		}
		i--
		rows = append(rows, row)
	}
	return rows
}

// PrintSummary writes the table and the parameter totals.
func (p *ModelSummaryPrinter) PrintSummary(spec *layers.ModelSpec) {
	rows := p.Rows(spec)
	nameWidth, shapeWidth := len("Layer (type)"), len("Output Shape")
	for _, r := range rows {
		nameWidth = max(nameWidth, len(r.Name)+len(r.Type)+3)
		shapeWidth = max(shapeWidth, len(r.Shape))
	}
	total := nameWidth + shapeWidth + 16
	rule := strings.Repeat("_", total)

	fmt.Fprintf(p.out, "Model: %q\n", spec.Name)
	fmt.Fprintln(p.out, rule)
	fmt.Fprintf(p.out, " %-*s %-*s %s\n", nameWidth, "Layer (type)", shapeWidth, "Output Shape", "Param #")
	fmt.Fprintln(p.out, strings.Repeat("=", total))
	for i, r := range rows {
		fmt.Fprintf(p.out, " %-*s %-*s %d\n", nameWidth, fmt.Sprintf("%s (%s)", r.Name, r.Type), shapeWidth, r.Shape, r.Parameters)
		if i < len(rows)-1 {
			fmt.Fprintln(p.out)
		}
	}
	fmt.Fprintln(p.out, strings.Repeat("=", total))
	fmt.Fprintf(p.out, "Total params: %s\n", formatThousands(spec.TotalParameters))
	fmt.Fprintf(p.out, "Trainable params: %s\n", formatThousands(spec.TrainableParameters()))
	fmt.Fprintf(p.out, "Non-trainable params: %s\n", formatThousands(spec.NonTrainableParameters()))
	fmt.Fprintln(p.out, rule)
}

// FormatShape renders a shape with a dynamic batch dimension as "(None, 7, 7, 1280)".
func FormatShape(shape []int) string {
	parts := make([]string, len(shape))
	for i, d := range shape {
		if d < 0 {
			parts[i] = "None"
		} else {
			parts[i] = fmt.Sprint(d)
		}
	}
	return "(" + strings.Join(parts, ", ") + ")"
}

func formatThousands(n int64) string {
	if n < 0 {
		return "-" + formatThousands(-n)
	}
	s := fmt.Sprint(n)
	var b strings.Builder
	for i, r := range s {
		if i > 0 && (len(s)-i)%3 == 0 {
			b.WriteByte(',')
		}
		b.WriteRune(r)
	}
	return b.String()
}
