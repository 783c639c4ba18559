// Package output provides consistent CLI output formatting with colors and progress indicators.
package output

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/mattn/go-isatty"
)

// Writer provides formatted output for CLI.
type Writer struct {
	out      io.Writer
	useColor bool
	tty      bool
}

// New creates a new output Writer. Color and in-place progress are enabled
// only when out is a terminal and NO_COLOR is unset.
func New(out io.Writer) *Writer {
	tty := IsTTY(out)
	return &Writer{
		out:      out,
		useColor: tty && !DetectNoColor(),
		tty:      tty,
	}
}

// IsTTY checks if output is a terminal.
func IsTTY(w io.Writer) bool {
	if w == nil {
		return false
	}
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// DetectNoColor checks if NO_COLOR environment variable is set.
func DetectNoColor() bool {
	_, exists := os.LookupEnv("NO_COLOR")
	return exists
}

const (
	colorReset  = "\033[0m"
	colorDim    = "\033[90m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorBold   = "\033[1m"
)

func (w *Writer) paint(color, s string) string {
	if !w.useColor {
		return s
	}
	return color + s + colorReset
}

// Status prints a status message with an icon.
// Errors from writing are intentionally ignored for console output.
func (w *Writer) Status(icon, msg string) {
	if icon != "" {
		_, _ = fmt.Fprintf(w.out, "%s %s\n", icon, msg)
	} else {
		_, _ = fmt.Fprintf(w.out, "   %s\n", msg)
	}
}

// Statusf prints a formatted status message with an icon.
func (w *Writer) Statusf(icon, format string, args ...any) {
	w.Status(icon, fmt.Sprintf(format, args...))
}

// Success prints a success message with checkmark.
func (w *Writer) Success(msg string) {
	w.Status("✅", msg)
}

// Successf prints a formatted success message.
func (w *Writer) Successf(format string, args ...any) {
	w.Success(fmt.Sprintf(format, args...))
}

// Warning prints a warning message.
func (w *Writer) Warning(msg string) {
	w.Status("⚠️ ", msg)
}

// Warningf prints a formatted warning message.
func (w *Writer) Warningf(format string, args ...any) {
	w.Warning(fmt.Sprintf(format, args...))
}

// Error prints an error message.
func (w *Writer) Error(msg string) {
	w.Status("❌", msg)
}

// Errorf prints a formatted error message.
func (w *Writer) Errorf(format string, args ...any) {
	w.Error(fmt.Sprintf(format, args...))
}

// Code prints a code block with indentation.
func (w *Writer) Code(content string) {
	_, _ = fmt.Fprintln(w.out)
	for _, line := range strings.Split(content, "\n") {
		_, _ = fmt.Fprintf(w.out, "  %s\n", line)
	}
	_, _ = fmt.Fprintln(w.out)
}

// Newline prints an empty line.
func (w *Writer) Newline() {
	_, _ = fmt.Fprintln(w.out)
}

// KeyValue prints an aligned "key: value" line.
func (w *Writer) KeyValue(key string, value any) {
	_, _ = fmt.Fprintf(w.out, "  %-18s %v\n", key+":", value)
}

// Answer describes one ranked answer for display.
type Answer struct {
	Rank          int
	Score         float64
	VectorScore   float64
	LexicalScore  float64
	Question      string
	Answer        string
	Source        string
	Tags          []string
	LowConfidence bool
}

// Answer prints a ranked answer block. Verbose adds the component scores.
func (w *Writer) Answer(a Answer, verbose bool) {
	header := fmt.Sprintf("#%d  score %.3f", a.Rank, a.Score)
	if a.LowConfidence {
		header += "  " + w.paint(colorYellow, "(low confidence)")
	}
	_, _ = fmt.Fprintln(w.out, w.paint(colorBold, header))
	if verbose {
		_, _ = fmt.Fprintln(w.out, w.paint(colorDim,
			fmt.Sprintf("    vector %.3f  lexical %.3f", a.VectorScore, a.LexicalScore)))
	}
	_, _ = fmt.Fprintf(w.out, "    Q: %s\n", a.Question)
	_, _ = fmt.Fprintf(w.out, "    A: %s\n", w.paint(colorGreen, a.Answer))
	if a.Source != "" {
		_, _ = fmt.Fprintf(w.out, "    source: %s\n", a.Source)
	}
	if len(a.Tags) > 0 {
		_, _ = fmt.Fprintf(w.out, "    tags: %s\n", strings.Join(a.Tags, ", "))
	}
}
