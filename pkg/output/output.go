// Package output provides terminal output formatting for the toolgate CLI.
package output

import (
	"fmt"
	"io"
	"os"
	"time"

	"github.com/charmbracelet/log"
	"github.com/mattn/go-isatty"
)

// Printer handles styled terminal output.
type Printer struct {
	out    io.Writer
	logger *log.Logger
	isTTY  bool
}

// New creates a Printer writing to stdout.
func New() *Printer {
	return NewWithWriter(os.Stdout)
}

// NewWithWriter creates a Printer with a custom writer.
func NewWithWriter(w io.Writer) *Printer {
	isTTY := isTerminal(w)

	logger := log.NewWithOptions(w, log.Options{
		ReportTimestamp: true,
		TimeFormat:      time.TimeOnly,
	})
	if isTTY {
		logger.SetStyles(cliStyles())
	}

	return &Printer{out: w, logger: logger, isTTY: isTTY}
}

func isTerminal(w io.Writer) bool {
	if f, ok := w.(*os.File); ok {
		return isatty.IsTerminal(f.Fd()) || isatty.IsCygwinTerminal(f.Fd())
	}
	return false
}

// Info logs an info message with optional key-value pairs.
func (p *Printer) Info(msg string, keyvals ...any) { p.logger.Info(msg, keyvals...) }

// Warn logs a warning message with optional key-value pairs.
func (p *Printer) Warn(msg string, keyvals ...any) { p.logger.Warn(msg, keyvals...) }

// Error logs an error message with optional key-value pairs.
func (p *Printer) Error(msg string, keyvals ...any) { p.logger.Error(msg, keyvals...) }

// Println writes a plain line to the output.
func (p *Printer) Println(a ...any) { fmt.Fprintln(p.out, a...) }
