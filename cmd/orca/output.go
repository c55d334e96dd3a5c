package main

import (
	"fmt"
	"io"
	"os"
)

const (
	colorReset  = "\033[0m"
	colorRed    = "\033[31m"
	colorGreen  = "\033[32m"
	colorYellow = "\033[33m"
	colorCyan   = "\033[36m"
	colorBold   = "\033[1m"
)

// stderr receives all human-facing status lines so stdout stays clean for
// JSON output.
var stderr io.Writer = os.Stderr

func colorize(color, text string) string {
	if noColor {
		return text
	}
	return color + text + colorReset
}

func printLine(color, symbol, format string, args []any) {
	fmt.Fprintln(stderr, colorize(color, symbol+" "+fmt.Sprintf(format, args...)))
}

func printSuccess(format string, args ...any) { printLine(colorGreen, "✓", format, args) }

func printError(format string, args ...any) { printLine(colorRed, "✗", format, args) }

func printWarning(format string, args ...any) { printLine(colorYellow, "⚠", format, args) }

func printStep(format string, args ...any) { printLine(colorCyan, "→", format, args) }

func printStatus(label, format string, args ...any) {
	fmt.Fprintf(stderr, "  %s %s\n", colorize(colorBold, label+":"), fmt.Sprintf(format, args...))
}
