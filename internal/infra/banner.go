package infra

import (
	"fmt"
	"io"
	"strings"
)

// ANSI Color Codes
const (
	ColorReset  = "\033[0m"
	ColorRed    = "\033[31m"
	ColorGreen  = "\033[32m"
	ColorYellow = "\033[33m"
	ColorCyan   = "\033[36m"
)

// PrintBanner writes the startup banner with mode-specific warnings to w.
func PrintBanner(w io.Writer, cfg *Config) {
	mode := strings.ToUpper(cfg.Trading.Mode)
	version := cfg.App.Version
	if version == "" {
		version = "dev"
	}

	color := ColorGreen
	modeDesc := "SIMULATION"

	switch mode {
	case ModeReal:
		color = ColorRed
		modeDesc = "REAL MONEY TRADING"
	case ModeDemo:
		color = ColorYellow
		modeDesc = "KRAKEN, VALIDATE ONLY"
	case ModePaper:
		color = ColorCyan
		modeDesc = "INTERNAL SIMULATION"
	}

	fmt.Fprintln(w)
	fmt.Fprintf(w, "%s###########################################################%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#               🚀 Crypto Link Execution Core            #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)
	fmt.Fprintf(w, "%s#   MODE:    %-36s #%s\n", color, mode, ColorReset)
	fmt.Fprintf(w, "%s#   TYPE:    %-36s #%s\n", color, modeDesc, ColorReset)
	fmt.Fprintf(w, "%s#   VERSION: %-36s #%s\n", color, version, ColorReset)
	fmt.Fprintf(w, "%s#                                                         #%s\n", color, ColorReset)

	if mode == ModeReal {
		fmt.Fprintf(w, "%s#   ⚠️  WARNING: YOU ARE TRADING WITH REAL MONEY  ⚠️      #%s\n", ColorRed, ColorReset)
		fmt.Fprintf(w, "%s#   ENSURE YOU HAVE VERIFIED YOUR STRATEGY IN DEMO        #%s\n", ColorRed, ColorReset)
	}

	fmt.Fprintf(w, "%s###########################################################%s\n", color, ColorReset)
	fmt.Fprintln(w)
}
