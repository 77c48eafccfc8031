package logger

import (
	"io"
	"os"

	"github.com/mattn/go-isatty"
)

// checkIfColorable honors NO_COLOR, CLICOLOR and CLICOLOR_FORCE on top of terminal detection.
func checkIfColorable(w io.Writer) bool {
	// https://bixense.com/clicolors/
	if f, ok := os.LookupEnv("CLICOLOR_FORCE"); ok && f != "0" {
		return true
	}

	if !checkIfTerminal(w) {
		return false
	}

	// https://no-color.org/
	if _, ok := os.LookupEnv("NO_COLOR"); ok {
		return false
	}

	if c, ok := os.LookupEnv("CLICOLOR"); ok {
		return c != "0"
	}

	if t, ok := os.LookupEnv("TERM"); ok {
		switch t {
		case "dumb", "unknown":
			return false
		}
	}

	return true
}

func checkIfTerminal(w io.Writer) bool {
	switch v := w.(type) {
	case *os.File:
		return isatty.IsTerminal(v.Fd()) || isatty.IsCygwinTerminal(v.Fd())
	default:
		return false
	}
}
