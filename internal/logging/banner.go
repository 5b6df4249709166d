package logging

import (
	"fmt"
	"os"

	"github.com/mattn/go-isatty"
)

// ANSI color codes.
const (
	reset = "\033[0m"
	bold  = "\033[1m"
	cyan  = "\033[36m"
	dim   = "\033[2m"
)

var logoLines = [6]string{
	`   ____ _                          `,
	`  / ___| |__  _ __ _____  ___   _  `,
	` | |   | '_ \| '__/ _ \ \/ / | | | `,
	` | |___| | | | | | (_) >  <| |_| | `,
	`  \____|_| |_|_|  \___/_/\_\\__, | `,
	`                            |___/  `,
}

// PrintBanner prints the Chroxy ASCII logo followed by the mode
// ("supervisor" or "worker"), version and listen address. Colors are
// used only when stderr is a TTY.
func PrintBanner(mode, ver, addr string) {
	color := isatty.IsTerminal(os.Stderr.Fd()) || isatty.IsCygwinTerminal(os.Stderr.Fd())

	for i := 0; i < 6; i++ {
		if color {
			fmt.Fprintf(os.Stderr, "%s%s%s\n", bold+cyan, logoLines[i], reset)
		} else {
			fmt.Fprintln(os.Stderr, logoLines[i])
		}
	}

	if color {
		fmt.Fprintf(os.Stderr, "\n  %smode%s %s   %sversion%s %s   %saddr%s %s\n\n",
			dim, reset, mode, dim, reset, ver, dim, reset, addr)
	} else {
		fmt.Fprintf(os.Stderr, "\n  mode %s   version %s   addr %s\n\n", mode, ver, addr)
	}
}
