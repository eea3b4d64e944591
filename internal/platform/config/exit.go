package config

import (
	"fmt"
	"io"
	"os"
)

// exit is swapped in tests.
var (
	exit   = os.Exit
	stderr io.Writer = os.Stderr
)

// Exitf writes a formatted fatal message to stderr and terminates with code 1.
func Exitf(format string, args ...any) {
	fmt.Fprintf(stderr, format+"\n", args...)
	exit(1)
}

// ExitOnError terminates through Exitf when err is non-nil, prefixing the
// message with what was being attempted.
func ExitOnError(err error, doing string) {
	if err == nil {
		return
	}
	Exitf("%s: %v", doing, err)
}
