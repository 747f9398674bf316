//go:build !windows && !unix
// +build !windows,!unix

package bootpatch

import (
	"fmt"
	"os"
)

// DefaultHalt prints reason and terminates the process. It does not return.
func DefaultHalt(reason string) {
	fmt.Fprintln(os.Stderr, "halt:", reason)
	os.Exit(1)
}
