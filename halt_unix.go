//go:build unix
// +build unix

package bootpatch

import (
	"fmt"
	"os"

	"golang.org/x/sys/unix"
)

// DefaultHalt prints reason and terminates the process. It does not return.
func DefaultHalt(reason string) {
	fmt.Fprintln(os.Stderr, "halt:", reason)
	unix.Exit(1)
}
