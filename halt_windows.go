//go:build windows
// +build windows

package bootpatch

import (
	"fmt"
	"os"

	"golang.org/x/sys/windows"
)

// DefaultHalt prints reason and terminates the process. It does not return.
func DefaultHalt(reason string) {
	fmt.Fprintln(os.Stderr, "halt:", reason)
	windows.ExitProcess(1)
}
