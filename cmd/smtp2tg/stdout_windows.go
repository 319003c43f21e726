//go:build windows

package main

import (
	"os"
)

// reassignStdout swaps the std streams for the logfile on systems without Dup2.  Panic output
// written by the runtime is not captured.
func reassignStdout(logf *os.File) error {
	os.Stdout = logf
	os.Stderr = logf
	return nil
}
