//go:build !windows

package main

import (
	"os"

	"golang.org/x/sys/unix"
)

// reassignStdout points stdout/stderr at the logfile so that panics and network debug output
// are captured with the log, per https://github.com/golang/go/issues/325
func reassignStdout(logf *os.File) error {
	if err := unix.Dup2(int(logf.Fd()), 1); err != nil {
		return err
	}
	return unix.Dup2(int(logf.Fd()), 2)
}
