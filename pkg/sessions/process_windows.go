//go:build windows

package sessions

import "os"

// processAlive reports whether a process with the given pid exists. On
// Windows FindProcess opens a handle, so an error means the pid is gone.
func processAlive(pid int) bool {
	if pid <= 0 {
		return false
	}
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	_ = proc.Release()
	return true
}
