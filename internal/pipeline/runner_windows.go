//go:build windows

package pipeline

import "os/exec"

// setProcessGroup is a no-op on Windows; WaitDelay alone bounds the wait.
func setProcessGroup(*exec.Cmd) {}
