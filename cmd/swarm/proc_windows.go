//go:build windows

package main

import (
	"os"
	"os/exec"
	"os/signal"
	"syscall"
)

// detachDaemon starts the daemon without a console window. Windows has no
// Setsid; the child already survives its parent.
func detachDaemon(cmd *exec.Cmd) {
	cmd.SysProcAttr = &syscall.SysProcAttr{HideWindow: true}
}

func notifyShutdown(ch chan<- os.Signal) {
	signal.Notify(ch, os.Interrupt)
}
