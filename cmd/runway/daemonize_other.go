//go:build !(linux || darwin || freebsd)

package main

import (
	"errors"
	"fmt"
	"os"
	"strconv"
	"time"
)

var errNoBackground = errors.New("background mode is not supported on this platform; use --no-nohup")

func isDaemonChild() bool { return false }

func reborn(pidFile, logFile string, capture bool) (*os.Process, func(), error) {
	return nil, nil, errNoBackground
}

func createPIDFile(pidFile string) (func(), error) {
	if err := os.WriteFile(pidFile, []byte(strconv.Itoa(os.Getpid())), 0o644); err != nil {
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return func() { _ = os.Remove(pidFile) }, nil
}

// runningServer cannot probe processes here; a recorded PID is never
// considered alive
func runningServer(pidFile string) (int, bool) {
	return 0, false
}

func stopServer(pid int, timeout time.Duration) error {
	return errNoBackground
}
