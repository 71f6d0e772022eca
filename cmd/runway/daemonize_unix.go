//go:build linux || darwin || freebsd

package main

import (
	"errors"
	"fmt"
	"os"
	"syscall"
	"time"

	"github.com/sevlyar/go-daemon"

	"github.com/cuemby/runway/pkg/log"
)

func isDaemonChild() bool {
	return daemon.WasReborn()
}

// reborn detaches the dispatch server into a new session. In the parent it
// returns the child process; in the child it returns a release func for the
// PID file.
func reborn(pidFile, logFile string, capture bool) (*os.Process, func(), error) {
	wd, err := os.Getwd()
	if err != nil {
		return nil, nil, fmt.Errorf("failed to get working directory: %w", err)
	}

	cntxt := &daemon.Context{
		PidFileName: pidFile,
		PidFilePerm: 0o644,
		LogFilePerm: 0o644,
		WorkDir:     wd,
		Umask:       0o22,
	}
	if capture {
		cntxt.LogFileName = logFile
	}

	child, err := cntxt.Reborn()
	if err != nil {
		if errors.Is(err, daemon.ErrWouldBlock) {
			return nil, nil, fmt.Errorf("a dispatch server already holds %s", pidFile)
		}
		return nil, nil, fmt.Errorf("failed to start background server: %w", err)
	}
	if child != nil {
		return child, nil, nil
	}
	return nil, func() {
		if err := cntxt.Release(); err != nil {
			log.Errorf("failed to release pid file", err)
		}
	}, nil
}

// createPIDFile locks pidFile for a foreground server
func createPIDFile(pidFile string) (func(), error) {
	lock, err := daemon.CreatePidFile(pidFile, 0o644)
	if err != nil {
		if errors.Is(err, daemon.ErrWouldBlock) {
			return nil, fmt.Errorf("a dispatch server already holds %s", pidFile)
		}
		return nil, fmt.Errorf("failed to write pid file: %w", err)
	}
	return func() {
		if err := lock.Remove(); err != nil {
			log.Errorf("failed to remove pid file", err)
		}
	}, nil
}

// runningServer returns the PID recorded in pidFile and whether that process
// is alive
func runningServer(pidFile string) (int, bool) {
	pid, err := daemon.ReadPidFile(pidFile)
	if err != nil || pid <= 0 {
		return 0, false
	}
	return pid, processAlive(pid)
}

func processAlive(pid int) bool {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return false
	}
	return proc.Signal(syscall.Signal(0)) == nil
}

// stopServer sends SIGTERM and waits for the process to exit, killing it
// once timeout passes
func stopServer(pid int, timeout time.Duration) error {
	proc, err := os.FindProcess(pid)
	if err != nil {
		return err
	}
	if err := proc.Signal(syscall.SIGTERM); err != nil {
		if errors.Is(err, os.ErrProcessDone) {
			return nil
		}
		return err
	}

	deadline := time.Now().Add(timeout)
	for time.Now().Before(deadline) {
		if !processAlive(pid) {
			return nil
		}
		time.Sleep(200 * time.Millisecond)
	}
	if err := proc.Kill(); err != nil && !errors.Is(err, os.ErrProcessDone) {
		return err
	}
	return nil
}
