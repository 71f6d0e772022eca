package resource

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strconv"
	"sync"

	"github.com/cuemby/runway/pkg/types"
)

// newShell runs a command with sh -c, streaming its output line by line.
// Each rank of a multiprocess resource runs its own process with RANK and
// WORLD_SIZE set.
func newShell(spec *types.RemoteResource) (Resource, error) {
	defaultCmd, _ := spec.Config["cmd"].(string)
	dir, _ := spec.Config["dir"].(string)

	run := func(ctx context.Context, inv *Invocation) (any, error) {
		command := defaultCmd
		if v, ok := inv.Param(0, "cmd"); ok {
			s, ok := v.(string)
			if !ok {
				return nil, invalidArg("argument %q must be a string, got %T", "cmd", v)
			}
			command = s
		}
		if command == "" {
			return nil, invalidArg("missing argument %q", "cmd")
		}
		return runShell(ctx, inv, command, dir)
	}
	return NewFunction(spec, run, nil), nil
}

func runShell(ctx context.Context, inv *Invocation, command, dir string) (any, error) {
	cmd := exec.CommandContext(ctx, "/bin/sh", "-c", command)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"RANK="+strconv.Itoa(inv.Rank),
		"WORLD_SIZE="+strconv.Itoa(max(inv.WorldSize, 1)),
	)
	if extra, ok := inv.Kwargs["env"].(map[string]any); ok {
		for k, v := range extra {
			cmd.Env = append(cmd.Env, fmt.Sprintf("%s=%v", k, v))
		}
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, err
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, err
	}
	if err := cmd.Start(); err != nil {
		return nil, Raise(TypeProcess, "failed to start command: %v", err)
	}

	var wg sync.WaitGroup
	wg.Add(2)
	go pump(&wg, stdout, Stdout, inv)
	go pump(&wg, stderr, Stderr, inv)
	wg.Wait()

	err = cmd.Wait()
	if ctx.Err() != nil {
		return nil, ctx.Err()
	}
	var exitErr *exec.ExitError
	if errors.As(err, &exitErr) {
		return nil, Raise(TypeProcess, "command exited with status %d", exitErr.ExitCode())
	}
	if err != nil {
		return nil, Raise(TypeProcess, "%v", err)
	}
	return map[string]any{"exit_code": 0, "rank": inv.Rank}, nil
}

func pump(wg *sync.WaitGroup, r io.Reader, stream string, inv *Invocation) {
	defer wg.Done()
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		inv.emit(stream, scanner.Text())
	}
	// Drain so the process never blocks on a full pipe
	_, _ = io.Copy(io.Discard, r)
}
