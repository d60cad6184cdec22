package supervisor

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"strings"

	"github.com/guseggert/procbridge/internal/files"
)

// ExecSpawner starts the worker as a local OS process with piped stdin and stdout.
type ExecSpawner struct {
	Command string
	Args    []string
	// Env is appended to the host environment.
	Env []string
	WD  string
	// Stderr receives the worker's stderr. Defaults to the host's stderr.
	Stderr io.Writer
}

// resolveCommand returns the path to run.
// Commands containing a path separator are used as-is. Bare names are looked up on PATH and then, failing that,
// searched for upwards from the working directory.
func (s *ExecSpawner) resolveCommand() string {
	if strings.ContainsRune(s.Command, os.PathSeparator) {
		return s.Command
	}
	if p, err := exec.LookPath(s.Command); err == nil {
		return p
	}
	dir := s.WD
	if dir == "" {
		wd, err := os.Getwd()
		if err != nil {
			return s.Command
		}
		dir = wd
	}
	if p := files.FindUp(s.Command, dir); p != "" {
		return p
	}
	return s.Command
}

// Spawn starts the worker. The process is not tied to ctx, since it outlives any single request.
func (s *ExecSpawner) Spawn(ctx context.Context) (Process, error) {
	if s.Command == "" {
		return nil, errors.New("no worker command configured")
	}
	cmd := exec.Command(s.resolveCommand(), s.Args...)
	cmd.Dir = s.WD
	if len(s.Env) > 0 {
		cmd.Env = append(os.Environ(), s.Env...)
	}
	cmd.Stderr = os.Stderr
	if s.Stderr != nil {
		cmd.Stderr = s.Stderr
	}

	stdin, err := cmd.StdinPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdin pipe: %w", err)
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("creating stdout pipe: %w", err)
	}

	err = cmd.Start()
	if err != nil {
		return nil, fmt.Errorf("running command: %w", err)
	}
	return &execProcess{cmd: cmd, stdin: stdin, stdout: stdout}, nil
}

type execProcess struct {
	cmd    *exec.Cmd
	stdin  io.WriteCloser
	stdout io.ReadCloser
}

func (p *execProcess) Stdin() io.WriteCloser { return p.stdin }
func (p *execProcess) Stdout() io.Reader     { return p.stdout }
func (p *execProcess) Pid() int              { return p.cmd.Process.Pid }
func (p *execProcess) Kill() error           { return p.cmd.Process.Kill() }

func (p *execProcess) Wait() (int, error) {
	err := p.cmd.Wait()
	if err != nil {
		var exitErr *exec.ExitError
		if errors.As(err, &exitErr) {
			return exitErr.ExitCode(), nil
		}
		return -1, err
	}
	return p.cmd.ProcessState.ExitCode(), nil
}
