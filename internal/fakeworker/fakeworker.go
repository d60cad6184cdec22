// Package fakeworker provides in-process worker processes connected by pipes, for testing the supervisor and bridge
// without spawning OS processes.
package fakeworker

import (
	"bufio"
	"context"
	"errors"
	"io"
	"sync"
	"time"

	"github.com/guseggert/procbridge/internal/jsoncodec"
	"github.com/guseggert/procbridge/protocol"
	"github.com/guseggert/procbridge/supervisor"
	"github.com/guseggert/procbridge/workerkit"
)

// Spawner creates Procs. If Handler is set, each Proc serves requests with it; otherwise the test drives replies.
type Spawner struct {
	Handler workerkit.HandlerFunc

	mu       sync.Mutex
	failNext int
	spawnErr error
	procs    []*Proc
	spawned  chan *Proc
	nextPid  int
}

func NewSpawner() *Spawner {
	return &Spawner{
		spawned:  make(chan *Proc, 64),
		nextPid:  1000,
		spawnErr: errors.New("exec: no such file or directory"),
	}
}

// FailNext makes the next n Spawn calls fail.
func (s *Spawner) FailNext(n int) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.failNext = n
}

func (s *Spawner) Spawn(ctx context.Context) (supervisor.Process, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.failNext > 0 {
		s.failNext--
		return nil, s.spawnErr
	}
	s.nextPid++
	p := newProc(s.nextPid, s.Handler)
	s.procs = append(s.procs, p)
	s.spawned <- p
	return p, nil
}

// Spawned returns the number of successful spawns.
func (s *Spawner) Spawned() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.procs)
}

// Next waits for the next spawned Proc, returning nil after timeout.
func (s *Spawner) Next(timeout time.Duration) *Proc {
	select {
	case p := <-s.spawned:
		return p
	case <-time.After(timeout):
		return nil
	}
}

// Proc is a fake worker process.
type Proc struct {
	pid int

	stdinR  *io.PipeReader
	stdinW  *io.PipeWriter
	stdoutR *io.PipeReader
	stdoutW *io.PipeWriter

	requests chan protocol.Request
	writeMu  sync.Mutex

	stdinMu   sync.Mutex
	stdinErr  error
	stdinGate chan error

	exitOnce sync.Once
	exitCode chan int
}

func newProc(pid int, h workerkit.HandlerFunc) *Proc {
	p := &Proc{
		pid:      pid,
		requests: make(chan protocol.Request, 256),
		exitCode: make(chan int, 1),
	}
	p.stdinR, p.stdinW = io.Pipe()
	p.stdoutR, p.stdoutW = io.Pipe()

	if h != nil {
		go func() {
			_ = workerkit.Serve(context.Background(), p.stdinR, p, h)
		}()
		return p
	}
	go p.readRequests()
	return p
}

func (p *Proc) readRequests() {
	scanner := bufio.NewScanner(p.stdinR)
	scanner.Buffer(make([]byte, 64*1024), 1024*1024)
	for scanner.Scan() {
		var req protocol.Request
		if err := jsoncodec.Unmarshal(scanner.Bytes(), &req); err != nil {
			continue
		}
		p.requests <- req
	}
}

func (p *Proc) Stdin() io.WriteCloser { return stdin{p} }
func (p *Proc) Stdout() io.Reader     { return p.stdoutR }
func (p *Proc) Pid() int              { return p.pid }

func (p *Proc) Wait() (int, error) {
	code := <-p.exitCode
	p.exitCode <- code
	return code, nil
}

func (p *Proc) Kill() error {
	p.Exit(-1)
	return nil
}

// Exit terminates the process with code, closing both of its streams. Only the first call has an effect.
func (p *Proc) Exit(code int) {
	p.exitOnce.Do(func() {
		p.stdinR.CloseWithError(io.ErrClosedPipe)
		p.stdoutW.Close()
		p.exitCode <- code
	})
}

// stdin lets tests hold or fail writes to the worker.
type stdin struct{ p *Proc }

func (s stdin) Write(b []byte) (int, error) {
	p := s.p
	p.stdinMu.Lock()
	werr, gate := p.stdinErr, p.stdinGate
	p.stdinGate = nil
	p.stdinMu.Unlock()

	if werr != nil {
		return 0, werr
	}
	if gate != nil {
		if err := <-gate; err != nil {
			return 0, err
		}
	}
	return p.stdinW.Write(b)
}

func (s stdin) Close() error { return s.p.stdinW.Close() }

// FailWrites makes every later write to the worker's stdin fail with err.
func (p *Proc) FailWrites(err error) {
	p.stdinMu.Lock()
	defer p.stdinMu.Unlock()
	p.stdinErr = err
}

// StallNextWrite blocks the next write to the worker's stdin until release is called.
// A nil error lets the write through; anything else fails it.
func (p *Proc) StallNextWrite() (release func(err error)) {
	gate := make(chan error, 1)
	p.stdinMu.Lock()
	p.stdinGate = gate
	p.stdinMu.Unlock()
	return func(err error) { gate <- err }
}

// Write writes raw bytes to the worker's stdout.
func (p *Proc) Write(b []byte) (int, error) {
	p.writeMu.Lock()
	defer p.writeMu.Unlock()
	return p.stdoutW.Write(b)
}

// Reply writes a reply line for id.
func (p *Proc) Reply(id string, payload any) error {
	line, err := protocol.MarshalReply(id, payload)
	if err != nil {
		return err
	}
	_, err = p.Write(line)
	return err
}

// NextRequest waits for the next request read from stdin. It is only usable without a Handler.
func (p *Proc) NextRequest(timeout time.Duration) (protocol.Request, bool) {
	select {
	case r := <-p.requests:
		return r, true
	case <-time.After(timeout):
		return protocol.Request{}, false
	}
}
