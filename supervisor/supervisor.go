package supervisor

import (
	"context"
	"errors"
	"fmt"
	"os"
	"sync"
	"sync/atomic"
	"time"

	"github.com/guseggert/procbridge/protocol"
	"go.uber.org/zap"
	"go.uber.org/zap/zapcore"
)

// DefaultMaxFails is the number of consecutive failures tolerated before giving up.
const DefaultMaxFails = 4

// Worker is the currently running worker process.
type Worker struct {
	proc Process
	gen  int

	writeMu sync.Mutex
	gone    atomic.Bool
}

func (w *Worker) Pid() int { return w.proc.Pid() }

// WriteLine writes one complete line to the worker's stdin.
// Concurrent calls never interleave.
func (w *Worker) WriteLine(b []byte) error {
	if w.gone.Load() {
		return os.ErrClosed
	}
	w.writeMu.Lock()
	defer w.writeMu.Unlock()
	_, err := w.proc.Stdin().Write(b)
	return err
}

// closeStdin unblocks pending writers. It does not take writeMu, since a writer may be blocked holding it.
func (w *Worker) closeStdin() {
	if w.gone.Swap(true) {
		return
	}
	_ = w.proc.Stdin().Close()
}

type Option func(s *Supervisor)

func WithLogger(l *zap.Logger) Option {
	return func(s *Supervisor) {
		s.log = l.Named("supervisor").Sugar()
	}
}

func WithLogLevel(l zapcore.Level) Option {
	return func(s *Supervisor) {
		s.log = s.log.WithOptions(zap.IncreaseLevel(l))
	}
}

// WithMaxFails sets how many consecutive failures are tolerated. A crash that pushes the count past n is fatal.
func WithMaxFails(n int) Option {
	return func(s *Supervisor) {
		s.maxFails = n
	}
}

// WithRestartDelay waits d between a crash and the respawn.
func WithRestartDelay(d time.Duration) Option {
	return func(s *Supervisor) {
		s.restartDelay = d
	}
}

// WithFrameHandler receives every frame read from the worker, on the event loop goroutine.
func WithFrameHandler(f func(protocol.Frame)) Option {
	return func(s *Supervisor) {
		s.onFrame = f
	}
}

// WithCrashHandler is called on the event loop goroutine after a worker dies, before any respawn.
func WithCrashHandler(f func(err error)) Option {
	return func(s *Supervisor) {
		s.onCrash = f
	}
}

// WithFatalHandler replaces the default action taken once the fail budget is spent.
func WithFatalHandler(f func(err *FatalError)) Option {
	return func(s *Supervisor) {
		s.onFatal = f
	}
}

// FatalExit prints the error and exits the host process.
func FatalExit(err *FatalError) {
	fmt.Fprintf(os.Stderr, "worker supervisor giving up, exiting: %s\n", err)
	os.Exit(1)
}

type exitResult struct {
	pid     int
	code    int
	err     error
	readErr error
}

type event struct {
	gen   int
	frame *protocol.Frame
	exit  *exitResult
}

// Supervisor spawns the worker on demand and replaces it when it dies.
type Supervisor struct {
	log          *zap.SugaredLogger
	spawner      Spawner
	maxFails     int
	restartDelay time.Duration

	onFrame func(protocol.Frame)
	onCrash func(error)
	onFatal func(*FatalError)

	mu        sync.Mutex
	state     State
	fatalErr  *FatalError
	closed    bool
	failCount int
	worker    *Worker
	gen       int
	// changed is closed and replaced on every state transition.
	changed chan struct{}

	events chan event
	done   chan struct{}
	wg     sync.WaitGroup
}

// New builds a supervisor and starts its event loop. No worker is spawned until one is needed.
func New(spawner Spawner, opts ...Option) *Supervisor {
	s := &Supervisor{
		log:      zap.NewNop().Sugar(),
		spawner:  spawner,
		maxFails: DefaultMaxFails,
		onFrame:  func(protocol.Frame) {},
		onCrash:  func(error) {},
		onFatal:  FatalExit,
		state:    Stopped,
		changed:  make(chan struct{}),
		events:   make(chan event),
		done:     make(chan struct{}),
	}
	for _, o := range opts {
		o(s)
	}

	s.wg.Add(1)
	go s.run()
	return s
}

func (s *Supervisor) State() State {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

func (s *Supervisor) FailCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.failCount
}

// Pid returns the pid of the running worker, or 0 if there is none.
func (s *Supervisor) Pid() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.worker == nil {
		return 0
	}
	return s.worker.Pid()
}

// Changed returns a channel that is closed on the next state transition.
func (s *Supervisor) Changed() <-chan struct{} {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.changed
}

func (s *Supervisor) setStateLocked(st State) {
	s.state = st
	close(s.changed)
	s.changed = make(chan struct{})
}

// WithWorker waits for a running worker, spawning one if the supervisor is stopped, and calls fn with it.
// fn runs while the supervisor's lock is held, so the worker cannot be declared dead while fn runs.
// If fn registers something that a crash handler cleans up, it is guaranteed to be cleaned up.
func (s *Supervisor) WithWorker(ctx context.Context, fn func(w *Worker) error) (*Worker, error) {
	for {
		s.mu.Lock()
		switch {
		case s.closed:
			s.mu.Unlock()
			return nil, ErrClosed
		case s.fatalErr != nil:
			err := s.fatalErr
			s.mu.Unlock()
			return nil, err
		case s.state == Running:
			w := s.worker
			err := fn(w)
			s.mu.Unlock()
			if err != nil {
				return nil, err
			}
			return w, nil
		case s.state == Stopped:
			err := s.spawnLocked(ctx)
			if err == nil {
				s.mu.Unlock()
				continue
			}
			s.failCount++
			if fatal := s.checkBudgetLocked(err); fatal != nil {
				s.mu.Unlock()
				s.escalate(fatal)
				return nil, fatal
			}
			s.setStateLocked(Stopped)
			s.mu.Unlock()
			s.log.Warnw("worker spawn failed", "Error", err, "Fails", s.FailCount())
			return nil, err
		default:
			ch := s.changed
			s.mu.Unlock()
			select {
			case <-ch:
			case <-ctx.Done():
				return nil, ctx.Err()
			}
		}
	}
}

// spawnLocked starts a new worker and its output reader.
func (s *Supervisor) spawnLocked(ctx context.Context) error {
	s.setStateLocked(Starting)
	proc, err := s.spawner.Spawn(context.WithoutCancel(ctx))
	if err != nil {
		s.setStateLocked(Crashed)
		return &SpawnError{Err: err}
	}
	s.gen++
	w := &Worker{proc: proc, gen: s.gen}
	s.worker = w
	s.setStateLocked(Running)
	s.log.Infow("worker started", "Pid", proc.Pid(), "Generation", w.gen)

	s.wg.Add(1)
	go s.pump(w)
	return nil
}

// checkBudgetLocked moves the supervisor to its terminal state if the fail count is over budget.
func (s *Supervisor) checkBudgetLocked(cause error) *FatalError {
	if s.failCount <= s.maxFails {
		return nil
	}
	s.fatalErr = &FatalError{Fails: s.failCount, MaxFails: s.maxFails, Cause: cause}
	s.worker = nil
	s.setStateLocked(Stopped)
	return s.fatalErr
}

func (s *Supervisor) escalate(err *FatalError) {
	s.log.Errorw("fail budget exhausted", "Error", err)
	s.onFatal(err)
}

func (s *Supervisor) send(ev event) bool {
	select {
	case s.events <- ev:
		return true
	case <-s.done:
		return false
	}
}

// pump reads w's stdout to EOF, then reaps it. Frames and the exit travel over the same channel, in order.
func (s *Supervisor) pump(w *Worker) {
	defer s.wg.Done()
	log := s.log.With("Pid", w.Pid())

	readErr := protocol.ReadReplies(w.proc.Stdout(), func(f protocol.Frame) {
		s.send(event{gen: w.gen, frame: &f})
	})
	if readErr != nil {
		log.Debugf("stdout reader got error: %s", readErr)
	}

	// a worker that closed stdout but is still running is no longer usable
	_ = w.proc.Kill()
	code, err := w.proc.Wait()
	log.Debugw("worker reaped", "ExitCode", code, "Error", err)
	s.send(event{gen: w.gen, exit: &exitResult{pid: w.Pid(), code: code, err: err, readErr: readErr}})
}

func (s *Supervisor) run() {
	defer s.wg.Done()
	for {
		select {
		case <-s.done:
			return
		case ev := <-s.events:
			switch {
			case ev.frame != nil:
				s.handleFrame(*ev.frame)
			case ev.exit != nil:
				s.handleExit(ev.gen, *ev.exit)
			}
		}
	}
}

func (s *Supervisor) handleFrame(f protocol.Frame) {
	if f.Err == nil {
		s.mu.Lock()
		s.failCount = 0
		s.mu.Unlock()
	}
	s.onFrame(f)
}

func (s *Supervisor) handleExit(gen int, res exitResult) {
	cause := res.err
	if cause == nil {
		cause = res.readErr
	}
	exitErr := &WorkerExitedError{Pid: res.pid, ExitCode: res.code, Err: cause}

	s.mu.Lock()
	if s.closed || s.worker == nil || s.worker.gen != gen {
		s.mu.Unlock()
		return
	}
	s.worker.closeStdin()
	s.worker = nil
	s.failCount++
	fails := s.failCount
	s.setStateLocked(Crashed)
	fatal := s.checkBudgetLocked(exitErr)
	s.mu.Unlock()

	s.log.Errorw("worker exited unexpectedly", "Pid", res.pid, "ExitCode", res.code, "Error", cause, "Fails", fails)
	s.onCrash(exitErr)

	if fatal != nil {
		s.escalate(fatal)
		return
	}
	s.restart()
}

// restart replaces a crashed worker, retrying failed spawns until the fail budget is spent.
func (s *Supervisor) restart() {
	if s.restartDelay > 0 {
		t := time.NewTimer(s.restartDelay)
		defer t.Stop()
		select {
		case <-t.C:
		case <-s.done:
			return
		}
	}

	s.mu.Lock()
	for {
		if s.closed {
			s.mu.Unlock()
			return
		}
		err := s.spawnLocked(context.Background())
		if err == nil {
			s.mu.Unlock()
			return
		}
		s.failCount++
		s.log.Warnw("worker respawn failed", "Error", err, "Fails", s.failCount)
		if fatal := s.checkBudgetLocked(err); fatal != nil {
			s.mu.Unlock()
			s.onCrash(err)
			s.escalate(fatal)
			return
		}
	}
}

// Close kills the worker and stops the supervisor. No respawn or fatal escalation happens afterwards.
func (s *Supervisor) Close() error {
	s.mu.Lock()
	if s.closed {
		s.mu.Unlock()
		return nil
	}
	s.closed = true
	w := s.worker
	s.worker = nil
	s.setStateLocked(Stopped)
	s.mu.Unlock()

	close(s.done)
	var err error
	if w != nil {
		w.closeStdin()
		err = w.proc.Kill()
		if errors.Is(err, os.ErrProcessDone) {
			err = nil
		}
	}
	s.wg.Wait()
	if err != nil {
		return fmt.Errorf("killing worker: %w", err)
	}
	return nil
}
