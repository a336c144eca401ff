// Package pty implements the PTY Session component (spec.md §4.1, C1): one
// child process and its controlling pseudo-terminal, with a non-blocking
// output drain, serialized input/resize, and idempotent teardown. Grounded
// on the teacher's internal/session/session.go, trimmed from a multi-session
// manager (sessions keyed by ID, naming, tagging, cross-session messaging)
// down to the single PTY-per-process shape spec.md §3 describes: exactly
// one Session lives for the agent process's lifetime (or one per attach in
// direct-exec test harnesses), not a table of many.
package pty

import (
	"errors"
	"fmt"
	"log/slog"
	"os"
	"os/exec"
	"sync"
	"sync/atomic"
	"syscall"
	"time"
	"unicode/utf8"

	"github.com/creack/pty"
)

// ErrSpawnFailed is returned by Start when the child binary cannot be found
// or exec fails (spec.md §7 SpawnFailed).
var ErrSpawnFailed = errors.New("spawn failed")

// ErrStopped is returned by NextOutput when the subscription channel has
// been closed, because the output drain ended or the listener was
// unsubscribed.
var ErrStopped = errors.New("pty session stopped")

// ErrTimeout is returned by NextOutput when no chunk arrives before the
// deadline.
var ErrTimeout = errors.New("timeout")

const (
	// readChunk is the max size of a single PTY read (spec.md §4.1).
	readChunk = 4096
	// outputQueueCapacity is C from spec.md §3 (recommended C=1000 frames).
	outputQueueCapacity = 1000
	// stopGrace is the delay before escalating SIGTERM to SIGKILL (spec.md §5).
	stopGrace = 1 * time.Second
)

// Config describes how to launch the child process.
type Config struct {
	// Workspace is the absolute path used as the child's working directory.
	Workspace string
	// CommandPath is the absolute (or PATH-resolved) path to the CLI to exec.
	CommandPath string
	// Args are additional arguments passed to CommandPath.
	Args []string
	// InitialCols/InitialRows seed the PTY's starting window size.
	InitialCols, InitialRows uint16
}

// Session owns one child process and its controlling pseudo-terminal.
type Session struct {
	cfg    Config
	master *os.File
	cmd    *exec.Cmd

	state *stateWatcher

	broadcaster *Broadcaster

	writeMu sync.Mutex // serializes write_input/resize on the master fd

	outputBytes  atomic.Uint64
	lastOutputAt atomic.Int64 // unix nano

	snippetMu sync.Mutex
	snippet   []byte // last ~200 bytes of valid-UTF8 output, for status display

	drainDone chan struct{}
	waitDone  chan struct{} // closed once, by waitLoop, after cmd.Wait() returns
	stopOnce  sync.Once
}

// New constructs a Session in the New state. Call Start to launch the child.
func New(cfg Config) *Session {
	return &Session{
		cfg:         cfg,
		state:       newStateWatcher(StateNew),
		broadcaster: NewBroadcaster(),
		drainDone:   make(chan struct{}),
		waitDone:    make(chan struct{}),
	}
}

// State returns the current lifecycle state.
func (s *Session) State() State { return s.state.Get() }

// Start launches the child with the PTY slave as stdin/stdout/stderr, in its
// own session, CWD set to cfg.Workspace, TERM=xterm-256color in the
// environment, and the configured starting window size. It returns once the
// child is live; the output drain runs in the background from here on.
func (s *Session) Start() error {
	if s.state.Get() != StateNew {
		return fmt.Errorf("session already started")
	}
	s.state.Set(StateStarting)

	args := append([]string{}, s.cfg.Args...)
	cmd := exec.Command(s.cfg.CommandPath, args...)
	cmd.Dir = s.cfg.Workspace
	cmd.Env = append(os.Environ(), "TERM=xterm-256color")
	// Deliberately not exec.CommandContext: Stop() is the single path that
	// may close the master fd or touch the child (spec.md §9 "Child-process
	// ownership"), so cancellation must flow through Stop, not through a
	// context tearing the process down behind the Session's back.

	cols, rows := s.cfg.InitialCols, s.cfg.InitialRows
	if cols == 0 {
		cols = 80
	}
	if rows == 0 {
		rows = 24
	}

	master, err := pty.StartWithSize(cmd, &pty.Winsize{Cols: cols, Rows: rows})
	if err != nil {
		s.state.Set(StateStopped)
		return fmt.Errorf("%w: %v", ErrSpawnFailed, err)
	}

	s.master = master
	s.cmd = cmd
	s.state.Set(StateRunning)

	go s.drainLoop()
	go s.waitLoop()

	return nil
}

// drainLoop is the dedicated task that reads from the PTY master and
// broadcasts decoded chunks (spec.md §4.1 "Drain algorithm"). It runs on a
// goroutine backed by Go's blocking-I/O-capable thread pool — reads of up
// to 4KiB, invalid UTF-8 replaced rather than rejected, EOF/I/O error ends
// the drain and the session transitions toward Stopped.
func (s *Session) drainLoop() {
	defer close(s.drainDone)
	// The drain is the only sender, so once it ends every subscriber channel
	// can be closed safely; readers observe the end of the stream.
	defer func() {
		b := s.broadcaster
		b.mu.Lock()
		for id, ch := range b.listeners {
			close(ch)
			delete(b.listeners, id)
		}
		b.mu.Unlock()
	}()
	buf := make([]byte, readChunk)
	for {
		n, err := s.master.Read(buf)
		if n > 0 {
			chunk := decodeUTF8(buf[:n])
			s.recordOutput(chunk)
			s.broadcaster.Send(chunk)
		}
		if err != nil {
			slog.Debug("pty drain loop ending", "err", err)
			return
		}
	}
}

// waitLoop is the single caller of cmd.Wait() for the life of the session —
// exec.Cmd.Wait is call-once (it races on Process.wait()/ProcessState if
// called twice concurrently), so Stop() never calls it itself and instead
// waits on waitDone, which this loop closes exactly once.
func (s *Session) waitLoop() {
	_ = s.cmd.Wait()
	close(s.waitDone)
	s.transitionStopping()
	<-s.drainDone
	s.state.Set(StateStopped)
}

func (s *Session) transitionStopping() {
	s.writeMu.Lock()
	if s.state.Get() == StateRunning {
		s.state.Set(StateStopping)
	}
	s.writeMu.Unlock()
}

// recordOutput updates observability counters and the display snippet.
// decodeUTF8 already replaces invalid sequences, so chunk is valid UTF-8.
func (s *Session) recordOutput(chunk []byte) {
	s.outputBytes.Add(uint64(len(chunk)))
	s.lastOutputAt.Store(time.Now().UnixNano())

	s.snippetMu.Lock()
	s.snippet = append(s.snippet, chunk...)
	const maxSnippet = 200
	if len(s.snippet) > maxSnippet {
		// Trim from the front, landing on a rune boundary so the snippet
		// stays valid UTF-8.
		cut := len(s.snippet) - maxSnippet
		for cut < len(s.snippet) && !utf8.RuneStart(s.snippet[cut]) {
			cut++
		}
		s.snippet = append([]byte{}, s.snippet[cut:]...)
	}
	s.snippetMu.Unlock()
}

// decodeUTF8 replaces invalid byte sequences with the Unicode replacement
// character, matching spec.md §4.1's "decoded as UTF-8 with replacement".
func decodeUTF8(b []byte) []byte {
	if utf8.Valid(b) {
		out := make([]byte, len(b))
		copy(out, b)
		return out
	}
	out := make([]byte, 0, len(b)+4)
	for len(b) > 0 {
		r, size := utf8.DecodeRune(b)
		out = utf8.AppendRune(out, r)
		b = b[size:]
	}
	return out
}

// WriteInput pushes raw bytes — including escape sequences, carriage
// returns, and control characters — to the PTY master. It is non-blocking
// (small writes) and fails silently once the session has stopped, matching
// spec.md §4.1.
func (s *Session) WriteInput(data []byte) {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.state.Get() == StateStopped || s.master == nil {
		return
	}
	if _, err := s.master.Write(data); err != nil {
		slog.Debug("pty write_input failed", "err", err)
	}
}

// Resize issues a window-size ioctl on the PTY master. It is a no-op once
// the session has stopped.
func (s *Session) Resize(cols, rows uint16) error {
	s.writeMu.Lock()
	defer s.writeMu.Unlock()
	if s.state.Get() == StateStopped || s.master == nil {
		return nil
	}
	return pty.Setsize(s.master, &pty.Winsize{Cols: cols, Rows: rows})
}

// Subscribe registers a new output listener. Callers should Unsubscribe
// when done (e.g. when an SSE connection closes).
func (s *Session) Subscribe() (id uint64, ch <-chan []byte) {
	return s.broadcaster.Subscribe(outputQueueCapacity)
}

// Unsubscribe removes a previously registered output listener.
func (s *Session) Unsubscribe(id uint64) {
	s.broadcaster.Unsubscribe(id)
}

// NextOutput waits up to timeout for the next chunk on ch (as returned by
// Subscribe). It returns ErrTimeout on idle timeout, matching spec.md §4.1's
// next_output(timeout) contract used by the SSE transport.
func NextOutput(ch <-chan []byte, timeout time.Duration) ([]byte, error) {
	timer := time.NewTimer(timeout)
	defer timer.Stop()
	select {
	case chunk, ok := <-ch:
		if !ok {
			return nil, ErrStopped
		}
		return chunk, nil
	case <-timer.C:
		return nil, ErrTimeout
	}
}

// Stop cancels the drain task, closes the master endpoint exactly once,
// sends SIGTERM to the child and reaps it, escalating to SIGKILL after
// stopGrace if it hasn't exited, and drains any remaining output. Idempotent
// — a second call is a no-op (spec.md §8 invariant 3, round-trip 8).
func (s *Session) Stop() {
	s.stopOnce.Do(func() {
		s.transitionStopping()

		if s.cmd != nil && s.cmd.Process != nil {
			_ = s.cmd.Process.Signal(syscall.SIGTERM)
			select {
			case <-s.waitDone:
			case <-time.After(stopGrace):
				_ = s.cmd.Process.Kill()
				<-s.waitDone
			}
		}

		if s.master != nil {
			_ = s.master.Close()
		}

		if s.drainDone != nil {
			<-s.drainDone
		}
		s.state.Set(StateStopped)
	})
}

// Stats is a snapshot of observational counters (expansion, spec_full §4.1).
type Stats struct {
	OutputBytes   uint64
	OverflowCount uint64
	LastOutputAt  time.Time
	Snippet       string
	State         State
}

// Stats returns a point-in-time snapshot for health/status endpoints.
func (s *Session) Stats() Stats {
	s.snippetMu.Lock()
	snippet := string(s.snippet)
	s.snippetMu.Unlock()

	var lastOutput time.Time
	if ns := s.lastOutputAt.Load(); ns != 0 {
		lastOutput = time.Unix(0, ns)
	}

	return Stats{
		OutputBytes:   s.outputBytes.Load(),
		OverflowCount: s.broadcaster.OverflowCount(),
		LastOutputAt:  lastOutput,
		Snippet:       snippet,
		State:         s.state.Get(),
	}
}

// ChildAlive reports whether the child process is still running, for the
// agent's /health endpoint.
func (s *Session) ChildAlive() bool {
	st := s.state.Get()
	return st == StateRunning || st == StateStopping
}

// SubscriberCount returns the number of live output subscribers.
func (s *Session) SubscriberCount() int {
	return s.broadcaster.Count()
}
