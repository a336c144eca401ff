package pty

import (
	"os/exec"
	"strings"
	"testing"
	"time"
)

func shPath(t *testing.T) string {
	t.Helper()
	p, err := exec.LookPath("sh")
	if err != nil {
		t.Skip("sh not found in PATH")
	}
	return p
}

func TestStartRunsChildAndDrainsOutput(t *testing.T) {
	s := New(Config{
		Workspace:   t.TempDir(),
		CommandPath: shPath(t),
		Args:        []string{"-c", "echo hello-pty"},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	_, ch := s.Subscribe()
	var got strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		chunk, err := NextOutput(ch, 500*time.Millisecond)
		if err != nil {
			continue
		}
		got.Write(chunk)
		if strings.Contains(got.String(), "hello-pty") {
			return
		}
	}
	t.Fatalf("did not observe expected output, got: %q", got.String())
}

func TestSpawnFailedForMissingBinary(t *testing.T) {
	s := New(Config{
		Workspace:   t.TempDir(),
		CommandPath: "/no/such/binary-xyz",
	})
	err := s.Start()
	if err == nil {
		t.Fatal("expected an error starting a missing binary")
	}
	if s.State() != StateStopped {
		t.Fatalf("expected state stopped after spawn failure, got %v", s.State())
	}
}

func TestWriteInputReachesChild(t *testing.T) {
	s := New(Config{
		Workspace:   t.TempDir(),
		CommandPath: shPath(t),
		Args:        []string{"-c", "read line; echo \"got:$line\""},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer s.Stop()

	_, ch := s.Subscribe()
	s.WriteInput([]byte("abc\r\n"))

	var got strings.Builder
	deadline := time.Now().Add(3 * time.Second)
	for time.Now().Before(deadline) {
		chunk, err := NextOutput(ch, 500*time.Millisecond)
		if err != nil {
			continue
		}
		got.Write(chunk)
		if strings.Contains(got.String(), "got:abc") {
			return
		}
	}
	t.Fatalf("input did not reach child, got: %q", got.String())
}

func TestStopIsIdempotent(t *testing.T) {
	s := New(Config{
		Workspace:   t.TempDir(),
		CommandPath: shPath(t),
		Args:        []string{"-c", "sleep 5"},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()
	s.Stop() // must not panic or block

	if s.State() != StateStopped {
		t.Fatalf("expected stopped, got %v", s.State())
	}
}

func TestWriteInputSilentlyNoopsAfterStop(t *testing.T) {
	s := New(Config{
		Workspace:   t.TempDir(),
		CommandPath: shPath(t),
		Args:        []string{"-c", "sleep 5"},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	s.Stop()

	// Must not panic even though the master fd is closed.
	s.WriteInput([]byte("still here?"))
	if err := s.Resize(100, 40); err != nil {
		t.Fatalf("Resize after stop should be a silent no-op, got: %v", err)
	}
}

func TestChildExitTransitionsToStopped(t *testing.T) {
	s := New(Config{
		Workspace:   t.TempDir(),
		CommandPath: shPath(t),
		Args:        []string{"-c", "true"},
	})
	if err := s.Start(); err != nil {
		t.Fatalf("Start: %v", err)
	}
	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && s.State() != StateStopped {
		time.Sleep(10 * time.Millisecond)
	}
	if s.State() != StateStopped {
		t.Fatalf("expected child exit to reach Stopped, got %v", s.State())
	}
}
