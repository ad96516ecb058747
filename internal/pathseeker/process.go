package pathseeker

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"os/exec"
	"sync"

	"github.com/google/uuid"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	"questmaestro/internal/logging"
)

// ErrKilled is the exit result of a process stopped with Kill.
var ErrKilled = errors.New("process killed")

// maxLineBytes caps one stream-json line handed to OnLine.
const maxLineBytes = 4 * 1024 * 1024

// KillableProcess is a handle on a running agent process.
type KillableProcess interface {
	Kill() error
	// WaitForExit blocks until the process exits or is killed.
	WaitForExit(ctx context.Context) error
}

// Process is a KillableProcess whose exit is delivered exactly once, by
// whichever of exit or Kill happens first.
type Process struct {
	ID   string
	kill func() error
	done chan struct{}
	once sync.Once
	err  error
}

// NewProcess wraps kill; call Exit when the underlying process ends.
func NewProcess(id string, kill func() error) *Process {
	return &Process{ID: id, kill: kill, done: make(chan struct{})}
}

// NewProcessID returns a fresh proc-<uuid> id.
func NewProcessID() string { return "proc-" + uuid.NewString() }

// Exit records the process result. Only the first call counts.
func (p *Process) Exit(err error) {
	p.once.Do(func() {
		p.err = err
		close(p.done)
	})
}

func (p *Process) Kill() error {
	p.Exit(ErrKilled)
	if p.kill != nil {
		return p.kill()
	}
	return nil
}

func (p *Process) WaitForExit(ctx context.Context) error {
	select {
	case <-p.done:
		return p.err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Done is closed once the process has exited.
func (p *Process) Done() <-chan struct{} { return p.done }

// SpawnOptions configures one agent CLI run.
type SpawnOptions struct {
	Prompt          string
	ResumeSessionID string
}

// ChildSpawner starts the agent CLI in stream-json mode.
type ChildSpawner struct {
	Binary string
	Dir    string
	Log    *zap.Logger
	// OnLine receives each stdout line of a spawned process.
	OnLine func(processID, line string)
	// Stderr receives the CLI's stderr; defaults to os.Stderr.
	Stderr io.Writer
	// Command builds the process; tests substitute it.
	Command func(ctx context.Context, name string, args ...string) *exec.Cmd
}

// Args is the CLI argument list for opts.
func Args(opts SpawnOptions) []string {
	args := []string{"-p", opts.Prompt, "--output-format", "stream-json", "--verbose"}
	if opts.ResumeSessionID != "" {
		args = append(args, "--resume", opts.ResumeSessionID)
	}
	return args
}

// Spawn starts the CLI for the pipeline.
func (s ChildSpawner) Spawn(ctx context.Context, opts SpawnOptions) (KillableProcess, error) {
	p, err := s.Start(ctx, opts)
	if err != nil {
		return nil, err
	}
	return p, nil
}

// Start runs the CLI. The returned process exits once stdout is drained and
// the CLI has terminated.
func (s ChildSpawner) Start(ctx context.Context, opts SpawnOptions) (*Process, error) {
	command := s.Command
	if command == nil {
		command = exec.CommandContext
	}
	binary := s.Binary
	if binary == "" {
		binary = "claude"
	}
	cmd := command(ctx, binary, Args(opts)...)
	cmd.Stdin = os.Stdin
	if s.Dir != "" {
		cmd.Dir = s.Dir
	}
	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return nil, fmt.Errorf("stdout pipe: %w", err)
	}
	stderr, err := cmd.StderrPipe()
	if err != nil {
		return nil, fmt.Errorf("stderr pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		return nil, fmt.Errorf("failed to spawn %s: %w", binary, err)
	}

	p := NewProcess(NewProcessID(), func() error {
		if cmd.Process == nil {
			return nil
		}
		return cmd.Process.Kill()
	})
	log := logging.OrNop(s.Log).With(zap.String("process", p.ID))
	log.Info("agent process started", zap.Int("pid", cmd.Process.Pid))

	errOut := s.Stderr
	if errOut == nil {
		errOut = os.Stderr
	}
	var g errgroup.Group
	g.Go(func() error {
		return readLines(stdout, func(line string) {
			if s.OnLine != nil {
				s.OnLine(p.ID, line)
			}
		})
	})
	g.Go(func() error {
		_, err := io.Copy(errOut, stderr)
		return err
	})
	go func() {
		// Wait closes the pipes, so both readers must finish first.
		if err := g.Wait(); err != nil {
			log.Warn("read agent output failed", zap.Error(err))
		}
		err := cmd.Wait()
		log.Info("agent process exited", zap.NamedError("exit", err))
		p.Exit(err)
	}()
	return p, nil
}

// readLines hands each line of r to fn. A line over maxLineBytes ends the
// scan and the rest of r is discarded, so the writer never blocks on a full
// pipe.
func readLines(r io.Reader, fn func(string)) error {
	sc := bufio.NewScanner(r)
	sc.Buffer(make([]byte, 64*1024), maxLineBytes)
	for sc.Scan() {
		fn(sc.Text())
	}
	if err := sc.Err(); err != nil {
		_, _ = io.Copy(io.Discard, r)
		return err
	}
	return nil
}
