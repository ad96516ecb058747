package console

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/charmbracelet/huh"
	"github.com/fatih/color"
	"github.com/mattn/go-isatty"

	"questmaestro/internal/domain"
)

// Console writes user-facing output and asks the user questions. On a
// terminal it uses interactive forms; otherwise it reads answers line by line.
type Console struct {
	In          io.Reader
	Out         io.Writer
	Interactive bool

	lines *bufio.Reader
}

// New returns a console on stdin/stdout.
func New() *Console {
	return &Console{
		In:          os.Stdin,
		Out:         os.Stdout,
		Interactive: isatty.IsTerminal(os.Stdin.Fd()) && isatty.IsTerminal(os.Stdout.Fd()),
	}
}

var (
	bright = color.New(color.Bold).SprintFunc()
	green  = color.New(color.FgGreen).SprintFunc()
	yellow = color.New(color.FgYellow).SprintFunc()
	red    = color.New(color.FgRed).SprintFunc()
	dim    = color.New(color.Faint).SprintFunc()
)

func (c *Console) out() io.Writer {
	if c.Out == nil {
		return os.Stdout
	}
	return c.Out
}

func (c *Console) Title(format string, args ...any) {
	fmt.Fprintf(c.out(), "\n%s\n\n", bright(fmt.Sprintf(format, args...)))
}

func (c *Console) Info(format string, args ...any) {
	fmt.Fprintln(c.out(), fmt.Sprintf(format, args...))
}

func (c *Console) Success(format string, args ...any) {
	fmt.Fprintln(c.out(), green(fmt.Sprintf(format, args...)))
}

func (c *Console) Warn(format string, args ...any) {
	fmt.Fprintln(c.out(), yellow(fmt.Sprintf(format, args...)))
}

func (c *Console) Error(format string, args ...any) {
	fmt.Fprintln(c.out(), red(fmt.Sprintf(format, args...)))
}

func (c *Console) Dim(format string, args ...any) {
	fmt.Fprintln(c.out(), dim(fmt.Sprintf(format, args...)))
}

// Confirm asks a yes/no question. Only an explicit yes counts.
func (c *Console) Confirm(ctx context.Context, question string) (bool, error) {
	if c.Interactive {
		var ok bool
		err := huh.NewForm(huh.NewGroup(
			huh.NewConfirm().
				Title(question).
				Affirmative("Yes").
				Negative("No").
				Value(&ok),
		)).RunWithContext(ctx)
		if errors.Is(err, huh.ErrUserAborted) {
			return false, nil
		}
		return ok, err
	}
	answer, err := c.ask(question + " (y/n): ")
	if err != nil {
		return false, err
	}
	switch strings.ToLower(answer) {
	case "y", "yes":
		return true, nil
	}
	return false, nil
}

// Ask reads a one-line answer.
func (c *Console) Ask(ctx context.Context, question string) (string, error) {
	if c.Interactive {
		var answer string
		err := huh.NewForm(huh.NewGroup(
			huh.NewInput().
				Title(question).
				Value(&answer),
		)).RunWithContext(ctx)
		if errors.Is(err, huh.ErrUserAborted) {
			return "", nil
		}
		return strings.TrimSpace(answer), err
	}
	return c.ask(question + " ")
}

// Guide asks how to unblock an agent. It fits agent.GuideFunc.
func (c *Console) Guide(ctx context.Context, agentType domain.AgentType, reason string) (string, error) {
	c.Warn("%s is blocked: %s", agentType, reason)
	if c.Interactive {
		var guidance string
		err := huh.NewForm(huh.NewGroup(
			huh.NewText().
				Title("Guidance for " + string(agentType)).
				Value(&guidance),
		)).RunWithContext(ctx)
		return strings.TrimSpace(guidance), err
	}
	return c.ask("Guidance: ")
}

func (c *Console) ask(prompt string) (string, error) {
	fmt.Fprint(c.out(), prompt)
	if c.lines == nil {
		in := c.In
		if in == nil {
			in = os.Stdin
		}
		c.lines = bufio.NewReader(in)
	}
	line, err := c.lines.ReadString('\n')
	if err != nil && !errors.Is(err, io.EOF) {
		return "", err
	}
	return strings.TrimSpace(line), nil
}
