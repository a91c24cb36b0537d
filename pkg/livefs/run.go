package livefs

import (
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/exec"
	"strings"
)

// Runner executes external tools for the engine. Every invocation is logged
// at debug level with the workspace path replaced by ${BASE}, so logs stay
// readable across runs.
type Runner struct {
	logger *slog.Logger
	base   string
}

func NewRunner(logger *slog.Logger, base string) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	return &Runner{logger: logger, base: base}
}

func (r *Runner) redact(args []string) string {
	parts := make([]string, 0, len(args))
	for _, a := range args {
		parts = append(parts, strings.ReplaceAll(a, r.base, "${BASE}"))
	}
	return strings.Join(parts, " ")
}

// Run executes a command, inheriting stdout/stderr. A non-zero exit is
// returned as an error naming the command.
func (r *Runner) Run(name string, args ...string) error {
	return r.run("", nil, os.Stdout, name, args...)
}

// RunIn is Run with an explicit working directory.
func (r *Runner) RunIn(dir, name string, args ...string) error {
	return r.run(dir, nil, os.Stdout, name, args...)
}

// RunInput is Run with the given reader attached to stdin.
func (r *Runner) RunInput(stdin io.Reader, name string, args ...string) error {
	return r.run("", stdin, os.Stdout, name, args...)
}

// RunOutput is Run with stdout redirected to the given writer.
func (r *Runner) RunOutput(stdout io.Writer, name string, args ...string) error {
	return r.run("", nil, stdout, name, args...)
}

func (r *Runner) run(dir string, stdin io.Reader, stdout io.Writer, name string, args ...string) error {
	r.logger.Debug("running command", "cmd", r.redact(append([]string{name}, args...)))
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdin = stdin
	cmd.Stdout = stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}

// RunCapture executes a command and returns its stdout. On failure the
// captured stderr is folded into the error.
func (r *Runner) RunCapture(name string, args ...string) (string, error) {
	r.logger.Debug("running command", "cmd", r.redact(append([]string{name}, args...)))
	var stdout, stderr strings.Builder
	cmd := exec.Command(name, args...)
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr
	if err := cmd.Run(); err != nil {
		msg := strings.TrimSpace(stderr.String())
		if msg != "" {
			return "", fmt.Errorf("%s: %w: %s", name, err, msg)
		}
		return "", fmt.Errorf("%s: %w", name, err)
	}
	return stdout.String(), nil
}

// Interactive runs a command attached to the caller's terminal.
func (r *Runner) Interactive(dir, name string, args ...string) error {
	r.logger.Debug("running command", "cmd", r.redact(append([]string{name}, args...)))
	cmd := exec.Command(name, args...)
	cmd.Dir = dir
	cmd.Stdin = os.Stdin
	cmd.Stdout = os.Stdout
	cmd.Stderr = os.Stderr
	if err := cmd.Run(); err != nil {
		return fmt.Errorf("%s: %w", name, err)
	}
	return nil
}
