package executor

import (
	"context"
	"errors"
	"os"
	"strings"

	"github.com/aristath/taskgraph/internal/orchestrator"
	"github.com/aristath/taskgraph/internal/scheduler"
)

// Kinds registered by NewDefault.
const (
	KindShell = "shell"
	KindEcho  = "echo"
	KindSleep = "sleep"
)

// Shell runs Definition.Input with `sh -c`. The optional "dir" param sets the
// working directory and "env.NAME" params add environment variables.
type Shell struct {
	procs *ProcessManager
	dir   string
}

// NewShell creates a shell executor. pm may be nil.
func NewShell(pm *ProcessManager) *Shell {
	return &Shell{procs: pm}
}

// WithDir sets the default working directory.
func (s *Shell) WithDir(dir string) *Shell {
	s.dir = dir
	return s
}

// Execute runs the command and returns its trimmed stdout. A non-zero exit
// is a retryable error carrying stderr; an empty command fails permanently.
func (s *Shell) Execute(ctx context.Context, def scheduler.Definition) (string, error) {
	if strings.TrimSpace(def.Input) == "" {
		return "", orchestrator.Permanent(errors.New("shell task has no command"))
	}

	cmd := newCommand(ctx, "sh", "-c", def.Input)
	cmd.Dir = s.dir
	if dir := def.Params["dir"]; dir != "" {
		cmd.Dir = dir
	}
	cmd.Env = os.Environ()
	for k, v := range def.Params {
		if name, ok := strings.CutPrefix(k, "env."); ok && name != "" {
			cmd.Env = append(cmd.Env, name+"="+v)
		}
	}

	stdout, _, err := executeCommand(cmd, s.procs)
	if err != nil {
		if ctxErr := ctx.Err(); ctxErr != nil {
			return "", ctxErr
		}
		return "", err
	}
	return strings.TrimRight(string(stdout), "\n"), nil
}
