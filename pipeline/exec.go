// Package pipeline provides the reference collaborators behind the
// orchestrator's phase interfaces. Each external phase shells out to an
// operator-configured command speaking JSON on stdin/stdout; commands left
// empty fall back to safe built-in behavior so a minimal config still runs.
package pipeline

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"

	"github.com/kballard/go-shellquote"
	"go.uber.org/zap"

	"github.com/halcyonlabs/mender/errors"
)

// runCommand executes a configured command line with optional stdin and extra
// environment, returning stdout. Stderr is folded into the error on failure.
// The context deadline kills the process, so a hung collaborator surfaces as
// a phase timeout.
func runCommand(ctx context.Context, log *zap.SugaredLogger, cmdline string, stdin []byte, extraEnv []string) ([]byte, error) {
	words, err := shellquote.Split(cmdline)
	if err != nil {
		return nil, errors.Wrapf(err, "failed to parse command %q", cmdline)
	}
	if len(words) == 0 {
		return nil, errors.Newf("empty command")
	}

	cmd := exec.CommandContext(ctx, words[0], words[1:]...)
	cmd.Env = append(os.Environ(), extraEnv...)
	if stdin != nil {
		cmd.Stdin = bytes.NewReader(stdin)
	}

	var stdout, stderr bytes.Buffer
	cmd.Stdout = &stdout
	cmd.Stderr = &stderr

	log.Debugw("Running pipeline command",
		"command", words[0],
		"args", words[1:])

	if err := cmd.Run(); err != nil {
		if ctx.Err() != nil {
			return stdout.Bytes(), errors.Wrapf(ctx.Err(), "command %q", words[0])
		}
		msg := strings.TrimSpace(stderr.String())
		if msg == "" {
			msg = err.Error()
		}
		return stdout.Bytes(), errors.Wrapf(err, "command %q failed: %s", words[0], msg)
	}

	return stdout.Bytes(), nil
}
