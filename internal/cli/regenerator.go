package cli

import (
	"context"
	"fmt"
	"os"
	"os/exec"
)

// ExecRegenerator runs an external pipeline command once per trial. The
// command executes with the trial directory as its working directory and as
// the value of RUNPROOF_TRIAL_DIR, and must write its outputs there.
type ExecRegenerator struct {
	Command []string
}

func (e *ExecRegenerator) Regenerate(ctx context.Context, dir string, trial int) error {
	if len(e.Command) == 0 {
		return fmt.Errorf("regenerate: empty command")
	}
	cmd := exec.CommandContext(ctx, e.Command[0], e.Command[1:]...)
	cmd.Dir = dir
	cmd.Env = append(os.Environ(),
		"RUNPROOF_TRIAL_DIR="+dir,
		fmt.Sprintf("RUNPROOF_TRIAL=%d", trial),
	)
	out, err := cmd.CombinedOutput()
	if err != nil {
		return fmt.Errorf("regenerate trial %d: %w: %s", trial, err, out)
	}
	return nil
}
