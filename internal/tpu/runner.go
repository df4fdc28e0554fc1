package tpu

import (
	"bufio"
	"context"
	"errors"
	"fmt"
	"os/exec"
	"time"

	"github.com/skobkin/acceltop-web/internal/accel"
)

// Runner executes argv and feeds each stdout line to onLine until it returns
// false or the output ends.
type Runner interface {
	Run(ctx context.Context, argv []string, onLine func(string) bool) error
}

// ExecRunner runs commands as subprocesses in their own process group so a
// timeout or cancellation kills any children as well.
type ExecRunner struct {
	Timeout   time.Duration
	WaitDelay time.Duration
}

func (r ExecRunner) Run(ctx context.Context, argv []string, onLine func(string) bool) error {
	if len(argv) == 0 {
		return errors.New("empty command")
	}
	if r.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.Timeout)
		defer cancel()
	}

	cmd := exec.CommandContext(ctx, argv[0], argv[1:]...)
	setProcessGroup(cmd)
	cmd.Cancel = func() error { return killProcessGroup(cmd) }
	cmd.WaitDelay = r.WaitDelay
	if cmd.WaitDelay <= 0 {
		cmd.WaitDelay = time.Second
	}

	stdout, err := cmd.StdoutPipe()
	if err != nil {
		return fmt.Errorf("stdout pipe: %w", err)
	}
	if err := cmd.Start(); err != nil {
		if errors.Is(err, exec.ErrNotFound) {
			return fmt.Errorf("%w: %v", accel.ErrToolMissing, err)
		}
		return fmt.Errorf("start %s: %w", argv[0], err)
	}

	stopped := false
	scanner := bufio.NewScanner(stdout)
	for scanner.Scan() {
		if !onLine(scanner.Text()) {
			stopped = true
			break
		}
	}
	scanErr := scanner.Err()
	if stopped {
		if err := killProcessGroup(cmd); err != nil {
			scanErr = errors.Join(scanErr, err)
		}
	}

	waitErr := cmd.Wait()
	if ctxErr := ctx.Err(); ctxErr != nil {
		return fmt.Errorf("%s: %w", argv[0], ctxErr)
	}
	if stopped {
		return scanErr
	}
	if waitErr != nil {
		return fmt.Errorf("%s: %w", argv[0], waitErr)
	}
	return scanErr
}
