//go:build unix

package tpu

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/skobkin/acceltop-web/internal/accel"
)

func TestExecRunnerStreamsLines(t *testing.T) {
	var lines []string
	err := ExecRunner{Timeout: 5 * time.Second}.Run(context.Background(),
		[]string{"sh", "-c", "echo '0 1 2 3.0 v4'; echo '1 1 2 3.0 v4'"},
		func(line string) bool {
			lines = append(lines, line)
			return true
		})
	require.NoError(t, err)
	assert.Equal(t, []string{"0 1 2 3.0 v4", "1 1 2 3.0 v4"}, lines)
}

func TestExecRunnerStopsEarly(t *testing.T) {
	var lines int
	start := time.Now()
	err := ExecRunner{Timeout: 5 * time.Second}.Run(context.Background(),
		[]string{"sh", "-c", "echo a; sleep 10; echo b"},
		func(string) bool {
			lines++
			return false
		})
	require.NoError(t, err)
	assert.Equal(t, 1, lines)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerTimeoutKillsGroup(t *testing.T) {
	start := time.Now()
	err := ExecRunner{Timeout: 100 * time.Millisecond}.Run(context.Background(),
		[]string{"sh", "-c", "sleep 10 & sleep 10"},
		func(string) bool { return true })
	require.ErrorIs(t, err, context.DeadlineExceeded)
	assert.Less(t, time.Since(start), 5*time.Second)
}

func TestExecRunnerMissingBinary(t *testing.T) {
	err := ExecRunner{}.Run(context.Background(),
		[]string{"acceltop-definitely-not-installed"},
		func(string) bool { return true })
	assert.ErrorIs(t, err, accel.ErrToolMissing)
}

func TestExecRunnerNonZeroExit(t *testing.T) {
	err := ExecRunner{}.Run(context.Background(), []string{"sh", "-c", "exit 3"}, func(string) bool { return true })
	assert.Error(t, err)
}
