package service_test

import (
	"bytes"
	"context"
	"os"
	"os/exec"
	"strings"
	"testing"
	"time"

	"github.com/CZERTAINLY/RepoStats/internal/model"
	"github.com/CZERTAINLY/RepoStats/internal/service"
	"github.com/stretchr/testify/require"
)

func lookSh(t *testing.T) string {
	t.Helper()
	sh, err := exec.LookPath("sh")
	if err != nil {
		t.Skipf("skipped, binary sh not available: %v", err)
	}
	return sh
}

func waitExited(t *testing.T, r *service.Runner) service.Result {
	t.Helper()
	select {
	case <-r.Drained():
	case <-time.After(10 * time.Second):
		t.Fatal("process did not exit")
	}
	return r.Result()
}

func TestRunner(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	cmd := service.Command{
		Path: sh,
		Args: []string{"-c", "echo stdout; printf 'stderr\\r\\nstderr\\n' 1>&2; printf tail 1>&2"},
		Env:  []string{"LC_ALL=C"},
	}

	var stdout bytes.Buffer
	var stderr []string
	handle := func(_ context.Context, line string) {
		stderr = append(stderr, line)
	}

	runner := service.NewRunner()
	require.Zero(t, runner.PID())
	err := runner.Start(t.Context(), cmd, &stdout, handle)
	require.NoError(t, err)
	require.NotZero(t, runner.PID())

	t.Run("in progress", func(t *testing.T) {
		err := runner.Start(t.Context(), cmd, &stdout, handle)
		require.ErrorIs(t, err, model.ErrInProgress)
	})

	res := waitExited(t, runner)
	require.Equal(t, sh, res.Path)
	require.Equal(t, cmd.Args, res.Args)
	require.NotZero(t, res.Started)
	require.False(t, res.Stopped.Before(res.Started))
	require.NoError(t, res.Err)
	require.NoError(t, res.ReadErr)
	require.Equal(t, 0, res.ExitCode())
	require.Equal(t, "stdout\n", stdout.String())
	require.Equal(t, []string{"stderr", "stderr", "tail"}, stderr)

	t.Run("signal after exit", func(t *testing.T) {
		require.ErrorIs(t, runner.Terminate(), os.ErrProcessDone)
		require.ErrorIs(t, runner.Kill(), os.ErrProcessDone)
	})
}

func TestRunnerExitCode(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", "exit 3"}}, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	res := waitExited(t, runner)
	require.Equal(t, 3, res.ExitCode())
	var exitErr *exec.ExitError
	require.ErrorAs(t, res.Err, &exitErr)
}

func TestRunnerSpawnError(t *testing.T) {
	t.Parallel()
	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{Path: "repostats-does-not-exist"}, &bytes.Buffer{}, nil)
	require.ErrorIs(t, err, model.ErrSpawn)
	var execErr *exec.Error
	require.ErrorAs(t, err, &execErr)
	require.Equal(t, "repostats-does-not-exist", execErr.Name)
	require.Zero(t, runner.PID())
	require.ErrorIs(t, runner.Terminate(), os.ErrProcessDone)
}

func TestRunnerLongLine(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	// 100k characters on one line, then a short one
	script := `i=0; while [ $i -lt 1000 ]; do printf '%0100d' 0 1>&2; i=$((i+1)); done; printf '\nafter\n' 1>&2; echo done`
	var stdout bytes.Buffer
	var stderr []string
	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", script}}, &stdout, func(_ context.Context, line string) {
		stderr = append(stderr, line)
	})
	require.NoError(t, err)
	res := waitExited(t, runner)
	require.Equal(t, 0, res.ExitCode())
	require.Equal(t, "done\n", stdout.String())
	// truncated to the first 64 KiB, the remainder of the line is dropped
	require.Len(t, stderr, 2)
	require.Len(t, stderr[0], 64*1024)
	require.Equal(t, "after", stderr[1])
}

func TestRunnerDrainAfterExit(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	// the background sleep inherits both pipes and outlives the shell
	script := `echo out; echo err 1>&2; sleep 5 & exit 0`
	var stdout bytes.Buffer
	var stderr []string
	runner := service.NewRunner()
	runner.DrainDelay = 100 * time.Millisecond
	err := runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", script}}, &stdout, func(_ context.Context, line string) {
		stderr = append(stderr, line)
	})
	require.NoError(t, err)

	select {
	case <-runner.Exited():
	case <-time.After(3 * time.Second):
		t.Fatal("exit not reported while the pipes are held open")
	}
	require.Equal(t, 0, runner.Result().ExitCode())
	require.ErrorIs(t, runner.Kill(), os.ErrProcessDone)

	start := time.Now()
	res := waitExited(t, runner)
	require.Less(t, time.Since(start), 3*time.Second)
	require.NoError(t, res.ReadErr)
	require.Equal(t, "out\n", stdout.String())
	require.Equal(t, []string{"err"}, stderr)
}

func TestRunnerLargeStdout(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	// stdout far beyond a pipe buffer while stderr is written too
	script := `i=0; while [ $i -lt 2000 ]; do echo "row,$i"; echo "Processing $i/2000" 1>&2; i=$((i+1)); done`
	var stdout bytes.Buffer
	lines := 0
	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", script}}, &stdout, func(context.Context, string) {
		lines++
	})
	require.NoError(t, err)
	res := waitExited(t, runner)
	require.Equal(t, 0, res.ExitCode())
	require.Equal(t, 2000, lines)
	require.Equal(t, 2000, strings.Count(stdout.String(), "\n"))
}

func TestRunnerTerminate(t *testing.T) {
	t.Parallel()
	sh := lookSh(t)

	runner := service.NewRunner()
	err := runner.Start(t.Context(), service.Command{Path: sh, Args: []string{"-c", "sleep 30"}}, &bytes.Buffer{}, nil)
	require.NoError(t, err)
	require.NoError(t, runner.Terminate())
	res := waitExited(t, runner)
	require.NotEqual(t, 0, res.ExitCode())
	require.Less(t, res.Stopped.Sub(res.Started), 10*time.Second)
}
