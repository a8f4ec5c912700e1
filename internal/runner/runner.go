// BSD 2-Clause License
//
// Copyright (c) 2020, Andrea Giacomo Baldan
// All rights reserved.
//
// Redistribution and use in source and binary forms, with or without
// modification, are permitted provided that the following conditions are met:
//
// * Redistributions of source code must retain the above copyright notice, this
//   list of conditions and the following disclaimer.
//
// * Redistributions in binary form must reproduce the above copyright notice,
//   this list of conditions and the following disclaimer in the documentation
//   and/or other materials provided with the distribution.
//
// THIS SOFTWARE IS PROVIDED BY THE COPYRIGHT HOLDERS AND CONTRIBUTORS "AS IS"
// AND ANY EXPRESS OR IMPLIED WARRANTIES, INCLUDING, BUT NOT LIMITED TO, THE
// IMPLIED WARRANTIES OF MERCHANTABILITY AND FITNESS FOR A PARTICULAR PURPOSE ARE
// DISCLAIMED. IN NO EVENT SHALL THE COPYRIGHT HOLDER OR CONTRIBUTORS BE LIABLE
// FOR ANY DIRECT, INDIRECT, INCIDENTAL, SPECIAL, EXEMPLARY, OR CONSEQUENTIAL
// DAMAGES (INCLUDING, BUT NOT LIMITED TO, PROCUREMENT OF SUBSTITUTE GOODS OR
// SERVICES; LOSS OF USE, DATA, OR PROFITS; OR BUSINESS INTERRUPTION) HOWEVER
// CAUSED AND ON ANY THEORY OF LIABILITY, WHETHER IN CONTRACT, STRICT LIABILITY,
// OR TORT (INCLUDING NEGLIGENCE OR OTHERWISE) ARISING IN ANY WAY OUT OF THE USE
// OF THIS SOFTWARE, EVEN IF ADVISED OF THE POSSIBILITY OF SUCH DAMAGE.

// Package runner executes a single test case against a running sandbox
// container and classifies its outcome under the fixed verdict order
// IE > OLE > MLE > TLE > RE > WA > AC. Every case, Built or Judge, is run
// through the watchdog protocol: a task.json document is staged root-owned
// at 0600 and handed to /home/watchdog, which drops to the guest uid/gid to
// run the case and reports a single JSON result on its stdout. Built cases
// only ever check the exit code; Judge cases additionally compare stdout
// and stderr against the expected files through the checker package.
package runner

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/pkg/errors"

	"github.com/codepr/dsajudge/internal/checker"
	"github.com/codepr/dsajudge/internal/models"
	"github.com/codepr/dsajudge/internal/sandbox"
	"github.com/codepr/dsajudge/internal/verdict"
	"github.com/codepr/dsajudge/internal/watchdog"
)

// execCeiling is the fixed host-side wall-clock ceiling on a single Exec
// call, independent of the problem's configured time limit: it exists so a
// watchdog that never returns cannot hang a worker forever.
const execCeiling = 8 * time.Second

const (
	rootUID = 0
	rootGID = 0

	watchdogDir  = "/home/guest"
	watchdogBin  = "/home/watchdog"
	taskJSONName = "task.json"
)

// Outcome is the classified result of running one test case.
type Outcome struct {
	Result   verdict.Verdict
	ExitCode int
	Stdout   string
	Stderr   string
	TimeMS   int
	MemoryKB int
}

// Sandbox is the subset of the sandbox Driver the runner needs to stage and
// execute a watchdog-wrapped command, narrowed so tests can supply a fake.
type Sandbox interface {
	Exec(ctx context.Context, containerID string, cmd []string, user, workDir string, timeout time.Duration) (sandbox.ExecResult, error)
	UploadFile(ctx context.Context, containerID, srcPath, dstDir string, uid, gid int) error
}

// Limits bundles the per-run resource ceilings the watchdog enforces inside
// the container, the guest identity it drops privileges to, and the
// host-enforced output byte caps that sit alongside the watchdog's own OLE
// detection.
type Limits struct {
	TimeoutMS        int
	MemoryLimitMB    int
	GuestUID         int
	GuestGID         int
	StdoutLimitBytes int
	StderrLimitBytes int
}

// RunBuilt executes a Built test case: compile or setup step, classified
// purely on exit code once every harder failure (OLE/MLE/TLE) has been
// ruled out — stdout/stderr are carried through for display but never
// compared against an expected value.
func RunBuilt(ctx context.Context, sb Sandbox, containerID string, tc models.TestCase, stdin string, limits Limits) Outcome {
	wd, res, err := execWatchdog(ctx, sb, containerID, watchdog.TaskSpec{
		Command:       command(tc),
		Stdin:         stdin,
		TimeoutMS:     limits.TimeoutMS,
		MemoryLimitMB: limits.MemoryLimitMB,
		UID:           limits.GuestUID,
		GID:           limits.GuestGID,
	})
	if err != nil {
		return Outcome{Result: verdict.IE, Stderr: err.Error()}
	}
	if res.Killed {
		return Outcome{Result: verdict.IE, TimeMS: res.TimeMS, Stderr: "watchdog did not return before the host-side ceiling"}
	}

	applyOutputLimits(&wd, limits)

	out := Outcome{ExitCode: wd.ExitCode, Stdout: wd.Stdout, Stderr: wd.Stderr, TimeMS: wd.TimeMS, MemoryKB: wd.MemoryKB}
	switch {
	case wd.OLE:
		out.Result = verdict.OLE
	case wd.MLE:
		out.Result = verdict.MLE
	case wd.TLE:
		out.Result = verdict.TLE
	case wd.ExitCode != tc.ExitCode:
		out.Result = verdict.CE
	default:
		out.Result = verdict.AC
	}
	return out
}

// RunJudge executes a Judge test case: the watchdog-reported result is
// classified through the full precedence cascade IE > OLE > MLE > TLE > RE
// > WA > AC. RE only fires when the case expects a normal exit (ExitCode
// 0) and the program didn't exit normally; a case that expects an abnormal
// exit and gets a clean 0 instead is WA, since the program failed to
// detect its own error condition rather than crashing.
func RunJudge(ctx context.Context, sb Sandbox, containerID string, tc models.TestCase, stdin, expectedStdout, expectedStderr string, limits Limits) Outcome {
	wd, res, err := execWatchdog(ctx, sb, containerID, watchdog.TaskSpec{
		Command:       command(tc),
		Stdin:         stdin,
		TimeoutMS:     limits.TimeoutMS,
		MemoryLimitMB: limits.MemoryLimitMB,
		UID:           limits.GuestUID,
		GID:           limits.GuestGID,
	})
	if err != nil {
		return Outcome{Result: verdict.IE, Stderr: err.Error()}
	}
	if res.Killed {
		return Outcome{Result: verdict.IE, TimeMS: res.TimeMS, Stderr: "watchdog did not return before the host-side ceiling"}
	}

	applyOutputLimits(&wd, limits)

	out := Outcome{
		ExitCode: wd.ExitCode,
		Stdout:   wd.Stdout,
		Stderr:   wd.Stderr,
		TimeMS:   wd.TimeMS,
		MemoryKB: wd.MemoryKB,
	}

	expectNormalExit := tc.ExitCode == 0

	switch {
	case wd.OLE:
		out.Result = verdict.OLE
	case wd.MLE:
		out.Result = verdict.MLE
	case wd.TLE:
		out.Result = verdict.TLE
	case expectNormalExit && wd.ExitCode != 0:
		out.Result = verdict.RE
	case expectedStdout != "" && !checker.Match(expectedStdout, wd.Stdout):
		out.Result = verdict.WA
	case expectedStderr != "" && !checker.Match(expectedStderr, wd.Stderr):
		out.Result = verdict.WA
	case !expectNormalExit && wd.ExitCode == 0:
		out.Result = verdict.WA
	default:
		out.Result = verdict.AC
	}
	return out
}

// execWatchdog stages spec as a root-owned, 0600 task.json inside the
// container and runs /home/watchdog against it, mirroring judge.py's
// _exec_built_task/_exec_judge_task upload-chown-chmod-exec sequence. The
// returned ExecResult is the raw outcome of the watchdog exec itself (so a
// caller can detect the host-side Killed ceiling); the Result is only
// populated when the watchdog actually produced one.
func execWatchdog(ctx context.Context, sb Sandbox, containerID string, spec watchdog.TaskSpec) (watchdog.Result, sandbox.ExecResult, error) {
	payload, err := watchdog.EncodeTask(spec)
	if err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "encode task spec")
	}

	dir, err := os.MkdirTemp("", "watchdog-task")
	if err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "create task.json staging dir")
	}
	defer os.RemoveAll(dir)

	taskPath := filepath.Join(dir, taskJSONName)
	if err := os.WriteFile(taskPath, payload, 0644); err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "write task.json")
	}

	if err := sb.UploadFile(ctx, containerID, taskPath, watchdogDir, rootUID, rootGID); err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "upload task.json")
	}

	taskJSONInContainer := filepath.Join(watchdogDir, taskJSONName)
	if _, err := sb.Exec(ctx, containerID, []string{"chown", "root:root", taskJSONInContainer}, "root", watchdogDir, execCeiling); err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "chown task.json")
	}
	if _, err := sb.Exec(ctx, containerID, []string{"chmod", "600", taskJSONInContainer}, "root", watchdogDir, execCeiling); err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "chmod task.json")
	}

	res, err := sb.Exec(ctx, containerID, []string{watchdogBin, taskJSONName}, "root", watchdogDir, execCeiling)
	if err != nil {
		return watchdog.Result{}, sandbox.ExecResult{}, errors.Wrap(err, "exec watchdog")
	}
	if res.Killed {
		return watchdog.Result{}, res, nil
	}

	wd, err := watchdog.DecodeResult([]byte(res.Stdout))
	if err != nil {
		return watchdog.Result{}, res, errors.Wrap(err, "decode watchdog result")
	}
	return wd, res, nil
}

// command joins a test case's command and whitespace-normalized args into
// the single string the watchdog executes via the shell.
func command(tc models.TestCase) string {
	if strings.TrimSpace(tc.Args) == "" {
		return tc.Command
	}
	return tc.Command + " " + strings.Join(strings.Fields(tc.Args), " ")
}

// applyOutputLimits folds the host-enforced byte caps into wd.OLE and
// appends a truncation notice to stderr, in addition to whatever OLE the
// watchdog itself already detected — a program can blow either limit
// without the watchdog ever being told about it.
func applyOutputLimits(wd *watchdog.Result, limits Limits) {
	stderrOversized := limits.StderrLimitBytes > 0 && len(wd.Stderr) > limits.StderrLimitBytes
	if limits.StdoutLimitBytes > 0 && len(wd.Stdout) > limits.StdoutLimitBytes {
		wd.OLE = true
		notice := fmt.Sprintf("stdout is too long: capacity (%d bytes) exceeded", limits.StdoutLimitBytes)
		wd.Stderr = appendTruncationNotice(wd.Stderr, notice, limits.StderrLimitBytes)
	}
	if stderrOversized {
		wd.OLE = true
		notice := fmt.Sprintf("stderr is too long: capacity (%d bytes) exceeded", limits.StderrLimitBytes)
		wd.Stderr = appendTruncationNotice(wd.Stderr, notice, limits.StderrLimitBytes)
	}
}

func appendTruncationNotice(stderr, notice string, limit int) string {
	if limit <= 0 || limit <= len(notice) {
		return notice
	}
	if len(stderr) > limit-len(notice) {
		stderr = stderr[:limit-len(notice)]
	}
	return stderr + notice
}
