package runner

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/codepr/dsajudge/internal/models"
	"github.com/codepr/dsajudge/internal/sandbox"
	"github.com/codepr/dsajudge/internal/verdict"
)

// fakeSandbox scripts one ExecResult per Exec call, in order, and records
// every uploaded file so a test can assert the watchdog staging sequence
// actually ran.
type fakeSandbox struct {
	execResults []sandbox.ExecResult
	execIdx     int
	uploads     int
}

func (f *fakeSandbox) Exec(ctx context.Context, containerID string, cmd []string, user, workDir string, timeout time.Duration) (sandbox.ExecResult, error) {
	r := f.execResults[f.execIdx]
	f.execIdx++
	return r, nil
}

func (f *fakeSandbox) UploadFile(ctx context.Context, containerID, srcPath, dstDir string, uid, gid int) error {
	f.uploads++
	return nil
}

func defaultLimits() Limits {
	return Limits{TimeoutMS: 2000, MemoryLimitMB: 256, GuestUID: 1000, GuestGID: 1000, StdoutLimitBytes: 1 << 20, StderrLimitBytes: 1 << 16}
}

// builtSandbox scripts the chown, chmod and watchdog exec calls RunBuilt
// issues, with the watchdog call reporting watchdogStdout.
func builtSandbox(watchdogStdout string, killed bool) *fakeSandbox {
	return &fakeSandbox{execResults: []sandbox.ExecResult{
		{}, // chown
		{}, // chmod
		{Stdout: watchdogStdout, Killed: killed}, // watchdog
	}}
}

func TestRunBuiltAccepted(t *testing.T) {
	sb := builtSandbox(`{"exit_code":0,"stdout":"","stderr":"","timeMS":5,"memoryKB":128,"TLE":false,"MLE":false,"OLE":false}`, false)
	tc := models.TestCase{Command: "make", ExitCode: 0}
	out := RunBuilt(context.Background(), sb, "c1", tc, "", defaultLimits())
	assert.Equal(t, verdict.AC, out.Result)
	require.Equal(t, 1, sb.uploads, "expected exactly one task.json upload per run")
}

func TestRunBuiltCompileError(t *testing.T) {
	sb := builtSandbox(`{"exit_code":1,"stdout":"","stderr":"","timeMS":5,"memoryKB":128,"TLE":false,"MLE":false,"OLE":false}`, false)
	tc := models.TestCase{Command: "make", ExitCode: 0}
	out := RunBuilt(context.Background(), sb, "c1", tc, "", defaultLimits())
	assert.Equal(t, verdict.CE, out.Result)
}

func TestRunBuiltWatchdogKilledIsIE(t *testing.T) {
	sb := builtSandbox("", true)
	tc := models.TestCase{Command: "make", ExitCode: 0}
	out := RunBuilt(context.Background(), sb, "c1", tc, "", defaultLimits())
	assert.Equal(t, verdict.IE, out.Result)
}

func judgeWatchdogStdout(body string) string {
	return `{"exit_code":0,"stdout":` + quote(body) + `,"stderr":"","timeMS":10,"memoryKB":1024,"TLE":false,"MLE":false,"OLE":false}`
}

func quote(s string) string {
	out := "\""
	for _, r := range s {
		if r == '\n' {
			out += "\\n"
			continue
		}
		out += string(r)
	}
	return out + "\""
}

func judgeSandbox(watchdogStdout string) *fakeSandbox {
	return &fakeSandbox{execResults: []sandbox.ExecResult{
		{}, // chown
		{}, // chmod
		{Stdout: watchdogStdout}, // watchdog
	}}
}

func TestRunJudgeAccepted(t *testing.T) {
	sb := judgeSandbox(judgeWatchdogStdout("42\n"))
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.AC, out.Result)
}

func TestRunJudgeWrongAnswer(t *testing.T) {
	sb := judgeSandbox(judgeWatchdogStdout("41\n"))
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.WA, out.Result)
}

func TestRunJudgeStderrMismatchIsWA(t *testing.T) {
	stdout := `{"exit_code":0,"stdout":"42\n","stderr":"boom","timeMS":10,"memoryKB":1024,"TLE":false,"MLE":false,"OLE":false}`
	sb := judgeSandbox(stdout)
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "expected stderr\n", defaultLimits())
	assert.Equal(t, verdict.WA, out.Result)
}

func TestRunJudgeMLEPrecedesWA(t *testing.T) {
	stdout := `{"exit_code":0,"stdout":"41","stderr":"","timeMS":10,"memoryKB":99999,"TLE":false,"MLE":true,"OLE":false}`
	sb := judgeSandbox(stdout)
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.MLE, out.Result, "expected MLE to take precedence over WA")
}

func TestRunJudgeAbnormalExitExpectedButCleanExitIsWA(t *testing.T) {
	stdout := `{"exit_code":0,"stdout":"42\n","stderr":"","timeMS":10,"memoryKB":128,"TLE":false,"MLE":false,"OLE":false}`
	sb := judgeSandbox(stdout)
	tc := models.TestCase{Command: "./a.out", ExitCode: 1}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.WA, out.Result, "a case expecting abnormal termination that exits cleanly must be WA, not RE")
}

func TestRunJudgeUnexpectedAbnormalExitIsRE(t *testing.T) {
	stdout := `{"exit_code":139,"stdout":"","stderr":"","timeMS":10,"memoryKB":128,"TLE":false,"MLE":false,"OLE":false}`
	sb := judgeSandbox(stdout)
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.RE, out.Result, "a case expecting a normal exit that crashes must be RE")
}

func TestRunJudgeMalformedWatchdogOutputIsIE(t *testing.T) {
	sb := judgeSandbox("not json")
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.IE, out.Result)
}

func TestRunJudgeWatchdogKilledIsIE(t *testing.T) {
	sb := &fakeSandbox{execResults: []sandbox.ExecResult{{}, {}, {Killed: true}}}
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	out := RunJudge(context.Background(), sb, "c1", tc, "", "42\n", "", defaultLimits())
	assert.Equal(t, verdict.IE, out.Result)
}

func TestRunJudgeOversizedStdoutIsOLE(t *testing.T) {
	stdout := `{"exit_code":0,"stdout":"0123456789","stderr":"","timeMS":10,"memoryKB":128,"TLE":false,"MLE":false,"OLE":false}`
	sb := judgeSandbox(stdout)
	tc := models.TestCase{Command: "./a.out", ExitCode: 0}
	limits := defaultLimits()
	limits.StdoutLimitBytes = 4
	out := RunJudge(context.Background(), sb, "c1", tc, "", "0123456789", "", limits)
	assert.Equal(t, verdict.OLE, out.Result)
	assert.Contains(t, out.Stderr, "stdout is too long")
}
