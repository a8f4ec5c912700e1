package judge

import (
	"context"
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/codepr/dsajudge/internal/models"
	"github.com/codepr/dsajudge/internal/sandbox"
	"github.com/codepr/dsajudge/internal/verdict"
)

// fakeDriver implements sandbox.Driver. execResponses is consumed in order
// by both runner.Exec calls this test cares about (watchdog chown/chmod
// calls return the zero ExecResult; only the watchdog invocation itself
// needs a scripted Stdout, so every case contributes 3 entries: chown,
// chmod, watchdog run).
type fakeDriver struct {
	execResponses []sandbox.ExecResult
	execIdx       int
}

func (f *fakeDriver) CreateVolume(ctx context.Context) (string, error)      { return "vol-1", nil }
func (f *fakeDriver) RemoveVolume(ctx context.Context, name string) error  { return nil }
func (f *fakeDriver) CreateContainer(ctx context.Context, spec sandbox.ContainerSpec) (string, error) {
	return "container-1", nil
}
func (f *fakeDriver) StartContainer(ctx context.Context, id string) error   { return nil }
func (f *fakeDriver) RestartContainer(ctx context.Context, id string) error { return nil }
func (f *fakeDriver) RemoveContainer(ctx context.Context, id string) error  { return nil }
func (f *fakeDriver) UploadFile(ctx context.Context, containerID, srcPath, dstDir string, uid, gid int) error {
	return nil
}
func (f *fakeDriver) UploadTree(ctx context.Context, containerID, srcRoot, dstRoot string, uid, gid int) error {
	return nil
}
func (f *fakeDriver) DownloadFile(ctx context.Context, containerID, srcPath, dstDir string) error {
	return nil
}
func (f *fakeDriver) Exec(ctx context.Context, containerID string, cmd []string, user, workDir string, timeout time.Duration) (sandbox.ExecResult, error) {
	r := f.execResponses[f.execIdx]
	f.execIdx++
	return r, nil
}

// watchdogCase returns the 3 scripted Exec responses (chown, chmod, run)
// for a single test case whose watchdog invocation reports stdout.
func watchdogCase(stdout string) []sandbox.ExecResult {
	return []sandbox.ExecResult{{}, {}, {Stdout: stdout}}
}

func testConfig() Config {
	return Config{
		BuildImage:        "checker-lang-gcc",
		JudgeImage:        "binary-runner",
		BuildMemoryMB:     1024,
		JudgeMemoryHeadMB: 512,
		BuildTimeoutMS:    2000,
		PidsLimit:         64,
		StackLimitKB:      8192,
		GuestUID:          1000,
		GuestGID:          1000,
		StdoutLimitBytes:  1 << 20,
		StderrLimitBytes:  1 << 16,
	}
}

func TestPipelineRunAllAccepted(t *testing.T) {
	resourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(resourceDir, "expected.txt"), []byte("42\n"), 0644); err != nil {
		t.Fatal(err)
	}

	problem := &models.Problem{
		LectureID:    1,
		AssignmentID: 1,
		TimeMS:       2000,
		MemoryMB:     256,
		TestCases: []models.TestCase{
			{ID: 1, Type: models.Built, Command: "make", ExitCode: 0},
			{ID: 2, Type: models.Judge, Command: "./a.out", ExitCode: 0, StdoutPath: "expected.txt", Score: 10},
		},
	}

	var responses []sandbox.ExecResult
	responses = append(responses, watchdogCase(`{"exit_code":0,"stdout":"","stderr":"","timeMS":5,"memoryKB":64,"TLE":false,"MLE":false,"OLE":false}`)...)
	responses = append(responses, watchdogCase(`{"exit_code":0,"stdout":"42\n","stderr":"","timeMS":5,"memoryKB":512,"TLE":false,"MLE":false,"OLE":false}`)...)
	driver := &fakeDriver{execResponses: responses}

	cfg := testConfig()
	cfg.ResourceDir = resourceDir
	log := zap.NewNop()
	p := New(driver, cfg, log)

	sub := &models.Submission{ID: 1, Eval: false}
	require.NoError(t, p.Run(context.Background(), sub, problem, t.TempDir()))

	require.NotNil(t, sub.Result)
	assert.Equal(t, verdict.AC, *sub.Result)
	assert.Equal(t, 10, sub.Score)
	assert.Equal(t, 2, sub.CompletedTask)
}

func TestPipelineDetailAppendedPerFailingCase(t *testing.T) {
	resourceDir := t.TempDir()
	if err := os.WriteFile(filepath.Join(resourceDir, "expected.txt"), []byte("42\n"), 0644); err != nil {
		t.Fatal(err)
	}

	problem := &models.Problem{
		TimeMS:   2000,
		MemoryMB: 256,
		TestCases: []models.TestCase{
			{ID: 1, Type: models.Judge, Command: "./a.out", ExitCode: 0, StdoutPath: "expected.txt", MessageOnFail: "case one failed"},
			{ID: 2, Type: models.Judge, Command: "./a.out", ExitCode: 0, StdoutPath: "expected.txt", MessageOnFail: "case two failed"},
		},
	}

	var responses []sandbox.ExecResult
	responses = append(responses, watchdogCase(`{"exit_code":0,"stdout":"wrong","stderr":"","timeMS":1,"memoryKB":1,"TLE":false,"MLE":false,"OLE":false}`)...)
	responses = append(responses, watchdogCase(`{"exit_code":0,"stdout":"wrong","stderr":"","timeMS":1,"memoryKB":1,"TLE":false,"MLE":false,"OLE":false}`)...)
	driver := &fakeDriver{execResponses: responses}

	cfg := testConfig()
	cfg.ResourceDir = resourceDir
	p := New(driver, cfg, zap.NewNop())
	sub := &models.Submission{ID: 2}
	require.NoError(t, p.Run(context.Background(), sub, problem, t.TempDir()))

	require.NotEmpty(t, sub.Detail)
	assert.Contains(t, sub.Detail, "case one failed")
	assert.Contains(t, sub.Detail, "case two failed")
}

func TestPipelineMissingRequiredFileIsFN(t *testing.T) {
	problem := &models.Problem{
		RequiredFiles: []models.RequiredFile{{Name: "main.c"}},
	}
	p := New(&fakeDriver{}, testConfig(), zap.NewNop())
	sub := &models.Submission{ID: 3}
	require.NoError(t, p.Run(context.Background(), sub, problem, t.TempDir()))

	require.NotNil(t, sub.Result)
	assert.Equal(t, verdict.FN, *sub.Result)
}
