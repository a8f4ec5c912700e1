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

// Package judge orchestrates a single submission end to end: volume and
// container setup, required-file validation, the Built phase, the Judge
// phase, result aggregation under the verdict total order, and teardown.
// Built cases always run to completion regardless of earlier failures —
// only a missing required file or a setup error short-circuits the run.
package judge

import (
	"context"
	"fmt"
	"os"
	"path/filepath"

	"github.com/codepr/dsajudge/internal/models"
	"github.com/codepr/dsajudge/internal/runner"
	"github.com/codepr/dsajudge/internal/sandbox"
	"github.com/codepr/dsajudge/internal/verdict"
	"github.com/pkg/errors"
	"go.uber.org/zap"
)

const (
	buildWorkDir = "/home/guest"
	judgeWorkDir = "/home/guest"
)

// Config holds the per-node knobs the pipeline needs that aren't carried on
// the Problem itself.
type Config struct {
	BuildImage        string
	JudgeImage        string
	BuildMemoryMB     int
	JudgeMemoryHeadMB int
	BuildTimeoutMS    int
	PidsLimit         int
	StackLimitKB      int
	CgroupParent      string

	// GuestUID/GuestGID are the identity the watchdog drops privileges to
	// before running a submission's program, and the ownership every
	// uploaded file is tarred in under.
	GuestUID int
	GuestGID int

	// ResourceDir is the root every TestCase's Stdin/Stdout/StderrPath and
	// every Problem's ArrangedFile path is resolved against.
	ResourceDir string
	// UploadDirPath is the root a Submission's stored UploadDir is
	// resolved against.
	UploadDirPath string

	// StdoutLimitBytes/StderrLimitBytes are the host-enforced output byte
	// caps applied on top of the watchdog's own OLE detection.
	StdoutLimitBytes int
	StderrLimitBytes int
}

// Pipeline runs judge pipelines against a sandbox Driver.
type Pipeline struct {
	driver sandbox.Driver
	cfg    Config
	log    *zap.Logger
}

func New(driver sandbox.Driver, cfg Config, log *zap.Logger) *Pipeline {
	return &Pipeline{driver: driver, cfg: cfg, log: log}
}

// Run executes the full pipeline for sub against problem, whose submitted
// files live under uploadDir on the host. It mutates sub in place with the
// final verdict, message, detail, score and per-case JudgeResults; it never
// returns a transport error for a grading failure — those are expressed as
// an IE verdict, per spec.
func (p *Pipeline) Run(ctx context.Context, sub *models.Submission, problem *models.Problem, uploadDir string) error {
	if problem == nil {
		sub.Result = verdictPtr(verdict.IE)
		sub.Message = "problem not found"
		return nil
	}

	uploadDir = filepath.Join(p.cfg.UploadDirPath, uploadDir)

	if missing := missingRequiredFiles(problem.RequiredFiles, uploadDir); len(missing) > 0 {
		sub.Result = verdictPtr(verdict.FN)
		sub.Message = fmt.Sprintf("missing required file(s): %v", missing)
		return nil
	}

	volume, err := p.driver.CreateVolume(ctx)
	if err != nil {
		return p.fail(sub, "create volume", err)
	}
	defer func() {
		if err := p.driver.RemoveVolume(context.Background(), volume); err != nil {
			p.log.Warn("failed to remove volume", zap.String("volume", volume), zap.Error(err))
		}
	}()

	builtCases, judgeCases := models.ByType(problem.TestCasesFor(sub.Eval))
	sub.TotalTask = len(builtCases) + len(judgeCases)

	built, err := p.runBuildPhase(ctx, sub, problem, uploadDir, volume, builtCases)
	if err != nil {
		return p.fail(sub, "build phase", err)
	}

	overall := verdict.AC
	for _, r := range built {
		overall = verdict.Max(overall, r.Result)
		sub.JudgeResults = append(sub.JudgeResults, r)
		sub.CompletedTask++
		if r.Result != verdict.AC {
			sub.Detail += detailLine(problem, r)
		} else {
			sub.Score += scoreFor(problem, r.TestCaseID)
		}
		if r.TimeMS > sub.TimeMS {
			sub.TimeMS = r.TimeMS
		}
		if r.MemoryKB > sub.MemoryKB {
			sub.MemoryKB = r.MemoryKB
		}
	}

	judged, err := p.runJudgePhase(ctx, sub, problem, uploadDir, volume, judgeCases)
	if err != nil {
		return p.fail(sub, "judge phase", err)
	}

	// The detail string is appended once per case, inside this loop: the
	// original judge aggregated every case's detail after the loop, which
	// collapsed every case's message into whichever case ran last.
	for _, r := range judged {
		overall = verdict.Max(overall, r.Result)
		sub.JudgeResults = append(sub.JudgeResults, r)
		sub.CompletedTask++
		if r.Result != verdict.AC {
			sub.Detail += detailLine(problem, r)
		}
		if r.Result == verdict.AC {
			sub.Score += scoreFor(problem, r.TestCaseID)
		}
		if r.TimeMS > sub.TimeMS {
			sub.TimeMS = r.TimeMS
		}
		if r.MemoryKB > sub.MemoryKB {
			sub.MemoryKB = r.MemoryKB
		}
	}

	sub.Result = verdictPtr(overall)
	sub.Detail = truncateDetail(sub.Detail, 200)
	return nil
}

func (p *Pipeline) runBuildPhase(ctx context.Context, sub *models.Submission, problem *models.Problem, uploadDir, volume string, cases []models.TestCase) ([]models.JudgeResult, error) {
	containerID, err := p.driver.CreateContainer(ctx, sandbox.ContainerSpec{
		Image:         p.cfg.BuildImage,
		Command:       []string{"sleep", "3600"},
		User:          fmt.Sprintf("%d", p.cfg.GuestUID),
		Groups:        []string{fmt.Sprintf("%d", p.cfg.GuestGID)},
		MemoryLimitMB: p.cfg.BuildMemoryMB,
		PidsLimit:     p.cfg.PidsLimit,
		StackLimitKB:  p.cfg.StackLimitKB,
		WorkDir:       buildWorkDir,
		VolumeMounts:  []sandbox.VolumeMount{{Path: buildWorkDir, Volume: volume}},
		CgroupParent:  p.cfg.CgroupParent,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create build container")
	}
	defer p.removeContainer(containerID)

	if err := p.driver.StartContainer(ctx, containerID); err != nil {
		return nil, errors.Wrap(err, "start build container")
	}

	if err := p.driver.UploadTree(ctx, containerID, uploadDir, buildWorkDir, p.cfg.GuestUID, p.cfg.GuestGID); err != nil {
		return nil, errors.Wrap(err, "upload submission files")
	}
	for _, af := range problem.ArrangedFiles {
		if af.Eval && !sub.Eval {
			continue
		}
		src := filepath.Join(p.cfg.ResourceDir, af.Path)
		if err := p.driver.UploadFile(ctx, containerID, src, buildWorkDir, p.cfg.GuestUID, p.cfg.GuestGID); err != nil {
			return nil, errors.Wrap(err, "upload arranged file")
		}
	}

	limits := runner.Limits{
		TimeoutMS:        p.cfg.BuildTimeoutMS,
		MemoryLimitMB:    p.cfg.BuildMemoryMB,
		GuestUID:         p.cfg.GuestUID,
		GuestGID:         p.cfg.GuestGID,
		StdoutLimitBytes: p.cfg.StdoutLimitBytes,
		StderrLimitBytes: p.cfg.StderrLimitBytes,
	}

	results := make([]models.JudgeResult, 0, len(cases))
	for _, tc := range cases {
		stdin := p.readResource(tc.StdinPath)
		out := runner.RunBuilt(ctx, p.driver, containerID, tc, stdin, limits)
		results = append(results, toJudgeResult(sub.ID, tc.ID, out))
	}
	return results, nil
}

func (p *Pipeline) runJudgePhase(ctx context.Context, sub *models.Submission, problem *models.Problem, uploadDir, volume string, cases []models.TestCase) ([]models.JudgeResult, error) {
	containerID, err := p.driver.CreateContainer(ctx, sandbox.ContainerSpec{
		Image:         p.cfg.JudgeImage,
		Command:       []string{"sleep", "3600"},
		User:          fmt.Sprintf("%d", p.cfg.GuestUID),
		Groups:        []string{fmt.Sprintf("%d", p.cfg.GuestGID)},
		MemoryLimitMB: problem.MemoryMB + p.cfg.JudgeMemoryHeadMB,
		PidsLimit:     p.cfg.PidsLimit,
		StackLimitKB:  p.cfg.StackLimitKB,
		WorkDir:       judgeWorkDir,
		VolumeMounts:  []sandbox.VolumeMount{{Path: judgeWorkDir, Volume: volume}},
		CgroupParent:  p.cfg.CgroupParent,
	})
	if err != nil {
		return nil, errors.Wrap(err, "create judge container")
	}
	defer p.removeContainer(containerID)

	if err := p.driver.StartContainer(ctx, containerID); err != nil {
		return nil, errors.Wrap(err, "start judge container")
	}

	limits := runner.Limits{
		TimeoutMS:        problem.TimeMS,
		MemoryLimitMB:    problem.MemoryMB,
		GuestUID:         p.cfg.GuestUID,
		GuestGID:         p.cfg.GuestGID,
		StdoutLimitBytes: p.cfg.StdoutLimitBytes,
		StderrLimitBytes: p.cfg.StderrLimitBytes,
	}

	results := make([]models.JudgeResult, 0, len(cases))
	for _, tc := range cases {
		stdin := p.readResource(tc.StdinPath)
		expectedStdout := p.readResource(tc.StdoutPath)
		expectedStderr := p.readResource(tc.StderrPath)
		out := runner.RunJudge(ctx, p.driver, containerID, tc, stdin, expectedStdout, expectedStderr, limits)
		results = append(results, toJudgeResult(sub.ID, tc.ID, out))
	}
	return results, nil
}

// readResource reads relPath resolved against the configured resource
// root, returning "" for an unset path or one that can't be read — a
// missing expected-output file degrades to a trivially-matched empty
// string rather than an IE, matching readFileOrEmpty's original contract.
func (p *Pipeline) readResource(relPath string) string {
	if relPath == "" {
		return ""
	}
	return readFileOrEmpty(filepath.Join(p.cfg.ResourceDir, relPath))
}

func (p *Pipeline) removeContainer(id string) {
	if err := p.driver.RemoveContainer(context.Background(), id); err != nil {
		p.log.Warn("failed to remove container", zap.String("container", id), zap.Error(err))
	}
}

func (p *Pipeline) fail(sub *models.Submission, stage string, err error) error {
	p.log.Error("pipeline stage failed", zap.String("stage", stage), zap.Error(err))
	sub.Result = verdictPtr(verdict.IE)
	sub.Message = fmt.Sprintf("%s: %v", stage, err)
	return nil
}

func toJudgeResult(submissionID, testCaseID int, out runner.Outcome) models.JudgeResult {
	return models.JudgeResult{
		SubmissionID: submissionID,
		TestCaseID:   testCaseID,
		Result:       out.Result,
		TimeMS:       out.TimeMS,
		MemoryKB:     out.MemoryKB,
		ExitCode:     out.ExitCode,
		Stdout:       out.Stdout,
		Stderr:       out.Stderr,
	}
}

func missingRequiredFiles(required []models.RequiredFile, uploadDir string) []string {
	var missing []string
	for _, rf := range required {
		if _, err := os.Stat(filepath.Join(uploadDir, rf.Name)); err != nil {
			missing = append(missing, rf.Name)
		}
	}
	return missing
}

func detailLine(problem *models.Problem, r models.JudgeResult) string {
	msg := "test case failed"
	for _, tc := range problem.TestCases {
		if tc.ID == r.TestCaseID && tc.MessageOnFail != "" {
			msg = tc.MessageOnFail
			break
		}
	}
	return fmt.Sprintf("[%s] %s\n", r.Result, msg)
}

func scoreFor(problem *models.Problem, testCaseID int) int {
	for _, tc := range problem.TestCases {
		if tc.ID == testCaseID {
			return tc.Score
		}
	}
	return 0
}

func truncateDetail(detail string, max int) string {
	if len(detail) <= max {
		return detail
	}
	return detail[:max] + "..."
}

func readFileOrEmpty(path string) string {
	if path == "" {
		return ""
	}
	b, err := os.ReadFile(path)
	if err != nil {
		return ""
	}
	return string(b)
}

func verdictPtr(v verdict.Verdict) *verdict.Verdict {
	return &v
}
