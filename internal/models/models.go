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

// Package models holds the domain entities the judge core reads and writes.
// These are plain structs, not ORM-mapped types: the store package is
// responsible for marshaling them to and from the relational schema.
package models

import (
	"time"

	"github.com/codepr/dsajudge/internal/verdict"
)

// Progress is the lifecycle state of a Submission.
type Progress string

const (
	Pending Progress = "pending"
	Queued  Progress = "queued"
	Running Progress = "running"
	Done    Progress = "done"
)

// TestCaseType distinguishes the two evaluation phases.
type TestCaseType string

const (
	Built TestCaseType = "Built"
	Judge TestCaseType = "Judge"
)

type Lecture struct {
	ID        int
	Title     string
	StartDate time.Time
	EndDate   time.Time
}

// Problem is keyed by (LectureID, AssignmentID), not by a single surrogate
// id: the pair is the natural key carried through Submission and TestCase.
type Problem struct {
	LectureID       int
	AssignmentID    int
	Title           string
	DescriptionPath string
	TimeMS          int
	MemoryMB        int

	TestCases     []TestCase
	ArrangedFiles []ArrangedFile
	RequiredFiles []RequiredFile
	Executables   []Executable
}

// TestCasesFor returns the test cases applicable to a submission with the
// given eval flag: eval-only cases are included only when eval is true,
// non-eval cases are always included (invariant 3 of the data model).
func (p *Problem) TestCasesFor(eval bool) []TestCase {
	out := make([]TestCase, 0, len(p.TestCases))
	for _, tc := range p.TestCases {
		if tc.Eval && !eval {
			continue
		}
		out = append(out, tc)
	}
	return out
}

// ByType splits a test-case slice into Built and Judge phases, preserving
// relative order.
func ByType(cases []TestCase) (built, judge []TestCase) {
	for _, tc := range cases {
		switch tc.Type {
		case Built:
			built = append(built, tc)
		case Judge:
			judge = append(judge, tc)
		}
	}
	return
}

type TestCase struct {
	ID            int
	LectureID     int
	AssignmentID  int
	Eval          bool
	Type          TestCaseType
	Score         int
	Title         string
	Description   string
	MessageOnFail string
	Command       string
	Args          string
	StdinPath     string
	StdoutPath    string
	StderrPath    string
	ExitCode      int
}

type ArrangedFile struct {
	ID           int
	LectureID    int
	AssignmentID int
	Eval         bool
	Path         string
}

type RequiredFile struct {
	ID           int
	LectureID    int
	AssignmentID int
	Name         string
}

type Executable struct {
	ID           int
	LectureID    int
	AssignmentID int
	Eval         bool
	Name         string
}

// Submission is a single judge request. Result, Message, Detail, Score,
// TimeMS and MemoryKB are zero-valued until Progress reaches Done.
type Submission struct {
	ID                 int
	Ts                 time.Time
	EvaluationStatusID *int
	UserID             string
	LectureID          int
	AssignmentID       int
	Eval               bool
	UploadDir          string
	Progress           Progress
	TotalTask          int
	CompletedTask      int
	Result             *verdict.Verdict
	Message            string
	Detail             string
	Score              int
	TimeMS             int
	MemoryKB           int

	JudgeResults []JudgeResult
}

// JudgeResult is the per-test-case outcome, created wholesale when a
// Submission is finalized (no partial inserts outside of a running
// submission's completed_task bookkeeping).
type JudgeResult struct {
	ID           int
	SubmissionID int
	TestCaseID   int
	Result       verdict.Verdict
	Command      string
	TimeMS       int
	MemoryKB     int
	ExitCode     int
	Stdout       string
	Stderr       string
}

type BatchSubmission struct {
	ID            int
	Ts            time.Time
	UserID        string
	LectureID     int
	Message       string
	CompleteJudge int
	TotalJudge    int
}

type EvaluationStatus struct {
	ID         int
	BatchID    int
	UserID     string
	Status     string
	Result     *verdict.Verdict
	UploadDir  string
	ReportPath string
	SubmitDate *time.Time
}
