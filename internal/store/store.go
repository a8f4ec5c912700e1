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

// Package store is the judge core's persistence interface: a narrow set of
// read/update operations over a MySQL-flavored schema, row-locking the
// queued submissions it claims so two workers never grab the same job.
package store

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/go-sql-driver/mysql"
	"github.com/pkg/errors"

	"github.com/codepr/dsajudge/internal/models"
	"github.com/codepr/dsajudge/internal/verdict"
)

// maxDetailLen mirrors the schema's VARCHAR(255)-derived column budget:
// detail is clipped to 200 characters with a trailing ellipsis, matching
// the original CRUD layer's truncation.
const maxDetailLen = 200

// Store wraps a *sql.DB with the judge core's persistence operations.
type Store struct {
	db *sql.DB
}

// Open connects to dsn (a go-sql-driver/mysql DSN) and verifies the
// connection with a ping.
func Open(dsn string) (*Store, error) {
	db, err := sql.Open("mysql", dsn)
	if err != nil {
		return nil, errors.Wrap(err, "open database")
	}
	if err := db.Ping(); err != nil {
		return nil, errors.Wrap(err, "ping database")
	}
	return &Store{db: db}, nil
}

func (s *Store) Close() error { return s.db.Close() }

// ClaimQueued locks up to n queued submissions, flips them to running, and
// computes each one's total_task from the matching TestCases rows
// (eval-only cases counted only for eval submissions; non-eval cases always
// counted), exactly mirroring fetch_queued_judge_and_change_status_to_running.
func (s *Store) ClaimQueued(ctx context.Context, n int) ([]models.Submission, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, user_id, lecture_id, assignment_id, eval, upload_dir
		FROM submission
		WHERE progress = ?
		LIMIT ?
		FOR UPDATE`, models.Queued, n)
	if err != nil {
		return nil, errors.Wrap(err, "query queued submissions")
	}

	var claimed []models.Submission
	for rows.Next() {
		var sub models.Submission
		if err := rows.Scan(&sub.ID, &sub.UserID, &sub.LectureID, &sub.AssignmentID, &sub.Eval, &sub.UploadDir); err != nil {
			rows.Close()
			return nil, errors.Wrap(err, "scan submission row")
		}
		claimed = append(claimed, sub)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, errors.Wrap(err, "iterate submission rows")
	}

	for i := range claimed {
		total, err := countApplicableTestCases(ctx, tx, claimed[i].LectureID, claimed[i].AssignmentID, claimed[i].Eval)
		if err != nil {
			return nil, err
		}
		claimed[i].TotalTask = total
		claimed[i].CompletedTask = 0
		claimed[i].Progress = models.Running

		if _, err := tx.ExecContext(ctx, `
			UPDATE submission
			SET progress = ?, total_task = ?, completed_task = 0
			WHERE id = ?`, models.Running, total, claimed[i].ID); err != nil {
			return nil, errors.Wrap(err, "update claimed submission")
		}
	}

	if err := tx.Commit(); err != nil {
		return nil, errors.Wrap(err, "commit claim transaction")
	}
	return claimed, nil
}

func countApplicableTestCases(ctx context.Context, tx *sql.Tx, lectureID, assignmentID int, eval bool) (int, error) {
	var count int
	err := tx.QueryRowContext(ctx, `
		SELECT COUNT(*) FROM test_cases
		WHERE lecture_id = ? AND assignment_id = ? AND (eval = ? OR eval = FALSE)`,
		lectureID, assignmentID, eval).Scan(&count)
	if err != nil {
		return 0, errors.Wrap(err, "count applicable test cases")
	}
	return count, nil
}

// FetchProblem loads a Problem and its TestCases/ArrangedFiles/RequiredFiles
// /Executables, filtering eval-only TestCases/ArrangedFiles/Executables out
// when eval is false.
func (s *Store) FetchProblem(ctx context.Context, lectureID, assignmentID int, eval bool) (*models.Problem, error) {
	var p models.Problem
	err := s.db.QueryRowContext(ctx, `
		SELECT lecture_id, assignment_id, title, description_path, time_ms, memory_mb
		FROM problem WHERE lecture_id = ? AND assignment_id = ?`,
		lectureID, assignmentID).Scan(&p.LectureID, &p.AssignmentID, &p.Title, &p.DescriptionPath, &p.TimeMS, &p.MemoryMB)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetch problem")
	}

	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lecture_id, assignment_id, eval, type, score, title, description,
		       message_on_fail, command, args, stdin_path, stdout_path, stderr_path, exit_code
		FROM test_cases WHERE lecture_id = ? AND assignment_id = ?`, lectureID, assignmentID)
	if err != nil {
		return nil, errors.Wrap(err, "fetch test cases")
	}
	defer rows.Close()
	for rows.Next() {
		var tc models.TestCase
		var typ string
		if err := rows.Scan(&tc.ID, &tc.LectureID, &tc.AssignmentID, &tc.Eval, &typ, &tc.Score,
			&tc.Title, &tc.Description, &tc.MessageOnFail, &tc.Command, &tc.Args,
			&tc.StdinPath, &tc.StdoutPath, &tc.StderrPath, &tc.ExitCode); err != nil {
			return nil, errors.Wrap(err, "scan test case row")
		}
		tc.Type = models.TestCaseType(typ)
		if tc.Eval && !eval {
			continue
		}
		p.TestCases = append(p.TestCases, tc)
	}

	if err := s.fetchRequiredFiles(ctx, &p); err != nil {
		return nil, err
	}
	if err := s.fetchArrangedFiles(ctx, &p, eval); err != nil {
		return nil, err
	}
	if err := s.fetchExecutables(ctx, &p, eval); err != nil {
		return nil, err
	}
	return &p, nil
}

func (s *Store) fetchArrangedFiles(ctx context.Context, p *models.Problem, eval bool) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lecture_id, assignment_id, eval, path FROM arranged_files
		WHERE lecture_id = ? AND assignment_id = ?`, p.LectureID, p.AssignmentID)
	if err != nil {
		return errors.Wrap(err, "fetch arranged files")
	}
	defer rows.Close()
	for rows.Next() {
		var af models.ArrangedFile
		if err := rows.Scan(&af.ID, &af.LectureID, &af.AssignmentID, &af.Eval, &af.Path); err != nil {
			return errors.Wrap(err, "scan arranged file row")
		}
		if af.Eval && !eval {
			continue
		}
		p.ArrangedFiles = append(p.ArrangedFiles, af)
	}
	return rows.Err()
}

func (s *Store) fetchExecutables(ctx context.Context, p *models.Problem, eval bool) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lecture_id, assignment_id, eval, name FROM executables
		WHERE lecture_id = ? AND assignment_id = ?`, p.LectureID, p.AssignmentID)
	if err != nil {
		return errors.Wrap(err, "fetch executables")
	}
	defer rows.Close()
	for rows.Next() {
		var ex models.Executable
		if err := rows.Scan(&ex.ID, &ex.LectureID, &ex.AssignmentID, &ex.Eval, &ex.Name); err != nil {
			return errors.Wrap(err, "scan executable row")
		}
		if ex.Eval && !eval {
			continue
		}
		p.Executables = append(p.Executables, ex)
	}
	return rows.Err()
}

func (s *Store) fetchRequiredFiles(ctx context.Context, p *models.Problem) error {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, lecture_id, assignment_id, name FROM required_files
		WHERE lecture_id = ? AND assignment_id = ?`, p.LectureID, p.AssignmentID)
	if err != nil {
		return errors.Wrap(err, "fetch required files")
	}
	defer rows.Close()
	for rows.Next() {
		var rf models.RequiredFile
		if err := rows.Scan(&rf.ID, &rf.LectureID, &rf.AssignmentID, &rf.Name); err != nil {
			return errors.Wrap(err, "scan required file row")
		}
		p.RequiredFiles = append(p.RequiredFiles, rf)
	}
	return nil
}

// FinalizeSubmission persists the pipeline's terminal state for a
// submission — progress, completed/total task, result, message, detail
// (clipped to maxDetailLen), score, timing — and inserts its JudgeResults,
// all in a single transaction with one commit.
func (s *Store) FinalizeSubmission(ctx context.Context, sub *models.Submission) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	var resultStr string
	if sub.Result != nil {
		resultStr = sub.Result.String()
	}

	_, err = tx.ExecContext(ctx, `
		UPDATE submission
		SET progress = ?, completed_task = ?, total_task = ?, result = ?,
		    message = ?, detail = ?, score = ?, time_ms = ?, memory_kb = ?
		WHERE id = ?`,
		models.Done, sub.CompletedTask, sub.TotalTask, resultStr,
		sub.Message, clipDetail(sub.Detail), sub.Score, sub.TimeMS, sub.MemoryKB, sub.ID)
	if err != nil {
		return errors.Wrap(err, "update submission")
	}

	for _, jr := range sub.JudgeResults {
		_, err := tx.ExecContext(ctx, `
			INSERT INTO judge_result
			(submission_id, test_case_id, result, command, time_ms, memory_kb, exit_code, stdout, stderr)
			VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)`,
			jr.SubmissionID, jr.TestCaseID, jr.Result.String(), jr.Command, jr.TimeMS, jr.MemoryKB, jr.ExitCode, jr.Stdout, jr.Stderr)
		if err != nil {
			return errors.Wrap(err, "insert judge result")
		}
	}

	return errors.Wrap(tx.Commit(), "commit finalize transaction")
}

func clipDetail(detail string) string {
	if len(detail) <= maxDetailLen {
		return detail
	}
	return detail[:maxDetailLen] + "..."
}

// RecoverRunningSubmissions resets every submission stuck in progress
// "running" back to "queued" and deletes its partial JudgeResults, run once
// at startup so a crash mid-grade never leaves a submission stranded.
func (s *Store) RecoverRunningSubmissions(ctx context.Context) error {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return errors.Wrap(err, "begin transaction")
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `SELECT id FROM submission WHERE progress = ?`, models.Running)
	if err != nil {
		return errors.Wrap(err, "query running submissions")
	}
	var ids []int
	for rows.Next() {
		var id int
		if err := rows.Scan(&id); err != nil {
			rows.Close()
			return errors.Wrap(err, "scan submission id")
		}
		ids = append(ids, id)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return errors.Wrap(err, "iterate running submissions")
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE submission SET progress = ?, completed_task = 0 WHERE progress = ?`,
		models.Queued, models.Running); err != nil {
		return errors.Wrap(err, "reset running submissions")
	}

	for _, id := range ids {
		if _, err := tx.ExecContext(ctx, `DELETE FROM judge_result WHERE submission_id = ?`, id); err != nil {
			return errors.Wrap(err, "delete partial judge results")
		}
	}

	return errors.Wrap(tx.Commit(), "commit recovery transaction")
}

// RegisterJudgeRequest inserts a new pending Submission row.
func (s *Store) RegisterJudgeRequest(ctx context.Context, sub models.Submission) (int, error) {
	res, err := s.db.ExecContext(ctx, `
		INSERT INTO submission
		(evaluation_status_id, user_id, lecture_id, assignment_id, eval, upload_dir, progress, ts)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?)`,
		sub.EvaluationStatusID, sub.UserID, sub.LectureID, sub.AssignmentID, sub.Eval,
		sub.UploadDir, models.Pending, time.Now())
	if err != nil {
		return 0, errors.Wrap(err, "insert submission")
	}
	id, err := res.LastInsertId()
	if err != nil {
		return 0, errors.Wrap(err, "read inserted id")
	}
	return int(id), nil
}

// EnqueueJudgeRequest flips a pending Submission to queued.
func (s *Store) EnqueueJudgeRequest(ctx context.Context, submissionID int) error {
	res, err := s.db.ExecContext(ctx, `UPDATE submission SET progress = ? WHERE id = ?`, models.Queued, submissionID)
	if err != nil {
		return errors.Wrap(err, "enqueue submission")
	}
	n, err := res.RowsAffected()
	if err != nil {
		return errors.Wrap(err, "read rows affected")
	}
	if n == 0 {
		return errors.Errorf("submission %d not found", submissionID)
	}
	return nil
}

// FetchSubmission loads a single submission's current status.
func (s *Store) FetchSubmission(ctx context.Context, submissionID int) (*models.Submission, error) {
	var sub models.Submission
	var progress, result sql.NullString
	err := s.db.QueryRowContext(ctx, `
		SELECT id, user_id, lecture_id, assignment_id, eval, upload_dir, progress,
		       total_task, completed_task, result, message, detail, score, time_ms, memory_kb
		FROM submission WHERE id = ?`, submissionID).Scan(
		&sub.ID, &sub.UserID, &sub.LectureID, &sub.AssignmentID, &sub.Eval, &sub.UploadDir,
		&progress, &sub.TotalTask, &sub.CompletedTask, &result, &sub.Message, &sub.Detail,
		&sub.Score, &sub.TimeMS, &sub.MemoryKB)
	if err == sql.ErrNoRows {
		return nil, errors.Errorf("submission %d not found", submissionID)
	}
	if err != nil {
		return nil, errors.Wrap(err, "fetch submission")
	}
	sub.Progress = models.Progress(progress.String)
	if result.Valid {
		if v, ok := verdict.Parse(result.String); ok {
			sub.Result = &v
		}
	}
	return &sub, nil
}
