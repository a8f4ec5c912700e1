package queue

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"go.uber.org/zap"

	"github.com/codepr/dsajudge/internal/models"
	"github.com/codepr/dsajudge/internal/verdict"
)

type fakeStore struct {
	mu        sync.Mutex
	queued    []models.Submission
	recovered int32
	finalized []models.Submission
}

func (f *fakeStore) ClaimQueued(ctx context.Context, n int) ([]models.Submission, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if n > len(f.queued) {
		n = len(f.queued)
	}
	claimed := f.queued[:n]
	f.queued = f.queued[n:]
	return claimed, nil
}

func (f *fakeStore) FetchProblem(ctx context.Context, lectureID, assignmentID int, eval bool) (*models.Problem, error) {
	return &models.Problem{LectureID: lectureID, AssignmentID: assignmentID}, nil
}

func (f *fakeStore) FinalizeSubmission(ctx context.Context, sub *models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.finalized = append(f.finalized, *sub)
	return nil
}

func (f *fakeStore) RecoverRunningSubmissions(ctx context.Context) error {
	atomic.AddInt32(&f.recovered, 1)
	return nil
}

type fakePipeline struct{}

func (fakePipeline) Run(ctx context.Context, sub *models.Submission, problem *models.Problem, uploadDir string) error {
	v := verdict.AC
	sub.Result = &v
	return nil
}

type fakeNotifier struct {
	mu        sync.Mutex
	published []models.Submission
}

func (f *fakeNotifier) PublishFinalized(sub models.Submission) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.published = append(f.published, sub)
	return nil
}

func TestPoolProcessesQueuedSubmissions(t *testing.T) {
	st := &fakeStore{queued: []models.Submission{{ID: 1}, {ID: 2}, {ID: 3}}}
	notifier := &fakeNotifier{}
	pool := New(st, fakePipeline{}, notifier, zap.NewNop(), 2, 8, "*/1 * * * * *")

	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	pool.fill()

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		notifier.mu.Lock()
		n := len(notifier.published)
		notifier.mu.Unlock()
		if n == 3 {
			break
		}
		time.Sleep(10 * time.Millisecond)
	}

	notifier.mu.Lock()
	defer notifier.mu.Unlock()
	if len(notifier.published) != 3 {
		t.Fatalf("expected 3 published submissions, got %d", len(notifier.published))
	}
}

func TestPoolRunsRecoveryOnStart(t *testing.T) {
	st := &fakeStore{}
	pool := New(st, fakePipeline{}, &fakeNotifier{}, zap.NewNop(), 1, 4, "*/1 * * * * *")
	if err := pool.Start(context.Background()); err != nil {
		t.Fatalf("Start: %v", err)
	}
	defer pool.Stop()

	if atomic.LoadInt32(&st.recovered) != 1 {
		t.Fatalf("expected RecoverRunningSubmissions to run once, got %d", st.recovered)
	}
}
