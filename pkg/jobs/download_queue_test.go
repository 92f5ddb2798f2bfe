package jobs

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"

	"gamedo/pkg/domain"
)

func newTestQueue(t *testing.T) *DownloadQueue {
	t.Helper()
	redisSrv := miniredis.RunT(t)
	q, err := NewDownloadQueue(QueueConfig{
		Addr:       redisSrv.Addr(),
		Stream:     "test:downloads",
		Group:      "test-group",
		Consumer:   "consumer-1",
		Block:      20 * time.Millisecond,
		RetryDelay: time.Millisecond,
		MaxRetries: 2,
	})
	if err != nil {
		t.Fatalf("new queue: %v", err)
	}
	t.Cleanup(func() { _ = q.Close() })
	return q
}

func waitForStatus(t *testing.T, q *DownloadQueue, id, status string) DownloadJob {
	t.Helper()
	deadline := time.Now().Add(3 * time.Second)
	for {
		job, err := q.Job(context.Background(), id)
		if err == nil && job.Status == status {
			return job
		}
		if time.Now().After(deadline) {
			t.Fatalf("job %s never reached %s (last %+v, %v)", id, status, job, err)
		}
		time.Sleep(10 * time.Millisecond)
	}
}

func TestEnqueueValidatesAndRecordsJob(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()

	if _, err := q.Enqueue(ctx, 0, domain.LanguageEnglish); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("class 0: %v", err)
	}
	if _, err := q.Enqueue(ctx, 6, "Hindi"); !errors.Is(err, domain.ErrInvalidInput) {
		t.Fatalf("unknown language: %v", err)
	}
	job, err := q.Enqueue(ctx, 6, domain.LanguageOdia)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	got, err := q.Job(ctx, job.ID)
	if err != nil {
		t.Fatalf("job: %v", err)
	}
	if got.Status != StatusQueued || got.Class != 6 || got.Language != domain.LanguageOdia || got.CreatedAt.IsZero() {
		t.Fatalf("unexpected job %+v", got)
	}
	if _, err := q.Job(ctx, "missing"); !errors.Is(err, ErrJobNotFound) {
		t.Fatalf("missing job: %v", err)
	}
}

func TestConsumerCompletesJob(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, 1, func(_ context.Context, job DownloadJob) (int, error) {
		if job.Class != 7 || job.Status != StatusProcessing {
			return 0, errors.New("unexpected job")
		}
		return 3, nil
	})
	job, err := q.Enqueue(ctx, 7, domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	done := waitForStatus(t, q, job.ID, StatusDone)
	if done.Books != 3 || done.Attempts != 1 || done.ErrorMessage != "" {
		t.Fatalf("unexpected done job %+v", done)
	}
}

func TestConsumerRetriesThenFails(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	var calls atomic.Int32
	q.Start(ctx, 1, func(context.Context, DownloadJob) (int, error) {
		calls.Add(1)
		return 0, errors.New("catalog unreachable")
	})
	job, err := q.Enqueue(ctx, 8, domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	failed := waitForStatus(t, q, job.ID, StatusFailed)
	if failed.Attempts != 2 || failed.ErrorMessage != "catalog unreachable" {
		t.Fatalf("unexpected failed job %+v", failed)
	}
	if calls.Load() != 2 {
		t.Fatalf("handler ran %d times", calls.Load())
	}
}

func TestInvalidInputFailsWithoutRetry(t *testing.T) {
	q := newTestQueue(t)
	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	q.Start(ctx, 1, func(context.Context, DownloadJob) (int, error) {
		return 0, domain.ErrInvalidInput
	})
	job, err := q.Enqueue(ctx, 9, domain.LanguageOdia)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	if failed := waitForStatus(t, q, job.ID, StatusFailed); failed.Attempts != 1 {
		t.Fatalf("expected a single attempt, got %d", failed.Attempts)
	}
}

func TestRequeueFailureKeepsPendingEntry(t *testing.T) {
	q := newTestQueue(t)
	ctx := context.Background()
	q.ensureGroup(ctx)

	job, err := q.Enqueue(ctx, 6, domain.LanguageEnglish)
	if err != nil {
		t.Fatalf("enqueue: %v", err)
	}
	streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
		Group:    q.group,
		Consumer: "consumer-1",
		Streams:  []string{q.stream, ">"},
		Count:    1,
		Block:    -1,
	}).Result()
	if err != nil || len(streams) != 1 || len(streams[0].Messages) != 1 {
		t.Fatalf("readgroup: %+v %v", streams, err)
	}
	msgID := streams[0].Messages[0].ID

	canceled, cancel := context.WithCancel(ctx)
	cancel()
	if err := q.requeue(canceled, msgID, job.ID); err == nil {
		t.Fatalf("expected requeue to fail on a canceled context")
	}
	pending, err := q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 1 {
		t.Fatalf("expected the entry to stay pending, got %d", pending.Count)
	}

	if err := q.requeue(ctx, msgID, job.ID); err != nil {
		t.Fatalf("requeue: %v", err)
	}
	pending, err = q.client.XPending(ctx, q.stream, q.group).Result()
	if err != nil {
		t.Fatalf("xpending: %v", err)
	}
	if pending.Count != 0 {
		t.Fatalf("expected no pending entries after requeue, got %d", pending.Count)
	}
	if n, _ := q.client.XLen(ctx, q.stream).Result(); n != 1 {
		t.Fatalf("expected one fresh entry, got %d", n)
	}
}
