// Package jobs runs class downloads in the background on a Redis stream.
package jobs

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/redis/go-redis/v9"

	"gamedo/internal/util"
	"gamedo/pkg/domain"
)

const (
	StatusQueued     = "queued"
	StatusProcessing = "processing"
	StatusDone       = "done"
	StatusFailed     = "failed"
)

var ErrJobNotFound = errors.New("download job not found")

// DownloadJob tracks the copy of one class's catalog books into the local store.
type DownloadJob struct {
	ID           string          `json:"id"`
	Class        int             `json:"class"`
	Language     domain.Language `json:"language"`
	Status       string          `json:"status"`
	Books        int             `json:"books"`
	ErrorMessage string          `json:"errorMessage,omitempty"`
	Attempts     int             `json:"attempts"`
	CreatedAt    time.Time       `json:"createdAt"`
	UpdatedAt    time.Time       `json:"updatedAt"`
}

// Handler performs a download and reports how many books were stored.
type Handler func(ctx context.Context, job DownloadJob) (int, error)

type QueueConfig struct {
	Addr       string
	Password   string
	Stream     string
	Group      string
	Consumer   string
	JobTTL     time.Duration
	MaxRetries int
	Block      time.Duration
	ClaimIdle  time.Duration
	RetryDelay time.Duration
	MaxLen     int64
}

// DownloadQueue is a consumer-group backed queue of DownloadJobs. Job state lives
// in a hash next to the stream so it outlives the stream entry.
type DownloadQueue struct {
	client     *redis.Client
	stream     string
	group      string
	consumer   string
	jobTTL     time.Duration
	maxRetries int
	block      time.Duration
	claimIdle  time.Duration
	retryDelay time.Duration
	maxLen     int64
	once       sync.Once
	now        func() time.Time
}

func NewDownloadQueue(cfg QueueConfig) (*DownloadQueue, error) {
	addr := strings.TrimSpace(cfg.Addr)
	if addr == "" {
		return nil, errors.New("download queue: redis addr required")
	}
	q := &DownloadQueue{
		client:     redis.NewClient(&redis.Options{Addr: addr, Password: cfg.Password}),
		stream:     strings.TrimSpace(cfg.Stream),
		group:      strings.TrimSpace(cfg.Group),
		consumer:   strings.TrimSpace(cfg.Consumer),
		jobTTL:     cfg.JobTTL,
		maxRetries: cfg.MaxRetries,
		block:      cfg.Block,
		claimIdle:  cfg.ClaimIdle,
		retryDelay: cfg.RetryDelay,
		maxLen:     cfg.MaxLen,
		now:        func() time.Time { return time.Now().UTC() },
	}
	if q.stream == "" {
		q.stream = "gamedo:downloads"
	}
	if q.group == "" {
		q.group = "learner"
	}
	if q.consumer == "" {
		q.consumer = util.NewID()
	}
	if q.jobTTL <= 0 {
		q.jobTTL = 24 * time.Hour
	}
	if q.maxRetries <= 0 {
		q.maxRetries = 3
	}
	if q.block <= 0 {
		q.block = 5 * time.Second
	}
	if q.claimIdle <= 0 {
		q.claimIdle = 30 * time.Second
	}
	if q.retryDelay < 0 {
		q.retryDelay = 0
	}
	if q.maxLen <= 0 {
		q.maxLen = 1000
	}
	return q, nil
}

func (q *DownloadQueue) Close() error {
	return q.client.Close()
}

// Enqueue records a queued job and appends it to the stream.
func (q *DownloadQueue) Enqueue(ctx context.Context, class int, language domain.Language) (DownloadJob, error) {
	if class <= 0 {
		return DownloadJob{}, fmt.Errorf("%w: class must be positive", domain.ErrInvalidInput)
	}
	if language != domain.LanguageEnglish && language != domain.LanguageOdia {
		return DownloadJob{}, fmt.Errorf("%w: unknown language %q", domain.ErrInvalidInput, language)
	}
	now := q.now()
	job := DownloadJob{
		ID:        util.NewID(),
		Class:     class,
		Language:  language,
		Status:    StatusQueued,
		CreatedAt: now,
		UpdatedAt: now,
	}
	if err := q.writeStatus(ctx, job); err != nil {
		return DownloadJob{}, err
	}
	if err := q.client.XAdd(ctx, q.addArgs(job.ID)).Err(); err != nil {
		return DownloadJob{}, err
	}
	return job, nil
}

// Job returns the recorded state of a job.
func (q *DownloadQueue) Job(ctx context.Context, id string) (DownloadJob, error) {
	id = strings.TrimSpace(id)
	if id == "" {
		return DownloadJob{}, ErrJobNotFound
	}
	data, err := q.client.HGetAll(ctx, q.jobKey(id)).Result()
	if err != nil {
		return DownloadJob{}, err
	}
	if len(data) == 0 {
		return DownloadJob{}, ErrJobNotFound
	}
	return decodeJob(id, data), nil
}

// Start runs concurrency consumers until ctx is cancelled.
func (q *DownloadQueue) Start(ctx context.Context, concurrency int, handle Handler) {
	if concurrency <= 0 {
		concurrency = 1
	}
	q.ensureGroup(ctx)
	for i := range concurrency {
		go q.consume(ctx, fmt.Sprintf("%s-%d", q.consumer, i), handle)
	}
}

func (q *DownloadQueue) ensureGroup(ctx context.Context) {
	q.once.Do(func() {
		err := q.client.XGroupCreateMkStream(ctx, q.stream, q.group, "$").Err()
		if err != nil && !strings.Contains(err.Error(), "BUSYGROUP") {
			util.LoggerFromContext(ctx).Warn("download_queue_group_failed", "stream", q.stream, "err", err)
		}
	})
}

func (q *DownloadQueue) consume(ctx context.Context, consumer string, handle Handler) {
	for ctx.Err() == nil {
		if msgs, err := q.claimStale(ctx, consumer); err == nil {
			for _, msg := range msgs {
				q.handle(ctx, msg, handle)
			}
		}

		streams, err := q.client.XReadGroup(ctx, &redis.XReadGroupArgs{
			Group:    q.group,
			Consumer: consumer,
			Streams:  []string{q.stream, ">"},
			Count:    1,
			Block:    q.block,
		}).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				util.LoggerFromContext(ctx).Warn("download_queue_read_failed", "consumer", consumer, "err", err)
				q.sleep(ctx, time.Second)
			}
			continue
		}
		for _, stream := range streams {
			for _, msg := range stream.Messages {
				q.handle(ctx, msg, handle)
			}
		}
	}
}

// claimStale takes over entries left pending by a consumer that stopped.
func (q *DownloadQueue) claimStale(ctx context.Context, consumer string) ([]redis.XMessage, error) {
	msgs, _, err := q.client.XAutoClaim(ctx, &redis.XAutoClaimArgs{
		Stream:   q.stream,
		Group:    q.group,
		Consumer: consumer,
		MinIdle:  q.claimIdle,
		Start:    "0-0",
		Count:    1,
	}).Result()
	if errors.Is(err, redis.Nil) {
		return nil, nil
	}
	return msgs, err
}

func (q *DownloadQueue) handle(ctx context.Context, msg redis.XMessage, handle Handler) {
	logger := util.LoggerFromContext(ctx)
	jobID, _ := msg.Values["job_id"].(string)
	job, err := q.Job(ctx, jobID)
	if errors.Is(err, ErrJobNotFound) {
		// expired or malformed entries are dropped
		q.ackAndDel(ctx, msg.ID)
		return
	}
	if err != nil {
		logger.Warn("download_job_lookup_failed", "job_id", jobID, "err", err)
		return
	}
	job.Attempts++
	job.Status = StatusProcessing
	job.UpdatedAt = q.now()
	if err := q.writeStatus(ctx, job); err != nil {
		logger.Warn("download_job_status_failed", "job_id", job.ID, "err", err)
		return
	}

	books, err := handle(ctx, job)
	job.UpdatedAt = q.now()
	if err == nil {
		job.Status = StatusDone
		job.Books = books
		job.ErrorMessage = ""
		_ = q.writeStatus(ctx, job)
		q.ackAndDel(ctx, msg.ID)
		logger.Info("download_job_done", "job_id", job.ID, "class", job.Class, "language", job.Language, "books", books)
		return
	}
	job.ErrorMessage = err.Error()
	if job.Attempts >= q.maxRetries || errors.Is(err, domain.ErrInvalidInput) {
		job.Status = StatusFailed
		_ = q.writeStatus(ctx, job)
		q.ackAndDel(ctx, msg.ID)
		logger.Warn("download_job_failed", "job_id", job.ID, "attempts", job.Attempts, "err", err)
		return
	}
	job.Status = StatusQueued
	_ = q.writeStatus(ctx, job)
	q.sleep(ctx, q.retryDelay)
	if err := q.requeue(ctx, msg.ID, job.ID); err != nil {
		logger.Warn("download_job_requeue_failed", "job_id", job.ID, "err", err)
	}
}

func (q *DownloadQueue) sleep(ctx context.Context, d time.Duration) {
	if d <= 0 {
		return
	}
	t := time.NewTimer(d)
	defer t.Stop()
	select {
	case <-ctx.Done():
	case <-t.C:
	}
}

func (q *DownloadQueue) ackAndDel(ctx context.Context, msgID string) {
	pipe := q.client.TxPipeline()
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, _ = pipe.Exec(ctx)
}

// requeue appends a fresh entry and acks the old one in a single transaction,
// so a failure leaves the original entry pending for claimStale.
func (q *DownloadQueue) requeue(ctx context.Context, msgID, jobID string) error {
	pipe := q.client.TxPipeline()
	pipe.XAdd(ctx, q.addArgs(jobID))
	pipe.XAck(ctx, q.stream, q.group, msgID)
	pipe.XDel(ctx, q.stream, msgID)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *DownloadQueue) addArgs(jobID string) *redis.XAddArgs {
	return &redis.XAddArgs{
		Stream: q.stream,
		MaxLen: q.maxLen,
		Approx: true,
		Values: map[string]any{"job_id": jobID},
	}
}

func (q *DownloadQueue) writeStatus(ctx context.Context, job DownloadJob) error {
	key := q.jobKey(job.ID)
	pipe := q.client.TxPipeline()
	pipe.HSet(ctx, key, map[string]any{
		"class":     strconv.Itoa(job.Class),
		"language":  string(job.Language),
		"status":    job.Status,
		"books":     strconv.Itoa(job.Books),
		"error":     job.ErrorMessage,
		"attempts":  strconv.Itoa(job.Attempts),
		"createdAt": job.CreatedAt.Format(time.RFC3339Nano),
		"updatedAt": job.UpdatedAt.Format(time.RFC3339Nano),
	})
	pipe.Expire(ctx, key, q.jobTTL)
	_, err := pipe.Exec(ctx)
	return err
}

func (q *DownloadQueue) jobKey(id string) string {
	return q.stream + ":job:" + id
}

func decodeJob(id string, data map[string]string) DownloadJob {
	job := DownloadJob{
		ID:           id,
		Language:     domain.Language(data["language"]),
		Status:       data["status"],
		ErrorMessage: data["error"],
	}
	job.Class, _ = strconv.Atoi(data["class"])
	job.Books, _ = strconv.Atoi(data["books"])
	job.Attempts, _ = strconv.Atoi(data["attempts"])
	job.CreatedAt, _ = time.Parse(time.RFC3339Nano, data["createdAt"])
	job.UpdatedAt, _ = time.Parse(time.RFC3339Nano, data["updatedAt"])
	return job
}
