package worker

import (
	"context"
	"errors"
	"fmt"
	"time"

	"timebank/internal/domain"
	"timebank/internal/metrics"
	"timebank/internal/models"

	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
)

const (
	defaultQueueKey      = "journal:queue"
	defaultDeadLetterKey = "journal:deadletter"
)

// JournalWorker delivers booking journal records from the outbox to the
// configured sinks. Records are announced through Redis when available and
// a local channel otherwise; the outbox table is polled as the fallback, so
// a lost notification only delays delivery.
type JournalWorker struct {
	store         domain.OutboxStore
	sinks         []domain.JournalSink
	redis         *redis.Client
	retryPolicy   RetryPolicy
	queue         chan string
	redisQueueKey string
	deadLetterKey string
	pollInterval  time.Duration
	batchSize     int
	logger        *zerolog.Logger
}

type JournalOption func(*JournalWorker)

func WithRedisQueue(client *redis.Client) JournalOption {
	return func(w *JournalWorker) { w.redis = client }
}

func WithPolling(interval time.Duration, batchSize int) JournalOption {
	return func(w *JournalWorker) {
		if interval > 0 {
			w.pollInterval = interval
		}
		if batchSize > 0 {
			w.batchSize = batchSize
		}
	}
}

func NewJournalWorker(store domain.OutboxStore, sinks []domain.JournalSink, retry RetryPolicy,
	logger *zerolog.Logger, opts ...JournalOption,
) *JournalWorker {
	if logger == nil {
		nop := zerolog.Nop()
		logger = &nop
	}
	w := &JournalWorker{
		store:         store,
		sinks:         sinks,
		retryPolicy:   retry.withDefaults(),
		queue:         make(chan string, 128),
		redisQueueKey: defaultQueueKey,
		deadLetterKey: defaultDeadLetterKey,
		pollInterval:  2 * time.Second,
		batchSize:     20,
		logger:        logger,
	}
	for _, opt := range opts {
		opt(w)
	}
	return w
}

// Notify announces a committed outbox record.
func (w *JournalWorker) Notify(ctx context.Context, taskID string) {
	if w.redis != nil {
		err := w.redis.LPush(ctx, w.redisQueueKey, taskID).Err()
		if err == nil {
			return
		}
		w.logger.Warn().Err(err).Str("task_id", taskID).Msg("redis push failed, using local queue")
	}

	select {
	case w.queue <- taskID:
	default:
		w.logger.Debug().Str("task_id", taskID).Msg("local queue full, task left to polling")
	}
}

// Start runs the delivery loop until ctx is done.
func (w *JournalWorker) Start(ctx context.Context) {
	w.logger.Info().Int("sinks", len(w.sinks)).Msg("journal worker started")
	defer w.logger.Info().Msg("journal worker stopped")

	for {
		if ctx.Err() != nil {
			return
		}

		if id, ok := w.tryLocalQueue(); ok {
			w.processByID(ctx, id)
			continue
		}
		if id, ok := w.tryRedis(ctx); ok {
			w.processByID(ctx, id)
			continue
		}

		n, err := w.ProcessPending(ctx)
		if err != nil {
			w.logger.Error().Err(err).Msg("fetch pending journal records")
		}
		if n == 0 {
			select {
			case <-ctx.Done():
				return
			case <-time.After(w.pollInterval):
			}
		}
	}
}

// ProcessPending delivers one batch of due outbox records and returns how
// many were attempted.
func (w *JournalWorker) ProcessPending(ctx context.Context) (int, error) {
	tasks, err := w.store.GetPendingOutboxTasks(ctx, w.batchSize)
	if err != nil {
		return 0, err
	}
	for _, t := range tasks {
		if ctx.Err() != nil {
			break
		}
		w.processTask(ctx, t)
	}
	return len(tasks), nil
}

func (w *JournalWorker) tryLocalQueue() (string, bool) {
	select {
	case id := <-w.queue:
		return id, true
	default:
		return "", false
	}
}

func (w *JournalWorker) tryRedis(ctx context.Context) (string, bool) {
	if w.redis == nil {
		return "", false
	}
	res, err := w.redis.BRPop(ctx, time.Second, w.redisQueueKey).Result()
	if err != nil {
		if !errors.Is(err, redis.Nil) && !errors.Is(err, context.Canceled) && !errors.Is(err, context.DeadlineExceeded) {
			w.logger.Warn().Err(err).Msg("redis BRPOP error")
		}
		return "", false
	}
	if len(res) != 2 {
		return "", false
	}
	return res[1], true
}

func (w *JournalWorker) processByID(ctx context.Context, id string) {
	task, err := w.store.GetOutboxTask(ctx, id)
	if err != nil {
		w.logger.Warn().Err(err).Str("task_id", id).Msg("load journal record")
		return
	}
	w.processTask(ctx, task)
}

func (w *JournalWorker) processTask(ctx context.Context, task *models.OutboxTask) {
	if !due(task, time.Now()) {
		return
	}

	if err := w.deliver(ctx, task); err != nil {
		w.retryOrFail(ctx, task, err)
		return
	}

	if err := w.store.UpdateOutboxTask(ctx, task.ID, models.OutboxCompleted, nil, nil); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark journal record completed")
		return
	}
	metrics.IncJournal("delivered")
}

// due skips records another path already settled or whose backoff has not
// elapsed.
func due(task *models.OutboxTask, now time.Time) bool {
	switch task.Status {
	case models.OutboxPending:
		return true
	case models.OutboxRetry:
		return task.NextRetryAt == nil || !task.NextRetryAt.After(now)
	}
	return false
}

func (w *JournalWorker) deliver(ctx context.Context, task *models.OutboxTask) error {
	var errs []error
	for _, sink := range w.sinks {
		if err := sink.AppendJournal(ctx, task); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func (w *JournalWorker) retryOrFail(ctx context.Context, task *models.OutboxTask, cause error) {
	msg := cause.Error()
	attempt := task.RetryCount + 1
	if w.retryPolicy.Exhausted(attempt) {
		if err := w.store.UpdateOutboxTask(ctx, task.ID, models.OutboxFailed, &msg, nil); err != nil {
			w.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark journal record failed")
		}
		w.logger.Error().Err(cause).Str("task_id", task.ID).Int("attempts", attempt).Msg("journal delivery gave up")
		metrics.IncJournal("failed")
		w.pushDeadLetter(ctx, task)
		return
	}

	next := time.Now().Add(w.retryPolicy.NextDelay(attempt))
	if err := w.store.UpdateOutboxTask(ctx, task.ID, models.OutboxRetry, &msg, &next); err != nil {
		w.logger.Error().Err(err).Str("task_id", task.ID).Msg("mark journal record for retry")
	}
	w.logger.Warn().Err(cause).Str("task_id", task.ID).Time("next_retry_at", next).Msg("journal delivery failed")
	metrics.IncJournal("retry")
}

func (w *JournalWorker) pushDeadLetter(ctx context.Context, task *models.OutboxTask) {
	if w.redis == nil {
		return
	}
	if err := w.redis.LPush(ctx, w.deadLetterKey, task.ID).Err(); err != nil {
		w.logger.Error().Err(fmt.Errorf("deadletter push: %w", err)).Str("task_id", task.ID).Msg("journal dead letter")
	}
}

var _ domain.OutboxNotifier = (*JournalWorker)(nil)
