package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
	"github.com/stemsi/exstem-proctor/internal/repository"
)

// ResultWorker consumes final results and writes them onto the attempt rows.
type ResultWorker struct {
	pool     *pgxpool.Pool
	rdb      *redis.Client
	attempts *repository.AttemptRepository
	cache    *repository.AttemptCache
	log      zerolog.Logger
}

func NewResultWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *ResultWorker {
	return &ResultWorker{
		pool:     pool,
		rdb:      rdb,
		attempts: repository.NewAttemptRepository(pool),
		cache:    repository.NewAttemptCache(rdb),
		log:      log.With().Str("component", "result_worker").Logger(),
	}
}

// ----------------------------------------------------------------
// Worker loop with batching
// ----------------------------------------------------------------

func (w *ResultWorker) Start(ctx context.Context) {
	w.log.Info().Msg("ResultWorker started")

	batch := make([]*model.SessionResult, 0, BatchSize)
	lastFlush := time.Now()

	for {
		if len(batch) > 0 &&
			(len(batch) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {

			w.flushSafe(ctx, batch)
			batch = batch[:0]
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Shutdown requested. Flushing remaining batch...")
			shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.flushSafe(shutdownCtx, batch)
			cancel()
			return

		default:
			item, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistResultsQueue).Result()
			if err != nil {
				if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
					w.log.Error().Err(err).Msg("BLPop error")
				}
				continue
			}

			if len(item) < 2 {
				continue
			}

			var res model.SessionResult
			if err := json.Unmarshal([]byte(item[1]), &res); err != nil {
				w.log.Error().Err(err).Msg("Invalid JSON payload")
				continue
			}

			batch = append(batch, &res)
		}
	}
}

// ----------------------------------------------------------------
// Batch update wrapper
// ----------------------------------------------------------------

func (w *ResultWorker) flushSafe(ctx context.Context, batch []*model.SessionResult) {
	if len(batch) == 0 {
		return
	}

	if err := w.bulkFinish(ctx, batch); err != nil {
		w.log.Warn().Err(err).Msg("bulk result update failed, using fallback")

		done := make([]uuid.UUID, 0, len(batch))
		for _, res := range batch {
			err := w.attempts.Finish(ctx, *res)
			switch {
			case err == nil:
				done = append(done, res.AttemptID)
			case errors.Is(err, repository.ErrAttemptNotFound):
				w.log.Error().Str("attempt_id", res.AttemptID.String()).Msg("Dropping result for unknown attempt")
			default:
				w.log.Error().Err(err).Msg("Finish failed, requeueing")
				raw, _ := json.Marshal(res)
				w.rdb.RPush(ctx, config.WorkerKey.PersistResultsQueue, raw)
			}
		}
		w.clearStates(ctx, done)
		return
	}

	ids := make([]uuid.UUID, len(batch))
	for i, res := range batch {
		ids[i] = res.AttemptID
	}
	w.clearStates(ctx, ids)
}

// ----------------------------------------------------------------
// BULK PostgreSQL UPDATE using UNNEST + alias
// ----------------------------------------------------------------

func (w *ResultWorker) bulkFinish(ctx context.Context, batch []*model.SessionResult) error {
	n := len(batch)

	ids := make([]uuid.UUID, n)
	statuses := make([]string, n)
	scores := make([]*float64, n)
	totals := make([]*float64, n)
	percentages := make([]*float64, n)
	passed := make([]*bool, n)
	gradedBy := make([]string, n)
	violations := make([]int, n)
	reasons := make([]string, n)
	finishedAts := make([]time.Time, n)

	for i, res := range batch {
		ids[i] = res.AttemptID
		statuses[i] = string(res.Status)
		if res.Score != nil {
			sc := *res.Score
			scores[i], totals[i], percentages[i], passed[i] = &sc.Score, &sc.TotalMarks, &sc.Percentage, &sc.Passed
		}
		gradedBy[i] = string(res.GradedBy)
		violations[i] = res.ViolationCount
		reasons[i] = string(res.TerminationReason)
		finishedAts[i] = res.FinishedAt
	}

	query := `
		UPDATE attempts AS a
		SET status = t.status,
		    final_score = t.score,
		    total_marks = t.total,
		    percentage = t.percentage,
		    passed = t.passed,
		    graded_by = NULLIF(t.graded_by, ''),
		    violation_count = t.violations,
		    termination_reason = NULLIF(t.reason, ''),
		    finished_at = t.finished_at
		FROM (
			SELECT *
			FROM UNNEST(
				$1::uuid[],
				$2::text[],
				$3::float8[],
				$4::float8[],
				$5::float8[],
				$6::bool[],
				$7::text[],
				$8::int[],
				$9::text[],
				$10::timestamptz[]
			) AS u (id, status, score, total, percentage, passed, graded_by, violations, reason, finished_at)
		) AS t
		WHERE a.id = t.id
	`

	_, err := w.pool.Exec(ctx, query,
		ids, statuses, scores, totals, percentages, passed, gradedBy, violations, reasons, finishedAts)
	return err
}

// clearStates drops the resumable state of attempts that are now final in
// PostgreSQL. The cached result stays until it expires.
func (w *ResultWorker) clearStates(ctx context.Context, ids []uuid.UUID) {
	if err := w.cache.ClearStates(ctx, ids...); err != nil {
		w.log.Warn().Err(err).Int("count", len(ids)).Msg("Failed to clear cached attempt states")
	}
}
