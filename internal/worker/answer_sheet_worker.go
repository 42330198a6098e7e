package worker

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// AnswerSheetWorker consumes the answer queue and UPSERTs answer sheets to
// PostgreSQL. Only the newest version of each sheet in a batch is written,
// and an older version never overwrites a newer one.
type AnswerSheetWorker struct {
	pool *pgxpool.Pool
	rdb  *redis.Client
	log  zerolog.Logger
}

// NewAnswerSheetWorker creates a new AnswerSheetWorker.
func NewAnswerSheetWorker(pool *pgxpool.Pool, rdb *redis.Client, log zerolog.Logger) *AnswerSheetWorker {
	return &AnswerSheetWorker{
		pool: pool,
		rdb:  rdb,
		log:  log.With().Str("component", "answer_sheet_worker").Logger(),
	}
}

const upsertSheetSQL = `
	INSERT INTO attempt_answer_sheets (attempt_id, sheet, version)
	VALUES ($1, $2::jsonb, $3)
	ON CONFLICT (attempt_id) DO UPDATE
	SET sheet = EXCLUDED.sheet, version = EXCLUDED.version, updated_at = NOW()
	WHERE attempt_answer_sheets.version < EXCLUDED.version`

// Start begins the infinite worker loop. Call in a goroutine.
func (w *AnswerSheetWorker) Start(ctx context.Context) {
	w.log.Info().Msg("Worker started")

	pending := make(map[uuid.UUID]*model.AnswerSheetRecord)
	lastFlush := time.Now()

	for {
		if len(pending) > 0 &&
			(len(pending) >= BatchSize || time.Since(lastFlush) >= BatchTimeout) {
			w.flush(ctx, pending)
			pending = make(map[uuid.UUID]*model.AnswerSheetRecord)
			lastFlush = time.Now()
		}

		select {
		case <-ctx.Done():
			w.log.Info().Msg("Worker stopping...")
			// Drain remaining items before exit.
			drainCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			w.drain(drainCtx, pending)
			cancel()
			w.log.Info().Msg("Worker stopped")
			return
		default:
		}

		result, err := w.rdb.BLPop(ctx, PollTimeout, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			if !errors.Is(err, redis.Nil) && ctx.Err() == nil {
				w.log.Error().Err(err).Msg("BLPop error")
			}
			continue
		}
		if len(result) < 2 {
			continue
		}

		w.collect(pending, result[1])
	}
}

// collect keeps the newest version per attempt.
func (w *AnswerSheetWorker) collect(pending map[uuid.UUID]*model.AnswerSheetRecord, raw string) {
	var rec model.AnswerSheetRecord
	if err := json.Unmarshal([]byte(raw), &rec); err != nil {
		w.log.Error().Err(err).Msg("Unmarshal error")
		return
	}
	if cur, ok := pending[rec.AttemptID]; ok && cur.Version >= rec.Version {
		return
	}
	pending[rec.AttemptID] = &rec
}

func (w *AnswerSheetWorker) flush(ctx context.Context, pending map[uuid.UUID]*model.AnswerSheetRecord) {
	batch := &pgx.Batch{}
	queued := make([]*model.AnswerSheetRecord, 0, len(pending))
	for _, rec := range pending {
		sheet, err := json.Marshal(rec.Sheet)
		if err != nil {
			w.log.Error().Err(err).Str("attempt_id", rec.AttemptID.String()).Msg("Marshal error")
			continue
		}
		batch.Queue(upsertSheetSQL, rec.AttemptID, string(sheet), int64(rec.Version))
		queued = append(queued, rec)
	}

	br := w.pool.SendBatch(ctx, batch)
	failed := make([]*model.AnswerSheetRecord, 0)
	for _, rec := range queued {
		if _, err := br.Exec(); err != nil {
			w.log.Error().Err(err).Str("attempt_id", rec.AttemptID.String()).Msg("Persist error")
			failed = append(failed, rec)
		}
	}
	if err := br.Close(); err != nil && len(failed) == 0 {
		w.log.Error().Err(err).Msg("Batch close error")
		failed = queued
	}

	if len(failed) > 0 {
		w.requeue(ctx, failed)
	}
}

func (w *AnswerSheetWorker) requeue(ctx context.Context, items []*model.AnswerSheetRecord) {
	pipe := w.rdb.Pipeline()
	for _, rec := range items {
		data, _ := json.Marshal(rec)
		pipe.RPush(ctx, config.WorkerKey.PersistAnswersQueue, data)
	}
	if _, err := pipe.Exec(ctx); err != nil {
		w.log.Error().Err(err).Msg("CRITICAL: Failed to requeue answer sheets")
		return
	}
	w.log.Warn().Int("count", len(items)).Msg("Requeued answer sheets, retrying in 5s")
	time.Sleep(5 * time.Second)
}

// drain persists everything still queued before shutdown.
func (w *AnswerSheetWorker) drain(ctx context.Context, pending map[uuid.UUID]*model.AnswerSheetRecord) {
	for {
		raw, err := w.rdb.LPop(ctx, config.WorkerKey.PersistAnswersQueue).Result()
		if err != nil {
			break
		}
		w.collect(pending, raw)
	}

	if len(pending) > 0 {
		w.flush(ctx, pending)
		w.log.Info().Int("count", len(pending)).Msg("Drained remaining items")
	}
}
