package repository

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"
	"github.com/stemsi/exstem-proctor/internal/config"
	"github.com/stemsi/exstem-proctor/internal/model"
)

// ErrCacheMiss is returned when a key is not cached.
var ErrCacheMiss = errors.New("cache miss")

// Redis lifetimes. Attempt state outlives any quiz so a restart can resume it.
const (
	QuizCacheTTL   = 6 * time.Hour
	AttemptDataTTL = 24 * time.Hour
)

// AttemptCache is the Redis side of attempts: quiz definitions, resumable
// state, persistence queues and the monitor channel.
type AttemptCache struct {
	rdb *redis.Client
}

// NewAttemptCache creates a new AttemptCache.
func NewAttemptCache(rdb *redis.Client) *AttemptCache {
	return &AttemptCache{rdb: rdb}
}

// GetQuiz loads a cached quiz definition.
func (c *AttemptCache) GetQuiz(ctx context.Context, quizID uuid.UUID) (*model.QuizDefinition, error) {
	var q model.QuizDefinition
	if err := c.getJSON(ctx, config.CacheKey.QuizDefinitionKey(quizID.String()), &q); err != nil {
		return nil, err
	}
	return &q, nil
}

// SetQuiz caches a quiz definition.
func (c *AttemptCache) SetQuiz(ctx context.Context, q *model.QuizDefinition) error {
	return c.setJSON(ctx, config.CacheKey.QuizDefinitionKey(q.ID.String()), q, QuizCacheTTL)
}

// SaveState stores the resumable state of an attempt and keeps the quiz's
// live set current.
func (c *AttemptCache) SaveState(ctx context.Context, st model.AttemptState) error {
	data, err := json.Marshal(st)
	if err != nil {
		return fmt.Errorf("marshal state: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.AttemptStateKey(st.AttemptID.String()), data, AttemptDataTTL)
	liveKey := config.CacheKey.QuizLiveAttemptsKey(st.QuizID.String())
	if st.Status.IsTerminal() {
		pipe.SRem(ctx, liveKey, st.AttemptID.String())
	} else {
		pipe.SAdd(ctx, liveKey, st.AttemptID.String())
		pipe.Expire(ctx, liveKey, AttemptDataTTL)
	}
	_, err = pipe.Exec(ctx)
	return err
}

// LoadState loads the resumable state of an attempt.
func (c *AttemptCache) LoadState(ctx context.Context, attemptID uuid.UUID) (*model.AttemptState, error) {
	var st model.AttemptState
	if err := c.getJSON(ctx, config.CacheKey.AttemptStateKey(attemptID.String()), &st); err != nil {
		return nil, err
	}
	return &st, nil
}

// LiveStates returns the cached state of every live attempt of a quiz.
func (c *AttemptCache) LiveStates(ctx context.Context, quizID uuid.UUID) ([]model.AttemptState, error) {
	ids, err := c.rdb.SMembers(ctx, config.CacheKey.QuizLiveAttemptsKey(quizID.String())).Result()
	if err != nil {
		return nil, err
	}
	if len(ids) == 0 {
		return nil, nil
	}

	keys := make([]string, len(ids))
	for i, id := range ids {
		keys[i] = config.CacheKey.AttemptStateKey(id)
	}
	vals, err := c.rdb.MGet(ctx, keys...).Result()
	if err != nil {
		return nil, err
	}

	out := make([]model.AttemptState, 0, len(vals))
	for _, v := range vals {
		raw, ok := v.(string)
		if !ok {
			continue
		}
		var st model.AttemptState
		if err := json.Unmarshal([]byte(raw), &st); err != nil {
			continue
		}
		out = append(out, st)
	}
	return out, nil
}

// ClaimActiveAttempt registers attemptID as the student's live attempt on a
// quiz. If another attempt already holds the slot, its id is returned and
// claimed is false.
func (c *AttemptCache) ClaimActiveAttempt(ctx context.Context, quizID uuid.UUID, studentID int, attemptID uuid.UUID) (uuid.UUID, bool, error) {
	key := config.CacheKey.StudentActiveAttemptKey(quizID.String(), studentID)
	ok, err := c.rdb.SetNX(ctx, key, attemptID.String(), AttemptDataTTL).Result()
	if err != nil {
		return uuid.Nil, false, err
	}
	if ok {
		return attemptID, true, nil
	}

	current, err := c.ActiveAttempt(ctx, quizID, studentID)
	if err != nil {
		return uuid.Nil, false, err
	}
	return current, false, nil
}

// ActiveAttempt returns the student's live attempt on a quiz.
func (c *AttemptCache) ActiveAttempt(ctx context.Context, quizID uuid.UUID, studentID int) (uuid.UUID, error) {
	raw, err := c.rdb.Get(ctx, config.CacheKey.StudentActiveAttemptKey(quizID.String(), studentID)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return uuid.Nil, ErrCacheMiss
		}
		return uuid.Nil, err
	}
	return uuid.Parse(raw)
}

// ReleaseActiveAttempt frees the student's slot on a quiz.
func (c *AttemptCache) ReleaseActiveAttempt(ctx context.Context, quizID uuid.UUID, studentID int) error {
	return c.rdb.Del(ctx, config.CacheKey.StudentActiveAttemptKey(quizID.String(), studentID)).Err()
}

// SaveResult stores the final result and releases the student's slot.
func (c *AttemptCache) SaveResult(ctx context.Context, res model.SessionResult) error {
	data, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("marshal result: %w", err)
	}

	pipe := c.rdb.Pipeline()
	pipe.Set(ctx, config.CacheKey.AttemptResultKey(res.AttemptID.String()), data, AttemptDataTTL)
	pipe.Del(ctx, config.CacheKey.StudentActiveAttemptKey(res.QuizID.String(), res.StudentID))
	pipe.SRem(ctx, config.CacheKey.QuizLiveAttemptsKey(res.QuizID.String()), res.AttemptID.String())
	_, err = pipe.Exec(ctx)
	return err
}

// LoadResult loads the final result of an attempt.
func (c *AttemptCache) LoadResult(ctx context.Context, attemptID uuid.UUID) (*model.SessionResult, error) {
	var res model.SessionResult
	if err := c.getJSON(ctx, config.CacheKey.AttemptResultKey(attemptID.String()), &res); err != nil {
		return nil, err
	}
	return &res, nil
}

// ClearStates deletes the resumable state of attempts that have been
// persisted for good.
func (c *AttemptCache) ClearStates(ctx context.Context, attemptIDs ...uuid.UUID) error {
	if len(attemptIDs) == 0 {
		return nil
	}
	pipe := c.rdb.Pipeline()
	for _, id := range attemptIDs {
		pipe.Del(ctx, config.CacheKey.AttemptStateKey(id.String()))
	}
	_, err := pipe.Exec(ctx)
	return err
}

// Enqueue pushes a JSON payload onto a persistence queue.
func (c *AttemptCache) Enqueue(ctx context.Context, queue string, payload any) error {
	data, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("marshal payload: %w", err)
	}
	return c.rdb.RPush(ctx, queue, data).Err()
}

// Publish sends an event to the quiz's monitor channel.
func (c *AttemptCache) Publish(ctx context.Context, quizID uuid.UUID, ev model.MonitorEvent) error {
	data, err := json.Marshal(ev)
	if err != nil {
		return fmt.Errorf("marshal event: %w", err)
	}
	return c.rdb.Publish(ctx, config.CacheKey.QuizMonitorChannel(quizID.String()), data).Err()
}

// Subscribe opens the quiz's monitor channel.
func (c *AttemptCache) Subscribe(ctx context.Context, quizID uuid.UUID) *redis.PubSub {
	return c.rdb.Subscribe(ctx, config.CacheKey.QuizMonitorChannel(quizID.String()))
}

func (c *AttemptCache) getJSON(ctx context.Context, key string, dst any) error {
	data, err := c.rdb.Get(ctx, key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return ErrCacheMiss
		}
		return err
	}
	if err := json.Unmarshal(data, dst); err != nil {
		return fmt.Errorf("unmarshal %s: %w", key, err)
	}
	return nil
}

func (c *AttemptCache) setJSON(ctx context.Context, key string, v any, ttl time.Duration) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("marshal %s: %w", key, err)
	}
	return c.rdb.Set(ctx, key, data, ttl).Err()
}
