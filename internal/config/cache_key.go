package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// StudentSessionKey returns the cache key for a student's login session.
// The platform login service writes it; this service only reads it.
func (r *CacheKeyStruct) StudentSessionKey(studentID int) string {
	return fmt.Sprintf("login:%d", studentID)
}

// QuizDefinitionKey returns the cache key for a quiz definition, answer keys included
func (r *CacheKeyStruct) QuizDefinitionKey(quizID string) string {
	return fmt.Sprintf("quiz:%s:definition", quizID)
}

// AttemptStateKey returns the cache key for an attempt's resumable state
func (r *CacheKeyStruct) AttemptStateKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:state", attemptID)
}

// AttemptResultKey returns the cache key for an attempt's final result
func (r *CacheKeyStruct) AttemptResultKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:result", attemptID)
}

// StudentActiveAttemptKey returns the cache key for a student's live attempt on a quiz
func (r *CacheKeyStruct) StudentActiveAttemptKey(quizID string, studentID int) string {
	return fmt.Sprintf("student:%d:quiz:%s:active_attempt", studentID, quizID)
}

// QuizLiveAttemptsKey returns the cache key for the set of live attempts of a quiz
func (r *CacheKeyStruct) QuizLiveAttemptsKey(quizID string) string {
	return fmt.Sprintf("quiz:%s:live_attempts", quizID)
}

// QuizMonitorChannel returns the Redis PubSub channel name for a quiz monitor
func (r *CacheKeyStruct) QuizMonitorChannel(quizID string) string {
	return fmt.Sprintf("quiz:%s:monitor", quizID)
}

var CacheKey = NewCacheKeyStruct()
