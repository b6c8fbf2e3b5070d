package config

import (
	"fmt"
)

type CacheKeyStruct struct{}

func NewCacheKeyStruct() *CacheKeyStruct {
	return &CacheKeyStruct{}
}

// QuizPayloadKey returns the cache key for a quiz's question payload
func (r *CacheKeyStruct) QuizPayloadKey(quizID string) string {
	return fmt.Sprintf("quiz:%s:payload", quizID)
}

// AttemptAnswersKey returns the hash key holding an attempt's latest answers
func (r *CacheKeyStruct) AttemptAnswersKey(attemptID string) string {
	return fmt.Sprintf("attempt:%s:answers", attemptID)
}

// QuizInterruptChannel returns the Redis PubSub channel shared by every attempt of a quiz
func (r *CacheKeyStruct) QuizInterruptChannel(quizID string) string {
	return fmt.Sprintf("quiz:%s:interrupts", quizID)
}

// QuizMonitorChannel returns the Redis PubSub channel name for a quiz monitor
func (r *CacheKeyStruct) QuizMonitorChannel(quizID string) string {
	return fmt.Sprintf("quiz:%s:monitor", quizID)
}

var CacheKey = NewCacheKeyStruct()
